package app

import (
	"encoding/json"
	"strings"
	"sync"
)

type quoteMessage struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// quoteBook keeps the latest price per symbol from feed frames shaped like
// {"symbol":"AAPL","price":189.5} or an array of them. Other frames are ignored.
type quoteBook struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func newQuoteBook() *quoteBook {
	return &quoteBook{prices: make(map[string]float64)}
}

func (q *quoteBook) Update(raw json.RawMessage) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return
	}
	var msgs []quoteMessage
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return
		}
	} else {
		var msg quoteMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		msgs = append(msgs, msg)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, msg := range msgs {
		symbol := strings.ToUpper(strings.TrimSpace(msg.Symbol))
		if symbol == "" || msg.Price <= 0 {
			continue
		}
		q.prices[symbol] = msg.Price
	}
}

func (q *quoteBook) Quote(symbol string) (float64, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	price, ok := q.prices[strings.ToUpper(strings.TrimSpace(symbol))]
	return price, ok
}

func (q *quoteBook) Snapshot() map[string]float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]float64, len(q.prices))
	for k, v := range q.prices {
		out[k] = v
	}
	return out
}
