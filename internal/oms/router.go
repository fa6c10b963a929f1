package oms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"trade-control-plane/internal/strategy"
)

// QuoteFunc returns the latest price for a symbol when one is known.
type QuoteFunc func(symbol string) (float64, bool)

// Router turns approved proposals into OMS submissions against one broker name.
type Router struct {
	oms    *OMS
	broker string
	quotes QuoteFunc
	log    *zap.Logger
	now    func() time.Time
}

func NewRouter(oms *OMS, broker string, quotes QuoteFunc, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{oms: oms, broker: broker, quotes: quotes, log: log, now: time.Now}
}

func (r *Router) Broker() string {
	return r.broker
}

// Route submits orders in sequence and returns fills for everything the broker executed.
// The first submission error stops routing; fills gathered before it are returned with it.
func (r *Router) Route(ctx context.Context, strategyID string, tickTS int64, orders []strategy.ProposedOrder) ([]strategy.Fill, error) {
	var fills []strategy.Fill
	for idx, proposal := range orders {
		req := r.request(proposal)
		req.CorrelationID = fmt.Sprintf("%s:%d:%d", strategyID, tickTS, idx)
		req.Metadata = map[string]any{"strategy_id": strategyID}
		order, err := r.oms.Submit(ctx, req)
		if err != nil {
			return fills, err
		}
		if fill, ok := r.fill(proposal, order); ok {
			fills = append(fills, fill)
		} else {
			r.log.Info("order not filled",
				zap.String("strategy_id", strategyID),
				zap.String("order_id", order.ID),
				zap.String("status", order.Status),
			)
		}
	}
	return fills, nil
}

// Submit routes a single proposal under an explicit correlation id.
func (r *Router) Submit(ctx context.Context, correlationID string, proposal strategy.ProposedOrder) (strategy.Fill, Order, error) {
	req := r.request(proposal)
	req.CorrelationID = correlationID
	order, err := r.oms.Submit(ctx, req)
	if err != nil {
		return strategy.Fill{}, Order{}, err
	}
	fill, _ := r.fill(proposal, order)
	return fill, order, nil
}

func (r *Router) request(proposal strategy.ProposedOrder) OrderRequest {
	price := 1.0
	if r.quotes != nil {
		if quote, ok := r.quotes(proposal.Ticker); ok && quote > 0 {
			price = quote
		}
	}
	hint := price
	side := proposal.Side
	if normalized, ok := strategy.NormalizeSide(side); ok {
		side = normalized
	}
	return OrderRequest{
		Broker:    r.broker,
		Symbol:    proposal.Ticker,
		Side:      strings.ToLower(side),
		Qty:       proposal.TradeNotional / price,
		Type:      TypeMarket,
		PriceHint: &hint,
	}
}

func (r *Router) fill(proposal strategy.ProposedOrder, order Order) (strategy.Fill, bool) {
	if order.Status != StatusFilled && order.Status != StatusPartial {
		return strategy.Fill{}, false
	}
	if order.FilledQty <= 0 {
		return strategy.Fill{}, false
	}
	fill := strategy.Fill{
		Ticker:    proposal.Ticker,
		Side:      strings.ToUpper(order.Side),
		FilledQty: order.FilledQty,
		Status:    strings.ToUpper(order.Status),
		TS:        r.now().Unix(),
	}
	if order.FillPrice != nil && *order.FillPrice > 0 {
		fill.FillPrice = *order.FillPrice
		fill.FilledUSD = order.FilledQty * *order.FillPrice
	} else {
		fill.FilledUSD = order.FilledQty
	}
	if proposal.PxHintBps != nil {
		fill.AvgPriceBps = *proposal.PxHintBps
	}
	return fill, true
}
