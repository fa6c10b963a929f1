package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"trade-control-plane/internal/oms"
)

var (
	ErrInvalidQty      = errors.New("qty must be positive")
	ErrMissingLimit    = errors.New("limit order requires limit_price")
	ErrMissingPrice    = errors.New("price_hint required for paper execution")
	ErrUnsupportedSide = errors.New("side must be buy or sell")
)

var bpsScale = decimal.New(1, -4)

type Config struct {
	StartingCash float64
	FeeBps       float64
	SlippageBps  float64
}

type position struct {
	qty  decimal.Decimal
	avg  decimal.Decimal
	last decimal.Decimal
}

// Broker simulates immediate execution against an in-memory cash and position book.
type Broker struct {
	name     string
	fee      decimal.Decimal
	slippage decimal.Decimal
	healthy  atomic.Bool

	mu        sync.Mutex
	cash      decimal.Decimal
	positions map[string]*position
	orders    map[string]oms.BrokerResult
	byClient  map[string]string
	nextID    uint64
	now       func() time.Time
}

func New(name string, cfg Config) *Broker {
	b := &Broker{
		name:      name,
		fee:       decimal.NewFromFloat(cfg.FeeBps),
		slippage:  decimal.NewFromFloat(cfg.SlippageBps),
		cash:      decimal.NewFromFloat(cfg.StartingCash),
		positions: make(map[string]*position),
		orders:    make(map[string]oms.BrokerResult),
		byClient:  make(map[string]string),
		nextID:    1,
		now:       time.Now,
	}
	b.healthy.Store(true)
	return b
}

func (b *Broker) Name() string {
	return b.name
}

// SubmitOrder executes immediately. A repeated client order id returns the original result.
func (b *Broker) SubmitOrder(ctx context.Context, req oms.BrokerOrder) (oms.BrokerResult, error) {
	if err := ctx.Err(); err != nil {
		return oms.BrokerResult{}, err
	}
	if req.Qty <= 0 {
		return oms.BrokerResult{}, ErrInvalidQty
	}
	if req.Side != "buy" && req.Side != "sell" {
		return oms.BrokerResult{}, fmt.Errorf("%q: %w", req.Side, ErrUnsupportedSide)
	}
	if req.Type == oms.TypeLimit && req.LimitPrice == nil {
		return oms.BrokerResult{}, ErrMissingLimit
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if req.ClientOrderID != "" {
		if id, ok := b.byClient[req.ClientOrderID]; ok {
			return b.orders[id], nil
		}
	}

	price, err := b.executionPrice(req)
	if err != nil {
		return oms.BrokerResult{}, err
	}
	qty := decimal.NewFromFloat(req.Qty)
	cost := price.Mul(qty)
	fee := cost.Mul(b.fee).Mul(bpsScale)

	status := "filled"
	filled := qty
	if req.Side == "buy" && b.cash.LessThan(cost.Add(fee)) {
		status = "rejected"
		filled = decimal.Zero
	} else {
		b.applyFill(req.Symbol, req.Side, qty, price, fee)
	}

	id := "paper-" + strconv.FormatUint(b.nextID, 10)
	b.nextID++
	res := oms.BrokerResult{
		ID:          id,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Qty:         req.Qty,
		FilledQty:   filled.InexactFloat64(),
		Status:      status,
		SubmittedAt: b.now().UTC(),
		Raw:         map[string]any{"venue": b.name, "fee": fee.Round(6).InexactFloat64()},
	}
	if status == "filled" {
		fp := price.InexactFloat64()
		res.FillPrice = &fp
	}
	b.orders[id] = res
	if req.ClientOrderID != "" {
		b.byClient[req.ClientOrderID] = id
	}
	return res, nil
}

// CancelOrder only succeeds for open orders; paper orders fill or reject immediately.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.orders[orderID]
	if !ok || res.Status != "open" {
		return false
	}
	res.Status = "canceled"
	b.orders[orderID] = res
	return true
}

func (b *Broker) GetOrder(ctx context.Context, orderID string) (oms.BrokerResult, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.orders[orderID]
	return res, ok
}

func (b *Broker) Account(ctx context.Context) (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	for _, p := range b.positions {
		equity = equity.Add(p.qty.Mul(p.last))
	}
	return map[string]any{
		"cash":      b.cash.Round(2).InexactFloat64(),
		"equity":    equity.Round(2).InexactFloat64(),
		"positions": len(b.positions),
	}, nil
}

func (b *Broker) PositionsView(ctx context.Context) []oms.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbols := make([]string, 0, len(b.positions))
	for sym := range b.positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	out := make([]oms.Position, 0, len(symbols))
	for _, sym := range symbols {
		p := b.positions[sym]
		side := "long"
		if !p.qty.IsPositive() {
			side = "short"
		}
		out = append(out, oms.Position{
			Symbol:       sym,
			Qty:          p.qty.InexactFloat64(),
			AvgPrice:     p.avg.InexactFloat64(),
			LastPrice:    p.last.InexactFloat64(),
			UnrealizedPL: p.last.Sub(p.avg).Mul(p.qty).Round(2).InexactFloat64(),
			Side:         side,
		})
	}
	return out
}

// ClosePosition flattens symbol at price and reports whether a position existed.
func (b *Broker) ClosePosition(ctx context.Context, symbol string, price float64) bool {
	b.mu.Lock()
	p, ok := b.positions[symbol]
	var qty decimal.Decimal
	side := "sell"
	if ok {
		qty = p.qty.Abs()
		if p.qty.IsNegative() {
			side = "buy"
		}
	}
	b.mu.Unlock()
	if !ok || qty.IsZero() {
		return false
	}
	hint := price
	_, err := b.SubmitOrder(ctx, oms.BrokerOrder{Symbol: symbol, Side: side, Qty: qty.InexactFloat64(), Type: oms.TypeMarket, PriceHint: &hint})
	return err == nil
}

func (b *Broker) Ping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return b.healthy.Load()
}

// SetHealthy toggles the Ping result.
func (b *Broker) SetHealthy(ok bool) {
	b.healthy.Store(ok)
}

func (b *Broker) executionPrice(req oms.BrokerOrder) (decimal.Decimal, error) {
	var base *float64
	if req.Type == oms.TypeLimit {
		base = req.LimitPrice
	} else {
		base = req.PriceHint
	}
	if base == nil {
		return decimal.Zero, ErrMissingPrice
	}
	px := decimal.NewFromFloat(*base)
	slip := px.Mul(b.slippage).Mul(bpsScale)
	if req.Side == "buy" {
		return px.Add(slip), nil
	}
	return px.Sub(slip), nil
}

func (b *Broker) applyFill(symbol, side string, qty, price, fee decimal.Decimal) {
	signed := qty
	if side != "buy" {
		signed = qty.Neg()
	}
	b.cash = b.cash.Sub(signed.Mul(price)).Sub(fee)

	p, ok := b.positions[symbol]
	if !ok {
		b.positions[symbol] = &position{qty: signed, avg: price, last: price}
		return
	}
	newQty := p.qty.Add(signed)
	if p.qty.IsZero() || p.qty.IsPositive() == signed.IsPositive() {
		total := p.avg.Mul(p.qty.Abs()).Add(price.Mul(signed.Abs()))
		p.qty = newQty
		p.avg = total.Div(newQty.Abs())
	} else {
		p.qty = newQty
		if p.qty.IsZero() {
			p.avg = decimal.Zero
		}
	}
	p.last = price
}
