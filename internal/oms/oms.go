package oms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	TypeMarket = "market"
	TypeLimit  = "limit"
)

var (
	ErrBrokerNotRegistered = errors.New("broker not registered")
	ErrInvalidRequest      = errors.New("invalid order request")
)

type OrderRequest struct {
	Broker        string
	Symbol        string
	Side          string
	Qty           float64
	Type          string
	LimitPrice    *float64
	PriceHint     *float64
	CorrelationID string
	Metadata      map[string]any
}

type Order struct {
	ID            string         `msgpack:"id" json:"id"`
	Broker        string         `msgpack:"broker" json:"broker"`
	Symbol        string         `msgpack:"symbol" json:"symbol"`
	Side          string         `msgpack:"side" json:"side"`
	Qty           float64        `msgpack:"qty" json:"qty"`
	Type          string         `msgpack:"type" json:"type"`
	Status        string         `msgpack:"status" json:"status"`
	SubmittedAt   time.Time      `msgpack:"submitted_at" json:"submitted_at"`
	BrokerOrderID string         `msgpack:"broker_order_id" json:"broker_order_id,omitempty"`
	FillPrice     *float64       `msgpack:"fill_price,omitempty" json:"fill_price,omitempty"`
	FilledQty     float64        `msgpack:"filled_qty" json:"filled_qty"`
	Raw           map[string]any `msgpack:"raw,omitempty" json:"raw,omitempty"`
	CorrelationID string         `msgpack:"correlation_id,omitempty" json:"correlation_id,omitempty"`
}

type correlation struct {
	orderID  string
	recorded bool
}

// OMS routes orders to named brokers and keeps the append-only order book.
type OMS struct {
	log      *zap.Logger
	journal  *Journal
	observer func(Order)

	mu           sync.Mutex
	brokers      map[string]Broker
	orders       map[string]*Order
	sequence     []string
	correlations map[string]*correlation
	nextID       uint64
}

func New(log *zap.Logger, journal *Journal) *OMS {
	if log == nil {
		log = zap.NewNop()
	}
	return &OMS{
		log:          log,
		journal:      journal,
		brokers:      make(map[string]Broker),
		orders:       make(map[string]*Order),
		correlations: make(map[string]*correlation),
		nextID:       1,
	}
}

// RegisterBroker binds name to broker, replacing any previous adapter.
func (o *OMS) RegisterBroker(name string, broker Broker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.brokers[name] = broker
}

func (o *OMS) Broker(name string) (Broker, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.brokers[name]
	return b, ok
}

func (o *OMS) Brokers() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.brokers))
	for name := range o.brokers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Submit sends req to its broker under a fresh OMS id. A correlation id that already
// produced a recorded order returns that order without contacting the broker; one left
// behind by a failed attempt reuses its OMS id so broker-side deduplication applies.
func (o *OMS) Submit(ctx context.Context, req OrderRequest) (Order, error) {
	if err := validateRequest(req); err != nil {
		return Order{}, err
	}
	o.mu.Lock()
	broker, ok := o.brokers[req.Broker]
	if !ok {
		o.mu.Unlock()
		return Order{}, fmt.Errorf("%s: %w", req.Broker, ErrBrokerNotRegistered)
	}
	var id string
	if req.CorrelationID != "" {
		if corr, ok := o.correlations[req.CorrelationID]; ok {
			if corr.recorded {
				existing := o.orders[corr.orderID].clone()
				o.mu.Unlock()
				o.log.Debug("duplicate correlation id", zap.String("correlation_id", req.CorrelationID), zap.String("order_id", existing.ID))
				return existing, nil
			}
			id = corr.orderID
		}
	}
	if id == "" {
		id = "OMS-" + strconv.FormatUint(o.nextID, 10)
		o.nextID++
		if req.CorrelationID != "" {
			o.correlations[req.CorrelationID] = &correlation{orderID: id}
		}
	}
	o.mu.Unlock()

	brokerOrder, err := buildBrokerOrder(broker, req, id)
	if err != nil {
		return Order{}, err
	}
	result, err := broker.SubmitOrder(ctx, brokerOrder)
	if err != nil {
		o.log.Warn("broker submit failed",
			zap.String("broker", req.Broker),
			zap.String("order_id", id),
			zap.String("symbol", req.Symbol),
			zap.Error(err),
		)
		return Order{}, fmt.Errorf("submit %s via %s: %w", id, req.Broker, err)
	}

	order := &Order{
		ID:            id,
		Broker:        req.Broker,
		Symbol:        req.Symbol,
		Side:          strings.ToLower(req.Side),
		Qty:           req.Qty,
		Type:          brokerOrder.Type,
		Status:        NormalizeStatus(result.Status),
		SubmittedAt:   result.SubmittedAt,
		BrokerOrderID: result.ID,
		FilledQty:     result.FilledQty,
		FillPrice:     copyFloat(result.FillPrice),
		Raw:           resultRaw(result),
		CorrelationID: req.CorrelationID,
	}
	if order.SubmittedAt.IsZero() {
		order.SubmittedAt = time.Now().UTC()
	}

	o.mu.Lock()
	if _, exists := o.orders[id]; !exists {
		o.sequence = append(o.sequence, id)
	}
	o.orders[id] = order
	if req.CorrelationID != "" {
		o.correlations[req.CorrelationID] = &correlation{orderID: id, recorded: true}
	}
	snapshot := order.clone()
	o.mu.Unlock()

	o.record(ctx, snapshot)
	return snapshot, nil
}

// Cancel returns false for unknown orders and orders without a broker id.
func (o *OMS) Cancel(ctx context.Context, id string) bool {
	o.mu.Lock()
	order, ok := o.orders[id]
	if !ok || order.BrokerOrderID == "" {
		o.mu.Unlock()
		return false
	}
	broker, ok := o.brokers[order.Broker]
	brokerOrderID := order.BrokerOrderID
	o.mu.Unlock()
	if !ok {
		return false
	}
	if !broker.CancelOrder(ctx, brokerOrderID) {
		return false
	}
	o.mu.Lock()
	order.Status = Advance(order.Status, StatusCanceled)
	snapshot := order.clone()
	o.mu.Unlock()
	o.record(ctx, snapshot)
	return true
}

// Refresh pulls the latest broker view of an order when the broker supports lookups.
func (o *OMS) Refresh(ctx context.Context, id string) (Order, bool) {
	o.mu.Lock()
	order, ok := o.orders[id]
	if !ok {
		o.mu.Unlock()
		return Order{}, false
	}
	broker := o.brokers[order.Broker]
	brokerOrderID := order.BrokerOrderID
	o.mu.Unlock()

	getter, ok := broker.(OrderGetter)
	if !ok || brokerOrderID == "" {
		return o.Get(id)
	}
	result, found := getter.GetOrder(ctx, brokerOrderID)
	if !found {
		return o.Get(id)
	}
	o.mu.Lock()
	next := Advance(order.Status, NormalizeStatus(result.Status))
	changed := next != order.Status
	order.Status = next
	if result.FilledQty > order.FilledQty {
		order.FilledQty = result.FilledQty
		changed = true
	}
	if result.FillPrice != nil {
		order.FillPrice = copyFloat(result.FillPrice)
	}
	snapshot := order.clone()
	o.mu.Unlock()
	if changed {
		o.record(ctx, snapshot)
	}
	return snapshot, true
}

func (o *OMS) Get(id string) (Order, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	order, ok := o.orders[id]
	if !ok {
		return Order{}, false
	}
	return order.clone(), true
}

// List returns orders in submission order.
func (o *OMS) List() []Order {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Order, 0, len(o.sequence))
	for _, id := range o.sequence {
		out = append(out, o.orders[id].clone())
	}
	return out
}

func (o *OMS) Account(ctx context.Context, brokerName string) (map[string]any, error) {
	broker, ok := o.Broker(brokerName)
	if !ok {
		return nil, fmt.Errorf("%s: %w", brokerName, ErrBrokerNotRegistered)
	}
	return broker.Account(ctx)
}

func (o *OMS) Positions(ctx context.Context, brokerName string) ([]Position, error) {
	broker, ok := o.Broker(brokerName)
	if !ok {
		return nil, fmt.Errorf("%s: %w", brokerName, ErrBrokerNotRegistered)
	}
	if lister, ok := broker.(PositionLister); ok {
		return lister.Positions(ctx), nil
	}
	if viewer, ok := broker.(PositionViewer); ok {
		return viewer.PositionsView(ctx), nil
	}
	return []Position{}, nil
}

// SetObserver registers fn to receive every recorded order state. Call before use.
func (o *OMS) SetObserver(fn func(Order)) {
	o.observer = fn
}

func (o *OMS) record(ctx context.Context, order Order) {
	if o.journal != nil {
		if err := o.journal.Record(ctx, order); err != nil {
			o.log.Warn("failed to journal order", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	if o.observer != nil {
		o.observer(order)
	}
}

func validateRequest(req OrderRequest) error {
	if strings.TrimSpace(req.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	switch strings.ToLower(req.Side) {
	case "buy", "sell":
	default:
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, req.Side)
	}
	if req.Qty <= 0 {
		return fmt.Errorf("%w: qty must be positive", ErrInvalidRequest)
	}
	return nil
}

func buildBrokerOrder(broker Broker, req OrderRequest, id string) (BrokerOrder, error) {
	if builder, ok := broker.(OrderBuilder); ok {
		order, err := builder.BuildOrder(req, id)
		if err != nil {
			return BrokerOrder{}, fmt.Errorf("build order %s: %w", id, err)
		}
		order.ClientOrderID = id
		return order, nil
	}
	orderType := strings.ToLower(strings.TrimSpace(req.Type))
	if orderType == "" {
		orderType = TypeMarket
	}
	return BrokerOrder{
		ClientOrderID: id,
		Symbol:        req.Symbol,
		Side:          strings.ToLower(req.Side),
		Qty:           req.Qty,
		Type:          orderType,
		LimitPrice:    copyFloat(req.LimitPrice),
		PriceHint:     copyFloat(req.PriceHint),
		Metadata:      req.Metadata,
	}, nil
}

func resultRaw(result BrokerResult) map[string]any {
	raw := map[string]any{
		"id":         result.ID,
		"symbol":     result.Symbol,
		"side":       result.Side,
		"qty":        result.Qty,
		"filled_qty": result.FilledQty,
		"status":     result.Status,
	}
	if result.FillPrice != nil {
		raw["fill_price"] = *result.FillPrice
	}
	for k, v := range result.Raw {
		raw[k] = v
	}
	return raw
}

func (o *Order) clone() Order {
	out := *o
	out.FillPrice = copyFloat(o.FillPrice)
	if o.Raw != nil {
		out.Raw = make(map[string]any, len(o.Raw))
		for k, v := range o.Raw {
			out.Raw[k] = v
		}
	}
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
