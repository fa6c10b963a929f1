package oms

import (
	"context"
	"time"
)

// BrokerOrder is the broker-facing request. ClientOrderID always carries the OMS id.
type BrokerOrder struct {
	ClientOrderID string         `msgpack:"client_order_id" json:"client_order_id"`
	Symbol        string         `msgpack:"symbol" json:"symbol"`
	Side          string         `msgpack:"side" json:"side"`
	Qty           float64        `msgpack:"qty" json:"qty"`
	Type          string         `msgpack:"type" json:"type"`
	LimitPrice    *float64       `msgpack:"limit_price,omitempty" json:"limit_price,omitempty"`
	PriceHint     *float64       `msgpack:"price_hint,omitempty" json:"price_hint,omitempty"`
	TimeInForce   string         `msgpack:"tif,omitempty" json:"tif,omitempty"`
	Metadata      map[string]any `msgpack:"metadata,omitempty" json:"metadata,omitempty"`
}

type BrokerResult struct {
	ID          string         `msgpack:"id" json:"id"`
	Symbol      string         `msgpack:"symbol" json:"symbol"`
	Side        string         `msgpack:"side" json:"side"`
	Qty         float64        `msgpack:"qty" json:"qty"`
	FilledQty   float64        `msgpack:"filled_qty" json:"filled_qty"`
	Status      string         `msgpack:"status" json:"status"`
	SubmittedAt time.Time      `msgpack:"submitted_at" json:"submitted_at"`
	FillPrice   *float64       `msgpack:"fill_price,omitempty" json:"fill_price,omitempty"`
	Raw         map[string]any `msgpack:"raw,omitempty" json:"raw,omitempty"`
}

type Position struct {
	Symbol       string  `json:"symbol"`
	Qty          float64 `json:"qty"`
	AvgPrice     float64 `json:"avg_price"`
	LastPrice    float64 `json:"last_price"`
	UnrealizedPL float64 `json:"unrealized_pl"`
	Side         string  `json:"side"`
}

// Broker is implemented once per venue. Cancel failures are reported as false, never as errors.
type Broker interface {
	SubmitOrder(ctx context.Context, order BrokerOrder) (BrokerResult, error)
	CancelOrder(ctx context.Context, orderID string) bool
	Account(ctx context.Context) (map[string]any, error)
}

type PositionLister interface {
	Positions(ctx context.Context) []Position
}

type PositionViewer interface {
	PositionsView(ctx context.Context) []Position
}

// OrderBuilder lets a broker shape its own request from the generic one.
type OrderBuilder interface {
	BuildOrder(req OrderRequest, clientOrderID string) (BrokerOrder, error)
}

// OrderGetter lets the OMS refresh an order's lifecycle from the broker.
type OrderGetter interface {
	GetOrder(ctx context.Context, orderID string) (BrokerResult, bool)
}

type Pinger interface {
	Ping(ctx context.Context) bool
}
