package strategy

import (
	"math"
	"strings"
)

type Health string

type Event string

const (
	HealthInit    Health = "INIT"
	HealthWarmed  Health = "WARMED"
	HealthRunning Health = "RUNNING"
	HealthError   Health = "ERROR"
)

const (
	EventWarmupOK Event = "WARMUP_OK"
	EventTickOK   Event = "TICK_OK"
	EventFailure  Event = "FAILURE"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

const (
	DefaultFamily      = "unknown"
	DefaultControlMode = "SEMI_AUTO"
	DefaultNAV         = 1_000_000.0
)

// Spec is the immutable registry description of one strategy.
type Spec struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Family      string         `json:"family"`
	Engine      string         `json:"engine"`
	Config      string         `json:"yaml"`
	ControlMode string         `json:"control_mode"`
	RunMode     string         `json:"run_mode"`
	Tags        []string       `json:"tags"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// HasTag reports whether the spec carries any of tags (case-insensitive).
func (s Spec) HasTag(tags []string) bool {
	for _, want := range tags {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		for _, have := range s.Tags {
			if strings.EqualFold(strings.TrimSpace(have), want) {
				return true
			}
		}
	}
	return false
}

// State is the mutable per-strategy book owned by a single orchestrator handle.
type State struct {
	LastTS          int64              `json:"last_ts"`
	Health          Health             `json:"health"`
	Errors          int                `json:"errors"`
	TradesSentToday float64            `json:"trades_sent_today"`
	Positions       map[string]float64 `json:"positions"`
	NAV             float64            `json:"nav"`
	PnLDay          float64            `json:"pnl_day"`
	PnLCum          float64            `json:"pnl_cum"`
}

func NewState(nav float64) State {
	if nav <= 0 {
		nav = DefaultNAV
	}
	return State{
		Health:    HealthInit,
		Positions: make(map[string]float64),
		NAV:       nav,
	}
}

func (s State) Clone() State {
	out := s
	out.Positions = make(map[string]float64, len(s.Positions))
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	return out
}

// ApplyFill books a fill into positions and turnover and returns the booked notional.
func (s *State) ApplyFill(fill Fill) float64 {
	notional := math.Abs(fill.Notional())
	if notional == 0 {
		return 0
	}
	if s.Positions == nil {
		s.Positions = make(map[string]float64)
	}
	signed := notional
	if !IsBuy(fill.Side) {
		signed = -notional
	}
	s.Positions[BaseSymbol(fill.Ticker)] += signed
	s.TradesSentToday += notional
	return notional
}

type ProposedOrder struct {
	Ticker        string   `json:"ticker"`
	Side          string   `json:"side"`
	TradeNotional float64  `json:"trade_notional"`
	PxHintBps     *float64 `json:"px_hint_bps,omitempty"`
}

// SignedNotional is positive for buys and negative for sells.
func (o ProposedOrder) SignedNotional() float64 {
	if IsBuy(o.Side) {
		return o.TradeNotional
	}
	return -o.TradeNotional
}

type Fill struct {
	Ticker      string  `json:"ticker"`
	Side        string  `json:"side"`
	FilledUSD   float64 `json:"filled_usd"`
	FilledQty   float64 `json:"filled_qty,omitempty"`
	Status      string  `json:"status"`
	AvgPriceBps float64 `json:"avg_price_bps"`
	FillPrice   float64 `json:"fill_price,omitempty"`
	TS          int64   `json:"ts"`
}

// Notional prefers the USD amount and falls back to qty times price, then raw qty.
func (f Fill) Notional() float64 {
	if f.FilledUSD != 0 {
		return f.FilledUSD
	}
	if f.FilledQty != 0 && f.FillPrice > 0 {
		return f.FilledQty * f.FillPrice
	}
	return f.FilledQty
}

// IsBuy reports whether side normalizes to BUY. Unrecognized sides are not buys.
func IsBuy(side string) bool {
	normalized, _ := NormalizeSide(side)
	return normalized == SideBuy
}

// NormalizeSide maps a proposal side onto BUY or SELL and reports whether it was recognized.
func NormalizeSide(side string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case SideBuy, "B", "LONG":
		return SideBuy, true
	case SideSell, "S", "SHORT":
		return SideSell, true
	default:
		return "", false
	}
}

// BaseSymbol keeps the first two underscore-separated parts of a ticker.
func BaseSymbol(ticker string) string {
	parts := strings.Split(ticker, "_")
	if len(parts) >= 2 {
		return parts[0] + "_" + parts[1]
	}
	return parts[0]
}
