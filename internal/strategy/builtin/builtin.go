package builtin

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"trade-control-plane/internal/strategy"
)

const (
	TargetRef = "builtin:target"
	FlatRef   = "builtin:flat"
)

// Register installs the built-in adapters into f.
func Register(f *strategy.Factory) error {
	return errors.Join(
		f.Register(TargetRef, NewTarget),
		f.Register(FlatRef, NewFlat),
	)
}

type TargetConfig struct {
	Targets     map[string]float64 `yaml:"targets"`
	MinTradeUSD float64            `yaml:"min_trade_usd"`
	MaxTradeUSD float64            `yaml:"max_trade_usd"`
	PxHintBps   *float64           `yaml:"px_hint_bps"`
	DriftBps    float64            `yaml:"drift_bps"`
}

// Target rebalances positions toward fixed USD targets per ticker.
type Target struct {
	cfg     TargetConfig
	tickers []string

	mu       sync.Mutex
	warmedAt time.Time
	filled   float64
}

func NewTarget(kwargs map[string]any) (strategy.Adapter, error) {
	var cfg TargetConfig
	if err := strategy.DecodeKwargs(kwargs, &cfg); err != nil {
		return nil, fmt.Errorf("target kwargs: %w", err)
	}
	if cfg.MinTradeUSD < 0 || cfg.MaxTradeUSD < 0 {
		return nil, errors.New("target kwargs: trade sizes must be non-negative")
	}
	tickers := make([]string, 0, len(cfg.Targets))
	for ticker := range cfg.Targets {
		if strings.TrimSpace(ticker) == "" {
			return nil, errors.New("target kwargs: empty ticker")
		}
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)
	return &Target{cfg: cfg, tickers: tickers}, nil
}

func (t *Target) Warmup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.warmedAt = time.Now()
	t.mu.Unlock()
	return nil
}

// MarkToMarket applies a constant drift to the gross book.
func (t *Target) MarkToMarket(ctx context.Context, state strategy.State, now time.Time) (float64, error) {
	if t.cfg.DriftBps == 0 {
		return 0, nil
	}
	var pnl float64
	for _, pos := range state.Positions {
		pnl += pos * t.cfg.DriftBps / 10_000
	}
	return pnl, nil
}

func (t *Target) GenerateSignals(ctx context.Context, now time.Time) (map[string]any, error) {
	if len(t.tickers) == 0 {
		return nil, nil
	}
	return map[string]any{
		"targets": len(t.tickers),
		"ts":      now.Unix(),
	}, nil
}

func (t *Target) ProposeTrades(ctx context.Context, state strategy.State, now time.Time) ([]strategy.ProposedOrder, error) {
	var out []strategy.ProposedOrder
	for _, ticker := range t.tickers {
		gap := t.cfg.Targets[ticker] - state.Positions[strategy.BaseSymbol(ticker)]
		size := math.Abs(gap)
		if size == 0 || size < t.cfg.MinTradeUSD {
			continue
		}
		if t.cfg.MaxTradeUSD > 0 && size > t.cfg.MaxTradeUSD {
			size = t.cfg.MaxTradeUSD
		}
		side := strategy.SideBuy
		if gap < 0 {
			side = strategy.SideSell
		}
		order := strategy.ProposedOrder{Ticker: ticker, Side: side, TradeNotional: size}
		if t.cfg.PxHintBps != nil {
			hint := *t.cfg.PxHintBps
			order.PxHintBps = &hint
		}
		out = append(out, order)
	}
	return out, nil
}

func (t *Target) ApplyFills(ctx context.Context, fills []strategy.Fill) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, fill := range fills {
		t.filled += math.Abs(fill.Notional())
	}
	return nil
}

// FilledNotional is the total notional reported through ApplyFills.
func (t *Target) FilledNotional() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filled
}

// Flat never trades.
type Flat struct{}

func NewFlat(map[string]any) (strategy.Adapter, error) {
	return Flat{}, nil
}

func (Flat) Warmup(ctx context.Context) error { return ctx.Err() }

func (Flat) MarkToMarket(ctx context.Context, state strategy.State, now time.Time) (float64, error) {
	return 0, nil
}

func (Flat) GenerateSignals(ctx context.Context, now time.Time) (map[string]any, error) {
	return nil, nil
}

func (Flat) ProposeTrades(ctx context.Context, state strategy.State, now time.Time) ([]strategy.ProposedOrder, error) {
	return nil, nil
}
