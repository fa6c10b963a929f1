package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"trade-control-plane/internal/mode"
	"trade-control-plane/internal/strategy"
)

type TickResult struct {
	ID           string                   `json:"id"`
	TS           int64                    `json:"ts"`
	Signals      map[string]any           `json:"signals,omitempty"`
	Approved     int                      `json:"approved_n"`
	Queued       int                      `json:"queued_n"`
	Rejected     int                      `json:"rejected_n"`
	Filled       int                      `json:"fills_n"`
	QueuedOrders []strategy.ProposedOrder `json:"queued_orders,omitempty"`
	Rejections   []mode.Rejection         `json:"rejections,omitempty"`
	Fills        []strategy.Fill          `json:"fills,omitempty"`
	PnLIncrement float64                  `json:"pnl_inc"`
	Positions    map[string]float64       `json:"positions,omitempty"`
	Health       strategy.Health          `json:"health"`
	Err          error                    `json:"-"`
	Error        string                   `json:"error,omitempty"`
}

// pendingHooks are invoked after the handle lock is released.
type pendingHooks struct {
	hooks   Hooks
	signals map[string]any
	fills   []strategy.Fill
	err     error
}

func (p pendingHooks) run(id string) {
	if len(p.signals) > 0 && p.hooks.OnSignals != nil {
		p.hooks.OnSignals(id, p.signals)
	}
	if len(p.fills) > 0 && p.hooks.OnFills != nil {
		p.hooks.OnFills(id, p.fills)
	}
	if p.err != nil && p.hooks.OnError != nil {
		p.hooks.OnError(id, p.err)
	}
}

// TickOnce runs mark-to-market, signals, proposals and gating for one strategy. A nil
// router fills approved orders locally at their proposed notional.
func (o *Orchestrator) TickOnce(ctx context.Context, id string, router Router) TickResult {
	h, ok := o.handle(id)
	if !ok {
		err := fmt.Errorf("%s: %w", id, ErrUnknownStrategy)
		return TickResult{ID: id, Err: err, Error: err.Error()}
	}
	h.mu.Lock()
	res, pending := o.tick(ctx, h, router)
	h.mu.Unlock()
	pending.run(id)
	return res
}

func (o *Orchestrator) tick(ctx context.Context, h *Handle, router Router) (TickResult, pendingHooks) {
	id := h.spec.ID
	now := o.now()
	ts := now.Unix()
	res := TickResult{ID: id, TS: ts}
	pending := pendingHooks{hooks: h.hooks}

	fail := func(stage string, err error) (TickResult, pendingHooks) {
		err = fmt.Errorf("%s: %w", stage, err)
		h.state.Health = strategy.NextHealth(h.state.Health, strategy.EventFailure)
		h.state.Errors++
		o.log.Warn("strategy tick failed", zap.String("strategy_id", id), zap.String("stage", stage), zap.Error(err))
		res.Err = err
		res.Error = err.Error()
		res.Health = h.state.Health
		res.Positions = h.state.Clone().Positions
		pending.err = err
		return res, pending
	}

	pnl, err := h.adapter.MarkToMarket(ctx, h.state.Clone(), now)
	if err != nil {
		return fail("mark to market", err)
	}
	h.state.PnLDay += pnl
	h.state.PnLCum += pnl
	h.state.LastTS = ts
	res.PnLIncrement = pnl

	signals, err := h.adapter.GenerateSignals(ctx, now)
	if err != nil {
		return fail("generate signals", err)
	}
	res.Signals = signals
	pending.signals = signals

	proposals, err := h.adapter.ProposeTrades(ctx, h.state.Clone(), now)
	if err != nil {
		return fail("propose trades", err)
	}
	if len(proposals) > 0 {
		decision := h.controller.ProcessOrders(proposals)
		res.Approved = len(decision.Approved)
		res.Queued = len(decision.Queued)
		res.Rejected = len(decision.Rejected)
		res.QueuedOrders = decision.Queued
		res.Rejections = decision.Rejected

		if len(decision.Approved) > 0 {
			var (
				fills    []strategy.Fill
				routeErr error
			)
			if router != nil {
				fills, routeErr = router.Route(ctx, id, ts, decision.Approved)
			} else {
				fills = paperFills(decision.Approved, ts)
			}
			booked := o.book(ctx, h, fills)
			res.Filled = len(booked)
			res.Fills = booked
			pending.fills = booked
			if routeErr != nil {
				return fail("route orders", routeErr)
			}
		}
	}

	h.state.Health = strategy.NextHealth(h.state.Health, strategy.EventTickOK)
	res.Health = h.state.Health
	res.Positions = h.state.Clone().Positions
	return res, pending
}

// book applies fills to the handle state and notifies the adapter. Caller holds h.mu.
func (o *Orchestrator) book(ctx context.Context, h *Handle, fills []strategy.Fill) []strategy.Fill {
	booked := make([]strategy.Fill, 0, len(fills))
	for _, fill := range fills {
		if h.state.ApplyFill(fill) == 0 {
			continue
		}
		booked = append(booked, fill)
	}
	if len(booked) == 0 {
		return booked
	}
	if applier, ok := h.adapter.(strategy.FillApplier); ok {
		if err := applier.ApplyFills(ctx, booked); err != nil {
			o.log.Warn("adapter fill callback failed", zap.String("strategy_id", h.spec.ID), zap.Error(err))
		}
	}
	return booked
}

func paperFills(orders []strategy.ProposedOrder, ts int64) []strategy.Fill {
	fills := make([]strategy.Fill, 0, len(orders))
	for _, order := range orders {
		fill := strategy.Fill{
			Ticker:    order.Ticker,
			Side:      order.Side,
			FilledUSD: order.TradeNotional,
			Status:    "FILLED",
			TS:        ts,
		}
		if order.PxHintBps != nil {
			fill.AvgPriceBps = *order.PxHintBps
		}
		fills = append(fills, fill)
	}
	return fills
}

// TickAll ticks every handle once in load order.
func (o *Orchestrator) TickAll(ctx context.Context, router Router) map[string]TickResult {
	out := make(map[string]TickResult)
	for _, id := range o.IDs() {
		out[id] = o.TickOnce(ctx, id, router)
	}
	return out
}

// ApplyFills books externally executed fills, such as operator-approved queued orders.
func (o *Orchestrator) ApplyFills(ctx context.Context, id string, fills []strategy.Fill) error {
	h, ok := o.handle(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownStrategy)
	}
	h.mu.Lock()
	booked := o.book(ctx, h, fills)
	pending := pendingHooks{hooks: h.hooks, fills: booked}
	h.mu.Unlock()
	pending.run(id)
	return nil
}
