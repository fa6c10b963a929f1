package app

import (
	"time"

	"trade-control-plane/internal/oms"
	"trade-control-plane/internal/orchestrator"
	"trade-control-plane/internal/resilience"
)

type Status struct {
	Paused     bool                                 `json:"paused"`
	RunMode    string                               `json:"run_mode"`
	LastTick   *time.Time                           `json:"last_tick,omitempty"`
	Healthy    bool                                 `json:"healthy"`
	Strategies []orchestrator.Description           `json:"strategies"`
	Brokers    []resilience.FailoverStatus          `json:"brokers"`
	Health     map[string]resilience.CheckStatus    `json:"health"`
	Watchdogs  map[string]resilience.WatchdogStatus `json:"watchdogs"`
	Approvals  []Ticket                             `json:"approvals"`
	Quotes     map[string]float64                   `json:"quotes,omitempty"`
	Orders     int                                  `json:"orders"`
	OpenOrders int                                  `json:"open_orders"`
}

func (a *App) Status() Status {
	st := Status{
		Paused:    a.isPaused(),
		RunMode:   a.cfg.Orchestrator.RunMode,
		Healthy:   a.healthy(),
		Health:    a.health.Status(),
		Watchdogs: a.watchdogs.Status(),
		Approvals: a.approvals.list(),
		Quotes:    a.quotes.Snapshot(),
	}
	for _, order := range a.oms.List() {
		st.Orders++
		if !oms.IsTerminal(order.Status) {
			st.OpenOrders++
		}
	}
	a.opsMu.RLock()
	if !a.lastTick.IsZero() {
		t := a.lastTick.UTC()
		st.LastTick = &t
	}
	a.opsMu.RUnlock()
	for _, id := range a.orchestrator.IDs() {
		if desc, ok := a.orchestrator.Describe(id); ok {
			st.Strategies = append(st.Strategies, desc)
		}
	}
	for _, fo := range a.failovers {
		st.Brokers = append(st.Brokers, fo.Status())
	}
	return st
}

// healthy is false when any check is failing or a broker group has no usable target.
func (a *App) healthy() bool {
	for _, fo := range a.failovers {
		if fo.Status().Exhausted {
			return false
		}
	}
	return a.health.Healthy()
}
