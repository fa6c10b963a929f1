package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"trade-control-plane/internal/mode"
	"trade-control-plane/internal/state"
	"trade-control-plane/internal/strategy"
)

type snapshotEntry struct {
	Spec    strategy.Spec    `json:"spec"`
	State   strategy.State   `json:"state"`
	Control mode.Description `json:"control"`
}

// SaveSnapshot persists spec, state and control settings for every handle.
func (o *Orchestrator) SaveSnapshot(ctx context.Context) error {
	doc := make(map[string]snapshotEntry)
	for _, h := range o.Handles() {
		doc[h.spec.ID] = snapshotEntry{
			Spec:    h.spec,
			State:   h.State(),
			Control: h.controller.Describe(),
		}
	}
	return state.SaveJSON(ctx, o.store, SnapshotKey, doc)
}

// LoadSnapshot restores state for ids that are currently loaded and returns how many were
// restored. Specs and controls in the snapshot are informational only.
func (o *Orchestrator) LoadSnapshot(ctx context.Context) (int, error) {
	var doc map[string]snapshotEntry
	ok, err := state.LoadJSON(ctx, o.store, SnapshotKey, &doc)
	if err != nil || !ok {
		return 0, err
	}
	restored := 0
	for id, entry := range doc {
		h, ok := o.handle(id)
		if !ok {
			continue
		}
		st := entry.State
		if st.Positions == nil {
			st.Positions = make(map[string]float64)
		}
		if st.Health == "" {
			st.Health = strategy.HealthInit
		}
		h.mu.Lock()
		h.state = st
		h.mu.Unlock()
		restored++
	}
	o.log.Info("strategy snapshot restored", zap.Int("restored", restored), zap.Int("entries", len(doc)))
	return restored, nil
}
