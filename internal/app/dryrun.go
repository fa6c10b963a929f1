package app

import (
	"context"

	"trade-control-plane/internal/config"
	"trade-control-plane/internal/orchestrator"
	"trade-control-plane/internal/state"

	"go.uber.org/zap"
)

// DryRun loads the registry against an in-memory store, warms every strategy and ticks each
// once with local paper fills. External sinks are disabled and nothing is persisted.
func DryRun(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]orchestrator.TickResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dry := *cfg
	dry.Timescale.Enabled = false
	dry.NATS.Enabled = false
	dry.Telegram.Enabled = false
	dry.Metrics.Enabled = nil

	a, err := build(&dry, log, state.NewMemoryStore())
	if err != nil {
		return nil, err
	}
	defer func() { _ = a.store.Close() }()

	for id, err := range a.orchestrator.WarmupAll(ctx) {
		log.Warn("warmup failed", zap.String("strategy_id", id), zap.Error(err))
	}
	results := a.orchestrator.TickAll(ctx, nil)
	out := make([]orchestrator.TickResult, 0, len(results))
	for _, id := range a.orchestrator.IDs() {
		if res, ok := results[id]; ok {
			out = append(out, res)
		}
	}
	return out, nil
}
