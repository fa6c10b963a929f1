package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrUnknownAdapter = errors.New("unknown strategy adapter")

// Adapter is the contract every pluggable strategy implements. Adapters receive a copy of
// the state; the orchestrator owns the original.
type Adapter interface {
	Warmup(ctx context.Context) error
	MarkToMarket(ctx context.Context, state State, now time.Time) (float64, error)
	GenerateSignals(ctx context.Context, now time.Time) (map[string]any, error)
	ProposeTrades(ctx context.Context, state State, now time.Time) ([]ProposedOrder, error)
}

// FillApplier is implemented by adapters that want fill notifications.
type FillApplier interface {
	ApplyFills(ctx context.Context, fills []Fill) error
}

type Constructor func(kwargs map[string]any) (Adapter, error)

// Factory resolves engine references to adapter constructors registered at startup.
type Factory struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewFactory() *Factory {
	return &Factory{ctors: make(map[string]Constructor)}
}

// Register binds ref to ctor, replacing any previous binding.
func (f *Factory) Register(ref string, ctor Constructor) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return errors.New("adapter reference is required")
	}
	if ctor == nil {
		return fmt.Errorf("adapter %q: constructor is required", ref)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctors == nil {
		f.ctors = make(map[string]Constructor)
	}
	f.ctors[ref] = ctor
	return nil
}

func (f *Factory) Build(ref string, kwargs map[string]any) (Adapter, error) {
	ref = strings.TrimSpace(ref)
	f.mu.RLock()
	ctor, ok := f.ctors[ref]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", ref, ErrUnknownAdapter)
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	adapter, err := ctor(kwargs)
	if err != nil {
		return nil, fmt.Errorf("build adapter %q: %w", ref, err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("build adapter %q: constructor returned nil", ref)
	}
	return adapter, nil
}

func (f *Factory) Refs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.ctors))
	for ref := range f.ctors {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
