package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trade-control-plane/internal/mode"
	"trade-control-plane/internal/state"
	"trade-control-plane/internal/strategy"
)

const SnapshotKey = "orchestrator:snapshot"

var ErrUnknownStrategy = errors.New("unknown strategy")

// Router executes approved proposals and returns the resulting fills.
type Router interface {
	Route(ctx context.Context, strategyID string, tickTS int64, orders []strategy.ProposedOrder) ([]strategy.Fill, error)
}

type RouterFunc func(ctx context.Context, strategyID string, tickTS int64, orders []strategy.ProposedOrder) ([]strategy.Fill, error)

func (f RouterFunc) Route(ctx context.Context, strategyID string, tickTS int64, orders []strategy.ProposedOrder) ([]strategy.Fill, error) {
	return f(ctx, strategyID, tickTS, orders)
}

type Hooks struct {
	OnFills   func(id string, fills []strategy.Fill)
	OnSignals func(id string, signals map[string]any)
	OnError   func(id string, err error)
}

type Config struct {
	RunMode              mode.RunMode
	RegistryDir          string
	ConfigsDir           string
	DefaultNAV           float64
	SemiAutoThresholdUSD float64
}

type Filter struct {
	Family string
	IDs    []string
	Tags   []string
	Limit  int
}

// Handle bundles one strategy's spec, adapter, controller and state.
type Handle struct {
	mu         sync.Mutex
	spec       strategy.Spec
	adapter    strategy.Adapter
	controller *mode.Controller
	state      strategy.State
	hooks      Hooks
}

func (h *Handle) Spec() strategy.Spec {
	return h.spec
}

func (h *Handle) Adapter() strategy.Adapter {
	return h.adapter
}

func (h *Handle) Controller() *mode.Controller {
	return h.controller
}

func (h *Handle) State() strategy.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone()
}

// handleBook feeds the controller from the handle's state. The controller only runs inside
// TickOnce, which already holds the handle lock.
type handleBook struct {
	h *Handle
}

func (b handleBook) Position(base string) float64 {
	return b.h.state.Positions[base]
}

func (b handleBook) Positions() map[string]float64 {
	out := make(map[string]float64, len(b.h.state.Positions))
	for k, v := range b.h.state.Positions {
		out[k] = v
	}
	return out
}

func (b handleBook) TradedToday() float64 {
	return b.h.state.TradesSentToday
}

type Orchestrator struct {
	cfg     Config
	factory *strategy.Factory
	store   state.Store
	log     *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	handles map[string]*Handle
	order   []string
}

func New(cfg Config, factory *strategy.Factory, store state.Store, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if factory == nil {
		factory = strategy.NewFactory()
	}
	if cfg.RunMode == "" {
		cfg.RunMode = mode.RunPaper
	}
	if cfg.DefaultNAV <= 0 {
		cfg.DefaultNAV = strategy.DefaultNAV
	}
	return &Orchestrator{
		cfg:     cfg,
		factory: factory,
		store:   store,
		log:     log,
		now:     time.Now,
		handles: make(map[string]*Handle),
	}
}

// LoadFromRegistry builds handles for every registry row passing filter. A failing row is
// skipped; its error is joined into the returned error next to the ids that did load.
func (o *Orchestrator) LoadFromRegistry(ctx context.Context, filter Filter, limits mode.RiskLimits) ([]string, error) {
	specs, err := strategy.ReadRegistry(o.cfg.RegistryDir)
	if err != nil && specs == nil {
		return nil, err
	}
	errs := []error{err}
	specs = applyFilter(specs, filter)

	var loaded []string
	for _, spec := range specs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := o.Add(spec, limits); err != nil {
			o.log.Warn("strategy load failed", zap.String("strategy_id", spec.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("strategy %s: %w", spec.ID, err))
			continue
		}
		loaded = append(loaded, spec.ID)
	}
	o.log.Info("strategies loaded", zap.Int("count", len(loaded)), zap.Strings("ids", loaded))
	return loaded, errors.Join(errs...)
}

func applyFilter(specs []strategy.Spec, filter Filter) []strategy.Spec {
	ids := make(map[string]struct{}, len(filter.IDs))
	for _, id := range filter.IDs {
		if id = strings.TrimSpace(id); id != "" {
			ids[id] = struct{}{}
		}
	}
	family := strings.TrimSpace(filter.Family)
	var tags []string
	for _, tag := range filter.Tags {
		for _, part := range strings.Split(tag, "|") {
			if part = strings.TrimSpace(part); part != "" {
				tags = append(tags, part)
			}
		}
	}
	out := make([]strategy.Spec, 0, len(specs))
	for _, spec := range specs {
		if len(ids) > 0 {
			if _, ok := ids[spec.ID]; !ok {
				continue
			}
		}
		if family != "" && !strings.EqualFold(spec.Family, family) {
			continue
		}
		if len(tags) > 0 && !spec.HasTag(tags) {
			continue
		}
		out = append(out, spec)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Add builds and installs a handle for spec, replacing any handle with the same id.
func (o *Orchestrator) Add(spec strategy.Spec, limits mode.RiskLimits) error {
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		return errors.New("strategy id is required")
	}
	if spec.RunMode == "" {
		spec.RunMode = string(o.cfg.RunMode)
	}
	if spec.ControlMode == "" {
		spec.ControlMode = strategy.DefaultControlMode
	}
	runMode, err := mode.ParseRunMode(spec.RunMode)
	if err != nil {
		return err
	}
	controlMode, err := mode.ParseControlMode(spec.ControlMode)
	if err != nil {
		return err
	}
	spec.RunMode = string(runMode)
	spec.ControlMode = string(controlMode)

	kwargs, err := strategy.LoadAdapterConfig(strategy.AdapterConfigPath(o.cfg.ConfigsDir, spec))
	if err != nil {
		return err
	}
	adapter, err := o.factory.Build(spec.Engine, kwargs)
	if err != nil {
		return err
	}
	h := &Handle{
		spec:    spec,
		adapter: adapter,
		state:   strategy.NewState(o.cfg.DefaultNAV),
	}
	h.controller = mode.New(mode.Config{
		RunMode:              runMode,
		ControlMode:          controlMode,
		Limits:               limits,
		SemiAutoThresholdUSD: o.cfg.SemiAutoThresholdUSD,
	}, handleBook{h: h}, o.log.With(zap.String("strategy_id", spec.ID)))

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.handles[spec.ID]; !exists {
		o.order = append(o.order, spec.ID)
	}
	o.handles[spec.ID] = h
	return nil
}

func (o *Orchestrator) handle(id string) (*Handle, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handles[id]
	return h, ok
}

// IDs lists strategy ids in load order.
func (o *Orchestrator) IDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.order...)
}

func (o *Orchestrator) Handles() []*Handle {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Handle, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.handles[id])
	}
	return out
}

func (o *Orchestrator) Handle(id string) (*Handle, bool) {
	return o.handle(id)
}

func (o *Orchestrator) SetHooks(id string, hooks Hooks) error {
	h, ok := o.handle(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownStrategy)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if hooks.OnFills != nil {
		h.hooks.OnFills = hooks.OnFills
	}
	if hooks.OnSignals != nil {
		h.hooks.OnSignals = hooks.OnSignals
	}
	if hooks.OnError != nil {
		h.hooks.OnError = hooks.OnError
	}
	return nil
}

func (o *Orchestrator) Position(id, base string) float64 {
	h, ok := o.handle(id)
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Positions[base]
}

func (o *Orchestrator) TradedToday(id string) float64 {
	h, ok := o.handle(id)
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.TradesSentToday
}

type Description struct {
	Spec    strategy.Spec    `json:"spec"`
	State   strategy.State   `json:"state"`
	Control mode.Description `json:"control"`
}

func (o *Orchestrator) Describe(id string) (Description, bool) {
	h, ok := o.handle(id)
	if !ok {
		return Description{}, false
	}
	return Description{Spec: h.spec, State: h.State(), Control: h.controller.Describe()}, true
}

// WarmupAll warms every handle and returns the failures keyed by id.
func (o *Orchestrator) WarmupAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, h := range o.Handles() {
		id := h.spec.ID
		h.mu.Lock()
		err := h.adapter.Warmup(ctx)
		var onError func(string, error)
		if err != nil {
			h.state.Health = strategy.NextHealth(h.state.Health, strategy.EventFailure)
			h.state.Errors++
			onError = h.hooks.OnError
		} else {
			h.state.Health = strategy.NextHealth(h.state.Health, strategy.EventWarmupOK)
		}
		h.mu.Unlock()
		if err != nil {
			failures[id] = err
			o.log.Warn("strategy warmup failed", zap.String("strategy_id", id), zap.Error(err))
			if onError != nil {
				onError(id, err)
			}
		}
	}
	return failures
}

// ResetDay clears day-scoped counters on every handle.
func (o *Orchestrator) ResetDay() {
	for _, h := range o.Handles() {
		h.mu.Lock()
		h.state.TradesSentToday = 0
		h.state.PnLDay = 0
		h.mu.Unlock()
	}
}
