package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultFailoverInterval    = 5 * time.Second
	DefaultFailoverMaxFailures = 3
)

var (
	ErrNoTargets           = errors.New("at least one failover target is required")
	ErrAllTargetsUnhealthy = errors.New("all failover targets are unhealthy")
)

// FailoverTarget is one interchangeable backend. Deactivate is optional.
type FailoverTarget struct {
	Name        string
	HealthCheck func(ctx context.Context) bool
	Activate    func(ctx context.Context) error
	Deactivate  func(ctx context.Context) error
}

type FailoverConfig struct {
	Name          string
	CheckInterval time.Duration
	MaxFailures   int
	StopTimeout   time.Duration
	OnFailover    func(group, from, to string)
	OnExhausted   func(group string, err error)
}

type FailoverStatus struct {
	Name       string         `json:"name"`
	Active     string         `json:"active"`
	FailCounts map[string]int `json:"fail_counts"`
	Failovers  int            `json:"failovers"`
	Exhausted  bool           `json:"exhausted"`
	Error      string         `json:"error,omitempty"`
}

// FailoverManager keeps exactly one target active and switches away from it after
// MaxFailures consecutive failed checks.
type FailoverManager struct {
	cfg     FailoverConfig
	targets []FailoverTarget
	log     *zap.Logger

	// opMu serializes polls and manual failovers. mu guards the fields below and is never
	// held across probes or activation.
	opMu sync.Mutex

	mu         sync.Mutex
	active     int
	failCounts map[string]int
	failovers  int
	exhausted  error

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type failoverEvent struct {
	from, to  string
	exhausted error
}

// NewFailoverManager activates the first target before returning.
func NewFailoverManager(ctx context.Context, cfg FailoverConfig, targets []FailoverTarget, log *zap.Logger) (*FailoverManager, error) {
	if len(targets) == 0 {
		return nil, ErrNoTargets
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultFailoverInterval
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultFailoverMaxFailures
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	counts := make(map[string]int, len(targets))
	for _, t := range targets {
		if _, exists := counts[t.Name]; exists {
			return nil, fmt.Errorf("failover target %q: %w", t.Name, ErrDuplicateName)
		}
		if t.HealthCheck == nil || t.Activate == nil {
			return nil, fmt.Errorf("failover target %q: health check and activate are required", t.Name)
		}
		counts[t.Name] = 0
	}
	m := &FailoverManager{
		cfg:        cfg,
		targets:    append([]FailoverTarget(nil), targets...),
		log:        log.With(zap.String("failover", cfg.Name)),
		failCounts: counts,
	}
	if err := safeActivate(ctx, targets[0]); err != nil {
		return nil, fmt.Errorf("activate %s: %w", targets[0].Name, err)
	}
	return m, nil
}

func (m *FailoverManager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targets[m.active].Name
}

// Check performs one health poll of the active target.
func (m *FailoverManager) Check(ctx context.Context) error {
	m.opMu.Lock()
	ev, err := m.check(ctx)
	m.opMu.Unlock()
	m.emit(ev)
	return err
}

// Failover forces a switch away from the active target.
func (m *FailoverManager) Failover(ctx context.Context) error {
	m.opMu.Lock()
	if err := m.exhaustedErr(); err != nil {
		m.opMu.Unlock()
		return err
	}
	ev, err := m.failover(ctx)
	m.opMu.Unlock()
	m.emit(ev)
	return err
}

func (m *FailoverManager) exhaustedErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// check runs with opMu held.
func (m *FailoverManager) check(ctx context.Context) (failoverEvent, error) {
	m.mu.Lock()
	if m.exhausted != nil {
		err := m.exhausted
		m.mu.Unlock()
		return failoverEvent{}, err
	}
	active := m.targets[m.active]
	m.mu.Unlock()

	healthy := safeHealth(ctx, active)

	m.mu.Lock()
	if healthy {
		m.failCounts[active.Name] = 0
		m.mu.Unlock()
		return failoverEvent{}, nil
	}
	m.failCounts[active.Name]++
	failures := m.failCounts[active.Name]
	m.mu.Unlock()

	m.log.Warn("failover target unhealthy", zap.String("target", active.Name), zap.Int("failures", failures))
	if failures < m.cfg.MaxFailures {
		return failoverEvent{}, nil
	}
	return m.failover(ctx)
}

// failover runs with opMu held.
func (m *FailoverManager) failover(ctx context.Context) (failoverEvent, error) {
	m.mu.Lock()
	current := m.active
	m.mu.Unlock()
	old := m.targets[current]

	if old.Deactivate != nil {
		if err := safeCall(ctx, old.Deactivate); err != nil {
			m.log.Warn("failover deactivate failed", zap.String("target", old.Name), zap.Error(err))
		}
	}
	for i, t := range m.targets {
		if i == current {
			continue
		}
		if !safeHealth(ctx, t) {
			continue
		}
		if err := safeActivate(ctx, t); err != nil {
			m.log.Warn("failover activate failed", zap.String("target", t.Name), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.active = i
		m.failCounts[t.Name] = 0
		m.failovers++
		m.mu.Unlock()
		m.log.Info("failover switched target", zap.String("from", old.Name), zap.String("to", t.Name))
		return failoverEvent{from: old.Name, to: t.Name}, nil
	}
	err := fmt.Errorf("%s: %w", m.cfg.Name, ErrAllTargetsUnhealthy)
	m.mu.Lock()
	m.exhausted = err
	m.mu.Unlock()
	m.log.Error("failover exhausted", zap.Error(err))
	return failoverEvent{exhausted: err}, err
}

func (m *FailoverManager) emit(ev failoverEvent) {
	if ev.to != "" && m.cfg.OnFailover != nil {
		m.cfg.OnFailover(m.cfg.Name, ev.from, ev.to)
	}
	if ev.exhausted != nil && m.cfg.OnExhausted != nil {
		m.cfg.OnExhausted(m.cfg.Name, ev.exhausted)
	}
}

// Start polls the active target until Stop, context cancellation, or exhaustion.
func (m *FailoverManager) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.done != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := m.Check(loopCtx); errors.Is(err, ErrAllTargetsUnhealthy) {
					return
				}
			}
		}
	}()
}

func (m *FailoverManager) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(m.cfg.StopTimeout):
		m.log.Warn("failover loop did not stop in time", zap.Duration("timeout", m.cfg.StopTimeout))
	}
}

func (m *FailoverManager) Status() FailoverStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int, len(m.failCounts))
	for k, v := range m.failCounts {
		counts[k] = v
	}
	st := FailoverStatus{
		Name:       m.cfg.Name,
		Active:     m.targets[m.active].Name,
		FailCounts: counts,
		Failovers:  m.failovers,
		Exhausted:  m.exhausted != nil,
	}
	if m.exhausted != nil {
		st.Error = m.exhausted.Error()
	}
	return st
}

func safeHealth(ctx context.Context, t FailoverTarget) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return t.HealthCheck(ctx)
}

func safeActivate(ctx context.Context, t FailoverTarget) error {
	return safeCall(ctx, t.Activate)
}

func safeCall(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
