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
	DefaultHealthTimeout     = 2 * time.Second
	DefaultHealthMaxFailures = 3
)

var ErrDuplicateName = errors.New("duplicate name")

// CheckFunc probes one dependency. Errors and panics count as failures.
type CheckFunc func(ctx context.Context) (bool, error)

// BoolCheck adapts a plain predicate.
func BoolCheck(fn func(ctx context.Context) bool) CheckFunc {
	return func(ctx context.Context) (bool, error) {
		return fn(ctx), nil
	}
}

type HealthCheck struct {
	name        string
	check       CheckFunc
	timeout     time.Duration
	maxFailures int
	now         func() time.Time

	mu       sync.Mutex
	failures int
	lastOK   time.Time
	lastFail time.Time
	lastErr  error
}

func NewHealthCheck(name string, check CheckFunc, timeout time.Duration, maxFailures int) *HealthCheck {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	if maxFailures <= 0 {
		maxFailures = DefaultHealthMaxFailures
	}
	return &HealthCheck{name: name, check: check, timeout: timeout, maxFailures: maxFailures, now: time.Now}
}

func (h *HealthCheck) Name() string {
	return h.name
}

// Run executes the probe under the check timeout. A probe that overruns the timeout fails
// even if it eventually reports success.
func (h *HealthCheck) Run(ctx context.Context) bool {
	start := h.now()
	ok, err := h.probe(ctx)
	if elapsed := h.now().Sub(start); ok && elapsed > h.timeout {
		ok = false
		err = fmt.Errorf("probe took %s, limit %s", elapsed, h.timeout)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ok {
		h.failures = 0
		h.lastOK = h.now()
		h.lastErr = nil
	} else {
		h.failures++
		h.lastFail = h.now()
		h.lastErr = err
	}
	return ok
}

func (h *HealthCheck) probe(ctx context.Context) (bool, error) {
	if h.check == nil {
		return false, errors.New("no check configured")
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type outcome struct {
		ok  bool
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("check panicked: %v", r)}
			}
		}()
		ok, err := h.check(ctx)
		done <- outcome{ok: ok && err == nil, err: err}
	}()
	select {
	case res := <-done:
		return res.ok, res.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Healthy is false once consecutive failures reach the limit.
func (h *HealthCheck) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures < h.maxFailures
}

type CheckStatus struct {
	Healthy  bool       `json:"healthy"`
	Failures int        `json:"failures"`
	LastOK   *time.Time `json:"last_ok,omitempty"`
	LastFail *time.Time `json:"last_fail,omitempty"`
	LastErr  string     `json:"last_error,omitempty"`
}

func (h *HealthCheck) Status() CheckStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := CheckStatus{Healthy: h.failures < h.maxFailures, Failures: h.failures}
	if !h.lastOK.IsZero() {
		t := h.lastOK
		st.LastOK = &t
	}
	if !h.lastFail.IsZero() {
		t := h.lastFail
		st.LastFail = &t
	}
	if h.lastErr != nil {
		st.LastErr = h.lastErr.Error()
	}
	return st
}

// HealthRegistry runs a named set of checks in registration order.
type HealthRegistry struct {
	log       *zap.Logger
	onFailure func(name string)

	mu     sync.Mutex
	checks map[string]*HealthCheck
	order  []string
}

func NewHealthRegistry(log *zap.Logger, onFailure func(name string)) *HealthRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthRegistry{log: log, onFailure: onFailure, checks: make(map[string]*HealthCheck)}
}

func (r *HealthRegistry) Register(check *HealthCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[check.name]; exists {
		return fmt.Errorf("health check %q: %w", check.name, ErrDuplicateName)
	}
	r.checks[check.name] = check
	r.order = append(r.order, check.name)
	return nil
}

func (r *HealthRegistry) Check(name string) (*HealthCheck, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	check, ok := r.checks[name]
	return check, ok
}

func (r *HealthRegistry) snapshot() []*HealthCheck {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*HealthCheck, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.checks[name])
	}
	return out
}

func (r *HealthRegistry) RunAll(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	for _, check := range r.snapshot() {
		ok := check.Run(ctx)
		results[check.name] = ok
		if !ok {
			r.log.Warn("health check failed", zap.String("check", check.name), zap.String("error", check.Status().LastErr))
			if r.onFailure != nil {
				r.onFailure(check.name)
			}
		}
	}
	return results
}

func (r *HealthRegistry) Status() map[string]CheckStatus {
	out := make(map[string]CheckStatus)
	for _, check := range r.snapshot() {
		out[check.name] = check.Status()
	}
	return out
}

// Healthy reports whether every registered check is healthy.
func (r *HealthRegistry) Healthy() bool {
	for _, check := range r.snapshot() {
		if !check.Healthy() {
			return false
		}
	}
	return true
}
