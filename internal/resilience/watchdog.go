package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultWatchdogInterval = time.Second

// Watchdog fires its callback once per silence episode longer than its timeout.
type Watchdog struct {
	name      string
	timeout   time.Duration
	onTimeout func(name string)
	now       func() time.Time

	mu        sync.Mutex
	lastBeat  time.Time
	triggered bool
}

func NewWatchdog(name string, timeout time.Duration, onTimeout func(name string)) *Watchdog {
	return &Watchdog{name: name, timeout: timeout, onTimeout: onTimeout, now: time.Now, lastBeat: time.Now()}
}

func (w *Watchdog) Name() string {
	return w.name
}

// Heartbeat records liveness and re-arms the watchdog.
func (w *Watchdog) Heartbeat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastBeat = w.now()
	w.triggered = false
}

// Check reports whether this call fired the timeout callback.
func (w *Watchdog) Check() bool {
	w.mu.Lock()
	if w.triggered || w.now().Sub(w.lastBeat) <= w.timeout {
		w.mu.Unlock()
		return false
	}
	w.triggered = true
	cb := w.onTimeout
	w.mu.Unlock()
	if cb != nil {
		func() {
			defer func() { _ = recover() }()
			cb(w.name)
		}()
	}
	return true
}

type WatchdogStatus struct {
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Triggered     bool          `json:"triggered"`
	Timeout       time.Duration `json:"timeout"`
}

func (w *Watchdog) Status() WatchdogStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WatchdogStatus{LastHeartbeat: w.lastBeat, Triggered: w.triggered, Timeout: w.timeout}
}

// WatchdogManager checks every registered watchdog on one ticker.
type WatchdogManager struct {
	interval    time.Duration
	stopTimeout time.Duration
	log         *zap.Logger

	mu     sync.Mutex
	dogs   map[string]*Watchdog
	order  []string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatchdogManager(interval, stopTimeout time.Duration, log *zap.Logger) *WatchdogManager {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	if stopTimeout <= 0 {
		stopTimeout = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WatchdogManager{interval: interval, stopTimeout: stopTimeout, log: log, dogs: make(map[string]*Watchdog)}
}

func (m *WatchdogManager) Register(w *Watchdog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.dogs[w.name]; exists {
		return fmt.Errorf("watchdog %q: %w", w.name, ErrDuplicateName)
	}
	m.dogs[w.name] = w
	m.order = append(m.order, w.name)
	return nil
}

// Heartbeat reports false for unknown names.
func (m *WatchdogManager) Heartbeat(name string) bool {
	m.mu.Lock()
	w, ok := m.dogs[name]
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.Heartbeat()
	return true
}

// CheckAll runs one pass and returns the names that fired.
func (m *WatchdogManager) CheckAll() []string {
	var fired []string
	for _, w := range m.snapshot() {
		if w.Check() {
			m.log.Warn("watchdog timeout", zap.String("watchdog", w.name), zap.Duration("timeout", w.timeout))
			fired = append(fired, w.name)
		}
	}
	return fired
}

func (m *WatchdogManager) snapshot() []*Watchdog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Watchdog, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.dogs[name])
	}
	return out
}

// Start launches the check loop. Calling Start while running is a no-op.
func (m *WatchdogManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.CheckAll()
			}
		}
	}()
}

// Stop ends the loop and waits at most the stop timeout. It is safe to call repeatedly.
func (m *WatchdogManager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(m.stopTimeout):
		m.log.Warn("watchdog loop did not stop in time", zap.Duration("timeout", m.stopTimeout))
	}
}

func (m *WatchdogManager) Status() map[string]WatchdogStatus {
	out := make(map[string]WatchdogStatus)
	for _, w := range m.snapshot() {
		out[w.name] = w.Status()
	}
	return out
}
