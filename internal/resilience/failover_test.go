package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTarget struct {
	name        string
	healthy     atomic.Bool
	activateErr error
	mu          sync.Mutex
	activated   int
	deactivated int
	healthCalls atomic.Int32
}

func newFakeTarget(name string, healthy bool) *fakeTarget {
	t := &fakeTarget{name: name}
	t.healthy.Store(healthy)
	return t
}

func (f *fakeTarget) target() FailoverTarget {
	return FailoverTarget{
		Name: f.name,
		HealthCheck: func(context.Context) bool {
			f.healthCalls.Add(1)
			return f.healthy.Load()
		},
		Activate: func(context.Context) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.activateErr != nil {
				return f.activateErr
			}
			f.activated++
			return nil
		},
		Deactivate: func(context.Context) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.deactivated++
			return nil
		},
	}
}

func (f *fakeTarget) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activated, f.deactivated
}

func TestFailoverActivatesPrimaryOnConstruction(t *testing.T) {
	primary := newFakeTarget("primary", true)
	backup := newFakeTarget("backup", true)
	m, err := NewFailoverManager(context.Background(), FailoverConfig{Name: "paper"}, []FailoverTarget{primary.target(), backup.target()}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, "primary", m.Current())
	activated, _ := primary.counts()
	require.Equal(t, 1, activated)
	activated, _ = backup.counts()
	require.Zero(t, activated)
}

func TestFailoverAfterMaxFailures(t *testing.T) {
	primary := newFakeTarget("primary", true)
	backup := newFakeTarget("backup", true)
	var switched []string
	m, err := NewFailoverManager(context.Background(), FailoverConfig{
		Name:        "paper",
		MaxFailures: 3,
		OnFailover:  func(group, from, to string) { switched = append(switched, group+":"+from+"->"+to) },
	}, []FailoverTarget{primary.target(), backup.target()}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, m.Check(context.Background()))
	primary.healthy.Store(false)
	require.NoError(t, m.Check(context.Background()))
	require.NoError(t, m.Check(context.Background()))
	require.Equal(t, "primary", m.Current())
	require.NoError(t, m.Check(context.Background()))
	require.Equal(t, "backup", m.Current())

	_, deactivated := primary.counts()
	require.Equal(t, 1, deactivated)
	activated, _ := backup.counts()
	require.Equal(t, 1, activated)
	require.Equal(t, []string{"paper:primary->backup"}, switched)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Check(context.Background()))
	}
	_, deactivated = primary.counts()
	require.Equal(t, 1, deactivated)
	st := m.Status()
	require.Equal(t, "backup", st.Active)
	require.Equal(t, 1, st.Failovers)
	require.False(t, st.Exhausted)
}

func TestFailoverSuccessResetsCount(t *testing.T) {
	primary := newFakeTarget("primary", false)
	backup := newFakeTarget("backup", true)
	m, err := NewFailoverManager(context.Background(), FailoverConfig{MaxFailures: 2}, []FailoverTarget{primary.target(), backup.target()}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Check(context.Background()))
	primary.healthy.Store(true)
	require.NoError(t, m.Check(context.Background()))
	primary.healthy.Store(false)
	require.NoError(t, m.Check(context.Background()))
	require.Equal(t, "primary", m.Current())
}

func TestFailoverSkipsTargetThatFailsToActivate(t *testing.T) {
	a := newFakeTarget("a", true)
	b := newFakeTarget("b", true)
	b.activateErr = errors.New("auth failed")
	c := newFakeTarget("c", true)
	m, err := NewFailoverManager(context.Background(), FailoverConfig{}, []FailoverTarget{a.target(), b.target(), c.target()}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Failover(context.Background()))
	require.Equal(t, "c", m.Current())
}

func TestFailoverExhaustedIsTerminal(t *testing.T) {
	primary := newFakeTarget("primary", false)
	backup := newFakeTarget("backup", false)
	var exhausted error
	m, err := NewFailoverManager(context.Background(), FailoverConfig{
		Name:        "paper",
		MaxFailures: 1,
		OnExhausted: func(group string, err error) { exhausted = err },
	}, []FailoverTarget{primary.target(), backup.target()}, nil)
	require.NoError(t, err)

	err = m.Check(context.Background())
	require.ErrorIs(t, err, ErrAllTargetsUnhealthy)
	require.ErrorIs(t, exhausted, ErrAllTargetsUnhealthy)
	st := m.Status()
	require.True(t, st.Exhausted)
	require.NotEmpty(t, st.Error)

	calls := primary.healthCalls.Load()
	require.ErrorIs(t, m.Check(context.Background()), ErrAllTargetsUnhealthy)
	require.ErrorIs(t, m.Failover(context.Background()), ErrAllTargetsUnhealthy)
	require.Equal(t, calls, primary.healthCalls.Load())
}

func TestFailoverLoopStopsWhenExhausted(t *testing.T) {
	primary := newFakeTarget("primary", false)
	done := make(chan struct{})
	m, err := NewFailoverManager(context.Background(), FailoverConfig{
		CheckInterval: 5 * time.Millisecond,
		MaxFailures:   1,
		OnExhausted:   func(string, error) { close(done) },
	}, []FailoverTarget{primary.target()}, nil)
	require.NoError(t, err)
	m.Start(context.Background())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failover loop never exhausted")
	}
	time.Sleep(20 * time.Millisecond)
	calls := primary.healthCalls.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, primary.healthCalls.Load())
	m.Stop()
	m.Stop()
}

func TestFailoverLoopSwitches(t *testing.T) {
	primary := newFakeTarget("primary", true)
	backup := newFakeTarget("backup", true)
	switched := make(chan string, 1)
	m, err := NewFailoverManager(context.Background(), FailoverConfig{
		CheckInterval: 5 * time.Millisecond,
		MaxFailures:   3,
		OnFailover:    func(_, _, to string) { switched <- to },
	}, []FailoverTarget{primary.target(), backup.target()}, nil)
	require.NoError(t, err)
	m.Start(context.Background())
	defer m.Stop()
	primary.healthy.Store(false)
	select {
	case to := <-switched:
		require.Equal(t, "backup", to)
	case <-time.After(2 * time.Second):
		t.Fatal("failover did not happen")
	}
}

func TestFailoverConstructionErrors(t *testing.T) {
	_, err := NewFailoverManager(context.Background(), FailoverConfig{}, nil, nil)
	require.ErrorIs(t, err, ErrNoTargets)

	a := newFakeTarget("a", true)
	_, err = NewFailoverManager(context.Background(), FailoverConfig{}, []FailoverTarget{a.target(), a.target()}, nil)
	require.ErrorIs(t, err, ErrDuplicateName)

	a.activateErr = errors.New("no creds")
	_, err = NewFailoverManager(context.Background(), FailoverConfig{}, []FailoverTarget{a.target()}, nil)
	require.Error(t, err)
}

func TestStatusDoesNotWaitForSlowProbe(t *testing.T) {
	primary := newFakeTarget("primary", false)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	backup := FailoverTarget{
		Name: "backup",
		HealthCheck: func(context.Context) bool {
			once.Do(func() { close(entered) })
			<-release
			return true
		},
		Activate: func(context.Context) error { return nil },
	}
	m, err := NewFailoverManager(context.Background(), FailoverConfig{Name: "paper", MaxFailures: 1}, []FailoverTarget{primary.target(), backup}, zap.NewNop())
	require.NoError(t, err)

	checked := make(chan error, 1)
	go func() { checked <- m.Check(context.Background()) }()
	<-entered

	status := make(chan FailoverStatus, 1)
	go func() { status <- m.Status() }()
	select {
	case st := <-status:
		require.Equal(t, "primary", st.Active)
		require.Equal(t, 1, st.FailCounts["primary"])
	case <-time.After(time.Second):
		t.Fatal("status blocked behind the failover scan")
	}
	require.Equal(t, "primary", m.Current())

	close(release)
	require.NoError(t, <-checked)
	require.Equal(t, "backup", m.Current())
	require.Equal(t, 1, m.Status().Failovers)
}
