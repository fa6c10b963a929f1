package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trade-control-plane/internal/mode"
	"trade-control-plane/internal/oms"
	"trade-control-plane/internal/oms/paper"
	"trade-control-plane/internal/state"
	"trade-control-plane/internal/strategy"
)

type fakeAdapter struct {
	mu         sync.Mutex
	warmErr    error
	mtmErr     error
	sigErr     error
	proposeErr error
	fillErr    error
	pnl        float64
	signals    map[string]any
	proposals  []strategy.ProposedOrder
	seenState  strategy.State
	fills      []strategy.Fill
	kwargs     map[string]any
}

func (a *fakeAdapter) Warmup(ctx context.Context) error { return a.warmErr }

func (a *fakeAdapter) MarkToMarket(ctx context.Context, st strategy.State, now time.Time) (float64, error) {
	return a.pnl, a.mtmErr
}

func (a *fakeAdapter) GenerateSignals(ctx context.Context, now time.Time) (map[string]any, error) {
	return a.signals, a.sigErr
}

func (a *fakeAdapter) ProposeTrades(ctx context.Context, st strategy.State, now time.Time) ([]strategy.ProposedOrder, error) {
	a.seenState = st
	return a.proposals, a.proposeErr
}

func (a *fakeAdapter) ApplyFills(ctx context.Context, fills []strategy.Fill) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fills = append(a.fills, fills...)
	return a.fillErr
}

type harness struct {
	orch     *Orchestrator
	adapters map[string]*fakeAdapter
	store    *state.MemoryStore
	dir      string
}

func newHarness(t *testing.T, registry string) *harness {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	if registry != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, strategy.RegistryJSONL), []byte(registry), 0o644))
	}
	h := &harness{adapters: make(map[string]*fakeAdapter), store: state.NewMemoryStore(), dir: dir}
	factory := strategy.NewFactory()
	require.NoError(t, factory.Register("fake", func(kwargs map[string]any) (strategy.Adapter, error) {
		a := &fakeAdapter{kwargs: kwargs}
		if name, ok := kwargs["name"].(string); ok {
			h.adapters[name] = a
		}
		return a, nil
	}))
	h.orch = New(Config{
		RunMode:     mode.RunPaper,
		RegistryDir: dir,
		ConfigsDir:  filepath.Join(dir, "configs"),
	}, factory, h.store, zap.NewNop())
	return h
}

func (h *harness) add(t *testing.T, id, control string, limits mode.RiskLimits) *fakeAdapter {
	t.Helper()
	a := &fakeAdapter{}
	require.NoError(t, h.orch.factory.Register("fake:"+id, func(map[string]any) (strategy.Adapter, error) { return a, nil }))
	require.NoError(t, h.orch.Add(strategy.Spec{ID: id, Engine: "fake:" + id, ControlMode: control}, limits))
	return a
}

func TestLoadFromRegistryFiltersAndSkipsBadRows(t *testing.T) {
	h := newHarness(t, `{"id":"a","family":"Carry","engine":"fake","tags":"fx|g10"}
{"id":"b","family":"carry","engine":"missing"}
{"id":"c","family":"momentum","engine":"fake","tags":"eq"}
{"id":"d","family":"CARRY","engine":"fake","control_mode":"bogus"}
{"id":"e","family":"carry","engine":"fake","tags":"FX"}
`)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "configs", "a.yaml"), []byte("adapter_kwargs:\n  name: a\n"), 0o644))

	ids, err := h.orch.LoadFromRegistry(context.Background(), Filter{Family: "carry"}, mode.RiskLimits{})
	require.Error(t, err)
	require.ErrorIs(t, err, strategy.ErrUnknownAdapter)
	require.Equal(t, []string{"a", "e"}, ids)
	require.Equal(t, []string{"a", "e"}, h.orch.IDs())
	require.Contains(t, h.adapters, "a")
	require.Equal(t, "a", h.adapters["a"].kwargs["name"])

	desc, ok := h.orch.Describe("a")
	require.True(t, ok)
	require.Equal(t, "PAPER", desc.Spec.RunMode)
	require.Equal(t, mode.ControlSemiAuto, desc.Control.ControlMode)
	require.Equal(t, strategy.HealthInit, desc.State.Health)
	require.InDelta(t, strategy.DefaultNAV, desc.State.NAV, 1e-9)
}

func TestLoadFromRegistryTagsIDsLimit(t *testing.T) {
	registry := `{"id":"a","engine":"fake","tags":"fx|g10"}
{"id":"b","engine":"fake","tags":"eq"}
{"id":"c","engine":"fake","tags":"G10"}
`
	h := newHarness(t, registry)
	ids, err := h.orch.LoadFromRegistry(context.Background(), Filter{Tags: []string{"g10|rates"}}, mode.RiskLimits{})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids)

	h = newHarness(t, registry)
	ids, err = h.orch.LoadFromRegistry(context.Background(), Filter{IDs: []string{"c", "b"}, Limit: 1}, mode.RiskLimits{})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, ids)
}

func TestLoadFromRegistryMissing(t *testing.T) {
	h := newHarness(t, "")
	ids, err := h.orch.LoadFromRegistry(context.Background(), Filter{}, mode.RiskLimits{})
	require.ErrorIs(t, err, strategy.ErrRegistryNotFound)
	require.Empty(t, ids)
}

func TestReloadReplacesHandleKeepsOrder(t *testing.T) {
	h := newHarness(t, "")
	h.add(t, "a", "AUTO", mode.RiskLimits{})
	h.add(t, "b", "AUTO", mode.RiskLimits{})
	replacement := h.add(t, "a", "MANUAL", mode.RiskLimits{})
	require.Equal(t, []string{"a", "b"}, h.orch.IDs())
	handle, ok := h.orch.Handle("a")
	require.True(t, ok)
	require.Same(t, replacement, handle.Adapter().(*fakeAdapter))
	require.Equal(t, mode.ControlManual, handle.Controller().Describe().ControlMode)
}

func TestWarmupIsolatesFailures(t *testing.T) {
	h := newHarness(t, "")
	bad := h.add(t, "bad", "AUTO", mode.RiskLimits{})
	h.add(t, "good", "AUTO", mode.RiskLimits{})
	bad.warmErr = errors.New("no data")
	var hookErr error
	require.NoError(t, h.orch.SetHooks("bad", Hooks{OnError: func(id string, err error) { hookErr = err }}))

	failures := h.orch.WarmupAll(context.Background())
	require.Len(t, failures, 1)
	require.ErrorIs(t, hookErr, bad.warmErr)

	badDesc, _ := h.orch.Describe("bad")
	require.Equal(t, strategy.HealthError, badDesc.State.Health)
	require.Equal(t, 1, badDesc.State.Errors)
	goodDesc, _ := h.orch.Describe("good")
	require.Equal(t, strategy.HealthWarmed, goodDesc.State.Health)
}

func TestTickOncePaperFillFallback(t *testing.T) {
	h := newHarness(t, "")
	a := h.add(t, "s1", "AUTO", mode.RiskLimits{MaxNameUSD: 10_000})
	hint := 2.5
	a.pnl = 12.5
	a.signals = map[string]any{"z": 1.2}
	a.proposals = []strategy.ProposedOrder{
		{Ticker: "AAPL_US_EQ", Side: "BUY", TradeNotional: 1000, PxHintBps: &hint},
		{Ticker: "MSFT_US_EQ", Side: "SELL", TradeNotional: 300},
		{Ticker: "TSLA_US_EQ", Side: "BUY", TradeNotional: 50_000},
	}
	var gotSignals map[string]any
	var gotFills []strategy.Fill
	require.NoError(t, h.orch.SetHooks("s1", Hooks{
		OnSignals: func(id string, s map[string]any) { gotSignals = s },
		OnFills:   func(id string, f []strategy.Fill) { gotFills = f },
	}))

	res := h.orch.TickOnce(context.Background(), "s1", nil)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Approved)
	require.Equal(t, 0, res.Queued)
	require.Equal(t, 2, res.Rejected)
	require.Equal(t, 1, res.Filled)
	require.InDelta(t, 12.5, res.PnLIncrement, 1e-9)
	require.Equal(t, strategy.HealthRunning, res.Health)
	require.InDelta(t, 1000, res.Positions["AAPL_US"], 1e-9)
	require.Equal(t, a.signals, gotSignals)
	require.Len(t, gotFills, 1)
	require.Equal(t, "FILLED", gotFills[0].Status)
	require.InDelta(t, 2.5, gotFills[0].AvgPriceBps, 1e-9)
	require.Len(t, a.fills, 1)

	desc, _ := h.orch.Describe("s1")
	require.InDelta(t, 1000, desc.State.TradesSentToday, 1e-9)
	require.InDelta(t, 12.5, desc.State.PnLDay, 1e-9)
	require.InDelta(t, 12.5, desc.State.PnLCum, 1e-9)
	require.NotZero(t, desc.State.LastTS)
	require.InDelta(t, 1000, h.orch.Position("s1", "AAPL_US"), 1e-9)
	require.InDelta(t, 1000, h.orch.TradedToday("s1"), 1e-9)
}

func TestTickOnceStageFailures(t *testing.T) {
	boom := errors.New("boom")
	cases := map[string]func(a *fakeAdapter){
		"mark to market":   func(a *fakeAdapter) { a.mtmErr = boom },
		"generate signals": func(a *fakeAdapter) { a.sigErr = boom },
		"propose trades":   func(a *fakeAdapter) { a.proposeErr = boom },
	}
	for stage, setup := range cases {
		t.Run(stage, func(t *testing.T) {
			h := newHarness(t, "")
			a := h.add(t, "s1", "AUTO", mode.RiskLimits{})
			setup(a)
			var hookErr error
			require.NoError(t, h.orch.SetHooks("s1", Hooks{OnError: func(id string, err error) { hookErr = err }}))

			res := h.orch.TickOnce(context.Background(), "s1", nil)
			require.ErrorIs(t, res.Err, boom)
			require.Contains(t, res.Error, stage)
			require.Equal(t, strategy.HealthError, res.Health)
			require.ErrorIs(t, hookErr, boom)

			desc, _ := h.orch.Describe("s1")
			require.Equal(t, 1, desc.State.Errors)

			a.mtmErr, a.sigErr, a.proposeErr = nil, nil, nil
			res = h.orch.TickOnce(context.Background(), "s1", nil)
			require.NoError(t, res.Err)
			require.Equal(t, strategy.HealthRunning, res.Health)
		})
	}
}

func TestTickOnceNoProposals(t *testing.T) {
	h := newHarness(t, "")
	h.add(t, "s1", "AUTO", mode.RiskLimits{})
	res := h.orch.TickOnce(context.Background(), "s1", nil)
	require.NoError(t, res.Err)
	require.Zero(t, res.Approved+res.Queued+res.Rejected+res.Filled)
	require.Equal(t, strategy.HealthRunning, res.Health)
}

func TestTickOnceUnknown(t *testing.T) {
	h := newHarness(t, "")
	res := h.orch.TickOnce(context.Background(), "nope", nil)
	require.ErrorIs(t, res.Err, ErrUnknownStrategy)
	require.ErrorIs(t, h.orch.SetHooks("nope", Hooks{}), ErrUnknownStrategy)
	require.ErrorIs(t, h.orch.ApplyFills(context.Background(), "nope", nil), ErrUnknownStrategy)
}

func TestTickOnceRouterErrorKeepsEarlierFills(t *testing.T) {
	h := newHarness(t, "")
	a := h.add(t, "s1", "AUTO", mode.RiskLimits{AllowShort: true})
	a.proposals = []strategy.ProposedOrder{
		{Ticker: "A_X", Side: "BUY", TradeNotional: 100},
		{Ticker: "B_X", Side: "SELL", TradeNotional: 200},
	}
	boom := errors.New("venue down")
	router := RouterFunc(func(ctx context.Context, id string, ts int64, orders []strategy.ProposedOrder) ([]strategy.Fill, error) {
		require.Len(t, orders, 2)
		return []strategy.Fill{{Ticker: orders[0].Ticker, Side: orders[0].Side, FilledUSD: orders[0].TradeNotional, Status: "FILLED"}}, boom
	})
	res := h.orch.TickOnce(context.Background(), "s1", router)
	require.ErrorIs(t, res.Err, boom)
	require.Equal(t, strategy.HealthError, res.Health)
	require.Equal(t, 1, res.Filled)
	require.InDelta(t, 100, res.Positions["A_X"], 1e-9)
	require.InDelta(t, 100, h.orch.TradedToday("s1"), 1e-9)
}

func TestTickOnceFillCallbackErrorSwallowed(t *testing.T) {
	h := newHarness(t, "")
	a := h.add(t, "s1", "AUTO", mode.RiskLimits{})
	a.fillErr = errors.New("adapter bug")
	a.proposals = []strategy.ProposedOrder{{Ticker: "A_X", Side: "BUY", TradeNotional: 100}}
	res := h.orch.TickOnce(context.Background(), "s1", nil)
	require.NoError(t, res.Err)
	require.Equal(t, strategy.HealthRunning, res.Health)
}

func TestTickOnceManualQueues(t *testing.T) {
	h := newHarness(t, "")
	a := h.add(t, "s1", "MANUAL", mode.RiskLimits{})
	a.proposals = []strategy.ProposedOrder{{Ticker: "A_X", Side: "BUY", TradeNotional: 100}}
	routed := false
	router := RouterFunc(func(ctx context.Context, id string, ts int64, orders []strategy.ProposedOrder) ([]strategy.Fill, error) {
		routed = true
		return nil, nil
	})
	res := h.orch.TickOnce(context.Background(), "s1", router)
	require.NoError(t, res.Err)
	require.False(t, routed)
	require.Equal(t, 1, res.Queued)
	require.Len(t, res.QueuedOrders, 1)
	require.Empty(t, res.Positions)
}

func TestAdapterReceivesStateCopy(t *testing.T) {
	h := newHarness(t, "")
	a := h.add(t, "s1", "AUTO", mode.RiskLimits{})
	a.proposals = []strategy.ProposedOrder{{Ticker: "A_X", Side: "BUY", TradeNotional: 100}}
	h.orch.TickOnce(context.Background(), "s1", nil)
	a.seenState.Positions["A_X"] = 1e9
	require.InDelta(t, 100, h.orch.Position("s1", "A_X"), 1e-9)
}

func TestTickAllIndependent(t *testing.T) {
	h := newHarness(t, "")
	bad := h.add(t, "bad", "AUTO", mode.RiskLimits{})
	good := h.add(t, "good", "AUTO", mode.RiskLimits{})
	bad.mtmErr = errors.New("stale marks")
	good.proposals = []strategy.ProposedOrder{{Ticker: "A_X", Side: "BUY", TradeNotional: 10}}
	results := h.orch.TickAll(context.Background(), nil)
	require.Len(t, results, 2)
	require.Error(t, results["bad"].Err)
	require.NoError(t, results["good"].Err)
	require.Equal(t, 1, results["good"].Filled)
}

func TestApplyFillsAndResetDay(t *testing.T) {
	h := newHarness(t, "")
	a := h.add(t, "s1", "MANUAL", mode.RiskLimits{})
	a.pnl = 5
	h.orch.TickOnce(context.Background(), "s1", nil)
	var hooked int
	require.NoError(t, h.orch.SetHooks("s1", Hooks{OnFills: func(id string, f []strategy.Fill) { hooked += len(f) }}))
	require.NoError(t, h.orch.ApplyFills(context.Background(), "s1", []strategy.Fill{
		{Ticker: "A_X_Y", Side: "BUY", FilledUSD: 250},
		{Ticker: "A_X", Side: "BUY"},
	}))
	require.Equal(t, 1, hooked)
	require.Len(t, a.fills, 1)
	require.InDelta(t, 250, h.orch.Position("s1", "A_X"), 1e-9)

	h.orch.ResetDay()
	desc, _ := h.orch.Describe("s1")
	require.Zero(t, desc.State.TradesSentToday)
	require.Zero(t, desc.State.PnLDay)
	require.InDelta(t, 5, desc.State.PnLCum, 1e-9)
	require.InDelta(t, 250, desc.State.Positions["A_X"], 1e-9)
}

func TestSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t, "")
	a := h.add(t, "s1", "AUTO", mode.RiskLimits{MaxGrossUSD: 1e6})
	h.add(t, "s2", "AUTO", mode.RiskLimits{})
	a.pnl = 3
	a.proposals = []strategy.ProposedOrder{{Ticker: "A_X", Side: "BUY", TradeNotional: 100}}
	h.orch.TickOnce(context.Background(), "s1", nil)
	before, _ := h.orch.Describe("s1")
	require.NoError(t, h.orch.SaveSnapshot(context.Background()))

	factory := strategy.NewFactory()
	require.NoError(t, factory.Register("fake:s1", func(map[string]any) (strategy.Adapter, error) { return &fakeAdapter{}, nil }))
	fresh := New(Config{RegistryDir: h.dir, ConfigsDir: h.dir}, factory, h.store, zap.NewNop())
	require.NoError(t, fresh.Add(strategy.Spec{ID: "s1", Engine: "fake:s1"}, mode.RiskLimits{}))
	restored, err := fresh.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	after, _ := fresh.Describe("s1")
	require.Equal(t, before.State, after.State)
}

func TestLoadSnapshotEmptyStore(t *testing.T) {
	h := newHarness(t, "")
	restored, err := h.orch.LoadSnapshot(context.Background())
	require.NoError(t, err)
	require.Zero(t, restored)
}

func TestTickOnceLongAliasBooksAsBuy(t *testing.T) {
	cases := map[string]func() Router{
		"paper fill": func() Router { return nil },
		"routed": func() Router {
			book := oms.New(zap.NewNop(), nil)
			book.RegisterBroker("paper", paper.New("paper", paper.Config{StartingCash: 1_000_000}))
			return oms.NewRouter(book, "paper", nil, zap.NewNop())
		},
	}
	for name, router := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, "")
			a := h.add(t, "s1", "AUTO", mode.RiskLimits{AllowShort: false})
			a.proposals = []strategy.ProposedOrder{{Ticker: "AAPL_US", Side: "LONG", TradeNotional: 1000}}

			res := h.orch.TickOnce(context.Background(), "s1", router())
			require.NoError(t, res.Err)
			require.Equal(t, 1, res.Approved)
			require.Equal(t, 1, res.Filled)
			require.Equal(t, strategy.SideBuy, res.Fills[0].Side)
			require.InDelta(t, 1000, res.Positions["AAPL_US"], 1e-9)

			a.proposals = []strategy.ProposedOrder{{Ticker: "AAPL_US", Side: "SHORT", TradeNotional: 1500}}
			res = h.orch.TickOnce(context.Background(), "s1", router())
			require.Equal(t, 1, res.Rejected)
			require.InDelta(t, 1000, h.orch.Position("s1", "AAPL_US"), 1e-9)
		})
	}
}
