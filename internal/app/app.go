package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"trade-control-plane/internal/alerts"
	"trade-control-plane/internal/config"
	"trade-control-plane/internal/events"
	"trade-control-plane/internal/feed"
	"trade-control-plane/internal/metrics"
	"trade-control-plane/internal/mode"
	"trade-control-plane/internal/oms"
	"trade-control-plane/internal/oms/paper"
	"trade-control-plane/internal/orchestrator"
	"trade-control-plane/internal/resilience"
	"trade-control-plane/internal/state"
	"trade-control-plane/internal/state/badger"
	"trade-control-plane/internal/state/sqlite"
	"trade-control-plane/internal/strategy"
	"trade-control-plane/internal/strategy/builtin"
	"trade-control-plane/internal/timescale"

	"go.uber.org/zap"
)

const tickWatchdog = "orchestrator:tick"

type App struct {
	cfg          *config.Config
	log          *zap.Logger
	store        state.Store
	metrics      *metrics.Metrics
	prom         *metrics.Prometheus
	alerts       *alerts.Telegram
	events       *events.Publisher
	timescale    *timescale.Writer
	oms          *oms.OMS
	router       *oms.Router
	orchestrator *orchestrator.Orchestrator
	health       *resilience.HealthRegistry
	watchdogs    *resilience.WatchdogManager
	failovers    []*resilience.FailoverManager
	targets      map[string]*paper.Broker
	feeds        []*feed.Client
	quotes       *quoteBook
	approvals    *approvalQueue
	server       *opsServer
	now          func() time.Time

	opsMu          sync.RWMutex
	paused         bool
	day            string
	lastTick       time.Time
	operatorWarned bool
	orderStatus    map[string]string
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	store, err := openStore(cfg.State)
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, log, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func openStore(cfg config.StateConfig) (state.Store, error) {
	switch cfg.Backend {
	case "badger":
		return badger.Open(cfg.BadgerDir)
	case "", "sqlite":
		return sqlite.New(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// build wires every component around an already opened store.
func build(cfg *config.Config, log *zap.Logger, store state.Store) (*App, error) {
	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		metrics:   metrics.NewNoop(),
		alerts:    alerts.NewTelegram(cfg.Telegram, log),
		quotes:    newQuoteBook(),
		approvals: newApprovalQueue(store),
		now:       time.Now,

		orderStatus: make(map[string]string),
	}
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}

	writer, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, fmt.Errorf("timescale: %w", err)
	}
	a.timescale = writer
	if cfg.NATS.Enabled {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log)
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.events = pub
	}

	a.oms = oms.New(log, oms.NewJournal(store, ""))
	a.oms.SetObserver(a.observeOrder)
	a.health = resilience.NewHealthRegistry(log, a.onHealthFailure)
	a.watchdogs = resilience.NewWatchdogManager(cfg.Resilience.WatchdogInterval, cfg.Resilience.StopTimeout, log)
	if err := a.watchdogs.Register(resilience.NewWatchdog(tickWatchdog, cfg.Resilience.TickStallTimeout, a.onWatchdogTimeout)); err != nil {
		return nil, err
	}
	if err := a.buildBrokers(context.Background()); err != nil {
		return nil, err
	}
	if err := a.buildFeeds(); err != nil {
		return nil, err
	}
	if err := a.buildOrchestrator(context.Background()); err != nil {
		return nil, err
	}
	if err := a.approvals.load(context.Background()); err != nil {
		log.Warn("approval queue restore failed", zap.Error(err))
	}
	a.router = oms.NewRouter(a.oms, cfg.Orchestrator.RouteBroker, a.quotes.Quote, log)
	a.server = newOpsServer(a)
	return a, nil
}

func (a *App) buildOrchestrator(ctx context.Context) error {
	runMode, err := mode.ParseRunMode(a.cfg.Orchestrator.RunMode)
	if err != nil {
		return err
	}
	factory := strategy.NewFactory()
	if err := builtin.Register(factory); err != nil {
		return err
	}
	a.orchestrator = orchestrator.New(orchestrator.Config{
		RunMode:              runMode,
		RegistryDir:          a.cfg.Orchestrator.RegistryDir,
		ConfigsDir:           a.cfg.Orchestrator.ConfigsDir,
		DefaultNAV:           a.cfg.Orchestrator.DefaultNAV,
		SemiAutoThresholdUSD: a.cfg.Risk.SemiAutoThresholdUSD,
	}, factory, a.store, a.log)
	loaded, err := a.orchestrator.LoadFromRegistry(ctx, orchestrator.Filter{
		Family: a.cfg.Orchestrator.Family,
		IDs:    a.cfg.Orchestrator.IDs,
		Tags:   a.cfg.Orchestrator.Tags,
		Limit:  a.cfg.Orchestrator.Limit,
	}, riskLimits(a.cfg.Risk))
	if err != nil {
		if errors.Is(err, strategy.ErrRegistryNotFound) {
			return err
		}
		a.log.Warn("registry loaded with errors", zap.Int("loaded", len(loaded)), zap.Error(err))
	}
	restored, err := a.orchestrator.LoadSnapshot(ctx)
	if err != nil {
		a.log.Warn("snapshot restore failed", zap.Error(err))
	} else if restored > 0 {
		a.log.Info("snapshot restored", zap.Int("strategies", restored))
	}
	for _, id := range a.orchestrator.IDs() {
		if err := a.orchestrator.SetHooks(id, orchestrator.Hooks{OnError: a.onStrategyError}); err != nil {
			return err
		}
	}
	return nil
}

func riskLimits(cfg config.RiskConfig) mode.RiskLimits {
	return mode.RiskLimits{
		MaxGrossUSD:         cfg.MaxGrossUSD,
		MaxNameUSD:          cfg.MaxNameUSD,
		MaxDailyTurnoverUSD: cfg.MaxDailyTurnoverUSD,
		AllowShort:          cfg.AllowShort,
	}
}

// Run starts the monitors, warms every strategy and ticks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	a.timescale.Start(ctx)
	a.startFeeds(ctx)
	for _, fo := range a.failovers {
		fo.Start(ctx)
	}
	a.watchdogs.Start(ctx)
	go a.healthLoop(ctx)
	if err := a.server.Start(); err != nil {
		return err
	}
	a.startOperator(ctx)

	for id, err := range a.orchestrator.WarmupAll(ctx) {
		a.log.Warn("warmup failed", zap.String("strategy_id", id), zap.Error(err))
	}
	a.watchdogs.Heartbeat(tickWatchdog)
	a.log.Info("control plane running",
		zap.Strings("strategies", a.orchestrator.IDs()),
		zap.String("run_mode", a.cfg.Orchestrator.RunMode),
		zap.Duration("tick_interval", a.cfg.Orchestrator.TickInterval),
	)

	ticker := time.NewTicker(a.cfg.Orchestrator.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *App) tickRouter() orchestrator.Router {
	if strings.EqualFold(a.cfg.Orchestrator.RunMode, string(mode.RunSim)) {
		return nil
	}
	return a.router
}

// tick runs one orchestrator pass and fans the results out to the ambient sinks.
func (a *App) tick(ctx context.Context) []orchestrator.TickResult {
	a.watchdogs.Heartbeat(tickWatchdog)
	if a.isPaused() {
		a.log.Debug("tick skipped: paused")
		return nil
	}
	a.rollDay()
	results := a.orchestrator.TickAll(ctx, a.tickRouter())
	a.watchdogs.Heartbeat(tickWatchdog)
	a.refreshOpenOrders(ctx)

	out := make([]orchestrator.TickResult, 0, len(results))
	for _, id := range a.orchestrator.IDs() {
		res, ok := results[id]
		if !ok {
			continue
		}
		out = append(out, res)
		a.recordTick(res)
		for _, order := range res.QueuedOrders {
			ticket, err := a.approvals.add(ctx, id, order, a.now())
			if err != nil {
				a.log.Warn("approval ticket failed", zap.String("strategy_id", id), zap.Error(err))
				continue
			}
			a.log.Info("order queued for approval", zap.String("strategy_id", id), zap.String("ticket", ticket.ID))
			a.notify(ctx, fmt.Sprintf("approval needed %s: %s %s %.2f USD (/approve %s)", id, order.Side, order.Ticker, order.TradeNotional, ticket.ID))
		}
	}
	if err := a.orchestrator.SaveSnapshot(ctx); err != nil {
		a.log.Warn("snapshot save failed", zap.Error(err))
	}
	a.opsMu.Lock()
	a.lastTick = a.now()
	a.opsMu.Unlock()
	return out
}

func (a *App) recordTick(res orchestrator.TickResult) {
	a.metrics.TicksTotal.Inc()
	if res.Err != nil {
		a.metrics.TickErrors.Inc()
	}
	a.metrics.OrdersApproved.Add(float64(res.Approved))
	a.metrics.OrdersQueued.Add(float64(res.Queued))
	a.metrics.OrdersRejected.Add(float64(res.Rejected))
	nav := 0.0
	if h, ok := a.orchestrator.Handle(res.ID); ok {
		nav = h.State().NAV
	}
	a.timescale.EnqueueTick(timescale.TickRecord{
		Time:         time.Unix(res.TS, 0).UTC(),
		StrategyID:   res.ID,
		Health:       string(res.Health),
		Approved:     res.Approved,
		Queued:       res.Queued,
		Rejected:     res.Rejected,
		Filled:       res.Filled,
		PnLIncrement: res.PnLIncrement,
		NAV:          nav,
		Error:        res.Error,
	})
	a.events.Publish(events.SubjectTick, res)
}

// rollDay resets day-scoped counters when the UTC date changes.
func (a *App) rollDay() {
	today := a.now().UTC().Format("2006-01-02")
	a.opsMu.Lock()
	prev := a.day
	a.day = today
	a.opsMu.Unlock()
	if prev != "" && prev != today {
		a.orchestrator.ResetDay()
		a.log.Info("trading day rolled", zap.String("day", today))
	}
}

// refreshOpenOrders pulls broker state for every order that has not reached a terminal status.
func (a *App) refreshOpenOrders(ctx context.Context) {
	for _, order := range a.oms.List() {
		if oms.IsTerminal(order.Status) {
			continue
		}
		if refreshed, ok := a.oms.Refresh(ctx, order.ID); ok && refreshed.Status != order.Status {
			a.log.Info("order status refreshed",
				zap.String("order_id", order.ID),
				zap.String("from", order.Status),
				zap.String("to", refreshed.Status))
		}
	}
}

// observeOrder counts an order once when first recorded and again only if a refresh rejects it.
func (a *App) observeOrder(order oms.Order) {
	a.opsMu.Lock()
	prev, seen := a.orderStatus[order.ID]
	a.orderStatus[order.ID] = order.Status
	a.opsMu.Unlock()
	switch {
	case order.Status == oms.StatusRejected && prev != oms.StatusRejected:
		a.metrics.OrdersFailed.Inc()
	case !seen && order.Status != oms.StatusCanceled:
		a.metrics.OrdersSubmitted.Inc()
	}
	fillPrice := 0.0
	if order.FillPrice != nil {
		fillPrice = *order.FillPrice
	}
	a.timescale.EnqueueOrder(timescale.OrderRecord{
		Time:          order.SubmittedAt,
		OrderID:       order.ID,
		BrokerOrderID: order.BrokerOrderID,
		Broker:        order.Broker,
		StrategyID:    strategyFromCorrelation(order.CorrelationID),
		CorrelationID: order.CorrelationID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Qty:           order.Qty,
		FilledQty:     order.FilledQty,
		FillPrice:     fillPrice,
		Status:        order.Status,
	})
	a.events.Publish(events.SubjectOrder, order)
}

// strategyFromCorrelation extracts the strategy id from "<strategy>:<ts>:<idx>" and
// "approval:<strategy>:<ticket>" correlation ids.
func strategyFromCorrelation(id string) string {
	id = strings.TrimPrefix(id, approvalCorrelationPrefix)
	if idx := strings.Index(id, ":"); idx >= 0 {
		return id[:idx]
	}
	return id
}

func (a *App) onStrategyError(id string, err error) {
	a.events.Publish(events.SubjectHealth, map[string]string{"strategy_id": id, "error": err.Error()})
}

func (a *App) onHealthFailure(name string) {
	a.metrics.HealthCheckFailures.Inc()
	a.events.Publish(events.SubjectHealth, map[string]string{"check": name})
}

func (a *App) onWatchdogTimeout(name string) {
	a.metrics.WatchdogTimeouts.Inc()
	a.log.Error("watchdog timeout", zap.String("watchdog", name))
	a.events.Publish(events.SubjectWatchdog, map[string]string{"watchdog": name})
	a.notify(context.Background(), "watchdog timeout: "+name)
}

func (a *App) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Resilience.FailoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.health.RunAll(ctx)
		}
	}
}

func (a *App) notify(ctx context.Context, msg string) {
	if err := a.alerts.Send(ctx, msg); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) close() {
	for _, fo := range a.failovers {
		fo.Stop()
	}
	a.watchdogs.Stop()
	for _, f := range a.feeds {
		f.Close()
	}
	a.server.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.orchestrator.SaveSnapshot(ctx); err != nil {
		a.log.Warn("final snapshot save failed", zap.Error(err))
	}
	a.events.Close()
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("state store close failed", zap.Error(err))
	}
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

// Orchestrator exposes the loaded strategies for dry-run tooling.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}
