package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"trade-control-plane/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// OrderRecord is one OMS order state transition.
type OrderRecord struct {
	Time          time.Time
	OrderID       string
	BrokerOrderID string
	Broker        string
	StrategyID    string
	CorrelationID string
	Symbol        string
	Side          string
	Qty           float64
	FilledQty     float64
	FillPrice     float64
	Status        string
}

// TickRecord summarises one strategy tick.
type TickRecord struct {
	Time         time.Time
	StrategyID   string
	Health       string
	Approved     int
	Queued       int
	Rejected     int
	Filled       int
	PnLIncrement float64
	NAV          float64
	Error        string
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	orders     chan OrderRecord
	ticks      chan TickRecord
	started    atomic.Bool
	dropOrders atomic.Uint64
	dropTicks  atomic.Uint64
}

// New returns a nil writer when timescale is disabled; every method is nil-safe.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:     db,
		log:    log,
		schema: schema,
		orders: make(chan OrderRecord, queueSize),
		ticks:  make(chan TickRecord, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueOrder(rec OrderRecord) {
	if w == nil {
		return
	}
	select {
	case w.orders <- rec:
		return
	default:
		if w.dropOrders.Add(1) == 1 {
			w.log.Warn("timescale order queue full")
		}
	}
}

func (w *Writer) EnqueueTick(rec TickRecord) {
	if w == nil {
		return
	}
	select {
	case w.ticks <- rec:
		return
	default:
		if w.dropTicks.Add(1) == 1 {
			w.log.Warn("timescale tick queue full")
		}
	}
}

// Dropped reports records discarded because a queue was full.
func (w *Writer) Dropped() (orders, ticks uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropOrders.Load(), w.dropTicks.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.orders:
			w.writeOrder(ctx, rec)
		case rec := <-w.ticks:
			w.writeTick(ctx, rec)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		order_id TEXT NOT NULL,
		broker_order_id TEXT NOT NULL DEFAULT '',
		broker TEXT NOT NULL,
		strategy_id TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty DOUBLE PRECISION NOT NULL,
		filled_qty DOUBLE PRECISION NOT NULL,
		fill_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL
	)`, w.table("oms_orders"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy_id TEXT NOT NULL,
		health TEXT NOT NULL,
		approved INTEGER NOT NULL,
		queued INTEGER NOT NULL,
		rejected INTEGER NOT NULL,
		filled INTEGER NOT NULL,
		pnl_increment DOUBLE PRECISION NOT NULL,
		nav DOUBLE PRECISION NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`, w.table("strategy_ticks"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"oms_orders", "strategy_ticks"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeOrder(ctx context.Context, rec OrderRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, order_id, broker_order_id, broker, strategy_id, correlation_id,
		symbol, side, qty, filled_qty, fill_price, status
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
	)`, w.table("oms_orders"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.OrderID,
		rec.BrokerOrderID,
		rec.Broker,
		rec.StrategyID,
		rec.CorrelationID,
		rec.Symbol,
		rec.Side,
		rec.Qty,
		rec.FilledQty,
		rec.FillPrice,
		rec.Status,
	); err != nil {
		w.log.Warn("timescale order insert failed", zap.Error(err))
	}
}

func (w *Writer) writeTick(ctx context.Context, rec TickRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, strategy_id, health, approved, queued, rejected, filled, pnl_increment, nav, error
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	)`, w.table("strategy_ticks"))
	if _, err := w.db.ExecContext(ctx, query,
		rec.Time,
		rec.StrategyID,
		rec.Health,
		rec.Approved,
		rec.Queued,
		rec.Rejected,
		rec.Filled,
		rec.PnLIncrement,
		rec.NAV,
		rec.Error,
	); err != nil {
		w.log.Warn("timescale tick insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
