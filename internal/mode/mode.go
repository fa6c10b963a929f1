package mode

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"trade-control-plane/internal/strategy"
)

type RunMode string

type ControlMode string

const (
	RunLive  RunMode = "LIVE"
	RunPaper RunMode = "PAPER"
	RunSim   RunMode = "SIM"
)

const (
	ControlAuto     ControlMode = "AUTO"
	ControlSemiAuto ControlMode = "SEMI_AUTO"
	ControlManual   ControlMode = "MANUAL"
)

var (
	ErrInvalidOrder    = errors.New("invalid order")
	ErrShortNotAllowed = errors.New("short exposure not allowed")
	ErrNameLimit       = errors.New("per-name exposure limit exceeded")
	ErrGrossLimit      = errors.New("gross exposure limit exceeded")
	ErrTurnoverLimit   = errors.New("daily turnover limit exceeded")
)

func ParseRunMode(raw string) (RunMode, error) {
	switch RunMode(strings.ToUpper(strings.TrimSpace(raw))) {
	case RunLive:
		return RunLive, nil
	case RunPaper:
		return RunPaper, nil
	case RunSim:
		return RunSim, nil
	}
	return "", fmt.Errorf("unknown run mode %q", raw)
}

func ParseControlMode(raw string) (ControlMode, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch ControlMode(normalized) {
	case ControlAuto:
		return ControlAuto, nil
	case ControlSemiAuto, "SEMIAUTO":
		return ControlSemiAuto, nil
	case ControlManual:
		return ControlManual, nil
	}
	return "", fmt.Errorf("unknown control mode %q", raw)
}

// RiskLimits bound one strategy's exposure. A limit <= 0 disables that check.
type RiskLimits struct {
	MaxGrossUSD         float64 `json:"max_gross_usd"`
	MaxNameUSD          float64 `json:"max_name_usd"`
	MaxDailyTurnoverUSD float64 `json:"max_daily_turnover_usd"`
	AllowShort          bool    `json:"allow_short"`
}

// PositionReader exposes the committed book the controller gates against.
type PositionReader interface {
	Position(base string) float64
	Positions() map[string]float64
	TradedToday() float64
}

type Config struct {
	RunMode              RunMode
	ControlMode          ControlMode
	Limits               RiskLimits
	SemiAutoThresholdUSD float64
}

type Rejection struct {
	Order  strategy.ProposedOrder `json:"order"`
	Reason string                 `json:"reason"`
	Err    error                  `json:"-"`
}

type Decision struct {
	Approved []strategy.ProposedOrder `json:"approved"`
	Queued   []strategy.ProposedOrder `json:"queued"`
	Rejected []Rejection              `json:"rejected"`
}

type Description struct {
	RunMode              RunMode     `json:"run_mode"`
	ControlMode          ControlMode `json:"control_mode"`
	Limits               RiskLimits  `json:"limits"`
	SemiAutoThresholdUSD float64     `json:"semi_auto_threshold_usd"`
}

// Controller classifies proposed orders. It holds no position state of its own.
type Controller struct {
	cfg    Config
	reader PositionReader
	log    *zap.Logger
}

func New(cfg Config, reader PositionReader, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RunMode == "" {
		cfg.RunMode = RunPaper
	}
	if cfg.ControlMode == "" {
		cfg.ControlMode = ControlSemiAuto
	}
	return &Controller{cfg: cfg, reader: reader, log: log}
}

func (c *Controller) Describe() Description {
	return Description{
		RunMode:              c.cfg.RunMode,
		ControlMode:          c.cfg.ControlMode,
		Limits:               c.cfg.Limits,
		SemiAutoThresholdUSD: c.cfg.SemiAutoThresholdUSD,
	}
}

// ProcessOrders splits orders into approved, queued and rejected buckets, preserving input
// order. Each order is checked against committed exposure only; earlier orders in the same
// batch do not count toward later ones.
func (c *Controller) ProcessOrders(orders []strategy.ProposedOrder) Decision {
	var decision Decision
	for _, order := range orders {
		side, err := c.check(order)
		if err != nil {
			decision.Rejected = append(decision.Rejected, Rejection{Order: order, Reason: err.Error(), Err: err})
			c.log.Debug("order rejected",
				zap.String("ticker", order.Ticker),
				zap.String("side", order.Side),
				zap.Float64("notional", order.TradeNotional),
				zap.Error(err),
			)
			continue
		}
		order.Side = side
		if c.needsConfirmation(order) {
			decision.Queued = append(decision.Queued, order)
			continue
		}
		decision.Approved = append(decision.Approved, order)
	}
	return decision
}

func (c *Controller) needsConfirmation(order strategy.ProposedOrder) bool {
	switch c.cfg.ControlMode {
	case ControlManual:
		return true
	case ControlSemiAuto:
		return c.cfg.SemiAutoThresholdUSD > 0 && order.TradeNotional > c.cfg.SemiAutoThresholdUSD
	default:
		return false
	}
}

// check returns the normalized side of an order that passes every limit.
func (c *Controller) check(order strategy.ProposedOrder) (string, error) {
	if math.IsNaN(order.TradeNotional) || math.IsInf(order.TradeNotional, 0) || order.TradeNotional <= 0 {
		return "", fmt.Errorf("notional %v: %w", order.TradeNotional, ErrInvalidOrder)
	}
	side, ok := strategy.NormalizeSide(order.Side)
	if !ok {
		return "", fmt.Errorf("side %q: %w", order.Side, ErrInvalidOrder)
	}
	if strings.TrimSpace(order.Ticker) == "" {
		return "", fmt.Errorf("empty ticker: %w", ErrInvalidOrder)
	}
	base := strategy.BaseSymbol(order.Ticker)
	signed := order.TradeNotional
	if side == strategy.SideSell {
		signed = -signed
	}
	current := c.position(base)
	resulting := current + signed
	limits := c.cfg.Limits

	if !limits.AllowShort && resulting < 0 {
		return "", fmt.Errorf("%s resulting position %.2f: %w", base, resulting, ErrShortNotAllowed)
	}
	if limits.MaxNameUSD > 0 && math.Abs(resulting) > limits.MaxNameUSD {
		return "", fmt.Errorf("%s exposure %.2f exceeds %.2f: %w", base, math.Abs(resulting), limits.MaxNameUSD, ErrNameLimit)
	}
	if limits.MaxGrossUSD > 0 {
		gross := math.Abs(resulting)
		for name, pos := range c.positions() {
			if name == base {
				continue
			}
			gross += math.Abs(pos)
		}
		if gross > limits.MaxGrossUSD {
			return "", fmt.Errorf("gross exposure %.2f exceeds %.2f: %w", gross, limits.MaxGrossUSD, ErrGrossLimit)
		}
	}
	if limits.MaxDailyTurnoverUSD > 0 {
		turnover := c.tradedToday() + order.TradeNotional
		if turnover > limits.MaxDailyTurnoverUSD {
			return "", fmt.Errorf("turnover %.2f exceeds %.2f: %w", turnover, limits.MaxDailyTurnoverUSD, ErrTurnoverLimit)
		}
	}
	return side, nil
}

func (c *Controller) position(base string) float64 {
	if c.reader == nil {
		return 0
	}
	return c.reader.Position(base)
}

func (c *Controller) positions() map[string]float64 {
	if c.reader == nil {
		return nil
	}
	return c.reader.Positions()
}

func (c *Controller) tradedToday() float64 {
	if c.reader == nil {
		return 0
	}
	return c.reader.TradedToday()
}
