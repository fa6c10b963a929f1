package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log          LoggingConfig      `yaml:"log"`
	State        StateConfig        `yaml:"state"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Risk         RiskConfig         `yaml:"risk"`
	OMS          OMSConfig          `yaml:"oms"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Feeds        []FeedConfig       `yaml:"feeds"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Timescale    TimescaleConfig    `yaml:"timescale"`
	NATS         NATSConfig         `yaml:"nats"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type StateConfig struct {
	Backend    string `yaml:"backend"`
	SQLitePath string `yaml:"sqlite_path"`
	BadgerDir  string `yaml:"badger_dir"`
}

type OrchestratorConfig struct {
	RunMode      string        `yaml:"run_mode"`
	RegistryDir  string        `yaml:"registry_dir"`
	ConfigsDir   string        `yaml:"configs_dir"`
	TickInterval time.Duration `yaml:"tick_interval"`
	DefaultNAV   float64       `yaml:"default_nav"`
	Family       string        `yaml:"family"`
	IDs          []string      `yaml:"ids"`
	Tags         []string      `yaml:"tags"`
	Limit        int           `yaml:"limit"`
	RouteBroker  string        `yaml:"route_broker"`
}

type RiskConfig struct {
	MaxGrossUSD          float64 `yaml:"max_gross_usd"`
	MaxNameUSD           float64 `yaml:"max_name_usd"`
	MaxDailyTurnoverUSD  float64 `yaml:"max_daily_turnover_usd"`
	AllowShort           bool    `yaml:"allow_short"`
	SemiAutoThresholdUSD float64 `yaml:"semi_auto_threshold_usd"`
}

type OMSConfig struct {
	Brokers []BrokerConfig `yaml:"brokers"`
}

// BrokerConfig is a failover group: the OMS sees one broker name whose adapter is
// swapped to the active target.
type BrokerConfig struct {
	Name    string         `yaml:"name"`
	Targets []TargetConfig `yaml:"targets"`
}

type TargetConfig struct {
	Name         string  `yaml:"name"`
	Kind         string  `yaml:"kind"`
	ProbeURL     string  `yaml:"probe_url"`
	StartingCash float64 `yaml:"starting_cash"`
	FeeBps       float64 `yaml:"fee_bps"`
	SlippageBps  float64 `yaml:"slippage_bps"`
}

type ResilienceConfig struct {
	WatchdogInterval    time.Duration `yaml:"watchdog_interval"`
	TickStallTimeout    time.Duration `yaml:"tick_stall_timeout"`
	FailoverInterval    time.Duration `yaml:"failover_interval"`
	FailoverMaxFailures int           `yaml:"failover_max_failures"`
	HealthTimeout       time.Duration `yaml:"health_timeout"`
	HealthMaxFailures   int           `yaml:"health_max_failures"`
	StopTimeout         time.Duration `yaml:"stop_timeout"`
}

type FeedConfig struct {
	Name           string        `yaml:"name"`
	URL            string        `yaml:"url"`
	StallTimeout   time.Duration `yaml:"stall_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
		if cfg.Log.MaxAgeDays == 0 {
			cfg.Log.MaxAgeDays = 14
		}
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = "sqlite"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "runtime/state/control-plane.db"
	}
	if cfg.State.BadgerDir == "" {
		cfg.State.BadgerDir = "runtime/state/badger"
	}
	if cfg.Orchestrator.RunMode == "" {
		cfg.Orchestrator.RunMode = "PAPER"
	}
	if cfg.Orchestrator.RegistryDir == "" {
		cfg.Orchestrator.RegistryDir = "strategies/registry"
	}
	if cfg.Orchestrator.ConfigsDir == "" {
		cfg.Orchestrator.ConfigsDir = "strategies/configs"
	}
	if cfg.Orchestrator.TickInterval == 0 {
		cfg.Orchestrator.TickInterval = 30 * time.Second
	}
	if cfg.Orchestrator.DefaultNAV == 0 {
		cfg.Orchestrator.DefaultNAV = 1_000_000
	}
	if len(cfg.OMS.Brokers) == 0 {
		cfg.OMS.Brokers = []BrokerConfig{{
			Name: "paper",
			Targets: []TargetConfig{
				{Name: "paper-primary", Kind: "paper"},
				{Name: "paper-backup", Kind: "paper"},
			},
		}}
	}
	for i := range cfg.OMS.Brokers {
		for j := range cfg.OMS.Brokers[i].Targets {
			target := &cfg.OMS.Brokers[i].Targets[j]
			if target.Kind == "" {
				target.Kind = "paper"
			}
			if target.StartingCash == 0 {
				target.StartingCash = 100_000
			}
		}
	}
	if cfg.Orchestrator.RouteBroker == "" && len(cfg.OMS.Brokers) > 0 {
		cfg.Orchestrator.RouteBroker = cfg.OMS.Brokers[0].Name
	}
	if cfg.Risk.MaxGrossUSD == 0 {
		cfg.Risk.MaxGrossUSD = 25_000_000
	}
	if cfg.Risk.MaxNameUSD == 0 {
		cfg.Risk.MaxNameUSD = 5_000_000
	}
	if cfg.Risk.MaxDailyTurnoverUSD == 0 {
		cfg.Risk.MaxDailyTurnoverUSD = 10_000_000
	}
	if cfg.Risk.SemiAutoThresholdUSD == 0 {
		cfg.Risk.SemiAutoThresholdUSD = 50_000
	}
	if cfg.Resilience.WatchdogInterval == 0 {
		cfg.Resilience.WatchdogInterval = time.Second
	}
	if cfg.Resilience.TickStallTimeout == 0 {
		cfg.Resilience.TickStallTimeout = 3 * cfg.Orchestrator.TickInterval
	}
	if cfg.Resilience.FailoverInterval == 0 {
		cfg.Resilience.FailoverInterval = 5 * time.Second
	}
	if cfg.Resilience.FailoverMaxFailures == 0 {
		cfg.Resilience.FailoverMaxFailures = 3
	}
	if cfg.Resilience.HealthTimeout == 0 {
		cfg.Resilience.HealthTimeout = 2 * time.Second
	}
	if cfg.Resilience.HealthMaxFailures == 0 {
		cfg.Resilience.HealthMaxFailures = 3
	}
	if cfg.Resilience.StopTimeout == 0 {
		cfg.Resilience.StopTimeout = time.Second
	}
	for i := range cfg.Feeds {
		if cfg.Feeds[i].StallTimeout == 0 {
			cfg.Feeds[i].StallTimeout = 30 * time.Second
		}
		if cfg.Feeds[i].ReconnectDelay == 0 {
			cfg.Feeds[i].ReconnectDelay = 3 * time.Second
		}
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "controlplane"
	}
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("CP_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("CP_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("CP_TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
	if url := strings.TrimSpace(os.Getenv("CP_NATS_URL")); url != "" {
		cfg.NATS.URL = url
	}
}

func validate(cfg *Config) error {
	switch strings.ToUpper(cfg.Orchestrator.RunMode) {
	case "LIVE", "PAPER", "SIM":
	default:
		return fmt.Errorf("orchestrator.run_mode %q is not one of LIVE, PAPER, SIM", cfg.Orchestrator.RunMode)
	}
	if cfg.Orchestrator.TickInterval < 0 {
		return errors.New("orchestrator.tick_interval must be >= 0")
	}
	switch cfg.State.Backend {
	case "sqlite", "badger":
	default:
		return fmt.Errorf("state.backend %q is not one of sqlite, badger", cfg.State.Backend)
	}
	if cfg.Risk.MaxGrossUSD < 0 || cfg.Risk.MaxNameUSD < 0 || cfg.Risk.MaxDailyTurnoverUSD < 0 {
		return errors.New("risk limits must be >= 0")
	}
	if cfg.Risk.SemiAutoThresholdUSD < 0 {
		return errors.New("risk.semi_auto_threshold_usd must be >= 0")
	}
	brokers := make(map[string]struct{}, len(cfg.OMS.Brokers))
	for _, broker := range cfg.OMS.Brokers {
		if broker.Name == "" {
			return errors.New("oms.brokers[].name is required")
		}
		if _, ok := brokers[broker.Name]; ok {
			return fmt.Errorf("oms broker %s defined twice", broker.Name)
		}
		brokers[broker.Name] = struct{}{}
		if len(broker.Targets) == 0 {
			return fmt.Errorf("oms broker %s requires at least one target", broker.Name)
		}
		targets := make(map[string]struct{}, len(broker.Targets))
		for _, target := range broker.Targets {
			if target.Name == "" {
				return fmt.Errorf("oms broker %s has a target without a name", broker.Name)
			}
			if _, ok := targets[target.Name]; ok {
				return fmt.Errorf("oms broker %s target %s defined twice", broker.Name, target.Name)
			}
			targets[target.Name] = struct{}{}
			if target.Kind != "paper" {
				return fmt.Errorf("oms target %s: unsupported kind %q", target.Name, target.Kind)
			}
			if target.FeeBps < 0 || target.SlippageBps < 0 {
				return fmt.Errorf("oms target %s: fee_bps and slippage_bps must be >= 0", target.Name)
			}
		}
	}
	if cfg.Orchestrator.RouteBroker != "" {
		if _, ok := brokers[cfg.Orchestrator.RouteBroker]; !ok {
			return fmt.Errorf("orchestrator.route_broker %s is not a configured oms broker", cfg.Orchestrator.RouteBroker)
		}
	}
	if cfg.Resilience.FailoverMaxFailures < 0 || cfg.Resilience.HealthMaxFailures < 0 {
		return errors.New("resilience max failures must be >= 0")
	}
	if cfg.Resilience.WatchdogInterval < 0 || cfg.Resilience.FailoverInterval < 0 ||
		cfg.Resilience.HealthTimeout < 0 || cfg.Resilience.StopTimeout < 0 ||
		cfg.Resilience.TickStallTimeout < 0 {
		return errors.New("resilience durations must be >= 0")
	}
	feeds := make(map[string]struct{}, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		if feed.Name == "" || feed.URL == "" {
			return errors.New("feeds[] requires name and url")
		}
		if _, ok := feeds[feed.Name]; ok {
			return fmt.Errorf("feed %s defined twice", feed.Name)
		}
		feeds[feed.Name] = struct{}{}
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.NATS.Enabled && strings.TrimSpace(cfg.NATS.URL) == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	return nil
}
