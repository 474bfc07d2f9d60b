// Package config loads the control-plane configuration from a YAML file,
// overlays environment variables, and clamps every tunable to its documented
// hard ceiling. Thresholds that the safety design treats as absolute (the
// 0.35 advisor adjustment cap, the 20-symbol batch cap) are constants here
// and cannot be raised by any configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Hard ceilings. Validate clamps configured values to these; they are not
// themselves configurable.
const (
	HardMaxAdjustment   = 0.35
	HardMaxBatchSymbols = 20
	MinRestartDelay     = time.Hour
)

// Config is the full control-plane configuration.
type Config struct {
	Exchanges  []ExchangeConfig `yaml:"exchanges"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Risk       RiskConfig       `yaml:"risk"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Orders     OrdersConfig     `yaml:"orders"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	EventLog   EventLogConfig   `yaml:"event_log"`
	HTTP       HTTPConfig       `yaml:"http"`
	Redis      RedisConfig      `yaml:"redis"`
}

// ExchangeConfig describes one venue connection.
type ExchangeConfig struct {
	Name           string        `yaml:"name"`
	StreamURL      string        `yaml:"stream_url"`
	RestURL        string        `yaml:"rest_url"`
	APIKey         string        `yaml:"api_key"`
	APISecret      string        `yaml:"api_secret"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxOrdersPerSec float64      `yaml:"max_orders_per_sec"`
	BurstSize      int           `yaml:"burst_size"`
	Symbols        []string      `yaml:"symbols"`
}

// MarketDataConfig tunes the aggregator.
type MarketDataConfig struct {
	AggregationInterval time.Duration `yaml:"aggregation_interval"`
	TickBufferSize      int           `yaml:"tick_buffer_size"`
	MaxLatency          time.Duration `yaml:"max_latency"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	DegradedLatency     time.Duration `yaml:"degraded_latency"`
	MaxLossRate         float64       `yaml:"max_loss_rate"`
	ReconnectBackoffMax time.Duration `yaml:"reconnect_backoff_max"`
}

// RiskConfig holds pre-trade limits and level thresholds.
type RiskConfig struct {
	MaxPositionNotional float64 `yaml:"max_position_notional"` // USD per symbol
	MaxConcentration    float64 `yaml:"max_concentration"`
	MaxVaR              float64 `yaml:"max_var"` // fraction of portfolio
	MaxDrawdown         float64 `yaml:"max_drawdown"`
	InitialCash         float64 `yaml:"initial_cash"`

	YellowDrawdown      float64 `yaml:"yellow_drawdown"`
	YellowVol           float64 `yaml:"yellow_vol"`
	YellowConcentration float64 `yaml:"yellow_concentration"`
	OrangeDrawdown      float64 `yaml:"orange_drawdown"`
	OrangeVol           float64 `yaml:"orange_vol"`
	RedDrawdown         float64 `yaml:"red_drawdown"`
	RedVol              float64 `yaml:"red_vol"`

	DowngradeDwell    time.Duration `yaml:"downgrade_dwell"`
	RedDowngradeDwell time.Duration `yaml:"red_downgrade_dwell"`
}

// ComplianceConfig tunes the TRS monitor.
type ComplianceConfig struct {
	Target             float64       `yaml:"target"`
	WarningThreshold   float64       `yaml:"warning_threshold"`
	CriticalThreshold  float64       `yaml:"critical_threshold"`
	EmergencyThreshold float64       `yaml:"emergency_threshold"`
	MeasureInterval    time.Duration `yaml:"measure_interval"`
	SampleSize         int           `yaml:"sample_size"`
	MinSamples         int           `yaml:"min_samples"`
	HistoryRetention   time.Duration `yaml:"history_retention"`
	AutoCorrect        bool          `yaml:"auto_correct"`
	MaxAdjustment      float64       `yaml:"max_adjustment"` // clamped to HardMaxAdjustment
	ActionTimeout      time.Duration `yaml:"action_timeout"`

	// AdvisorURL enables the external corrective-action advisor; empty means
	// the local no-op provider.
	AdvisorURL    string `yaml:"advisor_url"`
	AdvisorAPIKey string `yaml:"advisor_api_key" env:"TRADEPILOT_ADVISOR_API_KEY"`
}

// OrdersConfig tunes the order manager.
type OrdersConfig struct {
	SubmitTimeout     time.Duration `yaml:"submit_timeout"`
	CancelTimeout     time.Duration `yaml:"cancel_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoffBase  time.Duration `yaml:"retry_backoff_base"`
	CompletedLogSize  int           `yaml:"completed_log_size"`
	ExpirySweepEvery  time.Duration `yaml:"expiry_sweep_every"`
	SessionEnd        string        `yaml:"session_end"` // HH:MM UTC, Day-order boundary
	SlippageBps       float64       `yaml:"slippage_bps"`
	MinConfidence     float64       `yaml:"min_confidence"`
	LotSize           float64       `yaml:"lot_size"`
	TWAPSlices        int           `yaml:"twap_slices"`
	IcebergVisibleFrac float64      `yaml:"iceberg_visible_frac"`
}

// SupervisorConfig tunes health polling and the alert pipeline.
type SupervisorConfig struct {
	HealthInterval    time.Duration `yaml:"health_interval"`
	DashboardInterval time.Duration `yaml:"dashboard_interval"`
	AlertCooldown     time.Duration `yaml:"alert_cooldown"`
	EscalateAfter     time.Duration `yaml:"escalate_after"`
	MaxEscalation     int           `yaml:"max_escalation"`
	RestartDelay      time.Duration `yaml:"restart_delay"` // clamped to >= MinRestartDelay
	MaxOrderErrorRate float64       `yaml:"max_order_error_rate"`
	MaxExecTime       time.Duration `yaml:"max_exec_time"`
}

// EventLogConfig selects the event-log backend.
type EventLogConfig struct {
	Driver string `yaml:"driver" env:"TRADEPILOT_EVENTLOG_DRIVER"` // "memory" or "postgres"
	DSN    string `yaml:"dsn" env:"TRADEPILOT_EVENTLOG_DSN"`
	MemoryCapacity int `yaml:"memory_capacity"`
}

// HTTPConfig configures the operational control surface.
type HTTPConfig struct {
	Addr      string `yaml:"addr" env:"TRADEPILOT_HTTP_ADDR"`
	AuthToken string `yaml:"auth_token" env:"TRADEPILOT_AUTH_TOKEN"`
}

// RedisConfig configures the optional dashboard snapshot cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"TRADEPILOT_REDIS_ADDR"`
	Password string        `yaml:"password" env:"TRADEPILOT_REDIS_PASSWORD"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		MarketData: MarketDataConfig{
			AggregationInterval: 500 * time.Millisecond,
			TickBufferSize:      1024,
			MaxLatency:          2 * time.Second,
			HeartbeatTimeout:    30 * time.Second,
			DegradedLatency:     200 * time.Millisecond,
			MaxLossRate:         0.10,
			ReconnectBackoffMax: 30 * time.Second,
		},
		Risk: RiskConfig{
			MaxPositionNotional: 250_000,
			MaxConcentration:    0.35,
			MaxVaR:              0.05,
			MaxDrawdown:         0.12,
			InitialCash:         1_000_000,
			YellowDrawdown:      0.05,
			YellowVol:           0.25,
			YellowConcentration: 0.35,
			OrangeDrawdown:      0.08,
			OrangeVol:           0.35,
			RedDrawdown:         0.12,
			RedVol:              0.50,
			DowngradeDwell:      5 * time.Minute,
			RedDowngradeDwell:   10 * time.Minute,
		},
		Compliance: ComplianceConfig{
			Target:             0.85,
			WarningThreshold:   0.80,
			CriticalThreshold:  0.75,
			EmergencyThreshold: 0.70,
			MeasureInterval:    time.Minute,
			SampleSize:         30,
			MinSamples:         10,
			HistoryRetention:   48 * time.Hour,
			AutoCorrect:        true,
			MaxAdjustment:      0.20,
			ActionTimeout:      10 * time.Minute,
		},
		Orders: OrdersConfig{
			SubmitTimeout:      30 * time.Second,
			CancelTimeout:      60 * time.Second,
			MaxRetries:         3,
			RetryBackoffBase:   time.Second,
			CompletedLogSize:   10_000,
			ExpirySweepEvery:   10 * time.Second,
			SessionEnd:         "21:00",
			SlippageBps:        5,
			MinConfidence:      0.50,
			LotSize:            0.0001,
			TWAPSlices:         10,
			IcebergVisibleFrac: 0.10,
		},
		Supervisor: SupervisorConfig{
			HealthInterval:    30 * time.Second,
			DashboardInterval: 5 * time.Second,
			AlertCooldown:     5 * time.Minute,
			EscalateAfter:     15 * time.Minute,
			MaxEscalation:     3,
			RestartDelay:      time.Hour,
			MaxOrderErrorRate: 0.05,
			MaxExecTime:       2 * time.Second,
		},
		EventLog: EventLogConfig{Driver: "memory", MemoryCapacity: 100_000},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Redis:    RedisConfig{TTL: 30 * time.Second},
	}
}

// Load reads the YAML file at path (optional), applies environment overrides,
// and validates. An empty path yields defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency and clamps values that carry hard
// ceilings. It mutates the receiver where clamping applies.
func (c *Config) Validate() error {
	if c.MarketData.AggregationInterval <= 0 {
		return fmt.Errorf("market_data.aggregation_interval must be > 0")
	}
	if c.MarketData.TickBufferSize <= 0 {
		return fmt.Errorf("market_data.tick_buffer_size must be > 0")
	}
	if c.Risk.MaxConcentration <= 0 || c.Risk.MaxConcentration > 1 {
		return fmt.Errorf("risk.max_concentration must be in (0,1]")
	}
	if c.Compliance.Target <= c.Compliance.WarningThreshold {
		return fmt.Errorf("compliance.target must exceed warning_threshold")
	}
	if c.Compliance.MinSamples < 2 {
		return fmt.Errorf("compliance.min_samples must be >= 2")
	}
	if c.Compliance.MaxAdjustment > HardMaxAdjustment {
		c.Compliance.MaxAdjustment = HardMaxAdjustment
	}
	if c.Compliance.MaxAdjustment <= 0 {
		return fmt.Errorf("compliance.max_adjustment must be > 0")
	}
	if c.Supervisor.RestartDelay < MinRestartDelay {
		c.Supervisor.RestartDelay = MinRestartDelay
	}
	for i, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchanges[%d].name is required", i)
		}
		if ex.RequestTimeout <= 0 {
			c.Exchanges[i].RequestTimeout = 30 * time.Second
		}
		if ex.MaxOrdersPerSec <= 0 {
			c.Exchanges[i].MaxOrdersPerSec = 5
		}
		if ex.BurstSize <= 0 {
			c.Exchanges[i].BurstSize = 5
		}
	}
	return nil
}
