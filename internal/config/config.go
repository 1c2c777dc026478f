// Package config manages application configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantfabric/tradecore/errs"
)

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// BusConfig sets in-memory event bus sizing characteristics.
type BusConfig struct {
	QueueSize  int `yaml:"queueSize"`
	MaxRetries int `yaml:"maxRetries"`
}

// StoreConfig locates the time-series store.
type StoreConfig struct {
	// DSN is the Postgres-wire connection string used for queries and
	// transactional writes.
	DSN string `yaml:"dsn"`
	// ILPAddress is the host:port of the ILP ingestion endpoint used for
	// bulk price/orderbook/indicator writes.
	ILPAddress string `yaml:"ilpAddress"`
}

// RiskConfig defines budget enforcement parameters.
type RiskConfig struct {
	// GlobalCap is the total notional budget, decimal string.
	GlobalCap string `yaml:"globalCap"`
	// Allocations maps allocation keys to absolute decimal strings or
	// percent strings such as "25%".
	Allocations map[string]string `yaml:"allocations"`
	// OrderThrottle is the maximum rate of order submissions per second.
	OrderThrottle float64 `yaml:"orderThrottle"`
	// MaxPositionNotional bounds a single position's notional, decimal string.
	MaxPositionNotional string `yaml:"maxPositionNotional"`
}

// CoordinatorConfig tunes the subscription mediator.
type CoordinatorConfig struct {
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
	DecisionTimeout   time.Duration `yaml:"decisionTimeout"`
	BreakerThreshold  int           `yaml:"breakerThreshold"`
	BreakerCooldown   time.Duration `yaml:"breakerCooldown"`
}

// ExecutionConfig tunes the controller pipeline.
type ExecutionConfig struct {
	ProgressInterval time.Duration `yaml:"progressInterval"`
	FlushInterval    time.Duration `yaml:"flushInterval"`
	FlushTimeout     time.Duration `yaml:"flushTimeout"`
	LiveQueueSize    int           `yaml:"liveQueueSize"`
	BatchSize        int           `yaml:"batchSize"`
	DataDir          string        `yaml:"dataDir"`
}

// IndicatorConfig tunes the streaming indicator engine.
type IndicatorConfig struct {
	BufferCapacity    int           `yaml:"bufferCapacity"`
	SchedulerMinSleep time.Duration `yaml:"schedulerMinSleep"`
	FlushInterval     time.Duration `yaml:"flushInterval"`
}

// ServerConfig configures the operator HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ExchangeConfig configures the live exchange adapter.
type ExchangeConfig struct {
	Name      string        `yaml:"name"`
	WSBaseURL string        `yaml:"wsBaseURL"`
	RESTURL   string        `yaml:"restURL"`
	APIKey    string        `yaml:"apiKey"`
	APISecret string        `yaml:"apiSecret"`
	Timeout   time.Duration `yaml:"timeout"`
}

// PaperConfig tunes the paper order manager fills.
type PaperConfig struct {
	SlippageBps   float64 `yaml:"slippageBps"`
	CommissionBps float64 `yaml:"commissionBps"`
}

// OrdersConfig sizes order submissions.
type OrdersConfig struct {
	// Notional is the per-order notional used to size market orders, decimal string.
	Notional string `yaml:"notional"`
}

// AppConfig is the full configuration tree.
type AppConfig struct {
	Environment string            `yaml:"environment"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Store       StoreConfig       `yaml:"store"`
	Risk        RiskConfig        `yaml:"risk"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Indicators  IndicatorConfig   `yaml:"indicators"`
	Server      ServerConfig      `yaml:"server"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Paper       PaperConfig       `yaml:"paper"`
	Orders      OrdersConfig      `yaml:"orders"`
}

// Default returns the baseline configuration applied before file and env overrides.
func Default() AppConfig {
	return AppConfig{
		Environment: "dev",
		Logging:     LoggingConfig{Level: "info"},
		Telemetry:   TelemetryConfig{OTLPEndpoint: "", ServiceName: "tradecore"},
		Bus:         BusConfig{QueueSize: 1000, MaxRetries: 3},
		Store:       StoreConfig{DSN: "", ILPAddress: ""},
		Risk: RiskConfig{
			GlobalCap:           "0",
			Allocations:         nil,
			OrderThrottle:       5,
			MaxPositionNotional: "0",
		},
		Coordinator: CoordinatorConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			DecisionTimeout:   5 * time.Second,
			BreakerThreshold:  5,
			BreakerCooldown:   30 * time.Second,
		},
		Execution: ExecutionConfig{
			ProgressInterval: 5 * time.Second,
			FlushInterval:    500 * time.Millisecond,
			FlushTimeout:     5 * time.Second,
			LiveQueueSize:    1000,
			BatchSize:        100,
			DataDir:          "data",
		},
		Indicators: IndicatorConfig{
			BufferCapacity:    1000,
			SchedulerMinSleep: 50 * time.Millisecond,
			FlushInterval:     500 * time.Millisecond,
		},
		Server:   ServerConfig{Addr: ":8080"},
		Exchange: ExchangeConfig{Name: "", WSBaseURL: "", RESTURL: "", APIKey: "", APISecret: "", Timeout: 10 * time.Second},
		Paper:    PaperConfig{SlippageBps: 5, CommissionBps: 10},
		Orders:   OrdersConfig{Notional: "1000"},
	}
}

// Load reads the yaml file at path over the defaults, then applies env
// overrides and normalisation. An empty path skips the file step.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path) // #nosec G304 -- path is operator provided.
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("TRADECORE_ENV")); v != "" {
		c.Environment = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_STORE_DSN")); v != "" {
		c.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_STORE_ILP")); v != "" {
		c.Store.ILPAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_HTTP_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TRADECORE_EXCHANGE_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("TRADECORE_EXCHANGE_API_SECRET"); v != "" {
		c.Exchange.APISecret = v
	}
}

func (c *AppConfig) normalize() {
	def := Default()
	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = def.Bus.QueueSize
	}
	if c.Bus.MaxRetries <= 0 {
		c.Bus.MaxRetries = def.Bus.MaxRetries
	}
	if c.Execution.ProgressInterval <= 0 {
		c.Execution.ProgressInterval = def.Execution.ProgressInterval
	}
	if c.Execution.FlushInterval <= 0 {
		c.Execution.FlushInterval = def.Execution.FlushInterval
	}
	if c.Execution.FlushTimeout <= 0 {
		c.Execution.FlushTimeout = def.Execution.FlushTimeout
	}
	if c.Execution.LiveQueueSize <= 0 {
		c.Execution.LiveQueueSize = def.Execution.LiveQueueSize
	}
	if c.Execution.BatchSize <= 0 {
		c.Execution.BatchSize = def.Execution.BatchSize
	}
	if strings.TrimSpace(c.Execution.DataDir) == "" {
		c.Execution.DataDir = def.Execution.DataDir
	}
	if c.Indicators.BufferCapacity <= 0 {
		c.Indicators.BufferCapacity = def.Indicators.BufferCapacity
	}
	if c.Indicators.SchedulerMinSleep <= 0 {
		c.Indicators.SchedulerMinSleep = def.Indicators.SchedulerMinSleep
	}
	if c.Indicators.FlushInterval <= 0 {
		c.Indicators.FlushInterval = def.Indicators.FlushInterval
	}
	if c.Coordinator.RequestsPerSecond <= 0 {
		c.Coordinator.RequestsPerSecond = def.Coordinator.RequestsPerSecond
	}
	if c.Coordinator.Burst <= 0 {
		c.Coordinator.Burst = def.Coordinator.Burst
	}
	if c.Coordinator.DecisionTimeout <= 0 {
		c.Coordinator.DecisionTimeout = def.Coordinator.DecisionTimeout
	}
	if c.Coordinator.BreakerThreshold <= 0 {
		c.Coordinator.BreakerThreshold = def.Coordinator.BreakerThreshold
	}
	if c.Coordinator.BreakerCooldown <= 0 {
		c.Coordinator.BreakerCooldown = def.Coordinator.BreakerCooldown
	}
	if c.Risk.OrderThrottle <= 0 {
		c.Risk.OrderThrottle = def.Risk.OrderThrottle
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Exchange.Timeout <= 0 {
		c.Exchange.Timeout = def.Exchange.Timeout
	}
	if strings.TrimSpace(c.Orders.Notional) == "" {
		c.Orders.Notional = def.Orders.Notional
	}
}

// Validate rejects configurations the process cannot run with.
func (c *AppConfig) Validate() error {
	switch c.Environment {
	case "dev", "staging", "prod":
	default:
		return errs.New("config/validate", errs.CodeInvalid,
			errs.WithMessage("environment must be dev, staging or prod"),
			errs.WithField("environment", c.Environment))
	}
	for key, alloc := range c.Risk.Allocations {
		if strings.TrimSpace(alloc) == "" {
			return errs.New("config/validate", errs.CodeInvalid,
				errs.WithMessage("empty risk allocation"),
				errs.WithField("allocation", key))
		}
	}
	return nil
}
