// Package config loads, defaults and validates the platform's YAML
// configuration. Secret-typed fields never leak through logs or dumps.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	System      SystemConfig            `yaml:"system"`
	Server      ServerConfig            `yaml:"server"`
	Store       StoreConfig             `yaml:"store"`
	Risk        RiskConfig              `yaml:"risk"`
	Execution   ExecutionConfig         `yaml:"execution"`
	Pyramid     PyramidConfig           `yaml:"pyramid"`
	PriceSource PriceSourceConfig       `yaml:"price_source"`
	Symbols     map[string]SymbolConfig `yaml:"symbols"`
	Concurrency ConcurrencyConfig       `yaml:"concurrency"`
	Telemetry   TelemetryConfig         `yaml:"telemetry"`
	Alerts      AlertsConfig            `yaml:"alerts"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains the HTTP API settings
type ServerConfig struct {
	Port          int  `yaml:"port"`
	EnableLiveHub bool `yaml:"enable_live_hub"`
}

// StoreConfig contains SQLite store settings. SOT and TS use separate
// databases so each can fail and rebuild independently.
type StoreConfig struct {
	SOTPath      string `yaml:"sot_path"`
	TSPath       string `yaml:"ts_path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	TxTimeoutMs  int    `yaml:"tx_timeout_ms"`
}

// RiskConfig contains pre-trade risk check settings
type RiskConfig struct {
	PipMultiplier      float64 `yaml:"pip_multiplier"`
	MaxPositionSizePct float64 `yaml:"max_position_size_pct"`
	MaxDailyLossPct    float64 `yaml:"max_daily_loss_pct"`
	Equity             float64 `yaml:"equity"`
}

// ExecutionConfig contains paper execution settings
type ExecutionConfig struct {
	DefaultFillPct     float64 `yaml:"default_fill_pct"`
	DefaultSlippagePct float64 `yaml:"default_slippage_pct"`
	DefaultMakerFee    float64 `yaml:"default_maker_fee"`
	DefaultTakerFee    float64 `yaml:"default_taker_fee"`
	DefaultLatencyMs   int     `yaml:"default_latency_ms"`
	RandomLatencyMs    int     `yaml:"random_latency_ms"`
	StopScanIntervalMs int     `yaml:"stop_scan_interval_ms"`
	Seed               int64   `yaml:"seed"`
}

// PyramidConfig contains KSS pyramid settings
type PyramidConfig struct {
	TimerIntervalMs int `yaml:"timer_interval_ms"`
}

// PriceSourceConfig contains price feed settings
type PriceSourceConfig struct {
	BaseURL        string  `yaml:"base_url"`
	CacheTTLS      int     `yaml:"cache_ttl_s"`
	FetchTimeoutMs int     `yaml:"fetch_timeout_ms"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	RateBurst      int     `yaml:"rate_burst"`
}

// SymbolConfig carries exchange lot-size metadata per symbol
type SymbolConfig struct {
	MinQty    float64 `yaml:"min_qty"`
	StepSize  float64 `yaml:"step_size"`
	MaxQty    float64 `yaml:"max_qty"`
	PriceStep float64 `yaml:"price_step"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	BroadcastPoolSize   int `yaml:"broadcast_pool_size"`
	BroadcastPoolBuffer int `yaml:"broadcast_pool_buffer"`
	FillQueueBuffer     int `yaml:"fill_queue_buffer"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig contains operator alert channel settings
type AlertsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError pinpoints one bad config field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

func invalid(field string, value interface{}, msg string) error {
	return ValidationError{Field: field, Value: value, Message: msg}
}

// LoadConfig reads a YAML file, expands ${ENV_VAR} placeholders, overlays the
// result on DefaultConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and reports all section failures at once.
func (c *Config) Validate() error {
	err := errors.Join(
		c.validateSystemConfig(),
		c.validateStoreConfig(),
		c.validateRiskConfig(),
		c.validateExecutionConfig(),
		c.validatePyramidConfig(),
		c.validatePriceSourceConfig(),
		c.validateSymbols(),
	)
	if err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	return nil
}

var logLevels = []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (c *Config) validateSystemConfig() error {
	if !slices.Contains(logLevels, c.GetLogLevel()) {
		return invalid("system.log_level", c.System.LogLevel, "must be one of "+strings.Join(logLevels, ", "))
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	switch {
	case c.Store.SOTPath == "":
		return invalid("store.sot_path", nil, "SOT database path is required")
	case c.Store.TSPath == "":
		return invalid("store.ts_path", nil, "TS database path is required")
	case c.Store.SOTPath == c.Store.TSPath:
		return invalid("store.ts_path", c.Store.TSPath, "SOT and TS must use distinct databases")
	case c.Store.MaxOpenConns <= 0:
		return invalid("store.max_open_conns", c.Store.MaxOpenConns, "must be positive")
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	r := c.Risk
	switch {
	case r.PipMultiplier <= 0:
		return invalid("risk.pip_multiplier", r.PipMultiplier, "must be positive")
	case r.MaxPositionSizePct <= 0 || r.MaxPositionSizePct > 100:
		return invalid("risk.max_position_size_pct", r.MaxPositionSizePct, "must be in (0, 100]")
	case r.MaxDailyLossPct <= 0 || r.MaxDailyLossPct > 100:
		return invalid("risk.max_daily_loss_pct", r.MaxDailyLossPct, "must be in (0, 100]")
	case r.Equity <= 0:
		return invalid("risk.equity", r.Equity, "must be positive")
	}
	return nil
}

func (c *Config) validateExecutionConfig() error {
	e := c.Execution
	switch {
	case e.DefaultFillPct <= 0 || e.DefaultFillPct > 1:
		return invalid("execution.default_fill_pct", e.DefaultFillPct, "must be in (0, 1]")
	case e.DefaultSlippagePct < 0 || e.DefaultSlippagePct > 100:
		return invalid("execution.default_slippage_pct", e.DefaultSlippagePct, "must be in [0, 100]")
	case e.DefaultMakerFee < 0 || e.DefaultMakerFee >= 1:
		return invalid("execution.default_maker_fee", e.DefaultMakerFee, "must be a rate in [0, 1)")
	case e.DefaultTakerFee < 0 || e.DefaultTakerFee >= 1:
		return invalid("execution.default_taker_fee", e.DefaultTakerFee, "must be a rate in [0, 1)")
	case e.DefaultLatencyMs < 0 || e.RandomLatencyMs < 0:
		return invalid("execution.default_latency_ms", e.DefaultLatencyMs, "latency values must not be negative")
	case e.StopScanIntervalMs <= 0:
		return invalid("execution.stop_scan_interval_ms", e.StopScanIntervalMs, "must be positive")
	}
	return nil
}

func (c *Config) validatePyramidConfig() error {
	if c.Pyramid.TimerIntervalMs <= 0 {
		return invalid("pyramid.timer_interval_ms", c.Pyramid.TimerIntervalMs, "must be positive")
	}
	return nil
}

func (c *Config) validatePriceSourceConfig() error {
	if c.PriceSource.CacheTTLS <= 0 {
		return invalid("price_source.cache_ttl_s", c.PriceSource.CacheTTLS, "must be positive")
	}
	if c.PriceSource.FetchTimeoutMs <= 0 {
		return invalid("price_source.fetch_timeout_ms", c.PriceSource.FetchTimeoutMs, "must be positive")
	}
	return nil
}

func (c *Config) validateSymbols() error {
	for name, sym := range c.Symbols {
		field := func(key string) string { return fmt.Sprintf("symbols.%s.%s", name, key) }
		switch {
		case sym.MinQty <= 0:
			return invalid(field("min_qty"), sym.MinQty, "must be positive")
		case sym.StepSize <= 0:
			return invalid(field("step_size"), sym.StepSize, "must be positive")
		case sym.MaxQty > 0 && sym.MaxQty < sym.MinQty:
			return invalid(field("max_qty"), sym.MaxQty, "must not be below min_qty")
		}
	}
	return nil
}

// GetLogLevel returns the normalized log level
func (c *Config) GetLogLevel() string {
	return strings.ToUpper(c.System.LogLevel)
}

// String returns a string representation of the configuration. Secret
// fields redact themselves during marshal.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

// DefaultConfig returns the documented defaults; LoadConfig overlays the
// YAML file on top of it, and tests use it directly.
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Server: ServerConfig{
			Port:          8080,
			EnableLiveHub: true,
		},
		Store: StoreConfig{
			SOTPath:      "data/sot.db",
			TSPath:       "data/ts.db",
			MaxOpenConns: 30,
			MaxIdleConns: 20,
			TxTimeoutMs:  5000,
		},
		Risk: RiskConfig{
			PipMultiplier:      2.0,
			MaxPositionSizePct: 10.0,
			MaxDailyLossPct:    5.0,
			Equity:             10000.0,
		},
		Execution: ExecutionConfig{
			DefaultFillPct:     1.0,
			DefaultSlippagePct: 0.0,
			DefaultMakerFee:    0.0,
			DefaultTakerFee:    0.0,
			DefaultLatencyMs:   0,
			RandomLatencyMs:    0,
			StopScanIntervalMs: 1000,
			Seed:               0,
		},
		Pyramid: PyramidConfig{
			TimerIntervalMs: 10000,
		},
		PriceSource: PriceSourceConfig{
			BaseURL:        "",
			CacheTTLS:      60,
			FetchTimeoutMs: 2000,
			RatePerSecond:  5,
			RateBurst:      10,
		},
		Symbols: map[string]SymbolConfig{
			"BTCUSDT": {MinQty: 0.00001, StepSize: 0.00001, MaxQty: 9000, PriceStep: 0.01},
			"ETHUSDT": {MinQty: 0.0001, StepSize: 0.0001, MaxQty: 90000, PriceStep: 0.01},
		},
		Concurrency: ConcurrencyConfig{
			BroadcastPoolSize:   4,
			BroadcastPoolBuffer: 256,
			FillQueueBuffer:     256,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Alerts: AlertsConfig{
			Enabled: false,
		},
	}
}
