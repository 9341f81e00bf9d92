// config/config.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Named defaults. Every fallback value used anywhere in the engine is declared
// here or in the package that owns it; there are no inline magic defaults.
const (
	DefaultHistoryLimit      = 1000
	DefaultRefreshLimit      = 100
	DefaultRequestsPerSecond = 5.0
	DefaultMaxRetries        = 3
	DefaultCooldownSeconds   = 5
)

// ExchangeConfig holds connectivity settings for the exchange collaborator.
type ExchangeConfig struct {
	Symbols            []string `yaml:"symbols"`
	HTTPTimeoutSeconds int      `yaml:"http_timeout_seconds"`
	SlippageTolerance  float64  `yaml:"slippage_tolerance"`
	RequestsPerSecond  float64  `yaml:"requests_per_second"`
	MaxRetries         int      `yaml:"max_retries"`
}

// EmergencyTriggers holds the static thresholds consulted on every
// position-monitoring pass. Immutable after load.
type EmergencyTriggers struct {
	MaxDrawdown   float64 `yaml:"max_drawdown"`
	MaxDailyLoss  float64 `yaml:"max_daily_loss"`
	MinLiquidity  float64 `yaml:"min_liquidity"`
	MaxVolatility float64 `yaml:"max_volatility"`
}

// RiskConfig holds the configuration for the risk manager.
type RiskConfig struct {
	MaxPositionSize   float64            `yaml:"max_position_size"`
	RiskAversion      float64            `yaml:"risk_aversion"`
	VolatilityWindow  int                `yaml:"volatility_window"`
	CorrelationWindow int                `yaml:"correlation_window"`
	BaseStopLoss      float64            `yaml:"base_stop_loss"`
	MinStopLoss       float64            `yaml:"min_stop_loss"`
	MaxStopLoss       float64            `yaml:"max_stop_loss"`
	Emergency         *EmergencyTriggers `yaml:"emergency_triggers"`
}

// StrategyConfig holds the configuration for the strategy optimizer.
type StrategyConfig struct {
	Timeframes          []string `yaml:"timeframes"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	MinTrainingSamples  int      `yaml:"min_training_samples"`
	PredictionThreshold float64  `yaml:"prediction_threshold"`
	RegimeWindow        int      `yaml:"regime_window"`
}

// TradingConfig holds the scheduling parameters of the control loop.
type TradingConfig struct {
	UpdateIntervalSeconds       int `yaml:"update_interval_seconds"`
	MarketDataRefreshSeconds    int `yaml:"market_data_refresh_seconds"`
	ModelRetrainIntervalSeconds int `yaml:"model_retrain_interval_seconds"`
	RiskUpdateIntervalSeconds   int `yaml:"risk_update_interval_seconds"`
	MaxOpenPositions            int `yaml:"max_open_positions"`
	HistoryLimit                int `yaml:"history_limit"`
}

// SystemConfig holds general, non-strategy-specific configuration.
type SystemConfig struct {
	CPUThreads     int    `yaml:"cpu_threads"`
	LogDirectory   string `yaml:"log_directory"`
	StateDirectory string `yaml:"state_directory"`
	// StatusAddress enables the HTTP status server when non-empty,
	// e.g. "127.0.0.1:8090".
	StatusAddress string `yaml:"status_address"`
}

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config is the top-level configuration structure.
type Config struct {
	UseSimulation bool            `yaml:"use_simulation"`
	Exchange      *ExchangeConfig `yaml:"exchange"`
	Risk          *RiskConfig     `yaml:"risk"`
	Strategy      *StrategyConfig `yaml:"strategy"`
	Trading       *TradingConfig  `yaml:"trading"`
	System        *SystemConfig   `yaml:"system"`
	Logs          *LogConfig      `yaml:"logs"`
}

// NewConfig creates a Config with allocated nested structs and only the safe,
// non-strategy defaults applied. All strategy and risk parameters MUST come
// from the YAML file; validation enforces that.
func NewConfig() *Config {
	return &Config{
		UseSimulation: false,
		Exchange: &ExchangeConfig{
			RequestsPerSecond: DefaultRequestsPerSecond,
			MaxRetries:        DefaultMaxRetries,
		},
		Risk:     &RiskConfig{Emergency: &EmergencyTriggers{}},
		Strategy: &StrategyConfig{},
		Trading:  &TradingConfig{HistoryLimit: DefaultHistoryLimit},
		System:   &SystemConfig{},
		Logs:     &LogConfig{},
	}
}

// LoadConfig loads configuration from a given path, applies defaults, and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Error: Config file not found at %s. Program cannot run without a config file", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	// Re-apply allocation defaults that an empty YAML block may have nilled out.
	if cfg.Risk != nil && cfg.Risk.Emergency == nil {
		cfg.Risk.Emergency = &EmergencyTriggers{}
	}
	if cfg.Exchange != nil {
		if cfg.Exchange.RequestsPerSecond <= 0 {
			cfg.Exchange.RequestsPerSecond = DefaultRequestsPerSecond
		}
		if cfg.Exchange.MaxRetries <= 0 {
			cfg.Exchange.MaxRetries = DefaultMaxRetries
		}
	}
	if cfg.Trading != nil && cfg.Trading.HistoryLimit <= 0 {
		cfg.Trading.HistoryLimit = DefaultHistoryLimit
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the logical consistency and completeness of the entire configuration.
func (c *Config) Validate() error {
	if c.Exchange == nil {
		return fmt.Errorf("Critical config missing: 'exchange' configuration block must be provided")
	}
	if len(c.Exchange.Symbols) == 0 {
		return fmt.Errorf("Critical config missing: 'exchange.symbols' must list at least one instrument")
	}
	if c.Exchange.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'exchange.http_timeout_seconds' must be explicitly specified and be positive")
	}
	if c.Exchange.SlippageTolerance <= 0 {
		return fmt.Errorf("Critical config missing: 'exchange.slippage_tolerance' must be explicitly specified and be positive")
	}

	if c.Risk == nil || c.Risk.Emergency == nil {
		return fmt.Errorf("Critical config missing: 'risk' configuration block with 'emergency_triggers' must be provided")
	}
	if c.Risk.MaxPositionSize <= 0 || c.Risk.MaxPositionSize > 1 {
		return fmt.Errorf("Config error: 'risk.max_position_size' must be in (0, 1]")
	}
	if c.Risk.RiskAversion <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.risk_aversion' must be explicitly specified and be positive")
	}
	if c.Risk.VolatilityWindow <= 1 {
		return fmt.Errorf("Config error: 'risk.volatility_window' must be greater than 1")
	}
	if c.Risk.CorrelationWindow <= 1 {
		return fmt.Errorf("Config error: 'risk.correlation_window' must be greater than 1")
	}
	if c.Risk.BaseStopLoss <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.base_stop_loss' must be explicitly specified and be positive")
	}
	if c.Risk.MinStopLoss <= 0 || c.Risk.MaxStopLoss <= c.Risk.MinStopLoss {
		return fmt.Errorf("Config error: risk stop-loss clamps require 0 < min_stop_loss < max_stop_loss")
	}
	if c.Risk.Emergency.MaxDrawdown <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.emergency_triggers.max_drawdown' must be explicitly specified and be positive")
	}
	if c.Risk.Emergency.MaxDailyLoss <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.emergency_triggers.max_daily_loss' must be explicitly specified and be positive")
	}
	if c.Risk.Emergency.MinLiquidity <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.emergency_triggers.min_liquidity' must be explicitly specified and be positive")
	}
	if c.Risk.Emergency.MaxVolatility <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.emergency_triggers.max_volatility' must be explicitly specified and be positive")
	}

	if c.Strategy == nil {
		return fmt.Errorf("Critical config missing: 'strategy' configuration block must be provided")
	}
	if len(c.Strategy.Timeframes) == 0 {
		return fmt.Errorf("Critical config missing: 'strategy.timeframes' must list at least one timeframe")
	}
	if c.Strategy.ConfidenceThreshold <= 0 || c.Strategy.ConfidenceThreshold >= 1 {
		return fmt.Errorf("Config error: 'strategy.confidence_threshold' must be in (0, 1)")
	}
	if c.Strategy.MinTrainingSamples <= 0 {
		return fmt.Errorf("Critical config missing: 'strategy.min_training_samples' must be explicitly specified and be positive")
	}
	if c.Strategy.PredictionThreshold <= 0 {
		return fmt.Errorf("Critical config missing: 'strategy.prediction_threshold' must be explicitly specified and be positive")
	}
	if c.Strategy.RegimeWindow <= 0 {
		return fmt.Errorf("Critical config missing: 'strategy.regime_window' must be explicitly specified and be positive")
	}

	if c.Trading == nil {
		return fmt.Errorf("Critical config missing: 'trading' configuration block must be provided")
	}
	if c.Trading.UpdateIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'trading.update_interval_seconds' must be explicitly specified and be positive")
	}
	if c.Trading.MarketDataRefreshSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'trading.market_data_refresh_seconds' must be explicitly specified and be positive")
	}
	if c.Trading.ModelRetrainIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'trading.model_retrain_interval_seconds' must be explicitly specified and be positive")
	}
	if c.Trading.RiskUpdateIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'trading.risk_update_interval_seconds' must be explicitly specified and be positive")
	}
	if c.Trading.MaxOpenPositions <= 0 {
		return fmt.Errorf("Critical config missing: 'trading.max_open_positions' must be explicitly specified and be positive")
	}

	if c.System == nil {
		return fmt.Errorf("Critical config missing: 'system' configuration block must be provided")
	}
	if c.System.CPUThreads <= 0 {
		return fmt.Errorf("Critical config missing: 'system.cpu_threads' must be explicitly specified and be positive")
	}
	if c.System.LogDirectory == "" {
		return fmt.Errorf("Critical config missing: 'system.log_directory' must be explicitly specified (e.g., 'logs')")
	}
	if c.System.StateDirectory == "" {
		return fmt.Errorf("Critical config missing: 'system.state_directory' must be explicitly specified (e.g., 'state')")
	}

	if c.Logs == nil {
		return fmt.Errorf("Critical config missing: 'logs' configuration block must be provided")
	}
	if c.Logs.LogLevel == "" {
		return fmt.Errorf("Critical config missing: 'logs.log_level' must be explicitly specified (e.g., 'info', 'debug', 'warn', 'error')")
	}
	if c.Logs.MaxSizeMB <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_size_mb' must be explicitly specified and be positive")
	}
	if c.Logs.MaxBackups <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_backups' must be explicitly specified and be positive")
	}
	if c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_age_days' must be explicitly specified and be positive")
	}

	return nil
}

// EnvConfig holds credentials that never live in the YAML file.
type EnvConfig struct {
	ApiKey    string
	ApiSecret string
	BaseURL   string
}

func LoadEnvConfig() *EnvConfig {
	return &EnvConfig{
		ApiKey:    os.Getenv("BINANCE_API_KEY"),
		ApiSecret: os.Getenv("BINANCE_SECRET_KEY"),
		BaseURL:   os.Getenv("BINANCE_BASE_URL"),
	}
}
