// Package config provides configuration management for the trading engine.
// Configuration is loaded once at startup into an immutable value that is
// passed into every component at construction time.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	Trading    TradingConfig    `mapstructure:"trading"`
	Strategies StrategyConfig   `mapstructure:"strategies"`
	Alpaca     AlpacaConfig     `mapstructure:"alpaca"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	History    HistoryConfig    `mapstructure:"history"`
	Logging    LogConfig        `mapstructure:"logging"`
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	// Eta is the MWU learning rate shared by strategies that do not override
	// it.
	Eta float64 `mapstructure:"eta"`
	// SecondsPerTick is the interval between engine clock ticks while the
	// market is open.
	SecondsPerTick int `mapstructure:"seconds_per_tick"`
	// PreOpenHoursOffset is how many hours before the open the pre-open
	// event fires.
	PreOpenHoursOffset int `mapstructure:"pre_open_hours_offset"`
	// MinimumCashFraction of total equity is withheld from deployment.
	MinimumCashFraction float64 `mapstructure:"minimum_cash_fraction"`
	// MinimumPositionEquityFraction below which a target allocation is
	// zeroed out as too small to bother trading.
	MinimumPositionEquityFraction float64 `mapstructure:"minimum_position_equity_fraction"`
	// MinimumTradeEquityFraction of equity is the smallest rebalancing trade
	// worth submitting.
	MinimumTradeEquityFraction float64 `mapstructure:"minimum_trade_equity_fraction"`
	// MinimumMedianVolume filters illiquid symbols out of candidacy.
	MinimumMedianVolume int64 `mapstructure:"minimum_median_volume"`
	// MaxPositionCount caps the number of simultaneously held positions.
	MaxPositionCount int `mapstructure:"max_position_count"`
	// MaxHoldTime is the horizon, in pre-open cycles, of the position
	// scoring heuristic.
	MaxHoldTime uint32 `mapstructure:"max_hold_time"`
	// BaselineReturn is the per-cycle return target of the scoring
	// heuristic.
	BaselineReturn float64 `mapstructure:"baseline_return"`
	// HwmDrawdownLimit is the fraction of the account high-water mark at
	// which the engine liquidates everything. Zero disables the check.
	HwmDrawdownLimit float64 `mapstructure:"hwm_drawdown_limit"`
	// LossModel selects the portfolio balancing model: "empirical",
	// "normal", or "laplace".
	LossModel string `mapstructure:"loss_model"`
	// ForceOpen starts the trading session immediately if the market is
	// already open, instead of waiting for the next open.
	ForceOpen bool `mapstructure:"force_open"`
}

// StrategyConfig holds per-strategy configuration.
type StrategyConfig struct {
	Basket  BasketConfig  `mapstructure:"basket"`
	TopN    TopNConfig    `mapstructure:"top_n"`
	Rolling RollingConfig `mapstructure:"rolling"`
}

// BasketConfig configures the fixed-basket MWU strategy.
type BasketConfig struct {
	// Symbols is the full membership of the tracked index. Missing metadata
	// for any member is an initialization failure for the strategy.
	Symbols []string `mapstructure:"symbols"`
}

// TopNConfig configures the market-top-N MWU strategy.
type TopNConfig struct {
	N int `mapstructure:"n"`
}

// RollingConfig configures the rolling-window MWU strategy.
type RollingConfig struct {
	N        int     `mapstructure:"n"`
	Eta      float64 `mapstructure:"eta"`
	Lookback int     `mapstructure:"lookback"`
}

// AlpacaConfig holds brokerage API endpoints and credentials. The key pair is
// sourced from environment variables, never from the config file.
type AlpacaConfig struct {
	KeyID     string `mapstructure:"-"`
	SecretKey string `mapstructure:"-"`
	BaseURL   string `mapstructure:"base_url"`
	DataURL   string `mapstructure:"data_url"`
	StreamURL string `mapstructure:"stream_url"`
}

// RateLimitConfig bounds outbound brokerage API calls.
type RateLimitConfig struct {
	// RequestsPerMinute is the hard rolling-window budget.
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	// MinimumRequestRate is the per-minute rate reserved for proactive
	// throttling once the soft threshold is passed.
	MinimumRequestRate int `mapstructure:"minimum_request_rate"`
}

// HistoryConfig holds local history store configuration.
type HistoryConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// EtaDecimal returns the MWU learning rate as a decimal.
func (c *TradingConfig) EtaDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.Eta)
}

// MinimumCashFractionDecimal returns the withheld cash fraction as a decimal.
func (c *TradingConfig) MinimumCashFractionDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MinimumCashFraction)
}

// MinimumPositionEquityFractionDecimal returns the minimum position fraction
// as a decimal.
func (c *TradingConfig) MinimumPositionEquityFractionDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MinimumPositionEquityFraction)
}

// MinimumTradeEquityFractionDecimal returns the minimum trade fraction as a
// decimal.
func (c *TradingConfig) MinimumTradeEquityFractionDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.MinimumTradeEquityFraction)
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/alpaca-trader"
	}
	return filepath.Join(home, ".config", "alpaca-trader")
}

// Load loads configuration from the specified directory. If configDir is
// empty, the default config directory is used. A missing config file is not
// an error; defaults apply.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Alpaca.KeyID = os.Getenv("ALPACA_KEY_ID")
	cfg.Alpaca.SecretKey = os.Getenv("ALPACA_SECRET_KEY")
	if os.Getenv("FORCE_OPEN") == "true" {
		cfg.Trading.ForceOpen = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.eta", 0.5)
	v.SetDefault("trading.seconds_per_tick", 60)
	v.SetDefault("trading.pre_open_hours_offset", 2)
	v.SetDefault("trading.minimum_cash_fraction", 0.05)
	v.SetDefault("trading.minimum_position_equity_fraction", 0.005)
	v.SetDefault("trading.minimum_trade_equity_fraction", 0.001)
	v.SetDefault("trading.minimum_median_volume", 500000)
	v.SetDefault("trading.max_position_count", 5)
	v.SetDefault("trading.max_hold_time", 10)
	v.SetDefault("trading.baseline_return", 0.001)
	v.SetDefault("trading.hwm_drawdown_limit", 0.0)
	v.SetDefault("trading.loss_model", "normal")

	v.SetDefault("strategies.top_n.n", 5)
	v.SetDefault("strategies.rolling.n", 5)
	v.SetDefault("strategies.rolling.eta", 0.5)
	v.SetDefault("strategies.rolling.lookback", 300)

	v.SetDefault("alpaca.base_url", "https://paper-api.alpaca.markets")
	v.SetDefault("alpaca.data_url", "https://data.alpaca.markets")
	v.SetDefault("alpaca.stream_url", "wss://stream.data.alpaca.markets/v2/iex")

	v.SetDefault("rate_limit.requests_per_minute", 200)
	v.SetDefault("rate_limit.minimum_request_rate", 30)

	v.SetDefault("history.database_path", "history.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(DefaultConfigDir(), "logs", "trader.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.MinimumRequestRate <= 0 {
		return fmt.Errorf("rate limit and minimum request rate must be positive")
	}
	if c.RateLimit.MinimumRequestRate > c.RateLimit.RequestsPerMinute {
		return fmt.Errorf("minimum request rate must not exceed the rate limit")
	}
	if c.Trading.SecondsPerTick <= 0 {
		return fmt.Errorf("seconds_per_tick must be positive")
	}
	if c.Trading.MaxPositionCount <= 0 {
		return fmt.Errorf("max_position_count must be positive")
	}
	switch c.Trading.LossModel {
	case "empirical", "normal", "laplace":
	default:
		return fmt.Errorf("unknown loss model %q", c.Trading.LossModel)
	}
	return nil
}
