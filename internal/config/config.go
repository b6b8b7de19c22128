// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"volharvester/internal/core"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Execution ExecutionConfig `yaml:"execution"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Backtest  BacktestConfig  `yaml:"backtest"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Mode                string  `yaml:"mode"` // backtest, paper, live
	Symbol              string  `yaml:"symbol"`
	StartingCash        float64 `yaml:"starting_cash"`
	LogLevel            string  `yaml:"log_level"`
	StateDBPath         string  `yaml:"state_db_path"`
	LoopIntervalSeconds float64 `yaml:"loop_interval_seconds"`
}

// StrategyConfig contains the swing thresholds and their adaptation bounds
type StrategyConfig struct {
	BuyThresholdPct    float64 `yaml:"buy_threshold_pct"`
	SellThresholdPct   float64 `yaml:"sell_threshold_pct"`
	AdaptiveThresholds bool    `yaml:"adaptive_thresholds"`
	MinSwingPct        float64 `yaml:"min_swing_pct"`
	MaxSwingPct        float64 `yaml:"max_swing_pct"`
	ATRPeriod          int     `yaml:"atr_period"`
	ATRLowRefPct       float64 `yaml:"atr_low_ref_pct"`
	ATRHighRefPct      float64 `yaml:"atr_high_ref_pct"`
	CashReservePct     float64 `yaml:"cash_reserve_pct"`
	TrendFilterEnabled bool    `yaml:"trend_filter_enabled"`
	MAFastPeriod       int     `yaml:"ma_fast_period"`
	MASlowPeriod       int     `yaml:"ma_slow_period"`
}

// RiskConfig contains the circuit breaker limits
type RiskConfig struct {
	MaxDrawdownPct          float64 `yaml:"max_drawdown_pct"`
	MaxConsecutiveLosses    int     `yaml:"max_consecutive_losses"`
	DailyLossLimitPct       float64 `yaml:"daily_loss_limit_pct"`
	MinActivityATRPct       float64 `yaml:"min_activity_atr_pct"`
	MaxActivityATRPct       float64 `yaml:"max_activity_atr_pct"`
	MaxSpreadBps            float64 `yaml:"max_spread_bps"`
	MaxDataStalenessSeconds float64 `yaml:"max_data_staleness_seconds"`
}

// ExecutionConfig contains order placement parameters
type ExecutionConfig struct {
	MakerTimeoutSeconds float64 `yaml:"maker_timeout_seconds"`
	TakerTimeoutSeconds float64 `yaml:"taker_timeout_seconds"`
	FillPollIntervalMs  int     `yaml:"fill_poll_interval_ms"`
	TakerSlippageBps    float64 `yaml:"taker_slippage_bps"`
	OrderRateLimit      float64 `yaml:"order_rate_limit"` // requests per second
	OrderRateBurst      int     `yaml:"order_rate_burst"`
}

// ExchangeConfig contains exchange-specific configuration
type ExchangeConfig struct {
	Name        string  `yaml:"name"` // sim, binance, coinbase
	APIKey      string  `yaml:"api_key"`
	SecretKey   string  `yaml:"secret_key"`
	Passphrase  string  `yaml:"passphrase"`
	BaseURL     string  `yaml:"base_url"`
	Testnet     bool    `yaml:"testnet"`
	MakerFeePct float64 `yaml:"maker_fee_pct"`
	TakerFeePct float64 `yaml:"taker_fee_pct"`
	SimSeed     int64   `yaml:"sim_seed"`
}

// BacktestConfig contains replay settings
type BacktestConfig struct {
	DataPath      string  `yaml:"data_path"`
	MakerFillRate float64 `yaml:"maker_fill_rate"`
	Seed          int64   `yaml:"seed"`
	SpreadBps     float64 `yaml:"spread_bps"`
	ATRWarmup     int     `yaml:"atr_warmup"`
}

// ServerConfig contains control API settings
type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig contains alerting channel settings
type AlertsConfig struct {
	Enabled          bool   `yaml:"enabled"`
	TelegramToken    string `yaml:"telegram_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	MinLevel         string `yaml:"min_level"`
	ThrottleSeconds  int    `yaml:"throttle_seconds"`
	IncludeHeartbeat bool   `yaml:"include_heartbeat"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with all defaults applied. Loading a
// file overlays onto this, so omitted fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Mode:                "paper",
			Symbol:              "BTC-USD",
			StartingCash:        10000,
			LogLevel:            "INFO",
			StateDBPath:         "volharvester.db",
			LoopIntervalSeconds: 1,
		},
		Strategy: StrategyConfig{
			BuyThresholdPct:    5.0,
			SellThresholdPct:   5.0,
			AdaptiveThresholds: true,
			MinSwingPct:        2.0,
			MaxSwingPct:        8.0,
			ATRPeriod:          14,
			ATRLowRefPct:       2.0,
			ATRHighRefPct:      6.0,
			CashReservePct:     8.0,
			TrendFilterEnabled: false,
			MAFastPeriod:       50,
			MASlowPeriod:       200,
		},
		Risk: RiskConfig{
			MaxDrawdownPct:          20.0,
			MaxConsecutiveLosses:    5,
			DailyLossLimitPct:       10.0,
			MinActivityATRPct:       2.0,
			MaxActivityATRPct:       10.0,
			MaxSpreadBps:            10.0,
			MaxDataStalenessSeconds: 5.0,
		},
		Execution: ExecutionConfig{
			MakerTimeoutSeconds: 30,
			TakerTimeoutSeconds: 10,
			FillPollIntervalMs:  500,
			TakerSlippageBps:    10,
			OrderRateLimit:      10,
			OrderRateBurst:      20,
		},
		Exchange: ExchangeConfig{
			Name:        "sim",
			MakerFeePct: 0.1,
			TakerFeePct: 0.3,
		},
		Backtest: BacktestConfig{
			MakerFillRate: 0.7,
			Seed:          42,
			SpreadBps:     5,
			ATRWarmup:     30,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
		Alerts: AlertsConfig{
			MinLevel:        "WARNING",
			ThrottleSeconds: 60,
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateApp(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStrategy(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExecution(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchange(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateBacktest(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateApp() error {
	switch core.TradingMode(c.App.Mode) {
	case core.ModeBacktest, core.ModePaper, core.ModeLive:
	default:
		return ValidationError{Field: "app.mode", Value: c.App.Mode, Message: "must be one of backtest, paper, live"}
	}
	if c.App.Symbol == "" {
		return ValidationError{Field: "app.symbol", Value: c.App.Symbol, Message: "symbol is required"}
	}
	if c.App.StartingCash <= 0 {
		return ValidationError{Field: "app.starting_cash", Value: c.App.StartingCash, Message: "must be positive"}
	}
	switch strings.ToUpper(c.App.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		return ValidationError{Field: "app.log_level", Value: c.App.LogLevel, Message: "must be one of DEBUG, INFO, WARN, ERROR, FATAL"}
	}
	if c.App.LoopIntervalSeconds <= 0 {
		return ValidationError{Field: "app.loop_interval_seconds", Value: c.App.LoopIntervalSeconds, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateStrategy() error {
	s := c.Strategy
	if s.BuyThresholdPct <= 0 || s.BuyThresholdPct >= 100 {
		return ValidationError{Field: "strategy.buy_threshold_pct", Value: s.BuyThresholdPct, Message: "must be in (0, 100)"}
	}
	if s.SellThresholdPct <= 0 || s.SellThresholdPct >= 100 {
		return ValidationError{Field: "strategy.sell_threshold_pct", Value: s.SellThresholdPct, Message: "must be in (0, 100)"}
	}
	// A sell target far below the buy threshold gives up most of the swing
	// to fees; half the buy threshold is the floor.
	if s.SellThresholdPct < s.BuyThresholdPct*0.5 {
		return ValidationError{Field: "strategy.sell_threshold_pct", Value: s.SellThresholdPct,
			Message: "must be at least 50% of buy_threshold_pct"}
	}
	if s.AdaptiveThresholds {
		if s.MinSwingPct <= 0 {
			return ValidationError{Field: "strategy.min_swing_pct", Value: s.MinSwingPct, Message: "must be positive"}
		}
		if s.MaxSwingPct <= s.MinSwingPct {
			return ValidationError{Field: "strategy.max_swing_pct", Value: s.MaxSwingPct, Message: "must exceed min_swing_pct"}
		}
		if s.ATRHighRefPct <= s.ATRLowRefPct {
			return ValidationError{Field: "strategy.atr_high_ref_pct", Value: s.ATRHighRefPct, Message: "must exceed atr_low_ref_pct"}
		}
		if s.ATRPeriod < 2 {
			return ValidationError{Field: "strategy.atr_period", Value: s.ATRPeriod, Message: "must be at least 2"}
		}
	}
	if s.CashReservePct < 0 || s.CashReservePct >= 100 {
		return ValidationError{Field: "strategy.cash_reserve_pct", Value: s.CashReservePct, Message: "must be in [0, 100)"}
	}
	if s.TrendFilterEnabled && s.MASlowPeriod <= s.MAFastPeriod {
		return ValidationError{Field: "strategy.ma_slow_period", Value: s.MASlowPeriod, Message: "must exceed ma_fast_period"}
	}
	return nil
}

func (c *Config) validateRisk() error {
	r := c.Risk
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct > 100 {
		return ValidationError{Field: "risk.max_drawdown_pct", Value: r.MaxDrawdownPct, Message: "must be in (0, 100]"}
	}
	if r.MaxConsecutiveLosses < 1 {
		return ValidationError{Field: "risk.max_consecutive_losses", Value: r.MaxConsecutiveLosses, Message: "must be at least 1"}
	}
	if r.DailyLossLimitPct <= 0 || r.DailyLossLimitPct > 100 {
		return ValidationError{Field: "risk.daily_loss_limit_pct", Value: r.DailyLossLimitPct, Message: "must be in (0, 100]"}
	}
	if r.MaxActivityATRPct <= r.MinActivityATRPct {
		return ValidationError{Field: "risk.max_activity_atr_pct", Value: r.MaxActivityATRPct, Message: "must exceed min_activity_atr_pct"}
	}
	if r.MaxSpreadBps <= 0 {
		return ValidationError{Field: "risk.max_spread_bps", Value: r.MaxSpreadBps, Message: "must be positive"}
	}
	if r.MaxDataStalenessSeconds <= 0 {
		return ValidationError{Field: "risk.max_data_staleness_seconds", Value: r.MaxDataStalenessSeconds, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateExecution() error {
	e := c.Execution
	if e.MakerTimeoutSeconds <= 0 {
		return ValidationError{Field: "execution.maker_timeout_seconds", Value: e.MakerTimeoutSeconds, Message: "must be positive"}
	}
	if e.TakerTimeoutSeconds <= 0 {
		return ValidationError{Field: "execution.taker_timeout_seconds", Value: e.TakerTimeoutSeconds, Message: "must be positive"}
	}
	if e.FillPollIntervalMs <= 0 {
		return ValidationError{Field: "execution.fill_poll_interval_ms", Value: e.FillPollIntervalMs, Message: "must be positive"}
	}
	if e.TakerSlippageBps < 0 {
		return ValidationError{Field: "execution.taker_slippage_bps", Value: e.TakerSlippageBps, Message: "must be non-negative"}
	}
	if e.OrderRateLimit <= 0 {
		return ValidationError{Field: "execution.order_rate_limit", Value: e.OrderRateLimit, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateExchange() error {
	x := c.Exchange
	switch x.Name {
	case "sim", "binance", "coinbase":
	default:
		return ValidationError{Field: "exchange.name", Value: x.Name, Message: "must be one of sim, binance, coinbase"}
	}
	if core.TradingMode(c.App.Mode) == core.ModeLive {
		if x.Name == "sim" {
			return ValidationError{Field: "exchange.name", Value: x.Name, Message: "live mode requires a real exchange"}
		}
		if x.APIKey == "" || x.SecretKey == "" {
			return ValidationError{Field: "exchange.api_key", Value: maskString(x.APIKey), Message: "live mode requires API credentials"}
		}
	}
	if x.MakerFeePct < 0 || x.TakerFeePct < 0 {
		return ValidationError{Field: "exchange.maker_fee_pct", Value: x.MakerFeePct, Message: "fees must be non-negative"}
	}
	return nil
}

func (c *Config) validateBacktest() error {
	b := c.Backtest
	if b.MakerFillRate < 0 || b.MakerFillRate > 1 {
		return ValidationError{Field: "backtest.maker_fill_rate", Value: b.MakerFillRate, Message: "must be in [0, 1]"}
	}
	if core.TradingMode(c.App.Mode) == core.ModeBacktest && b.DataPath == "" {
		return ValidationError{Field: "backtest.data_path", Value: b.DataPath, Message: "backtest mode requires a data path"}
	}
	return nil
}

// expandEnvVars replaces ${VAR} and $VAR with environment variable values
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

// maskString masks all but the first and last two characters of a secret
func maskString(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// Redacted returns a copy with all secret fields masked, suitable for
// exposure on the control API or in logs.
func (c *Config) Redacted() Config {
	out := *c
	out.Exchange.APIKey = maskString(c.Exchange.APIKey)
	out.Exchange.SecretKey = maskString(c.Exchange.SecretKey)
	out.Exchange.Passphrase = maskString(c.Exchange.Passphrase)
	out.Alerts.TelegramToken = maskString(c.Alerts.TelegramToken)
	out.Alerts.SlackWebhookURL = maskString(c.Alerts.SlackWebhookURL)
	return out
}

// String returns a printable form with secrets masked
func (c *Config) String() string {
	return fmt.Sprintf("Config{mode=%s symbol=%s exchange=%s api_key=%s}",
		c.App.Mode, c.App.Symbol, c.Exchange.Name, maskString(c.Exchange.APIKey))
}
