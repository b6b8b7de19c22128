package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "paper", cfg.App.Mode)
	assert.Equal(t, "BTC-USD", cfg.App.Symbol)
	assert.Equal(t, 5.0, cfg.Strategy.BuyThresholdPct)
	assert.Equal(t, 20.0, cfg.Risk.MaxDrawdownPct)
	assert.Equal(t, "sim", cfg.Exchange.Name)
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  symbol: ETH-USD
  starting_cash: 25000
strategy:
  buy_threshold_pct: 3
  sell_threshold_pct: 3
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ETH-USD", cfg.App.Symbol)
	assert.Equal(t, 25000.0, cfg.App.StartingCash)
	assert.Equal(t, 3.0, cfg.Strategy.BuyThresholdPct)
	// Omitted fields keep their defaults.
	assert.Equal(t, "paper", cfg.App.Mode)
	assert.Equal(t, 20.0, cfg.Risk.MaxDrawdownPct)
	assert.Equal(t, 8.0, cfg.Strategy.CashReservePct)
}

func TestLoadConfig_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_API_KEY", "key-from-env")
	t.Setenv("TEST_SECRET", "secret-from-env")

	path := writeConfig(t, `
exchange:
  name: binance
  api_key: ${TEST_API_KEY}
  secret_key: ${TEST_SECRET}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "key-from-env", cfg.Exchange.APIKey)
	assert.Equal(t, "secret-from-env", cfg.Exchange.SecretKey)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_InvalidMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Mode = "simulated"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.mode")
}

func TestValidate_SellThresholdFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy.BuyThresholdPct = 6
	cfg.Strategy.SellThresholdPct = 2.9 // under half of the buy threshold

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sell_threshold_pct")

	cfg.Strategy.SellThresholdPct = 3
	assert.NoError(t, cfg.Validate())
}

func TestValidate_AdaptiveBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy.MaxSwingPct = cfg.Strategy.MinSwingPct

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_swing_pct")

	// The same bounds pass once adaptation is off.
	cfg.Strategy.AdaptiveThresholds = false
	assert.NoError(t, cfg.Validate())
}

func TestValidate_LiveModeRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Mode = "live"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live mode requires a real exchange")

	cfg.Exchange.Name = "coinbase"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials")

	cfg.Exchange.APIKey = "k"
	cfg.Exchange.SecretKey = "s"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_BacktestRequiresDataPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Mode = "backtest"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_path")

	cfg.Backtest.DataPath = "candles.csv"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_VolatilityBandOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Risk.MinActivityATRPct = 10
	cfg.Risk.MaxActivityATRPct = 2

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_activity_atr_pct")
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = "abcdef123456"
	cfg.Exchange.SecretKey = "xyz"
	cfg.Alerts.TelegramToken = "123456:telegram-token"

	red := cfg.Redacted()
	assert.Equal(t, "ab********56", red.Exchange.APIKey)
	assert.Equal(t, "***", red.Exchange.SecretKey)
	assert.NotContains(t, red.Alerts.TelegramToken, "telegram-token")

	// The original is untouched.
	assert.Equal(t, "abcdef123456", cfg.Exchange.APIKey)
}

func TestString_MasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchange.APIKey = "supersecretkey"

	s := cfg.String()
	assert.NotContains(t, s, "supersecretkey")
	assert.Contains(t, s, "paper")
}
