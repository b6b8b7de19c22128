package exchange

import (
	"testing"
	"volharvester/internal/config"
	"volharvester/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSymbol(t *testing.T) {
	cases := []struct {
		symbol string
		base   string
		quote  string
	}{
		{"BTC-USD", "BTC", "USD"},
		{"ETH-USDC", "ETH", "USDC"},
		{"BTCUSDT", "BTC", "USDT"},
		{"ETHFDUSD", "ETH", "FDUSD"},
		{"SOLUSD", "SOL", "USD"},
		{"ETHBTC", "ETH", "BTC"},
		{"XYZ", "XYZ", ""},
	}
	for _, tc := range cases {
		base, quote := SplitSymbol(tc.symbol)
		assert.Equal(t, tc.base, base, tc.symbol)
		assert.Equal(t, tc.quote, quote, tc.symbol)
	}
}

func TestNew_Sim(t *testing.T) {
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	ex, err := New(cfg, logger)
	require.NoError(t, err)
	assert.Equal(t, "sim", ex.GetName())
}

func TestNew_UnknownExchange(t *testing.T) {
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Exchange.Name = "kraken"
	_, err = New(cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kraken")
}
