package strategy

import (
	"testing"
	"time"
	"volharvester/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candle(high, low, close float64) core.Candle {
	return core.Candle{
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Open:      decimal.NewFromFloat(close),
		High:      decimal.NewFromFloat(high),
		Low:       decimal.NewFromFloat(low),
		Close:     decimal.NewFromFloat(close),
		Volume:    decimal.NewFromInt(1),
	}
}

func TestCalculateATRPct(t *testing.T) {
	candles := []core.Candle{
		candle(101, 99, 100),  // supplies the previous close only
		candle(110, 90, 105),  // TR = max(20, 10, 10) = 20
		candle(108, 104, 106), // TR = max(4, 3, 1) = 4
	}

	atrPct, ok := CalculateATRPct(candles, 2)
	require.True(t, ok)
	// ATR = 12, last close = 106
	assert.Equal(t, "11.3208", atrPct.Round(4).String())
}

func TestCalculateATRPct_GapDominatesTrueRange(t *testing.T) {
	candles := []core.Candle{
		candle(101, 99, 100),
		// Gapped down: the range to the previous close exceeds high-low.
		candle(92, 90, 91), // TR = max(2, 8, 10) = 10
	}

	atrPct, ok := CalculateATRPct(candles, 1)
	require.True(t, ok)
	want := decimal.NewFromInt(10).Div(decimal.NewFromInt(91)).Mul(decimal.NewFromInt(100))
	assert.True(t, atrPct.Equal(want), "got %s want %s", atrPct, want)
}

func TestCalculateATRPct_InsufficientData(t *testing.T) {
	_, ok := CalculateATRPct(nil, 14)
	assert.False(t, ok)

	candles := []core.Candle{candle(101, 99, 100), candle(102, 98, 101)}
	_, ok = CalculateATRPct(candles, 14)
	assert.False(t, ok)

	// Exactly period+1 candles is enough.
	_, ok = CalculateATRPct(candles, 1)
	assert.True(t, ok)
}

func TestCalculateATRPct_UsesTrailingWindow(t *testing.T) {
	// Old volatile candles outside the window must not affect the result.
	candles := []core.Candle{
		candle(200, 50, 100),
		candle(101, 99, 100),
		candle(102, 98, 100), // TR = 4
		candle(103, 99, 101), // TR = 4
	}
	atrPct, ok := CalculateATRPct(candles, 2)
	require.True(t, ok)
	want := decimal.NewFromInt(4).Div(decimal.NewFromInt(101)).Mul(decimal.NewFromInt(100))
	assert.True(t, atrPct.Equal(want), "got %s want %s", atrPct, want)
}
