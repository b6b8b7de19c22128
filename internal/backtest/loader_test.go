package backtest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCandleFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "candles.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCandlesCSV(t *testing.T) {
	path := writeCandleFile(t, `timestamp,open,high,low,close,volume
2026-01-01T00:00:00Z,100,101,99,100.5,12.5
2026-01-01T00:01:00Z,100.5,102,100,101,8
`)
	candles, err := LoadCandlesCSV(path)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), candles[0].Timestamp)
	assert.True(t, candles[0].Close.Equal(decimal.NewFromFloat(100.5)))
	assert.True(t, candles[1].High.Equal(decimal.NewFromInt(102)))
	assert.True(t, candles[0].Volume.Equal(decimal.NewFromFloat(12.5)))
}

func TestLoadCandlesCSV_EpochTimestamps(t *testing.T) {
	// Seconds on line one, milliseconds on line two.
	path := writeCandleFile(t, `1767225600,100,101,99,100,1
1767225660000,100,101,99,100,1
`)
	candles, err := LoadCandlesCSV(path)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, int64(1767225600), candles[0].Timestamp.Unix())
	assert.Equal(t, int64(1767225660), candles[1].Timestamp.Unix())
}

func TestLoadCandlesCSV_Errors(t *testing.T) {
	_, err := LoadCandlesCSV(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)

	// Header only.
	path := writeCandleFile(t, "timestamp,open,high,low,close,volume\n")
	_, err = LoadCandlesCSV(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candles")

	// Bad timestamp past the header line.
	path = writeCandleFile(t, `timestamp,open,high,low,close,volume
2026-01-01T00:00:00Z,100,101,99,100,1
not-a-time,100,101,99,100,1
`)
	_, err = LoadCandlesCSV(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")

	// Too few columns.
	path = writeCandleFile(t, "2026-01-01T00:00:00Z,100,101\n")
	_, err = LoadCandlesCSV(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "columns")

	// Bad price.
	path = writeCandleFile(t, "2026-01-01T00:00:00Z,100,abc,99,100,1\n")
	_, err = LoadCandlesCSV(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "column 3")
}
