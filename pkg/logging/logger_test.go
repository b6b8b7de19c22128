package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewZapLoggerLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "INFO", "warn", "ERROR", "bogus"} {
		logger, err := NewZapLogger(lvl)
		require.NoError(t, err, "level %q", lvl)
		logger.Info("startup", "level", lvl)
	}
}

func TestKvToFields(t *testing.T) {
	fields := kvToFields([]interface{}{"symbol", "BTC-USD", "qty", 0.5})
	require.Len(t, fields, 2)
	assert.Equal(t, zap.Any("symbol", "BTC-USD"), fields[0])
	assert.Equal(t, zap.Any("qty", 0.5), fields[1])

	// A dangling key is dropped instead of panicking.
	assert.Len(t, kvToFields([]interface{}{"orphan"}), 0)

	// Non-string keys are stringified.
	fields = kvToFields([]interface{}{42, "answer"})
	require.Len(t, fields, 1)
	assert.Equal(t, zap.Any("42", "answer"), fields[0])
}

func TestWithFieldReturnsChildLogger(t *testing.T) {
	logger, err := NewZapLogger("error")
	require.NoError(t, err)

	child := logger.WithField("session", "abc123")
	require.NotNil(t, child)
	child.Error("order rejected", "reason", "insufficient funds")

	multi := logger.WithFields(map[string]interface{}{"symbol": "BTC-USD", "mode": "sim"})
	require.NotNil(t, multi)
	multi.Error("breaker tripped")
}

func TestGlobalLoggerSwap(t *testing.T) {
	orig := GetGlobalLogger()
	defer SetGlobalLogger(orig)

	replacement, err := NewZapLogger("error")
	require.NoError(t, err)
	SetGlobalLogger(replacement)
	assert.Same(t, replacement, GetGlobalLogger())
}
