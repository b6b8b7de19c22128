package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	apperrors "volharvester/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy, IsExchangeTransient, func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("ticker: %w", apperrors.ErrNetwork)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("insufficient funds")
	attempts := 0
	err := Do(context.Background(), fastPolicy, IsExchangeTransient, func() error {
		attempts++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy, IsExchangeTransient, func() error {
		attempts++
		return apperrors.ErrRateLimitExceeded
	})
	require.ErrorIs(t, err, apperrors.ErrRateLimitExceeded)
	assert.Equal(t, fastPolicy.MaxAttempts, attempts)
}

func TestDo_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, DefaultPolicy, IsExchangeTransient, func() error {
		return apperrors.ErrNetwork
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestIsExchangeTransient(t *testing.T) {
	assert.True(t, IsExchangeTransient(apperrors.ErrNetwork))
	assert.True(t, IsExchangeTransient(apperrors.ErrRateLimitExceeded))
	assert.True(t, IsExchangeTransient(apperrors.ErrExchangeMaintenance))
	assert.False(t, IsExchangeTransient(apperrors.ErrInsufficientFunds))
	assert.False(t, IsExchangeTransient(errors.New("parse error")))
}
