// Package retry runs short operations again on transient failures. The REST
// client has its own failsafe pipeline; this helper covers the non-HTTP call
// sites such as exchange SDK wrappers.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	apperrors "volharvester/pkg/errors"
)

// RetryPolicy bounds the attempt count and backoff window.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy suits exchange API calls on the trading loop.
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc decides whether an error is worth another attempt.
type IsTransientFunc func(error) bool

// IsExchangeTransient matches the exchange errors that tend to clear on their
// own. Business rejections (bad params, insufficient funds) never match.
func IsExchangeTransient(err error) bool {
	return errors.Is(err, apperrors.ErrNetwork) ||
		errors.Is(err, apperrors.ErrRateLimitExceeded) ||
		errors.Is(err, apperrors.ErrExchangeMaintenance)
}

// Do runs fn up to policy.MaxAttempts times, sleeping a jittered exponential
// backoff between attempts. The first non-transient error is returned as is.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	backoff := policy.InitialBackoff

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt >= policy.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(backoff)):
		}

		if backoff *= 2; backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
}

// withJitter adds up to 50% of d so concurrent retries spread out.
func withJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d/2)))
}
