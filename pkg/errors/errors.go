package apperrors

import "errors"

// Standardized exchange errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientPosition  = errors.New("insufficient position")
	ErrOrderRejected         = errors.New("order rejected")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrNotConnected          = errors.New("exchange not connected")
)

// Engine errors
var (
	ErrBelowMinNotional = errors.New("order below minimum notional")
	ErrFillTimeout      = errors.New("order not filled before timeout")
	ErrStaleMarketData  = errors.New("stale market data")
	ErrNoState          = errors.New("no persisted state")
	ErrSessionRunning   = errors.New("a trading session is already running")
	ErrNoSession        = errors.New("no trading session is running")
)
