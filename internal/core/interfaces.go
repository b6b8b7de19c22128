// Package core defines the shared types and interfaces of the trading engine.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange is the venue abstraction shared by the simulated and live
// adapters. All blocking operations take a context.
type IExchange interface {
	// Identity and lifecycle
	GetName() string
	Connect(ctx context.Context) error
	Disconnect() error
	CheckHealth(ctx context.Context) error

	// Market data
	GetTicker(ctx context.Context, symbol string) (*MarketSnapshot, error)
	GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	// LastHeartbeat is the arrival time of the newest market data. The risk
	// layer treats a zero time as "never seen".
	LastHeartbeat() time.Time

	// Account
	GetBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)

	// Orders
	PlaceOrder(ctx context.Context, req *OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderStatus, error)
	GetOrderFills(ctx context.Context, symbol, orderID string) ([]OrderFill, error)

	// Venue constants
	GetMakerFeePct() decimal.Decimal
	GetTakerFeePct() decimal.Decimal
	GetMinNotional(symbol string) decimal.Decimal
	GetLotSize(symbol string) decimal.Decimal
	GetPricePrecision(symbol string) int32
}

// IStateStore persists the session state snapshot across restarts.
type IStateStore interface {
	SaveState(ctx context.Context, state *StrategyState) error
	LoadState(ctx context.Context) (*StrategyState, error)
	Close() error
}

// RunSummary is written when a session or backtest run finishes.
type RunSummary struct {
	EndedAt     time.Time
	FinalEquity decimal.Decimal
	RealizedPnL decimal.Decimal
	TotalTrades int
	Notes       string
}

// ClosedPosition is one completed FLAT -> LONG -> FLAT round trip.
type ClosedPosition struct {
	Symbol     string
	Quantity   decimal.Decimal
	EntryTime  time.Time
	EntryPrice decimal.Decimal
	ExitTime   time.Time
	ExitPrice  decimal.Decimal
	Fees       decimal.Decimal
	PnL        decimal.Decimal
}

// ITradeRecorder receives the audit trail of a session: every order attempt,
// every fill, and every closed round trip.
type ITradeRecorder interface {
	OpenRun(ctx context.Context, mode TradingMode, symbol string, startingCash decimal.Decimal) (int64, error)
	CloseRun(ctx context.Context, runID int64, summary RunSummary) error
	RecordOrder(ctx context.Context, runID int64, req *OrderRequest, orderID string, status OrderStatus) error
	RecordTrade(ctx context.Context, runID int64, fill *OrderFill, pnl decimal.Decimal) error
	RecordPosition(ctx context.Context, runID int64, pos *ClosedPosition) error
}

// IHealthMonitor aggregates component liveness checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
