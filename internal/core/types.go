package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes the three order flavors the engine places.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypePostOnly OrderType = "POST_ONLY"
)

// OrderStatus is the lifecycle state of an order on the exchange.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// TradingMode selects the driver the process runs under.
type TradingMode string

const (
	ModeBacktest TradingMode = "backtest"
	ModePaper    TradingMode = "paper"
	ModeLive     TradingMode = "live"
)

// PositionState is the strategy's two-state machine.
type PositionState string

const (
	PositionFlat PositionState = "FLAT"
	PositionLong PositionState = "LONG"
)

// SignalType is the strategy's decision for one evaluation.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
	SignalHold SignalType = "HOLD"
)

// BreakerReason identifies which circuit breaker tripped.
type BreakerReason string

const (
	BreakerMaxDrawdown       BreakerReason = "max_drawdown"
	BreakerConsecutiveLosses BreakerReason = "consecutive_losses"
	BreakerDailyLossLimit    BreakerReason = "daily_loss_limit"
	BreakerLowVolatility     BreakerReason = "low_volatility"
	BreakerHighVolatility    BreakerReason = "high_volatility"
	BreakerSpreadTooWide     BreakerReason = "spread_too_wide"
	BreakerStaleData         BreakerReason = "stale_data"
	BreakerManual            BreakerReason = "manual"
)

// MarketSnapshot is a point-in-time view of the top of book.
type MarketSnapshot struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	Timestamp time.Time
}

// NewMarketSnapshot validates the quote before handing it to callers.
// A crossed book (bid > ask) or non-positive side is rejected.
func NewMarketSnapshot(symbol string, bid, ask, last decimal.Decimal, ts time.Time) (*MarketSnapshot, error) {
	if bid.LessThanOrEqual(decimal.Zero) || ask.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("snapshot %s: non-positive quote bid=%s ask=%s", symbol, bid, ask)
	}
	if bid.GreaterThan(ask) {
		return nil, fmt.Errorf("snapshot %s: crossed book bid=%s ask=%s", symbol, bid, ask)
	}
	return &MarketSnapshot{Symbol: symbol, Bid: bid, Ask: ask, Last: last, Timestamp: ts}, nil
}

// Mid returns the quote midpoint.
func (m *MarketSnapshot) Mid() decimal.Decimal {
	return m.Bid.Add(m.Ask).Div(two)
}

// Spread returns the absolute bid/ask spread.
func (m *MarketSnapshot) Spread() decimal.Decimal {
	return m.Ask.Sub(m.Bid)
}

// SpreadBps returns the spread in basis points of the midpoint.
func (m *MarketSnapshot) SpreadBps() decimal.Decimal {
	mid := m.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return m.Spread().Div(mid).Mul(tenThousand)
}

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Signal is the strategy's output for one evaluation. Metadata carries the
// readings behind the decision (drop/rise percentages, active thresholds) for
// audit rows and the control API.
type Signal struct {
	Type      SignalType
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Reason    string
	Timestamp time.Time
	Metadata  map[string]string
}

// OrderRequest describes an order to be placed on an exchange.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // zero for market orders
	ClientOrderID string
}

// OrderFill is one execution of an order.
type OrderFill struct {
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Fee       decimal.Decimal
	Timestamp time.Time
}

// Notional returns quantity x price.
func (f *OrderFill) Notional() decimal.Decimal {
	return f.Quantity.Mul(f.Price)
}

// StrategyState is the full mutable state of one trading session. It is the
// unit of persistence: the store snapshots it as JSON after every iteration.
//
// Invariants: FLAT implies PositionQty == 0; LONG implies PositionQty > 0 and
// LastBuyPrice set; DrawdownPct in [0, 100]; PeakEquity never decreases within
// a session. Zero-valued prices mean "not tracked yet".
type StrategyState struct {
	Position    PositionState   `json:"position"`
	PositionQty decimal.Decimal `json:"position_qty"`

	LastBuyPrice    decimal.Decimal `json:"last_buy_price"`
	LastSellPrice   decimal.Decimal `json:"last_sell_price"`
	LastPeakPrice   decimal.Decimal `json:"last_peak_price"`
	LastTroughPrice decimal.Decimal `json:"last_trough_price"`

	BuyThresholdPct  decimal.Decimal `json:"buy_threshold_pct"`
	SellThresholdPct decimal.Decimal `json:"sell_threshold_pct"`
	ATRPct           decimal.Decimal `json:"atr_pct"` // zero until enough candles

	CashBalance   decimal.Decimal `json:"cash_balance"`
	Equity        decimal.Decimal `json:"equity"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`

	PeakEquity  decimal.Decimal `json:"peak_equity"`
	DrawdownPct decimal.Decimal `json:"drawdown_pct"`

	DailyRealizedPnL decimal.Decimal `json:"daily_realized_pnl"`
	DailyAnchorDate  string          `json:"daily_anchor_date"` // UTC date "2006-01-02"

	ConsecutiveLosses int  `json:"consecutive_losses"`
	ConsecutiveWins   int  `json:"consecutive_wins"`
	WinningTrades     int  `json:"winning_trades"`
	TotalTrades       int  `json:"total_trades"`
	Paused            bool `json:"paused"`

	PauseReason BreakerReason `json:"pause_reason,omitempty"`

	LastUpdate time.Time `json:"last_update"`
}

// NewStrategyState returns a fresh FLAT state with the given starting cash
// and threshold pair.
func NewStrategyState(cash, buyThresholdPct, sellThresholdPct decimal.Decimal, now time.Time) *StrategyState {
	return &StrategyState{
		Position:         PositionFlat,
		PositionQty:      decimal.Zero,
		BuyThresholdPct:  buyThresholdPct,
		SellThresholdPct: sellThresholdPct,
		CashBalance:      cash,
		Equity:           cash,
		PeakEquity:       cash,
		DailyAnchorDate:  now.UTC().Format(time.DateOnly),
	}
}

var (
	two         = decimal.NewFromInt(2)
	tenThousand = decimal.NewFromInt(10000)
)
