// Package strategy implements the buy-the-dip / sell-the-rebound signal
// engine: a two-state machine over peak and trough extremes with
// volatility-adaptive swing thresholds.
package strategy

import (
	"fmt"
	"volharvester/internal/core"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Config holds the strategy parameters in decimal form.
type Config struct {
	BuyThresholdPct  decimal.Decimal
	SellThresholdPct decimal.Decimal

	AdaptiveThresholds bool
	MinSwingPct        decimal.Decimal
	MaxSwingPct        decimal.Decimal
	ATRPeriod          int
	ATRLowRefPct       decimal.Decimal
	ATRHighRefPct      decimal.Decimal

	CashReservePct decimal.Decimal

	TrendFilterEnabled bool
	MAFastPeriod       int
	MASlowPeriod       int
}

// Harvester generates signals. It holds no mutable state of its own; all
// session state lives in core.StrategyState so it can be persisted and
// restored between iterations.
type Harvester struct {
	cfg    Config
	logger core.ILogger
}

// New creates a Harvester with the given parameters.
func New(cfg Config, logger core.ILogger) *Harvester {
	return &Harvester{
		cfg:    cfg,
		logger: logger.WithField("component", "strategy"),
	}
}

// GenerateSignal evaluates one market snapshot against the session state and
// returns BUY, SELL, or HOLD. Candles feed the ATR and trend calculations and
// may be nil when no history is available yet.
//
// The pause check runs first and leaves the state untouched, so a paused
// session resumes exactly where it left off.
func (h *Harvester) GenerateSignal(state *core.StrategyState, snap *core.MarketSnapshot, candles []core.Candle) core.Signal {
	if state.Paused {
		return core.Signal{Type: core.SignalHold, Timestamp: snap.Timestamp,
			Reason: fmt.Sprintf("paused: %s", state.PauseReason)}
	}

	state.LastUpdate = snap.Timestamp

	// Refresh the volatility estimate and adapt thresholds before the state
	// machine so this iteration trades on current conditions.
	if h.cfg.AdaptiveThresholds {
		if atrPct, ok := CalculateATRPct(candles, h.cfg.ATRPeriod); ok {
			state.ATRPct = atrPct
			h.adaptThresholds(state, atrPct)
		}
	}

	price := snap.Mid()

	var sig core.Signal
	switch state.Position {
	case core.PositionFlat:
		sig = h.evaluateFlat(state, price, candles)
	case core.PositionLong:
		sig = h.evaluateLong(state, price)
	default:
		sig = core.Signal{Type: core.SignalHold, Reason: fmt.Sprintf("unknown position state %q", state.Position)}
	}
	sig.Timestamp = snap.Timestamp
	return sig
}

func (h *Harvester) evaluateFlat(state *core.StrategyState, price decimal.Decimal, candles []core.Candle) core.Signal {
	// Track the running peak; the dip is measured from here.
	if state.LastPeakPrice.IsZero() || price.GreaterThan(state.LastPeakPrice) {
		state.LastPeakPrice = price
	}

	dropPct := state.LastPeakPrice.Sub(price).Div(state.LastPeakPrice).Mul(hundred)
	if dropPct.LessThan(state.BuyThresholdPct) {
		return core.Signal{Type: core.SignalHold,
			Reason: fmt.Sprintf("drop %s%% below threshold %s%%", dropPct.Round(2), state.BuyThresholdPct)}
	}

	// The trend filter only vetoes entries. Exits must always be allowed so a
	// position is never trapped by a regime change.
	if h.cfg.TrendFilterEnabled && !h.isUptrend(candles) {
		return core.Signal{Type: core.SignalHold, Reason: "downtrend, entry suppressed"}
	}

	qty := h.CalculatePositionSize(state.CashBalance, price)
	if qty.LessThanOrEqual(decimal.Zero) {
		return core.Signal{Type: core.SignalHold, Reason: "insufficient deployable cash"}
	}

	return core.Signal{
		Type:     core.SignalBuy,
		Price:    price,
		Quantity: qty,
		Reason:   fmt.Sprintf("drop %s%% from peak %s", dropPct.Round(2), state.LastPeakPrice),
		Metadata: map[string]string{
			"drop_pct":      dropPct.Round(4).String(),
			"peak_price":    state.LastPeakPrice.String(),
			"threshold_pct": state.BuyThresholdPct.String(),
			"atr_pct":       state.ATRPct.String(),
		},
	}
}

func (h *Harvester) evaluateLong(state *core.StrategyState, price decimal.Decimal) core.Signal {
	if state.LastBuyPrice.IsZero() {
		// Cannot measure the rebound without an entry price. Should only
		// happen after corrupted state; hold rather than guess.
		return core.Signal{Type: core.SignalHold, Reason: "missing buy price for open position"}
	}

	if state.LastTroughPrice.IsZero() || price.LessThan(state.LastTroughPrice) {
		state.LastTroughPrice = price
	}

	risePct := price.Sub(state.LastBuyPrice).Div(state.LastBuyPrice).Mul(hundred)
	if risePct.LessThan(state.SellThresholdPct) {
		return core.Signal{Type: core.SignalHold,
			Reason: fmt.Sprintf("rise %s%% below threshold %s%%", risePct.Round(2), state.SellThresholdPct)}
	}

	return core.Signal{
		Type:     core.SignalSell,
		Price:    price,
		Quantity: state.PositionQty,
		Reason:   fmt.Sprintf("rise %s%% from entry %s", risePct.Round(2), state.LastBuyPrice),
		Metadata: map[string]string{
			"rise_pct":      risePct.Round(4).String(),
			"entry_price":   state.LastBuyPrice.String(),
			"trough_price":  state.LastTroughPrice.String(),
			"threshold_pct": state.SellThresholdPct.String(),
			"atr_pct":       state.ATRPct.String(),
		},
	}
}

// adaptThresholds maps the ATR percentage onto the [MinSwing, MaxSwing] band
// with clamped linear interpolation and applies it to both thresholds.
func (h *Harvester) adaptThresholds(state *core.StrategyState, atrPct decimal.Decimal) {
	var swing decimal.Decimal
	switch {
	case atrPct.LessThanOrEqual(h.cfg.ATRLowRefPct):
		swing = h.cfg.MinSwingPct
	case atrPct.GreaterThanOrEqual(h.cfg.ATRHighRefPct):
		swing = h.cfg.MaxSwingPct
	default:
		span := h.cfg.ATRHighRefPct.Sub(h.cfg.ATRLowRefPct)
		frac := atrPct.Sub(h.cfg.ATRLowRefPct).Div(span)
		swing = h.cfg.MinSwingPct.Add(frac.Mul(h.cfg.MaxSwingPct.Sub(h.cfg.MinSwingPct)))
	}

	state.BuyThresholdPct = swing
	state.SellThresholdPct = swing
}

// CalculatePositionSize returns deployable / price where deployable is cash
// minus the configured reserve. Returns zero when nothing is deployable.
func (h *Harvester) CalculatePositionSize(cash, price decimal.Decimal) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	deployable := cash.Mul(hundred.Sub(h.cfg.CashReservePct)).Div(hundred)
	if deployable.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return deployable.Div(price)
}

// UpdateStateAfterBuy applies an entry fill: FLAT -> LONG, with trough
// tracking re-seeded from the fill price.
func (h *Harvester) UpdateStateAfterBuy(state *core.StrategyState, fill *core.OrderFill) {
	state.Position = core.PositionLong
	state.PositionQty = fill.Quantity
	state.LastBuyPrice = fill.Price
	state.LastTroughPrice = fill.Price
	state.LastUpdate = fill.Timestamp
}

// UpdateStateAfterSell applies an exit fill: LONG -> FLAT, with peak tracking
// re-seeded from the fill price so a dip measured from the exit can trigger
// re-entry immediately. A round trip counts as one trade, tallied here.
func (h *Harvester) UpdateStateAfterSell(state *core.StrategyState, fill *core.OrderFill) {
	state.Position = core.PositionFlat
	state.PositionQty = decimal.Zero
	state.LastSellPrice = fill.Price
	state.LastBuyPrice = decimal.Zero
	state.LastPeakPrice = fill.Price
	state.LastTroughPrice = decimal.Zero
	state.LastUpdate = fill.Timestamp
	state.TotalTrades++
}

// isUptrend reports fast MA > slow MA over candle closes. With insufficient
// history the filter abstains and entries are allowed.
func (h *Harvester) isUptrend(candles []core.Candle) bool {
	if len(candles) < h.cfg.MASlowPeriod {
		return true
	}
	fast := movingAverage(candles, h.cfg.MAFastPeriod)
	slow := movingAverage(candles, h.cfg.MASlowPeriod)
	return fast.GreaterThan(slow)
}

func movingAverage(candles []core.Candle, period int) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range candles[len(candles)-period:] {
		sum = sum.Add(c.Close)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}
