// Package risk enforces the layered circuit breakers and owns drawdown
// accounting for a trading session.
package risk

import (
	"fmt"
	"time"
	"volharvester/internal/core"
	"volharvester/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Config holds the breaker limits in decimal form.
type Config struct {
	MaxDrawdownPct       decimal.Decimal
	MaxConsecutiveLosses int
	DailyLossLimitPct    decimal.Decimal
	MinActivityATRPct    decimal.Decimal
	MaxActivityATRPct    decimal.Decimal
	MaxSpreadBps         decimal.Decimal
	MaxDataStaleness     time.Duration
}

// Manager evaluates circuit breakers and is the sole writer of peak equity
// and drawdown on the session state.
type Manager struct {
	cfg    Config
	logger core.ILogger
}

// NewManager creates a risk manager.
func NewManager(cfg Config, logger core.ILogger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.WithField("component", "risk"),
	}
}

// CheckAll evaluates every breaker in fixed priority order and returns the
// first trip. Capital protection outranks market-condition checks, which
// outrank data-quality checks; re-ordering would change which reason is
// reported when several conditions hold at once.
func (m *Manager) CheckAll(state *core.StrategyState, snap *core.MarketSnapshot, lastHeartbeat, now time.Time) (bool, core.BreakerReason, string) {
	m.ResetDailyIfNeeded(state, now)

	// 1. Drawdown
	if state.DrawdownPct.GreaterThanOrEqual(m.cfg.MaxDrawdownPct) {
		return true, core.BreakerMaxDrawdown,
			fmt.Sprintf("drawdown %s%% >= limit %s%%", state.DrawdownPct.Round(2), m.cfg.MaxDrawdownPct)
	}

	// 2. Consecutive losses
	if state.ConsecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		return true, core.BreakerConsecutiveLosses,
			fmt.Sprintf("%d consecutive losses >= limit %d", state.ConsecutiveLosses, m.cfg.MaxConsecutiveLosses)
	}

	// 3. Daily realized loss against current equity
	if state.DailyRealizedPnL.IsNegative() && state.Equity.IsPositive() {
		limit := state.Equity.Mul(m.cfg.DailyLossLimitPct).Div(hundred)
		if state.DailyRealizedPnL.Neg().GreaterThanOrEqual(limit) {
			return true, core.BreakerDailyLossLimit,
				fmt.Sprintf("daily loss %s >= limit %s", state.DailyRealizedPnL.Neg(), limit)
		}
	}

	// 4. Volatility activity band; zero ATR means no estimate yet, skip
	if !state.ATRPct.IsZero() {
		if state.ATRPct.LessThan(m.cfg.MinActivityATRPct) {
			return true, core.BreakerLowVolatility,
				fmt.Sprintf("ATR %s%% below activity floor %s%%, market too choppy to harvest", state.ATRPct.Round(2), m.cfg.MinActivityATRPct)
		}
		if state.ATRPct.GreaterThan(m.cfg.MaxActivityATRPct) {
			return true, core.BreakerHighVolatility,
				fmt.Sprintf("ATR %s%% above activity ceiling %s%%, market too volatile", state.ATRPct.Round(2), m.cfg.MaxActivityATRPct)
		}
	}

	// 5. Spread
	if snap != nil {
		if spreadBps := snap.SpreadBps(); spreadBps.GreaterThan(m.cfg.MaxSpreadBps) {
			return true, core.BreakerSpreadTooWide,
				fmt.Sprintf("spread %s bps > limit %s bps", spreadBps.Round(2), m.cfg.MaxSpreadBps)
		}
	}

	// 6. Heartbeat; a missing heartbeat counts as stale
	if lastHeartbeat.IsZero() || now.Sub(lastHeartbeat) > m.cfg.MaxDataStaleness {
		age := "never"
		if !lastHeartbeat.IsZero() {
			age = now.Sub(lastHeartbeat).String()
		}
		return true, core.BreakerStaleData,
			fmt.Sprintf("market data stale, last heartbeat %s ago (limit %s)", age, m.cfg.MaxDataStaleness)
	}

	return false, "", ""
}

// ShouldFlattenPosition reports whether a tripped breaker warrants an
// immediate exit rather than just pausing new entries. Only an equity
// emergency or blindness to the market justifies paying taker fees to get
// flat.
func (m *Manager) ShouldFlattenPosition(reason core.BreakerReason) bool {
	return reason == core.BreakerMaxDrawdown || reason == core.BreakerStaleData
}

// UpdateDrawdown is the single authoritative updater of peak equity and
// drawdown. Peak equity is monotonic within a session.
func (m *Manager) UpdateDrawdown(state *core.StrategyState, equity decimal.Decimal) {
	if equity.GreaterThan(state.PeakEquity) {
		state.PeakEquity = equity
		state.DrawdownPct = decimal.Zero
		return
	}
	if state.PeakEquity.IsPositive() {
		dd := state.PeakEquity.Sub(equity).Div(state.PeakEquity).Mul(hundred)
		if dd.IsNegative() {
			dd = decimal.Zero
		}
		if dd.GreaterThan(hundred) {
			dd = hundred
		}
		state.DrawdownPct = dd
	}
}

// RecordTradeResult feeds a completed round trip's realized PnL into the
// daily tally and the win/loss streaks. A zero-PnL trade breaks the win
// streak; only a strictly positive result counts as a win.
func (m *Manager) RecordTradeResult(state *core.StrategyState, pnl decimal.Decimal, now time.Time) {
	m.ResetDailyIfNeeded(state, now)
	state.DailyRealizedPnL = state.DailyRealizedPnL.Add(pnl)
	if pnl.IsPositive() {
		state.WinningTrades++
		state.ConsecutiveWins++
		state.ConsecutiveLosses = 0
	} else {
		state.ConsecutiveLosses++
		state.ConsecutiveWins = 0
	}
}

// ResetDailyIfNeeded zeroes the daily tally when the UTC date has rolled
// over since the anchor.
func (m *Manager) ResetDailyIfNeeded(state *core.StrategyState, now time.Time) {
	today := now.UTC().Format(time.DateOnly)
	if state.DailyAnchorDate != today {
		if state.DailyAnchorDate != "" {
			m.logger.Info("Daily PnL reset", "previous_date", state.DailyAnchorDate, "previous_pnl", state.DailyRealizedPnL)
		}
		state.DailyAnchorDate = today
		state.DailyRealizedPnL = decimal.Zero
	}
}

// Pause marks the session paused with the breaker reason.
func (m *Manager) Pause(state *core.StrategyState, reason core.BreakerReason) {
	if !state.Paused {
		m.logger.Warn("Circuit breaker tripped, pausing session", "reason", string(reason))
	}
	state.Paused = true
	state.PauseReason = reason
}

// Resume clears the pause flag. Manual operation only; breakers never
// auto-resume.
func (m *Manager) Resume(state *core.StrategyState) {
	state.Paused = false
	state.PauseReason = ""
}

// ValidateOrderSize floors qty to the venue lot size and checks the
// resulting notional against the venue minimum. Returns the adjusted
// quantity and whether the order is viable.
func (m *Manager) ValidateOrderSize(qty, price, lotSize, minNotional decimal.Decimal) (decimal.Decimal, bool) {
	qty = tradingutils.RoundToLotSize(qty, lotSize)
	if qty.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}
	if qty.Mul(price).LessThan(minNotional) {
		return qty, false
	}
	return qty, true
}
