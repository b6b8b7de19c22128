package risk

import (
	"testing"
	"time"
	"volharvester/internal/core"
	"volharvester/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)
	return NewManager(Config{
		MaxDrawdownPct:       decimal.NewFromInt(20),
		MaxConsecutiveLosses: 5,
		DailyLossLimitPct:    decimal.NewFromInt(10),
		MinActivityATRPct:    decimal.NewFromInt(2),
		MaxActivityATRPct:    decimal.NewFromInt(10),
		MaxSpreadBps:         decimal.NewFromInt(10),
		MaxDataStaleness:     5 * time.Second,
	}, logger)
}

func healthyState(now time.Time) *core.StrategyState {
	state := core.NewStrategyState(decimal.NewFromInt(10000),
		decimal.NewFromInt(5), decimal.NewFromInt(5), now)
	state.Equity = decimal.NewFromInt(10000)
	state.ATRPct = decimal.NewFromInt(4)
	return state
}

func tightQuote(t *testing.T) *core.MarketSnapshot {
	t.Helper()
	snap, err := core.NewMarketSnapshot("BTC-USD",
		decimal.NewFromFloat(49990), decimal.NewFromFloat(50010),
		decimal.NewFromInt(50000), time.Now())
	require.NoError(t, err)
	return snap
}

func TestCheckAll_HealthyPasses(t *testing.T) {
	m := testManager(t)
	now := time.Now()

	tripped, _, _ := m.CheckAll(healthyState(now), tightQuote(t), now, now)
	assert.False(t, tripped)
}

func TestCheckAll_Drawdown(t *testing.T) {
	m := testManager(t)
	now := time.Now()
	state := healthyState(now)
	state.DrawdownPct = decimal.NewFromInt(20)

	tripped, reason, detail := m.CheckAll(state, tightQuote(t), now, now)
	require.True(t, tripped)
	assert.Equal(t, core.BreakerMaxDrawdown, reason)
	assert.Contains(t, detail, "drawdown")
}

func TestCheckAll_ConsecutiveLosses(t *testing.T) {
	m := testManager(t)
	now := time.Now()
	state := healthyState(now)
	state.ConsecutiveLosses = 5

	tripped, reason, _ := m.CheckAll(state, tightQuote(t), now, now)
	require.True(t, tripped)
	assert.Equal(t, core.BreakerConsecutiveLosses, reason)
}

func TestCheckAll_DailyLossAgainstCurrentEquity(t *testing.T) {
	m := testManager(t)
	now := time.Now()
	state := healthyState(now)
	state.DailyRealizedPnL = decimal.NewFromInt(-1000) // 10% of 10000

	tripped, reason, _ := m.CheckAll(state, tightQuote(t), now, now)
	require.True(t, tripped)
	assert.Equal(t, core.BreakerDailyLossLimit, reason)

	// Just under the limit passes.
	state = healthyState(now)
	state.DailyRealizedPnL = decimal.NewFromInt(-999)
	tripped, _, _ = m.CheckAll(state, tightQuote(t), now, now)
	assert.False(t, tripped)
}

func TestCheckAll_VolatilityBand(t *testing.T) {
	m := testManager(t)
	now := time.Now()

	state := healthyState(now)
	state.ATRPct = decimal.NewFromInt(1)
	tripped, reason, detail := m.CheckAll(state, tightQuote(t), now, now)
	require.True(t, tripped)
	assert.Equal(t, core.BreakerLowVolatility, reason)
	assert.Contains(t, detail, "too choppy")

	state = healthyState(now)
	state.ATRPct = decimal.NewFromInt(11)
	tripped, reason, detail = m.CheckAll(state, tightQuote(t), now, now)
	require.True(t, tripped)
	assert.Equal(t, core.BreakerHighVolatility, reason)
	assert.Contains(t, detail, "too volatile")

	// No ATR estimate yet: both volatility checks are skipped.
	state = healthyState(now)
	state.ATRPct = decimal.Zero
	tripped, _, _ = m.CheckAll(state, tightQuote(t), now, now)
	assert.False(t, tripped)
}

func TestCheckAll_SpreadTooWide(t *testing.T) {
	m := testManager(t)
	now := time.Now()

	wide, err := core.NewMarketSnapshot("BTC-USD",
		decimal.NewFromInt(49900), decimal.NewFromInt(50100),
		decimal.NewFromInt(50000), now)
	require.NoError(t, err)

	tripped, reason, _ := m.CheckAll(healthyState(now), wide, now, now)
	require.True(t, tripped)
	assert.Equal(t, core.BreakerSpreadTooWide, reason)
}

func TestCheckAll_StaleHeartbeat(t *testing.T) {
	m := testManager(t)
	now := time.Now()

	tripped, reason, _ := m.CheckAll(healthyState(now), tightQuote(t), now.Add(-6*time.Second), now)
	require.True(t, tripped)
	assert.Equal(t, core.BreakerStaleData, reason)

	// A heartbeat never seen counts as stale.
	tripped, reason, detail := m.CheckAll(healthyState(now), tightQuote(t), time.Time{}, now)
	require.True(t, tripped)
	assert.Equal(t, core.BreakerStaleData, reason)
	assert.Contains(t, detail, "never")
}

func TestCheckAll_PriorityOrder(t *testing.T) {
	m := testManager(t)
	now := time.Now()

	// Everything wrong at once: drawdown wins.
	state := healthyState(now)
	state.DrawdownPct = decimal.NewFromInt(50)
	state.ConsecutiveLosses = 9
	state.ATRPct = decimal.NewFromInt(50)

	tripped, reason, _ := m.CheckAll(state, tightQuote(t), time.Time{}, now)
	require.True(t, tripped)
	assert.Equal(t, core.BreakerMaxDrawdown, reason)
}

func TestResetDailyIfNeeded(t *testing.T) {
	m := testManager(t)
	day1 := time.Date(2026, 8, 29, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)

	state := healthyState(day1)
	state.DailyRealizedPnL = decimal.NewFromInt(-1500)

	// Same UTC date: the tally survives and the breaker trips.
	tripped, reason, _ := m.CheckAll(state, tightQuote(t), day1, day1)
	require.True(t, tripped)
	assert.Equal(t, core.BreakerDailyLossLimit, reason)

	// Date rollover clears the tally before evaluation.
	tripped, _, _ = m.CheckAll(state, tightQuote(t), day2, day2)
	assert.False(t, tripped)
	assert.True(t, state.DailyRealizedPnL.IsZero())
	assert.Equal(t, "2026-08-30", state.DailyAnchorDate)
}

func TestRecordTradeResult(t *testing.T) {
	m := testManager(t)
	now := time.Now()
	state := healthyState(now)

	m.RecordTradeResult(state, decimal.NewFromInt(-50), now)
	m.RecordTradeResult(state, decimal.NewFromInt(-30), now)
	assert.Equal(t, 2, state.ConsecutiveLosses)
	assert.True(t, state.DailyRealizedPnL.Equal(decimal.NewFromInt(-80)))

	// A win resets the streak but keeps the daily tally.
	m.RecordTradeResult(state, decimal.NewFromInt(100), now)
	assert.Equal(t, 0, state.ConsecutiveLosses)
	assert.True(t, state.DailyRealizedPnL.Equal(decimal.NewFromInt(20)))
}

func TestRecordTradeResult_WinCounters(t *testing.T) {
	m := testManager(t)
	now := time.Now()
	state := healthyState(now)

	m.RecordTradeResult(state, decimal.NewFromInt(40), now)
	m.RecordTradeResult(state, decimal.NewFromInt(25), now)
	assert.Equal(t, 2, state.WinningTrades)
	assert.Equal(t, 2, state.ConsecutiveWins)
	assert.Equal(t, 0, state.ConsecutiveLosses)

	// A loss breaks the win streak but keeps the win total.
	m.RecordTradeResult(state, decimal.NewFromInt(-10), now)
	assert.Equal(t, 2, state.WinningTrades)
	assert.Equal(t, 0, state.ConsecutiveWins)
	assert.Equal(t, 1, state.ConsecutiveLosses)

	// Break-even is not a win.
	m.RecordTradeResult(state, decimal.Zero, now)
	assert.Equal(t, 2, state.WinningTrades)
	assert.Equal(t, 0, state.ConsecutiveWins)
	assert.Equal(t, 2, state.ConsecutiveLosses)
}

func TestUpdateDrawdown(t *testing.T) {
	m := testManager(t)
	state := healthyState(time.Now())

	m.UpdateDrawdown(state, decimal.NewFromInt(10000))
	assert.True(t, state.PeakEquity.Equal(decimal.NewFromInt(10000)))
	assert.True(t, state.DrawdownPct.IsZero())

	m.UpdateDrawdown(state, decimal.NewFromInt(9000))
	assert.True(t, state.DrawdownPct.Equal(decimal.NewFromInt(10)))
	assert.True(t, state.PeakEquity.Equal(decimal.NewFromInt(10000)))

	// New high resets the drawdown.
	m.UpdateDrawdown(state, decimal.NewFromInt(10500))
	assert.True(t, state.PeakEquity.Equal(decimal.NewFromInt(10500)))
	assert.True(t, state.DrawdownPct.IsZero())
}

func TestShouldFlattenPosition(t *testing.T) {
	m := testManager(t)

	assert.True(t, m.ShouldFlattenPosition(core.BreakerMaxDrawdown))
	assert.True(t, m.ShouldFlattenPosition(core.BreakerStaleData))
	assert.False(t, m.ShouldFlattenPosition(core.BreakerConsecutiveLosses))
	assert.False(t, m.ShouldFlattenPosition(core.BreakerDailyLossLimit))
	assert.False(t, m.ShouldFlattenPosition(core.BreakerLowVolatility))
	assert.False(t, m.ShouldFlattenPosition(core.BreakerHighVolatility))
	assert.False(t, m.ShouldFlattenPosition(core.BreakerSpreadTooWide))
}

func TestPauseAndResume(t *testing.T) {
	m := testManager(t)
	state := healthyState(time.Now())

	m.Pause(state, core.BreakerSpreadTooWide)
	assert.True(t, state.Paused)
	assert.Equal(t, core.BreakerSpreadTooWide, state.PauseReason)

	m.Resume(state)
	assert.False(t, state.Paused)
	assert.Empty(t, string(state.PauseReason))
}

func TestValidateOrderSize(t *testing.T) {
	m := testManager(t)
	lot := decimal.NewFromFloat(0.001)
	minNotional := decimal.NewFromInt(10)
	price := decimal.NewFromInt(50000)

	// Floors to the lot size.
	qty, ok := m.ValidateOrderSize(decimal.NewFromFloat(0.123456), price, lot, minNotional)
	require.True(t, ok)
	assert.True(t, qty.Equal(decimal.NewFromFloat(0.123)))

	// Below minimum notional after flooring.
	_, ok = m.ValidateOrderSize(decimal.NewFromFloat(0.00015), price, decimal.NewFromFloat(0.0001), minNotional)
	assert.False(t, ok)

	// Floors to zero.
	_, ok = m.ValidateOrderSize(decimal.NewFromFloat(0.0009), price, lot, minNotional)
	assert.False(t, ok)
}
