package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
	"volharvester/internal/core"
	apperrors "volharvester/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoadState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state := core.NewStrategyState(decimal.NewFromInt(10000),
		decimal.NewFromInt(5), decimal.NewFromInt(5),
		time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	state.Position = core.PositionLong
	state.PositionQty = decimal.NewFromFloat(0.19)
	state.LastBuyPrice = decimal.NewFromInt(47500)
	state.CashBalance = decimal.NewFromInt(975)
	state.RealizedPnL = decimal.NewFromFloat(12.5)
	state.ConsecutiveLosses = 2
	state.ConsecutiveWins = 0
	state.WinningTrades = 4
	state.TotalTrades = 7
	state.LastUpdate = time.Date(2026, 8, 30, 12, 34, 56, 0, time.UTC)
	state.Paused = true
	state.PauseReason = core.BreakerSpreadTooWide

	require.NoError(t, s.SaveState(ctx, state))

	loaded, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.PositionLong, loaded.Position)
	assert.True(t, loaded.PositionQty.Equal(state.PositionQty))
	assert.True(t, loaded.LastBuyPrice.Equal(state.LastBuyPrice))
	assert.True(t, loaded.CashBalance.Equal(state.CashBalance))
	assert.True(t, loaded.RealizedPnL.Equal(state.RealizedPnL))
	assert.Equal(t, 2, loaded.ConsecutiveLosses)
	assert.Equal(t, 4, loaded.WinningTrades)
	assert.Equal(t, 7, loaded.TotalTrades)
	assert.True(t, loaded.LastUpdate.Equal(state.LastUpdate))
	assert.True(t, loaded.Paused)
	assert.Equal(t, core.BreakerSpreadTooWide, loaded.PauseReason)
}

func TestSaveState_OverwritesPrevious(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	first := core.NewStrategyState(decimal.NewFromInt(10000),
		decimal.NewFromInt(5), decimal.NewFromInt(5), now)
	require.NoError(t, s.SaveState(ctx, first))

	second := core.NewStrategyState(decimal.NewFromInt(10000),
		decimal.NewFromInt(5), decimal.NewFromInt(5), now)
	second.RealizedPnL = decimal.NewFromInt(77)
	require.NoError(t, s.SaveState(ctx, second))

	loaded, err := s.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.RealizedPnL.Equal(decimal.NewFromInt(77)))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM state`).Scan(&count))
	assert.Equal(t, 1, count, "state table holds exactly one snapshot")
}

func TestLoadState_Empty(t *testing.T) {
	s := testStore(t)

	_, err := s.LoadState(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNoState)
}

func TestLoadState_DetectsCorruption(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state := core.NewStrategyState(decimal.NewFromInt(10000),
		decimal.NewFromInt(5), decimal.NewFromInt(5), time.Now())
	require.NoError(t, s.SaveState(ctx, state))

	_, err := s.db.Exec(`UPDATE state SET data = data || ' ' WHERE id = 1`)
	require.NoError(t, err)

	_, err = s.LoadState(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestRunLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	runID, err := s.OpenRun(ctx, core.ModePaper, "BTC-USD", decimal.NewFromInt(10000))
	require.NoError(t, err)
	require.Positive(t, runID)

	req := &core.OrderRequest{
		Symbol: "BTC-USD", Side: core.SideBuy, Type: core.OrderTypePostOnly,
		Quantity: decimal.NewFromFloat(0.19), Price: decimal.NewFromInt(47500),
		ClientOrderID: "buy_0123456789abcdef",
	}
	require.NoError(t, s.RecordOrder(ctx, runID, req, "sim-1", core.OrderStatusOpen))

	fill := &core.OrderFill{
		OrderID: "sim-1", Symbol: "BTC-USD", Side: core.SideBuy,
		Quantity: decimal.NewFromFloat(0.19), Price: decimal.NewFromInt(47500),
		Fee: decimal.NewFromInt(9), Timestamp: time.Now(),
	}
	require.NoError(t, s.RecordTrade(ctx, runID, fill, decimal.Zero))

	pos := &core.ClosedPosition{
		Symbol: "BTC-USD", Quantity: decimal.NewFromFloat(0.19),
		EntryTime: time.Now().Add(-time.Hour), EntryPrice: decimal.NewFromInt(47500),
		ExitTime: time.Now(), ExitPrice: decimal.NewFromInt(49900),
		Fees: decimal.NewFromInt(18), PnL: decimal.NewFromInt(438),
	}
	require.NoError(t, s.RecordPosition(ctx, runID, pos))

	require.NoError(t, s.CloseRun(ctx, runID, core.RunSummary{
		EndedAt:     time.Now(),
		FinalEquity: decimal.NewFromInt(10438),
		RealizedPnL: decimal.NewFromInt(438),
		TotalTrades: 2,
		Notes:       "clean shutdown",
	}))

	var orders, trades, positions int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM orders WHERE run_id = ?`, runID).Scan(&orders))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE run_id = ?`, runID).Scan(&trades))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM positions WHERE run_id = ?`, runID).Scan(&positions))
	assert.Equal(t, 1, orders)
	assert.Equal(t, 1, trades)
	assert.Equal(t, 1, positions)

	var finalEquity string
	var endedAt int64
	require.NoError(t, s.db.QueryRow(`SELECT final_equity, ended_at FROM runs WHERE id = ?`, runID).Scan(&finalEquity, &endedAt))
	assert.Equal(t, "10438", finalEquity)
	assert.Positive(t, endedAt)
}

func TestRecordOrder_NullPriceForMarket(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	runID, err := s.OpenRun(ctx, core.ModeLive, "BTC-USD", decimal.NewFromInt(10000))
	require.NoError(t, err)

	req := &core.OrderRequest{
		Symbol: "BTC-USD", Side: core.SideSell, Type: core.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(0.19),
	}
	require.NoError(t, s.RecordOrder(ctx, runID, req, "sim-2", core.OrderStatusFilled))

	var price *string
	require.NoError(t, s.db.QueryRow(`SELECT price FROM orders WHERE exchange_order_id = 'sim-2'`).Scan(&price))
	assert.Nil(t, price, "market orders carry no price")
}
