package portfolio

import (
	"testing"
	"time"
	"volharvester/internal/core"
	apperrors "volharvester/pkg/errors"
	"volharvester/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPortfolio(t *testing.T, cash float64) *Portfolio {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)
	return New(decimal.NewFromFloat(cash), logger)
}

func TestExecuteBuy(t *testing.T) {
	p := testPortfolio(t, 10000)

	err := p.ExecuteBuy(decimal.NewFromFloat(0.15), decimal.NewFromInt(50000), decimal.NewFromInt(10))
	require.NoError(t, err)

	assert.True(t, p.Cash().Equal(decimal.NewFromInt(2490)), "cash %s", p.Cash())
	assert.True(t, p.PositionQty().Equal(decimal.NewFromFloat(0.15)))
	assert.True(t, p.EntryPrice().Equal(decimal.NewFromInt(50000)))
	assert.Equal(t, 1, p.TradeCount())
}

func TestExecuteBuy_InsufficientFunds(t *testing.T) {
	p := testPortfolio(t, 10000)

	// Notional alone fits; the fee pushes the cost over.
	err := p.ExecuteBuy(decimal.NewFromFloat(0.2), decimal.NewFromInt(50000), decimal.NewFromInt(10))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)
	assert.True(t, p.Cash().Equal(decimal.NewFromInt(10000)), "ledger must be untouched on failure")
	assert.True(t, p.PositionQty().IsZero())
}

func TestExecuteBuy_WeightedAverageEntry(t *testing.T) {
	p := testPortfolio(t, 20000)

	require.NoError(t, p.ExecuteBuy(decimal.NewFromFloat(0.1), decimal.NewFromInt(50000), decimal.Zero))
	require.NoError(t, p.ExecuteBuy(decimal.NewFromFloat(0.1), decimal.NewFromInt(40000), decimal.Zero))

	assert.True(t, p.EntryPrice().Equal(decimal.NewFromInt(45000)), "entry %s", p.EntryPrice())
}

func TestExecuteSell(t *testing.T) {
	p := testPortfolio(t, 10000)
	require.NoError(t, p.ExecuteBuy(decimal.NewFromFloat(0.15), decimal.NewFromInt(50000), decimal.NewFromInt(10)))

	err := p.ExecuteSell(decimal.NewFromFloat(0.15), decimal.NewFromInt(52000), decimal.NewFromInt(12))
	require.NoError(t, err)

	// Cash delta over the round trip = qty*(exit-entry) - fees = 278.
	assert.True(t, p.Cash().Equal(decimal.NewFromInt(10278)), "cash %s", p.Cash())
	assert.True(t, p.PositionQty().IsZero())
	assert.True(t, p.EntryPrice().IsZero(), "entry resets when flat")
	assert.True(t, p.TotalFees().Equal(decimal.NewFromInt(22)))
}

func TestExecuteSell_InsufficientPosition(t *testing.T) {
	p := testPortfolio(t, 10000)
	require.NoError(t, p.ExecuteBuy(decimal.NewFromFloat(0.1), decimal.NewFromInt(50000), decimal.Zero))

	err := p.ExecuteSell(decimal.NewFromFloat(0.2), decimal.NewFromInt(52000), decimal.Zero)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientPosition)
	assert.True(t, p.PositionQty().Equal(decimal.NewFromFloat(0.1)))
}

func TestEquityAndUnrealized(t *testing.T) {
	p := testPortfolio(t, 10000)
	require.NoError(t, p.ExecuteBuy(decimal.NewFromFloat(0.1), decimal.NewFromInt(50000), decimal.Zero))

	mark := decimal.NewFromInt(51000)
	assert.True(t, p.GetEquity(mark).Equal(decimal.NewFromInt(10100)))
	assert.True(t, p.GetUnrealizedPnL(mark).Equal(decimal.NewFromInt(100)))

	require.NoError(t, p.ExecuteSell(decimal.NewFromFloat(0.1), mark, decimal.Zero))
	assert.True(t, p.GetUnrealizedPnL(mark).IsZero())
}

func TestAddRealizedPnLAccumulates(t *testing.T) {
	p := testPortfolio(t, 10000)

	p.AddRealizedPnL(decimal.NewFromInt(100))
	p.AddRealizedPnL(decimal.NewFromInt(-40))
	assert.True(t, p.RealizedPnL().Equal(decimal.NewFromInt(60)))
}

func TestRestore(t *testing.T) {
	p := testPortfolio(t, 10000)

	p.Restore(decimal.NewFromInt(2490), decimal.NewFromFloat(0.15),
		decimal.NewFromInt(50000), decimal.NewFromInt(35))

	assert.True(t, p.Cash().Equal(decimal.NewFromInt(2490)))
	assert.True(t, p.PositionQty().Equal(decimal.NewFromFloat(0.15)))
	assert.True(t, p.EntryPrice().Equal(decimal.NewFromInt(50000)))
	assert.True(t, p.RealizedPnL().Equal(decimal.NewFromInt(35)))
}

func TestSyncState_DoesNotTouchDrawdown(t *testing.T) {
	p := testPortfolio(t, 10000)
	require.NoError(t, p.ExecuteBuy(decimal.NewFromFloat(0.1), decimal.NewFromInt(50000), decimal.Zero))

	state := core.NewStrategyState(decimal.NewFromInt(10000),
		decimal.NewFromInt(5), decimal.NewFromInt(5), time.Now())
	state.PeakEquity = decimal.NewFromInt(12345)
	state.DrawdownPct = decimal.NewFromInt(7)

	p.SyncState(state, decimal.NewFromInt(51000))

	assert.True(t, state.Equity.Equal(decimal.NewFromInt(10100)))
	assert.True(t, state.UnrealizedPnL.Equal(decimal.NewFromInt(100)))
	assert.True(t, state.CashBalance.Equal(decimal.NewFromInt(5000)))
	// Drawdown accounting belongs to the risk manager.
	assert.True(t, state.PeakEquity.Equal(decimal.NewFromInt(12345)))
	assert.True(t, state.DrawdownPct.Equal(decimal.NewFromInt(7)))
}
