package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"
	"volharvester/internal/core"
	"volharvester/internal/exchange/sim"
	"volharvester/internal/execution"
	"volharvester/internal/portfolio"
	"volharvester/internal/risk"
	"volharvester/internal/store"
	"volharvester/internal/strategy"
	"volharvester/internal/trader"
	apperrors "volharvester/pkg/errors"
	"volharvester/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFactory(t *testing.T) SessionFactory {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return func() (*trader.Trader, error) {
		ex := sim.New(sim.DefaultConfig(), logger)
		cash := decimal.NewFromInt(10000)
		return trader.New(trader.Config{
			Mode:             core.ModePaper,
			Symbol:           "BTC-USD",
			BaseAsset:        "BTC",
			QuoteAsset:       "USD",
			StartingCash:     cash,
			BuyThresholdPct:  decimal.NewFromInt(50),
			SellThresholdPct: decimal.NewFromInt(50),
			LoopInterval:     10 * time.Millisecond,
		}, trader.Deps{
			Exchange: ex,
			Strategy: strategy.New(strategy.Config{
				BuyThresholdPct:  decimal.NewFromInt(50),
				SellThresholdPct: decimal.NewFromInt(50),
				CashReservePct:   decimal.NewFromInt(8),
			}, logger),
			Risk: risk.NewManager(risk.Config{
				MaxDrawdownPct:       decimal.NewFromInt(20),
				MaxConsecutiveLosses: 5,
				DailyLossLimitPct:    decimal.NewFromInt(10),
				MinActivityATRPct:    decimal.NewFromInt(2),
				MaxActivityATRPct:    decimal.NewFromInt(10),
				MaxSpreadBps:         decimal.NewFromInt(10),
				MaxDataStaleness:     5 * time.Second,
			}, logger),
			Engine: execution.NewEngine(ex, execution.Config{
				MakerTimeout:     50 * time.Millisecond,
				TakerTimeout:     time.Second,
				FillPollInterval: time.Millisecond,
			}, logger),
			Portfolio: portfolio.New(cash, logger),
			Store:     db,
			Recorder:  db,
			Logger:    logger,
		}), nil
	}
}

func testManager(t *testing.T) *SessionManager {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)
	return NewSessionManager(testFactory(t), logger)
}

func TestSingleSessionRule(t *testing.T) {
	sm := testManager(t)
	ctx := context.Background()

	require.NoError(t, sm.Start(ctx))
	t.Cleanup(func() { _ = sm.Stop() })
	require.Eventually(t, func() bool {
		running, _ := sm.Status()["running"].(bool)
		return running
	}, time.Second, 2*time.Millisecond)

	assert.ErrorIs(t, sm.Start(ctx), apperrors.ErrSessionRunning)

	require.NoError(t, sm.Stop())
	require.Eventually(t, func() bool {
		running, _ := sm.Status()["running"].(bool)
		return !running
	}, time.Second, 2*time.Millisecond)

	// A stopped manager accepts a new session.
	require.NoError(t, sm.Start(ctx))
	require.NoError(t, sm.Stop())
}

func TestControlsWithoutSession(t *testing.T) {
	sm := testManager(t)

	assert.ErrorIs(t, sm.Stop(), apperrors.ErrNoSession)
	assert.ErrorIs(t, sm.EmergencyFlatten(context.Background()), apperrors.ErrNoSession)
	assert.ErrorIs(t, sm.Resume(), apperrors.ErrNoSession)
	assert.NoError(t, sm.HealthCheck(), "no session is a healthy state")

	status := sm.Status()
	assert.Equal(t, false, status["running"])
}

func TestManagerDelegatesControls(t *testing.T) {
	sm := testManager(t)
	ctx := context.Background()

	require.NoError(t, sm.Start(ctx))
	t.Cleanup(func() { _ = sm.Stop() })
	require.Eventually(t, func() bool {
		_, ok := sm.Status()["last_iteration"]
		return ok
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, sm.EmergencyFlatten(ctx))
	assert.Equal(t, true, sm.Status()["paused"])

	require.NoError(t, sm.Resume())
	assert.Equal(t, false, sm.Status()["paused"])

	assert.NoError(t, sm.HealthCheck())
}
