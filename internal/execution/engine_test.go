package execution

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"volharvester/internal/core"
	"volharvester/internal/exchange/sim"
	apperrors "volharvester/pkg/errors"
	"volharvester/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSetup(t *testing.T, cfg Config) (*Engine, *sim.Exchange) {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	simCfg := sim.DefaultConfig()
	simCfg.Balances = map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(100000),
		"BTC": decimal.NewFromInt(1),
	}
	ex := sim.New(simCfg, logger)
	require.NoError(t, ex.Connect(context.Background()))

	if cfg.FillPollInterval == 0 {
		cfg.FillPollInterval = time.Millisecond
	}
	if cfg.TakerTimeout == 0 {
		cfg.TakerTimeout = time.Second
	}
	return NewEngine(ex, cfg, logger), ex
}

func snapshot(t *testing.T, ex *sim.Exchange) *core.MarketSnapshot {
	t.Helper()
	snap, err := ex.GetTicker(context.Background(), "BTC-USD")
	require.NoError(t, err)
	return snap
}

func TestExecuteBuy_MakerFill(t *testing.T) {
	e, ex := testSetup(t, Config{MakerTimeout: 2 * time.Second})
	snap := snapshot(t, ex)

	// The maker order rests inside the spread. Walk the price down so it
	// crosses and fills at the limit.
	go func() {
		time.Sleep(20 * time.Millisecond)
		ex.SetPrice(snap.Mid().Mul(decimal.NewFromFloat(0.99)))
	}()

	res := e.ExecuteBuy(context.Background(), "BTC-USD", decimal.NewFromFloat(0.1), snap)
	require.True(t, res.Success, "reason: %s err: %v", res.Reason, res.Err)
	require.NotNil(t, res.Fill)

	wantPrice := snap.Bid.Add(snap.Spread().Mul(decimal.NewFromFloat(0.25))).Round(2)
	assert.True(t, res.Fill.Price.Equal(wantPrice), "got %s want %s", res.Fill.Price, wantPrice)

	wantFee := res.Fill.Quantity.Mul(wantPrice).Mul(ex.GetMakerFeePct()).Div(decimal.NewFromInt(100))
	assert.True(t, res.Fill.Fee.Equal(wantFee), "maker fee expected, got %s want %s", res.Fill.Fee, wantFee)
}

func TestExecuteBuy_TakerFallbackOnTimeout(t *testing.T) {
	e, ex := testSetup(t, Config{MakerTimeout: 20 * time.Millisecond})
	snap := snapshot(t, ex)

	// Nothing moves the price, so the maker order times out, gets cancelled,
	// and the market order fills at the ask.
	res := e.ExecuteBuy(context.Background(), "BTC-USD", decimal.NewFromFloat(0.1), snap)
	require.True(t, res.Success, "reason: %s err: %v", res.Reason, res.Err)
	require.NotNil(t, res.Fill)

	assert.True(t, res.Fill.Price.Equal(snap.Ask), "taker fills at the touch, got %s want %s", res.Fill.Price, snap.Ask)
	wantFee := res.Fill.Quantity.Mul(snap.Ask).Mul(ex.GetTakerFeePct()).Div(decimal.NewFromInt(100))
	assert.True(t, res.Fill.Fee.Equal(wantFee), "taker fee expected")
}

func TestExecuteSell_MakerFill(t *testing.T) {
	e, ex := testSetup(t, Config{MakerTimeout: 2 * time.Second})
	snap := snapshot(t, ex)

	go func() {
		time.Sleep(20 * time.Millisecond)
		ex.SetPrice(snap.Mid().Mul(decimal.NewFromFloat(1.01)))
	}()

	res := e.ExecuteSell(context.Background(), "BTC-USD", decimal.NewFromFloat(0.1), snap)
	require.True(t, res.Success, "reason: %s err: %v", res.Reason, res.Err)

	wantPrice := snap.Ask.Sub(snap.Spread().Mul(decimal.NewFromFloat(0.25))).Round(2)
	assert.True(t, res.Fill.Price.Equal(wantPrice), "got %s want %s", res.Fill.Price, wantPrice)
}

func TestExecuteMarketSell(t *testing.T) {
	e, ex := testSetup(t, Config{MakerTimeout: time.Second})
	snap := snapshot(t, ex)

	res := e.ExecuteMarketSell(context.Background(), "BTC-USD", decimal.NewFromFloat(0.5), snap)
	require.True(t, res.Success, "reason: %s err: %v", res.Reason, res.Err)
	assert.True(t, res.Fill.Price.Equal(snap.Bid), "market sell fills at the bid")

	btc, _ := ex.GetBalance(context.Background(), "BTC")
	assert.True(t, btc.Equal(decimal.NewFromFloat(0.5)))
}

func TestExecuteBuy_BelowMinNotional(t *testing.T) {
	e, ex := testSetup(t, Config{MakerTimeout: time.Second})
	snap := snapshot(t, ex)

	// 0.0001 BTC at ~50000 is a 5 USD notional, below the 10 USD minimum.
	res := e.ExecuteBuy(context.Background(), "BTC-USD", decimal.NewFromFloat(0.0001), snap)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, apperrors.ErrBelowMinNotional)
}

func TestExecuteBuy_NonPositiveQuantity(t *testing.T) {
	e, ex := testSetup(t, Config{MakerTimeout: time.Second})
	snap := snapshot(t, ex)

	res := e.ExecuteBuy(context.Background(), "BTC-USD", decimal.Zero, snap)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, apperrors.ErrInvalidOrderParameter)
}

func TestExecuteBuy_FloorsToLotSize(t *testing.T) {
	e, ex := testSetup(t, Config{MakerTimeout: 10 * time.Millisecond})
	snap := snapshot(t, ex)

	res := e.ExecuteBuy(context.Background(), "BTC-USD", decimal.NewFromFloat(0.123456789), snap)
	require.True(t, res.Success, "reason: %s err: %v", res.Reason, res.Err)
	// Lot size 0.00001 floors the ninth decimal away.
	assert.True(t, res.Fill.Quantity.Equal(decimal.NewFromFloat(0.12345)),
		"got %s", res.Fill.Quantity)
}

func TestOrderObserverSeesPlacements(t *testing.T) {
	e, ex := testSetup(t, Config{MakerTimeout: 20 * time.Millisecond})
	snap := snapshot(t, ex)

	var mu sync.Mutex
	var events []core.OrderStatus
	e.SetOrderObserver(func(req *core.OrderRequest, orderID string, status core.OrderStatus) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, status)
		assert.NotEmpty(t, req.ClientOrderID)
	})

	res := e.ExecuteBuy(context.Background(), "BTC-USD", decimal.NewFromFloat(0.1), snap)
	require.True(t, res.Success)

	mu.Lock()
	defer mu.Unlock()
	// Maker placement, then the taker fallback placement.
	require.Len(t, events, 2)
	assert.Equal(t, core.OrderStatusOpen, events[0])
	assert.Equal(t, core.OrderStatusOpen, events[1])
}

func TestClientOrderIDPrefix(t *testing.T) {
	buyID := newClientOrderID(core.SideBuy)
	sellID := newClientOrderID(core.SideSell)

	assert.True(t, strings.HasPrefix(buyID, "buy_"))
	assert.True(t, strings.HasPrefix(sellID, "sell_"))
	assert.Len(t, buyID, len("buy_")+16)
	assert.NotEqual(t, newClientOrderID(core.SideBuy), newClientOrderID(core.SideBuy))
}

func TestExecuteBuy_ContextCancelled(t *testing.T) {
	e, ex := testSetup(t, Config{MakerTimeout: 10 * time.Second})
	snap := snapshot(t, ex)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res := e.ExecuteBuy(ctx, "BTC-USD", decimal.NewFromFloat(0.1), snap)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}
