// Package sim provides an in-process exchange with realistic order
// semantics: post-only rejection on crossing prices, limit fills on price
// crosses, balance enforcement, and a seedable random-walk price process.
// It backs paper trading and the test suites.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
	"volharvester/internal/core"
	apperrors "volharvester/pkg/errors"
	"volharvester/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

var (
	one         = decimal.NewFromInt(1)
	two         = decimal.NewFromInt(2)
	hundred     = decimal.NewFromInt(100)
	tenThousand = decimal.NewFromInt(10000)
)

// Config holds the venue parameters of the simulation.
type Config struct {
	Symbol         string
	BaseAsset      string
	QuoteAsset     string
	InitialPrice   decimal.Decimal
	SpreadBps      decimal.Decimal
	MakerFeePct    decimal.Decimal
	TakerFeePct    decimal.Decimal
	LotSize        decimal.Decimal
	MinNotional    decimal.Decimal
	PricePrecision int32
	WalkVolPct     decimal.Decimal // per-step stddev of the random walk
	Seed           int64
	Balances       map[string]decimal.Decimal
}

// DefaultConfig returns a BTC-USD simulation with venue constants matching a
// typical spot market.
func DefaultConfig() Config {
	return Config{
		Symbol:         "BTC-USD",
		BaseAsset:      "BTC",
		QuoteAsset:     "USD",
		InitialPrice:   decimal.NewFromInt(50000),
		SpreadBps:      decimal.NewFromInt(5),
		MakerFeePct:    decimal.NewFromFloat(0.1),
		TakerFeePct:    decimal.NewFromFloat(0.3),
		LotSize:        decimal.NewFromFloat(0.00001),
		MinNotional:    decimal.NewFromInt(10),
		PricePrecision: 2,
		WalkVolPct:     decimal.NewFromFloat(0.1),
		Seed:           1,
		Balances: map[string]decimal.Decimal{
			"USD": decimal.NewFromInt(10000),
			"BTC": decimal.Zero,
		},
	}
}

type simOrder struct {
	id            string
	clientOrderID string
	req           core.OrderRequest
	status        core.OrderStatus
	fills         []core.OrderFill
	createdAt     time.Time
}

// Exchange is the simulated venue.
type Exchange struct {
	mu sync.Mutex

	cfg       Config
	connected bool

	mid       decimal.Decimal
	heartbeat time.Time

	balances map[string]decimal.Decimal

	orders        map[string]*simOrder
	clientOrders  map[string]string // clientOrderID -> orderID, idempotency
	nextID        int64
	rng           *rand.Rand
	clock         func() time.Time
	logger        core.ILogger
	fillCallbacks []func(fill core.OrderFill)
}

// New creates a simulated exchange.
func New(cfg Config, logger core.ILogger) *Exchange {
	balances := make(map[string]decimal.Decimal, len(cfg.Balances))
	for k, v := range cfg.Balances {
		balances[k] = v
	}
	return &Exchange{
		cfg:          cfg,
		mid:          cfg.InitialPrice,
		balances:     balances,
		orders:       make(map[string]*simOrder),
		clientOrders: make(map[string]string),
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		clock:        time.Now,
		logger:       logger.WithField("component", "sim_exchange"),
	}
}

// SetClock overrides the time source, for tests.
func (e *Exchange) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

// OnFill registers a callback invoked for every fill.
func (e *Exchange) OnFill(cb func(fill core.OrderFill)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillCallbacks = append(e.fillCallbacks, cb)
}

func (e *Exchange) GetName() string { return "sim" }

func (e *Exchange) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	e.heartbeat = e.clock()
	return nil
}

func (e *Exchange) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	return nil
}

func (e *Exchange) CheckHealth(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return apperrors.ErrNotConnected
	}
	if e.clock().Sub(e.heartbeat) > 10*time.Second {
		return apperrors.ErrStaleMarketData
	}
	return nil
}

// SetPrice moves the mid to an exact value and processes resting orders.
func (e *Exchange) SetPrice(mid decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setPriceLocked(mid)
}

// Step advances the random walk one tick and processes resting orders.
func (e *Exchange) Step() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Gaussian step scaled by WalkVolPct of the current mid
	delta := decimal.NewFromFloat(e.rng.NormFloat64()).Mul(e.cfg.WalkVolPct).Div(hundred).Mul(e.mid)
	e.setPriceLocked(e.mid.Add(delta))
	return e.mid
}

func (e *Exchange) setPriceLocked(mid decimal.Decimal) {
	if mid.LessThanOrEqual(decimal.Zero) {
		return
	}
	e.mid = mid
	e.heartbeat = e.clock()
	e.processOpenOrdersLocked()
}

func (e *Exchange) bidAskLocked() (decimal.Decimal, decimal.Decimal) {
	half := e.mid.Mul(e.cfg.SpreadBps).Div(tenThousand).Div(two)
	bid := e.mid.Sub(half).Round(e.cfg.PricePrecision)
	ask := e.mid.Add(half).Round(e.cfg.PricePrecision)
	if bid.GreaterThanOrEqual(ask) {
		tick := decimal.New(1, -e.cfg.PricePrecision)
		ask = bid.Add(tick)
	}
	return bid, ask
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (*core.MarketSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil, apperrors.ErrNotConnected
	}
	if symbol != e.cfg.Symbol {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	bid, ask := e.bidAskLocked()
	return core.NewMarketSnapshot(symbol, bid, ask, e.mid, e.heartbeat)
}

// GetOHLCV synthesizes flat candles around the recent walk. The paper driver
// prefers real history; the simulation only guarantees shape, not realism.
func (e *Exchange) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil, apperrors.ErrNotConnected
	}
	candles := make([]core.Candle, 0, limit)
	price := e.mid
	now := e.clock()
	for i := limit - 1; i >= 0; i-- {
		wobble := price.Mul(e.cfg.WalkVolPct).Div(hundred)
		candles = append(candles, core.Candle{
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
			Open:      price,
			High:      price.Add(wobble),
			Low:       price.Sub(wobble),
			Close:     price,
			Volume:    one,
		})
	}
	return candles, nil
}

func (e *Exchange) LastHeartbeat() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heartbeat
}

func (e *Exchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[asset], nil
}

func (e *Exchange) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return "", apperrors.ErrNotConnected
	}
	if req.Symbol != e.cfg.Symbol {
		return "", fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, req.Symbol)
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("%w: quantity %s", apperrors.ErrInvalidOrderParameter, req.Quantity)
	}

	// Idempotency: replaying a client order ID returns the original order
	if req.ClientOrderID != "" {
		if existing, ok := e.clientOrders[req.ClientOrderID]; ok {
			return existing, nil
		}
	}

	bid, ask := e.bidAskLocked()

	if req.Type == core.OrderTypePostOnly {
		// A post-only order that would cross the book is rejected, never
		// converted to a taker
		if (req.Side == core.SideBuy && req.Price.GreaterThanOrEqual(ask)) ||
			(req.Side == core.SideSell && req.Price.LessThanOrEqual(bid)) {
			return "", fmt.Errorf("%w: post-only price %s would cross", apperrors.ErrOrderRejected, req.Price)
		}
	}

	e.nextID++
	order := &simOrder{
		id:            fmt.Sprintf("sim-%d", e.nextID),
		clientOrderID: req.ClientOrderID,
		req:           *req,
		status:        core.OrderStatusOpen,
		createdAt:     e.clock(),
	}
	e.orders[order.id] = order
	if req.ClientOrderID != "" {
		e.clientOrders[req.ClientOrderID] = order.id
	}

	if req.Type == core.OrderTypeMarket {
		price := ask
		if req.Side == core.SideSell {
			price = bid
		}
		if err := e.fillLocked(order, price, e.cfg.TakerFeePct); err != nil {
			order.status = core.OrderStatusRejected
			return "", err
		}
	}

	return order.id, nil
}

// processOpenOrdersLocked fills resting limit orders whose price the market
// has crossed, at the limit price with the maker fee.
func (e *Exchange) processOpenOrdersLocked() {
	bid, ask := e.bidAskLocked()
	for _, order := range e.orders {
		if order.status != core.OrderStatusOpen {
			continue
		}
		if order.req.Type != core.OrderTypeLimit && order.req.Type != core.OrderTypePostOnly {
			continue
		}
		crossed := (order.req.Side == core.SideBuy && ask.LessThanOrEqual(order.req.Price)) ||
			(order.req.Side == core.SideSell && bid.GreaterThanOrEqual(order.req.Price))
		if !crossed {
			continue
		}
		if err := e.fillLocked(order, order.req.Price, e.cfg.MakerFeePct); err != nil {
			order.status = core.OrderStatusRejected
			e.logger.Warn("Resting order rejected on fill", "order_id", order.id, "error", err)
		}
	}
}

func (e *Exchange) fillLocked(order *simOrder, price, feePct decimal.Decimal) error {
	qty := order.req.Quantity
	notional := qty.Mul(price)
	fee := tradingutils.Fee(notional, feePct)

	if order.req.Side == core.SideBuy {
		cost := notional.Add(fee)
		if e.balances[e.cfg.QuoteAsset].LessThan(cost) {
			return fmt.Errorf("%w: need %s %s", apperrors.ErrInsufficientFunds, cost.Round(2), e.cfg.QuoteAsset)
		}
		e.balances[e.cfg.QuoteAsset] = e.balances[e.cfg.QuoteAsset].Sub(cost)
		e.balances[e.cfg.BaseAsset] = e.balances[e.cfg.BaseAsset].Add(qty)
	} else {
		if e.balances[e.cfg.BaseAsset].LessThan(qty) {
			return fmt.Errorf("%w: need %s %s", apperrors.ErrInsufficientPosition, qty, e.cfg.BaseAsset)
		}
		e.balances[e.cfg.BaseAsset] = e.balances[e.cfg.BaseAsset].Sub(qty)
		e.balances[e.cfg.QuoteAsset] = e.balances[e.cfg.QuoteAsset].Add(notional.Sub(fee))
	}

	fill := core.OrderFill{
		OrderID:   order.id,
		Symbol:    order.req.Symbol,
		Side:      order.req.Side,
		Quantity:  qty,
		Price:     price,
		Fee:       fee,
		Timestamp: e.clock(),
	}
	order.fills = append(order.fills, fill)
	order.status = core.OrderStatusFilled

	for _, cb := range e.fillCallbacks {
		cb(fill)
	}
	return nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return false, apperrors.ErrOrderNotFound
	}
	if order.status != core.OrderStatusOpen {
		return false, nil
	}
	order.status = core.OrderStatusCancelled
	return true, nil
}

func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (core.OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return "", apperrors.ErrOrderNotFound
	}
	return order.status, nil
}

func (e *Exchange) GetOrderFills(ctx context.Context, symbol, orderID string) ([]core.OrderFill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[orderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	fills := make([]core.OrderFill, len(order.fills))
	copy(fills, order.fills)
	return fills, nil
}

func (e *Exchange) GetMakerFeePct() decimal.Decimal { return e.cfg.MakerFeePct }
func (e *Exchange) GetTakerFeePct() decimal.Decimal { return e.cfg.TakerFeePct }

func (e *Exchange) GetMinNotional(symbol string) decimal.Decimal { return e.cfg.MinNotional }
func (e *Exchange) GetLotSize(symbol string) decimal.Decimal     { return e.cfg.LotSize }
func (e *Exchange) GetPricePrecision(symbol string) int32        { return e.cfg.PricePrecision }
