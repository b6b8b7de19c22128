// Package binance adapts Binance spot to the IExchange interface. REST goes
// through the official client; the bookTicker stream supplies quotes and the
// data heartbeat.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"volharvester/internal/config"
	"volharvester/internal/core"
	apperrors "volharvester/pkg/errors"
	"volharvester/pkg/websocket"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

const (
	defaultStreamURL = "wss://stream.binance.com:9443/ws"
	testnetStreamURL = "wss://stream.testnet.binance.vision/ws"

	quoteFreshFor = 2 * time.Second
)

// symbolFilters caches the venue constraints loaded at connect time.
type symbolFilters struct {
	lotSize        decimal.Decimal
	minNotional    decimal.Decimal
	pricePrecision int32
}

// Exchange is the Binance spot adapter.
type Exchange struct {
	cfg    *config.ExchangeConfig
	client *binance.Client
	logger core.ILogger

	makerFeePct decimal.Decimal
	takerFeePct decimal.Decimal

	mu            sync.RWMutex
	filters       map[string]symbolFilters
	lastQuote     map[string]*core.MarketSnapshot
	lastHeartbeat time.Time

	wsClients []*websocket.Client
	connected bool
}

// bookTickerEvent is the payload of the <symbol>@bookTicker stream.
type bookTickerEvent struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

// New creates the adapter. Symbols passed here get a quote stream and cached
// filters on Connect.
func New(cfg *config.ExchangeConfig, symbols []string, logger core.ILogger) *Exchange {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	e := &Exchange{
		cfg:         cfg,
		client:      client,
		logger:      logger.WithField("component", "binance"),
		makerFeePct: decimal.NewFromFloat(cfg.MakerFeePct),
		takerFeePct: decimal.NewFromFloat(cfg.TakerFeePct),
		filters:     make(map[string]symbolFilters),
		lastQuote:   make(map[string]*core.MarketSnapshot),
	}

	streamBase := defaultStreamURL
	if cfg.Testnet {
		streamBase = testnetStreamURL
	}
	for _, symbol := range symbols {
		url := fmt.Sprintf("%s/%s@bookTicker", streamBase, strings.ToLower(symbol))
		e.wsClients = append(e.wsClients, websocket.NewClient(url, e.handleBookTicker, e.logger))
	}
	return e
}

func (e *Exchange) GetName() string { return "binance" }

// Connect verifies credentials, loads the symbol filters, and starts the
// quote streams.
func (e *Exchange) Connect(ctx context.Context) error {
	if err := e.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return mapError(err)
	}
	e.mu.Lock()
	for _, s := range info.Symbols {
		f := symbolFilters{
			lotSize:     decimal.NewFromFloat(0.00001),
			minNotional: decimal.NewFromInt(10),
		}
		if lot := s.LotSizeFilter(); lot != nil {
			if step, err := decimal.NewFromString(lot.StepSize); err == nil && step.IsPositive() {
				f.lotSize = step
			}
		}
		if n := s.NotionalFilter(); n != nil {
			if min, err := decimal.NewFromString(n.MinNotional); err == nil && min.IsPositive() {
				f.minNotional = min
			}
		}
		if p := s.PriceFilter(); p != nil {
			if tick, err := decimal.NewFromString(p.TickSize); err == nil && tick.IsPositive() {
				f.pricePrecision = precisionFromStep(tick)
			}
		}
		e.filters[s.Symbol] = f
	}
	e.connected = true
	e.mu.Unlock()

	for _, ws := range e.wsClients {
		ws.Start()
	}
	e.logger.Info("Connected to Binance", "testnet", e.cfg.Testnet, "symbols", len(info.Symbols))
	return nil
}

// Disconnect stops the quote streams.
func (e *Exchange) Disconnect() error {
	for _, ws := range e.wsClients {
		ws.Stop()
	}
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

// CheckHealth pings the venue and requires a recent data heartbeat.
func (e *Exchange) CheckHealth(ctx context.Context) error {
	e.mu.RLock()
	connected := e.connected
	hb := e.lastHeartbeat
	e.mu.RUnlock()

	if !connected {
		return apperrors.ErrNotConnected
	}
	if err := e.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if hb.IsZero() || time.Since(hb) > 10*time.Second {
		return apperrors.ErrStaleMarketData
	}
	return nil
}

func (e *Exchange) handleBookTicker(message []byte) {
	var ev bookTickerEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		e.logger.Debug("Unparseable bookTicker message", "error", err)
		return
	}
	bid, err1 := decimal.NewFromString(ev.Bid)
	ask, err2 := decimal.NewFromString(ev.Ask)
	if err1 != nil || err2 != nil {
		return
	}

	snap, err := core.NewMarketSnapshot(ev.Symbol, bid, ask, bid.Add(ask).Div(decimal.NewFromInt(2)), time.Now())
	if err != nil {
		e.logger.Debug("Rejected stream quote", "error", err)
		return
	}

	e.mu.Lock()
	e.lastQuote[ev.Symbol] = snap
	e.lastHeartbeat = snap.Timestamp
	e.mu.Unlock()
}

// GetTicker serves the streamed quote when fresh and falls back to REST.
func (e *Exchange) GetTicker(ctx context.Context, symbol string) (*core.MarketSnapshot, error) {
	e.mu.RLock()
	cached := e.lastQuote[symbol]
	e.mu.RUnlock()
	if cached != nil && time.Since(cached.Timestamp) < quoteFreshFor {
		return cached, nil
	}

	tickers, err := e.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	t := tickers[0]

	bid, err := decimal.NewFromString(t.BidPrice)
	if err != nil {
		return nil, fmt.Errorf("parse bid %q: %w", t.BidPrice, err)
	}
	ask, err := decimal.NewFromString(t.AskPrice)
	if err != nil {
		return nil, fmt.Errorf("parse ask %q: %w", t.AskPrice, err)
	}

	snap, err := core.NewMarketSnapshot(symbol, bid, ask, bid.Add(ask).Div(decimal.NewFromInt(2)), time.Now())
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.lastQuote[symbol] = snap
	e.lastHeartbeat = snap.Timestamp
	e.mu.Unlock()
	return snap, nil
}

// GetOHLCV fetches closed candles. Binance returns the in-progress candle
// last; it is included and the ATR window simply treats it as partial.
func (e *Exchange) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	klines, err := e.client.NewKlinesService().
		Symbol(symbol).Interval(timeframe).Limit(limit).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	candles := make([]core.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := parseKline(k)
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseKline(k *binance.Kline) (core.Candle, error) {
	var candle core.Candle
	candle.Timestamp = time.UnixMilli(k.OpenTime).UTC()

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&candle.Open, k.Open}, {&candle.High, k.High}, {&candle.Low, k.Low},
		{&candle.Close, k.Close}, {&candle.Volume, k.Volume},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return core.Candle{}, fmt.Errorf("parse kline field %q: %w", f.src, err)
		}
		*f.dst = v
	}
	return candle, nil
}

func (e *Exchange) LastHeartbeat() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastHeartbeat
}

func (e *Exchange) GetBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := e.GetBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[asset], nil
}

// GetBalances returns free balances per asset. Locked amounts back open
// orders and are not spendable.
func (e *Exchange) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	account, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	balances := make(map[string]decimal.Decimal, len(account.Balances))
	for _, b := range account.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			continue
		}
		if free.IsPositive() {
			balances[b.Asset] = free
		}
	}
	return balances, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (string, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Quantity(req.Quantity.String())

	switch req.Side {
	case core.SideBuy:
		svc = svc.Side(binance.SideTypeBuy)
	case core.SideSell:
		svc = svc.Side(binance.SideTypeSell)
	default:
		return "", fmt.Errorf("%w: side %q", apperrors.ErrInvalidOrderParameter, req.Side)
	}

	switch req.Type {
	case core.OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case core.OrderTypeLimit:
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.Price.String())
	case core.OrderTypePostOnly:
		// LIMIT_MAKER is rejected by the venue when it would cross, which is
		// exactly the post-only contract.
		svc = svc.Type(binance.OrderTypeLimitMaker).Price(req.Price.String())
	default:
		return "", fmt.Errorf("%w: type %q", apperrors.ErrInvalidOrderParameter, req.Type)
	}

	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return "", mapError(err)
	}
	return fmt.Sprintf("%d", resp.OrderID), nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return false, err
	}
	_, err = e.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, apperrors.ErrOrderNotFound) {
			// Already filled or cancelled; the caller rechecks fills.
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}

func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (core.OrderStatus, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return "", err
	}
	order, err := e.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return "", mapError(err)
	}
	return mapOrderStatus(order.Status), nil
}

func (e *Exchange) GetOrderFills(ctx context.Context, symbol, orderID string) ([]core.OrderFill, error) {
	id, err := parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	trades, err := e.client.NewListTradesService().Symbol(symbol).OrderId(id).Do(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	fills := make([]core.OrderFill, 0, len(trades))
	for _, t := range trades {
		price, err1 := decimal.NewFromString(t.Price)
		qty, err2 := decimal.NewFromString(t.Quantity)
		fee, err3 := decimal.NewFromString(t.Commission)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("unparseable trade %d for order %s", t.ID, orderID)
		}
		side := core.SideSell
		if t.IsBuyer {
			side = core.SideBuy
		}
		fills = append(fills, core.OrderFill{
			OrderID:   orderID,
			Symbol:    symbol,
			Side:      side,
			Quantity:  qty,
			Price:     price,
			Fee:       fee,
			Timestamp: time.UnixMilli(t.Time).UTC(),
		})
	}
	return fills, nil
}

func (e *Exchange) GetMakerFeePct() decimal.Decimal { return e.makerFeePct }
func (e *Exchange) GetTakerFeePct() decimal.Decimal { return e.takerFeePct }

func (e *Exchange) GetMinNotional(symbol string) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filters[symbol].minNotional
}

func (e *Exchange) GetLotSize(symbol string) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filters[symbol].lotSize
}

func (e *Exchange) GetPricePrecision(symbol string) int32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filters[symbol].pricePrecision
}

func parseOrderID(orderID string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(orderID, "%d", &id); err != nil {
		return 0, fmt.Errorf("%w: order id %q", apperrors.ErrInvalidOrderParameter, orderID)
	}
	return id, nil
}

// precisionFromStep counts the decimal places of a tick or step size.
func precisionFromStep(step decimal.Decimal) int32 {
	var p int32
	for p < 12 && !step.Mul(decimal.New(1, p)).IsInteger() {
		p++
	}
	return p
}

func mapOrderStatus(status binance.OrderStatusType) core.OrderStatus {
	switch status {
	case binance.OrderStatusTypeNew:
		return core.OrderStatusOpen
	case binance.OrderStatusTypePartiallyFilled:
		return core.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return core.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypePendingCancel:
		return core.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return core.OrderStatusRejected
	case binance.OrderStatusTypeExpired:
		return core.OrderStatusExpired
	default:
		return core.OrderStatusPending
	}
}

// mapError translates venue error codes to the shared sentinels.
func mapError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	switch apiErr.Code {
	case -2010:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message)
	case -2011, -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Message)
	case -2014, -2015, -1022:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Message)
	case -1003, -1015:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Message)
	case -1013, -1111, -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, apiErr.Message)
	case -1001, -1016:
		return fmt.Errorf("%w: %s", apperrors.ErrExchangeMaintenance, apiErr.Message)
	}
	return fmt.Errorf("binance error %d: %s", apiErr.Code, apiErr.Message)
}
