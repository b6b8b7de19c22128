// Package coinbase adapts the Coinbase Exchange REST API to the IExchange
// interface.
package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"volharvester/internal/config"
	"volharvester/internal/core"
	apperrors "volharvester/pkg/errors"
	pkghttp "volharvester/pkg/http"

	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://api.exchange.coinbase.com"

// granularities maps candle timeframes to the API's seconds parameter.
var granularities = map[string]int{
	"1m": 60, "5m": 300, "15m": 900, "1h": 3600, "6h": 21600, "1d": 86400,
}

// productInfo caches the venue constraints for one product.
type productInfo struct {
	lotSize        decimal.Decimal
	minNotional    decimal.Decimal
	pricePrecision int32
}

// Exchange is the Coinbase adapter.
type Exchange struct {
	cfg    *config.ExchangeConfig
	client *pkghttp.Client
	logger core.ILogger

	makerFeePct decimal.Decimal
	takerFeePct decimal.Decimal

	mu            sync.RWMutex
	products      map[string]productInfo
	lastHeartbeat time.Time
	connected     bool
}

// New creates the adapter.
func New(cfg *config.ExchangeConfig, logger core.ILogger) *Exchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	signer := &Signer{
		key:        cfg.APIKey,
		secret:     cfg.SecretKey,
		passphrase: cfg.Passphrase,
	}
	return &Exchange{
		cfg:         cfg,
		client:      pkghttp.NewClient(baseURL, 15*time.Second, signer),
		logger:      logger.WithField("component", "coinbase"),
		makerFeePct: decimal.NewFromFloat(cfg.MakerFeePct),
		takerFeePct: decimal.NewFromFloat(cfg.TakerFeePct),
		products:    make(map[string]productInfo),
	}
}

func (e *Exchange) GetName() string { return "coinbase" }

// Connect loads the product catalog so lot sizes and precisions are known
// before the first order.
func (e *Exchange) Connect(ctx context.Context) error {
	body, err := e.client.Get(ctx, "/products", nil)
	if err != nil {
		return mapError(err)
	}

	var products []struct {
		ID             string `json:"id"`
		BaseIncrement  string `json:"base_increment"`
		QuoteIncrement string `json:"quote_increment"`
		MinMarketFunds string `json:"min_market_funds"`
	}
	if err := json.Unmarshal(body, &products); err != nil {
		return fmt.Errorf("parse products: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range products {
		info := productInfo{
			lotSize:     decimal.NewFromFloat(0.00001),
			minNotional: decimal.NewFromInt(1),
		}
		if step, err := decimal.NewFromString(p.BaseIncrement); err == nil && step.IsPositive() {
			info.lotSize = step
		}
		if min, err := decimal.NewFromString(p.MinMarketFunds); err == nil && min.IsPositive() {
			info.minNotional = min
		}
		if tick, err := decimal.NewFromString(p.QuoteIncrement); err == nil && tick.IsPositive() {
			info.pricePrecision = precisionFromStep(tick)
		}
		e.products[p.ID] = info
	}
	e.connected = true
	e.logger.Info("Connected to Coinbase", "products", len(products))
	return nil
}

func (e *Exchange) Disconnect() error {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

// CheckHealth requires connectivity and a recent data heartbeat.
func (e *Exchange) CheckHealth(ctx context.Context) error {
	e.mu.RLock()
	connected := e.connected
	hb := e.lastHeartbeat
	e.mu.RUnlock()

	if !connected {
		return apperrors.ErrNotConnected
	}
	if _, err := e.client.Get(ctx, "/time", nil); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if hb.IsZero() || time.Since(hb) > 10*time.Second {
		return apperrors.ErrStaleMarketData
	}
	return nil
}

func (e *Exchange) GetTicker(ctx context.Context, symbol string) (*core.MarketSnapshot, error) {
	body, err := e.client.Get(ctx, "/products/"+symbol+"/ticker", nil)
	if err != nil {
		return nil, mapError(err)
	}

	var ticker struct {
		Price string `json:"price"`
		Bid   string `json:"bid"`
		Ask   string `json:"ask"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return nil, fmt.Errorf("parse ticker: %w", err)
	}

	bid, err1 := decimal.NewFromString(ticker.Bid)
	ask, err2 := decimal.NewFromString(ticker.Ask)
	last, err3 := decimal.NewFromString(ticker.Price)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, fmt.Errorf("unparseable ticker for %s: %s", symbol, string(body))
	}

	snap, err := core.NewMarketSnapshot(symbol, bid, ask, last, time.Now())
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.lastHeartbeat = snap.Timestamp
	e.mu.Unlock()
	return snap, nil
}

// GetOHLCV fetches candles. The API returns [time, low, high, open, close,
// volume] tuples newest first; they are reversed to chronological order.
func (e *Exchange) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	granularity, ok := granularities[timeframe]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported timeframe %q", apperrors.ErrInvalidOrderParameter, timeframe)
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(limit) * time.Duration(granularity) * time.Second)
	body, err := e.client.Get(ctx, "/products/"+symbol+"/candles", map[string]string{
		"granularity": strconv.Itoa(granularity),
		"start":       start.Format(time.RFC3339),
		"end":         end.Format(time.RFC3339),
	})
	if err != nil {
		return nil, mapError(err)
	}

	var rows [][6]float64
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse candles: %w", err)
	}

	candles := make([]core.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		candles = append(candles, core.Candle{
			Timestamp: time.Unix(int64(r[0]), 0).UTC(),
			Low:       decimal.NewFromFloat(r[1]),
			High:      decimal.NewFromFloat(r[2]),
			Open:      decimal.NewFromFloat(r[3]),
			Close:     decimal.NewFromFloat(r[4]),
			Volume:    decimal.NewFromFloat(r[5]),
		})
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
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

func (e *Exchange) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	body, err := e.client.Get(ctx, "/accounts", nil)
	if err != nil {
		return nil, mapError(err)
	}

	var accounts []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	}
	if err := json.Unmarshal(body, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}

	balances := make(map[string]decimal.Decimal, len(accounts))
	for _, a := range accounts {
		available, err := decimal.NewFromString(a.Available)
		if err != nil {
			continue
		}
		if available.IsPositive() {
			balances[a.Currency] = available
		}
	}
	return balances, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req *core.OrderRequest) (string, error) {
	payload := map[string]interface{}{
		"product_id": req.Symbol,
		"side":       strings.ToLower(string(req.Side)),
		"size":       req.Quantity.String(),
	}
	switch req.Type {
	case core.OrderTypeMarket:
		payload["type"] = "market"
	case core.OrderTypeLimit:
		payload["type"] = "limit"
		payload["price"] = req.Price.String()
	case core.OrderTypePostOnly:
		payload["type"] = "limit"
		payload["price"] = req.Price.String()
		payload["post_only"] = true
	default:
		return "", fmt.Errorf("%w: type %q", apperrors.ErrInvalidOrderParameter, req.Type)
	}
	if req.ClientOrderID != "" {
		payload["client_oid"] = req.ClientOrderID
	}

	body, err := e.client.Post(ctx, "/orders", payload)
	if err != nil {
		return "", mapError(err)
	}

	var order struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return "", fmt.Errorf("parse order response: %w", err)
	}
	if order.Status == "rejected" {
		return "", apperrors.ErrOrderRejected
	}
	return order.ID, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	_, err := e.client.Delete(ctx, "/orders/"+orderID, map[string]string{"product_id": symbol})
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, apperrors.ErrOrderNotFound) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}

func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (core.OrderStatus, error) {
	body, err := e.client.Get(ctx, "/orders/"+orderID, nil)
	if err != nil {
		return "", mapError(err)
	}

	var order struct {
		Status     string `json:"status"`
		DoneReason string `json:"done_reason"`
		FilledSize string `json:"filled_size"`
	}
	if err := json.Unmarshal(body, &order); err != nil {
		return "", fmt.Errorf("parse order: %w", err)
	}

	switch order.Status {
	case "pending":
		return core.OrderStatusPending, nil
	case "open", "active":
		filled, _ := decimal.NewFromString(order.FilledSize)
		if filled.IsPositive() {
			return core.OrderStatusPartiallyFilled, nil
		}
		return core.OrderStatusOpen, nil
	case "done":
		if order.DoneReason == "canceled" {
			return core.OrderStatusCancelled, nil
		}
		return core.OrderStatusFilled, nil
	case "rejected":
		return core.OrderStatusRejected, nil
	}
	return core.OrderStatusPending, nil
}

func (e *Exchange) GetOrderFills(ctx context.Context, symbol, orderID string) ([]core.OrderFill, error) {
	body, err := e.client.Get(ctx, "/fills", map[string]string{
		"order_id":   orderID,
		"product_id": symbol,
	})
	if err != nil {
		return nil, mapError(err)
	}

	var rows []struct {
		Price     string `json:"price"`
		Size      string `json:"size"`
		Fee       string `json:"fee"`
		Side      string `json:"side"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse fills: %w", err)
	}

	fills := make([]core.OrderFill, 0, len(rows))
	for _, r := range rows {
		price, err1 := decimal.NewFromString(r.Price)
		qty, err2 := decimal.NewFromString(r.Size)
		fee, err3 := decimal.NewFromString(r.Fee)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("unparseable fill for order %s", orderID)
		}
		side := core.SideSell
		if r.Side == "buy" {
			side = core.SideBuy
		}
		ts, _ := time.Parse(time.RFC3339, r.CreatedAt)
		fills = append(fills, core.OrderFill{
			OrderID:   orderID,
			Symbol:    symbol,
			Side:      side,
			Quantity:  qty,
			Price:     price,
			Fee:       fee,
			Timestamp: ts,
		})
	}
	return fills, nil
}

func (e *Exchange) GetMakerFeePct() decimal.Decimal { return e.makerFeePct }
func (e *Exchange) GetTakerFeePct() decimal.Decimal { return e.takerFeePct }

func (e *Exchange) GetMinNotional(symbol string) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.products[symbol].minNotional
}

func (e *Exchange) GetLotSize(symbol string) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.products[symbol].lotSize
}

func (e *Exchange) GetPricePrecision(symbol string) int32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.products[symbol].pricePrecision
}

func precisionFromStep(step decimal.Decimal) int32 {
	var p int32
	for p < 12 && !step.Mul(decimal.New(1, p)).IsInteger() {
		p++
	}
	return p
}

// mapError translates HTTP statuses and venue messages to the shared
// sentinels.
func mapError(err error) error {
	var apiErr *pkghttp.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	msg := strings.ToLower(string(apiErr.Body))
	switch {
	case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Body)
	case apiErr.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Body)
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Body)
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Body)
	case strings.Contains(msg, "post only"):
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, apiErr.Body)
	case apiErr.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, apiErr.Body)
	}
	return apiErr
}
