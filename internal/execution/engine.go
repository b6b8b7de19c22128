// Package execution implements the maker-first order protocol: post-only
// inside the spread, poll for the fill, cancel and fall back to a market
// order on timeout.
package execution

import (
	"context"
	"fmt"
	"strings"
	"time"
	"volharvester/internal/core"
	apperrors "volharvester/pkg/errors"
	"volharvester/pkg/telemetry"
	"volharvester/pkg/tradingutils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var quarter = decimal.NewFromFloat(0.25)

// Config holds execution timing and slippage parameters.
type Config struct {
	MakerTimeout     time.Duration
	TakerTimeout     time.Duration
	FillPollInterval time.Duration
	TakerSlippageBps decimal.Decimal
	OrderRateLimit   rate.Limit
	OrderRateBurst   int
}

// Result is the outcome of one execution attempt. Business failures
// (no fill, below minimum notional, rejected) come back here rather than as
// errors; Err carries the classifying sentinel when one applies.
type Result struct {
	Success bool
	Fill    *core.OrderFill
	Reason  string
	Err     error
}

// OrderObserver receives every placement attempt and its outcome, for audit
// recording.
type OrderObserver func(req *core.OrderRequest, orderID string, status core.OrderStatus)

// Engine places orders through an exchange with a shared rate limiter.
type Engine struct {
	exchange core.IExchange
	cfg      Config
	limiter  *rate.Limiter
	logger   core.ILogger
	observer OrderObserver

	tracer        trace.Tracer
	placedCounter metric.Int64Counter
	filledCounter metric.Int64Counter
	fillLatency   metric.Float64Histogram
}

// NewEngine creates an execution engine.
func NewEngine(exchange core.IExchange, cfg Config, logger core.ILogger) *Engine {
	if cfg.OrderRateLimit <= 0 {
		cfg.OrderRateLimit = 10
	}
	if cfg.OrderRateBurst <= 0 {
		cfg.OrderRateBurst = 20
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = 500 * time.Millisecond
	}

	meter := telemetry.GetMeter("execution")
	placed, _ := meter.Int64Counter(telemetry.MetricOrdersPlacedTotal,
		metric.WithDescription("Total orders placed"))
	filled, _ := meter.Int64Counter(telemetry.MetricOrdersFilledTotal,
		metric.WithDescription("Total orders filled"))
	latency, _ := meter.Float64Histogram(telemetry.MetricFillLatency,
		metric.WithDescription("Time from order placement to fill"), metric.WithUnit("s"))

	return &Engine{
		exchange:      exchange,
		cfg:           cfg,
		limiter:       rate.NewLimiter(cfg.OrderRateLimit, cfg.OrderRateBurst),
		logger:        logger.WithField("component", "execution"),
		tracer:        telemetry.GetTracer("execution"),
		placedCounter: placed,
		filledCounter: filled,
		fillLatency:   latency,
	}
}

// SetOrderObserver registers the audit callback.
func (e *Engine) SetOrderObserver(obs OrderObserver) {
	e.observer = obs
}

func (e *Engine) notifyOrder(req *core.OrderRequest, orderID string, status core.OrderStatus) {
	if e.observer != nil {
		e.observer(req, orderID, status)
	}
}

// ExecuteBuy runs the maker-first protocol for an entry.
func (e *Engine) ExecuteBuy(ctx context.Context, symbol string, qty decimal.Decimal, snap *core.MarketSnapshot) Result {
	return e.execute(ctx, symbol, core.SideBuy, qty, snap)
}

// ExecuteSell runs the maker-first protocol for an exit.
func (e *Engine) ExecuteSell(ctx context.Context, symbol string, qty decimal.Decimal, snap *core.MarketSnapshot) Result {
	return e.execute(ctx, symbol, core.SideSell, qty, snap)
}

// ExecuteMarketSell sells immediately at market, skipping the maker leg.
// Used for emergency flattening where latency beats fees.
func (e *Engine) ExecuteMarketSell(ctx context.Context, symbol string, qty decimal.Decimal, snap *core.MarketSnapshot) Result {
	qty, res := e.prepareQuantity(symbol, core.SideSell, qty, e.takerExpectedPrice(core.SideSell, snap))
	if res != nil {
		return *res
	}
	return e.takerLeg(ctx, symbol, core.SideSell, qty, snap)
}

func (e *Engine) execute(ctx context.Context, symbol string, side core.Side, qty decimal.Decimal, snap *core.MarketSnapshot) Result {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("Execute %s", side),
		trace.WithAttributes(
			attribute.String("symbol", symbol),
			attribute.String("side", string(side)),
			attribute.String("qty", qty.String()),
		))
	defer span.End()

	makerPrice := e.makerPrice(side, snap)
	qty, failed := e.prepareQuantity(symbol, side, qty, makerPrice)
	if failed != nil {
		return *failed
	}

	// Maker leg: post-only just inside the spread.
	req := &core.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          core.OrderTypePostOnly,
		Quantity:      qty,
		Price:         makerPrice,
		ClientOrderID: newClientOrderID(side),
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return Result{Reason: "context cancelled before placement", Err: err}
	}

	placedAt := time.Now()
	orderID, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		// A post-only rejection (price would cross) is expected in a fast
		// market; go straight to the taker leg.
		e.logger.Warn("Maker order rejected, falling back to taker", "side", side, "price", makerPrice, "error", err)
		span.RecordError(err)
		e.notifyOrder(req, "", core.OrderStatusRejected)
		return e.takerLeg(ctx, symbol, side, qty, snap)
	}
	e.placedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "post_only")))
	e.notifyOrder(req, orderID, core.OrderStatusOpen)
	e.logger.Info("Maker order placed", "side", side, "order_id", orderID, "price", makerPrice, "qty", qty)

	fill, err := e.waitForFill(ctx, symbol, orderID, e.cfg.MakerTimeout)
	if err == nil {
		e.recordFill(ctx, placedAt, "post_only")
		return Result{Success: true, Fill: fill}
	}
	if ctx.Err() != nil {
		return Result{Reason: "context cancelled while waiting for fill", Err: ctx.Err()}
	}

	// Timed out: cancel, then re-check once. The cancel can race a fill.
	cancelled, cancelErr := e.exchange.CancelOrder(ctx, symbol, orderID)
	if cancelErr != nil || !cancelled {
		if fill, err := e.collectFill(ctx, symbol, orderID); err == nil {
			e.logger.Info("Maker order filled during cancel race", "order_id", orderID)
			e.recordFill(ctx, placedAt, "post_only")
			return Result{Success: true, Fill: fill}
		}
	}
	e.logger.Info("Maker order timed out, falling back to taker", "order_id", orderID)

	return e.takerLeg(ctx, symbol, side, qty, snap)
}

func (e *Engine) takerLeg(ctx context.Context, symbol string, side core.Side, qty decimal.Decimal, snap *core.MarketSnapshot) Result {
	expected := e.takerExpectedPrice(side, snap)

	// Slippage-adjusted expected price guards the notional check only; the
	// actual fill price comes from the exchange.
	minNotional := e.exchange.GetMinNotional(symbol)
	if qty.Mul(expected).LessThan(minNotional) {
		return Result{
			Reason: fmt.Sprintf("taker notional %s below minimum %s", qty.Mul(expected).Round(2), minNotional),
			Err:    apperrors.ErrBelowMinNotional,
		}
	}

	req := &core.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          core.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: newClientOrderID(side),
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return Result{Reason: "context cancelled before taker placement", Err: err}
	}

	placedAt := time.Now()
	orderID, err := e.exchange.PlaceOrder(ctx, req)
	if err != nil {
		e.notifyOrder(req, "", core.OrderStatusRejected)
		return Result{Reason: fmt.Sprintf("taker order rejected: %v", err), Err: err}
	}
	e.placedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "market")))
	e.notifyOrder(req, orderID, core.OrderStatusOpen)

	fill, err := e.waitForFill(ctx, symbol, orderID, e.cfg.TakerTimeout)
	if err != nil {
		return Result{Reason: fmt.Sprintf("taker order %s not filled: %v", orderID, err), Err: err}
	}
	e.recordFill(ctx, placedAt, "market")
	return Result{Success: true, Fill: fill}
}

// prepareQuantity floors to lot size and checks the minimum notional at the
// given reference price. Returns a failure Result when the order is too
// small to place.
func (e *Engine) prepareQuantity(symbol string, side core.Side, qty, refPrice decimal.Decimal) (decimal.Decimal, *Result) {
	if qty.LessThanOrEqual(decimal.Zero) {
		return qty, &Result{Reason: "non-positive quantity", Err: apperrors.ErrInvalidOrderParameter}
	}
	qty = tradingutils.RoundToLotSize(qty, e.exchange.GetLotSize(symbol))
	if qty.LessThanOrEqual(decimal.Zero) {
		return qty, &Result{Reason: "quantity below lot size", Err: apperrors.ErrBelowMinNotional}
	}
	minNotional := e.exchange.GetMinNotional(symbol)
	if qty.Mul(refPrice).LessThan(minNotional) {
		return qty, &Result{
			Reason: fmt.Sprintf("%s notional %s below minimum %s", side, qty.Mul(refPrice).Round(2), minNotional),
			Err:    apperrors.ErrBelowMinNotional,
		}
	}
	return qty, nil
}

// makerPrice places the order a quarter of the spread inside the touch,
// rounded to the venue's price precision.
func (e *Engine) makerPrice(side core.Side, snap *core.MarketSnapshot) decimal.Decimal {
	improvement := snap.Spread().Mul(quarter)
	var px decimal.Decimal
	if side == core.SideBuy {
		px = snap.Bid.Add(improvement)
	} else {
		px = snap.Ask.Sub(improvement)
	}
	return px.Round(e.exchange.GetPricePrecision(snap.Symbol))
}

// takerExpectedPrice worsens the touch by the configured slippage: buys are
// expected to pay more than the ask, sells to receive less than the bid.
func (e *Engine) takerExpectedPrice(side core.Side, snap *core.MarketSnapshot) decimal.Decimal {
	if side == core.SideBuy {
		return tradingutils.ApplySlippageBps(snap.Ask, e.cfg.TakerSlippageBps, true)
	}
	return tradingutils.ApplySlippageBps(snap.Bid, e.cfg.TakerSlippageBps, false)
}

// waitForFill polls order status until filled, the timeout elapses, or the
// context is cancelled. This is the only nested wait inside an iteration and
// it is strictly bounded by the timeout.
func (e *Engine) waitForFill(ctx context.Context, symbol, orderID string, timeout time.Duration) (*core.OrderFill, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(e.cfg.FillPollInterval)
	defer ticker.Stop()

	for {
		status, err := e.exchange.GetOrderStatus(ctx, symbol, orderID)
		if err == nil {
			switch status {
			case core.OrderStatusFilled:
				return e.collectFill(ctx, symbol, orderID)
			case core.OrderStatusRejected, core.OrderStatusCancelled, core.OrderStatusExpired:
				return nil, fmt.Errorf("%w: order %s status %s", apperrors.ErrOrderRejected, orderID, status)
			}
		} else {
			e.logger.Warn("Order status poll failed", "order_id", orderID, "error", err)
		}

		if time.Now().After(deadline) {
			return nil, apperrors.ErrFillTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// collectFill aggregates the order's fills into one: quantity-weighted
// average price, summed quantity and fees.
func (e *Engine) collectFill(ctx context.Context, symbol, orderID string) (*core.OrderFill, error) {
	status, err := e.exchange.GetOrderStatus(ctx, symbol, orderID)
	if err != nil {
		return nil, err
	}
	if status != core.OrderStatusFilled {
		return nil, fmt.Errorf("%w: order %s status %s", apperrors.ErrOrderNotFound, orderID, status)
	}

	fills, err := e.exchange.GetOrderFills(ctx, symbol, orderID)
	if err != nil {
		return nil, err
	}
	if len(fills) == 0 {
		return nil, fmt.Errorf("%w: order %s filled but no fills reported", apperrors.ErrOrderNotFound, orderID)
	}

	agg := fills[0]
	if len(fills) > 1 {
		totalQty := decimal.Zero
		totalNotional := decimal.Zero
		totalFee := decimal.Zero
		for _, f := range fills {
			totalQty = totalQty.Add(f.Quantity)
			totalNotional = totalNotional.Add(f.Quantity.Mul(f.Price))
			totalFee = totalFee.Add(f.Fee)
		}
		agg.Quantity = totalQty
		agg.Price = totalNotional.Div(totalQty)
		agg.Fee = totalFee
		agg.Timestamp = fills[len(fills)-1].Timestamp
	}
	return &agg, nil
}

func (e *Engine) recordFill(ctx context.Context, placedAt time.Time, orderType string) {
	e.filledCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", orderType)))
	e.fillLatency.Record(ctx, time.Since(placedAt).Seconds())
}

func newClientOrderID(side core.Side) string {
	prefix := "buy_"
	if side == core.SideSell {
		prefix = "sell_"
	}
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
