// Package trader drives a paper or live trading session: one worker
// goroutine evaluating market data, risk, and signals on a fixed cadence.
package trader

import (
	"context"
	"errors"
	"sync"
	"time"
	"volharvester/internal/alert"
	"volharvester/internal/core"
	"volharvester/internal/execution"
	"volharvester/internal/portfolio"
	"volharvester/internal/risk"
	"volharvester/internal/strategy"
	apperrors "volharvester/pkg/errors"
	"volharvester/pkg/retry"
	"volharvester/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config holds the session parameters.
type Config struct {
	Mode             core.TradingMode
	Symbol           string
	BaseAsset        string
	QuoteAsset       string
	StartingCash     decimal.Decimal
	BuyThresholdPct  decimal.Decimal
	SellThresholdPct decimal.Decimal
	LoopInterval     time.Duration
	CandleTimeframe  string
	CandleLimit      int
	SyncBalances     bool
	ResumeState      bool
}

// Deps are the collaborators a session needs.
type Deps struct {
	Exchange  core.IExchange
	Strategy  *strategy.Harvester
	Risk      *risk.Manager
	Engine    *execution.Engine
	Portfolio *portfolio.Portfolio
	Store     core.IStateStore
	Recorder  core.ITradeRecorder
	Alerts    *alert.AlertManager
	Logger    core.ILogger
}

// Trader owns one session. All state mutation happens under mu, either from
// the loop goroutine or from control calls (emergency flatten, resume), so
// an iteration is never interleaved with a control action.
type Trader struct {
	cfg  Config
	deps Deps

	mu      sync.RWMutex
	state   *core.StrategyState
	running bool
	stopCh  chan struct{}
	runID   int64

	// entry leg of the open round trip, for cost-basis PnL
	entryTime time.Time
	entryFee  decimal.Decimal

	lastIteration time.Time
	lastError     string

	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

// New creates a session driver.
func New(cfg Config, deps Deps) *Trader {
	if cfg.CandleTimeframe == "" {
		cfg.CandleTimeframe = "1m"
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = 30
	}
	return &Trader{
		cfg:     cfg,
		deps:    deps,
		stopCh:  make(chan struct{}),
		logger:  deps.Logger.WithField("component", "trader").WithField("mode", string(cfg.Mode)),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// Run blocks until the context is cancelled or Stop is called. It restores
// persisted state, connects the exchange, and then iterates on the cadence.
func (t *Trader) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return apperrors.ErrSessionRunning
	}
	t.running = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	if err := t.deps.Exchange.Connect(ctx); err != nil {
		return err
	}
	defer t.deps.Exchange.Disconnect()

	if err := t.restoreState(ctx); err != nil {
		return err
	}

	runID, err := t.deps.Recorder.OpenRun(ctx, t.cfg.Mode, t.cfg.Symbol, t.cfg.StartingCash)
	if err != nil {
		return err
	}
	t.runID = runID

	t.deps.Engine.SetOrderObserver(func(req *core.OrderRequest, orderID string, status core.OrderStatus) {
		if err := t.deps.Recorder.RecordOrder(ctx, t.runID, req, orderID, status); err != nil {
			t.logger.Warn("Failed to record order", "error", err)
		}
	})

	t.logger.Info("Session started", "symbol", t.cfg.Symbol, "interval", t.cfg.LoopInterval.String())
	if t.deps.Alerts != nil {
		t.deps.Alerts.Alert("Session started", "Trading session started", alert.Info, map[string]string{
			"mode": string(t.cfg.Mode), "symbol": t.cfg.Symbol,
		})
	}

	ticker := time.NewTicker(t.cfg.LoopInterval)
	defer ticker.Stop()

	t.iterate(ctx)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-t.stopCh:
			break loop
		case <-ticker.C:
			t.iterate(ctx)
		}
	}

	return t.shutdown()
}

// Stop requests a graceful stop; the loop observes it at the next iteration
// boundary. Safe to call more than once.
func (t *Trader) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

// IsRunning reports whether the loop is active.
func (t *Trader) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

func (t *Trader) restoreState(ctx context.Context) error {
	if t.cfg.ResumeState {
		state, err := t.deps.Store.LoadState(ctx)
		if err == nil {
			t.mu.Lock()
			t.state = state
			t.deps.Portfolio.Restore(state.CashBalance, state.PositionQty, state.LastBuyPrice, state.RealizedPnL)
			t.mu.Unlock()
			t.logger.Info("Restored persisted state", "position", string(state.Position), "equity", state.Equity)
			return nil
		}
		if !errors.Is(err, apperrors.ErrNoState) {
			return err
		}
	}

	t.mu.Lock()
	t.state = core.NewStrategyState(t.cfg.StartingCash, t.cfg.BuyThresholdPct, t.cfg.SellThresholdPct, time.Now())
	t.mu.Unlock()
	return nil
}

func (t *Trader) shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.deps.Store.SaveState(ctx, t.state); err != nil {
		t.logger.Error("Failed to save state on shutdown", "error", err)
	}

	summary := core.RunSummary{
		EndedAt:     time.Now(),
		FinalEquity: t.state.Equity,
		RealizedPnL: t.state.RealizedPnL,
		TotalTrades: t.state.TotalTrades,
	}
	if err := t.deps.Recorder.CloseRun(ctx, t.runID, summary); err != nil {
		t.logger.Warn("Failed to close run", "error", err)
	}

	t.logger.Info("Session stopped", "equity", t.state.Equity, "realized_pnl", t.state.RealizedPnL,
		"trades", t.state.TotalTrades)
	return nil
}

// iterate runs one evaluation: market data, account sync, risk, signal,
// execution, persistence. Errors skip the iteration rather than killing the
// session; the heartbeat breaker catches a persistently dead feed.
func (t *Trader) iterate(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastIteration = time.Now()

	snap, err := t.deps.Exchange.GetTicker(ctx, t.cfg.Symbol)
	if err != nil {
		t.lastError = err.Error()
		t.logger.Warn("Ticker fetch failed", "error", err)
		return
	}
	mid := snap.Mid()

	if t.cfg.SyncBalances {
		t.syncBalances(ctx)
	}

	candles := t.fetchCandles(ctx)

	t.deps.Portfolio.SyncState(t.state, mid)
	t.deps.Risk.UpdateDrawdown(t.state, t.state.Equity)

	now := time.Now()
	tripped, reason, detail := t.deps.Risk.CheckAll(t.state, snap, t.deps.Exchange.LastHeartbeat(), now)
	if tripped {
		wasPaused := t.state.Paused
		t.deps.Risk.Pause(t.state, reason)
		if !wasPaused {
			t.logger.Warn("Circuit breaker tripped", "reason", string(reason), "detail", detail)
			if t.deps.Alerts != nil {
				t.deps.Alerts.Alert("Circuit breaker tripped", detail, alert.Warning, map[string]string{
					"reason": string(reason), "symbol": t.cfg.Symbol,
				})
			}
		}
		if t.deps.Risk.ShouldFlattenPosition(reason) && t.state.Position == core.PositionLong {
			t.flattenLocked(ctx, snap, string(reason))
		}
	}

	signal := t.deps.Strategy.GenerateSignal(t.state, snap, candles)
	t.metrics.SignalsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(signal.Type))))

	switch {
	case signal.Type == core.SignalBuy && t.state.Position == core.PositionFlat && !t.state.Paused:
		t.executeBuy(ctx, signal, snap)
	case signal.Type == core.SignalSell && t.state.Position == core.PositionLong:
		t.executeSell(ctx, signal, snap)
	}

	if err := t.deps.Store.SaveState(ctx, t.state); err != nil {
		t.logger.Warn("Failed to persist state", "error", err)
	}

	t.publishMetrics()
}

func (t *Trader) syncBalances(ctx context.Context) {
	var balances map[string]decimal.Decimal
	err := retry.Do(ctx, retry.DefaultPolicy, retry.IsExchangeTransient, func() error {
		var err error
		balances, err = t.deps.Exchange.GetBalances(ctx)
		return err
	})
	if err != nil {
		t.logger.Warn("Balance sync failed", "error", err)
		return
	}
	t.deps.Portfolio.SetBalances(balances[t.cfg.QuoteAsset], balances[t.cfg.BaseAsset])
}

func (t *Trader) fetchCandles(ctx context.Context) []core.Candle {
	var candles []core.Candle
	err := retry.Do(ctx, retry.DefaultPolicy, retry.IsExchangeTransient, func() error {
		var err error
		candles, err = t.deps.Exchange.GetOHLCV(ctx, t.cfg.Symbol, t.cfg.CandleTimeframe, t.cfg.CandleLimit)
		return err
	})
	if err != nil {
		t.logger.Debug("Candle fetch failed, ATR will not update", "error", err)
		return nil
	}
	return candles
}

func (t *Trader) executeBuy(ctx context.Context, signal core.Signal, snap *core.MarketSnapshot) {
	res := t.deps.Engine.ExecuteBuy(ctx, t.cfg.Symbol, signal.Quantity, snap)
	if !res.Success {
		t.logger.Info("Buy not executed", "reason", res.Reason)
		return
	}
	fill := res.Fill

	if err := t.deps.Portfolio.ExecuteBuy(fill.Quantity, fill.Price, fill.Fee); err != nil {
		// The venue accepted a fill the ledger cannot cover; surface loudly
		t.logger.Error("Ledger rejected buy fill", "error", err)
		return
	}
	t.deps.Strategy.UpdateStateAfterBuy(t.state, fill)
	t.entryTime = fill.Timestamp
	t.entryFee = fill.Fee

	if err := t.deps.Recorder.RecordTrade(ctx, t.runID, fill, decimal.Zero); err != nil {
		t.logger.Warn("Failed to record trade", "error", err)
	}
	t.metrics.TradesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("side", "buy")))
	t.logger.Info("Entered position", "qty", fill.Quantity, "price", fill.Price, "reason", signal.Reason)
}

func (t *Trader) executeSell(ctx context.Context, signal core.Signal, snap *core.MarketSnapshot) {
	entryPrice := t.state.LastBuyPrice

	res := t.deps.Engine.ExecuteSell(ctx, t.cfg.Symbol, signal.Quantity, snap)
	if !res.Success {
		t.logger.Info("Sell not executed", "reason", res.Reason)
		return
	}
	t.settleExit(ctx, res.Fill, entryPrice, signal.Reason)
}

// settleExit applies a completed exit fill: ledger, cost-basis PnL, risk
// counters, state transition, audit rows.
func (t *Trader) settleExit(ctx context.Context, fill *core.OrderFill, entryPrice decimal.Decimal, reason string) {
	if err := t.deps.Portfolio.ExecuteSell(fill.Quantity, fill.Price, fill.Fee); err != nil {
		t.logger.Error("Ledger rejected sell fill", "error", err)
		return
	}

	// Authoritative realized PnL from actual entry and exit fills
	pnl := fill.Price.Sub(entryPrice).Mul(fill.Quantity).Sub(t.entryFee).Sub(fill.Fee)
	t.deps.Portfolio.AddRealizedPnL(pnl)
	t.deps.Risk.RecordTradeResult(t.state, pnl, time.Now())
	t.deps.Strategy.UpdateStateAfterSell(t.state, fill)

	t.metrics.PnLRealizedTotal.Add(ctx, pnlFloat(pnl), metric.WithAttributes(attribute.String("symbol", t.cfg.Symbol)))
	t.metrics.TradesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("side", "sell")))

	if err := t.deps.Recorder.RecordTrade(ctx, t.runID, fill, pnl); err != nil {
		t.logger.Warn("Failed to record trade", "error", err)
	}
	pos := &core.ClosedPosition{
		Symbol:     t.cfg.Symbol,
		Quantity:   fill.Quantity,
		EntryTime:  t.entryTime,
		EntryPrice: entryPrice,
		ExitTime:   fill.Timestamp,
		ExitPrice:  fill.Price,
		Fees:       t.entryFee.Add(fill.Fee),
		PnL:        pnl,
	}
	if err := t.deps.Recorder.RecordPosition(ctx, t.runID, pos); err != nil {
		t.logger.Warn("Failed to record position", "error", err)
	}

	t.entryFee = decimal.Zero
	t.entryTime = time.Time{}
	t.logger.Info("Exited position", "qty", fill.Quantity, "price", fill.Price, "pnl", pnl, "reason", reason)
}

// flattenLocked market-sells the whole position. Caller holds mu.
func (t *Trader) flattenLocked(ctx context.Context, snap *core.MarketSnapshot, cause string) {
	entryPrice := t.state.LastBuyPrice
	qty := t.state.PositionQty

	t.logger.Warn("Flattening position", "qty", qty, "cause", cause)
	res := t.deps.Engine.ExecuteMarketSell(ctx, t.cfg.Symbol, qty, snap)
	if !res.Success {
		t.logger.Error("Emergency flatten failed", "reason", res.Reason)
		if t.deps.Alerts != nil {
			t.deps.Alerts.Alert("Emergency flatten FAILED", res.Reason, alert.Critical, map[string]string{
				"symbol": t.cfg.Symbol, "cause": cause,
			})
		}
		return
	}
	t.settleExit(ctx, res.Fill, entryPrice, "flatten: "+cause)
	if t.deps.Alerts != nil {
		t.deps.Alerts.Alert("Position flattened", "Position closed at market", alert.Critical, map[string]string{
			"symbol": t.cfg.Symbol, "cause": cause, "price": res.Fill.Price.String(),
		})
	}
}

// EmergencyFlatten market-sells any open position and pauses the session
// with the manual reason. Invoked from the control API.
func (t *Trader) EmergencyFlatten(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == nil {
		return apperrors.ErrNoSession
	}

	if t.state.Position == core.PositionLong {
		snap, err := t.deps.Exchange.GetTicker(ctx, t.cfg.Symbol)
		if err != nil {
			return err
		}
		t.flattenLocked(ctx, snap, "manual")
	}
	t.deps.Risk.Pause(t.state, core.BreakerManual)
	return nil
}

// Resume clears a pause so trading restarts at the next iteration.
func (t *Trader) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return apperrors.ErrNoSession
	}
	t.deps.Risk.Resume(t.state)
	return nil
}

// Status returns a snapshot of the session for the control API.
func (t *Trader) Status() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := map[string]interface{}{
		"mode":    string(t.cfg.Mode),
		"symbol":  t.cfg.Symbol,
		"running": t.running,
	}
	if t.state != nil {
		status["position"] = string(t.state.Position)
		status["position_qty"] = t.state.PositionQty.String()
		status["cash"] = t.state.CashBalance.String()
		status["equity"] = t.state.Equity.String()
		status["realized_pnl"] = t.state.RealizedPnL.String()
		status["unrealized_pnl"] = t.state.UnrealizedPnL.String()
		status["drawdown_pct"] = t.state.DrawdownPct.String()
		status["peak_equity"] = t.state.PeakEquity.String()
		status["buy_threshold_pct"] = t.state.BuyThresholdPct.String()
		status["sell_threshold_pct"] = t.state.SellThresholdPct.String()
		status["atr_pct"] = t.state.ATRPct.String()
		status["consecutive_losses"] = t.state.ConsecutiveLosses
		status["consecutive_wins"] = t.state.ConsecutiveWins
		status["winning_trades"] = t.state.WinningTrades
		status["total_trades"] = t.state.TotalTrades
		if t.state.TotalTrades > 0 {
			winRate := decimal.NewFromInt(int64(t.state.WinningTrades)).
				Mul(hundred).Div(decimal.NewFromInt(int64(t.state.TotalTrades)))
			status["win_rate_pct"] = winRate.Round(2).String()
		}
		status["paused"] = t.state.Paused
		status["pause_reason"] = string(t.state.PauseReason)
	}
	if t.lastError != "" {
		status["last_error"] = t.lastError
	}
	if !t.lastIteration.IsZero() {
		status["last_iteration"] = t.lastIteration.UTC().Format(time.RFC3339)
	}
	return status
}

// HealthCheck reports loop liveness for the health registry.
func (t *Trader) HealthCheck() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return apperrors.ErrNoSession
	}
	if !t.lastIteration.IsZero() && time.Since(t.lastIteration) > 5*t.cfg.LoopInterval {
		return apperrors.ErrStaleMarketData
	}
	return nil
}

func (t *Trader) publishMetrics() {
	sym := t.cfg.Symbol
	equity, _ := t.state.Equity.Float64()
	dd, _ := t.state.DrawdownPct.Float64()
	qty, _ := t.state.PositionQty.Float64()
	upnl, _ := t.state.UnrealizedPnL.Float64()
	atr, _ := t.state.ATRPct.Float64()

	t.metrics.SetEquity(sym, equity)
	t.metrics.SetDrawdownPct(sym, dd)
	t.metrics.SetPositionQty(sym, qty)
	t.metrics.SetUnrealizedPnL(sym, upnl)
	t.metrics.SetATRPct(sym, atr)
	t.metrics.SetCircuitBreakerOpen(sym, t.state.Paused)
}

func pnlFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

var hundred = decimal.NewFromInt(100)
