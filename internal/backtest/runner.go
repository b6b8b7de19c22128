// Package backtest replays historical candles through the strategy and risk
// stack with a probabilistic maker/taker fill model.
package backtest

import (
	"fmt"
	"math/rand"
	"sort"
	"time"
	"volharvester/internal/core"
	"volharvester/internal/portfolio"
	"volharvester/internal/risk"
	"volharvester/internal/strategy"

	"github.com/shopspring/decimal"
)

var (
	hundred     = decimal.NewFromInt(100)
	two         = decimal.NewFromInt(2)
	tenThousand = decimal.NewFromInt(10000)
)

// Config holds the replay parameters.
type Config struct {
	Symbol       string
	StartingCash decimal.Decimal

	// Fill model
	MakerFillRate    float64 // probability a resting order fills at its price
	Seed             int64
	SpreadBps        decimal.Decimal // synthetic spread around each close
	TakerSlippageBps decimal.Decimal

	MakerFeePct decimal.Decimal
	TakerFeePct decimal.Decimal

	ATRWarmup int // candles consumed before trading starts
}

// Runner drives one replay. The same strategy and risk code runs here as in
// live sessions; only the venue is simulated.
type Runner struct {
	cfg    Config
	strat  *strategy.Harvester
	risk   *risk.Manager
	logger core.ILogger
}

// NewRunner creates a replay runner.
func NewRunner(cfg Config, strat *strategy.Harvester, riskMgr *risk.Manager, logger core.ILogger) *Runner {
	if cfg.ATRWarmup <= 0 {
		cfg.ATRWarmup = 30
	}
	return &Runner{
		cfg:    cfg,
		strat:  strat,
		risk:   riskMgr,
		logger: logger.WithField("component", "backtest"),
	}
}

// Run replays the candles in timestamp order and returns the result. Candles
// are copied and sorted, so callers may share the slice between runs.
func (r *Runner) Run(candles []core.Candle, buyThresholdPct, sellThresholdPct decimal.Decimal) (*Result, error) {
	if len(candles) <= r.cfg.ATRWarmup {
		return nil, fmt.Errorf("backtest needs more than %d candles, got %d", r.cfg.ATRWarmup, len(candles))
	}

	sorted := make([]core.Candle, len(candles))
	copy(sorted, candles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	rng := rand.New(rand.NewSource(r.cfg.Seed))
	state := core.NewStrategyState(r.cfg.StartingCash, buyThresholdPct, sellThresholdPct, sorted[0].Timestamp)
	book := portfolio.New(r.cfg.StartingCash, r.logger)

	res := &Result{
		Symbol:       r.cfg.Symbol,
		StartingCash: r.cfg.StartingCash,
		StartTime:    sorted[0].Timestamp,
		EndTime:      sorted[len(sorted)-1].Timestamp,
	}

	var entryFee decimal.Decimal
	var entryTime time.Time
	longCandles := 0

	for i := r.cfg.ATRWarmup; i < len(sorted); i++ {
		candle := sorted[i]
		snap := r.syntheticSnapshot(candle)
		mid := snap.Mid()

		book.SyncState(state, mid)
		r.risk.UpdateDrawdown(state, state.Equity)

		// The candle timestamp doubles as the heartbeat; replayed data is
		// never stale by construction.
		if tripped, reason, detail := r.risk.CheckAll(state, snap, candle.Timestamp, candle.Timestamp); tripped {
			if !state.Paused {
				r.logger.Info("Breaker tripped during replay", "reason", string(reason), "detail", detail, "time", candle.Timestamp)
				res.BreakerTrips++
			}
			r.risk.Pause(state, reason)
			if r.risk.ShouldFlattenPosition(reason) && state.Position == core.PositionLong {
				fill := r.takerFill(candle, core.SideSell, state.PositionQty, state.ATRPct, rng)
				r.applyExit(state, book, fill, entryFee, entryTime, res)
				entryFee = decimal.Zero
			}
			// Breakers never auto-resume; a tripped replay stops trading but
			// keeps marking equity so drawdown stats stay honest.
		}

		history := sorted[:i+1]
		signal := r.strat.GenerateSignal(state, snap, history)

		switch {
		case signal.Type == core.SignalBuy && state.Position == core.PositionFlat && !state.Paused:
			fill := r.modelFill(candle, core.SideBuy, signal.Quantity, state.ATRPct, rng)
			if err := book.ExecuteBuy(fill.Quantity, fill.Price, fill.Fee); err != nil {
				r.logger.Debug("Replay buy rejected by ledger", "error", err)
				break
			}
			r.strat.UpdateStateAfterBuy(state, fill)
			entryFee = fill.Fee
			entryTime = fill.Timestamp

		case signal.Type == core.SignalSell && state.Position == core.PositionLong:
			fill := r.modelFill(candle, core.SideSell, signal.Quantity, state.ATRPct, rng)
			r.applyExit(state, book, fill, entryFee, entryTime, res)
			entryFee = decimal.Zero
		}

		if state.Position == core.PositionLong {
			longCandles++
		}

		book.SyncState(state, mid)
		equity, _ := state.Equity.Float64()
		res.EquityCurve = append(res.EquityCurve, EquityPoint{Time: candle.Timestamp, Equity: equity})
	}

	// Mark any open position to the final close rather than force an exit;
	// unrealized PnL is reported separately.
	book.SyncState(state, sorted[len(sorted)-1].Close)
	r.risk.UpdateDrawdown(state, state.Equity)

	res.FinalEquity = state.Equity
	res.RealizedPnL = state.RealizedPnL
	res.UnrealizedPnL = state.UnrealizedPnL
	res.OpenPosition = state.Position == core.PositionLong
	res.CandlesReplayed = len(sorted) - r.cfg.ATRWarmup
	if res.CandlesReplayed > 0 {
		res.ExposurePct = 100 * float64(longCandles) / float64(res.CandlesReplayed)
	}
	res.computeStats()
	return res, nil
}

func (r *Runner) applyExit(state *core.StrategyState, book *portfolio.Portfolio, fill *core.OrderFill, entryFee decimal.Decimal, entryTime time.Time, res *Result) {
	entryPrice := state.LastBuyPrice
	if err := book.ExecuteSell(fill.Quantity, fill.Price, fill.Fee); err != nil {
		r.logger.Debug("Replay sell rejected by ledger", "error", err)
		return
	}
	pnl := fill.Price.Sub(entryPrice).Mul(fill.Quantity).Sub(entryFee).Sub(fill.Fee)
	book.AddRealizedPnL(pnl)
	r.risk.RecordTradeResult(state, pnl, fill.Timestamp)
	r.strat.UpdateStateAfterSell(state, fill)

	res.Trades = append(res.Trades, core.ClosedPosition{
		Symbol:     r.cfg.Symbol,
		Quantity:   fill.Quantity,
		EntryTime:  entryTime,
		EntryPrice: entryPrice,
		ExitTime:   fill.Timestamp,
		ExitPrice:  fill.Price,
		Fees:       entryFee.Add(fill.Fee),
		PnL:        pnl,
	})
}

// syntheticSnapshot centers a configured spread around the candle close.
func (r *Runner) syntheticSnapshot(candle core.Candle) *core.MarketSnapshot {
	half := candle.Close.Mul(r.cfg.SpreadBps).Div(tenThousand).Div(two)
	return &core.MarketSnapshot{
		Symbol:    r.cfg.Symbol,
		Bid:       candle.Close.Sub(half),
		Ask:       candle.Close.Add(half),
		Last:      candle.Close,
		Timestamp: candle.Timestamp,
	}
}

// modelFill draws maker vs taker from the seeded generator. Maker fills earn
// the passive price at maker fees; taker fills pay slippage that widens with
// current volatility.
func (r *Runner) modelFill(candle core.Candle, side core.Side, qty, atrPct decimal.Decimal, rng *rand.Rand) *core.OrderFill {
	if rng.Float64() < r.cfg.MakerFillRate {
		return r.makerFill(candle, side, qty)
	}
	return r.takerFill(candle, side, qty, atrPct, rng)
}

func (r *Runner) makerFill(candle core.Candle, side core.Side, qty decimal.Decimal) *core.OrderFill {
	price := candle.Close
	fee := qty.Mul(price).Mul(r.cfg.MakerFeePct).Div(hundred)
	return &core.OrderFill{
		Symbol:    r.cfg.Symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Fee:       fee,
		Timestamp: candle.Timestamp,
	}
}

func (r *Runner) takerFill(candle core.Candle, side core.Side, qty, atrPct decimal.Decimal, _ *rand.Rand) *core.OrderFill {
	slipBps := r.cfg.TakerSlippageBps.Add(atrPct)
	slip := candle.Close.Mul(slipBps).Div(tenThousand)
	price := candle.Close.Add(slip)
	if side == core.SideSell {
		price = candle.Close.Sub(slip)
	}
	fee := qty.Mul(price).Mul(r.cfg.TakerFeePct).Div(hundred)
	return &core.OrderFill{
		Symbol:    r.cfg.Symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Fee:       fee,
		Timestamp: candle.Timestamp,
	}
}
