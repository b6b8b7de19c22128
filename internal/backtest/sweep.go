package backtest

import (
	"runtime"
	"sort"
	"sync"
	"volharvester/internal/core"
	"volharvester/internal/risk"
	"volharvester/internal/strategy"
	"volharvester/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// SweepPoint is one parameter combination and its replay outcome.
type SweepPoint struct {
	BuyThresholdPct  decimal.Decimal `json:"buy_threshold_pct"`
	SellThresholdPct decimal.Decimal `json:"sell_threshold_pct"`
	Result           *Result         `json:"result,omitempty"`
	Err              string          `json:"error,omitempty"`

	TotalReturnPct float64 `json:"total_return_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	Trades         int     `json:"trades"`
}

// Sweep replays every buy/sell threshold combination on a worker pool and
// returns the points ordered by descending total return. Each combination
// gets its own strategy with adaptive thresholds disabled so the swept
// values actually drive the run, and its own seeded generator so runs are
// reproducible and independent of scheduling order.
func Sweep(cfg Config, stratCfg strategy.Config, riskCfg risk.Config, candles []core.Candle,
	buyGrid, sellGrid []decimal.Decimal, logger core.ILogger) []SweepPoint {

	stratCfg.AdaptiveThresholds = false

	points := make([]SweepPoint, 0, len(buyGrid)*len(sellGrid))
	for _, buy := range buyGrid {
		for _, sell := range sellGrid {
			points = append(points, SweepPoint{BuyThresholdPct: buy, SellThresholdPct: sell})
		}
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "backtest_sweep",
		MaxWorkers:  runtime.NumCPU(),
		MaxCapacity: len(points),
	}, logger)

	var mu sync.Mutex
	for i := range points {
		idx := i
		pool.Submit(func() {
			pt := points[idx]
			sc := stratCfg
			sc.BuyThresholdPct = pt.BuyThresholdPct
			sc.SellThresholdPct = pt.SellThresholdPct

			runner := NewRunner(cfg, strategy.New(sc, logger), risk.NewManager(riskCfg, logger), logger)
			res, err := runner.Run(candles, pt.BuyThresholdPct, pt.SellThresholdPct)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				points[idx].Err = err.Error()
				return
			}
			points[idx].Trades = len(res.Trades)
			// Drop the bulky series from sweep output; rerun the winning
			// combination alone to get the full curve.
			res.EquityCurve = nil
			res.Trades = nil
			points[idx].Result = res
			points[idx].TotalReturnPct = res.TotalReturnPct
			points[idx].MaxDrawdownPct = res.MaxDrawdownPct
			points[idx].SharpeRatio = res.SharpeRatio
		})
	}
	pool.Stop()

	sort.Slice(points, func(i, j int) bool { return points[i].TotalReturnPct > points[j].TotalReturnPct })
	return points
}
