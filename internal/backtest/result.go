package backtest

import (
	"math"
	"time"
	"volharvester/internal/core"

	"github.com/shopspring/decimal"
)

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Result is the outcome of one replay. Money amounts stay in decimal; the
// derived statistics are float64 since they are descriptive, not ledger
// entries.
type Result struct {
	Symbol       string          `json:"symbol"`
	StartingCash decimal.Decimal `json:"starting_cash"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`

	FinalEquity   decimal.Decimal `json:"final_equity"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenPosition  bool            `json:"open_position"`

	Trades          []core.ClosedPosition `json:"trades"`
	EquityCurve     []EquityPoint         `json:"equity_curve,omitempty"`
	CandlesReplayed int                   `json:"candles_replayed"`
	BreakerTrips    int                   `json:"breaker_trips"`

	TotalReturnPct float64 `json:"total_return_pct"`
	CAGRPct        float64 `json:"cagr_pct"`
	WinRate        float64 `json:"win_rate"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	SortinoRatio   float64 `json:"sortino_ratio"`
	ExposurePct    float64 `json:"exposure_pct"`
}

// computeStats fills the derived statistics from the trades and equity curve.
func (r *Result) computeStats() {
	start, _ := r.StartingCash.Float64()
	final, _ := r.FinalEquity.Float64()
	if start > 0 {
		r.TotalReturnPct = 100 * (final - start) / start
	}

	years := r.EndTime.Sub(r.StartTime).Hours() / (24 * 365.25)
	if years > 0 && start > 0 && final > 0 {
		r.CAGRPct = 100 * (math.Pow(final/start, 1/years) - 1)
	}

	r.tradeStats()
	r.curveStats()
}

func (r *Result) tradeStats() {
	if len(r.Trades) == 0 {
		return
	}
	var wins, losses int
	var winSum, lossSum float64
	for _, t := range r.Trades {
		pnl, _ := t.PnL.Float64()
		if pnl > 0 {
			wins++
			winSum += pnl
		} else {
			losses++
			lossSum += -pnl
		}
	}
	r.WinRate = 100 * float64(wins) / float64(len(r.Trades))
	if wins > 0 {
		r.AvgWin = winSum / float64(wins)
	}
	if losses > 0 {
		r.AvgLoss = lossSum / float64(losses)
	}
	if lossSum > 0 {
		r.ProfitFactor = winSum / lossSum
	}
}

// curveStats derives drawdown and risk-adjusted returns from per-sample
// equity returns, annualized from the observed sampling interval.
func (r *Result) curveStats() {
	if len(r.EquityCurve) < 2 {
		return
	}

	peak := r.EquityCurve[0].Equity
	maxDD := 0.0
	returns := make([]float64, 0, len(r.EquityCurve)-1)
	for i, p := range r.EquityCurve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd := 100 * (peak - p.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
		if i > 0 && r.EquityCurve[i-1].Equity > 0 {
			returns = append(returns, p.Equity/r.EquityCurve[i-1].Equity-1)
		}
	}
	r.MaxDrawdownPct = maxDD

	mean := 0.0
	for _, ret := range returns {
		mean += ret
	}
	mean /= float64(len(returns))

	var variance, downVariance float64
	for _, ret := range returns {
		d := ret - mean
		variance += d * d
		if ret < 0 {
			downVariance += ret * ret
		}
	}
	variance /= float64(len(returns))
	downVariance /= float64(len(returns))

	span := r.EndTime.Sub(r.StartTime)
	if span <= 0 {
		return
	}
	interval := span / time.Duration(len(r.EquityCurve)-1)
	periodsPerYear := float64(365.25*24*time.Hour) / float64(interval)
	annualize := math.Sqrt(periodsPerYear)

	if std := math.Sqrt(variance); std > 0 {
		r.SharpeRatio = mean / std * annualize
	}
	if downStd := math.Sqrt(downVariance); downStd > 0 {
		r.SortinoRatio = mean / downStd * annualize
	}
}
