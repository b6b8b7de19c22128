package strategy

import (
	"volharvester/internal/core"

	"github.com/shopspring/decimal"
)

// CalculateATRPct computes the Average True Range over the given period as a
// percentage of the latest close. True range for each bar is the largest of
// high-low, |high-prevClose|, |low-prevClose|; the ATR is their simple
// average over the last period bars.
//
// Requires period+1 candles (the first only supplies a previous close).
// Returns ok=false with insufficient data or a non-positive last close.
func CalculateATRPct(candles []core.Candle, period int) (decimal.Decimal, bool) {
	if period < 1 || len(candles) < period+1 {
		return decimal.Zero, false
	}

	window := candles[len(candles)-period-1:]
	lastClose := window[len(window)-1].Close
	if lastClose.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, false
	}

	trSum := decimal.Zero
	for i := 1; i < len(window); i++ {
		prevClose := window[i-1].Close
		tr := trueRange(window[i].High, window[i].Low, prevClose)
		trSum = trSum.Add(tr)
	}

	atr := trSum.Div(decimal.NewFromInt(int64(period)))
	return atr.Div(lastClose).Mul(hundred), true
}

func trueRange(high, low, prevClose decimal.Decimal) decimal.Decimal {
	tr := high.Sub(low)
	if hc := high.Sub(prevClose).Abs(); hc.GreaterThan(tr) {
		tr = hc
	}
	if lc := low.Sub(prevClose).Abs(); lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}
