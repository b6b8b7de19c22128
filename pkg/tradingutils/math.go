package tradingutils

import (
	"github.com/shopspring/decimal"
)

var (
	one         = decimal.NewFromInt(1)
	hundred     = decimal.NewFromInt(100)
	tenThousand = decimal.NewFromInt(10000)
)

// RoundPrice rounds a price to the venue's price precision.
func RoundPrice(price decimal.Decimal, precision int32) decimal.Decimal {
	return price.Round(precision)
}

// RoundToLotSize floors a quantity to an integer multiple of the lot size.
// Flooring (never rounding up) keeps the order inside the available balance.
func RoundToLotSize(qty, lotSize decimal.Decimal) decimal.Decimal {
	if lotSize.LessThanOrEqual(decimal.Zero) {
		return qty
	}
	return qty.Div(lotSize).Floor().Mul(lotSize)
}

// Fee returns the fee charged on a notional at the given percentage rate
// (0.1 means 0.1%).
func Fee(notional, feePct decimal.Decimal) decimal.Decimal {
	return notional.Mul(feePct.Div(hundred))
}

// RoundTripCostPct returns the total percentage cost of entering and exiting
// a position at the given fee rates plus twice the expected slippage.
func RoundTripCostPct(entryFeePct, exitFeePct, slippageBps decimal.Decimal) decimal.Decimal {
	slippagePct := slippageBps.Div(hundred)
	return entryFeePct.Add(exitFeePct).Add(slippagePct.Mul(decimal.NewFromInt(2)))
}

// MinimumProfitableMovePct is the smallest percentage price move that covers
// the round-trip cost. Swing thresholds below this lose money on every cycle.
func MinimumProfitableMovePct(entryFeePct, exitFeePct, slippageBps decimal.Decimal) decimal.Decimal {
	return RoundTripCostPct(entryFeePct, exitFeePct, slippageBps)
}

// ApplySlippageBps worsens a price by slippageBps in the taker's disfavor:
// buys pay more, sells receive less.
func ApplySlippageBps(price, slippageBps decimal.Decimal, isBuy bool) decimal.Decimal {
	adj := slippageBps.Div(tenThousand)
	if isBuy {
		return price.Mul(one.Add(adj))
	}
	return price.Mul(one.Sub(adj))
}
