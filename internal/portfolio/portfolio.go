// Package portfolio tracks cash and the single open position as the
// authoritative ledger for one trading session.
package portfolio

import (
	"fmt"
	"sync"
	"volharvester/internal/core"
	apperrors "volharvester/pkg/errors"

	"github.com/shopspring/decimal"
)

// Portfolio is the cash/position ledger. Every fill flows through it; equity
// is always derivable as cash + position * mark.
type Portfolio struct {
	mu sync.RWMutex

	cash        decimal.Decimal
	positionQty decimal.Decimal
	entryPrice  decimal.Decimal // average entry of the open position, zero when flat

	realizedPnL decimal.Decimal
	totalFees   decimal.Decimal
	trades      int

	logger core.ILogger
}

// New creates a ledger with the given starting cash.
func New(startingCash decimal.Decimal, logger core.ILogger) *Portfolio {
	return &Portfolio{
		cash:   startingCash,
		logger: logger.WithField("component", "portfolio"),
	}
}

// ExecuteBuy debits cash by qty*price+fee and credits the position.
// Returns ErrInsufficientFunds if cash cannot cover cost plus fee.
func (p *Portfolio) ExecuteBuy(qty, price, fee decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: qty=%s price=%s", apperrors.ErrInvalidOrderParameter, qty, price)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cost := qty.Mul(price).Add(fee)
	if p.cash.LessThan(cost) {
		return fmt.Errorf("%w: need %s, have %s", apperrors.ErrInsufficientFunds, cost, p.cash)
	}

	// Weighted average entry in case of partial fills arriving separately
	if p.positionQty.IsZero() {
		p.entryPrice = price
	} else {
		oldNotional := p.positionQty.Mul(p.entryPrice)
		newQty := p.positionQty.Add(qty)
		p.entryPrice = oldNotional.Add(qty.Mul(price)).Div(newQty)
	}

	p.cash = p.cash.Sub(cost)
	p.positionQty = p.positionQty.Add(qty)
	p.totalFees = p.totalFees.Add(fee)
	p.trades++

	p.logger.Debug("Buy applied to ledger", "qty", qty, "price", price, "fee", fee, "cash", p.cash)
	return nil
}

// ExecuteSell credits cash with qty*price-fee and debits the position.
// Returns ErrInsufficientPosition if the position cannot cover qty.
func (p *Portfolio) ExecuteSell(qty, price, fee decimal.Decimal) error {
	if qty.LessThanOrEqual(decimal.Zero) || price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: qty=%s price=%s", apperrors.ErrInvalidOrderParameter, qty, price)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.positionQty.LessThan(qty) {
		return fmt.Errorf("%w: need %s, have %s", apperrors.ErrInsufficientPosition, qty, p.positionQty)
	}

	proceeds := qty.Mul(price).Sub(fee)
	p.cash = p.cash.Add(proceeds)
	p.positionQty = p.positionQty.Sub(qty)
	if p.positionQty.IsZero() {
		p.entryPrice = decimal.Zero
	}
	p.totalFees = p.totalFees.Add(fee)
	p.trades++

	p.logger.Debug("Sell applied to ledger", "qty", qty, "price", price, "fee", fee, "cash", p.cash)
	return nil
}

// AddRealizedPnL records the cost-basis PnL of a completed round trip. The
// driver computes it from the actual entry and exit fills; the ledger only
// accumulates.
func (p *Portfolio) AddRealizedPnL(pnl decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.realizedPnL = p.realizedPnL.Add(pnl)
}

// GetEquity returns cash + position * mark.
func (p *Portfolio) GetEquity(mark decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash.Add(p.positionQty.Mul(mark))
}

// GetUnrealizedPnL returns position * (mark - entry), zero when flat.
func (p *Portfolio) GetUnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.positionQty.IsZero() {
		return decimal.Zero
	}
	return p.positionQty.Mul(mark.Sub(p.entryPrice))
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// PositionQty returns the current position quantity.
func (p *Portfolio) PositionQty() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.positionQty
}

// EntryPrice returns the average entry of the open position, zero when flat.
func (p *Portfolio) EntryPrice() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entryPrice
}

// RealizedPnL returns the accumulated realized PnL.
func (p *Portfolio) RealizedPnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realizedPnL
}

// TotalFees returns the fees paid so far.
func (p *Portfolio) TotalFees() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalFees
}

// TradeCount returns the number of fills applied.
func (p *Portfolio) TradeCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trades
}

// Restore rebuilds the ledger from a persisted session state so a restarted
// process resumes with the same book.
func (p *Portfolio) Restore(cash, positionQty, entryPrice, realizedPnL decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = cash
	p.positionQty = positionQty
	p.entryPrice = entryPrice
	p.realizedPnL = realizedPnL
}

// SetBalances overwrites cash and position from an external source of truth
// (exchange account sync in paper/live mode).
func (p *Portfolio) SetBalances(cash, positionQty decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = cash
	p.positionQty = positionQty
	if p.positionQty.IsZero() {
		p.entryPrice = decimal.Zero
	}
}

// SyncState copies the ledger view into the session state. Drawdown and peak
// equity are owned by the risk manager and deliberately not touched here.
func (p *Portfolio) SyncState(state *core.StrategyState, mark decimal.Decimal) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state.CashBalance = p.cash
	state.PositionQty = p.positionQty
	state.Equity = p.cash.Add(p.positionQty.Mul(mark))
	state.RealizedPnL = p.realizedPnL
	if p.positionQty.IsZero() {
		state.UnrealizedPnL = decimal.Zero
	} else {
		state.UnrealizedPnL = p.positionQty.Mul(mark.Sub(p.entryPrice))
	}
}
