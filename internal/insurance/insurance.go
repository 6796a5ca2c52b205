// Package insurance holds the venue's insurance fund: it accumulates its
// share of trading fees, absorbs bad debt left by liquidations, and backs
// the repeg fund. The repeg fund never goes negative; the main balance can,
// which signals venue insolvency to the operator.
package insurance

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Fund is the venue-wide insurance fund.
type Fund struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	repegFund decimal.Decimal
}

// New creates an empty fund.
func New() *Fund {
	return &Fund{}
}

// Balance returns the main insurance balance.
func (f *Fund) Balance() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance
}

// RepegFund returns the balance reserved for repegs.
func (f *Fund) RepegFund() decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repegFund
}

// Contribute credits trading-fee income to the main balance.
func (f *Fund) Contribute(amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = f.balance.Add(amount)
}

// CoverBadDebt debits the main balance by the given shortfall and returns
// the balance after. The balance may go negative.
func (f *Fund) CoverBadDebt(amount decimal.Decimal) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = f.balance.Sub(amount)
	return f.balance
}

// CreditRepeg books a repeg gain into the repeg fund.
func (f *Fund) CreditRepeg(amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repegFund = f.repegFund.Add(amount)
}

// CanAfford reports whether the repeg fund and main balance together cover
// the given cost. Callers check this before committing a repeg.
func (f *Fund) CanAfford(cost decimal.Decimal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.repegFund.Add(f.balance).GreaterThanOrEqual(cost)
}

// PayRepeg covers a repeg cost, drawing the repeg fund first and the main
// balance for the remainder. The repeg fund never goes negative; the main
// balance can, if the actual cost exceeds the prechecked estimate.
func (f *Fund) PayRepeg(cost decimal.Decimal) {
	if cost.Sign() <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fromRepeg := decimal.Min(cost, f.repegFund)
	if fromRepeg.Sign() < 0 {
		fromRepeg = decimal.Zero
	}
	f.repegFund = f.repegFund.Sub(fromRepeg)
	f.balance = f.balance.Sub(cost.Sub(fromRepeg))
}
