// Package exchange executes swaps against market pools and runs the two
// price-convergence mechanisms: time-weighted side-split funding and the
// repeg. Swaps are estimated on a pool clone before commit so the price
// impact cap rejects without side effects.
package exchange

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/account"
	"github.com/perpvenue/engine/internal/insurance"
	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/oracle"
	"github.com/perpvenue/engine/internal/orderbook"
	"github.com/perpvenue/engine/internal/pool"
	"github.com/perpvenue/engine/internal/registry"
	"github.com/perpvenue/engine/internal/tickmath"
)

var (
	// ErrZeroAmount is returned when a swap amount is not strictly positive.
	ErrZeroAmount = errors.New("exchange: amount must be positive")

	// ErrExcessivePriceImpact is returned when a swap would cross more
	// ticks than the market's cap allows.
	ErrExcessivePriceImpact = errors.New("exchange: swap exceeds price impact cap")

	// ErrRepegNotEligible is returned when the repeg preconditions do not
	// hold: spread not breached, breach too recent, or cost unaffordable.
	ErrRepegNotEligible = errors.New("exchange: repeg conditions not met")
)

// Exchange executes trades and convergence mechanics for all markets.
type Exchange struct {
	mu sync.Mutex

	registry *registry.Registry
	book     *orderbook.OrderBook
	acct     *account.AccountBalance
	feed     oracle.PriceFeed
	fund     *insurance.Fund

	twapWindow time.Duration
	breach     map[string]time.Time // market -> spread breach start
	now        func() time.Time
}

// New creates an exchange. twapWindow is the index price TWAP window.
func New(reg *registry.Registry, book *orderbook.OrderBook, acct *account.AccountBalance, feed oracle.PriceFeed, fund *insurance.Fund, twapWindow time.Duration) *Exchange {
	return &Exchange{
		registry:   reg,
		book:       book,
		acct:       acct,
		feed:       feed,
		fund:       fund,
		twapWindow: twapWindow,
		breach:     make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetClock overrides the exchange's time source. Used by tests.
func (e *Exchange) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SwapParams describes one swap request.
type SwapParams struct {
	Trader         string
	Market         string
	IsBaseToQuote  bool // true sells base for quote
	IsExactInput   bool
	Amount         decimal.Decimal
	SqrtPriceLimit decimal.Decimal // zero means no limit
}

// SwapResult reports a swap from the trader's perspective: positive deltas
// flow to the trader. QuoteDelta excludes the fee; QuoteDeltaAfterFee is the
// notional change the position ledger books. LedgerBaseDelta is BaseDelta
// converted through the market's side multipliers.
type SwapResult struct {
	BaseDelta          decimal.Decimal
	QuoteDelta         decimal.Decimal
	LedgerBaseDelta    decimal.Decimal
	QuoteDeltaAfterFee decimal.Decimal
	Fee                decimal.Decimal
	InsuranceFee       decimal.Decimal
	MarkPrice          decimal.Decimal // pool price after the swap
	TicksCrossed       int
}

// MarkPrice returns a market's current pool price.
func (e *Exchange) MarkPrice(market string) (decimal.Decimal, error) {
	p, err := e.registry.Pool(market)
	if err != nil {
		return decimal.Zero, err
	}
	return p.MarkPrice(), nil
}

// IndexPrice returns a market's oracle TWAP over the exchange's window.
func (e *Exchange) IndexPrice(market string) (decimal.Decimal, error) {
	return e.feed.GetIndexPrice(market, e.twapWindow)
}

// Swap accrues funding, checks the price impact cap on a pool clone, then
// commits the swap. The maker share of the fee accrues to the pool; the
// insurance share is returned in the result for the caller to contribute
// once the surrounding operation succeeds, so a margin-check rollback can
// discard it together with the pool snapshot.
func (e *Exchange) Swap(params SwapParams) (SwapResult, error) {
	rec, err := e.registry.GetOpen(params.Market)
	if err != nil {
		return SwapResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.updateFundingLocked(rec); err != nil {
		return SwapResult{}, err
	}

	res, err := e.estimateOn(rec.Pool.Clone(), rec.Config, params)
	if err != nil {
		return SwapResult{}, err
	}

	// Commit. The clone walked the same state, so this cannot fail.
	if _, _, err := rec.Pool.Swap(params.IsBaseToQuote, params.IsExactInput, params.Amount, params.SqrtPriceLimit); err != nil {
		return SwapResult{}, err
	}

	makerFee := res.Fee.Sub(res.InsuranceFee)
	if makerFee.Sign() > 0 {
		if err := rec.Pool.AccrueFee(makerFee); err != nil {
			// No liquidity left in range to credit: the insurance fund
			// takes the maker share as well.
			res.InsuranceFee = res.Fee
		}
	}

	res.LedgerBaseDelta = e.acct.LedgerBaseFromPool(params.Trader, params.Market, res.BaseDelta)
	return res, nil
}

// EstimateSwap quotes a swap against the current pool state without
// executing it or accruing funding.
func (e *Exchange) EstimateSwap(params SwapParams) (SwapResult, error) {
	rec, err := e.registry.GetOpen(params.Market)
	if err != nil {
		return SwapResult{}, err
	}
	res, err := e.estimateOn(rec.Pool.Clone(), rec.Config, params)
	if err != nil {
		return SwapResult{}, err
	}
	res.LedgerBaseDelta = e.acct.LedgerBaseFromPool(params.Trader, params.Market, res.BaseDelta)
	return res, nil
}

// estimateOn runs the swap on a disposable pool clone and derives
// trader-signed deltas, fees, and the tick-cap verdict.
func (e *Exchange) estimateOn(p *pool.Pool, cfg model.Market, params SwapParams) (SwapResult, error) {
	if params.Amount.Sign() <= 0 {
		return SwapResult{}, ErrZeroAmount
	}

	_, tickBefore := p.Slot0()
	in, out, err := p.Swap(params.IsBaseToQuote, params.IsExactInput, params.Amount, params.SqrtPriceLimit)
	if err != nil {
		return SwapResult{}, err
	}
	_, tickAfter := p.Slot0()

	crossed := tickAfter - tickBefore
	if crossed < 0 {
		crossed = -crossed
	}
	if cfg.MaxTickCrossedWithinBlock > 0 && crossed > cfg.MaxTickCrossedWithinBlock {
		return SwapResult{}, ErrExcessivePriceImpact
	}

	res := SwapResult{MarkPrice: p.MarkPrice(), TicksCrossed: crossed}
	if params.IsBaseToQuote {
		res.BaseDelta = in.Neg()
		res.QuoteDelta = out
	} else {
		res.BaseDelta = out
		res.QuoteDelta = in.Neg()
	}

	// Fee on the quote leg, rounded in the venue's favor; the insurance
	// share rounds down so the maker share absorbs the residue.
	res.Fee = res.QuoteDelta.Abs().Mul(cfg.FeeRatio).RoundUp(tickmath.Scale)
	res.InsuranceFee = res.Fee.Mul(cfg.InsuranceFundFeeRatio).RoundDown(tickmath.Scale)
	res.QuoteDeltaAfterFee = res.QuoteDelta.Sub(res.Fee)
	return res, nil
}
