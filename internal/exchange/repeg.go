package exchange

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/tickmath"
)

// RepegResult reports a committed repeg.
type RepegResult struct {
	Market    string          `json:"market"`
	OldMark   decimal.Decimal `json:"old_mark"`
	NewMark   decimal.Decimal `json:"new_mark"`
	Cost      decimal.Decimal `json:"cost"` // positive drew from the repeg fund
	TickShift int             `json:"tick_shift"`
}

// IsOverPriceSpread reports whether the mark price currently deviates from
// the index by more than the market's repeg spread ratio.
func (e *Exchange) IsOverPriceSpread(market string) (bool, error) {
	rec, err := e.registry.Get(market)
	if err != nil {
		return false, err
	}
	index, err := e.feed.GetIndexPrice(market, e.twapWindow)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkSpreadLocked(market, rec.Config.Repeg, rec.Pool.MarkPrice(), index), nil
}

// IsAbleRepeg reports whether the spread has been breached continuously for
// at least the market's configured duration.
func (e *Exchange) IsAbleRepeg(market string) (bool, error) {
	over, err := e.IsOverPriceSpread(market)
	if err != nil || !over {
		return false, err
	}
	rec, err := e.registry.Get(market)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	since, ok := e.breach[market]
	return ok && e.now().Sub(since) >= rec.Config.Repeg.Duration, nil
}

// Repeg moves a market's pool price to the index. Every liquidity order is
// burned and re-minted at ranges shifted toward the index tick; the
// inventory difference is settled against the repeg fund, and the side
// multipliers are rescaled so ledger positions keep their pool-equivalent
// size. Eligibility requires the spread breached for the full configured
// duration and the estimated cost affordable.
func (e *Exchange) Repeg(market string) (RepegResult, error) {
	rec, err := e.registry.GetOpen(market)
	if err != nil {
		return RepegResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Funding settles against the old mark before the price moves.
	if _, err := e.updateFundingLocked(rec); err != nil {
		return RepegResult{}, err
	}

	oldMark := rec.Pool.MarkPrice()
	index, err := e.feed.GetIndexPrice(market, e.twapWindow)
	if err != nil {
		return RepegResult{}, err
	}

	if !e.checkSpreadLocked(market, rec.Config.Repeg, oldMark, index) {
		return RepegResult{}, ErrRepegNotEligible
	}
	since := e.breach[market]
	if e.now().Sub(since) < rec.Config.Repeg.Duration {
		return RepegResult{}, ErrRepegNotEligible
	}

	est, err := e.book.EstimateRebase(market, index)
	if err != nil {
		return RepegResult{}, err
	}
	estCost := rebaseCost(est.AbsorbedBase.Sub(est.ReleasedBase), est.AbsorbedQuote.Sub(est.ReleasedQuote), index)
	if estCost.Sign() > 0 && !e.fund.CanAfford(estCost) {
		return RepegResult{}, ErrRepegNotEligible
	}

	res, err := e.book.Rebase(market, index, func(trader string, fee decimal.Decimal) {
		e.acct.AddOwedRealizedPnl(trader, fee)
	})
	if err != nil {
		return RepegResult{}, err
	}

	cost := rebaseCost(res.AbsorbedBase.Sub(res.ReleasedBase), res.AbsorbedQuote.Sub(res.ReleasedQuote), index)
	if cost.Sign() > 0 {
		e.fund.PayRepeg(cost)
	} else if cost.Sign() < 0 {
		e.fund.CreditRepeg(cost.Neg())
	}

	if res.ReleasedBase.Sign() > 0 && res.AbsorbedBase.Sign() > 0 {
		ratio := res.AbsorbedBase.DivRound(res.ReleasedBase, tickmath.Scale)
		if err := e.acct.ScaleMultipliers(market, ratio, ratio); err != nil {
			return RepegResult{}, err
		}
	}
	delete(e.breach, market)

	return RepegResult{
		Market:    market,
		OldMark:   oldMark,
		NewMark:   rec.Pool.MarkPrice(),
		Cost:      cost,
		TickShift: res.TickShift,
	}, nil
}

// rebaseCost values a pool inventory change in quote units at the index.
func rebaseCost(baseDelta, quoteDelta, index decimal.Decimal) decimal.Decimal {
	return baseDelta.Mul(index).Add(quoteDelta)
}

// BreachSince returns when the market's spread breach began, if one is
// being tracked.
func (e *Exchange) BreachSince(market string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.breach[market]
	return t, ok
}
