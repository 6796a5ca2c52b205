package exchange

import (
	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/registry"
	"github.com/perpvenue/engine/internal/tickmath"
)

// UpdateFunding accrues a market's funding growth to now and returns it.
// Accrual is lazy: every swap and every explicit settlement calls this
// first, so growth is always current when a position is touched.
func (e *Exchange) UpdateFunding(market string) (model.FundingGrowth, error) {
	rec, err := e.registry.Get(market)
	if err != nil {
		return model.FundingGrowth{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateFundingLocked(rec)
}

// updateFundingLocked advances the growth accumulators. The premium accrues
// in full to the heavier side, scaled down for the lighter side by the open
// interest ratio so the two sides' payments cancel exactly. When the
// receiving side is empty, nothing accrues: there is nobody to pay.
func (e *Exchange) updateFundingLocked(rec *registry.MarketRecord) (model.FundingGrowth, error) {
	market := rec.Config.BaseToken
	g := e.acct.FundingGrowth(market)
	now := e.now()

	if g.LastSettled.IsZero() {
		g.LastSettled = now
		e.acct.SetFundingGrowth(market, g)
		return g, nil
	}
	elapsed := now.Sub(g.LastSettled)
	if elapsed <= 0 {
		return g, nil
	}

	mark := rec.Pool.MarkPrice()
	index, err := e.feed.GetIndexPrice(market, e.twapWindow)
	if err != nil {
		return g, err
	}

	dt := decimal.New(elapsed.Milliseconds(), -3) // seconds
	premium := mark.Sub(index)
	long, short := e.acct.LedgerOpenInterest(market)

	switch {
	case premium.Sign() > 0 && short.Sign() > 0:
		// Longs pay shorts.
		dLong := premium.Mul(dt)
		g.TwPremiumLong = g.TwPremiumLong.Add(dLong)
		g.TwPremiumShort = g.TwPremiumShort.Add(dLong.Mul(long).DivRound(short, tickmath.Scale))
	case premium.Sign() < 0 && long.Sign() > 0:
		// Shorts pay longs.
		dShort := premium.Mul(dt)
		g.TwPremiumShort = g.TwPremiumShort.Add(dShort)
		g.TwPremiumLong = g.TwPremiumLong.Add(dShort.Mul(short).DivRound(long, tickmath.Scale))
	}
	g.LastSettled = now
	e.acct.SetFundingGrowth(market, g)

	e.checkSpreadLocked(market, rec.Config.Repeg, mark, index)
	return g, nil
}

// PendingFundingPayment accrues growth to now and returns the trader's
// unsettled funding payment in a market (positive means the trader pays).
func (e *Exchange) PendingFundingPayment(trader, market string) (decimal.Decimal, error) {
	if _, err := e.UpdateFunding(market); err != nil {
		return decimal.Zero, err
	}
	return e.acct.PendingFunding(trader, market), nil
}

// checkSpreadLocked tracks how long the mark price has continuously
// deviated from the index by more than the market's repeg spread ratio.
func (e *Exchange) checkSpreadLocked(market string, cfg model.RepegConfig, mark, index decimal.Decimal) bool {
	if cfg.SpreadRatio.Sign() <= 0 || index.Sign() <= 0 {
		return false
	}
	spread := mark.Sub(index).Abs().DivRound(index, tickmath.Scale)
	if spread.GreaterThan(cfg.SpreadRatio) {
		if _, ok := e.breach[market]; !ok {
			e.breach[market] = e.now()
		}
		return true
	}
	delete(e.breach, market)
	return false
}
