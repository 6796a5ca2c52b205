package clearinghouse

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/exchange"
	"github.com/perpvenue/engine/internal/metrics"
	"github.com/perpvenue/engine/internal/model"
)

// SettleFunding accrues a market's funding and settles the trader's pending
// payment into owed realized PnL. Anyone may trigger it for any trader.
func (ch *ClearingHouse) SettleFunding(trader, market string) (decimal.Decimal, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, err := ch.exch.UpdateFunding(market); err != nil {
		return decimal.Zero, err
	}
	payment := ch.acct.SettleFunding(trader, market)
	metrics.FundingSettlementsTotal.WithLabelValues(market).Inc()
	if payment.IsZero() {
		return payment, nil
	}
	ch.record(model.LedgerEntry{
		Kind:       model.EntryKindFunding,
		Trader:     trader,
		Market:     market,
		QuoteDelta: payment.Neg(),
	})
	ch.log.Info("funding settled", "trader", trader, "market", market, "payment", payment.String())
	return payment, nil
}

// Repeg moves a market's pool price to the index when the eligibility
// conditions hold. Anyone may trigger it.
func (ch *ClearingHouse) Repeg(market string) (exchange.RepegResult, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	res, err := ch.exch.Repeg(market)
	if err != nil {
		return exchange.RepegResult{}, err
	}
	metrics.RepegsTotal.WithLabelValues(market).Inc()
	ch.record(model.LedgerEntry{
		Kind:       model.EntryKindRepeg,
		Market:     market,
		QuoteDelta: res.Cost.Neg(),
		Price:      res.NewMark,
	})
	ch.log.Info("market repegged",
		"market", market,
		"old_mark", res.OldMark.String(),
		"new_mark", res.NewMark.String(),
		"cost", res.Cost.String(),
		"tick_shift", res.TickShift,
	)
	return res, nil
}

// Quote estimates a swap against current pool state without executing it.
func (ch *ClearingHouse) Quote(params exchange.SwapParams) (exchange.SwapResult, error) {
	return ch.exch.EstimateSwap(params)
}

// Portfolio assembles the trader's cross-margin state.
func (ch *ClearingHouse) Portfolio(trader string) (model.Portfolio, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	owed, unrealized, pendingFee := ch.acct.GetPnlAndPendingFee(trader)
	value, err := ch.vault.AccountValue(trader)
	if err != nil {
		return model.Portfolio{}, err
	}
	free, err := ch.vault.FreeCollateral(trader)
	if err != nil {
		return model.Portfolio{}, err
	}
	ratio, _, err := ch.vault.MarginRatio(trader)
	if err != nil {
		return model.Portfolio{}, err
	}

	return model.Portfolio{
		Trader:          trader,
		Positions:       ch.acct.Positions(trader),
		OwedRealizedPnl: owed,
		UnrealizedPnl:   unrealized,
		PendingFee:      pendingFee,
		PendingFunding:  ch.acct.TotalPendingFunding(trader),
		AccountValue:    value,
		FreeCollateral:  free,
		MarginRatio:     ratio,
		Collateral:      ch.vault.Balances(trader),
	}, nil
}

// MarketSnapshot captures a market's current prices, funding state, open
// interest and resting liquidity.
func (ch *ClearingHouse) MarketSnapshot(market string) (model.MarketSnapshot, error) {
	mark, err := ch.exch.MarkPrice(market)
	if err != nil {
		return model.MarketSnapshot{}, err
	}
	index, err := ch.exch.IndexPrice(market)
	if err != nil {
		return model.MarketSnapshot{}, err
	}
	g := ch.acct.FundingGrowth(market)
	oiLong, oiShort := ch.acct.OpenInterest(market)
	return model.MarketSnapshot{
		Market:            market,
		MarkPrice:         mark,
		IndexPrice:        index,
		TwPremiumLong:     g.TwPremiumLong,
		TwPremiumShort:    g.TwPremiumShort,
		OpenInterestLong:  oiLong,
		OpenInterestShort: oiShort,
		LiquidityBase:     ch.book.TotalMarketLiquidityBase(market),
		Timestamp:         ch.now(),
	}, nil
}

// MarketOrders returns every resting maker order in a market.
func (ch *ClearingHouse) MarketOrders(market string) []model.LiquidityOrder {
	return ch.book.MarketOrders(market)
}

// PendingFunding accrues a market's funding and previews the trader's
// unsettled payment without settling it. Positive means the trader pays.
func (ch *ClearingHouse) PendingFunding(trader, market string) (decimal.Decimal, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.exch.PendingFundingPayment(trader, market)
}

// RepegStatus reports whether a market currently qualifies for a repeg and,
// when its spread is breached, since when.
type RepegStatus struct {
	Market      string     `json:"market"`
	Eligible    bool       `json:"eligible"`
	BreachSince *time.Time `json:"breach_since,omitempty"`
}

// CheckRepeg evaluates a market's repeg eligibility without moving the pool.
func (ch *ClearingHouse) CheckRepeg(market string) (RepegStatus, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	eligible, err := ch.exch.IsAbleRepeg(market)
	if err != nil {
		return RepegStatus{}, err
	}
	status := RepegStatus{Market: market, Eligible: eligible}
	if since, ok := ch.exch.BreachSince(market); ok {
		status.BreachSince = &since
	}
	return status, nil
}
