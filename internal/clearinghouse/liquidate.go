package clearinghouse

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/metrics"
	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/vault"
)

// LiquidationResult reports a committed position liquidation.
type LiquidationResult struct {
	Trader          string          `json:"trader"`
	Liquidator      string          `json:"liquidator"`
	Market          string          `json:"market"`
	ClosedBase      decimal.Decimal `json:"closed_base"`
	ClosedNotional  decimal.Decimal `json:"closed_notional"`
	Penalty         decimal.Decimal `json:"penalty"`
	LiquidatorShare decimal.Decimal `json:"liquidator_share"`
	BadDebt         decimal.Decimal `json:"bad_debt"`
}

// Liquidate force-closes an account that has fallen below maintenance
// margin: open orders in the market are cancelled, closeRatio of the taker
// position is closed at market, and the penalty on closed notional is split
// between the liquidator and the insurance fund. A zero closeRatio closes
// the whole position. When a full close leaves the account stripped and
// still short of settlement funds, the shortfall is written off against the
// insurance fund in the same operation.
func (ch *ClearingHouse) Liquidate(liquidator, trader, market string, closeRatio decimal.Decimal) (LiquidationResult, error) {
	one := decimal.New(1, 0)
	if closeRatio.IsZero() {
		closeRatio = one
	}
	if closeRatio.Sign() <= 0 || closeRatio.GreaterThan(one) {
		return LiquidationResult{}, ErrInvalidRatio
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, err := ch.exch.UpdateFunding(market); err != nil {
		return LiquidationResult{}, err
	}
	ch.acct.SettleFunding(trader, market)

	ok, err := ch.vault.MeetsMaintenanceMargin(trader)
	if err != nil {
		return LiquidationResult{}, err
	}
	if ok {
		return LiquidationResult{}, ErrAccountHealthy
	}

	// Cancel the trader's maker orders first so passive exposure folds
	// into the taker position before it is closed.
	for _, order := range ch.book.OpenOrders(trader, market) {
		if _, err := ch.removeLiquidityLocked(LiquidityParams{
			Trader:    trader,
			Market:    market,
			TickLower: order.TickLower,
			TickUpper: order.TickUpper,
			Liquidity: order.Liquidity,
		}); err != nil {
			return LiquidationResult{}, err
		}
	}

	pos := ch.acct.GetPosition(trader, market)
	if pos.Size.IsZero() {
		return LiquidationResult{}, ErrNoPosition
	}

	closed, err := ch.closeSizeLocked(trader, market, pos.Size.Mul(closeRatio), decimal.Zero)
	if err != nil {
		return LiquidationResult{}, err
	}

	penalty := closed.QuoteDelta.Abs().Mul(ch.cfg.LiquidationPenaltyRatio)
	liquidatorShare := penalty.Mul(ch.cfg.LiquidatorRewardRatio)

	ch.acct.AddOwedRealizedPnl(trader, penalty.Neg())
	ch.acct.AddOwedRealizedPnl(liquidator, liquidatorShare)
	ch.fund.Contribute(penalty.Sub(liquidatorShare))
	metrics.LiquidationsTotal.WithLabelValues(market).Inc()
	metrics.InsuranceFundBalance.Set(ch.fund.Balance().InexactFloat64())

	out := LiquidationResult{
		Trader:          trader,
		Liquidator:      liquidator,
		Market:          market,
		ClosedBase:      closed.BaseDelta,
		ClosedNotional:  closed.QuoteDelta,
		Penalty:         penalty,
		LiquidatorShare: liquidatorShare,
	}
	ch.record(model.LedgerEntry{
		Kind:        model.EntryKindLiquidation,
		Trader:      trader,
		Market:      market,
		BaseDelta:   closed.BaseDelta,
		QuoteDelta:  closed.QuoteDelta,
		Fee:         penalty,
		RealizedPnl: closed.RealizedPnl,
		Price:       closed.MarkPrice,
	})
	ch.log.Warn("position liquidated",
		"trader", trader,
		"liquidator", liquidator,
		"market", market,
		"closed_base", closed.BaseDelta.String(),
		"penalty", penalty.String(),
	)

	// A full close can leave the account stripped with a negative
	// settlement balance. Write the shortfall off now so the insolvency
	// is resolved inside the same operation. Partial liquidations and
	// accounts with remaining positions or collateral skip this.
	shortfall, err := ch.settleBadDebtLocked(trader)
	if err != nil && !errors.Is(err, vault.ErrNoBadDebt) && !errors.Is(err, vault.ErrPositionsOpen) {
		return LiquidationResult{}, err
	}
	out.BadDebt = shortfall
	return out, nil
}
