package clearinghouse

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/model"
)

// LiquidityParams describes a maker add/remove request.
type LiquidityParams struct {
	Trader    string
	Market    string
	TickLower int
	TickUpper int
	Liquidity decimal.Decimal
	Deadline  time.Time
}

// LiquidityResult reports a committed liquidity change.
type LiquidityResult struct {
	Trader    string          `json:"trader"`
	Market    string          `json:"market"`
	TickLower int             `json:"tick_lower"`
	TickUpper int             `json:"tick_upper"`
	Base      decimal.Decimal `json:"base"`
	Quote     decimal.Decimal `json:"quote"`
	Fee       decimal.Decimal `json:"fee"`
}

// AddLiquidity mints maker liquidity. The margin impact is prechecked on a
// pool clone so a rejection leaves no trace.
func (ch *ClearingHouse) AddLiquidity(params LiquidityParams) (LiquidityResult, error) {
	if err := ch.checkDeadline(params.Deadline); err != nil {
		return LiquidityResult{}, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	rec, err := ch.registry.GetOpen(params.Market)
	if err != nil {
		return LiquidityResult{}, err
	}
	if _, err := ch.exch.UpdateFunding(params.Market); err != nil {
		return LiquidityResult{}, err
	}
	ch.acct.SettleFunding(params.Trader, params.Market)

	// Estimate the mint on a clone to precheck initial margin: the order
	// debt the mint would create raises the requirement.
	estBase, estQuote, err := rec.Pool.Clone().Mint(params.TickLower, params.TickUpper, params.Liquidity)
	if err != nil {
		return LiquidityResult{}, err
	}
	mark := rec.Pool.MarkPrice()
	addedRequirement := estBase.Mul(mark).Add(estQuote).Mul(ch.vault.IMRatio())

	value, err := ch.vault.AccountValue(params.Trader)
	if err != nil {
		return LiquidityResult{}, err
	}
	requirement := ch.acct.MarginRequirement(params.Trader, ch.vault.IMRatio()).Add(addedRequirement)
	if value.LessThan(requirement) {
		return LiquidityResult{}, ErrInsufficientMargin
	}

	res, err := ch.book.AddLiquidity(params.Trader, params.Market, params.TickLower, params.TickUpper, params.Liquidity)
	if err != nil {
		return LiquidityResult{}, err
	}
	ch.acct.AddOwedRealizedPnl(params.Trader, res.Fee)

	out := LiquidityResult{
		Trader:    params.Trader,
		Market:    params.Market,
		TickLower: params.TickLower,
		TickUpper: params.TickUpper,
		Base:      res.Base,
		Quote:     res.Quote,
		Fee:       res.Fee,
	}
	ch.record(model.LedgerEntry{
		Kind:       model.EntryKindAddLiquidity,
		Trader:     params.Trader,
		Market:     params.Market,
		BaseDelta:  res.Base.Neg(),
		QuoteDelta: res.Quote.Neg(),
		Fee:        res.Fee,
		Price:      mark,
	})
	ch.log.Info("liquidity added",
		"trader", params.Trader,
		"market", params.Market,
		"tick_lower", params.TickLower,
		"tick_upper", params.TickUpper,
		"base", res.Base.String(),
		"quote", res.Quote.String(),
	)
	return out, nil
}

// RemoveLiquidity burns maker liquidity. The difference between the amounts
// released and the retired order debt is the maker's realized passive
// exposure and becomes part of their taker position.
func (ch *ClearingHouse) RemoveLiquidity(params LiquidityParams) (LiquidityResult, error) {
	if err := ch.checkDeadline(params.Deadline); err != nil {
		return LiquidityResult{}, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.removeLiquidityLocked(params)
}

func (ch *ClearingHouse) removeLiquidityLocked(params LiquidityParams) (LiquidityResult, error) {
	if _, err := ch.exch.UpdateFunding(params.Market); err != nil {
		return LiquidityResult{}, err
	}
	ch.acct.SettleFunding(params.Trader, params.Market)

	res, err := ch.book.RemoveLiquidity(params.Trader, params.Market, params.TickLower, params.TickUpper, params.Liquidity)
	if err != nil {
		return LiquidityResult{}, err
	}
	ch.acct.AddOwedRealizedPnl(params.Trader, res.Fee)

	baseDelta := res.Base.Sub(res.BaseDebt)
	quoteDelta := res.Quote.Sub(res.QuoteDebt)
	if !baseDelta.IsZero() {
		ledgerBase := ch.acct.LedgerBaseFromPool(params.Trader, params.Market, baseDelta)
		ch.acct.ModifyTakerPosition(params.Trader, params.Market, ledgerBase, quoteDelta)
	} else if !quoteDelta.IsZero() {
		// Pure quote difference with no base exposure is realized PnL.
		ch.acct.AddOwedRealizedPnl(params.Trader, quoteDelta)
	}

	mark, _ := ch.exch.MarkPrice(params.Market)
	out := LiquidityResult{
		Trader:    params.Trader,
		Market:    params.Market,
		TickLower: params.TickLower,
		TickUpper: params.TickUpper,
		Base:      res.Base,
		Quote:     res.Quote,
		Fee:       res.Fee,
	}
	ch.record(model.LedgerEntry{
		Kind:       model.EntryKindRemoveLiquidity,
		Trader:     params.Trader,
		Market:     params.Market,
		BaseDelta:  res.Base,
		QuoteDelta: res.Quote,
		Fee:        res.Fee,
		Price:      mark,
	})
	ch.log.Info("liquidity removed",
		"trader", params.Trader,
		"market", params.Market,
		"tick_lower", params.TickLower,
		"tick_upper", params.TickUpper,
		"base", res.Base.String(),
		"quote", res.Quote.String(),
	)
	return out, nil
}
