package clearinghouse

import (
	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/model"
)

// Deposit credits collateral into the trader's vault balance. received is
// the amount that actually arrived; a mismatch rejects the deposit.
func (ch *ClearingHouse) Deposit(trader, token string, amount, received decimal.Decimal) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.vault.Deposit(trader, token, amount, received); err != nil {
		return err
	}
	ch.record(model.LedgerEntry{
		Kind:       model.EntryKindDeposit,
		Trader:     trader,
		Token:      token,
		QuoteDelta: amount,
	})
	ch.log.Info("deposit", "trader", trader, "token", token, "amount", amount.String())
	return nil
}

// Withdraw debits collateral after settling funding on every market the
// trader has exposure in, so the free collateral check sees current state.
func (ch *ClearingHouse) Withdraw(trader, token string, amount decimal.Decimal) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if err := ch.settleAllFundingLocked(trader); err != nil {
		return err
	}
	if err := ch.vault.Withdraw(trader, token, amount); err != nil {
		return err
	}
	ch.record(model.LedgerEntry{
		Kind:       model.EntryKindWithdraw,
		Trader:     trader,
		Token:      token,
		QuoteDelta: amount.Neg(),
	})
	ch.log.Info("withdraw", "trader", trader, "token", token, "amount", amount.String())
	return nil
}

// LiquidateCollateral lets a liquidator buy a position-free insolvent
// trader's non-settlement collateral at its discount.
func (ch *ClearingHouse) LiquidateCollateral(liquidator, trader, token string, amount decimal.Decimal) (decimal.Decimal, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	value, err := ch.vault.LiquidateCollateral(liquidator, trader, token, amount)
	if err != nil {
		return decimal.Zero, err
	}
	ch.record(model.LedgerEntry{
		Kind:       model.EntryKindCollateralSeize,
		Trader:     trader,
		Token:      token,
		BaseDelta:  amount.Neg(),
		QuoteDelta: value,
	})
	ch.log.Info("collateral liquidated",
		"liquidator", liquidator,
		"trader", trader,
		"token", token,
		"amount", amount.String(),
		"value", value.String(),
	)
	return value, nil
}

// SettleBadDebt writes off a stripped account's settlement shortfall
// against the insurance fund.
func (ch *ClearingHouse) SettleBadDebt(trader string) (decimal.Decimal, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.settleBadDebtLocked(trader)
}

func (ch *ClearingHouse) settleBadDebtLocked(trader string) (decimal.Decimal, error) {
	shortfall, err := ch.vault.SettleBadDebt(trader)
	if err != nil {
		return decimal.Zero, err
	}
	ch.record(model.LedgerEntry{
		Kind:       model.EntryKindBadDebt,
		Trader:     trader,
		QuoteDelta: shortfall,
	})
	ch.log.Warn("bad debt settled",
		"trader", trader,
		"shortfall", shortfall.String(),
		"insurance_balance", ch.fund.Balance().String(),
	)
	return shortfall, nil
}

// settleAllFundingLocked settles pending funding on every market the trader
// has taker exposure in.
func (ch *ClearingHouse) settleAllFundingLocked(trader string) error {
	for _, market := range ch.acct.MarketsWithPosition(trader) {
		if _, err := ch.exch.UpdateFunding(market); err != nil {
			return err
		}
		ch.acct.SettleFunding(trader, market)
	}
	return nil
}
