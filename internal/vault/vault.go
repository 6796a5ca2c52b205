// Package vault custodies trader collateral across tokens and derives the
// cross-margin quantities every risk check uses: account value, free
// collateral, and margin ratio. The settlement token nets against owed
// realized PnL; other tokens contribute haircut margin value only.
package vault

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/account"
	"github.com/perpvenue/engine/internal/collateral"
	"github.com/perpvenue/engine/internal/insurance"
	"github.com/perpvenue/engine/internal/tickmath"
)

var (
	// ErrZeroAmount is returned when a transfer amount is not positive.
	ErrZeroAmount = errors.New("vault: amount must be positive")

	// ErrInconsistentTokenBalance is returned when the amount received
	// differs from the amount requested, as with fee-on-transfer tokens.
	ErrInconsistentTokenBalance = errors.New("vault: received amount differs from requested")

	// ErrInsufficientBalance is returned when a withdrawal exceeds the
	// trader's token balance.
	ErrInsufficientBalance = errors.New("vault: insufficient token balance")

	// ErrInsufficientFreeCollateral is returned when a withdrawal would
	// leave the account below its initial margin requirement.
	ErrInsufficientFreeCollateral = errors.New("vault: insufficient free collateral")

	// ErrPositionsOpen is returned when an operation requires the trader
	// to carry no positions or open orders.
	ErrPositionsOpen = errors.New("vault: trader still has open positions or orders")

	// ErrNoBadDebt is returned when there is no shortfall to settle.
	ErrNoBadDebt = errors.New("vault: no bad debt to settle")
)

// Vault holds per-trader token balances and computes margin quantities.
type Vault struct {
	mu sync.Mutex

	settlementToken string
	balances        map[string]map[string]decimal.Decimal // trader -> token -> amount

	acct       *account.AccountBalance
	collateral *collateral.Manager
	fund       *insurance.Fund

	imRatio decimal.Decimal // initial margin ratio
	mmRatio decimal.Decimal // maintenance margin ratio
}

// New creates a vault. imRatio and mmRatio are the initial and maintenance
// margin ratios applied to total absolute position value.
func New(settlementToken string, acct *account.AccountBalance, coll *collateral.Manager, fund *insurance.Fund, imRatio, mmRatio decimal.Decimal) *Vault {
	return &Vault{
		settlementToken: settlementToken,
		balances:        make(map[string]map[string]decimal.Decimal),
		acct:            acct,
		collateral:      coll,
		fund:            fund,
		imRatio:         imRatio,
		mmRatio:         mmRatio,
	}
}

// SettlementToken returns the vault's settlement token symbol.
func (v *Vault) SettlementToken() string {
	return v.settlementToken
}

// IMRatio returns the initial margin ratio.
func (v *Vault) IMRatio() decimal.Decimal { return v.imRatio }

// MMRatio returns the maintenance margin ratio.
func (v *Vault) MMRatio() decimal.Decimal { return v.mmRatio }

// Balance returns the trader's balance in one token.
func (v *Vault) Balance(trader, token string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balances[trader][token]
}

// Balances returns a copy of the trader's balances by token.
func (v *Vault) Balances(trader string) map[string]decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(v.balances[trader]))
	for token, amt := range v.balances[trader] {
		out[token] = amt
	}
	return out
}

// Deposit credits a trader's balance. received is the amount that actually
// arrived; a mismatch with amount rejects the deposit outright, which shuts
// out fee-on-transfer tokens.
func (v *Vault) Deposit(trader, token string, amount, received decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if !received.Equal(amount) {
		return ErrInconsistentTokenBalance
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if token != v.settlementToken {
		held, holds := v.nonSettlementHeldLocked(trader, token)
		if err := v.collateral.CheckDeposit(token, amount, held, holds); err != nil {
			return err
		}
		v.collateral.RecordDeposit(token, amount)
	}
	v.creditLocked(trader, token, amount)
	return nil
}

// Withdraw debits a trader's balance after settling owed realized PnL and
// verifying the remaining account still meets its initial margin
// requirement.
func (v *Vault) Withdraw(trader, token string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrZeroAmount
	}

	v.settleOwedPnl(trader)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.balances[trader][token].LessThan(amount) {
		return ErrInsufficientBalance
	}

	free, err := v.freeCollateralLocked(trader)
	if err != nil {
		return err
	}
	value, err := v.withdrawalValueLocked(token, amount)
	if err != nil {
		return err
	}
	if value.GreaterThan(free) {
		return ErrInsufficientFreeCollateral
	}

	v.creditLocked(trader, token, amount.Neg())
	if token != v.settlementToken {
		v.collateral.RecordDeposit(token, amount.Neg())
	}
	return nil
}

// AccountValue returns the trader's cross-margin account value: settlement
// balance, owed realized PnL, unrealized PnL, pending maker fees, pending
// funding, and the haircut value of non-settlement collateral.
func (v *Vault) AccountValue(trader string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accountValueLocked(trader)
}

// FreeCollateral returns the account value net of the initial margin
// requirement, floored at zero.
func (v *Vault) FreeCollateral(trader string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.freeCollateralLocked(trader)
}

// MarginRatio returns accountValue / totalAbsPositionValue. A trader with
// no exposure has no defined ratio; ok reports whether one exists.
func (v *Vault) MarginRatio(trader string) (ratio decimal.Decimal, ok bool, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	notional := v.acct.TotalAbsPositionValue(trader)
	if notional.Sign() <= 0 {
		return decimal.Zero, false, nil
	}
	value, err := v.accountValueLocked(trader)
	if err != nil {
		return decimal.Zero, false, err
	}
	return value.DivRound(notional, tickmath.Scale), true, nil
}

// MeetsInitialMargin reports whether the account value covers the initial
// margin requirement.
func (v *Vault) MeetsInitialMargin(trader string) (bool, error) {
	return v.meetsRequirement(trader, v.imRatio)
}

// MeetsMaintenanceMargin reports whether the account value covers the
// maintenance margin requirement.
func (v *Vault) MeetsMaintenanceMargin(trader string) (bool, error) {
	return v.meetsRequirement(trader, v.mmRatio)
}

func (v *Vault) meetsRequirement(trader string, ratio decimal.Decimal) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	value, err := v.accountValueLocked(trader)
	if err != nil {
		return false, err
	}
	return value.GreaterThanOrEqual(v.acct.MarginRequirement(trader, ratio)), nil
}

// TransferSettlement moves settlement-token balance between traders. Used
// by liquidations to pay the liquidator's reward.
func (v *Vault) TransferSettlement(from, to string, amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creditLocked(from, v.settlementToken, amount.Neg())
	v.creditLocked(to, v.settlementToken, amount)
}

// CreditSettlement adjusts a trader's settlement balance directly. Used by
// liquidation penalties and bad-debt bookkeeping.
func (v *Vault) CreditSettlement(trader string, delta decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creditLocked(trader, v.settlementToken, delta)
}

// LiquidateCollateral seizes a position-free but insolvent trader's
// non-settlement collateral: the liquidator pays the discounted settlement
// value into the trader's balance and receives the tokens.
func (v *Vault) LiquidateCollateral(liquidator, trader, token string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, ErrZeroAmount
	}
	if len(v.acct.MarketsWithPosition(trader)) > 0 {
		return decimal.Zero, ErrPositionsOpen
	}

	v.settleOwedPnl(trader)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.balances[trader][token].LessThan(amount) {
		return decimal.Zero, ErrInsufficientBalance
	}
	if v.balances[trader][v.settlementToken].Sign() >= 0 {
		return decimal.Zero, ErrNoBadDebt
	}

	value, err := v.collateral.SeizureValue(token, amount)
	if err != nil {
		return decimal.Zero, err
	}

	v.creditLocked(trader, token, amount.Neg())
	v.creditLocked(liquidator, token, amount)
	v.creditLocked(liquidator, v.settlementToken, value.Neg())
	v.creditLocked(trader, v.settlementToken, value)
	v.collateral.RecordDeposit(token, amount.Neg())
	return value, nil
}

// SettleBadDebt writes off a trader's negative settlement balance against
// the insurance fund. The trader must hold no positions, no orders, and no
// remaining non-settlement collateral.
func (v *Vault) SettleBadDebt(trader string) (decimal.Decimal, error) {
	if len(v.acct.MarketsWithPosition(trader)) > 0 {
		return decimal.Zero, ErrPositionsOpen
	}

	v.settleOwedPnl(trader)

	v.mu.Lock()
	defer v.mu.Unlock()

	for token, amt := range v.balances[trader] {
		if token != v.settlementToken && amt.Sign() > 0 {
			return decimal.Zero, ErrPositionsOpen
		}
	}
	shortfall := v.balances[trader][v.settlementToken].Neg()
	if shortfall.Sign() <= 0 {
		return decimal.Zero, ErrNoBadDebt
	}

	v.fund.CoverBadDebt(shortfall)
	v.creditLocked(trader, v.settlementToken, shortfall)
	return shortfall, nil
}

// CollateralTokens returns the trader's held tokens, settlement first, then
// sorted.
func (v *Vault) CollateralTokens(trader string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for token, amt := range v.balances[trader] {
		if !amt.IsZero() {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i] == v.settlementToken {
			return true
		}
		if out[j] == v.settlementToken {
			return false
		}
		return out[i] < out[j]
	})
	return out
}

// settleOwedPnl folds the trader's owed realized PnL into their settlement
// balance.
func (v *Vault) settleOwedPnl(trader string) {
	owed := v.acct.PopOwedRealizedPnl(trader)
	if owed.IsZero() {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.creditLocked(trader, v.settlementToken, owed)
}

func (v *Vault) creditLocked(trader, token string, delta decimal.Decimal) {
	byToken, ok := v.balances[trader]
	if !ok {
		byToken = make(map[string]decimal.Decimal)
		v.balances[trader] = byToken
	}
	byToken[token] = byToken[token].Add(delta)
}

func (v *Vault) nonSettlementHeldLocked(trader, token string) (held int, holdsThis bool) {
	for t, amt := range v.balances[trader] {
		if t == v.settlementToken || amt.Sign() <= 0 {
			continue
		}
		held++
		if t == token {
			holdsThis = true
		}
	}
	return held, holdsThis
}

func (v *Vault) accountValueLocked(trader string) (decimal.Decimal, error) {
	value := v.balances[trader][v.settlementToken]

	owed, unrealized, pendingFee := v.acct.GetPnlAndPendingFee(trader)
	value = value.Add(owed).Add(unrealized).Add(pendingFee)
	value = value.Sub(v.acct.TotalPendingFunding(trader))

	for token, amt := range v.balances[trader] {
		if token == v.settlementToken || amt.Sign() <= 0 {
			continue
		}
		mv, err := v.collateral.MarginValue(token, amt)
		if err != nil {
			return decimal.Zero, err
		}
		value = value.Add(mv)
	}
	return value, nil
}

func (v *Vault) freeCollateralLocked(trader string) (decimal.Decimal, error) {
	value, err := v.accountValueLocked(trader)
	if err != nil {
		return decimal.Zero, err
	}
	free := value.Sub(v.acct.MarginRequirement(trader, v.imRatio))
	if free.Sign() < 0 {
		return decimal.Zero, nil
	}
	return free, nil
}

// withdrawalValueLocked values a withdrawal in settlement units: face value
// for the settlement token, haircut margin value otherwise.
func (v *Vault) withdrawalValueLocked(token string, amount decimal.Decimal) (decimal.Decimal, error) {
	if token == v.settlementToken {
		return amount, nil
	}
	return v.collateral.MarginValue(token, amount)
}
