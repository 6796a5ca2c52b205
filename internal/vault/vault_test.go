package vault_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/account"
	"github.com/perpvenue/engine/internal/collateral"
	"github.com/perpvenue/engine/internal/insurance"
	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/oracle"
	"github.com/perpvenue/engine/internal/orderbook"
	"github.com/perpvenue/engine/internal/pool"
	"github.com/perpvenue/engine/internal/registry"
	"github.com/perpvenue/engine/internal/vault"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type vaultEnv struct {
	acct *account.AccountBalance
	fund *insurance.Fund
	v    *vault.Vault
}

func newVaultEnv(t *testing.T) *vaultEnv {
	t.Helper()
	reg := registry.New()
	p, err := pool.NewAtPrice(10, d(100))
	if err != nil {
		t.Fatalf("pool init failed: %v", err)
	}
	err = reg.AddMarket(model.Market{
		BaseToken:   "vETH",
		QuoteToken:  "vUSD",
		FeeRatio:    d(0.001),
		TickSpacing: 10,
		Status:      "open",
		CreatedAt:   time.Now().UTC(),
	}, p)
	if err != nil {
		t.Fatalf("market registration failed: %v", err)
	}

	feed := oracle.NewStaticFeed()
	feed.Set("vETH", d(100))
	feed.Set("WETH", d(100))

	coll := collateral.NewManager(1, feed)
	err = coll.AddConfig(model.CollateralConfig{
		Token:           "WETH",
		PriceFeed:       "WETH",
		CollateralRatio: d(0.8),
		DiscountRatio:   d(0.9),
		DepositCap:      d(1000000),
	})
	if err != nil {
		t.Fatalf("collateral config failed: %v", err)
	}

	book := orderbook.New(reg)
	acct := account.New(reg, book)
	fund := insurance.New()
	return &vaultEnv{
		acct: acct,
		fund: fund,
		v:    vault.New("USDC", acct, coll, fund, d(0.1), d(0.0625)),
	}
}

func TestDeposit_CreditsBalance(t *testing.T) {
	env := newVaultEnv(t)

	if err := env.v.Deposit("alice", "USDC", d(1000), d(1000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if !env.v.Balance("alice", "USDC").Equal(d(1000)) {
		t.Errorf("expected balance 1000, got %s", env.v.Balance("alice", "USDC"))
	}

	value, err := env.v.AccountValue("alice")
	if err != nil {
		t.Fatalf("account value failed: %v", err)
	}
	if !value.Equal(d(1000)) {
		t.Errorf("account value should be 1000, got %s", value)
	}
}

func TestDeposit_Rejections(t *testing.T) {
	env := newVaultEnv(t)

	if err := env.v.Deposit("alice", "USDC", decimal.Zero, decimal.Zero); err != vault.ErrZeroAmount {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
	if err := env.v.Deposit("alice", "USDC", d(100), d(99)); err != vault.ErrInconsistentTokenBalance {
		t.Errorf("expected ErrInconsistentTokenBalance, got %v", err)
	}
	if err := env.v.Deposit("alice", "DOGE", d(100), d(100)); err != collateral.ErrUnsupportedToken {
		t.Errorf("expected ErrUnsupportedToken, got %v", err)
	}
}

func TestDeposit_NonSettlementHaircut(t *testing.T) {
	env := newVaultEnv(t)

	// 10 WETH at 100 with a 0.8 collateral ratio contributes 800.
	if err := env.v.Deposit("alice", "WETH", d(10), d(10)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	value, err := env.v.AccountValue("alice")
	if err != nil {
		t.Fatalf("account value failed: %v", err)
	}
	if !value.Equal(d(800)) {
		t.Errorf("haircut value should be 800, got %s", value)
	}
}

func TestWithdraw_SettlesOwedPnlFirst(t *testing.T) {
	env := newVaultEnv(t)

	env.v.Deposit("alice", "USDC", d(100), d(100))
	env.acct.AddOwedRealizedPnl("alice", d(50))

	// 120 > 100 on deposit alone; the owed 50 covers it.
	if err := env.v.Withdraw("alice", "USDC", d(120)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if !env.v.Balance("alice", "USDC").Equal(d(30)) {
		t.Errorf("expected remaining 30, got %s", env.v.Balance("alice", "USDC"))
	}
	if !env.acct.OwedRealizedPnl("alice").IsZero() {
		t.Error("owed pnl should be settled into the balance")
	}
}

func TestWithdraw_Rejections(t *testing.T) {
	env := newVaultEnv(t)
	env.v.Deposit("alice", "USDC", d(100), d(100))

	if err := env.v.Withdraw("alice", "USDC", d(200)); err != vault.ErrInsufficientBalance {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := env.v.Withdraw("alice", "USDC", decimal.Zero); err != vault.ErrZeroAmount {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
}

func TestWithdraw_RespectsInitialMargin(t *testing.T) {
	env := newVaultEnv(t)
	env.v.Deposit("alice", "USDC", d(100), d(100))

	// A 500-notional position locks 50 of initial margin.
	env.acct.ModifyTakerPosition("alice", "vETH", d(5), d(-500))

	if err := env.v.Withdraw("alice", "USDC", d(60)); err != vault.ErrInsufficientFreeCollateral {
		t.Errorf("expected ErrInsufficientFreeCollateral, got %v", err)
	}
	if err := env.v.Withdraw("alice", "USDC", d(40)); err != nil {
		t.Errorf("withdrawal within free collateral should pass: %v", err)
	}
}

func TestMarginChecks_TrackAccountValue(t *testing.T) {
	env := newVaultEnv(t)
	env.v.Deposit("alice", "USDC", d(100), d(100))
	env.acct.ModifyTakerPosition("alice", "vETH", d(5), d(-500))

	ratio, ok, err := env.v.MarginRatio("alice")
	if err != nil || !ok {
		t.Fatalf("margin ratio failed: ok=%v err=%v", ok, err)
	}
	// Value ≈ 100 + (5×mark − 500) ≈ 100 on a 500 notional.
	if ratio.Sub(d(0.2)).Abs().GreaterThan(d(0.01)) {
		t.Errorf("margin ratio should be ≈ 0.2, got %s", ratio)
	}

	okIM, err := env.v.MeetsInitialMargin("alice")
	if err != nil || !okIM {
		t.Errorf("0.2 ratio meets 0.1 IM: ok=%v err=%v", okIM, err)
	}

	// Simulate losses: owed pnl plunges the account under maintenance.
	env.acct.AddOwedRealizedPnl("alice", d(-75))
	okMM, err := env.v.MeetsMaintenanceMargin("alice")
	if err != nil || okMM {
		t.Errorf("value 25 under MM 31.25 should fail: ok=%v err=%v", okMM, err)
	}
}

func TestMarginRatio_UndefinedWithoutExposure(t *testing.T) {
	env := newVaultEnv(t)
	env.v.Deposit("alice", "USDC", d(100), d(100))
	if _, ok, err := env.v.MarginRatio("alice"); err != nil || ok {
		t.Errorf("no exposure, no ratio: ok=%v err=%v", ok, err)
	}
}

func TestLiquidateCollateral_SwapsAtDiscount(t *testing.T) {
	env := newVaultEnv(t)

	// Alice holds WETH but owes settlement: collateral liquidation applies.
	env.v.Deposit("alice", "WETH", d(10), d(10))
	env.v.CreditSettlement("alice", d(-500))
	env.v.Deposit("bob", "USDC", d(10000), d(10000))

	value, err := env.v.LiquidateCollateral("bob", "alice", "WETH", d(2))
	if err != nil {
		t.Fatalf("liquidation failed: %v", err)
	}
	// 2 WETH × 100 × 0.9 discount.
	if !value.Equal(d(180)) {
		t.Errorf("seizure value should be 180, got %s", value)
	}
	if !env.v.Balance("bob", "WETH").Equal(d(2)) {
		t.Errorf("liquidator should hold the seized WETH, got %s", env.v.Balance("bob", "WETH"))
	}
	if !env.v.Balance("bob", "USDC").Equal(d(9820)) {
		t.Errorf("liquidator should have paid 180, got %s", env.v.Balance("bob", "USDC"))
	}
	if !env.v.Balance("alice", "USDC").Equal(d(-320)) {
		t.Errorf("trader's debt should shrink to -320, got %s", env.v.Balance("alice", "USDC"))
	}
}

func TestLiquidateCollateral_RequiresBadDebt(t *testing.T) {
	env := newVaultEnv(t)
	env.v.Deposit("alice", "WETH", d(10), d(10))
	env.v.Deposit("alice", "USDC", d(100), d(100))

	if _, err := env.v.LiquidateCollateral("bob", "alice", "WETH", d(1)); err != vault.ErrNoBadDebt {
		t.Errorf("expected ErrNoBadDebt, got %v", err)
	}
}

func TestSettleBadDebt_DrawsOnInsurance(t *testing.T) {
	env := newVaultEnv(t)
	env.fund.Contribute(d(1000))
	env.v.CreditSettlement("alice", d(-300))

	shortfall, err := env.v.SettleBadDebt("alice")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if !shortfall.Equal(d(300)) {
		t.Errorf("shortfall should be 300, got %s", shortfall)
	}
	if !env.v.Balance("alice", "USDC").IsZero() {
		t.Errorf("trader balance should be zeroed, got %s", env.v.Balance("alice", "USDC"))
	}
	if !env.fund.Balance().Equal(d(700)) {
		t.Errorf("insurance should absorb the loss, got %s", env.fund.Balance())
	}
}

func TestSettleBadDebt_Preconditions(t *testing.T) {
	env := newVaultEnv(t)

	if _, err := env.v.SettleBadDebt("alice"); err != vault.ErrNoBadDebt {
		t.Errorf("solvent trader has no bad debt, got %v", err)
	}

	// Remaining collateral must be liquidated before the write-off.
	env.v.Deposit("bob", "WETH", d(1), d(1))
	env.v.CreditSettlement("bob", d(-100))
	if _, err := env.v.SettleBadDebt("bob"); err != vault.ErrPositionsOpen {
		t.Errorf("expected ErrPositionsOpen, got %v", err)
	}

	// Open positions always block the write-off.
	env.v.CreditSettlement("carol", d(-100))
	env.acct.ModifyTakerPosition("carol", "vETH", d(1), d(-100))
	if _, err := env.v.SettleBadDebt("carol"); err != vault.ErrPositionsOpen {
		t.Errorf("expected ErrPositionsOpen, got %v", err)
	}
}
