package clearinghouse_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/account"
	"github.com/perpvenue/engine/internal/clearinghouse"
	"github.com/perpvenue/engine/internal/collateral"
	"github.com/perpvenue/engine/internal/exchange"
	"github.com/perpvenue/engine/internal/insurance"
	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/oracle"
	"github.com/perpvenue/engine/internal/orderbook"
	"github.com/perpvenue/engine/internal/pool"
	"github.com/perpvenue/engine/internal/registry"
	"github.com/perpvenue/engine/internal/store"
	"github.com/perpvenue/engine/internal/vault"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type venueEnv struct {
	reg   *registry.Registry
	book  *orderbook.OrderBook
	acct  *account.AccountBalance
	feed  *oracle.StaticFeed
	fund  *insurance.Fund
	exch  *exchange.Exchange
	vault *vault.Vault
	ch    *clearinghouse.ClearingHouse
	st    *store.MemoryStore
	clock time.Time
}

// newVenue builds a whole venue around one market at price 100, with a
// funded maker providing pool liquidity.
func newVenue(t *testing.T) *venueEnv {
	t.Helper()
	env := &venueEnv{
		reg:   registry.New(),
		feed:  oracle.NewStaticFeed(),
		fund:  insurance.New(),
		st:    store.NewMemoryStore(),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	p, err := pool.NewAtPrice(10, d(100))
	if err != nil {
		t.Fatalf("pool init failed: %v", err)
	}
	err = env.reg.AddMarket(model.Market{
		BaseToken:             "vETH",
		QuoteToken:            "vUSD",
		FeeRatio:              d(0.001),
		InsuranceFundFeeRatio: d(0.2),
		TickSpacing:           10,
		Repeg: model.RepegConfig{
			SpreadRatio: d(0.05),
			Duration:    30 * time.Minute,
		},
		Status:    "open",
		CreatedAt: time.Now().UTC(),
	}, p)
	if err != nil {
		t.Fatalf("market registration failed: %v", err)
	}
	env.feed.Set("vETH", d(100))

	env.book = orderbook.New(env.reg)
	env.acct = account.New(env.reg, env.book)
	env.exch = exchange.New(env.reg, env.book, env.acct, env.feed, env.fund, 15*time.Minute)
	env.exch.SetClock(func() time.Time { return env.clock })

	coll := collateral.NewManager(3, env.feed)
	env.vault = vault.New("USDC", env.acct, coll, env.fund, d(0.1), d(0.0625))

	env.ch = clearinghouse.New(clearinghouse.Config{
		LiquidationPenaltyRatio: d(0.025),
		LiquidatorRewardRatio:   d(0.5),
	}, env.reg, env.book, env.acct, env.exch, env.vault, env.fund, store.Journal{Store: env.st}, nil, nil)
	env.ch.SetClock(func() time.Time { return env.clock })

	// Funded maker seeds pool liquidity.
	env.deposit(t, "maker", d(1000000))
	_, tick := p.Slot0()
	lo := (tick-2000)/10*10 - 10
	hi := (tick+2000)/10*10 + 10
	if _, err := env.ch.AddLiquidity(clearinghouse.LiquidityParams{
		Trader:    "maker",
		Market:    "vETH",
		TickLower: lo,
		TickUpper: hi,
		Liquidity: d(10000),
	}); err != nil {
		t.Fatalf("seed liquidity failed: %v", err)
	}
	return env
}

func (e *venueEnv) deposit(t *testing.T, trader string, amount decimal.Decimal) {
	t.Helper()
	if err := e.ch.Deposit(trader, "USDC", amount, amount); err != nil {
		t.Fatalf("deposit failed for %s: %v", trader, err)
	}
}

func (e *venueEnv) openLong(t *testing.T, trader string, quote decimal.Decimal) clearinghouse.PositionResult {
	t.Helper()
	res, err := e.ch.OpenPosition(clearinghouse.OpenPositionParams{
		Trader:       trader,
		Market:       "vETH",
		IsExactInput: true,
		Amount:       quote,
	})
	if err != nil {
		t.Fatalf("open long failed for %s: %v", trader, err)
	}
	return res
}

func (e *venueEnv) openShort(t *testing.T, trader string, base decimal.Decimal) clearinghouse.PositionResult {
	t.Helper()
	res, err := e.ch.OpenPosition(clearinghouse.OpenPositionParams{
		Trader:        trader,
		Market:        "vETH",
		IsBaseToQuote: true,
		IsExactInput:  true,
		Amount:        base,
	})
	if err != nil {
		t.Fatalf("open short failed for %s: %v", trader, err)
	}
	return res
}

func TestOpenClosePosition_RoundTrip(t *testing.T) {
	env := newVenue(t)
	env.deposit(t, "alice", d(1000))

	open := env.openLong(t, "alice", d(500))
	if open.BaseDelta.Sign() <= 0 {
		t.Fatalf("long should gain base, got %s", open.BaseDelta)
	}
	if open.Fee.Sub(d(0.5)).Abs().GreaterThan(d(0.001)) {
		t.Errorf("fee should be ~0.5 on 500 quote, got %s", open.Fee)
	}
	pos := env.acct.GetPosition("alice", "vETH")
	if !pos.Size.Equal(open.BaseDelta) {
		t.Errorf("position size should match trade, got %s vs %s", pos.Size, open.BaseDelta)
	}

	// The price rises: bob buys in size, alice closes in profit.
	env.deposit(t, "bob", d(100000))
	env.openLong(t, "bob", d(20000))

	closed, err := env.ch.ClosePosition("alice", "vETH", decimal.Zero, time.Time{})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if closed.RealizedPnl.Sign() <= 0 {
		t.Errorf("closing into a rally should profit, got %s", closed.RealizedPnl)
	}
	if len(env.acct.Positions("alice")) != 0 {
		t.Error("position should be flat after close")
	}

	// Realized PnL is withdrawable.
	free, err := env.vault.FreeCollateral("alice")
	if err != nil {
		t.Fatalf("free collateral failed: %v", err)
	}
	if free.LessThan(d(1000)) {
		t.Errorf("free collateral should include the profit, got %s", free)
	}

	entries, err := env.st.GetLedgerEntriesByTrader(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ledger query failed: %v", err)
	}
	var trades int
	for _, e := range entries {
		if e.Kind == model.EntryKindTrade {
			trades++
		}
	}
	if trades != 2 {
		t.Errorf("expected 2 journaled trades, got %d", trades)
	}
}

func TestOpenPosition_InsufficientMarginRollsBack(t *testing.T) {
	env := newVenue(t)
	env.deposit(t, "alice", d(10))

	before, _ := env.exch.MarkPrice("vETH")
	fundBefore := env.fund.Balance()

	_, err := env.ch.OpenPosition(clearinghouse.OpenPositionParams{
		Trader:       "alice",
		Market:       "vETH",
		IsExactInput: true,
		Amount:       d(5000), // 50x the deposit
	})
	if err != clearinghouse.ErrInsufficientMargin {
		t.Fatalf("expected ErrInsufficientMargin, got %v", err)
	}

	after, _ := env.exch.MarkPrice("vETH")
	if !before.Equal(after) {
		t.Errorf("rejected trade must not move the pool: %s -> %s", before, after)
	}
	if len(env.acct.Positions("alice")) != 0 {
		t.Error("no position should survive the rollback")
	}
	if !env.fund.Balance().Equal(fundBefore) {
		t.Error("insurance fee must not be kept on a rolled-back trade")
	}
	if !env.vault.Balance("alice", "USDC").Equal(d(10)) {
		t.Errorf("deposit must be untouched, got %s", env.vault.Balance("alice", "USDC"))
	}
}

func TestOpenPosition_SlippageBound(t *testing.T) {
	env := newVenue(t)
	env.deposit(t, "alice", d(1000))
	before, _ := env.exch.MarkPrice("vETH")

	_, err := env.ch.OpenPosition(clearinghouse.OpenPositionParams{
		Trader:              "alice",
		Market:              "vETH",
		IsExactInput:        true,
		Amount:              d(500),
		OppositeAmountBound: d(100), // demands 100 base for 500 quote at price ~100
	})
	if err != clearinghouse.ErrSlippage {
		t.Fatalf("expected ErrSlippage, got %v", err)
	}
	after, _ := env.exch.MarkPrice("vETH")
	if !before.Equal(after) {
		t.Errorf("slippage rejection must not move the pool: %s -> %s", before, after)
	}
}

func TestOpenPosition_DeadlineExpired(t *testing.T) {
	env := newVenue(t)
	env.deposit(t, "alice", d(1000))

	_, err := env.ch.OpenPosition(clearinghouse.OpenPositionParams{
		Trader:       "alice",
		Market:       "vETH",
		IsExactInput: true,
		Amount:       d(100),
		Deadline:     env.clock.Add(-time.Second),
	})
	if err != clearinghouse.ErrDeadlineExpired {
		t.Errorf("expected ErrDeadlineExpired, got %v", err)
	}
}

func TestClosePosition_NoPosition(t *testing.T) {
	env := newVenue(t)
	if _, err := env.ch.ClosePosition("alice", "vETH", decimal.Zero, time.Time{}); err != clearinghouse.ErrNoPosition {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}
}

func TestAddLiquidity_RequiresMargin(t *testing.T) {
	env := newVenue(t)
	_, err := env.ch.AddLiquidity(clearinghouse.LiquidityParams{
		Trader:    "pauper",
		Market:    "vETH",
		TickLower: 45000,
		TickUpper: 47000,
		Liquidity: d(10000),
	})
	if err != clearinghouse.ErrInsufficientMargin {
		t.Errorf("expected ErrInsufficientMargin, got %v", err)
	}
}

func TestRemoveLiquidity_FoldsPassiveExposureIntoPosition(t *testing.T) {
	env := newVenue(t)

	// Takers buy base out of the maker's ranges.
	env.deposit(t, "alice", d(100000))
	env.openLong(t, "alice", d(10000))

	orders := env.book.OpenOrders("maker", "vETH")
	if len(orders) != 1 {
		t.Fatalf("expected the seeded order, got %d", len(orders))
	}
	o := orders[0]
	res, err := env.ch.RemoveLiquidity(clearinghouse.LiquidityParams{
		Trader:    "maker",
		Market:    "vETH",
		TickLower: o.TickLower,
		TickUpper: o.TickUpper,
		Liquidity: o.Liquidity,
	})
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if res.Fee.Sign() <= 0 {
		t.Errorf("maker should realize trading fees, got %s", res.Fee)
	}

	// The maker sold base to the takers and now carries the short.
	pos := env.acct.GetPosition("maker", "vETH")
	if pos.Size.Sign() >= 0 {
		t.Errorf("maker should be left short after takers bought, got %s", pos.Size)
	}
	if pos.Size.Add(env.acct.GetPosition("alice", "vETH").Size).Abs().GreaterThan(d(0.001)) {
		t.Errorf("maker short should mirror taker long: %s vs %s",
			pos.Size, env.acct.GetPosition("alice", "vETH").Size)
	}
}

func TestLiquidate_HealthyAccountRejected(t *testing.T) {
	env := newVenue(t)
	env.deposit(t, "alice", d(1000))
	env.openLong(t, "alice", d(500))

	if _, err := env.ch.Liquidate("carol", "alice", "vETH", decimal.Zero); err != clearinghouse.ErrAccountHealthy {
		t.Errorf("expected ErrAccountHealthy, got %v", err)
	}
}

func TestLiquidate_SplitsPenalty(t *testing.T) {
	env := newVenue(t)

	env.deposit(t, "alice", d(100))
	env.openLong(t, "alice", d(900))

	// The market dips under Alice's long: below maintenance margin but
	// still solvent after the close.
	env.deposit(t, "bob", d(100000))
	env.openShort(t, "bob", d(40))

	fundBefore := env.fund.Balance()
	res, err := env.ch.Liquidate("carol", "alice", "vETH", decimal.Zero)
	if err != nil {
		t.Fatalf("liquidation failed: %v", err)
	}

	if len(env.acct.Positions("alice")) != 0 {
		t.Error("liquidated position should be flat")
	}
	if res.Penalty.Sign() <= 0 {
		t.Errorf("penalty should be positive, got %s", res.Penalty)
	}
	if !res.BadDebt.IsZero() {
		t.Errorf("solvent liquidation should leave no bad debt, got %s", res.BadDebt)
	}
	wantShare := res.Penalty.Mul(d(0.5))
	if res.LiquidatorShare.Sub(wantShare).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("liquidator share should be half the penalty, got %s of %s", res.LiquidatorShare, res.Penalty)
	}
	if env.acct.OwedRealizedPnl("carol").Sub(res.LiquidatorShare).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("liquidator reward should be owed, got %s", env.acct.OwedRealizedPnl("carol"))
	}
	// The insurance fund keeps the other half.
	gain := env.fund.Balance().Sub(fundBefore)
	if gain.LessThan(res.Penalty.Sub(res.LiquidatorShare)) {
		t.Errorf("insurance fund should keep the remainder, gained %s", gain)
	}

	entries, err := env.st.GetLedgerEntriesByTrader(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ledger query failed: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Kind == model.EntryKindLiquidation {
			found = true
		}
	}
	if !found {
		t.Error("liquidation should be journaled")
	}
}

func TestLiquidate_WritesOffBadDebt(t *testing.T) {
	env := newVenue(t)

	env.deposit(t, "alice", d(100))
	env.openLong(t, "alice", d(900))

	// The market crashes far past Alice's equity: the close leaves her
	// settlement balance negative with nothing else to seize.
	env.deposit(t, "bob", d(10000))
	env.openShort(t, "bob", d(90))

	fundBefore := env.fund.Balance()
	res, err := env.ch.Liquidate("carol", "alice", "vETH", decimal.Zero)
	if err != nil {
		t.Fatalf("liquidation failed: %v", err)
	}

	if res.BadDebt.Sign() <= 0 {
		t.Fatalf("insolvent liquidation should report bad debt, got %s", res.BadDebt)
	}
	if !env.vault.Balance("alice", "USDC").IsZero() {
		t.Errorf("settlement balance should be zeroed, got %s", env.vault.Balance("alice", "USDC"))
	}
	if !env.acct.OwedRealizedPnl("alice").IsZero() {
		t.Errorf("owed PnL should be settled, got %s", env.acct.OwedRealizedPnl("alice"))
	}
	value, err := env.vault.AccountValue("alice")
	if err != nil {
		t.Fatalf("account value failed: %v", err)
	}
	if value.Sign() != 0 {
		t.Errorf("written-off account should be worth exactly zero, got %s", value)
	}
	// The shortfall dwarfs the penalty income, so the fund ends below
	// where it started.
	if !env.fund.Balance().LessThan(fundBefore) {
		t.Errorf("insurance fund should absorb the shortfall: %s -> %s", fundBefore, env.fund.Balance())
	}

	entries, err := env.st.GetLedgerEntriesByTrader(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ledger query failed: %v", err)
	}
	var liquidated, writtenOff bool
	for _, e := range entries {
		switch e.Kind {
		case model.EntryKindLiquidation:
			liquidated = true
		case model.EntryKindBadDebt:
			if !writtenOff && e.QuoteDelta.Sub(res.BadDebt).Abs().GreaterThan(d(0.000001)) {
				t.Errorf("journaled shortfall should match the result: %s vs %s", e.QuoteDelta, res.BadDebt)
			}
			writtenOff = true
		}
	}
	if !liquidated || !writtenOff {
		t.Errorf("both the close and the write-off should be journaled: liquidation=%v bad_debt=%v",
			liquidated, writtenOff)
	}
}

func TestLiquidate_PartialClose(t *testing.T) {
	env := newVenue(t)

	env.deposit(t, "alice", d(100))
	env.openLong(t, "alice", d(900))
	env.deposit(t, "bob", d(10000))
	env.openShort(t, "bob", d(90))

	if _, err := env.ch.Liquidate("carol", "alice", "vETH", d(1.5)); err != clearinghouse.ErrInvalidRatio {
		t.Fatalf("expected ErrInvalidRatio, got %v", err)
	}

	sizeBefore := env.acct.GetPosition("alice", "vETH").Size
	res, err := env.ch.Liquidate("carol", "alice", "vETH", d(0.5))
	if err != nil {
		t.Fatalf("partial liquidation failed: %v", err)
	}
	if res.Penalty.Sign() <= 0 {
		t.Errorf("partial close should still carry a penalty, got %s", res.Penalty)
	}
	if !res.BadDebt.IsZero() {
		t.Errorf("a partial close must not write off debt, got %s", res.BadDebt)
	}
	remaining := env.acct.GetPosition("alice", "vETH").Size
	if remaining.Sub(sizeBefore.Mul(d(0.5))).Abs().GreaterThan(d(0.001)) {
		t.Errorf("half the position should remain: %s of %s", remaining, sizeBefore)
	}

	// The account is still insolvent, so a second full liquidation
	// finishes the job and settles the shortfall.
	res, err = env.ch.Liquidate("carol", "alice", "vETH", decimal.Zero)
	if err != nil {
		t.Fatalf("follow-up liquidation failed: %v", err)
	}
	if len(env.acct.Positions("alice")) != 0 {
		t.Error("position should be flat after the follow-up")
	}
	if res.BadDebt.Sign() <= 0 {
		t.Errorf("the final close should surface the bad debt, got %s", res.BadDebt)
	}
}

func TestVenue_RealizedFlowsAreZeroSum(t *testing.T) {
	env := newVenue(t)

	env.deposit(t, "alice", d(100))
	env.deposit(t, "bob", d(10000))
	deposits := d(1000000).Add(d(100)).Add(d(10000))

	// A mixed sequence: a long wiped out by a crash, a liquidation with a
	// write-off, the short taking profit, the maker pulling out.
	env.openLong(t, "alice", d(900))
	env.openShort(t, "bob", d(90))
	if _, err := env.ch.Liquidate("carol", "alice", "vETH", decimal.Zero); err != nil {
		t.Fatalf("liquidation failed: %v", err)
	}
	if _, err := env.ch.ClosePosition("bob", "vETH", decimal.Zero, time.Time{}); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	for _, o := range env.book.OpenOrders("maker", "vETH") {
		if _, err := env.ch.RemoveLiquidity(clearinghouse.LiquidityParams{
			Trader:    "maker",
			Market:    "vETH",
			TickLower: o.TickLower,
			TickUpper: o.TickUpper,
			Liquidity: o.Liquidity,
		}); err != nil {
			t.Fatalf("remove failed: %v", err)
		}
	}
	// With every taker flat the pool is back where it started, so the
	// maker folds out with no residual exposure.
	if size := env.acct.GetPosition("maker", "vETH").Size; size.Abs().GreaterThan(d(0.001)) {
		t.Fatalf("maker should fold out flat, got %s", size)
	}

	// Every vUSD the venue owes anyone, plus both insurance balances,
	// must add back up to what was deposited.
	total := env.fund.Balance().Add(env.fund.RepegFund())
	for _, trader := range []string{"maker", "alice", "bob", "carol"} {
		total = total.Add(env.vault.Balance(trader, "USDC"))
		total = total.Add(env.acct.OwedRealizedPnl(trader))
	}
	if total.Sub(deposits).Abs().GreaterThan(d(0.001)) {
		t.Errorf("realized flows must conserve deposits: total=%s deposits=%s", total, deposits)
	}
}

func TestOpenPosition_FreeCollateralMonotonic(t *testing.T) {
	env := newVenue(t)
	env.deposit(t, "alice", d(1000))

	free := func() decimal.Decimal {
		t.Helper()
		f, err := env.vault.FreeCollateral("alice")
		if err != nil {
			t.Fatalf("free collateral failed: %v", err)
		}
		return f
	}

	before := free()
	env.openLong(t, "alice", d(500))
	after := free()
	if after.GreaterThan(before) {
		t.Errorf("a risk-increasing trade must not raise free collateral: %s -> %s", before, after)
	}
	if after.Sign() < 0 {
		t.Errorf("free collateral must stay non-negative after a successful trade, got %s", after)
	}

	before = after
	env.openLong(t, "alice", d(2000))
	after = free()
	if after.GreaterThan(before) {
		t.Errorf("adding to the position must not raise free collateral: %s -> %s", before, after)
	}
	if after.Sign() < 0 {
		t.Errorf("free collateral must stay non-negative after a successful trade, got %s", after)
	}
}

func TestSettleFunding_TransfersBetweenSides(t *testing.T) {
	env := newVenue(t)
	env.deposit(t, "alice", d(10000))
	env.deposit(t, "bob", d(10000))

	env.openLong(t, "alice", d(1000))
	env.openShort(t, "bob", d(10))

	// Mark sits above the index for eight hours: longs pay shorts.
	env.feed.Set("vETH", d(95))
	env.clock = env.clock.Add(8 * time.Hour)

	alicePay, err := env.ch.SettleFunding("alice", "vETH")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	bobPay, err := env.ch.SettleFunding("bob", "vETH")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}

	if alicePay.Sign() <= 0 {
		t.Errorf("long should pay, got %s", alicePay)
	}
	if bobPay.Sign() >= 0 {
		t.Errorf("short should receive, got %s", bobPay)
	}
	if alicePay.Add(bobPay).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("funding must be zero-sum: %s + %s", alicePay, bobPay)
	}
}

func TestWithdraw_SettlesFundingFirst(t *testing.T) {
	env := newVenue(t)
	env.deposit(t, "alice", d(10000))
	env.deposit(t, "bob", d(10000))
	env.openLong(t, "alice", d(1000))
	env.openShort(t, "bob", d(10))

	env.feed.Set("vETH", d(95))
	env.clock = env.clock.Add(8 * time.Hour)

	// Withdrawal triggers settlement: alice's pending funding is paid first.
	if err := env.ch.Withdraw("alice", "USDC", d(100)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if !env.acct.PendingFunding("alice", "vETH").IsZero() {
		t.Errorf("pending funding should settle before withdrawal, got %s",
			env.acct.PendingFunding("alice", "vETH"))
	}
}

func TestPortfolio_AggregatesState(t *testing.T) {
	env := newVenue(t)
	env.deposit(t, "alice", d(1000))
	env.openLong(t, "alice", d(500))

	p, err := env.ch.Portfolio("alice")
	if err != nil {
		t.Fatalf("portfolio failed: %v", err)
	}
	if len(p.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(p.Positions))
	}
	if !p.Collateral["USDC"].Equal(d(1000)) {
		t.Errorf("collateral should show the deposit, got %s", p.Collateral["USDC"])
	}
	if p.AccountValue.Sign() <= 0 || p.MarginRatio.Sign() <= 0 {
		t.Errorf("funded account should have positive value and ratio: value=%s ratio=%s",
			p.AccountValue, p.MarginRatio)
	}
}

func TestRepeg_EndToEnd(t *testing.T) {
	env := newVenue(t)
	env.deposit(t, "alice", d(10000))
	env.openLong(t, "alice", d(1000))

	// The index runs away from the mark.
	env.feed.Set("vETH", d(120))
	env.exch.UpdateFunding("vETH")
	env.clock = env.clock.Add(time.Second)
	env.exch.UpdateFunding("vETH")
	env.clock = env.clock.Add(31 * time.Minute)

	res, err := env.ch.Repeg("vETH")
	if err != nil {
		t.Fatalf("repeg failed: %v", err)
	}
	if res.NewMark.Sub(d(120)).Abs().GreaterThan(d(0.5)) {
		t.Errorf("mark should land on the index, got %s", res.NewMark)
	}

	// Ledger positions keep their pool-equivalent size through the rescale.
	pos := env.acct.GetPosition("alice", "vETH")
	poolSize := env.acct.PoolBaseFromLedger("vETH", pos.Size)
	if poolSize.Sign() <= 0 || pos.Size.LessThanOrEqual(poolSize) {
		t.Errorf("multiplier < 1 should make ledger size exceed pool size: ledger=%s pool=%s",
			pos.Size, poolSize)
	}

	// Alice can still close against the re-minted liquidity.
	if _, err := env.ch.ClosePosition("alice", "vETH", decimal.Zero, time.Time{}); err != nil {
		t.Fatalf("close after repeg failed: %v", err)
	}
}
