// Package account keeps the position and PnL ledger: taker positions with
// proportional realization, per-market long/short multipliers, lazy funding
// settlement against checkpointed growth, and each trader's owed realized
// PnL awaiting settlement into the vault.
package account

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/orderbook"
	"github.com/perpvenue/engine/internal/registry"
	"github.com/perpvenue/engine/internal/tickmath"
)

// ErrInvalidMultiplier is returned when a multiplier rescale is not
// strictly positive.
var ErrInvalidMultiplier = errors.New("account: multiplier must be positive")

// fundingPeriodSeconds normalizes accumulated time-weighted premium into
// quote units: a premium held for one full day pays out once.
var fundingPeriodSeconds = decimal.NewFromInt(86400)

type positionKey struct {
	trader string
	market string
}

type multipliers struct {
	long  decimal.Decimal
	short decimal.Decimal
}

// AccountBalance is the single writer of positions and realized PnL.
type AccountBalance struct {
	mu sync.Mutex

	registry *registry.Registry
	book     *orderbook.OrderBook

	positions map[positionKey]*model.Position
	owed      map[string]decimal.Decimal     // trader -> owed realized pnl
	mults     map[string]multipliers         // market -> side multipliers
	growth    map[string]model.FundingGrowth // market -> funding growth
}

// New creates an account ledger over the given registry and order book.
func New(reg *registry.Registry, book *orderbook.OrderBook) *AccountBalance {
	return &AccountBalance{
		registry:  reg,
		book:      book,
		positions: make(map[positionKey]*model.Position),
		owed:      make(map[string]decimal.Decimal),
		mults:     make(map[string]multipliers),
		growth:    make(map[string]model.FundingGrowth),
	}
}

// GetPosition returns a copy of the trader's position, zero-valued if none.
func (a *AccountBalance) GetPosition(trader, market string) model.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.positions[positionKey{trader, market}]; ok {
		return *p
	}
	return model.Position{Trader: trader, Market: market}
}

// Positions returns copies of the trader's open positions, sorted by market.
func (a *AccountBalance) Positions(trader string) []model.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.Position
	for k, p := range a.positions {
		if k.trader == trader {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

// MarketsWithPosition returns the markets in which the trader holds taker
// exposure, sorted.
func (a *AccountBalance) MarketsWithPosition(trader string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for k := range a.positions {
		if k.trader == trader {
			out = append(out, k.market)
		}
	}
	sort.Strings(out)
	return out
}

// OpenInterest returns the pool-equivalent long and short open interest of a
// market: ledger sizes scaled by the side multipliers, both positive.
func (a *AccountBalance) OpenInterest(market string) (long, short decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.multsLocked(market)
	long, short = decimal.Zero, decimal.Zero
	for k, p := range a.positions {
		if k.market != market {
			continue
		}
		switch p.SideSign() {
		case 1:
			long = long.Add(p.Size.Mul(m.long))
		case -1:
			short = short.Add(p.Size.Neg().Mul(m.short))
		}
	}
	return long, short
}

// LedgerOpenInterest returns the long and short open interest of a market
// in raw ledger units, both positive. Funding accrual uses these so the two
// sides' payments cancel exactly.
func (a *AccountBalance) LedgerOpenInterest(market string) (long, short decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	long, short = decimal.Zero, decimal.Zero
	for k, p := range a.positions {
		if k.market != market {
			continue
		}
		switch p.SideSign() {
		case 1:
			long = long.Add(p.Size)
		case -1:
			short = short.Add(p.Size.Neg())
		}
	}
	return long, short
}

// ModifyTakerPosition applies a trade to the trader's position. baseDelta is
// the ledger base change (positive buys), quoteDelta the signed quote flow
// (positive when the trader receives quote). PnL on the closed portion is
// realized proportionally into owed realized PnL; a flip reopens the
// remainder at the trade's own price.
func (a *AccountBalance) ModifyTakerPosition(trader, market string, baseDelta, quoteDelta decimal.Decimal) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := positionKey{trader, market}
	pos, ok := a.positions[key]
	if !ok {
		pos = &model.Position{Trader: trader, Market: market}
		g := a.growth[market]
		pos.LastTwPremiumLong = g.TwPremiumLong
		pos.LastTwPremiumShort = g.TwPremiumShort
		a.positions[key] = pos
	}

	realized := decimal.Zero
	switch {
	case pos.Size.IsZero() || pos.Size.Sign() == baseDelta.Sign():
		// Opening or increasing: no realization.
		pos.Size = pos.Size.Add(baseDelta)
		pos.OpenNotional = pos.OpenNotional.Add(quoteDelta)
	case baseDelta.Abs().LessThanOrEqual(pos.Size.Abs()):
		// Reducing: realize the closed fraction of the entry notional.
		fraction := baseDelta.Abs().DivRound(pos.Size.Abs(), tickmath.Scale)
		closedNotional := pos.OpenNotional.Mul(fraction)
		realized = quoteDelta.Add(closedNotional)
		pos.Size = pos.Size.Add(baseDelta)
		pos.OpenNotional = pos.OpenNotional.Sub(closedNotional)
		if pos.Size.IsZero() {
			// Residual notional from rounding is realized with the close.
			realized = realized.Add(pos.OpenNotional)
			pos.OpenNotional = decimal.Zero
		}
	default:
		// Flipping: close everything, open the remainder at the trade price.
		closeQuote := quoteDelta.Mul(pos.Size.Abs()).DivRound(baseDelta.Abs(), tickmath.Scale)
		realized = closeQuote.Add(pos.OpenNotional)
		pos.Size = pos.Size.Add(baseDelta)
		pos.OpenNotional = quoteDelta.Sub(closeQuote)
	}

	if pos.IsClosed() {
		delete(a.positions, key)
	}
	if !realized.IsZero() {
		a.owed[trader] = a.owed[trader].Add(realized)
	}
	return realized
}

// Snapshot captures one trader's position in a market plus their owed
// realized PnL, so a failed margin check can restore the pre-trade state.
type Snapshot struct {
	Trader      string
	Market      string
	Position    model.Position
	HasPosition bool
	Owed        decimal.Decimal
}

// Snapshot returns the restore point for a trader's state in one market.
func (a *AccountBalance) Snapshot(trader, market string) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{Trader: trader, Market: market, Owed: a.owed[trader]}
	if p, ok := a.positions[positionKey{trader, market}]; ok {
		s.Position = *p
		s.HasPosition = true
	}
	return s
}

// Restore puts a trader's position and owed realized PnL back to a snapshot.
func (a *AccountBalance) Restore(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := positionKey{s.Trader, s.Market}
	if s.HasPosition {
		p := s.Position
		a.positions[key] = &p
	} else {
		delete(a.positions, key)
	}
	if s.Owed.IsZero() {
		delete(a.owed, s.Trader)
	} else {
		a.owed[s.Trader] = s.Owed
	}
}

// AddOwedRealizedPnl credits (or debits) a trader's owed realized PnL.
func (a *AccountBalance) AddOwedRealizedPnl(trader string, delta decimal.Decimal) {
	if delta.IsZero() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.owed[trader] = a.owed[trader].Add(delta)
}

// OwedRealizedPnl returns the trader's owed realized PnL.
func (a *AccountBalance) OwedRealizedPnl(trader string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owed[trader]
}

// PopOwedRealizedPnl zeroes and returns the trader's owed realized PnL, for
// settlement into the vault's settlement-token balance.
func (a *AccountBalance) PopOwedRealizedPnl(trader string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	owed := a.owed[trader]
	delete(a.owed, trader)
	return owed
}

// SetFundingGrowth stores a market's current funding growth. The exchange is
// the only writer.
func (a *AccountBalance) SetFundingGrowth(market string, g model.FundingGrowth) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.growth[market] = g
}

// FundingGrowth returns a market's stored funding growth.
func (a *AccountBalance) FundingGrowth(market string) model.FundingGrowth {
	a.mu.Lock()
	defer a.mu.Unlock()
	g := a.growth[market]
	g.Market = market
	return g
}

// SettleFunding realizes the trader's pending funding in a market into owed
// realized PnL and advances the position's checkpoints. Returns the payment
// (positive means the trader paid).
func (a *AccountBalance) SettleFunding(trader, market string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	pos, ok := a.positions[positionKey{trader, market}]
	if !ok {
		return decimal.Zero
	}
	g := a.growth[market]
	payment := pendingFunding(pos, g)
	pos.LastTwPremiumLong = g.TwPremiumLong
	pos.LastTwPremiumShort = g.TwPremiumShort
	if !payment.IsZero() {
		a.owed[trader] = a.owed[trader].Sub(payment)
	}
	return payment
}

// PendingFunding returns the trader's unsettled funding payment in a market
// (positive means the trader would pay).
func (a *AccountBalance) PendingFunding(trader, market string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, ok := a.positions[positionKey{trader, market}]
	if !ok {
		return decimal.Zero
	}
	return pendingFunding(pos, a.growth[market])
}

// TotalPendingFunding sums the trader's pending funding across all markets.
func (a *AccountBalance) TotalPendingFunding(trader string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := decimal.Zero
	for k, p := range a.positions {
		if k.trader == trader {
			total = total.Add(pendingFunding(p, a.growth[k.market]))
		}
	}
	return total
}

func pendingFunding(pos *model.Position, g model.FundingGrowth) decimal.Decimal {
	var delta decimal.Decimal
	switch pos.SideSign() {
	case 1:
		delta = g.TwPremiumLong.Sub(pos.LastTwPremiumLong)
	case -1:
		delta = g.TwPremiumShort.Sub(pos.LastTwPremiumShort)
	default:
		return decimal.Zero
	}
	return pos.Size.Mul(delta).DivRound(fundingPeriodSeconds, tickmath.Scale)
}

// Multipliers returns a market's long and short multipliers, defaulting to 1.
func (a *AccountBalance) Multipliers(market string) (long, short decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.multsLocked(market)
	return m.long, m.short
}

// ScaleMultipliers rescales a market's multipliers by the given ratios.
// Ledger sizes are untouched: the multiplier is the bridge between ledger
// base and pool base, so rescaling it re-anchors every position at once.
func (a *AccountBalance) ScaleMultipliers(market string, longRatio, shortRatio decimal.Decimal) error {
	if longRatio.Sign() <= 0 || shortRatio.Sign() <= 0 {
		return ErrInvalidMultiplier
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.multsLocked(market)
	m.long = m.long.Mul(longRatio)
	m.short = m.short.Mul(shortRatio)
	a.mults[market] = m
	return nil
}

func (a *AccountBalance) multsLocked(market string) multipliers {
	if m, ok := a.mults[market]; ok {
		return m
	}
	one := decimal.NewFromInt(1)
	return multipliers{long: one, short: one}
}

// LedgerBaseFromPool converts a pool base delta into the trader's ledger
// delta. The portion that reduces the existing position uses that side's
// multiplier; any remainder opening the opposite side uses the other
// multiplier. The conversion rounds down in absolute value so the ledger
// never overstates exposure.
func (a *AccountBalance) LedgerBaseFromPool(trader, market string, poolDelta decimal.Decimal) decimal.Decimal {
	if poolDelta.IsZero() {
		return decimal.Zero
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.multsLocked(market)
	pos, ok := a.positions[positionKey{trader, market}]

	newSideMult := m.long
	if poolDelta.Sign() < 0 {
		newSideMult = m.short
	}
	if !ok || pos.Size.Sign() == 0 || pos.Size.Sign() == poolDelta.Sign() {
		return poolDelta.DivRound(newSideMult, tickmath.Scale)
	}

	closeSideMult := m.long
	if pos.Size.Sign() < 0 {
		closeSideMult = m.short
	}
	// The pool delta that exactly closes the ledger position.
	closePool := pos.Size.Neg().Mul(closeSideMult)
	if poolDelta.Abs().LessThanOrEqual(closePool.Abs()) {
		return poolDelta.DivRound(closeSideMult, tickmath.Scale)
	}
	rest := poolDelta.Sub(closePool)
	return pos.Size.Neg().Add(rest.DivRound(newSideMult, tickmath.Scale))
}

// PoolBaseFromLedger converts a ledger base amount into pool base units
// using the side multiplier of the amount's sign.
func (a *AccountBalance) PoolBaseFromLedger(market string, ledgerBase decimal.Decimal) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.multsLocked(market)
	if ledgerBase.Sign() < 0 {
		return ledgerBase.Mul(m.short)
	}
	return ledgerBase.Mul(m.long)
}

// TakerUnrealized returns the unrealized PnL of the trader's taker position
// in a market at the pool's mark price.
func (a *AccountBalance) TakerUnrealized(trader, market string) decimal.Decimal {
	mark, err := a.markPrice(market)
	if err != nil {
		return decimal.Zero
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, ok := a.positions[positionKey{trader, market}]
	if !ok {
		return decimal.Zero
	}
	m := a.multsLocked(market)
	return a.effectiveBaseLocked(pos, m).Mul(mark).Add(pos.OpenNotional)
}

// GetPnlAndPendingFee aggregates the trader's owed realized PnL, unrealized
// PnL across taker and maker exposure, and unrealized maker fees.
func (a *AccountBalance) GetPnlAndPendingFee(trader string) (owed, unrealized, pendingFee decimal.Decimal) {
	markets := a.exposedMarkets(trader)

	unrealized, pendingFee = decimal.Zero, decimal.Zero
	for _, market := range markets {
		mark, err := a.markPrice(market)
		if err != nil {
			continue
		}
		a.mu.Lock()
		if pos, ok := a.positions[positionKey{trader, market}]; ok {
			m := a.multsLocked(market)
			unrealized = unrealized.Add(a.effectiveBaseLocked(pos, m).Mul(mark).Add(pos.OpenNotional))
		}
		a.mu.Unlock()

		passiveBase, passiveQuote := a.book.PassiveAmounts(trader, market)
		unrealized = unrealized.Add(passiveBase.Mul(mark)).Add(passiveQuote)
		pendingFee = pendingFee.Add(a.book.PendingFee(trader, market))
	}

	a.mu.Lock()
	owed = a.owed[trader]
	a.mu.Unlock()
	return owed, unrealized, pendingFee
}

// TotalAbsPositionValue returns the trader's margin-bearing notional: per
// market, the effective taker size plus passive maker base, priced at mark,
// plus the quote debt locked in open orders.
func (a *AccountBalance) TotalAbsPositionValue(trader string) decimal.Decimal {
	total := decimal.Zero
	for _, market := range a.exposedMarkets(trader) {
		total = total.Add(a.AbsPositionValue(trader, market))
	}
	return total
}

// AbsPositionValue returns the trader's margin-bearing notional in one market.
func (a *AccountBalance) AbsPositionValue(trader, market string) decimal.Decimal {
	mark, err := a.markPrice(market)
	if err != nil {
		return decimal.Zero
	}

	a.mu.Lock()
	effective := decimal.Zero
	if pos, ok := a.positions[positionKey{trader, market}]; ok {
		m := a.multsLocked(market)
		effective = a.effectiveBaseLocked(pos, m)
	}
	a.mu.Unlock()

	baseDebt, quoteDebt := a.book.TotalOrderDebt(trader, market)
	return effective.Abs().Mul(mark).Add(baseDebt.Mul(mark)).Add(quoteDebt)
}

// MarginRequirement returns ratio times the trader's total absolute
// position value.
func (a *AccountBalance) MarginRequirement(trader string, ratio decimal.Decimal) decimal.Decimal {
	return a.TotalAbsPositionValue(trader).Mul(ratio)
}

// exposedMarkets returns the union of markets where the trader has a taker
// position or open maker orders, sorted.
func (a *AccountBalance) exposedMarkets(trader string) []string {
	seen := make(map[string]struct{})
	for _, m := range a.MarketsWithPosition(trader) {
		seen[m] = struct{}{}
	}
	for _, m := range a.book.MarketsWithOrders(trader) {
		seen[m] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func (a *AccountBalance) effectiveBaseLocked(pos *model.Position, m multipliers) decimal.Decimal {
	if pos.Size.Sign() < 0 {
		return pos.Size.Mul(m.short)
	}
	return pos.Size.Mul(m.long)
}

func (a *AccountBalance) markPrice(market string) (decimal.Decimal, error) {
	p, err := a.registry.Pool(market)
	if err != nil {
		return decimal.Zero, err
	}
	return p.MarkPrice(), nil
}
