// Package orderbook owns per-trader, per-market, per-tick-range liquidity
// orders. It is the only writer of pool liquidity: makers mint and burn
// through it, and it checkpoints fee growth so trading fees accrue to the
// ranges that earned them.
package orderbook

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/registry"
	"github.com/perpvenue/engine/internal/tickmath"
)

var (
	// ErrOrderNotFound is returned when removing from a range the trader
	// has no liquidity in.
	ErrOrderNotFound = errors.New("orderbook: liquidity order not found")

	// ErrRemoveExceedsOrder is returned when burning more than the order holds.
	ErrRemoveExceedsOrder = errors.New("orderbook: remove exceeds order liquidity")
)

type orderKey struct {
	trader    string
	market    string
	tickLower int
	tickUpper int
}

// OrderBook is the exclusive owner of LiquidityOrder records.
type OrderBook struct {
	mu       sync.Mutex
	registry *registry.Registry
	orders   map[orderKey]*model.LiquidityOrder
}

// New creates an order book over the given market registry.
func New(reg *registry.Registry) *OrderBook {
	return &OrderBook{
		registry: reg,
		orders:   make(map[orderKey]*model.LiquidityOrder),
	}
}

// AddResult reports the outcome of an AddLiquidity call.
type AddResult struct {
	Base  decimal.Decimal // base absorbed by the pool
	Quote decimal.Decimal // quote absorbed by the pool
	Fee   decimal.Decimal // fees realized from the pre-existing order, if any
}

// AddLiquidity mints liquidity into the market's pool and records it on the
// trader's order, realizing any fees the order had already earned.
func (b *OrderBook) AddLiquidity(trader, market string, tickLower, tickUpper int, liquidity decimal.Decimal) (AddResult, error) {
	rec, err := b.registry.Get(market)
	if err != nil {
		return AddResult{}, err
	}
	if err := tickmath.ValidateRange(tickLower, tickUpper, rec.Config.TickSpacing); err != nil {
		return AddResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	base, quote, err := rec.Pool.Mint(tickLower, tickUpper, liquidity)
	if err != nil {
		return AddResult{}, err
	}

	growthInside := rec.Pool.FeeGrowthInside(tickLower, tickUpper)
	key := orderKey{trader, market, tickLower, tickUpper}
	order, ok := b.orders[key]
	if !ok {
		order = &model.LiquidityOrder{
			Trader:    trader,
			Market:    market,
			TickLower: tickLower,
			TickUpper: tickUpper,
		}
		b.orders[key] = order
	}

	// Fees earned since the last checkpoint are realized before the order's
	// liquidity changes, otherwise the new liquidity would dilute them.
	fee := growthInside.Sub(order.FeeGrowthCheckpoint).Mul(order.Liquidity)
	order.FeeGrowthCheckpoint = growthInside
	order.Liquidity = order.Liquidity.Add(liquidity)
	order.BaseDebt = order.BaseDebt.Add(base)
	order.QuoteDebt = order.QuoteDebt.Add(quote)

	return AddResult{Base: base, Quote: quote, Fee: fee}, nil
}

// RemoveResult reports the outcome of a RemoveLiquidity call.
type RemoveResult struct {
	Base      decimal.Decimal // base released by the pool
	Quote     decimal.Decimal // quote released by the pool
	Fee       decimal.Decimal // fees realized
	BaseDebt  decimal.Decimal // portion of the order's base debt retired
	QuoteDebt decimal.Decimal // portion of the order's quote debt retired
}

// RemoveLiquidity burns liquidity from the trader's order. The released
// amounts minus the retired debt form the maker's realized passive exposure;
// accrued fees are realized in full proportion to the burned share.
func (b *OrderBook) RemoveLiquidity(trader, market string, tickLower, tickUpper int, liquidity decimal.Decimal) (RemoveResult, error) {
	rec, err := b.registry.Get(market)
	if err != nil {
		return RemoveResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := orderKey{trader, market, tickLower, tickUpper}
	order, ok := b.orders[key]
	if !ok {
		return RemoveResult{}, ErrOrderNotFound
	}
	if liquidity.GreaterThan(order.Liquidity) {
		return RemoveResult{}, ErrRemoveExceedsOrder
	}

	base, quote, err := rec.Pool.Burn(tickLower, tickUpper, liquidity)
	if err != nil {
		return RemoveResult{}, err
	}

	growthInside := rec.Pool.FeeGrowthInside(tickLower, tickUpper)
	fee := growthInside.Sub(order.FeeGrowthCheckpoint).Mul(order.Liquidity)
	order.FeeGrowthCheckpoint = growthInside

	fraction := liquidity.DivRound(order.Liquidity, tickmath.Scale)
	baseDebt := order.BaseDebt.Mul(fraction).RoundDown(tickmath.Scale)
	quoteDebt := order.QuoteDebt.Mul(fraction).RoundDown(tickmath.Scale)

	order.Liquidity = order.Liquidity.Sub(liquidity)
	order.BaseDebt = order.BaseDebt.Sub(baseDebt)
	order.QuoteDebt = order.QuoteDebt.Sub(quoteDebt)
	if order.Liquidity.IsZero() {
		// Full burn retires the whole debt: no residue survives rounding.
		baseDebt = baseDebt.Add(order.BaseDebt)
		quoteDebt = quoteDebt.Add(order.QuoteDebt)
		delete(b.orders, key)
	}

	return RemoveResult{Base: base, Quote: quote, Fee: fee, BaseDebt: baseDebt, QuoteDebt: quoteDebt}, nil
}

// OpenOrders returns copies of the trader's orders in a market, ordered by
// tick range for determinism.
func (b *OrderBook) OpenOrders(trader, market string) []model.LiquidityOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ordersLocked(func(k orderKey) bool { return k.trader == trader && k.market == market })
}

// MarketOrders returns copies of all orders in a market.
func (b *OrderBook) MarketOrders(market string) []model.LiquidityOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ordersLocked(func(k orderKey) bool { return k.market == market })
}

func (b *OrderBook) ordersLocked(match func(orderKey) bool) []model.LiquidityOrder {
	var out []model.LiquidityOrder
	for k, o := range b.orders {
		if match(k) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trader != out[j].Trader {
			return out[i].Trader < out[j].Trader
		}
		if out[i].TickLower != out[j].TickLower {
			return out[i].TickLower < out[j].TickLower
		}
		return out[i].TickUpper < out[j].TickUpper
	})
	return out
}

// MarketsWithOrders returns the markets in which the trader has open
// liquidity, sorted.
func (b *OrderBook) MarketsWithOrders(trader string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]struct{})
	for k := range b.orders {
		if k.trader == trader {
			seen[k.market] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// PendingFee returns the trading fees the trader's orders in a market have
// earned since their checkpoints, without realizing them.
func (b *OrderBook) PendingFee(trader, market string) decimal.Decimal {
	rec, err := b.registry.Get(market)
	if err != nil {
		return decimal.Zero
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	total := decimal.Zero
	for k, o := range b.orders {
		if k.trader != trader || k.market != market {
			continue
		}
		growthInside := rec.Pool.FeeGrowthInside(k.tickLower, k.tickUpper)
		total = total.Add(growthInside.Sub(o.FeeGrowthCheckpoint).Mul(o.Liquidity))
	}
	return total
}

// PassiveAmounts returns the maker's passive exposure in a market: the
// current range holdings of their liquidity minus the recorded debts. A
// negative base with positive quote means takers bought base from the
// maker's ranges.
func (b *OrderBook) PassiveAmounts(trader, market string) (base, quote decimal.Decimal) {
	rec, err := b.registry.Get(market)
	if err != nil {
		return decimal.Zero, decimal.Zero
	}
	sqrtPrice, tick := rec.Pool.Slot0()

	b.mu.Lock()
	defer b.mu.Unlock()

	base, quote = decimal.Zero, decimal.Zero
	for k, o := range b.orders {
		if k.trader != trader || k.market != market {
			continue
		}
		curBase, curQuote := rangeHoldings(sqrtPrice, tick, k.tickLower, k.tickUpper, o.Liquidity)
		base = base.Add(curBase.Sub(o.BaseDebt))
		quote = quote.Add(curQuote.Sub(o.QuoteDebt))
	}
	return base, quote
}

// TotalOrderDebt returns the summed base/quote debt of the trader's orders
// in a market. Used for maker margin requirements.
func (b *OrderBook) TotalOrderDebt(trader, market string) (base, quote decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	base, quote = decimal.Zero, decimal.Zero
	for k, o := range b.orders {
		if k.trader == trader && k.market == market {
			base = base.Add(o.BaseDebt)
			quote = quote.Add(o.QuoteDebt)
		}
	}
	return base, quote
}

// TotalMarketLiquidityBase returns the base held by all orders' liquidity in
// a market at the current price. Reported in market snapshots.
func (b *OrderBook) TotalMarketLiquidityBase(market string) decimal.Decimal {
	rec, err := b.registry.Get(market)
	if err != nil {
		return decimal.Zero
	}
	sqrtPrice, tick := rec.Pool.Slot0()

	b.mu.Lock()
	defer b.mu.Unlock()

	total := decimal.Zero
	for k, o := range b.orders {
		if k.market != market {
			continue
		}
		curBase, _ := rangeHoldings(sqrtPrice, tick, k.tickLower, k.tickUpper, o.Liquidity)
		total = total.Add(curBase)
	}
	return total
}

// RebaseResult reports the pool inventory change of a Rebase: the amounts
// released by burning every order at the old price, and the amounts absorbed
// re-minting them at the new one.
type RebaseResult struct {
	ReleasedBase  decimal.Decimal
	ReleasedQuote decimal.Decimal
	AbsorbedBase  decimal.Decimal
	AbsorbedQuote decimal.Decimal
	TickShift     int
}

// Rebase moves every order in a market to ranges centered on newPrice: it
// settles each order's accrued fees through settleFee, burns all liquidity,
// resets the pool price, and re-mints at ranges shifted by a whole number of
// spacings. Order liquidity and debts are preserved; the inventory difference
// is the caller's to fund.
func (b *OrderBook) Rebase(market string, newPrice decimal.Decimal, settleFee func(trader string, fee decimal.Decimal)) (RebaseResult, error) {
	rec, err := b.registry.Get(market)
	if err != nil {
		return RebaseResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	_, oldTick := rec.Pool.Slot0()
	newTick, err := tickmath.TickAtPrice(newPrice)
	if err != nil {
		return RebaseResult{}, err
	}
	spacing := rec.Config.TickSpacing
	shift := ((newTick - oldTick) / spacing) * spacing

	var keys []orderKey
	for k := range b.orders {
		if k.market == market {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].trader != keys[j].trader {
			return keys[i].trader < keys[j].trader
		}
		if keys[i].tickLower != keys[j].tickLower {
			return keys[i].tickLower < keys[j].tickLower
		}
		return keys[i].tickUpper < keys[j].tickUpper
	})

	// Every shifted range must be valid before anything is burned.
	for _, k := range keys {
		if err := tickmath.ValidateRange(k.tickLower+shift, k.tickUpper+shift, spacing); err != nil {
			return RebaseResult{}, err
		}
	}

	res := RebaseResult{TickShift: shift}
	for _, k := range keys {
		o := b.orders[k]
		growthInside := rec.Pool.FeeGrowthInside(k.tickLower, k.tickUpper)
		fee := growthInside.Sub(o.FeeGrowthCheckpoint).Mul(o.Liquidity)
		if settleFee != nil && !fee.IsZero() {
			settleFee(k.trader, fee)
		}
		base, quote, err := rec.Pool.Burn(k.tickLower, k.tickUpper, o.Liquidity)
		if err != nil {
			return res, err
		}
		res.ReleasedBase = res.ReleasedBase.Add(base)
		res.ReleasedQuote = res.ReleasedQuote.Add(quote)
	}

	if err := rec.Pool.ResetPrice(newPrice); err != nil {
		return res, err
	}

	for _, k := range keys {
		o := b.orders[k]
		nk := orderKey{k.trader, k.market, k.tickLower + shift, k.tickUpper + shift}
		base, quote, err := rec.Pool.Mint(nk.tickLower, nk.tickUpper, o.Liquidity)
		if err != nil {
			return res, err
		}
		res.AbsorbedBase = res.AbsorbedBase.Add(base)
		res.AbsorbedQuote = res.AbsorbedQuote.Add(quote)

		o.TickLower = nk.tickLower
		o.TickUpper = nk.tickUpper
		o.FeeGrowthCheckpoint = rec.Pool.FeeGrowthInside(nk.tickLower, nk.tickUpper)
		delete(b.orders, k)
		b.orders[nk] = o
	}
	return res, nil
}

// EstimateRebase computes the inventory change a Rebase to newPrice would
// produce, without touching any state. Rounding differs slightly from the
// committed path (estimates round toward the makers), so callers treating
// this as a cost bound should leave headroom.
func (b *OrderBook) EstimateRebase(market string, newPrice decimal.Decimal) (RebaseResult, error) {
	rec, err := b.registry.Get(market)
	if err != nil {
		return RebaseResult{}, err
	}
	oldSqrt, oldTick := rec.Pool.Slot0()
	newTick, err := tickmath.TickAtPrice(newPrice)
	if err != nil {
		return RebaseResult{}, err
	}
	spacing := rec.Config.TickSpacing
	shift := ((newTick - oldTick) / spacing) * spacing
	newSqrt, err := tickmath.SqrtPriceAtTick(newTick)
	if err != nil {
		return RebaseResult{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res := RebaseResult{TickShift: shift}
	for k, o := range b.orders {
		if k.market != market {
			continue
		}
		relBase, relQuote := rangeHoldings(oldSqrt, oldTick, k.tickLower, k.tickUpper, o.Liquidity)
		absBase, absQuote := rangeHoldings(newSqrt, newTick, k.tickLower+shift, k.tickUpper+shift, o.Liquidity)
		res.ReleasedBase = res.ReleasedBase.Add(relBase)
		res.ReleasedQuote = res.ReleasedQuote.Add(relQuote)
		res.AbsorbedBase = res.AbsorbedBase.Add(absBase)
		res.AbsorbedQuote = res.AbsorbedQuote.Add(absQuote)
	}
	return res, nil
}

// rangeHoldings computes the base/quote a liquidity amount holds over a
// range at the given price, rounding toward the pool.
func rangeHoldings(sqrtPrice decimal.Decimal, tick, tickLower, tickUpper int, liquidity decimal.Decimal) (base, quote decimal.Decimal) {
	sqrtLower, _ := tickmath.SqrtPriceAtTick(tickLower)
	sqrtUpper, _ := tickmath.SqrtPriceAtTick(tickUpper)
	switch {
	case tick < tickLower:
		return tickmath.BaseAmountDelta(sqrtLower, sqrtUpper, liquidity, false), decimal.Zero
	case tick >= tickUpper:
		return decimal.Zero, tickmath.QuoteAmountDelta(sqrtLower, sqrtUpper, liquidity, false)
	default:
		base = tickmath.BaseAmountDelta(sqrtPrice, sqrtUpper, liquidity, false)
		quote = tickmath.QuoteAmountDelta(sqrtLower, sqrtPrice, liquidity, false)
		return base, quote
	}
}
