// Package pool implements the virtual concentrated-liquidity pool backing
// each perpetual market: tick-ranged liquidity, a price-limited swap walk,
// and fee growth accounting for makers.
//
// The pool holds no real tokens; base/quote amounts are ledger quantities.
// It is written to only by the order book and the exchange.
package pool

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perpvenue/engine/internal/tickmath"
)

var (
	// ErrInsufficientLiquidity is returned when a swap cannot be filled from
	// the liquidity between the current price and the price limit.
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity for swap")

	// ErrPriceLimitCrossed is returned when the price limit is on the wrong
	// side of the current price for the requested direction.
	ErrPriceLimitCrossed = errors.New("pool: price limit already crossed")

	// ErrPositionLiquidity is returned when burning more liquidity than a
	// range holds.
	ErrPositionLiquidity = errors.New("pool: burn exceeds range liquidity")

	// ErrNoActiveLiquidity is returned when a fee cannot be attributed
	// because no liquidity is in range.
	ErrNoActiveLiquidity = errors.New("pool: no active liquidity")

	// ErrPoolNotEmpty is returned by ResetPrice while liquidity remains.
	ErrPoolNotEmpty = errors.New("pool: pool not empty")
)

// dust is the termination tolerance of the swap walk. Residuals below dust
// are unrepresentable at the ledger scale and are dropped in the pool's favor.
var dust = decimal.New(1, -12)

// maxSwapSteps bounds the tick walk as a defense against a degenerate state.
const maxSwapSteps = 4096

// tickState is the per-initialized-tick bookkeeping.
type tickState struct {
	liquidityGross   decimal.Decimal
	liquidityNet     decimal.Decimal // applied when crossing left-to-right
	feeGrowthOutside decimal.Decimal
}

// observation is one (timestamp, tick) sample recorded after each swap.
type observation struct {
	ts   time.Time
	tick int
}

// Pool is one market's virtual AMM state. All methods are safe for
// concurrent use; the venue additionally serializes state-mutating calls.
type Pool struct {
	mu sync.Mutex

	tickSpacing int
	sqrtPrice   decimal.Decimal
	tick        int
	liquidity   decimal.Decimal // liquidity active at the current tick

	ticks       map[int]*tickState
	sortedTicks []int // initialized ticks, ascending

	feeGrowthGlobal decimal.Decimal // quote fees per unit liquidity

	observations   []observation
	obsCardinality int

	now func() time.Time
}

// New creates a pool at the given initial sqrt price.
func New(tickSpacing int, initialSqrtPrice decimal.Decimal) (*Pool, error) {
	tick, err := tickmath.TickAtSqrtPrice(initialSqrtPrice)
	if err != nil {
		return nil, err
	}
	return &Pool{
		tickSpacing:    tickSpacing,
		sqrtPrice:      initialSqrtPrice,
		tick:           tick,
		ticks:          make(map[int]*tickState),
		obsCardinality: 1,
		now:            time.Now,
	}, nil
}

// NewAtPrice creates a pool whose initial price (not sqrt price) is given.
func NewAtPrice(tickSpacing int, price decimal.Decimal) (*Pool, error) {
	tick, err := tickmath.TickAtPrice(price)
	if err != nil {
		return nil, err
	}
	sp, err := tickmath.SqrtPriceAtTick(tick)
	if err != nil {
		return nil, err
	}
	p, err := New(tickSpacing, sp)
	if err != nil {
		return nil, err
	}
	p.tick = tick
	return p, nil
}

// SetClock overrides the pool's time source. Used by tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Slot0 returns the current sqrt price and tick.
func (p *Pool) Slot0() (decimal.Decimal, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sqrtPrice, p.tick
}

// MarkPrice returns the current pool price (sqrtPrice squared).
func (p *Pool) MarkPrice() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sqrtPrice.Mul(p.sqrtPrice)
}

// Liquidity returns the liquidity active at the current tick.
func (p *Pool) Liquidity() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liquidity
}

// TickSpacing returns the pool's tick spacing.
func (p *Pool) TickSpacing() int {
	return p.tickSpacing
}

// ResetPrice moves the pool to a new price without trading against it. It
// is only legal while the pool holds no liquidity: the repeg burns every
// order, resets, then re-mints at the shifted ranges.
func (p *Pool) ResetPrice(price decimal.Decimal) error {
	tick, err := tickmath.TickAtPrice(price)
	if err != nil {
		return err
	}
	sp, err := tickmath.SqrtPriceAtTick(tick)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.ticks) != 0 || p.liquidity.Sign() != 0 {
		return ErrPoolNotEmpty
	}
	p.sqrtPrice = sp
	p.tick = tick
	return nil
}

// Mint adds liquidity to [tickLower, tickUpper] and returns the base and
// quote amounts the pool absorbs. Amounts owed to the pool round up.
func (p *Pool) Mint(tickLower, tickUpper int, liquidity decimal.Decimal) (base, quote decimal.Decimal, err error) {
	if liquidity.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, tickmath.ErrZeroLiquidity
	}
	if err := tickmath.ValidateRange(tickLower, tickUpper, p.tickSpacing); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	base, quote = p.rangeAmounts(tickLower, tickUpper, liquidity, true)

	p.updateTick(tickLower, liquidity, liquidity)
	p.updateTick(tickUpper, liquidity, liquidity.Neg())

	if p.tick >= tickLower && p.tick < tickUpper {
		p.liquidity = p.liquidity.Add(liquidity)
	}
	return base, quote, nil
}

// Burn removes liquidity from [tickLower, tickUpper] and returns the base
// and quote amounts released. Amounts paid out round down.
func (p *Pool) Burn(tickLower, tickUpper int, liquidity decimal.Decimal) (base, quote decimal.Decimal, err error) {
	if liquidity.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, tickmath.ErrZeroLiquidity
	}
	if err := tickmath.ValidateRange(tickLower, tickUpper, p.tickSpacing); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	lo, ok := p.ticks[tickLower]
	if !ok || lo.liquidityGross.LessThan(liquidity) {
		return decimal.Zero, decimal.Zero, ErrPositionLiquidity
	}
	hi, ok := p.ticks[tickUpper]
	if !ok || hi.liquidityGross.LessThan(liquidity) {
		return decimal.Zero, decimal.Zero, ErrPositionLiquidity
	}

	base, quote = p.rangeAmounts(tickLower, tickUpper, liquidity, false)

	p.updateTick(tickLower, liquidity.Neg(), liquidity.Neg())
	p.updateTick(tickUpper, liquidity.Neg(), liquidity)

	if p.tick >= tickLower && p.tick < tickUpper {
		p.liquidity = p.liquidity.Sub(liquidity)
	}
	return base, quote, nil
}

// rangeAmounts computes the base/quote holdings of `liquidity` over the
// range at the current price. Caller holds the lock.
func (p *Pool) rangeAmounts(tickLower, tickUpper int, liquidity decimal.Decimal, roundUp bool) (base, quote decimal.Decimal) {
	sqrtLower, _ := tickmath.SqrtPriceAtTick(tickLower)
	sqrtUpper, _ := tickmath.SqrtPriceAtTick(tickUpper)

	switch {
	case p.tick < tickLower:
		base = tickmath.BaseAmountDelta(sqrtLower, sqrtUpper, liquidity, roundUp)
		quote = decimal.Zero
	case p.tick >= tickUpper:
		base = decimal.Zero
		quote = tickmath.QuoteAmountDelta(sqrtLower, sqrtUpper, liquidity, roundUp)
	default:
		base = tickmath.BaseAmountDelta(p.sqrtPrice, sqrtUpper, liquidity, roundUp)
		quote = tickmath.QuoteAmountDelta(sqrtLower, p.sqrtPrice, liquidity, roundUp)
	}
	return base, quote
}

// updateTick applies gross/net liquidity deltas to a tick, initializing or
// clearing it as needed. Caller holds the lock.
func (p *Pool) updateTick(tick int, grossDelta, netDelta decimal.Decimal) {
	ts, ok := p.ticks[tick]
	if !ok {
		ts = &tickState{}
		// Convention: an initialized tick at or below the current tick
		// starts with all prior fee growth "outside" (below) it.
		if tick <= p.tick {
			ts.feeGrowthOutside = p.feeGrowthGlobal
		}
		p.ticks[tick] = ts
		p.insertSortedTick(tick)
	}
	ts.liquidityGross = ts.liquidityGross.Add(grossDelta)
	ts.liquidityNet = ts.liquidityNet.Add(netDelta)
	if ts.liquidityGross.LessThanOrEqual(dust) {
		delete(p.ticks, tick)
		p.removeSortedTick(tick)
	}
}

func (p *Pool) insertSortedTick(tick int) {
	i := sort.SearchInts(p.sortedTicks, tick)
	if i < len(p.sortedTicks) && p.sortedTicks[i] == tick {
		return
	}
	p.sortedTicks = append(p.sortedTicks, 0)
	copy(p.sortedTicks[i+1:], p.sortedTicks[i:])
	p.sortedTicks[i] = tick
}

func (p *Pool) removeSortedTick(tick int) {
	i := sort.SearchInts(p.sortedTicks, tick)
	if i < len(p.sortedTicks) && p.sortedTicks[i] == tick {
		p.sortedTicks = append(p.sortedTicks[:i], p.sortedTicks[i+1:]...)
	}
}

// nextInitializedTick returns the nearest initialized tick strictly below
// (down) or strictly above (up) the given tick. Caller holds the lock.
func (p *Pool) nextInitializedTick(from int, down bool) (int, bool) {
	if down {
		i := sort.SearchInts(p.sortedTicks, from)
		// i is the first tick >= from; everything before is < from... except
		// the current tick itself can be initialized and crossable downward.
		if i < len(p.sortedTicks) && p.sortedTicks[i] == from {
			return from, true
		}
		if i == 0 {
			return 0, false
		}
		return p.sortedTicks[i-1], true
	}
	i := sort.SearchInts(p.sortedTicks, from+1)
	if i >= len(p.sortedTicks) {
		return 0, false
	}
	return p.sortedTicks[i], true
}

// Swap executes against the pool's tick-ranged liquidity, walking ticks
// until the requested amount is filled or sqrtPriceLimit is reached.
//
//	baseToQuote=true  → sells base, price moves down
//	baseToQuote=false → sells quote, price moves up
//	exactInput=true   → amount is the input side, else the output side
//
// A zero sqrtPriceLimit means "no limit". Returns the absolute amounts in
// and out. If the limit stops the walk early the fill is partial; running
// out of liquidity before the limit is an error.
func (p *Pool) Swap(baseToQuote, exactInput bool, amount, sqrtPriceLimit decimal.Decimal) (amountIn, amountOut decimal.Decimal, err error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, decimal.Zero, errors.New("pool: swap amount must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	noLimit := sqrtPriceLimit.IsZero()
	if !noLimit {
		if baseToQuote && sqrtPriceLimit.GreaterThanOrEqual(p.sqrtPrice) {
			return decimal.Zero, decimal.Zero, ErrPriceLimitCrossed
		}
		if !baseToQuote && sqrtPriceLimit.LessThanOrEqual(p.sqrtPrice) {
			return decimal.Zero, decimal.Zero, ErrPriceLimitCrossed
		}
	}

	remaining := amount
	amountIn = decimal.Zero
	amountOut = decimal.Zero

	for steps := 0; remaining.GreaterThan(dust); steps++ {
		if steps >= maxSwapSteps {
			return decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
		}

		// Find the next crossable tick in the walk direction.
		nextTick, found := p.nextInitializedTick(p.tick, baseToQuote)
		if !found {
			return decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
		}
		targetSqrt, _ := tickmath.SqrtPriceAtTick(nextTick)

		// Clamp the step target at the price limit.
		limited := false
		if !noLimit {
			if baseToQuote && targetSqrt.LessThan(sqrtPriceLimit) {
				targetSqrt = sqrtPriceLimit
				limited = true
			}
			if !baseToQuote && targetSqrt.GreaterThan(sqrtPriceLimit) {
				targetSqrt = sqrtPriceLimit
				limited = true
			}
		}

		if p.liquidity.LessThanOrEqual(dust) {
			// Nothing tradable here: jump to the next initialized tick.
			if limited {
				break
			}
			p.crossTo(nextTick, baseToQuote, targetSqrt)
			continue
		}

		stepIn, stepOut, reached := swapStep(p.sqrtPrice, targetSqrt, p.liquidity, remaining, baseToQuote, exactInput)
		amountIn = amountIn.Add(stepIn)
		amountOut = amountOut.Add(stepOut)
		if exactInput {
			remaining = remaining.Sub(stepIn)
		} else {
			remaining = remaining.Sub(stepOut)
		}

		if !reached {
			// Filled inside the current tick's liquidity.
			if exactInput {
				p.sqrtPrice = advanceSqrt(p.sqrtPrice, p.liquidity, stepIn, baseToQuote, true)
			} else {
				p.sqrtPrice = advanceSqrt(p.sqrtPrice, p.liquidity, stepOut, baseToQuote, false)
			}
			p.tick, _ = tickmath.TickAtSqrtPrice(p.sqrtPrice)
			break
		}

		// Reached the step target.
		if limited {
			p.sqrtPrice = targetSqrt
			p.tick, _ = tickmath.TickAtSqrtPrice(p.sqrtPrice)
			break
		}
		p.crossTo(nextTick, baseToQuote, targetSqrt)
	}

	p.recordObservation()
	return amountIn, amountOut, nil
}

// crossTo moves the current price to an initialized tick boundary and
// applies its net liquidity. Caller holds the lock.
func (p *Pool) crossTo(tick int, down bool, targetSqrt decimal.Decimal) {
	ts := p.ticks[tick]
	if ts != nil {
		ts.feeGrowthOutside = p.feeGrowthGlobal.Sub(ts.feeGrowthOutside)
		if down {
			p.liquidity = p.liquidity.Sub(ts.liquidityNet)
		} else {
			p.liquidity = p.liquidity.Add(ts.liquidityNet)
		}
	}
	p.sqrtPrice = targetSqrt
	if down {
		p.tick = tick - 1
	} else {
		p.tick = tick
	}
}

// swapStep computes one walk step within constant liquidity from sqrt price
// sp toward target. Returns the step's in/out amounts and whether the
// target was reached. Input amounts round up, output amounts round down.
func swapStep(sp, target, liquidity, remaining decimal.Decimal, baseToQuote, exactInput bool) (in, out decimal.Decimal, reached bool) {
	if exactInput {
		var maxIn decimal.Decimal
		if baseToQuote {
			maxIn = tickmath.BaseAmountDelta(target, sp, liquidity, true)
		} else {
			maxIn = tickmath.QuoteAmountDelta(sp, target, liquidity, true)
		}
		if remaining.GreaterThanOrEqual(maxIn) {
			in = maxIn
			reached = true
			if baseToQuote {
				out = tickmath.QuoteAmountDelta(target, sp, liquidity, false)
			} else {
				out = tickmath.BaseAmountDelta(sp, target, liquidity, false)
			}
			return in, out, reached
		}
		in = remaining
		next := advanceSqrt(sp, liquidity, in, baseToQuote, true)
		if baseToQuote {
			out = tickmath.QuoteAmountDelta(next, sp, liquidity, false)
		} else {
			out = tickmath.BaseAmountDelta(sp, next, liquidity, false)
		}
		return in, out, false
	}

	var maxOut decimal.Decimal
	if baseToQuote {
		maxOut = tickmath.QuoteAmountDelta(target, sp, liquidity, false)
	} else {
		maxOut = tickmath.BaseAmountDelta(sp, target, liquidity, false)
	}
	if remaining.GreaterThanOrEqual(maxOut) {
		out = maxOut
		reached = true
		if baseToQuote {
			in = tickmath.BaseAmountDelta(target, sp, liquidity, true)
		} else {
			in = tickmath.QuoteAmountDelta(sp, target, liquidity, true)
		}
		return in, out, reached
	}
	out = remaining
	next := advanceSqrt(sp, liquidity, out, baseToQuote, false)
	if baseToQuote {
		in = tickmath.BaseAmountDelta(next, sp, liquidity, true)
	} else {
		in = tickmath.QuoteAmountDelta(sp, next, liquidity, true)
	}
	return in, out, false
}

// advanceSqrt moves the sqrt price by an input or output amount at constant
// liquidity.
func advanceSqrt(sp, liquidity, amount decimal.Decimal, baseToQuote, isInput bool) decimal.Decimal {
	switch {
	case baseToQuote && isInput:
		return tickmath.NextSqrtPriceFromBaseInput(sp, liquidity, amount)
	case baseToQuote && !isInput:
		return tickmath.NextSqrtPriceFromQuoteOutput(sp, liquidity, amount)
	case !baseToQuote && isInput:
		return tickmath.NextSqrtPriceFromQuoteInput(sp, liquidity, amount)
	default:
		return tickmath.NextSqrtPriceFromBaseOutput(sp, liquidity, amount)
	}
}

// AccrueFee distributes a quote-denominated fee across the liquidity active
// at the current tick.
func (p *Pool) AccrueFee(quoteAmount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.liquidity.LessThanOrEqual(dust) {
		return ErrNoActiveLiquidity
	}
	p.feeGrowthGlobal = p.feeGrowthGlobal.Add(quoteAmount.DivRound(p.liquidity, tickmath.Scale))
	return nil
}

// FeeGrowthInside returns the cumulative quote fee per unit liquidity
// accrued inside [tickLower, tickUpper].
func (p *Pool) FeeGrowthInside(tickLower, tickUpper int) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	below := decimal.Zero
	if lo, ok := p.ticks[tickLower]; ok {
		if p.tick >= tickLower {
			below = lo.feeGrowthOutside
		} else {
			below = p.feeGrowthGlobal.Sub(lo.feeGrowthOutside)
		}
	}
	above := decimal.Zero
	if hi, ok := p.ticks[tickUpper]; ok {
		if p.tick < tickUpper {
			above = hi.feeGrowthOutside
		} else {
			above = p.feeGrowthGlobal.Sub(hi.feeGrowthOutside)
		}
	}
	return p.feeGrowthGlobal.Sub(below).Sub(above)
}

// IncreaseObservationCardinality grows the observation ring capacity.
func (p *Pool) IncreaseObservationCardinality(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.obsCardinality {
		p.obsCardinality = n
	}
}

// recordObservation appends a (timestamp, tick) sample. Caller holds the lock.
func (p *Pool) recordObservation() {
	p.observations = append(p.observations, observation{ts: p.now(), tick: p.tick})
	if len(p.observations) > p.obsCardinality {
		p.observations = p.observations[len(p.observations)-p.obsCardinality:]
	}
}

// Clone returns a deep copy of the pool for read-only what-if walks.
func (p *Pool) Clone() *Pool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := &Pool{
		tickSpacing:     p.tickSpacing,
		sqrtPrice:       p.sqrtPrice,
		tick:            p.tick,
		liquidity:       p.liquidity,
		ticks:           make(map[int]*tickState, len(p.ticks)),
		sortedTicks:     append([]int(nil), p.sortedTicks...),
		feeGrowthGlobal: p.feeGrowthGlobal,
		observations:    append([]observation(nil), p.observations...),
		obsCardinality:  p.obsCardinality,
		now:             p.now,
	}
	for tick, ts := range p.ticks {
		copied := *ts
		cp.ticks[tick] = &copied
	}
	return cp
}
