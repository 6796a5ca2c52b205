// Package tickmath implements the concentrated-liquidity price math used by
// the virtual AMM: tick <-> sqrt-price conversion, range amount formulas and
// in-range swap steps.
//
// Prices follow the geometric tick grid price(i) = 1.0001^i.
//
// All monetary values use shopspring/decimal, never float64.
// Tick/sqrt-price conversion is transcendental and computed in float64, with
// results immediately converted to decimal. Amount math is pure decimal with
// an explicit rounding direction: on any ambiguous rounding the protocol is
// favored (amounts owed to the pool round up, amounts paid out round down).
package tickmath

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrTickOutOfRange is returned when a tick falls outside [MinTick, MaxTick].
	ErrTickOutOfRange = errors.New("tickmath: tick out of range")

	// ErrInvalidTickRange is returned when tickLower >= tickUpper or a tick
	// is not aligned to the market's tick spacing.
	ErrInvalidTickRange = errors.New("tickmath: invalid tick range")

	// ErrZeroLiquidity is returned when a liquidity amount must be positive.
	ErrZeroLiquidity = errors.New("tickmath: liquidity must be positive")
)

const (
	// MinTick and MaxTick bound the usable tick grid.
	MinTick = -887272
	MaxTick = 887272

	// Scale is the number of decimal places carried by amount math.
	Scale int32 = 18
)

// tickBase is ln(1.0001), the log-price step of one tick.
var tickBase = math.Log(1.0001)

// SqrtPriceAtTick returns sqrt(1.0001^tick) as a decimal.
func SqrtPriceAtTick(tick int) (decimal.Decimal, error) {
	if tick < MinTick || tick > MaxTick {
		return decimal.Zero, ErrTickOutOfRange
	}
	sp := math.Exp(float64(tick) * tickBase / 2)
	return decimal.NewFromFloat(sp).Round(Scale), nil
}

// PriceAtTick returns 1.0001^tick as a decimal.
func PriceAtTick(tick int) (decimal.Decimal, error) {
	if tick < MinTick || tick > MaxTick {
		return decimal.Zero, ErrTickOutOfRange
	}
	p := math.Exp(float64(tick) * tickBase)
	return decimal.NewFromFloat(p).Round(Scale), nil
}

// TickAtSqrtPrice returns the greatest tick whose sqrt price is <= sp.
func TickAtSqrtPrice(sp decimal.Decimal) (int, error) {
	if sp.Sign() <= 0 {
		return 0, ErrTickOutOfRange
	}
	f := sp.InexactFloat64()
	tick := int(math.Floor(2 * math.Log(f) / tickBase))

	// Float rounding can land one tick off the true floor; nudge until the
	// bracketing invariant sqrtPrice(tick) <= sp < sqrtPrice(tick+1) holds.
	for tick > MinTick {
		lower, _ := SqrtPriceAtTick(tick)
		if lower.LessThanOrEqual(sp) {
			break
		}
		tick--
	}
	for tick < MaxTick {
		upper, _ := SqrtPriceAtTick(tick + 1)
		if upper.GreaterThan(sp) {
			break
		}
		tick++
	}
	if tick < MinTick || tick > MaxTick {
		return 0, ErrTickOutOfRange
	}
	return tick, nil
}

// TickAtPrice returns the greatest tick whose price is <= price.
func TickAtPrice(price decimal.Decimal) (int, error) {
	if price.Sign() <= 0 {
		return 0, ErrTickOutOfRange
	}
	return TickAtSqrtPrice(sqrtDecimal(price))
}

// sqrtDecimal computes a decimal square root via float64. Only used for
// price-level placement, never for amount accounting.
func sqrtDecimal(d decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(math.Sqrt(d.InexactFloat64())).Round(Scale)
}

// ValidateRange checks bounds, ordering and spacing alignment of a tick range.
func ValidateRange(tickLower, tickUpper, spacing int) error {
	if tickLower >= tickUpper {
		return ErrInvalidTickRange
	}
	if tickLower < MinTick || tickUpper > MaxTick {
		return ErrTickOutOfRange
	}
	if spacing > 0 && (tickLower%spacing != 0 || tickUpper%spacing != 0) {
		return ErrInvalidTickRange
	}
	return nil
}

// BaseAmountDelta returns the base-token amount held by liquidity L between
// sqrt prices a and b (a < b): L * (b - a) / (a * b).
func BaseAmountDelta(sqrtA, sqrtB, liquidity decimal.Decimal, roundUp bool) decimal.Decimal {
	if sqrtA.GreaterThan(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	raw := liquidity.Mul(sqrtB.Sub(sqrtA)).Div(sqrtA.Mul(sqrtB))
	return roundDir(raw, roundUp)
}

// QuoteAmountDelta returns the quote-token amount held by liquidity L between
// sqrt prices a and b (a < b): L * (b - a).
func QuoteAmountDelta(sqrtA, sqrtB, liquidity decimal.Decimal, roundUp bool) decimal.Decimal {
	if sqrtA.GreaterThan(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	raw := liquidity.Mul(sqrtB.Sub(sqrtA))
	return roundDir(raw, roundUp)
}

// NextSqrtPriceFromBaseInput returns the sqrt price after adding base amount
// `in` to liquidity L at sqrt price sp. Base in pushes the price down:
//
//	sp' = L * sp / (L + in * sp)
func NextSqrtPriceFromBaseInput(sp, liquidity, in decimal.Decimal) decimal.Decimal {
	denom := liquidity.Add(in.Mul(sp))
	return liquidity.Mul(sp).DivRound(denom, Scale)
}

// NextSqrtPriceFromQuoteInput returns the sqrt price after adding quote
// amount `in` to liquidity L at sqrt price sp. Quote in pushes the price up:
//
//	sp' = sp + in / L
func NextSqrtPriceFromQuoteInput(sp, liquidity, in decimal.Decimal) decimal.Decimal {
	return sp.Add(in.DivRound(liquidity, Scale))
}

// NextSqrtPriceFromQuoteOutput returns the sqrt price after removing quote
// amount `out` from liquidity L at sqrt price sp (price moves down):
//
//	sp' = sp - out / L
func NextSqrtPriceFromQuoteOutput(sp, liquidity, out decimal.Decimal) decimal.Decimal {
	return sp.Sub(out.DivRound(liquidity, Scale))
}

// NextSqrtPriceFromBaseOutput returns the sqrt price after removing base
// amount `out` from liquidity L at sqrt price sp (price moves up):
//
//	sp' = L * sp / (L - out * sp)
func NextSqrtPriceFromBaseOutput(sp, liquidity, out decimal.Decimal) decimal.Decimal {
	denom := liquidity.Sub(out.Mul(sp))
	return liquidity.Mul(sp).DivRound(denom, Scale)
}

// LiquidityForAmounts returns the largest liquidity amount fundable by the
// given base and quote amounts over [sqrtA, sqrtB] at current sqrt price sp.
// Used by repeg to re-deploy recovered inventory in a shifted range.
func LiquidityForAmounts(sp, sqrtA, sqrtB, baseAmount, quoteAmount decimal.Decimal) decimal.Decimal {
	if sqrtA.GreaterThan(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	switch {
	case sp.LessThanOrEqual(sqrtA):
		return liquidityFromBase(sqrtA, sqrtB, baseAmount)
	case sp.GreaterThanOrEqual(sqrtB):
		return liquidityFromQuote(sqrtA, sqrtB, quoteAmount)
	default:
		lBase := liquidityFromBase(sp, sqrtB, baseAmount)
		lQuote := liquidityFromQuote(sqrtA, sp, quoteAmount)
		if lBase.LessThan(lQuote) {
			return lBase
		}
		return lQuote
	}
}

// liquidityFromBase: L = base * a * b / (b - a).
func liquidityFromBase(sqrtA, sqrtB, base decimal.Decimal) decimal.Decimal {
	diff := sqrtB.Sub(sqrtA)
	if diff.Sign() <= 0 {
		return decimal.Zero
	}
	return base.Mul(sqrtA).Mul(sqrtB).DivRound(diff, Scale)
}

// liquidityFromQuote: L = quote / (b - a).
func liquidityFromQuote(sqrtA, sqrtB, quote decimal.Decimal) decimal.Decimal {
	diff := sqrtB.Sub(sqrtA)
	if diff.Sign() <= 0 {
		return decimal.Zero
	}
	return quote.DivRound(diff, Scale)
}

// roundDir rounds a non-negative amount at Scale, up (toward the protocol)
// or down (toward the trader).
func roundDir(d decimal.Decimal, up bool) decimal.Decimal {
	if up {
		return d.RoundUp(Scale)
	}
	return d.RoundDown(Scale)
}
