// Package fixedmath implements the fixed-point arithmetic primitives the
// rest of the engine needs: Q64.64 sqrt-price, Q128.128 fee growth, and the
// tick <-> sqrt-price conversions a concentrated-liquidity pool requires.
//
// Every value is represented as a *uint256.Int so that fee-growth addition
// and subtraction wrap modulo 2^256 for free (only differences between
// accumulator snapshots are ever meaningful), and so that mul-div has
// 512-bit intermediate precision without manual emulation.
package fixedmath

import (
	"errors"

	"github.com/holiman/uint256"
)

// MinTick and MaxTick bound the tick domain. SqrtPriceAtTick rejects an
// out-of-domain tick with ErrTickOutOfDomain; TickAtSqrtPrice clamps a sqrt
// price outside the domain's range to MinTick or MaxTick.
const (
	MinTick = -887272
	MaxTick = 887272
)

// Q64 is 2^64, the scale of a Q64.64 sqrt-price.
var Q64 = new(uint256.Int).Lsh(uint256.NewInt(1), 64)

// Q128 is 2^128, the scale of a Q128.128 fee-growth accumulator.
var Q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

var (
	// ErrOverflow is returned when a mul-div's result does not fit in 256
	// bits. Per spec this is always fatal, never saturated.
	ErrOverflow = errors.New("fixedmath: mul-div overflow")
	// ErrDivByZero is returned when mul-div is asked to divide by zero.
	ErrDivByZero = errors.New("fixedmath: division by zero")
	// ErrTickOutOfDomain is returned when a tick falls outside [MinTick, MaxTick].
	ErrTickOutOfDomain = errors.New("fixedmath: tick out of domain")
)

// MulDiv computes floor(a*b/denom) with a full 512-bit intermediate
// product, as required for fee-growth updates where a*b routinely exceeds
// 256 bits even though a, b, and denom each fit in 256 bits.
func MulDiv(a, b, denom *uint256.Int) (*uint256.Int, error) {
	if denom.IsZero() {
		return nil, ErrDivByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, denom)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// lte is a small Cmp-based helper; uint256.Int exposes Lt/Gt/Eq but not
// combined comparisons.
func lte(a, b *uint256.Int) bool {
	return a.Lt(b) || a.Eq(b)
}

// MulDivRoundingUp computes ceil(a*b/denom).
func MulDivRoundingUp(a, b, denom *uint256.Int) (*uint256.Int, error) {
	quotient, err := MulDiv(a, b, denom)
	if err != nil {
		return nil, err
	}
	// Exact remainder check: (a*b) mod denom != 0 => round up.
	prod := new(uint256.Int).MulMod(a, b, denom)
	if !prod.IsZero() {
		one := uint256.NewInt(1)
		rounded := new(uint256.Int).Add(quotient, one)
		if rounded.Lt(quotient) {
			return nil, ErrOverflow
		}
		return rounded, nil
	}
	return quotient, nil
}

// checkTick validates a tick is within the domain; out-of-domain is a
// fatal programmer error per spec.
func checkTick(tick int32) error {
	if tick < MinTick || tick > MaxTick {
		return ErrTickOutOfDomain
	}
	return nil
}

// magicConstants are 1/sqrt(1.0001^(2^i)) scaled by 2^128 (Q128.128),
// the same constants Uniswap v3's TickMath uses to build sqrtRatioAtTick
// by repeated squaring. They are convention-independent of the final
// fractional-bit width; only the closing right-shift differs per target
// fixed-point format (Q64.96 for Uniswap v3, Q64.64 here).
var magicConstants = []string{
	"0xfffcb933bd6fad37aa2d162d1a594001",
	"0xfff97272373d413259a46990580e213a",
	"0xfff2e50f5f656932ef12357cf3c7fdcc",
	"0xffe5caca7e10e4e61c3624eaa0941cd0",
	"0xffcb9843d60f6159c9db58835c926644",
	"0xff973b41fa98c081472e6896dfb254c0",
	"0xff2ea16466c96a3843ec78b326b52861",
	"0xfe5dee046a99a2a811c461f1969c3053",
	"0xfcbe86c7900a88aedcffc83b479aa3a4",
	"0xf987a7253ac413176f2b074cf7815e54",
	"0xf3392b0822b70005940c7a398e4b70f3",
	"0xe7159475a2c29b7443b29c7fa6e889d9",
	"0xd097f3bdfd2022b8845ad8f792aa5825",
	"0xa9f746462d870fdf8a65dc1f90e061e5",
	"0x70d869a156d2a1b890bb3df62baf32f7",
	"0x31be135f97d08fd981231505542fcfa6",
	"0x9aa508b5b7a84e1c677de54f3e99bc9",
	"0x5d6af8dedb81196699c329225ee604",
	"0x2216e584f5fa1ea926041bedfe98",
	"0x48a170391f7dc42444e8fa2",
}

var magicUint256 []*uint256.Int

func init() {
	magicUint256 = make([]*uint256.Int, len(magicConstants))
	for i, hex := range magicConstants {
		v, err := uint256.FromHex(hex)
		if err != nil {
			panic(err)
		}
		magicUint256[i] = v
	}
}

// SqrtPriceAtTick returns sqrt(1.0001^tick), scaled to Q64.64, matching
// the tick grid the teacher's tick math builds (generalized here from
// Q64.96 to Q64.64 by closing with a 64-bit shift instead of 32).
func SqrtPriceAtTick(tick int32) (*uint256.Int, error) {
	if err := checkTick(tick); err != nil {
		return nil, err
	}

	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(uint256.Int)
	if absTick&0x1 != 0 {
		ratio.Set(magicUint256[0])
	} else {
		ratio.Lsh(uint256.NewInt(1), 128)
	}

	for i := 1; i < len(magicUint256); i++ {
		if absTick&(1<<uint(i)) != 0 {
			ratio = new(uint256.Int).Rsh(new(uint256.Int).Mul(ratio, magicUint256[i]), 128)
		}
	}

	if tick > 0 {
		maxU256 := new(uint256.Int).Not(uint256.NewInt(0))
		ratio = new(uint256.Int).Div(maxU256, ratio)
	}

	// ratio is Q128.128; fold down to Q64.64 by shifting out the low 64
	// bits, rounding up so small positive ticks never round to zero.
	shifted := new(uint256.Int).Rsh(ratio, 64)
	mask := new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 64), uint256.NewInt(1))
	remainder := new(uint256.Int).And(ratio, mask)
	if !remainder.IsZero() {
		shifted = new(uint256.Int).Add(shifted, uint256.NewInt(1))
	}
	return shifted, nil
}

// TickAtSqrtPrice inverts SqrtPriceAtTick via binary search over the tick
// domain, returning the largest tick whose sqrt price is at or below
// sqrtPriceX64. SqrtPriceAtTick is non-decreasing in tick, so bisection
// needs no bit-level log2 approximation. Near MinTick, Q64.64 gives many
// adjacent ticks the same sqrt price (every tick up to -873410 maps to 2),
// so those ticks do not round-trip to themselves.
func TickAtSqrtPrice(sqrtPriceX64 *uint256.Int) (int32, error) {
	lo, hi := int32(MinTick), int32(MaxTick)
	loPrice, err := SqrtPriceAtTick(lo)
	if err != nil {
		return 0, err
	}
	if sqrtPriceX64.Lt(loPrice) {
		return lo, nil
	}
	hiPrice, err := SqrtPriceAtTick(hi)
	if err != nil {
		return 0, err
	}
	if sqrtPriceX64.Gt(hiPrice) || sqrtPriceX64.Eq(hiPrice) {
		return hi, nil
	}

	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		midPrice, err := SqrtPriceAtTick(mid)
		if err != nil {
			return 0, err
		}
		if lte(midPrice, sqrtPriceX64) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// LiquidityForAmounts computes the maximum liquidity obtainable from the
// given token amounts over [sqrtPa, sqrtPb] given the current price
// sqrtP, rounding down.
func LiquidityForAmounts(sqrtP, sqrtPa, sqrtPb, amount0, amount1 *uint256.Int) (*uint256.Int, error) {
	if sqrtPa.Gt(sqrtPb) {
		sqrtPa, sqrtPb = sqrtPb, sqrtPa
	}

	switch {
	case lte(sqrtP, sqrtPa):
		return liquidityForAmount0(sqrtPa, sqrtPb, amount0)
	case sqrtP.Lt(sqrtPb):
		l0, err := liquidityForAmount0(sqrtP, sqrtPb, amount0)
		if err != nil {
			return nil, err
		}
		l1, err := liquidityForAmount1(sqrtPa, sqrtP, amount1)
		if err != nil {
			return nil, err
		}
		if l0.Lt(l1) {
			return l0, nil
		}
		return l1, nil
	default:
		return liquidityForAmount1(sqrtPa, sqrtPb, amount1)
	}
}

func liquidityForAmount0(sqrtPa, sqrtPb, amount0 *uint256.Int) (*uint256.Int, error) {
	intermediate, err := MulDiv(sqrtPa, sqrtPb, Q64)
	if err != nil {
		return nil, err
	}
	diff := new(uint256.Int).Sub(sqrtPb, sqrtPa)
	return MulDiv(amount0, intermediate, diff)
}

func liquidityForAmount1(sqrtPa, sqrtPb, amount1 *uint256.Int) (*uint256.Int, error) {
	diff := new(uint256.Int).Sub(sqrtPb, sqrtPa)
	return MulDiv(amount1, Q64, diff)
}

// AmountsForLiquidity is the inverse of LiquidityForAmounts: the token
// amounts consumed by liquidity L over [sqrtPa, sqrtPb] at current price
// sqrtP, rounding up (the actually-debited side of an open/add).
func AmountsForLiquidity(sqrtP, sqrtPa, sqrtPb, liquidity *uint256.Int) (amount0, amount1 *uint256.Int, err error) {
	if sqrtPa.Gt(sqrtPb) {
		sqrtPa, sqrtPb = sqrtPb, sqrtPa
	}

	switch {
	case lte(sqrtP, sqrtPa):
		amount0, err = amount0ForLiquidity(sqrtPa, sqrtPb, liquidity)
		if err != nil {
			return nil, nil, err
		}
		return amount0, new(uint256.Int), nil
	case sqrtP.Lt(sqrtPb):
		amount0, err = amount0ForLiquidity(sqrtP, sqrtPb, liquidity)
		if err != nil {
			return nil, nil, err
		}
		amount1, err = amount1ForLiquidity(sqrtPa, sqrtP, liquidity)
		if err != nil {
			return nil, nil, err
		}
		return amount0, amount1, nil
	default:
		amount1, err = amount1ForLiquidity(sqrtPa, sqrtPb, liquidity)
		if err != nil {
			return nil, nil, err
		}
		return new(uint256.Int), amount1, nil
	}
}

// amount0ForLiquidity returns ceil(L * (sqrtPb - sqrtPa) / (sqrtPa * sqrtPb)),
// computed as Uniswap v3's SqrtPriceMath does: scale liquidity up first so
// the division by sqrtPb happens before the division by sqrtPa, avoiding a
// 512-bit-by-512-bit divide.
func amount0ForLiquidity(sqrtPa, sqrtPb, liquidity *uint256.Int) (*uint256.Int, error) {
	numerator1 := new(uint256.Int).Lsh(liquidity, 64)
	numerator2 := new(uint256.Int).Sub(sqrtPb, sqrtPa)
	step, err := MulDivRoundingUp(numerator1, numerator2, sqrtPb)
	if err != nil {
		return nil, err
	}
	quotient := new(uint256.Int).Div(step, sqrtPa)
	if new(uint256.Int).Mod(step, sqrtPa).IsZero() {
		return quotient, nil
	}
	return new(uint256.Int).Add(quotient, uint256.NewInt(1)), nil
}

// amount1ForLiquidity returns ceil(L * (sqrtPb - sqrtPa) / Q64).
func amount1ForLiquidity(sqrtPa, sqrtPb, liquidity *uint256.Int) (*uint256.Int, error) {
	diff := new(uint256.Int).Sub(sqrtPb, sqrtPa)
	return MulDivRoundingUp(liquidity, diff, Q64)
}
