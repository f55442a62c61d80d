// Package fixedpoint provides the deterministic integer arithmetic shared by
// pkg/rate, pkg/collateral and pkg/position: Q16/Q32 fixed-point ratios, a
// sixth-order Taylor approximation of e^x for continuous-compounding
// interest, and uint256-promoted saturating multiplication so that no
// pledged*factor or exposure*price product can silently wrap.
//
// Nothing in this package performs I/O or reads wall-clock time; every
// function is pure given its arguments, matching the no-I/O core spec.md
// requires of the engine as a whole.
package fixedpoint

import (
	"math"

	"github.com/holiman/uint256"
)

const (
	// Q16One is 1.0 in Q16 fixed point.
	Q16One = uint64(1) << 16
	// Q32One is 1.0 in Q32 fixed point.
	Q32One = uint64(1) << 32

	// ScaleUSDStar is the fixed-point scale shared by USD*, pledged,
	// price and exposure figures throughout the engine (spec.md §6):
	// one USD* == 1_000_000 of the underlying integer unit.
	ScaleUSDStar = uint64(1_000_000)

	maxUint64 = ^uint64(0)
)

// NotionalValue returns |exposure| * price / ScaleUSDStar, the USD*-scaled
// notional value of a ticker exposure at the given price (spec.md §4.3's
// V = |exposure| * price). exposure carries the sign; price and the
// result are unsigned USD* magnitudes.
func NotionalValue(exposure int64, price uint64) uint64 {
	mag := uint64(exposure)
	if exposure < 0 {
		mag = uint64(-exposure)
	}
	return MulDivSat(mag, price, ScaleUSDStar)
}

// MulDivSat computes (a*b)/scale, promoting the intermediate product to 256
// bits so a*b can never overflow a machine word, then saturates the result
// at math.MaxUint64 if the division result doesn't fit back into 64 bits.
func MulDivSat(a, b, scale uint64) uint64 {
	if scale == 0 {
		if a == 0 || b == 0 {
			return 0
		}
		return maxUint64
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	prod.Div(prod, uint256.NewInt(scale))
	if !prod.IsUint64() {
		return maxUint64
	}
	return prod.Uint64()
}

// MulSat returns a*b as a signed 64-bit quantity, promoting through uint256
// and saturating at math.MaxInt64 / math.MinInt64 instead of wrapping.
// a is an unsigned magnitude (e.g. a price or pledged amount); b carries the
// sign (e.g. a signed exposure).
func MulSat(a uint64, b int64) int64 {
	neg := b < 0
	mag := uint64(b)
	if neg {
		mag = uint64(-b)
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(mag))
	const maxI64 = uint64(math.MaxInt64)
	if prod.Gt(uint256.NewInt(maxI64)) {
		if neg {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	v := int64(prod.Uint64())
	if neg {
		return -v
	}
	return v
}

// AddSat128 adds delta (which may be negative) to a u128 accumulator held as
// a *uint256.Int, saturating at zero on underflow. Used for the
// deposit-seconds accumulators, which must never go negative.
func AddSat128(acc *uint256.Int, delta *uint256.Int, negative bool) {
	if negative {
		if acc.Lt(delta) {
			acc.Clear()
			return
		}
		acc.Sub(acc, delta)
		return
	}
	acc.Add(acc, delta)
}

// Q32Ratio returns (num<<32)/den as a Q32 fixed-point ratio, saturating at
// Q32One (100%) when num >= den so a structurally over-drawn pool sits at
// the top of the rate curve instead of overflowing or wrapping.
func Q32Ratio(num, den uint64) uint64 {
	if den == 0 {
		return 0
	}
	if num >= den {
		return Q32One
	}
	n := new(uint256.Int).Lsh(uint256.NewInt(num), 32)
	n.Div(n, uint256.NewInt(den))
	if !n.IsUint64() {
		return Q32One
	}
	return n.Uint64()
}

// MulMulDivSat computes (a*b*c)/den, promoting the running product through
// 256 bits so three chained multiplicands (e.g. exposure * elapsed *
// util_factor in pkg/position's amortised liquidation) can never overflow
// before the division narrows the result back down.
func MulMulDivSat(a, b, c, den uint64) uint64 {
	if den == 0 {
		return maxUint64
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	prod.Mul(prod, uint256.NewInt(c))
	prod.Div(prod, uint256.NewInt(den))
	if !prod.IsUint64() {
		return maxUint64
	}
	return prod.Uint64()
}

// Q16Mul multiplies two Q16 fixed-point values, returning a Q16 result.
func Q16Mul(a, b uint64) uint64 {
	return MulDivSat(a, b, Q16One)
}

// EMAStep computes a weighted moving average new = (alpha*x +
// (10-alpha)*old) / 10, per spec.md's smoothing-factor convention (alpha in
// {2,3,4,5}). x and old must share the same fixed-point base (Q16 or Q32);
// the formula is a linear blend and is agnostic to which.
func EMAStep(x, old, alpha uint64) uint64 {
	weighted := MulDivSat(x, alpha, 1) + MulDivSat(old, 10-alpha, 1)
	return weighted / 10
}

// ExpQ16 approximates e^x for x in Q16 fixed point using a sixth-order
// Taylor expansion (1 + x + x^2/2 + ... + x^6/720), evaluated in Horner form
// so every truncating division acts on a value near 1.0, returning the
// result in Q16. Accurate to within 1 ULP of round(2^16 * e^x) for x in
// [0, 0.5]; not intended for use outside that domain (continuous-compounding
// interest never drives x that high inside one transaction, see pkg/position).
func ExpQ16(xQ16 uint64) uint64 {
	x := xQ16
	t := Q16One + x/6
	t = Q16One + Q16Mul(x, t)/5
	t = Q16One + Q16Mul(x, t)/4
	t = Q16One + Q16Mul(x, t)/3
	t = Q16One + Q16Mul(x, t)/2
	return Q16One + Q16Mul(x, t)
}
