package types

import (
	"math"
	"math/big"
)

// NoPTS marks an unset timestamp (libav's AV_NOPTS_VALUE).
const NoPTS = int64(math.MinInt64)

// RescaleTS converts ts from one time base into another, rounding to the
// nearest tick with halves away from zero. NoPTS is preserved, and a
// degenerate time base yields NoPTS.
func RescaleTS(ts int64, from, to Rational) int64 {
	if ts == NoPTS {
		return NoPTS
	}
	if from == to {
		return ts
	}
	// ts * from.Num * to.Den / (from.Den * to.Num)
	num := big.NewInt(ts)
	num.Mul(num, big.NewInt(int64(from.Num)))
	num.Mul(num, big.NewInt(int64(to.Den)))
	den := big.NewInt(int64(from.Den))
	den.Mul(den, big.NewInt(int64(to.Num)))
	if den.Sign() == 0 {
		return NoPTS
	}
	if den.Sign() < 0 {
		num.Neg(num)
		den.Neg(den)
	}

	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	rem.Abs(rem)
	rem.Lsh(rem, 1)
	if rem.Cmp(den) >= 0 {
		if num.Sign() < 0 {
			quo.Sub(quo, big.NewInt(1))
		} else {
			quo.Add(quo, big.NewInt(1))
		}
	}
	if !quo.IsInt64() {
		if quo.Sign() < 0 {
			return math.MinInt64 + 1
		}
		return math.MaxInt64
	}
	return quo.Int64()
}
