// Package num defines the integer quantity types used throughout the
// market engine: coin (the play-money currency), outcome tokens, reward
// points, and the LMSR liquidity parameter.
//
// Coin and token amounts are signed 32-bit integers with saturating
// arithmetic — never float64 for money. Debits are negative, credits are
// positive.
package num

import (
	"math"

	"github.com/shopspring/decimal"
)

// AmountCoin is a signed quantity of coin. One thousand units equal the
// settlement value of a single winning token.
type AmountCoin int32

// AmountToken is a signed quantity of outcome tokens. Positive deltas are
// buys, negative deltas are sells.
type AmountToken int32

// Point is an unsigned count of reward points.
type Point uint32

// B is the LMSR liquidity parameter. Strictly positive; construct via NewB.
type B uint32

// NewB validates that the liquidity parameter is strictly positive.
func NewB(v uint32) (B, bool) {
	if v == 0 {
		return 0, false
	}
	return B(v), true
}

func clamp32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// Add returns a + b, saturating at the int32 bounds.
func (a AmountCoin) Add(b AmountCoin) AmountCoin {
	return AmountCoin(clamp32(int64(a) + int64(b)))
}

// Sub returns a - b, saturating at the int32 bounds.
func (a AmountCoin) Sub(b AmountCoin) AmountCoin {
	return AmountCoin(clamp32(int64(a) - int64(b)))
}

// Neg returns -a, saturating at the int32 bounds.
func (a AmountCoin) Neg() AmountCoin {
	return AmountCoin(clamp32(-int64(a)))
}

// Mul returns a scaled by a small integer count, saturating.
func (a AmountCoin) Mul(n int32) AmountCoin {
	return AmountCoin(clamp32(int64(a) * int64(n)))
}

// Abs returns the absolute value of a, saturating.
func (a AmountCoin) Abs() AmountCoin {
	if a < 0 {
		return a.Neg()
	}
	return a
}

func (a AmountCoin) sign() int {
	switch {
	case a > 0:
		return 1
	case a < 0:
		return -1
	default:
		return 0
	}
}

// IsAround reports whether a is within the fractional tolerance eps of
// target: the signs must match and |target|·(1−eps) < |a| < |target|·(1+eps).
// Both comparisons are strict, so values exactly on a boundary are rejected.
// The bounds are evaluated in exact decimal arithmetic.
func (a AmountCoin) IsAround(target AmountCoin, eps float64) bool {
	if a.sign() != target.sign() {
		return false
	}

	abs := decimal.NewFromInt(int64(a.Abs()))
	targetAbs := decimal.NewFromInt(int64(target.Abs()))
	epsDec := decimal.NewFromFloat(eps)
	one := decimal.NewFromInt(1)

	lo := targetAbs.Mul(one.Sub(epsDec))
	hi := targetAbs.Mul(one.Add(epsDec))
	return lo.LessThan(abs) && abs.LessThan(hi)
}

// SumCoins folds a slice of coin amounts, saturating.
func SumCoins(amounts []AmountCoin) AmountCoin {
	var sum AmountCoin
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	return sum
}

// Add returns a + b, saturating at the int32 bounds.
func (a AmountToken) Add(b AmountToken) AmountToken {
	return AmountToken(clamp32(int64(a) + int64(b)))
}

// Neg returns -a, saturating at the int32 bounds.
func (a AmountToken) Neg() AmountToken {
	return AmountToken(clamp32(-int64(a)))
}

// SumTokens folds a slice of token amounts, saturating.
func SumTokens(amounts []AmountToken) AmountToken {
	var sum AmountToken
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	return sum
}
