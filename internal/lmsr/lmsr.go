// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker used to price every trade against the house.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// The cost function maps a liquidity parameter b and the per-outcome token
// supplies to a scalar coin cost in milli-units:
//
//	cost = trunc(1000 * b * ln(Σ exp(q_i / b)))
//
// The float-to-integer conversion truncates toward zero. Truncation loses up
// to one milli-coin per call, so trades are always priced as the difference
// of two cost calls, never from a single one. Internal transcendental math
// uses the log-sum-exp trick for numerical stability.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/tokenbay/market-engine/internal/num"
)

// costScale converts the real-valued LMSR cost into milli-coin.
const costScale = 1000

// probScale is the number of decimal places for probability quotes.
const probScale int32 = 8

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Cost computes the LMSR cost of the given per-outcome supply distribution
// in milli-coin. The caller must pass supplies in the market's declared
// token order; the result is deterministic for a fixed order on any
// platform with IEEE 754 doubles.
//
// Panics on an empty distribution: markets are created with at least one
// token, so an empty distribution is an unreachable state.
func Cost(b num.B, quantities []num.AmountToken) num.AmountCoin {
	if len(quantities) == 0 {
		panic("lmsr: cost of empty distribution")
	}

	bf := float64(b)
	xs := make([]float64, len(quantities))
	for i, q := range quantities {
		xs[i] = float64(q) / bf
	}

	cost := costScale * bf * logSumExp(xs)

	// Truncate toward zero, saturating at the int32 bounds.
	switch {
	case cost >= math.MaxInt32:
		return num.AmountCoin(math.MaxInt32)
	case cost <= math.MinInt32:
		return num.AmountCoin(math.MinInt32)
	default:
		return num.AmountCoin(int32(cost))
	}
}

// Probabilities returns the instantaneous price of each outcome as a
// probability (the softmax of q/b), in the same order as the input.
// The quotes sum to 1 up to rounding at 8 decimal places. Display-only:
// trades are priced by Cost differences, never by these quotes.
func Probabilities(b num.B, quantities []num.AmountToken) []decimal.Decimal {
	if len(quantities) == 0 {
		return nil
	}

	bf := float64(b)
	xs := make([]float64, len(quantities))
	maxVal := math.Inf(-1)
	for i, q := range quantities {
		xs[i] = float64(q) / bf
		if xs[i] > maxVal {
			maxVal = xs[i]
		}
	}

	// Softmax with max-subtraction to avoid overflow.
	exps := make([]float64, len(xs))
	var total float64
	for i, x := range xs {
		exps[i] = math.Exp(x - maxVal)
		total += exps[i]
	}

	probs := make([]decimal.Decimal, len(xs))
	for i, e := range exps {
		probs[i] = decimal.NewFromFloat(e / total).Round(probScale)
	}
	return probs
}
