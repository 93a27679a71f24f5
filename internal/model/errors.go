package model

import (
	"errors"
	"fmt"

	"github.com/tokenbay/market-engine/internal/num"
)

// Domain error taxonomy. Callers switch on these with errors.Is/errors.As;
// anything else escaping the engine is an infrastructure fault.
var (
	// ErrNotFound is returned when a market or user does not exist.
	ErrNotFound = errors.New("market: not found")

	// ErrWrongState is returned when the market status forbids the
	// requested transition.
	ErrWrongState = errors.New("market: wrong state for requested operation")

	// ErrInvalidToken is returned when a token name is not part of the market.
	ErrInvalidToken = errors.New("market: token does not exist on this market")

	// ErrInvalidAmountToken is returned when the requested token delta is zero.
	ErrInvalidAmountToken = errors.New("market: amount of token must be non-zero")

	// ErrInsufficientBalance is returned when an order would drive a coin
	// or token balance negative.
	ErrInsufficientBalance = errors.New("market: insufficient balance")

	// ErrUnauthorized is returned when an admin-gated operation is invoked
	// by a non-admin user.
	ErrUnauthorized = errors.New("market: unauthorized")
)

// PriceSlipError is returned when the computed price diverges from the
// caller's expected price by more than the slippage tolerance.
type PriceSlipError struct {
	Computed num.AmountCoin
	Expected num.AmountCoin
}

func (e *PriceSlipError) Error() string {
	return fmt.Sprintf("market: price slipped beyond tolerance (computed %d, expected %d)",
		e.Computed, e.Expected)
}
