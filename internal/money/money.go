// Package money provides fixed-point decimal helpers for ledger amounts.
//
// Amounts are shopspring decimals persisted as NUMERIC(20,4). Four fractional
// digits are the finest unit the ledger accepts; anything finer is rejected
// rather than rounded so balances never drift.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits the ledger stores.
const Scale = 4

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrNonPositive    = errors.New("amount must be greater than zero")
	ErrTooManyDecimal = fmt.Errorf("amount must have at most %d fractional digits", Scale)
)

// Parse converts a decimal string such as "12.50" into a decimal.
// Signs, exponents and empty strings are rejected.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "eE+") {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Validate checks that d is a positive amount representable at Scale.
func Validate(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrNonPositive
	}
	if !d.Equal(d.Truncate(Scale)) {
		return ErrTooManyDecimal
	}
	return nil
}

// Float returns d as a float64 for feature extraction. Never use the result
// for balance arithmetic.
func Float(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Format renders d with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
