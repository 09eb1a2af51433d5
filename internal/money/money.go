// Package money converts between the decimal amounts callers submit and the
// int64 minor units the ledger stores. Balances never touch floating point.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount  = errors.New("amount is not a valid decimal number")
	ErrNotPositive    = errors.New("amount must be greater than zero")
	ErrTooManyDecimal = errors.New("amount has more than two decimal places")
	ErrAmountTooLarge = errors.New("amount is too large")
)

// ParseAmount parses a user-supplied amount like "500" or "1250.50" into
// minor units (12550 for "125.50"). Rejects zero, negatives and sub-cent
// precision.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, ErrInvalidAmount
	}

	minor := d.Shift(2)
	if !minor.IsInteger() {
		return 0, ErrTooManyDecimal
	}

	if !minor.IsPositive() {
		return 0, ErrNotPositive
	}

	// IntPart truncates to the low 64 bits on overflow, which would wrap a
	// huge amount into a small credit.
	units := minor.BigInt()
	if !units.IsInt64() {
		return 0, ErrAmountTooLarge
	}

	return units.Int64(), nil
}

// FormatAmount renders minor units back to a two-decimal string for
// responses and notification payloads.
func FormatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
