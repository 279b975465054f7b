// Package money provides the fixed-precision decimal amount type used for
// authorization limits. Floats are never used for money; every amount is
// parsed from and serialized to a decimal string.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxAmount is the largest amount_limit/max_amount the vault accepts.
var MaxAmount = decimal.RequireFromString("999999.99")

// Amount is a scale-2 decimal value. Parse yields only non-negative amounts;
// ParseSigned may yield negative ones.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{d: decimal.Zero}

// Parse parses a decimal string amount, rejecting more than two fractional
// digits and values outside [0, MaxAmount]. Negative values are rejected
// outright; callers that need to distinguish "zero" from "negative" for
// policy purposes (see ACP verifier step 2) should use ParseSigned instead.
func Parse(s string) (Amount, error) {
	a, err := ParseSigned(s)
	if err != nil {
		return Amount{}, err
	}
	if a.d.IsNegative() {
		return Amount{}, fmt.Errorf("amount %q is negative", s)
	}
	return a, nil
}

// ParseSigned parses a decimal string without rejecting negative values,
// still enforcing scale and magnitude. Used where the caller must apply a
// business rule (rather than a schema rule) to non-positive values.
func ParseSigned(s string) (Amount, error) {
	if s == "" {
		return Amount{}, fmt.Errorf("amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	if d.Exponent() < -2 {
		return Amount{}, fmt.Errorf("amount %q has more than 2 fractional digits", s)
	}
	if d.Abs().GreaterThan(MaxAmount) {
		return Amount{}, fmt.Errorf("amount %q exceeds maximum %s", s, MaxAmount.String())
	}
	return Amount{d: d.Truncate(2)}, nil
}

// FromDecimal wraps a decimal.Decimal that has already been validated
// upstream (e.g. a value loaded back out of storage).
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{d: d.Truncate(2)}
}

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.d.IsZero() }

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a.d.IsPositive() }

// Decimal returns the underlying decimal.Decimal.
func (a Amount) Decimal() decimal.Decimal { return a.d }

// String renders the amount the way it is stored and transmitted: a plain
// decimal string with exactly two fractional digits.
func (a Amount) String() string { return a.d.StringFixed(2) }

// Equal reports whether two amounts are numerically equal.
func (a Amount) Equal(o Amount) bool { return a.d.Equal(o.d) }
