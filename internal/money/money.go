// Package money holds scale-2 EUR arithmetic over shopspring/decimal.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Tolerance is the settlement slack: amounts within one cent compare equal.
var Tolerance = decimal.New(1, -2)

var hundred = decimal.NewFromInt(100)

// Round2 rounds half-to-even to two fractional digits.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// Parse reads a decimal amount and rounds it to cents.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return Round2(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Gross returns round_half_even(net × (1 + vat/100), 2).
func Gross(net, vatRate decimal.Decimal) decimal.Decimal {
	return Round2(net.Mul(decimal.NewFromInt(1).Add(vatRate.Div(hundred))))
}

// Equal reports |a - b| ≤ Tolerance.
func Equal(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Settled reports whether remaining is within tolerance of zero or below.
func Settled(remaining decimal.Decimal) bool {
	return remaining.LessThanOrEqual(Tolerance)
}

// Sum adds the values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Min returns the smaller value.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// NonNegative clamps d to zero from below.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
