// Package numeric provides decimal helpers used between the parser and the
// sinks. Wire values stay strings end-to-end; arithmetic goes through
// arbitrary-precision decimals, never floats.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a decimal string into a Decimal.
// On failure, it returns (zero, false).
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// ParseOrZero converts a decimal string, treating malformed input as zero.
func ParseOrZero(s string) decimal.Decimal {
	d, ok := Parse(s)
	if !ok {
		return decimal.Zero
	}
	return d
}

// IsZero reports whether the decimal string denotes zero, regardless of its
// printed scale ("0", "0.0", "0.00000000").
func IsZero(s string) bool {
	d, ok := Parse(s)
	return ok && d.IsZero()
}

// Format renders a Decimal as a plain decimal string without exponent.
func Format(d decimal.Decimal) string {
	return d.String()
}
