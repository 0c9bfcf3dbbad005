package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var scaleDecimal = decimal.NewFromInt(Scale)

// ParseFixed converts a decimal string ("1.50", "0.05") to a Scale fixed-point value.
// Digits beyond nine decimals are rejected rather than rounded.
func ParseFixed(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse fixed %q: %w", s, err)
	}
	scaled := d.Mul(scaleDecimal)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("parse fixed %q: more than 9 decimal places", s)
	}
	if !scaled.IsInteger() || scaled.BigInt().BitLen() > 63 {
		return 0, fmt.Errorf("parse fixed %q: %w", s, ErrOverflow)
	}
	return scaled.IntPart(), nil
}

// MustParseFixed is ParseFixed for constants and tests.
func MustParseFixed(s string) int64 {
	v, err := ParseFixed(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatFixed renders a Scale fixed-point value as a decimal string without
// trailing zeros ("1.5", "0.05").
func FormatFixed(v int64) string {
	return decimal.New(v, -9).String()
}

// ToDecimal exposes a fixed-point value as a decimal for reporting.
func ToDecimal(v int64) decimal.Decimal {
	return decimal.New(v, -9)
}
