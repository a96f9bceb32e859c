// Package core holds the domain types, validation and error taxonomy shared
// by the aggregation packages.
//
// This file contains helpers for moving monetary amounts between decimal
// strings and signed minor-unit integers.
package core

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ParseAmountToMinor converts a signed decimal string to minor units with
// half-up rounding on the third decimal place.
//
// It accepts dot (12.34) and comma (12,34) decimal separators, a leading
// currency symbol, and comma thousands separators when a dot is present.
//
// Examples:
//
//	ParseAmountToMinor("12.34")     -> 1234, nil
//	ParseAmountToMinor("-12,345")   -> -1235, nil
//	ParseAmountToMinor("$1,234.50") -> 123450, nil
func ParseAmountToMinor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = strings.TrimSpace(s[1:])
	}
	s = strings.TrimLeft(s, "$€£ ")
	if strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", "")
	} else {
		s = strings.ReplaceAll(s, ",", ".")
	}
	if s == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrInvalidRecord)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrInvalidRecord, s, err)
	}
	if d.IsNegative() && neg {
		return 0, fmt.Errorf("%w: amount %q has two signs", ErrInvalidRecord, s)
	}
	minor := d.Mul(hundred).Round(0)
	if !minor.IsInteger() || minor.Abs().GreaterThan(decimal.NewFromInt(1<<62)) {
		return 0, fmt.Errorf("%w: amount %q out of range", ErrInvalidRecord, s)
	}
	v := minor.IntPart()
	if neg {
		v = -v
	}
	return v, nil
}

// FormatMinor renders minor units as a plain decimal string ("-12.34").
func FormatMinor(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// Major returns minor units as a float64 for display purposes. Use minor
// units for arithmetic.
func Major(minor int64) float64 {
	return decimal.New(minor, -2).InexactFloat64()
}
