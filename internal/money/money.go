// Package money converts gateway amounts to integer minor units (paisa).
//
// Every comparison between an expected and a confirmed amount happens on the
// int64 values returned here. Floats never cross a package boundary.
package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrInvalidAmount = errors.New("invalid amount")

// ToMinor converts a major-unit amount (e.g. NPR 999.99) to minor units
// using round(major * 100).
func ToMinor(major float64) int64 {
	return int64(math.Round(major * 100))
}

// ParseMajor parses a decimal string in major units, as sent by gateways
// ("1000", "1000.0", "1,000.00"), and returns minor units.
func ParseMajor(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, ErrInvalidAmount
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return ToMinor(f), nil
}

// FormatMajor renders minor units as a major-unit string with two decimals.
func FormatMajor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// FormatMajorCompact drops a zero fractional part ("1000" instead of "1000.00").
// Some gateways sign the amount exactly as it was submitted, so the form value
// and the signed value must come from the same formatter.
func FormatMajorCompact(minor int64) string {
	if minor%100 == 0 {
		return strconv.FormatInt(minor/100, 10)
	}
	return FormatMajor(minor)
}
