// Package money provides shared amount parsing and formatting utilities.
//
// All marketplace amounts are stored as int64 cents (1 unit = 100 cents)
// and rendered as decimal strings with exactly two decimal places.
package money

import (
	"strconv"
	"strings"
)

const Decimals = 2

// Tolerance is the rounding slack allowed when comparing composed amounts
// (e.g. a milestone sum against an offer price): one cent.
const Tolerance = int64(1)

// Parse converts a decimal string (e.g. "1.50") to cents (150).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}

	if strings.HasPrefix(s, "-") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	if whole == "" {
		whole = "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return w*100 + f, true
}

// Format converts cents to a decimal string with exactly two decimal
// places (e.g. 150 -> "1.50").
func Format(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	s := strconv.FormatInt(cents, 10)
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Percent returns pct percent of cents, rounded half up.
func Percent(cents int64, pct float64) int64 {
	return int64(float64(cents)*pct/100 + 0.5)
}

// WithinTolerance reports whether two amounts differ by at most Tolerance.
func WithinTolerance(a, b int64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= Tolerance
}
