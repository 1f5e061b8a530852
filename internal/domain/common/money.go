package common

import (
	"math"

	"github.com/shopspring/decimal"
)

// Amounts are stored as signed integer cents so sums stay exact.

func CentsToDecimal(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

var (
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)
)

// CentsFit reports whether d, rounded to cents, fits in an int64.
func CentsFit(d decimal.Decimal) bool {
	c := d.Round(2).Shift(2)
	return c.Cmp(minCents) >= 0 && c.Cmp(maxCents) <= 0
}

// DecimalToCents rounds half away from zero to two places first. Values
// outside the int64 range clamp to its bounds; check CentsFit to reject them.
func DecimalToCents(d decimal.Decimal) int64 {
	c := d.Round(2).Shift(2)
	switch {
	case c.Cmp(maxCents) > 0:
		return math.MaxInt64
	case c.Cmp(minCents) < 0:
		return math.MinInt64
	}
	return c.IntPart()
}

// FormatMoney renders d with exactly two decimals.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FormatCents renders a cent amount with exactly two decimals.
func FormatCents(cents int64) string {
	return CentsToDecimal(cents).StringFixed(2)
}

func AbsCents(c int64) int64 {
	if c < 0 {
		return -c
	}
	return c
}
