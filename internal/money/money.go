// Package money holds the fixed-point conventions shared by every ledger in
// the engine. Amounts are shopspring/decimal values that always carry whole
// smallest units; never float64 for money.
package money

import (
	"github.com/shopspring/decimal"
)

const (
	// USDDecimals is the precision of every USD-denominated value.
	USDDecimals int32 = 18
	// PriceDecimals is the precision of oracle prices.
	PriceDecimals int32 = 8
)

var (
	// Scale is the 1e18 fixed-point unit used by per-dollar factors and NAV.
	Scale = decimal.New(1, 18)

	hundred = decimal.NewFromInt(100)
)

// Pow10 returns 10^n as an integer decimal.
func Pow10(n int32) decimal.Decimal {
	return decimal.New(1, n)
}

// MulDiv returns a*b/c truncated toward zero. A zero divisor yields zero.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	if c.IsZero() {
		return decimal.Zero
	}
	q, _ := a.Mul(b).QuoRem(c, 0)
	return q
}

// Percent returns amount*pct/100 truncated toward zero.
func Percent(amount decimal.Decimal, pct int64) decimal.Decimal {
	return MulDiv(amount, decimal.NewFromInt(pct), hundred)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// IsWhole reports whether d carries no fractional part.
func IsWhole(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(0))
}
