package domain

import "github.com/shopspring/decimal"

// Money helpers. Amounts are stored as SQLite REAL and round-tripped
// through decimals so that every persisted value is an exact 2-dp number.

// Dec converts a stored float to a decimal.
func Dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// Round2 rounds to the 2-dp precision used for money and quantities.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Store2 rounds to 2 dp and converts back to the storage float.
func Store2(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

// Eq2 reports whether two decimals are equal after 2-dp rounding.
func Eq2(a, b decimal.Decimal) bool {
	return a.Round(2).Equal(b.Round(2))
}
