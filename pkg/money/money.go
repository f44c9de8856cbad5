// Package money keeps every balance and price as an integer number of
// minor units (cents) inside aggregates, so event payloads never carry
// binary-float drift; decimal values only exist at the API boundary,
// converted with fixed-precision, round-half-to-even arithmetic via
// shopspring/decimal.
package money

import "github.com/shopspring/decimal"

// Minor is an amount expressed in minor currency units (e.g. cents). It is
// the only representation aggregates are allowed to hold in memory or emit
// in event payloads.
type Minor int64

// FromDecimal converts a two-decimal amount (e.g. "29.99") into minor units,
// rounding half-to-even at the second decimal place.
func FromDecimal(d decimal.Decimal) Minor {
	rounded := d.RoundBank(2)
	return Minor(rounded.Mul(decimal.NewFromInt(100)).IntPart())
}

// FromFloat is a convenience wrapper for API payloads that arrive as
// floating point (e.g. JSON numbers); it still rounds half-to-even.
func FromFloat(f float64) Minor {
	return FromDecimal(decimal.NewFromFloat(f))
}

// Decimal renders minor units back to a two-decimal decimal.Decimal for
// display or API responses.
func (m Minor) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// Float64 renders minor units as a float64, for callers that need one
// (e.g. JSON encoding of legacy fields). Prefer Decimal for anything that
// will be re-parsed.
func (m Minor) Float64() float64 {
	f, _ := m.Decimal().Float64()
	return f
}

// Add, Sub are defined as methods so aggregates never spell out the
// underlying integer arithmetic inline.
func (m Minor) Add(delta Minor) Minor { return m + delta }
func (m Minor) Sub(delta Minor) Minor { return m - delta }

// LateFee computes daysLate * feePerDay in minor units.
func LateFee(daysLate int, feePerDay Minor) Minor {
	if daysLate <= 0 {
		return 0
	}
	return Minor(int64(daysLate) * int64(feePerDay))
}

// BookPurchased reports whether an accrued late fee has reached the
// retail price, at which point the patron owns the book.
func BookPurchased(fee, retailPrice Minor) bool {
	return fee >= retailPrice
}
