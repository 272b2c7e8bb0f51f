// Package decimalx provides the fixed-precision decimal arithmetic the
// health-factor and USD-valuation math requires. No floating point is used
// anywhere in this package: every conversion from a raw on-chain integer
// goes through decimal.Decimal, and every division rounds half-even at a
// fixed number of fractional digits.
package decimalx

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FractionalDigits is the rounding precision used for every division in the
// health-factor and USD-valuation pipeline.
const FractionalDigits = 18

func init() {
	decimal.DivisionPrecision = FractionalDigits
}

// FromRaw converts a raw on-chain integer amount (e.g. an ERC20 balance in
// its native base units) into a decimal value, given the token's decimals.
func FromRaw(raw *big.Int, decimals int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, 0).Shift(int32(-decimals))
}

// DivHalfEven divides a by b, rounding half-even at FractionalDigits
// fractional digits. Returns zero if b is zero (callers are expected to
// special-case zero-debt themselves per §4.2; this is a safe fallback for
// any other zero-divisor case).
func DivHalfEven(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	q, r := a.QuoRem(b, FractionalDigits)
	unit := decimal.New(1, -FractionalDigits)
	// Compare 2|r| with |b| * 10^-FractionalDigits to find which side of the
	// halfway point the truncated quotient q lies on; exact ties go to even.
	c := r.Abs().Mul(decimal.NewFromInt(2)).Cmp(b.Abs().Mul(unit))
	if c < 0 || (c == 0 && q.Shift(FractionalDigits).BigInt().Bit(0) == 0) {
		return q
	}
	if a.Sign()*b.Sign() < 0 {
		return q.Sub(unit)
	}
	return q.Add(unit)
}

// Clamp caps v at capValue, returning capValue if v exceeds it. Never raises
// a negative value.
func Clamp(v, capValue decimal.Decimal) decimal.Decimal {
	if v.GreaterThan(capValue) {
		return capValue
	}
	return v
}
