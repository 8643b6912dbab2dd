// Package fixedpoint converts between raw on-chain integer amounts, human
// scale decimals and the scaled integer strings used in published reports.
package fixedpoint

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Normalize converts a raw integer amount with the given token decimals into
// a human-scale decimal. A nil amount is zero.
func Normalize(raw *big.Int, decimals int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, int32(-decimals))
}

// Scale converts a human-scale amount into the integer string a consumer
// divides by 10^decimals. Digits beyond the precision are truncated toward
// zero so that the output never overstates a figure.
func Scale(amount decimal.Decimal, decimals int) string {
	return amount.Shift(int32(decimals)).Truncate(0).String()
}

// FromFloat converts a float coming from an external JSON API into a decimal
// without carrying binary representation noise.
func FromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// MulDiv returns a*b/c at a precision suitable for prices, or zero when c is zero.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	if c.IsZero() {
		return decimal.Zero
	}
	return a.Mul(b).DivRound(c, 36)
}
