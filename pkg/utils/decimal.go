// Package utils provides shared utility functions.
package utils

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// ErrDecimalConversion indicates a float could not be represented as a decimal.
var ErrDecimalConversion = errors.New("failed to convert float to decimal")

// FloatToDecimal converts a float to a decimal, rejecting values that have no
// decimal representation (NaN and the infinities).
func FloatToDecimal(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Decimal{}, ErrDecimalConversion
	}
	return decimal.NewFromFloat(f), nil
}

// DecimalToFloat converts a decimal to a float, rounding to nine decimal
// places first so that values near the edge of the float mantissa convert
// consistently. Conversion never fails; extreme values degrade to +/-Inf.
func DecimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Round(9).Float64()
	return f
}

// TotalCompare imposes a total ordering on float64 values, unlike the IEEE
// partial order. The ordering is -NaN < -Inf < finite < +Inf < +NaN, so
// non-finite values sort predictably instead of poisoning comparisons.
func TotalCompare(a, b float64) int {
	ak := totalOrderKey(a)
	bk := totalOrderKey(b)
	switch {
	case ak < bk:
		return -1
	case ak > bk:
		return 1
	default:
		return 0
	}
}

// totalOrderKey maps a float to an unsigned integer whose natural ordering
// matches the IEEE-754 totalOrder predicate: flip all bits of negative values,
// flip only the sign bit of non-negative values.
func totalOrderKey(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits>>63 == 1 {
		return ^bits
	}
	return bits | (1 << 63)
}
