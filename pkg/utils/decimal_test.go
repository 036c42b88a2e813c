package utils

import (
	"math"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatToDecimal(t *testing.T) {
	d, err := FloatToDecimal(12.5)
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("12.5")))

	_, err = FloatToDecimal(math.NaN())
	assert.ErrorIs(t, err, ErrDecimalConversion)

	_, err = FloatToDecimal(math.Inf(1))
	assert.ErrorIs(t, err, ErrDecimalConversion)

	_, err = FloatToDecimal(math.Inf(-1))
	assert.ErrorIs(t, err, ErrDecimalConversion)
}

func TestDecimalToFloat(t *testing.T) {
	assert.Equal(t, 0.5, DecimalToFloat(decimal.RequireFromString("0.5")))

	// Rounds to nine decimal places before conversion.
	d := decimal.RequireFromString("1.00000000049")
	assert.Equal(t, 1.0, DecimalToFloat(d))
}

func TestTotalCompare(t *testing.T) {
	assert.Equal(t, -1, TotalCompare(1.0, 2.0))
	assert.Equal(t, 1, TotalCompare(2.0, 1.0))
	assert.Equal(t, 0, TotalCompare(3.5, 3.5))

	// Negative zero orders below positive zero but both compare equal to
	// themselves.
	assert.Equal(t, -1, TotalCompare(math.Copysign(0, -1), 0))
	assert.Equal(t, 0, TotalCompare(0, 0))

	// Non-finite values take consistent positions at the extremes.
	assert.Equal(t, -1, TotalCompare(math.Inf(-1), -1e308))
	assert.Equal(t, -1, TotalCompare(1e308, math.Inf(1)))
	assert.Equal(t, -1, TotalCompare(math.Inf(1), math.NaN()))
	assert.Equal(t, 0, TotalCompare(math.NaN(), math.NaN()))
}

func TestTotalCompareSortsMixedSlice(t *testing.T) {
	values := []float64{math.NaN(), 3, math.Inf(-1), -2, 0, math.Inf(1), 1}
	sort.Slice(values, func(i, j int) bool {
		return TotalCompare(values[i], values[j]) < 0
	})

	assert.True(t, math.IsInf(values[0], -1))
	assert.Equal(t, []float64{-2, 0, 1, 3}, values[1:5])
	assert.True(t, math.IsInf(values[5], 1))
	assert.True(t, math.IsNaN(values[6]))
}
