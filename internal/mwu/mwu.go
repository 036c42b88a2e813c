// Package mwu implements the multiplicative-weights-update primitive shared
// by every allocation strategy: given a per-period return and a learning rate
// eta, produce a bounded multiplier to apply to an expert's weight.
package mwu

import (
	"math"

	"github.com/shopspring/decimal"

	"alpaca-trader/pkg/utils"
)

// clampLower bounds the influence of any single-period move on a weight. The
// return is clamped to [0.95, 1/0.95] before exponentiation, which keeps the
// weight trajectory stable against outlier bars regardless of eta.
const clampLower = 0.95

var (
	decimalClampLower = decimal.RequireFromString("0.95")
	decimalClampUpper = decimal.NewFromInt(1).Div(decimalClampLower)
	oneHundred        = decimal.NewFromInt(100)
	half              = decimal.RequireFromString("0.5")
)

// Delta is a performance delta tagged with how it should be interpreted:
// either an already-computed return ratio, or a percent change that converts
// to a return as 1 + change/100.
type Delta struct {
	value    decimal.Decimal
	isReturn bool
}

// Return tags a value as a return ratio.
func Return(r decimal.Decimal) Delta {
	return Delta{value: r, isReturn: true}
}

// ChangePercent tags a value as a percent change.
func ChangePercent(cp decimal.Decimal) Delta {
	return Delta{value: cp}
}

func (d Delta) asReturn() decimal.Decimal {
	if d.isReturn {
		return d.value
	}
	return decimal.NewFromInt(1).Add(d.value.Div(oneHundred))
}

// Multiplier computes the weight multiplier for a decimal delta. Non-positive
// returns yield 0.5, a deliberate strong penalty that keeps corrupted data
// from propagating into weights.
func Multiplier(delta Delta, eta decimal.Decimal) decimal.Decimal {
	r := delta.asReturn()
	if r.Sign() <= 0 {
		return half
	}

	clamped := decimal.Min(decimal.Max(r, decimalClampLower), decimalClampUpper)

	// Fractional exponents have no exact decimal form, so the exponentiation
	// itself goes through float. The clamp guarantees the float round trip
	// stays well inside the mantissa.
	return decimal.NewFromFloat(math.Pow(utils.DecimalToFloat(clamped), utils.DecimalToFloat(eta)))
}

// FloatDelta is the float-representation analogue of Delta, used on the
// historical-indicator recomputation paths where decimal precision is not
// required.
type FloatDelta struct {
	value    float64
	isReturn bool
}

// FloatReturn tags a float value as a return ratio.
func FloatReturn(r float64) FloatDelta {
	return FloatDelta{value: r, isReturn: true}
}

// FloatChangePercent tags a float value as a percent change.
func FloatChangePercent(cp float64) FloatDelta {
	return FloatDelta{value: cp}
}

func (d FloatDelta) asReturn() float64 {
	if d.isReturn {
		return d.value
	}
	return 1.0 + d.value/100.0
}

// FloatMultiplier computes the weight multiplier for a float delta. It must
// agree with Multiplier to within the precision each representation allows.
// NaN, infinite, and non-positive returns all yield 0.5.
func FloatMultiplier(delta FloatDelta, eta float64) float64 {
	r := delta.asReturn()
	if math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
		return 0.5
	}

	clamped := math.Min(math.Max(r, clampLower), 1/clampLower)
	return math.Pow(clamped, eta)
}
