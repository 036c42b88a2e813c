package kelly

import (
	"math"
)

// NormalParams parameterizes a Normal model of an asset's per-period log
// return.
type NormalParams struct {
	Mean float64 `json:"mean"`
	Var  float64 `json:"var"`
}

// LaplaceParams parameterizes a Laplace model of an asset's per-period log
// return. B is the diversity (scale) parameter.
type LaplaceParams struct {
	Mean float64 `json:"mean"`
	B    float64 `json:"b"`
}

// scenarioMeta holds the closed-form conditional expectations and
// probabilities of an asset's gain and loss outcomes. Precomputing these per
// asset turns each optimizer step into a sum over the 2^n binary gain/loss
// scenario combinations instead of an integral.
type scenarioMeta struct {
	expLoss  float64
	lossProb float64
	expGain  float64
	gainProb float64
}

func normalCDF(x, mean, variance float64) float64 {
	return 0.5 + 0.5*math.Erf((x-mean)/math.Sqrt(2.0*variance))
}

// normalFirstMoment is the lower partial moment E[X * 1{X <= x}] of a
// Normal(mean, variance) variable.
func normalFirstMoment(x, mean, variance float64) float64 {
	xOff := x - mean
	halfMean := 0.5 * mean
	twoVar := 2.0 * variance

	return halfMean + halfMean*math.Erf(xOff/math.Sqrt(twoVar)) -
		math.Sqrt(variance/(2.0*math.Pi))*math.Exp((-1.0/twoVar)*xOff*xOff)
}

func laplaceCDF(x, mean, b float64) float64 {
	sign := 1.0
	if x < mean {
		sign = -1.0
	}
	return 0.5 + 0.5*sign*(1.0-math.Exp(-math.Abs(x-mean)/b))
}

// laplaceFirstMoment is the lower partial moment E[X * 1{X <= x}] of a
// Laplace(mean, b) variable. The closed form differs on either side of the
// location parameter.
func laplaceFirstMoment(x, mean, b float64) float64 {
	if x <= mean {
		return -0.5 * (b - x) * math.Exp((x-mean)/b)
	}
	return mean - 0.5*(b+x)*math.Exp((mean-x)/b)
}

func normalMeta(params NormalParams) scenarioMeta {
	lossProb := normalCDF(0, params.Mean, params.Var)
	gainProb := 1.0 - lossProb
	moment := normalFirstMoment(0, params.Mean, params.Var)

	return scenarioMeta{
		expLoss:  math.Exp(moment/lossProb) - 1.0,
		lossProb: lossProb,
		expGain:  math.Exp((params.Mean-moment)/gainProb) - 1.0,
		gainProb: gainProb,
	}
}

func laplaceMeta(params LaplaceParams) scenarioMeta {
	lossProb := laplaceCDF(0, params.Mean, params.B)
	gainProb := 1.0 - lossProb
	moment := laplaceFirstMoment(0, params.Mean, params.B)

	return scenarioMeta{
		expLoss:  math.Exp(moment/lossProb) - 1.0,
		lossProb: lossProb,
		expGain:  math.Exp((params.Mean-moment)/gainProb) - 1.0,
		gainProb: gainProb,
	}
}

// ExpectedLogPortfolioReturnNormal evaluates the expected log portfolio
// return for a fraction vector under independent Normal loss models.
func ExpectedLogPortfolioReturnNormal(fractions []float64, parameters []NormalParams) float64 {
	meta := make([]scenarioMeta, len(parameters))
	for i, p := range parameters {
		meta[i] = normalMeta(p)
	}
	return expectedLogScenarioReturn(fractions, meta)
}

func expectedLogScenarioReturn(fractions []float64, meta []scenarioMeta) float64 {
	var expLogReturn float64

	for selector := 0; selector < 1<<len(fractions); selector++ {
		prob := 1.0
		ret := 1.0

		for i, m := range meta {
			var p, r float64
			if selector&(1<<i) == 0 {
				p, r = m.lossProb, m.expLoss
			} else {
				p, r = m.gainProb, m.expGain
			}
			prob *= p
			ret += fractions[i] * r
		}

		expLogReturn += prob * math.Log(ret)
	}

	return expLogReturn
}

// OptimizePortfolioNormal finds the non-negative log-optimal fraction vector
// under independent Normal per-asset loss models.
func OptimizePortfolioNormal(parameters []NormalParams) ([]float64, bool) {
	meta := make([]scenarioMeta, len(parameters))
	for i, p := range parameters {
		meta[i] = normalMeta(p)
	}
	return optimizeScenarios(meta)
}

// OptimizePortfolioLaplace finds the non-negative log-optimal fraction vector
// under independent Laplace per-asset loss models.
func OptimizePortfolioLaplace(parameters []LaplaceParams) ([]float64, bool) {
	meta := make([]scenarioMeta, len(parameters))
	for i, p := range parameters {
		meta[i] = laplaceMeta(p)
	}
	return optimizeScenarios(meta)
}

// optimizeScenarios runs the shared gradient loop over all 2^n gain/loss
// combinations. O(2^n * n) per step bounds the practical asset-set size to a
// handful of names.
func optimizeScenarios(meta []scenarioMeta) ([]float64, bool) {
	if len(meta) == 0 {
		return nil, true
	}

	return optimize(len(meta), func(fractions, grad []float64) float64 {
		var expReturn float64

		for selector := 0; selector < 1<<len(fractions); selector++ {
			prob := 1.0
			ret := 1.0

			for i, m := range meta {
				var p, r float64
				if selector&(1<<i) == 0 {
					p, r = m.lossProb, m.expLoss
				} else {
					p, r = m.gainProb, m.expGain
				}
				prob *= p
				ret += fractions[i] * r
			}

			expReturn += prob * math.Log(ret)

			for i, m := range meta {
				r := m.expLoss
				if selector&(1<<i) != 0 {
					r = m.expGain
				}
				grad[i] += prob * r / ret
			}
		}

		return expReturn
	})
}

// Heuristic scores a held position's prospects under a Normal model: twice
// the probability of meeting the baseline return target over the remaining
// hold time, plus the probability of any positive return.
func Heuristic(params NormalParams, meanOffset float64, holdTime, maxHoldTime uint32, baselineReturn float64) float64 {
	timeDelta := float64(maxHoldTime - holdTime)
	mean := timeDelta*params.Mean + meanOffset
	variance := timeDelta * params.Var
	targetReturn := float64(maxHoldTime) * baselineReturn

	probMeetGoal := 1.0 - normalCDF(targetReturn, mean, variance)
	probPosReturn := 1.0 - normalCDF(0, mean, variance)

	return 2.0*probMeetGoal + probPosReturn
}
