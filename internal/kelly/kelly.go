// Package kelly implements the Kelly-criterion bet solver and the log-optimal
// portfolio balancer. The single-asset solver bisects on the derivative of the
// expected log growth; the multi-asset balancer runs projected gradient ascent
// with adaptive step halving under either an empirical joint-return sample or
// a parametric per-asset loss distribution.
package kelly

import (
	"math"
)

const epsilon = 1e-6

// Bisection over float64 midpoints plateaus long before this bound; the cap
// guards against an unreachable epsilon looping forever.
const maxBisectIters = 1 << 12

// maxOptimizeIters bounds the gradient-ascent loop.
const maxOptimizeIters = 1 << 20

// ComputeKellyBet finds the fraction f maximizing expected log growth
// E[ln(1 + f*r)] over a finite set of equally likely returns. If every return
// is non-negative the opportunity is unbounded and the result is +Inf; if
// every return is non-positive the optimal bet is -Inf.
func ComputeKellyBet(returns []float64) float64 {
	if len(returns) == 0 {
		return math.NaN()
	}
	pr := 1.0 / float64(len(returns))
	probabilities := make([]float64, len(returns))
	for i := range probabilities {
		probabilities[i] = pr
	}
	return ComputeKellyBetWeighted(returns, probabilities)
}

// ComputeKellyBetWeighted is ComputeKellyBet with explicit per-return
// probabilities. The bisection drives the derivative sum(r*p / (1 + f*r)) to
// zero within epsilon, over the feasible interval [-1/max(r), -1/min(r)].
func ComputeKellyBetWeighted(returns, probabilities []float64) float64 {
	if len(returns) == 0 || len(returns) != len(probabilities) {
		return math.NaN()
	}

	min := math.MaxFloat64
	max := -math.MaxFloat64
	for _, r := range returns {
		min = math.Min(r, min)
		max = math.Max(r, max)
	}

	if min >= 0 {
		return math.Inf(1)
	}
	if max <= 0 {
		return math.Inf(-1)
	}

	fMin := -1.0 / max
	fMax := -1.0 / min
	f := (fMin + fMax) / 2.0

	for i := 0; i < maxBisectIters; i++ {
		f = (fMin + fMax) / 2.0
		d := derivativeAt(f, returns, probabilities)

		if math.Abs(d) < epsilon {
			return f
		}

		if d > 0 {
			// Optimal bet is higher.
			fMin = f
		} else {
			fMax = f
		}
	}

	// Epsilon was unreachable; the midpoint is the best estimate available.
	return f
}

func derivativeAt(f float64, returns, probabilities []float64) float64 {
	var sum float64
	for i, r := range returns {
		sum += (r * probabilities[i]) / (1.0 + f*r)
	}
	return sum
}

// ExpectedLogPortfolioReturn evaluates E[ln(1 + f . r)] for a fraction vector
// over an empirical joint-return sample. Each row of returns holds one joint
// scenario with one return per asset.
func ExpectedLogPortfolioReturn(fractions []float64, returns [][]float64, probabilities []float64) float64 {
	var sum float64
	for i, row := range returns {
		ret := 1.0
		for j, f := range fractions {
			ret += f * row[j]
		}
		sum += probabilities[i] * math.Log(ret)
	}
	return sum
}

// BalancePortfolio finds the non-negative fraction vector maximizing expected
// log portfolio return over an empirical joint-return sample. The second
// return value reports whether the gradient norm converged below epsilon
// within the iteration budget.
func BalancePortfolio(numPositions int, returns [][]float64, probabilities []float64) ([]float64, bool) {
	if numPositions == 0 {
		return nil, true
	}

	return optimize(numPositions, func(fractions, grad []float64) float64 {
		var expReturn float64
		for i, row := range returns {
			p := probabilities[i]
			denom := 1.0
			for j, f := range fractions {
				denom += f * row[j]
			}
			for j, r := range row {
				grad[j] += (r * p) / denom
			}
			expReturn += p * math.Log(denom)
		}
		return expReturn
	})
}

// optimize runs projected gradient ascent. eval must accumulate the gradient
// of the expected log return into grad and return the objective value at the
// current fractions.
func optimize(n int, eval func(fractions, grad []float64) float64) ([]float64, bool) {
	step := math.Sqrt(float64(n))
	fractions := make([]float64, n)
	grad := make([]float64, n)
	prevExpReturn := -math.MaxFloat64

	for i := 0; i < maxOptimizeIters; i++ {
		expReturn := eval(fractions, grad)

		if math.IsNaN(expReturn) || math.IsInf(expReturn, 0) {
			// The step walked outside the feasible region (1 + f.r <= 0 for
			// some scenario). Restart from zero with a smaller step.
			step /= 2.0
			for j := range fractions {
				fractions[j] = 0
				grad[j] = 0
			}
			prevExpReturn = -math.MaxFloat64
			continue
		}

		if expReturn <= prevExpReturn {
			step /= 2.0
		}
		prevExpReturn = expReturn

		// Project the gradient onto the non-negativity constraint and compute
		// its norm: any component that would push a negative fraction further
		// negative pins that asset to exactly zero for this iteration.
		var normSq float64
		for j := range fractions {
			g := grad[j]
			if fractions[j]+g < 0 {
				fractions[j] = 0
				grad[j] = 0
			} else {
				normSq += g * g
			}
		}
		norm := math.Sqrt(normSq)

		if norm < epsilon {
			return fractions, true
		}

		mul := step / norm
		for j := range fractions {
			fractions[j] += grad[j] * mul
			grad[j] = 0
		}
	}

	return fractions, false
}
