package kelly

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeKellyBetAllPositive(t *testing.T) {
	bet := ComputeKellyBet([]float64{0.01, 0.02, 0.005})
	assert.True(t, math.IsInf(bet, 1))

	// Zero counts as non-negative.
	bet = ComputeKellyBet([]float64{0, 0.03})
	assert.True(t, math.IsInf(bet, 1))
}

func TestComputeKellyBetAllNegative(t *testing.T) {
	bet := ComputeKellyBet([]float64{-0.01, -0.02})
	assert.True(t, math.IsInf(bet, -1))

	bet = ComputeKellyBet([]float64{0, -0.03})
	assert.True(t, math.IsInf(bet, -1))
}

func TestComputeKellyBetMixedDrivesDerivativeToZero(t *testing.T) {
	returns := []float64{0.1, -0.05, 0.02, -0.01}
	bet := ComputeKellyBet(returns)
	require.False(t, math.IsInf(bet, 0))

	pr := 1.0 / float64(len(returns))
	var d float64
	for _, r := range returns {
		d += (r * pr) / (1.0 + bet*r)
	}
	assert.InDelta(t, 0, d, 1e-5)
}

func TestComputeKellyBetKnownSolution(t *testing.T) {
	// Even coin paying +100% or -50%: f* = p/a - q/b = 0.5/0.5 - 0.5/1 = 0.5.
	bet := ComputeKellyBet([]float64{1.0, -0.5})
	assert.InDelta(t, 0.5, bet, 1e-3)
}

func TestComputeKellyBetEmpty(t *testing.T) {
	assert.True(t, math.IsNaN(ComputeKellyBet(nil)))
}

func TestBalancePortfolioNonNegative(t *testing.T) {
	returns := [][]float64{
		{0.05, -0.02},
		{-0.03, 0.04},
		{0.01, -0.01},
		{-0.02, -0.03},
	}
	probabilities := []float64{0.25, 0.25, 0.25, 0.25}

	fractions, converged := BalancePortfolio(2, returns, probabilities)
	require.Len(t, fractions, 2)
	assert.True(t, converged)
	for _, f := range fractions {
		assert.GreaterOrEqual(t, f, 0.0)
	}
}

func TestBalancePortfolioSingleAssetMatchesKelly(t *testing.T) {
	returns := []float64{0.1, -0.05, 0.02, -0.04}
	rows := make([][]float64, len(returns))
	probabilities := make([]float64, len(returns))
	for i, r := range returns {
		rows[i] = []float64{r}
		probabilities[i] = 1.0 / float64(len(returns))
	}

	kellyBet := ComputeKellyBet(returns)
	fractions, _ := BalancePortfolio(1, rows, probabilities)
	require.Len(t, fractions, 1)
	assert.InDelta(t, kellyBet, fractions[0], 1e-3)
}

func TestBalancePortfolioEmpty(t *testing.T) {
	fractions, converged := BalancePortfolio(0, nil, nil)
	assert.Empty(t, fractions)
	assert.True(t, converged)
}

func TestBalancePortfolioImprovesObjective(t *testing.T) {
	returns := [][]float64{
		{0.08, 0.01},
		{-0.04, 0.02},
		{0.03, -0.05},
		{-0.01, -0.02},
	}
	probabilities := []float64{0.25, 0.25, 0.25, 0.25}

	fractions, _ := BalancePortfolio(2, returns, probabilities)
	zero := ExpectedLogPortfolioReturn([]float64{0, 0}, returns, probabilities)
	opt := ExpectedLogPortfolioReturn(fractions, returns, probabilities)
	assert.GreaterOrEqual(t, opt, zero)
}

func TestNormalMetaProbabilitiesSum(t *testing.T) {
	meta := normalMeta(NormalParams{Mean: 0.001, Var: 0.0004})
	assert.InDelta(t, 1.0, meta.lossProb+meta.gainProb, 1e-12)
	assert.Less(t, meta.expLoss, 0.0)
	assert.Greater(t, meta.expGain, 0.0)
}

func TestLaplaceMetaProbabilitiesSum(t *testing.T) {
	for _, mean := range []float64{-0.002, 0.0015} {
		meta := laplaceMeta(LaplaceParams{Mean: mean, B: 0.01})
		assert.InDelta(t, 1.0, meta.lossProb+meta.gainProb, 1e-12)
		assert.Less(t, meta.expLoss, 0.0)
		assert.Greater(t, meta.expGain, 0.0)
	}
}

func TestLaplaceFirstMomentContinuousAtMean(t *testing.T) {
	mean, b := 0.002, 0.01
	below := laplaceFirstMoment(mean-1e-9, mean, b)
	above := laplaceFirstMoment(mean+1e-9, mean, b)
	assert.InDelta(t, below, above, 1e-6)
}

func TestOptimizePortfolioNormalNonNegative(t *testing.T) {
	params := []NormalParams{
		{Mean: 0.002, Var: 0.0004},
		{Mean: -0.001, Var: 0.0009},
		{Mean: 0.0015, Var: 0.0001},
	}

	fractions, _ := OptimizePortfolioNormal(params)
	require.Len(t, fractions, 3)
	for _, f := range fractions {
		assert.GreaterOrEqual(t, f, 0.0)
		assert.False(t, math.IsNaN(f))
	}

	// A clearly negative-edge asset should receive nothing.
	assert.InDelta(t, 0.0, fractions[1], 0.05)
}

func TestOptimizePortfolioLaplaceNonNegative(t *testing.T) {
	params := []LaplaceParams{
		{Mean: 0.002, B: 0.01},
		{Mean: 0.001, B: 0.02},
	}

	fractions, _ := OptimizePortfolioLaplace(params)
	require.Len(t, fractions, 2)
	for _, f := range fractions {
		assert.GreaterOrEqual(t, f, 0.0)
		assert.False(t, math.IsNaN(f))
	}
}

func TestOptimizePortfolioEmptyParams(t *testing.T) {
	fractions, converged := OptimizePortfolioNormal(nil)
	assert.Empty(t, fractions)
	assert.True(t, converged)
}

func TestHeuristicOrdersByProspects(t *testing.T) {
	good := Heuristic(NormalParams{Mean: 0.003, Var: 0.0001}, 0, 1, 10, 0.001)
	bad := Heuristic(NormalParams{Mean: -0.003, Var: 0.0001}, 0, 1, 10, 0.001)
	assert.Greater(t, good, bad)
}
