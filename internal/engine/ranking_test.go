package engine

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpaca-trader/internal/models"
	"alpaca-trader/pkg/utils"
)

func TestComputeCandidateFilters(t *testing.T) {
	t.Run("needs two bars", func(t *testing.T) {
		assert.Nil(t, computeCandidate("AAPL", closeBars(100), 0))
	})

	t.Run("median volume floor", func(t *testing.T) {
		bars := closeBars(100, 101, 102)
		for i := range bars {
			bars[i].Volume = 100
		}
		assert.Nil(t, computeCandidate("AAPL", bars, 500_000))
	})

	t.Run("only losers never qualify", func(t *testing.T) {
		assert.Nil(t, computeCandidate("DOWN", closeBars(100, 95, 90, 85), 0))
	})

	t.Run("zero close bails", func(t *testing.T) {
		assert.Nil(t, computeCandidate("BAD", closeBars(100, 0, 90), 0))
	})

	t.Run("winner passes", func(t *testing.T) {
		candidate := computeCandidate("UP", closeBars(100, 110, 105, 120), 0)
		require.NotNil(t, candidate)
		assert.Len(t, candidate.Returns, 3)
		assert.Greater(t, candidate.KellyBet, 0.0)
	})
}

func TestRankSymbolsOrdering(t *testing.T) {
	history := map[models.Symbol][]models.Bar{
		// Every day up: the optimal bet is unbounded.
		"MOON": closeBars(100, 105, 110, 116),
		// Mixed but favorable.
		"GOOD": closeBars(100, 110, 104, 115),
		// Barely favorable.
		"MEH": closeBars(100, 102, 99, 101),
		// Net losing: filtered out entirely.
		"DOWN": closeBars(100, 90, 85, 80),
	}

	candidates, err := rankSymbols(context.Background(), history, 0)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)

	assert.Equal(t, models.Symbol("MOON"), candidates[0].Symbol)
	assert.True(t, math.IsInf(candidates[0].KellyBet, 1))

	for _, candidate := range candidates {
		assert.NotEqual(t, models.Symbol("DOWN"), candidate.Symbol)
	}
	for i := 1; i < len(candidates); i++ {
		assert.GreaterOrEqual(t,
			utils.TotalCompare(candidates[i-1].KellyBet, candidates[i].KellyBet), 0,
			"candidates must be sorted by descending bet")
	}
}

func TestBalancePortfolioModels(t *testing.T) {
	symbols := []models.Symbol{"AAPL", "MSFT"}
	returns := map[models.Symbol][]float64{
		"AAPL": {0.02, -0.01, 0.03, 0.01, -0.02, 0.02},
		"MSFT": {0.01, 0.02, -0.01, 0.01, 0.02, -0.01},
	}

	for _, model := range []string{"empirical", "normal", "laplace"} {
		t.Run(model, func(t *testing.T) {
			fractions, _, err := balancePortfolio(symbols, returns, model, zerolog.Nop())
			require.NoError(t, err)
			require.Len(t, fractions, 2)
			for symbol, fraction := range fractions {
				assert.False(t, fraction.IsNegative(), "%s fraction must be non-negative", symbol)
			}
		})
	}
}

func TestBalancePortfolioEmpty(t *testing.T) {
	fractions, converged, err := balancePortfolio(nil, nil, "normal", zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, converged)
	assert.Empty(t, fractions)
}
