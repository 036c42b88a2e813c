package engine

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpaca-trader/internal/models"
	"alpaca-trader/pkg/utils"
)

func testPosition(symbol models.Symbol, qty, costBasis, price float64) models.Position {
	return models.Position{
		Symbol:       symbol,
		Qty:          decimal.NewFromFloat(qty),
		CostBasis:    decimal.NewFromFloat(costBasis),
		CurrentPrice: decimal.NewFromFloat(price),
		MarketValue:  decimal.NewFromFloat(qty * price),
	}
}

func newTestPositionManager(t *testing.T) *PositionManager {
	t.Helper()
	m, err := LoadPositionManager(filepath.Join(t.TempDir(), "position-metadata.json"), zerolog.Nop())
	require.NoError(t, err)
	return m
}

func TestPositionManagerDeriveMetadata(t *testing.T) {
	m := newTestPositionManager(t)

	positions := map[models.Symbol]models.Position{
		"AAPL": testPosition("AAPL", 10, 1000, 110),
	}
	history := map[models.Symbol][]models.Bar{
		"AAPL": closeBars(100, 110, 99, 110),
	}

	require.NoError(t, m.Rebuild(positions, history))

	meta, ok := m.Metadata("AAPL")
	require.True(t, ok)
	assert.Equal(t, uint32(1), meta.HoldTime)
	assert.True(t, meta.InitialQty.Equal(decimal.NewFromInt(10)))
	assert.True(t, meta.CostBasis.Equal(decimal.NewFromInt(1000)))

	// Returns are 1.1, 0.9, 1.1111...; the expected positive return averages
	// the two up days and one of three returns meets it.
	epr := utils.DecimalToFloat(meta.ExpectedPositiveReturn)
	assert.InDelta(t, (1.1+110.0/99.0)/2, epr, 1e-8)
	assert.InDelta(t, 1.0/3.0, utils.DecimalToFloat(meta.EprProb), 1e-8)
}

func TestPositionManagerRebuildIncrementsHoldTime(t *testing.T) {
	m := newTestPositionManager(t)

	positions := map[models.Symbol]models.Position{
		"AAPL": testPosition("AAPL", 10, 1000, 110),
	}
	history := map[models.Symbol][]models.Bar{
		"AAPL": closeBars(100, 110, 99, 110),
	}

	require.NoError(t, m.Rebuild(positions, history))
	first, _ := m.Metadata("AAPL")

	require.NoError(t, m.Rebuild(positions, history))
	second, ok := m.Metadata("AAPL")
	require.True(t, ok)

	assert.Equal(t, first.HoldTime+1, second.HoldTime)
	assert.True(t, second.InitialQty.Equal(first.InitialQty), "cost accounting survives rebuilds")
	assert.True(t, second.EprProb.Equal(first.EprProb))
}

func TestPositionManagerInsufficientHistory(t *testing.T) {
	m := newTestPositionManager(t)

	err := m.Rebuild(
		map[models.Symbol]models.Position{"AAPL": testPosition("AAPL", 10, 1000, 110)},
		map[models.Symbol][]models.Bar{"AAPL": closeBars(100)},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AAPL")
}

func TestPositionManagerRetain(t *testing.T) {
	m := newTestPositionManager(t)

	positions := map[models.Symbol]models.Position{
		"AAPL": testPosition("AAPL", 10, 1000, 110),
		"MSFT": testPosition("MSFT", 5, 500, 105),
	}
	history := map[models.Symbol][]models.Bar{
		"AAPL": closeBars(100, 110, 99, 110),
		"MSFT": closeBars(100, 105, 102, 105),
	}
	require.NoError(t, m.Rebuild(positions, history))

	m.Retain(map[models.Symbol]models.Position{
		"AAPL": positions["AAPL"],
	})

	_, ok := m.Metadata("AAPL")
	assert.True(t, ok)
	_, ok = m.Metadata("MSFT")
	assert.False(t, ok)
}

func TestPositionManagerSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "position-metadata.json")

	m, err := LoadPositionManager(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Rebuild(
		map[models.Symbol]models.Position{"AAPL": testPosition("AAPL", 10, 1000, 110)},
		map[models.Symbol][]models.Bar{"AAPL": closeBars(100, 110, 99, 110)},
	))
	require.NoError(t, m.Save())

	restored, err := LoadPositionManager(path, zerolog.Nop())
	require.NoError(t, err)

	original, _ := m.Metadata("AAPL")
	loaded, ok := restored.Metadata("AAPL")
	require.True(t, ok)
	assert.True(t, loaded.CostBasis.Equal(original.CostBasis))
	assert.Equal(t, original.HoldTime, loaded.HoldTime)
}

func TestComputeAdditionalShares(t *testing.T) {
	meta := PositionMetadata{
		InitialQty:             decimal.NewFromInt(8),
		Debt:                   decimal.Zero,
		ExpectedPositiveReturn: decimal.NewFromFloat(1.05),
	}
	cash := decimal.NewFromInt(500)

	t.Run("sell down to the initial quantity at most", func(t *testing.T) {
		meta := meta
		meta.CostBasis = decimal.NewFromInt(900)
		position := testPosition("AAPL", 10, 900, 100)

		// The raw formula wants 30 shares sold, but only the two shares
		// above the initial purchase are sellable.
		shares := computeAdditionalShares(meta, position, cash)
		assert.True(t, shares.Equal(decimal.NewFromInt(-2)), "got %s", shares)
	})

	t.Run("buy capped by available cash", func(t *testing.T) {
		meta := meta
		meta.CostBasis = decimal.NewFromInt(1200)
		position := testPosition("AAPL", 10, 1200, 100)

		// The formula wants 30 more shares; $500 only buys five.
		shares := computeAdditionalShares(meta, position, cash)
		assert.True(t, shares.Equal(decimal.NewFromInt(5)), "got %s", shares)
	})

	t.Run("no expected gain means no adjustment", func(t *testing.T) {
		meta := meta
		meta.CostBasis = decimal.NewFromInt(1200)
		meta.ExpectedPositiveReturn = decimal.NewFromInt(1)
		position := testPosition("AAPL", 10, 1200, 100)

		assert.True(t, computeAdditionalShares(meta, position, cash).IsZero())
	})
}
