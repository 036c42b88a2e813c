package engine

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"alpaca-trader/internal/models"
)

// PositionMetadata is the per-held-position accounting state. HoldTime
// increments exactly once per pre-open cycle while the position persists.
type PositionMetadata struct {
	InitialQty             decimal.Decimal `json:"initial_qty"`
	CostBasis              decimal.Decimal `json:"cost_basis"`
	Debt                   decimal.Decimal `json:"debt"`
	ExpectedPositiveReturn decimal.Decimal `json:"expected_positive_return"`
	// EprProb is the empirical probability of realizing the expected
	// positive return.
	EprProb  decimal.Decimal `json:"epr_prob"`
	HoldTime uint32          `json:"hold_time"`
}

// PositionManager owns per-position metadata, persisted to a JSON file with
// whole-file overwrite on save.
type PositionManager struct {
	meta   map[models.Symbol]PositionMetadata
	path   string
	logger zerolog.Logger
}

// LoadPositionManager reads position metadata from path. A missing file
// yields an empty manager.
func LoadPositionManager(path string, logger zerolog.Logger) (*PositionManager, error) {
	m := &PositionManager{
		meta:   make(map[models.Symbol]PositionMetadata),
		path:   path,
		logger: logger.With().Str("component", "positions").Logger(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("reading position metadata: %w", err)
	}

	if err := json.Unmarshal(data, &m.meta); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return m, nil
}

// Save overwrites the metadata file with the current state.
func (m *PositionManager) Save() error {
	data, err := json.Marshal(m.meta)
	if err != nil {
		return fmt.Errorf("serializing position metadata: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return fmt.Errorf("writing position metadata: %w", err)
	}
	return nil
}

// Metadata returns the metadata for a held symbol.
func (m *PositionManager) Metadata(symbol models.Symbol) (PositionMetadata, bool) {
	meta, ok := m.meta[symbol]
	return meta, ok
}

// Rebuild re-derives metadata for every currently held position from its
// recent history. Positions that disappeared are dropped; surviving
// positions keep their original cost accounting and gain a hold-time cycle.
func (m *PositionManager) Rebuild(positions map[models.Symbol]models.Position, history map[models.Symbol][]models.Bar) error {
	updated := make(map[models.Symbol]PositionMetadata, len(positions))
	for symbol, position := range positions {
		meta, err := m.deriveMetadata(symbol, position, history[symbol])
		if err != nil {
			return err
		}
		updated[symbol] = meta
	}
	m.meta = updated
	return nil
}

func (m *PositionManager) deriveMetadata(symbol models.Symbol, position models.Position, bars []models.Bar) (PositionMetadata, error) {
	if len(bars) < 2 {
		return PositionMetadata{}, fmt.Errorf("insufficient history for %s to manage position", symbol)
	}

	one := decimal.NewFromInt(1)
	returns := make([]decimal.Decimal, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev.Sign() <= 0 {
			continue
		}
		returns = append(returns, bars[i].Close.Div(prev))
	}
	if len(returns) == 0 {
		return PositionMetadata{}, fmt.Errorf("no usable returns for %s", symbol)
	}

	positiveSum := decimal.Zero
	positiveCount := 0
	for _, r := range returns {
		if r.Cmp(one) > 0 {
			positiveSum = positiveSum.Add(r)
			positiveCount++
		}
	}

	// A symbol with no up days has no expected gain to size against; an EPR
	// of 1 makes the sizing formula a no-op for it.
	expectedPositiveReturn := one
	if positiveCount > 0 {
		expectedPositiveReturn = positiveSum.Div(decimal.NewFromInt(int64(positiveCount)))
	}

	if existing, ok := m.meta[symbol]; ok {
		existing.ExpectedPositiveReturn = expectedPositiveReturn
		existing.HoldTime++
		return existing, nil
	}

	meetCount := 0
	for _, r := range returns {
		if r.Cmp(expectedPositiveReturn) >= 0 {
			meetCount++
		}
	}
	eprProb := decimal.NewFromInt(int64(meetCount)).Div(decimal.NewFromInt(int64(len(returns))))

	return PositionMetadata{
		InitialQty:             position.Qty,
		CostBasis:              position.CostBasis,
		Debt:                   decimal.Zero,
		ExpectedPositiveReturn: expectedPositiveReturn,
		EprProb:                eprProb,
		HoldTime:               1,
	}, nil
}

// Retain drops metadata for symbols no longer held.
func (m *PositionManager) Retain(positions map[models.Symbol]models.Position) {
	for symbol := range m.meta {
		if _, held := positions[symbol]; !held {
			delete(m.meta, symbol)
		}
	}
}

// computeAdditionalShares sizes the adjustment that brings a position to its
// expected-return-implied target: positive means buy (capped by available
// cash), negative means sell down to at most the initially purchased
// quantity. The denominator is the per-share expected gain.
func computeAdditionalShares(meta PositionMetadata, position models.Position, totalAvailableCash decimal.Decimal) decimal.Decimal {
	expectedNextPrice := position.CurrentPrice.Mul(meta.ExpectedPositiveReturn)
	perShareGain := expectedNextPrice.Sub(position.CurrentPrice)
	if perShareGain.Sign() == 0 {
		return decimal.Zero
	}

	additionalShares := meta.CostBasis.Add(meta.Debt).
		Sub(expectedNextPrice.Mul(position.Qty)).
		Div(perShareGain)

	if additionalShares.Sign() >= 0 {
		if position.CurrentPrice.Sign() <= 0 {
			return decimal.Zero
		}
		return decimal.Min(totalAvailableCash.Div(position.CurrentPrice), additionalShares)
	}

	sellable := position.Qty.Sub(meta.InitialQty)
	return decimal.Min(sellable, additionalShares.Abs()).Neg()
}
