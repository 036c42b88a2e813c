// Package history provides the local market-history store backed by SQLite.
package history

import (
	"context"
	"time"

	"alpaca-trader/internal/models"
)

// BarSource fetches daily bars from the brokerage. Satisfied by the broker
// REST client; narrowed here so the store can be exercised without a network.
type BarSource interface {
	History(ctx context.Context, symbols []models.Symbol, start time.Time, end *time.Time) (map[models.Symbol][]models.Bar, error)
}

// LocalHistory is the query and maintenance surface of the local bar store.
type LocalHistory interface {
	// Symbols lists every symbol with at least one stored bar.
	Symbols(ctx context.Context) ([]models.Symbol, error)

	// UpdateHistoryToPresent pulls bars from the brokerage for every market
	// day after the most recent stored day. maxUpdates caps the number of
	// days processed; zero means no cap.
	UpdateHistoryToPresent(ctx context.Context, src BarSource, maxUpdates int) error

	// RepairRecords rebuilds the stored history and metadata of the given
	// symbols from scratch.
	RepairRecords(ctx context.Context, src BarSource, symbols []models.Symbol) error

	// GetMarketHistory returns stored bars for all symbols in the timeframe,
	// in ascending date order.
	GetMarketHistory(ctx context.Context, timeframe Timeframe) (map[models.Symbol][]models.Bar, error)

	// GetSymbolHistory returns stored bars for one symbol in the timeframe,
	// in ascending date order.
	GetSymbolHistory(ctx context.Context, symbol models.Symbol, timeframe Timeframe) ([]models.Bar, error)

	// GetSymbolAvgSpan returns the smoothed average intraday span of a symbol.
	GetSymbolAvgSpan(ctx context.Context, symbol models.Symbol) (float64, error)

	// GetMetadata returns the per-symbol summary metadata.
	GetMetadata(ctx context.Context) (map[models.Symbol]models.SymbolMetadata, error)

	// RefreshConnection closes and reopens the database connection. If the
	// store is busy the refresh is skipped and logged rather than blocking.
	RefreshConnection() error

	Close() error
}

type timeframeKind int

const (
	timeframeAfter timeframeKind = iota
	timeframeWithin
	timeframeDaysBeforeNow
)

// Timeframe selects a date range of stored history.
type Timeframe struct {
	kind  timeframeKind
	start time.Time
	end   time.Time
	days  int
}

// After selects all bars on or after start.
func After(start time.Time) Timeframe {
	return Timeframe{kind: timeframeAfter, start: start}
}

// Within selects bars between start and end inclusive.
func Within(start, end time.Time) Timeframe {
	return Timeframe{kind: timeframeWithin, start: start, end: end}
}

// DaysBeforeNow selects the most recent n stored market days.
func DaysBeforeNow(n int) Timeframe {
	return Timeframe{kind: timeframeDaysBeforeNow, days: n}
}
