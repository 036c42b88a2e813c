package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpaca-trader/internal/broker"
	"alpaca-trader/internal/models"
)

func filledOrder(symbol models.Symbol, side models.OrderSide, qty, price float64, filledAt time.Time) models.Order {
	q := decimal.NewFromFloat(qty)
	p := decimal.NewFromFloat(price)
	return models.Order{
		ID:             uuid.New(),
		Symbol:         symbol,
		Side:           side,
		Status:         models.OrderFilled,
		FilledQty:      &q,
		FilledAvgPrice: &p,
		SubmittedAt:    filledAt,
		FilledAt:       &filledAt,
	}
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 16, 0, 0, 0, time.UTC)
}

func TestTaxHoldingPeriodBoundary(t *testing.T) {
	buyDate := day(2023, time.January, 10)

	cases := []struct {
		name     string
		saleDate time.Time
		longTerm bool
	}{
		{"anniversary is still short term", day(2024, time.January, 10), false},
		{"day after anniversary is long term", day(2024, time.January, 11), true},
		{"well under a year", day(2023, time.November, 6), false},
		{"over a full calendar year", day(2025, time.February, 1), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tracker := NewTaxTracker()
			tracker.ingestOrderIfEligible(filledOrder("AAPL", models.Buy, 10, 10, buyDate), zerolog.Nop())
			tracker.ingestOrderIfEligible(filledOrder("AAPL", models.Sell, 10, 15, tc.saleDate), zerolog.Nop())

			capital, err := tracker.Report(tc.saleDate.Year())
			require.NoError(t, err)

			gain := decimal.NewFromInt(50)
			if tc.longTerm {
				assert.True(t, capital.LongTermGains.Equal(gain))
				assert.True(t, capital.ShortTermGains.IsZero())
			} else {
				assert.True(t, capital.ShortTermGains.Equal(gain))
				assert.True(t, capital.LongTermGains.IsZero())
			}
		})
	}
}

func TestTaxFifoPartialMatching(t *testing.T) {
	tracker := NewTaxTracker()
	tracker.ingestOrderIfEligible(filledOrder("MSFT", models.Buy, 5, 10, day(2024, time.February, 1)), zerolog.Nop())
	tracker.ingestOrderIfEligible(filledOrder("MSFT", models.Buy, 5, 20, day(2024, time.February, 2)), zerolog.Nop())
	tracker.ingestOrderIfEligible(filledOrder("MSFT", models.Sell, 8, 15, day(2024, time.March, 1)), zerolog.Nop())

	capital, err := tracker.Report(2024)
	require.NoError(t, err)

	// Five shares from the first lot gained $25; three from the second lot
	// lost $15. Losses are reported as positive magnitudes.
	assert.True(t, capital.ShortTermGains.Equal(decimal.NewFromInt(25)), "gains: %s", capital.ShortTermGains)
	assert.True(t, capital.ShortTermLosses.Equal(decimal.NewFromInt(15)), "losses: %s", capital.ShortTermLosses)
}

func TestTaxSameDayFillsAreAveraged(t *testing.T) {
	tracker := NewTaxTracker()
	sameDay := day(2024, time.February, 1)
	tracker.ingestOrderIfEligible(filledOrder("NVDA", models.Buy, 5, 10, sameDay), zerolog.Nop())
	tracker.ingestOrderIfEligible(filledOrder("NVDA", models.Buy, 5, 20, sameDay), zerolog.Nop())
	tracker.ingestOrderIfEligible(filledOrder("NVDA", models.Sell, 10, 15, day(2024, time.March, 1)), zerolog.Nop())

	capital, err := tracker.Report(2024)
	require.NoError(t, err)

	// Both buys average to $15, exactly the sale price.
	assert.True(t, capital.ShortTermGains.IsZero())
	assert.True(t, capital.ShortTermLosses.IsZero())
}

func TestTaxSalesOutsideYearIgnored(t *testing.T) {
	tracker := NewTaxTracker()
	tracker.ingestOrderIfEligible(filledOrder("AAPL", models.Buy, 10, 10, day(2023, time.February, 1)), zerolog.Nop())
	tracker.ingestOrderIfEligible(filledOrder("AAPL", models.Sell, 10, 15, day(2023, time.June, 1)), zerolog.Nop())

	capital, err := tracker.Report(2024)
	require.NoError(t, err)
	assert.True(t, capital.ShortTermGains.IsZero())
}

func TestTaxUnmatchedSaleIsAnError(t *testing.T) {
	tracker := NewTaxTracker()
	tracker.ingestOrderIfEligible(filledOrder("AAPL", models.Sell, 10, 15, day(2024, time.June, 1)), zerolog.Nop())

	_, err := tracker.Report(2024)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no matching purchase")
}

func TestTaxIngestionIsIdempotent(t *testing.T) {
	tracker := NewTaxTracker()
	order := filledOrder("AAPL", models.Buy, 10, 10, day(2023, time.February, 1))
	sale := filledOrder("AAPL", models.Sell, 10, 15, day(2023, time.June, 1))

	for i := 0; i < 3; i++ {
		tracker.ingestOrderIfEligible(order, zerolog.Nop())
		tracker.ingestOrderIfEligible(sale, zerolog.Nop())
	}

	capital, err := tracker.Report(2023)
	require.NoError(t, err)
	assert.True(t, capital.ShortTermGains.Equal(decimal.NewFromInt(50)), "gains: %s", capital.ShortTermGains)
}

func TestTaxIngestPaginates(t *testing.T) {
	orders := []models.Order{
		filledOrder("AAPL", models.Buy, 10, 10, day(2023, time.February, 1)),
		filledOrder("AAPL", models.Sell, 10, 12, day(2023, time.June, 1)),
	}

	calls := 0
	fb := &fakeBroker{
		getOrdersFn: func(_ context.Context, status broker.RequestOrderStatus, limit int, after time.Time) ([]models.Order, error) {
			calls++
			assert.Equal(t, broker.OrderStatusClosed, status)
			assert.Equal(t, taxOrderPageSize, limit)

			var page []models.Order
			for _, order := range orders {
				if order.SubmittedAt.After(after) {
					page = append(page, order)
				}
			}
			return page, nil
		},
	}

	tracker := NewTaxTracker()
	require.NoError(t, tracker.Ingest(context.Background(), fb, zerolog.Nop()))
	// One page of results, then an empty page that ends the loop.
	assert.Equal(t, 2, calls)
	assert.Len(t, tracker.IngestedOrders, 2)

	capital, err := tracker.Report(2023)
	require.NoError(t, err)
	assert.True(t, capital.ShortTermGains.Equal(decimal.NewFromInt(20)), "gains: %s", capital.ShortTermGains)
}
