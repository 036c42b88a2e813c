package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpaca-trader/internal/models"
)

func TestTradeStatusSafety(t *testing.T) {
	cases := []struct {
		status   TradeStatus
		sellSafe bool
		buySafe  bool
	}{
		{Untraded, true, true},
		{OrderPending, false, false},
		{BoughtToday, false, true},
		{SoldToday, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.status.String(), func(t *testing.T) {
			assert.Equal(t, tc.sellSafe, tc.status.IsSellDaytradeSafe())
			assert.Equal(t, tc.buySafe, tc.status.IsBuyDaytradeSafe())
		})
	}
}

func TestOrderManagerRetiresFilledOrders(t *testing.T) {
	orderID := uuid.New()
	fb := &fakeBroker{
		submitOrderFn: func(_ context.Context, req models.OrderRequest) (models.Order, error) {
			return models.Order{ID: orderID, Symbol: req.Symbol, Side: req.Side, Status: models.OrderNew}, nil
		},
		getOrderFn: func(_ context.Context, id uuid.UUID) (models.Order, error) {
			require.Equal(t, orderID, id)
			return models.Order{ID: id, Symbol: "AAPL", Side: models.Buy, Status: models.OrderFilled}, nil
		},
	}

	m := NewOrderManager(fb, zerolog.Nop())
	now := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Buy(context.Background(), "AAPL", decimal.NewFromInt(100)))
	assert.Equal(t, OrderPending, m.TradeStatus("AAPL"))

	// Within the poll interval nothing is queried.
	require.NoError(t, m.OnTick(context.Background()))
	assert.Equal(t, OrderPending, m.TradeStatus("AAPL"))

	now = now.Add(orderPollInterval + time.Second)
	require.NoError(t, m.OnTick(context.Background()))
	assert.Equal(t, BoughtToday, m.TradeStatus("AAPL"))
	assert.Empty(t, m.openOrders)
}

func TestOrderManagerSellMarksSoldToday(t *testing.T) {
	orderID := uuid.New()
	fb := &fakeBroker{
		submitOrderFn: func(_ context.Context, req models.OrderRequest) (models.Order, error) {
			return models.Order{ID: orderID, Symbol: req.Symbol, Side: req.Side, Status: models.OrderNew}, nil
		},
		getOrderFn: func(_ context.Context, id uuid.UUID) (models.Order, error) {
			return models.Order{ID: id, Symbol: "MSFT", Side: models.Sell, Status: models.OrderFilled}, nil
		},
	}

	m := NewOrderManager(fb, zerolog.Nop())
	now := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Sell(context.Background(), "MSFT", decimal.NewFromInt(50)))
	now = now.Add(orderPollInterval + time.Second)
	require.NoError(t, m.OnTick(context.Background()))
	assert.Equal(t, SoldToday, m.TradeStatus("MSFT"))
}

func TestOrderManagerClearKeepsOpenOrders(t *testing.T) {
	orderID := uuid.New()
	queried := false
	fb := &fakeBroker{
		submitOrderFn: func(_ context.Context, req models.OrderRequest) (models.Order, error) {
			return models.Order{ID: orderID, Symbol: req.Symbol, Side: req.Side, Status: models.OrderNew}, nil
		},
		getOrderFn: func(_ context.Context, id uuid.UUID) (models.Order, error) {
			queried = true
			return models.Order{ID: id, Symbol: "AAPL", Side: models.Buy, Status: models.OrderFilled}, nil
		},
	}

	m := NewOrderManager(fb, zerolog.Nop())
	now := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Buy(context.Background(), "AAPL", decimal.NewFromInt(100)))
	m.Clear()
	assert.Equal(t, Untraded, m.TradeStatus("AAPL"))

	// The order itself outlives the status reset, but retiring it after the
	// reset must not resurrect a stale status.
	now = now.Add(orderPollInterval + time.Second)
	require.NoError(t, m.OnTick(context.Background()))
	assert.True(t, queried)
	assert.Equal(t, Untraded, m.TradeStatus("AAPL"))
}

func TestTradeStatusTransitionsNeverSkipSafety(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	statusGen := gen.IntRange(int(Untraded), int(SoldToday)).
		Map(func(v int) TradeStatus { return TradeStatus(v) })

	properties.Property("a pending order is never safe on either side", prop.ForAll(
		func(status TradeStatus) bool {
			if status == OrderPending {
				return !status.IsSellDaytradeSafe() && !status.IsBuyDaytradeSafe()
			}
			return true
		},
		statusGen,
	))

	properties.Property("sell safety implies buy safety", prop.ForAll(
		func(status TradeStatus) bool {
			return !status.IsSellDaytradeSafe() || status.IsBuyDaytradeSafe()
		},
		statusGen,
	))

	properties.TestingRun(t)
}
