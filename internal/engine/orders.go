package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"alpaca-trader/internal/broker"
	"alpaca-trader/internal/models"
)

// orderPollInterval is the minimum time between status queries for one open
// order.
const orderPollInterval = 60 * time.Second

// TradeStatus is the per-symbol day-trading safety state.
type TradeStatus int

const (
	Untraded TradeStatus = iota
	OrderPending
	BoughtToday
	SoldToday
)

func (s TradeStatus) String() string {
	switch s {
	case OrderPending:
		return "order-pending"
	case BoughtToday:
		return "bought-today"
	case SoldToday:
		return "sold-today"
	default:
		return "untraded"
	}
}

// IsSellDaytradeSafe reports whether selling the symbol now cannot complete a
// day trade. Selling a position bought today would; a pending order might.
func (s TradeStatus) IsSellDaytradeSafe() bool {
	return s == SoldToday || s == Untraded
}

// IsBuyDaytradeSafe reports whether a buy can be submitted without stacking
// onto an in-flight order.
func (s TradeStatus) IsBuyDaytradeSafe() bool {
	return s != OrderPending
}

// orderMeta tracks one order believed to still be open.
type orderMeta struct {
	id          uuid.UUID
	lastQueried time.Time
}

// OrderManager tracks in-flight orders and per-symbol trade status, and wraps
// order submission. Trade statuses reset at close; open orders persist until
// the brokerage reports a terminal state.
type OrderManager struct {
	broker        broker.Broker
	logger        zerolog.Logger
	tradeStatuses map[models.Symbol]TradeStatus
	openOrders    []orderMeta
	now           func() time.Time
}

// NewOrderManager creates an order manager.
func NewOrderManager(b broker.Broker, logger zerolog.Logger) *OrderManager {
	return &OrderManager{
		broker:        b,
		logger:        logger.With().Str("component", "orders").Logger(),
		tradeStatuses: make(map[models.Symbol]TradeStatus),
		now:           time.Now,
	}
}

// OnTick polls open orders that have not been queried within the poll
// interval and retires the ones the brokerage reports closed, updating the
// symbol's trade status according to the order side.
func (m *OrderManager) OnTick(ctx context.Context) error {
	for i := range m.openOrders {
		meta := &m.openOrders[i]
		now := m.now()

		if now.Sub(meta.lastQueried) < orderPollInterval {
			continue
		}
		meta.lastQueried = now

		order, err := m.broker.GetOrder(ctx, meta.id)
		if err != nil {
			return fmt.Errorf("fetching order %s: %w", meta.id, err)
		}

		if order.Status.IsClosed() {
			meta.id = uuid.Nil

			if _, tracked := m.tradeStatuses[order.Symbol]; tracked {
				switch order.Side {
				case models.Buy:
					m.tradeStatuses[order.Symbol] = BoughtToday
				case models.Sell:
					m.tradeStatuses[order.Symbol] = SoldToday
				}
			}
		}
	}

	retained := m.openOrders[:0]
	for _, meta := range m.openOrders {
		if meta.id != uuid.Nil {
			retained = append(retained, meta)
		}
	}
	m.openOrders = retained

	return nil
}

// TradeStatus returns the day-trade safety state for a symbol.
func (m *OrderManager) TradeStatus(symbol models.Symbol) TradeStatus {
	return m.tradeStatuses[symbol]
}

// Liquidate closes the entire position in a symbol at market.
func (m *OrderManager) Liquidate(ctx context.Context, symbol models.Symbol) error {
	order, err := m.broker.LiquidatePosition(ctx, symbol)
	if err != nil {
		return err
	}

	m.logger.Debug().
		Stringer("order_id", order.ID).
		Stringer("symbol", symbol).
		Msg("submitted liquidation order")
	m.recordSubmission(symbol, order)
	return nil
}

// SellShares sells a share quantity of an existing position at market.
func (m *OrderManager) SellShares(ctx context.Context, symbol models.Symbol, qty decimal.Decimal) error {
	order, err := m.broker.SellPosition(ctx, symbol, qty)
	if err != nil {
		return err
	}

	m.logger.Debug().
		Stringer("order_id", order.ID).
		Stringer("symbol", symbol).
		Str("qty", qty.String()).
		Msg("submitted partial sell order")
	m.recordSubmission(symbol, order)
	return nil
}

// Sell submits a market day order selling a notional dollar amount.
func (m *OrderManager) Sell(ctx context.Context, symbol models.Symbol, notional decimal.Decimal) error {
	return m.submit(ctx, symbol, models.Sell, notional)
}

// Buy submits a market day order buying a notional dollar amount.
func (m *OrderManager) Buy(ctx context.Context, symbol models.Symbol, notional decimal.Decimal) error {
	return m.submit(ctx, symbol, models.Buy, notional)
}

func (m *OrderManager) submit(ctx context.Context, symbol models.Symbol, side models.OrderSide, notional decimal.Decimal) error {
	// The brokerage rejects notionals with more than two decimal places;
	// round toward zero so the order never exceeds the intended amount.
	rounded := notional.RoundDown(2)

	order, err := m.broker.SubmitOrder(ctx, models.OrderRequest{
		Symbol:      symbol,
		Notional:    &rounded,
		Side:        side,
		Type:        models.Market,
		TimeInForce: models.Day,
	})
	if err != nil {
		return err
	}

	m.logger.Debug().
		Stringer("order_id", order.ID).
		Stringer("symbol", symbol).
		Str("side", string(side)).
		Str("notional", rounded.StringFixed(2)).
		Msg("submitted order")
	m.recordSubmission(symbol, order)
	return nil
}

func (m *OrderManager) recordSubmission(symbol models.Symbol, order models.Order) {
	m.tradeStatuses[symbol] = OrderPending
	m.openOrders = append(m.openOrders, orderMeta{id: order.ID, lastQueried: m.now()})
}

// Clear resets all trade statuses at market close. Open orders are kept so
// they can still be retired once the brokerage reports them closed.
func (m *OrderManager) Clear() {
	m.tradeStatuses = make(map[models.Symbol]TradeStatus)
}
