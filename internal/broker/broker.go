// Package broker provides the brokerage REST client used by the engine.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"alpaca-trader/internal/models"
)

// RequestOrderStatus filters order listing requests.
type RequestOrderStatus string

const (
	OrderStatusOpen   RequestOrderStatus = "open"
	OrderStatusClosed RequestOrderStatus = "closed"
	OrderStatusAll    RequestOrderStatus = "all"
)

// Broker is the brokerage trading and market-data surface consumed by the
// engine. Every call may fail; callers decide whether to retry.
type Broker interface {
	// Account fetches the current trading account snapshot.
	Account(ctx context.Context) (models.Account, error)

	// Clock fetches the market clock.
	Clock(ctx context.Context) (models.Clock, error)

	// Positions lists all currently held positions.
	Positions(ctx context.Context) ([]models.Position, error)

	// PositionMap lists positions keyed by symbol.
	PositionMap(ctx context.Context) (map[models.Symbol]models.Position, error)

	// USEquities lists active US equity assets.
	USEquities(ctx context.Context) ([]models.Asset, error)

	// SubmitOrder submits a new order and returns the brokerage's view of it.
	SubmitOrder(ctx context.Context, req models.OrderRequest) (models.Order, error)

	// GetOrder fetches a single order by id.
	GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error)

	// GetOrders lists orders with the given status submitted after the given
	// time, in ascending submission order, up to limit entries.
	GetOrders(ctx context.Context, status RequestOrderStatus, limit int, after time.Time) ([]models.Order, error)

	// LiquidatePosition closes the entire position in a symbol at market.
	LiquidatePosition(ctx context.Context, symbol models.Symbol) (models.Order, error)

	// SellPosition sells a partial quantity of a position at market.
	SellPosition(ctx context.Context, symbol models.Symbol, qty decimal.Decimal) (models.Order, error)

	// History fetches daily bars for the given symbols from start to end
	// (end nil means the present), paginating as needed.
	History(ctx context.Context, symbols []models.Symbol, start time.Time, end *time.Time) (map[models.Symbol][]models.Bar, error)

	// DayBar fetches the single daily bar for a symbol on a given date, or
	// nil if the market produced none.
	DayBar(ctx context.Context, symbol models.Symbol, date time.Time) (*models.Bar, error)
}
