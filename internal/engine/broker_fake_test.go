package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"alpaca-trader/internal/broker"
	"alpaca-trader/internal/models"
)

// fakeBroker satisfies broker.Broker with overridable behavior per call.
type fakeBroker struct {
	accountFn           func(ctx context.Context) (models.Account, error)
	clockFn             func(ctx context.Context) (models.Clock, error)
	positionsFn         func(ctx context.Context) ([]models.Position, error)
	positionMapFn       func(ctx context.Context) (map[models.Symbol]models.Position, error)
	usEquitiesFn        func(ctx context.Context) ([]models.Asset, error)
	submitOrderFn       func(ctx context.Context, req models.OrderRequest) (models.Order, error)
	getOrderFn          func(ctx context.Context, id uuid.UUID) (models.Order, error)
	getOrdersFn         func(ctx context.Context, status broker.RequestOrderStatus, limit int, after time.Time) ([]models.Order, error)
	liquidatePositionFn func(ctx context.Context, symbol models.Symbol) (models.Order, error)
	sellPositionFn      func(ctx context.Context, symbol models.Symbol, qty decimal.Decimal) (models.Order, error)
	historyFn           func(ctx context.Context, symbols []models.Symbol, start time.Time, end *time.Time) (map[models.Symbol][]models.Bar, error)
	dayBarFn            func(ctx context.Context, symbol models.Symbol, date time.Time) (*models.Bar, error)
}

var _ broker.Broker = (*fakeBroker)(nil)

func (f *fakeBroker) Account(ctx context.Context) (models.Account, error) {
	if f.accountFn == nil {
		return models.Account{Status: models.AccountActive}, nil
	}
	return f.accountFn(ctx)
}

func (f *fakeBroker) Clock(ctx context.Context) (models.Clock, error) {
	if f.clockFn == nil {
		return models.Clock{}, nil
	}
	return f.clockFn(ctx)
}

func (f *fakeBroker) Positions(ctx context.Context) ([]models.Position, error) {
	if f.positionsFn == nil {
		return nil, nil
	}
	return f.positionsFn(ctx)
}

func (f *fakeBroker) PositionMap(ctx context.Context) (map[models.Symbol]models.Position, error) {
	if f.positionMapFn == nil {
		return map[models.Symbol]models.Position{}, nil
	}
	return f.positionMapFn(ctx)
}

func (f *fakeBroker) USEquities(ctx context.Context) ([]models.Asset, error) {
	if f.usEquitiesFn == nil {
		return nil, nil
	}
	return f.usEquitiesFn(ctx)
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	if f.submitOrderFn == nil {
		return models.Order{ID: uuid.New(), Symbol: req.Symbol, Side: req.Side}, nil
	}
	return f.submitOrderFn(ctx, req)
}

func (f *fakeBroker) GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	if f.getOrderFn == nil {
		return models.Order{}, fmt.Errorf("no order %s", id)
	}
	return f.getOrderFn(ctx, id)
}

func (f *fakeBroker) GetOrders(ctx context.Context, status broker.RequestOrderStatus, limit int, after time.Time) ([]models.Order, error) {
	if f.getOrdersFn == nil {
		return nil, nil
	}
	return f.getOrdersFn(ctx, status, limit, after)
}

func (f *fakeBroker) LiquidatePosition(ctx context.Context, symbol models.Symbol) (models.Order, error) {
	if f.liquidatePositionFn == nil {
		return models.Order{ID: uuid.New(), Symbol: symbol, Side: models.Sell}, nil
	}
	return f.liquidatePositionFn(ctx, symbol)
}

func (f *fakeBroker) SellPosition(ctx context.Context, symbol models.Symbol, qty decimal.Decimal) (models.Order, error) {
	if f.sellPositionFn == nil {
		return models.Order{ID: uuid.New(), Symbol: symbol, Side: models.Sell, Qty: &qty}, nil
	}
	return f.sellPositionFn(ctx, symbol, qty)
}

func (f *fakeBroker) History(ctx context.Context, symbols []models.Symbol, start time.Time, end *time.Time) (map[models.Symbol][]models.Bar, error) {
	if f.historyFn == nil {
		return map[models.Symbol][]models.Bar{}, nil
	}
	return f.historyFn(ctx, symbols, start, end)
}

func (f *fakeBroker) DayBar(ctx context.Context, symbol models.Symbol, date time.Time) (*models.Bar, error) {
	if f.dayBarFn == nil {
		return nil, nil
	}
	return f.dayBarFn(ctx, symbol, date)
}
