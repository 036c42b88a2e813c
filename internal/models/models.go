// Package models provides domain models for the trading engine.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Symbol identifies a tradable instrument. Symbols are canonicalized to upper
// case so they can be used as map keys throughout the engine.
type Symbol string

// NewSymbol canonicalizes a raw ticker string.
func NewSymbol(raw string) Symbol {
	return Symbol(strings.ToUpper(strings.TrimSpace(raw)))
}

func (s Symbol) String() string {
	return string(s)
}

// OrderSide represents the side of an order.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderType represents the type of an order.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// TimeInForce controls how long an order remains active.
type TimeInForce string

const (
	Day TimeInForce = "day"
)

// OrderStatus represents the brokerage-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderDoneForDay      OrderStatus = "done_for_day"
	OrderCanceled        OrderStatus = "canceled"
	OrderExpired         OrderStatus = "expired"
	OrderReplaced        OrderStatus = "replaced"
	OrderPendingCancel   OrderStatus = "pending_cancel"
	OrderPendingReplace  OrderStatus = "pending_replace"
	OrderAccepted        OrderStatus = "accepted"
	OrderPendingNew      OrderStatus = "pending_new"
	OrderStopped         OrderStatus = "stopped"
	OrderRejected        OrderStatus = "rejected"
	OrderSuspended       OrderStatus = "suspended"
	OrderCalculated      OrderStatus = "calculated"
)

// IsClosed reports whether the order has reached a terminal state.
func (s OrderStatus) IsClosed() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderExpired, OrderDoneForDay,
		OrderReplaced, OrderRejected, OrderStopped:
		return true
	default:
		return false
	}
}

// Bar is an OHLCV record. Bars are immutable once fetched; they are the atomic
// unit of historical and streamed price data. The abbreviated JSON keys match
// the brokerage stream encoding.
type Bar struct {
	Time   time.Time       `json:"t"`
	Open   decimal.Decimal `json:"o"`
	High   decimal.Decimal `json:"h"`
	Low    decimal.Decimal `json:"l"`
	Close  decimal.Decimal `json:"c"`
	Volume int64           `json:"v"`
}

// MidPrice returns the midpoint of the bar's high and low.
func (b Bar) MidPrice() decimal.Decimal {
	return b.High.Add(b.Low).Div(decimal.NewFromInt(2))
}

// Order is a brokerage order as reported by the REST API.
type Order struct {
	ID             uuid.UUID        `json:"id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         Symbol           `json:"symbol"`
	Side           OrderSide        `json:"side"`
	Type           OrderType        `json:"type"`
	Status         OrderStatus      `json:"status"`
	Notional       *decimal.Decimal `json:"notional"`
	Qty            *decimal.Decimal `json:"qty"`
	FilledQty      *decimal.Decimal `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	FilledAt       *time.Time       `json:"filled_at"`
}

// OrderRequest is the payload for submitting a new order.
type OrderRequest struct {
	Symbol      Symbol           `json:"symbol"`
	Qty         *decimal.Decimal `json:"qty,omitempty"`
	Notional    *decimal.Decimal `json:"notional,omitempty"`
	Side        OrderSide        `json:"side"`
	Type        OrderType        `json:"type"`
	TimeInForce TimeInForce      `json:"time_in_force"`
}

// Position is a currently held position as reported by the brokerage.
type Position struct {
	Symbol         Symbol          `json:"symbol"`
	Qty            decimal.Decimal `json:"qty"`
	MarketValue    decimal.Decimal `json:"market_value"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	UnrealizedPLPC decimal.Decimal `json:"unrealized_plpc"`
}

// AccountActive is the account status required for trading.
const AccountActive = "ACTIVE"

// Account is the brokerage trading account snapshot.
type Account struct {
	Status     string          `json:"status"`
	Equity     decimal.Decimal `json:"equity"`
	LastEquity decimal.Decimal `json:"last_equity"`
	Cash       decimal.Decimal `json:"cash"`
}

// Clock is the market clock as reported by the brokerage.
type Clock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// Asset describes a US equity listed at the brokerage.
type Asset struct {
	Symbol       Symbol `json:"symbol"`
	Exchange     string `json:"exchange"`
	Tradable     bool   `json:"tradable"`
	Fractionable bool   `json:"fractionable"`
}

// SymbolMetadata is the per-symbol summary maintained by the local history
// store: average intraday span, median daily volume, the historical
// performance score used for candidate ranking, and the most recent close.
type SymbolMetadata struct {
	AvgSpan      float64         `json:"avg_span"`
	MedianVolume int64           `json:"median_volume"`
	Performance  decimal.Decimal `json:"performance"`
	LastClose    decimal.Decimal `json:"last_close"`
}
