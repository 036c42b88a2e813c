package engine

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"alpaca-trader/internal/models"
	"alpaca-trader/pkg/utils"
)

// PriceInfo is a snapshot of a tracked symbol's position relative to its
// intraday high and low water marks, computed over the smoothed price series.
type PriceInfo struct {
	LatestPrice      decimal.Decimal
	NonVolatilePrice float64
	HwmLoss          float64
	TimeSinceHwm     time.Duration
	LwmGain          float64
	TimeSinceLwm     time.Duration
}

// PriceTracker maintains per-symbol intraday price series with running
// high/low-water-mark indices. State lives for one trading day and is cleared
// at close.
type PriceTracker struct {
	stocks map[models.Symbol]*trackedStock
	now    func() time.Time
}

// NewPriceTracker creates an empty tracker.
func NewPriceTracker() *PriceTracker {
	return &PriceTracker{
		stocks: make(map[models.Symbol]*trackedStock),
		now:    time.Now,
	}
}

// TrackedSymbols lists the symbols with recorded prices.
func (t *PriceTracker) TrackedSymbols() []models.Symbol {
	symbols := make([]models.Symbol, 0, len(t.stocks))
	for symbol := range t.stocks {
		symbols = append(symbols, symbol)
	}
	sortSymbols(symbols)
	return symbols
}

// PriceInfo computes the current snapshot for an externally queried symbol.
// Symbols with fewer than two samples have no snapshot yet.
func (t *PriceTracker) PriceInfo(symbol models.Symbol) (PriceInfo, bool) {
	stock, ok := t.stocks[symbol]
	if !ok {
		return PriceInfo{}, false
	}
	return stock.computePriceInfo(t.now())
}

// RecordPrice pushes a bar's mid price for a symbol. The first observation
// establishes the baseline and returns no snapshot; no trigger can fire on a
// single sample.
func (t *PriceTracker) RecordPrice(symbol models.Symbol, avgSpan float64, bar models.Bar) (PriceInfo, bool) {
	price := bar.MidPrice()

	stock, ok := t.stocks[symbol]
	if !ok {
		t.stocks[symbol] = newTrackedStock(price, avgSpan, bar.Time)
		return PriceInfo{}, false
	}

	return stock.recordPrice(price, bar.Time)
}

// Clear drops all tracked state. Called at market close.
func (t *PriceTracker) Clear() {
	t.stocks = make(map[models.Symbol]*trackedStock)
}

// trackedStock holds one symbol's sample series. lastHwm and lastLwm always
// index the extreme smoothed prices seen so far; they are updated
// incrementally, never re-scanned.
type trackedStock struct {
	lastHwm int
	lastLwm int
	maxStep float64
	prices  []recordedPrice
}

type recordedPrice struct {
	price            decimal.Decimal
	nonVolatilePrice float64
	time             time.Time
}

func newTrackedStock(initialPrice decimal.Decimal, avgSpan float64, initialTime time.Time) *trackedStock {
	return &trackedStock{
		// The smoothed series may grow or shrink by at most avgSpan over 150
		// minutes, which filters single-bar volatility out of the watermarks.
		maxStep: math.Pow(1.0+avgSpan, 1.0/150.0) - 1.0,
		prices: []recordedPrice{{
			price:            initialPrice,
			nonVolatilePrice: utils.DecimalToFloat(initialPrice),
			time:             initialTime,
		}},
	}
}

func (s *trackedStock) recordPrice(price decimal.Decimal, at time.Time) (PriceInfo, bool) {
	last := s.prices[len(s.prices)-1]
	floatPrice := utils.DecimalToFloat(price)
	elapsedMinutes := at.Sub(last.time).Seconds() / 60.0

	var nonVolatilePrice float64
	if floatPrice > last.nonVolatilePrice {
		nonVolatilePrice = math.Min(
			last.nonVolatilePrice*math.Pow(1.0+s.maxStep, elapsedMinutes),
			floatPrice,
		)
	} else {
		nonVolatilePrice = math.Max(
			last.nonVolatilePrice*math.Pow(1.0-s.maxStep, elapsedMinutes),
			floatPrice,
		)
	}

	s.prices = append(s.prices, recordedPrice{
		price:            price,
		nonVolatilePrice: nonVolatilePrice,
		time:             at,
	})

	if nonVolatilePrice > s.prices[s.lastHwm].nonVolatilePrice {
		s.lastHwm = len(s.prices) - 1
	}
	if nonVolatilePrice < s.prices[s.lastLwm].nonVolatilePrice {
		s.lastLwm = len(s.prices) - 1
	}

	return s.computePriceInfo(at)
}

func (s *trackedStock) computePriceInfo(at time.Time) (PriceInfo, bool) {
	if len(s.prices) < 2 {
		return PriceInfo{}, false
	}

	last := s.prices[len(s.prices)-1]
	hwm := s.prices[s.lastHwm]
	lwm := s.prices[s.lastLwm]

	return PriceInfo{
		LatestPrice:      last.price,
		NonVolatilePrice: last.nonVolatilePrice,
		HwmLoss:          (last.nonVolatilePrice - hwm.nonVolatilePrice) / hwm.nonVolatilePrice,
		TimeSinceHwm:     at.Sub(hwm.time),
		LwmGain:          (last.nonVolatilePrice - lwm.nonVolatilePrice) / lwm.nonVolatilePrice,
		TimeSinceLwm:     at.Sub(lwm.time),
	}, true
}
