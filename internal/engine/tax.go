package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"alpaca-trader/internal/broker"
	"alpaca-trader/internal/models"
)

// taxOrderPageSize is the closed-order page size used during ingestion.
const taxOrderPageSize = 500

// taxDateLayout keys per-day tax events; the layout sorts lexicographically
// in date order.
const taxDateLayout = "2006-01-02"

// SecurityTransaction is a per-day aggregated fill: multiple same-side fills
// on one day are average-priced into a single transaction.
type SecurityTransaction struct {
	AvgPrice decimal.Decimal `json:"avg_price"`
	Shares   decimal.Decimal `json:"shares"`
}

func (t SecurityTransaction) average(other SecurityTransaction) SecurityTransaction {
	totalShares := t.Shares.Add(other.Shares)
	return SecurityTransaction{
		AvgPrice: t.AvgPrice.Mul(t.Shares).Add(other.AvgPrice.Mul(other.Shares)).Div(totalShares),
		Shares:   totalShares,
	}
}

// TaxEvent holds the aggregated buy and/or sell for one (symbol, date).
type TaxEvent struct {
	Buy  *SecurityTransaction `json:"buy,omitempty"`
	Sell *SecurityTransaction `json:"sell,omitempty"`
}

// SymbolTaxHistory is the date-keyed event map for one symbol. Keys use
// taxDateLayout so sorted string order is date order.
type SymbolTaxHistory struct {
	History map[string]*TaxEvent `json:"history"`
}

func newSymbolTaxHistory() *SymbolTaxHistory {
	return &SymbolTaxHistory{History: make(map[string]*TaxEvent)}
}

func (h *SymbolTaxHistory) ingestOrder(order models.Order) {
	date := order.FilledAt.UTC().Format(taxDateLayout)
	txn := SecurityTransaction{
		AvgPrice: *order.FilledAvgPrice,
		Shares:   *order.FilledQty,
	}

	event, ok := h.History[date]
	if !ok {
		event = &TaxEvent{}
		h.History[date] = event
	}

	switch order.Side {
	case models.Buy:
		if event.Buy != nil {
			txn = event.Buy.average(txn)
		}
		event.Buy = &txn
	case models.Sell:
		if event.Sell != nil {
			txn = event.Sell.average(txn)
		}
		event.Sell = &txn
	}
}

// Capital accumulates realized gains and losses for one calendar year.
// Losses are stored as positive magnitudes.
type Capital struct {
	ShortTermGains  decimal.Decimal `json:"short_term_gains"`
	LongTermGains   decimal.Decimal `json:"long_term_gains"`
	ShortTermLosses decimal.Decimal `json:"short_term_losses"`
	LongTermLosses  decimal.Decimal `json:"long_term_losses"`
}

func (c Capital) add(other Capital) Capital {
	return Capital{
		ShortTermGains:  c.ShortTermGains.Add(other.ShortTermGains),
		LongTermGains:   c.LongTermGains.Add(other.LongTermGains),
		ShortTermLosses: c.ShortTermLosses.Add(other.ShortTermLosses),
		LongTermLosses:  c.LongTermLosses.Add(other.LongTermLosses),
	}
}

// TaxTracker ingests filled orders and computes per-year realized capital
// gains via FIFO lot matching. Ingestion is idempotent: already-seen order
// ids are skipped.
type TaxTracker struct {
	IngestedOrders map[uuid.UUID]struct{}              `json:"ingested_orders"`
	TaxHistory     map[models.Symbol]*SymbolTaxHistory `json:"tax_history"`
}

// NewTaxTracker creates an empty tracker.
func NewTaxTracker() *TaxTracker {
	return &TaxTracker{
		IngestedOrders: make(map[uuid.UUID]struct{}),
		TaxHistory:     make(map[models.Symbol]*SymbolTaxHistory),
	}
}

// Ingest pulls all closed orders from the brokerage in pages, oldest first,
// and folds eligible fills into the tax history.
func (t *TaxTracker) Ingest(ctx context.Context, b broker.Broker, logger zerolog.Logger) error {
	var after time.Time

	for {
		logger.Debug().Time("after", after).Msg("querying closed orders")
		page, err := b.GetOrders(ctx, broker.OrderStatusClosed, taxOrderPageSize, after)
		if err != nil {
			return fmt.Errorf("fetching closed orders: %w", err)
		}

		orders := page[:0]
		for _, order := range page {
			if order.SubmittedAt.After(after) {
				orders = append(orders, order)
			}
		}
		if len(orders) == 0 {
			return nil
		}
		after = orders[len(orders)-1].SubmittedAt

		for _, order := range orders {
			t.ingestOrderIfEligible(order, logger)
		}
	}
}

func (t *TaxTracker) ingestOrderIfEligible(order models.Order, logger zerolog.Logger) {
	if _, seen := t.IngestedOrders[order.ID]; seen {
		return
	}
	if order.Status != models.OrderFilled {
		return
	}
	if order.FilledAvgPrice == nil || order.FilledQty == nil || order.FilledAt == nil {
		logger.Warn().
			Stringer("order_id", order.ID).
			Msg("filled order is missing fill price, quantity, or time")
		return
	}

	history, ok := t.TaxHistory[order.Symbol]
	if !ok {
		history = newSymbolTaxHistory()
		t.TaxHistory[order.Symbol] = history
	}
	history.ingestOrder(order)
	t.IngestedOrders[order.ID] = struct{}{}
}

// Report computes the realized capital for a calendar year across all
// symbols.
func (t *TaxTracker) Report(calendarYear int) (Capital, error) {
	var total Capital
	for symbol, history := range t.TaxHistory {
		capital, err := history.report(calendarYear)
		if err != nil {
			return Capital{}, fmt.Errorf("computing capital for %s: %w", symbol, err)
		}
		total = total.add(capital)
	}
	return total, nil
}

// purchaseLot is one unmatched FIFO purchase.
type purchaseLot struct {
	date time.Time
	txn  SecurityTransaction
}

func (h *SymbolTaxHistory) report(calendarYear int) (Capital, error) {
	dates := make([]string, 0, len(h.History))
	for date := range h.History {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	var capital Capital
	var purchases []purchaseLot

	for _, key := range dates {
		date, err := time.Parse(taxDateLayout, key)
		if err != nil {
			return Capital{}, fmt.Errorf("malformed tax event date %q: %w", key, err)
		}
		event := h.History[key]

		// Within a day, the sale is matched before that day's purchase is
		// enqueued: a same-day buy can never cover an earlier sale.
		if event.Sell != nil {
			capital, purchases, err = matchSale(capital, purchases, date, *event.Sell, calendarYear)
			if err != nil {
				return Capital{}, err
			}
		}
		if event.Buy != nil {
			purchases = append(purchases, purchaseLot{date: date, txn: *event.Buy})
		}
	}

	return capital, nil
}

func matchSale(capital Capital, purchases []purchaseLot, saleDate time.Time, sale SecurityTransaction, calendarYear int) (Capital, []purchaseLot, error) {
	unmatched := sale.Shares

	for unmatched.IsPositive() {
		if len(purchases) == 0 {
			return capital, purchases, fmt.Errorf(
				"sale of security on %s has no matching purchase",
				saleDate.Format(taxDateLayout),
			)
		}

		lot := &purchases[0]
		matched := decimal.Min(unmatched, lot.txn.Shares)

		if saleDate.Year() == calendarYear {
			delta := matched.Mul(sale.AvgPrice).Sub(matched.Mul(lot.txn.AvgPrice))
			longTerm := isAtLeastOneYearApart(lot.date, saleDate)

			switch {
			case delta.IsNegative() && longTerm:
				capital.LongTermLosses = capital.LongTermLosses.Sub(delta)
			case delta.IsNegative():
				capital.ShortTermLosses = capital.ShortTermLosses.Sub(delta)
			case longTerm:
				capital.LongTermGains = capital.LongTermGains.Add(delta)
			default:
				capital.ShortTermGains = capital.ShortTermGains.Add(delta)
			}
		}

		lot.txn.Shares = lot.txn.Shares.Sub(matched)
		unmatched = unmatched.Sub(matched)

		if lot.txn.Shares.IsZero() {
			purchases = purchases[1:]
		}
	}

	return capital, purchases, nil
}

// isAtLeastOneYearApart implements the tax holding-period rule: the later
// date must fall strictly after the anniversary of the earlier date, compared
// by day of year.
func isAtLeastOneYearApart(a, b time.Time) bool {
	min, max := a, b
	if b.Before(a) {
		min, max = b, a
	}

	switch {
	case max.Year() > min.Year()+1:
		return true
	case max.Year() <= min.Year():
		return false
	default:
		return max.YearDay() > min.YearDay()
	}
}
