package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"alpaca-trader/internal/models"
)

// entryBatchInterval is the minimum time between trigger batch flushes. Buy
// triggers accumulate so that a burst of entry signals is ranked and executed
// together instead of first come first served.
const entryBatchInterval = 5 * time.Minute

type entryTrigger struct {
	initial time.Time
	last    time.Time
}

// EntryStrategy turns intraday buy triggers on the candidate universe into
// position entries, bounded by the position limit and available cash.
type EntryStrategy struct {
	logger     zerolog.Logger
	now        func() time.Time
	candidates map[models.Symbol]struct{}
	batch      map[models.Symbol]*entryTrigger
	lastFlush  time.Time
}

func NewEntryStrategy(logger zerolog.Logger) *EntryStrategy {
	return &EntryStrategy{
		logger:     logger.With().Str("component", "entry").Logger(),
		now:        time.Now,
		candidates: make(map[models.Symbol]struct{}),
		batch:      make(map[models.Symbol]*entryTrigger),
	}
}

// OnOpen resets the trigger batch and installs the session's candidate
// universe.
func (e *EntryStrategy) OnOpen(candidates []models.Symbol) {
	e.candidates = make(map[models.Symbol]struct{}, len(candidates))
	for _, symbol := range candidates {
		e.candidates[symbol] = struct{}{}
	}
	e.batch = make(map[models.Symbol]*entryTrigger)
	e.lastFlush = e.now()
}

// RecordBuyTrigger notes an entry signal for a candidate. The first trigger
// time is kept; repeats refresh the last trigger time.
func (e *EntryStrategy) RecordBuyTrigger(symbol models.Symbol) {
	if _, ok := e.candidates[symbol]; !ok {
		return
	}
	now := e.now()
	if trigger, ok := e.batch[symbol]; ok {
		trigger.last = now
		return
	}
	e.batch[symbol] = &entryTrigger{initial: now, last: now}
}

// RecordSellTrigger withdraws a pending entry. A symbol signalling weakness
// should not be bought on an earlier strength signal.
func (e *EntryStrategy) RecordSellTrigger(symbol models.Symbol) {
	delete(e.batch, symbol)
}

// OnTick flushes the accumulated trigger batch once the batch interval has
// elapsed.
func (e *EntryStrategy) OnTick(
	ctx context.Context,
	tracker *PriceTracker,
	portfolio *PortfolioManager,
	orders *OrderManager,
	account models.Account,
	positions map[models.Symbol]models.Position,
	maxPositions int,
) error {
	now := e.now()
	if now.Sub(e.lastFlush) < entryBatchInterval {
		return nil
	}
	e.lastFlush = now
	if len(e.batch) == 0 {
		return nil
	}

	batch := e.batch
	e.batch = make(map[models.Symbol]*entryTrigger)

	// Freshest triggers first: staleness sums the age of the first and the
	// most recent trigger, so a symbol still triggering now outranks one
	// that went quiet.
	symbols := make([]models.Symbol, 0, len(batch))
	for symbol := range batch {
		symbols = append(symbols, symbol)
	}
	sort.Slice(symbols, func(i, j int) bool {
		si, sj := batch[symbols[i]], batch[symbols[j]]
		di := now.Sub(si.initial) + now.Sub(si.last)
		dj := now.Sub(sj.initial) + now.Sub(sj.last)
		if di != dj {
			return di < dj
		}
		return symbols[i] < symbols[j]
	})

	return e.execute(ctx, symbols, tracker, portfolio, orders, account, positions, maxPositions)
}

func (e *EntryStrategy) execute(
	ctx context.Context,
	symbols []models.Symbol,
	tracker *PriceTracker,
	portfolio *PortfolioManager,
	orders *OrderManager,
	account models.Account,
	positions map[models.Symbol]models.Position,
	maxPositions int,
) error {
	remaining := maxPositions - len(positions)
	if remaining <= 0 {
		e.logger.Debug().Msg("position limit reached, dropping trigger batch")
		return nil
	}

	equities := portfolio.OptimalEquity(tracker, account, symbols)
	cash := portfolio.AvailableCash(account)
	floor := decimal.NewFromInt(1)

	for i, symbol := range symbols {
		if remaining <= 0 {
			break
		}
		if _, held := positions[symbol]; held {
			continue
		}
		if !orders.TradeStatus(symbol).IsBuyDaytradeSafe() {
			e.logger.Debug().
				Stringer("symbol", symbol).
				Msg("skipping entry, not daytrade safe")
			continue
		}

		notional := decimal.Min(equities[i], cash)
		if notional.Cmp(floor) <= 0 {
			continue
		}

		if err := orders.Buy(ctx, symbol, notional); err != nil {
			return err
		}
		e.logger.Info().
			Stringer("symbol", symbol).
			Str("notional", notional.StringFixed(2)).
			Msg("entered position")
		cash = cash.Sub(notional)
		remaining--
	}

	return nil
}
