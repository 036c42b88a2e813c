package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"alpaca-trader/internal/models"
	"alpaca-trader/internal/mwu"
)

// StrategyKind enumerates the allocation strategies. The set is fixed at
// build time, so strategies are a closed tagged variant rather than an open
// interface.
type StrategyKind int

const (
	// StrategyBasket runs flat MWU over a fixed configured basket.
	StrategyBasket StrategyKind = iota
	// StrategyTopN runs flat MWU over the top performers in the market.
	StrategyTopN
	// StrategyRolling runs rolling-window MWU over the top weighted symbols.
	StrategyRolling
	// StrategyLogOptimal allocates by the log-optimal balanced portfolio.
	StrategyLogOptimal
)

// Strategy keys, used for persistence and the portfolio-strategy command.
const (
	KeyBasket     = "mwuBasket"
	KeyTopN       = "mwuMarketTopN"
	KeyRolling    = "wmwuMarketTopN"
	KeyLogOptimal = "logOptimal"
)

// weightedExpert is a single-symbol expert: its reference close and current
// weight. WeightBase is the rolling-window weight boundary; for flat MWU
// strategies it always equals Weight.
type weightedExpert struct {
	Symbol     models.Symbol   `json:"symbol"`
	LastClose  decimal.Decimal `json:"last_close"`
	Weight     decimal.Decimal `json:"weight"`
	WeightBase decimal.Decimal `json:"weight_base"`
}

// latestWeight folds the expert's intraday return into its weight base. With
// no tracked price the intraday return is 1 and the base passes through.
func (e *weightedExpert) latestWeight(tracker *PriceTracker, eta decimal.Decimal) decimal.Decimal {
	info, ok := tracker.PriceInfo(e.Symbol)
	if !ok || e.LastClose.Sign() <= 0 {
		return e.WeightBase
	}

	r := info.LatestPrice.Div(e.LastClose)
	return e.WeightBase.Mul(mwu.Multiplier(mwu.Return(r), eta))
}

// Strategy is one member of the closed strategy set. Disabled strategies keep
// their learned weight but contribute no candidates and zero fractions.
type Strategy struct {
	kind    StrategyKind
	key     string
	enabled bool
	eta     decimal.Decimal

	// basket is the fixed membership of a StrategyBasket.
	basket []models.Symbol
	// n bounds the expert count of StrategyTopN and StrategyRolling.
	n int
	// lookback is the rolling window length of StrategyRolling.
	lookback int

	experts map[models.Symbol]*weightedExpert

	// fractions are the balanced target fractions of StrategyLogOptimal.
	fractions map[models.Symbol]decimal.Decimal
}

func newStrategy(kind StrategyKind, key string, eta decimal.Decimal) *Strategy {
	return &Strategy{
		kind:      kind,
		key:       key,
		enabled:   true,
		eta:       eta,
		experts:   make(map[models.Symbol]*weightedExpert),
		fractions: make(map[models.Symbol]decimal.Decimal),
	}
}

// Key returns the strategy's persistent identifier.
func (s *Strategy) Key() string {
	return s.key
}

// Enabled reports whether the strategy currently contributes candidates.
func (s *Strategy) Enabled() bool {
	return s.enabled
}

// SetEnabled toggles the strategy's participation.
func (s *Strategy) SetEnabled(enabled bool) {
	s.enabled = enabled
}

// Candidates lists the strategy's current investable symbols in sorted order.
func (s *Strategy) Candidates() []models.Symbol {
	if !s.enabled {
		return nil
	}

	var symbols []models.Symbol
	if s.kind == StrategyLogOptimal {
		for symbol := range s.fractions {
			symbols = append(symbols, symbol)
		}
	} else {
		for symbol := range s.experts {
			symbols = append(symbols, symbol)
		}
	}
	sortSymbols(symbols)
	return symbols
}

// OptimalEquityFraction returns the strategy's target fraction for a symbol
// based on weights as of the last rebuild.
func (s *Strategy) OptimalEquityFraction(symbol models.Symbol) decimal.Decimal {
	if !s.enabled {
		return decimal.Zero
	}

	if s.kind == StrategyLogOptimal {
		return s.fractions[symbol]
	}

	expert, ok := s.experts[symbol]
	if !ok {
		return decimal.Zero
	}

	phi := decimal.Zero
	for _, e := range s.experts {
		phi = phi.Add(e.Weight)
	}
	if phi.Sign() <= 0 {
		return decimal.Zero
	}
	return expert.Weight.Div(phi)
}

// LatestOptimalEquityFraction returns the target fraction with each expert's
// intraday move folded into its weight base, avoiding double-counting the
// oldest window day for rolling strategies.
func (s *Strategy) LatestOptimalEquityFraction(tracker *PriceTracker, symbol models.Symbol) decimal.Decimal {
	if !s.enabled {
		return decimal.Zero
	}

	if s.kind == StrategyLogOptimal {
		return s.fractions[symbol]
	}

	if _, ok := s.experts[symbol]; !ok {
		return decimal.Zero
	}

	phi := decimal.Zero
	var target decimal.Decimal
	for sym, e := range s.experts {
		w := e.latestWeight(tracker, s.eta)
		phi = phi.Add(w)
		if sym == symbol {
			target = w
		}
	}
	if phi.Sign() <= 0 {
		return decimal.Zero
	}
	return target.Div(phi)
}

// rebuildBasket validates the fixed basket against symbol metadata and seeds
// one expert per member, weighted by historical performance. Missing metadata
// for any member fails the whole strategy.
func (s *Strategy) rebuildBasket(metadata map[models.Symbol]models.SymbolMetadata) error {
	experts := make(map[models.Symbol]*weightedExpert, len(s.basket))
	for _, symbol := range s.basket {
		meta, ok := metadata[symbol]
		if !ok {
			return fmt.Errorf("no symbol metadata found for basket member %s", symbol)
		}
		experts[symbol] = &weightedExpert{
			Symbol:     symbol,
			LastClose:  meta.LastClose,
			Weight:     meta.Performance,
			WeightBase: meta.Performance,
		}
	}
	s.experts = experts
	return nil
}

// rebuildTopN seeds experts from the top n symbols by performance. The
// metadata passed in is expected to be pre-filtered for volume and
// tradability.
func (s *Strategy) rebuildTopN(metadata map[models.Symbol]models.SymbolMetadata) {
	type scored struct {
		symbol models.Symbol
		meta   models.SymbolMetadata
	}

	ranked := make([]scored, 0, len(metadata))
	for symbol, meta := range metadata {
		ranked = append(ranked, scored{symbol: symbol, meta: meta})
	}
	sort.Slice(ranked, func(i, j int) bool {
		cmp := ranked[i].meta.Performance.Cmp(ranked[j].meta.Performance)
		if cmp != 0 {
			return cmp > 0
		}
		return ranked[i].symbol < ranked[j].symbol
	})

	if len(ranked) > s.n {
		ranked = ranked[:s.n]
	}

	experts := make(map[models.Symbol]*weightedExpert, len(ranked))
	for _, entry := range ranked {
		experts[entry.symbol] = &weightedExpert{
			Symbol:     entry.symbol,
			LastClose:  entry.meta.LastClose,
			Weight:     entry.meta.Performance,
			WeightBase: entry.meta.Performance,
		}
	}
	s.experts = experts
}

// rebuildRolling derives each symbol's weight as the product of MWU
// multipliers over the trailing lookback window and keeps the top n by
// weight. The weight base excludes the latest window day so the intraday
// multiplier replaces it instead of stacking on top.
func (s *Strategy) rebuildRolling(metadata map[models.Symbol]models.SymbolMetadata, history map[models.Symbol][]models.Bar) error {
	ranked := make([]*weightedExpert, 0, len(metadata))
	for symbol, meta := range metadata {
		bars, ok := history[symbol]
		if !ok {
			return fmt.Errorf("no local history for %s", symbol)
		}

		weight, weightBase := s.rollingWeight(bars)
		ranked = append(ranked, &weightedExpert{
			Symbol:     symbol,
			LastClose:  meta.LastClose,
			Weight:     weight,
			WeightBase: weightBase,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		cmp := ranked[i].Weight.Cmp(ranked[j].Weight)
		if cmp != 0 {
			return cmp > 0
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})
	if len(ranked) > s.n {
		ranked = ranked[:s.n]
	}

	experts := make(map[models.Symbol]*weightedExpert, len(ranked))
	for _, expert := range ranked {
		experts[expert.Symbol] = expert
	}
	s.experts = experts
	return nil
}

// rollingWeight folds the most recent lookback day-over-day returns into a
// weight, newest first. The base is the weight with the oldest window day
// left out: that day rolls out of the window next session, and the intraday
// return takes its place.
func (s *Strategy) rollingWeight(bars []models.Bar) (weight, weightBase decimal.Decimal) {
	weight = decimal.NewFromInt(1)
	weightBase = weight

	applied := 0
	for i := len(bars) - 1; i > 0 && applied < s.lookback; i-- {
		prev := bars[i-1].Close
		if prev.Sign() <= 0 {
			continue
		}
		r := bars[i].Close.Div(prev)
		weightBase = weight
		weight = weight.Mul(mwu.Multiplier(mwu.Return(r), s.eta))
		applied++
	}

	// With an incomplete window no day is old enough to roll out, so the
	// base equals the full weight.
	if len(bars) <= s.lookback {
		return weight, weight
	}
	return weight, weightBase
}

// setBalancedFractions installs the log-optimal strategy's target fractions.
// Kelly fractions are not simplex-bound, so they are scaled down if the total
// exceeds full deployment.
func (s *Strategy) setBalancedFractions(fractions map[models.Symbol]decimal.Decimal) {
	total := decimal.Zero
	for _, f := range fractions {
		total = total.Add(f)
	}

	one := decimal.NewFromInt(1)
	if total.Cmp(one) > 0 {
		scaled := make(map[models.Symbol]decimal.Decimal, len(fractions))
		for symbol, f := range fractions {
			scaled[symbol] = f.Div(total)
		}
		fractions = scaled
	}

	s.fractions = fractions
}

func sortSymbols(symbols []models.Symbol) {
	sort.Slice(symbols, func(i, j int) bool {
		return symbols[i] < symbols[j]
	})
}
