package engine

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"alpaca-trader/internal/config"
	"alpaca-trader/internal/models"
	"alpaca-trader/internal/mwu"
)

// managerEta is the learning rate for the per-strategy weights. Strategy
// weights move slowly relative to the per-symbol expert weights inside each
// strategy.
const managerEta = 0.5

// PortfolioManager composes the closed strategy set into one allocation: it
// maintains a learned weight per strategy, records each strategy's fraction
// split at pre-open, and derives per-symbol target equity from the weighted
// ensemble.
type PortfolioManager struct {
	cfg        *config.Config
	logger     zerolog.Logger
	strategies []*Strategy
	// weights is parallel to strategies.
	weights []decimal.Decimal
	// initialFractions maps each candidate symbol to its per-strategy
	// fraction split captured at pre-open, used the next pre-open to compute
	// realized strategy returns.
	initialFractions  map[models.Symbol][]decimal.Decimal
	lastEquityAtClose decimal.Decimal
}

// PortfolioManagerMetadata is the persisted portfolio manager state.
type PortfolioManagerMetadata struct {
	Weights           map[string]decimal.Decimal                  `json:"weights"`
	InitialFractions  map[models.Symbol]map[string]decimal.Decimal `json:"initial_fractions"`
	LastEquityAtClose decimal.Decimal                             `json:"last_equity_at_close"`
	Disabled          []string                                    `json:"disabled,omitempty"`
}

// NewPortfolioManager builds the strategy set from config and restores
// persisted state. A fraction split referencing an unknown strategy key is an
// initialization error.
func NewPortfolioManager(cfg *config.Config, meta PortfolioManagerMetadata, logger zerolog.Logger) (*PortfolioManager, error) {
	eta := cfg.Trading.EtaDecimal()

	var strategies []*Strategy
	if len(cfg.Strategies.Basket.Symbols) > 0 {
		basket := newStrategy(StrategyBasket, KeyBasket, eta)
		for _, raw := range cfg.Strategies.Basket.Symbols {
			basket.basket = append(basket.basket, models.NewSymbol(raw))
		}
		strategies = append(strategies, basket)
	}

	topN := newStrategy(StrategyTopN, KeyTopN, eta)
	topN.n = cfg.Strategies.TopN.N
	strategies = append(strategies, topN)

	rolling := newStrategy(StrategyRolling, KeyRolling, decimal.NewFromFloat(cfg.Strategies.Rolling.Eta))
	rolling.n = cfg.Strategies.Rolling.N
	rolling.lookback = cfg.Strategies.Rolling.Lookback
	strategies = append(strategies, rolling)

	strategies = append(strategies, newStrategy(StrategyLogOptimal, KeyLogOptimal, eta))

	pm := &PortfolioManager{
		cfg:               cfg,
		logger:            logger.With().Str("component", "portfolio").Logger(),
		strategies:        strategies,
		weights:           make([]decimal.Decimal, len(strategies)),
		initialFractions:  make(map[models.Symbol][]decimal.Decimal),
		lastEquityAtClose: meta.LastEquityAtClose,
	}

	one := decimal.NewFromInt(1)
	for i, strategy := range strategies {
		pm.weights[i] = one
		if w, ok := meta.Weights[strategy.key]; ok {
			pm.weights[i] = w
		}
	}

	for _, key := range meta.Disabled {
		if strategy := pm.StrategyByKey(key); strategy != nil {
			strategy.SetEnabled(false)
		}
	}

	for symbol, split := range meta.InitialFractions {
		fractions := make([]decimal.Decimal, len(strategies))
		for key, fraction := range split {
			index := pm.strategyIndex(key)
			if index < 0 {
				return nil, fmt.Errorf("unknown strategy key %q in persisted fraction split", key)
			}
			fractions[index] = fraction
		}
		pm.initialFractions[symbol] = fractions
	}

	return pm, nil
}

// IntoMetadata captures the manager's persistent state.
func (pm *PortfolioManager) IntoMetadata() PortfolioManagerMetadata {
	weights := make(map[string]decimal.Decimal, len(pm.strategies))
	var disabled []string
	for i, strategy := range pm.strategies {
		weights[strategy.key] = pm.weights[i]
		if !strategy.enabled {
			disabled = append(disabled, strategy.key)
		}
	}

	fractions := make(map[models.Symbol]map[string]decimal.Decimal, len(pm.initialFractions))
	for symbol, split := range pm.initialFractions {
		bySymbol := make(map[string]decimal.Decimal, len(split))
		for i, fraction := range split {
			bySymbol[pm.strategies[i].key] = fraction
		}
		fractions[symbol] = bySymbol
	}

	return PortfolioManagerMetadata{
		Weights:           weights,
		InitialFractions:  fractions,
		LastEquityAtClose: pm.lastEquityAtClose,
		Disabled:          disabled,
	}
}

// Strategies returns the strategy set in its fixed order.
func (pm *PortfolioManager) Strategies() []*Strategy {
	return pm.strategies
}

// StrategyByKey finds a strategy by its persistent key.
func (pm *PortfolioManager) StrategyByKey(key string) *Strategy {
	index := pm.strategyIndex(key)
	if index < 0 {
		return nil
	}
	return pm.strategies[index]
}

func (pm *PortfolioManager) strategyIndex(key string) int {
	for i, strategy := range pm.strategies {
		if strategy.key == key {
			return i
		}
	}
	return -1
}

// Candidates is the union of every enabled strategy's candidates.
func (pm *PortfolioManager) Candidates() []models.Symbol {
	seen := make(map[models.Symbol]struct{})
	for _, strategy := range pm.strategies {
		for _, symbol := range strategy.Candidates() {
			seen[symbol] = struct{}{}
		}
	}

	symbols := make([]models.Symbol, 0, len(seen))
	for symbol := range seen {
		symbols = append(symbols, symbol)
	}
	sortSymbols(symbols)
	return symbols
}

// OptimalEquity derives each symbol's target equity: the weighted ensemble
// fraction across strategies, zeroed below the minimum position fraction,
// applied to equity net of the withheld cash buffer.
func (pm *PortfolioManager) OptimalEquity(tracker *PriceTracker, account models.Account, symbols []models.Symbol) []decimal.Decimal {
	one := decimal.NewFromInt(1)
	phi := decimal.Zero
	for i := range pm.strategies {
		phi = phi.Add(pm.weights[i])
	}

	usableEquity := one.Sub(pm.cfg.Trading.MinimumCashFractionDecimal()).Mul(account.Equity)
	minimumFraction := pm.cfg.Trading.MinimumPositionEquityFractionDecimal()

	equities := make([]decimal.Decimal, len(symbols))
	for j, symbol := range symbols {
		fraction := decimal.Zero
		for i, strategy := range pm.strategies {
			if phi.Sign() <= 0 {
				break
			}
			fraction = fraction.Add(
				pm.weights[i].Div(phi).Mul(strategy.LatestOptimalEquityFraction(tracker, symbol)),
			)
		}

		if fraction.Cmp(minimumFraction) < 0 {
			equities[j] = decimal.Zero
			continue
		}
		equities[j] = fraction.Mul(usableEquity)
	}

	return equities
}

// AvailableCash is the cash deployable right now, net of the withheld
// fraction of equity.
func (pm *PortfolioManager) AvailableCash(account models.Account) decimal.Decimal {
	reserved := pm.cfg.Trading.MinimumCashFractionDecimal().Mul(account.Equity)
	return decimal.Max(account.Cash.Sub(reserved), decimal.Zero)
}

// MinimumTrade is the smallest rebalancing trade worth submitting. The floor
// of $1.01 keeps notionals above the brokerage's one-dollar minimum after
// rounding.
func (pm *PortfolioManager) MinimumTrade(account models.Account) decimal.Decimal {
	return decimal.Max(
		account.Equity.Mul(pm.cfg.Trading.MinimumTradeEquityFractionDecimal()),
		decimal.NewFromFloat(1.01),
	)
}

// UpdateWeights computes each strategy's realized return from its previous
// fraction split and the last two closes, and folds it into the strategy
// weight.
func (pm *PortfolioManager) UpdateWeights(history map[models.Symbol][]models.Bar) {
	if len(pm.initialFractions) == 0 {
		return
	}

	one := decimal.NewFromInt(1)
	returns := make([]decimal.Decimal, len(pm.strategies))

	for symbol, split := range pm.initialFractions {
		bars := history[symbol]
		r := one
		if len(bars) >= 2 && bars[len(bars)-2].Close.Sign() > 0 {
			r = bars[len(bars)-1].Close.Div(bars[len(bars)-2].Close)
		} else {
			pm.logger.Warn().
				Stringer("symbol", symbol).
				Msg("insufficient history for symbol, assuming return of 1")
		}

		for i, fraction := range split {
			returns[i] = returns[i].Add(fraction.Mul(r))
		}
	}

	phi := decimal.Zero
	for i := range pm.weights {
		phi = phi.Add(pm.weights[i])
	}
	combined := decimal.Zero
	for i, strategy := range pm.strategies {
		pm.logger.Debug().
			Str("strategy", strategy.key).
			Str("return", returns[i].String()).
			Msg("strategy realized return")
		if phi.Sign() > 0 {
			combined = combined.Add(returns[i].Mul(pm.weights[i].Div(phi)))
		}
	}
	cashFraction := pm.cfg.Trading.MinimumCashFractionDecimal()
	expected := combined.Add(cashFraction).Sub(combined.Mul(cashFraction))
	pm.logger.Debug().Str("return", expected.String()).Msg("combined expected portfolio return")

	eta := decimal.NewFromFloat(managerEta)
	for i := range pm.weights {
		// A strategy that allocated nothing last session has no realized
		// return to learn from.
		if returns[i].Sign() == 0 {
			continue
		}
		pm.weights[i] = pm.weights[i].Mul(mwu.Multiplier(mwu.Return(returns[i]), eta))
	}
}

// RecordFractions snapshots every enabled strategy's fraction split for its
// candidates, to drive the next pre-open's weight update.
func (pm *PortfolioManager) RecordFractions() {
	fractions := make(map[models.Symbol][]decimal.Decimal)
	for i, strategy := range pm.strategies {
		for _, symbol := range strategy.Candidates() {
			split, ok := fractions[symbol]
			if !ok {
				split = make([]decimal.Decimal, len(pm.strategies))
				fractions[symbol] = split
			}
			split[i] = strategy.OptimalEquityFraction(symbol)
		}
	}
	pm.initialFractions = fractions
}

// Rebuild reconstructs every strategy's expert set for the coming session.
// metadata is unfiltered; volume and tradability filtering applies only to
// the open-universe strategies.
func (pm *PortfolioManager) Rebuild(
	metadata map[models.Symbol]models.SymbolMetadata,
	blacklist map[models.Symbol]struct{},
	rollingHistory map[models.Symbol][]models.Bar,
	positions map[models.Symbol]models.Position,
	candidates []Candidate,
	returns map[models.Symbol][]float64,
) error {
	filtered := make(map[models.Symbol]models.SymbolMetadata)
	for symbol, meta := range metadata {
		if meta.MedianVolume < pm.cfg.Trading.MinimumMedianVolume {
			continue
		}
		if _, banned := blacklist[symbol]; banned {
			continue
		}
		filtered[symbol] = meta
	}

	for _, strategy := range pm.strategies {
		switch strategy.kind {
		case StrategyBasket:
			if err := strategy.rebuildBasket(metadata); err != nil {
				return fmt.Errorf("rebuilding %s: %w", strategy.key, err)
			}
		case StrategyTopN:
			strategy.rebuildTopN(filtered)
		case StrategyRolling:
			rollingMeta := make(map[models.Symbol]models.SymbolMetadata)
			for symbol, meta := range filtered {
				if _, ok := rollingHistory[symbol]; ok {
					rollingMeta[symbol] = meta
				}
			}
			if err := strategy.rebuildRolling(rollingMeta, rollingHistory); err != nil {
				return fmt.Errorf("rebuilding %s: %w", strategy.key, err)
			}
		case StrategyLogOptimal:
			if err := pm.rebuildLogOptimal(strategy, positions, candidates, returns); err != nil {
				return fmt.Errorf("rebuilding %s: %w", strategy.key, err)
			}
		}
	}

	pm.RecordFractions()
	return nil
}

// rebuildLogOptimal balances held positions plus the top-ranked entry
// candidates, bounded by the position limit, under the configured loss model.
func (pm *PortfolioManager) rebuildLogOptimal(
	strategy *Strategy,
	positions map[models.Symbol]models.Position,
	candidates []Candidate,
	returns map[models.Symbol][]float64,
) error {
	var symbols []models.Symbol
	for symbol := range positions {
		if _, ok := returns[symbol]; ok {
			symbols = append(symbols, symbol)
		}
	}
	sortSymbols(symbols)

	for _, candidate := range candidates {
		if len(symbols) >= pm.cfg.Trading.MaxPositionCount {
			break
		}
		if _, held := positions[candidate.Symbol]; held {
			continue
		}
		symbols = append(symbols, candidate.Symbol)
	}

	fractions, converged, err := balancePortfolio(symbols, returns, pm.cfg.Trading.LossModel, pm.logger)
	if err != nil {
		return err
	}
	if !converged {
		pm.logger.Warn().Msg("portfolio balancer failed to converge, using best fractions found")
	}

	strategy.setBalancedFractions(fractions)
	return nil
}

// OnClose records the session's closing equity and logs the realized
// combined return.
func (pm *PortfolioManager) OnClose(account models.Account) {
	if pm.lastEquityAtClose.Sign() > 0 {
		pm.logger.Debug().
			Str("return", account.Equity.Div(pm.lastEquityAtClose).String()).
			Msg("combined actual portfolio return")
	}
	pm.lastEquityAtClose = account.Equity
}
