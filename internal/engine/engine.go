package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"alpaca-trader/internal/broker"
	"alpaca-trader/internal/config"
	"alpaca-trader/internal/history"
	"alpaca-trader/internal/models"
	"alpaca-trader/pkg/utils"
)

const (
	// avgSpanFallback stands in when a symbol has no stored span.
	avgSpanFallback = 0.02
	// triggerSpanFactor scales a symbol's average daily span down to the
	// intraday move treated as a trigger.
	triggerSpanFactor = 0.225
	// triggerQuietTime is how long a watermark must stand before a move away
	// from it counts as a trigger.
	triggerQuietTime = 5 * time.Minute
	// historyUpdateAttempts bounds pre-open history update retries.
	historyUpdateAttempts = 3
	// rollingHistoryPadding is extra days fetched beyond the rolling lookback
	// so weight bases have bars to settle on.
	rollingHistoryPadding = 3

	engineMetadataFile   = "engine-metadata.json"
	positionMetadataFile = "position-metadata.json"
	dumpFile             = "engine.json"
)

// StreamController is the market-data stream surface the engine drives.
// Requests are asynchronous; the stream reconciles toward the requested state.
type StreamController interface {
	Open()
	SubscribeBars(symbols []models.Symbol)
	Close()
}

// engineMetadata is the persisted engine state, written as one JSON file with
// whole-file overwrite.
type engineMetadata struct {
	Portfolio  PortfolioManagerMetadata `json:"portfolio"`
	Tax        *TaxTracker              `json:"tax"`
	AccountHwm decimal.Decimal          `json:"account_hwm"`
}

// Engine is the single consumer of the event channel. All mutable trading
// state is owned by the goroutine running Run; producers only send events.
type Engine struct {
	cfg     *config.Config
	logger  zerolog.Logger
	broker  broker.Broker
	history history.LocalHistory
	stream  StreamController

	metadataPath string

	tracker   *PriceTracker
	orders    *OrderManager
	portfolio *PortfolioManager
	entry     *EntryStrategy
	positions *PositionManager
	tax       *TaxTracker

	spanCache     map[models.Symbol]float64
	lastAccount   models.Account
	lastPositions map[models.Symbol]models.Position

	shouldBuy bool
	// inSafetyMode is set when a session-critical step fails; clock and
	// stream events are ignored until restart, commands still work.
	inSafetyMode bool
	// liquidated latches once the drawdown limit trips; it never resets
	// within a process lifetime.
	liquidated bool
	accountHwm decimal.Decimal
}

// New constructs the engine, restoring persisted metadata from dataDir.
func New(
	cfg *config.Config,
	b broker.Broker,
	hist history.LocalHistory,
	stream StreamController,
	dataDir string,
	logger zerolog.Logger,
) (*Engine, error) {
	metadataPath := filepath.Join(dataDir, engineMetadataFile)
	meta := engineMetadata{Tax: NewTaxTracker()}
	data, err := os.ReadFile(metadataPath)
	if err == nil {
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", metadataPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading engine metadata: %w", err)
	}
	if meta.Tax == nil {
		meta.Tax = NewTaxTracker()
	}

	portfolio, err := NewPortfolioManager(cfg, meta.Portfolio, logger)
	if err != nil {
		return nil, err
	}

	positions, err := LoadPositionManager(filepath.Join(dataDir, positionMetadataFile), logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:           cfg,
		logger:        logger.With().Str("component", "engine").Logger(),
		broker:        b,
		history:       hist,
		stream:        stream,
		metadataPath:  metadataPath,
		tracker:       NewPriceTracker(),
		orders:        NewOrderManager(b, logger),
		portfolio:     portfolio,
		entry:         NewEntryStrategy(logger),
		positions:     positions,
		tax:           meta.Tax,
		spanCache:     make(map[models.Symbol]float64),
		lastPositions: make(map[models.Symbol]models.Position),
		shouldBuy:     true,
		accountHwm:    meta.AccountHwm,
	}, nil
}

// Run drains the event channel until a stop command or context cancellation.
// Metadata is saved on every exit path.
func (e *Engine) Run(ctx context.Context, events <-chan Event) error {
	defer e.saveMetadata()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case ClockEvent:
				if ev.Kind == ClockPanic {
					// Scheduling is lost. Stop trading on the session but
					// keep the loop alive for commands and liquidation.
					e.logger.Error().Msg("market clock unavailable, entering safety mode")
					e.inSafetyMode = true
					e.stream.Close()
					e.saveMetadata()
					continue
				}
				if e.inSafetyMode {
					continue
				}
				e.handleClock(ctx, ev)
			case StreamEvent:
				if e.inSafetyMode {
					continue
				}
				e.handleStream(ctx, ev)
			case Command:
				if ev.Kind == CmdStop {
					e.logger.Info().Msg("stop requested")
					return nil
				}
				e.handleCommand(ctx, ev)
			}
		}
	}
}

func (e *Engine) handleClock(ctx context.Context, ev ClockEvent) {
	switch ev.Kind {
	case ClockPreOpen:
		if err := e.onPreOpen(ctx); err != nil {
			e.logger.Error().Err(err).Msg("pre-open failed, entering safety mode")
			e.inSafetyMode = true
		}
	case ClockOpen:
		if err := e.onOpen(ctx); err != nil {
			e.logger.Error().Err(err).Msg("open failed, entering safety mode")
			e.inSafetyMode = true
		}
	case ClockTick:
		e.onTick(ctx, ev)
	case ClockClose:
		e.onClose(ctx)
	}
}

func (e *Engine) onPreOpen(ctx context.Context) error {
	e.logger.Info().Msg("running pre-open")

	retryCfg := utils.DefaultRetryConfig()
	retryCfg.MaxAttempts = historyUpdateAttempts
	err := utils.Retry(ctx, retryCfg, func() error {
		updateErr := e.history.UpdateHistoryToPresent(ctx, e.broker, 0)
		if updateErr == nil {
			return nil
		}
		e.logger.Warn().Err(updateErr).Msg("history update failed")
		if refreshErr := e.history.RefreshConnection(); refreshErr != nil {
			e.logger.Warn().Err(refreshErr).Msg("history connection refresh failed")
		}
		return updateErr
	})
	if err != nil {
		return fmt.Errorf("updating history: %w", err)
	}

	// Spans move day to day; yesterday's cache is stale.
	e.spanCache = make(map[models.Symbol]float64)

	if err := e.updateAccount(ctx); err != nil {
		return err
	}
	if err := e.updatePositions(ctx); err != nil {
		return err
	}

	recent, err := e.history.GetMarketHistory(ctx, history.DaysBeforeNow(3))
	if err != nil {
		return fmt.Errorf("fetching recent history: %w", err)
	}
	e.portfolio.UpdateWeights(recent)

	metadata, err := e.history.GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("fetching metadata: %w", err)
	}

	blacklist, err := e.fetchBlacklist(ctx)
	if err != nil {
		return err
	}

	lookback := e.cfg.Strategies.Rolling.Lookback + rollingHistoryPadding
	rollingHistory, err := e.history.GetMarketHistory(ctx, history.DaysBeforeNow(lookback))
	if err != nil {
		return fmt.Errorf("fetching rolling history: %w", err)
	}

	rankable := make(map[models.Symbol][]models.Bar, len(rollingHistory))
	for symbol, bars := range rollingHistory {
		if _, banned := blacklist[symbol]; banned {
			continue
		}
		rankable[symbol] = bars
	}
	candidates, err := rankSymbols(ctx, rankable, e.cfg.Trading.MinimumMedianVolume)
	if err != nil {
		return fmt.Errorf("ranking symbols: %w", err)
	}

	returns := make(map[models.Symbol][]float64, len(candidates))
	for _, candidate := range candidates {
		returns[candidate.Symbol] = candidate.Returns
	}
	for symbol := range e.lastPositions {
		if _, ok := returns[symbol]; ok {
			continue
		}
		if rs := closeReturns(rollingHistory[symbol]); len(rs) > 0 {
			returns[symbol] = rs
		}
	}

	if err := e.portfolio.Rebuild(metadata, blacklist, rollingHistory, e.lastPositions, candidates, returns); err != nil {
		return err
	}

	if err := e.positions.Rebuild(e.lastPositions, rollingHistory); err != nil {
		return err
	}
	if err := e.positions.Save(); err != nil {
		e.logger.Warn().Err(err).Msg("saving position metadata failed")
	}
	e.saveMetadata()

	e.logger.Info().Msg("pre-open complete")
	return nil
}

// fetchBlacklist collects symbols the brokerage will not trade fractionally.
func (e *Engine) fetchBlacklist(ctx context.Context) (map[models.Symbol]struct{}, error) {
	assets, err := e.broker.USEquities(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching assets: %w", err)
	}
	blacklist := make(map[models.Symbol]struct{})
	for _, asset := range assets {
		if !asset.Tradable || !asset.Fractionable {
			blacklist[asset.Symbol] = struct{}{}
		}
	}
	return blacklist, nil
}

func (e *Engine) onOpen(ctx context.Context) error {
	e.logger.Info().Msg("market open")

	if err := e.updateAccount(ctx); err != nil {
		return err
	}
	if err := e.updatePositions(ctx); err != nil {
		return err
	}

	candidates := e.portfolio.Candidates()
	e.entry.OnOpen(candidates)

	watched := make(map[models.Symbol]struct{}, len(candidates)+len(e.lastPositions))
	for _, symbol := range candidates {
		watched[symbol] = struct{}{}
	}
	for symbol := range e.lastPositions {
		watched[symbol] = struct{}{}
	}
	symbols := make([]models.Symbol, 0, len(watched))
	for symbol := range watched {
		symbols = append(symbols, symbol)
	}
	sortSymbols(symbols)

	e.stream.Open()
	e.stream.SubscribeBars(symbols)
	return nil
}

func (e *Engine) onTick(ctx context.Context, ev ClockEvent) {
	if err := e.updateAccount(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("account update failed")
		return
	}
	e.checkDrawdown(ctx)

	if err := e.orders.OnTick(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("order poll failed")
	}

	if err := e.updatePositions(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("position update failed")
		return
	}
	e.positionsOnTick(ctx)

	if e.shouldBuy {
		err := e.entry.OnTick(
			ctx, e.tracker, e.portfolio, e.orders,
			e.lastAccount, e.lastPositions, e.cfg.Trading.MaxPositionCount,
		)
		if err != nil {
			e.logger.Warn().Err(err).Msg("entry flush failed")
		}
	}
}

// checkDrawdown tracks the account high-water mark and liquidates everything
// once equity falls below the configured fraction of it. The latch is
// one-way.
func (e *Engine) checkDrawdown(ctx context.Context) {
	equity := e.lastAccount.Equity
	if equity.Cmp(e.accountHwm) > 0 {
		e.accountHwm = equity
	}

	limit := e.cfg.Trading.HwmDrawdownLimit
	if limit <= 0 || e.liquidated || e.accountHwm.Sign() <= 0 {
		return
	}
	floor := e.accountHwm.Mul(decimal.NewFromFloat(limit))
	if equity.Cmp(floor) >= 0 {
		return
	}

	e.logger.Error().
		Str("equity", equity.StringFixed(2)).
		Str("hwm", e.accountHwm.StringFixed(2)).
		Msg("drawdown limit breached, liquidating account")
	e.liquidated = true
	e.shouldBuy = false
	e.liquidateAll(ctx)
}

func (e *Engine) liquidateAll(ctx context.Context) {
	for symbol := range e.lastPositions {
		if err := e.orders.Liquidate(ctx, symbol); err != nil {
			e.logger.Error().Err(err).Stringer("symbol", symbol).Msg("liquidation failed")
		}
	}
}

// positionsOnTick closes out stale positions: once a position has been held
// past the horizon without meeting the compounded baseline return, it is no
// longer earning its slot.
func (e *Engine) positionsOnTick(ctx context.Context) {
	e.positions.Retain(e.lastPositions)

	baseline := decimal.NewFromFloat(1 + e.cfg.Trading.BaselineReturn)
	one := decimal.NewFromInt(1)
	for symbol, position := range e.lastPositions {
		meta, ok := e.positions.Metadata(symbol)
		if !ok || meta.HoldTime <= e.cfg.Trading.MaxHoldTime {
			continue
		}
		if !e.orders.TradeStatus(symbol).IsSellDaytradeSafe() {
			continue
		}
		target := baseline.Pow(decimal.NewFromInt(int64(meta.HoldTime))).Sub(one)
		if position.UnrealizedPLPC.Cmp(target) >= 0 {
			continue
		}
		e.logger.Info().
			Stringer("symbol", symbol).
			Uint32("hold_time", meta.HoldTime).
			Str("plpc", position.UnrealizedPLPC.String()).
			Msg("closing stale position")
		if err := e.orders.Liquidate(ctx, symbol); err != nil {
			e.logger.Error().Err(err).Stringer("symbol", symbol).Msg("liquidation failed")
		}
	}
}

func (e *Engine) onClose(ctx context.Context) {
	e.logger.Info().Msg("market close")
	e.stream.Close()
	e.orders.Clear()
	e.tracker.Clear()

	if err := e.updateAccount(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("account update failed")
	} else {
		e.portfolio.OnClose(e.lastAccount)
	}
	e.saveMetadata()
}

func (e *Engine) handleStream(ctx context.Context, ev StreamEvent) {
	avgSpan := e.getAvgSpan(ctx, ev.Symbol)
	info, ok := e.tracker.RecordPrice(ev.Symbol, avgSpan, ev.Bar)
	if !ok {
		return
	}

	threshold := avgSpan * triggerSpanFactor
	sell := info.TimeSinceHwm >= triggerQuietTime &&
		info.HwmLoss <= -threshold && info.HwmLoss > -2*threshold
	buy := info.TimeSinceLwm >= triggerQuietTime &&
		info.LwmGain > threshold && info.LwmGain < 2*threshold

	if sell && buy {
		// Both watermarks signal at once; trust the more recent extreme.
		// A tie goes to the sell side.
		if info.TimeSinceHwm <= info.TimeSinceLwm {
			buy = false
		} else {
			sell = false
		}
	}

	switch {
	case sell:
		e.entry.RecordSellTrigger(ev.Symbol)
		e.sellTrigger(ctx, ev.Symbol)
	case buy:
		e.entry.RecordBuyTrigger(ev.Symbol)
		e.buyTrigger(ctx, ev.Symbol)
	}
}

// sellTrigger trims or exits a held position on a weakness signal.
func (e *Engine) sellTrigger(ctx context.Context, symbol models.Symbol) {
	position, held := e.lastPositions[symbol]
	if !held {
		return
	}
	if !e.orders.TradeStatus(symbol).IsSellDaytradeSafe() {
		return
	}

	if position.UnrealizedPLPC.Sign() > 0 {
		e.logger.Info().
			Stringer("symbol", symbol).
			Str("plpc", position.UnrealizedPLPC.String()).
			Msg("sell trigger, taking profit")
		if err := e.orders.Liquidate(ctx, symbol); err != nil {
			e.logger.Error().Err(err).Stringer("symbol", symbol).Msg("liquidation failed")
		}
		return
	}

	meta, ok := e.positions.Metadata(symbol)
	if !ok {
		return
	}
	additional := computeAdditionalShares(meta, position, e.portfolio.AvailableCash(e.lastAccount))
	if additional.Sign() >= 0 {
		return
	}
	qty := additional.Abs()
	e.logger.Info().
		Stringer("symbol", symbol).
		Str("qty", qty.String()).
		Msg("sell trigger, trimming position")
	if err := e.orders.SellShares(ctx, symbol, qty); err != nil {
		e.logger.Error().Err(err).Stringer("symbol", symbol).Msg("partial sell failed")
	}
}

// buyTrigger averages into a held position on a strength signal. Available
// cash is split across held positions in proportion to their probability of
// realizing the expected gain; the triggering symbol buys from its share.
func (e *Engine) buyTrigger(ctx context.Context, symbol models.Symbol) {
	if !e.shouldBuy {
		return
	}
	if _, held := e.lastPositions[symbol]; !held {
		return
	}
	if !e.orders.TradeStatus(symbol).IsBuyDaytradeSafe() {
		return
	}

	e.positions.Retain(e.lastPositions)

	type allocation struct {
		symbol  models.Symbol
		eprProb decimal.Decimal
	}
	var (
		allocations []allocation
		total       decimal.Decimal
	)
	for held := range e.lastPositions {
		meta, ok := e.positions.Metadata(held)
		if !ok {
			continue
		}
		allocations = append(allocations, allocation{symbol: held, eprProb: meta.EprProb})
		total = total.Add(meta.EprProb)
	}
	if total.Sign() <= 0 {
		return
	}
	sort.Slice(allocations, func(i, j int) bool {
		if c := allocations[i].eprProb.Cmp(allocations[j].eprProb); c != 0 {
			return c > 0
		}
		return allocations[i].symbol < allocations[j].symbol
	})

	available := e.portfolio.AvailableCash(e.lastAccount)
	remaining := available
	minimumTrade := e.portfolio.MinimumTrade(e.lastAccount)

	for _, alloc := range allocations {
		position := e.lastPositions[alloc.symbol]
		meta, _ := e.positions.Metadata(alloc.symbol)

		allotted := available.Mul(alloc.eprProb).Div(total)
		shares := computeAdditionalShares(meta, position, allotted)
		if shares.Sign() <= 0 {
			if alloc.symbol == symbol {
				return
			}
			continue
		}

		cost := decimal.Min(shares.Mul(position.CurrentPrice), allotted)
		cost = decimal.Min(cost, remaining)

		if alloc.symbol == symbol {
			if cost.Cmp(minimumTrade) < 0 {
				return
			}
			e.logger.Info().
				Stringer("symbol", symbol).
				Str("notional", cost.StringFixed(2)).
				Msg("buy trigger, averaging in")
			if err := e.orders.Buy(ctx, symbol, cost); err != nil {
				e.logger.Error().Err(err).Stringer("symbol", symbol).Msg("buy failed")
			}
			return
		}
		remaining = remaining.Sub(cost)
	}
}

func (e *Engine) getAvgSpan(ctx context.Context, symbol models.Symbol) float64 {
	if span, ok := e.spanCache[symbol]; ok {
		return span
	}

	span, err := e.history.GetSymbolAvgSpan(ctx, symbol)
	if err != nil || span <= 0 || math.IsNaN(span) {
		if err != nil {
			e.logger.Warn().Err(err).Stringer("symbol", symbol).Msg("no stored span, using fallback")
		}
		span = avgSpanFallback
	}
	e.spanCache[symbol] = span
	return span
}

func (e *Engine) updateAccount(ctx context.Context) error {
	account, err := e.broker.Account(ctx)
	if err != nil {
		return fmt.Errorf("fetching account: %w", err)
	}
	if account.Status != models.AccountActive {
		return fmt.Errorf("account status is %s, not %s", account.Status, models.AccountActive)
	}
	e.lastAccount = account
	return nil
}

func (e *Engine) updatePositions(ctx context.Context) error {
	positions, err := e.broker.PositionMap(ctx)
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}
	e.lastPositions = positions
	return nil
}

func (e *Engine) saveMetadata() {
	meta := engineMetadata{
		Portfolio:  e.portfolio.IntoMetadata(),
		Tax:        e.tax,
		AccountHwm: e.accountHwm,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		e.logger.Error().Err(err).Msg("serializing engine metadata failed")
		return
	}
	if err := os.WriteFile(e.metadataPath, data, 0o644); err != nil {
		e.logger.Error().Err(err).Msg("writing engine metadata failed")
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdBuyToggle:
		e.shouldBuy = cmd.Allow
		if e.liquidated && cmd.Allow {
			e.logger.Warn().Msg("buying re-enabled after drawdown liquidation")
		}
		e.logger.Info().Bool("allow", cmd.Allow).Msg("buy toggle")

	case CmdCurrentTrackedSymbols:
		symbols := e.tracker.TrackedSymbols()
		e.logger.Info().Int("count", len(symbols)).
			Str("symbols", joinSymbols(symbols)).
			Msg("tracked symbols")

	case CmdDump:
		e.dump()

	case CmdLiquidate:
		e.logger.Info().Msg("liquidating all positions on request")
		e.shouldBuy = false
		e.liquidateAll(ctx)

	case CmdPortfolioStrategy:
		e.handleStrategyCommand(ctx, cmd)

	case CmdPriceInfo:
		info, ok := e.tracker.PriceInfo(cmd.Symbol)
		if !ok {
			e.logger.Info().Stringer("symbol", cmd.Symbol).Msg("no price info recorded")
			return
		}
		e.logger.Info().
			Stringer("symbol", cmd.Symbol).
			Str("latest", info.LatestPrice.String()).
			Float64("smoothed", info.NonVolatilePrice).
			Float64("hwm_loss", info.HwmLoss).
			Dur("since_hwm", info.TimeSinceHwm).
			Float64("lwm_gain", info.LwmGain).
			Dur("since_lwm", info.TimeSinceLwm).
			Msg("price info")

	case CmdRunPreOpen:
		if err := e.onPreOpen(ctx); err != nil {
			e.logger.Error().Err(err).Msg("pre-open failed")
		}

	case CmdRepairRecords:
		symbols := cmd.Symbols
		go func() {
			if err := e.history.RepairRecords(ctx, e.broker, symbols); err != nil {
				e.logger.Error().Err(err).Msg("record repair failed")
				return
			}
			e.logger.Info().Str("symbols", joinSymbols(symbols)).Msg("record repair complete")
		}()

	case CmdStatus:
		e.logStatus()

	case CmdTaxUpdate:
		if err := e.tax.Ingest(ctx, e.broker, e.logger); err != nil {
			e.logger.Error().Err(err).Msg("tax ingestion failed")
			return
		}
		e.saveMetadata()
		e.logger.Info().Msg("tax records updated")

	case CmdTaxEvaluate:
		capital, err := e.tax.Report(cmd.Year)
		if err != nil {
			e.logger.Error().Err(err).Int("year", cmd.Year).Msg("tax report failed")
			return
		}
		e.logger.Info().
			Int("year", cmd.Year).
			Str("short_term_gains", capital.ShortTermGains.StringFixed(2)).
			Str("short_term_losses", capital.ShortTermLosses.StringFixed(2)).
			Str("long_term_gains", capital.LongTermGains.StringFixed(2)).
			Str("long_term_losses", capital.LongTermLosses.StringFixed(2)).
			Msg("capital gains report")

	case CmdUpdateHistory:
		maxUpdates := cmd.MaxUpdates
		go func() {
			if err := e.history.UpdateHistoryToPresent(ctx, e.broker, maxUpdates); err != nil {
				e.logger.Error().Err(err).Msg("history update failed")
				return
			}
			e.logger.Info().Msg("history update complete")
		}()

	case CmdUntrackedSymbols:
		e.logUntrackedSymbols(ctx)
	}
}

func (e *Engine) handleStrategyCommand(ctx context.Context, cmd Command) {
	switch cmd.Action {
	case StrategyList:
		var b strings.Builder
		for _, strategy := range e.portfolio.Strategies() {
			state := "enabled"
			if !strategy.Enabled() {
				state = "disabled"
			}
			fmt.Fprintf(&b, "%s: %s, %d candidates\n",
				strategy.Key(), state, len(strategy.Candidates()))
		}
		e.logger.Info().Msg(b.String())

	case StrategyEnable, StrategyDisable:
		strategy := e.portfolio.StrategyByKey(cmd.Key)
		if strategy == nil {
			e.logger.Error().Str("key", cmd.Key).Msg("unknown strategy")
			return
		}
		strategy.SetEnabled(cmd.Action == StrategyEnable)
		e.logger.Info().Str("key", cmd.Key).Bool("enabled", strategy.Enabled()).Msg("strategy toggled")

	case StrategyLiquidate:
		strategy := e.portfolio.StrategyByKey(cmd.Key)
		if strategy == nil {
			e.logger.Error().Str("key", cmd.Key).Msg("unknown strategy")
			return
		}
		candidates := strategy.Candidates()
		strategy.SetEnabled(false)
		for _, symbol := range candidates {
			if _, held := e.lastPositions[symbol]; !held {
				continue
			}
			if !e.orders.TradeStatus(symbol).IsSellDaytradeSafe() {
				e.logger.Warn().Stringer("symbol", symbol).Msg("skipping liquidation, not daytrade safe")
				continue
			}
			if err := e.orders.Liquidate(ctx, symbol); err != nil {
				e.logger.Error().Err(err).Stringer("symbol", symbol).Msg("liquidation failed")
			}
		}
		e.logger.Info().Str("key", cmd.Key).Msg("strategy liquidated and disabled")
	}
}

// dump writes a full state snapshot to a JSON file for offline inspection,
// falling back to the log when the file cannot be written.
func (e *Engine) dump() {
	snapshot := struct {
		ShouldBuy    bool                              `json:"should_buy"`
		InSafetyMode bool                              `json:"in_safety_mode"`
		Liquidated   bool                              `json:"liquidated"`
		AccountHwm   decimal.Decimal                   `json:"account_hwm"`
		Account      models.Account                    `json:"account"`
		Positions    map[models.Symbol]models.Position `json:"positions"`
		Portfolio    PortfolioManagerMetadata          `json:"portfolio"`
		Tracked      []models.Symbol                   `json:"tracked_symbols"`
	}{
		ShouldBuy:    e.shouldBuy,
		InSafetyMode: e.inSafetyMode,
		Liquidated:   e.liquidated,
		AccountHwm:   e.accountHwm,
		Account:      e.lastAccount,
		Positions:    e.lastPositions,
		Portfolio:    e.portfolio.IntoMetadata(),
		Tracked:      e.tracker.TrackedSymbols(),
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		e.logger.Error().Err(err).Msg("serializing dump failed")
		return
	}
	if err := os.WriteFile(dumpFile, data, 0o644); err != nil {
		e.logger.Error().Err(err).Msg("writing dump failed, logging instead")
		e.logger.Info().RawJSON("state", data).Msg("engine state")
		return
	}
	e.logger.Info().Str("path", dumpFile).Msg("engine state dumped")
}

func (e *Engine) logStatus() {
	var b strings.Builder
	fmt.Fprintf(&b, "equity %s, cash %s, buying %t",
		e.lastAccount.Equity.StringFixed(2),
		e.lastAccount.Cash.StringFixed(2),
		e.shouldBuy)
	if e.inSafetyMode {
		b.WriteString(", SAFETY MODE")
	}
	b.WriteString("\n")

	symbols := make([]models.Symbol, 0, len(e.lastPositions))
	for symbol := range e.lastPositions {
		symbols = append(symbols, symbol)
	}
	sortSymbols(symbols)
	for _, symbol := range symbols {
		position := e.lastPositions[symbol]
		fmt.Fprintf(&b, "%-6s qty %s, value %s, plpc %s\n",
			symbol,
			position.Qty.String(),
			position.MarketValue.StringFixed(2),
			position.UnrealizedPLPC.StringFixed(4))
	}
	e.logger.Info().Msg(b.String())
}

// logUntrackedSymbols ranks the stored universe and reports candidates the
// portfolio is not currently tracking.
func (e *Engine) logUntrackedSymbols(ctx context.Context) {
	bars, err := e.history.GetMarketHistory(ctx, history.DaysBeforeNow(42))
	if err != nil {
		e.logger.Error().Err(err).Msg("fetching history failed")
		return
	}
	candidates, err := rankSymbols(ctx, bars, e.cfg.Trading.MinimumMedianVolume)
	if err != nil {
		e.logger.Error().Err(err).Msg("ranking symbols failed")
		return
	}

	tracked := make(map[models.Symbol]struct{})
	for _, symbol := range e.portfolio.Candidates() {
		tracked[symbol] = struct{}{}
	}
	for symbol := range e.lastPositions {
		tracked[symbol] = struct{}{}
	}

	var untracked []models.Symbol
	for _, candidate := range candidates {
		if _, ok := tracked[candidate.Symbol]; ok {
			continue
		}
		untracked = append(untracked, candidate.Symbol)
		if len(untracked) >= 10 {
			break
		}
	}
	e.logger.Info().
		Int("count", len(untracked)).
		Str("symbols", joinSymbols(untracked)).
		Msg("top untracked candidates")
}

// closeReturns computes arithmetic close-to-close returns as floats.
func closeReturns(bars []models.Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := utils.DecimalToFloat(bars[i-1].Close)
		if prev == 0 {
			continue
		}
		returns = append(returns, (utils.DecimalToFloat(bars[i].Close)-prev)/prev)
	}
	return returns
}

func joinSymbols(symbols []models.Symbol) string {
	parts := make([]string, len(symbols))
	for i, symbol := range symbols {
		parts[i] = string(symbol)
	}
	return strings.Join(parts, ",")
}
