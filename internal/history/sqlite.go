package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"alpaca-trader/internal/models"
	"alpaca-trader/internal/mwu"
	"alpaca-trader/pkg/utils"
)

const (
	secondsPerDay = 24 * 60 * 60

	// Trailing window for the median volume and average span metadata.
	medianVolumePeriod = 28

	// Exponential smoothing factor for the average intraday span.
	spanSmoothing = 2.0 / 30.0

	repairLookbackDays = 5 * 365
)

// ErrEmptyHistory is returned when an operation requires at least one stored
// market day and the database has none.
var ErrEmptyHistory = errors.New("history database is empty")

// SqliteHistory is the SQLite-backed LocalHistory implementation. Bars are
// keyed by (symbol, pulldate) where pulldate is the day number since the Unix
// epoch. Queries hold a read lock; RefreshConnection requires the write lock
// and is skipped when it cannot be acquired immediately.
type SqliteHistory struct {
	mu     sync.RWMutex
	path   string
	db     *sql.DB
	eta    float64
	logger zerolog.Logger
}

var _ LocalHistory = (*SqliteHistory)(nil)

// NewSqliteHistory opens or creates the history database at path. eta is the
// learning rate used for the performance metadata multiplier.
func NewSqliteHistory(path string, eta float64, logger zerolog.Logger) (*SqliteHistory, error) {
	db, err := openHistoryDB(path)
	if err != nil {
		return nil, err
	}

	h := &SqliteHistory{
		path:   path,
		db:     db,
		eta:    eta,
		logger: logger.With().Str("component", "history").Logger(),
	}

	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return h, nil
}

func openHistoryDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func (h *SqliteHistory) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bars_daily (
		symbol TEXT NOT NULL,
		pulldate INTEGER NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		change_percent REAL NOT NULL,
		PRIMARY KEY (symbol, pulldate)
	);
	CREATE INDEX IF NOT EXISTS idx_bars_daily_pulldate ON bars_daily(pulldate);

	CREATE TABLE IF NOT EXISTS symbol_metadata (
		symbol TEXT PRIMARY KEY,
		avg_span REAL NOT NULL,
		median_volume INTEGER NOT NULL,
		performance REAL NOT NULL,
		last_close REAL NOT NULL
	);
	`
	_, err := h.db.Exec(schema)
	return err
}

func (h *SqliteHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db.Close()
}

// RefreshConnection reopens the database connection. If another task holds
// the store at this moment the refresh is skipped and logged, accepting a
// staleness window instead of blocking the event loop.
func (h *SqliteHistory) RefreshConnection() error {
	if !h.mu.TryLock() {
		h.logger.Warn().Msg("history store busy, skipping connection refresh")
		return nil
	}
	defer h.mu.Unlock()

	if err := h.db.Close(); err != nil {
		h.logger.Warn().Err(err).Msg("error closing history connection")
	}

	db, err := openHistoryDB(h.path)
	if err != nil {
		return err
	}
	h.db = db
	return nil
}

func (h *SqliteHistory) Symbols(ctx context.Context) ([]models.Symbol, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.symbolsLocked(ctx)
}

func (h *SqliteHistory) symbolsLocked(ctx context.Context) ([]models.Symbol, error) {
	rows, err := h.db.QueryContext(ctx, "SELECT DISTINCT symbol FROM bars_daily")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []models.Symbol
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		symbols = append(symbols, models.Symbol(raw))
	}
	return symbols, rows.Err()
}

func (h *SqliteHistory) maxPulldate(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := h.db.QueryRowContext(ctx, "SELECT MAX(pulldate) FROM bars_daily").Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, ErrEmptyHistory
	}
	return max.Int64, nil
}

type rawBar struct {
	open, high, low, close float64
	volume                 int64
}

func toRawBar(bar models.Bar) rawBar {
	return rawBar{
		open:   utils.DecimalToFloat(bar.Open),
		high:   utils.DecimalToFloat(bar.High),
		low:    utils.DecimalToFloat(bar.Low),
		close:  utils.DecimalToFloat(bar.Close),
		volume: bar.Volume,
	}
}

func (h *SqliteHistory) UpdateHistoryToPresent(ctx context.Context, src BarSource, maxUpdates int) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.logger.Info().Msg("fetching most recent market day from local history")
	lastDay, err := h.maxPulldate(ctx)
	if err != nil {
		return err
	}

	pastMarketDay := lastDay + 1
	today := time.Now().UTC().Unix() / secondsPerDay

	symbols, err := h.symbolsLocked(ctx)
	if err != nil {
		return err
	}

	h.logger.Info().Msg("fetching latest historical data")
	start := time.Unix(pastMarketDay*secondsPerDay, 0).UTC()
	fetched, err := src.History(ctx, symbols, start, nil)
	if err != nil {
		return err
	}

	// Regroup the per-symbol history by market day.
	byDay := make(map[int64]map[models.Symbol]rawBar)
	for symbol, bars := range fetched {
		for _, bar := range bars {
			day := bar.Time.UTC().Unix() / secondsPerDay
			dayBars, ok := byDay[day]
			if !ok {
				dayBars = make(map[models.Symbol]rawBar, len(fetched))
				byDay[day] = dayBars
			}
			if _, dup := dayBars[symbol]; dup {
				h.logger.Warn().Str("symbol", symbol.String()).Int64("day", day).Msg("got duplicate bar")
			}
			dayBars[symbol] = toRawBar(bar)
		}
	}

	numUpdates := 0
	for pastMarketDay < today {
		if dayBars, ok := byDay[pastMarketDay]; ok {
			if err := h.updateDay(ctx, src, dayBars, pastMarketDay); err != nil {
				return err
			}
		}
		pastMarketDay++
		numUpdates++
		if maxUpdates > 0 && numUpdates >= maxUpdates {
			break
		}
	}

	if numUpdates == 0 {
		h.logger.Info().Msg("already up to date")
	}
	return nil
}

func (h *SqliteHistory) updateDay(ctx context.Context, src BarSource, bars map[models.Symbol]rawBar, numericDate int64) error {
	symbols, err := h.symbolsLocked(ctx)
	if err != nil {
		return err
	}
	symbolSet := make(map[models.Symbol]struct{}, len(symbols))
	for _, symbol := range symbols {
		symbolSet[symbol] = struct{}{}
	}

	// A result far smaller than the local symbol universe means the market
	// was closed or the feed sent junk; either way there is not enough data
	// to advance the history.
	if len(bars) < len(symbolSet)/2 {
		return nil
	}

	lastMarketDay, err := h.maxPulldate(ctx)
	if err != nil {
		return err
	}
	if lastMarketDay >= numericDate {
		return nil
	}

	h.logger.Info().Int64("day", numericDate).Msg("updating database history")

	prevDay, err := h.dayRows(ctx, lastMarketDay)
	if err != nil {
		return err
	}

	volumeWindows, err := h.volumeWindows(ctx)
	if err != nil {
		return err
	}

	metadata, err := h.metadataRows(ctx)
	if err != nil {
		return err
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var repairList []models.Symbol

	for symbol := range symbolSet {
		bar, present := bars[symbol]
		prev, hasPrev := prevDay[symbol]
		if !hasPrev {
			h.logger.Error().Str("symbol", symbol.String()).Msg("missing previous day record")
			repairList = append(repairList, symbol)
			continue
		}

		var changePercent float64
		performanceMul := 1.0
		if present {
			if prev.close != 0 {
				changePercent = 100 * (bar.close - prev.close) / prev.close
			}
			performanceMul = mwu.FloatMultiplier(mwu.FloatChangePercent(changePercent), h.eta)
		} else {
			// No market data for this symbol today; carry yesterday's prices
			// forward with zero volume.
			h.logger.Warn().Str("symbol", symbol.String()).Msg("no market data found, interpolating from historical data")
			bar = rawBar{open: prev.open, high: prev.high, low: prev.low, close: prev.close, volume: 0}
		}

		_, err := tx.ExecContext(ctx,
			"INSERT INTO bars_daily (symbol,pulldate,open,high,low,close,volume,change_percent) VALUES (?,?,?,?,?,?,?,?)",
			symbol.String(), numericDate, bar.open, bar.high, bar.low, bar.close, bar.volume, changePercent,
		)
		if err != nil {
			h.logger.Error().Err(err).Str("symbol", symbol.String()).Msg("failed to insert day data")
			repairList = append(repairList, symbol)
			continue
		}

		meta, ok := metadata[symbol]
		if !ok {
			meta = rawMetadata{avgSpan: 0.1, medianVolume: 0, performance: 1.0, lastClose: 1.0}
		}

		span := 0.0
		if bar.low != 0 {
			span = (bar.high - bar.low) / bar.low
		}
		if span < 0 {
			span = -span
		}
		meta.avgSpan = span*spanSmoothing + meta.avgSpan*(1-spanSmoothing)
		meta.performance *= performanceMul
		meta.lastClose = bar.close

		volumes := append([]int64{bar.volume}, volumeWindows[symbol]...)
		if len(volumes) > medianVolumePeriod {
			volumes = volumes[:medianVolumePeriod]
		}
		sort.Slice(volumes, func(i, j int) bool { return volumes[i] < volumes[j] })
		meta.medianVolume = volumes[len(volumes)/2]

		_, err = tx.ExecContext(ctx,
			"INSERT INTO symbol_metadata (symbol,avg_span,median_volume,performance,last_close) VALUES (?,?,?,?,?) "+
				"ON CONFLICT(symbol) DO UPDATE SET avg_span=excluded.avg_span,median_volume=excluded.median_volume,"+
				"performance=excluded.performance,last_close=excluded.last_close",
			symbol.String(), meta.avgSpan, meta.medianVolume, meta.performance, meta.lastClose,
		)
		if err != nil {
			h.logger.Error().Err(err).Str("symbol", symbol.String()).Msg("failed to update metadata")
			repairList = append(repairList, symbol)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if len(repairList) > 0 {
		if err := h.repairRecordsLocked(ctx, src, repairList); err != nil {
			h.logger.Error().Err(err).Msg("failed to repair records")
		}
	}

	h.logger.Info().Msg("finished updating database history")
	return nil
}

func (h *SqliteHistory) dayRows(ctx context.Context, pulldate int64) (map[models.Symbol]rawBar, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT symbol,open,high,low,close,volume FROM bars_daily WHERE pulldate=?", pulldate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[models.Symbol]rawBar)
	for rows.Next() {
		var raw string
		var bar rawBar
		if err := rows.Scan(&raw, &bar.open, &bar.high, &bar.low, &bar.close, &bar.volume); err != nil {
			return nil, err
		}
		result[models.Symbol(raw)] = bar
	}
	return result, rows.Err()
}

// volumeWindows returns, per symbol, the most recent medianVolumePeriod-1
// daily volumes in descending date order.
func (h *SqliteHistory) volumeWindows(ctx context.Context) (map[models.Symbol][]int64, error) {
	threshold, err := h.nthRecentPulldate(ctx, medianVolumePeriod-1)
	if err != nil {
		return nil, err
	}

	rows, err := h.db.QueryContext(ctx,
		"SELECT symbol,volume FROM bars_daily WHERE pulldate >= ? ORDER BY pulldate DESC", threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[models.Symbol][]int64)
	for rows.Next() {
		var raw string
		var volume int64
		if err := rows.Scan(&raw, &volume); err != nil {
			return nil, err
		}
		symbol := models.Symbol(raw)
		result[symbol] = append(result[symbol], volume)
	}
	return result, rows.Err()
}

// nthRecentPulldate returns the n-th most recent distinct pulldate, or the
// oldest available when fewer than n days are stored.
func (h *SqliteHistory) nthRecentPulldate(ctx context.Context, n int) (int64, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT DISTINCT pulldate FROM bars_daily ORDER BY pulldate DESC LIMIT ?", n)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var last int64
	found := false
	for rows.Next() {
		if err := rows.Scan(&last); err != nil {
			return 0, err
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrEmptyHistory
	}
	return last, nil
}

type rawMetadata struct {
	avgSpan      float64
	medianVolume int64
	performance  float64
	lastClose    float64
}

func (h *SqliteHistory) metadataRows(ctx context.Context) (map[models.Symbol]rawMetadata, error) {
	rows, err := h.db.QueryContext(ctx,
		"SELECT symbol,avg_span,median_volume,performance,last_close FROM symbol_metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[models.Symbol]rawMetadata)
	for rows.Next() {
		var raw string
		var meta rawMetadata
		if err := rows.Scan(&raw, &meta.avgSpan, &meta.medianVolume, &meta.performance, &meta.lastClose); err != nil {
			return nil, err
		}
		result[models.Symbol(raw)] = meta
	}
	return result, rows.Err()
}

func (h *SqliteHistory) RepairRecords(ctx context.Context, src BarSource, symbols []models.Symbol) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.repairRecordsLocked(ctx, src, symbols)
}

func (h *SqliteHistory) repairRecordsLocked(ctx context.Context, src BarSource, symbols []models.Symbol) error {
	if len(symbols) == 0 {
		return nil
	}

	start := time.Now().UTC().AddDate(0, 0, -repairLookbackDays)
	fetched, err := src.History(ctx, symbols, start, nil)
	if err != nil {
		return err
	}

	for _, symbol := range symbols {
		bars, ok := fetched[symbol]
		if !ok {
			h.logger.Warn().Str("symbol", symbol.String()).Msg("could not repair record; insufficient market data")
			continue
		}
		if err := h.repairRecord(ctx, symbol, bars); err != nil {
			h.logger.Error().Err(err).Str("symbol", symbol.String()).Msg("failed to repair record")
		}
	}
	return nil
}

func (h *SqliteHistory) repairRecord(ctx context.Context, symbol models.Symbol, bars []models.Bar) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"bars_daily", "symbol_metadata"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE symbol=?", symbol.String()); err != nil {
			return err
		}
	}

	if len(bars) < medianVolumePeriod {
		return tx.Commit()
	}

	performance := 1.0
	for i := 1; i < len(bars); i++ {
		bar := toRawBar(bars[i])
		prevClose := utils.DecimalToFloat(bars[i-1].Close)

		changePercent := 0.0
		if prevClose != 0 {
			changePercent = 100 * (bar.close - prevClose) / prevClose
		}
		performance *= mwu.FloatMultiplier(mwu.FloatChangePercent(changePercent), h.eta)

		pulldate := bars[i].Time.UTC().Unix() / secondsPerDay
		_, err := tx.ExecContext(ctx,
			"INSERT INTO bars_daily (symbol,pulldate,open,high,low,close,volume,change_percent) VALUES (?,?,?,?,?,?,?,?)",
			symbol.String(), pulldate, bar.open, bar.high, bar.low, bar.close, bar.volume, changePercent,
		)
		if err != nil {
			return err
		}
	}

	tail := bars[len(bars)-medianVolumePeriod:]
	volumes := make([]int64, 0, len(tail))
	spanSum := 0.0
	for _, b := range tail {
		bar := toRawBar(b)
		volumes = append(volumes, bar.volume)
		if bar.low != 0 {
			spanSum += (bar.high - bar.low) / bar.low
		}
	}
	sort.Slice(volumes, func(i, j int) bool { return volumes[i] < volumes[j] })
	medianVolume := volumes[len(volumes)/2]
	lastClose := utils.DecimalToFloat(bars[len(bars)-1].Close)

	_, err = tx.ExecContext(ctx,
		"INSERT INTO symbol_metadata (symbol,avg_span,median_volume,performance,last_close) VALUES (?,?,?,?,?)",
		symbol.String(), spanSum/float64(len(tail)), medianVolume, performance, lastClose,
	)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	h.logger.Info().Str("symbol", symbol.String()).Msg("finished repairing record")
	return nil
}

func (h *SqliteHistory) timeframeToPulldates(ctx context.Context, timeframe Timeframe) (int64, int64, error) {
	// The default end is padded by two days so it exceeds any stored
	// pulldate regardless of timezone.
	defaultEnd := time.Now().UTC().Unix()/secondsPerDay + 2

	switch timeframe.kind {
	case timeframeAfter:
		return timeframe.start.UTC().Unix() / secondsPerDay, defaultEnd, nil
	case timeframeWithin:
		return timeframe.start.UTC().Unix() / secondsPerDay, timeframe.end.UTC().Unix() / secondsPerDay, nil
	case timeframeDaysBeforeNow:
		if timeframe.days <= 0 {
			return 0, 0, errors.New("days before now out of range")
		}
		start, err := h.nthRecentPulldate(ctx, timeframe.days)
		if err != nil {
			return 0, 0, err
		}
		return start, defaultEnd, nil
	default:
		return 0, 0, fmt.Errorf("unknown timeframe kind %d", timeframe.kind)
	}
}

func scanBar(pulldate int64, open, high, low, close float64, volume int64) (models.Bar, error) {
	o, err := utils.FloatToDecimal(open)
	if err != nil {
		return models.Bar{}, err
	}
	hi, err := utils.FloatToDecimal(high)
	if err != nil {
		return models.Bar{}, err
	}
	lo, err := utils.FloatToDecimal(low)
	if err != nil {
		return models.Bar{}, err
	}
	cl, err := utils.FloatToDecimal(close)
	if err != nil {
		return models.Bar{}, err
	}

	return models.Bar{
		Time:   time.Unix(pulldate*secondsPerDay, 0).UTC(),
		Open:   o,
		High:   hi,
		Low:    lo,
		Close:  cl,
		Volume: volume,
	}, nil
}

func (h *SqliteHistory) GetMarketHistory(ctx context.Context, timeframe Timeframe) (map[models.Symbol][]models.Bar, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	startPulldate, endPulldate, err := h.timeframeToPulldates(ctx, timeframe)
	if err != nil {
		return nil, err
	}

	rows, err := h.db.QueryContext(ctx,
		"SELECT symbol,pulldate,open,high,low,close,volume FROM bars_daily "+
			"WHERE pulldate >= ? AND pulldate <= ? ORDER BY pulldate ASC",
		startPulldate, endPulldate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[models.Symbol][]models.Bar)
	for rows.Next() {
		var raw string
		var pulldate, volume int64
		var open, high, low, close float64
		if err := rows.Scan(&raw, &pulldate, &open, &high, &low, &close, &volume); err != nil {
			return nil, err
		}
		bar, err := scanBar(pulldate, open, high, low, close, volume)
		if err != nil {
			return nil, err
		}
		symbol := models.Symbol(raw)
		result[symbol] = append(result[symbol], bar)
	}
	return result, rows.Err()
}

func (h *SqliteHistory) GetSymbolHistory(ctx context.Context, symbol models.Symbol, timeframe Timeframe) ([]models.Bar, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	startPulldate, endPulldate, err := h.timeframeToPulldates(ctx, timeframe)
	if err != nil {
		return nil, err
	}

	rows, err := h.db.QueryContext(ctx,
		"SELECT pulldate,open,high,low,close,volume FROM bars_daily "+
			"WHERE pulldate >= ? AND pulldate <= ? AND symbol = ? ORDER BY pulldate ASC",
		startPulldate, endPulldate, symbol.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.Bar
	for rows.Next() {
		var pulldate, volume int64
		var open, high, low, close float64
		if err := rows.Scan(&pulldate, &open, &high, &low, &close, &volume); err != nil {
			return nil, err
		}
		bar, err := scanBar(pulldate, open, high, low, close, volume)
		if err != nil {
			return nil, err
		}
		result = append(result, bar)
	}
	return result, rows.Err()
}

func (h *SqliteHistory) GetSymbolAvgSpan(ctx context.Context, symbol models.Symbol) (float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var span float64
	err := h.db.QueryRowContext(ctx,
		"SELECT avg_span FROM symbol_metadata WHERE symbol = ?", symbol.String()).Scan(&span)
	return span, err
}

func (h *SqliteHistory) GetMetadata(ctx context.Context) (map[models.Symbol]models.SymbolMetadata, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	raw, err := h.metadataRows(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[models.Symbol]models.SymbolMetadata, len(raw))
	for symbol, meta := range raw {
		performance, err := utils.FloatToDecimal(meta.performance)
		if err != nil {
			return nil, err
		}
		lastClose, err := utils.FloatToDecimal(meta.lastClose)
		if err != nil {
			return nil, err
		}
		result[symbol] = models.SymbolMetadata{
			AvgSpan:      meta.avgSpan,
			MedianVolume: meta.medianVolume,
			Performance:  performance,
			LastClose:    lastClose,
		}
	}
	return result, nil
}
