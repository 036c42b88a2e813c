package engine

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"alpaca-trader/internal/kelly"
	"alpaca-trader/internal/models"
	"alpaca-trader/pkg/utils"
)

// Candidate is a symbol scored for entry by its single-asset Kelly bet over
// recent empirical daily returns.
type Candidate struct {
	Symbol   models.Symbol
	Returns  []float64
	KellyBet float64
}

// computeCandidate scores one symbol, or returns nil if it fails the volume
// floor, lacks history, or has a non-positive Kelly bet.
func computeCandidate(symbol models.Symbol, bars []models.Bar, minimumMedianVolume int64) *Candidate {
	if len(bars) < 2 {
		return nil
	}

	volumes := make([]int64, len(bars))
	for i, bar := range bars {
		volumes[i] = bar.Volume
	}
	sort.Slice(volumes, func(i, j int) bool { return volumes[i] < volumes[j] })
	mid := len(volumes) / 2
	medianVolume := volumes[mid]
	if len(volumes)%2 == 0 {
		medianVolume = (volumes[mid-1] + volumes[mid]) / 2
	}
	if medianVolume < minimumMedianVolume {
		return nil
	}

	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := utils.DecimalToFloat(bars[i-1].Close)
		if prev == 0 {
			return nil
		}
		returns = append(returns, (utils.DecimalToFloat(bars[i].Close)-prev)/prev)
	}

	bet := kelly.ComputeKellyBet(returns)
	if !(bet > 0) {
		return nil
	}

	return &Candidate{Symbol: symbol, Returns: returns, KellyBet: bet}
}

// rankSymbols scores every symbol in the history snapshot in parallel and
// sorts the survivors by descending Kelly bet. Unbounded bets sort first;
// non-finite scores that are not +Inf sort last, distinctly from real
// numbers.
func rankSymbols(ctx context.Context, history map[models.Symbol][]models.Bar, minimumMedianVolume int64) ([]Candidate, error) {
	var (
		mu         sync.Mutex
		candidates []Candidate
	)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(runtime.NumCPU())

	for symbol, bars := range history {
		symbol, bars := symbol, bars
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if candidate := computeCandidate(symbol, bars, minimumMedianVolume); candidate != nil {
				mu.Lock()
				candidates = append(candidates, *candidate)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("scoring candidates: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].KellyBet, candidates[j].KellyBet
		if math.IsNaN(a) != math.IsNaN(b) {
			return !math.IsNaN(a)
		}
		return utils.TotalCompare(a, b) > 0
	})

	return candidates, nil
}

// balancePortfolio runs the log-optimal balancer over the given symbols'
// empirical returns under the configured loss model and returns the
// per-symbol target fractions. Symbols whose fraction fails decimal
// conversion get zero allocation rather than failing the batch.
func balancePortfolio(symbols []models.Symbol, returns map[models.Symbol][]float64, lossModel string, logger zerolog.Logger) (map[models.Symbol]decimal.Decimal, bool, error) {
	if len(symbols) == 0 {
		return map[models.Symbol]decimal.Decimal{}, true, nil
	}

	var (
		fractions []float64
		converged bool
	)

	switch lossModel {
	case "empirical":
		n := -1
		for _, symbol := range symbols {
			if l := len(returns[symbol]); n < 0 || l < n {
				n = l
			}
		}
		if n <= 0 {
			return nil, false, fmt.Errorf("no return history for balancing")
		}

		rows := make([][]float64, n)
		probabilities := make([]float64, n)
		for i := range rows {
			row := make([]float64, len(symbols))
			for j, symbol := range symbols {
				rs := returns[symbol]
				// Align on the most recent n returns.
				row[j] = rs[len(rs)-n+i]
			}
			rows[i] = row
			probabilities[i] = 1.0 / float64(n)
		}
		fractions, converged = kelly.BalancePortfolio(len(symbols), rows, probabilities)

	case "normal":
		params := make([]kelly.NormalParams, len(symbols))
		for i, symbol := range symbols {
			mean, variance := meanAndVariance(returns[symbol])
			params[i] = kelly.NormalParams{Mean: mean, Var: variance}
		}
		fractions, converged = kelly.OptimizePortfolioNormal(params)

	case "laplace":
		params := make([]kelly.LaplaceParams, len(symbols))
		for i, symbol := range symbols {
			mean, _ := meanAndVariance(returns[symbol])
			params[i] = kelly.LaplaceParams{Mean: mean, B: meanAbsoluteDeviation(returns[symbol], mean)}
		}
		fractions, converged = kelly.OptimizePortfolioLaplace(params)

	default:
		return nil, false, fmt.Errorf("unknown loss model %q", lossModel)
	}

	out := make(map[models.Symbol]decimal.Decimal, len(symbols))
	for i, symbol := range symbols {
		f, err := utils.FloatToDecimal(fractions[i])
		if err != nil {
			logger.Error().Err(err).
				Stringer("symbol", symbol).
				Float64("fraction", fractions[i]).
				Msg("balanced fraction has no decimal form, allocating zero")
			f = decimal.Zero
		}
		out[symbol] = f
	}

	return out, converged, nil
}

func meanAndVariance(values []float64) (mean, variance float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, variance
}

func meanAbsoluteDeviation(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += math.Abs(v - mean)
	}
	return sum / float64(len(values))
}
