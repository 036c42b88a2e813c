package cli

import (
	"context"
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"alpaca-trader/internal/broker"
	"alpaca-trader/internal/config"
	"alpaca-trader/internal/engine"
	"alpaca-trader/internal/history"
	"alpaca-trader/internal/logging"
	"alpaca-trader/internal/stream"
)

// connect builds the brokerage client and opens the local history store.
func connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*broker.AlpacaClient, history.LocalHistory, error) {
	limiter := broker.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.MinimumRequestRate)
	client, err := broker.NewAlpacaClient(ctx, cfg.Alpaca, limiter, logger)
	if err != nil {
		return nil, nil, err
	}

	hist, err := history.NewSqliteHistory(cfg.History.DatabasePath, cfg.Trading.Eta, logger)
	if err != nil {
		return nil, nil, err
	}
	return client, hist, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a trading session",
		Long: `Start a trading session.

The engine waits for the next market open, runs pre-open preparation, and
trades through the session. Interactive commands are read from standard
input; EOF or 'stop' shuts the engine down cleanly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, configDir, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging)
			logger.Info().Str("version", Version).Msg("starting trader")

			return runEngine(cmd.Context(), cfg, configDir, logger)
		},
	}
}

func runEngine(ctx context.Context, cfg *config.Config, dataDir string, logger zerolog.Logger) error {
	client, hist, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer hist.Close()

	barEvents := make(chan stream.BarEvent, 64)
	marketStream := stream.New(cfg.Alpaca, barEvents, logger)

	events := engine.NewEventChannel()
	eng, err := engine.New(cfg, client, hist, marketStream, dataDir, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		marketStream.Run(ctx)
		return nil
	})

	// Bridge stream bars onto the engine event channel.
	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case bar := <-barEvents:
				select {
				case <-ctx.Done():
					return nil
				case events <- engine.StreamEvent{Symbol: bar.Symbol, Bar: bar.Bar}:
				}
			}
		}
	})

	clock := engine.NewClockTask(events, client, cfg.Trading, logger)
	group.Go(func() error {
		clock.Run(ctx)
		return nil
	})

	commands := engine.NewCommandTask(events, os.Stdin, logger)
	go commands.Run(ctx)

	err = eng.Run(ctx, events)
	// Stop the producers, then wait for them to drain.
	cancel()
	if waitErr := group.Wait(); err == nil {
		err = waitErr
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
