// Package cli provides the command-line interface for the trading engine.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"alpaca-trader/internal/config"
	"alpaca-trader/internal/engine"
	"alpaca-trader/internal/logging"
	"alpaca-trader/internal/models"
)

const Version = "0.1.0"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "trader",
		Short:   "Automated equities trading engine",
		Version: Version,
		Long: `An automated equities trading engine for the Alpaca brokerage.

The engine runs a multiplicative-weights portfolio over several candidate
strategies, tracks intraday price extremes for entry and exit triggers, and
keeps a local SQLite history of daily bars.

Run 'trader run' to start a trading session. While running, the engine reads
interactive commands from standard input; type 'status' or 'stop'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/alpaca-trader)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newTaxCmd())

	return rootCmd
}

// loadConfig resolves the config directory flag and loads configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configDir, _ := cmd.Flags().GetString("config")
	if configDir == "" {
		configDir = config.DefaultConfigDir()
	}

	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, "", err
	}

	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, configDir, nil
}

// newHistoryCmd groups local history maintenance commands that run outside a
// trading session.
func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Maintain the local bar history",
	}

	var maxUpdates int
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Pull daily bars up to the present",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging)

			client, hist, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer hist.Close()

			return hist.UpdateHistoryToPresent(cmd.Context(), client, maxUpdates)
		},
	}
	updateCmd.Flags().IntVar(&maxUpdates, "max", 0, "cap the number of market days processed (0 = no cap)")

	repairCmd := &cobra.Command{
		Use:   "repair <symbol>[,<symbol>...]",
		Short: "Rebuild stored history for symbols from scratch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Logging)

			var symbols []models.Symbol
			for _, raw := range strings.Split(args[0], ",") {
				if symbol := models.NewSymbol(raw); symbol != "" {
					symbols = append(symbols, symbol)
				}
			}
			if len(symbols) == 0 {
				return fmt.Errorf("no symbols given")
			}

			client, hist, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer hist.Close()

			return hist.RepairRecords(cmd.Context(), client, symbols)
		},
	}

	historyCmd.AddCommand(updateCmd, repairCmd)
	return historyCmd
}

// newTaxCmd reports realized capital gains from previously ingested orders
// without starting a session.
func newTaxCmd() *cobra.Command {
	taxCmd := &cobra.Command{
		Use:   "tax",
		Short: "Capital gains reporting",
	}

	reportCmd := &cobra.Command{
		Use:   "report <year>",
		Short: "Report realized capital gains for a calendar year",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			year, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid year %q", args[0])
			}

			_, configDir, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			path := filepath.Join(configDir, "engine-metadata.json")
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s (run 'tax update' inside a session first): %w", path, err)
			}

			var meta struct {
				Tax *engine.TaxTracker `json:"tax"`
			}
			if err := json.Unmarshal(data, &meta); err != nil {
				return fmt.Errorf("parsing %s: %w", path, err)
			}
			if meta.Tax == nil {
				return fmt.Errorf("no tax records in %s", path)
			}

			capital, err := meta.Tax.Report(year)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(),
				"%d capital gains\n  short-term gains:  %s\n  short-term losses: %s\n  long-term gains:   %s\n  long-term losses:  %s\n",
				year,
				capital.ShortTermGains.StringFixed(2),
				capital.ShortTermLosses.StringFixed(2),
				capital.LongTermGains.StringFixed(2),
				capital.LongTermLosses.StringFixed(2))
			return nil
		},
	}

	taxCmd.AddCommand(reportCmd)
	return taxCmd
}
