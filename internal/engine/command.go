package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trader/internal/models"
)

const maxConsecutiveReadErrors = 3

// CommandTask reads interactive commands from an input stream and dispatches
// them into the engine's event channel.
type CommandTask struct {
	events chan<- Event
	input  io.Reader
	logger zerolog.Logger
}

// NewCommandTask creates a command reader task.
func NewCommandTask(events chan<- Event, input io.Reader, logger zerolog.Logger) *CommandTask {
	return &CommandTask{
		events: events,
		input:  input,
		logger: logger.With().Str("task", "command").Logger(),
	}
}

// Run reads commands until stop, EOF, repeated read errors, or context
// cancellation. Parse errors print usage and never terminate the session.
func (t *CommandTask) Run(ctx context.Context) {
	scanner := bufio.NewScanner(t.input)
	consecutiveErrors := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if !scanner.Scan() {
			err := scanner.Err()
			if err == nil {
				// EOF: treat as a stop request so a piped session shuts down
				// cleanly.
				t.emit(ctx, Command{Kind: CmdStop})
				return
			}

			consecutiveErrors++
			t.logger.Error().Err(err).Msg("failed to read command")
			if consecutiveErrors > maxConsecutiveReadErrors {
				t.logger.Error().Msg("too many consecutive read errors, aborting command reader")
				return
			}

			backoff := time.Duration(pow3(consecutiveErrors)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}

			scanner = bufio.NewScanner(t.input)
			continue
		}
		consecutiveErrors = 0

		cmd, err := ParseCommand(scanner.Text())
		if err != nil {
			fmt.Println(err)
			continue
		}
		if cmd == nil {
			continue
		}

		if !t.emit(ctx, *cmd) {
			return
		}
		if cmd.Kind == CmdStop {
			return
		}
	}
}

func (t *CommandTask) emit(ctx context.Context, cmd Command) bool {
	select {
	case t.events <- cmd:
		return true
	case <-ctx.Done():
		return false
	}
}

func pow3(n int) int {
	result := 1
	for i := 0; i < n; i++ {
		result *= 3
	}
	return result
}

// ParseCommand parses one command line. A blank line yields (nil, nil); an
// unrecognized or malformed command yields a usage error.
func ParseCommand(line string) (*Command, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return nil, nil
	}

	name, args := fields[0], fields[1:]

	switch name {
	case "buy-toggle", "bt":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return nil, fmt.Errorf("usage: buy-toggle on|off")
		}
		return &Command{Kind: CmdBuyToggle, Allow: args[0] == "on"}, nil

	case "current-tracked-symbols", "cts":
		return &Command{Kind: CmdCurrentTrackedSymbols}, nil

	case "dump", "engine-dump", "engdump":
		return &Command{Kind: CmdDump}, nil

	case "liquidate":
		return &Command{Kind: CmdLiquidate}, nil

	case "portfolio-strategy", "ps":
		return parseStrategyCommand(args)

	case "price-info", "pi":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: price-info <symbol>")
		}
		return &Command{Kind: CmdPriceInfo, Symbol: models.NewSymbol(args[0])}, nil

	case "run-pre-open", "rpo":
		return &Command{Kind: CmdRunPreOpen}, nil

	case "repair-records", "rr":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: repair-records <symbol,symbol,...>")
		}
		var symbols []models.Symbol
		for _, raw := range strings.Split(args[0], ",") {
			if raw == "" {
				continue
			}
			symbols = append(symbols, models.NewSymbol(raw))
		}
		if len(symbols) == 0 {
			return nil, fmt.Errorf("usage: repair-records <symbol,symbol,...>")
		}
		return &Command{Kind: CmdRepairRecords, Symbols: symbols}, nil

	case "status":
		return &Command{Kind: CmdStatus}, nil

	case "stop":
		return &Command{Kind: CmdStop}, nil

	case "tax":
		return parseTaxCommand(args)

	case "update-history", "uhist":
		maxUpdates := 0
		if len(args) > 1 {
			return nil, fmt.Errorf("usage: update-history [max-updates]")
		}
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("max-updates must be a positive integer")
			}
			maxUpdates = n
		}
		return &Command{Kind: CmdUpdateHistory, MaxUpdates: maxUpdates}, nil

	case "untracked-symbols", "usym":
		return &Command{Kind: CmdUntrackedSymbols}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

func parseStrategyCommand(args []string) (*Command, error) {
	usage := fmt.Errorf("usage: portfolio-strategy list | enable <key> | disable <key> | liquidate <key>")
	if len(args) == 0 {
		return nil, usage
	}

	switch args[0] {
	case "list":
		if len(args) != 1 {
			return nil, usage
		}
		return &Command{Kind: CmdPortfolioStrategy, Action: StrategyList}, nil
	case "enable", "disable", "liquidate":
		if len(args) != 2 {
			return nil, usage
		}
		action := map[string]StrategyAction{
			"enable":    StrategyEnable,
			"disable":   StrategyDisable,
			"liquidate": StrategyLiquidate,
		}[args[0]]
		return &Command{Kind: CmdPortfolioStrategy, Action: action, Key: args[1]}, nil
	default:
		return nil, usage
	}
}

func parseTaxCommand(args []string) (*Command, error) {
	usage := fmt.Errorf("usage: tax update | evaluate <year>")
	if len(args) == 0 {
		return nil, usage
	}

	switch args[0] {
	case "update":
		if len(args) != 1 {
			return nil, usage
		}
		return &Command{Kind: CmdTaxUpdate}, nil
	case "evaluate":
		if len(args) != 2 {
			return nil, usage
		}
		year, err := strconv.Atoi(args[1])
		if err != nil || year < 1900 || year > 9999 {
			return nil, fmt.Errorf("year must be a four-digit calendar year")
		}
		return &Command{Kind: CmdTaxEvaluate, Year: year}, nil
	default:
		return nil, usage
	}
}
