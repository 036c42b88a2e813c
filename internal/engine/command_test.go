package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpaca-trader/internal/models"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		want Command
	}{
		{"buy-toggle on", Command{Kind: CmdBuyToggle, Allow: true}},
		{"bt off", Command{Kind: CmdBuyToggle, Allow: false}},
		{"cts", Command{Kind: CmdCurrentTrackedSymbols}},
		{"dump", Command{Kind: CmdDump}},
		{"engdump", Command{Kind: CmdDump}},
		{"liquidate", Command{Kind: CmdLiquidate}},
		{"ps list", Command{Kind: CmdPortfolioStrategy, Action: StrategyList}},
		{"portfolio-strategy disable mwuBasket", Command{Kind: CmdPortfolioStrategy, Action: StrategyDisable, Key: "mwuBasket"}},
		{"ps liquidate logOptimal", Command{Kind: CmdPortfolioStrategy, Action: StrategyLiquidate, Key: "logOptimal"}},
		{"pi aapl", Command{Kind: CmdPriceInfo, Symbol: "AAPL"}},
		{"rpo", Command{Kind: CmdRunPreOpen}},
		{"rr aapl,msft", Command{Kind: CmdRepairRecords, Symbols: []models.Symbol{"AAPL", "MSFT"}}},
		{"status", Command{Kind: CmdStatus}},
		{"stop", Command{Kind: CmdStop}},
		{"tax update", Command{Kind: CmdTaxUpdate}},
		{"tax evaluate 2024", Command{Kind: CmdTaxEvaluate, Year: 2024}},
		{"uhist", Command{Kind: CmdUpdateHistory}},
		{"update-history 5", Command{Kind: CmdUpdateHistory, MaxUpdates: 5}},
		{"usym", Command{Kind: CmdUntrackedSymbols}},
	}

	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			cmd, err := ParseCommand(tc.line)
			require.NoError(t, err)
			require.NotNil(t, cmd)
			assert.Equal(t, tc.want, *cmd)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	lines := []string{
		"nonsense",
		"buy-toggle",
		"buy-toggle maybe",
		"pi",
		"ps",
		"ps enable",
		"ps frobnicate mwuBasket",
		"rr",
		"rr ,",
		"tax",
		"tax evaluate",
		"tax evaluate twenty",
		"tax evaluate 99",
		"uhist zero",
		"uhist -3",
		"uhist 1 2",
	}
	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			cmd, err := ParseCommand(line)
			assert.Error(t, err)
			assert.Nil(t, cmd)
		})
	}
}

func TestParseCommandBlankLine(t *testing.T) {
	cmd, err := ParseCommand("   ")
	assert.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestCommandTaskEmitsStopOnEOF(t *testing.T) {
	events := make(chan Event, 4)
	task := NewCommandTask(events, strings.NewReader("status\n"), zerolog.Nop())

	done := make(chan struct{})
	go func() {
		task.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("command task did not terminate on EOF")
	}

	require.Len(t, events, 2)
	assert.Equal(t, Command{Kind: CmdStatus}, <-events)
	assert.Equal(t, Command{Kind: CmdStop}, <-events)
}

func TestCommandTaskSkipsMalformedLines(t *testing.T) {
	events := make(chan Event, 4)
	input := "frobnicate\n\nstop\n"
	task := NewCommandTask(events, strings.NewReader(input), zerolog.Nop())
	task.Run(context.Background())

	require.Len(t, events, 1)
	assert.Equal(t, Command{Kind: CmdStop}, <-events)
}
