// Package engine implements the event-driven trading engine: a single
// consumer goroutine drains one channel of clock, command, and stream events
// and owns all portfolio, order, and price state.
package engine

import (
	"time"

	"alpaca-trader/internal/models"
)

// eventBuffer sizes the engine event channel. Producers block briefly if the
// consumer falls behind; ordering is strictly arrival order.
const eventBuffer = 256

// Event is one entry on the engine's event channel.
type Event interface {
	isEvent()
}

// ClockKind identifies a market clock transition.
type ClockKind int

const (
	// ClockPreOpen fires a configured number of hours before the open.
	ClockPreOpen ClockKind = iota
	// ClockOpen fires at market open.
	ClockOpen
	// ClockTick fires every tick interval while the market is open.
	ClockTick
	// ClockClose fires at market close.
	ClockClose
	// ClockPanic signals that the clock task gave up fetching the market
	// clock and cannot continue scheduling.
	ClockPanic
)

// ClockEvent is a market clock transition.
type ClockEvent struct {
	Kind       ClockKind
	NextOpen   time.Time
	NextClose  time.Time
	SinceOpen  time.Duration
	UntilClose time.Duration
}

func (ClockEvent) isEvent() {}

// StreamEvent carries one minute bar from the market-data stream.
type StreamEvent struct {
	Symbol models.Symbol
	Bar    models.Bar
}

func (StreamEvent) isEvent() {}

// CommandKind identifies an interactive command.
type CommandKind int

const (
	CmdBuyToggle CommandKind = iota
	CmdCurrentTrackedSymbols
	CmdDump
	CmdLiquidate
	CmdPortfolioStrategy
	CmdPriceInfo
	CmdRunPreOpen
	CmdRepairRecords
	CmdStatus
	CmdStop
	CmdTaxUpdate
	CmdTaxEvaluate
	CmdUpdateHistory
	CmdUntrackedSymbols
)

// StrategyAction is the sub-operation of the portfolio-strategy command.
type StrategyAction int

const (
	StrategyList StrategyAction = iota
	StrategyEnable
	StrategyDisable
	StrategyLiquidate
)

// Command is a parsed interactive command dispatched into the event channel.
type Command struct {
	Kind CommandKind

	// Allow carries the buy-toggle argument.
	Allow bool
	// Symbol carries the price-info argument.
	Symbol models.Symbol
	// Symbols carries the repair-records argument.
	Symbols []models.Symbol
	// MaxUpdates caps an update-history run; zero means unbounded.
	MaxUpdates int
	// Year carries the tax evaluate argument.
	Year int
	// Action and Key carry the portfolio-strategy arguments.
	Action StrategyAction
	Key    string
}

func (Command) isEvent() {}

// NewEventChannel creates the engine's event channel.
func NewEventChannel() chan Event {
	return make(chan Event, eventBuffer)
}
