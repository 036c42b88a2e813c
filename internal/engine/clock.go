package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trader/internal/broker"
	"alpaca-trader/internal/config"
	"alpaca-trader/internal/models"
)

const clockFetchRetries = 3

// closeEpsilon keeps the tick loop from scheduling one last tick that would
// land inside the close transition.
const closeEpsilon = 5 * time.Millisecond

// ClockTask schedules pre-open, open, tick, and close events from the
// brokerage market clock. It is one of the three producer goroutines feeding
// the engine's event channel.
type ClockTask struct {
	events chan<- Event
	broker broker.Broker
	cfg    config.TradingConfig
	logger zerolog.Logger
}

// NewClockTask creates a clock task.
func NewClockTask(events chan<- Event, b broker.Broker, cfg config.TradingConfig, logger zerolog.Logger) *ClockTask {
	return &ClockTask{
		events: events,
		broker: b,
		cfg:    cfg,
		logger: logger.With().Str("task", "clock").Logger(),
	}
}

// Run drives the clock schedule until the context is canceled. Repeated clock
// fetch failures emit a single ClockPanic event and end the task.
func (t *ClockTask) Run(ctx context.Context) {
	tick := time.Duration(t.cfg.SecondsPerTick) * time.Second
	preOpenOffset := time.Duration(t.cfg.PreOpenHoursOffset) * time.Hour

	clock, ok := t.fetchClock(ctx)
	if !ok {
		t.emit(ctx, ClockEvent{Kind: ClockPanic})
		return
	}

	var lastOpen time.Time
	if t.cfg.ForceOpen && clock.IsOpen {
		t.logger.Info().Msg("market already open, starting session immediately")
		if !t.emit(ctx, ClockEvent{Kind: ClockPreOpen}) {
			return
		}
		if !t.emit(ctx, ClockEvent{Kind: ClockOpen, NextClose: clock.NextClose}) {
			return
		}
		lastOpen = time.Now()
	} else {
		var ok bool
		clock, lastOpen, ok = t.openSequence(ctx, clock, preOpenOffset)
		if !ok {
			return
		}
	}

	tickTime := time.Now()
	for {
		tickTime = tickTime.Add(tick)
		if !t.sleepUntil(ctx, tickTime) {
			return
		}

		now := time.Now()
		untilClose := clock.NextClose.Sub(now)
		if !t.emit(ctx, ClockEvent{
			Kind:       ClockTick,
			SinceOpen:  now.Sub(lastOpen),
			UntilClose: untilClose,
		}) {
			return
		}

		if untilClose < tick+closeEpsilon {
			if !t.sleepUntil(ctx, clock.NextClose) {
				return
			}

			clock, ok = t.fetchClock(ctx)
			if !ok {
				t.emit(ctx, ClockEvent{Kind: ClockPanic})
				return
			}

			if !t.emit(ctx, ClockEvent{Kind: ClockClose, NextOpen: clock.NextOpen}) {
				return
			}

			clock, lastOpen, ok = t.openSequence(ctx, clock, preOpenOffset)
			if !ok {
				return
			}
			tickTime = time.Now()
		}
	}
}

// openSequence sleeps through the pre-open offset and the open, emitting both
// events, then refetches the clock so the close time is current.
func (t *ClockTask) openSequence(ctx context.Context, clock models.Clock, preOpenOffset time.Duration) (models.Clock, time.Time, bool) {
	t.logger.Info().
		Time("next_open", clock.NextOpen).
		Msg("waiting for next market open")

	if !t.sleepUntil(ctx, clock.NextOpen.Add(-preOpenOffset)) {
		return clock, time.Time{}, false
	}
	if !t.emit(ctx, ClockEvent{Kind: ClockPreOpen}) {
		return clock, time.Time{}, false
	}

	if !t.sleepUntil(ctx, clock.NextOpen) {
		return clock, time.Time{}, false
	}

	refetched, ok := t.fetchClock(ctx)
	if !ok {
		t.emit(ctx, ClockEvent{Kind: ClockPanic})
		return clock, time.Time{}, false
	}

	if !t.emit(ctx, ClockEvent{Kind: ClockOpen, NextClose: refetched.NextClose}) {
		return refetched, time.Time{}, false
	}

	return refetched, time.Now(), true
}

// fetchClock fetches the market clock with bounded retries.
func (t *ClockTask) fetchClock(ctx context.Context) (models.Clock, bool) {
	for attempt := 1; ; attempt++ {
		clock, err := t.broker.Clock(ctx)
		if err == nil {
			return clock, true
		}

		t.logger.Error().Err(err).Int("attempt", attempt).Msg("failed to fetch market clock")
		if attempt >= clockFetchRetries {
			return models.Clock{}, false
		}

		if !t.sleep(ctx, time.Second) {
			return models.Clock{}, false
		}
	}
}

func (t *ClockTask) emit(ctx context.Context, ev ClockEvent) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *ClockTask) sleepUntil(ctx context.Context, deadline time.Time) bool {
	return t.sleep(ctx, time.Until(deadline))
}

func (t *ClockTask) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
