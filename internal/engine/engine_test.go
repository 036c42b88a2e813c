package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpaca-trader/internal/history"
	"alpaca-trader/internal/models"
)

// fakeHistory satisfies history.LocalHistory with empty-store behavior.
type fakeHistory struct{}

var _ history.LocalHistory = (*fakeHistory)(nil)

func (fakeHistory) Symbols(context.Context) ([]models.Symbol, error) { return nil, nil }

func (fakeHistory) UpdateHistoryToPresent(context.Context, history.BarSource, int) error {
	return nil
}

func (fakeHistory) RepairRecords(context.Context, history.BarSource, []models.Symbol) error {
	return nil
}

func (fakeHistory) GetMarketHistory(context.Context, history.Timeframe) (map[models.Symbol][]models.Bar, error) {
	return map[models.Symbol][]models.Bar{}, nil
}

func (fakeHistory) GetSymbolHistory(context.Context, models.Symbol, history.Timeframe) ([]models.Bar, error) {
	return nil, nil
}

func (fakeHistory) GetSymbolAvgSpan(context.Context, models.Symbol) (float64, error) {
	return 0, nil
}

func (fakeHistory) GetMetadata(context.Context) (map[models.Symbol]models.SymbolMetadata, error) {
	return map[models.Symbol]models.SymbolMetadata{}, nil
}

func (fakeHistory) RefreshConnection() error { return nil }
func (fakeHistory) Close() error             { return nil }

// fakeStream records stream control requests.
type fakeStream struct {
	mu         sync.Mutex
	opens      int
	closes     int
	subscribed []models.Symbol
}

func (s *fakeStream) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
}

func (s *fakeStream) SubscribeBars(symbols []models.Symbol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = symbols
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func newTestEngine(t *testing.T) (*Engine, *fakeStream, string) {
	t.Helper()
	dataDir := t.TempDir()
	stream := &fakeStream{}
	eng, err := New(testConfig(), &fakeBroker{}, fakeHistory{}, stream, dataDir, zerolog.Nop())
	require.NoError(t, err)
	return eng, stream, dataDir
}

func TestRunClockPanicEntersSafetyMode(t *testing.T) {
	eng, stream, dataDir := newTestEngine(t)

	events := make(chan Event, eventBuffer)
	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), events) }()

	events <- ClockEvent{Kind: ClockPanic}
	// The loop must survive the panic: clock events are now ignored while
	// commands are still served.
	events <- ClockEvent{Kind: ClockTick}
	events <- Command{Kind: CmdBuyToggle, Allow: false}
	events <- Command{Kind: CmdStop}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	assert.True(t, eng.inSafetyMode)
	assert.GreaterOrEqual(t, stream.closeCount(), 1, "market-data stream closed on clock loss")
	assert.False(t, eng.shouldBuy, "commands still served after clock loss")

	_, err := os.Stat(filepath.Join(dataDir, engineMetadataFile))
	assert.NoError(t, err, "metadata written on safety-mode entry")
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event)
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, events) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}
