package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests drive the limiter deterministically: sleeps advance
// virtual time instead of blocking.
type fakeClock struct {
	current time.Time
	slept   []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.current = c.current.Add(d)
	return nil
}

func newTestLimiter(rateLimit, minRate int) (*RateLimiter, *fakeClock) {
	clock := newFakeClock()
	limiter := NewRateLimiter(rateLimit, minRate)
	limiter.now = clock.now
	limiter.sleep = clock.sleep
	return limiter, clock
}

func TestRateLimiterUnthrottledBelowBudget(t *testing.T) {
	limiter, clock := newTestLimiter(10, 4)
	ctx := context.Background()

	// Budget is 10-4=6 unthrottled requests.
	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Throttle(ctx))
		clock.current = clock.current.Add(time.Second)
	}

	assert.Empty(t, clock.slept)
}

func TestRateLimiterSoftThrottleSpacing(t *testing.T) {
	limiter, clock := newTestLimiter(10, 4)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, limiter.Throttle(ctx))
	}
	assert.Empty(t, clock.slept)

	// Seventh request crosses the soft threshold.
	require.NoError(t, limiter.Throttle(ctx))
	require.Len(t, clock.slept, 1)
	assert.Equal(t, time.Duration(60_000/4+1)*time.Millisecond, clock.slept[0])
}

func TestRateLimiterHardBlockWhenFull(t *testing.T) {
	limiter, clock := newTestLimiter(3, 3)
	ctx := context.Background()

	// Equal rate limit and min rate means a zero unthrottled budget, so
	// every request pays the throttling spacing while the queue fills.
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Throttle(ctx))
	}
	require.Len(t, limiter.requests, 3)

	start := clock.current
	require.NoError(t, limiter.Throttle(ctx))

	// The fourth request must have waited for the oldest entry to leave the
	// one minute window.
	assert.True(t, clock.current.Sub(start) > 0)
	oldest := limiter.requests[0]
	assert.True(t, clock.current.Sub(oldest) < rollingWindow)
	assert.Len(t, limiter.requests, 3)
}

func TestRateLimiterEvictsExpiredRequests(t *testing.T) {
	limiter, clock := newTestLimiter(5, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Throttle(ctx))
	}
	require.Len(t, limiter.requests, 3)

	clock.current = clock.current.Add(2 * time.Minute)
	require.NoError(t, limiter.Throttle(ctx))

	// The aged-out requests are gone; only the new one remains.
	assert.Len(t, limiter.requests, 1)
}

func TestRateLimiterQueueStaysOrdered(t *testing.T) {
	limiter, clock := newTestLimiter(8, 2)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, limiter.Throttle(ctx))
		clock.current = clock.current.Add(137 * time.Millisecond)
	}

	for i := 1; i < len(limiter.requests); i++ {
		assert.False(t, limiter.requests[i].Before(limiter.requests[i-1]))
	}
}

func TestRateLimiterCanceledContext(t *testing.T) {
	limiter, _ := newTestLimiter(2, 2)
	ctx := context.Background()

	require.NoError(t, limiter.Throttle(ctx))
	require.NoError(t, limiter.Throttle(ctx))

	// Queue is now full; the blocked wait must honor cancellation.
	limiter.sleep = sleepCtx
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err := limiter.Throttle(canceled)
	assert.ErrorIs(t, err, context.Canceled)
}
