package broker

import (
	"context"
	"sync"
	"time"
)

const rollingWindow = time.Minute

// RateLimiter enforces a rolling one-minute request budget. Once usage passes
// the unthrottled budget it spreads the remaining requests evenly over the
// window; once the budget is exhausted it blocks until the oldest request
// falls out of the window. It is shared by every request call site, so it is
// the one piece of cross-task shared mutable state in the process.
type RateLimiter struct {
	mu sync.Mutex
	// Invariant: instants in the queue are ordered oldest to newest.
	requests           []time.Time
	rateLimit          int
	unthrottledBudget  int
	throttlingDuration time.Duration
	now                func() time.Time
	sleep              func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter allowing rateLimit requests per rolling
// minute, guaranteeing at least minRate requests per minute remain available
// once throttling begins. Requires 0 < minRate <= rateLimit.
func NewRateLimiter(rateLimit, minRate int) *RateLimiter {
	return &RateLimiter{
		requests:           make([]time.Time, 0, rateLimit),
		rateLimit:          rateLimit,
		unthrottledBudget:  rateLimit - minRate,
		throttlingDuration: time.Duration(60_000/minRate+1) * time.Millisecond,
		now:                time.Now,
		sleep:              sleepCtx,
	}
}

// Throttle blocks until the caller may issue a request, then records it.
func (r *RateLimiter) Throttle(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	// Evict requests outside the rolling window.
	i := 0
	for i < len(r.requests) && now.Sub(r.requests[i]) >= rollingWindow {
		i++
	}
	r.requests = r.requests[:copy(r.requests, r.requests[i:])]

	switch {
	case len(r.requests) == r.rateLimit:
		// Budget exhausted. Wait for the oldest request to age out.
		elapsed := now.Sub(r.requests[0])
		if elapsed <= rollingWindow {
			if err := r.sleep(ctx, rollingWindow-elapsed); err != nil {
				return err
			}
		}
		r.requests = r.requests[:copy(r.requests, r.requests[1:])]
	case len(r.requests) >= r.unthrottledBudget:
		// Past the soft threshold. Assume pessimistically that every queued
		// request landed an instant ago and space out what remains of the
		// budget over the next minute.
		if err := r.sleep(ctx, r.throttlingDuration); err != nil {
			return err
		}
	}

	r.requests = append(r.requests, r.now())
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
