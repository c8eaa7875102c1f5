package ratelimiter

import (
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// RateLimiter throttles a noisy event stream using a token bucket.
//
// It is used to keep repeated diagnostics (for example, messages of an
// unknown type arriving in a loop) from flooding the log. Events that are
// refused are counted so the next admitted event can report how many were
// dropped in between.
//
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
	clk     clock.Clock

	mu         sync.Mutex
	suppressed uint64
}

// New creates a RateLimiter admitting eventsPerSecond with the given burst.
//
// eventsPerSecond = 0 disables throttling entirely.
func New(eventsPerSecond, burst uint) *RateLimiter {
	return NewWithClock(eventsPerSecond, burst, clock.New())
}

// NewWithClock is New with an explicit time source, mainly for tests.
func NewWithClock(eventsPerSecond, burst uint, clk clock.Clock) *RateLimiter {
	limit := rate.Limit(eventsPerSecond)
	if eventsPerSecond == 0 {
		limit = rate.Inf
	}
	if burst == 0 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(limit, int(burst)),
		clk:     clk,
	}
}

// Allow reports whether one event may pass now.
func (r *RateLimiter) Allow() bool {
	ok, _ := r.Admit()
	return ok
}

// Admit reports whether one event may pass now. When it may, dropped is the
// number of events refused since the previous admitted one, and the counter
// is reset.
func (r *RateLimiter) Admit() (ok bool, dropped uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.limiter.AllowN(r.clk.Now(), 1) {
		r.suppressed++
		return false, 0
	}
	dropped = r.suppressed
	r.suppressed = 0
	return true, dropped
}

// Suppressed returns the number of events refused since the last admitted one.
func (r *RateLimiter) Suppressed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed
}

// SetLimit changes the sustained rate. Zero disables throttling.
func (r *RateLimiter) SetLimit(eventsPerSecond uint) {
	limit := rate.Limit(eventsPerSecond)
	if eventsPerSecond == 0 {
		limit = rate.Inf
	}
	r.limiter.SetLimitAt(r.clk.Now(), limit)
}
