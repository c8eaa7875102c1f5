// Package completion provides a one-shot signal that many goroutines can
// wait on with a timeout.
package completion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrTimeout is returned by Wait when the timeout elapses first.
var ErrTimeout = errors.New("completion: timed out")

// Completion is closed at most once. The zero value is not usable; use New.
type Completion struct {
	clk  clock.Clock
	once sync.Once
	done chan struct{}
}

func New(clk clock.Clock) *Completion {
	if clk == nil {
		clk = clock.New()
	}
	return &Completion{clk: clk, done: make(chan struct{})}
}

// Complete fires the signal. Later calls are no-ops.
func (c *Completion) Complete() {
	c.once.Do(func() { close(c.done) })
}

// Done returns a channel closed once Complete has been called.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// IsDone reports whether Complete has been called.
func (c *Completion) IsDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal fires, timeout elapses or ctx ends.
// A non-positive timeout waits without a deadline.
//
// Returns nil when completed, ErrTimeout on timeout, or context.Cause(ctx)
// when interrupted. A completed signal wins over a simultaneous timeout.
func (c *Completion) Wait(ctx context.Context, timeout time.Duration) error {
	if c.IsDone() {
		return nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := c.clk.Timer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-c.done:
		return nil
	case <-expired:
		if c.IsDone() {
			return nil
		}
		return ErrTimeout
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
