package client

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/marmos91/cephmount/internal/completion"
)

// MapKind names one of the three map-publishing subsystems.
type MapKind int

const (
	KindMonitor MapKind = iota
	KindMetadata
	KindStorage

	numMapKinds
)

func (k MapKind) String() string {
	switch k {
	case KindMonitor:
		return "monitor"
	case KindMetadata:
		return "metadata"
	case KindStorage:
		return "storage"
	default:
		return "invalid"
	}
}

// MapSyncTracker records which subsystems have delivered their first map and
// fires a one-shot completion once all of them have.
type MapSyncTracker struct {
	mu    sync.Mutex
	ready [numMapKinds]bool
	done  *completion.Completion
}

func NewMapSyncTracker(clk clock.Clock) *MapSyncTracker {
	return &MapSyncTracker{done: completion.New(clk)}
}

// MarkFirstSeen is called for every processed map announcement of kind with
// the epoch held before and after. Only the 0 → non-zero edge marks the kind
// ready; it reports whether this call did so.
func (t *MapSyncTracker) MarkFirstSeen(kind MapKind, oldEpoch, newEpoch uint32) bool {
	if oldEpoch != 0 || newEpoch == 0 {
		return false
	}

	t.mu.Lock()
	if t.ready[kind] {
		t.mu.Unlock()
		return false
	}
	t.ready[kind] = true
	all := t.allReadyLocked()
	t.mu.Unlock()

	if all {
		t.done.Complete()
	}
	return true
}

// Ready reports whether kind has delivered a map.
func (t *MapSyncTracker) Ready(kind MapKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready[kind]
}

// AllReady reports whether every subsystem has delivered a map.
func (t *MapSyncTracker) AllReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allReadyLocked()
}

func (t *MapSyncTracker) allReadyLocked() bool {
	for _, r := range t.ready {
		if !r {
			return false
		}
	}
	return true
}

// Done is closed once every subsystem has delivered a map.
func (t *MapSyncTracker) Done() <-chan struct{} {
	return t.done.Done()
}

// Wait blocks until all maps are in, timeout elapses or ctx ends.
func (t *MapSyncTracker) Wait(ctx context.Context, timeout time.Duration) error {
	return t.done.Wait(ctx, timeout)
}
