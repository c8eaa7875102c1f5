package registry

import (
	"runtime/debug"
	"sync"

	"github.com/marmos91/cephmount/internal/logger"
)

// WorkQueue runs jobs on a fixed set of workers.
//
// Jobs submitted with the same key always run on the same worker, in
// submission order, so per-connection message ordering is preserved while
// different connections deliver in parallel.
type WorkQueue struct {
	mu      sync.RWMutex
	stopped bool
	shards  []chan func()
	wg      sync.WaitGroup
}

// NewWorkQueue starts workers goroutines each with a depth-sized backlog.
func NewWorkQueue(workers, depth int) *WorkQueue {
	if workers <= 0 {
		workers = 1
	}
	q := &WorkQueue{shards: make([]chan func(), workers)}
	for i := range q.shards {
		q.shards[i] = make(chan func(), depth)
		q.wg.Add(1)
		go q.run(q.shards[i])
	}
	return q
}

func (q *WorkQueue) run(jobs <-chan func()) {
	defer q.wg.Done()
	for job := range jobs {
		q.exec(job)
	}
}

func (q *WorkQueue) exec(job func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("work queue: job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	job()
}

// Submit queues job on the worker owning key. It blocks while that worker's
// backlog is full and returns false once the queue has been stopped.
func (q *WorkQueue) Submit(key uint64, job func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		return false
	}
	q.shards[key%uint64(len(q.shards))] <- job
	return true
}

// Workers returns the number of workers.
func (q *WorkQueue) Workers() int {
	return len(q.shards)
}

// Stop refuses new jobs, runs the backlog to completion and waits for the
// workers to exit. It is safe to call more than once.
func (q *WorkQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for _, ch := range q.shards {
		close(ch)
	}
	q.mu.Unlock()

	q.wg.Wait()
}
