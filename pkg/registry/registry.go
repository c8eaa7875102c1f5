package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/cephmount/internal/logger"
)

// Registry is the process-wide context shared by every client instance.
//
// It reference-counts participating clients and owns the resources they
// share, most importantly the inbound delivery work queue. The queue is
// started, and Config.OnInit run, exactly on the 0→1 transition of the
// count; it is stopped, and Config.OnTeardown run, exactly on the 1→0
// transition. Transitions are serialized so concurrent creation and
// destruction of clients never double-initializes or tears down while a
// client is still registered. The backlog is drained without holding the
// client table lock, so queued jobs may still update client records.
//
// The Registry also tracks active clients. Client information is ephemeral
// and kept in-memory only.
//
// Example usage:
//
//	reg := registry.New(registry.Config{Workers: 4})
//	id, err := reg.Acquire(registry.ClientInfo{MountPath: "/"})
//	defer reg.Release(id)
//	reg.Queue().Submit(connID, func() { ... })
type Registry struct {
	cfg Config

	// lifecycle serializes the 0→1 and 1→0 transitions; mu guards the fields.
	lifecycle sync.Mutex

	mu      sync.Mutex
	count   int
	queue   *WorkQueue
	clients map[uuid.UUID]*ClientInfo
}

// Config holds the shared resource settings and lifecycle hooks.
type Config struct {
	// Workers is the number of delivery goroutines (default 4).
	Workers int

	// QueueDepth is the per-worker buffered job count (default 64).
	QueueDepth int

	// OnInit runs after the queue is started on the 0→1 transition.
	// A failure aborts the acquire and leaves the count at zero.
	OnInit func() error

	// OnTeardown runs after the queue is drained on the 1→0 transition.
	OnTeardown func()
}

// ClientInfo describes a registered client instance.
type ClientInfo struct {
	ID        uuid.UUID
	Monitors  []string
	MountPath string
	Whoami    int64
	Since     time.Time
	MountedAt time.Time
}

const (
	defaultWorkers    = 4
	defaultQueueDepth = 64
)

// New creates a registry. No resources are allocated until the first Acquire.
func New(cfg Config) *Registry {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	return &Registry{
		cfg:     cfg,
		clients: make(map[uuid.UUID]*ClientInfo),
	}
}

// Acquire registers a client and returns its id.
// The first acquire starts the shared resources.
func (r *Registry) Acquire(info ClientInfo) (uuid.UUID, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		q := NewWorkQueue(r.cfg.Workers, r.cfg.QueueDepth)
		if r.cfg.OnInit != nil {
			if err := r.cfg.OnInit(); err != nil {
				q.Stop()
				return uuid.Nil, fmt.Errorf("registry init: %w", err)
			}
		}
		r.queue = q
		logger.Debug("registry: started %d delivery workers", r.cfg.Workers)
	}

	if info.ID == uuid.Nil {
		info.ID = uuid.New()
	}
	if info.Since.IsZero() {
		info.Since = time.Now()
	}
	info.Whoami = -1
	r.clients[info.ID] = &info
	r.count++

	return info.ID, nil
}

// Release unregisters a client. The last release drains and stops the shared
// resources. Releasing an unknown id is an error and changes nothing.
func (r *Registry) Release(id uuid.UUID) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	if _, ok := r.clients[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("client %s not registered", id)
	}
	delete(r.clients, id)
	r.count--

	var q *WorkQueue
	if r.count == 0 {
		q = r.queue
		r.queue = nil
	}
	r.mu.Unlock()

	if q == nil {
		return nil
	}
	q.Stop()
	if r.cfg.OnTeardown != nil {
		r.cfg.OnTeardown()
	}
	logger.Debug("registry: delivery workers stopped")
	return nil
}

// Queue returns the shared delivery queue, or nil when no client is registered.
func (r *Registry) Queue() *WorkQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// ============================================================================
// Client Tracking
// ============================================================================

// SetIdentity records the identity assigned to a client by the monitors.
func (r *Registry) SetIdentity(id uuid.UUID, whoami int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		c.Whoami = whoami
	}
}

// RecordMount records a completed mount for a client.
func (r *Registry) RecordMount(id uuid.UUID, path string, when time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		c.MountPath = path
		c.MountedAt = when
	}
}

// GetClient returns a copy of the client record.
func (r *Registry) GetClient(id uuid.UUID) (ClientInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return ClientInfo{}, false
	}
	return *c, true
}

// ListClients returns copies of all client records.
func (r *Registry) ListClients() []ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	return out
}
