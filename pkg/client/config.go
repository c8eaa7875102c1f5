package client

import (
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/marmos91/cephmount/internal/protocol"
	"github.com/marmos91/cephmount/pkg/metrics"
	"github.com/marmos91/cephmount/pkg/registry"
)

const (
	DefaultMountTimeout    = 6 * time.Second
	DefaultMountAttempts   = 10
	DefaultUnknownLogRate  = 1
	DefaultUnknownLogBurst = 5
)

// Config holds the mount configuration.
type Config struct {
	// Monitors lists monitor addresses (host:port), indexed by monitor rank.
	Monitors []string

	// Path is the directory to mount, "/" for the filesystem root.
	Path string

	// MyAddr optionally pins the local bind address.
	MyAddr string

	// MountTimeout bounds each wait for the cluster maps.
	MountTimeout time.Duration

	// MountAttempts is the number of join requests sent before giving up.
	MountAttempts int

	// RequestTimeout bounds metadata and storage RPCs (0 = no bound).
	RequestTimeout time.Duration

	// MaxInodes bounds the inode cache (0 = unbounded).
	MaxInodes int

	// UnknownLogRate and UnknownLogBurst throttle logging of messages
	// with an unknown type tag (events per second, burst).
	UnknownLogRate  uint
	UnknownLogBurst uint
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.MountTimeout <= 0 {
		c.MountTimeout = DefaultMountTimeout
	}
	if c.MountAttempts <= 0 {
		c.MountAttempts = DefaultMountAttempts
	}
	if c.UnknownLogRate == 0 {
		c.UnknownLogRate = DefaultUnknownLogRate
	}
	if c.UnknownLogBurst == 0 {
		c.UnknownLogBurst = DefaultUnknownLogBurst
	}
	return c
}

// Transport is the message transport a client sends through.
//
// Send takes over the caller's reference on m.
type Transport interface {
	Send(m *protocol.Message, dst protocol.EntityInst) error
	SetSelf(name protocol.EntityName)
	Addr() protocol.EntityAddr
	Close() error
}

// TransportConfig is what a TransportFactory needs to wire a transport to a
// client.
type TransportConfig struct {
	MyAddr string

	// Dispatch receives every inbound message, holding one reference.
	Dispatch func(*protocol.Message)

	// PreparePages supplies the receive buffer for a message's data section.
	PreparePages func(m *protocol.Message, want int) ([]byte, error)

	// Queue is the shared delivery queue of the registry.
	Queue *registry.WorkQueue
}

type TransportFactory func(TransportConfig) (Transport, error)

// Deps carries the collaborators of a client.
type Deps struct {
	// Registry is the process-wide shared context. Required.
	Registry *registry.Registry

	// NewTransport builds the transport. Defaults to the TCP messenger.
	NewTransport TransportFactory

	// Metrics defaults to a no-op implementation.
	Metrics metrics.ClientMetrics

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// PickMonitor returns an index in [0, n). Defaults to uniform random.
	PickMonitor func(n int) int
}

func (d Deps) withDefaults() Deps {
	if d.NewTransport == nil {
		d.NewTransport = newMessengerTransport
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNoopClientMetrics()
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.PickMonitor == nil {
		d.PickMonitor = rand.IntN
	}
	return d
}
