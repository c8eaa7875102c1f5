// Package messenger is the TCP transport between the client and the cluster.
//
// Each message is written as one record-marked XDR frame (see
// internal/protocol). Outbound messages are queued per destination address
// and written by a dedicated goroutine that dials lazily, retrying with
// exponential backoff. Inbound frames are read on every connection and handed
// to the dispatch callback through the shared work queue, keyed by connection
// so that each connection delivers in arrival order.
package messenger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/internal/protocol"
	"github.com/marmos91/cephmount/pkg/metrics"
	"github.com/marmos91/cephmount/pkg/registry"
)

var (
	ErrClosed        = errors.New("messenger: closed")
	ErrSendQueueFull = errors.New("messenger: send queue full")
	ErrNoDestination = errors.New("messenger: destination has no address")
)

// Config configures a Messenger.
type Config struct {
	// MyAddr is the local listen address. Empty listens on all interfaces
	// on an ephemeral port.
	MyAddr string

	// Dispatch receives every inbound message holding one reference.
	Dispatch func(*protocol.Message)

	// PreparePages optionally supplies the buffer an inbound data section
	// is placed in.
	PreparePages func(m *protocol.Message, want int) ([]byte, error)

	// Queue delivers inbound messages. Nil dispatches on the reader goroutine.
	Queue *registry.WorkQueue

	// DialTimeout bounds a single connect (default 5s).
	DialTimeout time.Duration

	// DialRetryWindow bounds the backoff retries of one dial (default 30s).
	DialRetryWindow time.Duration

	// SendQueue is the per-destination outbound backlog (default 128).
	SendQueue int

	// MaxFrame bounds an inbound frame (default protocol.DefaultMaxFrame).
	MaxFrame int

	Metrics metrics.MessengerMetrics
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.DialRetryWindow <= 0 {
		c.DialRetryWindow = 30 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 128
	}
	if c.MaxFrame <= 0 {
		c.MaxFrame = protocol.DefaultMaxFrame
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewNoopMessengerMetrics()
	}
}

// Messenger sends and receives cluster messages over TCP.
type Messenger struct {
	cfg Config
	ln  net.Listener

	mu    sync.Mutex
	self  protocol.EntityInst
	peers map[string]*peer
	conns map[uint64]*conn

	seq    atomic.Uint64
	connID atomic.Uint64

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New starts listening and returns a ready Messenger.
func New(cfg Config) (*Messenger, error) {
	cfg.applyDefaults()
	if cfg.Dispatch == nil {
		return nil, errors.New("messenger: dispatch callback is required")
	}

	listenAddr := cfg.MyAddr
	if listenAddr == "" {
		listenAddr = ":0"
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("messenger listen on %s: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Messenger{
		cfg:    cfg,
		ln:     ln,
		peers:  make(map[string]*peer),
		conns:  make(map[uint64]*conn),
		ctx:    ctx,
		cancel: cancel,
	}
	m.self = protocol.EntityInst{
		Name: protocol.EntityName{Type: protocol.EntityClient, Num: -1},
		Addr: protocol.EntityAddr{Addr: ln.Addr().String(), Nonce: uuid.New().ID()},
	}

	m.wg.Add(1)
	go m.acceptLoop()

	logger.Debug("messenger listening on %s nonce %d", m.self.Addr.Addr, m.self.Addr.Nonce)
	return m, nil
}

// Addr returns the local address advertised to peers.
func (m *Messenger) Addr() protocol.EntityAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self.Addr
}

// SetSelf sets the name stamped as the source of outgoing messages.
func (m *Messenger) SetSelf(name protocol.EntityName) {
	m.mu.Lock()
	m.self.Name = name
	m.mu.Unlock()
}

// Send queues msg for dst and takes over the caller's reference. It never
// blocks: a full destination backlog fails with ErrSendQueueFull.
func (m *Messenger) Send(msg *protocol.Message, dst protocol.EntityInst) error {
	if dst.Addr.Addr == "" {
		msg.Put()
		return fmt.Errorf("send %s to %s: %w", msg.Hdr.Type, dst.Name, ErrNoDestination)
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		msg.Put()
		return ErrClosed
	}
	msg.Hdr.Src = m.self
	msg.Hdr.Dst = dst
	msg.Hdr.Seq = m.seq.Add(1)

	p, ok := m.peers[dst.Addr.Addr]
	if !ok {
		p = newPeer(m, dst.Addr.Addr)
		m.peers[dst.Addr.Addr] = p
		m.wg.Add(1)
		go p.run()
	}
	defer m.mu.Unlock()

	// Enqueue under the lock so Close cannot drain the peer in between.
	select {
	case p.out <- msg:
		return nil
	default:
		msg.Put()
		return fmt.Errorf("send %s to %s: %w", msg.Hdr.Type, dst.Name, ErrSendQueueFull)
	}
}

// Close stops accepting, closes every connection, waits for the I/O
// goroutines and drops queued messages. Safe to call more than once.
func (m *Messenger) Close() error {
	var err error
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.cancel()
		conns := make([]*conn, 0, len(m.conns))
		for _, c := range m.conns {
			conns = append(conns, c)
		}
		m.mu.Unlock()

		if cerr := m.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close listener: %w", cerr))
		}
		for _, c := range conns {
			if cerr := c.nc.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, fmt.Errorf("close conn to %s: %w", c.remote, cerr))
			}
		}

		m.wg.Wait()
		m.cfg.Metrics.SetOpenConnections(0)
		logger.Debug("messenger %s closed", m.self.Addr.Addr)
	})
	return err
}

func (m *Messenger) acceptLoop() {
	defer m.wg.Done()

	for {
		nc, err := m.ln.Accept()
		if err != nil {
			if m.ctx.Err() == nil {
				logger.Error("messenger accept: %v", err)
			}
			return
		}
		c, ok := m.track(nc)
		if !ok {
			_ = nc.Close()
			return
		}
		logger.Debug("messenger: accepted connection from %s", c.remote)
		m.wg.Add(1)
		go m.readLoop(c)
	}
}

// track registers nc. It fails once the messenger is closing.
func (m *Messenger) track(nc net.Conn) (*conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, false
	}
	c := &conn{id: m.connID.Add(1), nc: nc, remote: nc.RemoteAddr().String()}
	m.conns[c.id] = c
	m.cfg.Metrics.SetOpenConnections(len(m.conns))
	return c, true
}

func (m *Messenger) untrack(c *conn) {
	m.mu.Lock()
	delete(m.conns, c.id)
	n := len(m.conns)
	m.mu.Unlock()

	_ = c.nc.Close()
	m.cfg.Metrics.SetOpenConnections(n)
}
