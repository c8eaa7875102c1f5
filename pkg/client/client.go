// Package client is the cluster client core: it joins the cluster, waits for
// the monitor, metadata and storage maps, routes inbound messages to the
// subsystem clients and opens the mount root.
//
// Typical use:
//
//	reg := registry.New(registry.Config{})
//	c, err := client.NewClient(cfg, client.Deps{Registry: reg})
//	if err != nil { ... }
//	defer c.Destroy()
//	root, err := c.Mount(ctx, cfg)
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/internal/protocol"
	"github.com/marmos91/cephmount/internal/ratelimiter"
	"github.com/marmos91/cephmount/pkg/inode"
	"github.com/marmos91/cephmount/pkg/mdsclient"
	"github.com/marmos91/cephmount/pkg/metrics"
	"github.com/marmos91/cephmount/pkg/monclient"
	"github.com/marmos91/cephmount/pkg/osdclient"
	"github.com/marmos91/cephmount/pkg/registry"
)

// MountState is the bootstrap state of a client.
type MountState int32

const (
	StateIdle MountState = iota
	StateAwaitingMaps
	StateMapsReady
	StateOpeningRoot
	StateMounted
	StateFailed
)

func (s MountState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingMaps:
		return "awaiting-maps"
	case StateMapsReady:
		return "maps-ready"
	case StateOpeningRoot:
		return "opening-root"
	case StateMounted:
		return "mounted"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Client is one cluster session. It is created per mount and destroyed on
// unmount; it must not be shared between owners.
type Client struct {
	id      uuid.UUID
	cfg     Config
	deps    Deps
	clk     clock.Clock
	metrics metrics.ClientMetrics

	whoami atomic.Int64
	state  atomic.Int32

	transport Transport
	monc      *monclient.Client
	mdsc      *mdsclient.Client
	osdc      *osdclient.Client
	inodes    *inode.Table
	tracker   *MapSyncTracker

	handlers   map[protocol.MsgType]handlerInfo
	unknownLog *ratelimiter.RateLimiter

	// mountMu serializes Mount calls.
	mountMu sync.Mutex

	mu   sync.Mutex
	root *inode.Dentry

	destroyOnce sync.Once
	destroyErr  error
}

// NewClient creates a client, registers it with deps.Registry and starts its
// transport. The identity stays unassigned (-1) until the first monitor map.
func NewClient(cfg Config, deps Deps) (*Client, error) {
	if deps.Registry == nil {
		return nil, errors.New("client: registry is required")
	}
	cfg = cfg.withDefaults()
	deps = deps.withDefaults()

	id, err := deps.Registry.Acquire(registry.ClientInfo{
		Monitors:  cfg.Monitors,
		MountPath: cfg.Path,
	})
	if err != nil {
		return nil, &Error{Kind: KindResourceExhausted, Op: "create client", Err: err}
	}

	c := &Client{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		clk:        deps.Clock,
		metrics:    deps.Metrics,
		inodes:     inode.NewTable(cfg.MaxInodes),
		tracker:    NewMapSyncTracker(deps.Clock),
		unknownLog: ratelimiter.NewWithClock(cfg.UnknownLogRate, cfg.UnknownLogBurst, deps.Clock),
	}
	c.whoami.Store(-1)
	c.handlers = defaultHandlers()

	c.monc = monclient.New(c, monclient.Options{Clock: c.clk, Timeout: cfg.RequestTimeout})
	c.mdsc = mdsclient.New(c, mdsclient.Options{
		Clock:   c.clk,
		Timeout: cfg.RequestTimeout,
		Whoami:  c.Whoami,
		OnCaps:  c.applyCaps,
	})
	c.osdc = osdclient.New(c, osdclient.Options{Clock: c.clk, Timeout: cfg.RequestTimeout})

	t, err := deps.NewTransport(TransportConfig{
		MyAddr:       cfg.MyAddr,
		Dispatch:     c.Dispatch,
		PreparePages: c.osdc.PreparePages,
		Queue:        deps.Registry.Queue(),
	})
	if err != nil {
		return nil, multierr.Append(
			&Error{Kind: KindResourceExhausted, Op: "create transport", Err: err},
			deps.Registry.Release(id),
		)
	}
	c.transport = t

	c.metrics.SetActiveClients(deps.Registry.Count())
	logger.Debug("client %s created, transport at %s", id, t.Addr().Addr)
	return c, nil
}

// Send routes m through the transport. It implements the subsystem clients'
// Sender interface.
func (c *Client) Send(m *protocol.Message, dst protocol.EntityInst) error {
	return c.transport.Send(m, dst)
}

// ID returns the registry id of the client.
func (c *Client) ID() uuid.UUID { return c.id }

// Whoami returns the cluster identity, -1 until assigned.
func (c *Client) Whoami() int64 { return c.whoami.Load() }

// State returns the current bootstrap state.
func (c *Client) State() MountState { return MountState(c.state.Load()) }

func (c *Client) setState(s MountState) {
	old := MountState(c.state.Swap(int32(s)))
	if old != s {
		logger.Debug("client %s: %s -> %s", c.id, old, s)
	}
}

// Root returns the filesystem root entry, or nil before the first mount.
func (c *Client) Root() *inode.Dentry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// Inodes returns the namespace cache.
func (c *Client) Inodes() *inode.Table { return c.inodes }

// Storage returns the Storage service client.
func (c *Client) Storage() *osdclient.Client { return c.osdc }

// Maps returns the Map Sync Tracker.
func (c *Client) Maps() *MapSyncTracker { return c.tracker }

// Statfs queries cluster usage through the monitors.
func (c *Client) Statfs(ctx context.Context) (protocol.StatfsReplyHead, error) {
	return c.monc.Statfs(ctx)
}

func (c *Client) applyCaps(mds int, h protocol.FilecapsHead) {
	if !c.inodes.ApplyCaps(c.Whoami(), mds, h) {
		logger.Debug("client %s: caps for uncached inode %d from mds%d", c.id, h.Ino, mds)
	}
}

// Destroy stops the subsystem clients (failing in-flight RPCs), closes the
// transport and leaves the registry. Later calls return the first result.
func (c *Client) Destroy() error {
	c.destroyOnce.Do(func() {
		c.mdsc.Stop()
		c.osdc.Stop()
		c.monc.Stop()

		c.mu.Lock()
		root := c.root
		c.root = nil
		c.mu.Unlock()
		if root != nil {
			c.inodes.Forget(root)
		}

		c.destroyErr = multierr.Combine(
			wrapClose("transport", c.transport.Close()),
			wrapClose("registry", c.deps.Registry.Release(c.id)),
		)
		c.metrics.SetActiveClients(c.deps.Registry.Count())
		c.setState(StateIdle)
		logger.Debug("client %s destroyed", c.id)
	})
	return c.destroyErr
}

func wrapClose(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("close %s: %w", what, err)
}
