// Package monclient talks to the Monitor service: it keeps the latest monitor
// map, sends mount requests and runs statfs queries.
package monclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/marmos91/cephmount/internal/completion"
	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/internal/protocol"
)

var (
	ErrNoMonMap = errors.New("monclient: no monitor map")
	ErrStopped  = errors.New("monclient: stopped")
)

// Sender delivers a message to a cluster entity.
type Sender interface {
	Send(m *protocol.Message, dst protocol.EntityInst) error
}

// Options tunes a Client.
type Options struct {
	Clock clock.Clock

	// Timeout bounds a statfs round trip (0 = wait for ctx only).
	Timeout time.Duration
}

type statfsCall struct {
	done  *completion.Completion
	reply protocol.StatfsReplyHead
}

// Client is the Monitor service client.
type Client struct {
	send Sender
	opts Options

	mu      sync.Mutex
	monmap  *protocol.MonMap
	lastTid uint64
	statfs  map[uint64]*statfsCall
	stopped bool
}

func New(send Sender, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Client{
		send:   send,
		opts:   opts,
		statfs: make(map[uint64]*statfsCall),
	}
}

// Epoch returns the epoch of the current monitor map, 0 if none.
func (c *Client) Epoch() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.monmap == nil {
		return 0
	}
	return c.monmap.Epoch
}

// Map returns a copy of the current monitor map.
func (c *Client) Map() (protocol.MonMap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.monmap == nil {
		return protocol.MonMap{}, false
	}
	cp := *c.monmap
	cp.Mons = append([]protocol.EntityInst(nil), c.monmap.Mons...)
	return cp, true
}

// HandleMap installs the monitor map carried by m and reports the epoch held
// before and after. A map older than the current one is ignored.
// On decode failure the current map is kept and old == new.
func (c *Client) HandleMap(m *protocol.Message) (old, cur uint32, err error) {
	var mm protocol.MonMap
	decodeErr := protocol.Decode(m.Front, &mm)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.monmap != nil {
		old = c.monmap.Epoch
	}
	if decodeErr != nil {
		return old, old, fmt.Errorf("decode monmap: %w", decodeErr)
	}
	if mm.Epoch < old {
		logger.Debug("monclient: ignoring monmap epoch %d < %d", mm.Epoch, old)
		return old, old, nil
	}

	c.monmap = &mm
	return old, mm.Epoch, nil
}

// RequestMount asks monitor which, reachable at addr, to admit this client.
func (c *Client) RequestMount(which int, addr string, self protocol.EntityAddr) error {
	front, err := protocol.Encode(&protocol.MountHead{Addr: self})
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(protocol.MsgClientMount, front)
	dst := protocol.EntityInst{
		Name: protocol.EntityName{Type: protocol.EntityMon, Num: int64(which)},
		Addr: protocol.EntityAddr{Addr: addr},
	}
	return c.send.Send(msg, dst)
}

// Statfs queries cluster usage from a random monitor of the current map.
func (c *Client) Statfs(ctx context.Context) (protocol.StatfsReplyHead, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return protocol.StatfsReplyHead{}, ErrStopped
	}
	if c.monmap == nil || len(c.monmap.Mons) == 0 {
		c.mu.Unlock()
		return protocol.StatfsReplyHead{}, ErrNoMonMap
	}
	dst := c.monmap.Mons[rand.IntN(len(c.monmap.Mons))]
	c.lastTid++
	tid := c.lastTid
	call := &statfsCall{done: completion.New(c.opts.Clock)}
	c.statfs[tid] = call
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.statfs, tid)
		c.mu.Unlock()
	}()

	front, err := protocol.Encode(&protocol.StatfsHead{Tid: tid})
	if err != nil {
		return protocol.StatfsReplyHead{}, err
	}
	if err := c.send.Send(protocol.NewMessage(protocol.MsgStatfs, front), dst); err != nil {
		return protocol.StatfsReplyHead{}, fmt.Errorf("send statfs to %s: %w", dst.Name, err)
	}

	if err := call.done.Wait(ctx, c.opts.Timeout); err != nil {
		return protocol.StatfsReplyHead{}, fmt.Errorf("statfs tid %d: %w", tid, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped && call.reply.Tid == 0 {
		return protocol.StatfsReplyHead{}, ErrStopped
	}
	return call.reply, nil
}

// HandleStatfsReply completes the matching Statfs call.
func (c *Client) HandleStatfsReply(m *protocol.Message) error {
	var h protocol.StatfsReplyHead
	if err := protocol.Decode(m.Front, &h); err != nil {
		return fmt.Errorf("decode statfs reply: %w", err)
	}

	c.mu.Lock()
	call, ok := c.statfs[h.Tid]
	if ok {
		call.reply = h
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("statfs reply for unknown tid %d", h.Tid)
	}
	call.done.Complete()
	return nil
}

// Stop fails pending statfs calls.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	pending := make([]*statfsCall, 0, len(c.statfs))
	for _, call := range c.statfs {
		pending = append(pending, call)
	}
	c.mu.Unlock()

	for _, call := range pending {
		call.done.Complete()
	}
}
