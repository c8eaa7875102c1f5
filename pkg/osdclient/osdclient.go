// Package osdclient talks to the Storage service: it tracks the storage map
// and matches op replies, including their bulk data, to submitted ops.
package osdclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/marmos91/cephmount/internal/completion"
	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/internal/protocol"
)

var (
	ErrNoOSDMap   = errors.New("osdclient: no storage map")
	ErrUnknownOSD = errors.New("osdclient: osd not in map")
	ErrUnknownTid = errors.New("osdclient: unknown tid")
	ErrStopped    = errors.New("osdclient: stopped")
)

// Sender delivers a message to a cluster entity.
type Sender interface {
	Send(m *protocol.Message, dst protocol.EntityInst) error
}

type Options struct {
	Clock clock.Clock

	// Timeout bounds each op (0 = wait for ctx only).
	Timeout time.Duration
}

// Op is a submitted storage op awaiting its reply.
type Op struct {
	Head protocol.OSDOpHead

	done  *completion.Completion
	buf   []byte
	reply protocol.OSDOpReplyHead
	data  []byte
	err   error
}

// Client is the Storage service client.
type Client struct {
	send Sender
	opts Options

	mu      sync.Mutex
	osdmap  *protocol.OSDMap
	ops     map[uint64]*Op
	lastTid uint64
	stopped bool
}

func New(send Sender, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Client{
		send: send,
		opts: opts,
		ops:  make(map[uint64]*Op),
	}
}

// Epoch returns the epoch of the current storage map, 0 if none.
func (c *Client) Epoch() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.osdmap == nil {
		return 0
	}
	return c.osdmap.Epoch
}

// HandleMap installs the storage map carried by m and reports the epoch held
// before and after. A map older than the current one is ignored.
func (c *Client) HandleMap(m *protocol.Message) (old, cur uint32, err error) {
	var om protocol.OSDMap
	decodeErr := protocol.Decode(m.Front, &om)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.osdmap != nil {
		old = c.osdmap.Epoch
	}
	if decodeErr != nil {
		return old, old, fmt.Errorf("decode osdmap: %w", decodeErr)
	}
	if om.Epoch < old {
		logger.Debug("osdclient: ignoring osdmap epoch %d < %d", om.Epoch, old)
		return old, old, nil
	}

	c.osdmap = &om
	return old, om.Epoch, nil
}

// Submit sends an op to osd and waits for its reply. For reads, buf (if
// large enough) receives the returned data; otherwise a buffer is allocated.
// The returned slice aliases the receive buffer.
func (c *Client) Submit(ctx context.Context, osd int, head protocol.OSDOpHead, data, buf []byte) (protocol.OSDOpReplyHead, []byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return protocol.OSDOpReplyHead{}, nil, ErrStopped
	}
	if c.osdmap == nil {
		c.mu.Unlock()
		return protocol.OSDOpReplyHead{}, nil, ErrNoOSDMap
	}
	if osd < 0 || osd >= len(c.osdmap.OSDs) {
		c.mu.Unlock()
		return protocol.OSDOpReplyHead{}, nil, fmt.Errorf("osd%d: %w", osd, ErrUnknownOSD)
	}
	dst := c.osdmap.OSDs[osd]
	c.lastTid++
	head.Tid = c.lastTid
	op := &Op{Head: head, done: completion.New(c.opts.Clock), buf: buf}
	c.ops[head.Tid] = op
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.ops, head.Tid)
		c.mu.Unlock()
	}()

	front, err := protocol.Encode(&head)
	if err != nil {
		return protocol.OSDOpReplyHead{}, nil, err
	}
	msg := protocol.NewMessage(protocol.MsgOSDOp, front)
	msg.Data = data
	if err := c.send.Send(msg, dst); err != nil {
		return protocol.OSDOpReplyHead{}, nil, fmt.Errorf("send op tid %d to %s: %w", head.Tid, dst.Name, err)
	}

	if err := op.done.Wait(ctx, c.opts.Timeout); err != nil {
		return protocol.OSDOpReplyHead{}, nil, fmt.Errorf("op tid %d: %w", head.Tid, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return op.reply, op.data, op.err
}

// PreparePages supplies the buffer that the incoming data of m should be read
// into. Only op replies for known ops get a buffer.
func (c *Client) PreparePages(m *protocol.Message, want int) ([]byte, error) {
	if m.Hdr.Type != protocol.MsgOSDOpReply {
		return nil, fmt.Errorf("no pages for %s", m.Hdr.Type)
	}

	var h protocol.OSDOpReplyHead
	if err := protocol.Decode(m.Front, &h); err != nil {
		return nil, fmt.Errorf("decode op reply: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.ops[h.Tid]
	if !ok {
		return nil, fmt.Errorf("pages for tid %d: %w", h.Tid, ErrUnknownTid)
	}
	if cap(op.buf) < want {
		op.buf = make([]byte, want)
	}
	return op.buf[:want], nil
}

// HandleReply completes the op matching m.
func (c *Client) HandleReply(m *protocol.Message) error {
	var h protocol.OSDOpReplyHead
	if err := protocol.Decode(m.Front, &h); err != nil {
		return fmt.Errorf("decode op reply: %w", err)
	}

	c.mu.Lock()
	op, ok := c.ops[h.Tid]
	if ok {
		op.reply = h
		op.data = m.Data
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("op reply tid %d from %s: %w", h.Tid, m.Hdr.Src.Name, ErrUnknownTid)
	}
	op.done.Complete()
	return nil
}

// Stop fails every pending op.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	pending := make([]*Op, 0, len(c.ops))
	for _, op := range c.ops {
		if !op.done.IsDone() {
			op.err = ErrStopped
		}
		pending = append(pending, op)
	}
	c.mu.Unlock()

	for _, op := range pending {
		op.done.Complete()
	}
}
