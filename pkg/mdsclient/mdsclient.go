// Package mdsclient talks to the Metadata service: it tracks the metadata
// map, keeps a session per server and runs namespace requests to completion.
package mdsclient

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
	ErrNoMDSMap    = errors.New("mdsclient: no metadata map")
	ErrNoActiveMDS = errors.New("mdsclient: no active metadata server")
	ErrStopped     = errors.New("mdsclient: stopped")
	ErrUnknownTid  = errors.New("mdsclient: unknown tid")
)

// Sender delivers a message to a cluster entity.
type Sender interface {
	Send(m *protocol.Message, dst protocol.EntityInst) error
}

// Options tunes a Client.
type Options struct {
	Clock clock.Clock

	// Timeout bounds each request and session open (0 = no bound).
	Timeout time.Duration

	// Whoami reports the client's cluster identity for request heads.
	Whoami func() int64

	// OnCaps receives capability messages from server mds.
	OnCaps func(mds int, h protocol.FilecapsHead)
}

// Client is the Metadata service client.
type Client struct {
	send Sender
	opts Options

	mu       sync.Mutex
	mdsmap   *protocol.MDSMap
	sessions map[int32]*Session
	requests map[uint64]*Request
	lastTid  uint64
	stopped  bool
}

func New(send Sender, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Whoami == nil {
		opts.Whoami = func() int64 { return -1 }
	}
	return &Client{
		send:     send,
		opts:     opts,
		sessions: make(map[int32]*Session),
		requests: make(map[uint64]*Request),
	}
}

// ============================================================================
// Metadata Map
// ============================================================================

// Epoch returns the epoch of the current metadata map, 0 if none.
func (c *Client) Epoch() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mdsmap == nil {
		return 0
	}
	return c.mdsmap.Epoch
}

// HandleMap installs the metadata map carried by m and reports the epoch held
// before and after. A map older than the current one is ignored.
func (c *Client) HandleMap(m *protocol.Message) (old, cur uint32, err error) {
	var mm protocol.MDSMap
	decodeErr := protocol.Decode(m.Front, &mm)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mdsmap != nil {
		old = c.mdsmap.Epoch
	}
	if decodeErr != nil {
		return old, old, fmt.Errorf("decode mdsmap: %w", decodeErr)
	}
	if mm.Epoch < old {
		logger.Debug("mdsclient: ignoring mdsmap epoch %d < %d", mm.Epoch, old)
		return old, old, nil
	}

	c.mdsmap = &mm
	return old, mm.Epoch, nil
}

func (c *Client) lookupLocked(rank int32) (protocol.EntityInst, error) {
	if c.mdsmap == nil {
		return protocol.EntityInst{}, ErrNoMDSMap
	}
	if rank < 0 {
		active := c.mdsmap.Active()
		if len(active) == 0 {
			return protocol.EntityInst{}, ErrNoActiveMDS
		}
		return active[0].Inst, nil
	}
	info, ok := c.mdsmap.Lookup(rank)
	if !ok || info.State != protocol.MDSStateActive {
		return protocol.EntityInst{}, fmt.Errorf("mds%d: %w", rank, ErrNoActiveMDS)
	}
	return info.Inst, nil
}

// ============================================================================
// Requests
// ============================================================================

// CreateRequest allocates a request for op on path. The caller owns one
// reference and must Put it.
func (c *Client) CreateRequest(op uint32, path string) (*Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil, ErrStopped
	}
	return newRequest(c, op, path), nil
}

// DoRequest sends req to an active server and blocks until it is answered,
// the request times out, ctx ends or the client is stopped. On success the
// reply head is available from req.Reply.
func (c *Client) DoRequest(ctx context.Context, req *Request) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.lastTid++
	req.Head.Tid = c.lastTid
	req.Head.Caller = protocol.EntityName{Type: protocol.EntityClient, Num: c.opts.Whoami()}
	dst, err := c.lookupLocked(req.target())
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.requests[req.Head.Tid] = req.Get()
	c.mu.Unlock()

	defer c.unregister(req)

	if err := c.openSession(ctx, dst); err != nil {
		return err
	}

	req.mu.Lock()
	req.mds = int32(dst.Name.Num)
	req.mu.Unlock()

	if err := c.sendRequest(req, dst); err != nil {
		return err
	}

	logger.Debug("mdsclient: tid %d op %#x %q sent to %s", req.Head.Tid, req.Head.Op, req.Head.Path, dst.Name)

	if err := req.done.Wait(ctx, c.opts.Timeout); err != nil {
		return fmt.Errorf("request tid %d: %w", req.Head.Tid, err)
	}
	return req.result()
}

func (c *Client) sendRequest(req *Request, dst protocol.EntityInst) error {
	front, err := protocol.Encode(&req.Head)
	if err != nil {
		return err
	}
	if err := c.send.Send(protocol.NewMessage(protocol.MsgClientRequest, front), dst); err != nil {
		return fmt.Errorf("send request tid %d to %s: %w", req.Head.Tid, dst.Name, err)
	}
	return nil
}

func (c *Client) unregister(req *Request) {
	c.mu.Lock()
	_, ok := c.requests[req.Head.Tid]
	delete(c.requests, req.Head.Tid)
	c.mu.Unlock()

	if ok {
		req.Put()
	}
}

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// lookupRequest returns the pending request tid with a reference the caller
// must Put.
func (c *Client) lookupRequest(tid uint64) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.requests[tid]
	if !ok {
		return nil, false
	}
	return req.Get(), true
}

// HandleReply matches a reply to its request. The request takes its own
// reference on m.
func (c *Client) HandleReply(m *protocol.Message) error {
	var h protocol.ReplyHead
	if err := protocol.Decode(m.Front, &h); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}

	req, ok := c.lookupRequest(h.Tid)
	if !ok {
		return fmt.Errorf("reply tid %d from %s: %w", h.Tid, m.Hdr.Src.Name, ErrUnknownTid)
	}
	defer req.Put()

	req.complete(m.Get(), h, nil)
	return nil
}

// HandleForward resends a request to the rank that now owns it.
func (c *Client) HandleForward(m *protocol.Message) error {
	var h protocol.ForwardHead
	if err := protocol.Decode(m.Front, &h); err != nil {
		return fmt.Errorf("decode forward: %w", err)
	}

	req, ok := c.lookupRequest(h.Tid)
	if !ok {
		return fmt.Errorf("forward tid %d: %w", h.Tid, ErrUnknownTid)
	}
	defer req.Put()

	c.mu.Lock()
	dst, err := c.lookupLocked(h.DestMDS)
	c.mu.Unlock()
	if err != nil {
		req.complete(nil, protocol.ReplyHead{}, fmt.Errorf("forward tid %d: %w", h.Tid, err))
		return err
	}

	req.mu.Lock()
	req.mds = h.DestMDS
	req.mu.Unlock()
	req.Head.NumFwd = h.NumFwd

	logger.Debug("mdsclient: tid %d forwarded to mds%d (fwd %d)", h.Tid, h.DestMDS, h.NumFwd)
	return c.sendRequest(req, dst)
}

// HandleFilecaps passes a capability message to the OnCaps hook.
func (c *Client) HandleFilecaps(m *protocol.Message) error {
	var h protocol.FilecapsHead
	if err := protocol.Decode(m.Front, &h); err != nil {
		return fmt.Errorf("decode filecaps: %w", err)
	}
	if c.opts.OnCaps != nil {
		c.opts.OnCaps(int(m.Hdr.Src.Name.Num), h)
	}
	return nil
}

// Stop fails every pending request and session wait. Later requests fail
// with ErrStopped.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	reqs := make([]*Request, 0, len(c.requests))
	for _, r := range c.requests {
		reqs = append(reqs, r.Get())
	}
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, r := range reqs {
		r.complete(nil, protocol.ReplyHead{}, ErrStopped)
		r.Put()
	}
	for _, s := range sessions {
		s.opened.Complete()
	}
	logger.Debug("mdsclient: stopped, %d requests failed", len(reqs))
}

func (c *Client) newCompletion() *completion.Completion {
	return completion.New(c.opts.Clock)
}
