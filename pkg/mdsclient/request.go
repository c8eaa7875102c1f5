package mdsclient

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marmos91/cephmount/internal/completion"
	"github.com/marmos91/cephmount/internal/protocol"
)

// Request is an in-flight metadata request. It is reference counted: the
// creator holds one reference and the request table holds another while the
// request is pending. When the last reference is dropped the held reply
// message is released.
type Request struct {
	Head protocol.RequestHead

	refs atomic.Int32
	done *completion.Completion

	mu        sync.Mutex
	mds       int32
	reply     *protocol.Message
	replyHead protocol.ReplyHead
	from      int64
	err       error
}

func newRequest(c *Client, op uint32, path string) *Request {
	r := &Request{
		Head: protocol.RequestHead{Op: op, Path: path},
		done: completion.New(c.opts.Clock),
		mds:  -1,
	}
	r.refs.Store(1)
	return r
}

// Get takes a reference.
func (r *Request) Get() *Request {
	r.refs.Add(1)
	return r
}

// Put drops a reference.
func (r *Request) Put() {
	n := r.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic(fmt.Errorf("BUG: request tid %d released twice", r.Head.Tid))
	}

	r.mu.Lock()
	reply := r.reply
	r.reply = nil
	r.mu.Unlock()

	if reply != nil {
		reply.Put()
	}
}

// Released reports whether the last reference has been dropped.
func (r *Request) Released() bool {
	return r.refs.Load() <= 0
}

// Reply returns the decoded reply head and the rank that sent it.
func (r *Request) Reply() (protocol.ReplyHead, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replyHead, r.from
}

// ReplyMessage returns the raw reply message, still owned by the request.
func (r *Request) ReplyMessage() *protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reply
}

// SetOpen fills the OPEN arguments.
func (r *Request) SetOpen(flags, mode uint32) {
	r.Head.Open = protocol.OpenArgs{Flags: flags, Mode: mode}
}

func (r *Request) target() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mds
}

func (r *Request) complete(reply *protocol.Message, head protocol.ReplyHead, err error) {
	r.mu.Lock()
	if r.reply == nil && r.err == nil {
		r.reply = reply
		r.replyHead = head
		r.err = err
		if reply != nil {
			r.from = reply.Hdr.Src.Name.Num
		}
	} else if reply != nil {
		// Duplicate reply after completion.
		reply.Put()
	}
	r.mu.Unlock()

	r.done.Complete()
}

func (r *Request) result() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
