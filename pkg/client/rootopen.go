package client

import (
	"context"
	"errors"

	"github.com/marmos91/cephmount/internal/completion"
	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/internal/protocol"
	"github.com/marmos91/cephmount/pkg/inode"
	"github.com/marmos91/cephmount/pkg/mdsclient"
)

// openRoot opens path on the metadata service with directory semantics and
// binds the granted capability to the resulting entry.
//
// The filesystem root entry is allocated on the first successful reply and
// reused afterwards. A root allocated by this call is released again if a
// later step fails; a reused root never is. The mount-path inode handle and
// the request are always released. A full inode table surfaces as
// KindResourceExhausted.
func (c *Client) openRoot(ctx context.Context, path string) (_ *inode.Dentry, err error) {
	const op = "open root"

	req, err := c.mdsc.CreateRequest(protocol.MDSOpOpen, path)
	if err != nil {
		return nil, &Error{Kind: KindResourceExhausted, Op: op, Err: err}
	}
	defer req.Put()
	req.SetOpen(protocol.OpenFlagDirectory, 0)

	if err := c.mdsc.DoRequest(context.WithoutCancel(ctx), req); err != nil {
		return nil, requestError(op, err)
	}

	reply, frommds := req.Reply()
	if reply.Result != 0 {
		logger.Warn("open %q: mds%d returned %d", path, frommds, reply.Result)
		return nil, &Error{Kind: KindRemoteRejected, Op: op, Code: reply.Result}
	}
	if len(reply.Trace) == 0 {
		return nil, &Error{Kind: KindInvalidReply, Op: op, Err: inode.ErrEmptyTrace}
	}

	root, allocFS, err := c.rootEntry(reply.Trace[0])
	if err != nil {
		return nil, &Error{Kind: KindResourceExhausted, Op: op, Err: err}
	}
	defer func() {
		if err != nil && allocFS {
			c.mu.Lock()
			c.root = nil
			c.mu.Unlock()
			c.inodes.Forget(root)
		}
	}()

	mnt, d, err := c.inodes.FillTrace(root, reply.Trace)
	if err != nil {
		if errors.Is(err, inode.ErrTableFull) {
			return nil, &Error{Kind: KindResourceExhausted, Op: op, Err: err}
		}
		return nil, &Error{Kind: KindInvalidReply, Op: op, Err: err}
	}
	defer c.inodes.Put(mnt)

	mnt.AddCap(c.Whoami(), int(frommds), reply.FileCaps, reply.FileCapsSeq)
	mnt.Pin(inode.FileModePin)

	logger.Debug("opened %q as inode %d, caps %#x seq %d from mds%d", path, mnt.Ino, reply.FileCaps, reply.FileCapsSeq, frommds)
	return d, nil
}

// rootEntry returns the filesystem root entry, allocating it from the first
// trace entry if none exists yet.
func (c *Client) rootEntry(first protocol.TraceEntry) (*inode.Dentry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.root != nil {
		if c.root.Inode == nil {
			invariant("client %s: root entry without inode", c.id)
		}
		return c.root, false, nil
	}

	in, err := c.inodes.Get(first.Ino, first.Mode)
	if err != nil {
		return nil, false, err
	}
	c.root = inode.NewRoot(in)
	return c.root, true, nil
}

func requestError(op string, err error) error {
	switch {
	case errors.Is(err, completion.ErrTimeout):
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	case errors.Is(err, mdsclient.ErrStopped):
		return &Error{Kind: KindInterrupted, Op: op, Err: err}
	default:
		return &Error{Kind: KindUnavailable, Op: op, Err: err}
	}
}
