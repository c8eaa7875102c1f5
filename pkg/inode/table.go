package inode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/marmos91/cephmount/internal/protocol"
)

var (
	ErrTableFull  = errors.New("inode table full")
	ErrEmptyTrace = errors.New("empty trace")
)

// Table caches inodes by number. Get takes a reference, Put drops it; an
// inode leaves the table when its last reference goes.
type Table struct {
	mu     sync.Mutex
	inodes map[uint64]*Inode
	max    int
}

// NewTable creates a table holding at most max inodes (0 = unbounded).
func NewTable(max int) *Table {
	return &Table{inodes: make(map[uint64]*Inode), max: max}
}

// Get returns the inode numbered ino with an extra reference, allocating it
// with the given mode if it is not cached.
func (t *Table) Get(ino uint64, mode uint32) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if in, ok := t.inodes[ino]; ok {
		in.mu.Lock()
		in.refs++
		in.mu.Unlock()
		return in, nil
	}
	if t.max > 0 && len(t.inodes) >= t.max {
		return nil, fmt.Errorf("inode %d: %w", ino, ErrTableFull)
	}

	in := &Inode{Ino: ino, Mode: mode, refs: 1}
	t.inodes[ino] = in
	return in, nil
}

// Lookup returns the cached inode without taking a reference.
func (t *Table) Lookup(ino uint64) (*Inode, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	in, ok := t.inodes[ino]
	return in, ok
}

// Put drops one reference on in.
func (t *Table) Put(in *Inode) {
	t.mu.Lock()
	defer t.mu.Unlock()

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.refs <= 0 {
		panic(fmt.Errorf("BUG: put on inode %d with no references", in.Ino))
	}
	in.refs--
	if in.refs == 0 {
		delete(t.inodes, in.Ino)
	}
}

// Len returns the number of cached inodes.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inodes)
}

// NewRoot returns a root dentry for in. The dentry takes over the caller's
// reference on in.
func NewRoot(in *Inode) *Dentry {
	return newDentry(nil, "", in)
}

// Forget unlinks d from its parent and drops the references held by d and
// every entry cached below it.
func (t *Table) Forget(d *Dentry) {
	if d.Parent != nil {
		d.Parent.detach(d)
	}
	t.forget(d)
}

func (t *Table) forget(d *Dentry) {
	for _, child := range d.takeChildren() {
		t.forget(child)
	}
	t.Put(d.Inode)
}

// FillTrace caches the path walk in trace below root and returns the inode
// and dentry of the last entry. trace[0] must describe root itself.
//
// The returned inode carries an extra reference owned by the caller; each
// newly cached dentry holds its own reference. A cached child whose inode no
// longer matches the trace is replaced and forgotten. On error every dentry
// attached by this call is forgotten again.
func (t *Table) FillTrace(root *Dentry, trace []protocol.TraceEntry) (_ *Inode, _ *Dentry, err error) {
	if len(trace) == 0 {
		return nil, nil, ErrEmptyTrace
	}
	if trace[0].Ino != root.Inode.Ino {
		return nil, nil, fmt.Errorf("trace starts at inode %d, root is %d", trace[0].Ino, root.Inode.Ino)
	}

	// Entries attached after the first one all hang below it.
	var added *Dentry
	defer func() {
		if err != nil && added != nil {
			t.Forget(added)
		}
	}()

	cur := root
	for _, e := range trace[1:] {
		if child := cur.Child(e.Name); child != nil && child.Inode.Ino == e.Ino {
			cur = child
			continue
		}

		in, err := t.Get(e.Ino, e.Mode)
		if err != nil {
			return nil, nil, fmt.Errorf("fill trace at %q: %w", e.Name, err)
		}
		child := newDentry(cur, e.Name, in)
		if stale := cur.attach(child); stale != nil {
			t.forget(stale)
		}
		if added == nil {
			added = child
		}
		cur = child
	}

	mnt, err := t.Get(cur.Inode.Ino, cur.Inode.Mode)
	if err != nil {
		return nil, nil, err
	}
	return mnt, cur, nil
}

// ApplyCaps applies a capability message from mds to the cached inode ino.
// It reports whether the inode was cached.
func (t *Table) ApplyCaps(client int64, mds int, h protocol.FilecapsHead) bool {
	in, ok := t.Lookup(h.Ino)
	if !ok {
		return false
	}

	switch h.Op {
	case protocol.CapGrant:
		in.AddCap(client, mds, h.Caps, h.Seq)
	case protocol.CapRevoke, protocol.CapRelease:
		in.RevokeCap(mds, h.Caps, h.Seq)
	}
	return true
}
