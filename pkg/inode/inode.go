// Package inode is the client's namespace cache: inodes referenced by the
// metadata servers' traces, the directory entries that name them and the
// capabilities granted on them.
package inode

import (
	"fmt"
	"sync"

	"github.com/marmos91/cephmount/internal/protocol"
)

// FileMode indexes the per-mode open counts of an inode.
type FileMode int

const (
	FileModePin FileMode = iota
	FileModeRead
	FileModeWrite
	FileModeReadWrite

	numFileModes
)

func (m FileMode) String() string {
	switch m {
	case FileModePin:
		return "pin"
	case FileModeRead:
		return "rd"
	case FileModeWrite:
		return "wr"
	case FileModeReadWrite:
		return "rdwr"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Cap is a capability granted by one metadata server to this client.
type Cap struct {
	Client int64
	MDS    int
	Issued uint32
	Seq    uint32
}

// Inode is a cached inode. Its reference count is managed by the Table.
type Inode struct {
	Ino  uint64
	Mode uint32

	mu       sync.Mutex
	refs     int
	caps     map[int]*Cap
	nrByMode [numFileModes]int
}

func (in *Inode) IsDir() bool {
	return in.Mode&protocol.ModeTypeMask == protocol.ModeDir
}

// AddCap binds a capability from mds to the inode. A second grant from the
// same server widens the issued set and advances the sequence.
func (in *Inode) AddCap(client int64, mds int, issued, seq uint32) *Cap {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.caps == nil {
		in.caps = make(map[int]*Cap)
	}
	c, ok := in.caps[mds]
	if !ok {
		c = &Cap{Client: client, MDS: mds}
		in.caps[mds] = c
	}
	c.Issued |= issued
	if seq > c.Seq {
		c.Seq = seq
	}
	return c
}

// RevokeCap clears bits from the capability held from mds. The capability is
// dropped once nothing remains issued.
func (in *Inode) RevokeCap(mds int, bits, seq uint32) {
	in.mu.Lock()
	defer in.mu.Unlock()

	c, ok := in.caps[mds]
	if !ok {
		return
	}
	c.Issued &^= bits
	if seq > c.Seq {
		c.Seq = seq
	}
	if c.Issued == 0 {
		delete(in.caps, mds)
	}
}

// Caps returns copies of the capabilities currently held.
func (in *Inode) Caps() []Cap {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := make([]Cap, 0, len(in.caps))
	for _, c := range in.caps {
		out = append(out, *c)
	}
	return out
}

// Issued returns the union of all issued capability bits.
func (in *Inode) Issued() uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()

	var bits uint32
	for _, c := range in.caps {
		bits |= c.Issued
	}
	return bits
}

// Pin increments the open count for mode.
func (in *Inode) Pin(mode FileMode) {
	in.mu.Lock()
	in.nrByMode[mode]++
	in.mu.Unlock()
}

// Unpin decrements the open count for mode.
func (in *Inode) Unpin(mode FileMode) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.nrByMode[mode] == 0 {
		panic(fmt.Errorf("BUG: unpin %s on inode %d with zero count", mode, in.Ino))
	}
	in.nrByMode[mode]--
}

// NrByMode returns the open count for mode.
func (in *Inode) NrByMode(mode FileMode) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.nrByMode[mode]
}

// Refs returns the current reference count.
func (in *Inode) Refs() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.refs
}
