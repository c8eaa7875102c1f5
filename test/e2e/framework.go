// Package e2e runs the client against an in-process cluster over real TCP.
package e2e

import (
	"sync"
	"testing"

	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/internal/protocol"
	"github.com/marmos91/cephmount/pkg/messenger"
)

// TestCluster plays monitor, metadata server and storage server on a single
// messenger. It answers join requests with epoch-1 maps for all three
// subsystems, opens sessions, and replies to OPEN and STATFS.
type TestCluster struct {
	t    *testing.T
	msgr *messenger.Messenger

	mu       sync.Mutex
	silent   bool
	nextID   int64
	result   int32
	mounts   int
	requests []protocol.RequestHead
}

// NewTestCluster starts a cluster listening on a loopback port.
func NewTestCluster(t *testing.T) *TestCluster {
	t.Helper()

	tc := &TestCluster{t: t, nextID: 4123}
	m, err := messenger.New(messenger.Config{MyAddr: "127.0.0.1:0", Dispatch: tc.dispatch})
	if err != nil {
		t.Fatalf("start test cluster: %v", err)
	}
	m.SetSelf(protocol.EntityName{Type: protocol.EntityMDS, Num: 0})
	tc.msgr = m
	t.Cleanup(func() { _ = m.Close() })
	return tc
}

// Addr returns the monitor address to configure clients with.
func (tc *TestCluster) Addr() string {
	return tc.msgr.Addr().Addr
}

// SetSilent makes the cluster ignore join requests.
func (tc *TestCluster) SetSilent(v bool) {
	tc.mu.Lock()
	tc.silent = v
	tc.mu.Unlock()
}

// SetResult sets the result code of OPEN replies.
func (tc *TestCluster) SetResult(code int32) {
	tc.mu.Lock()
	tc.result = code
	tc.mu.Unlock()
}

// Mounts returns the number of join requests received.
func (tc *TestCluster) Mounts() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.mounts
}

// Requests returns the metadata requests received.
func (tc *TestCluster) Requests() []protocol.RequestHead {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]protocol.RequestHead(nil), tc.requests...)
}

func (tc *TestCluster) self() protocol.EntityInst {
	return protocol.EntityInst{
		Name: protocol.EntityName{Type: protocol.EntityMDS, Num: 0},
		Addr: tc.msgr.Addr(),
	}
}

func (tc *TestCluster) dispatch(m *protocol.Message) {
	defer m.Put()

	var err error
	switch m.Hdr.Type {
	case protocol.MsgClientMount:
		err = tc.handleMount(m)
	case protocol.MsgClientSession:
		err = tc.handleSession(m)
	case protocol.MsgClientRequest:
		err = tc.handleRequest(m)
	case protocol.MsgStatfs:
		err = tc.handleStatfs(m)
	default:
		logger.Debug("test cluster: ignoring %s from %s", m.Hdr.Type, m.Hdr.Src.Name)
	}
	if err != nil {
		tc.t.Errorf("test cluster: %s: %v", m.Hdr.Type, err)
	}
}

func (tc *TestCluster) handleMount(m *protocol.Message) error {
	var head protocol.MountHead
	if err := protocol.Decode(m.Front, &head); err != nil {
		return err
	}

	tc.mu.Lock()
	tc.mounts++
	silent := tc.silent
	id := tc.nextID
	tc.mu.Unlock()
	if silent {
		return nil
	}

	dst := protocol.EntityInst{
		Name: protocol.EntityName{Type: protocol.EntityClient, Num: id},
		Addr: head.Addr,
	}
	mon := protocol.EntityInst{Name: protocol.EntityName{Type: protocol.EntityMon}, Addr: tc.msgr.Addr()}
	osd := protocol.EntityInst{Name: protocol.EntityName{Type: protocol.EntityOSD}, Addr: tc.msgr.Addr()}

	if err := tc.send(protocol.MsgMonMap, &protocol.MonMap{Epoch: 1, Mons: []protocol.EntityInst{mon}}, dst); err != nil {
		return err
	}
	if err := tc.send(protocol.MsgMDSMap, &protocol.MDSMap{
		Epoch: 1,
		MDSs:  []protocol.MDSInfo{{Rank: 0, State: protocol.MDSStateActive, Inst: tc.self()}},
	}, dst); err != nil {
		return err
	}
	return tc.send(protocol.MsgOSDMap, &protocol.OSDMap{Epoch: 1, OSDs: []protocol.EntityInst{osd}}, dst)
}

func (tc *TestCluster) handleSession(m *protocol.Message) error {
	var h protocol.SessionHead
	if err := protocol.Decode(m.Front, &h); err != nil {
		return err
	}
	if h.Op != protocol.SessionRequestOpen {
		return nil
	}
	return tc.send(protocol.MsgClientSession, &protocol.SessionHead{Op: protocol.SessionOpen, Seq: 1}, m.Hdr.Src)
}

func (tc *TestCluster) handleRequest(m *protocol.Message) error {
	var h protocol.RequestHead
	if err := protocol.Decode(m.Front, &h); err != nil {
		return err
	}

	tc.mu.Lock()
	tc.requests = append(tc.requests, h)
	result := tc.result
	tc.mu.Unlock()

	reply := protocol.ReplyHead{
		Tid:         h.Tid,
		Op:          h.Op,
		Result:      result,
		FileCaps:    protocol.CapPin | protocol.CapRdCache,
		FileCapsSeq: 1,
	}
	if result == 0 {
		reply.Trace = []protocol.TraceEntry{{Ino: 1, Mode: protocol.ModeDir | 0o755}}
	}
	return tc.send(protocol.MsgClientReply, &reply, m.Hdr.Src)
}

func (tc *TestCluster) handleStatfs(m *protocol.Message) error {
	var h protocol.StatfsHead
	if err := protocol.Decode(m.Front, &h); err != nil {
		return err
	}
	return tc.send(protocol.MsgStatfsReply, &protocol.StatfsReplyHead{
		Tid:       h.Tid,
		Total:     1 << 30,
		Used:      1 << 20,
		Available: 1<<30 - 1<<20,
		Objects:   42,
	}, m.Hdr.Src)
}

func (tc *TestCluster) send(typ protocol.MsgType, v any, dst protocol.EntityInst) error {
	front, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return tc.msgr.Send(protocol.NewMessage(typ, front), dst)
}
