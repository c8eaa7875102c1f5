package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/cephmount/internal/protocol"
	"github.com/marmos91/cephmount/pkg/registry"
)

// ============================================================================
// Fake Transport
// ============================================================================

type sentMessage struct {
	Type  protocol.MsgType
	Dst   protocol.EntityInst
	Front []byte
}

// fakeTransport records outgoing messages and releases them like the
// messenger does once written.
type fakeTransport struct {
	mu     sync.Mutex
	self   protocol.EntityName
	sent   []sentMessage
	closed int
	onSend func(s sentMessage)
}

func (f *fakeTransport) Send(m *protocol.Message, dst protocol.EntityInst) error {
	s := sentMessage{Type: m.Hdr.Type, Dst: dst, Front: append([]byte(nil), m.Front...)}
	m.Put()

	f.mu.Lock()
	f.sent = append(f.sent, s)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return nil
}

func (f *fakeTransport) SetSelf(name protocol.EntityName) {
	f.mu.Lock()
	f.self = name
	f.mu.Unlock()
}

func (f *fakeTransport) Addr() protocol.EntityAddr {
	return protocol.EntityAddr{Addr: "127.0.0.1:40000", Nonce: 7}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sentOf(typ protocol.MsgType) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []sentMessage
	for _, s := range f.sent {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) selfName() protocol.EntityName {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.self
}

// ============================================================================
// Scripted Cluster
// ============================================================================

var (
	testMonitors = []string{"10.0.0.1:6789", "10.0.0.2:6789", "10.0.0.3:6789"}

	mds0 = protocol.EntityInst{
		Name: protocol.EntityName{Type: protocol.EntityMDS, Num: 0},
		Addr: protocol.EntityAddr{Addr: "10.0.1.1:6800"},
	}
	osd0 = protocol.EntityInst{
		Name: protocol.EntityName{Type: protocol.EntityOSD, Num: 0},
		Addr: protocol.EntityAddr{Addr: "10.0.2.1:6801"},
	}
)

// fakeCluster answers the client's requests synchronously from inside
// Send, feeding replies through Client.Dispatch.
type fakeCluster struct {
	t *testing.T
	c *Client

	mu       sync.Mutex
	silent   bool
	whoami   int64
	result   int32
	trace    []protocol.TraceEntry
	caps     uint32
	requests []protocol.RequestHead
	replies  []*protocol.Message
}

func newFakeCluster(t *testing.T) *fakeCluster {
	return &fakeCluster{
		t:      t,
		whoami: 4123,
		trace:  []protocol.TraceEntry{{Ino: 1, Mode: protocol.ModeDir | 0o755}},
		caps:   protocol.CapPin | protocol.CapRdCache,
	}
}

func (fc *fakeCluster) setSilent(v bool) {
	fc.mu.Lock()
	fc.silent = v
	fc.mu.Unlock()
}

func (fc *fakeCluster) handle(s sentMessage) {
	switch s.Type {
	case protocol.MsgClientMount:
		fc.mu.Lock()
		silent := fc.silent
		fc.mu.Unlock()
		if silent {
			return
		}
		fc.sendMaps(1)

	case protocol.MsgClientSession:
		var h protocol.SessionHead
		require.NoError(fc.t, protocol.Decode(s.Front, &h))
		if h.Op == protocol.SessionRequestOpen {
			fc.deliver(protocol.MsgClientSession, mds0.Name, &protocol.SessionHead{Op: protocol.SessionOpen, Seq: 1})
		}

	case protocol.MsgClientRequest:
		var h protocol.RequestHead
		require.NoError(fc.t, protocol.Decode(s.Front, &h))

		fc.mu.Lock()
		fc.requests = append(fc.requests, h)
		reply := protocol.ReplyHead{
			Tid:         h.Tid,
			Op:          h.Op,
			Result:      fc.result,
			FileCaps:    fc.caps,
			FileCapsSeq: uint32(len(fc.requests)),
			Trace:       fc.trace,
		}
		fc.mu.Unlock()

		m := fc.message(protocol.MsgClientReply, mds0.Name, &reply)
		fc.mu.Lock()
		fc.replies = append(fc.replies, m)
		fc.mu.Unlock()
		fc.c.Dispatch(m)
	}
}

func (fc *fakeCluster) sendMaps(epoch uint32) {
	mons := make([]protocol.EntityInst, len(testMonitors))
	for i, addr := range testMonitors {
		mons[i] = protocol.EntityInst{
			Name: protocol.EntityName{Type: protocol.EntityMon, Num: int64(i)},
			Addr: protocol.EntityAddr{Addr: addr},
		}
	}
	mon := mons[0].Name

	fc.deliver(protocol.MsgMonMap, mon, &protocol.MonMap{Epoch: epoch, Mons: mons})
	fc.deliver(protocol.MsgMDSMap, mon, &protocol.MDSMap{
		Epoch: epoch,
		MDSs:  []protocol.MDSInfo{{Rank: 0, State: protocol.MDSStateActive, Inst: mds0}},
	})
	fc.deliver(protocol.MsgOSDMap, mon, &protocol.OSDMap{Epoch: epoch, OSDs: []protocol.EntityInst{osd0}})
}

func (fc *fakeCluster) message(typ protocol.MsgType, src protocol.EntityName, v any) *protocol.Message {
	front, err := protocol.Encode(v)
	require.NoError(fc.t, err)

	m := protocol.NewMessage(typ, front)
	m.Hdr.Src = protocol.EntityInst{Name: src}
	fc.mu.Lock()
	m.Hdr.Dst = protocol.EntityInst{Name: protocol.EntityName{Type: protocol.EntityClient, Num: fc.whoami}}
	fc.mu.Unlock()
	return m
}

func (fc *fakeCluster) deliver(typ protocol.MsgType, src protocol.EntityName, v any) {
	fc.c.Dispatch(fc.message(typ, src, v))
}

func (fc *fakeCluster) lastRequest() protocol.RequestHead {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.NotEmpty(fc.t, fc.requests)
	return fc.requests[len(fc.requests)-1]
}

func (fc *fakeCluster) lastReply() *protocol.Message {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.NotEmpty(fc.t, fc.replies)
	return fc.replies[len(fc.replies)-1]
}

// ============================================================================
// Fake Metrics
// ============================================================================

type fakeMetrics struct {
	mu        sync.Mutex
	attempts  []int
	outcomes  []string
	firstMaps []string
	unknown   []uint32
	failed    int
	active    int
}

func (m *fakeMetrics) RecordMountAttempt(mon int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, mon)
}

func (m *fakeMetrics) RecordMountResult(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *fakeMetrics) RecordFirstMap(subsystem string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firstMaps = append(m.firstMaps, subsystem)
}

func (m *fakeMetrics) RecordDispatch(_ string, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if failed {
		m.failed++
	}
}

func (m *fakeMetrics) RecordUnknownMessage(tag uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unknown = append(m.unknown, tag)
}

func (m *fakeMetrics) SetActiveClients(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = count
}

// ============================================================================
// Setup
// ============================================================================

type testEnv struct {
	c       *Client
	ft      *fakeTransport
	cluster *fakeCluster
	reg     *registry.Registry
	metrics *fakeMetrics
}

func newTestEnv(t *testing.T, cfg Config, deps Deps) *testEnv {
	t.Helper()

	env := &testEnv{
		ft:      &fakeTransport{},
		cluster: newFakeCluster(t),
		reg:     deps.Registry,
		metrics: &fakeMetrics{},
	}
	if env.reg == nil {
		env.reg = registry.New(registry.Config{Workers: 1})
		deps.Registry = env.reg
	}
	if deps.Metrics == nil {
		deps.Metrics = env.metrics
	}
	if deps.PickMonitor == nil {
		deps.PickMonitor = func(int) int { return 2 }
	}
	deps.NewTransport = func(TransportConfig) (Transport, error) { return env.ft, nil }
	if cfg.Monitors == nil {
		cfg.Monitors = testMonitors
	}

	c, err := NewClient(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Destroy() })

	env.c = c
	env.cluster.c = c
	env.ft.onSend = env.cluster.handle
	return env
}
