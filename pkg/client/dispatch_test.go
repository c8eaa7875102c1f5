package client

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/marmos91/cephmount/internal/logger"
	"github.com/marmos91/cephmount/internal/protocol"
)

func observeLogs(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(level)
	restore := logger.SetLogger(zap.New(core))
	t.Cleanup(restore)
	return logs
}

// countReleases attaches a release counter to m.
func countReleases(m *protocol.Message) *int {
	n := new(int)
	m.OnRelease(func(*protocol.Message) { *n++ })
	return n
}

func TestDispatchUnknownType(t *testing.T) {
	logs := observeLogs(t, zapcore.WarnLevel)
	env := newTestEnv(t, Config{}, Deps{Clock: clock.NewMock()})

	m := protocol.NewMessage(protocol.MsgType(999), []byte{1, 2, 3})
	m.Hdr.Src = protocol.EntityInst{Name: protocol.EntityName{Type: protocol.EntityOSD, Num: 3}}
	released := countReleases(m)

	env.c.Dispatch(m)

	assert.Equal(t, 1, *released)
	assert.True(t, m.Released())
	assert.Equal(t, []uint32{999}, env.metrics.unknown)

	entries := logs.FilterMessageSnippet("unknown message type 999").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Contains(t, entries[0].Message, "osd3")
}

func TestDispatchUnknownTypeRateLimited(t *testing.T) {
	logs := observeLogs(t, zapcore.WarnLevel)
	clk := clock.NewMock()
	env := newTestEnv(t, Config{UnknownLogRate: 1, UnknownLogBurst: 2}, Deps{Clock: clk})

	var msgs []*protocol.Message
	for i := 0; i < 5; i++ {
		m := protocol.NewMessage(protocol.MsgType(500+i), nil)
		msgs = append(msgs, m)
		env.c.Dispatch(m)
	}

	for i, m := range msgs {
		assert.True(t, m.Released(), "message %d", i)
	}
	assert.Len(t, env.metrics.unknown, 5, "every unknown message is counted")
	assert.Equal(t, 2, logs.FilterMessageSnippet("unknown message type").Len())

	clk.Add(time.Second)
	env.c.Dispatch(protocol.NewMessage(protocol.MsgType(600), nil))
	assert.Equal(t, 1, logs.FilterMessageSnippet("3 more suppressed").Len())
}

func TestDispatchReleasesOnHandlerError(t *testing.T) {
	logs := observeLogs(t, zapcore.ErrorLevel)
	env := newTestEnv(t, Config{}, Deps{Clock: clock.NewMock()})

	tests := []struct {
		name string
		typ  protocol.MsgType
	}{
		{"monitor map", protocol.MsgMonMap},
		{"metadata map", protocol.MsgMDSMap},
		{"storage map", protocol.MsgOSDMap},
		{"reply", protocol.MsgClientReply},
		{"session", protocol.MsgClientSession},
		{"forward", protocol.MsgClientRequestForward},
		{"filecaps", protocol.MsgClientFilecaps},
		{"statfs reply", protocol.MsgStatfsReply},
		{"storage reply", protocol.MsgOSDOpReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := protocol.NewMessage(tt.typ, []byte{0xff})
			released := countReleases(m)

			env.c.Dispatch(m)
			assert.Equal(t, 1, *released)
		})
	}

	assert.Equal(t, len(tests), env.metrics.failed)
	assert.Equal(t, len(tests), logs.FilterMessageSnippet("dispatch ").Len())
	assert.EqualValues(t, -1, env.c.Whoami())
	assert.False(t, env.c.Maps().Ready(KindMonitor))
}

func TestDispatchMonitorMapEpochs(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{Clock: clock.NewMock()})
	mon := protocol.EntityName{Type: protocol.EntityMon}

	env.cluster.whoami = 7
	env.cluster.deliver(protocol.MsgMonMap, mon, &protocol.MonMap{Epoch: 5})
	assert.EqualValues(t, 7, env.c.Whoami())
	assert.True(t, env.c.Maps().Ready(KindMonitor))

	// Later maps never reassign the identity.
	env.cluster.whoami = 9
	env.cluster.deliver(protocol.MsgMonMap, mon, &protocol.MonMap{Epoch: 6})
	assert.EqualValues(t, 7, env.c.Whoami())
	assert.EqualValues(t, 6, env.c.monc.Epoch())

	// Stale maps are ignored.
	env.cluster.deliver(protocol.MsgMonMap, mon, &protocol.MonMap{Epoch: 3})
	assert.EqualValues(t, 6, env.c.monc.Epoch())
	assert.Equal(t, []string{"monitor"}, env.metrics.firstMaps)
}

func TestDispatchMapsConcurrently(t *testing.T) {
	const rounds = 50

	env := newTestEnv(t, Config{}, Deps{Clock: clock.NewMock()})
	mon := protocol.EntityName{Type: protocol.EntityMon}

	var msgs []*protocol.Message
	for i := 0; i < rounds; i++ {
		epoch := uint32(i + 1)
		msgs = append(msgs,
			env.cluster.message(protocol.MsgMonMap, mon, &protocol.MonMap{Epoch: epoch}),
			env.cluster.message(protocol.MsgMDSMap, mon, &protocol.MDSMap{Epoch: epoch}),
			env.cluster.message(protocol.MsgOSDMap, mon, &protocol.OSDMap{Epoch: epoch}),
		)
	}

	var released atomic.Int32
	for _, m := range msgs {
		m.OnRelease(func(*protocol.Message) { released.Add(1) })
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func(m *protocol.Message) {
			defer wg.Done()
			<-start
			env.c.Dispatch(m)
		}(m)
	}
	close(start)
	wg.Wait()

	select {
	case <-env.c.Maps().Done():
	default:
		t.Fatal("maps not reported ready")
	}
	assert.True(t, env.c.Maps().AllReady())
	assert.EqualValues(t, len(msgs), released.Load())
	assert.EqualValues(t, 4123, env.c.Whoami())

	env.metrics.mu.Lock()
	firstMaps := append([]string(nil), env.metrics.firstMaps...)
	env.metrics.mu.Unlock()
	sort.Strings(firstMaps)
	assert.Equal(t, []string{"metadata", "monitor", "storage"}, firstMaps)

	assert.EqualValues(t, rounds, env.c.monc.Epoch())
	assert.EqualValues(t, rounds, env.c.mdsc.Epoch())
	assert.EqualValues(t, rounds, env.c.osdc.Epoch())
}

func TestDispatchFilecaps(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{Clock: clock.NewMock()})

	in, err := env.c.Inodes().Get(42, protocol.ModeRegular)
	require.NoError(t, err)
	defer env.c.Inodes().Put(in)

	env.cluster.deliver(protocol.MsgClientFilecaps, mds0.Name, &protocol.FilecapsHead{
		Op: protocol.CapGrant, Ino: 42, Caps: protocol.CapRead, Seq: 3,
	})
	require.Len(t, in.Caps(), 1)
	assert.Equal(t, protocol.CapRead, in.Issued())

	env.cluster.deliver(protocol.MsgClientFilecaps, mds0.Name, &protocol.FilecapsHead{
		Op: protocol.CapRevoke, Ino: 42, Caps: protocol.CapRead, Seq: 4,
	})
	assert.Empty(t, in.Caps())

	// Caps for inodes that are not cached are dropped.
	env.cluster.deliver(protocol.MsgClientFilecaps, mds0.Name, &protocol.FilecapsHead{
		Op: protocol.CapGrant, Ino: 77, Caps: protocol.CapRead,
	})
	_, ok := env.c.Inodes().Lookup(77)
	assert.False(t, ok)
}

func TestDispatchRoutesAllKnownTypes(t *testing.T) {
	handlers := defaultHandlers()
	for _, typ := range []protocol.MsgType{
		protocol.MsgMonMap, protocol.MsgStatfsReply, protocol.MsgMDSMap,
		protocol.MsgClientSession, protocol.MsgClientReply, protocol.MsgClientRequestForward,
		protocol.MsgClientFilecaps, protocol.MsgOSDMap, protocol.MsgOSDOpReply,
	} {
		h, ok := handlers[typ]
		if assert.True(t, ok, "no handler for %s", typ) {
			assert.NotEmpty(t, h.Name)
			assert.NotNil(t, h.Handle)
		}
	}
	assert.Len(t, handlers, 9)
}
