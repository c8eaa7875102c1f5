package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/cephmount/internal/protocol"
	"github.com/marmos91/cephmount/pkg/inode"
	"github.com/marmos91/cephmount/pkg/metrics"
	"github.com/marmos91/cephmount/pkg/registry"
)

func mountConfig() Config {
	return Config{Monitors: testMonitors, Path: "/", MountTimeout: time.Minute, MountAttempts: 3}
}

func TestMountSucceeds(t *testing.T) {
	env := newTestEnv(t, mountConfig(), Deps{Clock: clock.NewMock()})
	c := env.c

	d, err := c.Mount(context.Background(), mountConfig())
	require.NoError(t, err)
	require.NotNil(t, d)

	mounts := env.ft.sentOf(protocol.MsgClientMount)
	require.Len(t, mounts, 1)
	assert.EqualValues(t, 2, mounts[0].Dst.Name.Num)
	assert.Equal(t, protocol.EntityMon, mounts[0].Dst.Name.Type)
	assert.Equal(t, testMonitors[2], mounts[0].Dst.Addr.Addr)

	var head protocol.MountHead
	require.NoError(t, protocol.Decode(mounts[0].Front, &head))
	assert.Equal(t, env.ft.Addr(), head.Addr)

	assert.EqualValues(t, 4123, c.Whoami())
	assert.EqualValues(t, 4123, env.ft.selfName().Num)
	info, ok := env.reg.GetClient(c.ID())
	require.True(t, ok)
	assert.EqualValues(t, 4123, info.Whoami)
	assert.Equal(t, "/", info.MountPath)
	assert.False(t, info.MountedAt.IsZero())

	req := env.cluster.lastRequest()
	assert.Equal(t, protocol.MDSOpOpen, req.Op)
	assert.Equal(t, "/", req.Path)
	assert.Equal(t, protocol.OpenFlagDirectory, req.Open.Flags)
	assert.EqualValues(t, 4123, req.Caller.Num)

	assert.Same(t, c.Root(), d)
	assert.EqualValues(t, 1, d.Inode.Ino)
	assert.True(t, d.Inode.IsDir())
	assert.Equal(t, "/", d.Path())

	caps := d.Inode.Caps()
	require.Len(t, caps, 1)
	assert.Equal(t, 0, caps[0].MDS)
	assert.EqualValues(t, 4123, caps[0].Client)
	assert.Equal(t, protocol.CapPin|protocol.CapRdCache, caps[0].Issued)
	assert.Equal(t, 1, d.Inode.NrByMode(inode.FileModePin))
	assert.Equal(t, 1, d.Inode.Refs(), "only the root entry holds the inode")

	assert.True(t, env.cluster.lastReply().Released())
	assert.Zero(t, c.mdsc.Pending())
	assert.Equal(t, StateMounted, c.State())
	assert.Equal(t, []string{metrics.OutcomeMounted}, env.metrics.outcomes)
	assert.Equal(t, []int{2}, env.metrics.attempts)
	assert.ElementsMatch(t, []string{"monitor", "metadata", "storage"}, env.metrics.firstMaps)
}

func TestMountSubdirectory(t *testing.T) {
	env := newTestEnv(t, mountConfig(), Deps{Clock: clock.NewMock()})
	env.cluster.trace = []protocol.TraceEntry{
		{Ino: 1, Mode: protocol.ModeDir},
		{Ino: 10, Mode: protocol.ModeDir, Name: "home"},
		{Ino: 11, Mode: protocol.ModeDir, Name: "alice"},
	}

	cfg := mountConfig()
	cfg.Path = "/home/alice"
	d, err := env.c.Mount(context.Background(), cfg)
	require.NoError(t, err)

	assert.EqualValues(t, 11, d.Inode.Ino)
	assert.Equal(t, "/home/alice", d.Path())
	assert.Equal(t, "/home/alice", env.cluster.lastRequest().Path)
	assert.Len(t, d.Inode.Caps(), 1)
	assert.Equal(t, 1, d.Inode.NrByMode(inode.FileModePin))

	root := env.c.Root()
	require.NotNil(t, root)
	assert.EqualValues(t, 1, root.Inode.Ino)
	assert.Empty(t, root.Inode.Caps())
	assert.Equal(t, 3, env.c.Inodes().Len())

	require.NoError(t, env.c.Destroy())
	assert.Zero(t, env.c.Inodes().Len(), "destroy releases the whole cached tree")
}

func TestMountTwiceReusesRoot(t *testing.T) {
	env := newTestEnv(t, mountConfig(), Deps{Clock: clock.NewMock()})

	first, err := env.c.Mount(context.Background(), mountConfig())
	require.NoError(t, err)
	second, err := env.c.Mount(context.Background(), mountConfig())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, env.ft.sentOf(protocol.MsgClientMount), 1, "maps already present")
	assert.Len(t, env.ft.sentOf(protocol.MsgClientSession), 1, "session reused")
	assert.Len(t, env.ft.sentOf(protocol.MsgClientRequest), 2)

	caps := first.Inode.Caps()
	require.Len(t, caps, 1)
	assert.EqualValues(t, 2, caps[0].Seq)
	assert.Equal(t, 2, first.Inode.NrByMode(inode.FileModePin))
	assert.Equal(t, 1, env.c.Inodes().Len())
}

func TestMountTimesOut(t *testing.T) {
	env := newTestEnv(t, mountConfig(), Deps{})
	env.cluster.setSilent(true)

	cfg := mountConfig()
	cfg.MountTimeout = 5 * time.Millisecond
	cfg.MountAttempts = 4

	d, err := env.c.Mount(context.Background(), cfg)
	assert.Nil(t, d)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, KindTimeout, KindOf(err))

	assert.Len(t, env.ft.sentOf(protocol.MsgClientMount), 4)
	assert.Empty(t, env.ft.sentOf(protocol.MsgClientRequest))
	assert.Nil(t, env.c.Root())
	assert.Equal(t, StateFailed, env.c.State())
	assert.Equal(t, []string{metrics.OutcomeTimeout}, env.metrics.outcomes)
}

func TestMountInterrupted(t *testing.T) {
	t.Run("cancelled during wait", func(t *testing.T) {
		env := newTestEnv(t, mountConfig(), Deps{Clock: clock.NewMock()})
		env.cluster.setSilent(true)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		env.ft.onSend = func(s sentMessage) {
			if s.Type == protocol.MsgClientMount {
				cancel()
			}
		}

		_, err := env.c.Mount(ctx, mountConfig())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInterrupted)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Len(t, env.ft.sentOf(protocol.MsgClientMount), 1, "interruption is never retried")
		assert.Equal(t, []string{metrics.OutcomeInterrupted}, env.metrics.outcomes)
	})

	t.Run("cancelled before mount", func(t *testing.T) {
		env := newTestEnv(t, mountConfig(), Deps{Clock: clock.NewMock()})
		env.cluster.setSilent(true)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := env.c.Mount(ctx, mountConfig())
		assert.Equal(t, KindInterrupted, KindOf(err))
		assert.Len(t, env.ft.sentOf(protocol.MsgClientMount), 1)
	})
}

func TestMountAfterFailureKeepsMaps(t *testing.T) {
	env := newTestEnv(t, mountConfig(), Deps{})

	// Only the monitor map arrives the first time round.
	env.ft.onSend = func(s sentMessage) {
		if s.Type == protocol.MsgClientMount {
			env.cluster.deliver(protocol.MsgMonMap, protocol.EntityName{Type: protocol.EntityMon},
				&protocol.MonMap{Epoch: 1})
		}
	}
	cfg := mountConfig()
	cfg.MountTimeout = 5 * time.Millisecond
	cfg.MountAttempts = 1

	_, err := env.c.Mount(context.Background(), cfg)
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, env.c.Maps().Ready(KindMonitor))
	assert.False(t, env.c.Maps().AllReady())
	assert.EqualValues(t, 4123, env.c.Whoami())

	env.ft.onSend = env.cluster.handle
	d, err := env.c.Mount(context.Background(), mountConfig())
	require.NoError(t, err)
	assert.NotNil(t, d)
	assert.Len(t, env.ft.sentOf(protocol.MsgClientMount), 2)
	assert.EqualValues(t, 4123, env.c.Whoami(), "identity assigned once")
}

func TestMountRootFailures(t *testing.T) {
	tests := []struct {
		name   string
		result int32
		trace  []protocol.TraceEntry
		kind   ErrorKind
	}{
		{
			name:   "remote rejection",
			result: -22,
			trace:  []protocol.TraceEntry{{Ino: 1, Mode: protocol.ModeDir}},
			kind:   KindRemoteRejected,
		},
		{
			name: "empty trace",
			kind: KindInvalidReply,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, mountConfig(), Deps{Clock: clock.NewMock()})
			env.cluster.result = tt.result
			env.cluster.trace = tt.trace

			d, err := env.c.Mount(context.Background(), mountConfig())
			assert.Nil(t, d)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))

			assert.Nil(t, env.c.Root(), "freshly allocated root is released")
			assert.Zero(t, env.c.Inodes().Len())
			assert.True(t, env.cluster.lastReply().Released())
			assert.Zero(t, env.c.mdsc.Pending())
			assert.Equal(t, StateFailed, env.c.State())
		})
	}
}

func TestMountPartialWalkReleased(t *testing.T) {
	cfg := mountConfig()
	cfg.Path = "/a/b"
	cfg.MaxInodes = 2

	env := newTestEnv(t, cfg, Deps{Clock: clock.NewMock()})
	env.cluster.trace = []protocol.TraceEntry{
		{Ino: 1, Mode: protocol.ModeDir},
		{Ino: 2, Mode: protocol.ModeDir, Name: "a"},
		{Ino: 3, Mode: protocol.ModeDir, Name: "b"},
	}

	d, err := env.c.Mount(context.Background(), cfg)
	assert.Nil(t, d)
	require.ErrorIs(t, err, ErrResourceExhausted)

	assert.Nil(t, env.c.Root())
	assert.Zero(t, env.c.Inodes().Len())
	_, cached := env.c.Inodes().Lookup(2)
	assert.False(t, cached, "intermediate inode released")
	assert.True(t, env.cluster.lastReply().Released())
}

func TestMountPartialWalkKeepsExistingRoot(t *testing.T) {
	cfg := mountConfig()
	cfg.MaxInodes = 2

	env := newTestEnv(t, cfg, Deps{Clock: clock.NewMock()})
	root, err := env.c.Mount(context.Background(), cfg)
	require.NoError(t, err)

	cfg.Path = "/a/b"
	env.cluster.trace = []protocol.TraceEntry{
		{Ino: 1, Mode: protocol.ModeDir},
		{Ino: 2, Mode: protocol.ModeDir, Name: "a"},
		{Ino: 3, Mode: protocol.ModeDir, Name: "b"},
	}
	_, err = env.c.Mount(context.Background(), cfg)
	require.ErrorIs(t, err, ErrResourceExhausted)

	assert.Same(t, root, env.c.Root())
	assert.Nil(t, root.Child("a"))
	assert.Equal(t, 1, env.c.Inodes().Len())
	assert.Equal(t, 1, root.Inode.Refs())
}

func TestMountRemoteCode(t *testing.T) {
	env := newTestEnv(t, mountConfig(), Deps{Clock: clock.NewMock()})
	env.cluster.result = -2

	_, err := env.c.Mount(context.Background(), mountConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteRejected)

	code, ok := RemoteCode(err)
	assert.True(t, ok)
	assert.EqualValues(t, -2, code)
	assert.Contains(t, err.Error(), "result -2")
}

func TestMountFailureKeepsExistingRoot(t *testing.T) {
	env := newTestEnv(t, mountConfig(), Deps{Clock: clock.NewMock()})

	d, err := env.c.Mount(context.Background(), mountConfig())
	require.NoError(t, err)

	// A trace that does not start at the cached root is rejected after the
	// root has been looked up.
	env.cluster.trace = []protocol.TraceEntry{{Ino: 99, Mode: protocol.ModeDir}}
	_, err = env.c.Mount(context.Background(), mountConfig())
	require.ErrorIs(t, err, ErrInvalidReply)

	assert.Same(t, d, env.c.Root())
	assert.Equal(t, 1, d.Inode.Refs())
	assert.Equal(t, 1, d.Inode.NrByMode(inode.FileModePin))
}

func TestMountWithoutMonitors(t *testing.T) {
	env := newTestEnv(t, mountConfig(), Deps{Clock: clock.NewMock()})

	cfg := mountConfig()
	cfg.Monitors = nil
	_, err := env.c.Mount(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrNoMonitors)
	assert.Empty(t, env.ft.sentOf(protocol.MsgClientMount))
}

func TestDestroy(t *testing.T) {
	var tornDown bool
	reg := registry.New(registry.Config{Workers: 1, OnTeardown: func() { tornDown = true }})

	env := newTestEnv(t, mountConfig(), Deps{Registry: reg, Clock: clock.NewMock()})
	assert.Equal(t, 1, reg.Count())
	assert.NotNil(t, reg.Queue())

	_, err := env.c.Mount(context.Background(), mountConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, env.c.Inodes().Len())

	require.NoError(t, env.c.Destroy())
	require.NoError(t, env.c.Destroy())

	assert.Zero(t, reg.Count())
	assert.True(t, tornDown)
	assert.Nil(t, reg.Queue())
	assert.Equal(t, 1, env.ft.closed)
	assert.Nil(t, env.c.Root())
	assert.Zero(t, env.c.Inodes().Len())
	assert.Zero(t, env.metrics.active)

	_, err = env.c.mdsc.CreateRequest(protocol.MDSOpOpen, "/")
	assert.Error(t, err)
}

func TestDestroyWithQueuedMaps(t *testing.T) {
	reg := registry.New(registry.Config{Workers: 1})
	env := newTestEnv(t, mountConfig(), Deps{Registry: reg, Clock: clock.NewMock()})

	q := reg.Queue()
	require.NotNil(t, q)

	gate := make(chan struct{})
	require.True(t, q.Submit(0, func() { <-gate }))
	require.True(t, q.Submit(0, func() { env.cluster.sendMaps(1) }))

	destroyed := make(chan error, 1)
	go func() { destroyed <- env.c.Destroy() }()

	time.Sleep(20 * time.Millisecond)
	close(gate)

	select {
	case err := <-destroyed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("destroy did not return while map deliveries were queued")
	}
	assert.Zero(t, reg.Count())
	assert.Nil(t, reg.Queue())
}

func TestNewClientTransportFailure(t *testing.T) {
	reg := registry.New(registry.Config{Workers: 1})
	boom := errors.New("bind failed")

	_, err := NewClient(mountConfig(), Deps{
		Registry:     reg,
		NewTransport: func(TransportConfig) (Transport, error) { return nil, boom },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Zero(t, reg.Count(), "registry slot returned")
}

func TestNewClientSharesRegistry(t *testing.T) {
	reg := registry.New(registry.Config{Workers: 2})
	a := newTestEnv(t, mountConfig(), Deps{Registry: reg, Clock: clock.NewMock()})
	b := newTestEnv(t, mountConfig(), Deps{Registry: reg, Clock: clock.NewMock()})

	assert.Equal(t, 2, reg.Count())
	assert.NotEqual(t, a.c.ID(), b.c.ID())
	assert.EqualValues(t, -1, a.c.Whoami())

	require.NoError(t, a.c.Destroy())
	assert.Equal(t, 1, reg.Count())
	assert.NotNil(t, reg.Queue(), "shared resources outlive the first client")
}
