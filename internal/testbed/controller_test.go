package testbed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/sched"
	"github.com/testbed/testbed/internal/service"
	testutil "github.com/testbed/testbed/internal/testing"
)

type eventLog struct {
	events []Event
}

func (l *eventLog) handle(ev Event) { l.events = append(l.events, ev) }

func (l *eventLog) count(t EventType) int {
	n := 0
	for _, ev := range l.events {
		if ev.Type() == t {
			n++
		}
	}
	return n
}

func (l *eventLog) finished() []OperationFinishedEvent {
	var out []OperationFinishedEvent
	for _, ev := range l.events {
		if f, ok := ev.(OperationFinishedEvent); ok {
			out = append(out, f)
		}
	}
	return out
}

type controllerFixture struct {
	loop   *sched.Loop
	local  *service.Local
	host   *Host
	ctrl   *Controller
	events *eventLog
}

func newControllerFixture(t *testing.T, mask EventMask) *controllerFixture {
	t.Helper()
	return newControllerFixtureWith(t, mask, nil)
}

// newControllerFixtureWith connects the controller through wrap, which may
// decorate the in-process service.
func newControllerFixtureWith(t *testing.T, mask EventMask, wrap func(*service.Local) service.Service) *controllerFixture {
	t.Helper()
	f := &controllerFixture{loop: sched.New(), events: &eventLog{}}
	f.local = service.NewLocal(models.LocalHostID, nil, testutil.DiscardLogger())
	host, err := NewHostRegistry().Create("", "", models.PeerConfig{"arm.port": "2087"}, 0)
	require.NoError(t, err)
	f.host = host
	var svc service.Service = f.local
	if wrap != nil {
		svc = wrap(f.local)
	}
	ctrl, err := Connect(f.loop, host, svc, mask, f.events.handle)
	require.NoError(t, err)
	f.ctrl = ctrl.WithLogger(testutil.DiscardLogger())
	t.Cleanup(func() {
		f.ctrl.Disconnect()
		_ = f.local.Shutdown(context.Background())
	})
	return f
}

func (f *controllerFixture) run(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	testutil.RunLoop(t, f.loop, cond, msg)
}

// createPeers creates n peers on the fixture host and waits for them.
func (f *controllerFixture) createPeers(t *testing.T, n int) []*Peer {
	t.Helper()
	var peers []*Peer
	for i := 0; i < n; i++ {
		var op *Operation
		op, err := f.ctrl.CreatePeer(f.host, nil, func(p *Peer, err error) {
			require.NoError(t, err)
			peers = append(peers, p)
			require.NoError(t, op.Done())
		})
		require.NoError(t, err)
	}
	f.run(t, func() bool { return len(peers) == n }, "peers created")
	sortPeers(peers)
	return peers
}

func (f *controllerFixture) startPeers(t *testing.T, peers []*Peer) {
	t.Helper()
	started := 0
	for _, p := range peers {
		var op *Operation
		op, err := p.Start(func(err error) {
			require.NoError(t, err)
			started++
			require.NoError(t, op.Done())
		})
		require.NoError(t, err)
	}
	f.run(t, func() bool { return started == len(peers) }, "peers started")
}

func TestTwoPeersOneController(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	peers := f.createPeers(t, 2)
	for _, p := range peers {
		assert.Equal(t, models.PeerCreated, p.State())
		assert.Equal(t, "2087", p.Config()["arm.port"])
	}
	f.startPeers(t, peers)
	assert.Equal(t, 2, f.events.count(EventPeerStart))

	connected := 0
	var first *Operation
	first, err := f.ctrl.OverlayConnect(peers[0], peers[1], func(err error) {
		require.NoError(t, err)
		connected++
	})
	require.NoError(t, err)
	f.run(t, func() bool { return connected == 1 }, "first connect")
	require.NoError(t, first.Done())
	assert.Equal(t, 1, f.events.count(EventConnect), "exactly one connect event for the pair")

	var second *Operation
	second, err = f.ctrl.OverlayConnect(peers[1], peers[0], func(err error) {
		assert.NoError(t, err, "connecting a connected pair succeeds")
		connected++
	})
	require.NoError(t, err)
	f.run(t, func() bool { return connected == 2 }, "duplicate connect")
	require.NoError(t, second.Done())
	assert.Equal(t, []models.Link{models.Link{A: peers[1].ID(), B: peers[0].ID()}.Normalize()}, f.local.Links())

	stopped := 0
	for _, p := range peers {
		var op *Operation
		op, err := p.Stop(func(err error) {
			require.NoError(t, err)
			stopped++
			require.NoError(t, op.Done())
		})
		require.NoError(t, err)
	}
	f.run(t, func() bool { return stopped == 2 }, "peers stopped")
	assert.Equal(t, 2, f.events.count(EventPeerStop))
	assert.Equal(t, 1, f.events.count(EventDisconnect), "stopping the first peer drops the link")

	var destroys []*Operation
	for _, p := range peers {
		op, err := p.Destroy()
		require.NoError(t, err)
		destroys = append(destroys, op)
	}
	f.run(t, func() bool { return len(f.events.finished()) == 2 }, "destroy results")
	for _, ev := range f.events.finished() {
		assert.Contains(t, destroys, ev.Op)
		assert.NoError(t, ev.Err)
		assert.Nil(t, ev.Result)
		require.NoError(t, ev.Op.Done())
	}
	assert.Empty(t, f.ctrl.Peers())
	for _, p := range peers {
		assert.Equal(t, models.PeerDestroyed, p.State())
	}
}

func TestPeerCallerErrors(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	peers := f.createPeers(t, 2)
	p := peers[0]

	_, err := p.Stop(nil)
	assert.ErrorIs(t, err, ErrInvalidPeerState, "stopping a created peer")

	_, err = f.ctrl.OverlayConnect(p, peers[1], nil)
	assert.ErrorIs(t, err, ErrInvalidPeerState, "connecting peers that do not run")
	_, err = f.ctrl.OverlayConnect(p, p, nil)
	assert.ErrorIs(t, err, ErrSelfConnect)

	start, err := p.Start(nil)
	require.NoError(t, err)
	_, err = p.Destroy()
	assert.ErrorIs(t, err, ErrPeerBusy, "one lifecycle operation at a time")
	_, err = p.Start(nil)
	assert.ErrorIs(t, err, ErrPeerBusy)

	f.run(t, func() bool { return p.Running() }, "peer running")
	require.NoError(t, start.Done())
	_, err = p.Destroy()
	assert.ErrorIs(t, err, ErrInvalidPeerState, "destroying a running peer")
	_, err = p.ManageService("dht", true, nil)
	require.NoError(t, err)
}

func TestPeerStartFailureReported(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	peers := f.createPeers(t, 1)
	p := peers[0]

	// Destroy the peer behind the controller's back.
	require.NoError(t, f.local.DestroyPeer(context.Background(), p.ID()))
	op, err := p.Start(nil)
	require.NoError(t, err)
	f.run(t, func() bool { return len(f.events.finished()) == 1 }, "start failure")
	ev := f.events.finished()[0]
	assert.Same(t, op, ev.Op)
	assert.ErrorIs(t, ev.Err, service.ErrPeerNotFound)
	assert.Equal(t, models.PeerCreated, p.State())
	assert.Zero(t, f.events.count(EventPeerStart))
	require.NoError(t, op.Done())
}

func TestDoneBeforeStartSkipsRequest(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	called := false
	op, err := f.ctrl.CreatePeer(f.host, nil, func(*Peer, error) { called = true })
	require.NoError(t, err)
	require.NoError(t, op.Done())
	f.loop.RunUntilIdle()

	assert.False(t, called)
	info, err := f.local.Info(context.Background())
	require.NoError(t, err)
	assert.Zero(t, info.Peers)
}

func TestPeerInfoCachesIdentity(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	p := f.createPeers(t, 1)[0]
	assert.Empty(t, p.Identity())

	var got models.PeerInfo
	done := false
	op, err := p.Info(models.InfoIdentity, func(info models.PeerInfo, err error) {
		require.NoError(t, err)
		got = info
		done = true
	})
	require.NoError(t, err)
	f.run(t, func() bool { return done }, "info")
	require.NoError(t, op.Done())
	assert.NotEmpty(t, got.Identity)
	assert.Equal(t, got.Identity, p.Identity())

	updated := false
	op, err = p.UpdateConfiguration(models.PeerConfig{"arm.port": "3000"}, func(err error) {
		require.NoError(t, err)
		updated = true
	})
	require.NoError(t, err)
	f.run(t, func() bool { return updated }, "update")
	require.NoError(t, op.Done())
	assert.Equal(t, "3000", p.Config()["arm.port"])
}

func TestOperationFinishedOnlyWithoutCallback(t *testing.T) {
	f := newControllerFixture(t, Mask(EventOperationFinished))

	var info models.ControllerInfo
	done := false
	op, err := f.ctrl.Info(func(ci models.ControllerInfo, err error) {
		require.NoError(t, err)
		info = ci
		done = true
	})
	require.NoError(t, err)
	f.run(t, func() bool { return done }, "info")
	require.NoError(t, op.Done())
	assert.Equal(t, uint32(models.LocalHostID), info.HostID)
	assert.Empty(t, f.events.finished(), "the callback takes precedence")

	op, err = f.ctrl.Info(nil)
	require.NoError(t, err)
	f.run(t, func() bool { return len(f.events.finished()) == 1 }, "info event")
	ev := f.events.finished()[0]
	assert.Same(t, op, ev.Op)
	assert.IsType(t, models.ControllerInfo{}, ev.Result)
	require.NoError(t, op.Done())
}

func TestEventMaskFiltersButPeerStartIsAlwaysDelivered(t *testing.T) {
	f := newControllerFixture(t, 0)
	peers := f.createPeers(t, 2)
	f.startPeers(t, peers)

	connected := false
	op, err := f.ctrl.OverlayConnect(peers[0], peers[1], func(err error) {
		require.NoError(t, err)
		connected = true
	})
	require.NoError(t, err)
	f.run(t, func() bool { return connected }, "connect")
	require.NoError(t, op.Done())

	assert.Equal(t, 2, f.events.count(EventPeerStart))
	assert.Zero(t, f.events.count(EventConnect))
}

func TestRegisterHost(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	registry := NewHostRegistry()
	remote, err := registry.Create("node1.testbed.local", "testbed", nil, 2222)
	require.NoError(t, err)
	other, err := registry.Create("node2.testbed.local", "", nil, 0)
	require.NoError(t, err)

	var regErr error
	registered := false
	_, err = f.ctrl.RegisterHost(remote, func(err error) {
		regErr = err
		registered = true
	})
	require.NoError(t, err)
	_, err = f.ctrl.RegisterHost(other, nil)
	assert.ErrorIs(t, err, ErrRegistrationPending)

	f.run(t, func() bool { return registered }, "registration")
	require.NoError(t, regErr)
	assert.True(t, f.ctrl.IsRegistered(remote))
	_, err = f.ctrl.RegisterHost(remote, nil)
	assert.ErrorIs(t, err, ErrHostAlreadyRegistered)
	assert.ErrorIs(t, remote.Destroy(), ErrHostInUse)

	// A cancelled registration never calls back.
	reg, err := f.ctrl.RegisterHost(other, func(error) { t.Error("cancelled registration called back") })
	require.NoError(t, err)
	require.NoError(t, reg.Cancel())
	assert.ErrorIs(t, reg.Cancel(), ErrRegistrationFinished)
	f.loop.RunUntilIdle()
	assert.False(t, f.ctrl.IsRegistered(other))

	// Peers on a registered host without a link fail at the service.
	var createErr error
	done := false
	op, err := f.ctrl.CreatePeer(remote, nil, func(_ *Peer, err error) {
		createErr = err
		done = true
	})
	require.NoError(t, err)
	f.run(t, func() bool { return done }, "create on unlinked host")
	require.NoError(t, op.Done())
	assert.ErrorIs(t, createErr, service.ErrHostNotLinked)

	_, err = f.ctrl.CreatePeer(other, nil, nil)
	assert.ErrorIs(t, err, ErrHostNotRegistered)
}

func TestLinkWithoutSlaveFactory(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	remote, err := NewHostRegistry().Create("node1.testbed.local", "", nil, 0)
	require.NoError(t, err)

	_, err = f.ctrl.Link(remote, nil, true, nil)
	assert.ErrorIs(t, err, ErrHostNotRegistered)

	registered := false
	_, err = f.ctrl.RegisterHost(remote, func(err error) {
		require.NoError(t, err)
		registered = true
	})
	require.NoError(t, err)
	f.run(t, func() bool { return registered }, "registration")

	var linkErr error
	linked := false
	op, err := f.ctrl.Link(remote, nil, true, func(err error) {
		linkErr = err
		linked = true
	})
	require.NoError(t, err)
	f.run(t, func() bool { return linked }, "link")
	require.NoError(t, op.Done())
	assert.ErrorIs(t, linkErr, service.ErrNoSlaveFactory)
}

func TestServiceConnect(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	p := f.createPeers(t, 1)[0]
	f.startPeers(t, []*Peer{p})
	adapter := &testutil.MockServiceAdapter{}

	var handle any
	op, err := f.ctrl.ServiceConnect(p, "dht", adapter.Connect, adapter.Disconnect, func(_ *Operation, h any, err error) {
		require.NoError(t, err)
		handle = h
	})
	require.NoError(t, err)
	f.run(t, func() bool { return handle != nil }, "service connect")

	conn, ok := handle.(*testutil.MockServiceConn)
	require.True(t, ok)
	assert.Equal(t, "dht", conn.Service)
	assert.Equal(t, "2087", conn.Config["arm.port"])

	require.NoError(t, op.Done())
	connects, disconnects := adapter.Counts()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, disconnects)
	assert.Same(t, conn, adapter.Disconnected[0])
}

func TestServiceConnectCancelledBeforeStart(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	p := f.createPeers(t, 1)[0]
	adapter := &testutil.MockServiceAdapter{}

	op, err := f.ctrl.ServiceConnect(p, "nse", adapter.Connect, adapter.Disconnect, func(*Operation, any, error) {
		t.Error("cancelled service connect called back")
	})
	require.NoError(t, err)
	require.NoError(t, op.Done())
	f.loop.RunUntilIdle()

	connects, disconnects := adapter.Counts()
	assert.Zero(t, connects)
	assert.Zero(t, disconnects)
}

func TestServiceConnectAdapterFailure(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	p := f.createPeers(t, 1)[0]
	adapter := &testutil.MockServiceAdapter{ConnectErr: errors.New("refused")}

	op, err := f.ctrl.ServiceConnect(p, "consensus", adapter.Connect, adapter.Disconnect, nil)
	require.NoError(t, err)
	f.run(t, func() bool { return len(f.events.finished()) == 1 }, "failure event")
	ev := f.events.finished()[0]
	assert.ErrorContains(t, ev.Err, "refused")
	assert.Nil(t, ev.Result)
	require.NoError(t, op.Done())
	_, disconnects := adapter.Counts()
	assert.Zero(t, disconnects, "no handle, nothing to disconnect")
}

func TestDisconnectInvalidatesController(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	peers := f.createPeers(t, 1)
	f.ctrl.Disconnect()

	_, err := peers[0].Start(nil)
	assert.ErrorIs(t, err, ErrControllerDisconnected)
	_, err = f.ctrl.CreatePeer(f.host, nil, nil)
	assert.ErrorIs(t, err, ErrControllerDisconnected)
	_, err = f.ctrl.BarrierInit("b", 100, nil)
	assert.ErrorIs(t, err, ErrControllerDisconnected)
	require.NoError(t, f.host.Destroy(), "nothing uses the host any more")

	_, err = Connect(f.loop, f.host, f.local, MaskAll, nil)
	assert.ErrorIs(t, err, ErrHostDestroyed)
}

func TestLimitsBoundParallelOperations(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	f.ctrl.WithLimits(Limits{MaxParallelOperations: 1})
	assert.Equal(t, 1, f.ctrl.Limits().MaxParallelOperations)
	assert.Equal(t, DefaultLimits().MaxParallelServiceConnections, f.ctrl.Limits().MaxParallelServiceConnections)

	first, err := f.ctrl.CreatePeer(f.host, nil, func(*Peer, error) {})
	require.NoError(t, err)
	second, err := f.ctrl.CreatePeer(f.host, nil, func(*Peer, error) {})
	require.NoError(t, err)
	f.loop.RunUntilIdle()
	assert.Equal(t, OpStarted, first.State())
	assert.Equal(t, OpWaiting, second.State())

	require.NoError(t, first.Done())
	f.loop.RunUntilIdle()
	assert.Equal(t, OpStarted, second.State())
	require.NoError(t, second.Done())
}

func TestLimitsResizeOverlayConnectQueue(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	peers := f.createPeers(t, 4)
	f.startPeers(t, peers)

	warmed := false
	var warm *Operation
	warm, err := f.ctrl.OverlayConnect(peers[0], peers[1], func(err error) {
		require.NoError(t, err)
		warmed = true
	})
	require.NoError(t, err)
	f.run(t, func() bool { return warmed }, "first connect")
	require.NoError(t, warm.Done())
	q := f.host.overlayConnectQueue(f.ctrl.Limits().MaxParallelOverlayConnects, nil)
	assert.Equal(t, 1, q.MaxActive())

	f.ctrl.WithLimits(Limits{MaxParallelOverlayConnects: 2})
	assert.Equal(t, 2, q.MaxActive(), "existing host queues follow the new limit")

	done := 0
	a, err := f.ctrl.OverlayConnect(peers[0], peers[2], func(err error) {
		require.NoError(t, err)
		done++
	})
	require.NoError(t, err)
	b, err := f.ctrl.OverlayConnect(peers[1], peers[3], func(err error) {
		require.NoError(t, err)
		done++
	})
	require.NoError(t, err)
	f.run(t, func() bool { return done == 2 }, "both connects run side by side")
	assert.Equal(t, OpStarted, a.State())
	assert.Equal(t, OpStarted, b.State())
	require.NoError(t, a.Done())
	require.NoError(t, b.Done())

	f.ctrl.WithLimits(Limits{MaxParallelOverlayConnects: 1})
	assert.Equal(t, 1, q.MaxActive())
}

func TestPeerIDsUniqueAcrossControllers(t *testing.T) {
	f1 := newControllerFixture(t, MaskAll)
	f2 := newControllerFixtureWith(t, MaskAll, func(*service.Local) service.Service { return f1.local })

	first := f1.createPeers(t, 2)
	second := f2.createPeers(t, 2)

	seen := make(map[uint32]bool)
	for _, p := range append(first, second...) {
		assert.NotZero(t, p.ID())
		assert.False(t, seen[p.ID()], "peer id %d handed out twice", p.ID())
		seen[p.ID()] = true
	}
	assert.Greater(t, second[0].ID(), first[1].ID(), "ids keep counting across controllers")
	assert.Len(t, f1.local.Links(), 0)
}

func TestUnboundedQueueBelongsToLoop(t *testing.T) {
	loop := sched.New()
	q := unboundedQueue(loop)
	assert.Same(t, q, unboundedQueue(loop), "controllers of one loop share the queue")
	assert.NotSame(t, q, unboundedQueue(sched.New()))

	loop.Shutdown()
	assert.NotSame(t, q, unboundedQueue(loop), "shutdown releases the queue")
}
