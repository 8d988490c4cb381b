package testbed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/service"
	"github.com/testbed/testbed/internal/topology"
)

func TestConfigureTopologyShapes(t *testing.T) {
	tests := []struct {
		kind  topology.Kind
		peers int
		links int
	}{
		{topology.Clique, 4, 12},
		{topology.Ring, 5, 5},
		{topology.Line, 5, 4},
		{topology.None, 3, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newControllerFixture(t, MaskAll)
			peers := f.createPeers(t, tt.peers)
			f.startPeers(t, peers)

			successes, failures := -1, -1
			op, err := f.ctrl.ConfigureTopology(peers, tt.kind, TopologyOptions{}, func(s, fl int) {
				successes, failures = s, fl
			})
			require.NoError(t, err)
			f.run(t, func() bool { return successes >= 0 }, "topology tally")
			require.NoError(t, op.Done())

			assert.Equal(t, tt.links, successes)
			assert.Zero(t, failures)
			assert.Equal(t, tt.links, f.events.count(EventConnect), "one connect event per link")
		})
	}
}

func TestConfigureTopologyCountsRejectedLinks(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	peers := f.createPeers(t, 3)
	f.startPeers(t, peers[:2])

	successes, failures := -1, -1
	op, err := f.ctrl.ConfigureTopology(peers, topology.Line, TopologyOptions{}, func(s, fl int) {
		successes, failures = s, fl
	})
	require.NoError(t, err)
	f.run(t, func() bool { return successes >= 0 }, "topology tally")
	require.NoError(t, op.Done())
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures, "the link to the peer that never started fails")
}

func TestConfigureTopologyResultEvent(t *testing.T) {
	f := newControllerFixture(t, Mask(EventOperationFinished))
	peers := f.createPeers(t, 3)
	f.startPeers(t, peers)

	op, err := f.ctrl.ConfigureTopology(peers, topology.Ring, TopologyOptions{}, nil)
	require.NoError(t, err)
	f.run(t, func() bool { return len(f.events.finished()) == 1 }, "result event")
	ev := f.events.finished()[0]
	assert.Same(t, op, ev.Op)
	assert.NoError(t, ev.Err)
	assert.Equal(t, TopologyResult{Successes: 3}, ev.Result)
	require.NoError(t, op.Done())
}

// flakyService fails the first overlay connect of every pair.
type flakyService struct {
	*service.Local
	mu     sync.Mutex
	failed map[models.Link]bool
	calls  int
}

func (s *flakyService) OverlayConnect(ctx context.Context, p1, p2 uint32) error {
	link := models.Link{A: p1, B: p2}.Normalize()
	s.mu.Lock()
	s.calls++
	first := !s.failed[link]
	s.failed[link] = true
	s.mu.Unlock()
	if first {
		return errors.New("transient failure")
	}
	return s.Local.OverlayConnect(ctx, p1, p2)
}

func (s *flakyService) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = map[models.Link]bool{}
}

func TestConfigureTopologyRetries(t *testing.T) {
	flaky := &flakyService{failed: map[models.Link]bool{}}
	f := newControllerFixtureWith(t, MaskAll, func(l *service.Local) service.Service {
		flaky.Local = l
		return flaky
	})
	peers := f.createPeers(t, 3)
	f.startPeers(t, peers)

	for _, retries := range []int{0, 1} {
		flaky.reset()
		successes, failures := -1, -1
		op, err := f.ctrl.ConfigureTopology(peers, topology.Line, TopologyOptions{Retries: retries}, func(s, fl int) {
			successes, failures = s, fl
		})
		require.NoError(t, err)
		f.run(t, func() bool { return successes >= 0 }, "topology tally")
		require.NoError(t, op.Done())
		if retries == 0 {
			assert.Equal(t, 0, successes)
			assert.Equal(t, 2, failures)
		} else {
			assert.Equal(t, 2, successes)
			assert.Equal(t, 0, failures)
		}
	}
	flaky.mu.Lock()
	defer flaky.mu.Unlock()
	assert.Equal(t, 6, flaky.calls, "two failures, then two failures and two retries")
}

func TestConfigureTopologyRateLimit(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	peers := f.createPeers(t, 4)
	f.startPeers(t, peers)

	began := time.Now()
	successes := -1
	op, err := f.ctrl.ConfigureTopology(peers, topology.Ring, TopologyOptions{RateLimit: 20}, func(s, _ int) {
		successes = s
	})
	require.NoError(t, err)
	f.run(t, func() bool { return successes >= 0 }, "topology tally")
	require.NoError(t, op.Done())
	assert.Equal(t, 4, successes)
	assert.GreaterOrEqual(t, time.Since(began), 100*time.Millisecond, "four links at 20/s with a burst of one")
}

func TestConfigureTopologyReleaseCancelsLinks(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	peers := f.createPeers(t, 4)
	f.startPeers(t, peers)

	op, err := f.ctrl.ConfigureTopology(peers, topology.Clique, TopologyOptions{RateLimit: 5}, func(int, int) {
		t.Error("released topology reported a tally")
	})
	require.NoError(t, err)
	f.loop.RunUntilIdle()
	require.NoError(t, op.Done())
	time.Sleep(500 * time.Millisecond)
	f.loop.RunUntilIdle()
	assert.LessOrEqual(t, f.events.count(EventConnect), 1, "pending link timers were cancelled")
}

func TestConfigureTopologyValidation(t *testing.T) {
	f := newControllerFixture(t, MaskAll)
	peers := f.createPeers(t, 2)

	_, err := f.ctrl.ConfigureTopology(peers, topology.Kind("STAR"), TopologyOptions{}, nil)
	assert.ErrorIs(t, err, topology.ErrUnknownKind)
	_, err = f.ctrl.ConfigureTopology(peers, topology.Ring, TopologyOptions{Retries: -1}, nil)
	assert.ErrorIs(t, err, topology.ErrInvalidOption)
	_, err = f.ctrl.ConfigureTopology([]*Peer{peers[0], nil}, topology.Ring, TopologyOptions{}, nil)
	assert.Error(t, err)
	_, err = f.ctrl.ConfigureTopology(peers, topology.FromFile, TopologyOptions{}, nil)
	assert.ErrorIs(t, err, topology.ErrMissingOption)
}
