package daemon

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/service"
	testutil "github.com/testbed/testbed/internal/testing"
)

func TestStoredRecordsOverHTTP(t *testing.T) {
	ctx := context.Background()
	store := openMemoryStore(t)
	local, c, _ := newTestAPI(t, store)

	host := testutil.NewTestHost(testutil.HostOpts{ID: 3})
	require.NoError(t, c.RegisterHost(ctx, host))
	for id := uint32(1); id <= 2; id++ {
		require.NoError(t, c.CreatePeer(ctx, testutil.NewTestPeerCreate(id)))
	}
	require.NoError(t, c.StartPeer(ctx, 1))
	require.NoError(t, c.StartPeer(ctx, 2))
	require.NoError(t, c.OverlayConnect(ctx, 1, 2))
	require.NoError(t, c.BarrierInit(ctx, "phase-1", 100))

	hosts, err := c.Hosts(ctx)
	require.NoError(t, err)
	var stored *models.HostSpec
	for i := range hosts {
		if hosts[i].ID == host.ID {
			stored = &hosts[i]
		}
	}
	require.NotNil(t, stored, "registered host should be stored")
	testutil.AssertJSONEqual(t, host, *stored)

	peers, err := c.PeerRecords(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	for _, p := range peers {
		assert.Equal(t, models.PeerRunning, p.State, "peer %d", p.ID)
	}

	rec, err := c.PeerRecord(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.ID)
	assert.Equal(t, models.LocalHostID, rec.HostID)
	assert.Equal(t, "2087", rec.Config["arm.port"])
	_, err = c.PeerRecord(ctx, 99)
	assert.ErrorIs(t, err, service.ErrPeerNotFound)

	links, err := c.OverlayLinks(ctx)
	require.NoError(t, err)
	testutil.AssertJSONEqual(t, local.Links(), links)

	barrier, err := c.BarrierRecord(ctx, "phase-1")
	require.NoError(t, err)
	assert.Equal(t, 100, barrier.Quorum)
	assert.Equal(t, 2, barrier.Total)
	assert.Equal(t, 0, barrier.Reached)
	assert.Equal(t, models.BarrierInitialised, barrier.Status)
	_, err = c.BarrierRecord(ctx, "missing")
	assert.ErrorIs(t, err, service.ErrBarrierNotFound)
}

func TestEventsPagesAndFilters(t *testing.T) {
	ctx := context.Background()
	store := openMemoryStore(t)
	_, c, _ := newTestAPI(t, store)

	for id := uint32(1); id <= 2; id++ {
		require.NoError(t, c.CreatePeer(ctx, testutil.NewTestPeerCreate(id)))
		require.NoError(t, c.StartPeer(ctx, id))
	}
	require.NoError(t, c.OverlayConnect(ctx, 1, 2))
	require.NoError(t, c.BarrierInit(ctx, "phase-1", 100))

	all, err := c.Events(ctx, models.EventQuery{})
	require.NoError(t, err)
	var kinds []string
	for _, ev := range all.Events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []string{
		"peer.created", "peer.started",
		"peer.created", "peer.started",
		"overlay.connected", "barrier.initialised",
	}, kinds)
	assert.Equal(t, all.Events[len(all.Events)-1].ID, all.LastID)

	first, err := c.Events(ctx, models.EventQuery{Limit: 4})
	require.NoError(t, err)
	require.Len(t, first.Events, 4)
	second, err := c.Events(ctx, models.EventQuery{After: first.LastID, Limit: 4})
	require.NoError(t, err)
	require.Len(t, second.Events, 2)
	assert.Equal(t, all.Events[4:], second.Events)
	empty, err := c.Events(ctx, models.EventQuery{After: second.LastID})
	require.NoError(t, err)
	assert.Empty(t, empty.Events)
	assert.Equal(t, second.LastID, empty.LastID, "an empty page keeps the cursor")

	byPeer, err := c.Events(ctx, models.EventQuery{PeerID: 1})
	require.NoError(t, err)
	require.Len(t, byPeer.Events, 3)
	for _, ev := range byPeer.Events {
		require.NotNil(t, ev.PeerID)
		assert.Equal(t, uint32(1), *ev.PeerID)
	}
	assert.JSONEq(t, `{"a":1,"b":2}`, byPeer.Events[2].Data)

	byBarrier, err := c.Events(ctx, models.EventQuery{Barrier: "phase-1"})
	require.NoError(t, err)
	require.Len(t, byBarrier.Events, 1)
	assert.Equal(t, "barrier.initialised", byBarrier.Events[0].Kind)
}

func TestStoredRecordRequestValidation(t *testing.T) {
	_, _, srv := newTestAPI(t, openMemoryStore(t))
	_, _, bare := newTestAPI(t, nil)

	tests := []struct {
		name   string
		url    string
		method string
		status int
	}{
		{"peer and barrier", srv.URL + "/v1/events?peer=1&barrier=b", http.MethodGet, http.StatusBadRequest},
		{"zero peer", srv.URL + "/v1/events?peer=0", http.MethodGet, http.StatusBadRequest},
		{"negative after", srv.URL + "/v1/events?after=-1", http.MethodGet, http.StatusBadRequest},
		{"zero limit", srv.URL + "/v1/events?limit=0", http.MethodGet, http.StatusBadRequest},
		{"large limit is capped", srv.URL + "/v1/events?limit=5000", http.MethodGet, http.StatusOK},
		{"events wrong method", srv.URL + "/v1/events", http.MethodPost, http.StatusMethodNotAllowed},
		{"record wrong method", srv.URL + "/v1/peers/1/record", http.MethodPost, http.StatusMethodNotAllowed},
		{"no store events", bare.URL + "/v1/events", http.MethodGet, http.StatusServiceUnavailable},
		{"no store peers", bare.URL + "/v1/peers", http.MethodGet, http.StatusServiceUnavailable},
		{"no store barrier", bare.URL + "/v1/barriers/b", http.MethodGet, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}
