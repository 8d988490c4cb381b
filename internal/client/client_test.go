package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testbed/testbed/internal/buildinfo"
	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/service"
	testutil "github.com/testbed/testbed/internal/testing"
)

func TestNewNormalisesAddress(t *testing.T) {
	tests := []struct {
		addr string
		base string
		ws   string
	}{
		{"127.0.0.1:7411", "http://127.0.0.1:7411", "ws://127.0.0.1:7411"},
		{"http://10.0.0.2:7411/", "http://10.0.0.2:7411", "ws://10.0.0.2:7411"},
		{" https://testbed.example:443 ", "https://testbed.example:443", "wss://testbed.example:443"},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			c := New(tt.addr)
			assert.Equal(t, tt.base, c.Addr())
			assert.Equal(t, tt.ws, c.wsURL)
		})
	}
}

func TestRequestsUseV1Routes(t *testing.T) {
	handler := testutil.NewMockHTTPHandler()
	handler.AddResponse(http.MethodPost, "/v1/peers/7/stop", http.StatusOK, models.PeerStopResponse{Links: []models.Link{{A: 7, B: 9}}})
	handler.AddResponse(http.MethodGet, "/v1/peers/7", http.StatusOK, models.PeerInfo{PeerID: 7, Identity: "peer-7"})
	srv := handler.NewTestServer(t)
	c := New(srv.URL).WithTimeout(5 * time.Second)
	ctx := context.Background()

	require.NoError(t, c.CreatePeer(ctx, testutil.NewTestPeerCreate(7)))
	require.NoError(t, c.StartPeer(ctx, 7))
	links, err := c.StopPeer(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []models.Link{{A: 7, B: 9}}, links)
	info, err := c.PeerInfo(ctx, 7, models.InfoIdentity)
	require.NoError(t, err)
	assert.Equal(t, "peer-7", info.Identity)
	require.NoError(t, c.UpdatePeerConfig(ctx, 7, models.PeerConfig{"arm.port": "3000"}))
	require.NoError(t, c.ManageService(ctx, 7, "dht", false))
	require.NoError(t, c.OverlayConnect(ctx, 7, 9))
	require.NoError(t, c.BarrierInit(ctx, "phase 1", 50))
	require.NoError(t, c.BarrierCancel(ctx, "phase 1"))
	require.NoError(t, c.DestroyPeer(ctx, 7))

	var got []string
	for _, req := range handler.GetRequests() {
		got = append(got, req.Method+" "+req.Path)
	}
	assert.Equal(t, []string{
		"POST /v1/peers",
		"POST /v1/peers/7/start",
		"POST /v1/peers/7/stop",
		"GET /v1/peers/7",
		"PUT /v1/peers/7/config",
		"POST /v1/peers/7/services",
		"POST /v1/overlay",
		"POST /v1/barriers",
		"DELETE /v1/barriers/phase 1",
		"DELETE /v1/peers/7",
	}, got)

	reqs := handler.GetRequests()
	var overlay models.OverlayConnectRequest
	require.NoError(t, json.Unmarshal(reqs[6].Body, &overlay))
	assert.Equal(t, models.OverlayConnectRequest{Peer1: 7, Peer2: 9}, overlay)
	assert.Equal(t, "application/json", reqs[6].Header.Get("Content-Type"))
	assert.Equal(t, buildinfo.UserAgent(), reqs[0].Header.Get("User-Agent"))
	var manage models.ManageServiceRequest
	require.NoError(t, json.Unmarshal(reqs[5].Body, &manage))
	assert.Equal(t, models.ManageServiceRequest{Name: "dht", Start: false}, manage)
}

func TestErrorsMapToSentinels(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   error
		msg    string
	}{
		{
			name:   "peer not found",
			status: http.StatusNotFound,
			body:   models.APIError{Error: "peer not found: 4", Code: service.ErrorCode(service.ErrPeerNotFound)},
			want:   service.ErrPeerNotFound,
			msg:    "peer not found: 4",
		},
		{
			name:   "invalid state",
			status: http.StatusConflict,
			body:   models.APIError{Error: "invalid peer state transition", Code: service.ErrorCode(service.ErrInvalidPeerState)},
			want:   service.ErrInvalidPeerState,
			msg:    "invalid peer state transition",
		},
		{
			name:   "unknown code",
			status: http.StatusInternalServerError,
			body:   models.APIError{Error: "disk full", Code: "v1/storage/full"},
			msg:    "disk full",
		},
		{
			name:   "no body",
			status: http.StatusBadGateway,
			msg:    "request failed with status 502",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := testutil.NewMockHTTPHandler()
			handler.AddResponse(http.MethodPost, "/v1/peers/4/start", tt.status, tt.body)
			srv := handler.NewTestServer(t)

			err := New(srv.URL).StartPeer(context.Background(), 4)
			require.Error(t, err)
			assert.EqualError(t, err, tt.msg)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestTimeoutBoundsRequests(t *testing.T) {
	handler := testutil.NewMockHTTPHandler()
	handler.SetDelay(500 * time.Millisecond)
	srv := handler.NewTestServer(t)

	_, err := New(srv.URL).WithTimeout(50 * time.Millisecond).Info(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// barrierServer answers every barrier websocket with msg after recording the
// request URI.
func barrierServer(t *testing.T, msg *models.BarrierMessage, uris chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if uris != nil {
			uris <- r.URL.RequestURI()
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if msg == nil {
			// Hold the stream open until the client goes away.
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}
		_ = conn.WriteJSON(msg)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBarrierWaitStream(t *testing.T) {
	uris := make(chan string, 1)
	update := models.BarrierUpdate{Name: "phase 1", Status: models.BarrierCrossed}
	srv := barrierServer(t, &models.BarrierMessage{Update: &update}, uris)

	got, err := New(srv.URL).BarrierWait(context.Background(), "phase 1", 3)
	require.NoError(t, err)
	assert.Equal(t, update, got)
	assert.Equal(t, "/v1/barriers/phase%201/wait?peer=3", <-uris)
}

func TestAwaitBarrierStreamError(t *testing.T) {
	msg := &models.BarrierMessage{Error: &models.APIError{
		Error: "barrier not found: gone",
		Code:  service.ErrorCode(service.ErrBarrierNotFound),
	}}
	srv := barrierServer(t, msg, nil)

	_, err := New(srv.URL).AwaitBarrier(context.Background(), "gone")
	assert.ErrorIs(t, err, service.ErrBarrierNotFound)
}

func TestBarrierStreamCancelled(t *testing.T) {
	srv := barrierServer(t, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(srv.URL).BarrierWait(ctx, "never", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBarrierStreamRejectedUpgrade(t *testing.T) {
	handler := testutil.NewMockHTTPHandler()
	handler.AddResponse(http.MethodGet, "/v1/barriers/b/status", http.StatusNotFound,
		models.APIError{Error: "barrier not found: b", Code: service.ErrorCode(service.ErrBarrierNotFound)})
	srv := handler.NewTestServer(t)

	_, err := New(srv.URL).AwaitBarrier(context.Background(), "b")
	assert.ErrorIs(t, err, service.ErrBarrierNotFound)
}

func TestRecordReadsEncodeQueries(t *testing.T) {
	handler := testutil.NewMockHTTPHandler()
	peer := uint32(3)
	handler.AddResponse(http.MethodGet, "/v1/events", http.StatusOK, models.EventsResponse{
		Events: []models.EventRecord{{ID: 7, Kind: "peer.started", PeerID: &peer}},
		LastID: 7,
	})
	srv := handler.NewTestServer(t)
	c := New(srv.URL).WithTimeout(5 * time.Second)
	ctx := context.Background()

	page, err := c.Events(ctx, models.EventQuery{PeerID: 3, After: 5, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(7), page.LastID)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "peer.started", page.Events[0].Kind)

	reqs := handler.GetRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "after=5&limit=10&peer=3", reqs[0].Query)

	handler.ClearRequests()
	_, err = c.Events(ctx, models.EventQuery{Barrier: "phase 1"})
	require.NoError(t, err)
	_, err = c.PeerRecord(ctx, 3)
	require.NoError(t, err)
	_, err = c.BarrierRecord(ctx, "phase 1")
	require.NoError(t, err)
	_, err = c.Hosts(ctx)
	require.NoError(t, err)
	_, err = c.PeerRecords(ctx)
	require.NoError(t, err)
	_, err = c.OverlayLinks(ctx)
	require.NoError(t, err)

	var got []string
	for _, req := range handler.GetRequests() {
		line := req.Method + " " + req.Path
		if req.Query != "" {
			line += "?" + req.Query
		}
		got = append(got, line)
	}
	assert.Equal(t, []string{
		"GET /v1/events?barrier=phase+1",
		"GET /v1/peers/3/record",
		"GET /v1/barriers/phase 1",
		"GET /v1/hosts",
		"GET /v1/peers",
		"GET /v1/overlay",
	}, got)

	handler.Reset()
	handler.AddResponse(http.MethodGet, "/v1/peers/4/record", http.StatusNotFound,
		models.APIError{Error: "peer not found: 4", Code: service.ErrorCode(service.ErrPeerNotFound)})
	_, err = c.PeerRecord(ctx, 4)
	assert.ErrorIs(t, err, service.ErrPeerNotFound)
	require.Len(t, handler.GetRequests(), 1, "reset drops earlier requests")
	_, err = c.Events(ctx, models.EventQuery{})
	require.NoError(t, err, "reset drops earlier responses")
}
