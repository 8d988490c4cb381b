// ABOUTME: HTTP and websocket client for the v1 API served by testbedd.
// ABOUTME: Implements service.Service so a Controller can drive a remote testbed service.

// Package client talks to a running testbedd.
//
// Request/response calls use JSON over HTTP. The two blocking barrier calls
// (AwaitBarrier and BarrierWait) use a websocket that the daemon answers with
// a single BarrierMessage once the barrier reached a terminal status.
//
// # Error Handling
//
// Failed requests carry a JSON models.APIError. Its code is mapped back to
// the service sentinel so errors.Is(err, service.ErrPeerNotFound) and friends
// work across the transport.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/testbed/testbed/internal/buildinfo"
	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/service"
)

const (
	defaultTimeout  = 2 * time.Minute
	maxJSONBytes    = 4 << 20 // 4MB maximum JSON response size
	wsCloseDeadline = time.Second
)

// Client implements service.Service against the v1 API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	dialer     *websocket.Dialer
	timeout    time.Duration
}

var _ service.Service = (*Client)(nil)

// New returns a client for the testbedd listening on addr. addr is either
// host:port or an http(s) URL.
func New(addr string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	ws := "ws" + strings.TrimPrefix(base, "http")
	return &Client{
		baseURL:    base,
		wsURL:      ws,
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
		timeout:    defaultTimeout,
	}
}

// WithTimeout bounds every request/response call. Barrier waits are not bounded.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

// WithHTTPClient replaces the HTTP client, e.g. with one from httptest.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// Addr returns the base URL of the daemon.
func (c *Client) Addr() string {
	return c.baseURL
}

func (c *Client) Info(ctx context.Context) (models.ControllerInfo, error) {
	var info models.ControllerInfo
	err := c.doJSON(ctx, http.MethodGet, "/v1/info", nil, &info)
	return info, err
}

func (c *Client) RegisterHost(ctx context.Context, host models.HostSpec) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/hosts", host, nil)
}

func (c *Client) Link(ctx context.Context, req models.LinkRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/links", req, nil)
}

func (c *Client) CreatePeer(ctx context.Context, req models.PeerCreateRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/peers", req, nil)
}

func (c *Client) StartPeer(ctx context.Context, peerID uint32) error {
	return c.doJSON(ctx, http.MethodPost, peerPath(peerID, "start"), nil, nil)
}

func (c *Client) StopPeer(ctx context.Context, peerID uint32) ([]models.Link, error) {
	var resp models.PeerStopResponse
	if err := c.doJSON(ctx, http.MethodPost, peerPath(peerID, "stop"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Links, nil
}

func (c *Client) DestroyPeer(ctx context.Context, peerID uint32) error {
	return c.doJSON(ctx, http.MethodDelete, peerPath(peerID, ""), nil, nil)
}

func (c *Client) PeerInfo(ctx context.Context, peerID uint32, kind models.PeerInfoKind) (models.PeerInfo, error) {
	var info models.PeerInfo
	path := peerPath(peerID, "") + "?kind=" + url.QueryEscape(string(kind))
	err := c.doJSON(ctx, http.MethodGet, path, nil, &info)
	return info, err
}

func (c *Client) UpdatePeerConfig(ctx context.Context, peerID uint32, cfg models.PeerConfig) error {
	return c.doJSON(ctx, http.MethodPut, peerPath(peerID, "config"), cfg, nil)
}

func (c *Client) ManageService(ctx context.Context, peerID uint32, name string, start bool) error {
	req := models.ManageServiceRequest{Name: name, Start: start}
	return c.doJSON(ctx, http.MethodPost, peerPath(peerID, "services"), req, nil)
}

func (c *Client) OverlayConnect(ctx context.Context, p1, p2 uint32) error {
	req := models.OverlayConnectRequest{Peer1: p1, Peer2: p2}
	return c.doJSON(ctx, http.MethodPost, "/v1/overlay", req, nil)
}

func (c *Client) BarrierInit(ctx context.Context, name string, quorum int) error {
	req := models.BarrierInitRequest{Name: name, Quorum: quorum}
	return c.doJSON(ctx, http.MethodPost, "/v1/barriers", req, nil)
}

func (c *Client) BarrierCancel(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, barrierPath(name, ""), nil, nil)
}

func (c *Client) AwaitBarrier(ctx context.Context, name string) (models.BarrierUpdate, error) {
	return c.barrierStream(ctx, barrierPath(name, "status"))
}

func (c *Client) BarrierWait(ctx context.Context, name string, peerID uint32) (models.BarrierUpdate, error) {
	return c.barrierStream(ctx, barrierPath(name, "wait")+"?peer="+strconv.FormatUint(uint64(peerID), 10))
}

func (c *Client) Shutdown(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/shutdown", nil, nil)
}

// Events returns a page of the daemon's event log.
func (c *Client) Events(ctx context.Context, q models.EventQuery) (models.EventsResponse, error) {
	values := url.Values{}
	if q.PeerID != 0 {
		values.Set("peer", strconv.FormatUint(uint64(q.PeerID), 10))
	}
	if q.Barrier != "" {
		values.Set("barrier", q.Barrier)
	}
	if q.After > 0 {
		values.Set("after", strconv.FormatInt(q.After, 10))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/v1/events"
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var resp models.EventsResponse
	err := c.doJSON(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// Hosts lists the hosts the daemon has stored.
func (c *Client) Hosts(ctx context.Context) ([]models.HostSpec, error) {
	var hosts []models.HostSpec
	err := c.doJSON(ctx, http.MethodGet, "/v1/hosts", nil, &hosts)
	return hosts, err
}

// PeerRecords lists the stored peer records.
func (c *Client) PeerRecords(ctx context.Context) ([]models.PeerRecord, error) {
	var peers []models.PeerRecord
	err := c.doJSON(ctx, http.MethodGet, "/v1/peers", nil, &peers)
	return peers, err
}

func (c *Client) PeerRecord(ctx context.Context, peerID uint32) (models.PeerRecord, error) {
	var rec models.PeerRecord
	err := c.doJSON(ctx, http.MethodGet, peerPath(peerID, "record"), nil, &rec)
	return rec, err
}

// OverlayLinks lists the stored overlay links.
func (c *Client) OverlayLinks(ctx context.Context) ([]models.Link, error) {
	var links []models.Link
	err := c.doJSON(ctx, http.MethodGet, "/v1/overlay", nil, &links)
	return links, err
}

func (c *Client) BarrierRecord(ctx context.Context, name string) (models.BarrierRecord, error) {
	var rec models.BarrierRecord
	err := c.doJSON(ctx, http.MethodGet, barrierPath(name, ""), nil, &rec)
	return rec, err
}

// doJSON sends payload as JSON and decodes a successful response into dest.
func (c *Client) doJSON(ctx context.Context, method, path string, payload, dest any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, data)
	}
	if dest == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// barrierStream opens a barrier websocket and waits for its single message.
// Cancelling ctx closes the socket, which the daemon treats as abandoning the wait.
func (c *Client) barrierStream(ctx context.Context, path string) (models.BarrierUpdate, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL+path, http.Header{"User-Agent": {buildinfo.UserAgent()}})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxJSONBytes))
			_ = resp.Body.Close()
			return models.BarrierUpdate{}, parseAPIError(resp.StatusCode, data)
		}
		return models.BarrierUpdate{}, fmt.Errorf("dial %s: %w", path, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "cancelled"),
				time.Now().Add(wsCloseDeadline))
			_ = conn.Close()
		case <-done:
		}
	}()

	var msg models.BarrierMessage
	if err := conn.ReadJSON(&msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.BarrierUpdate{}, ctxErr
		}
		return models.BarrierUpdate{}, fmt.Errorf("read %s: %w", path, err)
	}
	if msg.Error != nil {
		return models.BarrierUpdate{}, service.ErrorFromCode(msg.Error.Code, msg.Error.Error)
	}
	if msg.Update == nil {
		return models.BarrierUpdate{}, errors.New("barrier stream closed without an update")
	}
	return *msg.Update, nil
}

// parseAPIError converts an HTTP error response into an error carrying the
// matching service sentinel when the daemon sent a known code.
func parseAPIError(status int, data []byte) error {
	if len(data) > 0 {
		var apiErr models.APIError
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
			return service.ErrorFromCode(apiErr.Code, apiErr.Error)
		}
	}
	return fmt.Errorf("request failed with status %d", status)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func peerPath(peerID uint32, action string) string {
	path := "/v1/peers/" + strconv.FormatUint(uint64(peerID), 10)
	if action != "" {
		path += "/" + action
	}
	return path
}

func barrierPath(name, action string) string {
	path := "/v1/barriers/" + url.PathEscape(name)
	if action != "" {
		path += "/" + action
	}
	return path
}
