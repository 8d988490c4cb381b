// Package testing provides shared test utilities for the testbed.
package testing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/testbed/testbed/internal/models"
)

// MockCommandRunner records commands instead of executing them.
//
// Responses are consumed in call order; once they run out every call returns
// DefaultOutput and DefaultErr.
type MockCommandRunner struct {
	mu            sync.Mutex
	Calls         []MockCommand
	Responses     []MockCommandResponse
	DefaultOutput string
	DefaultErr    error
	Delay         time.Duration
}

// MockCommand is one recorded invocation.
type MockCommand struct {
	Name string
	Args []string
}

// String renders the command as a shell-like line.
func (c MockCommand) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// MockCommandResponse is the canned result of one invocation.
type MockCommandResponse struct {
	Output string
	Err    error
}

// Run records the command and returns the next canned response.
func (m *MockCommandRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	m.mu.Lock()
	idx := len(m.Calls)
	m.Calls = append(m.Calls, MockCommand{Name: name, Args: append([]string(nil), args...)})
	delay := m.Delay
	var resp *MockCommandResponse
	if idx < len(m.Responses) {
		r := m.Responses[idx]
		resp = &r
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if resp != nil {
		return resp.Output, resp.Err
	}
	return m.DefaultOutput, m.DefaultErr
}

// Commands returns a copy of the recorded invocations.
func (m *MockCommandRunner) Commands() []MockCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCommand(nil), m.Calls...)
}

// MockServiceConn is the handle produced by MockServiceAdapter.
type MockServiceConn struct {
	ID      int
	Service string
	Config  models.PeerConfig
}

// MockServiceAdapter provides connect and disconnect adapters that record
// their calls.
type MockServiceAdapter struct {
	mu           sync.Mutex
	next         int
	ConnectErr   error
	Connected    []*MockServiceConn
	Disconnected []*MockServiceConn
}

// Connect is a connect adapter.
func (m *MockServiceAdapter) Connect(ctx context.Context, service string, cfg models.PeerConfig) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}
	m.next++
	conn := &MockServiceConn{ID: m.next, Service: service, Config: cfg.Clone()}
	m.Connected = append(m.Connected, conn)
	return conn, nil
}

// Disconnect is a disconnect adapter.
func (m *MockServiceAdapter) Disconnect(handle any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := handle.(*MockServiceConn); ok {
		m.Disconnected = append(m.Disconnected, conn)
	}
}

// Counts returns how many connects and disconnects happened so far.
func (m *MockServiceAdapter) Counts() (connects, disconnects int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Connected), len(m.Disconnected)
}

// MockHTTPHandler is a mock HTTP handler for testing API clients.
type MockHTTPHandler struct {
	mu            sync.Mutex
	responses     map[string][]*MockResponse
	requests      []*MockRequest
	defaultStatus int
	delay         time.Duration
}

// MockResponse represents a mock HTTP response.
type MockResponse struct {
	Status int
	Body   any
}

// MockRequest represents a captured HTTP request.
type MockRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
	At     time.Time
}

// NewMockHTTPHandler creates a new mock HTTP handler.
func NewMockHTTPHandler() *MockHTTPHandler {
	return &MockHTTPHandler{
		responses:     make(map[string][]*MockResponse),
		defaultStatus: http.StatusOK,
	}
}

// ServeHTTP implements http.Handler.
func (m *MockHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Capture request
	body, _ := io.ReadAll(r.Body)
	req := &MockRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
		At:     time.Now(),
	}
	m.requests = append(m.requests, req)

	// Apply delay if set
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	// Get response for this path
	key := r.Method + ":" + r.URL.Path
	responses, ok := m.responses[key]
	if !ok || len(responses) == 0 {
		w.WriteHeader(m.defaultStatus)
		return
	}

	// Get next response in round-robin fashion
	resp := responses[0]
	if len(responses) > 1 {
		m.responses[key] = responses[1:]
	}

	if resp.Body != nil {
		w.Header().Set("Content-Type", "application/json")
	}
	if resp.Status != 0 {
		w.WriteHeader(resp.Status)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if resp.Body != nil {
		_ = json.NewEncoder(w).Encode(resp.Body)
	}
}

// AddResponse adds a mock response for a given method and path.
func (m *MockHTTPHandler) AddResponse(method, path string, status int, body any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := method + ":" + path
	m.responses[key] = append(m.responses[key], &MockResponse{
		Status: status,
		Body:   body,
	})
}

// SetDelay sets an artificial delay for all responses.
func (m *MockHTTPHandler) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// GetRequests returns all captured requests.
func (m *MockHTTPHandler) GetRequests() []*MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requests
}

// ClearRequests clears all captured requests.
func (m *MockHTTPHandler) ClearRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = nil
}

// NewTestServer creates a test HTTP server with the mock handler.
func (m *MockHTTPHandler) NewTestServer(t interface {
	Cleanup(func())
}) *httptest.Server {
	srv := httptest.NewServer(m)
	if t, ok := t.(interface{ Cleanup(func()) }); ok {
		t.Cleanup(srv.Close)
	}
	return srv
}

// Reset clears all responses and requests.
func (m *MockHTTPHandler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responses = make(map[string][]*MockResponse)
	m.requests = nil
}
