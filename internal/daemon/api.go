package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/testbed/testbed/internal/db"
	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/service"
)

const (
	maxJSONBytes = 1 << 20 // Maximum size for JSON request bodies (1MB)
)

// ControlAPI serves a testbed service over HTTP.
//
// Endpoints:
//   - GET    /v1/info                     - Describe the service
//   - GET    /v1/hosts                    - Stored hosts
//   - POST   /v1/hosts                    - Register a host
//   - POST   /v1/links                    - Link a delegated host through a sub-controller
//   - GET    /v1/peers                    - Stored peer records
//   - POST   /v1/peers                    - Create a peer
//   - GET    /v1/peers/{id}?kind=K        - Peer information (identity, configuration, generic)
//   - GET    /v1/peers/{id}/record        - Stored record of a peer
//   - DELETE /v1/peers/{id}               - Destroy a peer
//   - POST   /v1/peers/{id}/start         - Start a peer
//   - POST   /v1/peers/{id}/stop          - Stop a peer, returning its dropped links
//   - PUT    /v1/peers/{id}/config        - Overlay configuration on a stopped peer
//   - POST   /v1/peers/{id}/services      - Start or stop a service inside a peer
//   - GET    /v1/overlay                  - Stored overlay links
//   - POST   /v1/overlay                  - Connect two peers
//   - POST   /v1/barriers                 - Create a barrier
//   - GET    /v1/barriers/{name}          - Stored record of a barrier
//   - DELETE /v1/barriers/{name}          - Cancel a barrier
//   - GET    /v1/barriers/{name}/status   - Websocket: terminal barrier status
//   - GET    /v1/barriers/{name}/wait     - Websocket: reach a barrier as ?peer=ID and wait
//   - GET    /v1/events?peer=|barrier=    - Page of the event log (after=ID, limit=N)
//   - POST   /v1/shutdown                 - Stop every peer and subordinate controller
//
// The stored-record reads answer 503 unless a store is configured.
type ControlAPI struct {
	svc      service.Service
	store    *db.Store
	metrics  *Metrics
	logger   *log.Logger
	shutdown func()
}

// NewControlAPI wraps svc.
func NewControlAPI(svc service.Service, logger *log.Logger) *ControlAPI {
	if logger == nil {
		logger = log.Default()
	}
	return &ControlAPI{svc: svc, logger: logger}
}

// WithMetrics counts barrier streams in m.
func (api *ControlAPI) WithMetrics(m *Metrics) *ControlAPI {
	api.metrics = m
	return api
}

// WithShutdownHook runs fn after a successful /v1/shutdown.
func (api *ControlAPI) WithShutdownHook(fn func()) *ControlAPI {
	api.shutdown = fn
	return api
}

// Register installs the v1 routes on mux.
func (api *ControlAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/v1/info", api.handleInfo)
	mux.HandleFunc("/v1/hosts", api.handleHosts)
	mux.HandleFunc("/v1/links", api.handleLinks)
	mux.HandleFunc("/v1/peers", api.handlePeers)
	mux.HandleFunc("/v1/peers/", api.handlePeerByID)
	mux.HandleFunc("/v1/overlay", api.handleOverlay)
	mux.HandleFunc("/v1/barriers", api.handleBarriers)
	mux.HandleFunc("/v1/barriers/", api.handleBarrierByName)
	mux.HandleFunc("/v1/events", api.handleEvents)
	mux.HandleFunc("/v1/shutdown", api.handleShutdown)
}

func (api *ControlAPI) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	info, err := api.svc.Info(r.Context())
	if err != nil {
		api.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (api *ControlAPI) handleHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		api.listHosts(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
		return
	}
	var host models.HostSpec
	if err := decodeJSON(w, r, &host); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := api.svc.RegisterHost(r.Context(), host); err != nil {
		api.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (api *ControlAPI) handleLinks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req models.LinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := api.svc.Link(r.Context(), req); err != nil {
		api.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (api *ControlAPI) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		api.listPeers(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
		return
	}
	var req models.PeerCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.PeerID == 0 {
		writeError(w, http.StatusBadRequest, "peer_id is required")
		return
	}
	if err := api.svc.CreatePeer(r.Context(), req); err != nil {
		api.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (api *ControlAPI) handlePeerByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/peers/"), "/")
	parts := strings.Split(rest, "/")
	id, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid peer id")
		return
	}
	peerID := uint32(id)
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch action {
	case "":
		api.handlePeer(w, r, peerID)
	case "record":
		api.getPeerRecord(w, r, peerID)
	case "start":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, []string{http.MethodPost})
			return
		}
		if err := api.svc.StartPeer(r.Context(), peerID); err != nil {
			api.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]uint32{"peer_id": peerID})
	case "stop":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, []string{http.MethodPost})
			return
		}
		links, err := api.svc.StopPeer(r.Context(), peerID)
		if err != nil {
			api.writeServiceError(w, err)
			return
		}
		if links == nil {
			links = []models.Link{}
		}
		writeJSON(w, http.StatusOK, models.PeerStopResponse{Links: links})
	case "config":
		if r.Method != http.MethodPut {
			writeMethodNotAllowed(w, []string{http.MethodPut})
			return
		}
		var cfg models.PeerConfig
		if err := decodeJSON(w, r, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
		if err := api.svc.UpdatePeerConfig(r.Context(), peerID, cfg); err != nil {
			api.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]uint32{"peer_id": peerID})
	case "services":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, []string{http.MethodPost})
			return
		}
		var req models.ManageServiceRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := api.svc.ManageService(r.Context(), peerID, req.Name, req.Start); err != nil {
			api.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (api *ControlAPI) handlePeer(w http.ResponseWriter, r *http.Request, peerID uint32) {
	switch r.Method {
	case http.MethodGet:
		kind := models.PeerInfoKind(r.URL.Query().Get("kind"))
		if kind == "" {
			kind = models.InfoGeneric
		}
		info, err := api.svc.PeerInfo(r.Context(), peerID, kind)
		if err != nil {
			api.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)
	case http.MethodDelete:
		if err := api.svc.DestroyPeer(r.Context(), peerID); err != nil {
			api.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodDelete})
	}
}

func (api *ControlAPI) handleOverlay(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		api.listLinks(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodPost})
		return
	}
	var req models.OverlayConnectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := api.svc.OverlayConnect(r.Context(), req.Peer1, req.Peer2); err != nil {
		api.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (api *ControlAPI) handleBarriers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req models.BarrierInitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := api.svc.BarrierInit(r.Context(), req.Name, req.Quorum); err != nil {
		api.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, models.BarrierUpdate{Name: req.Name, Status: models.BarrierInitialised})
}

func (api *ControlAPI) handleBarrierByName(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.EscapedPath(), "/v1/barriers/"), "/")
	parts := strings.Split(rest, "/")
	name, err := url.PathUnescape(parts[0])
	if err != nil || strings.TrimSpace(name) == "" {
		writeError(w, http.StatusBadRequest, "invalid barrier name")
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	switch {
	case action == "" && len(parts) == 1:
		if r.Method == http.MethodGet {
			api.getBarrierRecord(w, r, name)
			return
		}
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w, []string{http.MethodGet, http.MethodDelete})
			return
		}
		if err := api.svc.BarrierCancel(r.Context(), name); err != nil {
			api.writeServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "status" && len(parts) == 2:
		api.handleBarrierStatus(w, r, name)
	case action == "wait" && len(parts) == 2:
		peer, err := strconv.ParseUint(r.URL.Query().Get("peer"), 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid peer id")
			return
		}
		api.handleBarrierWait(w, r, name, uint32(peer))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (api *ControlAPI) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	if err := api.svc.Shutdown(r.Context()); err != nil {
		api.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	if api.shutdown != nil {
		api.shutdown()
	}
}

func (api *ControlAPI) writeServiceError(w http.ResponseWriter, err error) {
	status := serviceErrorStatus(err)
	if status >= http.StatusInternalServerError {
		api.logger.Printf("testbedd: request failed: %v", err)
	}
	writeJSON(w, status, models.APIError{Error: err.Error(), Code: service.ErrorCode(err)})
}

// serviceErrorStatus maps a service sentinel to an HTTP status.
func serviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrPeerNotFound),
		errors.Is(err, service.ErrBarrierNotFound),
		errors.Is(err, service.ErrHostNotRegistered),
		errors.Is(err, service.ErrHostNotLinked):
		return http.StatusNotFound
	case errors.Is(err, service.ErrPeerExists),
		errors.Is(err, service.ErrBarrierExists),
		errors.Is(err, service.ErrHostExists),
		errors.Is(err, service.ErrAlreadyLinked),
		errors.Is(err, service.ErrInvalidPeerState),
		errors.Is(err, service.ErrServiceNotRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrSelfConnect),
		errors.Is(err, service.ErrInvalidBarrier),
		errors.Is(err, service.ErrUnsupportedRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoSlaveFactory):
		return http.StatusNotImplemented
	case errors.Is(err, service.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	payload := models.APIError{Error: msg}
	if len(err) > 0 && err[0] != nil {
		payload.Details = err[0].Error()
	}
	writeJSON(w, status, payload)
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
