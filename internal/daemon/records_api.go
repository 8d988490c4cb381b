package daemon

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/testbed/testbed/internal/db"
	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/service"
)

const (
	defaultEventsLimit = 200  // Default events returned per query
	maxEventsLimit     = 1000 // Maximum events allowed per query
)

// WithStore serves the persisted records of the service from store.
func (api *ControlAPI) WithStore(store *db.Store) *ControlAPI {
	api.store = store
	return api
}

// requireStore reports whether a store is configured, answering 503 if not.
func (api *ControlAPI) requireStore(w http.ResponseWriter) bool {
	if api.store == nil {
		writeError(w, http.StatusServiceUnavailable, "no database configured")
		return false
	}
	return true
}

func (api *ControlAPI) writeStoreError(w http.ResponseWriter, what string, err error) {
	api.logger.Printf("testbedd: load %s: %v", what, err)
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

// handleEvents serves GET /v1/events?peer=ID|barrier=NAME&after=ID&limit=N.
func (api *ControlAPI) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	q, err := parseEventQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !api.requireStore(w) {
		return
	}
	var events []db.Event
	switch {
	case q.PeerID != 0:
		events, err = api.store.ListEventsByPeer(r.Context(), q.PeerID, q.After, q.Limit)
	case q.Barrier != "":
		events, err = api.store.ListEventsByBarrier(r.Context(), q.Barrier, q.After, q.Limit)
	default:
		events, err = api.store.ListEvents(r.Context(), q.After, q.Limit)
	}
	if err != nil {
		api.writeStoreError(w, "events", err)
		return
	}
	resp := models.EventsResponse{Events: make([]models.EventRecord, 0, len(events)), LastID: q.After}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventRecord(ev))
		resp.LastID = ev.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseEventQuery(r *http.Request) (models.EventQuery, error) {
	query := r.URL.Query()
	q := models.EventQuery{Barrier: strings.TrimSpace(query.Get("barrier"))}
	if raw := strings.TrimSpace(query.Get("peer")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || id == 0 {
			return q, errors.New("invalid peer id")
		}
		q.PeerID = uint32(id)
	}
	if q.PeerID != 0 && q.Barrier != "" {
		return q, errors.New("peer and barrier are mutually exclusive")
	}
	if raw := strings.TrimSpace(query.Get("after")); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			return q, errors.New("invalid after")
		}
		q.After = after
	}
	q.Limit = defaultEventsLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return q, errors.New("invalid limit")
		}
		q.Limit = limit
	}
	if q.Limit > maxEventsLimit {
		q.Limit = maxEventsLimit
	}
	return q, nil
}

func (api *ControlAPI) listHosts(w http.ResponseWriter, r *http.Request) {
	if !api.requireStore(w) {
		return
	}
	hosts, err := api.store.ListHosts(r.Context())
	if err != nil {
		api.writeStoreError(w, "hosts", err)
		return
	}
	if hosts == nil {
		hosts = []models.HostSpec{}
	}
	writeJSON(w, http.StatusOK, hosts)
}

func (api *ControlAPI) listPeers(w http.ResponseWriter, r *http.Request) {
	if !api.requireStore(w) {
		return
	}
	recs, err := api.store.ListPeers(r.Context())
	if err != nil {
		api.writeStoreError(w, "peers", err)
		return
	}
	out := make([]models.PeerRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, peerRecord(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (api *ControlAPI) getPeerRecord(w http.ResponseWriter, r *http.Request, peerID uint32) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	if !api.requireStore(w) {
		return
	}
	rec, err := api.store.GetPeer(r.Context(), peerID)
	if errors.Is(err, db.ErrNotFound) {
		api.writeServiceError(w, fmt.Errorf("%w: %d", service.ErrPeerNotFound, peerID))
		return
	}
	if err != nil {
		api.writeStoreError(w, "peer", err)
		return
	}
	writeJSON(w, http.StatusOK, peerRecord(rec))
}

func (api *ControlAPI) listLinks(w http.ResponseWriter, r *http.Request) {
	if !api.requireStore(w) {
		return
	}
	links, err := api.store.ListLinks(r.Context())
	if err != nil {
		api.writeStoreError(w, "links", err)
		return
	}
	if links == nil {
		links = []models.Link{}
	}
	writeJSON(w, http.StatusOK, links)
}

func (api *ControlAPI) getBarrierRecord(w http.ResponseWriter, r *http.Request, name string) {
	if !api.requireStore(w) {
		return
	}
	rec, err := api.store.GetBarrier(r.Context(), name)
	if errors.Is(err, db.ErrNotFound) {
		api.writeServiceError(w, fmt.Errorf("%w: %s", service.ErrBarrierNotFound, name))
		return
	}
	if err != nil {
		api.writeStoreError(w, "barrier", err)
		return
	}
	writeJSON(w, http.StatusOK, models.BarrierRecord{
		Name:      rec.Name,
		Quorum:    rec.Quorum,
		Total:     rec.Total,
		Reached:   rec.Reached,
		Status:    rec.Status,
		Message:   rec.Message,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
}

func eventRecord(ev db.Event) models.EventRecord {
	return models.EventRecord{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		Kind:      ev.Kind,
		PeerID:    ev.PeerID,
		Barrier:   ev.Barrier,
		Message:   ev.Message,
		Data:      ev.JSON,
	}
}

func peerRecord(rec db.PeerRecord) models.PeerRecord {
	return models.PeerRecord{
		ID:        rec.ID,
		HostID:    rec.HostID,
		State:     rec.State,
		Identity:  rec.Identity,
		Config:    rec.Config,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
