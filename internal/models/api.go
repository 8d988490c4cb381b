package models

import "time"

// APIError is the JSON body of every failed v1 request. Code is the stable
// error code of a service sentinel, empty for transport-level failures.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// PeerStopResponse lists the overlay links dropped by stopping a peer.
type PeerStopResponse struct {
	Links []Link `json:"links"`
}

// ManageServiceRequest starts or stops a named service inside a peer.
type ManageServiceRequest struct {
	Name  string `json:"name"`
	Start bool   `json:"start"`
}

// OverlayConnectRequest asks for an overlay connection between two peers.
type OverlayConnectRequest struct {
	Peer1 uint32 `json:"peer1"`
	Peer2 uint32 `json:"peer2"`
}

// BarrierInitRequest creates a barrier.
type BarrierInitRequest struct {
	Name   string `json:"name"`
	Quorum int    `json:"quorum"`
}

// BarrierMessage is the single message sent on a barrier websocket: either
// the terminal update or the error that ended the wait.
type BarrierMessage struct {
	Update *BarrierUpdate `json:"update,omitempty"`
	Error  *APIError      `json:"error,omitempty"`
}

// EventRecord is one entry of the event log.
type EventRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	PeerID    *uint32   `json:"peer_id,omitempty"`
	Barrier   *string   `json:"barrier,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      string    `json:"data,omitempty"`
}

// EventsResponse is a page of the event log. LastID is the cursor for the
// next page, unchanged when the page is empty.
type EventsResponse struct {
	Events []EventRecord `json:"events"`
	LastID int64         `json:"last_id"`
}

// EventQuery selects a page of the event log. Peer and Barrier are
// mutually exclusive filters.
type EventQuery struct {
	PeerID  uint32
	Barrier string
	After   int64
	Limit   int
}

// PeerRecord is the persisted state of a peer.
type PeerRecord struct {
	ID        uint32     `json:"id"`
	HostID    uint32     `json:"host_id"`
	State     PeerState  `json:"state"`
	Identity  string     `json:"identity,omitempty"`
	Config    PeerConfig `json:"config,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BarrierRecord is the persisted state of a barrier.
type BarrierRecord struct {
	Name      string        `json:"name"`
	Quorum    int           `json:"quorum"`
	Total     int           `json:"total"`
	Reached   int           `json:"reached"`
	Status    BarrierStatus `json:"status"`
	Message   string        `json:"message,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
