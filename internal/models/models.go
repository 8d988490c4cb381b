// Package models provides data structures and constants shared by the testbed
// controller, the testbed service and its transport.
//
// This package contains the domain models exchanged between a Controller and a
// testbed service:
//   - HostSpec: A registered execution target for peers and controllers
//   - PeerState / PeerInfo: A simulated peer and what can be asked about it
//   - Link: An overlay connection between two peers
//   - BarrierStatus: The state of a named synchronization point
//
// All models are plain values designed for JSON transport and database persistence.
package models

import (
	"sort"
	"time"
)

// LocalHostID is the reserved identifier of the machine the process runs on.
const LocalHostID uint32 = 0

// DefaultSSHPort is used for hosts whose host-list entry carries no port.
const DefaultSSHPort = 22

// PeerState represents the current state of a peer in its lifecycle.
//
// The state machine enforces valid transitions:
//
//	CREATED → RUNNING ⇄ STOPPED
//	(CREATED|STOPPED) → DESTROYED
//
// A RUNNING peer must be stopped before it can be destroyed.
type PeerState string

const (
	// PeerCreated indicates the peer exists but was never started.
	PeerCreated PeerState = "CREATED"
	// PeerRunning indicates the peer process is up.
	PeerRunning PeerState = "RUNNING"
	// PeerStopped indicates the peer process was stopped and may be restarted.
	PeerStopped PeerState = "STOPPED"
	// PeerDestroyed indicates the peer and its resources were released.
	PeerDestroyed PeerState = "DESTROYED"
)

// PeerConfig is an opaque configuration snapshot. Keys are "section.option".
//
// The testbed never interprets the values; they are handed to peers on creation
// and to service connect adapters.
type PeerConfig map[string]string

// Clone returns a copy that can be modified independently.
func (c PeerConfig) Clone() PeerConfig {
	if c == nil {
		return PeerConfig{}
	}
	out := make(PeerConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Get returns the value stored for section.option.
func (c PeerConfig) Get(section, option string) (string, bool) {
	v, ok := c[section+"."+option]
	return v, ok
}

// Set stores value under section.option.
func (c PeerConfig) Set(section, option, value string) {
	c[section+"."+option] = value
}

// Merge returns a copy of c overlaid with every entry of other.
func (c PeerConfig) Merge(other PeerConfig) PeerConfig {
	out := c.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Keys returns the configuration keys in sorted order.
func (c PeerConfig) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HostSpec describes a host as it is registered with a testbed service.
//
// Fields:
//   - ID: Host identifier (0 is always the local machine)
//   - Hostname: DNS name or address (empty for the local machine)
//   - Username: Login used for SSH (empty for the current user)
//   - Port: SSH port
//   - ControllerAddr: host:port of the testbed service running on the host, if known
type HostSpec struct {
	ID             uint32 `json:"id"`
	Hostname       string `json:"hostname,omitempty"`
	Username       string `json:"username,omitempty"`
	Port           int    `json:"port,omitempty"`
	ControllerAddr string `json:"controller_addr,omitempty"`
}

// IsLocal reports whether the spec refers to the local machine.
func (h HostSpec) IsLocal() bool {
	return h.ID == LocalHostID
}

// PeerInfoKind selects what a peer information request returns.
type PeerInfoKind string

const (
	// InfoGeneric returns state and host only.
	InfoGeneric PeerInfoKind = "generic"
	// InfoIdentity returns the peer's public identity.
	InfoIdentity PeerInfoKind = "identity"
	// InfoConfiguration returns the peer's effective configuration.
	InfoConfiguration PeerInfoKind = "configuration"
)

// PeerInfo is the answer to a peer information request.
//
// Fields:
//   - PeerID: Controller-assigned unique peer identifier
//   - HostID: Host the peer runs on
//   - State: Current lifecycle state
//   - Identity: Hex-encoded public key (InfoIdentity only)
//   - Config: Effective configuration (InfoConfiguration only)
//   - Services: Names of additionally started services
type PeerInfo struct {
	PeerID   uint32     `json:"peer_id"`
	HostID   uint32     `json:"host_id"`
	State    PeerState  `json:"state"`
	Identity string     `json:"identity,omitempty"`
	Config   PeerConfig `json:"config,omitempty"`
	Services []string   `json:"services,omitempty"`
}

// PeerCreateRequest asks a testbed service to create a peer.
type PeerCreateRequest struct {
	PeerID uint32     `json:"peer_id"`
	HostID uint32     `json:"host_id"`
	Config PeerConfig `json:"config,omitempty"`
}

// LinkRequest asks a testbed service to route requests for DelegatedHost through
// the controller on SlaveHost.
//
// When IsSubordinate is set the slave controller is started by the master;
// otherwise the link is lateral and the slave controller must already run.
type LinkRequest struct {
	DelegatedHost uint32    `json:"delegated_host"`
	SlaveHost     *HostSpec `json:"slave_host,omitempty"`
	IsSubordinate bool      `json:"is_subordinate"`
}

// Link is an overlay connection between two peers. A and B are peer IDs.
type Link struct {
	A uint32 `json:"a"`
	B uint32 `json:"b"`
}

// Normalize orders the endpoints so that equal undirected links compare equal.
func (l Link) Normalize() Link {
	if l.A > l.B {
		return Link{A: l.B, B: l.A}
	}
	return l
}

// BarrierStatus represents the state of a barrier.
//
// Barrier state transitions:
//
//	INITIALISED → (CROSSED|ERROR)
type BarrierStatus string

const (
	// BarrierInitialised is reported once the service accepted the barrier.
	BarrierInitialised BarrierStatus = "INITIALISED"
	// BarrierCrossed indicates the quorum was reached.
	BarrierCrossed BarrierStatus = "CROSSED"
	// BarrierError indicates the barrier failed and will never cross.
	BarrierError BarrierStatus = "ERROR"
)

// Terminal reports whether no further status change can follow.
func (s BarrierStatus) Terminal() bool {
	return s == BarrierCrossed || s == BarrierError
}

// BarrierUpdate is a status notification for a named barrier.
type BarrierUpdate struct {
	Name    string        `json:"name"`
	Status  BarrierStatus `json:"status"`
	Message string        `json:"message,omitempty"`
}

// ControllerInfo describes a running testbed service.
type ControllerInfo struct {
	HostID    uint32    `json:"host_id"`
	Version   string    `json:"version"`
	Peers     int       `json:"peers"`
	StartedAt time.Time `json:"started_at"`
}
