// Package service defines the contract between a testbed Controller and the
// testbed service it drives, and provides Local, the in-process engine that
// implements it.
//
// ABOUTME: A testbed service owns the peers of one host, routes requests for
// delegated hosts to linked sub-controllers, tracks overlay connections and
// counts barrier waiters. Controllers talk to it either in-process (Local) or
// over the v1 HTTP API served by testbedd (internal/client).
//
// ABOUTME: Every method blocks until the service answered. The Controller calls
// them from I/O goroutines and hands results back to its event loop.
package service

import (
	"context"

	"github.com/testbed/testbed/internal/models"
)

// Service is implemented by Local and by the HTTP client.
type Service interface {
	// Info describes the service.
	Info(ctx context.Context) (models.ControllerInfo, error)

	// RegisterHost makes a host usable as a peer creation or link target.
	// Registering the same spec twice is a no-op; a different spec for a
	// known ID returns ErrHostExists.
	RegisterHost(ctx context.Context, host models.HostSpec) error

	// Link routes requests for req.DelegatedHost through the controller on
	// req.SlaveHost, starting it first when req.IsSubordinate is set.
	Link(ctx context.Context, req models.LinkRequest) error

	// CreatePeer creates a peer on a registered host.
	CreatePeer(ctx context.Context, req models.PeerCreateRequest) error

	// StartPeer starts a created or stopped peer.
	StartPeer(ctx context.Context, peerID uint32) error

	// StopPeer stops a running peer and returns the overlay links it dropped.
	StopPeer(ctx context.Context, peerID uint32) ([]models.Link, error)

	// DestroyPeer releases a peer that is not running.
	DestroyPeer(ctx context.Context, peerID uint32) error

	// PeerInfo answers an information request of the given kind.
	PeerInfo(ctx context.Context, peerID uint32, kind models.PeerInfoKind) (models.PeerInfo, error)

	// UpdatePeerConfig overlays cfg on the configuration of a peer that is not running.
	UpdatePeerConfig(ctx context.Context, peerID uint32, cfg models.PeerConfig) error

	// ManageService starts or stops a named service inside a running peer.
	ManageService(ctx context.Context, peerID uint32, name string, start bool) error

	// OverlayConnect connects two running peers. Connecting an already
	// connected pair succeeds.
	OverlayConnect(ctx context.Context, p1, p2 uint32) error

	// BarrierInit creates a barrier that crosses once quorum percent of the
	// service's peers have waited on it.
	BarrierInit(ctx context.Context, name string, quorum int) error

	// BarrierCancel removes a barrier; peers still waiting receive an error.
	BarrierCancel(ctx context.Context, name string) error

	// AwaitBarrier blocks until the barrier reached a terminal status.
	AwaitBarrier(ctx context.Context, name string) (models.BarrierUpdate, error)

	// BarrierWait records that peerID reached the barrier and blocks until it
	// reached a terminal status.
	BarrierWait(ctx context.Context, name string, peerID uint32) (models.BarrierUpdate, error)

	// Shutdown stops all peers and releases subordinate controllers.
	Shutdown(ctx context.Context) error
}

// SlaveFactory returns the service of the controller running on host. When
// start is set the controller must be started first.
type SlaveFactory func(ctx context.Context, host models.HostSpec, start bool) (Service, error)

// Recorder receives service-level measurements. Implementations must be safe
// for concurrent use.
type Recorder interface {
	PeerTransition(from, to models.PeerState)
	OverlayConnect(result string)
	BarrierStatus(status models.BarrierStatus)
}
