package testbed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/service"
)

var (
	ErrPeerBusy         = errors.New("peer has a pending lifecycle operation")
	ErrPeerDestroyed    = errors.New("peer destroyed")
	ErrInvalidPeerState = service.ErrInvalidPeerState
	ErrSelfConnect      = service.ErrSelfConnect
)

// Configuration keys the controller adds to every peer configuration.
const (
	ConfigPeerID         = "testbed.peer_id"
	ConfigHostID         = "testbed.host_id"
	ConfigControllerAddr = "testbed.controller_addr"
)

// peerIDs numbers peers across every controller in the process.
var peerIDs atomic.Uint32

// Peer is one simulated network participant managed by a Controller.
//
// Peer state transitions:
//
//	CREATED → RUNNING → STOPPED → RUNNING ...
//	CREATED|STOPPED → DESTROYED
//
// At most one lifecycle operation (start, stop, destroy, configuration update)
// may be pending per peer; further calls return ErrPeerBusy until the pending
// operation completed or was released.
type Peer struct {
	c        *Controller
	id       uint32
	host     *Host
	state    models.PeerState
	busy     *Operation
	identity string
	config   models.PeerConfig
}

// ID returns the controller-assigned unique peer identifier.
func (p *Peer) ID() uint32 { return p.id }

// Host returns the host the peer runs on.
func (p *Peer) Host() *Host { return p.host }

// State returns the last state confirmed by the testbed service.
func (p *Peer) State() models.PeerState { return p.state }

// Running reports whether the peer is running.
func (p *Peer) Running() bool { return p.state == models.PeerRunning }

// Identity returns the cached identity, empty until fetched with Info.
func (p *Peer) Identity() string { return p.identity }

// Config returns a copy of the configuration the peer was created with, or
// the one last fetched with Info.
func (p *Peer) Config() models.PeerConfig {
	if p.config == nil {
		return nil
	}
	return p.config.Clone()
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer %d on %s", p.id, p.host)
}

func sortPeers(peers []*Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })
}

// CreatePeer creates a peer on host, which must be registered with the
// controller. cfg is merged over the host template. cb receives the peer
// once the service created it.
func (c *Controller) CreatePeer(host *Host, cfg models.PeerConfig, cb func(p *Peer, err error)) (*Operation, error) {
	if c.closed {
		return nil, ErrControllerDisconnected
	}
	if !c.IsRegistered(host) {
		return nil, fmt.Errorf("%w: %v", ErrHostNotRegistered, host)
	}
	if host.Destroyed() {
		return nil, fmt.Errorf("%w: %s", ErrHostDestroyed, host)
	}
	id := peerIDs.Add(1)
	merged := host.Template().Merge(cfg)
	merged[ConfigPeerID] = strconv.FormatUint(uint64(id), 10)
	merged[ConfigHostID] = strconv.FormatUint(uint64(host.ID()), 10)
	if addr := c.host.ControllerAddr(); addr != "" {
		merged[ConfigControllerAddr] = addr
	}
	req := models.PeerCreateRequest{PeerID: id, HostID: host.ID(), Config: merged}

	ctx, cancel := context.WithCancel(c.ctx)
	var op *Operation
	op = c.newOperation("peer_create", func() {
		c.callOp(ctx, op, func(ctx context.Context) (any, error) {
			return nil, c.svc.CreatePeer(ctx, req)
		}, func(_ any, err error) {
			var peer *Peer
			if err == nil {
				peer = &Peer{c: c, id: id, host: host, state: models.PeerCreated, config: merged}
				c.peers[id] = peer
				host.acquire()
			}
			c.metrics.incOperation(op.Kind(), err)
			if cb != nil {
				cb(peer, err)
				return
			}
			c.operationFinished(op, err, peer)
		})
	}, cancel)
	return op, c.enqueue(op, c.opqParallel)
}

// check validates that the peer can take a lifecycle operation.
func (p *Peer) check(allowed ...models.PeerState) error {
	if p.c.closed {
		return ErrControllerDisconnected
	}
	if p.state == models.PeerDestroyed {
		return ErrPeerDestroyed
	}
	if p.busy != nil {
		return fmt.Errorf("%w: %s", ErrPeerBusy, p)
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, s := range allowed {
		if p.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %s", ErrInvalidPeerState, p, p.state)
}

// lifecycleOp builds an operation on the parallel queue that holds the peer's
// lifecycle slot until it completes or is released.
func (p *Peer) lifecycleOp(kind string, call func(ctx context.Context) (any, error), deliver func(op *Operation, res any, err error)) (*Operation, error) {
	c := p.c
	ctx, cancel := context.WithCancel(c.ctx)
	var op *Operation
	op = c.newOperation(kind, func() {
		c.callOp(ctx, op, call, func(res any, err error) {
			if p.busy == op {
				p.busy = nil
			}
			deliver(op, res, err)
		})
	}, func() {
		cancel()
		if p.busy == op {
			p.busy = nil
		}
	})
	p.busy = op
	return op, c.enqueue(op, c.opqParallel)
}

// Start starts a created or stopped peer. Success is signalled by a
// PeerStartEvent, which is always delivered; cb, if given, also runs.
func (p *Peer) Start(cb func(err error)) (*Operation, error) {
	if err := p.check(models.PeerCreated, models.PeerStopped); err != nil {
		return nil, err
	}
	c := p.c
	return p.lifecycleOp("peer_start", func(ctx context.Context) (any, error) {
		return nil, c.svc.StartPeer(ctx, p.id)
	}, func(op *Operation, _ any, err error) {
		c.metrics.incOperation(op.Kind(), err)
		if err == nil {
			p.state = models.PeerRunning
			c.emit(PeerStartEvent{Host: p.host, Peer: p})
			if cb != nil {
				cb(nil)
			}
			return
		}
		if cb != nil {
			cb(err)
			return
		}
		c.operationFinished(op, err, nil)
	})
}

// Stop stops a running peer. Stopping a peer that is not running is a caller
// error. Success is signalled by a PeerStopEvent, preceded by a
// DisconnectEvent for every overlay link the peer dropped.
func (p *Peer) Stop(cb func(err error)) (*Operation, error) {
	if err := p.check(models.PeerRunning); err != nil {
		return nil, err
	}
	c := p.c
	return p.lifecycleOp("peer_stop", func(ctx context.Context) (any, error) {
		return c.svc.StopPeer(ctx, p.id)
	}, func(op *Operation, res any, err error) {
		c.metrics.incOperation(op.Kind(), err)
		if err == nil {
			p.state = models.PeerStopped
			links, _ := res.([]models.Link)
			for _, l := range links {
				a, b := c.peers[l.A], c.peers[l.B]
				if a == nil || b == nil {
					continue
				}
				c.emit(DisconnectEvent{Peer1: a, Peer2: b})
			}
			c.emit(PeerStopEvent{Peer: p})
			if cb != nil {
				cb(nil)
			}
			return
		}
		if cb != nil {
			cb(err)
			return
		}
		c.operationFinished(op, err, nil)
	})
}

// Destroy releases a peer that is not running. Destroying a running peer is a
// caller error. The outcome is reported as an OperationFinishedEvent.
func (p *Peer) Destroy() (*Operation, error) {
	if err := p.check(models.PeerCreated, models.PeerStopped); err != nil {
		return nil, err
	}
	c := p.c
	return p.lifecycleOp("peer_destroy", func(ctx context.Context) (any, error) {
		return nil, c.svc.DestroyPeer(ctx, p.id)
	}, func(op *Operation, _ any, err error) {
		if err == nil {
			p.state = models.PeerDestroyed
			delete(c.peers, p.id)
			p.host.release()
		}
		c.complete(op, err, nil, nil)
	})
}

// UpdateConfiguration overlays cfg on the configuration of a peer that is not
// running.
func (p *Peer) UpdateConfiguration(cfg models.PeerConfig, cb func(err error)) (*Operation, error) {
	if err := p.check(models.PeerCreated, models.PeerStopped); err != nil {
		return nil, err
	}
	c := p.c
	update := cfg.Clone()
	return p.lifecycleOp("peer_reconfigure", func(ctx context.Context) (any, error) {
		return nil, c.svc.UpdatePeerConfig(ctx, p.id, update)
	}, func(op *Operation, _ any, err error) {
		if err == nil && p.config != nil {
			p.config = p.config.Merge(update)
		}
		c.complete(op, err, nil, cb)
	})
}

// Info requests information about the peer. Identity and configuration
// answers are cached on the peer.
func (p *Peer) Info(kind models.PeerInfoKind, cb func(info models.PeerInfo, err error)) (*Operation, error) {
	if err := p.check(); err != nil && !errors.Is(err, ErrPeerBusy) {
		return nil, err
	}
	c := p.c
	ctx, cancel := context.WithCancel(c.ctx)
	var op *Operation
	op = c.newOperation("peer_info", func() {
		c.callOp(ctx, op, func(ctx context.Context) (any, error) {
			return c.svc.PeerInfo(ctx, p.id, kind)
		}, func(res any, err error) {
			info, _ := res.(models.PeerInfo)
			if err == nil {
				if info.Identity != "" {
					p.identity = info.Identity
				}
				if info.Config != nil {
					p.config = info.Config.Clone()
				}
			}
			c.metrics.incOperation(op.Kind(), err)
			if cb != nil {
				cb(info, err)
				return
			}
			c.operationFinished(op, err, info)
		})
	}, cancel)
	return op, c.enqueue(op, c.opqParallel)
}

// ManageService starts or stops a named service inside a running peer.
func (p *Peer) ManageService(name string, start bool, cb func(err error)) (*Operation, error) {
	if err := p.check(); err != nil && !errors.Is(err, ErrPeerBusy) {
		return nil, err
	}
	if p.state != models.PeerRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidPeerState, p, p.state)
	}
	c := p.c
	ctx, cancel := context.WithCancel(c.ctx)
	var op *Operation
	op = c.newOperation("manage_service", func() {
		c.callOp(ctx, op, func(ctx context.Context) (any, error) {
			return nil, c.svc.ManageService(ctx, p.id, name, start)
		}, func(_ any, err error) {
			c.complete(op, err, nil, cb)
		})
	}, cancel)
	return op, c.enqueue(op, c.opqParallel)
}

// OverlayConnect connects two running peers. The operation waits on the
// overlay-connect queue of p1's host. Connecting an already connected pair
// succeeds. On success a ConnectEvent is emitted (when subscribed) and cb, if
// given, runs; failures go to cb or an OperationFinishedEvent.
func (c *Controller) OverlayConnect(p1, p2 *Peer, cb func(err error)) (*Operation, error) {
	return c.overlayConnect(p1, p2, nil, cb)
}

func (c *Controller) overlayConnect(p1, p2 *Peer, extra *OperationQueue, cb func(err error)) (*Operation, error) {
	if c.closed {
		return nil, ErrControllerDisconnected
	}
	if p1 == nil || p2 == nil {
		return nil, errors.New("overlay connect needs two peers")
	}
	if p1 == p2 {
		return nil, fmt.Errorf("%w: %s", ErrSelfConnect, p1)
	}
	for _, p := range []*Peer{p1, p2} {
		if p.state != models.PeerRunning {
			return nil, fmt.Errorf("%w: %s is %s", ErrInvalidPeerState, p, p.state)
		}
	}
	ctx, cancel := context.WithCancel(c.ctx)
	var op *Operation
	op = c.newOperation("overlay_connect", func() {
		c.callOp(ctx, op, func(ctx context.Context) (any, error) {
			return nil, c.svc.OverlayConnect(ctx, p1.id, p2.id)
		}, func(_ any, err error) {
			c.metrics.incOperation(op.Kind(), err)
			if err == nil {
				c.emit(ConnectEvent{Peer1: p1, Peer2: p2})
				if cb != nil {
					cb(nil)
				}
				return
			}
			if cb != nil {
				cb(err)
				return
			}
			c.operationFinished(op, err, nil)
		})
	}, cancel)
	queues := []*OperationQueue{p1.host.overlayConnectQueue(c.limits.MaxParallelOverlayConnects, c.metrics)}
	if extra != nil {
		queues = append(queues, extra)
	}
	return op, c.enqueue(op, queues...)
}
