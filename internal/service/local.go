package service

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/testbed/testbed/internal/db"
	"github.com/testbed/testbed/internal/models"
)

// Local is the in-process testbed service of one host.
//
// Peers created for the local host are simulated in memory. Requests for
// other hosts are forwarded to the service returned by the SlaveFactory when
// the host was linked. Local is safe for concurrent use.
type Local struct {
	hostID    uint32
	version   string
	store     *db.Store
	logger    *log.Logger
	factory   SlaveFactory
	recorder  Recorder
	now       func() time.Time
	startedAt time.Time

	mu       sync.Mutex
	closed   bool
	hosts    map[uint32]models.HostSpec
	routes   map[uint32]Service
	slaves   []Service
	peers    map[uint32]*localPeer
	remote   map[uint32]Service
	links    map[models.Link]struct{}
	barriers map[string]*barrier
}

type localPeer struct {
	id       uint32
	hostID   uint32
	state    models.PeerState
	identity string
	config   models.PeerConfig
	services map[string]struct{}
}

type barrier struct {
	name    string
	quorum  int
	total   int
	reached map[uint32]struct{}
	status  models.BarrierStatus
	message string
	done    chan struct{}
}

func (b *barrier) update() models.BarrierUpdate {
	return models.BarrierUpdate{Name: b.name, Status: b.status, Message: b.message}
}

var _ Service = (*Local)(nil)

// NewLocal creates the service for hostID. store may be nil, in which case
// nothing is persisted.
func NewLocal(hostID uint32, store *db.Store, logger *log.Logger) *Local {
	if logger == nil {
		logger = log.Default()
	}
	l := &Local{
		hostID:   hostID,
		version:  "dev",
		store:    store,
		logger:   logger,
		now:      time.Now,
		hosts:    map[uint32]models.HostSpec{hostID: {ID: hostID}},
		routes:   make(map[uint32]Service),
		peers:    make(map[uint32]*localPeer),
		remote:   make(map[uint32]Service),
		links:    make(map[models.Link]struct{}),
		barriers: make(map[string]*barrier),
	}
	l.startedAt = l.now().UTC()
	return l
}

// WithSlaveFactory enables Link.
func (l *Local) WithSlaveFactory(factory SlaveFactory) *Local {
	l.factory = factory
	return l
}

// WithRecorder sets the metrics sink.
func (l *Local) WithRecorder(recorder Recorder) *Local {
	l.recorder = recorder
	return l
}

// WithVersion sets the version reported by Info.
func (l *Local) WithVersion(version string) *Local {
	if version != "" {
		l.version = version
	}
	return l
}

// HostID returns the id of the host this service runs on.
func (l *Local) HostID() uint32 {
	return l.hostID
}

func (l *Local) Info(ctx context.Context) (models.ControllerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return models.ControllerInfo{}, ErrClosed
	}
	return models.ControllerInfo{
		HostID:    l.hostID,
		Version:   l.version,
		Peers:     len(l.peers),
		StartedAt: l.startedAt,
	}, nil
}

func (l *Local) RegisterHost(ctx context.Context, host models.HostSpec) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if existing, ok := l.hosts[host.ID]; ok {
		l.mu.Unlock()
		if host.ID == l.hostID || existing == host {
			return nil
		}
		return fmt.Errorf("%w: host %d", ErrHostExists, host.ID)
	}
	l.hosts[host.ID] = host
	l.mu.Unlock()

	l.persist(ctx, "save host", func(ctx context.Context) error { return l.store.SaveHost(ctx, host) })
	l.logger.Printf("testbed service: registered host %d (%s)", host.ID, hostLabel(host))
	return nil
}

func (l *Local) Link(ctx context.Context, req models.LinkRequest) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.factory == nil {
		l.mu.Unlock()
		return ErrNoSlaveFactory
	}
	delegated, ok := l.hosts[req.DelegatedHost]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: delegated host %d", ErrHostNotRegistered, req.DelegatedHost)
	}
	if req.DelegatedHost == l.hostID {
		l.mu.Unlock()
		return fmt.Errorf("%w: cannot delegate own host %d", ErrUnsupportedRequest, l.hostID)
	}
	if _, ok := l.routes[req.DelegatedHost]; ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: host %d", ErrAlreadyLinked, req.DelegatedHost)
	}
	slaveHost := delegated
	if req.SlaveHost != nil {
		known, ok := l.hosts[req.SlaveHost.ID]
		if !ok {
			l.mu.Unlock()
			return fmt.Errorf("%w: slave host %d", ErrHostNotRegistered, req.SlaveHost.ID)
		}
		slaveHost = known
	}
	l.mu.Unlock()

	slave, err := l.factory(ctx, slaveHost, req.IsSubordinate)
	if err != nil {
		return fmt.Errorf("link host %d via %d: %w", req.DelegatedHost, slaveHost.ID, err)
	}
	if slaveHost.ID != delegated.ID {
		// The slave forwards to the controller on the delegated host itself.
		if err := slave.RegisterHost(ctx, delegated); err != nil {
			return fmt.Errorf("register host %d at slave %d: %w", delegated.ID, slaveHost.ID, err)
		}
		if err := slave.Link(ctx, models.LinkRequest{DelegatedHost: delegated.ID, IsSubordinate: req.IsSubordinate}); err != nil {
			return fmt.Errorf("link host %d at slave %d: %w", delegated.ID, slaveHost.ID, err)
		}
	}

	l.mu.Lock()
	if _, ok := l.routes[req.DelegatedHost]; ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: host %d", ErrAlreadyLinked, req.DelegatedHost)
	}
	l.routes[req.DelegatedHost] = slave
	if req.IsSubordinate {
		l.slaves = append(l.slaves, slave)
	}
	l.mu.Unlock()

	l.recordEvent(ctx, "host.linked", nil, nil, fmt.Sprintf("host %d linked via %d", req.DelegatedHost, slaveHost.ID), req)
	l.logger.Printf("testbed service: linked host %d via host %d subordinate=%t", req.DelegatedHost, slaveHost.ID, req.IsSubordinate)
	return nil
}

func (l *Local) CreatePeer(ctx context.Context, req models.PeerCreateRequest) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if l.knownPeerLocked(req.PeerID) {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrPeerExists, req.PeerID)
	}
	if req.HostID != l.hostID {
		if _, ok := l.hosts[req.HostID]; !ok {
			l.mu.Unlock()
			return fmt.Errorf("%w: host %d", ErrHostNotRegistered, req.HostID)
		}
		slave, ok := l.routes[req.HostID]
		l.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: host %d", ErrHostNotLinked, req.HostID)
		}
		if err := slave.CreatePeer(ctx, req); err != nil {
			return err
		}
		l.mu.Lock()
		l.remote[req.PeerID] = slave
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	identity, err := newIdentity()
	if err != nil {
		return fmt.Errorf("generate identity for peer %d: %w", req.PeerID, err)
	}
	p := &localPeer{
		id:       req.PeerID,
		hostID:   req.HostID,
		state:    models.PeerCreated,
		identity: identity,
		config:   req.Config.Clone(),
		services: make(map[string]struct{}),
	}

	l.mu.Lock()
	if l.knownPeerLocked(req.PeerID) {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrPeerExists, req.PeerID)
	}
	l.peers[p.id] = p
	l.mu.Unlock()

	l.persist(ctx, "create peer", func(ctx context.Context) error {
		return l.store.CreatePeer(ctx, db.PeerRecord{ID: p.id, HostID: p.hostID, State: p.state, Identity: identity, Config: p.config})
	})
	l.recordEvent(ctx, "peer.created", &p.id, nil, "peer created", nil)
	return nil
}

func (l *Local) StartPeer(ctx context.Context, peerID uint32) error {
	slave, err := l.transition(ctx, peerID, models.PeerRunning)
	if slave != nil {
		return slave.StartPeer(ctx, peerID)
	}
	return err
}

func (l *Local) StopPeer(ctx context.Context, peerID uint32) ([]models.Link, error) {
	slave, err := l.transition(ctx, peerID, models.PeerStopped)
	var dropped []models.Link
	if slave != nil {
		remoteDropped, err := slave.StopPeer(ctx, peerID)
		if err != nil {
			return nil, err
		}
		dropped = append(dropped, remoteDropped...)
	} else if err != nil {
		return nil, err
	}

	l.mu.Lock()
	for link := range l.links {
		if link.A == peerID || link.B == peerID {
			delete(l.links, link)
			dropped = append(dropped, link)
		}
	}
	if p, ok := l.peers[peerID]; ok {
		p.services = make(map[string]struct{})
	}
	l.mu.Unlock()

	sort.Slice(dropped, func(i, j int) bool {
		if dropped[i].A != dropped[j].A {
			return dropped[i].A < dropped[j].A
		}
		return dropped[i].B < dropped[j].B
	})
	if len(dropped) > 0 {
		l.persist(ctx, "delete links", func(ctx context.Context) error { return l.store.DeleteLinks(ctx, peerID) })
	}
	return dropped, nil
}

func (l *Local) DestroyPeer(ctx context.Context, peerID uint32) error {
	slave, err := l.transition(ctx, peerID, models.PeerDestroyed)
	if slave != nil {
		if err := slave.DestroyPeer(ctx, peerID); err != nil {
			return err
		}
		l.mu.Lock()
		delete(l.remote, peerID)
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.peers, peerID)
	l.mu.Unlock()
	return nil
}

func (l *Local) PeerInfo(ctx context.Context, peerID uint32, kind models.PeerInfoKind) (models.PeerInfo, error) {
	switch kind {
	case models.InfoGeneric, models.InfoIdentity, models.InfoConfiguration:
	default:
		return models.PeerInfo{}, fmt.Errorf("%w: info kind %q", ErrUnsupportedRequest, kind)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return models.PeerInfo{}, ErrClosed
	}
	if slave, ok := l.remote[peerID]; ok {
		l.mu.Unlock()
		return slave.PeerInfo(ctx, peerID, kind)
	}
	defer l.mu.Unlock()
	p, ok := l.peers[peerID]
	if !ok {
		return models.PeerInfo{}, fmt.Errorf("%w: %d", ErrPeerNotFound, peerID)
	}
	info := models.PeerInfo{PeerID: p.id, HostID: p.hostID, State: p.state}
	for name := range p.services {
		info.Services = append(info.Services, name)
	}
	sort.Strings(info.Services)
	switch kind {
	case models.InfoIdentity:
		info.Identity = p.identity
	case models.InfoConfiguration:
		info.Config = p.config.Clone()
	}
	return info, nil
}

func (l *Local) UpdatePeerConfig(ctx context.Context, peerID uint32, cfg models.PeerConfig) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if slave, ok := l.remote[peerID]; ok {
		l.mu.Unlock()
		return slave.UpdatePeerConfig(ctx, peerID, cfg)
	}
	p, ok := l.peers[peerID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrPeerNotFound, peerID)
	}
	if p.state == models.PeerRunning {
		l.mu.Unlock()
		return fmt.Errorf("%w: peer %d must be stopped to change its configuration", ErrInvalidPeerState, peerID)
	}
	p.config = p.config.Merge(cfg)
	merged := p.config.Clone()
	l.mu.Unlock()

	l.persist(ctx, "update peer config", func(ctx context.Context) error { return l.store.UpdatePeerConfig(ctx, peerID, merged) })
	l.recordEvent(ctx, "peer.reconfigured", &peerID, nil, "", nil)
	return nil
}

func (l *Local) ManageService(ctx context.Context, peerID uint32, name string, start bool) error {
	if name == "" {
		return fmt.Errorf("%w: service name is required", ErrUnsupportedRequest)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if slave, ok := l.remote[peerID]; ok {
		l.mu.Unlock()
		return slave.ManageService(ctx, peerID, name, start)
	}
	p, ok := l.peers[peerID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrPeerNotFound, peerID)
	}
	if p.state != models.PeerRunning {
		l.mu.Unlock()
		return fmt.Errorf("%w: peer %d is %s", ErrInvalidPeerState, peerID, p.state)
	}
	kind := "service.started"
	if start {
		p.services[name] = struct{}{}
	} else {
		if _, ok := p.services[name]; !ok {
			l.mu.Unlock()
			return fmt.Errorf("%w: %s in peer %d", ErrServiceNotRunning, name, peerID)
		}
		delete(p.services, name)
		kind = "service.stopped"
	}
	l.mu.Unlock()

	l.recordEvent(ctx, kind, &peerID, nil, name, nil)
	return nil
}

func (l *Local) OverlayConnect(ctx context.Context, p1, p2 uint32) error {
	if p1 == p2 {
		l.recordOverlay("failed")
		return fmt.Errorf("%w: %d", ErrSelfConnect, p1)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	s1, s2 := l.remote[p1], l.remote[p2]
	l.mu.Unlock()

	if s1 != nil && s1 == s2 {
		err := s1.OverlayConnect(ctx, p1, p2)
		if err != nil {
			l.recordOverlay("failed")
		} else {
			l.recordOverlay("connected")
		}
		return err
	}
	for _, id := range []uint32{p1, p2} {
		state, err := l.peerState(ctx, id)
		if err != nil {
			l.recordOverlay("failed")
			return err
		}
		if state != models.PeerRunning {
			l.recordOverlay("failed")
			return fmt.Errorf("%w: peer %d is %s", ErrInvalidPeerState, id, state)
		}
	}

	link := models.Link{A: p1, B: p2}.Normalize()
	l.mu.Lock()
	_, exists := l.links[link]
	l.links[link] = struct{}{}
	l.mu.Unlock()
	if exists {
		l.recordOverlay("duplicate")
		return nil
	}
	l.recordOverlay("connected")
	l.persist(ctx, "save link", func(ctx context.Context) error { return l.store.SaveLink(ctx, link) })
	l.recordEvent(ctx, "overlay.connected", &link.A, nil, fmt.Sprintf("%d-%d", link.A, link.B), link)
	return nil
}

// Links returns the overlay connections this service tracks.
func (l *Local) Links() []models.Link {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Link, 0, len(l.links))
	for link := range l.links {
		out = append(out, link)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

func (l *Local) BarrierInit(ctx context.Context, name string, quorum int) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidBarrier)
	}
	if quorum < 0 || quorum > 100 {
		return fmt.Errorf("%w: quorum %d outside [0,100]", ErrInvalidBarrier, quorum)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if _, ok := l.barriers[name]; ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBarrierExists, name)
	}
	b := &barrier{
		name:    name,
		quorum:  quorum,
		total:   len(l.peers) + len(l.remote),
		reached: make(map[uint32]struct{}),
		status:  models.BarrierInitialised,
		done:    make(chan struct{}),
	}
	l.barriers[name] = b
	crossed := l.maybeCrossLocked(b)
	rec := barrierRecord(b)
	l.mu.Unlock()

	l.recordBarrier(models.BarrierInitialised)
	l.persist(ctx, "save barrier", func(ctx context.Context) error { return l.store.SaveBarrier(ctx, rec) })
	l.recordEvent(ctx, "barrier.initialised", nil, &name, fmt.Sprintf("quorum %d%% of %d peers", quorum, rec.Total), nil)
	if crossed {
		l.barrierCrossed(ctx, name)
	}
	return nil
}

func (l *Local) BarrierCancel(ctx context.Context, name string) error {
	l.mu.Lock()
	b, ok := l.barriers[name]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBarrierNotFound, name)
	}
	delete(l.barriers, name)
	pending := !b.status.Terminal()
	if pending {
		b.status = models.BarrierError
		b.message = "barrier cancelled"
		close(b.done)
	}
	l.mu.Unlock()

	if pending {
		l.recordBarrier(models.BarrierError)
	}
	l.persist(ctx, "delete barrier", func(ctx context.Context) error { return l.store.DeleteBarrier(ctx, name) })
	l.recordEvent(ctx, "barrier.cancelled", nil, &name, "", nil)
	return nil
}

func (l *Local) AwaitBarrier(ctx context.Context, name string) (models.BarrierUpdate, error) {
	l.mu.Lock()
	b, ok := l.barriers[name]
	l.mu.Unlock()
	if !ok {
		return models.BarrierUpdate{}, fmt.Errorf("%w: %s", ErrBarrierNotFound, name)
	}
	return l.waitBarrier(ctx, b)
}

func (l *Local) BarrierWait(ctx context.Context, name string, peerID uint32) (models.BarrierUpdate, error) {
	l.mu.Lock()
	b, ok := l.barriers[name]
	if !ok {
		l.mu.Unlock()
		return models.BarrierUpdate{}, fmt.Errorf("%w: %s", ErrBarrierNotFound, name)
	}
	_, local := l.peers[peerID]
	_, remote := l.remote[peerID]
	if !local && !remote {
		l.mu.Unlock()
		return models.BarrierUpdate{}, fmt.Errorf("%w: %d", ErrPeerNotFound, peerID)
	}
	crossed := false
	if b.status == models.BarrierInitialised {
		b.reached[peerID] = struct{}{}
		crossed = l.maybeCrossLocked(b)
	}
	rec := barrierRecord(b)
	l.mu.Unlock()

	l.persist(ctx, "save barrier", func(ctx context.Context) error { return l.store.SaveBarrier(ctx, rec) })
	l.recordEvent(ctx, "barrier.reached", &peerID, &name, "", nil)
	if crossed {
		l.barrierCrossed(ctx, name)
	}
	return l.waitBarrier(ctx, b)
}

func (l *Local) waitBarrier(ctx context.Context, b *barrier) (models.BarrierUpdate, error) {
	select {
	case <-b.done:
		l.mu.Lock()
		defer l.mu.Unlock()
		return b.update(), nil
	case <-ctx.Done():
		return models.BarrierUpdate{}, ctx.Err()
	}
}

// maybeCrossLocked marks b crossed once count*100 >= quorum*total.
func (l *Local) maybeCrossLocked(b *barrier) bool {
	if b.status != models.BarrierInitialised {
		return false
	}
	if len(b.reached)*100 < b.quorum*b.total {
		return false
	}
	b.status = models.BarrierCrossed
	close(b.done)
	return true
}

func (l *Local) barrierCrossed(ctx context.Context, name string) {
	l.recordBarrier(models.BarrierCrossed)
	l.recordEvent(ctx, "barrier.crossed", nil, &name, "", nil)
	l.logger.Printf("testbed service: barrier %s crossed", name)
}

func (l *Local) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for _, p := range l.peers {
		if p.state == models.PeerRunning {
			p.state = models.PeerStopped
		}
	}
	for _, b := range l.barriers {
		if !b.status.Terminal() {
			b.status = models.BarrierError
			b.message = "testbed service shutting down"
			close(b.done)
		}
	}
	slaves := append([]Service(nil), l.slaves...)
	l.mu.Unlock()

	var errs []error
	for i := len(slaves) - 1; i >= 0; i-- {
		if err := slaves[i].Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	l.logger.Printf("testbed service: shut down host %d", l.hostID)
	return errors.Join(errs...)
}

// transition moves a local peer to state to. For peers owned by a linked
// controller it returns that controller's service instead.
func (l *Local) transition(ctx context.Context, peerID uint32, to models.PeerState) (Service, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if slave, ok := l.remote[peerID]; ok {
		l.mu.Unlock()
		return slave, nil
	}
	p, ok := l.peers[peerID]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrPeerNotFound, peerID)
	}
	from := p.state
	if !allowedTransition(from, to) {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: peer %d %s -> %s", ErrInvalidPeerState, peerID, from, to)
	}
	p.state = to
	l.mu.Unlock()

	if l.recorder != nil {
		l.recorder.PeerTransition(from, to)
	}
	l.persist(ctx, "update peer state", func(ctx context.Context) error { return l.store.UpdatePeerState(ctx, peerID, to) })
	l.recordEvent(ctx, peerEventKind(to), &peerID, nil, fmt.Sprintf("%s -> %s", from, to), nil)
	return nil, nil
}

func (l *Local) peerState(ctx context.Context, peerID uint32) (models.PeerState, error) {
	l.mu.Lock()
	if slave, ok := l.remote[peerID]; ok {
		l.mu.Unlock()
		info, err := slave.PeerInfo(ctx, peerID, models.InfoGeneric)
		if err != nil {
			return "", err
		}
		return info.State, nil
	}
	defer l.mu.Unlock()
	p, ok := l.peers[peerID]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrPeerNotFound, peerID)
	}
	return p.state, nil
}

func (l *Local) knownPeerLocked(peerID uint32) bool {
	_, local := l.peers[peerID]
	_, remote := l.remote[peerID]
	return local || remote
}

func (l *Local) persist(ctx context.Context, what string, fn func(ctx context.Context) error) {
	if l.store == nil {
		return
	}
	if err := fn(ctx); err != nil {
		l.logger.Printf("testbed service: %s: %v", what, err)
	}
}

func (l *Local) recordEvent(ctx context.Context, kind string, peerID *uint32, barrierName *string, msg string, payload any) {
	if l.store == nil {
		return
	}
	var data string
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			data = string(raw)
		}
	}
	if err := l.store.RecordEvent(ctx, kind, peerID, barrierName, msg, data); err != nil {
		l.logger.Printf("testbed service: record event %s: %v", kind, err)
	}
}

func (l *Local) recordOverlay(result string) {
	if l.recorder != nil {
		l.recorder.OverlayConnect(result)
	}
}

func (l *Local) recordBarrier(status models.BarrierStatus) {
	if l.recorder != nil {
		l.recorder.BarrierStatus(status)
	}
}

func allowedTransition(from, to models.PeerState) bool {
	switch from {
	case models.PeerCreated:
		return to == models.PeerRunning || to == models.PeerDestroyed
	case models.PeerRunning:
		return to == models.PeerStopped
	case models.PeerStopped:
		return to == models.PeerRunning || to == models.PeerDestroyed
	default:
		return false
	}
}

func peerEventKind(state models.PeerState) string {
	switch state {
	case models.PeerRunning:
		return "peer.started"
	case models.PeerStopped:
		return "peer.stopped"
	case models.PeerDestroyed:
		return "peer.destroyed"
	default:
		return "peer.updated"
	}
}

func barrierRecord(b *barrier) db.BarrierRecord {
	return db.BarrierRecord{
		Name:    b.name,
		Quorum:  b.quorum,
		Total:   b.total,
		Reached: len(b.reached),
		Status:  b.status,
		Message: b.message,
	}
}

func newIdentity() (string, error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(pub), nil
}

func hostLabel(h models.HostSpec) string {
	if h.Hostname == "" {
		return "localhost"
	}
	if h.Username != "" {
		return h.Username + "@" + h.Hostname
	}
	return h.Hostname
}
