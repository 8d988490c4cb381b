package testbed

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/testbed/testbed/internal/models"
)

var (
	ErrHostIDInUse    = errors.New("host id already in use")
	ErrHostInUse      = errors.New("host still has controllers or peers")
	ErrInvalidHost    = errors.New("invalid host")
	ErrHostDestroyed  = errors.New("host destroyed")
	errLocalHostnamed = errors.New("host id 0 is reserved for the local machine")
)

// Host is a machine that can run a controller and peers.
//
// Host 0 is the local machine and is a process-wide singleton. Hosts are
// destroyed only after every controller and peer on them went away.
type Host struct {
	id       uint32
	hostname string
	username string
	port     int
	template models.PeerConfig

	registry       *HostRegistry
	controllerAddr string
	refs           int
	destroyed      bool
	overlayQueue   *OperationQueue
}

// ID returns the host identifier; 0 is the local machine.
func (h *Host) ID() uint32 { return h.id }

// Hostname returns the DNS name or address, empty for the local machine.
func (h *Host) Hostname() string { return h.hostname }

// Username returns the SSH login, empty for the current user.
func (h *Host) Username() string { return h.username }

// Port returns the SSH port.
func (h *Host) Port() int { return h.port }

// IsLocal reports whether the host is this machine.
func (h *Host) IsLocal() bool { return h.id == models.LocalHostID }

// Template returns a copy of the configuration template peers on this host
// start from.
func (h *Host) Template() models.PeerConfig { return h.template.Clone() }

// ControllerAddr returns the address of the testbed service on the host, once
// a controller was started there or the address was set explicitly.
func (h *Host) ControllerAddr() string { return h.controllerAddr }

// SetControllerAddr records where the host's testbed service listens.
func (h *Host) SetControllerAddr(addr string) { h.controllerAddr = addr }

// Spec returns the wire description of the host.
func (h *Host) Spec() models.HostSpec {
	return models.HostSpec{
		ID:             h.id,
		Hostname:       h.hostname,
		Username:       h.username,
		Port:           h.port,
		ControllerAddr: h.controllerAddr,
	}
}

// Target renders the host as [user@]host[:port], the host file syntax.
func (h *Host) Target() string {
	if h.IsLocal() && h.hostname == "" {
		return "localhost"
	}
	var b strings.Builder
	if h.username != "" {
		b.WriteString(h.username)
		b.WriteByte('@')
	}
	b.WriteString(h.hostname)
	if h.port != 0 && h.port != models.DefaultSSHPort {
		fmt.Fprintf(&b, ":%d", h.port)
	}
	return b.String()
}

func (h *Host) String() string {
	return fmt.Sprintf("host %d (%s)", h.id, h.Target())
}

// Destroy removes the host from its registry. It fails while controllers or
// peers still use the host.
func (h *Host) Destroy() error {
	return h.registry.destroy(h)
}

// Destroyed reports whether Destroy removed the host.
func (h *Host) Destroyed() bool {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	return h.destroyed
}

func (h *Host) acquire() { h.registry.adjust(h, 1) }
func (h *Host) release() { h.registry.adjust(h, -1) }

// overlayConnectQueue returns the per-host queue bounding concurrent overlay
// connects, creating it on first use and resizing it to max otherwise.
func (h *Host) overlayConnectQueue(max int, m *Metrics) *OperationQueue {
	h.registry.mu.Lock()
	q := h.overlayQueue
	if q == nil {
		q = NewOperationQueue(fmt.Sprintf("overlay_connect/host%d", h.id), max).WithMetrics(m)
		h.overlayQueue = q
		h.registry.mu.Unlock()
		return q
	}
	h.registry.mu.Unlock()
	if q.MaxActive() != max {
		q.SetMaxActive(max)
	}
	return q
}

// resizeOverlayQueue applies max to the overlay connect queue if it exists.
func (h *Host) resizeOverlayQueue(max int) {
	h.registry.mu.Lock()
	q := h.overlayQueue
	h.registry.mu.Unlock()
	if q != nil && q.MaxActive() != max {
		q.SetMaxActive(max)
	}
}

// HostRegistry assigns host identifiers and keeps the local host singleton.
// It is safe for concurrent use.
type HostRegistry struct {
	mu     sync.Mutex
	hosts  map[uint32]*Host
	nextID uint32
}

// NewHostRegistry returns an empty registry. Most callers use the process-wide
// registry through NewHost and NewHostWithID.
func NewHostRegistry() *HostRegistry {
	return &HostRegistry{hosts: make(map[uint32]*Host), nextID: 1}
}

var defaultRegistry = NewHostRegistry()

// NewHost creates a host in the process-wide registry. An empty hostname
// returns the local host, which always has ID 0.
func NewHost(hostname, username string, template models.PeerConfig, port int) (*Host, error) {
	return defaultRegistry.Create(hostname, username, template, port)
}

// NewHostWithID creates a host with an identifier assigned elsewhere, for
// hosts shared by a hierarchy of controllers.
func NewHostWithID(id uint32, hostname, username string, template models.PeerConfig, port int) (*Host, error) {
	return defaultRegistry.CreateWithID(id, hostname, username, template, port)
}

// LookupHost returns the host with the given ID from the process-wide registry.
func LookupHost(id uint32) (*Host, bool) {
	return defaultRegistry.Lookup(id)
}

// Create registers a host. An empty hostname returns the local host singleton.
func (r *HostRegistry) Create(hostname, username string, template models.PeerConfig, port int) (*Host, error) {
	hostname = strings.TrimSpace(hostname)
	r.mu.Lock()
	defer r.mu.Unlock()
	if hostname == "" {
		return r.localLocked(template), nil
	}
	for {
		if _, taken := r.hosts[r.nextID]; !taken {
			break
		}
		r.nextID++
	}
	id := r.nextID
	r.nextID++
	return r.addLocked(id, hostname, username, template, port)
}

// CreateWithID registers a host under an explicit identifier. ID 0 returns the
// local host and cannot carry a hostname.
func (r *HostRegistry) CreateWithID(id uint32, hostname, username string, template models.PeerConfig, port int) (*Host, error) {
	hostname = strings.TrimSpace(hostname)
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == models.LocalHostID {
		if hostname != "" {
			return nil, fmt.Errorf("%w: %w", ErrInvalidHost, errLocalHostnamed)
		}
		return r.localLocked(template), nil
	}
	if hostname == "" {
		return nil, fmt.Errorf("%w: hostname is required for host %d", ErrInvalidHost, id)
	}
	if _, taken := r.hosts[id]; taken {
		return nil, fmt.Errorf("%w: %d", ErrHostIDInUse, id)
	}
	return r.addLocked(id, hostname, username, template, port)
}

// Lookup returns the host with the given ID.
func (r *HostRegistry) Lookup(id uint32) (*Host, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[id]
	return h, ok
}

// Len returns the number of registered hosts.
func (r *HostRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts)
}

func (r *HostRegistry) localLocked(template models.PeerConfig) *Host {
	if h, ok := r.hosts[models.LocalHostID]; ok {
		return h
	}
	h := &Host{
		id:       models.LocalHostID,
		port:     models.DefaultSSHPort,
		template: template.Clone(),
		registry: r,
	}
	r.hosts[h.id] = h
	return h
}

func (r *HostRegistry) addLocked(id uint32, hostname, username string, template models.PeerConfig, port int) (*Host, error) {
	if port == 0 {
		port = models.DefaultSSHPort
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidHost, port)
	}
	h := &Host{
		id:       id,
		hostname: hostname,
		username: strings.TrimSpace(username),
		port:     port,
		template: template.Clone(),
		registry: r,
	}
	r.hosts[id] = h
	return h, nil
}

func (r *HostRegistry) adjust(h *Host, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.refs += delta
	if h.refs < 0 {
		h.refs = 0
	}
}

func (r *HostRegistry) destroy(h *Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.destroyed {
		return nil
	}
	if h.refs > 0 {
		return fmt.Errorf("%w: %s has %d users", ErrHostInUse, h, h.refs)
	}
	if h.overlayQueue != nil {
		if err := h.overlayQueue.DestroyEmpty(); err != nil {
			return fmt.Errorf("%w: %w", ErrHostInUse, err)
		}
	}
	h.destroyed = true
	if r.hosts[h.id] == h {
		delete(r.hosts, h.id)
	}
	return nil
}
