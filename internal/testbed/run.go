package testbed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/testbed/testbed/internal/client"
	"github.com/testbed/testbed/internal/config"
	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/sched"
	"github.com/testbed/testbed/internal/service"
	"github.com/testbed/testbed/internal/topology"
)

var (
	ErrConfig           = errors.New("configuration error")
	ErrHostNotHabitable = errors.New("host not habitable")
	ErrSetupTimeout     = errors.New("testbed setup timed out")
)

const shutdownTimeout = 30 * time.Second

// RunOptions configures Run and TestRun.
//
// Fields:
//   - Config: Resolved configuration; Testbed.OverlayTopology is required
//   - NumPeers: Peers to create and start
//   - EventMask, Handler: Controller event subscription
//   - Logger: Destination for run progress (defaults to log.Default())
//   - Metrics: Optional Prometheus collectors
//   - TrustedIP: Address controllers accept connections from (Run only, defaults to 127.0.0.1)
//   - Start: Controller start options (Run only)
//   - Habitability: Habitability check options (Run only)
//   - SkipHabitabilityCheck: Do not check remote hosts before starting controllers (Run only)
//   - Dial: Connects to a started controller (Run only, defaults to the HTTP client)
type RunOptions struct {
	Config                config.Config
	NumPeers              int
	EventMask             EventMask
	Handler               EventHandler
	Logger                *log.Logger
	Metrics               *Metrics
	TrustedIP             string
	Start                 StartOptions
	Habitability          HabitabilityOptions
	SkipHabitabilityCheck bool
	Dial                  func(addr string) (service.Service, error)
}

// RunHandle gives the test master access to the running testbed.
type RunHandle struct {
	Loop           *sched.Loop
	Controller     *Controller
	Hosts          []*Host
	Peers          []*Peer
	LinksSucceeded int
	LinksFailed    int

	r *runner
}

// Shutdown tears the testbed down and makes Run return err.
func (h *RunHandle) Shutdown(err error) {
	h.r.stop(err)
}

// TestMaster is invoked once every peer is running and the overlay topology
// was configured.
type TestMaster func(h *RunHandle)

// TestRun brings up a testbed on this machine only, with the testbed service
// running in-process, and invokes master once all peers run. A configuration
// error is returned before anything starts and master is never invoked. The
// call returns when master shuts the testbed down or ctx is done.
func TestRun(ctx context.Context, name string, opts RunOptions, master TestMaster) error {
	kind, err := validateRun(opts)
	if err != nil {
		return err
	}
	r := newRunner(name, opts, kind, master)
	local := service.NewLocal(models.LocalHostID, nil, r.logger)
	r.local = local
	host, err := NewHost("", "", opts.Config.PeerTemplate, 0)
	if err != nil {
		return err
	}
	r.hosts = []*Host{host}
	r.loop.Add(func() {
		r.connect(host, local)
	})
	return r.run(ctx)
}

// Run brings up a testbed across the hosts listed in the configured hosts
// file (or only this machine): it checks that remote hosts are habitable,
// starts a controller on the first host, links controllers on the others,
// creates and starts the peers round-robin across hosts, configures the
// overlay topology and invokes master. A configuration error is returned
// before anything starts; an uninhabitable host yields ErrHostNotHabitable.
func Run(ctx context.Context, opts RunOptions, master TestMaster) error {
	kind, err := validateRun(opts)
	if err != nil {
		return err
	}
	r := newRunner("run", opts, kind, master)
	hosts, err := runHosts(opts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	r.hosts = hosts
	if opts.TrustedIP == "" {
		for _, h := range hosts {
			if !h.IsLocal() {
				r.opts.TrustedIP = TrustedAddrFor(h.Hostname())
				break
			}
		}
	}
	r.loop.Add(r.checkHosts)
	return r.run(ctx)
}

func validateRun(opts RunOptions) (topology.Kind, error) {
	if opts.NumPeers < 0 {
		return "", fmt.Errorf("%w: peer count %d", ErrConfig, opts.NumPeers)
	}
	if err := opts.Config.Testbed.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfig, err)
	}
	kind, err := opts.Config.Testbed.RequireOverlayTopology()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return kind, nil
}

func runHosts(opts RunOptions) ([]*Host, error) {
	template := opts.Config.PeerTemplate
	var hosts []*Host
	if opts.Config.HostsFile != "" {
		loaded, err := LoadHostsFromFile(opts.Config.HostsFile, template, opts.Logger)
		if err != nil {
			return nil, err
		}
		hosts = loaded
	}
	if len(hosts) == 0 {
		local, err := NewHost("", "", template, 0)
		if err != nil {
			return nil, err
		}
		hosts = []*Host{local}
	}
	return hosts, nil
}

// LimitsFromConfig converts the configured limits.
func LimitsFromConfig(cfg config.TestbedConfig) Limits {
	return Limits{
		MaxParallelOperations:               cfg.MaxParallelOperations,
		MaxParallelServiceConnections:       cfg.MaxParallelServiceConnections,
		MaxParallelTopologyConfigOperations: cfg.MaxParallelTopologyConfigOperations,
		MaxParallelOverlayConnects:          cfg.MaxParallelOverlayConnects,
	}
}

// runner drives the setup sequence on the loop.
type runner struct {
	name   string
	opts   RunOptions
	kind   topology.Kind
	master TestMaster
	logger *log.Logger
	loop   *sched.Loop

	local   *service.Local
	procs   []*ControllerProc
	checks  []*HabitabilityCheck
	hosts   []*Host
	ctrl    *Controller
	peers   []*Peer
	ops     map[*Operation]struct{}
	timeout *sched.Task
	handle  *RunHandle
	result  error
	stopped bool
}

func newRunner(name string, opts RunOptions, kind topology.Kind, master TestMaster) *runner {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.TrustedIP == "" {
		opts.TrustedIP = "127.0.0.1"
	}
	if opts.Dial == nil {
		opts.Dial = func(addr string) (service.Service, error) {
			return client.New(addr), nil
		}
	}
	return &runner{
		name:   name,
		opts:   opts,
		kind:   kind,
		master: master,
		logger: logger,
		loop:   sched.New(),
		ops:    make(map[*Operation]struct{}),
	}
}

func (r *runner) run(ctx context.Context) error {
	if d := r.opts.Config.Testbed.SetupTimeout; d > 0 {
		r.timeout = r.loop.AddDelayed(d, func() {
			r.fail(fmt.Errorf("%w after %s", ErrSetupTimeout, d))
		})
	}
	err := r.loop.Run(ctx)
	r.cleanup()
	if r.result != nil {
		return r.result
	}
	if errors.Is(err, sched.ErrLoopStopped) {
		return nil
	}
	return err
}

func (r *runner) fail(err error) {
	r.logger.Printf("testbed: %s: %v", r.name, err)
	r.stop(err)
}

func (r *runner) stop(err error) {
	if r.stopped {
		return
	}
	r.stopped = true
	r.result = err
	r.loop.Shutdown()
}

// cleanup runs after the loop stopped, so it owns all testbed state.
func (r *runner) cleanup() {
	r.loop.Shutdown()
	r.timeout.Cancel()
	for _, c := range r.checks {
		c.Cancel()
	}
	for op := range r.ops {
		_ = op.Done()
	}
	if r.ctrl != nil {
		r.ctrl.Disconnect()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if r.local != nil {
		if err := r.local.Shutdown(ctx); err != nil {
			r.logger.Printf("testbed: %s: shutdown: %v", r.name, err)
		}
	}
	for i := len(r.procs) - 1; i >= 0; i-- {
		if err := r.procs[i].Stop(); err != nil {
			r.logger.Printf("testbed: %s: stop controller: %v", r.name, err)
		}
	}
}

// track remembers op until its callback released it.
func (r *runner) track(op *Operation, err error) bool {
	if err != nil {
		r.fail(err)
		return false
	}
	r.ops[op] = struct{}{}
	return true
}

func (r *runner) release(op *Operation) {
	delete(r.ops, op)
	_ = op.Done()
}

// checkHosts checks every remote host before starting controllers.
func (r *runner) checkHosts() {
	var remote []*Host
	for _, h := range r.hosts {
		if !h.IsLocal() {
			remote = append(remote, h)
		}
	}
	if len(remote) == 0 || r.opts.SkipHabitabilityCheck {
		r.startMaster()
		return
	}
	pending := len(remote)
	check := r.opts.Habitability
	if check.Logger == nil {
		check.Logger = r.logger
	}
	if check.Metrics == nil {
		check.Metrics = r.opts.Metrics
	}
	for _, h := range remote {
		r.checks = append(r.checks, CheckHabitable(r.loop, h, check, func(host *Host, habitable bool) {
			if r.stopped {
				return
			}
			if !habitable {
				r.fail(fmt.Errorf("%w: %s", ErrHostNotHabitable, host))
				return
			}
			pending--
			if pending == 0 {
				r.startMaster()
			}
		}))
	}
}

func (r *runner) startMaster() {
	master := r.hosts[0]
	start := r.opts.Start
	if start.Logger == nil {
		start.Logger = r.logger
	}
	if start.ConfigPath == "" {
		start.ConfigPath = r.opts.Config.ConfigPath
	}
	if start.Binary == "" {
		start.Binary = r.opts.Config.ControllerBinary
	}
	r.procs = append(r.procs, StartController(r.loop, r.opts.TrustedIP, master, start, func(_ *ControllerProc, addr string, err error) {
		if err != nil {
			r.fail(err)
			return
		}
		svc, err := r.opts.Dial(addr)
		if err != nil {
			r.fail(fmt.Errorf("dial controller %s: %w", addr, err))
			return
		}
		r.connect(master, svc)
	}))
}

func (r *runner) connect(host *Host, svc service.Service) {
	ctrl, err := Connect(r.loop, host, svc, r.opts.EventMask, r.opts.Handler)
	if err != nil {
		r.fail(err)
		return
	}
	r.ctrl = ctrl.WithLogger(r.logger).WithMetrics(r.opts.Metrics).WithLimits(LimitsFromConfig(r.opts.Config.Testbed))
	r.handle = &RunHandle{Loop: r.loop, Controller: r.ctrl, Hosts: r.hosts, r: r}
	r.registerHosts(1)
}

// registerHosts registers and links the remaining hosts one at a time.
func (r *runner) registerHosts(i int) {
	if i >= len(r.hosts) {
		r.createPeers()
		return
	}
	host := r.hosts[i]
	if r.ctrl.IsRegistered(host) {
		r.registerHosts(i + 1)
		return
	}
	_, err := r.ctrl.RegisterHost(host, func(err error) {
		if err != nil {
			r.fail(fmt.Errorf("register %s: %w", host, err))
			return
		}
		var op *Operation
		op, err = r.ctrl.Link(host, nil, true, func(err error) {
			r.release(op)
			if err != nil {
				r.fail(fmt.Errorf("link %s: %w", host, err))
				return
			}
			r.registerHosts(i + 1)
		})
		r.track(op, err)
	})
	if err != nil {
		r.fail(err)
	}
}

func (r *runner) createPeers() {
	n := r.opts.NumPeers
	r.peers = make([]*Peer, n)
	if n == 0 {
		r.configureTopology()
		return
	}
	created := 0
	for i := 0; i < n; i++ {
		i := i
		host := r.hosts[i%len(r.hosts)]
		var op *Operation
		op, err := r.ctrl.CreatePeer(host, nil, func(p *Peer, err error) {
			r.release(op)
			if err != nil {
				r.fail(fmt.Errorf("create peer %d: %w", i, err))
				return
			}
			r.peers[i] = p
			created++
			if created == n {
				r.startPeers()
			}
		})
		if !r.track(op, err) {
			return
		}
	}
}

func (r *runner) startPeers() {
	started := 0
	for _, p := range r.peers {
		p := p
		var op *Operation
		op, err := p.Start(func(err error) {
			r.release(op)
			if err != nil {
				r.fail(fmt.Errorf("start %s: %w", p, err))
				return
			}
			started++
			if started == len(r.peers) {
				r.configureTopology()
			}
		})
		if !r.track(op, err) {
			return
		}
	}
}

func (r *runner) configureTopology() {
	opts := TopologyOptions{
		Options:   r.opts.Config.Testbed.TopologyOptions(),
		Retries:   r.opts.Config.Testbed.OverlayRetries,
		RateLimit: r.opts.Config.Testbed.OverlayRateLimit,
	}
	opts.Seed = r.name
	var op *Operation
	op, err := r.ctrl.ConfigureTopology(r.peers, r.kind, opts, func(successes, failures int) {
		r.release(op)
		r.handle.LinksSucceeded = successes
		r.handle.LinksFailed = failures
		r.ready()
	})
	r.track(op, err)
}

func (r *runner) ready() {
	r.timeout.Cancel()
	r.handle.Peers = append([]*Peer(nil), r.peers...)
	r.logger.Printf("testbed: %s: %d peers on %d hosts up, %d links (%d failed)",
		r.name, len(r.peers), len(r.hosts), r.handle.LinksSucceeded, r.handle.LinksFailed)
	if r.master == nil {
		r.stop(nil)
		return
	}
	r.master(r.handle)
}

// TrustedAddrFor returns the address of this machine as seen from remote,
// which is what a controller started there should trust.
func TrustedAddrFor(remote string) string {
	conn, err := net.Dial("udp", net.JoinHostPort(remote, "9"))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
