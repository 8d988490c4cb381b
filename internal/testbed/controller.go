package testbed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/sched"
	"github.com/testbed/testbed/internal/service"
)

var (
	ErrControllerDisconnected = errors.New("controller disconnected")
	ErrRegistrationPending    = errors.New("host registration already pending")
	ErrHostAlreadyRegistered  = errors.New("host already registered")
	ErrHostNotRegistered      = errors.New("host not registered with controller")
	ErrRegistrationFinished   = errors.New("host registration already finished")
)

// Limits bounds how many operations of each kind a controller runs at once.
//
// Fields:
//   - MaxParallelOperations: Peer create/start/stop/destroy/info and links
//   - MaxParallelServiceConnections: Concurrent service connect operations
//   - MaxParallelTopologyConfigOperations: Overlay connects issued by the topology configurator (Unbounded = no limit)
//   - MaxParallelOverlayConnects: Overlay connects per host
type Limits struct {
	MaxParallelOperations               int
	MaxParallelServiceConnections       int
	MaxParallelTopologyConfigOperations int
	MaxParallelOverlayConnects          int
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxParallelOperations:               64,
		MaxParallelServiceConnections:       256,
		MaxParallelTopologyConfigOperations: Unbounded,
		MaxParallelOverlayConnects:          1,
	}
}

// Controller drives a testbed service: it registers hosts, links
// sub-controllers, manages peers and delivers events to a single handler.
//
// Controller state transitions:
//
//	connected → disconnected
//
// A Controller owns the peers and operations created through it. After
// Disconnect its peers are invalid and no further callbacks are delivered.
type Controller struct {
	loop    *sched.Loop
	host    *Host
	svc     service.Service
	mask    EventMask
	handler EventHandler
	logger  *log.Logger
	metrics *Metrics
	limits  Limits

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	opqParallel       *OperationQueue
	opqServiceConnect *OperationQueue
	opqTopology       *OperationQueue

	registered   map[uint32]*Host
	registration *Registration
	peers        map[uint32]*Peer
	barriers     map[string]*Barrier
	closed       bool
}

// Connect attaches a controller to the testbed service of host. handler
// receives the events selected by mask; peer start and stop events are
// always delivered. host is registered implicitly.
func Connect(loop *sched.Loop, host *Host, svc service.Service, mask EventMask, handler EventHandler) (*Controller, error) {
	if loop == nil {
		return nil, errors.New("event loop is nil")
	}
	if host == nil {
		return nil, fmt.Errorf("%w: host is nil", ErrInvalidHost)
	}
	if svc == nil {
		return nil, errors.New("testbed service is nil")
	}
	if host.Destroyed() {
		return nil, fmt.Errorf("%w: %s", ErrHostDestroyed, host)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		loop:       loop,
		host:       host,
		svc:        svc,
		mask:       mask,
		handler:    handler,
		logger:     log.Default(),
		ctx:        ctx,
		cancel:     cancel,
		registered: map[uint32]*Host{host.ID(): host},
		peers:      make(map[uint32]*Peer),
		barriers:   make(map[string]*Barrier),
	}
	host.acquire()
	c.setLimits(DefaultLimits())
	return c, nil
}

// WithLogger sets the logger used for controller messages.
func (c *Controller) WithLogger(logger *log.Logger) *Controller {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithMetrics reports queue depths, operation results and events to m.
func (c *Controller) WithMetrics(m *Metrics) *Controller {
	c.metrics = m
	for _, q := range []*OperationQueue{c.opqParallel, c.opqServiceConnect, c.opqTopology} {
		q.WithMetrics(m)
	}
	return c
}

// WithLimits changes the operation limits. Queues are resized in place, so
// it may be called while operations are pending.
func (c *Controller) WithLimits(l Limits) *Controller {
	c.setLimits(l)
	return c
}

func (c *Controller) setLimits(l Limits) {
	if l.MaxParallelOperations <= 0 {
		l.MaxParallelOperations = DefaultLimits().MaxParallelOperations
	}
	if l.MaxParallelServiceConnections <= 0 {
		l.MaxParallelServiceConnections = DefaultLimits().MaxParallelServiceConnections
	}
	if l.MaxParallelTopologyConfigOperations < 0 {
		l.MaxParallelTopologyConfigOperations = Unbounded
	}
	if l.MaxParallelOverlayConnects <= 0 {
		l.MaxParallelOverlayConnects = DefaultLimits().MaxParallelOverlayConnects
	}
	c.limits = l
	if c.opqParallel == nil {
		c.opqParallel = NewOperationQueue(c.queueName("parallel_operations"), l.MaxParallelOperations)
		c.opqServiceConnect = NewOperationQueue(c.queueName("service_connections"), l.MaxParallelServiceConnections)
		c.opqTopology = NewOperationQueue(c.queueName("topology_config"), l.MaxParallelTopologyConfigOperations)
		return
	}
	c.opqParallel.SetMaxActive(l.MaxParallelOperations)
	c.opqServiceConnect.SetMaxActive(l.MaxParallelServiceConnections)
	c.opqTopology.SetMaxActive(l.MaxParallelTopologyConfigOperations)
	for _, h := range c.registered {
		h.resizeOverlayQueue(l.MaxParallelOverlayConnects)
	}
}

func (c *Controller) queueName(kind string) string {
	return fmt.Sprintf("%s/host%d", kind, c.host.ID())
}

// Host returns the host of the controller's testbed service.
func (c *Controller) Host() *Host { return c.host }

// Service returns the testbed service the controller talks to.
func (c *Controller) Service() service.Service { return c.svc }

// Limits returns the active operation limits.
func (c *Controller) Limits() Limits { return c.limits }

// Peers returns the live peers created through the controller.
func (c *Controller) Peers() []*Peer {
	out := make([]*Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	sortPeers(out)
	return out
}

// IsRegistered reports whether host can be used as a creation or link target.
func (c *Controller) IsRegistered(host *Host) bool {
	if host == nil {
		return false
	}
	return c.registered[host.ID()] == host
}

// Disconnect detaches the controller. It blocks until every in-flight request
// finished; afterwards no callbacks or events are delivered and the
// controller's peers are invalid. The testbed service itself keeps running.
func (c *Controller) Disconnect() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	c.wg.Wait()
	for _, b := range c.barriers {
		b.finished = true
	}
	c.barriers = map[string]*Barrier{}
	if c.registration != nil {
		c.registration.finished = true
		c.registration = nil
	}
	for _, p := range c.peers {
		p.host.release()
	}
	c.peers = map[uint32]*Peer{}
	for _, h := range c.registered {
		h.release()
	}
	c.registered = map[uint32]*Host{}
	for _, q := range []*OperationQueue{c.opqParallel, c.opqServiceConnect, c.opqTopology} {
		if err := q.DestroyEmpty(); err != nil {
			c.logger.Printf("controller: %v", err)
		}
	}
}

// Registration is a pending host registration.
type Registration struct {
	c        *Controller
	host     *Host
	finished bool
}

// Cancel abandons a pending registration; its callback is not called. It is a
// caller error to cancel after the callback ran.
func (r *Registration) Cancel() error {
	if r.finished {
		return ErrRegistrationFinished
	}
	r.finished = true
	if r.c.registration == r {
		r.c.registration = nil
	}
	return nil
}

// RegisterHost makes host usable as a peer creation or link target. At most
// one registration may be pending per controller; a second call returns
// ErrRegistrationPending. cb runs on the loop.
func (c *Controller) RegisterHost(host *Host, cb func(err error)) (*Registration, error) {
	if c.closed {
		return nil, ErrControllerDisconnected
	}
	if host == nil {
		return nil, fmt.Errorf("%w: host is nil", ErrInvalidHost)
	}
	if host.Destroyed() {
		return nil, fmt.Errorf("%w: %s", ErrHostDestroyed, host)
	}
	if c.registration != nil {
		return nil, ErrRegistrationPending
	}
	if c.IsRegistered(host) {
		return nil, fmt.Errorf("%w: %s", ErrHostAlreadyRegistered, host)
	}
	reg := &Registration{c: c, host: host}
	c.registration = reg
	spec := host.Spec()
	c.goIO(c.ctx, func(ctx context.Context) (any, error) {
		return nil, c.svc.RegisterHost(ctx, spec)
	}, func(_ any, err error) {
		if reg.finished {
			return
		}
		reg.finished = true
		c.registration = nil
		if err == nil {
			c.registered[host.ID()] = host
			host.acquire()
		}
		if cb != nil {
			cb(err)
		}
	})
	return reg, nil
}

// Link makes the controller route requests for delegated through the
// controller on slave. With isSubordinate the slave controller is started by
// this controller's service; otherwise it must already run. A nil slave means
// the delegated host runs its own controller. Both hosts must be registered.
func (c *Controller) Link(delegated, slave *Host, isSubordinate bool, cb func(err error)) (*Operation, error) {
	if c.closed {
		return nil, ErrControllerDisconnected
	}
	if slave == nil {
		slave = delegated
	}
	for _, h := range []*Host{delegated, slave} {
		if !c.IsRegistered(h) {
			return nil, fmt.Errorf("%w: %v", ErrHostNotRegistered, h)
		}
	}
	slaveSpec := slave.Spec()
	req := models.LinkRequest{DelegatedHost: delegated.ID(), SlaveHost: &slaveSpec, IsSubordinate: isSubordinate}

	ctx, cancel := context.WithCancel(c.ctx)
	var op *Operation
	op = c.newOperation("link", func() {
		c.callOp(ctx, op, func(ctx context.Context) (any, error) {
			return nil, c.svc.Link(ctx, req)
		}, func(_ any, err error) {
			c.complete(op, err, nil, cb)
		})
	}, cancel)
	return op, c.enqueue(op, c.opqParallel)
}

// Info fetches a description of the testbed service. The request goes through
// the loop's unbounded queue.
func (c *Controller) Info(cb func(info models.ControllerInfo, err error)) (*Operation, error) {
	if c.closed {
		return nil, ErrControllerDisconnected
	}
	ctx, cancel := context.WithCancel(c.ctx)
	var op *Operation
	op = c.newOperation("controller_info", func() {
		c.callOp(ctx, op, func(ctx context.Context) (any, error) {
			return c.svc.Info(ctx)
		}, func(res any, err error) {
			info, _ := res.(models.ControllerInfo)
			c.metrics.incOperation(op.Kind(), err)
			if cb != nil {
				cb(info, err)
				return
			}
			c.operationFinished(op, err, info)
		})
	}, cancel)
	return op, c.enqueue(op, unboundedQueue(c.loop))
}

func (c *Controller) newOperation(kind string, start func(), release func()) *Operation {
	return NewOperation(c.loop, func() {
		if c.closed {
			return
		}
		start()
	}, release).WithLogger(c.logger).WithKind(kind)
}

// enqueue inserts op into queues and starts waiting.
func (c *Controller) enqueue(op *Operation, queues ...*OperationQueue) error {
	for _, q := range queues {
		if err := op.Insert(q); err != nil {
			_ = op.Done()
			return err
		}
	}
	return op.BeginWait()
}

// goIO runs fn on a goroutine and delivers its result on the loop unless the
// controller disconnected meanwhile.
func (c *Controller) goIO(ctx context.Context, fn func(ctx context.Context) (any, error), deliver func(any, error)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := fn(ctx)
		c.loop.Add(func() {
			if c.closed {
				return
			}
			deliver(res, err)
		})
	}()
}

// callOp is goIO for an operation: results of released operations are dropped.
func (c *Controller) callOp(ctx context.Context, op *Operation, fn func(ctx context.Context) (any, error), deliver func(any, error)) {
	c.goIO(ctx, fn, func(res any, err error) {
		if op.Released() {
			return
		}
		deliver(res, err)
	})
}

// complete reports an operation outcome through cb, or as an
// OperationFinishedEvent when no callback was given.
func (c *Controller) complete(op *Operation, err error, result any, cb func(error)) {
	c.metrics.incOperation(op.Kind(), err)
	if cb != nil {
		cb(err)
		return
	}
	c.operationFinished(op, err, result)
}

func (c *Controller) operationFinished(op *Operation, err error, result any) {
	c.emit(OperationFinishedEvent{Op: op, Err: err, Result: result})
}

func (c *Controller) emit(ev Event) {
	t := ev.Type()
	if !c.mask.Has(t) && !alwaysDelivered.Has(t) {
		return
	}
	c.metrics.incEvent(ev)
	if c.handler != nil {
		c.handler(ev)
	}
}

type unboundedQueueKey struct{}

// unboundedQueue returns the queue for fire-and-forget requests of loop. Each
// loop owns one, shared by all of its controllers.
func unboundedQueue(loop *sched.Loop) *OperationQueue {
	return loop.Value(unboundedQueueKey{}, func() any {
		return NewOperationQueue("unbounded", Unbounded)
	}).(*OperationQueue)
}
