package testbed

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/testbed/testbed/internal/sched"
	"github.com/testbed/testbed/internal/topology"
)

// TopologyOptions parameterizes ConfigureTopology.
//
// Fields:
//   - Options: Shape parameters passed to topology.Generate
//   - Retries: How often a failed link is attempted again
//   - RateLimit: Overlay connects issued per second (0 = no pacing)
type TopologyOptions struct {
	topology.Options
	Retries   int
	RateLimit float64
}

// TopologyResult is the final tally of a topology configuration.
type TopologyResult struct {
	Successes int
	Failures  int
}

// TopologyCallback receives the tally once every link attempt finished.
type TopologyCallback func(successes, failures int)

type topologyLink struct {
	p1, p2   *Peer
	attempts int
	op       *Operation
	timer    *sched.Task
}

type topologyRun struct {
	c         *Controller
	op        *Operation
	links     []*topologyLink
	retries   int
	limiter   *rate.Limiter
	pending   int
	successes int
	failures  int
	cb        TopologyCallback
}

// ConfigureTopology connects peers in the shape of kind. Each link is an
// overlay connect waiting on the overlay queue of its first peer's host and
// on the controller's topology queue. Partial failure is normal: cb receives
// the number of links that succeeded and failed once all attempts finished.
// Without cb the tally is delivered as an OperationFinishedEvent carrying a
// TopologyResult. Releasing the operation cancels outstanding links.
func (c *Controller) ConfigureTopology(peers []*Peer, kind topology.Kind, opts TopologyOptions, cb TopologyCallback) (*Operation, error) {
	if c.closed {
		return nil, ErrControllerDisconnected
	}
	if opts.Seed == "" {
		opts.Seed = "testbed"
	}
	if opts.Retries < 0 {
		return nil, fmt.Errorf("%w: retries %d", topology.ErrInvalidOption, opts.Retries)
	}
	for i, p := range peers {
		if p == nil {
			return nil, fmt.Errorf("peer %d is nil", i)
		}
	}
	generated, err := topology.Generate(kind, len(peers), opts.Options)
	if err != nil {
		return nil, err
	}
	run := &topologyRun{c: c, retries: opts.Retries, cb: cb}
	for _, l := range generated {
		run.links = append(run.links, &topologyLink{p1: peers[l.A], p2: peers[l.B]})
	}
	if opts.RateLimit > 0 {
		run.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	run.op = c.newOperation("configure_topology", run.start, run.release)
	if err := run.op.BeginWait(); err != nil {
		return nil, err
	}
	return run.op, nil
}

func (r *topologyRun) start() {
	r.pending = len(r.links)
	if r.pending == 0 {
		r.report()
		return
	}
	for _, l := range r.links {
		r.schedule(l)
	}
}

// schedule issues the next attempt of l, paced by the rate limiter.
func (r *topologyRun) schedule(l *topologyLink) {
	var delay time.Duration
	if r.limiter != nil {
		delay = r.limiter.Reserve().Delay()
	}
	if delay <= 0 {
		r.attempt(l)
		return
	}
	l.timer = r.c.loop.AddDelayed(delay, func() {
		l.timer = nil
		r.attempt(l)
	})
}

func (r *topologyRun) attempt(l *topologyLink) {
	if r.op.Released() || r.c.closed {
		return
	}
	l.attempts++
	op, err := r.c.overlayConnect(l.p1, l.p2, r.c.opqTopology, func(err error) {
		r.linkDone(l, err)
	})
	if err != nil {
		// Rejected up front, typically because a peer is not running.
		r.c.logger.Printf("controller: topology link %d-%d: %v", l.p1.id, l.p2.id, err)
		r.settle(l, false)
		return
	}
	l.op = op
}

func (r *topologyRun) linkDone(l *topologyLink, err error) {
	if l.op != nil {
		_ = l.op.Done()
		l.op = nil
	}
	if err == nil {
		r.settle(l, true)
		return
	}
	if l.attempts <= r.retries {
		r.schedule(l)
		return
	}
	r.c.logger.Printf("controller: topology link %d-%d failed after %d attempts: %v", l.p1.id, l.p2.id, l.attempts, err)
	r.settle(l, false)
}

func (r *topologyRun) settle(l *topologyLink, ok bool) {
	if ok {
		r.successes++
	} else {
		r.failures++
	}
	r.pending--
	if r.pending == 0 {
		r.report()
	}
}

func (r *topologyRun) report() {
	r.c.metrics.addTopologyLinks(r.successes, r.failures)
	var err error
	if r.failures > 0 && r.successes == 0 {
		err = errors.New("no overlay link could be established")
	}
	r.c.metrics.incOperation(r.op.Kind(), err)
	if r.cb != nil {
		r.cb(r.successes, r.failures)
		return
	}
	r.c.operationFinished(r.op, err, TopologyResult{Successes: r.successes, Failures: r.failures})
}

// release cancels every link still waiting or in flight.
func (r *topologyRun) release() {
	for _, l := range r.links {
		if l.timer != nil {
			l.timer.Cancel()
			l.timer = nil
		}
		if l.op != nil {
			_ = l.op.Done()
			l.op = nil
		}
	}
}
