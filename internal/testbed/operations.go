// Package testbed is the coordination core of the testbed: operations and
// their admission queues, hosts, controllers, peers, events, barriers and the
// topology configurator.
//
// ABOUTME: Everything in this package is owned by a single sched.Loop. Methods
// must be called from tasks running on that loop (or before it starts). I/O is
// done on goroutines that hand their results back with Loop.Add, so callbacks
// and events are always delivered on the loop.
//
// ABOUTME: Every Operation returned by this package must be released with Done
// exactly once by its issuer. Done before start cancels the operation, Done
// after start runs its release path and frees its queue slots.
package testbed

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync/atomic"

	"github.com/testbed/testbed/internal/sched"
)

// Unbounded disables the capacity limit of an OperationQueue.
const Unbounded = 0

var (
	ErrOperationReleased = errors.New("operation already released")
	ErrOperationWaiting  = errors.New("operation already waiting")
	ErrAlreadyQueued     = errors.New("operation already in queue")
	ErrQueueDestroyed    = errors.New("operation queue destroyed")
	ErrQueueNotEmpty     = errors.New("operation queue not empty")
	ErrResourceCount     = errors.New("invalid resource count")
)

// OperationState represents the state of an operation.
//
// Operation state transitions:
//
//	CREATED → WAITING → READY → STARTED → RELEASED
//	CREATED|WAITING|READY → RELEASED (cancelled)
//	READY → WAITING (deferred by a capacity reduction)
type OperationState int

const (
	OpCreated OperationState = iota
	OpWaiting
	OpReady
	OpStarted
	OpReleased
)

func (s OperationState) String() string {
	switch s {
	case OpCreated:
		return "CREATED"
	case OpWaiting:
		return "WAITING"
	case OpReady:
		return "READY"
	case OpStarted:
		return "STARTED"
	case OpReleased:
		return "RELEASED"
	default:
		return fmt.Sprintf("OperationState(%d)", int(s))
	}
}

type queueEntry struct {
	queue *OperationQueue
	nres  int
}

// Operation is one unit of asynchronous work with exactly one start action and
// exactly one release action.
type Operation struct {
	loop    *sched.Loop
	logger  *log.Logger
	kind    string
	state   OperationState
	start   func()
	release func()
	entries []queueEntry
	task    *sched.Task
	seq     uint64
}

var waitSeq atomic.Uint64

// NewOperation returns an operation in the CREATED state. start runs at most
// once, on the loop, when every queue the operation was inserted into has
// admitted it. release runs exactly once, from Done. Either may be nil.
func NewOperation(loop *sched.Loop, start, release func()) *Operation {
	return &Operation{loop: loop, start: start, release: release, logger: log.Default(), kind: "generic"}
}

// WithLogger sets the logger used for misuse warnings.
func (op *Operation) WithLogger(logger *log.Logger) *Operation {
	if logger != nil {
		op.logger = logger
	}
	return op
}

// WithKind labels the operation for metrics and log messages.
func (op *Operation) WithKind(kind string) *Operation {
	if kind != "" {
		op.kind = kind
	}
	return op
}

// Kind returns the operation label.
func (op *Operation) Kind() string { return op.kind }

// State returns the current state.
func (op *Operation) State() OperationState { return op.state }

// Released reports whether Done was called.
func (op *Operation) Released() bool { return op.state == OpReleased }

// Insert adds op to q, requesting one resource unit.
func (op *Operation) Insert(q *OperationQueue) error {
	return op.InsertN(q, 1)
}

// InsertN adds op to q, requesting n resource units. All inserts must happen
// before BeginWait.
func (op *Operation) InsertN(q *OperationQueue, n int) error {
	if q == nil {
		return errors.New("operation queue is nil")
	}
	switch op.state {
	case OpCreated:
	case OpReleased:
		return ErrOperationReleased
	default:
		return ErrOperationWaiting
	}
	if q.destroyed {
		return fmt.Errorf("%w: %s", ErrQueueDestroyed, q.name)
	}
	if n <= 0 || (q.max != Unbounded && n > q.max) {
		return fmt.Errorf("%w: %d units on queue %s (max %d)", ErrResourceCount, n, q.name, q.max)
	}
	for _, e := range op.entries {
		if e.queue == q {
			return fmt.Errorf("%w: %s", ErrAlreadyQueued, q.name)
		}
	}
	op.entries = append(op.entries, queueEntry{queue: q, nres: n})
	q.ops[op] = struct{}{}
	return nil
}

// BeginWait asks all of op's queues for their slots. The start action runs on
// a later loop tick once every queue admitted the operation; an operation
// without queues is admitted at once.
func (op *Operation) BeginWait() error {
	switch op.state {
	case OpCreated:
	case OpReleased:
		return ErrOperationReleased
	default:
		return ErrOperationWaiting
	}
	op.seq = waitSeq.Add(1)
	op.state = OpWaiting
	if len(op.entries) == 0 {
		op.admit()
		return nil
	}
	queues := make([]*OperationQueue, 0, len(op.entries))
	for _, e := range op.entries {
		e.queue.waiting = append(e.queue.waiting, op)
		e.queue.observe()
		queues = append(queues, e.queue)
	}
	recheck(queues)
	return nil
}

// Done releases op. Called before start the operation is cancelled and start
// never runs; in every case the release action runs once. A second call
// returns ErrOperationReleased.
func (op *Operation) Done() error {
	prev := op.state
	switch prev {
	case OpReleased:
		op.logger.Printf("testbed: warning: %s operation released twice", op.kind)
		return ErrOperationReleased
	case OpWaiting:
		for _, e := range op.entries {
			e.queue.waiting = removeOp(e.queue.waiting, op)
		}
	case OpReady:
		op.task.Cancel()
		op.task = nil
		for _, e := range op.entries {
			e.queue.ready = removeOp(e.queue.ready, op)
			e.queue.active -= e.nres
		}
	case OpStarted:
		for _, e := range op.entries {
			e.queue.active -= e.nres
		}
	}
	op.state = OpReleased
	queues := make([]*OperationQueue, 0, len(op.entries))
	for _, e := range op.entries {
		delete(e.queue.ops, op)
		e.queue.observe()
		queues = append(queues, e.queue)
	}
	if op.release != nil {
		op.release()
	}
	if prev != OpCreated {
		recheck(queues)
	}
	return nil
}

// admissible reports whether op is first in line on every queue and fits.
func (op *Operation) admissible() bool {
	for _, e := range op.entries {
		q := e.queue
		if len(q.waiting) == 0 || q.waiting[0] != op {
			return false
		}
		if !q.fits(e.nres) {
			return false
		}
	}
	return true
}

func (op *Operation) admit() {
	for _, e := range op.entries {
		e.queue.waiting = removeOp(e.queue.waiting, op)
		e.queue.ready = append(e.queue.ready, op)
		e.queue.active += e.nres
		e.queue.observe()
	}
	op.state = OpReady
	op.task = op.loop.Add(op.run)
}

func (op *Operation) run() {
	if op.state != OpReady {
		return
	}
	for _, e := range op.entries {
		e.queue.ready = removeOp(e.queue.ready, op)
	}
	op.task = nil
	op.state = OpStarted
	if op.start != nil {
		op.start()
	}
}

// deferBack returns a READY operation to the waiting lists in its original
// wait order.
func (op *Operation) deferBack() {
	op.task.Cancel()
	op.task = nil
	for _, e := range op.entries {
		q := e.queue
		q.ready = removeOp(q.ready, op)
		q.active -= e.nres
		idx := sort.Search(len(q.waiting), func(i int) bool { return q.waiting[i].seq > op.seq })
		q.waiting = append(q.waiting, nil)
		copy(q.waiting[idx+1:], q.waiting[idx:])
		q.waiting[idx] = op
		q.observe()
	}
	op.state = OpWaiting
}

// OperationQueue bounds how many operations may hold its resource at a time.
// Operations are admitted strictly in the order they began waiting.
type OperationQueue struct {
	name      string
	max       int
	active    int
	waiting   []*Operation
	ready     []*Operation
	ops       map[*Operation]struct{}
	destroyed bool
	metrics   *Metrics
}

// NewOperationQueue creates a queue admitting at most max resource units at
// once. Unbounded disables the limit.
func NewOperationQueue(name string, max int) *OperationQueue {
	if max < 0 {
		max = Unbounded
	}
	return &OperationQueue{name: name, max: max, ops: make(map[*Operation]struct{})}
}

// WithMetrics reports queue depth to m.
func (q *OperationQueue) WithMetrics(m *Metrics) *OperationQueue {
	q.metrics = m
	q.observe()
	return q
}

// Name returns the queue label.
func (q *OperationQueue) Name() string { return q.name }

// MaxActive returns the capacity.
func (q *OperationQueue) MaxActive() int { return q.max }

// Active returns the resource units held by admitted operations.
func (q *OperationQueue) Active() int { return q.active }

// Waiting returns the number of operations waiting for admission.
func (q *OperationQueue) Waiting() int { return len(q.waiting) }

// Len returns the number of operations associated with the queue.
func (q *OperationQueue) Len() int { return len(q.ops) }

// SetMaxActive changes the capacity. Admitted operations that have not
// started yet are deferred, newest first, until the queue fits again.
func (q *OperationQueue) SetMaxActive(max int) {
	if max < 0 {
		max = Unbounded
	}
	q.max = max
	touched := []*OperationQueue{q}
	for q.max != Unbounded && q.active > q.max && len(q.ready) > 0 {
		op := q.ready[len(q.ready)-1]
		op.deferBack()
		for _, e := range op.entries {
			if e.queue != q {
				touched = append(touched, e.queue)
			}
		}
	}
	recheck(touched)
}

// DestroyEmpty destroys the queue if no operation refers to it any more.
func (q *OperationQueue) DestroyEmpty() error {
	if q.destroyed {
		return nil
	}
	if len(q.ops) > 0 {
		return fmt.Errorf("%w: %s has %d operations", ErrQueueNotEmpty, q.name, len(q.ops))
	}
	q.destroyed = true
	q.metrics.forgetQueue(q.name)
	return nil
}

func (q *OperationQueue) fits(n int) bool {
	if q.max == Unbounded {
		return true
	}
	// A lone operation is always admitted so a lowered capacity cannot starve it.
	return q.active+n <= q.max || q.active == 0
}

func (q *OperationQueue) observe() {
	q.metrics.observeQueue(q.name, q.active, len(q.waiting))
}

// recheck admits waiting operations on the given queues until every head is
// blocked.
func recheck(queues []*OperationQueue) {
	work := append([]*OperationQueue(nil), queues...)
	for len(work) > 0 {
		q := work[0]
		work = work[1:]
		for len(q.waiting) > 0 {
			op := q.waiting[0]
			if !op.admissible() {
				break
			}
			op.admit()
			for _, e := range op.entries {
				if e.queue != q {
					work = append(work, e.queue)
				}
			}
		}
	}
}

func removeOp(list []*Operation, op *Operation) []*Operation {
	for i, o := range list {
		if o == op {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			return list[:len(list)-1]
		}
	}
	return list
}
