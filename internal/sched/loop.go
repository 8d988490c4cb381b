// Package sched provides the cooperative event loop that drives every testbed
// callback.
//
// All testbed state (operations, queues, controllers, peers, barriers) is owned
// by exactly one Loop and is only mutated from tasks running on it. Goroutines
// doing I/O never touch that state directly; they hand their results back with
// Add. This keeps the coordination core single-threaded without locks while
// network work proceeds concurrently.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLoopStopped is returned by Run when the loop was shut down explicitly.
var ErrLoopStopped = errors.New("event loop stopped")

type taskState int

const (
	taskPending taskState = iota
	taskRan
	taskCancelled
)

// Task is a unit of work scheduled on a Loop.
type Task struct {
	loop  *Loop
	fn    func()
	timer *time.Timer
	state taskState
}

// Cancel prevents a pending task from running. It reports whether the task was
// still pending.
func (t *Task) Cancel() bool {
	if t == nil || t.loop == nil {
		return false
	}
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.state != taskPending {
		return false
	}
	t.state = taskCancelled
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// Loop runs tasks one at a time in FIFO order.
type Loop struct {
	mu      sync.Mutex
	ready   []*Task
	wake    chan struct{}
	quit    chan struct{}
	stopped bool
	values  map[any]any
}

// New returns an idle loop. Call Run (or RunUntilIdle in tests) to execute tasks.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Add schedules fn to run on the loop as soon as possible. Safe for concurrent use.
func (l *Loop) Add(fn func()) *Task {
	t := &Task{loop: l, fn: fn}
	l.enqueue(t)
	return t
}

// AddDelayed schedules fn to run on the loop after d has elapsed.
func (l *Loop) AddDelayed(d time.Duration, fn func()) *Task {
	if d <= 0 {
		return l.Add(fn)
	}
	t := &Task{loop: l, fn: fn}
	l.mu.Lock()
	t.timer = time.AfterFunc(d, func() { l.enqueue(t) })
	l.mu.Unlock()
	return t
}

func (l *Loop) enqueue(t *Task) {
	l.mu.Lock()
	if l.stopped || t.state != taskPending {
		l.mu.Unlock()
		return
	}
	l.ready = append(l.ready, t)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next pops the first runnable task, skipping cancelled ones.
func (l *Loop) next() *Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.ready) > 0 {
		t := l.ready[0]
		l.ready[0] = nil
		l.ready = l.ready[1:]
		if t.state != taskPending {
			continue
		}
		t.state = taskRan
		return t
	}
	return nil
}

// Run executes tasks until ctx is done or Shutdown is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		for {
			select {
			case <-l.quit:
				return ErrLoopStopped
			default:
			}
			t := l.next()
			if t == nil {
				break
			}
			t.fn()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.quit:
			return ErrLoopStopped
		case <-l.wake:
		}
	}
}

// RunUntilIdle runs ready tasks, including ones they schedule, until none are
// ready. Delayed tasks whose timers have not fired are left alone. It returns the
// number of tasks executed. It must not be used while Run is active.
func (l *Loop) RunUntilIdle() int {
	n := 0
	for {
		t := l.next()
		if t == nil {
			return n
		}
		t.fn()
		n++
	}
}

// Shutdown stops Run after the current task. Pending tasks are discarded.
func (l *Loop) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	for _, t := range l.ready {
		if t.state == taskPending {
			t.state = taskCancelled
		}
	}
	l.ready = nil
	l.values = nil
	close(l.quit)
}

// Value returns the value stored under key, storing the result of create
// first when the key is unset. Values belong to the loop and are dropped by
// Shutdown.
func (l *Loop) Value(key any, create func() any) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.values[key]; ok {
		return v
	}
	v := create()
	if l.values == nil {
		l.values = make(map[any]any)
	}
	l.values[key] = v
	return v
}

// Pending returns the number of tasks ready to run.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.ready {
		if t.state == taskPending {
			n++
		}
	}
	return n
}
