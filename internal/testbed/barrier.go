package testbed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/sched"
	"github.com/testbed/testbed/internal/service"
)

var (
	ErrBarrierExists   = service.ErrBarrierExists
	ErrInvalidBarrier  = service.ErrInvalidBarrier
	ErrBarrierFinished = errors.New("barrier already reported a terminal status")
)

// BarrierStatusCallback receives barrier status changes: INITIALISED once the
// service accepted the barrier, then exactly one terminal status. err is set
// with ERROR.
type BarrierStatusCallback func(b *Barrier, status models.BarrierStatus, err error)

// Barrier is the controller side of a named synchronization point. It
// crosses once quorum percent of the service's peers waited on it.
//
// Barrier state transitions:
//
//	INITIALISED → (CROSSED|ERROR)
type Barrier struct {
	c        *Controller
	name     string
	quorum   int
	status   models.BarrierStatus
	cb       BarrierStatusCallback
	cancel   context.CancelFunc
	finished bool
}

// Name returns the barrier name.
func (b *Barrier) Name() string { return b.name }

// Quorum returns the percentage of peers that must reach the barrier.
func (b *Barrier) Quorum() int { return b.quorum }

// Status returns the last reported status; empty until initialised.
func (b *Barrier) Status() models.BarrierStatus { return b.status }

// BarrierInit creates a barrier on the controller's service. cb runs on the
// loop with INITIALISED and later with CROSSED or ERROR.
func (c *Controller) BarrierInit(name string, quorum int, cb BarrierStatusCallback) (*Barrier, error) {
	if c.closed {
		return nil, ErrControllerDisconnected
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidBarrier)
	}
	if quorum < 0 || quorum > 100 {
		return nil, fmt.Errorf("%w: quorum %d outside 0..100", ErrInvalidBarrier, quorum)
	}
	if _, exists := c.barriers[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrBarrierExists, name)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	b := &Barrier{c: c, name: name, quorum: quorum, cb: cb, cancel: cancel}
	c.barriers[name] = b

	c.goIO(ctx, func(ctx context.Context) (any, error) {
		return nil, c.svc.BarrierInit(ctx, name, quorum)
	}, func(_ any, err error) {
		if b.finished {
			return
		}
		if err != nil {
			b.finish(models.BarrierUpdate{Name: name, Status: models.BarrierError, Message: err.Error()}, err)
			return
		}
		b.notify(models.BarrierInitialised, nil)
		if b.finished {
			return
		}
		c.goIO(ctx, func(ctx context.Context) (any, error) {
			return c.svc.AwaitBarrier(ctx, name)
		}, func(res any, err error) {
			if b.finished {
				return
			}
			update, _ := res.(models.BarrierUpdate)
			if err != nil {
				update = models.BarrierUpdate{Name: name, Status: models.BarrierError, Message: err.Error()}
			}
			b.finish(update, err)
		})
	})
	return b, nil
}

func (b *Barrier) notify(status models.BarrierStatus, err error) {
	b.status = status
	b.c.metrics.incBarrier(string(status))
	if b.cb != nil {
		b.cb(b, status, err)
	}
}

func (b *Barrier) finish(update models.BarrierUpdate, err error) {
	b.finished = true
	b.cancel()
	if b.c.barriers[b.name] == b {
		delete(b.c.barriers, b.name)
	}
	if update.Status == models.BarrierError && err == nil {
		err = barrierError(update)
	}
	b.notify(update.Status, err)
}

// Cancel abandons the barrier: the callback is suppressed and the service
// drops the barrier, failing peers still waiting on it. Cancelling after the
// terminal callback is a caller error.
func (b *Barrier) Cancel() error {
	if b.finished {
		return fmt.Errorf("%w: %s", ErrBarrierFinished, b.name)
	}
	c := b.c
	b.finished = true
	b.cancel()
	delete(c.barriers, b.name)
	name := b.name
	c.goIO(c.ctx, func(ctx context.Context) (any, error) {
		return nil, c.svc.BarrierCancel(ctx, name)
	}, func(_ any, err error) {
		if err != nil && !errors.Is(err, service.ErrBarrierNotFound) {
			c.logger.Printf("controller: cancel barrier %s: %v", name, err)
		}
	})
	return nil
}

func barrierError(update models.BarrierUpdate) error {
	msg := update.Message
	if msg == "" {
		msg = "barrier failed"
	}
	return fmt.Errorf("barrier %s: %s", update.Name, msg)
}

// BarrierWaitCallback receives the outcome of a peer-side barrier wait.
// status is CROSSED on success and ERROR otherwise.
type BarrierWaitCallback func(name string, status models.BarrierStatus, err error)

// BarrierWaitHandle is a pending peer-side barrier wait.
type BarrierWaitHandle struct {
	cancel   context.CancelFunc
	mu       sync.Mutex
	finished bool
}

// Cancel abandons the wait and suppresses its callback. Cancelling after the
// callback ran is a caller error.
func (h *BarrierWaitHandle) Cancel() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return ErrBarrierFinished
	}
	h.finished = true
	h.cancel()
	return nil
}

// BarrierWait is called from within a running peer: it reports that peerID
// reached the barrier called name and waits until the barrier crossed or
// failed. Barriers are matched by name only. cb runs on the loop.
func BarrierWait(loop *sched.Loop, svc service.Service, peerID uint32, name string, cb BarrierWaitCallback) *BarrierWaitHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &BarrierWaitHandle{cancel: cancel}
	go func() {
		update, err := svc.BarrierWait(ctx, name, peerID)
		loop.Add(func() {
			h.mu.Lock()
			if h.finished {
				h.mu.Unlock()
				return
			}
			h.finished = true
			h.mu.Unlock()
			cancel()
			status := update.Status
			if err == nil && status == models.BarrierError {
				err = barrierError(update)
			}
			if err != nil {
				status = models.BarrierError
			}
			if cb != nil {
				cb(name, status, err)
			}
		})
	}()
	return h
}

// PeerIdentity extracts the peer and controller address the testbed stored
// in a peer's configuration, for use with BarrierWait from a peer process.
func PeerIdentity(cfg models.PeerConfig) (peerID uint32, controllerAddr string, err error) {
	raw, ok := cfg[ConfigPeerID]
	if !ok {
		return 0, "", fmt.Errorf("configuration has no %s", ConfigPeerID)
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("parse %s: %w", ConfigPeerID, err)
	}
	return uint32(id), cfg[ConfigControllerAddr], nil
}
