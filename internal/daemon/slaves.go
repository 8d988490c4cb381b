package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/testbed/testbed/internal/client"
	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/service"
)

// SlaveStarter starts a subordinate testbedd on host and returns the address
// it listens on and a function that stops it.
type SlaveStarter func(ctx context.Context, host models.HostSpec) (addr string, stop func() error, err error)

// DialFunc returns the service of the testbedd listening on addr.
type DialFunc func(addr string) service.Service

// slaveManager implements service.SlaveFactory for a daemon: it reaches
// existing controllers by address and starts subordinate ones with a
// SlaveStarter, stopping them again on shutdown.
type slaveManager struct {
	start  SlaveStarter
	dial   DialFunc
	logger *log.Logger

	mu    sync.Mutex
	stops []func() error
}

func newSlaveManager(start SlaveStarter, dial DialFunc, logger *log.Logger) *slaveManager {
	if dial == nil {
		dial = func(addr string) service.Service { return client.New(addr) }
	}
	return &slaveManager{start: start, dial: dial, logger: logger}
}

func (m *slaveManager) factory(ctx context.Context, host models.HostSpec, start bool) (service.Service, error) {
	if !start {
		if host.ControllerAddr == "" {
			return nil, fmt.Errorf("%w: host %d has no controller address", service.ErrHostNotLinked, host.ID)
		}
		return m.dial(host.ControllerAddr), nil
	}
	if m.start == nil {
		return nil, fmt.Errorf("%w: subordinate controllers cannot be started", service.ErrNoSlaveFactory)
	}
	addr, stop, err := m.start(ctx, host)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.stops = append(m.stops, stop)
	m.mu.Unlock()
	m.logger.Printf("testbedd: started subordinate controller for host %d at %s", host.ID, addr)
	return m.dial(addr), nil
}

// stopAll stops started controllers, newest first.
func (m *slaveManager) stopAll() error {
	m.mu.Lock()
	stops := m.stops
	m.stops = nil
	m.mu.Unlock()
	var errs []error
	for i := len(stops) - 1; i >= 0; i-- {
		if stops[i] == nil {
			continue
		}
		if err := stops[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
