package testbed

import (
	"context"
	"log"
	"time"

	"github.com/testbed/testbed/internal/sched"
)

const defaultHabitabilityTimeout = 30 * time.Second

// HabitabilityOptions configures a habitability check.
//
// Fields:
//   - Binary: Controller binary that must be runnable on the host (defaults to "testbedd")
//   - Runner: Command runner; defaults to os/exec locally and SSH for remote hosts
//   - SSH: Options for the default SSH runner
//   - Timeout: Upper bound for the check (defaults to 30s)
//   - Metrics: Optional check counters
//   - Logger: Destination for check failures
type HabitabilityOptions struct {
	Binary  string
	Runner  CommandRunner
	SSH     SSHOptions
	Timeout time.Duration
	Metrics *Metrics
	Logger  *log.Logger
}

// HabitabilityCheck is a pending host check.
type HabitabilityCheck struct {
	cancel    context.CancelFunc
	cancelled bool
	done      bool
}

// Cancel suppresses the callback of a pending check. It reports whether the
// check was still pending.
func (c *HabitabilityCheck) Cancel() bool {
	if c == nil || c.done || c.cancelled {
		return false
	}
	c.cancelled = true
	c.cancel()
	return true
}

// CheckHabitable tests whether host can run a controller: the binary must be
// runnable there, over passwordless SSH for remote hosts. cb runs on the loop,
// never from within this call. The result is advisory; callers that skip the
// check learn about problems only when the controller fails to start.
func CheckHabitable(loop *sched.Loop, host *Host, opts HabitabilityOptions, cb func(host *Host, habitable bool)) *HabitabilityCheck {
	binary := opts.Binary
	if binary == "" {
		binary = "testbedd"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHabitabilityTimeout
	}
	runner := opts.Runner
	if runner == nil {
		runner = runnerFor(host, opts.SSH)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	check := &HabitabilityCheck{cancel: cancel}
	go func() {
		defer cancel()
		_, err := runner.Run(ctx, binary, "-version")
		loop.Add(func() {
			if check.cancelled {
				return
			}
			check.done = true
			habitable := err == nil
			if !habitable {
				logger.Printf("testbed: %s is not habitable: %v", host, err)
			}
			opts.Metrics.incHabitability(habitable)
			if cb != nil {
				cb(host, habitable)
			}
		})
	}()
	return check
}
