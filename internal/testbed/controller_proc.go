package testbed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/testbed/testbed/internal/sched"
)

const (
	defaultStartTimeout = time.Minute
	stopGracePeriod     = 5 * time.Second
	announcePrefix      = "READY "
)

var errNoAnnouncement = errors.New("controller exited before announcing its address")

// Process is a running testbed service process.
type Process interface {
	// Addr is the address the service listens on.
	Addr() string
	// Stop terminates the process and waits for it to exit.
	Stop() error
}

// Spawner starts a testbed service on a host and blocks until it announced
// its listen address.
type Spawner interface {
	Spawn(ctx context.Context, host *Host, args []string) (Process, error)
}

// StartOptions configures StartController.
//
// Fields:
//   - Binary: Controller binary (defaults to "testbedd")
//   - Listen: Listen address passed to the controller (defaults to 127.0.0.1:0 locally, 0.0.0.0:0 remotely)
//   - ConfigPath: Optional configuration file passed with -config
//   - Spawner: Process starter; defaults to os/exec locally and SSH for remote hosts
//   - SSH: Options for the default SSH spawner
//   - Timeout: Upper bound for the controller to announce itself (defaults to 1m)
//   - Logger: Destination for controller lifecycle messages
type StartOptions struct {
	Binary     string
	Listen     string
	ConfigPath string
	Spawner    Spawner
	SSH        SSHOptions
	Timeout    time.Duration
	Logger     *log.Logger
}

// ControllerStatusCallback reports whether a controller process came up. addr
// is the service address on success.
type ControllerStatusCallback func(proc *ControllerProc, addr string, err error)

// ControllerProc is a controller process started by StartController.
type ControllerProc struct {
	host   *Host
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	proc    Process
	stopped bool
}

// Host returns the host the controller runs on.
func (p *ControllerProc) Host() *Host { return p.host }

// StartController spawns a testbed service on host that trusts connections
// from trustedIP. cb always runs on the loop, never within this call. On
// success the host's controller address is set.
func StartController(loop *sched.Loop, trustedIP string, host *Host, opts StartOptions, cb ControllerStatusCallback) *ControllerProc {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &ControllerProc{host: host, cancel: cancel, done: make(chan struct{})}
	host.acquire()
	go func() {
		defer close(p.done)
		proc, addr, err := SpawnController(ctx, trustedIP, host, opts)

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			if proc != nil {
				_ = proc.Stop()
			}
			return
		}
		p.proc = proc
		p.mu.Unlock()

		if err == nil {
			logger.Printf("testbed: controller on %s listening on %s", host, addr)
		}
		loop.Add(func() {
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if stopped {
				return
			}
			if err == nil {
				host.SetControllerAddr(addr)
			}
			if cb != nil {
				cb(p, addr, err)
			}
		})
	}()
	return p
}

// SpawnController starts a testbed service on host and blocks until it
// announced an address reachable from other hosts, or until opts.Timeout.
func SpawnController(ctx context.Context, trustedIP string, host *Host, opts StartOptions) (Process, string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	spawner := opts.Spawner
	if spawner == nil {
		spawner = defaultSpawner(host, opts)
	}
	spawnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	proc, err := spawner.Spawn(spawnCtx, host, controllerArgs(trustedIP, host, opts))
	if err != nil {
		return nil, "", fmt.Errorf("start controller on %s: %w", host, err)
	}
	return proc, reachableAddr(host, proc.Addr()), nil
}

func controllerArgs(trustedIP string, host *Host, opts StartOptions) []string {
	listen := opts.Listen
	if listen == "" {
		listen = "127.0.0.1:0"
		if !host.IsLocal() {
			listen = "0.0.0.0:0"
		}
	}
	args := []string{
		"-trusted", trustedIP,
		"-host-id", strconv.FormatUint(uint64(host.ID()), 10),
		"-listen", listen,
		"-announce",
	}
	if opts.ConfigPath != "" {
		args = append(args, "-config", opts.ConfigPath)
	}
	return args
}

// Stop terminates the controller process and blocks until it exited. No
// status callback is delivered afterwards.
func (p *ControllerProc) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	<-p.done
	p.host.release()

	p.mu.Lock()
	proc := p.proc
	p.proc = nil
	p.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Stop()
}

func defaultSpawner(host *Host, opts StartOptions) Spawner {
	binary := opts.Binary
	if binary == "" {
		binary = "testbedd"
	}
	if host.IsLocal() {
		return ExecSpawner{Binary: binary}
	}
	return SSHSpawner{Binary: binary, Options: opts.SSH}
}

// reachableAddr replaces an unspecified listen host with the host's name.
func reachableAddr(host *Host, addr string) string {
	h, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	ip := net.ParseIP(h)
	if h != "" && (ip == nil || !ip.IsUnspecified()) {
		return addr
	}
	name := host.Hostname()
	if name == "" {
		name = "127.0.0.1"
	}
	return net.JoinHostPort(name, port)
}

// readAnnouncement scans r for the "READY <addr>" line printed by testbedd.
func readAnnouncement(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if addr, ok := strings.CutPrefix(line, announcePrefix); ok {
			return strings.TrimSpace(addr), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errNoAnnouncement
}

// awaitAnnouncement reads the announcement in the background so a context
// deadline can interrupt it.
func awaitAnnouncement(ctx context.Context, r io.Reader) (string, error) {
	type result struct {
		addr string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		addr, err := readAnnouncement(r)
		ch <- result{addr, err}
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}()
	select {
	case res := <-ch:
		return res.addr, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ExecSpawner runs the controller binary on this machine.
type ExecSpawner struct {
	Binary string
}

func (s ExecSpawner) Spawn(ctx context.Context, host *Host, args []string) (Process, error) {
	cmd := exec.Command(s.Binary, args...)
	cmd.Stderr = os.Stderr
	// An explicit pipe lets Wait run concurrently with reading stdout.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	err = cmd.Start()
	_ = pw.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("start %s: %w", s.Binary, err)
	}
	proc := &execProcess{cmd: cmd, exited: make(chan struct{})}
	go func() {
		proc.waitErr = cmd.Wait()
		close(proc.exited)
	}()
	addr, err := awaitAnnouncement(ctx, stdout)
	if err != nil {
		_ = proc.Stop()
		return nil, err
	}
	proc.addr = addr
	return proc, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	addr    string
	exited  chan struct{}
	waitErr error
}

func (p *execProcess) Addr() string { return p.addr }

func (p *execProcess) Stop() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.exited:
	case <-time.After(stopGracePeriod):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	var exitErr *exec.ExitError
	if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
		return p.waitErr
	}
	return nil
}

// SSHSpawner runs the controller binary on a remote host over SSH.
type SSHSpawner struct {
	Binary  string
	Options SSHOptions
}

func (s SSHSpawner) Spawn(ctx context.Context, host *Host, args []string) (Process, error) {
	// The connection outlives ctx, which only bounds startup.
	connCtx, cancel := context.WithCancel(context.Background())
	client, err := dialSSH(connCtx, host, s.Options)
	if err != nil {
		cancel()
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ssh session on %s: %w", host, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := session.Start(shellCommand(s.Binary, args...)); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s on %s: %w", s.Binary, host, err)
	}
	proc := &sshProcess{session: session, cancel: cancel}
	addr, err := awaitAnnouncement(ctx, stdout)
	if err != nil {
		_ = proc.Stop()
		return nil, err
	}
	proc.addr = addr
	return proc, nil
}

type sshProcess struct {
	session *ssh.Session
	cancel  context.CancelFunc
	addr    string
}

func (p *sshProcess) Addr() string { return p.addr }

func (p *sshProcess) Stop() error {
	_ = p.session.Signal(ssh.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = p.session.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
	}
	_ = p.session.Close()
	p.cancel()
	return nil
}
