package testbed

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testbed/testbed/internal/sched"
	testutil "github.com/testbed/testbed/internal/testing"
)

// fakeSpawner hands out fakeProcess values, or blocks until ctx is done when
// block is set.
type fakeSpawner struct {
	mu    sync.Mutex
	addr  string
	err   error
	block bool
	args  [][]string
	procs []*fakeProcess
}

func (s *fakeSpawner) Spawn(ctx context.Context, host *Host, args []string) (Process, error) {
	s.mu.Lock()
	s.args = append(s.args, args)
	block, addr, err := s.block, s.addr, s.err
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	p := &fakeProcess{addr: addr}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSpawner) spawned() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

type fakeProcess struct {
	mu      sync.Mutex
	addr    string
	stopped bool
}

func (p *fakeProcess) Addr() string { return p.addr }

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *fakeProcess) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func TestControllerArgs(t *testing.T) {
	r := NewHostRegistry()
	local, err := r.Create("", "", nil, 0)
	require.NoError(t, err)
	remote, err := r.CreateWithID(7, "node7", "", nil, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"-trusted", "127.0.0.1", "-host-id", "0", "-listen", "127.0.0.1:0", "-announce",
	}, controllerArgs("127.0.0.1", local, StartOptions{}))
	assert.Equal(t, []string{
		"-trusted", "10.0.0.1", "-host-id", "7", "-listen", "0.0.0.0:0", "-announce", "-config", "/etc/testbed/config.yaml",
	}, controllerArgs("10.0.0.1", remote, StartOptions{ConfigPath: "/etc/testbed/config.yaml"}))
	assert.Contains(t, controllerArgs("10.0.0.1", remote, StartOptions{Listen: "0.0.0.0:7411"}), "0.0.0.0:7411")
}

func TestReachableAddr(t *testing.T) {
	r := NewHostRegistry()
	local, err := r.Create("", "", nil, 0)
	require.NoError(t, err)
	remote, err := r.Create("node1.testbed.local", "", nil, 0)
	require.NoError(t, err)

	tests := []struct {
		host *Host
		addr string
		want string
	}{
		{local, "127.0.0.1:7411", "127.0.0.1:7411"},
		{local, "0.0.0.0:7411", "127.0.0.1:7411"},
		{local, "[::]:7411", "127.0.0.1:7411"},
		{remote, "0.0.0.0:40000", "node1.testbed.local:40000"},
		{remote, ":40000", "node1.testbed.local:40000"},
		{remote, "10.0.0.2:40000", "10.0.0.2:40000"},
		{remote, "garbage", "garbage"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reachableAddr(tt.host, tt.addr), "%s on %s", tt.addr, tt.host)
	}
}

func TestReadAnnouncement(t *testing.T) {
	addr, err := readAnnouncement(strings.NewReader("2026/10/19 starting\nREADY 127.0.0.1:40311\n"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:40311", addr)

	_, err = readAnnouncement(strings.NewReader("listening\n"))
	assert.ErrorIs(t, err, errNoAnnouncement)
}

func TestAwaitAnnouncementTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := awaitAnnouncement(ctx, pr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStartController(t *testing.T) {
	loop := sched.New()
	host, err := NewHostRegistry().Create("node1", "", nil, 0)
	require.NoError(t, err)
	spawner := &fakeSpawner{addr: "0.0.0.0:40000"}

	var gotAddr string
	var gotErr error
	done := false
	proc := StartController(loop, "10.0.0.1", host, StartOptions{Spawner: spawner, Logger: testutil.DiscardLogger()},
		func(p *ControllerProc, addr string, err error) {
			gotAddr, gotErr = addr, err
			done = true
		})
	assert.Same(t, host, proc.Host())
	testutil.RunLoop(t, loop, func() bool { return done }, "controller started")

	require.NoError(t, gotErr)
	assert.Equal(t, "node1:40000", gotAddr)
	assert.Equal(t, "node1:40000", host.ControllerAddr())
	assert.ErrorIs(t, host.Destroy(), ErrHostInUse, "the controller holds the host")

	require.NoError(t, proc.Stop())
	require.Len(t, spawner.spawned(), 1)
	assert.True(t, spawner.spawned()[0].isStopped())
	require.NoError(t, proc.Stop())
	assert.NoError(t, host.Destroy())
}

func TestStartControllerFailure(t *testing.T) {
	loop := sched.New()
	host, err := NewHostRegistry().Create("node1", "", nil, 0)
	require.NoError(t, err)
	spawner := &fakeSpawner{err: errors.New("permission denied")}

	var gotErr error
	proc := StartController(loop, "10.0.0.1", host, StartOptions{Spawner: spawner}, func(_ *ControllerProc, _ string, err error) {
		gotErr = err
	})
	testutil.RunLoop(t, loop, func() bool { return gotErr != nil }, "start failure")
	assert.ErrorContains(t, gotErr, "start controller on host 1 (node1)")
	assert.ErrorContains(t, gotErr, "permission denied")
	assert.Empty(t, host.ControllerAddr())
	require.NoError(t, proc.Stop())
}

func TestStartControllerStopWhileStarting(t *testing.T) {
	loop := sched.New()
	host, err := NewHostRegistry().Create("node1", "", nil, 0)
	require.NoError(t, err)
	spawner := &fakeSpawner{block: true}

	proc := StartController(loop, "10.0.0.1", host, StartOptions{Spawner: spawner}, func(*ControllerProc, string, error) {
		t.Error("stopped controller called back")
	})
	require.NoError(t, proc.Stop())
	loop.RunUntilIdle()
	assert.NoError(t, host.Destroy())
}

func TestSpawnControllerTimeout(t *testing.T) {
	host, err := NewHostRegistry().Create("node1", "", nil, 0)
	require.NoError(t, err)
	_, _, err = SpawnController(context.Background(), "10.0.0.1", host, StartOptions{
		Spawner: &fakeSpawner{block: true},
		Timeout: 20 * time.Millisecond,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecSpawner(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-testbedd")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"args: $*\"\necho READY 127.0.0.1:45678\nexec sleep 30\n"), 0o755))
	host, err := NewHostRegistry().Create("", "", nil, 0)
	require.NoError(t, err)

	proc, addr, err := SpawnController(context.Background(), "127.0.0.1", host, StartOptions{Binary: script, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:45678", addr)
	assert.Equal(t, addr, proc.Addr())
	assert.NoError(t, proc.Stop())

	silent := filepath.Join(dir, "silent")
	require.NoError(t, os.WriteFile(silent, []byte("#!/bin/sh\nexit 3\n"), 0o755))
	_, _, err = SpawnController(context.Background(), "127.0.0.1", host, StartOptions{Binary: silent, Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, errNoAnnouncement)
}
