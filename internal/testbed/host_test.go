package testbed

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/sched"
	testutil "github.com/testbed/testbed/internal/testing"
)

func TestLocalHostIsSingleton(t *testing.T) {
	r := NewHostRegistry()
	a, err := r.Create("", "", models.PeerConfig{"k": "v"}, 0)
	require.NoError(t, err)
	b, err := r.Create("  ", "someone", nil, 2022)
	require.NoError(t, err)
	c, err := r.CreateWithID(models.LocalHostID, "", "", nil, 0)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Same(t, a, c)
	assert.True(t, a.IsLocal())
	assert.Equal(t, "v", a.Template()["k"], "the first template wins")
	assert.Equal(t, "localhost", a.Target())

	_, err = r.CreateWithID(models.LocalHostID, "elsewhere", "", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidHost)
}

func TestHostIDs(t *testing.T) {
	r := NewHostRegistry()
	h1, err := r.Create("node1", "", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), h1.ID())

	h3, err := r.CreateWithID(3, "node3", "", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), h3.ID())
	_, err = r.CreateWithID(3, "other", "", nil, 0)
	assert.ErrorIs(t, err, ErrHostIDInUse)
	_, err = r.CreateWithID(4, "", "", nil, 0)
	assert.ErrorIs(t, err, ErrInvalidHost)

	h2, err := r.Create("node2", "", nil, 0)
	require.NoError(t, err)
	h4, err := r.Create("node4", "", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h2.ID())
	assert.Equal(t, uint32(4), h4.ID(), "explicit IDs are skipped")

	got, ok := r.Lookup(3)
	require.True(t, ok)
	assert.Same(t, h3, got)
	assert.Equal(t, 4, r.Len())

	_, err = r.Create("node5", "", nil, 70000)
	assert.ErrorIs(t, err, ErrInvalidHost)
}

func TestHostTargetAndSpec(t *testing.T) {
	r := NewHostRegistry()
	h, err := r.Create("node1.testbed.local", "tb", nil, 2222)
	require.NoError(t, err)
	assert.Equal(t, "tb@node1.testbed.local:2222", h.Target())
	assert.Equal(t, "host 1 (tb@node1.testbed.local:2222)", h.String())

	plain, err := r.Create("node2.testbed.local", "", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "node2.testbed.local", plain.Target())
	assert.Equal(t, models.DefaultSSHPort, plain.Port())

	h.SetControllerAddr("node1.testbed.local:7411")
	assert.Equal(t, models.HostSpec{
		ID:             1,
		Hostname:       "node1.testbed.local",
		Username:       "tb",
		Port:           2222,
		ControllerAddr: "node1.testbed.local:7411",
	}, h.Spec())
}

func TestHostDestroy(t *testing.T) {
	r := NewHostRegistry()
	h, err := r.Create("node1", "", nil, 0)
	require.NoError(t, err)

	h.acquire()
	assert.ErrorIs(t, h.Destroy(), ErrHostInUse)
	assert.False(t, h.Destroyed())
	h.release()

	require.NoError(t, h.Destroy())
	assert.True(t, h.Destroyed())
	require.NoError(t, h.Destroy(), "destroying twice is harmless")
	_, ok := r.Lookup(h.ID())
	assert.False(t, ok)

	// The ID is free again.
	again, err := r.CreateWithID(h.ID(), "node1", "", nil, 0)
	require.NoError(t, err)
	assert.NotSame(t, h, again)
}

func TestHostDestroyWithPendingOverlayConnect(t *testing.T) {
	r := NewHostRegistry()
	h, err := r.Create("node1", "", nil, 0)
	require.NoError(t, err)
	q := h.overlayConnectQueue(1, nil)
	assert.Same(t, q, h.overlayConnectQueue(5, nil), "one queue per host")
	assert.Equal(t, 5, q.MaxActive(), "the queue follows the latest limit")

	op := NewOperation(sched.New(), nil, nil)
	require.NoError(t, op.Insert(q))
	assert.ErrorIs(t, h.Destroy(), ErrHostInUse)
	require.NoError(t, op.Done())
	assert.NoError(t, h.Destroy())
}

func TestParseHostLine(t *testing.T) {
	tests := []struct {
		line    string
		want    HostEntry
		wantErr bool
	}{
		{line: "node1", want: HostEntry{Hostname: "node1", Port: 22}},
		{line: "  tb@node1.testbed.local:2222 ", want: HostEntry{Username: "tb", Hostname: "node1.testbed.local", Port: 2222}},
		{line: "10.0.0.5:22", want: HostEntry{Hostname: "10.0.0.5", Port: 22}},
		{line: "node1:0", wantErr: true},
		{line: "node1:99999", wantErr: true},
		{line: "@node1", wantErr: true},
		{line: "node 1", wantErr: true},
		{line: "-node", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseHostLine(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidHost)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseHostListSkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		"# testbed hosts",
		"node1",
		"",
		"bad host",
		"tb@node2:2200",
	}, "\n")
	entries, err := ParseHostList(strings.NewReader(input), testutil.DiscardLogger())
	require.NoError(t, err)
	assert.Equal(t, []HostEntry{
		{Line: 2, Hostname: "node1", Port: 22},
		{Line: 5, Username: "tb", Hostname: "node2", Port: 2200},
	}, entries)
}

func TestLoadHosts(t *testing.T) {
	r := NewHostRegistry()
	template := models.PeerConfig{"arm.port": "2087"}
	hosts, err := loadHosts(r, strings.NewReader("node1\nnode2:2022\n"), template, testutil.DiscardLogger())
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, "node1", hosts[0].Hostname())
	assert.Equal(t, 2022, hosts[1].Port())
	assert.Equal(t, template, hosts[1].Template())

	path := testutil.TempFile(t, "node3\n")
	loaded, err := LoadHostsFromFile(path, nil, testutil.DiscardLogger())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	t.Cleanup(func() { _ = loaded[0].Destroy() })
	got, ok := LookupHost(loaded[0].ID())
	require.True(t, ok)
	assert.Same(t, loaded[0], got)

	_, err = LoadHostsFromFile(path+".missing", nil, nil)
	assert.Error(t, err)
}

func TestCheckHabitable(t *testing.T) {
	loop := sched.New()
	host, err := NewHostRegistry().Create("node1", "", nil, 0)
	require.NoError(t, err)

	runner := &testutil.MockCommandRunner{Responses: []testutil.MockCommandResponse{
		{Output: "testbedd v1.0.0\n"},
		{Err: errors.New("command not found")},
	}}
	m := NewMetrics()
	var results []bool
	for i := 0; i < 2; i++ {
		CheckHabitable(loop, host, HabitabilityOptions{Binary: "/opt/testbed/testbedd", Runner: runner, Metrics: m, Logger: testutil.DiscardLogger()},
			func(h *Host, habitable bool) {
				assert.Same(t, host, h)
				results = append(results, habitable)
			})
		testutil.RunLoop(t, loop, func() bool { return len(results) == i+1 }, "check result")
	}
	assert.Equal(t, []bool{true, false}, results)
	for _, cmd := range runner.Commands() {
		assert.Equal(t, "/opt/testbed/testbedd -version", cmd.String())
	}
}

func TestCheckHabitableCancel(t *testing.T) {
	loop := sched.New()
	host, err := NewHostRegistry().Create("node1", "", nil, 0)
	require.NoError(t, err)
	runner := &testutil.MockCommandRunner{Delay: 20 * time.Millisecond}

	check := CheckHabitable(loop, host, HabitabilityOptions{Runner: runner}, func(*Host, bool) {
		t.Error("cancelled check called back")
	})
	assert.True(t, check.Cancel())
	assert.False(t, check.Cancel())
	time.Sleep(50 * time.Millisecond)
	loop.RunUntilIdle()
}

func TestCheckHabitableTimeout(t *testing.T) {
	loop := sched.New()
	host, err := NewHostRegistry().Create("node1", "", nil, 0)
	require.NoError(t, err)
	runner := &testutil.MockCommandRunner{Delay: time.Second}

	done := false
	habitable := true
	CheckHabitable(loop, host, HabitabilityOptions{Runner: runner, Timeout: 20 * time.Millisecond, Logger: testutil.DiscardLogger()}, func(_ *Host, ok bool) {
		habitable = ok
		done = true
	})
	testutil.RunLoop(t, loop, func() bool { return done }, "check timeout")
	assert.False(t, habitable)
	assert.Equal(t, "testbedd -version", runner.Commands()[0].String())
}
