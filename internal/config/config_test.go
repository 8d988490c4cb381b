package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testbed/testbed/internal/topology"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 64, cfg.Testbed.MaxParallelOperations)
	assert.Equal(t, 256, cfg.Testbed.MaxParallelServiceConnections)
	assert.Equal(t, Unbounded, cfg.Testbed.MaxParallelTopologyConfigOperations)
	assert.Equal(t, 1, cfg.Testbed.MaxParallelOverlayConnects)
	assert.Equal(t, 100, cfg.Testbed.BarrierQuorum)
	assert.Empty(t, cfg.Testbed.OverlayTopology)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
daemon:
  listen: 0.0.0.0:9000
  db_path: /tmp/tb.db
  metrics_listen: 127.0.0.1:9100
  host_id: 3
  hosts_file: /etc/testbed/hosts
testbed:
  max_parallel_operations: 8
  max_parallel_topology_config_operations: 16
  overlay_topology: small_world_ring
  overlay_random_links: 5
  overlay_rate_limit: 2.5
  overlay_retries: 2
  setup_timeout: 30s
  barrier_quorum: 0
peer:
  template:
    arm.port: "2087"
    dht.disable_sockets: "yes"
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "/tmp/tb.db", cfg.DBPath)
	assert.Equal(t, uint32(3), cfg.HostID)
	assert.Equal(t, "/etc/testbed/hosts", cfg.HostsFile)
	assert.Equal(t, 8, cfg.Testbed.MaxParallelOperations)
	assert.Equal(t, 256, cfg.Testbed.MaxParallelServiceConnections, "unset keeps default")
	assert.Equal(t, 16, cfg.Testbed.MaxParallelTopologyConfigOperations)
	assert.Equal(t, 2.5, cfg.Testbed.OverlayRateLimit)
	assert.Equal(t, 2, cfg.Testbed.OverlayRetries)
	assert.Equal(t, 30*time.Second, cfg.Testbed.SetupTimeout)
	assert.Equal(t, 0, cfg.Testbed.BarrierQuorum, "explicit zero overrides default")
	assert.Equal(t, "2087", cfg.PeerTemplate["arm.port"])

	kind, err := cfg.Testbed.RequireOverlayTopology()
	require.NoError(t, err)
	assert.Equal(t, topology.SmallWorldRing, kind)
	assert.Equal(t, 5, cfg.Testbed.TopologyOptions().RandomLinks)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		errPart string
	}{
		{"listen missing", func(c *Config) { c.Listen = "" }, "listen is required"},
		{"listen malformed", func(c *Config) { c.Listen = "nohost" }, "listen must be host:port"},
		{"metrics not loopback", func(c *Config) { c.MetricsListen = "10.0.0.1:9100" }, "localhost-only"},
		{"zero parallel ops", func(c *Config) { c.Testbed.MaxParallelOperations = 0 }, "max_parallel_operations"},
		{"negative topology ops", func(c *Config) { c.Testbed.MaxParallelTopologyConfigOperations = -1 }, "max_parallel_topology_config_operations"},
		{"quorum above 100", func(c *Config) { c.Testbed.BarrierQuorum = 101 }, "barrier_quorum"},
		{"unknown topology", func(c *Config) { c.Testbed.OverlayTopology = "HYPERCUBE" }, "unknown topology"},
		{"from file without file", func(c *Config) { c.Testbed.OverlayTopology = "FROM_FILE" }, "overlay_topology_file is required"},
		{"scale free without params", func(c *Config) { c.Testbed.OverlayTopology = "SCALE_FREE" }, "scale_free_cap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errPart)
		})
	}
}

func TestRequireOverlayTopology(t *testing.T) {
	cfg := DefaultConfig()
	_, err := cfg.Testbed.RequireOverlayTopology()
	assert.ErrorIs(t, err, ErrMissingOverlayTopology)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("testbed:\n  overlay_topology: RING\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigPath)
	assert.Equal(t, "RING", cfg.Testbed.OverlayTopology)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	require.NoError(t, os.WriteFile(path, []byte("testbed: [\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "parse config")
}
