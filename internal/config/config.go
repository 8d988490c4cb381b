// Package config loads the YAML configuration shared by testbedd, the
// profiler and testbed.Run.
//
// ABOUTME: Defaults come from DefaultConfig; a YAML file overrides any subset of
// them. Fields left out of the file keep their defaults. overlay_topology has
// no default: callers that configure a topology must call RequireOverlayTopology.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/topology"
)

// Unbounded marks a queue limit that never blocks admission.
const Unbounded = 0

// ErrMissingOverlayTopology is returned when a run needs a topology but none is configured.
var ErrMissingOverlayTopology = errors.New("testbed.overlay_topology is required")

// Config holds the resolved configuration.
type Config struct {
	ConfigPath       string
	Listen           string
	DBPath           string
	MetricsListen    string
	HostID           uint32
	HostsFile        string
	ControllerBinary string
	SSHKeyPath       string
	SSHKnownHosts    string
	Testbed          TestbedConfig
	PeerTemplate     models.PeerConfig
}

// TestbedConfig holds the limits and topology settings used by a Controller.
//
// Fields:
//   - MaxParallelOperations: Concurrent peer create/start/stop/destroy/info operations per controller
//   - MaxParallelServiceConnections: Concurrent service connect operations per controller
//   - MaxParallelTopologyConfigOperations: Concurrent overlay connects issued by one topology (0 = unbounded)
//   - MaxParallelOverlayConnects: Concurrent overlay connects touching one host
//   - OverlayRateLimit: Overlay connects started per second (0 = no pacing)
//   - OverlayTopology: Topology kind applied by Run and TestRun
//   - OverlayRandomLinks: Random links for RANDOM and SMALL_WORLD kinds
//   - OverlayTopologyFile: Adjacency file for FROM_FILE
//   - OverlayRetries: Extra attempts for a failed overlay connect
//   - ScaleFreeCap, ScaleFreeM: SCALE_FREE parameters
//   - SetupTimeout: Upper bound for bringing the testbed up
//   - BarrierQuorum: Default quorum percent for barriers created by Run
type TestbedConfig struct {
	MaxParallelOperations               int
	MaxParallelServiceConnections       int
	MaxParallelTopologyConfigOperations int
	MaxParallelOverlayConnects          int
	OverlayRateLimit                    float64
	OverlayTopology                     string
	OverlayRandomLinks                  int
	OverlayTopologyFile                 string
	OverlayRetries                      int
	ScaleFreeCap                        int
	ScaleFreeM                          int
	SetupTimeout                        time.Duration
	BarrierQuorum                       int
}

// FileConfig represents supported YAML config overrides.
type FileConfig struct {
	Daemon  DaemonFileConfig  `yaml:"daemon"`
	Testbed TestbedFileConfig `yaml:"testbed"`
	Peer    PeerFileConfig    `yaml:"peer"`
}

type DaemonFileConfig struct {
	Listen           string  `yaml:"listen"`
	DBPath           string  `yaml:"db_path"`
	MetricsListen    string  `yaml:"metrics_listen"`
	HostID           *uint32 `yaml:"host_id"`
	HostsFile        string  `yaml:"hosts_file"`
	ControllerBinary string  `yaml:"controller_binary"`
	SSHKeyPath       string  `yaml:"ssh_key_path"`
	SSHKnownHosts    string  `yaml:"ssh_known_hosts"`
}

type TestbedFileConfig struct {
	MaxParallelOperations               int           `yaml:"max_parallel_operations"`
	MaxParallelServiceConnections       int           `yaml:"max_parallel_service_connections"`
	MaxParallelTopologyConfigOperations *int          `yaml:"max_parallel_topology_config_operations"`
	MaxParallelOverlayConnects          int           `yaml:"max_parallel_overlay_connects"`
	OverlayRateLimit                    float64       `yaml:"overlay_rate_limit"`
	OverlayTopology                     string        `yaml:"overlay_topology"`
	OverlayRandomLinks                  int           `yaml:"overlay_random_links"`
	OverlayTopologyFile                 string        `yaml:"overlay_topology_file"`
	OverlayRetries                      int           `yaml:"overlay_retries"`
	ScaleFreeCap                        int           `yaml:"scale_free_cap"`
	ScaleFreeM                          int           `yaml:"scale_free_m"`
	SetupTimeout                        time.Duration `yaml:"setup_timeout"`
	BarrierQuorum                       *int          `yaml:"barrier_quorum"`
}

type PeerFileConfig struct {
	Template map[string]string `yaml:"template"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/testbed"
	return Config{
		ConfigPath:       "/etc/testbed/config.yaml",
		Listen:           "127.0.0.1:7411",
		DBPath:           filepath.Join(dataDir, "testbed.db"),
		MetricsListen:    "",
		HostID:           models.LocalHostID,
		ControllerBinary: "testbedd",
		Testbed: TestbedConfig{
			MaxParallelOperations:               64,
			MaxParallelServiceConnections:       256,
			MaxParallelTopologyConfigOperations: Unbounded,
			MaxParallelOverlayConnects:          1,
			SetupTimeout:                        5 * time.Minute,
			BarrierQuorum:                       100,
		},
		PeerTemplate: models.PeerConfig{},
	}
}

// Load reads the YAML config file and applies overrides to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	parsed, err := Parse(data)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", cfg.ConfigPath, err)
	}
	parsed.ConfigPath = cfg.ConfigPath
	return parsed, nil
}

// Parse applies YAML overrides to DefaultConfig and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyFileConfig(&cfg, fileCfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fileCfg FileConfig) {
	d := fileCfg.Daemon
	if d.Listen != "" {
		cfg.Listen = d.Listen
	}
	if d.DBPath != "" {
		cfg.DBPath = d.DBPath
	}
	if d.MetricsListen != "" {
		cfg.MetricsListen = d.MetricsListen
	}
	if d.HostID != nil {
		cfg.HostID = *d.HostID
	}
	if d.HostsFile != "" {
		cfg.HostsFile = d.HostsFile
	}
	if d.ControllerBinary != "" {
		cfg.ControllerBinary = d.ControllerBinary
	}
	if d.SSHKeyPath != "" {
		cfg.SSHKeyPath = d.SSHKeyPath
	}
	if d.SSHKnownHosts != "" {
		cfg.SSHKnownHosts = d.SSHKnownHosts
	}

	t := fileCfg.Testbed
	if t.MaxParallelOperations != 0 {
		cfg.Testbed.MaxParallelOperations = t.MaxParallelOperations
	}
	if t.MaxParallelServiceConnections != 0 {
		cfg.Testbed.MaxParallelServiceConnections = t.MaxParallelServiceConnections
	}
	if t.MaxParallelTopologyConfigOperations != nil {
		cfg.Testbed.MaxParallelTopologyConfigOperations = *t.MaxParallelTopologyConfigOperations
	}
	if t.MaxParallelOverlayConnects != 0 {
		cfg.Testbed.MaxParallelOverlayConnects = t.MaxParallelOverlayConnects
	}
	if t.OverlayRateLimit != 0 {
		cfg.Testbed.OverlayRateLimit = t.OverlayRateLimit
	}
	if t.OverlayTopology != "" {
		cfg.Testbed.OverlayTopology = strings.TrimSpace(t.OverlayTopology)
	}
	if t.OverlayRandomLinks != 0 {
		cfg.Testbed.OverlayRandomLinks = t.OverlayRandomLinks
	}
	if t.OverlayTopologyFile != "" {
		cfg.Testbed.OverlayTopologyFile = t.OverlayTopologyFile
	}
	if t.OverlayRetries != 0 {
		cfg.Testbed.OverlayRetries = t.OverlayRetries
	}
	if t.ScaleFreeCap != 0 {
		cfg.Testbed.ScaleFreeCap = t.ScaleFreeCap
	}
	if t.ScaleFreeM != 0 {
		cfg.Testbed.ScaleFreeM = t.ScaleFreeM
	}
	if t.SetupTimeout != 0 {
		cfg.Testbed.SetupTimeout = t.SetupTimeout
	}
	if t.BarrierQuorum != nil {
		cfg.Testbed.BarrierQuorum = *t.BarrierQuorum
	}

	for k, v := range fileCfg.Peer.Template {
		cfg.PeerTemplate[k] = v
	}
}

// Validate performs basic validation.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	return c.Testbed.Validate()
}

// Validate checks limits and, when set, the topology settings.
func (t TestbedConfig) Validate() error {
	if t.MaxParallelOperations <= 0 {
		return fmt.Errorf("max_parallel_operations must be positive")
	}
	if t.MaxParallelServiceConnections <= 0 {
		return fmt.Errorf("max_parallel_service_connections must be positive")
	}
	if t.MaxParallelTopologyConfigOperations < 0 {
		return fmt.Errorf("max_parallel_topology_config_operations must not be negative")
	}
	if t.MaxParallelOverlayConnects <= 0 {
		return fmt.Errorf("max_parallel_overlay_connects must be positive")
	}
	if t.OverlayRateLimit < 0 {
		return fmt.Errorf("overlay_rate_limit must not be negative")
	}
	if t.OverlayRandomLinks < 0 {
		return fmt.Errorf("overlay_random_links must not be negative")
	}
	if t.OverlayRetries < 0 {
		return fmt.Errorf("overlay_retries must not be negative")
	}
	if t.SetupTimeout < 0 {
		return fmt.Errorf("setup_timeout must not be negative")
	}
	if t.BarrierQuorum < 0 || t.BarrierQuorum > 100 {
		return fmt.Errorf("barrier_quorum must be within 0..100")
	}
	if t.OverlayTopology != "" {
		if _, err := t.TopologyKind(); err != nil {
			return err
		}
	}
	return nil
}

// TopologyKind parses OverlayTopology and checks the options the kind needs.
func (t TestbedConfig) TopologyKind() (topology.Kind, error) {
	kind, err := topology.ParseKind(t.OverlayTopology)
	if err != nil {
		return "", fmt.Errorf("overlay_topology: %w", err)
	}
	switch kind {
	case topology.FromFile:
		if strings.TrimSpace(t.OverlayTopologyFile) == "" {
			return "", fmt.Errorf("overlay_topology_file is required for %s", kind)
		}
	case topology.ScaleFree:
		if t.ScaleFreeCap <= 0 || t.ScaleFreeM <= 0 {
			return "", fmt.Errorf("scale_free_cap and scale_free_m are required for %s", kind)
		}
	}
	return kind, nil
}

// RequireOverlayTopology returns the configured topology or
// ErrMissingOverlayTopology when none is set.
func (t TestbedConfig) RequireOverlayTopology() (topology.Kind, error) {
	if strings.TrimSpace(t.OverlayTopology) == "" {
		return "", ErrMissingOverlayTopology
	}
	return t.TopologyKind()
}

// TopologyOptions returns the generator options for the configured topology.
func (t TestbedConfig) TopologyOptions() topology.Options {
	return topology.Options{
		RandomLinks:  t.OverlayRandomLinks,
		File:         t.OverlayTopologyFile,
		ScaleFreeCap: t.ScaleFreeCap,
		ScaleFreeM:   t.ScaleFreeM,
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
