// ABOUTME: testbedd serves the testbed service of one host over the v1 HTTP API.
// ABOUTME: Controllers started by the testbed run it with -announce and read "READY <addr>".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/testbed/testbed/internal/buildinfo"
	"github.com/testbed/testbed/internal/config"
	"github.com/testbed/testbed/internal/daemon"
	"github.com/testbed/testbed/internal/db"
	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/testbed"
)

type options struct {
	showVersion bool
	configPath  string
	listen      string
	dbPath      string
	hostID      int64
	trusted     string
	announce    bool
	rateQPS     float64
	rateBurst   int
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "testbedd:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runDaemon(ctx, cfg, opts, stdout, stderr)
}

func runDaemon(ctx context.Context, cfg config.Config, opts options, stdout, stderr io.Writer) error {
	logger := log.New(stderr, "", log.LstdFlags)
	if cfg.ConfigPath != "" {
		warning, err := config.CheckConfigPermissions(cfg.ConfigPath)
		if err != nil {
			return err
		}
		if warning != "" {
			logger.Printf("testbedd: warning: %s", warning)
		}
	}

	var announce io.Writer
	if opts.announce {
		announce = stdout
	}
	return daemon.Run(ctx, cfg, daemon.Options{
		Trusted:        opts.trusted,
		Announce:       announce,
		SlaveStarter:   slaveStarter(cfg, opts, logger),
		RateLimitQPS:   opts.rateQPS,
		RateLimitBurst: opts.rateBurst,
		Version:        buildinfo.Version,
		Logger:         logger,
	})
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("testbedd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	fs.StringVar(&opts.configPath, "config", "", "path to config file")
	fs.StringVar(&opts.listen, "listen", "", "API listen address (host:port)")
	fs.StringVar(&opts.dbPath, "db", "", "sqlite database path (\":memory:\" for none)")
	fs.Int64Var(&opts.hostID, "host-id", -1, "id of the host this service runs on")
	fs.StringVar(&opts.trusted, "trusted", "", "comma separated IPs or CIDRs allowed besides loopback")
	fs.BoolVar(&opts.announce, "announce", false, "print READY <addr> on stdout once listening")
	fs.Float64Var(&opts.rateQPS, "rate-limit", 0, "per-IP requests per second (0 = unlimited)")
	fs.IntVar(&opts.rateBurst, "rate-burst", 20, "per-IP request burst")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.hostID > int64(^uint32(0)) {
		return options{}, fmt.Errorf("host-id %d out of range", opts.hostID)
	}
	return opts, nil
}

// loadConfig resolves the configuration and applies flag overrides. The
// default config file is read when present. A controller started with
// -announce and no -config keeps nothing on disk.
func loadConfig(opts options) (config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configPath == "" && !opts.announce {
		if _, err := os.Stat(cfg.ConfigPath); err == nil {
			opts.configPath = cfg.ConfigPath
		}
	}
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg.ConfigPath = ""
		if opts.announce {
			cfg.DBPath = db.MemoryPath
		}
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if opts.hostID >= 0 {
		cfg.HostID = uint32(opts.hostID)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// slaveStarter starts subordinate controllers the way testbed.Run starts the
// master one: locally with os/exec, remotely over SSH.
func slaveStarter(cfg config.Config, opts options, logger *log.Logger) daemon.SlaveStarter {
	registry := testbed.NewHostRegistry()
	sshOpts := testbed.SSHOptions{KeyPath: cfg.SSHKeyPath, KnownHostsPath: cfg.SSHKnownHosts}
	return func(ctx context.Context, spec models.HostSpec) (string, func() error, error) {
		host, ok := registry.Lookup(spec.ID)
		if !ok {
			var err error
			host, err = registry.CreateWithID(spec.ID, spec.Hostname, spec.Username, cfg.PeerTemplate, spec.Port)
			if err != nil {
				return "", nil, err
			}
		}
		trusted := opts.trusted
		if !host.IsLocal() {
			if own := testbed.TrustedAddrFor(host.Hostname()); !strings.Contains(trusted, own) {
				trusted = strings.Trim(trusted+","+own, ",")
			}
		}
		proc, addr, err := testbed.SpawnController(ctx, trusted, host, testbed.StartOptions{
			Binary:  cfg.ControllerBinary,
			SSH:     sshOpts,
			Timeout: time.Minute,
			Logger:  logger,
		})
		if err != nil {
			return "", nil, err
		}
		host.SetControllerAddr(addr)
		return addr, proc.Stop, nil
	}
}
