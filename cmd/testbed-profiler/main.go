// ABOUTME: testbed-profiler brings up a testbed, applies an overlay topology and
// ABOUTME: optionally synchronises every peer on a barrier, then reports timings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/testbed/testbed/internal/buildinfo"
	"github.com/testbed/testbed/internal/config"
	"github.com/testbed/testbed/internal/testbed"
)

// Exit codes understood by test runners.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitSkipped = 77
)

const usageText = `testbed-profiler measures testbed setup and barrier synchronisation.

Usage:
  testbed-profiler -version
  testbed-profiler [-config PATH] -peers N [-topology KIND] [-random-links N]
                   [-timeout DURATION] [-tolerate N] [-barrier NAME [-quorum PCT]]
                   [-distributed] [-metrics-listen ADDR] [-topology-out PATH]

A host that cannot run the testbed exits with status 77 (skipped).

Flags:
`

type options struct {
	showVersion   bool
	configPath    string
	peers         int
	topology      string
	randomLinks   int
	timeout       time.Duration
	tolerate      int
	barrier       string
	quorum        int
	distributed   bool
	metricsListen string
	topologyOut   string
	verbose       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, "testbed-profiler:", err)
		return exitUsage
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, buildinfo.String())
		return exitOK
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(stderr, "testbed-profiler:", err)
		return exitFailure
	}
	if opts.quorum < 0 {
		opts.quorum = cfg.Testbed.BarrierQuorum
	}

	logOut := io.Discard
	if opts.verbose {
		logOut = stderr
	}
	logger := log.New(logOut, "", log.LstdFlags)
	metrics := testbed.NewMetrics()
	if opts.metricsListen != "" {
		stopMetrics, err := serveMetrics(opts.metricsListen, metrics, logger)
		if err != nil {
			fmt.Fprintln(stderr, "testbed-profiler:", err)
			return exitFailure
		}
		defer stopMetrics()
	}

	p := newProfile(opts, newProgress(stderr))
	runOpts := testbed.RunOptions{
		Config:    cfg,
		NumPeers:  opts.peers,
		EventMask: testbed.Mask(testbed.EventConnect, testbed.EventOperationFinished),
		Handler:   p.handleEvent,
		Logger:    logger,
		Metrics:   metrics,
	}
	if opts.distributed {
		runOpts.Start = testbed.StartOptions{Binary: cfg.ControllerBinary, Logger: logger}
		err = testbed.Run(ctx, runOpts, p.master)
	} else {
		err = testbed.TestRun(ctx, "profiler", runOpts, p.master)
	}
	p.progress.Done()
	if err != nil {
		fmt.Fprintln(stderr, "testbed-profiler:", err)
		return exitCode(err)
	}
	if opts.topologyOut != "" {
		if err := p.writeOverlay(opts.topologyOut); err != nil {
			fmt.Fprintln(stderr, "testbed-profiler:", err)
			return exitFailure
		}
	}
	p.report(stdout)
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, testbed.ErrHostNotHabitable):
		return exitSkipped
	default:
		return exitFailure
	}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("testbed-profiler", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	fs.StringVar(&opts.configPath, "config", "", "path to config file")
	fs.IntVar(&opts.peers, "peers", 0, "number of peers to start")
	fs.StringVar(&opts.topology, "topology", "", "overlay topology (overrides testbed.overlay_topology)")
	fs.IntVar(&opts.randomLinks, "random-links", 0, "random links for RANDOM and SMALL_WORLD topologies")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "abort the profile after this long once peers are up")
	fs.IntVar(&opts.tolerate, "tolerate", 0, "failed overlay links to tolerate before aborting")
	fs.StringVar(&opts.barrier, "barrier", "", "barrier every peer waits on after the topology is up")
	fs.IntVar(&opts.quorum, "quorum", -1, "barrier quorum percent (defaults to testbed.barrier_quorum)")
	fs.BoolVar(&opts.distributed, "distributed", false, "start controllers on the configured hosts instead of in-process")
	fs.StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this loopback address")
	fs.StringVar(&opts.topologyOut, "topology-out", "", "write the established overlay links to this file")
	fs.BoolVar(&opts.verbose, "v", false, "log testbed progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	if opts.showVersion {
		return opts, nil
	}
	if opts.peers <= 0 {
		return options{}, fmt.Errorf("-peers must be positive")
	}
	if opts.tolerate < 0 {
		return options{}, fmt.Errorf("-tolerate must not be negative")
	}
	if opts.quorum > 100 {
		return options{}, fmt.Errorf("-quorum must be within 0..100")
	}
	if opts.timeout <= 0 {
		return options{}, fmt.Errorf("-timeout must be positive")
	}
	return opts, nil
}

func loadConfig(opts options) (config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if opts.topology != "" {
		cfg.Testbed.OverlayTopology = opts.topology
	}
	if opts.randomLinks > 0 {
		cfg.Testbed.OverlayRandomLinks = opts.randomLinks
	}
	return cfg, nil
}

func serveMetrics(addr string, metrics *testbed.Metrics, logger *log.Logger) (func(), error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("metrics-listen: %w", err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return nil, fmt.Errorf("metrics-listen must be a loopback address, got %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("testbed-profiler: metrics server: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
