// Package daemon runs testbedd: the testbed service of one host behind the
// v1 HTTP API.
//
// ABOUTME: A Server wraps a service.Local with the ControlAPI, the trusted
// address filter, optional rate limiting and Prometheus metrics. Peer state,
// hosts and barrier records are persisted to sqlite through internal/db.
//
// ABOUTME: Controllers started by testbed.StartController run testbedd with
// -announce; the daemon then prints "READY <addr>" once it accepts requests.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/testbed/testbed/internal/config"
	"github.com/testbed/testbed/internal/db"
	"github.com/testbed/testbed/internal/service"
)

const (
	shutdownTimeout = 5 * time.Second
)

// Options configures a Server beyond what the configuration file holds.
//
// Fields:
//   - Trusted: Comma separated IPs or CIDRs allowed besides loopback
//   - Announce: Receives "READY <addr>" once the API listens (nil = silent)
//   - SlaveStarter: Starts subordinate controllers for Link (nil = links to running controllers only)
//   - Dial: Reaches other controllers (defaults to internal/client)
//   - RateLimitQPS, RateLimitBurst: Per-IP request limit (0 = disabled)
//   - Version: Version reported by /v1/info
//   - Logger: Destination for daemon messages
type Options struct {
	Trusted        string
	Announce       io.Writer
	SlaveStarter   SlaveStarter
	Dial           DialFunc
	RateLimitQPS   float64
	RateLimitBurst int
	Version        string
	Logger         *log.Logger
}

// Server is a running testbedd.
type Server struct {
	cfg             config.Config
	opts            Options
	logger          *log.Logger
	store           *db.Store
	local           *service.Local
	metrics         *Metrics
	slaves          *slaveManager
	listener        net.Listener
	metricsListener net.Listener
	server          *http.Server
	metricsServer   *http.Server
	stopOnce        sync.Once
	stopCh          chan struct{}
}

// Run opens the store, binds listeners, and serves until ctx is canceled or a
// client requested /v1/shutdown.
func Run(ctx context.Context, cfg config.Config, opts Options) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	srv, err := NewServer(cfg, store, opts)
	if err != nil {
		_ = store.Close()
		return err
	}
	return srv.Serve(ctx)
}

// NewServer constructs a server with bound listeners. The server owns store.
func NewServer(cfg config.Config, store *db.Store, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	trusted, err := NewTrustedAccess(opts.Trusted)
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	var metricsListener net.Listener
	if cfg.MetricsListen != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
	}

	s := &Server{
		cfg:             cfg,
		opts:            opts,
		logger:          logger,
		store:           store,
		metrics:         NewMetrics(),
		listener:        listener,
		metricsListener: metricsListener,
		stopCh:          make(chan struct{}),
	}
	s.slaves = newSlaveManager(opts.SlaveStarter, opts.Dial, logger)
	s.local = service.NewLocal(cfg.HostID, store, logger).
		WithSlaveFactory(s.slaves.factory).
		WithRecorder(s.metrics).
		WithVersion(opts.Version)

	handler := newHandler(s.local, store, s.metrics, logger, s.requestStop)
	handler = NewIPRateLimiter(opts.RateLimitQPS, opts.RateLimitBurst).Wrap(handler)
	handler = trusted.Wrap(handler)
	s.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	if metricsListener != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return s, nil
}

// newHandler builds the API handler for svc, without the access filters.
func newHandler(svc service.Service, store *db.Store, metrics *Metrics, logger *log.Logger, onShutdown func()) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	NewControlAPI(svc, logger).
		WithStore(store).
		WithMetrics(metrics).
		WithShutdownHook(onShutdown).
		Register(mux)
	return metrics.Wrap(mux)
}

// Addr returns the API listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Local returns the service behind the API.
func (s *Server) Local() *service.Local {
	return s.local
}

// Serve blocks until shutdown or a listener error occurs.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Printf("testbedd: host %d listening on %s", s.cfg.HostID, s.Addr())
	if s.opts.Announce != nil {
		if _, err := fmt.Fprintf(s.opts.Announce, "READY %s\n", s.Addr()); err != nil {
			s.logger.Printf("testbedd: announce address: %v", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreClosed(s.server.Serve(s.listener))
	})
	if s.metricsServer != nil {
		s.logger.Printf("testbedd: metrics on %s", s.metricsListener.Addr())
		g.Go(func() error {
			return ignoreClosed(s.metricsServer.Serve(s.metricsListener))
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.stopCh:
		}
		s.shutdown()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// requestStop ends Serve after the current request was answered.
func (s *Server) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if err := s.local.Shutdown(ctx); err != nil {
		s.logger.Printf("testbedd: shutdown service: %v", err)
	}
	if err := s.slaves.stopAll(); err != nil {
		s.logger.Printf("testbedd: stop subordinate controllers: %v", err)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	s.logger.Printf("testbedd: stopped")
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
