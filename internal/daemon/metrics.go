package daemon

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/testbed/testbed/internal/models"
	"github.com/testbed/testbed/internal/service"
)

// Metrics collects Prometheus counters and histograms for testbedd. It
// implements service.Recorder.
type Metrics struct {
	registry              *prometheus.Registry
	peerTransitionsTotal  *prometheus.CounterVec
	overlayConnectsTotal  *prometheus.CounterVec
	barrierStatusTotal    *prometheus.CounterVec
	httpRequestsTotal     *prometheus.CounterVec
	httpRequestSeconds    *prometheus.HistogramVec
	barrierStreamsWaiting prometheus.Gauge
}

var _ service.Recorder = (*Metrics)(nil)

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	peerTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testbedd",
			Subsystem: "peer",
			Name:      "transitions_total",
			Help:      "Total number of peer state transitions.",
		},
		[]string{"from", "to"},
	)
	overlayConnectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testbedd",
			Subsystem: "overlay",
			Name:      "connects_total",
			Help:      "Total number of overlay connect requests by result.",
		},
		[]string{"result"},
	)
	barrierStatusTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testbedd",
			Subsystem: "barrier",
			Name:      "status_total",
			Help:      "Total barrier status changes.",
		},
		[]string{"status"},
	)
	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testbedd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total v1 API requests by method and status code.",
		},
		[]string{"method", "code"},
	)
	httpRequestSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "testbedd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time spent serving v1 API requests.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method"},
	)
	barrierStreamsWaiting := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "testbedd",
			Subsystem: "barrier",
			Name:      "streams_waiting",
			Help:      "Barrier websocket streams waiting for a terminal status.",
		},
	)

	registry.MustRegister(
		peerTransitionsTotal,
		overlayConnectsTotal,
		barrierStatusTotal,
		httpRequestsTotal,
		httpRequestSeconds,
		barrierStreamsWaiting,
	)

	return &Metrics{
		registry:              registry,
		peerTransitionsTotal:  peerTransitionsTotal,
		overlayConnectsTotal:  overlayConnectsTotal,
		barrierStatusTotal:    barrierStatusTotal,
		httpRequestsTotal:     httpRequestsTotal,
		httpRequestSeconds:    httpRequestSeconds,
		barrierStreamsWaiting: barrierStreamsWaiting,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PeerTransition(from, to models.PeerState) {
	if m == nil {
		return
	}
	m.peerTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) OverlayConnect(result string) {
	if m == nil {
		return
	}
	m.overlayConnectsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) BarrierStatus(status models.BarrierStatus) {
	if m == nil {
		return
	}
	m.barrierStatusTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) streamOpened() {
	if m == nil {
		return
	}
	m.barrierStreamsWaiting.Inc()
}

func (m *Metrics) streamClosed() {
	if m == nil {
		return
	}
	m.barrierStreamsWaiting.Dec()
}

// Wrap records request counts and latency.
func (m *Metrics) Wrap(next http.Handler) http.Handler {
	if m == nil || next == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpRequestSeconds.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder remembers the response status. It forwards Hijack so
// websocket upgrades keep working behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
