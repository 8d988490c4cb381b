package testbed

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus gauges and counters for a testbed run. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry             *prometheus.Registry
	queueActive          *prometheus.GaugeVec
	queueWaiting         *prometheus.GaugeVec
	operationsTotal      *prometheus.CounterVec
	eventsTotal          *prometheus.CounterVec
	topologyLinksTotal   *prometheus.CounterVec
	barrierOutcomesTotal *prometheus.CounterVec
	habitabilityTotal    *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	queueActive := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "testbed",
			Subsystem: "queue",
			Name:      "active_units",
			Help:      "Resource units held by admitted operations.",
		},
		[]string{"queue"},
	)
	queueWaiting := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "testbed",
			Subsystem: "queue",
			Name:      "waiting_operations",
			Help:      "Operations waiting for admission.",
		},
		[]string{"queue"},
	)
	operationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testbed",
			Subsystem: "operation",
			Name:      "completed_total",
			Help:      "Operations that reported a result.",
		},
		[]string{"kind", "result"},
	)
	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testbed",
			Subsystem: "controller",
			Name:      "events_total",
			Help:      "Events delivered to controller callbacks.",
		},
		[]string{"type"},
	)
	topologyLinksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testbed",
			Subsystem: "topology",
			Name:      "links_total",
			Help:      "Overlay links attempted by the topology configurator.",
		},
		[]string{"result"},
	)
	barrierOutcomesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testbed",
			Subsystem: "barrier",
			Name:      "status_total",
			Help:      "Barrier status notifications.",
		},
		[]string{"status"},
	)
	habitabilityTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "testbed",
			Subsystem: "host",
			Name:      "habitability_checks_total",
			Help:      "Host habitability checks by result.",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		queueActive,
		queueWaiting,
		operationsTotal,
		eventsTotal,
		topologyLinksTotal,
		barrierOutcomesTotal,
		habitabilityTotal,
	)

	return &Metrics{
		registry:             registry,
		queueActive:          queueActive,
		queueWaiting:         queueWaiting,
		operationsTotal:      operationsTotal,
		eventsTotal:          eventsTotal,
		topologyLinksTotal:   topologyLinksTotal,
		barrierOutcomesTotal: barrierOutcomesTotal,
		habitabilityTotal:    habitabilityTotal,
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeQueue(name string, active, waiting int) {
	if m == nil {
		return
	}
	m.queueActive.WithLabelValues(name).Set(float64(active))
	m.queueWaiting.WithLabelValues(name).Set(float64(waiting))
}

func (m *Metrics) forgetQueue(name string) {
	if m == nil {
		return
	}
	m.queueActive.DeleteLabelValues(name)
	m.queueWaiting.DeleteLabelValues(name)
}

func (m *Metrics) incOperation(kind string, err error) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(kind, resultLabel(err)).Inc()
}

func (m *Metrics) incEvent(ev Event) {
	if m == nil || ev == nil {
		return
	}
	m.eventsTotal.WithLabelValues(ev.Type().String()).Inc()
}

func (m *Metrics) addTopologyLinks(successes, failures int) {
	if m == nil {
		return
	}
	m.topologyLinksTotal.WithLabelValues("success").Add(float64(successes))
	m.topologyLinksTotal.WithLabelValues("failure").Add(float64(failures))
}

func (m *Metrics) incBarrier(status string) {
	if m == nil {
		return
	}
	m.barrierOutcomesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) incHabitability(habitable bool) {
	if m == nil {
		return
	}
	result := "habitable"
	if !habitable {
		result = "uninhabitable"
	}
	m.habitabilityTotal.WithLabelValues(result).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
