package infra

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	upstreamRequests *prometheus.CounterVec
	circuitOpen      prometheus.Gauge
	tradesTotal      *prometheus.CounterVec
	alertsTriggered  *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	wsConnections    prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crypsync_price_cache_hits_total",
			Help: "Price lookups served from a valid cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crypsync_price_cache_misses_total",
			Help: "Price lookups that required a refresh",
		}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crypsync_upstream_requests_total",
			Help: "Upstream quote requests by outcome",
		}, []string{"outcome"}),
		circuitOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crypsync_circuit_open",
			Help: "1 when the upstream circuit breaker is open",
		}),
		tradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crypsync_trades_total",
			Help: "Completed simulated trades by side",
		}, []string{"side"}),
		alertsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crypsync_alerts_triggered_total",
			Help: "Alert transitions to TRIGGERED by kind",
		}, []string{"kind"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crypsync_errors_total",
			Help: "Failed core operations by error kind",
		}, []string{"kind"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crypsync_ws_connections",
			Help: "Open websocket subscribers",
		}),
	}

	m.registry.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.upstreamRequests,
		m.circuitOpen,
		m.tradesTotal,
		m.alertsTriggered,
		m.errorsTotal,
		m.wsConnections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry (for tests and extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordCacheHit records a price lookup served from cache.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordCacheMiss records a price lookup that needed a refresh.
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// RecordUpstream records an upstream call outcome ("success", "error", "rejected").
func (m *Metrics) RecordUpstream(outcome string) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(outcome).Inc()
}

// SetCircuitState sets the circuit breaker state (true = open).
func (m *Metrics) SetCircuitState(open bool) {
	if m == nil {
		return
	}
	if open {
		m.circuitOpen.Set(1)
	} else {
		m.circuitOpen.Set(0)
	}
}

// RecordTrade records a completed trade.
func (m *Metrics) RecordTrade(side string) {
	if m == nil {
		return
	}
	m.tradesTotal.WithLabelValues(side).Inc()
}

// RecordAlertTriggered records an alert transition.
func (m *Metrics) RecordAlertTriggered(kind string) {
	if m == nil {
		return
	}
	m.alertsTriggered.WithLabelValues(kind).Inc()
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	if m == nil {
		return
	}
	m.wsConnections.Dec()
}
