package infra

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the services export.
// All methods are safe on a nil *Metrics so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	orderProcessing    *prometheus.HistogramVec
	outboxPending      prometheus.Gauge
	outboxPublish      prometheus.Histogram
	outboxPublished    prometheus.Counter
	outboxFailures     prometheus.Counter
	rateLimitDecisions *prometheus.CounterVec
	gatewayConnections prometheus.Gauge
	gatewayEvents      *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		orderProcessing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "order_processing_duration_seconds",
			Help:    "Time to match and persist one order command.",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"symbol", "result"}),
		outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_events",
			Help: "Outbox rows not yet published.",
		}),
		outboxPublish: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_publish_duration_seconds",
			Help:    "Time to publish one outbox batch.",
			Buckets: prometheus.DefBuckets,
		}),
		outboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_published_events_total",
			Help: "Outbox rows marked published.",
		}),
		outboxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Outbox batches that failed to publish.",
		}),
		rateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limiter outcomes by bucket scope.",
		}, []string{"scope", "decision"}),
		gatewayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Open websocket connections.",
		}),
		gatewayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Market events fanned out by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.httpRequests, m.httpDuration, m.orderProcessing,
		m.outboxPending, m.outboxPublish, m.outboxPublished, m.outboxFailures,
		m.rateLimitDecisions, m.gatewayConnections, m.gatewayEvents,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveOrder records the processing time of one command.
func (m *Metrics) ObserveOrder(symbol, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.orderProcessing.WithLabelValues(symbol, result).Observe(elapsed.Seconds())
}

// SetOutboxPending sets the backlog gauge.
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

// ObserveOutboxBatch records one publish attempt of n rows.
func (m *Metrics) ObserveOutboxBatch(n int, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.outboxPublish.Observe(elapsed.Seconds())
	if err != nil {
		m.outboxFailures.Inc()
		return
	}
	m.outboxPublished.Add(float64(n))
}

// RecordRateLimit counts an allow/deny/error decision for a bucket scope.
func (m *Metrics) RecordRateLimit(scope, decision string) {
	if m == nil {
		return
	}
	m.rateLimitDecisions.WithLabelValues(scope, decision).Inc()
}

// IncrementConnections increments open websocket connections by 1.
func (m *Metrics) IncrementConnections() {
	if m == nil {
		return
	}
	m.gatewayConnections.Inc()
}

// DecrementConnections decrements open websocket connections by 1.
func (m *Metrics) DecrementConnections() {
	if m == nil {
		return
	}
	m.gatewayConnections.Dec()
}

// RecordGatewayEvent counts one fanned-out event.
func (m *Metrics) RecordGatewayEvent(eventType string) {
	if m == nil {
		return
	}
	m.gatewayEvents.WithLabelValues(eventType).Inc()
}
