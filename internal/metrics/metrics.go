package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the API and the relay.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          *prometheus.CounterVec
	uploadTargetsIssued    prometheus.Counter
	uploadsCompleted       prometheus.Counter
	uploadsFailed          prometheus.Counter
	uploadTargetsAbandoned prometheus.Counter
	uploadsReconciled      prometheus.Counter
	relayConnections       prometheus.Gauge
	relayForwarded         prometheus.Counter
	relayDropped           *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "podster_http_requests_total",
			Help: "HTTP requests by route and status class",
		}, []string{"route", "status"}),
		uploadTargetsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podster_upload_targets_issued_total",
			Help: "Multipart upload targets created",
		}),
		uploadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podster_uploads_completed_total",
			Help: "Multipart uploads finalized and recorded",
		}),
		uploadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podster_uploads_failed_total",
			Help: "Finalize attempts rejected by storage or state update",
		}),
		uploadTargetsAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podster_upload_targets_abandoned_total",
			Help: "Expired upload targets reclaimed",
		}),
		uploadsReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podster_uploads_reconciled_total",
			Help: "Tracks completed from storage state after a failed state update",
		}),
		relayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "podster_relay_connections",
			Help: "Open relay connections",
		}),
		relayForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podster_relay_forwarded_total",
			Help: "Signaling messages delivered to a target connection",
		}),
		relayDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "podster_relay_dropped_total",
			Help: "Signaling messages not delivered",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.uploadTargetsIssued,
		m.uploadsCompleted,
		m.uploadsFailed,
		m.uploadTargetsAbandoned,
		m.uploadsReconciled,
		m.relayConnections,
		m.relayForwarded,
		m.relayDropped,
	)
	return m
}

func (m *Metrics) IncRequest(route, statusClass string) {
	m.requestsTotal.WithLabelValues(route, statusClass).Inc()
}

func (m *Metrics) IncUploadTargetsIssued() {
	m.uploadTargetsIssued.Inc()
}

func (m *Metrics) IncUploadsCompleted() {
	m.uploadsCompleted.Inc()
}

func (m *Metrics) IncUploadsFailed() {
	m.uploadsFailed.Inc()
}

func (m *Metrics) IncUploadTargetsAbandoned() {
	m.uploadTargetsAbandoned.Inc()
}

func (m *Metrics) IncUploadsReconciled() {
	m.uploadsReconciled.Inc()
}

func (m *Metrics) RelayConnected() {
	m.relayConnections.Inc()
}

func (m *Metrics) RelayDisconnected() {
	m.relayConnections.Dec()
}

func (m *Metrics) IncRelayForwarded() {
	m.relayForwarded.Inc()
}

func (m *Metrics) IncRelayDropped(reason string) {
	m.relayDropped.WithLabelValues(reason).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
