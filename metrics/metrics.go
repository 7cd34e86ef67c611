package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the recovery and journal managers and
// the HTTP layer in front of them. A nil *Metrics records nothing.
type Metrics struct {
	// Manager operation latencies by operation and outcome
	OperationLatency *prometheus.HistogramVec

	// Audit entries written by kind ("recovery", "journal")
	AuditEntries *prometheus.CounterVec

	// Audit events that could not be published after commit
	AuditPublishFailures prometheus.Counter

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge
}

// New registers every metric with reg. Pass prometheus.DefaultRegisterer in
// the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recoveries_operation_duration_seconds",
			Help:    "Duration of manager operations by operation and outcome",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation", "outcome"}),

		AuditEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recoveries_audit_entries_total",
			Help: "Total audit entries committed by kind",
		}, []string{"kind"}),

		AuditPublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "recoveries_audit_publish_failures_total",
			Help: "Audit events that failed to publish after commit",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recoveries_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recoveries_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		HTTPInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recoveries_http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
	}
}

// ObserveOperation records how long a manager operation took. outcome is
// "ok" or the error category.
func (m *Metrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m != nil {
		m.OperationLatency.WithLabelValues(operation, outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) AddAuditEntries(kind string, n int) {
	if m != nil && n > 0 {
		m.AuditEntries.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) IncrementAuditPublishFailure() {
	if m != nil {
		m.AuditPublishFailures.Inc()
	}
}

func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m != nil {
		m.HTTPRequests.WithLabelValues(method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
	}
}

func (m *Metrics) InFlight(delta float64) {
	if m != nil {
		m.HTTPInFlight.Add(delta)
	}
}
