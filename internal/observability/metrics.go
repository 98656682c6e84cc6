package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics holds the Prometheus metrics for the HTTP gateway.
// Registered on an injected registry so the process exposes a single
// /metrics endpoint for all subsystems.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
}

// NewHTTPMetrics creates the gateway metrics and registers them on reg.
// A nil registry skips registration, useful in tests.
func NewHTTPMetrics(reg *prometheus.Registry) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coral",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coral",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coral",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Number of HTTP requests currently in flight.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.ActiveRequests,
		)
	}

	return m
}
