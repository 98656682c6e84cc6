package registry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the registry. All metrics use
// the coral_registry_ namespace.
type Metrics struct {
	RegisteredWorkers prometheus.Gauge
	RoutedTotal       *prometheus.CounterVec
	DiscoveryQueries  prometheus.Counter
	Broadcasts        prometheus.Counter
	ThreadsSwept      prometheus.Counter
}

// NewMetrics creates and registers registry metrics on the given
// registry. Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		RegisteredWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coral",
			Subsystem: "registry",
			Name:      "workers",
			Help:      "Number of registered workers.",
		}),

		RoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coral",
			Subsystem: "registry",
			Name:      "routed_total",
			Help:      "Envelopes routed by message type and delivery status.",
		}, []string{"message_type", "status"}),

		DiscoveryQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coral",
			Subsystem: "registry",
			Name:      "discovery_queries_total",
			Help:      "Total capability discovery queries.",
		}),

		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coral",
			Subsystem: "registry",
			Name:      "broadcasts_total",
			Help:      "Total broadcast fan-outs.",
		}),

		ThreadsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coral",
			Subsystem: "registry",
			Name:      "threads_swept_total",
			Help:      "Idle threads removed by the audit sweeper.",
		}),
	}

	reg.MustRegister(
		m.RegisteredWorkers,
		m.RoutedTotal,
		m.DiscoveryQueries,
		m.Broadcasts,
		m.ThreadsSwept,
	)

	return m
}
