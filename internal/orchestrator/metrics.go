package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the workflow engine. All metrics
// use the coral_workflow_ namespace.
type Metrics struct {
	WorkflowsTotal   *prometheus.CounterVec
	WorkflowDuration *prometheus.HistogramVec
	TasksTotal       *prometheus.CounterVec
	TasksDispatched  *prometheus.CounterVec
	TaskDuration     prometheus.Histogram
	TaskRetries      prometheus.Counter
	TaskTimeouts     prometheus.Counter
	ActiveWorkflows  prometheus.Gauge
}

// NewMetrics creates and registers engine metrics on the given
// registry. Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coral",
			Subsystem: "workflow",
			Name:      "total",
			Help:      "Total workflows by final status.",
		}, []string{"status"}),

		WorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coral",
			Subsystem: "workflow",
			Name:      "duration_seconds",
			Help:      "Workflow total duration in seconds.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"status"}),

		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coral",
			Subsystem: "workflow",
			Name:      "tasks_total",
			Help:      "Total task outcomes by status.",
		}, []string{"status"}),

		TasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coral",
			Subsystem: "workflow",
			Name:      "tasks_dispatched_total",
			Help:      "Total task dispatches by capability.",
		}, []string{"capability"}),

		TaskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coral",
			Subsystem: "workflow",
			Name:      "task_duration_seconds",
			Help:      "Task duration from assignment to completion.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		TaskRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coral",
			Subsystem: "workflow",
			Name:      "task_retries_total",
			Help:      "Total task retry dispatches.",
		}),

		TaskTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coral",
			Subsystem: "workflow",
			Name:      "task_timeouts_total",
			Help:      "Tasks failed by the watchdog.",
		}),

		ActiveWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coral",
			Subsystem: "workflow",
			Name:      "active_workflows",
			Help:      "Number of workflows not yet in a terminal state.",
		}),
	}

	reg.MustRegister(
		m.WorkflowsTotal,
		m.WorkflowDuration,
		m.TasksTotal,
		m.TasksDispatched,
		m.TaskDuration,
		m.TaskRetries,
		m.TaskTimeouts,
		m.ActiveWorkflows,
	)

	return m
}
