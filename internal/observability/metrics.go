package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Sanduku.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session lifecycle metrics.
	SessionsActive          prometheus.Gauge
	SessionsCreatedTotal    *prometheus.CounterVec
	SessionsTerminatedTotal *prometheus.CounterVec

	// Command metrics.
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxesInUse           prometheus.Gauge
	SandboxProvisionsTotal   *prometheus.CounterVec
	SandboxProvisionDuration prometheus.Histogram

	// Reaper metrics.
	ReaperSweepDuration  prometheus.Histogram
	ReaperReclaimedTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of live (non-terminated) sessions.",
		}),

		SessionsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total sessions created.",
		}, []string{"type"}),

		SessionsTerminatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "sessions",
			Name:      "terminated_total",
			Help:      "Total sessions terminated.",
		}, []string{"reason"}),

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "commands",
			Name:      "total",
			Help:      "Total commands dispatched, by terminal status.",
		}, []string{"type", "status"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Command execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"type"}),

		SandboxesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "in_use",
			Help:      "Number of provisioned sandboxes.",
		}),

		SandboxProvisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "provisions_total",
			Help:      "Total sandbox provisioning attempts.",
		}, []string{"status"}),

		SandboxProvisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "sandbox",
			Name:      "provision_duration_seconds",
			Help:      "Sandbox provisioning duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),

		ReaperSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Reaper sweep duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		ReaperReclaimedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "reaper",
			Name:      "reclaimed_total",
			Help:      "Total sessions reclaimed by the reaper.",
		}, []string{"cause"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sanduku",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sanduku",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SessionsActive,
		m.SessionsCreatedTotal,
		m.SessionsTerminatedTotal,
		m.CommandsTotal,
		m.CommandDuration,
		m.SandboxesInUse,
		m.SandboxProvisionsTotal,
		m.SandboxProvisionDuration,
		m.ReaperSweepDuration,
		m.ReaperReclaimedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
