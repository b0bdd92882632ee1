package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Daraja.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Chat completion metrics.
	ChatRequestsTotal   *prometheus.CounterVec
	ChatRequestDuration *prometheus.HistogramVec
	TokensUsed          *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Provider metrics.
	ProviderHealth   *prometheus.GaugeVec
	RateLimitedTotal *prometheus.CounterVec

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

		ChatRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Total chat completion requests.",
		}, []string{"provider", "model", "status"}),

		ChatRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daraja",
			Subsystem: "chat",
			Name:      "request_duration_seconds",
			Help:      "Chat completion duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "chat",
			Name:      "tokens_used_total",
			Help:      "Total tokens consumed, estimated for backends without real usage.",
		}, []string{"provider", "model", "direction"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox invocations.",
		}, []string{"backend", "outcome"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daraja",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox invocation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"backend"}),

		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "daraja",
			Subsystem: "provider",
			Name:      "healthy",
			Help:      "Provider health: 1 healthy, 0 unhealthy, -1 unknown.",
		}, []string{"provider"}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "provider",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"provider"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daraja",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "daraja",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "daraja",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ChatRequestsTotal,
		m.ChatRequestDuration,
		m.TokensUsed,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.ProviderHealth,
		m.RateLimitedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// SetProviderHealth records a provider health observation on the gauge.
func (m *MetricsCollector) SetProviderHealth(providerID string, healthy *bool) {
	if m == nil {
		return
	}
	v := -1.0
	if healthy != nil {
		if *healthy {
			v = 1
		} else {
			v = 0
		}
	}
	m.ProviderHealth.WithLabelValues(providerID).Set(v)
}
