package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/daraja/internal/adapter"
	"github.com/jkaninda/daraja/internal/protocol"
	"github.com/jkaninda/daraja/internal/provider"
	"github.com/jkaninda/daraja/internal/sandbox"
)

// --- InstrumentedAdapter ---

// InstrumentedAdapter wraps an adapter with metrics, tracing, and anomaly
// detection. Only Complete is instrumented; the narrow contract methods
// delegate untouched.
type InstrumentedAdapter struct {
	adapter.Adapter
	providerID string
	metrics    *MetricsCollector
	tracer     trace.Tracer
	anomaly    *AnomalyDetector
}

// NewInstrumentedAdapter wraps an adapter with observability.
func NewInstrumentedAdapter(inner adapter.Adapter, providerID string, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedAdapter {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedAdapter{
		Adapter:    inner,
		providerID: providerID,
		metrics:    metrics,
		tracer:     tracer,
		anomaly:    anomaly,
	}
}

func (a *InstrumentedAdapter) Complete(ctx context.Context, req *protocol.ChatCompletionRequest, requestID string) (*protocol.ChatCompletionResponse, error) {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "adapter.complete",
			trace.WithAttributes(
				attrProviderID.String(a.providerID),
				attrModel.String(req.Model),
				attrRequestID.String(requestID),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := a.Adapter.Complete(ctx, req, requestID)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if a.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if a.metrics != nil {
		a.metrics.ChatRequestsTotal.WithLabelValues(a.providerID, req.Model, status).Inc()
		a.metrics.ChatRequestDuration.WithLabelValues(a.providerID, req.Model).Observe(duration)

		if resp != nil {
			a.metrics.TokensUsed.WithLabelValues(a.providerID, req.Model, "prompt").Add(float64(resp.Usage.PromptTokens))
			a.metrics.TokensUsed.WithLabelValues(a.providerID, req.Model, "completion").Add(float64(resp.Usage.CompletionTokens))
		}
	}

	if a.anomaly != nil {
		if err != nil {
			a.anomaly.RecordError(a.providerID)
		} else {
			a.anomaly.RecordSuccess(a.providerID)
		}
	}

	return resp, err
}

// --- InstrumentedExecutor ---

// InstrumentedExecutor wraps a sandbox executor with metrics and tracing.
type InstrumentedExecutor struct {
	inner   sandbox.Executor
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedExecutor wraps a sandbox executor with observability.
func NewInstrumentedExecutor(inner sandbox.Executor, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedExecutor {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedExecutor{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (s *InstrumentedExecutor) Name() string { return s.inner.Name() }

func (s *InstrumentedExecutor) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

func (s *InstrumentedExecutor) Execute(ctx context.Context, command string, args []string, opts sandbox.Options) (*sandbox.ExecutionResult, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attrBackend.String(s.inner.Name()),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := s.inner.Execute(ctx, command, args, opts)
	duration := time.Since(start).Seconds()

	outcome := classifyOutcome(result, err)
	if err != nil && s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(s.inner.Name(), outcome).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(s.inner.Name()).Observe(duration)
	}

	return result, err
}

// classifyOutcome maps an invocation result onto a metric label.
func classifyOutcome(result *sandbox.ExecutionResult, err error) string {
	if err == nil {
		if result != nil && !result.Success() {
			return "nonzero_exit"
		}
		return "completed"
	}
	switch err.(type) {
	case *sandbox.TimeoutError:
		return "timed_out"
	case *sandbox.CancellationError:
		return "cancelled"
	case *sandbox.ExecutionError:
		return "failed"
	default:
		return "infrastructure_error"
	}
}

// --- Provider health bridge ---

// HealthyGaugeValue converts a health state for the provider gauge.
func HealthyGaugeValue(s provider.HealthState) *bool {
	switch s {
	case provider.HealthHealthy:
		v := true
		return &v
	case provider.HealthUnhealthy:
		v := false
		return &v
	default:
		return nil
	}
}
