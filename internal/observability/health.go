package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/daraja/internal/provider"
)

const sandboxCheckTimeout = 3 * time.Second

// HealthChecker reports readiness of the gateway's two runtime
// dependencies: the sandbox backend that services spawn-cli providers, and
// the configured providers themselves. Provider health is the last state
// observed by the health monitor or the anomaly detector; it is advisory
// and never blocks routing, but a degraded /readyz lets orchestrators
// steer traffic away.
type HealthChecker struct {
	backend      string
	sandboxCheck func(ctx context.Context) error
	store        *provider.Store
	logger       *slog.Logger
}

// NewHealthChecker wires readiness over the named sandbox backend and the
// provider store.
func NewHealthChecker(backend string, sandboxCheck func(ctx context.Context) error, store *provider.Store, logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		backend:      backend,
		sandboxCheck: sandboxCheck,
		store:        store,
		logger:       logger,
	}
}

// CheckResult is the readiness of a single dependency.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Backend string `json:"backend,omitempty"` // Sandbox backend name.
	Message string `json:"message,omitempty"` // Error message on failure.
}

// ReadyStatus is the JSON response for the readiness endpoint.
type ReadyStatus struct {
	Status    string            `json:"status"`              // "ok" or "degraded"
	Sandbox   CheckResult       `json:"sandbox"`             // Sandbox backend reachability.
	Providers map[string]string `json:"providers,omitempty"` // Provider ID -> health state.
}

// CheckReady probes the sandbox backend and collects provider health.
// Returns "degraded" when the backend is unreachable or any provider is
// unhealthy.
func (h *HealthChecker) CheckReady(ctx context.Context) ReadyStatus {
	status := ReadyStatus{
		Status:  "ok",
		Sandbox: CheckResult{Status: "ok", Backend: h.backend},
	}

	if h.sandboxCheck != nil {
		checkCtx, cancel := context.WithTimeout(ctx, sandboxCheckTimeout)
		if err := h.sandboxCheck(checkCtx); err != nil {
			status.Status = "degraded"
			status.Sandbox = CheckResult{Status: "fail", Backend: h.backend, Message: err.Error()}
			if h.logger != nil {
				h.logger.Warn("sandbox backend readiness check failed",
					slog.String("backend", h.backend),
					slog.String("error", err.Error()),
				)
			}
		}
		cancel()
	}

	if h.store != nil {
		providers := h.store.All()
		status.Providers = make(map[string]string, len(providers))
		for _, p := range providers {
			state := p.Health()
			status.Providers[p.ID] = string(state)
			if state == provider.HealthUnhealthy {
				status.Status = "degraded"
			}
		}
	}

	return status
}
