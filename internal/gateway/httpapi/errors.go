package httpapi

import (
	"errors"
	"net/http"

	"github.com/jkaninda/daraja/internal/adapter"
	"github.com/jkaninda/daraja/internal/protocol"
	"github.com/jkaninda/daraja/internal/ratelimit"
	"github.com/jkaninda/daraja/internal/sandbox"
)

// errorStatus maps a completion pipeline error onto an HTTP status and an
// OpenAI-style error type. Validation and configuration problems are the
// caller's to fix; sandbox and transport failures are reported as gateway
// errors so clients can distinguish them from their own mistakes.
func errorStatus(err error) (int, string) {
	var (
		validation *protocol.ValidationError
		config     *adapter.ConfigurationError
		timeout    *sandbox.TimeoutError
		cancelled  *sandbox.CancellationError
		execution  *sandbox.ExecutionError
		infra      *sandbox.InfrastructureError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.As(err, &config):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.As(err, &cancelled):
		return statusClientClosedRequest, "cancelled"
	case errors.As(err, &execution):
		return http.StatusBadGateway, "upstream_error"
	case errors.As(err, &infra):
		return http.StatusServiceUnavailable, "infrastructure_error"
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limit_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
