package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/daraja/internal/provider"
	"github.com/jkaninda/daraja/internal/sandbox"
)

// DefaultHTTPTimeout bounds upstream calls when the provider config sets
// no timeout of its own.
const DefaultHTTPTimeout = 120 * time.Second

// maxResponseBytes caps upstream response bodies.
const maxResponseBytes = 4 << 20

// ValidateBaseURL checks an adapter base URL without dialing it.
func ValidateBaseURL(providerID, raw string) error {
	if raw == "" {
		return &ConfigurationError{Provider: providerID, Reason: "base_url is required"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ConfigurationError{
			Provider: providerID,
			Reason:   fmt.Sprintf("base_url %q is not a valid http(s) URL", raw),
		}
	}
	return nil
}

// PostJSON issues one authenticated POST to an upstream endpoint and
// returns the raw response body. Failures are classified the same way as
// sandbox outcomes: unreachable upstreams are infrastructure errors,
// HTTP-level failures are execution errors with a sanitized body, and
// deadline/cancel keep their identity.
func PostJSON(ctx context.Context, hc *http.Client, p *provider.Provider, endpoint, body string, timeoutSeconds int) (string, error) {
	timeout := DefaultHTTPTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte(body)))
	if err != nil {
		return "", fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	httpResp, err := hc.Do(httpReq)
	if err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return "", &sandbox.TimeoutError{ID: p.ID, Deadline: timeout}
		case context.Canceled:
			return "", &sandbox.CancellationError{ID: p.ID}
		}
		return "", &sandbox.InfrastructureError{Backend: string(p.Type), Op: "post " + endpoint, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return "", &sandbox.InfrastructureError{Backend: string(p.Type), Op: "read response", Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		return "", &sandbox.ExecutionError{
			ID:       p.ID,
			ExitCode: httpResp.StatusCode,
			Stderr:   sandbox.Sanitize(strings.TrimSpace(string(respBody))),
		}
	}
	return string(respBody), nil
}
