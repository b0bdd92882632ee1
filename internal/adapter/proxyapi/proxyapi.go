// Package proxyapi implements the adapter variant that relays completions
// to another protocol-compatible gateway.
package proxyapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/daraja/internal/adapter"
	"github.com/jkaninda/daraja/internal/protocol"
	"github.com/jkaninda/daraja/internal/provider"
)

const completionsPath = "/v1/chat/completions"

// Adapter relays requests to an upstream gateway. The upstream owns model
// resolution, so the caller's model ID passes through unless a mapping
// says otherwise.
type Adapter struct {
	prov       *provider.Provider
	cfg        *provider.ProxyConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs the proxy adapter for a provider.
func New(p *provider.Provider, deps adapter.Deps) (adapter.Adapter, error) {
	hc := deps.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Adapter{
		prov:       p,
		cfg:        p.Proxy,
		httpClient: hc,
		logger:     deps.Logger,
	}, nil
}

func (a *Adapter) Name() string { return string(provider.TypeProxy) }

func (a *Adapter) ValidateConfig() error {
	if a.cfg == nil {
		return &adapter.ConfigurationError{Provider: a.prov.ID, Reason: "proxy config is required"}
	}
	if a.cfg.UpstreamURL == "" {
		return &adapter.ConfigurationError{Provider: a.prov.ID, Reason: "proxy.upstream_url is required"}
	}
	return adapter.ValidateBaseURL(a.prov.ID, a.cfg.UpstreamURL)
}

func (a *Adapter) Models() []provider.ModelMapping { return a.prov.Models }

// PrepareInput re-encodes the request for the upstream. An empty mapping
// keeps the caller's model ID untouched.
func (a *Adapter) PrepareInput(req *protocol.ChatCompletionRequest, mapping provider.ModelMapping) (string, error) {
	upstream := *req
	if mapping.AdapterID != "" {
		upstream.Model = mapping.AdapterID
	}
	upstream.Stream = false
	data, err := json.Marshal(&upstream)
	if err != nil {
		return "", fmt.Errorf("encoding upstream request: %w", err)
	}
	return string(data), nil
}

// ParseOutput decodes the upstream completion and stamps the correlation ID.
func (a *Adapter) ParseOutput(raw, requestID string) (*protocol.ChatCompletionResponse, error) {
	var resp protocol.ChatCompletionResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parsing upstream response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("upstream response contains no choices")
	}
	resp.RequestID = requestID
	return &resp, nil
}

func (a *Adapter) EstimateTokens(text string) int { return adapter.EstimateTokens(text) }

// Complete relays one request and returns the upstream's response as-is,
// aside from the model ID and correlation ID.
func (a *Adapter) Complete(ctx context.Context, req *protocol.ChatCompletionRequest, requestID string) (*protocol.ChatCompletionResponse, error) {
	// Proxy providers may omit mappings entirely; the zero mapping keeps
	// the model ID untouched.
	mapping, _ := a.prov.ResolveModel(req.Model)

	body, err := a.PrepareInput(req, mapping)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(a.cfg.UpstreamURL, "/") + completionsPath
	raw, err := adapter.PostJSON(ctx, a.httpClient, a.prov, endpoint, body, a.cfg.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	resp, err := a.ParseOutput(raw, requestID)
	if err != nil {
		return nil, err
	}
	resp.Model = req.Model

	a.logger.DebugContext(ctx, "proxy request completed",
		slog.String("request_id", requestID),
		slog.String("provider", a.prov.ID),
		slog.String("model", req.Model),
	)
	return resp, nil
}
