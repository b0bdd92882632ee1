// Package httpsdk implements the adapter variant for vendor HTTP APIs that
// already speak the chat-completions protocol (OpenAI and compatible).
package httpsdk

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

// Adapter translates completions onto a vendor HTTP API. The upstream
// already speaks the protocol, so translation is limited to model ID
// mapping and correlation ID stamping.
type Adapter struct {
	prov       *provider.Provider
	cfg        *provider.HTTPConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs the http-sdk adapter for a provider.
func New(p *provider.Provider, deps adapter.Deps) (adapter.Adapter, error) {
	hc := deps.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Adapter{
		prov:       p,
		cfg:        p.HTTP,
		httpClient: hc,
		logger:     deps.Logger,
	}, nil
}

func (a *Adapter) Name() string { return string(provider.TypeHTTPSDK) }

func (a *Adapter) ValidateConfig() error {
	if a.cfg == nil {
		return &adapter.ConfigurationError{Provider: a.prov.ID, Reason: "http config is required"}
	}
	return adapter.ValidateBaseURL(a.prov.ID, a.cfg.BaseURL)
}

func (a *Adapter) Models() []provider.ModelMapping { return a.prov.Models }

// PrepareInput re-encodes the request with the adapter-specific model ID.
func (a *Adapter) PrepareInput(req *protocol.ChatCompletionRequest, mapping provider.ModelMapping) (string, error) {
	upstream := *req
	upstream.Model = mapping.AdapterID
	upstream.Stream = false
	data, err := json.Marshal(&upstream)
	if err != nil {
		return "", fmt.Errorf("encoding upstream request: %w", err)
	}
	return string(data), nil
}

// ParseOutput decodes the upstream completion object and stamps the
// correlation ID onto it.
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

// Complete posts the request to the upstream chat-completions endpoint.
func (a *Adapter) Complete(ctx context.Context, req *protocol.ChatCompletionRequest, requestID string) (*protocol.ChatCompletionResponse, error) {
	mapping, ok := a.prov.ResolveModel(req.Model)
	if !ok {
		return nil, &adapter.ConfigurationError{
			Provider: a.prov.ID,
			Reason:   fmt.Sprintf("model %q has no mapping", req.Model),
		}
	}

	body, err := a.PrepareInput(req, mapping)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + completionsPath
	raw, err := adapter.PostJSON(ctx, a.httpClient, a.prov, endpoint, body, a.cfg.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	resp, err := a.ParseOutput(raw, requestID)
	if err != nil {
		return nil, err
	}
	// Callers address the model by its external ID; keep the mapping
	// invisible in the response.
	resp.Model = req.Model
	if resp.Usage.TotalTokens == 0 {
		var completion string
		if len(resp.Choices) > 0 {
			completion = resp.Choices[0].Message.Content
		}
		resp.Usage.PromptTokens = a.EstimateTokens(adapter.JoinMessages(req.Messages))
		resp.Usage.CompletionTokens = a.EstimateTokens(completion)
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	a.logger.DebugContext(ctx, "http-sdk request completed",
		slog.String("request_id", requestID),
		slog.String("provider", a.prov.ID),
		slog.String("model", req.Model),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return resp, nil
}
