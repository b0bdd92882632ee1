// Package localserver implements the adapter variant for local model
// servers speaking the Ollama chat API.
package localserver

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

const chatPath = "/api/chat"

// chatRequest is the Ollama /api/chat request body.
type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []protocol.ChatMessage `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  *chatOptions           `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// chatResponse is the Ollama /api/chat response body. Eval counts map
// onto prompt/completion token usage when the server reports them.
type chatResponse struct {
	Model           string               `json:"model"`
	Message         protocol.ChatMessage `json:"message"`
	Done            bool                 `json:"done"`
	PromptEvalCount int                  `json:"prompt_eval_count"`
	EvalCount       int                  `json:"eval_count"`
}

// Adapter drives a local model server.
type Adapter struct {
	prov       *provider.Provider
	cfg        *provider.HTTPConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs the local-server adapter for a provider.
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

func (a *Adapter) Name() string { return string(provider.TypeLocal) }

func (a *Adapter) ValidateConfig() error {
	if a.cfg == nil {
		return &adapter.ConfigurationError{Provider: a.prov.ID, Reason: "http config is required"}
	}
	return adapter.ValidateBaseURL(a.prov.ID, a.cfg.BaseURL)
}

func (a *Adapter) Models() []provider.ModelMapping { return a.prov.Models }

// PrepareInput serializes the request into the local server's chat format.
func (a *Adapter) PrepareInput(req *protocol.ChatCompletionRequest, mapping provider.ModelMapping) (string, error) {
	local := chatRequest{
		Model:    mapping.AdapterID,
		Messages: req.Messages,
		Stream:   false,
	}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 {
		local.Options = &chatOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
			Stop:        req.Stop,
		}
	}
	data, err := json.Marshal(&local)
	if err != nil {
		return "", fmt.Errorf("encoding local chat request: %w", err)
	}
	return string(data), nil
}

// ParseOutput translates the local server's response into a completion
// object, carrying real usage counts when reported.
func (a *Adapter) ParseOutput(raw, requestID string) (*protocol.ChatCompletionResponse, error) {
	var local chatResponse
	if err := json.Unmarshal([]byte(raw), &local); err != nil {
		return nil, fmt.Errorf("parsing local server response: %w", err)
	}
	if local.Message.Content == "" {
		return nil, fmt.Errorf("local server response contains no message")
	}

	usage := protocol.Usage{
		PromptTokens:     local.PromptEvalCount,
		CompletionTokens: local.EvalCount,
	}
	if usage.CompletionTokens == 0 {
		usage.CompletionTokens = a.EstimateTokens(local.Message.Content)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return protocol.NewCompletionResponse(local.Model, local.Message.Content, requestID, usage), nil
}

func (a *Adapter) EstimateTokens(text string) int { return adapter.EstimateTokens(text) }

// Complete posts one chat request to the local server.
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

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + chatPath
	raw, err := adapter.PostJSON(ctx, a.httpClient, a.prov, endpoint, body, a.cfg.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	resp, err := a.ParseOutput(raw, requestID)
	if err != nil {
		return nil, err
	}
	resp.Model = req.Model
	if resp.Usage.PromptTokens == 0 {
		resp.Usage.PromptTokens = a.EstimateTokens(adapter.JoinMessages(req.Messages))
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}

	a.logger.DebugContext(ctx, "local server request completed",
		slog.String("request_id", requestID),
		slog.String("provider", a.prov.ID),
		slog.String("model", req.Model),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return resp, nil
}
