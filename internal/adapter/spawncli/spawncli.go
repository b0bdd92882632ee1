// Package spawncli implements the adapter variant that services chat
// completions by running a configured CLI command inside a sandbox.
package spawncli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/daraja/internal/adapter"
	"github.com/jkaninda/daraja/internal/protocol"
	"github.com/jkaninda/daraja/internal/provider"
	"github.com/jkaninda/daraja/internal/sandbox"
)

const (
	inputFormatJSON = "json"
	inputFormatText = "text"
)

// Docker exit codes that mean the command never ran: daemon error, command
// not invocable, command not found. These are configuration problems, not
// execution results.
const (
	exitDaemonError = 125
	exitNotRunnable = 126
	exitNotFound    = 127
)

// cliPayload is the JSON stdin contract for spawn-cli providers.
type cliPayload struct {
	Model       string                 `json:"model"`
	Messages    []protocol.ChatMessage `json:"messages"`
	MaxTokens   *int                   `json:"max_tokens,omitempty"`
	Temperature *float64               `json:"temperature,omitempty"`
	TopP        *float64               `json:"top_p,omitempty"`
	Stop        []string               `json:"stop,omitempty"`
}

// Adapter drives a sandboxed CLI command. The command's stdin receives the
// prepared payload; its stdout becomes the assistant message.
type Adapter struct {
	prov     *provider.Provider
	cfg      *provider.SpawnCLIConfig
	executor sandbox.Executor
	logger   *slog.Logger
}

// New constructs the spawn-cli adapter for a provider. The provider's
// docker_sandbox flag picks the substrate: the container/job executor, or
// the plain process executor when the provider opts out.
func New(p *provider.Provider, deps adapter.Deps) (adapter.Adapter, error) {
	executor := deps.Executor
	if p.SpawnCLI != nil && !p.SpawnCLI.DockerSandbox {
		executor = deps.ProcessExecutor
	}
	return &Adapter{
		prov:     p,
		cfg:      p.SpawnCLI,
		executor: executor,
		logger:   deps.Logger,
	}, nil
}

func (a *Adapter) Name() string { return string(provider.TypeSpawnCLI) }

// ValidateConfig checks the spawn-cli config without touching the sandbox.
func (a *Adapter) ValidateConfig() error {
	if a.cfg == nil {
		return &adapter.ConfigurationError{Provider: a.prov.ID, Reason: "spawn_cli config is required"}
	}
	if a.cfg.Command == "" {
		return &adapter.ConfigurationError{Provider: a.prov.ID, Reason: "spawn_cli.command is required"}
	}
	if a.cfg.TimeoutSeconds < 0 {
		return &adapter.ConfigurationError{Provider: a.prov.ID, Reason: "spawn_cli.timeout_seconds must not be negative"}
	}
	switch a.cfg.InputFormat {
	case "", inputFormatJSON, inputFormatText:
	default:
		return &adapter.ConfigurationError{
			Provider: a.prov.ID,
			Reason:   fmt.Sprintf("spawn_cli.input_format %q not supported (json, text)", a.cfg.InputFormat),
		}
	}
	if !a.cfg.DockerSandbox && a.cfg.SandboxImage != "" {
		return &adapter.ConfigurationError{
			Provider: a.prov.ID,
			Reason:   "spawn_cli.sandbox_image requires docker_sandbox",
		}
	}
	if a.executor == nil {
		if !a.cfg.DockerSandbox {
			return &adapter.ConfigurationError{Provider: a.prov.ID, Reason: "process execution is not configured"}
		}
		return &adapter.ConfigurationError{Provider: a.prov.ID, Reason: "no sandbox executor configured"}
	}
	return nil
}

func (a *Adapter) Models() []provider.ModelMapping { return a.prov.Models }

// PrepareInput serializes the request into the CLI's stdin contract.
// Payloads never reach a shell unquoted, but NUL bytes cannot survive the
// stdin path of either sandbox backend and are rejected here.
func (a *Adapter) PrepareInput(req *protocol.ChatCompletionRequest, mapping provider.ModelMapping) (string, error) {
	for i, m := range req.Messages {
		if strings.ContainsRune(m.Content, 0) {
			return "", &protocol.ValidationError{
				Field:  fmt.Sprintf("messages[%d].content", i),
				Reason: "must not contain NUL bytes",
			}
		}
	}

	if a.cfg.InputFormat == inputFormatText {
		return adapter.JoinMessages(req.Messages) + "\n", nil
	}

	payload := cliPayload{
		Model:       mapping.AdapterID,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding cli payload: %w", err)
	}
	return string(data) + "\n", nil
}

// ParseOutput wraps the command's trimmed stdout as a single assistant
// choice. CLI tools report no usage, so completion tokens are estimated;
// the prompt side is filled in by Complete.
func (a *Adapter) ParseOutput(raw, requestID string) (*protocol.ChatCompletionResponse, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return nil, &sandbox.ExecutionError{
			ID:       requestID,
			ExitCode: 0,
			Stderr:   "command produced no output",
		}
	}
	usage := protocol.Usage{CompletionTokens: a.EstimateTokens(content)}
	return protocol.NewCompletionResponse("", content, requestID, usage), nil
}

func (a *Adapter) EstimateTokens(text string) int { return adapter.EstimateTokens(text) }

// Complete runs the configured command once and maps the result:
// non-zero exit becomes an ExecutionError with sanitized stderr, launch
// failures become ConfigurationErrors, and sandbox timeout/cancellation
// errors pass through untouched.
func (a *Adapter) Complete(ctx context.Context, req *protocol.ChatCompletionRequest, requestID string) (*protocol.ChatCompletionResponse, error) {
	mapping, ok := a.prov.ResolveModel(req.Model)
	if !ok {
		return nil, &adapter.ConfigurationError{
			Provider: a.prov.ID,
			Reason:   fmt.Sprintf("model %q has no mapping", req.Model),
		}
	}

	input, err := a.PrepareInput(req, mapping)
	if err != nil {
		return nil, err
	}

	opts := sandbox.Options{
		Input: input,
		Image: a.cfg.SandboxImage,
		Env:   a.cfg.Env,
		Limits: sandbox.ResourceLimits{
			CPU:    a.cfg.CPULimit,
			Memory: a.cfg.MemoryLimit,
		},
	}
	if a.cfg.TimeoutSeconds > 0 {
		opts.Deadline = time.Duration(a.cfg.TimeoutSeconds) * time.Second
	}

	a.logger.Debug("spawn-cli invocation",
		slog.String("request_id", requestID),
		slog.String("provider", a.prov.ID),
		slog.String("model", req.Model),
		slog.String("command", sandbox.Sanitize(a.cfg.Command)),
	)

	// Executor errors keep their identity: timeout, cancellation, and
	// infrastructure failures are already classified.
	result, err := a.executor.Execute(ctx, a.cfg.Command, a.cfg.Args, opts)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return nil, a.mapExitFailure(requestID, result)
	}

	resp, err := a.ParseOutput(result.Stdout, requestID)
	if err != nil {
		return nil, err
	}
	resp.Model = req.Model
	resp.Usage.PromptTokens = a.EstimateTokens(adapter.JoinMessages(req.Messages))
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	return resp, nil
}

// mapExitFailure classifies a non-zero exit. The Docker client reserves
// 125-127 for "never ran" conditions, which are configuration problems.
func (a *Adapter) mapExitFailure(requestID string, result *sandbox.ExecutionResult) error {
	stderr := sandbox.Sanitize(strings.TrimSpace(result.Stderr))
	switch result.ExitCode {
	case exitDaemonError, exitNotRunnable, exitNotFound:
		return &adapter.ConfigurationError{
			Provider: a.prov.ID,
			Reason:   fmt.Sprintf("command %q could not be started (exit %d): %s", a.cfg.Command, result.ExitCode, stderr),
		}
	default:
		return &sandbox.ExecutionError{
			ID:       requestID,
			ExitCode: result.ExitCode,
			Stderr:   stderr,
		}
	}
}
