// Package adapter defines the uniform contract between the gateway and its
// backend transports, and the registry/factory that resolves a provider's
// declared type to a concrete adapter.
package adapter

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jkaninda/daraja/internal/protocol"
	"github.com/jkaninda/daraja/internal/provider"
	"github.com/jkaninda/daraja/internal/sandbox"
)

// Adapter is the uniform backend contract. One adapter instance serves one
// configured provider; instances are immutable after construction and safe
// for concurrent use.
type Adapter interface {
	// Name identifies the adapter variant ("spawn-cli", "http-sdk", ...).
	Name() string

	// ValidateConfig checks the provider's adapter config. It runs before
	// any external resource is allocated.
	ValidateConfig() error

	// Models lists the provider's model mappings.
	Models() []provider.ModelMapping

	// PrepareInput serializes the message sequence and generation options
	// into the backend-specific payload.
	PrepareInput(req *protocol.ChatCompletionRequest, mapping provider.ModelMapping) (string, error)

	// ParseOutput turns the backend's raw output into a completion object
	// carrying the given correlation ID.
	ParseOutput(raw, requestID string) (*protocol.ChatCompletionResponse, error)

	// EstimateTokens approximates the token count of text. Heuristic, used
	// when the backend reports no real usage.
	EstimateTokens(text string) int

	// Complete services one chat completion end to end:
	// prepare input, invoke the backend, parse the output.
	Complete(ctx context.Context, req *protocol.ChatCompletionRequest, requestID string) (*protocol.ChatCompletionResponse, error)
}

// Deps carries the shared runtime dependencies adapters are built with.
// All fields are read-only after startup.
type Deps struct {
	// Executor runs sandboxed commands for CLI-backed adapters.
	Executor sandbox.Executor

	// ProcessExecutor runs CLI commands as plain host processes, for
	// providers that opt out of the container sandbox.
	ProcessExecutor sandbox.Executor

	// HTTPClient is shared by the HTTP-backed adapters. Per-request
	// deadlines come from the caller's context, not the client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// EstimateTokens is the shared token heuristic: roughly one token per four
// bytes of text, never zero for non-empty text. Not an exact tokenizer.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// JoinMessages flattens a message sequence into plain text for backends
// with a text stdin contract and for prompt-side token estimation.
func JoinMessages(messages []protocol.ChatMessage) string {
	var size int
	for _, m := range messages {
		size += len(m.Role) + len(m.Content) + 3
	}
	buf := make([]byte, 0, size)
	for i, m := range messages {
		if i > 0 {
			buf = append(buf, '\n', '\n')
		}
		buf = append(buf, m.Role...)
		buf = append(buf, ':', ' ')
		buf = append(buf, m.Content...)
	}
	return string(buf)
}
