// Package protocol defines the OpenAI-compatible wire types that Daraja
// speaks on its caller-facing surface. Every backend, whatever its transport,
// is translated to and from these types.
package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message roles accepted in a chat completion request.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is a single turn in the conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatCompletionRequest is the caller-facing request body for
// POST /v1/chat/completions. Field names mirror the OpenAI API.
type ChatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	N                *int          `json:"n,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	Stop             []string      `json:"stop,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	User             string        `json:"user,omitempty"`
}

// ChatCompletionResponse is the caller-facing completion object.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// RequestID is the correlation ID carried through the whole pipeline.
	// Exposed as a non-standard field for traceability.
	RequestID string `json:"request_id,omitempty"`
}

// Choice is a single generated completion.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage reports token consumption. For backends that do not report real
// usage (CLI tools), the counts are adapter estimates.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorBody is the OpenAI-style error envelope returned on failures.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a single API error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ValidationError reports a malformed request. It is raised before any
// external resource is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// Validate checks the message sequence and generation parameters.
// Returns a *ValidationError describing the first problem found.
func (r *ChatCompletionRequest) Validate() error {
	if r.Model == "" {
		return &ValidationError{Field: "model", Reason: "is required"}
	}
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "must contain at least one message"}
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return &ValidationError{
				Field:  fmt.Sprintf("messages[%d].role", i),
				Reason: fmt.Sprintf("unknown role %q", m.Role),
			}
		}
		if strings.ContainsRune(m.Content, 0) {
			return &ValidationError{
				Field:  fmt.Sprintf("messages[%d].content", i),
				Reason: "must not contain NUL bytes",
			}
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return &ValidationError{Field: "temperature", Reason: "must be between 0 and 2"}
	}
	if r.MaxTokens != nil && *r.MaxTokens < 1 {
		return &ValidationError{Field: "max_tokens", Reason: "must be positive"}
	}
	return nil
}

// NewCompletionResponse assembles a chat.completion object around a single
// assistant message, synthesizing the response ID and timestamp.
func NewCompletionResponse(model, content, requestID string, usage Usage) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChatMessage{Role: RoleAssistant, Content: content},
			FinishReason: "stop",
		}},
		Usage:     usage,
		RequestID: requestID,
	}
}
