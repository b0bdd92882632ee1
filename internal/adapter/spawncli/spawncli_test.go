package spawncli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/daraja/internal/adapter"
	"github.com/jkaninda/daraja/internal/protocol"
	"github.com/jkaninda/daraja/internal/provider"
	"github.com/jkaninda/daraja/internal/sandbox"
)

// fakeExecutor records the invocation and returns a canned outcome.
type fakeExecutor struct {
	lastCommand string
	lastArgs    []string
	lastOpts    sandbox.Options

	result *sandbox.ExecutionResult
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, command string, args []string, opts sandbox.Options) (*sandbox.ExecutionResult, error) {
	f.lastCommand = command
	f.lastArgs = args
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeExecutor) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeExecutor) Name() string                          { return "fake" }

func testProvider() *provider.Provider {
	return &provider.Provider{
		ID:   "cli-1",
		Type: provider.TypeSpawnCLI,
		SpawnCLI: &provider.SpawnCLIConfig{
			Command:        "mycli",
			Args:           []string{"--quiet"},
			TimeoutSeconds: 30,
			DockerSandbox:  true,
		},
		Models: []provider.ModelMapping{
			{ExternalID: "my-model", AdapterID: "internal-model"},
		},
	}
}

func newTestAdapter(t *testing.T, p *provider.Provider, exec sandbox.Executor) adapter.Adapter {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	a, err := New(p, adapter.Deps{Executor: exec, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func chatRequest() *protocol.ChatCompletionRequest {
	return &protocol.ChatCompletionRequest{
		Model: "my-model",
		Messages: []protocol.ChatMessage{
			{Role: protocol.RoleUser, Content: "hello"},
		},
	}
}

func TestCompleteSuccess(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{
		ExitCode: 0,
		Stdout:   "  hi there  \n",
		Duration: 120 * time.Millisecond,
	}}
	a := newTestAdapter(t, testProvider(), exec)

	resp, err := a.Complete(context.Background(), chatRequest(), "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Model != "my-model" {
		t.Errorf("model = %s, want my-model", resp.Model)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("request id = %s, want req-1", resp.RequestID)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.Message.Role != protocol.RoleAssistant {
		t.Errorf("role = %s, want assistant", choice.Message.Role)
	}
	if choice.Message.Content != "hi there" {
		t.Errorf("content = %q, want trimmed stdout", choice.Message.Content)
	}
	if choice.FinishReason != "stop" {
		t.Errorf("finish reason = %s", choice.FinishReason)
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Errorf("usage does not add up: %+v", resp.Usage)
	}
	if resp.Usage.CompletionTokens == 0 {
		t.Error("completion tokens must be estimated for CLI output")
	}

	if exec.lastCommand != "mycli" {
		t.Errorf("command = %s", exec.lastCommand)
	}
	if exec.lastOpts.Deadline != 30*time.Second {
		t.Errorf("deadline = %s, want 30s", exec.lastOpts.Deadline)
	}
}

func TestCompleteSendsJSONPayload(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{ExitCode: 0, Stdout: "ok"}}
	a := newTestAdapter(t, testProvider(), exec)

	req := chatRequest()
	temp := 0.7
	req.Temperature = &temp

	if _, err := a.Complete(context.Background(), req, "req-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var payload cliPayload
	if err := json.Unmarshal([]byte(exec.lastOpts.Input), &payload); err != nil {
		t.Fatalf("stdin payload is not JSON: %v", err)
	}
	if payload.Model != "internal-model" {
		t.Errorf("payload model = %s, want the adapter-specific ID", payload.Model)
	}
	if len(payload.Messages) != 1 || payload.Messages[0].Content != "hello" {
		t.Errorf("payload messages = %+v", payload.Messages)
	}
	if payload.Temperature == nil || *payload.Temperature != 0.7 {
		t.Errorf("payload temperature = %v", payload.Temperature)
	}
	if !strings.HasSuffix(exec.lastOpts.Input, "\n") {
		t.Error("stdin payload must end with a newline")
	}
}

func TestCompleteTextFormat(t *testing.T) {
	p := testProvider()
	p.SpawnCLI.InputFormat = "text"
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{ExitCode: 0, Stdout: "ok"}}
	a := newTestAdapter(t, p, exec)

	if _, err := a.Complete(context.Background(), chatRequest(), "req-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exec.lastOpts.Input != "user: hello\n" {
		t.Errorf("stdin = %q", exec.lastOpts.Input)
	}
}

func TestCompleteNonZeroExit(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{
		ExitCode: 2,
		Stderr:   "model load failed --api-key=sk-secret123",
	}}
	a := newTestAdapter(t, testProvider(), exec)

	_, err := a.Complete(context.Background(), chatRequest(), "req-1")
	var execErr *sandbox.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", execErr.ExitCode)
	}
	if strings.Contains(execErr.Stderr, "sk-secret123") {
		t.Error("stderr leaked a credential")
	}
	if !strings.Contains(execErr.Stderr, "***") {
		t.Errorf("stderr not masked: %q", execErr.Stderr)
	}
}

func TestCompleteLaunchFailureIsConfigurationError(t *testing.T) {
	for _, code := range []int{125, 126, 127} {
		exec := &fakeExecutor{result: &sandbox.ExecutionResult{
			ExitCode: code,
			Stderr:   "exec: not found",
		}}
		a := newTestAdapter(t, testProvider(), exec)

		_, err := a.Complete(context.Background(), chatRequest(), "req-1")
		var cfgErr *adapter.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Errorf("exit %d: expected ConfigurationError, got %v", code, err)
		}
	}
}

func TestCompleteTimeoutPassesThrough(t *testing.T) {
	exec := &fakeExecutor{err: &sandbox.TimeoutError{ID: "inv-1", Deadline: time.Second}}
	a := newTestAdapter(t, testProvider(), exec)

	_, err := a.Complete(context.Background(), chatRequest(), "req-1")
	var timeout *sandbox.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestCompleteCancellationPassesThrough(t *testing.T) {
	exec := &fakeExecutor{err: &sandbox.CancellationError{ID: "inv-1"}}
	a := newTestAdapter(t, testProvider(), exec)

	_, err := a.Complete(context.Background(), chatRequest(), "req-1")
	var cancelled *sandbox.CancellationError
	if !errors.As(err, &cancelled) {
		t.Fatalf("expected CancellationError, got %v", err)
	}
}

func TestCompleteUnknownModel(t *testing.T) {
	a := newTestAdapter(t, testProvider(), &fakeExecutor{})

	req := chatRequest()
	req.Model = "other-model"
	_, err := a.Complete(context.Background(), req, "req-1")
	var cfgErr *adapter.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestCompleteEmptyOutput(t *testing.T) {
	exec := &fakeExecutor{result: &sandbox.ExecutionResult{ExitCode: 0, Stdout: "   \n"}}
	a := newTestAdapter(t, testProvider(), exec)

	_, err := a.Complete(context.Background(), chatRequest(), "req-1")
	if err == nil {
		t.Fatal("expected error for empty output")
	}
}

func TestPrepareInputRejectsNUL(t *testing.T) {
	a := newTestAdapter(t, testProvider(), &fakeExecutor{})

	req := chatRequest()
	req.Messages[0].Content = "bad\x00payload"
	_, err := a.PrepareInput(req, provider.ModelMapping{AdapterID: "m"})
	var valErr *protocol.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*provider.Provider)
		wantErr bool
	}{
		{name: "valid", mutate: func(p *provider.Provider) {}},
		{name: "missing config", mutate: func(p *provider.Provider) { p.SpawnCLI = nil }, wantErr: true},
		{name: "missing command", mutate: func(p *provider.Provider) { p.SpawnCLI.Command = "" }, wantErr: true},
		{name: "negative timeout", mutate: func(p *provider.Provider) { p.SpawnCLI.TimeoutSeconds = -1 }, wantErr: true},
		{name: "bad input format", mutate: func(p *provider.Provider) { p.SpawnCLI.InputFormat = "xml" }, wantErr: true},
		{
			name: "sandbox image without docker sandbox",
			mutate: func(p *provider.Provider) {
				p.SpawnCLI.DockerSandbox = false
				p.SpawnCLI.SandboxImage = "runtime:v1"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProvider()
			tt.mutate(p)
			a := newTestAdapter(t, p, &fakeExecutor{})
			err := a.ValidateConfig()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDockerSandboxFlagSelectsExecutor(t *testing.T) {
	sandboxed := &fakeExecutor{result: &sandbox.ExecutionResult{ExitCode: 0, Stdout: "from sandbox"}}
	direct := &fakeExecutor{result: &sandbox.ExecutionResult{ExitCode: 0, Stdout: "from process"}}
	deps := adapter.Deps{
		Executor:        sandboxed,
		ProcessExecutor: direct,
		Logger:          slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	p := testProvider()
	a, err := New(p, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := a.Complete(context.Background(), chatRequest(), "req-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Choices[0].Message.Content != "from sandbox" {
		t.Errorf("docker_sandbox=true must use the sandbox executor, got %q", resp.Choices[0].Message.Content)
	}
	if sandboxed.lastCommand == "" || direct.lastCommand != "" {
		t.Error("wrong executor invoked for docker_sandbox=true")
	}

	p = testProvider()
	p.SpawnCLI.DockerSandbox = false
	a, err = New(p, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err = a.Complete(context.Background(), chatRequest(), "req-2")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Choices[0].Message.Content != "from process" {
		t.Errorf("docker_sandbox=false must use the process executor, got %q", resp.Choices[0].Message.Content)
	}
}

func TestValidateConfigWithoutProcessExecutor(t *testing.T) {
	p := testProvider()
	p.SpawnCLI.DockerSandbox = false

	a, err := New(p, adapter.Deps{
		Executor: &fakeExecutor{},
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var cfgErr *adapter.ConfigurationError
	if !errors.As(a.ValidateConfig(), &cfgErr) {
		t.Fatal("expected ConfigurationError when process execution is unavailable")
	}
}
