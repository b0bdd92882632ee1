package adapter

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jkaninda/daraja/internal/protocol"
	"github.com/jkaninda/daraja/internal/provider"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{text: "", want: 0},
		{text: "a", want: 1},
		{text: "abcd", want: 1},
		{text: "abcde", want: 2},
		{text: strings.Repeat("x", 400), want: 100},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestJoinMessages(t *testing.T) {
	got := JoinMessages([]protocol.ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	})
	want := "system: be brief\n\nuser: hi"
	if got != want {
		t.Errorf("JoinMessages = %q, want %q", got, want)
	}
}

// stubAdapter satisfies Adapter for registry tests.
type stubAdapter struct {
	validateErr error
}

func (s *stubAdapter) Name() string                        { return "stub" }
func (s *stubAdapter) ValidateConfig() error               { return s.validateErr }
func (s *stubAdapter) Models() []provider.ModelMapping     { return nil }
func (s *stubAdapter) EstimateTokens(text string) int      { return EstimateTokens(text) }
func (s *stubAdapter) PrepareInput(req *protocol.ChatCompletionRequest, m provider.ModelMapping) (string, error) {
	return "", nil
}
func (s *stubAdapter) ParseOutput(raw, requestID string) (*protocol.ChatCompletionResponse, error) {
	return nil, nil
}
func (s *stubAdapter) Complete(ctx context.Context, req *protocol.ChatCompletionRequest, requestID string) (*protocol.ChatCompletionResponse, error) {
	return nil, nil
}

func TestFactoryUnknownTypeListsRegistered(t *testing.T) {
	reg := NewRegistry()
	reg.Register(provider.TypeSpawnCLI, func(p *provider.Provider, deps Deps) (Adapter, error) {
		return &stubAdapter{}, nil
	})
	reg.Register(provider.TypeHTTPSDK, func(p *provider.Provider, deps Deps) (Adapter, error) {
		return &stubAdapter{}, nil
	})

	factory := NewFactory(reg, Deps{})
	_, err := factory.Build(&provider.Provider{ID: "p1", Type: "unknown"})

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	for _, want := range []string{"unknown", "http-sdk", "spawn-cli"} {
		if !strings.Contains(cfgErr.Reason, want) {
			t.Errorf("error %q missing %q", cfgErr.Reason, want)
		}
	}
}

func TestFactoryValidatesBeforeUse(t *testing.T) {
	reg := NewRegistry()
	reg.Register(provider.TypeSpawnCLI, func(p *provider.Provider, deps Deps) (Adapter, error) {
		return &stubAdapter{validateErr: errors.New("bad config")}, nil
	})

	factory := NewFactory(reg, Deps{})
	_, err := factory.Build(&provider.Provider{ID: "p1", Type: provider.TypeSpawnCLI})

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !strings.Contains(cfgErr.Reason, "bad config") {
		t.Errorf("error %q missing validation detail", cfgErr.Reason)
	}
}

func TestFactoryBuildsValidAdapter(t *testing.T) {
	reg := NewRegistry()
	reg.Register(provider.TypeSpawnCLI, func(p *provider.Provider, deps Deps) (Adapter, error) {
		return &stubAdapter{}, nil
	})

	factory := NewFactory(reg, Deps{})
	a, err := factory.Build(&provider.Provider{ID: "p1", Type: provider.TypeSpawnCLI})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Name() != "stub" {
		t.Errorf("adapter name = %s", a.Name())
	}
}

func TestValidateBaseURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{url: "http://localhost:11434", wantErr: false},
		{url: "https://api.example.com", wantErr: false},
		{url: "", wantErr: true},
		{url: "not a url", wantErr: true},
		{url: "ftp://example.com", wantErr: true},
	}
	for _, tt := range tests {
		err := ValidateBaseURL("p1", tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateBaseURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}
