// Package provider defines the backend provider records that the gateway
// consumes. Records are owned by the external configuration store — the
// gateway only reads them, except for the mutable health status.
package provider

import (
	"fmt"
	"sync"
)

// Type declares which adapter services a provider.
type Type string

const (
	TypeSpawnCLI Type = "spawn-cli" // sandboxed CLI command
	TypeHTTPSDK  Type = "http-sdk"  // vendor HTTP API
	TypeProxy    Type = "proxy"     // pass-through to an upstream gateway
	TypeLocal    Type = "local"     // local model server (Ollama-style)
)

// HealthState is the last observed health of a provider's backend.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// ModelMapping maps a caller-facing model ID to the adapter-specific one.
// ExternalID must be unique within a provider.
type ModelMapping struct {
	ExternalID        string `json:"external_id" yaml:"external_id"`
	AdapterID         string `json:"adapter_id" yaml:"adapter_id"`
	MaxTokens         int    `json:"max_tokens" yaml:"max_tokens"`
	ContextWindow     int    `json:"context_window" yaml:"context_window"`
	SupportsStreaming bool   `json:"supports_streaming" yaml:"supports_streaming"`
	SupportsEmbedding bool   `json:"supports_embedding" yaml:"supports_embedding"`
}

// SpawnCLIConfig is the adapter config for spawn-cli providers.
// DockerSandbox selects the execution substrate: true runs the command
// inside the gateway's container or job sandbox, false runs it as a host
// process with process-group isolation only. SandboxImage and the
// resource limits apply to the sandboxed substrate.
type SpawnCLIConfig struct {
	Command        string            `json:"command" yaml:"command"`
	Args           []string          `json:"args" yaml:"args"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	InputFormat    string            `json:"input_format" yaml:"input_format"` // "json" (default) or "text"
	DockerSandbox  bool              `json:"docker_sandbox" yaml:"docker_sandbox"`
	SandboxImage   string            `json:"sandbox_image,omitempty" yaml:"sandbox_image,omitempty"`
	MemoryLimit    string            `json:"memory_limit,omitempty" yaml:"memory_limit,omitempty"` // e.g. "512Mi"
	CPULimit       string            `json:"cpu_limit,omitempty" yaml:"cpu_limit,omitempty"`       // e.g. "500m"
	Env            map[string]string `json:"environment_variables,omitempty" yaml:"environment_variables,omitempty"`
}

// HTTPConfig is the adapter config for http-sdk and local providers.
type HTTPConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// ProxyConfig is the adapter config for proxy providers.
type ProxyConfig struct {
	UpstreamURL    string `json:"upstream_url" yaml:"upstream_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// RateLimitPolicy is the per-provider rate limit enforced by the gateway.
type RateLimitPolicy struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// Provider is one configured backend.
// APIKey is a credential and MUST NOT appear in logs or error messages.
type Provider struct {
	ID        string           `json:"id" yaml:"id"`
	Name      string           `json:"name" yaml:"name"`
	Type      Type             `json:"type" yaml:"type"`
	APIKey    string           `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	SpawnCLI  *SpawnCLIConfig  `json:"spawn_cli,omitempty" yaml:"spawn_cli,omitempty"`
	HTTP      *HTTPConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	Proxy     *ProxyConfig     `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Models    []ModelMapping   `json:"models" yaml:"models"`
	RateLimit *RateLimitPolicy `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`

	mu     sync.RWMutex
	health HealthState
}

// Health returns the last observed health state.
func (p *Provider) Health() HealthState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.health == "" {
		return HealthUnknown
	}
	return p.health
}

// SetHealth records a new health observation.
func (p *Provider) SetHealth(s HealthState) {
	p.mu.Lock()
	p.health = s
	p.mu.Unlock()
}

// ResolveModel finds the mapping for a caller-facing model ID.
func (p *Provider) ResolveModel(externalID string) (ModelMapping, bool) {
	for _, m := range p.Models {
		if m.ExternalID == externalID {
			return m, true
		}
	}
	return ModelMapping{}, false
}

// ValidateMappings checks that external model IDs are unique within the provider.
func (p *Provider) ValidateMappings() error {
	seen := make(map[string]struct{}, len(p.Models))
	for _, m := range p.Models {
		if m.ExternalID == "" {
			return fmt.Errorf("provider %s: model mapping with empty external_id", p.ID)
		}
		if _, dup := seen[m.ExternalID]; dup {
			return fmt.Errorf("provider %s: duplicate model mapping %q", p.ID, m.ExternalID)
		}
		seen[m.ExternalID] = struct{}{}
	}
	return nil
}

// Store is a read-mostly index over the configured providers.
// Built once at startup; lookups are safe for concurrent use.
type Store struct {
	providers []*Provider
	byModel   map[string]*Provider
}

// NewStore indexes the given providers by caller-facing model ID.
// Returns an error when two providers claim the same external model ID.
func NewStore(providers []*Provider) (*Store, error) {
	s := &Store{
		providers: providers,
		byModel:   make(map[string]*Provider),
	}
	for _, p := range providers {
		if err := p.ValidateMappings(); err != nil {
			return nil, err
		}
		for _, m := range p.Models {
			if prev, dup := s.byModel[m.ExternalID]; dup {
				return nil, fmt.Errorf("model %q claimed by both provider %s and %s", m.ExternalID, prev.ID, p.ID)
			}
			s.byModel[m.ExternalID] = p
		}
	}
	return s, nil
}

// ByModel resolves the provider serving a caller-facing model ID.
func (s *Store) ByModel(externalID string) (*Provider, bool) {
	p, ok := s.byModel[externalID]
	return p, ok
}

// All returns the configured providers in declaration order.
func (s *Store) All() []*Provider {
	return s.providers
}

// Mappings returns every model mapping across all providers.
func (s *Store) Mappings() []ModelMapping {
	var out []ModelMapping
	for _, p := range s.providers {
		out = append(out, p.Models...)
	}
	return out
}
