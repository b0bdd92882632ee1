// Package config handles loading and validating Daraja configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/daraja/internal/provider"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Daraja.
type Config struct {
	Server    ServerConfig         `json:"server" yaml:"server"`
	Providers []*provider.Provider `json:"providers" yaml:"providers"`
	Sandbox   SandboxConfig        `json:"sandbox" yaml:"sandbox"`

	// Optional subsystems; nil disables the feature.
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`
	HealthMonitor *HealthMonitorConfig `json:"health_monitor,omitempty" yaml:"health_monitor,omitempty"`
	RateLimit     *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// ServerConfig configures the caller-facing HTTP surface.
// Auth tokens can be set here or via the DARAJA_AUTH_TOKEN env var.
type ServerConfig struct {
	Host       string   `json:"host" yaml:"host"`                                   // Default: "0.0.0.0"
	Port       int      `json:"port" yaml:"port"`                                   // Default: 8080
	AuthTokens []string `json:"auth_tokens,omitempty" yaml:"auth_tokens,omitempty"` // Bearer tokens; empty = open access
	EnableDocs bool     `json:"enable_docs" yaml:"enable_docs"`                     // Serve OpenAPI docs
}

// SandboxConfig selects and configures the execution substrate for
// spawn-cli providers.
type SandboxConfig struct {
	Backend    string            `json:"backend" yaml:"backend"` // "docker" (default) or "kubernetes"
	Docker     *DockerConfig     `json:"docker,omitempty" yaml:"docker,omitempty"`
	Kubernetes *KubernetesConfig `json:"kubernetes,omitempty" yaml:"kubernetes,omitempty"`
}

// DockerConfig configures the Docker sandbox backend. Quantities use the
// Kubernetes syntax ("500m", "512Mi"); zero values fall back to the sandbox
// package defaults (60s deadline, 1 CPU, 512Mi, 64 PIDs, no network).
type DockerConfig struct {
	Image          string `json:"image" yaml:"image"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	CPULimit       string `json:"cpu_limit" yaml:"cpu_limit"`
	MemoryLimit    string `json:"memory_limit" yaml:"memory_limit"`
	PIDsLimit      int    `json:"pids_limit" yaml:"pids_limit"`
	NetworkAllowed bool   `json:"network_allowed" yaml:"network_allowed"`
}

// KubernetesConfig configures the Kubernetes Job sandbox backend.
// Kubeconfig can be overridden via the DARAJA_KUBECONFIG env var; it is
// ignored in-cluster. Defaults: namespace "default", finished Jobs kept for
// 300s, emptyDir scratch capped at 64Mi. HardenedRuntimeClassName names a
// RuntimeClass such as "gvisor".
type KubernetesConfig struct {
	Namespace                string `json:"namespace" yaml:"namespace"`
	Kubeconfig               string `json:"kubeconfig,omitempty" yaml:"kubeconfig,omitempty"`
	Image                    string `json:"image" yaml:"image"`
	TimeoutSeconds           int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	CPULimit                 string `json:"cpu_limit" yaml:"cpu_limit"`
	MemoryLimit              string `json:"memory_limit" yaml:"memory_limit"`
	TTLSecondsAfterFinished  int    `json:"ttl_seconds_after_finished" yaml:"ttl_seconds_after_finished"`
	HardenedRuntimeEnabled   bool   `json:"hardened_runtime_enabled" yaml:"hardened_runtime_enabled"`
	HardenedRuntimeClassName string `json:"hardened_runtime_class_name" yaml:"hardened_runtime_class_name"`
	ScratchSize              string `json:"scratch_size" yaml:"scratch_size"`
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// AnomalyConfig configures threshold-based error rate detection per provider.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "daraja"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthMonitorConfig configures the background provider health sweeps.
type HealthMonitorConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // cron spec. Default: "@every 30s"
}

// RateLimitConfig is the gateway-wide default rate limit. Per-provider
// policies override it.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/daraja.yaml"
	}
	return filepath.Join(home, ".daraja", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Secrets can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variables over config values.
// Env vars take precedence so secrets never need to live in the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DARAJA_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("DARAJA_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("DARAJA_AUTH_TOKEN"); v != "" {
		c.Server.AuthTokens = append(c.Server.AuthTokens, v)
	}
	if v := os.Getenv("DARAJA_SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("DARAJA_KUBECONFIG"); v != "" {
		if c.Sandbox.Kubernetes == nil {
			c.Sandbox.Kubernetes = &KubernetesConfig{}
		}
		c.Sandbox.Kubernetes.Kubeconfig = v
	}

	// Per-provider API keys: DARAJA_PROVIDER_<ID>_API_KEY with the ID
	// uppercased and dashes mapped to underscores.
	for _, p := range c.Providers {
		key := "DARAJA_PROVIDER_" + strings.ToUpper(strings.ReplaceAll(p.ID, "-", "_")) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			p.APIKey = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Sandbox.Backend == "" {
		c.Sandbox.Backend = "docker"
	}
	if c.HealthMonitor != nil && c.HealthMonitor.Schedule == "" {
		c.HealthMonitor.Schedule = "@every 30s"
	}
	if c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Path == "" {
		c.Observability.Metrics.Path = "/metrics"
	}
	if c.Observability != nil && c.Observability.Tracing != nil {
		t := c.Observability.Tracing
		if t.Protocol == "" {
			t.Protocol = "grpc"
		}
		if t.ServiceName == "" {
			t.ServiceName = "daraja"
		}
		if t.SampleRate == 0 {
			t.SampleRate = 1.0
		}
	}
}

// validate checks internal consistency. Provider adapter configs are only
// checked for presence here; deep validation belongs to the adapters.
func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Sandbox.Backend {
	case "docker", "kubernetes":
	default:
		return fmt.Errorf("sandbox.backend %q not supported (docker, kubernetes)", c.Sandbox.Backend)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}

		switch p.Type {
		case provider.TypeSpawnCLI:
			if p.SpawnCLI == nil {
				return fmt.Errorf("provider %s: spawn_cli config is required", p.ID)
			}
		case provider.TypeHTTPSDK, provider.TypeLocal:
			if p.HTTP == nil {
				return fmt.Errorf("provider %s: http config is required", p.ID)
			}
		case provider.TypeProxy:
			if p.Proxy == nil {
				return fmt.Errorf("provider %s: proxy config is required", p.ID)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}

		if err := p.ValidateMappings(); err != nil {
			return err
		}
		if p.RateLimit != nil && (p.RateLimit.RequestsPerMinute < 0 || p.RateLimit.BurstSize < 0) {
			return fmt.Errorf("provider %s: rate limit values must not be negative", p.ID)
		}
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if t.Protocol != "grpc" && t.Protocol != "http" {
			return fmt.Errorf("observability.tracing.protocol %q not supported (grpc, http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}

	if c.RateLimit != nil && (c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.BurstSize < 0) {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
