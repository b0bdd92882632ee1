package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validYAML = `
server:
  port: 9090
  auth_tokens: ["tok-1"]
  enable_docs: true
sandbox:
  backend: docker
  docker:
    image: runtime:v1
providers:
  - id: cli-1
    name: My CLI
    type: spawn-cli
    spawn_cli:
      command: mycli
      timeout_seconds: 30
    models:
      - external_id: my-model
        adapter_id: internal-model
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "daraja.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host default = %s", cfg.Server.Host)
	}
	if !cfg.Server.EnableDocs {
		t.Error("enable_docs not parsed")
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "cli-1" {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
	if cfg.Providers[0].SpawnCLI.Command != "mycli" {
		t.Errorf("command = %s", cfg.Providers[0].SpawnCLI.Command)
	}
}

func TestLoadJSON(t *testing.T) {
	content := `{
		"server": {"port": 8081},
		"sandbox": {"backend": "kubernetes", "kubernetes": {"namespace": "sbx"}},
		"providers": [{
			"id": "http-1",
			"type": "http-sdk",
			"http": {"base_url": "https://api.example.com"},
			"models": [{"external_id": "m", "adapter_id": "m2"}]
		}]
	}`
	cfg, err := Load(writeConfig(t, "daraja.json", content))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Backend != "kubernetes" || cfg.Sandbox.Kubernetes.Namespace != "sbx" {
		t.Errorf("sandbox = %+v", cfg.Sandbox)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DARAJA_PORT", "7070")
	t.Setenv("DARAJA_AUTH_TOKEN", "env-token")
	t.Setenv("DARAJA_PROVIDER_CLI_1_API_KEY", "sk-from-env")

	cfg, err := Load(writeConfig(t, "daraja.yaml", validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, env must win", cfg.Server.Port)
	}
	found := false
	for _, tok := range cfg.Server.AuthTokens {
		if tok == "env-token" {
			found = true
		}
	}
	if !found {
		t.Errorf("auth tokens = %v, env token missing", cfg.Server.AuthTokens)
	}
	if cfg.Providers[0].APIKey != "sk-from-env" {
		t.Errorf("api key = %q, env must win", cfg.Providers[0].APIKey)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "no providers",
			content: `
server: {port: 8080}
providers: []
`,
			wantErr: "at least one provider",
		},
		{
			name: "unknown backend",
			content: `
sandbox: {backend: podman}
providers:
  - {id: p1, type: proxy, proxy: {upstream_url: "http://up"}}
`,
			wantErr: "sandbox.backend",
		},
		{
			name: "unknown provider type",
			content: `
providers:
  - {id: p1, type: grpc}
`,
			wantErr: "unknown type",
		},
		{
			name: "spawn-cli without config",
			content: `
providers:
  - {id: p1, type: spawn-cli}
`,
			wantErr: "spawn_cli config is required",
		},
		{
			name: "duplicate provider ids",
			content: `
providers:
  - {id: p1, type: proxy, proxy: {upstream_url: "http://up"}}
  - {id: p1, type: proxy, proxy: {upstream_url: "http://up"}}
`,
			wantErr: "duplicate provider id",
		},
		{
			name: "duplicate model mappings",
			content: `
providers:
  - id: p1
    type: proxy
    proxy: {upstream_url: "http://up"}
    models:
      - {external_id: m}
      - {external_id: m}
`,
			wantErr: "duplicate model mapping",
		},
		{
			name: "tracing without endpoint",
			content: `
observability:
  tracing: {enabled: true}
providers:
  - {id: p1, type: proxy, proxy: {upstream_url: "http://up"}}
`,
			wantErr: "tracing.endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "daraja.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
