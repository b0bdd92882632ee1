package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jkaninda/daraja/internal/provider"
)

func TestIsRef(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"env://OPENAI_KEY", true},
		{"vault://secret/data/daraja/openai#api_key", true},
		{"sk-abc123", false},
		{"", false},
		{"plain-token", false},
	}
	for _, tt := range tests {
		if got := IsRef(tt.in); got != tt.want {
			t.Errorf("IsRef(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "env://OPENAI_KEY", want: Ref{Scheme: "env", Path: "OPENAI_KEY"}},
		{
			in:   "vault://secret/data/daraja/openai#api_key",
			want: Ref{Scheme: "vault", Path: "secret/data/daraja/openai", Field: "api_key"},
		},
		{in: "vault://secret/data/app", want: Ref{Scheme: "vault", Path: "secret/data/app"}},
		{in: "sk-literal", wantErr: true},
		{in: "env://", wantErr: true},
		{in: "://path", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseRef(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRef(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseRef(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestEnvSource(t *testing.T) {
	t.Setenv("DARAJA_TEST_KEY", "sk-from-env")

	r := NewResolver(EnvSource{})
	value, err := r.Resolve(context.Background(), "env://DARAJA_TEST_KEY")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "sk-from-env" {
		t.Errorf("value = %q, want sk-from-env", value)
	}

	if _, err := r.Resolve(context.Background(), "env://DARAJA_TEST_UNSET"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("unset variable: got %v, want ErrSecretNotFound", err)
	}
	if _, err := r.Resolve(context.Background(), "env://DARAJA_TEST_KEY#field"); err == nil {
		t.Error("env reference with field selector must be rejected")
	}
}

func TestResolverUnknownScheme(t *testing.T) {
	r := NewResolver(EnvSource{})
	_, err := r.Resolve(context.Background(), "vault://secret/data/app")
	if err == nil {
		t.Fatal("expected error for unregistered scheme")
	}
	if !strings.Contains(err.Error(), "env") {
		t.Errorf("error should name the configured schemes: %v", err)
	}
}

func TestResolveAPIKeys(t *testing.T) {
	t.Setenv("DARAJA_PROV_KEY", "sk-resolved-key")
	providers := []*provider.Provider{
		{ID: "api-1", APIKey: "env://DARAJA_PROV_KEY"},
		{ID: "api-2", APIKey: "sk-literal"},
		{ID: "cli-1"},
	}

	if err := ResolveAPIKeys(context.Background(), NewResolver(EnvSource{}), providers); err != nil {
		t.Fatalf("ResolveAPIKeys: %v", err)
	}
	if providers[0].APIKey != "sk-resolved-key" {
		t.Errorf("api-1 key = %q, want sk-resolved-key", providers[0].APIKey)
	}
	if providers[1].APIKey != "sk-literal" {
		t.Errorf("api-2 key = %q, want untouched literal", providers[1].APIKey)
	}
	if providers[2].APIKey != "" {
		t.Errorf("cli-1 key = %q, want empty", providers[2].APIKey)
	}
}

func TestResolveAPIKeys_UnresolvableFails(t *testing.T) {
	providers := []*provider.Provider{
		{ID: "api-1", APIKey: "env://DARAJA_DEFINITELY_UNSET"},
	}
	err := ResolveAPIKeys(context.Background(), NewResolver(EnvSource{}), providers)
	if err == nil {
		t.Fatal("expected error for unresolvable reference")
	}
	if !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("got %v, want wrapped ErrSecretNotFound", err)
	}
}

// --- Vault ---

// kvV2Response builds a Vault KV v2 JSON response body.
func kvV2Response(data map[string]any) []byte {
	resp := map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

func newVaultSource(t *testing.T, addr string) *VaultSource {
	t.Helper()
	vs, err := NewVaultSource(VaultConfig{Address: addr, Token: "test-token"})
	if err != nil {
		t.Fatalf("NewVaultSource: %v", err)
	}
	return vs
}

func TestVaultSource_FetchNamedField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/daraja/openai" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write(kvV2Response(map[string]any{
			"api_key": "sk-vault-secret",
			"org":     "daraja",
		}))
	}))
	t.Cleanup(srv.Close)

	r := NewResolver(newVaultSource(t, srv.URL))
	value, err := r.Resolve(context.Background(), "vault://secret/data/daraja/openai#api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "sk-vault-secret" {
		t.Errorf("value = %q, want sk-vault-secret", value)
	}
}

func TestVaultSource_DefaultField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(kvV2Response(map[string]any{"api_key": "sk-x", "org": "daraja"}))
	}))
	t.Cleanup(srv.Close)

	// No field selector reads the conventional api_key field.
	r := NewResolver(newVaultSource(t, srv.URL))
	value, err := r.Resolve(context.Background(), "vault://secret/data/daraja/openai")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "sk-x" {
		t.Errorf("value = %q, want sk-x", value)
	}
}

func TestVaultSource_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     []byte
		ref      string
		notFound bool // expect ErrSecretNotFound
	}{
		{
			name:     "missing path",
			status:   http.StatusNotFound,
			ref:      "vault://secret/data/missing",
			notFound: true,
		},
		{
			name:   "forbidden is not ErrSecretNotFound",
			status: http.StatusForbidden,
			ref:    "vault://secret/data/app",
		},
		{
			name:     "missing field",
			status:   http.StatusOK,
			body:     kvV2Response(map[string]any{"org": "daraja"}),
			ref:      "vault://secret/data/app#api_key",
			notFound: true,
		},
		{
			name:   "non-string field",
			status: http.StatusOK,
			body:   kvV2Response(map[string]any{"api_key": 42}),
			ref:    "vault://secret/data/app#api_key",
		},
		{
			name:     "empty path",
			status:   http.StatusOK,
			ref:      "vault://",
			notFound: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != nil {
					_, _ = w.Write(tt.body)
				}
			}))
			t.Cleanup(srv.Close)

			r := NewResolver(newVaultSource(t, srv.URL))
			_, err := r.Resolve(context.Background(), tt.ref)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrSecretNotFound); got != tt.notFound {
				t.Errorf("errors.Is(err, ErrSecretNotFound) = %v, want %v (err: %v)", got, tt.notFound, err)
			}
		})
	}
}

func TestVaultFromEnv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "env-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write(kvV2Response(map[string]any{"api_key": "sk-y"}))
	}))
	t.Cleanup(srv.Close)

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_NAMESPACE", "")

	vs, err := VaultFromEnv()
	if err != nil {
		t.Fatalf("VaultFromEnv: %v", err)
	}
	value, err := vs.Fetch(context.Background(), Ref{Scheme: "vault", Path: "secret/data/test", Field: "api_key"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if value != "sk-y" {
		t.Errorf("value = %q, want sk-y", value)
	}
}

func TestNewVaultSource_RequiresAddressAndToken(t *testing.T) {
	if _, err := NewVaultSource(VaultConfig{Token: "t"}); err == nil {
		t.Error("expected error for missing address")
	}
	if _, err := NewVaultSource(VaultConfig{Address: "http://localhost:8200"}); err == nil {
		t.Error("expected error for missing token")
	}
}
