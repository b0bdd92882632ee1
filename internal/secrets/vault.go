package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// defaultVaultField is the KV field an API-key reference reads when the
// reference names none: "vault://secret/data/daraja/openai" is shorthand
// for "...#api_key".
const defaultVaultField = "api_key"

const defaultVaultTimeout = 5 * time.Second

// VaultConfig configures the Vault KV v2 source. Address and Token are
// required; Namespace is for Vault Enterprise.
type VaultConfig struct {
	Address       string
	Token         string
	Namespace     string
	Timeout       time.Duration
	TLSSkipVerify bool
}

// VaultSource serves "vault://<kv-v2-path>[#field]" references from a
// HashiCorp Vault KV v2 mount, authenticated by token. The path is the
// full API path including the mount's /data/ segment. Safe for concurrent
// use.
type VaultSource struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVaultSource creates a Vault KV v2 source from explicit config.
func NewVaultSource(cfg VaultConfig) (*VaultSource, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultVaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultSource{
		address:   strings.TrimRight(cfg.Address, "/"),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		client:    &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

// VaultFromEnv creates a Vault source from the standard VAULT_ADDR,
// VAULT_TOKEN, and VAULT_NAMESPACE environment variables.
func VaultFromEnv() (*VaultSource, error) {
	return NewVaultSource(VaultConfig{
		Address:   os.Getenv("VAULT_ADDR"),
		Token:     os.Getenv("VAULT_TOKEN"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
	})
}

func (s *VaultSource) Scheme() string { return "vault" }

// Fetch reads one field of a KV v2 secret. API keys are single string
// values, so a field is always selected: the ref's own, or "api_key".
func (s *VaultSource) Fetch(ctx context.Context, ref Ref) (string, error) {
	field := ref.Field
	if field == "" {
		field = defaultVaultField
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.address+"/v1/"+ref.Path, nil)
	if err != nil {
		return "", fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", s.token)
	if s.namespace != "" {
		req.Header.Set("X-Vault-Namespace", s.namespace)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading vault response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: vault path %s", ErrSecretNotFound, ref.Path)
	case resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("vault access denied for path %s (check token permissions)", ref.Path)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("vault returned status %d for path %s", resp.StatusCode, ref.Path)
	}

	// KV v2 envelope: { "data": { "data": { ... }, "metadata": { ... } } }
	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("parsing vault response: %w", err)
	}
	if envelope.Data.Data == nil {
		return "", fmt.Errorf("%w: vault path %s returned no data", ErrSecretNotFound, ref.Path)
	}

	value, ok := envelope.Data.Data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %s not found at vault path %s", ErrSecretNotFound, field, ref.Path)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("vault field %s at path %s is not a string", field, ref.Path)
	}
	return str, nil
}
