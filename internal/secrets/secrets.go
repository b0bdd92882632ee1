// Package secrets resolves provider API keys declared as credential
// references. A key in the gateway config is either a literal value or a
// reference like "env://OPENAI_KEY" or
// "vault://secret/data/daraja/openai#api_key"; references are resolved once
// at startup so raw key material never lives in the config file. Resolved
// values must never appear in logs or error messages.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jkaninda/daraja/internal/provider"
)

// ErrSecretNotFound is returned when a reference points at a secret that
// does not exist in its source.
var ErrSecretNotFound = errors.New("secret not found")

// Ref is a parsed credential reference: scheme://path[#field].
// The path addresses the secret inside its source (an environment variable
// name, a Vault KV path); the optional field selects one entry of a
// multi-field secret.
type Ref struct {
	Scheme string
	Path   string
	Field  string
}

// IsRef reports whether a configured API key is a credential reference
// rather than a literal value.
func IsRef(s string) bool {
	return strings.Contains(s, "://")
}

// ParseRef splits a credential reference into scheme, path, and field.
func ParseRef(raw string) (Ref, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" {
		return Ref{}, fmt.Errorf("%q is not a credential reference", raw)
	}
	path, field, _ := strings.Cut(rest, "#")
	if path == "" {
		return Ref{}, fmt.Errorf("credential reference %s:// has an empty path", scheme)
	}
	return Ref{Scheme: scheme, Path: path, Field: field}, nil
}

// Source fetches secrets for one reference scheme.
// Implementations must be safe for concurrent use.
type Source interface {
	// Scheme is the reference scheme this source serves ("env", "vault").
	Scheme() string

	// Fetch returns the secret the parsed reference points at. Returns an
	// error wrapping ErrSecretNotFound when the secret does not exist.
	Fetch(ctx context.Context, ref Ref) (string, error)
}

// Resolver dispatches credential references to the source registered for
// their scheme.
type Resolver struct {
	sources map[string]Source
}

// NewResolver builds a resolver over the given sources. A later source
// with the same scheme replaces an earlier one.
func NewResolver(sources ...Source) *Resolver {
	r := &Resolver{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		r.sources[s.Scheme()] = s
	}
	return r
}

// Schemes lists the registered reference schemes, sorted.
func (r *Resolver) Schemes() []string {
	out := make([]string, 0, len(r.sources))
	for scheme := range r.sources {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// Resolve parses a reference and fetches it from the matching source.
// Error messages name the reference, never the resolved value.
func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}
	src, ok := r.sources[ref.Scheme]
	if !ok {
		return "", fmt.Errorf("no secret source for scheme %q (configured: %s)",
			ref.Scheme, strings.Join(r.Schemes(), ", "))
	}
	value, err := src.Fetch(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("%s://%s: %w", ref.Scheme, ref.Path, err)
	}
	if value == "" {
		return "", fmt.Errorf("%s://%s resolved to an empty value", ref.Scheme, ref.Path)
	}
	return value, nil
}

// ResolveAPIKeys replaces reference-style API keys on the given providers
// with resolved secret material. Literal keys pass through untouched, so
// existing configs keep working.
func ResolveAPIKeys(ctx context.Context, resolver *Resolver, providers []*provider.Provider) error {
	for _, p := range providers {
		if p.APIKey == "" || !IsRef(p.APIKey) {
			continue
		}
		value, err := resolver.Resolve(ctx, p.APIKey)
		if err != nil {
			return fmt.Errorf("resolving api key for provider %s: %w", p.ID, err)
		}
		p.APIKey = value
	}
	return nil
}
