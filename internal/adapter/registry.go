package adapter

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jkaninda/daraja/internal/provider"
)

// Constructor builds an adapter for one provider. Constructors must not
// touch external resources; that is deferred to the first Complete call.
type Constructor func(p *provider.Provider, deps Deps) (Adapter, error)

// Registry maps provider types to adapter constructors. It is built
// explicitly at startup, sealed before serving, and read-only afterwards —
// there is no package-level mutable registry.
type Registry struct {
	constructors map[provider.Type]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[provider.Type]Constructor)}
}

// Register binds a provider type to a constructor. Later registrations for
// the same type win, which lets tests swap in fakes.
func (r *Registry) Register(t provider.Type, c Constructor) {
	r.constructors[t] = c
}

// Lookup returns the constructor for a provider type.
func (r *Registry) Lookup(t provider.Type) (Constructor, bool) {
	c, ok := r.constructors[t]
	return c, ok
}

// Types returns the registered provider types, sorted for stable error
// messages.
func (r *Registry) Types() []provider.Type {
	out := make([]provider.Type, 0, len(r.constructors))
	for t := range r.constructors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Factory resolves providers to validated adapter instances.
type Factory struct {
	registry *Registry
	deps     Deps
}

// NewFactory creates a factory over a sealed registry.
func NewFactory(registry *Registry, deps Deps) *Factory {
	return &Factory{registry: registry, deps: deps}
}

// Build constructs and validates the adapter for a provider. An unknown
// type or a failed validation yields a ConfigurationError before any
// external resource is touched.
func (f *Factory) Build(p *provider.Provider) (Adapter, error) {
	construct, ok := f.registry.Lookup(p.Type)
	if !ok {
		return nil, &ConfigurationError{
			Provider: p.ID,
			Reason: fmt.Sprintf("unknown provider type %q, registered types: %s",
				p.Type, joinTypes(f.registry.Types())),
		}
	}

	a, err := construct(p, f.deps)
	if err != nil {
		return nil, err
	}
	if err := a.ValidateConfig(); err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, cfgErr
		}
		return nil, &ConfigurationError{Provider: p.ID, Reason: err.Error()}
	}
	return a, nil
}

func joinTypes(types []provider.Type) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}
