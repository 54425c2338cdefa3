package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry routes a configured provider name to its factory and caches the
// built instance, so every caller of the same name/model pair shares one
// client instead of redialing the backend. Names are case-insensitive.
type Registry struct {
	mu        sync.Mutex
	factories map[string]ProviderFactory
	built     map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		built:     make(map[string]Provider),
	}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get returns the provider for a name, building it on first use. An empty
// model selects the factory default.
func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	key := name + "/" + model

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.built[key]; ok {
		return p, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	p, err := f(ctx, model)
	if err != nil {
		return nil, err
	}
	r.built[key] = p
	return p, nil
}
