// Package llm: provider router.
// Router selects a Provider at request time and itself satisfies Provider,
// so the agent loop can be handed a router directly.
// A fallback chain is tried in order when the routed provider is unavailable.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Router selects a Provider for each request.
type Router struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	defaultProvider string
	fallbacks       []string
}

var _ Provider = (*Router)(nil)

// NewRouter creates a Router with an initial set of providers and a default key.
func NewRouter(providers map[string]Provider, defaultProvider string, fallbacks ...string) *Router {
	ps := make(map[string]Provider, len(providers))
	for k, v := range providers {
		ps[k] = v
	}
	return &Router{providers: ps, defaultProvider: defaultProvider, fallbacks: fallbacks}
}

// Register adds (or replaces) a provider under the given key.
func (r *Router) Register(key string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[key] = p
}

// Route returns the default provider.
// Returns an error if the default provider is not registered.
func (r *Router) Route(_ context.Context) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[r.defaultProvider]
	if !ok {
		return nil, fmt.Errorf("llm router: provider %q not registered (available: %v)", r.defaultProvider, r.keys())
	}
	return p, nil
}

// Complete sends req to the default provider, then to each registered
// fallback while the failure is ErrUnavailable.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	p, err := r.Route(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	resp, err := p.Complete(ctx, req)
	if err == nil || !errors.Is(err, ErrUnavailable) {
		return resp, err
	}

	errs := []error{err}
	for _, fb := range r.fallbackProviders() {
		resp, fbErr := fb.Complete(ctx, req)
		if fbErr == nil {
			return resp, nil
		}
		errs = append(errs, fbErr)
		if !errors.Is(fbErr, ErrUnavailable) {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// ModelInfo returns the metadata of the default provider.
func (r *Router) ModelInfo() ModelMeta {
	p, err := r.Route(context.Background())
	if err != nil {
		return ModelMeta{Provider: "router"}
	}
	return p.ModelInfo()
}

// HealthCheck checks the default provider.
func (r *Router) HealthCheck(ctx context.Context) error {
	p, err := r.Route(ctx)
	if err != nil {
		return err
	}
	return p.HealthCheck(ctx)
}

func (r *Router) fallbackProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.fallbacks))
	for _, key := range r.fallbacks {
		if key == r.defaultProvider {
			continue
		}
		if p, ok := r.providers[key]; ok {
			out = append(out, p)
		}
	}
	return out
}

// keys returns the registered provider names (for error messages).
func (r *Router) keys() []string {
	out := make([]string, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
