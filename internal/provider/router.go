package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router manages multiple LLM providers and routes requests.
type Router struct {
	providers map[string]Provider
	fallbacks []string // provider IDs tried in order when the primary fails
	defaults  string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		logger:    logger,
	}
}

// Register adds a provider. The first registered provider becomes the
// default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// SetFallbacks configures the fallback provider chain.
func (r *Router) SetFallbacks(providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks = providerIDs
}

// Chat routes a request to providerID (or the default when empty),
// falling back down the chain on failure. Invalid configuration does
// not fall back; a misconfigured agent should fail loudly, not
// silently run on another backend.
func (r *Router) Chat(ctx context.Context, providerID string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	primary := r.resolve(providerID)
	if primary == nil {
		return nil, fmt.Errorf("%w: no provider available for %q", ErrInvalidConfig, providerID)
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if isConfigError(err) {
		return nil, err
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("provider", primary.ID()), zap.Error(err))

	for _, fbID := range r.fallbacks {
		fb, ok := r.providers[fbID]
		if !ok || fb.ID() == primary.ID() {
			continue
		}
		resp, ferr := fb.Chat(ctx, req)
		if ferr == nil {
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fbID), zap.Error(ferr))
	}
	return nil, err
}

func (r *Router) resolve(providerID string) Provider {
	if providerID != "" {
		if p, ok := r.providers[providerID]; ok {
			return p
		}
		return nil
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}
