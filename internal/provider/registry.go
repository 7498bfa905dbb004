package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"scriptrag/internal/models"
)

// ErrDuplicateProvider indicates an attempt to register the same provider type twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// ErrNotRegistered indicates the requested provider type has no registered implementation.
var ErrNotRegistered = errors.New("provider not registered")

// Provider defines the capability contract every LLM backend satisfies.
type Provider interface {
	Type() models.ProviderType
	// IsAvailable must be cheap and must never fail; an unconfigured provider reports false.
	IsAvailable(ctx context.Context) bool
	ListModels(ctx context.Context) ([]models.Model, error)
	Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error)
	Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error)
}

// Registry holds at most one provider per type, in registration order.
type Registry struct {
	mu     sync.RWMutex
	order  []models.ProviderType
	byType map[models.ProviderType]Provider
}

// NewRegistry constructs a registry populated with the supplied providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{byType: make(map[models.ProviderType]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}
	t := p.Type()
	if !t.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnknownProvider, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byType[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, t)
	}
	r.byType[t] = p
	r.order = append(r.order, t)
	return nil
}

// Lookup returns the provider registered for t.
func (r *Registry) Lookup(t models.ProviderType) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byType[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, t)
	}
	return p, nil
}

// Types lists registered provider types in registration order.
func (r *Registry) Types() []models.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ProviderType, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
