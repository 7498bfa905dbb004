package provider

import (
	"context"

	"scriptrag/internal/models"
)

// ModelCache is the narrow view of the discovery cache that providers consult.
type ModelCache interface {
	Get(ctx context.Context, p models.ProviderType) ([]models.Model, bool)
	Set(ctx context.Context, p models.ProviderType, list []models.Model)
}

// DiscoverFunc performs a live model discovery against the backend.
type DiscoverFunc func(ctx context.Context) ([]models.Model, error)

// Discover consults cache first and only calls live on a miss, writing the
// result back on success. A nil cache always goes live.
func Discover(ctx context.Context, cache ModelCache, p models.ProviderType, live DiscoverFunc) ([]models.Model, error) {
	if cache != nil {
		if cached, ok := cache.Get(ctx, p); ok {
			return cached, nil
		}
	}

	list, err := live(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Provider = p
	}

	if cache != nil {
		cache.Set(ctx, p, list)
	}
	return models.CloneModels(list), nil
}
