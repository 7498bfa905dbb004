package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrag/internal/models"
)

type namedProvider struct{ t models.ProviderType }

func (n namedProvider) Type() models.ProviderType          { return n.t }
func (n namedProvider) IsAvailable(context.Context) bool { return true }
func (n namedProvider) ListModels(context.Context) ([]models.Model, error) {
	return nil, nil
}
func (n namedProvider) Complete(context.Context, models.CompletionRequest) (*models.CompletionResponse, error) {
	return nil, nil
}
func (n namedProvider) Embed(context.Context, models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	return nil, Unsupported(n.t, "embed")
}

func TestRegistryRejectsDuplicatesAndKeepsOrder(t *testing.T) {
	reg, err := NewRegistry(
		namedProvider{models.ProviderOpenAICompatible},
		namedProvider{models.ProviderClaudeSDK},
	)
	require.NoError(t, err)

	err = reg.Register(namedProvider{models.ProviderClaudeSDK})
	assert.ErrorIs(t, err, ErrDuplicateProvider)
	assert.Equal(t, []models.ProviderType{models.ProviderOpenAICompatible, models.ProviderClaudeSDK}, reg.Types())

	_, err = reg.Lookup(models.ProviderGitHubModels)
	assert.ErrorIs(t, err, ErrNotRegistered)

	err = reg.Register(namedProvider{"bedrock"})
	assert.ErrorIs(t, err, models.ErrUnknownProvider)
}

func TestFromHTTPStatus(t *testing.T) {
	cases := map[int]Kind{
		http.StatusBadRequest:          KindRequest,
		http.StatusUnauthorized:        KindRequest,
		http.StatusNotFound:            KindRequest,
		http.StatusRequestTimeout:      KindUnavailable,
		http.StatusTooManyRequests:     KindUnavailable,
		http.StatusBadGateway:          KindUnavailable,
		http.StatusServiceUnavailable:  KindUnavailable,
		http.StatusNotImplemented:      KindUnsupported,
		http.StatusInternalServerError: KindUnavailable,
	}
	for status, want := range cases {
		got := FromHTTPStatus(models.ProviderGitHubModels, "complete", status, errors.New("boom"))
		assert.Equal(t, want, got.Kind, "status %d", status)
	}
}

func TestFromHTTPStatusTreatsDiscoveryAuthFailuresAsUnavailable(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		got := FromHTTPStatus(models.ProviderOpenAICompatible, OpListModels, status, errors.New("bad key"))
		assert.Equal(t, KindUnavailable, got.Kind, "status %d", status)
	}
	got := FromHTTPStatus(models.ProviderOpenAICompatible, OpListModels, http.StatusNotImplemented, errors.New("no route"))
	assert.Equal(t, KindUnsupported, got.Kind)
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", RequestFailed(models.ProviderClaudeSDK, "complete", errors.New("bad model")))
	assert.Equal(t, KindRequest, KindOf(wrapped))
	assert.Equal(t, KindUnsupported, KindOf(Unsupported(models.ProviderClaudeSDK, "embed")))
	assert.Equal(t, KindUnavailable, KindOf(errors.New("connection reset")))
	assert.Equal(t, KindCanceled, KindOf(fmt.Errorf("call: %w", context.Canceled)))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.True(t, errors.Is(Unsupported(models.ProviderClaudeSDK, "embed"), ErrUnsupported))
	assert.True(t, KindUnavailable.Retryable())
	assert.False(t, KindProtocol.Retryable())
}

func TestTransportRespectsCallerContext(t *testing.T) {
	err := Transport(context.Background(), models.ProviderGitHubModels, "complete", errors.New("connection refused"))
	assert.Equal(t, KindUnavailable, err.Kind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Transport(ctx, models.ProviderGitHubModels, "complete", context.Canceled)
	assert.Equal(t, KindCanceled, err.Kind)
	assert.ErrorIs(t, err, context.Canceled)
}

type mapCache struct {
	entries map[models.ProviderType][]models.Model
	sets    int
}

func (m *mapCache) Get(_ context.Context, p models.ProviderType) ([]models.Model, bool) {
	list, ok := m.entries[p]
	return list, ok
}

func (m *mapCache) Set(_ context.Context, p models.ProviderType, list []models.Model) {
	m.sets++
	m.entries[p] = list
}

func TestDiscoverUsesCacheBeforeLive(t *testing.T) {
	cache := &mapCache{entries: map[models.ProviderType][]models.Model{}}
	calls := 0
	live := func(context.Context) ([]models.Model, error) {
		calls++
		return []models.Model{{ID: "gpt-4o"}}, nil
	}

	first, err := Discover(context.Background(), cache, models.ProviderGitHubModels, live)
	require.NoError(t, err)
	second, err := Discover(context.Background(), cache, models.ProviderGitHubModels, live)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, cache.sets)
	assert.Equal(t, models.ProviderGitHubModels, first[0].Provider)
	assert.Equal(t, first, second)
}

func TestDiscoverDoesNotCacheFailures(t *testing.T) {
	cache := &mapCache{entries: map[models.ProviderType][]models.Model{}}
	live := func(context.Context) ([]models.Model, error) {
		return nil, Unavailable(models.ProviderGitHubModels, "list_models", errors.New("dial tcp"))
	}

	_, err := Discover(context.Background(), cache, models.ProviderGitHubModels, live)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Zero(t, cache.sets)
}

func TestDiscoverWithoutCache(t *testing.T) {
	list, err := Discover(context.Background(), nil, models.ProviderClaudeSDK, func(context.Context) ([]models.Model, error) {
		return []models.Model{{ID: "claude-sonnet-4-5"}}, nil
	})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
