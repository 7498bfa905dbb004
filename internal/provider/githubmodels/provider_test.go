package githubmodels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrag/internal/config"
	"scriptrag/internal/models"
	"scriptrag/internal/provider"
)

type countingCache struct {
	entries map[models.ProviderType][]models.Model
}

func (c *countingCache) Get(_ context.Context, p models.ProviderType) ([]models.Model, bool) {
	list, ok := c.entries[p]
	return list, ok
}

func (c *countingCache) Set(_ context.Context, p models.ProviderType, list []models.Model) {
	c.entries[p] = list
}

func newTestProvider(t *testing.T, handler http.HandlerFunc, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New(config.ProviderConfig{
		APIKey:         "ghp_test",
		BaseURL:        srv.URL + "/",
		DefaultModel:   "gpt-4o-mini",
		EmbeddingModel: "text-embedding-3-small",
		Headers:        config.Headers{"X-Client": "scriptrag"},
	}, srv.Client(), opts...)
	require.NoError(t, err)
	return p
}

func TestCompleteSendsBearerTokenAndMapsResponse(t *testing.T) {
	var payload chatPayload
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
		assert.Equal(t, "scriptrag", r.Header.Get("X-Client"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"characters\":[\"MAYA\"]}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 8, "total_tokens": 28}
		}`))
	})

	resp, err := p.Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "List the characters."}},
		System:   "You read screenplays.",
		ResponseFormat: &models.ResponseFormat{
			Type:   models.ResponseFormatJSONSchema,
			Schema: map[string]any{"type": "object"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", payload.Model)
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, models.RoleSystem, payload.Messages[0].Role)
	assert.InDelta(t, models.DefaultTemperature, payload.Temperature, 1e-9)
	assert.InDelta(t, models.DefaultTopP, payload.TopP, 1e-9)
	require.NotNil(t, payload.ResponseFormat)
	assert.Equal(t, "response", payload.ResponseFormat.JSONSchema.Name)

	assert.Equal(t, `{"characters":["MAYA"]}`, resp.Content())
	assert.Equal(t, 28, resp.Usage.TotalTokens)
	assert.Equal(t, models.ProviderGitHubModels, resp.Provider)
}

func TestCompleteErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   provider.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","code":"RateLimitReached"}}`, provider.KindUnavailable},
		{"bad model", http.StatusNotFound, `{"error":{"message":"unknown model","code":"unknown_model"}}`, provider.KindRequest},
		{"garbage body", http.StatusOK, `not json`, provider.KindProtocol},
		{"no choices", http.StatusOK, `{"id":"x","choices":[]}`, provider.KindProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := p.Complete(context.Background(), models.CompletionRequest{
				Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
			})
			require.Error(t, err)
			assert.Equal(t, tc.want, provider.KindOf(err))
		})
	}
}

func TestCompleteNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	p, err := New(config.ProviderConfig{APIKey: "ghp_test", BaseURL: srv.URL, DefaultModel: "gpt-4o"}, http.DefaultClient)
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	assert.Equal(t, provider.KindUnavailable, provider.KindOf(err))
}

func TestEmbedOrdersVectorsByIndex(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		var payload embeddingPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "text-embedding-3-small", payload.Model)

		_, _ = w.Write([]byte(`{
			"model": "text-embedding-3-small",
			"data": [{"index": 1, "embedding": [0.5, 0.5]}, {"index": 0, "embedding": [1, 0]}],
			"usage": {"prompt_tokens": 6, "total_tokens": 6}
		}`))
	})

	resp, err := p.Embed(context.Background(), models.EmbeddingRequest{Input: []string{"INT. HOUSE", "EXT. STREET"}})
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, []float32{1, 0}, resp.Data[0].Vector)
	assert.Equal(t, []float32{0.5, 0.5}, resp.Data[1].Vector)
	assert.Equal(t, 2, resp.Dimensions)
}

func TestListModelsParsesCatalogShapesAndCaches(t *testing.T) {
	bodies := []string{
		`[
			{"id": "azureml://registries/azure-openai/models/gpt-4o/versions/2", "name": "gpt-4o", "friendly_name": "OpenAI GPT-4o", "task": "chat-completion"},
			{"id": "azureml://registries/azure-openai/models/text-embedding-3-small/versions/1", "name": "text-embedding-3-small", "task": "embeddings"}
		]`,
		`{"data": [{"id": "openai/gpt-4.1", "name": "GPT-4.1", "limits": {"max_input_tokens": 1048576, "max_output_tokens": 32768}}]}`,
	}

	for i, body := range bodies {
		calls := 0
		cache := &countingCache{entries: map[models.ProviderType][]models.Model{}}
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			calls++
			require.Equal(t, "/models", r.URL.Path)
			_, _ = w.Write([]byte(body))
		}, WithCache(cache))

		list, err := p.ListModels(context.Background())
		require.NoError(t, err)
		_, err = p.ListModels(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, calls, "second listing is served from cache")

		switch i {
		case 0:
			require.Len(t, list, 2)
			assert.Equal(t, "gpt-4o", list[0].ID)
			assert.Equal(t, "OpenAI GPT-4o", list[0].Name)
			assert.True(t, list[0].Supports(models.CapabilityChat))
			assert.True(t, list[1].Supports(models.CapabilityEmbedding))
		case 1:
			require.Len(t, list, 1)
			assert.Equal(t, "openai/gpt-4.1", list[0].ID)
			require.NotNil(t, list[0].ContextWindow)
			assert.Equal(t, 1048576, *list[0].ContextWindow)
		}
	}
}

func TestAvailabilityRequiresToken(t *testing.T) {
	p, err := New(config.ProviderConfig{}, http.DefaultClient)
	require.NoError(t, err)
	assert.False(t, p.IsAvailable(context.Background()))

	_, err = p.Embed(context.Background(), models.EmbeddingRequest{Input: []string{"x"}})
	assert.Equal(t, provider.KindUnavailable, provider.KindOf(err))
}
