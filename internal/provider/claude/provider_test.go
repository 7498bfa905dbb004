package claude

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

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New(config.ProviderConfig{
		APIKey:       "sk-ant-test",
		BaseURL:      srv.URL,
		DefaultModel: "claude-sonnet-4-5",
	}, srv.Client())
	require.NoError(t, err)
	return p
}

func TestCompleteTranslatesRequestAndResponse(t *testing.T) {
	var captured map[string]any
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "INT. KITCHEN - NIGHT"}],
			"stop_reason": "end_turn",
			"stop_sequence": null,
			"usage": {"input_tokens": 12, "output_tokens": 5}
		}`))
	})

	temp := 1.5
	resp, err := p.Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "You summarize scenes."},
			{Role: models.RoleUser, Content: "Give me a slugline."},
		},
		System:         "Be terse.",
		Temperature:    &temp,
		ResponseFormat: &models.ResponseFormat{Type: models.ResponseFormatJSONObject},
	})
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4-5", captured["model"])
	assert.EqualValues(t, defaultMaxTokens, captured["max_tokens"])
	assert.EqualValues(t, 1.0, captured["temperature"], "temperature is clamped to the anthropic range")
	system := captured["system"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, system, "Be terse.")
	assert.Contains(t, system, "You summarize scenes.")
	assert.Contains(t, system, jsonInstruction)
	assert.Len(t, captured["messages"], 1)

	assert.Equal(t, "INT. KITCHEN - NIGHT", resp.Content())
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	assert.Equal(t, models.ProviderClaudeSDK, resp.Provider)
}

func TestCompleteClassifiesStatusCodes(t *testing.T) {
	cases := map[int]provider.Kind{
		http.StatusBadRequest:         provider.KindRequest,
		http.StatusTooManyRequests:    provider.KindUnavailable,
		http.StatusServiceUnavailable: provider.KindUnavailable,
	}
	for status, want := range cases {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
		})
		_, err := p.Complete(context.Background(), models.CompletionRequest{
			Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
		})
		require.Error(t, err)
		assert.Equal(t, want, provider.KindOf(err), "status %d", status)
	}
}

func TestEmbedIsUnsupported(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s", r.URL.Path)
	})
	_, err := p.Embed(context.Background(), models.EmbeddingRequest{Input: []string{"scene"}})
	assert.ErrorIs(t, err, provider.ErrUnsupported)
	assert.Equal(t, provider.KindUnsupported, provider.KindOf(err))
}

func TestListModelsEnrichesKnownModels(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": [
				{"id": "claude-sonnet-4-5", "display_name": "Claude Sonnet 4.5", "created_at": "2025-09-29T00:00:00Z", "type": "model"},
				{"id": "claude-new-model", "display_name": "Claude New", "created_at": "2025-10-01T00:00:00Z", "type": "model"}
			],
			"has_more": false,
			"first_id": "claude-sonnet-4-5",
			"last_id": "claude-new-model"
		}`))
	})

	list, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.NotNil(t, list[0].ContextWindow)
	assert.Equal(t, 200000, *list[0].ContextWindow)
	assert.Equal(t, "Claude New", list[1].Name)
	assert.Nil(t, list[1].ContextWindow)
	assert.Equal(t, models.ProviderClaudeSDK, list[1].Provider)
}

func TestListModelsReportsUnreachableBackend(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusUnauthorized} {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"down"}}`))
		})
		list, err := p.ListModels(context.Background())
		require.Error(t, err, "status %d", status)
		assert.Nil(t, list)
		assert.Equal(t, provider.KindUnavailable, provider.KindOf(err), "status %d", status)
	}
}

func TestUnconfiguredProviderIsUnavailable(t *testing.T) {
	p, err := New(config.ProviderConfig{}, http.DefaultClient)
	require.NoError(t, err)

	assert.False(t, p.IsAvailable(context.Background()))
	_, err = p.Complete(context.Background(), models.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	assert.Equal(t, provider.KindUnavailable, provider.KindOf(err))
}
