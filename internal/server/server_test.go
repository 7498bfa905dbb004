package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrag/internal/config"
	"scriptrag/internal/llm"
	"scriptrag/internal/metrics"
	"scriptrag/internal/models"
	"scriptrag/internal/provider"
)

type fakeClient struct {
	completeErr error
	embedErr    error
	lastReq     models.CompletionRequest
	available   map[models.ProviderType]bool
	switched    models.ProviderType
	resets      int
}

func (f *fakeClient) Complete(_ context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	f.lastReq = req
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &models.CompletionResponse{
		Model:    "gpt-4o-mini",
		Choices:  []models.Choice{{Message: models.Message{Role: models.RoleAssistant, Content: "JANE enters."}, FinishReason: "stop"}},
		Usage:    models.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		Provider: models.ProviderGitHubModels,
	}, nil
}

func (f *fakeClient) Embed(_ context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := &models.EmbeddingResponse{Model: "text-embedding-3-small", Provider: models.ProviderGitHubModels}
	for i := range req.Input {
		out.Data = append(out.Data, models.Embedding{Index: i, Vector: []float32{0.1, 0.2}})
	}
	return out, nil
}

func (f *fakeClient) ListModels(context.Context) ([]models.Model, error) {
	return []models.Model{{ID: "gpt-4o-mini", Provider: models.ProviderGitHubModels, Capabilities: []string{models.CapabilityChat}}}, nil
}

func (f *fakeClient) Providers(context.Context) []llm.ProviderStatus {
	return []llm.ProviderStatus{{Provider: models.ProviderGitHubModels, Registered: true, Available: true, Current: true}}
}

func (f *fakeClient) SwitchProvider(_ context.Context, target models.ProviderType) bool {
	if !f.available[target] {
		return false
	}
	f.switched = target
	return true
}

func (f *fakeClient) Metrics() metrics.Snapshot {
	return metrics.Snapshot{TotalSuccesses: 4, ProviderSuccesses: map[models.ProviderType]int{models.ProviderGitHubModels: 4}}
}

func (f *fakeClient) ResetMetrics() { f.resets++ }

func newTestServer(t *testing.T, client *fakeClient) *Server {
	t.Helper()
	srv, err := New(config.Default(), client, nil)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t, &fakeClient{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestChatCompletionCarriesProviderAndClearsStream(t *testing.T) {
	client := &fakeClient{}
	srv := newTestServer(t, client)

	rec := do(t, srv, http.MethodPost, "/v1/chat/completions",
		`{"stream": true, "messages": [{"role": "user", "content": "Who enters?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "github_models", resp["provider"])
	assert.True(t, strings.HasPrefix(resp["id"].(string), "chatcmpl-"))
	assert.True(t, client.lastReq.Stream, "the server forwards the flag; the client clears it")
}

func TestChatCompletionValidationIs400(t *testing.T) {
	srv := newTestServer(t, &fakeClient{})

	rec := do(t, srv, http.MethodPost, "/v1/chat/completions", `{"messages": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", decodeError(t, rec).Error.Type)

	rec = do(t, srv, http.MethodPost, "/v1/chat/completions", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"invalid", errors.Join(llm.ErrInvalidRequest, errors.New("temperature out of range")), http.StatusBadRequest, "invalid_request_error"},
		{"no provider", llm.ErrNoProviderAvailable, http.StatusServiceUnavailable, "provider_unavailable"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"all failed", &llm.AllProvidersFailedError{
			Operation: "complete",
			Attempts: []llm.Attempt{
				{Provider: models.ProviderClaudeSDK, Err: provider.Unavailable(models.ProviderClaudeSDK, "complete", errors.New("503"))},
				{Provider: models.ProviderGitHubModels, Err: provider.Unavailable(models.ProviderGitHubModels, "complete", errors.New("429"))},
			},
		}, http.StatusBadGateway, "upstream_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeClient{completeErr: tc.err})
			rec := do(t, srv, http.MethodPost, "/v1/chat/completions", `{"messages": [{"role": "user", "content": "hi"}]}`)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.typ, decodeError(t, rec).Error.Type)
		})
	}
}

func TestAllFailedListsAttemptedProviders(t *testing.T) {
	srv := newTestServer(t, &fakeClient{embedErr: &llm.AllProvidersFailedError{
		Operation: "embed",
		Attempts: []llm.Attempt{
			{Provider: models.ProviderClaudeSDK, Err: provider.Unsupported(models.ProviderClaudeSDK, "embed")},
		},
	}})

	rec := do(t, srv, http.MethodPost, "/v1/embeddings", `{"input": "scene"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, []models.ProviderType{models.ProviderClaudeSDK}, decodeError(t, rec).Error.Providers)
}

func TestEmbeddings(t *testing.T) {
	rec := do(t, newTestServer(t, &fakeClient{}), http.MethodPost, "/v1/embeddings", `{"input": ["a", "b"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Object   string `json:"object"`
		Provider string `json:"provider"`
		Data     []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "list", resp.Object)
	assert.Equal(t, "github_models", resp.Provider)
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, 1, resp.Data[1].Index)
}

func TestModelsAndProviders(t *testing.T) {
	srv := newTestServer(t, &fakeClient{})

	rec := do(t, srv, http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"owned_by":"github_models"`)

	rec = do(t, srv, http.MethodGet, "/v1/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"current":true`)
}

func TestSwitchProvider(t *testing.T) {
	client := &fakeClient{available: map[models.ProviderType]bool{models.ProviderOpenAICompatible: true}}
	srv := newTestServer(t, client)

	rec := do(t, srv, http.MethodPut, "/v1/providers/current", `{"provider": "openai"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ProviderOpenAICompatible, client.switched)

	rec = do(t, srv, http.MethodPut, "/v1/providers/current", `{"provider": "claude_sdk"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "provider_unavailable", decodeError(t, rec).Error.Type)

	rec = do(t, srv, http.MethodPut, "/v1/providers/current", `{"provider": "bard"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_provider", decodeError(t, rec).Error.Code)
}

func TestMetricsEndpoints(t *testing.T) {
	client := &fakeClient{}
	srv := newTestServer(t, client)

	rec := do(t, srv, http.MethodGet, "/v1/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_successes":4`)

	rec = do(t, srv, http.MethodDelete, "/v1/metrics", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, client.resets)
}

func TestNotFoundUsesOpenAIErrorShape(t *testing.T) {
	rec := do(t, newTestServer(t, &fakeClient{}), http.MethodGet, "/v1/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decodeError(t, rec).Error.Message)
}

func TestClaudeMessagesRoute(t *testing.T) {
	client := &fakeClient{}
	srv := newTestServer(t, client)

	rec := do(t, srv, http.MethodPost, "/v1/messages",
		`{"system": "Be brief", "max_tokens": 64, "messages": [{"role": "user", "content": "Who enters?"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp["type"])
	assert.Equal(t, "end_turn", resp["stop_reason"])
	assert.Equal(t, "github_models", resp["provider"])
	assert.True(t, strings.HasPrefix(resp["id"].(string), "msg_"))
	assert.Equal(t, "Be brief", client.lastReq.System)
}
