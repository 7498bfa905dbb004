package githubmodels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"scriptrag/internal/config"
	"scriptrag/internal/models"
	"scriptrag/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "scriptrag/0.1"
	probeTimeout    = 5 * time.Second
	maxErrorBody    = 64 * 1024
)

// Provider talks to the GitHub Models inference endpoint with a bearer token.
type Provider struct {
	token          string
	baseURL        string
	headers        map[string]string
	client         *http.Client
	disabled       bool
	probe          bool
	defaultModel   string
	embeddingModel string
	cache          provider.ModelCache
	logger         *zap.Logger
}

// Option customizes the provider.
type Option func(*Provider)

// WithCache sets the model discovery cache.
func WithCache(cache provider.ModelCache) Option {
	return func(p *Provider) { p.cache = cache }
}

// WithLogger sets the provider logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a GitHub Models provider.
func New(cfg config.ProviderConfig, client *http.Client, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = config.DefaultGitHubModelsURL
	}

	p := &Provider{
		token:          strings.TrimSpace(cfg.APIKey),
		baseURL:        baseURL,
		headers:        cfg.Headers,
		client:         client,
		disabled:       cfg.Disabled,
		probe:          cfg.Probe,
		defaultModel:   cfg.DefaultModel,
		embeddingModel: cfg.EmbeddingModel,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("github_models")
	return p, nil
}

func (p *Provider) Type() models.ProviderType {
	return models.ProviderGitHubModels
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	if p.disabled || p.token == "" {
		return false
	}
	if !p.probe {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := p.discover(probeCtx); err != nil {
		p.logger.Debug("availability probe failed", zap.Error(err))
		return false
	}
	return true
}

func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	if err := p.ready(provider.OpListModels); err != nil {
		return nil, err
	}
	return provider.Discover(ctx, p.cache, p.Type(), p.discover)
}

func (p *Provider) discover(ctx context.Context) ([]models.Model, error) {
	httpReq, err := p.newRequest(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, provider.RequestFailed(p.Type(), provider.OpListModels, err)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Transport(ctx, p.Type(), provider.OpListModels, fmt.Errorf("github models catalog request failed: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, provider.FromHTTPStatus(p.Type(), provider.OpListModels, httpResp.StatusCode, parseAPIError(httpResp))
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, provider.Transport(ctx, p.Type(), provider.OpListModels, fmt.Errorf("read catalog: %w", err))
	}
	entries, err := parseCatalog(body)
	if err != nil {
		return nil, provider.Protocol(p.Type(), provider.OpListModels, err)
	}

	out := make([]models.Model, 0, len(entries))
	for _, entry := range entries {
		if m, ok := entry.toModel(); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	if err := p.ready("complete"); err != nil {
		return nil, err
	}
	if req.Stream {
		return nil, provider.Unsupported(p.Type(), "stream")
	}

	payload := buildChatPayload(req, p.defaultModel)
	if payload.Model == "" {
		return nil, provider.RequestFailed(p.Type(), "complete", errors.New("model must be specified"))
	}

	var providerResp chatResponse
	if err := p.post(ctx, "complete", "/chat/completions", payload, &providerResp); err != nil {
		return nil, err
	}

	resp, err := providerResp.toCompletion()
	if err != nil {
		return nil, provider.Protocol(p.Type(), "complete", err)
	}
	if resp.Model == "" {
		resp.Model = payload.Model
	}
	return resp, nil
}

func (p *Provider) Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	if err := p.ready("embed"); err != nil {
		return nil, err
	}

	payload := embeddingPayload{
		Model:      req.Model,
		Input:      req.Input,
		Dimensions: req.Dimensions,
	}
	if payload.Model == "" {
		payload.Model = p.embeddingModel
	}
	if payload.Model == "" {
		return nil, provider.RequestFailed(p.Type(), "embed", errors.New("embedding model must be specified"))
	}

	var providerResp embeddingResponse
	if err := p.post(ctx, "embed", "/embeddings", payload, &providerResp); err != nil {
		return nil, err
	}

	resp, err := providerResp.toEmbedding(len(req.Input))
	if err != nil {
		return nil, provider.Protocol(p.Type(), "embed", err)
	}
	if resp.Model == "" {
		resp.Model = payload.Model
	}
	return resp, nil
}

func (p *Provider) ready(op string) error {
	if p.disabled || p.token == "" {
		return provider.Unavailable(p.Type(), op, errors.New("GITHUB_TOKEN is not configured"))
	}
	return nil
}

func (p *Provider) post(ctx context.Context, op, path string, payload, target any) error {
	httpReq, err := p.newRequest(ctx, http.MethodPost, p.baseURL+path, payload)
	if err != nil {
		return provider.RequestFailed(p.Type(), op, err)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.Transport(ctx, p.Type(), op, fmt.Errorf("github models request failed: %w", err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return provider.FromHTTPStatus(p.Type(), op, httpResp.StatusCode, parseAPIError(httpResp))
	}

	if err := decodeJSON(httpResp.Body, target); err != nil {
		return provider.Protocol(p.Type(), op, err)
	}
	return nil
}

func (p *Provider) newRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+p.token)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatPayload struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	TopP           float64         `json:"top_p"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *jsonSchemaSpec `json:"json_schema,omitempty"`
}

type jsonSchemaSpec struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

func buildChatPayload(req models.CompletionRequest, defaultModel string) chatPayload {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if s := strings.TrimSpace(req.System); s != "" {
		messages = append(messages, chatMessage{Role: models.RoleSystem, Content: s})
	}
	for _, msg := range req.Messages {
		messages = append(messages, chatMessage{Role: msg.Role, Content: msg.Content})
	}

	payload := chatPayload{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.EffectiveTemperature(),
		TopP:        req.EffectiveTopP(),
	}
	if payload.Model == "" {
		payload.Model = defaultModel
	}

	if rf := req.ResponseFormat; rf != nil && rf.Type != models.ResponseFormatText {
		payload.ResponseFormat = &responseFormat{Type: rf.Type}
		if rf.Type == models.ResponseFormatJSONSchema {
			name := rf.Name
			if name == "" {
				name = "response"
			}
			payload.ResponseFormat.JSONSchema = &jsonSchemaSpec{Name: name, Schema: rf.Schema, Strict: true}
		}
	}
	return payload
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usageBlock) toUsage() models.Usage {
	return models.Usage{
		PromptTokens:     valueOrZero(u, func(u *usageBlock) int { return u.PromptTokens }),
		CompletionTokens: valueOrZero(u, func(u *usageBlock) int { return u.CompletionTokens }),
		TotalTokens:      valueOrZero(u, func(u *usageBlock) int { return u.TotalTokens }),
	}
}

func (r chatResponse) toCompletion() (*models.CompletionResponse, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("github models response did not include choices")
	}

	choices := make([]models.Choice, 0, len(r.Choices))
	for _, c := range r.Choices {
		role := c.Message.Role
		if role == "" {
			role = models.RoleAssistant
		}
		choices = append(choices, models.Choice{
			Index:        c.Index,
			Message:      models.Message{Role: role, Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}

	return &models.CompletionResponse{
		ID:       r.ID,
		Model:    r.Model,
		Choices:  choices,
		Usage:    r.Usage.toUsage(),
		Provider: models.ProviderGitHubModels,
	}, nil
}

type embeddingPayload struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Model string           `json:"model"`
	Data  []embeddingDatum `json:"data"`
	Usage *usageBlock      `json:"usage,omitempty"`
}

type embeddingDatum struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

func (r embeddingResponse) toEmbedding(inputs int) (*models.EmbeddingResponse, error) {
	if len(r.Data) != inputs {
		return nil, fmt.Errorf("github models returned %d embeddings for %d inputs", len(r.Data), inputs)
	}

	data := make([]models.Embedding, inputs)
	dims := 0
	for _, d := range r.Data {
		if d.Index < 0 || d.Index >= inputs {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		data[d.Index] = models.Embedding{Index: d.Index, Vector: vec}
		dims = len(vec)
	}

	return &models.EmbeddingResponse{
		Model:      r.Model,
		Data:       data,
		Dimensions: dims,
		Usage:      r.Usage.toUsage(),
		Provider:   models.ProviderGitHubModels,
	}, nil
}

type catalogEntry struct {
	ID                        string   `json:"id"`
	Name                      string   `json:"name"`
	FriendlyName              string   `json:"friendly_name"`
	Task                      string   `json:"task"`
	SupportedOutputModalities []string `json:"supported_output_modalities"`
	Limits                    *struct {
		MaxInputTokens  *int `json:"max_input_tokens"`
		MaxOutputTokens *int `json:"max_output_tokens"`
	} `json:"limits,omitempty"`
}

func parseCatalog(body []byte) ([]catalogEntry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty catalog response")
	}

	var entries []catalogEntry
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, fmt.Errorf("decode catalog: %w", err)
		}
		return entries, nil
	}

	var wrapped struct {
		Data []catalogEntry `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return wrapped.Data, nil
}

// toModel prefers the short name when the id is a registry path.
func (e catalogEntry) toModel() (models.Model, bool) {
	id := e.ID
	if (id == "" || strings.Contains(id, "://")) && e.Name != "" {
		id = e.Name
	}
	if id == "" {
		return models.Model{}, false
	}

	name := e.FriendlyName
	if name == "" {
		name = e.Name
	}
	if name == "" {
		name = id
	}

	m := models.Model{
		ID:           id,
		Name:         name,
		Provider:     models.ProviderGitHubModels,
		Capabilities: e.capabilities(),
	}
	if e.Limits != nil {
		m.ContextWindow = e.Limits.MaxInputTokens
		m.MaxOutputTokens = e.Limits.MaxOutputTokens
	}
	return m, true
}

func (e catalogEntry) capabilities() []string {
	task := strings.ToLower(e.Task)
	switch {
	case strings.Contains(task, "embedding"):
		return []string{models.CapabilityEmbedding}
	case task == "chat-completion", task == "chat":
		return []string{models.CapabilityCompletion, models.CapabilityChat}
	}
	for _, modality := range e.SupportedOutputModalities {
		if strings.EqualFold(modality, "embeddings") {
			return []string{models.CapabilityEmbedding}
		}
	}
	return []string{models.CapabilityCompletion, models.CapabilityChat}
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		if apiErr.Error.Code != nil {
			return fmt.Errorf("github models error (%v): %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("github models error (%s): %s", apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("upstream error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func valueOrZero[T any, R any](ptr *T, getter func(*T) R) R {
	var zero R
	if ptr == nil {
		return zero
	}
	return getter(ptr)
}
