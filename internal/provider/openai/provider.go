package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"scriptrag/internal/config"
	"scriptrag/internal/models"
	"scriptrag/internal/provider"
)

const probeTimeout = 5 * time.Second

// Provider implements the Provider interface for any OpenAI-compatible endpoint.
type Provider struct {
	client         openai.Client
	endpoint       string
	configured     bool
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

// New creates a new OpenAI-compatible provider. Retries are disabled in the
// SDK because the LLM client owns the retry policy.
func New(cfg config.ProviderConfig, client *http.Client, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	endpoint := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(client),
		option.WithMaxRetries(0),
	}
	if endpoint != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(endpoint+"/"))
	}
	for k, v := range cfg.Headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}

	p := &Provider{
		client:         openai.NewClient(reqOpts...),
		endpoint:       endpoint,
		configured:     cfg.Configured() && endpoint != "",
		probe:          cfg.Probe,
		defaultModel:   cfg.DefaultModel,
		embeddingModel: cfg.EmbeddingModel,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("openai_compatible")
	return p, nil
}

func (p *Provider) Type() models.ProviderType {
	return models.ProviderOpenAICompatible
}

func (p *Provider) IsAvailable(ctx context.Context) bool {
	if !p.configured {
		return false
	}
	if !p.probe {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if _, err := p.client.Models.List(probeCtx); err != nil {
		p.logger.Debug("availability probe failed", zap.String("endpoint", p.endpoint), zap.Error(err))
		return false
	}
	return true
}

// ListModels discovers models from GET /models. Endpoints without a models
// route fall back to the configured default models.
func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	if err := p.ready(provider.OpListModels); err != nil {
		return nil, err
	}

	list, err := provider.Discover(ctx, p.cache, p.Type(), p.discover)
	if err != nil {
		if noModelsRoute(err) && p.defaultModel != "" {
			p.logger.Debug("endpoint has no model listing; using configured models", zap.Error(err))
			return p.configuredModels(), nil
		}
		return nil, err
	}
	return list, nil
}

// noModelsRoute reports whether discovery failed because the endpoint does not
// serve GET /models at all.
func noModelsRoute(err error) bool {
	var perr *provider.Error
	if !errors.As(err, &perr) {
		return false
	}
	switch perr.StatusCode {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	}
	return false
}

func (p *Provider) discover(ctx context.Context) ([]models.Model, error) {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return nil, p.classify(ctx, provider.OpListModels, err)
	}

	out := make([]models.Model, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, newModel(m.ID))
	}
	return out, nil
}

func (p *Provider) configuredModels() []models.Model {
	out := []models.Model{newModel(p.defaultModel)}
	if p.embeddingModel != "" && p.embeddingModel != p.defaultModel {
		out = append(out, newModel(p.embeddingModel))
	}
	return out
}

func newModel(id string) models.Model {
	caps := []string{models.CapabilityCompletion, models.CapabilityChat}
	if strings.Contains(strings.ToLower(id), "embed") {
		caps = []string{models.CapabilityEmbedding}
	}
	return models.Model{
		ID:           id,
		Name:         id,
		Provider:     models.ProviderOpenAICompatible,
		Capabilities: caps,
	}
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	if err := p.ready("complete"); err != nil {
		return nil, err
	}
	if req.Stream {
		return nil, provider.Unsupported(p.Type(), "stream")
	}

	params, err := p.buildChatParams(req)
	if err != nil {
		return nil, provider.RequestFailed(p.Type(), "complete", err)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(ctx, "complete", err)
	}
	if len(completion.Choices) == 0 {
		return nil, provider.Protocol(p.Type(), "complete", errors.New("openai response did not include choices"))
	}

	choices := make([]models.Choice, 0, len(completion.Choices))
	for _, c := range completion.Choices {
		choices = append(choices, models.Choice{
			Index:        int(c.Index),
			Message:      models.Message{Role: models.RoleAssistant, Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}

	model := completion.Model
	if model == "" {
		model = params.Model
	}
	return &models.CompletionResponse{
		ID:      completion.ID,
		Model:   model,
		Choices: choices,
		Usage: models.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
		Provider: models.ProviderOpenAICompatible,
	}, nil
}

func (p *Provider) buildChatParams(req models.CompletionRequest) (openai.ChatCompletionNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return openai.ChatCompletionNewParams{}, errors.New("model must be specified")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if s := strings.TrimSpace(req.System); s != "" {
		messages = append(messages, openai.SystemMessage(s))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    messages,
		Temperature: openai.Float(req.EffectiveTemperature()),
		TopP:        openai.Float(req.EffectiveTopP()),
	}
	if req.MaxTokens != nil {
		params.MaxTokens = openai.Int(int64(*req.MaxTokens))
	}

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case models.ResponseFormatJSONObject:
			params.ResponseFormat.OfJSONObject = &shared.ResponseFormatJSONObjectParam{}
		case models.ResponseFormatJSONSchema:
			name := rf.Name
			if name == "" {
				name = "response"
			}
			params.ResponseFormat.OfJSONSchema = &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: rf.Schema,
					Strict: openai.Bool(true),
				},
			}
		}
	}
	return params, nil
}

func (p *Provider) Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	if err := p.ready("embed"); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.embeddingModel
	}
	if model == "" {
		return nil, provider.RequestFailed(p.Type(), "embed", errors.New("embedding model must be specified"))
	}

	params := openai.EmbeddingNewParams{
		Model: model,
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	}
	if req.Dimensions != nil {
		params.Dimensions = openai.Int(int64(*req.Dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, p.classify(ctx, "embed", err)
	}
	if len(resp.Data) != len(req.Input) {
		return nil, provider.Protocol(p.Type(), "embed", errors.New("embedding count does not match input count"))
	}

	data := make([]models.Embedding, len(resp.Data))
	dims := 0
	for _, d := range resp.Data {
		idx := int(d.Index)
		if idx < 0 || idx >= len(data) {
			return nil, provider.Protocol(p.Type(), "embed", errors.New("embedding index out of range"))
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		data[idx] = models.Embedding{Index: idx, Vector: vec}
		dims = len(vec)
	}

	respModel := resp.Model
	if respModel == "" {
		respModel = model
	}
	return &models.EmbeddingResponse{
		Model:      respModel,
		Data:       data,
		Dimensions: dims,
		Usage: models.Usage{
			PromptTokens: int(resp.Usage.PromptTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		Provider: models.ProviderOpenAICompatible,
	}, nil
}

func (p *Provider) ready(op string) error {
	if !p.configured {
		return provider.Unavailable(p.Type(), op, errors.New("SCRIPTRAG_LLM_ENDPOINT and SCRIPTRAG_LLM_API_KEY are not configured"))
	}
	return nil
}

func (p *Provider) classify(ctx context.Context, op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return provider.FromHTTPStatus(p.Type(), op, apiErr.StatusCode, err)
	}
	return provider.Transport(ctx, p.Type(), op, err)
}
