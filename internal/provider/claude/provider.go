package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"scriptrag/internal/config"
	"scriptrag/internal/models"
	"scriptrag/internal/provider"
)

const (
	defaultMaxTokens = 4096
	probeTimeout     = 5 * time.Second
	maxTemperature   = 1.0
)

const jsonInstruction = "Respond with a single valid JSON value and nothing else. Do not wrap it in markdown code fences."

var knownModels = []models.Model{
	knownModel("claude-opus-4-1", "Claude Opus 4.1", 200000, 32000),
	knownModel("claude-sonnet-4-5", "Claude Sonnet 4.5", 200000, 64000),
	knownModel("claude-haiku-4-5", "Claude Haiku 4.5", 200000, 64000),
	knownModel("claude-3-5-haiku-latest", "Claude Haiku 3.5", 200000, 8192),
}

func knownModel(id, name string, window, output int) models.Model {
	return models.Model{
		ID:              id,
		Name:            name,
		Provider:        models.ProviderClaudeSDK,
		Capabilities:    []string{models.CapabilityCompletion, models.CapabilityChat},
		ContextWindow:   &window,
		MaxOutputTokens: &output,
	}
}

// Provider serves completions through the Anthropic SDK.
type Provider struct {
	client       anthropic.Client
	configured   bool
	probe        bool
	defaultModel string
	cache        provider.ModelCache
	logger       *zap.Logger
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

// New constructs a Claude provider. A provider without an API key is still
// constructed but reports itself unavailable.
func New(cfg config.ProviderConfig, client *http.Client, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(client),
		option.WithMaxRetries(0),
	}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	for k, v := range cfg.Headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}

	p := &Provider{
		client:       anthropic.NewClient(reqOpts...),
		configured:   cfg.Configured(),
		probe:        cfg.Probe,
		defaultModel: cfg.DefaultModel,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("claude")
	return p, nil
}

func (p *Provider) Type() models.ProviderType {
	return models.ProviderClaudeSDK
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
	if _, err := p.client.Models.List(probeCtx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		p.logger.Debug("availability probe failed", zap.Error(err))
		return false
	}
	return true
}

// ListModels discovers models through the Models API. Known models are
// enriched with context and output limits.
func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	if !p.configured {
		return nil, provider.Unavailable(p.Type(), provider.OpListModels, errors.New("ANTHROPIC_API_KEY is not configured"))
	}
	return provider.Discover(ctx, p.cache, p.Type(), p.discover)
}

func (p *Provider) discover(ctx context.Context) ([]models.Model, error) {
	var out []models.Model
	pager := p.client.Models.ListAutoPaging(ctx, anthropic.ModelListParams{})
	for pager.Next() {
		info := pager.Current()
		m := lookupKnown(info.ID)
		m.ID = info.ID
		if info.DisplayName != "" {
			m.Name = info.DisplayName
		}
		out = append(out, m)
	}
	if err := pager.Err(); err != nil {
		return nil, p.classify(ctx, provider.OpListModels, err)
	}
	return out, nil
}

func lookupKnown(id string) models.Model {
	for _, m := range knownModels {
		if m.ID == id {
			return m.Clone()
		}
	}
	return models.Model{
		ID:           id,
		Name:         id,
		Provider:     models.ProviderClaudeSDK,
		Capabilities: []string{models.CapabilityCompletion, models.CapabilityChat},
	}
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	if !p.configured {
		return nil, provider.Unavailable(p.Type(), "complete", errors.New("ANTHROPIC_API_KEY is not configured"))
	}
	if req.Stream {
		return nil, provider.Unsupported(p.Type(), "stream")
	}

	params, err := p.buildParams(req)
	if err != nil {
		return nil, provider.RequestFailed(p.Type(), "complete", err)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.classify(ctx, "complete", err)
	}
	return toResponse(msg)
}

func (p *Provider) Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	return nil, provider.Unsupported(p.Type(), "embed")
}

func (p *Provider) buildParams(req models.CompletionRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return anthropic.MessageNewParams{}, errors.New("model must be specified")
	}

	var system []string
	if s := strings.TrimSpace(req.System); s != "" {
		system = append(system, s)
	}

	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, msg.Content)
		case models.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, errors.New("at least one user or assistant message is required")
	}

	if instr, err := formatInstruction(req.ResponseFormat); err != nil {
		return anthropic.MessageNewParams{}, err
	} else if instr != "" {
		system = append(system, instr)
	}

	maxTokens := int64(defaultMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   maxTokens,
		Messages:    messages,
		Temperature: anthropic.Float(min(req.EffectiveTemperature(), maxTemperature)),
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	return params, nil
}

func formatInstruction(format *models.ResponseFormat) (string, error) {
	if format == nil {
		return "", nil
	}
	switch format.Type {
	case models.ResponseFormatJSONObject:
		return jsonInstruction, nil
	case models.ResponseFormatJSONSchema:
		schema, err := json.Marshal(format.Schema)
		if err != nil {
			return "", fmt.Errorf("marshal response schema: %w", err)
		}
		return jsonInstruction + " The JSON must conform to this JSON Schema:\n" + string(schema), nil
	default:
		return "", nil
	}
}

func toResponse(msg *anthropic.Message) (*models.CompletionResponse, error) {
	if msg == nil {
		return nil, provider.Protocol(models.ProviderClaudeSDK, "complete", errors.New("empty message"))
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	prompt := int(msg.Usage.InputTokens)
	completion := int(msg.Usage.OutputTokens)
	return &models.CompletionResponse{
		ID:    msg.ID,
		Model: string(msg.Model),
		Choices: []models.Choice{{
			Index:        0,
			Message:      models.Message{Role: models.RoleAssistant, Content: text.String()},
			FinishReason: finishReason(msg.StopReason),
		}},
		Usage: models.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		Provider: models.ProviderClaudeSDK,
	}, nil
}

func finishReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return "stop"
	case anthropic.StopReasonMaxTokens:
		return "length"
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	default:
		return string(reason)
	}
}

func (p *Provider) classify(ctx context.Context, op string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return provider.FromHTTPStatus(p.Type(), op, apiErr.StatusCode, err)
	}
	return provider.Transport(ctx, p.Type(), op, err)
}
