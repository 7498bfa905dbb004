package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ProviderType identifies one of the supported LLM backends.
type ProviderType string

const (
	ProviderClaudeSDK        ProviderType = "claude_sdk"
	ProviderGitHubModels     ProviderType = "github_models"
	ProviderOpenAICompatible ProviderType = "openai_compatible"
)

// DefaultProviderOrder is the order providers are probed when nothing else is configured.
var DefaultProviderOrder = []ProviderType{
	ProviderClaudeSDK,
	ProviderGitHubModels,
	ProviderOpenAICompatible,
}

// ErrUnknownProvider indicates a provider name outside the supported set.
var ErrUnknownProvider = errors.New("unknown provider")

var providerAliases = map[string]ProviderType{
	"claude_sdk":        ProviderClaudeSDK,
	"claude":            ProviderClaudeSDK,
	"host-sdk":          ProviderClaudeSDK,
	"github_models":     ProviderGitHubModels,
	"github":            ProviderGitHubModels,
	"model-catalog":     ProviderGitHubModels,
	"openai_compatible": ProviderOpenAICompatible,
	"openai":            ProviderOpenAICompatible,
	"openai-compatible": ProviderOpenAICompatible,
}

// ParseProviderType resolves a provider name or alias.
func ParseProviderType(name string) (ProviderType, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if p, ok := providerAliases[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
}

// ParseProviderList resolves a list of provider names, dropping duplicates.
func ParseProviderList(names []string) ([]ProviderType, error) {
	out := make([]ProviderType, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		p, err := ParseProviderType(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (p ProviderType) String() string {
	return string(p)
}

// Valid reports whether p is one of the supported providers.
func (p ProviderType) Valid() bool {
	return slices.Contains(DefaultProviderOrder, p)
}

// Model capabilities.
const (
	CapabilityCompletion = "completion"
	CapabilityChat       = "chat"
	CapabilityEmbedding  = "embedding"
)

// Model describes a model discovered from a provider.
type Model struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Provider        ProviderType `json:"provider"`
	Capabilities    []string     `json:"capabilities"`
	ContextWindow   *int         `json:"context_window,omitempty"`
	MaxOutputTokens *int         `json:"max_output_tokens,omitempty"`
}

// Supports reports whether the model advertises the capability.
func (m Model) Supports(capability string) bool {
	return slices.Contains(m.Capabilities, capability)
}

// Clone returns a deep copy of the model.
func (m Model) Clone() Model {
	out := m
	out.Capabilities = slices.Clone(m.Capabilities)
	if m.ContextWindow != nil {
		v := *m.ContextWindow
		out.ContextWindow = &v
	}
	if m.MaxOutputTokens != nil {
		v := *m.MaxOutputTokens
		out.MaxOutputTokens = &v
	}
	return out
}

// CloneModels deep-copies a model list.
func CloneModels(in []Model) []Model {
	if in == nil {
		return nil
	}
	out := make([]Model, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single conversational message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response format types.
const (
	ResponseFormatText       = "text"
	ResponseFormatJSONObject = "json_object"
	ResponseFormatJSONSchema = "json_schema"
)

// ResponseFormat requests structured output from the model.
type ResponseFormat struct {
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Schema map[string]any `json:"schema,omitempty"`
}

// Request defaults.
const (
	DefaultTemperature = 0.7
	DefaultTopP        = 1.0
)

// CompletionRequest is the canonical chat completion request.
type CompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	System         string          `json:"system,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// EffectiveTemperature returns the temperature or its default.
func (r CompletionRequest) EffectiveTemperature() float64 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

// EffectiveTopP returns top-p or its default.
func (r CompletionRequest) EffectiveTopP() float64 {
	if r.TopP == nil {
		return DefaultTopP
	}
	return *r.TopP
}

// Validate performs structural checks that do not depend on a provider.
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}
	for i, msg := range r.Messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("message[%d]: invalid role %q", i, msg.Role)
		}
		if strings.TrimSpace(msg.Content) == "" {
			return fmt.Errorf("message[%d]: content must not be empty", i)
		}
	}
	if t := r.EffectiveTemperature(); t < 0 || t > 2 {
		return fmt.Errorf("temperature %.2f must be within [0, 2]", t)
	}
	if p := r.EffectiveTopP(); p < 0 || p > 1 {
		return fmt.Errorf("top_p %.2f must be within [0, 1]", p)
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", *r.MaxTokens)
	}
	if r.ResponseFormat != nil {
		switch r.ResponseFormat.Type {
		case ResponseFormatText, ResponseFormatJSONObject:
		case ResponseFormatJSONSchema:
			if len(r.ResponseFormat.Schema) == 0 {
				return errors.New("json_schema response format requires a schema")
			}
		default:
			return fmt.Errorf("unsupported response format %q", r.ResponseFormat.Type)
		}
	}
	return nil
}

// Choice is a single completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse captures a provider response in the canonical shape.
type CompletionResponse struct {
	ID       string       `json:"id"`
	Model    string       `json:"model"`
	Choices  []Choice     `json:"choices"`
	Usage    Usage        `json:"usage"`
	Provider ProviderType `json:"provider"`
}

// Content returns the text of the first choice.
func (r *CompletionResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// EmbeddingRequest asks a provider to embed one or more texts.
type EmbeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

// Validate checks the request has usable input.
func (r EmbeddingRequest) Validate() error {
	if len(r.Input) == 0 {
		return errors.New("at least one input text is required")
	}
	for i, text := range r.Input {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("input[%d] must not be empty", i)
		}
	}
	if r.Dimensions != nil && *r.Dimensions <= 0 {
		return fmt.Errorf("dimensions must be positive, got %d", *r.Dimensions)
	}
	return nil
}

// Embedding is one vector in an embedding response.
type Embedding struct {
	Index  int       `json:"index"`
	Vector []float32 `json:"embedding"`
}

// EmbeddingResponse carries vectors in input order.
type EmbeddingResponse struct {
	Model      string       `json:"model"`
	Data       []Embedding  `json:"data"`
	Dimensions int          `json:"dimensions"`
	Usage      Usage        `json:"usage"`
	Provider   ProviderType `json:"provider"`
}
