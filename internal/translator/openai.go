package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"scriptrag/internal/models"
)

var (
	errEmptyMessages  = errors.New("at least one message is required")
	errEmptyInput     = errors.New("input must not be empty")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
	errInvalidFormat  = errors.New("invalid response_format")
)

var allowedRoles = map[string]struct{}{
	models.RoleSystem:    {},
	models.RoleUser:      {},
	models.RoleAssistant: {},
}

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// An empty model lets the serving provider pick its default.
type ChatCompletionRequest struct {
	Model          string
	Messages       []ChatMessage
	Stream         bool
	MaxTokens      *int
	Temperature    *float64
	TopP           *float64
	System         string
	ResponseFormat *models.ResponseFormat
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model          string          `json:"model"`
		Messages       []ChatMessage   `json:"messages"`
		Stream         bool            `json:"stream"`
		MaxTokens      *int            `json:"max_tokens"`
		Temperature    *float64        `json:"temperature"`
		TopP           *float64        `json:"top_p"`
		System         string          `json:"system"`
		ResponseFormat json.RawMessage `json:"response_format"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	format, err := parseResponseFormat(raw.ResponseFormat)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Stream = raw.Stream
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.System = strings.TrimSpace(raw.System)
	r.ResponseFormat = format

	return r.validate()
}

func (r *ChatCompletionRequest) validate() error {
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("message[%d]: %w", i, err)
		}
	}
	return nil
}

// ToCompletionRequest converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToCompletionRequest() models.CompletionRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{Role: m.Role, Content: m.Content})
	}

	return models.CompletionRequest{
		Model:          r.Model,
		Messages:       msgs,
		Temperature:    r.Temperature,
		MaxTokens:      r.MaxTokens,
		TopP:           r.TopP,
		Stream:         r.Stream,
		System:         r.System,
		ResponseFormat: r.ResponseFormat,
	}
}

// parseResponseFormat accepts {"type":"json_object"} and the OpenAI
// {"type":"json_schema","json_schema":{"name":...,"schema":{...}}} shape.
func parseResponseFormat(raw json.RawMessage) (*models.ResponseFormat, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var wire struct {
		Type       string `json:"type"`
		JSONSchema *struct {
			Name   string         `json:"name"`
			Schema map[string]any `json:"schema"`
		} `json:"json_schema"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidFormat, err)
	}

	switch wire.Type {
	case models.ResponseFormatText:
		return nil, nil
	case models.ResponseFormatJSONObject:
		return &models.ResponseFormat{Type: wire.Type}, nil
	case models.ResponseFormatJSONSchema:
		if wire.JSONSchema == nil || len(wire.JSONSchema.Schema) == 0 {
			return nil, fmt.Errorf("%w: json_schema.schema is required", errInvalidFormat)
		}
		return &models.ResponseFormat{
			Type:   wire.Type,
			Name:   wire.JSONSchema.Name,
			Schema: wire.JSONSchema.Schema,
		}, nil
	default:
		return nil, fmt.Errorf("%w: type %q", errInvalidFormat, wire.Type)
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON supports string and array-of-text content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content

	return m.validate()
}

func (m *ChatMessage) validate() error {
	if _, ok := allowedRoles[m.Role]; !ok {
		return fmt.Errorf("%w: %s", errInvalidRole, m.Role)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: message content must not be empty", errInvalidContent)
	}
	return nil
}

func extractMessageContent(raw json.RawMessage) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// ChatCompletionResponse models the OpenAI-compatible chat response, extended
// with the provider that served it.
type ChatCompletionResponse struct {
	ID       string       `json:"id"`
	Object   string       `json:"object"`
	Created  int64        `json:"created"`
	Model    string       `json:"model"`
	Provider string       `json:"provider"`
	Choices  []ChatChoice `json:"choices"`
	Usage    *OpenAIUsage `json:"usage,omitempty"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func usageBlock(u models.Usage) *OpenAIUsage {
	if u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 {
		return nil
	}
	return &OpenAIUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// FromCompletion constructs the OpenAI response shape from the canonical data.
func FromCompletion(createdUnix int64, resp *models.CompletionResponse) ChatCompletionResponse {
	choices := make([]ChatChoice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		choices = append(choices, ChatChoice{
			Index:        c.Index,
			Message:      ChatMessage{Role: c.Message.Role, Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}

	return ChatCompletionResponse{
		ID:       resp.ID,
		Object:   "chat.completion",
		Created:  createdUnix,
		Model:    resp.Model,
		Provider: string(resp.Provider),
		Choices:  choices,
		Usage:    usageBlock(resp.Usage),
	}
}

// EmbeddingRequest models the OpenAI embeddings request payload.
type EmbeddingRequest struct {
	Model      string
	Input      []string
	Dimensions *int
}

// UnmarshalJSON accepts a single string or an array of strings as input.
func (r *EmbeddingRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model      string          `json:"model"`
		Input      json.RawMessage `json:"input"`
		Dimensions *int            `json:"dimensions"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode embedding request: %w", err)
	}

	input, err := extractInput(raw.Input)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Input = input
	r.Dimensions = raw.Dimensions
	return nil
}

// ToEmbeddingRequest converts into canonical form.
func (r EmbeddingRequest) ToEmbeddingRequest() models.EmbeddingRequest {
	return models.EmbeddingRequest{
		Model:      r.Model,
		Input:      append([]string(nil), r.Input...),
		Dimensions: r.Dimensions,
	}
}

func extractInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, errors.New("input is required")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return nil, errEmptyInput
		}
		return []string{text}, nil
	}

	var parts []string
	if err := json.Unmarshal(raw, &parts); err == nil {
		if len(parts) == 0 {
			return nil, errEmptyInput
		}
		for i, p := range parts {
			if strings.TrimSpace(p) == "" {
				return nil, fmt.Errorf("input[%d]: %w", i, errEmptyInput)
			}
		}
		return parts, nil
	}

	return nil, errors.New("unsupported input type")
}

// EmbeddingResponse models the OpenAI embeddings response payload.
type EmbeddingResponse struct {
	Object   string          `json:"object"`
	Data     []EmbeddingData `json:"data"`
	Model    string          `json:"model"`
	Provider string          `json:"provider"`
	Usage    *OpenAIUsage    `json:"usage,omitempty"`
}

// EmbeddingData is one vector in the response.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// FromEmbedding converts canonical embeddings to OpenAI shape.
func FromEmbedding(resp *models.EmbeddingResponse) EmbeddingResponse {
	data := make([]EmbeddingData, 0, len(resp.Data))
	for _, d := range resp.Data {
		data = append(data, EmbeddingData{Object: "embedding", Index: d.Index, Embedding: d.Vector})
	}
	return EmbeddingResponse{
		Object:   "list",
		Data:     data,
		Model:    resp.Model,
		Provider: string(resp.Provider),
		Usage:    usageBlock(resp.Usage),
	}
}

// ModelList models the OpenAI /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

// ModelCard is one model entry, extended with discovery metadata.
type ModelCard struct {
	ID              string   `json:"id"`
	Object          string   `json:"object"`
	OwnedBy         string   `json:"owned_by"`
	Name            string   `json:"name,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
	ContextWindow   *int     `json:"context_window,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`
}

// FromModels converts discovered models into the list shape.
func FromModels(list []models.Model) ModelList {
	cards := make([]ModelCard, 0, len(list))
	for _, m := range list {
		cards = append(cards, ModelCard{
			ID:              m.ID,
			Object:          "model",
			OwnedBy:         string(m.Provider),
			Name:            m.Name,
			Capabilities:    m.Capabilities,
			ContextWindow:   m.ContextWindow,
			MaxOutputTokens: m.MaxOutputTokens,
		})
	}
	return ModelList{Object: "list", Data: cards}
}
