package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"scriptrag/internal/models"
)

var (
	errClaudeEmptyMessages  = errors.New("at least one message is required")
	errClaudeInvalidRole    = errors.New("invalid role")
	errClaudeInvalidContent = errors.New("invalid message content")
	errClaudeInvalidSystem  = errors.New("invalid system prompt")
)

// ClaudeMessageRequest models the Anthropic /v1/messages payload.
type ClaudeMessageRequest struct {
	Model       string
	MaxTokens   *int
	Messages    []ClaudeMessage
	System      []string
	Stream      bool
	Temperature *float64
	TopP        *float64
}

// UnmarshalJSON enforces validation and normalises fields.
func (r *ClaudeMessageRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model       string          `json:"model"`
		MaxTokens   *int            `json:"max_tokens"`
		Messages    []ClaudeMessage `json:"messages"`
		System      json.RawMessage `json:"system"`
		Stream      bool            `json:"stream"`
		Temperature *float64        `json:"temperature"`
		TopP        *float64        `json:"top_p"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode claude request: %w", err)
	}

	systemPrompts, err := parseClaudeSystem(raw.System)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.MaxTokens = raw.MaxTokens
	r.Messages = raw.Messages
	r.System = systemPrompts
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP

	if len(r.Messages) == 0 {
		return errClaudeEmptyMessages
	}
	return nil
}

// ToCompletionRequest converts the Claude request into the canonical format.
// Multiple system blocks are joined into one system prompt.
func (r ClaudeMessageRequest) ToCompletionRequest() models.CompletionRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{Role: m.Role, Content: m.Content})
	}

	return models.CompletionRequest{
		Model:       r.Model,
		Messages:    msgs,
		System:      strings.Join(r.System, "\n\n"),
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
		TopP:        r.TopP,
		Stream:      r.Stream,
	}
}

// ClaudeMessage represents a single message in the request payload.
type ClaudeMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON normalises the Claude message content structure.
func (m *ClaudeMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode claude message: %w", err)
	}

	content, err := extractClaudeContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content

	switch m.Role {
	case models.RoleUser, models.RoleAssistant:
	default:
		return fmt.Errorf("%w: %s", errClaudeInvalidRole, m.Role)
	}
	return nil
}

func parseClaudeSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if s := strings.TrimSpace(single); s != "" {
			return []string{s}, nil
		}
		return nil, nil
	}

	var blocks []claudeTextBlockIn
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != "" && block.Type != "text" {
				return nil, fmt.Errorf("%w: unsupported block type %q", errClaudeInvalidSystem, block.Type)
			}
			if text := strings.TrimSpace(block.Text); text != "" {
				out = append(out, text)
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}

	return nil, errClaudeInvalidSystem
}

type claudeTextBlockIn struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func extractClaudeContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errClaudeInvalidContent
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return "", errClaudeInvalidContent
		}
		return text, nil
	}

	var blocks []claudeTextBlockIn
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != "text" {
				return "", fmt.Errorf("%w: unsupported block type %q", errClaudeInvalidContent, block.Type)
			}
			parts = append(parts, strings.TrimSpace(block.Text))
		}
		result := strings.TrimSpace(strings.Join(parts, "\n"))
		if result == "" {
			return "", errClaudeInvalidContent
		}
		return result, nil
	}

	return "", errClaudeInvalidContent
}

// ClaudeMessageResponse models the Anthropic response payload, extended with
// the provider that served it.
type ClaudeMessageResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Model      string            `json:"model"`
	Provider   string            `json:"provider"`
	Content    []ClaudeTextBlock `json:"content"`
	StopReason string            `json:"stop_reason,omitempty"`
	Usage      ClaudeUsage       `json:"usage"`
}

// ClaudeTextBlock represents a text content block in the response.
type ClaudeTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClaudeUsage mirrors Anthropic usage format.
type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

var claudeStopReasons = map[string]string{
	"stop":       "end_turn",
	"length":     "max_tokens",
	"tool_calls": "tool_use",
}

// FromCompletionClaude converts the canonical response to Anthropic format.
func FromCompletionClaude(resp *models.CompletionResponse) ClaudeMessageResponse {
	stop := ""
	if len(resp.Choices) > 0 {
		stop = resp.Choices[0].FinishReason
		if mapped, ok := claudeStopReasons[stop]; ok {
			stop = mapped
		}
	}

	return ClaudeMessageResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       models.RoleAssistant,
		Model:      resp.Model,
		Provider:   string(resp.Provider),
		Content:    []ClaudeTextBlock{{Type: "text", Text: resp.Content()}},
		StopReason: stop,
		Usage: ClaudeUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}
