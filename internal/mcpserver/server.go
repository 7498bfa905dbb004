// Package mcpserver exposes the LLM client as Model Context Protocol tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"scriptrag/internal/llm"
	"scriptrag/internal/metrics"
	"scriptrag/internal/models"
)

// Client is the subset of *llm.Client the tools call.
type Client interface {
	Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error)
	Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error)
	ListModels(ctx context.Context) ([]models.Model, error)
	SwitchProvider(ctx context.Context, target models.ProviderType) bool
	CurrentProvider(ctx context.Context) (models.ProviderType, error)
	Metrics() metrics.Snapshot
}

var _ Client = (*llm.Client)(nil)

type CompleteInput struct {
	Prompt      string   `json:"prompt" jsonschema:"user prompt to complete"`
	System      string   `json:"system,omitempty" jsonschema:"optional system prompt"`
	Model       string   `json:"model,omitempty" jsonschema:"model id; empty uses the provider default"`
	Temperature *float64 `json:"temperature,omitempty" jsonschema:"sampling temperature between 0 and 2"`
	MaxTokens   *int     `json:"max_tokens,omitempty" jsonschema:"maximum tokens to generate"`
	JSON        bool     `json:"json,omitempty" jsonschema:"request a JSON object response"`
}

type CompleteOutput struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	FinishReason string `json:"finish_reason,omitempty"`
	TotalTokens  int    `json:"total_tokens"`
}

type EmbedInput struct {
	Input      []string `json:"input" jsonschema:"texts to embed"`
	Model      string   `json:"model,omitempty" jsonschema:"embedding model id"`
	Dimensions *int     `json:"dimensions,omitempty" jsonschema:"requested vector size"`
}

type EmbedOutput struct {
	Model      string      `json:"model"`
	Provider   string      `json:"provider"`
	Embeddings [][]float32 `json:"embeddings"`
}

type ListModelsInput struct{}

type ModelInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type ListModelsOutput struct {
	Provider string      `json:"provider"`
	Models   []ModelInfo `json:"models"`
}

type SwitchProviderInput struct {
	Provider string `json:"provider" jsonschema:"claude_sdk, github_models or openai_compatible"`
}

type SwitchProviderOutput struct {
	Switched bool   `json:"switched"`
	Current  string `json:"current"`
}

type MetricsInput struct{}

type tools struct {
	client Client
	logger *zap.Logger
}

// New builds an MCP server with the llm_* tools registered.
func New(client Client, version string, logger *zap.Logger) *mcp.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &tools{client: client, logger: logger.Named("mcp")}

	server := mcp.NewServer(&mcp.Implementation{Name: "scriptrag", Version: version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "llm_complete",
		Description: "Run a chat completion through the configured LLM providers with retry and fallback.",
	}, t.complete)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "llm_embed",
		Description: "Generate embeddings for one or more texts.",
	}, t.embed)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "llm_list_models",
		Description: "List models offered by the current provider.",
	}, t.listModels)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "llm_switch_provider",
		Description: "Make another provider current if it is available.",
	}, t.switchProvider)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "llm_metrics",
		Description: "Report success, failure, retry and fallback counters.",
	}, t.metrics)

	return server
}

// Serve runs the tools over stdio until ctx ends or the peer disconnects.
func Serve(ctx context.Context, client Client, version string, logger *zap.Logger) error {
	server := New(client, version, logger)
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func (t *tools) complete(ctx context.Context, _ *mcp.CallToolRequest, in CompleteInput) (*mcp.CallToolResult, CompleteOutput, error) {
	req := models.CompletionRequest{
		Model:       in.Model,
		Messages:    []models.Message{{Role: models.RoleUser, Content: in.Prompt}},
		System:      in.System,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}
	if in.JSON {
		req.ResponseFormat = &models.ResponseFormat{Type: models.ResponseFormatJSONObject}
	}

	resp, err := t.client.Complete(ctx, req)
	if err != nil {
		t.logger.Warn("llm_complete failed", zap.Error(err))
		return nil, CompleteOutput{}, err
	}

	out := CompleteOutput{
		Content:     resp.Content(),
		Model:       resp.Model,
		Provider:    string(resp.Provider),
		TotalTokens: resp.Usage.TotalTokens,
	}
	if len(resp.Choices) > 0 {
		out.FinishReason = resp.Choices[0].FinishReason
	}
	return nil, out, nil
}

func (t *tools) embed(ctx context.Context, _ *mcp.CallToolRequest, in EmbedInput) (*mcp.CallToolResult, EmbedOutput, error) {
	resp, err := t.client.Embed(ctx, models.EmbeddingRequest{
		Model:      in.Model,
		Input:      in.Input,
		Dimensions: in.Dimensions,
	})
	if err != nil {
		t.logger.Warn("llm_embed failed", zap.Error(err))
		return nil, EmbedOutput{}, err
	}

	out := EmbedOutput{Model: resp.Model, Provider: string(resp.Provider)}
	out.Embeddings = make([][]float32, 0, len(resp.Data))
	for _, e := range resp.Data {
		out.Embeddings = append(out.Embeddings, e.Vector)
	}
	return nil, out, nil
}

func (t *tools) listModels(ctx context.Context, _ *mcp.CallToolRequest, _ ListModelsInput) (*mcp.CallToolResult, ListModelsOutput, error) {
	list, err := t.client.ListModels(ctx)
	if err != nil {
		return nil, ListModelsOutput{}, err
	}

	out := ListModelsOutput{Models: make([]ModelInfo, 0, len(list))}
	for _, m := range list {
		out.Provider = string(m.Provider)
		out.Models = append(out.Models, ModelInfo{ID: m.ID, Name: m.Name, Capabilities: m.Capabilities})
	}
	return nil, out, nil
}

func (t *tools) switchProvider(ctx context.Context, _ *mcp.CallToolRequest, in SwitchProviderInput) (*mcp.CallToolResult, SwitchProviderOutput, error) {
	target, err := models.ParseProviderType(in.Provider)
	if err != nil {
		return nil, SwitchProviderOutput{}, err
	}

	switched := t.client.SwitchProvider(ctx, target)
	current, _ := t.client.CurrentProvider(ctx)
	return nil, SwitchProviderOutput{Switched: switched, Current: string(current)}, nil
}

// metrics returns the snapshot as JSON text; FailureRecord timestamps do not
// fit a generated output schema.
func (t *tools) metrics(_ context.Context, _ *mcp.CallToolRequest, _ MetricsInput) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(t.client.Metrics(), "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode metrics: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
