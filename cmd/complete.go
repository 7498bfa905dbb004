package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"scriptrag/internal/embedstore"
	"scriptrag/internal/models"
)

func newCompleteCommand(ctx *commandContext) *cobra.Command {
	var (
		system      string
		model       string
		temperature float64
		maxTokens   int
		jsonOutput  bool
		showMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "complete [prompt]",
		Short: "Run a chat completion; reads the prompt from stdin when omitted",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			client, err := ctx.newClient()
			if err != nil {
				return err
			}

			req := models.CompletionRequest{
				Model:    model,
				Messages: []models.Message{{Role: models.RoleUser, Content: prompt}},
				System:   system,
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				req.MaxTokens = &maxTokens
			}
			if jsonOutput {
				req.ResponseFormat = &models.ResponseFormat{Type: models.ResponseFormatJSONObject}
			}

			resp, err := client.Complete(cmd.Context(), req)
			if showMetrics {
				// Printed on failure too.
				if mErr := writeJSON(cmd, client.Metrics()); mErr != nil {
					return mErr
				}
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, resp.Content())
			fmt.Fprintf(cmd.ErrOrStderr(), "provider=%s model=%s tokens=%d\n", resp.Provider, resp.Model, resp.Usage.TotalTokens)
			return nil
		},
	}

	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model id (provider default when empty)")
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", models.DefaultTemperature, "Sampling temperature")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Maximum tokens to generate")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Request a JSON object response")
	cmd.Flags().BoolVar(&showMetrics, "show-metrics", false, "Print client metrics after the request")
	return cmd
}

func readPrompt(stdin io.Reader, args []string) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("prompt is required")
	}
	return prompt, nil
}

func newEmbedCommand(ctx *commandContext) *cobra.Command {
	var (
		model      string
		dimensions int
		dbPath     string
	)

	cmd := &cobra.Command{
		Use:   "embed FILE...",
		Short: "Embed text files and store the vectors keyed by path",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			inputs := make([]string, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				inputs = append(inputs, string(data))
			}

			client, err := ctx.newClient()
			if err != nil {
				return err
			}

			req := models.EmbeddingRequest{Model: model, Input: inputs}
			if cmd.Flags().Changed("dimensions") {
				req.Dimensions = &dimensions
			}
			resp, err := client.Embed(cmd.Context(), req)
			if err != nil {
				return err
			}

			store, err := embedstore.Open(cmd.Context(), storePath(dbPath, cfg.Store.Path))
			if err != nil {
				return err
			}
			defer store.Close()

			for _, e := range resp.Data {
				if e.Index < 0 || e.Index >= len(args) {
					return fmt.Errorf("provider returned embedding index %d for %d inputs", e.Index, len(args))
				}
				if err := store.Put(cmd.Context(), embedstore.Record{
					Key:      args[e.Index],
					Model:    resp.Model,
					Provider: resp.Provider,
					Vector:   e.Vector,
				}); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Stored %d embeddings (provider=%s model=%s) in %s\n",
				len(resp.Data), resp.Provider, resp.Model, store.Path())
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "Embedding model id")
	cmd.Flags().IntVar(&dimensions, "dimensions", 0, "Requested vector size")
	cmd.Flags().StringVar(&dbPath, "db", "", "Embedding database path (defaults to store.path)")
	return cmd
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var (
		model      string
		limit      int
		dbPath     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Rank stored embeddings by similarity to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			client, err := ctx.newClient()
			if err != nil {
				return err
			}

			resp, err := client.Embed(cmd.Context(), models.EmbeddingRequest{
				Model: model,
				Input: []string{strings.Join(args, " ")},
			})
			if err != nil {
				return err
			}
			if len(resp.Data) == 0 {
				return errors.New("provider returned no embedding for the query")
			}

			store, err := embedstore.Open(cmd.Context(), storePath(dbPath, cfg.Store.Path))
			if err != nil {
				return err
			}
			defer store.Close()

			matches, err := store.Search(cmd.Context(), resp.Model, resp.Data[0].Vector, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd, matches)
			}
			if len(matches) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No embeddings stored for model %s\n", resp.Model)
				return nil
			}
			rows := make([][]string, 0, len(matches))
			for i, m := range matches {
				rows = append(rows, []string{strconv.Itoa(i + 1), m.Key, strconv.FormatFloat(m.Score, 'f', 4, 64)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"#", "Key", "Score"}, rows,
				[]columnAlignment{alignRight, alignLeft, alignRight}))
			return nil
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "Embedding model id")
	cmd.Flags().IntVarP(&limit, "limit", "k", 5, "Number of results")
	cmd.Flags().StringVar(&dbPath, "db", "", "Embedding database path (defaults to store.path)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON")
	return cmd
}

func storePath(flagValue, configured string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	return configured
}
