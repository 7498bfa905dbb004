package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"scriptrag/internal/mcpserver"
	"scriptrag/internal/models"
)

func newModelsCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models offered by the current provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.newClient()
			if err != nil {
				return err
			}
			list, err := client.ListModels(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd, list)
			}
			rows := make([][]string, 0, len(list))
			for _, m := range list {
				rows = append(rows, []string{
					m.ID,
					string(m.Provider),
					strings.Join(m.Capabilities, ","),
					optionalInt(m.ContextWindow),
					optionalInt(m.MaxOutputTokens),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Model", "Provider", "Capabilities", "Context", "Max Output"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON")
	return cmd
}

func newProvidersCommand(ctx *commandContext) *cobra.Command {
	var jsonOutput bool
	var switchTo string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Show provider registration and availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.newClient()
			if err != nil {
				return err
			}

			if switchTo != "" {
				target, err := models.ParseProviderType(switchTo)
				if err != nil {
					return err
				}
				if !client.SwitchProvider(cmd.Context(), target) {
					return fmt.Errorf("provider %s is not available", target)
				}
			}

			statuses := client.Providers(cmd.Context())
			if jsonOutput {
				return writeJSON(cmd, statuses)
			}
			rows := make([][]string, 0, len(statuses))
			for _, s := range statuses {
				rows = append(rows, []string{
					string(s.Provider),
					yesNo(s.Registered),
					yesNo(s.Available),
					yesNo(s.Current),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Provider", "Registered", "Available", "Current"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit JSON")
	cmd.Flags().StringVar(&switchTo, "switch", "", "Make this provider current before reporting")
	return cmd
}

func newCacheCommand(ctx *commandContext) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Model discovery cache utilities",
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear [provider]",
		Short: "Remove cached model lists for one provider or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := ctx.modelCache()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				if err := cache.ClearAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cleared model cache for all providers")
				return nil
			}

			target, err := models.ParseProviderType(args[0])
			if err != nil {
				return err
			}
			if err := cache.Clear(cmd.Context(), target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared model cache for %s\n", target)
			return nil
		},
	})
	return cacheCmd
}

func newMCPCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the LLM tools over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.newClient()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			return mcpserver.Serve(cmd.Context(), client, Version, logger)
		},
	}
}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration valid")
			rows := [][]string{
				{string(models.ProviderClaudeSDK), yesNo(cfg.Providers.Claude.Configured())},
				{string(models.ProviderGitHubModels), yesNo(cfg.Providers.GitHub.Configured())},
				{string(models.ProviderOpenAICompatible), yesNo(cfg.Providers.OpenAI.Configured())},
			}
			fmt.Fprintln(out, renderTable([]string{"Provider", "Credentials"}, rows, nil))
			return nil
		},
	})
	return configCmd
}

func optionalInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}
