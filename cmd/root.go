package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scriptrag/internal/config"
	"scriptrag/internal/llm"
	"scriptrag/internal/logging"
	"scriptrag/internal/modelcache"
	"scriptrag/internal/provider"
	providerfactory "scriptrag/internal/provider/factory"
)

// Version is stamped at build time.
var Version = "dev"

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

type commandContext struct {
	configFlag   *string
	providerFlag *string
	logLevelFlag *string

	configOnce sync.Once
	config     config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *zap.Logger
	loggerErr  error
	logOutput  io.Writer
}

func newRootCommand() *cobra.Command {
	var configFlag, providerFlag, logLevelFlag string
	ctx := &commandContext{
		configFlag:   &configFlag,
		providerFlag: &providerFlag,
		logLevelFlag: &logLevelFlag,
	}

	rootCmd := &cobra.Command{
		Use:           "scriptrag",
		Short:         "Screenplay indexing LLM gateway",
		Long:          "scriptrag routes completions and embeddings across Claude, GitHub Models and OpenAI-compatible providers with retry and fallback.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx.logOutput = cmd.ErrOrStderr()
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (YAML or TOML)")
	rootCmd.PersistentFlags().StringVarP(&providerFlag, "provider", "p", "", "Preferred provider (claude_sdk, github_models, openai_compatible)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newCompleteCommand(ctx))
	rootCmd.AddCommand(newEmbedCommand(ctx))
	rootCmd.AddCommand(newSearchCommand(ctx))
	rootCmd.AddCommand(newModelsCommand(ctx))
	rootCmd.AddCommand(newProvidersCommand(ctx))
	rootCmd.AddCommand(newCacheCommand(ctx))
	rootCmd.AddCommand(newMCPCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		if err := config.LoadDotEnv(".env"); err != nil {
			c.configErr = err
			return
		}

		cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if p := strings.TrimSpace(*c.providerFlag); p != "" {
			cfg.LLM.Provider = p
		}
		if lvl := strings.TrimSpace(*c.logLevelFlag); lvl != "" {
			cfg.Logging.Level = strings.ToLower(lvl)
		}
		if err := cfg.Validate(); err != nil {
			c.configErr = fmt.Errorf("invalid configuration: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureLogger() (*zap.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger, c.loggerErr = logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: c.logOutput,
		})
	})
	return c.logger, c.loggerErr
}

func (c *commandContext) modelCache() (*modelcache.Cache, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	if cfg.Cache.Disabled {
		return modelcache.New(""), nil
	}
	return modelcache.New(cfg.Cache.Dir,
		modelcache.WithTTL(cfg.Cache.TTL.Std()),
		modelcache.WithLogger(logger)), nil
}

// newClient wires config, logger, model cache and providers into an LLM client.
func (c *commandContext) newClient() (*llm.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	cache, err := c.modelCache()
	if err != nil {
		return nil, err
	}

	registry, err := provider.NewRegistry()
	if err != nil {
		return nil, err
	}
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry, providerfactory.Dependencies{
		Cache:  cache,
		Logger: logger,
	}); err != nil {
		return nil, err
	}

	opts, err := llm.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, llm.WithLogger(logger))
	return llm.New(registry, opts...)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the scriptrag version",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "scriptrag %s\n", Version)
			return nil
		},
	}
}
