package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"scriptrag/internal/config"
	"scriptrag/internal/provider"
	claudeProvider "scriptrag/internal/provider/claude"
	githubProvider "scriptrag/internal/provider/githubmodels"
	openaiProvider "scriptrag/internal/provider/openai"
)

const (
	defaultHTTPTimeout     = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Dependencies are shared by every constructed provider.
type Dependencies struct {
	Cache  provider.ModelCache
	Logger *zap.Logger
}

// RegisterConfiguredProviders constructs all three providers from configuration
// and stores them in the registry. Providers without credentials are still
// registered; they report themselves unavailable.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry, deps Dependencies) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	claude, err := claudeProvider.New(cfg.Providers.Claude, newHTTPClient(cfg.Providers.Claude.Timeout.Std()),
		claudeProvider.WithCache(deps.Cache), claudeProvider.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("initialise claude provider: %w", err)
	}
	if err := registry.Register(claude); err != nil {
		return fmt.Errorf("register claude provider: %w", err)
	}

	github, err := githubProvider.New(cfg.Providers.GitHub, newHTTPClient(cfg.Providers.GitHub.Timeout.Std()),
		githubProvider.WithCache(deps.Cache), githubProvider.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("initialise github models provider: %w", err)
	}
	if err := registry.Register(github); err != nil {
		return fmt.Errorf("register github models provider: %w", err)
	}

	openAI, err := openaiProvider.New(cfg.Providers.OpenAI, newHTTPClient(cfg.Providers.OpenAI.Timeout.Std()),
		openaiProvider.WithCache(deps.Cache), openaiProvider.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("initialise openai-compatible provider: %w", err)
	}
	if err := registry.Register(openAI); err != nil {
		return fmt.Errorf("register openai-compatible provider: %w", err)
	}

	return nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
