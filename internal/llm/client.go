// Package llm is the single entry point to every LLM backend. It selects an
// available provider, retries transient failures with exponential backoff,
// falls back across providers in a fixed order, and records metrics.
package llm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"scriptrag/internal/config"
	"scriptrag/internal/metrics"
	"scriptrag/internal/models"
	"scriptrag/internal/provider"
)

// Client dispatches requests to the current provider with retry and fallback.
type Client struct {
	registry  *provider.Registry
	preferred models.ProviderType
	order     []models.ProviderType
	retry     RetryPolicy
	sleep     Sleeper
	logger    *zap.Logger
	metrics   *metrics.Recorder
	aliases   map[models.ProviderType]map[string]string
	defaults  map[models.ProviderType]string

	mu      sync.Mutex
	current models.ProviderType
}

// Option customizes the client.
type Option func(*Client)

// WithPreferredProvider puts p ahead of the fallback order during selection.
func WithPreferredProvider(p models.ProviderType) Option {
	return func(c *Client) { c.preferred = p }
}

// WithFallbackOrder replaces the default provider order.
func WithFallbackOrder(order []models.ProviderType) Option {
	return func(c *Client) {
		if len(order) > 0 {
			c.order = slices.Clone(order)
		}
	}
}

// WithRetryPolicy overrides the per-provider retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) { c.retry = policy.normalized() }
}

// WithSleeper replaces the backoff sleeper (useful for tests).
func WithSleeper(sleep Sleeper) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics shares an existing recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithModelAliases maps a requested model id to the id a fallback provider
// should use instead, keyed by provider.
func WithModelAliases(aliases map[models.ProviderType]map[string]string) Option {
	return func(c *Client) { c.aliases = aliases }
}

// WithDefaultModels sets the completion model each provider falls back to
// when a request is rerouted to it and no alias applies.
func WithDefaultModels(defaults map[models.ProviderType]string) Option {
	return func(c *Client) { c.defaults = defaults }
}

// New constructs a client over the registered providers.
func New(registry *provider.Registry, opts ...Option) (*Client, error) {
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	c := &Client{
		registry: registry,
		order:    slices.Clone(models.DefaultProviderOrder),
		retry:    DefaultRetryPolicy(),
		sleep:    sleepContext,
		logger:   zap.NewNop(),
		metrics:  metrics.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.preferred != "" && !c.preferred.Valid() {
		return nil, fmt.Errorf("preferred provider: %w: %q", models.ErrUnknownProvider, c.preferred)
	}
	for _, p := range c.order {
		if !p.Valid() {
			return nil, fmt.Errorf("fallback order: %w: %q", models.ErrUnknownProvider, p)
		}
	}
	c.logger = c.logger.Named("llm")
	return c, nil
}

// OptionsFromConfig translates the llm configuration block into client options.
func OptionsFromConfig(cfg config.Config) ([]Option, error) {
	var opts []Option

	if cfg.LLM.Provider != "" {
		p, err := models.ParseProviderType(cfg.LLM.Provider)
		if err != nil {
			return nil, fmt.Errorf("llm.provider: %w", err)
		}
		opts = append(opts, WithPreferredProvider(p))
	}

	order, err := models.ParseProviderList(cfg.LLM.FallbackOrder)
	if err != nil {
		return nil, fmt.Errorf("llm.fallback_order: %w", err)
	}
	if len(order) > 0 {
		opts = append(opts, WithFallbackOrder(order))
	}

	opts = append(opts, WithRetryPolicy(RetryPolicy{
		Attempts:  cfg.LLM.Retry.Attempts,
		BaseDelay: cfg.LLM.Retry.BaseDelay.Std(),
		MaxDelay:  cfg.LLM.Retry.MaxDelay.Std(),
	}))

	if len(cfg.LLM.ModelAliases) > 0 {
		aliases := make(map[models.ProviderType]map[string]string, len(cfg.LLM.ModelAliases))
		for name, mapping := range cfg.LLM.ModelAliases {
			p, err := models.ParseProviderType(name)
			if err != nil {
				return nil, fmt.Errorf("llm.model_aliases: %w", err)
			}
			aliases[p] = mapping
		}
		opts = append(opts, WithModelAliases(aliases))
	}

	opts = append(opts, WithDefaultModels(map[models.ProviderType]string{
		models.ProviderClaudeSDK:        cfg.Providers.Claude.DefaultModel,
		models.ProviderGitHubModels:     cfg.Providers.GitHub.DefaultModel,
		models.ProviderOpenAICompatible: cfg.Providers.OpenAI.DefaultModel,
	}))
	return opts, nil
}

// selectionOrder is the preferred provider followed by the fallback order,
// de-duplicated and restricted to registered providers.
func (c *Client) selectionOrder() []models.ProviderType {
	registered := c.registry.Types()
	out := make([]models.ProviderType, 0, len(registered))
	add := func(p models.ProviderType) {
		if p != "" && slices.Contains(registered, p) && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	add(c.preferred)
	for _, p := range c.order {
		add(p)
	}
	return out
}

// ensureSelected returns the current provider, probing for one if none is
// selected. Probes run without the lock; a selection made concurrently by
// another request or SwitchProvider wins over the probe result.
func (c *Client) ensureSelected(ctx context.Context) (models.ProviderType, error) {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	if current != "" {
		return current, nil
	}

	for _, tag := range c.selectionOrder() {
		p, err := c.registry.Lookup(tag)
		if err != nil {
			continue
		}
		if !p.IsAvailable(ctx) {
			c.logger.Debug("provider unavailable during selection", zap.String("provider", string(tag)))
			continue
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.current != "" {
			return c.current, nil
		}
		c.current = tag
		c.logger.Info("selected provider", zap.String("provider", string(tag)))
		return tag, nil
	}
	return "", ErrNoProviderAvailable
}

// Reselect discards the current selection and probes again.
func (c *Client) Reselect(ctx context.Context) (models.ProviderType, error) {
	c.mu.Lock()
	c.current = ""
	c.mu.Unlock()
	return c.ensureSelected(ctx)
}

// CurrentProvider returns the selected provider, selecting one if needed.
func (c *Client) CurrentProvider(ctx context.Context) (models.ProviderType, error) {
	return c.ensureSelected(ctx)
}

// SwitchProvider makes target current if it is registered and available.
// It reports false and leaves the selection unchanged otherwise.
func (c *Client) SwitchProvider(ctx context.Context, target models.ProviderType) bool {
	p, err := c.registry.Lookup(target)
	if err != nil {
		c.logger.Warn("switch to unregistered provider rejected", zap.String("provider", string(target)))
		return false
	}
	if !p.IsAvailable(ctx) {
		c.logger.Warn("switch to unavailable provider rejected", zap.String("provider", string(target)))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != target {
		c.logger.Info("switched provider",
			zap.String("from", string(c.current)),
			zap.String("to", string(target)))
		c.current = target
	}
	return true
}

// ProviderStatus describes one supported provider for status listings.
type ProviderStatus struct {
	Provider   models.ProviderType `json:"provider"`
	Registered bool                `json:"registered"`
	Available  bool                `json:"available"`
	Current    bool                `json:"current"`
}

// Providers reports every supported provider in selection order.
func (c *Client) Providers(ctx context.Context) []ProviderStatus {
	current, _ := c.ensureSelected(ctx)

	order := c.selectionOrder()
	for _, p := range models.DefaultProviderOrder {
		if !slices.Contains(order, p) {
			order = append(order, p)
		}
	}

	out := make([]ProviderStatus, 0, len(order))
	for _, tag := range order {
		status := ProviderStatus{Provider: tag, Current: tag == current}
		if p, err := c.registry.Lookup(tag); err == nil {
			status.Registered = true
			status.Available = p.IsAvailable(ctx)
		}
		out = append(out, status)
	}
	return out
}

// Metrics returns a snapshot of the client's counters.
func (c *Client) Metrics() metrics.Snapshot {
	return c.metrics.Snapshot()
}

// ResetMetrics zeroes the client's counters.
func (c *Client) ResetMetrics() {
	c.metrics.Reset()
}

// Complete runs a chat completion. Streaming is not supported; the stream
// flag is cleared and the full response is returned.
func (c *Client) Complete(ctx context.Context, req models.CompletionRequest) (*models.CompletionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	req.Stream = false
	requested := req.Model

	resp, tag, err := execute(ctx, c, "complete", func(ctx context.Context, p provider.Provider, rerouted bool) (*models.CompletionResponse, error) {
		attempt := req
		if rerouted {
			attempt.Model = c.remapModel(p.Type(), requested, true)
		}
		resp, err := p.Complete(ctx, attempt)
		if err == nil && resp == nil {
			return nil, provider.Protocol(p.Type(), "complete", errors.New("provider returned no response"))
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	resp.Provider = tag
	return resp, nil
}

// Embed produces one vector per input text.
func (c *Client) Embed(ctx context.Context, req models.EmbeddingRequest) (*models.EmbeddingResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	requested := req.Model

	resp, tag, err := execute(ctx, c, "embed", func(ctx context.Context, p provider.Provider, rerouted bool) (*models.EmbeddingResponse, error) {
		attempt := req
		if rerouted {
			attempt.Model = c.remapModel(p.Type(), requested, false)
		}
		resp, err := p.Embed(ctx, attempt)
		if err == nil && resp == nil {
			return nil, provider.Protocol(p.Type(), "embed", errors.New("provider returned no response"))
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	resp.Provider = tag
	return resp, nil
}

// ListModels lists the models of the provider that serves the request.
func (c *Client) ListModels(ctx context.Context) ([]models.Model, error) {
	list, tag, err := execute(ctx, c, provider.OpListModels, func(ctx context.Context, p provider.Provider, _ bool) ([]models.Model, error) {
		return p.ListModels(ctx)
	})
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Provider = tag
	}
	return list, nil
}

// remapModel picks the model id a rerouted request should carry. An empty
// result lets the provider use its own default.
func (c *Client) remapModel(tag models.ProviderType, requested string, completion bool) string {
	if requested != "" {
		if mapped, ok := c.aliases[tag][requested]; ok {
			return mapped
		}
	}
	if completion {
		return c.defaults[tag]
	}
	return ""
}

type callFunc[T any] func(ctx context.Context, p provider.Provider, rerouted bool) (T, error)

// execute drives one logical request through the candidate providers.
func execute[T any](ctx context.Context, c *Client, op string, call callFunc[T]) (T, models.ProviderType, error) {
	var zero T

	current, err := c.ensureSelected(ctx)
	if err != nil {
		return zero, "", err
	}

	candidates := []models.ProviderType{current}
	for _, tag := range c.selectionOrder() {
		if tag != current {
			candidates = append(candidates, tag)
		}
	}

	var (
		chain    []models.ProviderType
		attempts []Attempt
	)
	for i, tag := range candidates {
		p, err := c.registry.Lookup(tag)
		if err != nil {
			continue
		}
		if i > 0 && !p.IsAvailable(ctx) {
			c.logger.Debug("skipping unavailable fallback provider",
				zap.String("operation", op),
				zap.String("provider", string(tag)))
			continue
		}
		if len(chain) > 0 {
			c.logger.Warn("falling back to next provider",
				zap.String("operation", op),
				zap.String("from", string(chain[len(chain)-1])),
				zap.String("to", string(tag)))
		}
		chain = append(chain, tag)

		result, err := attemptWithRetry(ctx, c, op, p, len(chain) > 1, call)
		if err == nil {
			c.metrics.RecordSuccess(tag)
			c.metrics.RecordFallbackChain(chain)
			return result, tag, nil
		}
		attempts = append(attempts, Attempt{Provider: tag, Err: err})

		if ctxErr := ctx.Err(); ctxErr != nil {
			c.metrics.RecordFallbackChain(chain)
			return zero, "", fmt.Errorf("llm %s abandoned on %s: %w", op, tag, ctxErr)
		}
	}

	c.metrics.RecordFallbackChain(chain)
	failure := &AllProvidersFailedError{Operation: op, Attempts: attempts}
	c.logger.Error("all providers failed",
		zap.String("operation", op),
		zap.Any("chain", chain),
		zap.Error(failure))
	return zero, "", failure
}

// attemptWithRetry calls one provider up to the policy's attempt budget.
// Only transient failures are retried.
func attemptWithRetry[T any](ctx context.Context, c *Client, op string, p provider.Provider, rerouted bool, call callFunc[T]) (T, error) {
	var zero T
	tag := p.Type()

	for try := 1; ; try++ {
		result, err := call(ctx, p, rerouted)
		if err == nil {
			return result, nil
		}

		if ctx.Err() != nil {
			kind := provider.KindOf(err)
			if kind != provider.KindCanceled && kind != provider.KindTimeout {
				err = provider.Transport(ctx, tag, op, err)
			}
			c.metrics.RecordFailure(tag, err)
			return zero, err
		}

		c.metrics.RecordFailure(tag, err)
		kind := provider.KindOf(err)
		if !kind.Retryable() {
			c.logger.Warn("provider failed permanently",
				zap.String("operation", op),
				zap.String("provider", string(tag)),
				zap.Stringer("kind", kind),
				zap.Error(err))
			return zero, err
		}

		if try >= c.retry.Attempts {
			c.metrics.RecordRetry()
			c.logger.Warn("provider retry budget exhausted",
				zap.String("operation", op),
				zap.String("provider", string(tag)),
				zap.Int("attempts", try),
				zap.Error(err))
			return zero, err
		}

		delay := c.retry.Delay(try)
		c.logger.Info("retrying provider after transient failure",
			zap.String("operation", op),
			zap.String("provider", string(tag)),
			zap.Int("attempt", try),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			// The interrupted retry is attributed to the cancellation, not counted.
			abandoned := provider.Transport(ctx, tag, op, err)
			c.metrics.RecordFailure(tag, abandoned)
			return zero, abandoned
		}
		c.metrics.RecordRetry()
	}
}
