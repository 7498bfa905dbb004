package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"scriptrag/internal/models"
)

// Defaults applied before the config file and environment are read.
const (
	DefaultPort             = 8080
	DefaultRetryAttempts    = 3
	DefaultRetryBaseDelay   = time.Second
	DefaultRetryMaxDelay    = 30 * time.Second
	DefaultCacheTTL         = time.Hour
	DefaultProviderTimeout  = 60 * time.Second
	DefaultGitHubModelsURL  = "https://models.inference.ai.azure.com"
	DefaultClaudeModel      = "claude-sonnet-4-5"
	DefaultGitHubModel      = "gpt-4o-mini"
	DefaultGitHubEmbedModel = "text-embedding-3-small"
)

// Config represents the application configuration parsed from YAML or TOML.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	LLM       LLMConfig       `yaml:"llm" toml:"llm"`
	Providers ProvidersConfig `yaml:"providers" toml:"providers"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port" validate:"min=1,max=65535"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig drives provider selection, retry, and fallback.
type LLMConfig struct {
	Provider      string                       `yaml:"provider" toml:"provider"`
	FallbackOrder []string                     `yaml:"fallback_order" toml:"fallback_order"`
	Retry         RetryConfig                  `yaml:"retry" toml:"retry"`
	ModelAliases  map[string]map[string]string `yaml:"model_aliases" toml:"model_aliases"`
}

// RetryConfig bounds the per-provider retry loop.
type RetryConfig struct {
	Attempts  int      `yaml:"attempts" toml:"attempts" validate:"min=1,max=10"`
	BaseDelay Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay" toml:"max_delay"`
}

// ProvidersConfig holds one block per supported backend.
type ProvidersConfig struct {
	Claude ProviderConfig `yaml:"claude_sdk" toml:"claude_sdk"`
	GitHub ProviderConfig `yaml:"github_models" toml:"github_models"`
	OpenAI ProviderConfig `yaml:"openai_compatible" toml:"openai_compatible"`
}

// ProviderConfig captures authentication and routing info for a provider.
type ProviderConfig struct {
	Disabled       bool     `yaml:"disabled" toml:"disabled"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	BaseURL        string   `yaml:"base_url" toml:"base_url" validate:"omitempty,url"`
	DefaultModel   string   `yaml:"default_model" toml:"default_model"`
	EmbeddingModel string   `yaml:"embedding_model" toml:"embedding_model"`
	Timeout        Duration `yaml:"timeout" toml:"timeout"`
	Probe          bool     `yaml:"probe" toml:"probe"`
	Headers        Headers  `yaml:"headers" toml:"headers"`
}

// Configured reports whether the provider has the credentials it needs.
func (p ProviderConfig) Configured() bool {
	return !p.Disabled && strings.TrimSpace(p.APIKey) != ""
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// CacheConfig controls the model discovery cache.
type CacheConfig struct {
	Dir      string   `yaml:"dir" toml:"dir"`
	TTL      Duration `yaml:"ttl" toml:"ttl"`
	Disabled bool     `yaml:"disabled" toml:"disabled"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=auto json console"`
}

// StoreConfig locates the embedding store.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// Duration is a time.Duration that decodes from "30s" style strings or bare seconds.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: DefaultPort},
		LLM: LLMConfig{
			Retry: RetryConfig{
				Attempts:  DefaultRetryAttempts,
				BaseDelay: Duration(DefaultRetryBaseDelay),
				MaxDelay:  Duration(DefaultRetryMaxDelay),
			},
		},
		Providers: ProvidersConfig{
			Claude: ProviderConfig{
				DefaultModel: DefaultClaudeModel,
				Timeout:      Duration(DefaultProviderTimeout),
			},
			GitHub: ProviderConfig{
				BaseURL:        DefaultGitHubModelsURL,
				DefaultModel:   DefaultGitHubModel,
				EmbeddingModel: DefaultGitHubEmbedModel,
				Timeout:        Duration(DefaultProviderTimeout),
			},
			OpenAI: ProviderConfig{
				Timeout: Duration(DefaultProviderTimeout),
			},
		},
		Cache: CacheConfig{
			Dir: defaultCacheDir(),
			TTL: Duration(DefaultCacheTTL),
		},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		Store:   StoreConfig{Path: "scriptrag.db"},
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "scriptrag", "llm")
	}
	return filepath.Join(dir, "scriptrag", "llm")
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %q: %w", path, err)
		}
	}
	return nil
}

// Load reads configuration from path (if non-empty), applies environment
// overrides from the process environment, and validates the result.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment source.
func LoadWithEnv(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := decode(absPath, data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(cfg)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("SCRIPTRAG_LLM_PROVIDER"); ok {
		c.LLM.Provider = v
	}
	if v, ok := get("SCRIPTRAG_LLM_FALLBACK_ORDER"); ok {
		c.LLM.FallbackOrder = splitList(v)
	}
	if v, ok := get("SCRIPTRAG_LLM_RETRY_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SCRIPTRAG_LLM_RETRY_ATTEMPTS: %q is not an integer", v)
		}
		c.LLM.Retry.Attempts = n
	}
	if v, ok := get("SCRIPTRAG_LLM_CACHE_DIR"); ok {
		c.Cache.Dir = v
	}
	if v, ok := get("SCRIPTRAG_LOG_LEVEL"); ok {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := get("SCRIPTRAG_LOG_FORMAT"); ok {
		c.Logging.Format = strings.ToLower(v)
	}
	if v, ok := get("SCRIPTRAG_DB_PATH"); ok {
		c.Store.Path = v
	}

	// Credentials from the environment only fill gaps left by the file.
	if c.Providers.Claude.APIKey == "" {
		if v, ok := get("ANTHROPIC_API_KEY"); ok {
			c.Providers.Claude.APIKey = v
		}
	}
	if c.Providers.GitHub.APIKey == "" {
		for _, key := range []string{"GITHUB_TOKEN", "GH_TOKEN"} {
			if v, ok := get(key); ok {
				c.Providers.GitHub.APIKey = v
				break
			}
		}
	}
	if v, ok := get("SCRIPTRAG_LLM_ENDPOINT"); ok {
		c.Providers.OpenAI.BaseURL = v
	}
	if v, ok := get("SCRIPTRAG_LLM_API_KEY"); ok {
		c.Providers.OpenAI.APIKey = v
	}
	if v, ok := get("SCRIPTRAG_LLM_MODEL"); ok {
		c.Providers.OpenAI.DefaultModel = v
	}
	if v, ok := get("SCRIPTRAG_LLM_EMBEDDING_MODEL"); ok {
		c.Providers.OpenAI.EmbeddingModel = v
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config %s: failed %q check (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if c.LLM.Provider != "" {
		if _, err := models.ParseProviderType(c.LLM.Provider); err != nil {
			return fmt.Errorf("llm.provider: %w", err)
		}
	}
	if _, err := models.ParseProviderList(c.LLM.FallbackOrder); err != nil {
		return fmt.Errorf("llm.fallback_order: %w", err)
	}
	for name := range c.LLM.ModelAliases {
		if _, err := models.ParseProviderType(name); err != nil {
			return fmt.Errorf("llm.model_aliases: %w", err)
		}
	}
	if c.LLM.Retry.BaseDelay < 0 || c.LLM.Retry.MaxDelay < 0 {
		return errors.New("llm.retry delays must not be negative")
	}
	if c.LLM.Retry.MaxDelay > 0 && c.LLM.Retry.BaseDelay > c.LLM.Retry.MaxDelay {
		return fmt.Errorf("llm.retry.base_delay %s exceeds max_delay %s", c.LLM.Retry.BaseDelay.Std(), c.LLM.Retry.MaxDelay.Std())
	}

	providers := map[string]ProviderConfig{
		string(models.ProviderClaudeSDK):        c.Providers.Claude,
		string(models.ProviderGitHubModels):     c.Providers.GitHub,
		string(models.ProviderOpenAICompatible): c.Providers.OpenAI,
	}
	for name, provider := range providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}
	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	if provider.Timeout < 0 {
		return fmt.Errorf("provider %s: timeout must not be negative", name)
	}
	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
