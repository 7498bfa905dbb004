// Package modelcache persists each provider's discovered model list on disk
// with a time-to-live so repeated discovery round-trips can be skipped.
//
// The cache is an optimization only. Every read failure is a miss and every
// write failure is logged and swallowed, so callers behave identically (just
// slower) when the cache directory is missing, read-only, or corrupt. A nil
// *Cache is valid and caches nothing.
package modelcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"scriptrag/internal/models"
)

const (
	// DefaultTTL is how long a discovered model list stays fresh.
	DefaultTTL = time.Hour

	fileSuffix     = "_models.json"
	lockRetryDelay = 20 * time.Millisecond
)

type entry struct {
	Timestamp float64             `json:"timestamp"`
	Models    []models.Model      `json:"models"`
	Provider  models.ProviderType `json:"provider"`
}

// Cache stores one JSON document per provider under a fixed directory.
type Cache struct {
	dir    string
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// Option customizes the cache.
type Option func(*Cache)

// WithTTL overrides the freshness window. Non-positive values keep the default.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger used for swallowed failures.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a cache rooted at dir. An empty dir disables caching.
func New(dir string, opts ...Option) *Cache {
	c := &Cache{
		dir:    strings.TrimSpace(dir),
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("modelcache")
	return c
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	if c == nil {
		return ""
	}
	return c.dir
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

func (c *Cache) enabled() bool {
	return c != nil && c.dir != ""
}

// Path returns the cache file for provider p.
func (c *Cache) Path(p models.ProviderType) string {
	if !c.enabled() {
		return ""
	}
	return filepath.Join(c.dir, string(p)+fileSuffix)
}

// Get returns the cached model list for p when a fresh, valid entry exists.
func (c *Cache) Get(ctx context.Context, p models.ProviderType) ([]models.Model, bool) {
	if !c.enabled() {
		return nil, false
	}
	path := c.Path(p)

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Debug("stat model cache failed", zap.String("provider", string(p)), zap.Error(err))
		}
		return nil, false
	}

	// Writers rename complete files into place, so a read without the lock
	// (read-only cache directory) still sees a whole document.
	lock := flock.New(lockPath(path))
	locked, err := lock.TryRLockContext(ctx, lockRetryDelay)
	switch {
	case ctx.Err() != nil:
		return nil, false
	case err != nil:
		c.logger.Debug("model cache read lock unavailable; reading unlocked",
			zap.String("provider", string(p)), zap.Error(err))
	case !locked:
		return nil, false
	default:
		defer func() { _ = lock.Unlock() }()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Debug("read model cache failed", zap.String("provider", string(p)), zap.Error(err))
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Debug("model cache is corrupt", zap.String("provider", string(p)), zap.Error(err))
		return nil, false
	}
	if err := e.validate(p); err != nil {
		c.logger.Debug("model cache is invalid", zap.String("provider", string(p)), zap.Error(err))
		return nil, false
	}

	age := c.now().Sub(fromUnixSeconds(e.Timestamp))
	if age > c.ttl {
		c.logger.Debug("model cache expired",
			zap.String("provider", string(p)),
			zap.Duration("age", age),
			zap.Duration("ttl", c.ttl))
		return nil, false
	}

	return e.Models, true
}

// Set persists list for p with the current timestamp, replacing any prior entry.
func (c *Cache) Set(ctx context.Context, p models.ProviderType, list []models.Model) {
	if !c.enabled() {
		return
	}
	if err := c.write(ctx, p, list); err != nil {
		c.logger.Warn("persist model cache failed",
			zap.String("provider", string(p)),
			zap.String("path", c.Path(p)),
			zap.Error(err))
		return
	}
	c.logger.Debug("cached discovered models",
		zap.String("provider", string(p)),
		zap.Int("model_count", len(list)))
}

func (c *Cache) write(ctx context.Context, p models.ProviderType, list []models.Model) error {
	if list == nil {
		list = []models.Model{}
	}
	data, err := json.MarshalIndent(entry{
		Timestamp: toUnixSeconds(c.now()),
		Models:    list,
		Provider:  p,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	path := c.Path(p)
	lock := flock.New(lockPath(path))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock cache file: %w", err)
	}
	if !locked {
		return errors.New("lock cache file: not acquired")
	}
	defer func() { _ = lock.Unlock() }()

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Clear removes the entry for p. Clearing an absent entry is not an error.
func (c *Cache) Clear(ctx context.Context, p models.ProviderType) error {
	if !c.enabled() {
		return nil
	}
	path := c.Path(p)
	if _, err := os.Stat(c.dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	lock := flock.New(lockPath(path))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock cache file: %w", err)
	}

	removeErr := os.Remove(path)
	if locked {
		_ = lock.Unlock()
	}
	if err := os.Remove(lockPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Debug("remove model cache lock failed", zap.String("provider", string(p)), zap.Error(err))
	}

	if removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
		return fmt.Errorf("remove cache file %q: %w", path, removeErr)
	}
	c.logger.Debug("cleared model cache", zap.String("provider", string(p)))
	return nil
}

func lockPath(path string) string {
	return path + ".lock"
}

// ClearAll removes the entries of every supported provider.
func (c *Cache) ClearAll(ctx context.Context) error {
	var errs []error
	for _, p := range models.DefaultProviderOrder {
		if err := c.Clear(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e entry) validate(p models.ProviderType) error {
	if e.Provider != p {
		return fmt.Errorf("entry belongs to provider %q", e.Provider)
	}
	if e.Timestamp <= 0 {
		return errors.New("entry has no timestamp")
	}
	for i, m := range e.Models {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("model[%d] has no id", i)
		}
	}
	return nil
}

func toUnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second)))
}
