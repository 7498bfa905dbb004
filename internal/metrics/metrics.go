// Package metrics accumulates per-provider outcome counters for the LLM client.
package metrics

import (
	"slices"
	"sync"
	"time"

	"scriptrag/internal/models"
	"scriptrag/internal/provider"
)

// FailureRecord describes one failed provider attempt.
type FailureRecord struct {
	Provider  models.ProviderType `json:"provider"`
	ErrorType string              `json:"error_type"`
	Message   string              `json:"message"`
	Timestamp time.Time           `json:"timestamp"`
}

// Snapshot is a point-in-time copy of the counters. Mutating it never affects
// the recorder.
type Snapshot struct {
	ProviderSuccesses map[models.ProviderType]int `json:"provider_successes"`
	ProviderFailures  map[models.ProviderType]int `json:"provider_failures"`
	RetryAttempts     int                         `json:"retry_attempts"`
	FallbackChains    [][]models.ProviderType     `json:"fallback_chains"`
	Errors            []FailureRecord             `json:"errors"`
	TotalSuccesses    int                         `json:"total_successes"`
	TotalFailures     int                         `json:"total_failures"`
}

// Recorder is safe for concurrent use. The zero value is ready.
type Recorder struct {
	mu        sync.Mutex
	now       func() time.Time
	successes map[models.ProviderType]int
	failures  map[models.ProviderType]int
	retries   int
	chains    [][]models.ProviderType
	errors    []FailureRecord
}

// New constructs an empty recorder.
func New() *Recorder {
	return &Recorder{}
}

// WithClock sets the timestamp source for failure records.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
	return r
}

func (r *Recorder) timestamp() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

// RecordSuccess counts a successful operation served by p.
func (r *Recorder) RecordSuccess(p models.ProviderType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.successes == nil {
		r.successes = make(map[models.ProviderType]int)
	}
	r.successes[p]++
}

// RecordFailure counts a failed attempt against p and appends an error record.
func (r *Recorder) RecordFailure(p models.ProviderType, err error) {
	rec := FailureRecord{Provider: p, ErrorType: provider.KindOf(err).String()}
	if err != nil {
		rec.Message = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures == nil {
		r.failures = make(map[models.ProviderType]int)
	}
	r.failures[p]++
	rec.Timestamp = r.timestamp()
	r.errors = append(r.errors, rec)
}

// RecordRetry counts one retry attempt.
func (r *Recorder) RecordRetry() {
	r.mu.Lock()
	r.retries++
	r.mu.Unlock()
}

// RecordFallbackChain appends the ordered list of providers one request tried.
func (r *Recorder) RecordFallbackChain(chain []models.ProviderType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains = append(r.chains, slices.Clone(chain))
}

// Snapshot returns a deep copy of the current counters.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		ProviderSuccesses: make(map[models.ProviderType]int, len(r.successes)),
		ProviderFailures:  make(map[models.ProviderType]int, len(r.failures)),
		RetryAttempts:     r.retries,
		FallbackChains:    make([][]models.ProviderType, len(r.chains)),
		Errors:            slices.Clone(r.errors),
	}
	for p, n := range r.successes {
		snap.ProviderSuccesses[p] = n
		snap.TotalSuccesses += n
	}
	for p, n := range r.failures {
		snap.ProviderFailures[p] = n
		snap.TotalFailures += n
	}
	for i, chain := range r.chains {
		snap.FallbackChains[i] = slices.Clone(chain)
	}
	if snap.Errors == nil {
		snap.Errors = []FailureRecord{}
	}
	return snap
}

// Reset zeroes every counter.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = nil
	r.failures = nil
	r.retries = 0
	r.chains = nil
	r.errors = nil
}
