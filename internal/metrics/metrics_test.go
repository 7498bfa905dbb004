package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrag/internal/models"
	"scriptrag/internal/provider"
)

func TestRecorderCountsAndClassifies(t *testing.T) {
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r := New().WithClock(func() time.Time { return fixed })

	r.RecordSuccess(models.ProviderClaudeSDK)
	r.RecordSuccess(models.ProviderClaudeSDK)
	r.RecordFailure(models.ProviderGitHubModels, provider.Unavailable(models.ProviderGitHubModels, "complete", errors.New("503")))
	r.RecordFailure(models.ProviderGitHubModels, context.DeadlineExceeded)
	r.RecordRetry()
	r.RecordFallbackChain([]models.ProviderType{models.ProviderGitHubModels, models.ProviderClaudeSDK})

	snap := r.Snapshot()
	assert.Equal(t, 2, snap.ProviderSuccesses[models.ProviderClaudeSDK])
	assert.Equal(t, 2, snap.ProviderFailures[models.ProviderGitHubModels])
	assert.Equal(t, 1, snap.RetryAttempts)
	assert.Equal(t, 2, snap.TotalSuccesses)
	assert.Equal(t, 2, snap.TotalFailures)
	require.Len(t, snap.Errors, 2)
	assert.Equal(t, "unavailable", snap.Errors[0].ErrorType)
	assert.Equal(t, "timeout", snap.Errors[1].ErrorType)
	assert.Equal(t, fixed, snap.Errors[0].Timestamp)
	assert.Equal(t, [][]models.ProviderType{{models.ProviderGitHubModels, models.ProviderClaudeSDK}}, snap.FallbackChains)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	r := New()
	chain := []models.ProviderType{models.ProviderClaudeSDK}
	r.RecordFallbackChain(chain)
	r.RecordSuccess(models.ProviderClaudeSDK)
	r.RecordFailure(models.ProviderClaudeSDK, errors.New("boom"))
	chain[0] = models.ProviderOpenAICompatible

	snap := r.Snapshot()
	snap.ProviderSuccesses[models.ProviderClaudeSDK] = 99
	snap.FallbackChains[0][0] = models.ProviderGitHubModels
	snap.Errors[0].Message = "changed"

	again := r.Snapshot()
	assert.Equal(t, 1, again.ProviderSuccesses[models.ProviderClaudeSDK])
	assert.Equal(t, models.ProviderClaudeSDK, again.FallbackChains[0][0])
	assert.Equal(t, "boom", again.Errors[0].Message)
}

func TestResetClearsEverything(t *testing.T) {
	var r Recorder
	r.RecordSuccess(models.ProviderClaudeSDK)
	r.RecordRetry()
	r.RecordFailure(models.ProviderClaudeSDK, errors.New("x"))
	r.RecordFallbackChain([]models.ProviderType{models.ProviderClaudeSDK})
	r.Reset()

	snap := r.Snapshot()
	assert.Empty(t, snap.ProviderSuccesses)
	assert.Empty(t, snap.ProviderFailures)
	assert.Empty(t, snap.FallbackChains)
	assert.Empty(t, snap.Errors)
	assert.Zero(t, snap.RetryAttempts)
}

func TestRecorderConcurrentUse(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordSuccess(models.ProviderGitHubModels)
			r.RecordRetry()
			_ = r.Snapshot()
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	assert.Equal(t, 50, snap.ProviderSuccesses[models.ProviderGitHubModels])
	assert.Equal(t, 50, snap.RetryAttempts)
}
