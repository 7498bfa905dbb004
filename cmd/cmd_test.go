package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrag/internal/embedstore"
)

// fakeOpenAI serves the three OpenAI-compatible endpoints the CLI reaches.
func fakeOpenAI(t *testing.T) *httptest.Server {
	t.Helper()
	vectors := map[string][]float64{
		"INT. DINER - NIGHT": {1, 0},
		"EXT. BEACH - DAY":   {0, 1},
		"diner":              {0.9, 0.1},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-cli",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "llama3",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "JANE sits alone."}, "finish_reason": "stop", "logprobs": null}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 4, "total_tokens": 8}
		}`))
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		data := make([]map[string]any, 0, len(body.Input))
		for i, in := range body.Input {
			vec, ok := vectors[strings.TrimSpace(in)]
			if !ok {
				vec = []float64{0.5, 0.5}
			}
			data = append(data, map[string]any{"object": "embedding", "index": i, "embedding": vec})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  "nomic-embed-text",
			"usage":  map[string]int{"prompt_tokens": 2, "total_tokens": 2},
		})
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object": "list", "data": [{"id": "llama3", "object": "model", "created": 0, "owned_by": "local"}]}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testEnv struct {
	dir        string
	configPath string
	storePath  string
	cacheDir   string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	srv := fakeOpenAI(t)
	dir := t.TempDir()
	env := testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "scriptrag.yaml"),
		storePath:  filepath.Join(dir, "scriptrag.db"),
		cacheDir:   filepath.Join(dir, "cache"),
	}

	cfg := fmt.Sprintf(`
llm:
  provider: openai_compatible
  retry:
    attempts: 1
providers:
  claude_sdk:
    disabled: true
  github_models:
    disabled: true
  openai_compatible:
    api_key: sk-test
    base_url: %s/v1
    default_model: llama3
    embedding_model: nomic-embed-text
cache:
  dir: %s
logging:
  level: error
  format: json
store:
  path: %s
`, srv.URL, env.cacheDir, env.storePath)
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfg), 0o600))
	return env
}

func (e testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestConfigValidate(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")
	assert.Contains(t, out, "openai_compatible")
}

func TestConfigValidateRejectsUnknownProviderFlag(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "--provider", "bard", "config", "validate")
	assert.Error(t, err)
}

func TestCompletePrintsContent(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "complete", "Describe", "the", "diner")
	require.NoError(t, err)
	assert.Contains(t, out, "JANE sits alone.")
}

func TestCompleteShowMetrics(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "complete", "--show-metrics", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, `"total_successes": 1`)
}

func TestCompleteRequiresPrompt(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.run(t, "complete")
	assert.ErrorContains(t, err, "prompt is required")
}

func TestEmbedThenSearch(t *testing.T) {
	env := newTestEnv(t)
	diner := filepath.Join(env.dir, "diner.fountain")
	beach := filepath.Join(env.dir, "beach.fountain")
	require.NoError(t, os.WriteFile(diner, []byte("INT. DINER - NIGHT\n"), 0o600))
	require.NoError(t, os.WriteFile(beach, []byte("EXT. BEACH - DAY\n"), 0o600))

	out, err := env.run(t, "embed", diner, beach)
	require.NoError(t, err)
	assert.Contains(t, out, "Stored 2 embeddings")

	store, err := embedstore.Open(context.Background(), env.storePath)
	require.NoError(t, err)
	n, err := store.Count(context.Background(), "nomic-embed-text")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, store.Close())

	out, err = env.run(t, "search", "--json", "-k", "1", "diner")
	require.NoError(t, err)

	var matches []embedstore.Match
	require.NoError(t, json.Unmarshal([]byte(out), &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, diner, matches[0].Key)
}

func TestModelsPopulatesCacheAndCacheClearRemovesIt(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "models", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "llama3"`)
	assert.FileExists(t, filepath.Join(env.cacheDir, "openai_compatible_models.json"))

	out, err = env.run(t, "cache", "clear", "openai")
	require.NoError(t, err)
	assert.Contains(t, out, "openai_compatible")
	assert.NoFileExists(t, filepath.Join(env.cacheDir, "openai_compatible_models.json"))

	_, err = env.run(t, "cache", "clear")
	require.NoError(t, err)
}

func TestProvidersTable(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "providers", "--json")
	require.NoError(t, err)

	var rows []struct {
		Provider  string `json:"provider"`
		Available bool   `json:"available"`
		Current   bool   `json:"current"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "openai_compatible", rows[0].Provider)
	assert.True(t, rows[0].Current)
	assert.False(t, rows[1].Available)

	_, err = env.run(t, "providers", "--switch", "claude_sdk")
	assert.ErrorContains(t, err, "not available")
}

func TestVersionSkipsConfig(t *testing.T) {
	root := newRootCommand()
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetArgs([]string{"--config", "/does/not/exist.yaml", "version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, stdout.String(), "scriptrag")
}
