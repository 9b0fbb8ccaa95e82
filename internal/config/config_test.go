package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 15000, cfg.Timeouts.EndToEndSearchMS)
	assert.Equal(t, 10, cfg.Caps.SearchLimitDefault)
	assert.Equal(t, 3, cfg.Breakers.Lexical.FailureThreshold)
	assert.Equal(t, 1000, cfg.Registry.ChunkSize)
	assert.Equal(t, 200, cfg.Registry.ChunkOverlap)
	assert.InDelta(t, 0.6, cfg.Weights.OriginalWeight, 1e-9)
	assert.InDelta(t, 0.4, cfg.Weights.CEWeight, 1e-9)
	assert.InDelta(t, 0.1, cfg.OutcomeDelta("worked"), 1e-9)
	assert.InDelta(t, -0.1, cfg.OutcomeDelta("failed"), 1e-9)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 15000, cfg.Timeouts.EndToEndSearchMS)
}

func TestLoadMergesYAML(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`
timeouts:
  end_to_end_search_ms: 9000
caps:
  rerank_k: 5
circuit_breakers:
  bm25:
    failure_threshold: 7
    success_threshold: 3
    open_duration_ms: 100
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), body, 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Timeouts.EndToEndSearchMS)
	assert.Equal(t, 5, cfg.Caps.RerankK)
	assert.Equal(t, 7, cfg.Breakers.Lexical.FailureThreshold)
	// Unspecified values keep defaults.
	assert.Equal(t, 10, cfg.Caps.SearchLimitDefault)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("RECALL_OLLAMA_ENDPOINT", func(t *testing.T) {
		t.Setenv("RECALL_OLLAMA_ENDPOINT", "http://gpu-box:11434")
		cfg := Default()
		cfg.applyEnvOverrides()
		assert.Equal(t, "http://gpu-box:11434", cfg.Embedding.Endpoint)
	})

	t.Run("RECALL_DEBUG enables debug logging", func(t *testing.T) {
		t.Setenv("RECALL_DEBUG", "true")
		cfg := Default()
		cfg.Logging.Level = ""
		cfg.applyEnvOverrides()
		assert.True(t, cfg.Logging.DebugMode)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("RECALL_DATA_DIR", func(t *testing.T) {
		t.Setenv("RECALL_DATA_DIR", "/tmp/elsewhere")
		cfg := Default()
		cfg.applyEnvOverrides()
		assert.Equal(t, "/tmp/elsewhere", cfg.DataDir)
		assert.Equal(t, filepath.Join("/tmp/elsewhere", "recall.db"), cfg.DatabasePath())
	})
}
