package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Store.Path)
	assert.Equal(t, filepath.Join(cfg.Store.Path, "graph.db"), cfg.Graph.Path)
	assert.Equal(t, "http://localhost:11434", cfg.Embedding.OllamaURL)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	assert.Equal(t, 5*time.Second, cfg.Engine.LayerTimeout)
	assert.Equal(t, 10, cfg.Engine.MaxQueueFailures)
	assert.False(t, cfg.VectorEnabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENGRAM_STORE_PATH", "/tmp/engram-test")
	t.Setenv("ENGRAM_CHROMA_URL", "http://chroma:8000")
	t.Setenv("ENGRAM_LAYER_TIMEOUT", "250ms")
	t.Setenv("ENGRAM_DEBUG", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/engram-test", cfg.Store.Path)
	assert.Equal(t, "chroma", cfg.Vector.Provider)
	assert.True(t, cfg.VectorEnabled())
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.LayerTimeout)
	assert.True(t, cfg.Logging.Debug)
}

func TestLoad_YAMLFileWithEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	content := []byte(`
store:
  path: /from/yaml
vector:
  provider: chroma
  chroma_url: http://yaml-chroma:8000
engine:
  max_queue_failures: 3
`)
	require.NoError(t, os.WriteFile(file, content, 0o644))

	t.Setenv("ENGRAM_CONFIG", file)
	t.Setenv("ENGRAM_STORE_PATH", "/from/env")

	cfg, err := Load()
	require.NoError(t, err)

	// Env wins over YAML; YAML wins over defaults.
	assert.Equal(t, "/from/env", cfg.Store.Path)
	assert.Equal(t, "http://yaml-chroma:8000", cfg.Vector.ChromaURL)
	assert.Equal(t, 3, cfg.Engine.MaxQueueFailures)
}
