// Package config provides configuration for the engram engine. Settings are
// read from an optional YAML file first, then overridden by environment
// variables with the ENGRAM_ prefix. Every option has a sensible default so
// a bare process works against a local store directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for the engram engine.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Graph     GraphConfig     `yaml:"graph"`
	Vector    VectorConfig    `yaml:"vector"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig locates the on-disk state: WAL/state file, text logs, queue,
// and backups all live under Path.
type StoreConfig struct {
	Path string `yaml:"path"` // default: ~/.engram
}

// GraphConfig configures the required graph layer.
type GraphConfig struct {
	// Path is the SQLite database file. Defaults to <store>/graph.db.
	Path string `yaml:"path"`
}

// VectorConfig configures the optional semantic layer.
type VectorConfig struct {
	// Provider selects the vector backend: "chroma", "pgvector", or ""
	// (disabled).
	Provider string `yaml:"provider"`

	// ChromaURL is the Chroma server URL (e.g. http://localhost:8000).
	ChromaURL string `yaml:"chroma_url"`

	// ChromaCollection is the collection name, created on first use.
	ChromaCollection string `yaml:"chroma_collection"`

	// PostgresDSN is the connection string for the pgvector backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EmbeddingConfig configures the embedding provider for the vector layer.
type EmbeddingConfig struct {
	OllamaURL string        `yaml:"ollama_url"` // default: http://localhost:11434
	Model     string        `yaml:"model"`      // default: nomic-embed-text
	Timeout   time.Duration `yaml:"timeout"`    // default: 10s
}

// EngineConfig tunes the engine itself.
type EngineConfig struct {
	// LayerTimeout bounds each layer call during query fan-out. A layer
	// that misses the deadline is treated as unreachable for that call.
	LayerTimeout time.Duration `yaml:"layer_timeout"` // default: 5s

	// HealthTimeout bounds reachability probes.
	HealthTimeout time.Duration `yaml:"health_timeout"` // default: 500ms

	// DrainInterval is the cadence of the background queue drain.
	DrainInterval time.Duration `yaml:"drain_interval"` // default: 60s

	// MaxQueueFailures pauses drains after this many consecutive failures
	// until a drain succeeds again.
	MaxQueueFailures int `yaml:"max_queue_failures"` // default: 10

	// RecallBudgetBytes is the default auto-recall output budget.
	RecallBudgetBytes int `yaml:"recall_budget_bytes"` // default: 4096
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Load builds a Config from environment variables and defaults. If
// ENGRAM_CONFIG names a YAML file (or <store>/config.yaml exists), it is
// loaded first and the environment overrides it.
func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("ENGRAM_CONFIG")
	if path == "" {
		candidate := filepath.Join(cfg.Store.Path, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if cfg.Graph.Path == "" {
		cfg.Graph.Path = filepath.Join(cfg.Store.Path, "graph.db")
	}
	return cfg, nil
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Store: StoreConfig{Path: filepath.Join(home, ".engram")},
		Embedding: EmbeddingConfig{
			OllamaURL: "http://localhost:11434",
			Model:     "nomic-embed-text",
			Timeout:   10 * time.Second,
		},
		Vector: VectorConfig{
			ChromaCollection: "engram",
		},
		Engine: EngineConfig{
			LayerTimeout:      5 * time.Second,
			HealthTimeout:     500 * time.Millisecond,
			DrainInterval:     60 * time.Second,
			MaxQueueFailures:  10,
			RecallBudgetBytes: 4096,
		},
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Store.Path = getEnv("ENGRAM_STORE_PATH", cfg.Store.Path)
	cfg.Graph.Path = getEnv("ENGRAM_GRAPH_PATH", cfg.Graph.Path)

	cfg.Vector.Provider = getEnv("ENGRAM_VECTOR_PROVIDER", cfg.Vector.Provider)
	cfg.Vector.ChromaURL = getEnv("ENGRAM_CHROMA_URL", cfg.Vector.ChromaURL)
	cfg.Vector.ChromaCollection = getEnv("ENGRAM_CHROMA_COLLECTION", cfg.Vector.ChromaCollection)
	cfg.Vector.PostgresDSN = getEnv("ENGRAM_PGVECTOR_DSN", cfg.Vector.PostgresDSN)

	// Setting a Chroma URL without an explicit provider enables Chroma,
	// matching the behaviour of leaving the layer off by default.
	if cfg.Vector.Provider == "" && cfg.Vector.ChromaURL != "" {
		cfg.Vector.Provider = "chroma"
	}

	cfg.Embedding.OllamaURL = getEnv("ENGRAM_OLLAMA_URL", cfg.Embedding.OllamaURL)
	cfg.Embedding.Model = getEnv("ENGRAM_OLLAMA_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Timeout = getEnvDuration("ENGRAM_EMBED_TIMEOUT", cfg.Embedding.Timeout)

	cfg.Engine.LayerTimeout = getEnvDuration("ENGRAM_LAYER_TIMEOUT", cfg.Engine.LayerTimeout)
	cfg.Engine.HealthTimeout = getEnvDuration("ENGRAM_HEALTH_TIMEOUT", cfg.Engine.HealthTimeout)
	cfg.Engine.DrainInterval = getEnvDuration("ENGRAM_DRAIN_INTERVAL", cfg.Engine.DrainInterval)
	cfg.Engine.MaxQueueFailures = getEnvInt("ENGRAM_MAX_QUEUE_FAILURES", cfg.Engine.MaxQueueFailures)
	cfg.Engine.RecallBudgetBytes = getEnvInt("ENGRAM_RECALL_BUDGET", cfg.Engine.RecallBudgetBytes)

	cfg.Logging.Debug = getEnvBool("ENGRAM_DEBUG", cfg.Logging.Debug)
}

// VectorEnabled reports whether a vector backend is configured.
func (c *Config) VectorEnabled() bool {
	switch c.Vector.Provider {
	case "chroma":
		return c.Vector.ChromaURL != ""
	case "pgvector":
		return c.Vector.PostgresDSN != ""
	}
	return false
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value when unset or unparseable.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" and "false", "0", "no".
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go syntax, e.g.
// "750ms") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
