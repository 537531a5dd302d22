// Package cli implements the engram CLI commands. Every command prints
// its result as JSON on stdout; logs go to stderr.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/engine"
	"github.com/engramdb/engram/internal/logger"
	"github.com/engramdb/engram/internal/state"
	"github.com/engramdb/engram/internal/storage/graph"
	"github.com/engramdb/engram/internal/storage/textlog"
	"github.com/engramdb/engram/internal/storage/vector"
	"github.com/engramdb/engram/internal/storage/vector/chroma"
	"github.com/engramdb/engram/internal/storage/vector/ollama"
	"github.com/engramdb/engram/internal/storage/vector/pgvector"
)

var debugFlag bool

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Session-persistent memory for coding agents",
	Long: "Engram stores typed memory records across a durable text log, a SQLite\n" +
		"graph layer, and an optional vector index. Configuration comes from\n" +
		"ENGRAM_* environment variables or a config.yaml in the store directory.",
}

func init() {
	RootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
}

// openEngine wires the engine from configuration. The returned cleanup
// closes the layers and must be called before exit.
func openEngine() (*engine.Engine, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if debugFlag {
		cfg.Logging.Debug = true
	}
	log := logger.New(cfg.Logging.Debug)

	st, err := state.Open(filepath.Join(cfg.Store.Path, "state.json"))
	if err != nil {
		return nil, nil, err
	}
	text, err := textlog.New(filepath.Join(cfg.Store.Path, "memory"), log)
	if err != nil {
		return nil, nil, err
	}
	g, err := graph.Open(cfg.Graph.Path, log)
	if err != nil {
		return nil, nil, err
	}
	queue, err := vector.NewQueue(filepath.Join(cfg.Store.Path, "pending-embeddings.jsonl"))
	if err != nil {
		g.Close()
		return nil, nil, err
	}

	var driver vector.Driver
	var embedder vector.Embedder
	switch cfg.Vector.Provider {
	case "chroma":
		driver, err = chroma.New(chroma.Config{
			URL:            cfg.Vector.ChromaURL,
			CollectionName: cfg.Vector.ChromaCollection,
		}, log)
	case "pgvector":
		driver, err = pgvector.New(cfg.Vector.PostgresDSN, log)
	}
	if err != nil {
		// Drivers connect lazily, so an error here means the configuration
		// itself is unusable, not that the backend is down. A down backend
		// keeps its driver wired and the index queues writes for a drain.
		log.Warn(fmt.Sprintf("vector layer misconfigured, continuing without it: %v", err))
		driver = nil
	}
	if driver != nil {
		embedder = ollama.New(ollama.Config{
			BaseURL: cfg.Embedding.OllamaURL,
			Model:   cfg.Embedding.Model,
			Timeout: cfg.Embedding.Timeout,
		})
	}
	index := vector.NewIndex(driver, embedder, queue, vector.IndexConfig{
		HealthTimeout: cfg.Engine.HealthTimeout,
		EmbedTimeout:  cfg.Embedding.Timeout,
	}, log)

	eng, err := engine.New(cfg, st, text, g, index, log)
	if err != nil {
		g.Close()
		return nil, nil, err
	}

	cleanup := func() {
		g.Close()
		if driver != nil {
			driver.Close()
		}
		log.Sync()
	}
	return eng, cleanup, nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
