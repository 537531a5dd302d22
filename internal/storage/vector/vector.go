// Package vector implements the optional semantic layer: an embedding
// provider plus a vector database driver, wrapped in an Index that fails
// open. When either half is unreachable a store falls back to the pending
// queue instead of failing the write, and a background drain retries.
package vector

import (
	"context"
	"errors"
)

// ErrEmbedding indicates the embedding provider failed to produce a vector.
var ErrEmbedding = errors.New("embedding failed")

// ErrUnavailable indicates the vector database is unreachable.
var ErrUnavailable = errors.New("vector layer unavailable")

// Document is one embedded record stored in the vector database.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]any
}

// Result is one similarity hit. Score is normalized to 0-1 via
// 1/(1+distance); higher is more similar.
type Result struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// Driver is a vector database backend. Upsert must be idempotent by
// document id so queue drains and WAL replays are safe to repeat. A
// non-empty where narrows a query to documents whose metadata matches
// every given key/value pair.
type Driver interface {
	Upsert(ctx context.Context, docs []Document) error
	Query(ctx context.Context, embedding []float32, topK int, where map[string]string) ([]Result, error)
	Delete(ctx context.Context, ids []string) error
	Ping(ctx context.Context) error
	Close() error
}

// Embedder converts text into a vector embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
