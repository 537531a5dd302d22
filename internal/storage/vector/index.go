package vector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SemanticScoreFloor drops weak similarity hits from search results.
// Dedup lookups bypass the floor: they need the single nearest neighbour
// whatever its score.
const SemanticScoreFloor = 0.15

const (
	defaultHealthTimeout = 500 * time.Millisecond
	defaultEmbedTimeout  = 10 * time.Second

	// drainRatePerSecond throttles embedding calls during a queue drain so
	// a large backlog does not saturate the provider.
	drainRatePerSecond = 5
)

// IndexConfig tunes the Index timeouts.
type IndexConfig struct {
	HealthTimeout time.Duration
	EmbedTimeout  time.Duration
}

// Index wraps the driver, embedder, and pending queue behind the fail-open
// policy: embed-and-upsert on the happy path, enqueue on any failure. A
// circuit breaker around drain work stops hammering a provider that is
// down.
type Index struct {
	driver   Driver
	embedder Embedder
	queue    *Queue
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	logger   *zap.Logger

	healthTimeout time.Duration
	embedTimeout  time.Duration
}

// NewIndex builds the semantic layer wrapper. driver and embedder may be
// nil when the layer is not configured; Enabled reports that.
func NewIndex(driver Driver, embedder Embedder, queue *Queue, cfg IndexConfig, logger *zap.Logger) *Index {
	healthTimeout := cfg.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	embedTimeout := cfg.EmbedTimeout
	if embedTimeout <= 0 {
		embedTimeout = defaultEmbedTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vector-drain",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &Index{
		driver:        driver,
		embedder:      embedder,
		queue:         queue,
		breaker:       breaker,
		limiter:       rate.NewLimiter(rate.Limit(drainRatePerSecond), 1),
		logger:        logger,
		healthTimeout: healthTimeout,
		embedTimeout:  embedTimeout,
	}
}

// Enabled reports whether the semantic layer is configured at all.
func (i *Index) Enabled() bool {
	return i.driver != nil && i.embedder != nil
}

// Available probes the driver within the health timeout.
func (i *Index) Available(ctx context.Context) bool {
	if !i.Enabled() {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, i.healthTimeout)
	defer cancel()
	return i.driver.Ping(probeCtx) == nil
}

// StoreOrQueue embeds and upserts the document. Any failure enqueues it
// instead; the write never fails because of this layer.
func (i *Index) StoreOrQueue(ctx context.Context, id, content string, metadata map[string]any) (stored, queued bool, err error) {
	if !i.Enabled() {
		return false, false, nil
	}

	if err := i.embedAndUpsert(ctx, id, content, metadata); err != nil {
		i.logger.Warn("vector layer write failed, queueing for later",
			zap.String("id", id), zap.Error(err))
		if qerr := i.queue.Enqueue(PendingDoc{
			ID:       id,
			Content:  content,
			Metadata: metadata,
			QueuedAt: time.Now().UTC(),
		}); qerr != nil {
			return false, false, fmt.Errorf("vector: queueing %s: %w", id, qerr)
		}
		return false, true, nil
	}
	return true, false, nil
}

// Query embeds the query text and returns similarity hits at or above the
// score floor.
func (i *Index) Query(ctx context.Context, query string, topK int) ([]Result, error) {
	if !i.Enabled() {
		return nil, ErrUnavailable
	}
	if topK <= 0 {
		topK = 10
	}

	embedding, err := i.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := i.driver.Query(ctx, embedding, topK, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	kept := results[:0]
	for _, r := range results {
		if r.Score >= SemanticScoreFloor {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// Nearest returns the single most similar stored document to content, with
// no score floor. A non-empty where restricts candidates by metadata
// (dedup scopes to the same project and type). Returns nil when nothing
// matches.
func (i *Index) Nearest(ctx context.Context, content string, where map[string]string) (*Result, error) {
	if !i.Enabled() {
		return nil, ErrUnavailable
	}

	embedding, err := i.embed(ctx, content)
	if err != nil {
		return nil, err
	}
	results, err := i.driver.Query(ctx, embedding, 1, where)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// Delete removes documents from the index and the pending queue.
func (i *Index) Delete(ctx context.Context, ids []string) error {
	if err := i.queue.Remove(ids); err != nil {
		return err
	}
	if !i.Enabled() {
		return nil
	}
	if err := i.driver.Delete(ctx, ids); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// PendingCount returns the number of records awaiting embedding.
func (i *Index) PendingCount() int {
	n, err := i.queue.Len()
	if err != nil {
		return 0
	}
	return n
}

// Drain embeds and upserts queued records, removing each from the queue as
// it lands. Work runs through the circuit breaker and a rate limiter; the
// drain stops at the first failure and reports how far it got.
func (i *Index) Drain(ctx context.Context) (processed, remaining int, err error) {
	pending, err := i.queue.Pending()
	if err != nil {
		return 0, 0, err
	}
	if len(pending) == 0 {
		return 0, 0, nil
	}
	if !i.Enabled() {
		return 0, len(pending), ErrUnavailable
	}

	var done []string
	for _, doc := range pending {
		if err := i.limiter.Wait(ctx); err != nil {
			break
		}

		doc := doc
		_, berr := i.breaker.Execute(func() (interface{}, error) {
			return nil, i.embedAndUpsert(ctx, doc.ID, doc.Content, doc.Metadata)
		})
		if berr != nil {
			if errors.Is(berr, gobreaker.ErrOpenState) {
				berr = fmt.Errorf("%w: circuit open", ErrUnavailable)
			}
			err = berr
			break
		}
		done = append(done, doc.ID)
	}

	if len(done) > 0 {
		if rerr := i.queue.Remove(done); rerr != nil && err == nil {
			err = rerr
		}
	}
	remaining = len(pending) - len(done)
	i.logger.Info("drained pending embeddings",
		zap.Int("processed", len(done)), zap.Int("remaining", remaining))
	return len(done), remaining, err
}

func (i *Index) embed(ctx context.Context, text string) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, i.embedTimeout)
	defer cancel()

	embedding, err := i.embedder.Embed(embedCtx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	return embedding, nil
}

func (i *Index) embedAndUpsert(ctx context.Context, id, content string, metadata map[string]any) error {
	embedding, err := i.embed(ctx, content)
	if err != nil {
		return err
	}
	return i.driver.Upsert(ctx, []Document{{
		ID:        id,
		Content:   content,
		Embedding: embedding,
		Metadata:  metadata,
	}})
}
