package vector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDriver struct {
	docs      map[string]Document
	results   []Result
	failing   bool
	upserts   int
	deleted   []string
	pingCalls int
	lastWhere map[string]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{docs: map[string]Document{}}
}

func (d *fakeDriver) Upsert(_ context.Context, docs []Document) error {
	d.upserts++
	if d.failing {
		return errors.New("connection refused")
	}
	for _, doc := range docs {
		d.docs[doc.ID] = doc
	}
	return nil
}

func (d *fakeDriver) Query(_ context.Context, _ []float32, topK int, where map[string]string) ([]Result, error) {
	if d.failing {
		return nil, errors.New("connection refused")
	}
	d.lastWhere = where
	if len(d.results) > topK {
		return d.results[:topK], nil
	}
	return d.results, nil
}

func (d *fakeDriver) Delete(_ context.Context, ids []string) error {
	if d.failing {
		return errors.New("connection refused")
	}
	d.deleted = append(d.deleted, ids...)
	return nil
}

func (d *fakeDriver) Ping(_ context.Context) error {
	d.pingCalls++
	if d.failing {
		return errors.New("connection refused")
	}
	return nil
}

func (d *fakeDriver) Close() error { return nil }

type fakeEmbedder struct {
	failing bool
	calls   int
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.failing {
		return nil, errors.New("model not loaded")
	}
	return []float32{float32(len(text)), 1, 2}, nil
}

func newTestIndex(t *testing.T, driver Driver, embedder Embedder) *Index {
	t.Helper()
	q, err := NewQueue(filepath.Join(t.TempDir(), "pending.jsonl"))
	require.NoError(t, err)
	return NewIndex(driver, embedder, q, IndexConfig{}, zap.NewNop())
}

func TestStoreOrQueueHappyPath(t *testing.T) {
	driver := newFakeDriver()
	idx := newTestIndex(t, driver, &fakeEmbedder{})

	stored, queued, err := idx.StoreOrQueue(context.Background(), "m1", "some content", map[string]any{"type": "note"})
	require.NoError(t, err)
	assert.True(t, stored)
	assert.False(t, queued)
	assert.Contains(t, driver.docs, "m1")
	assert.Equal(t, 0, idx.PendingCount())
}

func TestStoreOrQueueFailsOpen(t *testing.T) {
	driver := newFakeDriver()
	driver.failing = true
	idx := newTestIndex(t, driver, &fakeEmbedder{})

	stored, queued, err := idx.StoreOrQueue(context.Background(), "m1", "some content", nil)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.True(t, queued)
	assert.Equal(t, 1, idx.PendingCount())
}

func TestStoreOrQueueEmbedderFailure(t *testing.T) {
	idx := newTestIndex(t, newFakeDriver(), &fakeEmbedder{failing: true})

	stored, queued, err := idx.StoreOrQueue(context.Background(), "m1", "content", nil)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.True(t, queued)
}

func TestStoreOrQueueDisabledLayer(t *testing.T) {
	idx := newTestIndex(t, nil, nil)

	stored, queued, err := idx.StoreOrQueue(context.Background(), "m1", "content", nil)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.False(t, queued)
}

func TestQueryAppliesScoreFloor(t *testing.T) {
	driver := newFakeDriver()
	driver.results = []Result{
		{ID: "strong", Score: 0.9},
		{ID: "weak", Score: 0.05},
	}
	idx := newTestIndex(t, driver, &fakeEmbedder{})

	results, err := idx.Query(context.Background(), "query", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "strong", results[0].ID)
}

func TestNearestIgnoresFloor(t *testing.T) {
	driver := newFakeDriver()
	driver.results = []Result{{ID: "faint", Score: 0.05}}
	idx := newTestIndex(t, driver, &fakeEmbedder{})

	r, err := idx.Nearest(context.Background(), "content", nil)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "faint", r.ID)

	driver.results = nil
	r, err = idx.Nearest(context.Background(), "content", nil)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestNearestForwardsFilter(t *testing.T) {
	driver := newFakeDriver()
	driver.results = []Result{{ID: "m1", Score: 0.9}}
	idx := newTestIndex(t, driver, &fakeEmbedder{})

	where := map[string]string{"type": "decision", "project": "alpha"}
	_, err := idx.Nearest(context.Background(), "content", where)
	require.NoError(t, err)
	assert.Equal(t, where, driver.lastWhere)
}

func TestDrainProcessesQueue(t *testing.T) {
	driver := newFakeDriver()
	driver.failing = true
	idx := newTestIndex(t, driver, &fakeEmbedder{})

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, queued, err := idx.StoreOrQueue(ctx, id, "content "+id, nil)
		require.NoError(t, err)
		require.True(t, queued)
	}

	driver.failing = false
	processed, remaining, err := idx.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, 0, idx.PendingCount())
	assert.Contains(t, driver.docs, "a")
	assert.Contains(t, driver.docs, "c")
}

func TestDrainStopsOnFailure(t *testing.T) {
	driver := newFakeDriver()
	driver.failing = true
	idx := newTestIndex(t, driver, &fakeEmbedder{})

	ctx := context.Background()
	_, _, err := idx.StoreOrQueue(ctx, "a", "content", nil)
	require.NoError(t, err)

	processed, remaining, err := idx.Drain(ctx)
	assert.Error(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, 1, remaining)
	assert.Equal(t, 1, idx.PendingCount())
}

func TestDrainEmptyQueue(t *testing.T) {
	idx := newTestIndex(t, newFakeDriver(), &fakeEmbedder{})

	processed, remaining, err := idx.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, 0, remaining)
}

func TestDeleteRemovesFromQueueToo(t *testing.T) {
	driver := newFakeDriver()
	driver.failing = true
	idx := newTestIndex(t, driver, &fakeEmbedder{})

	ctx := context.Background()
	_, _, err := idx.StoreOrQueue(ctx, "a", "content", nil)
	require.NoError(t, err)
	require.Equal(t, 1, idx.PendingCount())

	driver.failing = false
	require.NoError(t, idx.Delete(ctx, []string{"a"}))
	assert.Equal(t, 0, idx.PendingCount())
	assert.Equal(t, []string{"a"}, driver.deleted)
}

func TestAvailable(t *testing.T) {
	driver := newFakeDriver()
	idx := newTestIndex(t, driver, &fakeEmbedder{})
	assert.True(t, idx.Available(context.Background()))

	driver.failing = true
	assert.False(t, idx.Available(context.Background()))

	disabled := newTestIndex(t, nil, nil)
	assert.False(t, disabled.Available(context.Background()))
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.jsonl")
	q, err := NewQueue(path)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(PendingDoc{ID: "a", Content: "x", QueuedAt: time.Now()}))
	require.NoError(t, q.Enqueue(PendingDoc{ID: "b", Content: "y", QueuedAt: time.Now()}))

	reopened, err := NewQueue(path)
	require.NoError(t, err)
	docs, err := reopened.Pending()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
}

func TestQueueEnqueueReplacesByID(t *testing.T) {
	q, err := NewQueue(filepath.Join(t.TempDir(), "pending.jsonl"))
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(PendingDoc{ID: "a", Content: "old"}))
	require.NoError(t, q.Enqueue(PendingDoc{ID: "a", Content: "new"}))

	docs, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "new", docs[0].Content)
}
