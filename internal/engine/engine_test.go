package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/state"
	"github.com/engramdb/engram/internal/storage/graph"
	"github.com/engramdb/engram/internal/storage/textlog"
	"github.com/engramdb/engram/internal/storage/vector"
	"github.com/engramdb/engram/pkg/types"
)

// fakeDriver implements vector.Driver in memory. Query answers are scripted
// through `nearest` so tests can steer dedup decisions.
type fakeDriver struct {
	mu      sync.Mutex
	docs    map[string]vector.Document
	nearest []vector.Result
	down    bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{docs: map[string]vector.Document{}}
}

func (d *fakeDriver) Upsert(_ context.Context, docs []vector.Document) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return fmt.Errorf("driver down")
	}
	for _, doc := range docs {
		d.docs[doc.ID] = doc
	}
	return nil
}

// Query applies the where filter against the metadata of stored docs.
// Scripted results whose doc was never upserted pass through, which lets
// tests point at records that exist only in the graph layer.
func (d *fakeDriver) Query(_ context.Context, _ []float32, topK int, where map[string]string) ([]vector.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return nil, fmt.Errorf("driver down")
	}
	var out []vector.Result
	for _, r := range d.nearest {
		if doc, ok := d.docs[r.ID]; ok && !metadataMatches(doc.Metadata, where) {
			continue
		}
		out = append(out, r)
	}
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func metadataMatches(meta map[string]any, where map[string]string) bool {
	for k, v := range where {
		if got, _ := meta[k].(string); got != v {
			return false
		}
	}
	return true
}

func (d *fakeDriver) Delete(_ context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return fmt.Errorf("driver down")
	}
	for _, id := range ids {
		delete(d.docs, id)
	}
	return nil
}

func (d *fakeDriver) Ping(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return fmt.Errorf("driver down")
	}
	return nil
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) setDown(down bool) {
	d.mu.Lock()
	d.down = down
	d.mu.Unlock()
}

func (d *fakeDriver) setNearest(results ...vector.Result) {
	d.mu.Lock()
	d.nearest = results
	d.mu.Unlock()
}

func (d *fakeDriver) has(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.docs[id]
	return ok
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type testEnv struct {
	engine *Engine
	graph  *graph.Store
	state  *state.Store
	driver *fakeDriver
}

// newTestEnv wires a full engine on real text and graph layers in a temp
// directory. driver may be nil to leave the vector layer disabled.
func newTestEnv(t *testing.T, driver *fakeDriver) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Store: config.StoreConfig{Path: dir},
		Graph: config.GraphConfig{Path: filepath.Join(dir, "graph.db")},
		Engine: config.EngineConfig{
			LayerTimeout:      5 * time.Second,
			HealthTimeout:     500 * time.Millisecond,
			DrainInterval:     time.Minute,
			MaxQueueFailures:  10,
			RecallBudgetBytes: 4096,
		},
	}
	logger := zap.NewNop()

	st, err := state.Open(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	text, err := textlog.New(filepath.Join(dir, "memory"), logger)
	require.NoError(t, err)

	g, err := graph.Open(cfg.Graph.Path, logger)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	queue, err := vector.NewQueue(filepath.Join(dir, "pending.jsonl"))
	require.NoError(t, err)

	var index *vector.Index
	if driver != nil {
		index = vector.NewIndex(driver, fakeEmbedder{}, queue, vector.IndexConfig{}, logger)
	} else {
		index = vector.NewIndex(nil, nil, queue, vector.IndexConfig{}, logger)
	}

	eng, err := New(cfg, st, text, g, index, logger)
	require.NoError(t, err)
	return &testEnv{engine: eng, graph: g, state: st, driver: driver}
}

func TestStoreWritesRequiredLayers(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "Decided to use SQLite for the graph layer",
		Type:    "decision",
		Project: "engram",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, types.TypeDecision, res.Type)
	assert.True(t, res.Layers.Text)
	assert.True(t, res.Layers.Graph)
	assert.False(t, res.Layers.Vector)
	assert.False(t, res.Layers.Queued)

	// The staged WAL entry must be gone once both layers confirmed.
	assert.Equal(t, 0, env.state.PendingCount())

	stored, err := env.graph.Get(ctx, res.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "Decided to use SQLite for the graph layer", stored.Content)
	assert.NotEmpty(t, stored.Entities)
}

func TestStoreDerivesDefaults(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.engine.Store(context.Background(), types.StoreRequest{
		Content: "always run the linter before pushing",
	})
	require.NoError(t, err)
	assert.Equal(t, types.TypeInstruction, res.Type)
	assert.Equal(t, types.DefaultImportance, res.Importance)
	assert.Equal(t, types.DefaultConfidence, res.Confidence)
}

func TestStoreRejectsEmptyContent(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Store(context.Background(), types.StoreRequest{Content: "   "})
	assert.Error(t, err)
	assert.Equal(t, 0, env.state.PendingCount())
}

func TestStoreRejectsNearDuplicate(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	first, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "the deploy pipeline runs on merge to main",
		Type:    "info",
	})
	require.NoError(t, err)

	driver.setNearest(vector.Result{ID: first.ID, Score: 0.95})

	res, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "the deploy pipeline is triggered by merges to main",
		Type:    "info",
	})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, first.ID, res.ExistingID)
	assert.InDelta(t, 0.95, res.Similarity, 1e-9)
	assert.Empty(t, res.ID)
	assert.Equal(t, 0, env.state.PendingCount())
}

func TestStoreSupersedesSameType(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	first, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "decided to deploy on Fridays",
		Type:    "decision",
	})
	require.NoError(t, err)

	driver.setNearest(vector.Result{ID: first.ID, Score: 0.7})

	res, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "decided to stop deploying on Fridays",
		Type:    "decision",
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, first.ID, res.Supersedes)

	old, err := env.graph.Get(ctx, first.ID, true)
	require.NoError(t, err)
	assert.True(t, old.Forgotten)
	assert.Contains(t, old.DeleteReason, "superseded by "+res.ID)
}

func TestStoreSupersedeRequiresSameType(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	first, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "the API gateway lives in us-east-1",
		Type:    "info",
	})
	require.NoError(t, err)

	driver.setNearest(vector.Result{ID: first.ID, Score: 0.7})

	res, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "decided to move the API gateway to eu-west-1",
		Type:    "decision",
	})
	require.NoError(t, err)
	assert.Empty(t, res.Supersedes)

	old, err := env.graph.Get(ctx, first.ID, false)
	require.NoError(t, err)
	assert.False(t, old.Forgotten)
}

func TestStoreExplicitSupersedesSkipsDedup(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	first, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "prefer tabs over spaces",
		Type:    "preference",
	})
	require.NoError(t, err)

	// A similarity this high would normally reject the write outright.
	driver.setNearest(vector.Result{ID: first.ID, Score: 0.99})

	res, err := env.engine.Store(ctx, types.StoreRequest{
		Content:    "prefer spaces over tabs",
		Type:       "preference",
		Supersedes: first.ID,
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, first.ID, res.Supersedes)
}

func TestStoreAllowsDuplicateAcrossProjects(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	first, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "the deploy pipeline runs on merge to main",
		Type:    "info",
		Project: "alpha",
	})
	require.NoError(t, err)

	driver.setNearest(vector.Result{ID: first.ID, Score: 0.95})

	// Same content in another project is a distinct fact, not a duplicate.
	other, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "the deploy pipeline runs on merge to main",
		Type:    "info",
		Project: "beta",
	})
	require.NoError(t, err)
	assert.False(t, other.Skipped)
	assert.NotEmpty(t, other.ID)

	// Within the original project the duplicate is still caught.
	same, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "the deploy pipeline is triggered by merges to main",
		Type:    "info",
		Project: "alpha",
	})
	require.NoError(t, err)
	assert.True(t, same.Skipped)
	assert.Equal(t, first.ID, same.ExistingID)
}

func TestStoreIgnoresDecayedDuplicate(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	decay := 7
	old := time.Now().UTC().AddDate(0, 0, -30)
	expired := types.Memory{
		ID:         "expired-dup",
		Content:    "the staging cluster runs kubernetes 1.27",
		Summary:    "the staging cluster runs kubernetes 1.27",
		Type:       types.TypeNote,
		Importance: 5,
		Confidence: 0.8,
		DecayDays:  &decay,
		Created:    old,
		Updated:    old,
	}
	require.NoError(t, env.graph.Upsert(ctx, &expired))

	driver.setNearest(vector.Result{ID: expired.ID, Score: 0.95})

	res, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "the staging cluster now runs kubernetes 1.29",
		Type:    "note",
	})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.NotEmpty(t, res.ID)
	assert.Empty(t, res.Supersedes)
}

func TestStoreRejectsUnknownSupersedes(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Store(context.Background(), types.StoreRequest{
		Content:    "replaces a record that does not exist",
		Type:       "note",
		Supersedes: "no-such-id",
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "supersedes target")
	assert.Equal(t, 0, env.state.PendingCount())
}

func TestStoreQueuesWhenVectorDown(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	driver.setDown(true)

	res, err := env.engine.Store(context.Background(), types.StoreRequest{
		Content: "vector databases can be down without blocking writes",
		Type:    "note",
	})
	require.NoError(t, err)
	assert.True(t, res.Layers.Text)
	assert.True(t, res.Layers.Graph)
	assert.False(t, res.Layers.Vector)
	assert.True(t, res.Layers.Queued)
	assert.Equal(t, 1, env.engine.index.PendingCount())
}

func TestStoreFailsClosedWhenGraphDown(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.graph.Close())

	_, err := env.engine.Store(context.Background(), types.StoreRequest{
		Content: "this write must not land anywhere",
		Type:    "note",
	})
	assert.Error(t, err)
	// Fatal failures leave no partial WAL entry behind.
	assert.Equal(t, 0, env.state.PendingCount())
}

func TestUpdateReembedsOnContentChange(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	stored, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "the cache TTL is 300 seconds",
		Type:    "info",
	})
	require.NoError(t, err)

	newContent := "the cache TTL is 600 seconds"
	res, err := env.engine.Update(ctx, types.UpdateRequest{
		ID:      stored.ID,
		Content: &newContent,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"content"}, res.Fields)

	updated, err := env.graph.Get(ctx, stored.ID, false)
	require.NoError(t, err)
	assert.Equal(t, newContent, updated.Content)

	driver.mu.Lock()
	doc := driver.docs[stored.ID]
	driver.mu.Unlock()
	assert.Equal(t, newContent, doc.Content)
	assert.Equal(t, 0, env.state.PendingCount())
}

func TestUpdateRejectsEmptyPatch(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	stored, err := env.engine.Store(ctx, types.StoreRequest{Content: "note something", Type: "note"})
	require.NoError(t, err)

	_, err = env.engine.Update(ctx, types.UpdateRequest{ID: stored.ID})
	assert.ErrorContains(t, err, "no fields to update")
}

func TestForgetByID(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	stored, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "temporary workaround for the flaky test",
		Type:    "note",
	})
	require.NoError(t, err)
	require.True(t, driver.has(stored.ID))

	res, err := env.engine.Forget(ctx, types.ForgetRequest{ID: stored.ID, Reason: "fixed upstream"})
	require.NoError(t, err)
	assert.Equal(t, stored.ID, res.ID)
	assert.Equal(t, "fixed upstream", res.Reason)

	forgotten, err := env.graph.Get(ctx, stored.ID, true)
	require.NoError(t, err)
	assert.True(t, forgotten.Forgotten)
	assert.Empty(t, forgotten.Content)
	assert.False(t, driver.has(stored.ID))
}

func TestForgetByQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	stored, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "kubernetes ingress misroutes websocket traffic",
		Type:    "note",
	})
	require.NoError(t, err)
	_, err = env.engine.Store(ctx, types.StoreRequest{
		Content: "postgres connection pool sized at twenty",
		Type:    "info",
	})
	require.NoError(t, err)

	res, err := env.engine.Forget(ctx, types.ForgetRequest{Query: "kubernetes ingress websocket"})
	require.NoError(t, err)
	assert.Equal(t, stored.ID, res.ID)
	assert.Equal(t, "forgotten", res.Reason)
}

func TestForgetUnknownQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Forget(context.Background(), types.ForgetRequest{Query: "nothing matches this"})
	assert.Error(t, err)
}

func TestSearchMergesLayerHits(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	stored, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "grafana dashboards live under the observability folder",
		Type:    "info",
	})
	require.NoError(t, err)

	driver.setNearest(vector.Result{ID: stored.ID, Score: 0.9})

	res, err := env.engine.Search(ctx, types.SearchRequest{Query: "grafana dashboards"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)

	hit := res.Results[0]
	assert.Equal(t, stored.ID, hit.ID)
	assert.InDelta(t, 0.9, hit.Score, 1e-9)
	assert.Contains(t, hit.Sources, "vector")
	assert.Contains(t, hit.Sources, "graph:fts")
	assert.Equal(t, 1, res.Sources["graph"])
	assert.Equal(t, 1, res.Sources["vector"])
}

func TestSearchDegradesWithoutVector(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	_, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "redis eviction policy set to allkeys-lru",
		Type:    "info",
	})
	require.NoError(t, err)

	driver.setDown(true)

	res, err := env.engine.Search(ctx, types.SearchRequest{Query: "redis eviction"})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Zero(t, res.Sources["vector"])
}

func TestSearchRequiresQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.engine.Search(context.Background(), types.SearchRequest{Query: "  "})
	assert.Error(t, err)
}

func TestRecallByID(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	stored, err := env.engine.Store(ctx, types.StoreRequest{Content: "note this fact", Type: "note"})
	require.NoError(t, err)

	res, err := env.engine.Recall(ctx, types.RecallRequest{ID: stored.ID})
	require.NoError(t, err)
	require.Equal(t, 1, res.Count)
	assert.Equal(t, stored.ID, res.Results[0].ID)

	_, err = env.engine.Forget(ctx, types.ForgetRequest{ID: stored.ID})
	require.NoError(t, err)

	_, err = env.engine.Recall(ctx, types.RecallRequest{ID: stored.ID})
	assert.Error(t, err)

	res, err = env.engine.Recall(ctx, types.RecallRequest{ID: stored.ID, IncludeForgotten: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
}

func TestAutoRecallBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.engine.Store(ctx, types.StoreRequest{
		Content:    "always prefix commit messages with the ticket id",
		Type:       "instruction",
		Importance: 9,
	})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := env.engine.Store(ctx, types.StoreRequest{
			Content:    fmt.Sprintf("service number %d owns its own database schema", i),
			Type:       "info",
			Importance: 8,
		})
		require.NoError(t, err)
	}

	full, err := env.engine.AutoRecall(ctx, types.AutoRecallRequest{})
	require.NoError(t, err)
	assert.False(t, full.Truncated)
	assert.Len(t, full.Instructions, 1)
	assert.Len(t, full.Memories, 5)
	assert.Contains(t, full.Context, "## Standing instructions")
	assert.Contains(t, full.Context, "## Relevant memories")

	small, err := env.engine.AutoRecall(ctx, types.AutoRecallRequest{BudgetBytes: 120})
	require.NoError(t, err)
	assert.True(t, small.Truncated)
	assert.Less(t, len(small.Context), 121)
	assert.Less(t, small.Count, full.Count)
}

func TestAutoRecallImportanceFloor(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "minor detail nobody needs every turn", Type: "note", Importance: 2,
	})
	require.NoError(t, err)
	_, err = env.engine.Store(ctx, types.StoreRequest{
		Content: "the production database is called engram-prod", Type: "info", Importance: 8,
	})
	require.NoError(t, err)

	res, err := env.engine.AutoRecall(ctx, types.AutoRecallRequest{})
	require.NoError(t, err)
	require.Len(t, res.Memories, 1)
	assert.Equal(t, 8, res.Memories[0].Importance)
}

func TestSummarizeGroupsByType(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.engine.Store(ctx, types.StoreRequest{Content: "decided on gRPC", Type: "decision"})
	require.NoError(t, err)
	_, err = env.engine.Store(ctx, types.StoreRequest{Content: "note the retry budget", Type: "note"})
	require.NoError(t, err)

	res, err := env.engine.Summarize(ctx, types.SummarizeRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalCount)
	assert.Len(t, res.Groups[types.TypeDecision], 1)
	assert.Len(t, res.Groups[types.TypeNote], 1)
}

func TestOpenSessionReplaysWAL(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	// Simulate a crash: an entry staged in the WAL that never reached the
	// layers.
	now := time.Now().UTC()
	orphan := types.Memory{
		ID:         "orphan-1",
		Content:    "this record only made it into the write-ahead log",
		Summary:    "this record only made it into the write-ahead log",
		Type:       types.TypeNote,
		Importance: 5,
		Confidence: 0.8,
		Created:    now,
		Updated:    now,
	}
	_, err := env.state.Append(state.OpStore, orphan)
	require.NoError(t, err)

	res, err := env.engine.OpenSession(ctx, types.OpenSessionRequest{Project: "engram"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.WALRecovered)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 1, res.Overview.TotalMemories)
	assert.Equal(t, 0, env.state.PendingCount())

	recovered, err := env.graph.Get(ctx, "orphan-1", false)
	require.NoError(t, err)
	assert.Equal(t, orphan.Content, recovered.Content)
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	opened, err := env.engine.OpenSession(ctx, types.OpenSessionRequest{
		SessionID: "session-42",
		Project:   "engram",
	})
	require.NoError(t, err)
	assert.Equal(t, "session-42", opened.SessionID)

	stored, err := env.engine.Store(ctx, types.StoreRequest{Content: "note in session", Type: "note"})
	require.NoError(t, err)
	m, err := env.graph.Get(ctx, stored.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "session-42", m.SessionID)

	closed, err := env.engine.CloseSession(ctx, "")
	require.NoError(t, err)
	assert.True(t, closed.Closed)
	assert.Equal(t, "session-42", closed.SessionID)

	// Closing with no open session is a no-op.
	again, err := env.engine.CloseSession(ctx, "")
	require.NoError(t, err)
	assert.False(t, again.Closed)
}

func TestDrainQueueRecovers(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	driver.setDown(true)
	stored, err := env.engine.Store(ctx, types.StoreRequest{
		Content: "queued while the vector layer was down",
		Type:    "note",
	})
	require.NoError(t, err)
	require.Equal(t, 1, env.engine.index.PendingCount())

	driver.setDown(false)
	res, err := env.engine.DrainQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Remaining)
	assert.True(t, driver.has(stored.ID))
	assert.Equal(t, 0, env.state.Queue().ConsecutiveFailures)
}

func TestDrainQueueDisabled(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.engine.DrainQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "disabled", res.Status)
}

func TestDrainQueueRecordsFailures(t *testing.T) {
	driver := newFakeDriver()
	env := newTestEnv(t, driver)
	ctx := context.Background()

	driver.setDown(true)
	_, err := env.engine.Store(ctx, types.StoreRequest{Content: "note while down", Type: "note"})
	require.NoError(t, err)

	res, err := env.engine.DrainQueue(ctx)
	assert.Error(t, err)
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, 1, env.state.Queue().ConsecutiveFailures)
}

func TestMaintainPrunesDecayed(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	decay := 7
	old := time.Now().UTC().AddDate(0, 0, -30)
	expired := types.Memory{
		ID:         "expired-1",
		Content:    "short-lived working note",
		Summary:    "short-lived working note",
		Type:       types.TypeNote,
		Importance: 5,
		Confidence: 0.8,
		DecayDays:  &decay,
		Created:    old,
		Updated:    old,
	}
	require.NoError(t, env.graph.Upsert(ctx, &expired))

	_, err := env.engine.Store(ctx, types.StoreRequest{Content: "permanent fact", Type: "info"})
	require.NoError(t, err)

	res, err := env.engine.Maintain(ctx, types.MaintainRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned)

	gone, err := env.graph.Get(ctx, "expired-1", true)
	require.NoError(t, err)
	assert.True(t, gone.Forgotten)
}

func TestPreSuspendFlush(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.engine.Store(ctx, types.StoreRequest{Content: "fact worth backing up", Type: "info"})
	require.NoError(t, err)
	_, err = env.engine.Maintain(ctx, types.MaintainRequest{})
	require.NoError(t, err)

	res, err := env.engine.PreSuspendFlush(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, res.BackupDir)
	assert.NotEmpty(t, res.FilesBacked)
	assert.Contains(t, res.FilesBacked, "state.json")
	assert.Contains(t, res.FilesBacked, "graph.db")
}
