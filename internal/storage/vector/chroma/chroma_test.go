package chroma

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/storage/vector"
)

const collectionsPath = "/api/v2/tenants/default_tenant/databases/default_database/collections"

// fakeServer stands in for a Chroma server. `down` makes every request
// fail so tests can exercise outage and recovery paths.
type fakeServer struct {
	srv      *httptest.Server
	requests atomic.Int32
	down     atomic.Bool

	mu        sync.Mutex
	lastWhere any
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{}

	mux := http.NewServeMux()
	mux.HandleFunc(collectionsPath+"/engram", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(chromaCollection{ID: "col-1", Name: "engram"})
	})
	mux.HandleFunc(collectionsPath+"/col-1/upsert", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{}"))
	})
	mux.HandleFunc(collectionsPath+"/col-1/query", func(w http.ResponseWriter, r *http.Request) {
		var req chromaQueryRequest
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.lastWhere = req.Where
		f.mu.Unlock()
		json.NewEncoder(w).Encode(chromaQueryResponse{
			IDs:       [][]string{{"m1"}},
			Distances: [][]float32{{0.25}},
			Metadatas: [][]map[string]any{{{"type": "note"}}},
		})
	})

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if f.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) where() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastWhere
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{}, zap.NewNop())
	assert.Error(t, err)
}

func TestNewDoesNotDialServer(t *testing.T) {
	d, err := New(Config{URL: "http://127.0.0.1:1"}, zap.NewNop())
	require.NoError(t, err)

	// The unreachable server only shows up when the driver is used.
	err = d.Upsert(context.Background(), []vector.Document{{ID: "m1", Embedding: []float32{1}}})
	assert.Error(t, err)
}

func TestCollectionResolvedOnFirstUse(t *testing.T) {
	f := newFakeServer(t)
	d, err := New(Config{URL: f.srv.URL}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, int32(0), f.requests.Load())

	ctx := context.Background()
	results, err := d.Query(ctx, []float32{0.1}, 1, map[string]string{"type": "note"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].ID)
	assert.InDelta(t, 1.0/1.25, results[0].Score, 1e-6)
	assert.Equal(t, map[string]any{"type": "note"}, f.where())

	// Resolving took one extra request; afterwards the id is cached.
	afterFirst := f.requests.Load()
	_, err = d.Query(ctx, []float32{0.1}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, afterFirst+1, f.requests.Load())
	assert.Nil(t, f.where())
}

func TestDriverRecoversAfterOutage(t *testing.T) {
	f := newFakeServer(t)
	f.down.Store(true)

	d, err := New(Config{URL: f.srv.URL}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	docs := []vector.Document{{ID: "m1", Content: "fact", Embedding: []float32{1}}}
	require.Error(t, d.Upsert(ctx, docs))

	f.down.Store(false)
	require.NoError(t, d.Upsert(ctx, docs))
}

func TestChromaWhereShapes(t *testing.T) {
	assert.Nil(t, chromaWhere(nil))
	assert.Equal(t, map[string]string{"type": "note"}, chromaWhere(map[string]string{"type": "note"}))

	multi := chromaWhere(map[string]string{"type": "note", "project": "alpha"})
	clauses := multi.(map[string]any)["$and"].([]map[string]string)
	assert.ElementsMatch(t, []map[string]string{{"type": "note"}, {"project": "alpha"}}, clauses)
}
