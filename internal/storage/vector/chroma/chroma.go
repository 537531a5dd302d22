// Package chroma implements the vector.Driver interface against Chroma's
// REST v2 API.
package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/storage/vector"
)

// DefaultCollectionName is used when no collection is configured.
const DefaultCollectionName = "engram"

// Driver talks to a Chroma server over HTTP. The collection id is
// resolved lazily on first use so the driver can be constructed while
// the server is down; until it comes back, calls fail and the Index
// queues instead.
type Driver struct {
	baseURL        string
	collectionName string
	httpClient     *http.Client
	logger         *zap.Logger

	mu           sync.Mutex
	collectionID string
}

// Config holds connection settings for the Chroma driver.
type Config struct {
	// URL is the Chroma server URL (e.g. "http://localhost:8000").
	URL string

	// CollectionName defaults to DefaultCollectionName when empty.
	CollectionName string
}

var _ vector.Driver = (*Driver)(nil)

// New builds the driver. The server is not contacted here: the
// collection is resolved (or created) on first use, so an outage at
// construction time does not disable the layer.
func New(c Config, logger *zap.Logger) (*Driver, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("chroma URL is required")
	}

	collectionName := c.CollectionName
	if collectionName == "" {
		collectionName = DefaultCollectionName
	}

	return &Driver{
		baseURL:        c.URL,
		collectionName: collectionName,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}, nil
}

type chromaCollection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type chromaUpsertRequest struct {
	IDs        []string         `json:"ids"`
	Embeddings [][]float32      `json:"embeddings"`
	Documents  []string         `json:"documents,omitempty"`
	Metadatas  []map[string]any `json:"metadatas,omitempty"`
}

type chromaQueryRequest struct {
	QueryEmbeddings [][]float32 `json:"query_embeddings"`
	NResults        int         `json:"n_results"`
	Include         []string    `json:"include"`
	Where           any         `json:"where,omitempty"`
}

type chromaQueryResponse struct {
	IDs       [][]string         `json:"ids"`
	Distances [][]float32        `json:"distances"`
	Metadatas [][]map[string]any `json:"metadatas"`
}

type chromaDeleteRequest struct {
	IDs []string `json:"ids"`
}

func (d *Driver) collectionURL(id, suffix string) string {
	return fmt.Sprintf("%s/api/v2/tenants/default_tenant/databases/default_database/collections/%s%s",
		d.baseURL, id, suffix)
}

// ensureCollection returns the cached collection id, resolving it on the
// first successful call.
func (d *Driver) ensureCollection(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.collectionID != "" {
		return d.collectionID, nil
	}
	id, err := d.getOrCreateCollection(ctx)
	if err != nil {
		return "", fmt.Errorf("getting or creating collection %q: %w", d.collectionName, err)
	}
	d.collectionID = id
	d.logger.Info("connected to Chroma",
		zap.String("url", d.baseURL),
		zap.String("collection", d.collectionName),
		zap.String("collection_id", id),
	)
	return id, nil
}

// chromaWhere builds the query filter body: a single {key: value} clause,
// or an $and list when more than one pair is given.
func chromaWhere(where map[string]string) any {
	if len(where) == 0 {
		return nil
	}
	if len(where) == 1 {
		for k, v := range where {
			return map[string]string{k: v}
		}
	}
	clauses := make([]map[string]string, 0, len(where))
	for k, v := range where {
		clauses = append(clauses, map[string]string{k: v})
	}
	return map[string]any{"$and": clauses}
}

// getOrCreateCollection resolves the collection id, creating the collection
// when it does not exist yet.
func (d *Driver) getOrCreateCollection(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/api/v2/tenants/default_tenant/databases/default_database/collections/%s",
		d.baseURL, d.collectionName)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("creating get request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending get request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		var collection chromaCollection
		if err := json.NewDecoder(resp.Body).Decode(&collection); err != nil {
			return "", fmt.Errorf("decoding collection response: %w", err)
		}
		return collection.ID, nil
	}

	createURL := fmt.Sprintf("%s/api/v2/tenants/default_tenant/databases/default_database/collections", d.baseURL)
	jsonBody, err := json.Marshal(map[string]string{"name": d.collectionName})
	if err != nil {
		return "", fmt.Errorf("marshaling create request: %w", err)
	}

	req, err = http.NewRequestWithContext(ctx, "POST", createURL, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("creating create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err = d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending create request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("failed to create collection: status %d: %s", resp.StatusCode, string(body))
	}

	var collection chromaCollection
	if err := json.NewDecoder(resp.Body).Decode(&collection); err != nil {
		return "", fmt.Errorf("decoding create response: %w", err)
	}
	return collection.ID, nil
}

// Upsert stores documents with their embeddings. Existing ids are replaced,
// which keeps WAL replay and queue drains idempotent.
func (d *Driver) Upsert(ctx context.Context, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	reqBody := chromaUpsertRequest{
		IDs:        make([]string, len(docs)),
		Embeddings: make([][]float32, len(docs)),
		Documents:  make([]string, len(docs)),
		Metadatas:  make([]map[string]any, len(docs)),
	}
	for i, doc := range docs {
		reqBody.IDs[i] = doc.ID
		reqBody.Embeddings[i] = doc.Embedding
		reqBody.Documents[i] = doc.Content
		reqBody.Metadatas[i] = doc.Metadata
	}

	id, err := d.ensureCollection(ctx)
	if err != nil {
		return err
	}
	if err := d.post(ctx, d.collectionURL(id, "/upsert"), reqBody, nil); err != nil {
		return fmt.Errorf("upserting documents: %w", err)
	}
	d.logger.Debug("upserted documents to chroma", zap.Int("count", len(docs)))
	return nil
}

// Query returns the topK most similar documents to the embedding,
// optionally narrowed by a metadata filter. Distance is converted to a
// 0-1 similarity via 1/(1+distance).
func (d *Driver) Query(ctx context.Context, embedding []float32, topK int, where map[string]string) ([]vector.Result, error) {
	if topK <= 0 {
		topK = 10
	}

	reqBody := chromaQueryRequest{
		QueryEmbeddings: [][]float32{embedding},
		NResults:        topK,
		Include:         []string{"metadatas", "distances"},
		Where:           chromaWhere(where),
	}

	id, err := d.ensureCollection(ctx)
	if err != nil {
		return nil, err
	}
	var queryResp chromaQueryResponse
	if err := d.post(ctx, d.collectionURL(id, "/query"), reqBody, &queryResp); err != nil {
		return nil, fmt.Errorf("querying: %w", err)
	}

	var results []vector.Result
	if len(queryResp.IDs) == 0 || len(queryResp.IDs[0]) == 0 {
		return results, nil
	}

	ids := queryResp.IDs[0]
	distances := queryResp.Distances[0]
	var metadatas []map[string]any
	if len(queryResp.Metadatas) > 0 {
		metadatas = queryResp.Metadatas[0]
	}

	for i, id := range ids {
		r := vector.Result{ID: id}
		if i < len(distances) {
			r.Score = 1.0 / (1.0 + float64(distances[i]))
		}
		if i < len(metadatas) {
			r.Metadata = metadatas[i]
		}
		results = append(results, r)
	}

	d.logger.Debug("queried chroma", zap.Int("results", len(results)))
	return results, nil
}

// Delete removes documents by id.
func (d *Driver) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	id, err := d.ensureCollection(ctx)
	if err != nil {
		return err
	}
	if err := d.post(ctx, d.collectionURL(id, "/delete"), chromaDeleteRequest{IDs: ids}, nil); err != nil {
		return fmt.Errorf("deleting documents: %w", err)
	}
	d.logger.Debug("deleted documents from chroma", zap.Int("count", len(ids)))
	return nil
}

// Ping verifies the server answers for our collection.
func (d *Driver) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/v2/tenants/default_tenant/databases/default_database/collections/%s",
		d.baseURL, d.collectionName)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chroma returned status %d", resp.StatusCode)
	}
	return nil
}

// Close releases resources held by the driver.
func (d *Driver) Close() error {
	return nil
}

// post sends a JSON POST and optionally decodes the response into out.
func (d *Driver) post(ctx context.Context, url string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
