// Package pgvector implements the vector.Driver interface on PostgreSQL
// with the pgvector extension. It is the alternative to the Chroma driver
// for deployments that already run Postgres.
package pgvector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgv "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/storage/vector"
)

// Driver stores embeddings in a single pgvector-backed table. The schema
// is applied lazily on first use so the driver can be constructed while
// the database is down; until it comes back, calls fail and the Index
// queues instead.
type Driver struct {
	db     *sql.DB
	logger *zap.Logger

	mu          sync.Mutex
	schemaReady bool
}

var _ vector.Driver = (*Driver)(nil)

const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_embeddings (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	project    TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL DEFAULT '',
	embedding  vector NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// New builds the driver. The database is not contacted here; the schema
// is created on first use.
func New(dsn string, logger *zap.Logger) (*Driver, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector: opening database: %w", err)
	}
	return &Driver{db: db, logger: logger}, nil
}

// ensureSchema applies the schema once, retrying on later calls until it
// succeeds.
func (d *Driver) ensureSchema(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.schemaReady {
		return nil
	}
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("pgvector: creating schema: %w", err)
	}
	d.schemaReady = true
	d.logger.Info("connected to pgvector store")
	return nil
}

// Upsert stores documents, replacing existing rows by id.
func (d *Driver) Upsert(ctx context.Context, docs []vector.Document) error {
	if err := d.ensureSchema(ctx); err != nil {
		return err
	}
	for _, doc := range docs {
		project, _ := doc.Metadata["project"].(string)
		typ, _ := doc.Metadata["type"].(string)
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO memory_embeddings (id, content, project, type, embedding, updated_at)
			VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				project = EXCLUDED.project,
				type = EXCLUDED.type,
				embedding = EXCLUDED.embedding,
				updated_at = CURRENT_TIMESTAMP`,
			doc.ID, doc.Content, project, typ, pgv.NewVector(doc.Embedding),
		)
		if err != nil {
			return fmt.Errorf("pgvector: upserting %s: %w", doc.ID, err)
		}
	}
	d.logger.Debug("upserted embeddings", zap.Int("count", len(docs)))
	return nil
}

// Query returns the topK nearest documents by cosine distance, with the
// distance converted to a 0-1 similarity via 1/(1+distance). The where
// filter matches against the project and type columns.
func (d *Driver) Query(ctx context.Context, embedding []float32, topK int, where map[string]string) ([]vector.Result, error) {
	if topK <= 0 {
		topK = 10
	}
	if err := d.ensureSchema(ctx); err != nil {
		return nil, err
	}

	query := `
		SELECT id, project, type, embedding <=> $1 AS distance
		FROM memory_embeddings`
	args := []any{pgv.NewVector(embedding)}
	var conds []string
	for _, col := range []string{"project", "type"} {
		if v, ok := where[col]; ok {
			args = append(args, v)
			conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	if len(conds) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, topK)
	query += fmt.Sprintf("\n\t\tORDER BY distance\n\t\tLIMIT $%d", len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: querying: %w", err)
	}
	defer rows.Close()

	var results []vector.Result
	for rows.Next() {
		var (
			id, project, typ string
			distance         float64
		)
		if err := rows.Scan(&id, &project, &typ, &distance); err != nil {
			return nil, fmt.Errorf("pgvector: scanning result: %w", err)
		}
		results = append(results, vector.Result{
			ID:       id,
			Score:    1.0 / (1.0 + distance),
			Metadata: map[string]any{"project": project, "type": typ},
		})
	}
	return results, rows.Err()
}

// Delete removes documents by id.
func (d *Driver) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := d.ensureSchema(ctx); err != nil {
		return err
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM memory_embeddings WHERE id IN ("+strings.Join(placeholders, ", ")+")", args...)
	if err != nil {
		return fmt.Errorf("pgvector: deleting: %w", err)
	}
	return nil
}

// Ping probes the database within the context deadline.
func (d *Driver) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close releases the connection pool.
func (d *Driver) Close() error {
	return d.db.Close()
}
