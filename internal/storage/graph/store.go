// Package graph implements the required relationship layer on embedded
// SQLite: memory metadata, entity and tag links, supersession chains, and
// BM25 fulltext search via FTS5. It is the system of record for structured
// reads; the engine fails writes closed when this layer is unreachable.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// Store implements storage.Graph on a single SQLite database file.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ storage.Graph = (*Store)(nil)

// Open opens (or creates) the graph database at path and applies the
// embedded schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("graph: opening database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors under concurrent load;
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("graph: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph: creating schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// activePredicate selects records that are not forgotten and whose decay
// horizon has not passed. Takes one parameter: the reference time.
const activePredicate = `m.forgotten = 0 AND (m.decay_days IS NULL
	OR datetime(m.created_at, '+' || m.decay_days || ' days') >= datetime(?))`

const memoryColumns = `m.id, m.content, m.summary, m.type, m.importance, m.confidence,
	m.decay_days, m.forgotten, m.delete_reason, m.forgotten_at, m.supersedes_id,
	m.project, m.session_id, m.source_channel, m.source_message_id,
	m.created_at, m.updated_at`

// Upsert writes a full record snapshot and reconciles its entity and tag
// links. When the record supersedes another, the superseded record is
// soft-deleted in the same transaction so the chain is never half-applied.
func (s *Store) Upsert(ctx context.Context, m *types.Memory) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: record id is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graph: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsertSQL = `
		INSERT INTO memories (
			id, content, summary, type, importance, confidence,
			decay_days, forgotten, delete_reason, forgotten_at, supersedes_id,
			project, session_id, source_channel, source_message_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			summary = excluded.summary,
			type = excluded.type,
			importance = excluded.importance,
			confidence = excluded.confidence,
			decay_days = excluded.decay_days,
			forgotten = excluded.forgotten,
			delete_reason = excluded.delete_reason,
			forgotten_at = excluded.forgotten_at,
			supersedes_id = excluded.supersedes_id,
			project = excluded.project,
			session_id = excluded.session_id,
			source_channel = excluded.source_channel,
			source_message_id = excluded.source_message_id,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, upsertSQL,
		m.ID, m.Content, m.Summary, string(m.Type), m.Importance, m.Confidence,
		nullInt(m.DecayDays), boolInt(m.Forgotten), m.DeleteReason,
		nullTime(m.ForgottenAt), nullStr(m.Supersedes),
		m.Project, m.SessionID, m.SourceChannel, m.SourceMessageID,
		fmtTime(m.Created), fmtTime(m.Updated),
	)
	if err != nil {
		return fmt.Errorf("graph: upsert %s: %w", m.ID, err)
	}

	if err := replaceEntityLinks(ctx, tx, m.ID, m.Entities); err != nil {
		return err
	}
	if err := replaceTagLinks(ctx, tx, m.ID, m.Tags); err != nil {
		return err
	}

	if m.Supersedes != "" {
		now := fmtTime(time.Now().UTC())
		_, err = tx.ExecContext(ctx, `
			UPDATE memories
			SET forgotten = 1, delete_reason = ?, forgotten_at = ?, updated_at = ?
			WHERE id = ? AND forgotten = 0`,
			"superseded by "+m.ID, now, now, m.Supersedes,
		)
		if err != nil {
			return fmt.Errorf("graph: superseding %s: %w", m.Supersedes, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("graph: commit upsert: %w", err)
	}
	s.logger.Debug("graph layer upsert", zap.String("id", m.ID), zap.String("type", string(m.Type)))
	return nil
}

// Get retrieves a record by id. Forgotten records are only visible when
// includeForgotten is set.
func (s *Store) Get(ctx context.Context, id string, includeForgotten bool) (*types.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories m WHERE m.id = ?`
	if !includeForgotten {
		query += ` AND m.forgotten = 0`
	}

	m, err := scanMemory(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("graph: get %s: %w", id, err)
	}
	if err := s.attachLinks(ctx, []*types.Memory{m}); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateFields applies a partial update. Entity links are re-derived from
// the given entities when content changed (entities non-nil).
func (s *Store) UpdateFields(ctx context.Context, id string, fields storage.UpdateFields, entities []string) error {
	set := []string{"updated_at = ?"}
	args := []any{fmtTime(time.Now().UTC())}

	if fields.Content != nil {
		set = append(set, "content = ?")
		args = append(args, *fields.Content)
	}
	if fields.Summary != nil {
		set = append(set, "summary = ?")
		args = append(args, *fields.Summary)
	}
	if fields.Type != nil {
		set = append(set, "type = ?")
		args = append(args, string(*fields.Type))
	}
	if fields.Importance != nil {
		set = append(set, "importance = ?")
		args = append(args, *fields.Importance)
	}
	if fields.Confidence != nil {
		set = append(set, "confidence = ?")
		args = append(args, *fields.Confidence)
	}
	if fields.DecayDays != nil {
		set = append(set, "decay_days = ?")
		args = append(args, *fields.DecayDays)
	}
	if fields.Project != nil {
		set = append(set, "project = ?")
		args = append(args, *fields.Project)
	}
	args = append(args, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graph: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"UPDATE memories SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("graph: update %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}

	if entities != nil {
		if err := replaceEntityLinks(ctx, tx, id, entities); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Forget soft-deletes a record: the forgotten flag and reason are set and
// the searchable content is scrubbed. The row itself remains so the delete
// reason stays auditable; the full text survives in the durable text log.
func (s *Store) Forget(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET forgotten = 1, delete_reason = ?, forgotten_at = ?, updated_at = ?,
			content = '', summary = ''
		WHERE id = ?`,
		reason, fmtTime(at), fmtTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("graph: forget %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}
	return nil
}

// UpsertSession records session open and close in the graph for audit.
func (s *Store) UpsertSession(ctx context.Context, sess *types.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project, started_at, ended_at, mutations)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project = excluded.project,
			ended_at = excluded.ended_at,
			mutations = excluded.mutations`,
		sess.ID, sess.Project, fmtTime(sess.StartedAt), nullTime(sess.EndedAt), sess.Mutations,
	)
	if err != nil {
		return fmt.Errorf("graph: upsert session %s: %w", sess.ID, err)
	}
	return nil
}

// Ping probes the database within the context deadline.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrLayerUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// replaceEntityLinks swaps a record's entity links for the given names,
// creating entity rows as needed.
func replaceEntityLinks(ctx context.Context, tx *sql.Tx, memoryID string, names []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_entities WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("graph: clearing entity links: %w", err)
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO entities (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("graph: upserting entity %q: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_entities (memory_id, entity_id)
			SELECT ?, id FROM entities WHERE name = ?`, memoryID, name); err != nil {
			return fmt.Errorf("graph: linking entity %q: %w", name, err)
		}
	}
	return nil
}

func replaceTagLinks(ctx context.Context, tx *sql.Tx, memoryID string, tags []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM memory_tags WHERE memory_id = ?", memoryID); err != nil {
		return fmt.Errorf("graph: clearing tag links: %w", err)
	}
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO tags (name) VALUES (?)", tag); err != nil {
			return fmt.Errorf("graph: upserting tag %q: %w", tag, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_tags (memory_id, tag_id)
			SELECT ?, id FROM tags WHERE name = ?`, memoryID, tag); err != nil {
			return fmt.Errorf("graph: linking tag %q: %w", tag, err)
		}
	}
	return nil
}

// attachLinks loads entity and tag names for the given records in two
// queries instead of two per record.
func (s *Store) attachLinks(ctx context.Context, memories []*types.Memory) error {
	if len(memories) == 0 {
		return nil
	}

	byID := make(map[string]*types.Memory, len(memories))
	placeholders := make([]string, 0, len(memories))
	ids := make([]any, 0, len(memories))
	for _, m := range memories {
		byID[m.ID] = m
		placeholders = append(placeholders, "?")
		ids = append(ids, m.ID)
	}
	in := strings.Join(placeholders, ", ")

	rows, err := s.db.QueryContext(ctx, `
		SELECT me.memory_id, e.name
		FROM memory_entities me
		JOIN entities e ON e.id = me.entity_id
		WHERE me.memory_id IN (`+in+`)
		ORDER BY e.name`, ids...)
	if err != nil {
		return fmt.Errorf("graph: loading entity links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var memoryID, name string
		if err := rows.Scan(&memoryID, &name); err != nil {
			return fmt.Errorf("graph: scanning entity link: %w", err)
		}
		if m := byID[memoryID]; m != nil {
			m.Entities = append(m.Entities, name)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("graph: entity links: %w", err)
	}

	tagRows, err := s.db.QueryContext(ctx, `
		SELECT mt.memory_id, t.name
		FROM memory_tags mt
		JOIN tags t ON t.id = mt.tag_id
		WHERE mt.memory_id IN (`+in+`)
		ORDER BY t.name`, ids...)
	if err != nil {
		return fmt.Errorf("graph: loading tag links: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var memoryID, name string
		if err := tagRows.Scan(&memoryID, &name); err != nil {
			return fmt.Errorf("graph: scanning tag link: %w", err)
		}
		if m := byID[memoryID]; m != nil {
			m.Tags = append(m.Tags, name)
		}
	}
	return tagRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var (
		m           types.Memory
		typ         string
		decayDays   sql.NullInt64
		forgotten   int
		forgottenAt sql.NullString
		supersedes  sql.NullString
		created     string
		updated     string
	)
	err := row.Scan(
		&m.ID, &m.Content, &m.Summary, &typ, &m.Importance, &m.Confidence,
		&decayDays, &forgotten, &m.DeleteReason, &forgottenAt, &supersedes,
		&m.Project, &m.SessionID, &m.SourceChannel, &m.SourceMessageID,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}

	m.Type = types.MemoryType(typ)
	m.Forgotten = forgotten != 0
	if decayDays.Valid {
		d := int(decayDays.Int64)
		m.DecayDays = &d
	}
	if supersedes.Valid {
		m.Supersedes = supersedes.String
	}
	if forgottenAt.Valid {
		if t, err := time.Parse(time.RFC3339, forgottenAt.String); err == nil {
			m.ForgottenAt = &t
		}
	}
	if m.Created, err = time.Parse(time.RFC3339, created); err != nil {
		return nil, fmt.Errorf("graph: parsing created_at %q: %w", created, err)
	}
	if m.Updated, err = time.Parse(time.RFC3339, updated); err != nil {
		return nil, fmt.Errorf("graph: parsing updated_at %q: %w", updated, err)
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
