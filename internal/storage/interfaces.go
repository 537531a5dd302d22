package storage

import (
	"context"
	"time"

	"github.com/engramdb/engram/pkg/types"
)

// Graph is the required relationship layer: system of record for memory
// metadata, entity/tag links, supersession chains, and BM25 fulltext
// search. Writes are upserts keyed by record id so WAL replay is
// idempotent. An unreachable graph layer fails writes (fail-closed); reads
// may degrade to other layers.
type Graph interface {
	// Upsert writes a full record snapshot, replacing any existing row
	// with the same id and reconciling entity/tag/supersession links.
	// When the record supersedes another, the superseded record is
	// soft-deleted in the same transaction.
	Upsert(ctx context.Context, m *types.Memory) error

	// Get retrieves a record by id. Forgotten records are returned only
	// when includeForgotten is set; otherwise ErrNotFound.
	Get(ctx context.Context, id string, includeForgotten bool) (*types.Memory, error)

	// UpdateFields applies a partial update and bumps the updated
	// timestamp. Entity links are re-derived when content changes.
	UpdateFields(ctx context.Context, id string, fields UpdateFields, entities []string) error

	// Forget soft-deletes a record: sets the forgotten flag and reason
	// and scrubs searchable content. The record row itself remains.
	Forget(ctx context.Context, id, reason string, at time.Time) error

	// Search runs BM25 fulltext over content and summary, blended with
	// entity-name matches, returning active records with normalized
	// scores, best first.
	Search(ctx context.Context, query string, f Filters, limit int) ([]ScoredMemory, error)

	// List returns a page of active records.
	List(ctx context.Context, opts ListOptions) (*Page[types.Memory], error)

	// Recall returns active records matching the filters, newest first.
	Recall(ctx context.Context, f Filters, limit int) ([]types.Memory, error)

	// Instructions returns all active instruction-type records ordered by
	// importance descending.
	Instructions(ctx context.Context, project string) ([]types.Memory, error)

	// AutoRecall returns active non-instruction records at or above
	// minImportance, ordered by importance then recency.
	AutoRecall(ctx context.Context, project string, minImportance, limit int) ([]types.Memory, error)

	// FilterActiveIDs returns the subset of ids that are currently
	// active. Used to post-filter vector hits, which know nothing about
	// decay or soft deletion.
	FilterActiveIDs(ctx context.Context, ids []string) (map[string]bool, error)

	// Entities lists known entities with their active-memory counts,
	// most linked first.
	Entities(ctx context.Context, limit int) ([]types.Entity, error)

	// Overview produces the lightweight stats returned on session open.
	Overview(ctx context.Context, project string) (*types.Overview, error)

	// Prune soft-deletes records matching the criteria with reason
	// "maintenance-pruned" and returns the number pruned.
	Prune(ctx context.Context, c PruneCriteria) (int, error)

	// RemoveOrphanEntities deletes entity nodes with no remaining links
	// to active records, returning the number removed.
	RemoveOrphanEntities(ctx context.Context) (int, error)

	// UpsertSession records session open/close in the graph.
	UpsertSession(ctx context.Context, s *types.Session) error

	// Ping probes reachability within the context deadline.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// TextLog is the always-available durable text layer: date- and
// project-partitioned append-only markdown logs plus a consolidated
// summary file. Failure here fails the whole store operation; it is the
// layer of last resort.
type TextLog interface {
	// Append writes a formatted entry to the daily log and, when the
	// record names a project, to that project's log.
	Append(m *types.Memory) error

	// AppendNote writes a short free-form audit line (updates, forgets).
	AppendNote(id, note string) error

	// RewriteSummary regenerates the consolidated summary file from the
	// given active records.
	RewriteSummary(active []types.Memory) error

	// Snapshot copies the consolidated files into dir and returns the
	// names of the files backed up.
	Snapshot(dir string) ([]string, error)
}
