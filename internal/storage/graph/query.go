package graph

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// bm25Divisor normalizes FTS5 rank (negated BM25, unbounded) into a 0-1
// score comparable with vector similarity.
const bm25Divisor = 10.0

// entityMatchScore is the fixed score given to records matched through an
// entity name rather than fulltext. Below a strong BM25 hit, above a weak
// one.
const entityMatchScore = 0.8

// Search runs BM25 fulltext over content and summary, blended with records
// linked to entities whose name appears in the query. Scores are normalized
// to 0-1; a record matched both ways keeps the higher score and both
// provenance tags.
func (s *Store) Search(ctx context.Context, query string, f storage.Filters, limit int) ([]storage.ScoredMemory, error) {
	if limit <= 0 {
		limit = 10
	}

	ftsQuery, words := sanitizeFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	now := time.Now().UTC()
	merged := map[string]*storage.ScoredMemory{}

	filterSQL, filterArgs := filtersWhereSQL(f, now)

	ftsSQL := `
		SELECT ` + memoryColumns + `, fts.rank
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ?` + filterSQL + `
		ORDER BY fts.rank
		LIMIT ?`
	args := append([]any{ftsQuery}, filterArgs...)
	args = append(args, limit*2)

	rows, err := s.db.QueryContext(ctx, ftsSQL, args...)
	if err != nil {
		// FTS5 can still error on input that slipped past sanitization.
		return nil, fmt.Errorf("graph: fulltext MATCH %q: %w", query, err)
	}
	for rows.Next() {
		var rank float64
		mp, err := scanMemoryWithRank(rows, &rank)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("graph: scanning fulltext hit: %w", err)
		}
		// FTS5 rank is negative; more negative means a better match.
		score := -rank / bm25Divisor
		if score > 1.0 {
			score = 1.0
		}
		merged[mp.ID] = &storage.ScoredMemory{Memory: *mp, Score: score, Source: "graph:fts"}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("graph: fulltext rows: %w", err)
	}
	rows.Close()

	if len(words) > 0 {
		placeholders := make([]string, len(words))
		entityArgs := make([]any, len(words))
		for i, w := range words {
			placeholders[i] = "?"
			entityArgs[i] = w
		}
		entitySQL := `
			SELECT DISTINCT ` + memoryColumns + `
			FROM memories m
			JOIN memory_entities me ON me.memory_id = m.id
			JOIN entities e ON e.id = me.entity_id
			WHERE lower(e.name) IN (` + strings.Join(placeholders, ", ") + `)` + filterSQL + `
			LIMIT ?`
		entityArgs = append(entityArgs, filterArgs...)
		entityArgs = append(entityArgs, limit*2)

		erows, err := s.db.QueryContext(ctx, entitySQL, entityArgs...)
		if err != nil {
			return nil, fmt.Errorf("graph: entity match: %w", err)
		}
		hits, err := scanMemories(erows)
		erows.Close()
		if err != nil {
			return nil, fmt.Errorf("graph: scanning entity hits: %w", err)
		}
		for _, m := range hits {
			if existing, ok := merged[m.ID]; ok {
				if entityMatchScore > existing.Score {
					existing.Score = entityMatchScore
				}
				existing.Source += ",graph:entity"
				continue
			}
			merged[m.ID] = &storage.ScoredMemory{Memory: *m, Score: entityMatchScore, Source: "graph:entity"}
		}
	}

	out := make([]storage.ScoredMemory, 0, len(merged))
	ptrs := make([]*types.Memory, 0, len(merged))
	for _, sm := range merged {
		out = append(out, *sm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Memory.Created.After(out[j].Memory.Created)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		ptrs = append(ptrs, &out[i].Memory)
	}
	if err := s.attachLinks(ctx, ptrs); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns a page of active records with a total count.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) (*storage.Page[types.Memory], error) {
	opts.Normalize()
	now := time.Now().UTC()

	f := storage.Filters{Project: opts.Project, Type: opts.Type}
	filterSQL, filterArgs := filtersWhereSQL(f, now)

	var total int
	countSQL := `SELECT COUNT(*) FROM memories m WHERE 1=1` + filterSQL
	if err := s.db.QueryRowContext(ctx, countSQL, filterArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("graph: list count: %w", err)
	}

	sortColumns := map[string]string{
		"created":    "m.created_at",
		"updated":    "m.updated_at",
		"importance": "m.importance",
		"confidence": "m.confidence",
	}
	order := sortColumns[opts.SortBy] + " " + strings.ToUpper(opts.SortOrder)

	pageSQL := `SELECT ` + memoryColumns + ` FROM memories m WHERE 1=1` + filterSQL +
		` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	args := append(filterArgs, opts.PageSize, opts.Offset())

	rows, err := s.db.QueryContext(ctx, pageSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: list: %w", err)
	}
	memories, err := scanMemories(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("graph: list scan: %w", err)
	}
	if err := s.attachLinks(ctx, memories); err != nil {
		return nil, err
	}

	items := make([]types.Memory, len(memories))
	for i, m := range memories {
		items[i] = *m
	}
	totalPages := (total + opts.PageSize - 1) / opts.PageSize
	return &storage.Page[types.Memory]{
		Items:      items,
		Total:      total,
		PageNum:    opts.Page,
		PageSize:   opts.PageSize,
		TotalPages: totalPages,
	}, nil
}

// Recall returns records matching the filters, newest first.
func (s *Store) Recall(ctx context.Context, f storage.Filters, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	filterSQL, args := filtersWhereSQL(f, time.Now().UTC())
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories m
		WHERE 1=1`+filterSQL+`
		ORDER BY m.created_at DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: recall: %w", err)
	}
	memories, err := scanMemories(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("graph: recall scan: %w", err)
	}
	if err := s.attachLinks(ctx, memories); err != nil {
		return nil, err
	}
	return deref(memories), nil
}

// Instructions returns active standing instructions, highest importance
// first. Project-scoped instructions are returned alongside global ones
// (empty project) because global instructions apply everywhere.
func (s *Store) Instructions(ctx context.Context, project string) ([]types.Memory, error) {
	query := `
		SELECT ` + memoryColumns + ` FROM memories m
		WHERE m.type = 'instruction' AND ` + activePredicate
	args := []any{fmtTime(time.Now().UTC())}
	if project != "" {
		query += ` AND (m.project = ? OR m.project = '')`
		args = append(args, project)
	}
	query += ` ORDER BY m.importance DESC, m.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: instructions: %w", err)
	}
	memories, err := scanMemories(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("graph: instructions scan: %w", err)
	}
	return deref(memories), nil
}

// AutoRecall returns active non-instruction records at or above
// minImportance, ordered by importance then recency.
func (s *Store) AutoRecall(ctx context.Context, project string, minImportance, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT ` + memoryColumns + ` FROM memories m
		WHERE m.type != 'instruction' AND m.importance >= ? AND ` + activePredicate
	args := []any{minImportance, fmtTime(time.Now().UTC())}
	if project != "" {
		query += ` AND (m.project = ? OR m.project = '')`
		args = append(args, project)
	}
	query += ` ORDER BY m.importance DESC, m.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: auto-recall: %w", err)
	}
	memories, err := scanMemories(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("graph: auto-recall scan: %w", err)
	}
	return deref(memories), nil
}

// FilterActiveIDs returns the subset of ids currently active. The vector
// layer knows nothing about decay or soft deletion, so its hits are
// post-filtered through this.
func (s *Store) FilterActiveIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	active := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return active, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, fmtTime(time.Now().UTC()))

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id FROM memories m
		WHERE m.id IN (`+strings.Join(placeholders, ", ")+`) AND `+activePredicate,
		args...)
	if err != nil {
		return nil, fmt.Errorf("graph: filtering active ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("graph: scanning active id: %w", err)
		}
		active[id] = true
	}
	return active, rows.Err()
}

// Entities lists known entities with their active-record link counts, most
// linked first.
func (s *Store) Entities(ctx context.Context, limit int) ([]types.Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.name, e.type, COUNT(m.id) AS memory_count,
			GROUP_CONCAT(DISTINCT m.type) AS memory_types
		FROM entities e
		JOIN memory_entities me ON me.entity_id = e.id
		JOIN memories m ON m.id = me.memory_id
		WHERE `+activePredicate+`
		GROUP BY e.id
		ORDER BY memory_count DESC, e.name
		LIMIT ?`,
		fmtTime(time.Now().UTC()), limit)
	if err != nil {
		return nil, fmt.Errorf("graph: entities: %w", err)
	}
	defer rows.Close()

	var out []types.Entity
	for rows.Next() {
		var (
			e        types.Entity
			typeList string
		)
		if err := rows.Scan(&e.Name, &e.Type, &e.MemoryCount, &typeList); err != nil {
			return nil, fmt.Errorf("graph: scanning entity: %w", err)
		}
		if typeList != "" {
			e.Types = strings.Split(typeList, ",")
			sort.Strings(e.Types)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Overview produces the lightweight stats returned on session open: total
// active records, counts by type, top entities, and known projects.
func (s *Store) Overview(ctx context.Context, project string) (*types.Overview, error) {
	now := fmtTime(time.Now().UTC())
	ov := &types.Overview{CountsByType: map[string]int{}}

	query := `SELECT m.type, COUNT(*) FROM memories m WHERE ` + activePredicate
	args := []any{now}
	if project != "" {
		query += ` AND m.project = ?`
		args = append(args, project)
	}
	query += ` GROUP BY m.type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: overview counts: %w", err)
	}
	for rows.Next() {
		var (
			typ   string
			count int
		)
		if err := rows.Scan(&typ, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("graph: scanning overview count: %w", err)
		}
		ov.CountsByType[typ] = count
		ov.TotalMemories += count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	top, err := s.Entities(ctx, 5)
	if err != nil {
		return nil, err
	}
	ov.TopEntities = top

	prows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.project FROM memories m
		WHERE m.project != '' AND `+activePredicate+`
		ORDER BY m.project`, now)
	if err != nil {
		return nil, fmt.Errorf("graph: overview projects: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var p string
		if err := prows.Scan(&p); err != nil {
			return nil, fmt.Errorf("graph: scanning project: %w", err)
		}
		ov.Projects = append(ov.Projects, p)
	}
	return ov, prows.Err()
}

// Prune soft-deletes records matching the sweep criteria with reason
// "maintenance-pruned". Two independent rules, both additive: decayed
// records past their horizon (or past MaxAgeDays when supplied), and
// records below MinImportance when supplied. Permanent records are never
// touched by the age rule.
func (s *Store) Prune(ctx context.Context, c storage.PruneCriteria) (int, error) {
	now := fmtTime(c.Now.UTC())
	pruned := 0

	ageSQL := `
		UPDATE memories
		SET forgotten = 1, delete_reason = 'maintenance-pruned', forgotten_at = ?, updated_at = ?
		WHERE forgotten = 0 AND decay_days IS NOT NULL`
	ageArgs := []any{now, now}
	if c.MaxAgeDays != nil {
		ageSQL += ` AND datetime(created_at, '+' || ? || ' days') < datetime(?)`
		ageArgs = append(ageArgs, *c.MaxAgeDays, now)
	} else {
		ageSQL += ` AND datetime(created_at, '+' || decay_days || ' days') < datetime(?)`
		ageArgs = append(ageArgs, now)
	}
	res, err := s.db.ExecContext(ctx, ageSQL, ageArgs...)
	if err != nil {
		return 0, fmt.Errorf("graph: pruning decayed records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		pruned += int(n)
	}

	if c.MinImportance != nil {
		res, err := s.db.ExecContext(ctx, `
			UPDATE memories
			SET forgotten = 1, delete_reason = 'maintenance-pruned', forgotten_at = ?, updated_at = ?
			WHERE forgotten = 0 AND importance < ?`,
			now, now, *c.MinImportance)
		if err != nil {
			return pruned, fmt.Errorf("graph: pruning low-importance records: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			pruned += int(n)
		}
	}

	return pruned, nil
}

// RemoveOrphanEntities deletes entity nodes whose every linked record has
// been forgotten, returning the number removed.
func (s *Store) RemoveOrphanEntities(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM entities
		WHERE id NOT IN (
			SELECT me.entity_id
			FROM memory_entities me
			JOIN memories m ON m.id = me.memory_id
			WHERE m.forgotten = 0
		)`)
	if err != nil {
		return 0, fmt.Errorf("graph: removing orphan entities: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// sanitizeFTSQuery converts free-form input into a safe FTS5 query: special
// characters stripped, stop words dropped, remaining words OR'd with prefix
// matching. FTS5 syntax is fragile; an unbalanced quote or stray operator
// keyword makes SQLite return "fts5: syntax error". Returns the query plus
// the cleaned words for entity matching.
func sanitizeFTSQuery(query string) (string, []string) {
	replacer := strings.NewReplacer(
		`"`, ` `, `'`, ` `, `(`, ` `, `)`, ` `,
		`*`, ` `, `-`, ` `, `^`, ` `, `?`, ` `, `:`, ` `,
	)
	words := strings.Fields(strings.ToLower(replacer.Replace(query)))

	var kept []string
	for _, w := range words {
		if ftsStopWords[w] {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		kept = words
	}
	if len(kept) == 0 {
		return "", nil
	}

	quoted := make([]string, len(kept))
	for i, w := range kept {
		quoted[i] = `"` + w + `"*`
	}
	return strings.Join(quoted, " OR "), kept
}

var ftsStopWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"to": true, "of": true, "in": true, "on": true, "at": true,
	"by": true, "for": true, "with": true, "from": true, "as": true,
	"do": true, "does": true, "did": true, "what": true, "how": true,
}

// filtersWhereSQL renders the filters as an AND-prefixed SQL fragment over the
// aliased memories table. The liveness predicate is included unless
// IncludeForgotten is set.
func filtersWhereSQL(f storage.Filters, now time.Time) (string, []any) {
	var (
		sql  strings.Builder
		args []any
	)
	if !f.IncludeForgotten {
		sql.WriteString(" AND " + activePredicate)
		args = append(args, fmtTime(now))
	}
	if f.Project != "" {
		sql.WriteString(" AND m.project = ?")
		args = append(args, f.Project)
	}
	if f.Type != "" {
		sql.WriteString(" AND m.type = ?")
		args = append(args, string(f.Type))
	}
	if f.MinImportance > 0 {
		sql.WriteString(" AND m.importance >= ?")
		args = append(args, f.MinImportance)
	}
	return sql.String(), args
}

func deref(memories []*types.Memory) []types.Memory {
	out := make([]types.Memory, len(memories))
	for i, m := range memories {
		out[i] = *m
	}
	return out
}

// scanMemoryWithRank scans a memory row with a trailing FTS5 rank column.
func scanMemoryWithRank(row rowScanner, rank *float64) (*types.Memory, error) {
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
		&created, &updated, rank,
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
