// Package engine is the single entry point for all memory operations. It
// owns the write path (dedup/supersession resolution, WAL staging, layer
// application), the read fan-out, and the session lifecycle.
//
// Layer policy: the durable text log and the graph layer are required —
// a write fails when either cannot be reached. The vector layer fails
// open: an unreachable vector database queues the record for a later
// drain instead of failing the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/extract"
	"github.com/engramdb/engram/internal/state"
	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/internal/storage/vector"
	"github.com/engramdb/engram/pkg/types"
)

// Dedup thresholds on normalized similarity. Strict reject, lenient
// supersede: the asymmetry biases toward keeping history over losing it.
const (
	duplicateThreshold = 0.92
	supersedeThreshold = 0.5

	// Fulltext fallback thresholds when the vector layer is down. The
	// graph layer's scores are BM25 normalized by the same divisor, so
	// these are deliberately tighter bands.
	duplicateThresholdFTS = 0.8
	supersedeThresholdFTS = 0.4
)

// Engine orchestrates the three storage layers behind one façade.
// Mutations are serialized through a single writer lock; reads run
// concurrently.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger
	state  *state.Store
	text   storage.TextLog
	graph  storage.Graph
	index  *vector.Index

	writeMu sync.Mutex

	mu          sync.Mutex
	started     bool
	drainCancel context.CancelFunc
	drainDone   chan struct{}
}

// New wires the engine from its layers. The vector index may be disabled
// (see vector.NewIndex); the text and graph layers are required.
func New(cfg *config.Config, st *state.Store, text storage.TextLog, graph storage.Graph, index *vector.Index, logger *zap.Logger) (*Engine, error) {
	if text == nil || graph == nil {
		return nil, fmt.Errorf("engine: text and graph layers are required")
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		state:  st,
		text:   text,
		graph:  graph,
		index:  index,
	}, nil
}

// Start launches the background queue drain loop. Safe to skip for
// one-shot CLI invocations.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	drainCtx, cancel := context.WithCancel(ctx)
	e.drainCancel = cancel
	e.drainDone = make(chan struct{})
	go e.drainLoop(drainCtx)

	e.started = true
	e.logger.Info("engine started", zap.Duration("drainInterval", e.cfg.Engine.DrainInterval))
	return nil
}

// Shutdown stops the drain loop and waits for it to exit.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}
	e.drainCancel()
	select {
	case <-e.drainDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.started = false
	e.logger.Info("engine stopped")
	return nil
}

// drainLoop periodically retries the pending-embedding queue. It backs
// off permanently once the consecutive failure cap is hit; the next
// explicit DrainQueue call resets the clock.
func (e *Engine) drainLoop(ctx context.Context) {
	defer close(e.drainDone)

	ticker := time.NewTicker(e.cfg.Engine.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.index == nil || !e.index.Enabled() || e.index.PendingCount() == 0 {
				continue
			}
			if e.state.Queue().ConsecutiveFailures >= e.cfg.Engine.MaxQueueFailures {
				continue
			}
			if _, err := e.DrainQueue(ctx); err != nil {
				e.logger.Debug("background drain attempt failed", zap.Error(err))
			}
		}
	}
}

// Store admits a new record: resolve dedup/supersession, stage in the
// WAL, then apply to the layers. The WAL entry is cleared only once both
// required layers have confirmed the write.
func (e *Engine) Store(ctx context.Context, req types.StoreRequest) (*types.StoreResult, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	m, err := e.buildRecord(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	// An explicit supersedes must point at a live record, or the
	// soft-delete in graph.Upsert would silently touch nothing and leave
	// a dangling pointer.
	if req.Supersedes != "" {
		if _, err := e.graph.Get(ctx, req.Supersedes, false); err != nil {
			return nil, fmt.Errorf("supersedes target %s: %w", req.Supersedes, err)
		}
	}

	// Dedup runs before anything is staged: a rejected duplicate must
	// leave no WAL entry behind.
	if req.Supersedes == "" {
		decision := e.resolveDuplicate(ctx, m)
		if decision.skip {
			e.logger.Info("near-duplicate rejected",
				zap.String("existing", decision.existingID),
				zap.Float64("similarity", decision.similarity))
			return &types.StoreResult{
				Skipped:    true,
				ExistingID: decision.existingID,
				Similarity: decision.similarity,
			}, nil
		}
		if decision.supersede {
			m.Supersedes = decision.existingID
		}
	}

	// The graph layer is fail-closed; probe it before staging so a fatal
	// failure leaves no partial WAL entry.
	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.Engine.HealthTimeout)
	err = e.graph.Ping(pingCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("graph layer is required for writes: %w", err)
	}

	seq, err := e.state.Append(state.OpStore, *m)
	if err != nil {
		return nil, fmt.Errorf("staging write: %w", err)
	}

	result := &types.StoreResult{
		ID:         m.ID,
		Type:       m.Type,
		Importance: m.Importance,
		Confidence: m.Confidence,
		DecayDays:  m.DecayDays,
		Supersedes: m.Supersedes,
		Entities:   m.Entities,
	}

	if err := e.text.Append(m); err != nil {
		return nil, fmt.Errorf("text layer write: %w", err)
	}
	result.Layers.Text = true

	if err := e.graph.Upsert(ctx, m); err != nil {
		// Entry stays pending; the next session open replays it.
		return nil, fmt.Errorf("graph layer write: %w", err)
	}
	result.Layers.Graph = true

	if err := e.state.MarkFlushed(seq); err != nil {
		e.logger.Warn("marking WAL entry flushed failed", zap.Uint64("seq", seq), zap.Error(err))
	}

	if e.index != nil && e.index.Enabled() {
		stored, queued, verr := e.index.StoreOrQueue(ctx, m.ID, m.Content, vectorMetadata(m))
		if verr != nil {
			e.logger.Warn("vector layer bookkeeping failed", zap.Error(verr))
		}
		result.Layers.Vector = stored
		result.Layers.Queued = queued
	}

	if err := e.state.MarkMemoryStored(); err != nil {
		e.logger.Warn("bumping memory counter failed", zap.Error(err))
	}
	if err := e.state.BumpMutations(); err != nil {
		e.logger.Warn("bumping session mutations failed", zap.Error(err))
	}

	e.logger.Info("memory stored",
		zap.String("id", m.ID),
		zap.String("type", string(m.Type)),
		zap.Bool("vector", result.Layers.Vector),
		zap.Bool("queued", result.Layers.Queued))
	return result, nil
}

// Update applies a partial mutation: the full updated snapshot is staged
// in the WAL, the graph row patched, an audit line appended to the text
// log, and the content re-embedded when it changed.
func (e *Engine) Update(ctx context.Context, req types.UpdateRequest) (*types.UpdateResult, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: id is required", storage.ErrInvalidInput)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	existing, err := e.graph.Get(ctx, req.ID, false)
	if err != nil {
		return nil, err
	}

	fields, err := updateFields(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	updated := *existing
	var entities []string
	if fields.Content != nil {
		updated.Content = *fields.Content
		entities = extract.Entities(updated.Content)
		updated.Entities = entities
	}
	if fields.Summary != nil {
		updated.Summary = *fields.Summary
	}
	if fields.Type != nil {
		updated.Type = *fields.Type
	}
	if fields.Importance != nil {
		updated.Importance = *fields.Importance
	}
	if fields.Confidence != nil {
		updated.Confidence = *fields.Confidence
	}
	if fields.DecayDays != nil {
		updated.DecayDays = fields.DecayDays
	}
	if fields.Project != nil {
		updated.Project = *fields.Project
	}
	updated.Updated = time.Now().UTC()
	if err := updated.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	seq, err := e.state.Append(state.OpUpdate, updated)
	if err != nil {
		return nil, fmt.Errorf("staging update: %w", err)
	}

	changed := fields.Names()
	if err := e.text.AppendNote(req.ID, "[UPDATED] fields: "+strings.Join(changed, ", ")); err != nil {
		return nil, fmt.Errorf("text layer write: %w", err)
	}
	if err := e.graph.UpdateFields(ctx, req.ID, fields, entities); err != nil {
		return nil, fmt.Errorf("graph layer write: %w", err)
	}
	if err := e.state.MarkFlushed(seq); err != nil {
		e.logger.Warn("marking WAL entry flushed failed", zap.Uint64("seq", seq), zap.Error(err))
	}

	if fields.Content != nil && e.index != nil && e.index.Enabled() {
		if _, _, verr := e.index.StoreOrQueue(ctx, updated.ID, updated.Content, vectorMetadata(&updated)); verr != nil {
			e.logger.Warn("vector layer bookkeeping failed", zap.Error(verr))
		}
	}

	if err := e.state.BumpMutations(); err != nil {
		e.logger.Warn("bumping session mutations failed", zap.Error(err))
	}
	return &types.UpdateResult{ID: req.ID, Fields: changed}, nil
}

// Forget soft-deletes a record, addressed by id or by the top fulltext
// match for a query. The record is scrubbed from the searchable layers
// but the text log keeps the full audit trail.
func (e *Engine) Forget(ctx context.Context, req types.ForgetRequest) (*types.ForgetResult, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	id := req.ID
	if id == "" {
		if req.Query == "" {
			return nil, fmt.Errorf("%w: id or query is required", storage.ErrInvalidInput)
		}
		hits, err := e.graph.Search(ctx, req.Query, storage.Filters{}, 1)
		if err != nil {
			return nil, fmt.Errorf("resolving forget target: %w", err)
		}
		if len(hits) == 0 {
			return nil, fmt.Errorf("%w: no match for %q", storage.ErrNotFound, req.Query)
		}
		id = hits[0].Memory.ID
	}

	reason := req.Reason
	if reason == "" {
		reason = "forgotten"
	}

	existing, err := e.graph.Get(ctx, id, false)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	snapshot := *existing
	snapshot.Forgotten = true
	snapshot.DeleteReason = reason
	snapshot.ForgottenAt = &now
	snapshot.Updated = now

	seq, err := e.state.Append(state.OpForget, snapshot)
	if err != nil {
		return nil, fmt.Errorf("staging forget: %w", err)
	}

	if err := e.text.AppendNote(id, "[FORGOTTEN] reason: "+reason); err != nil {
		return nil, fmt.Errorf("text layer write: %w", err)
	}
	if err := e.graph.Forget(ctx, id, reason, now); err != nil {
		return nil, fmt.Errorf("graph layer write: %w", err)
	}
	if err := e.state.MarkFlushed(seq); err != nil {
		e.logger.Warn("marking WAL entry flushed failed", zap.Uint64("seq", seq), zap.Error(err))
	}

	if e.index != nil && e.index.Enabled() {
		if verr := e.index.Delete(ctx, []string{id}); verr != nil {
			e.logger.Warn("vector layer delete failed", zap.String("id", id), zap.Error(verr))
		}
	}

	if err := e.state.BumpMutations(); err != nil {
		e.logger.Warn("bumping session mutations failed", zap.Error(err))
	}
	e.logger.Info("memory forgotten", zap.String("id", id), zap.String("reason", reason))
	return &types.ForgetResult{ID: id, Reason: reason}, nil
}

// buildRecord fills a record from the request, deriving what the caller
// left out: type classification, entity extraction, summary, defaults.
func (e *Engine) buildRecord(req types.StoreRequest) (*types.Memory, error) {
	now := time.Now().UTC()
	m := &types.Memory{
		ID:              uuid.NewString(),
		Content:         req.Content,
		Summary:         req.Summary,
		Importance:      req.Importance,
		DecayDays:       req.DecayDays,
		Supersedes:      req.Supersedes,
		Project:         req.Project,
		Tags:            req.Tags,
		Entities:        req.Entities,
		SessionID:       e.state.Session().ID,
		SourceChannel:   req.SourceChannel,
		SourceMessageID: req.SourceMessageID,
		Created:         now,
		Updated:         now,
	}

	if req.Type != "" {
		m.Type = types.MemoryType(req.Type)
	} else {
		m.Type = extract.Classify(req.Content)
	}
	if m.Importance == 0 {
		m.Importance = types.DefaultImportance
	}
	if req.Confidence != nil {
		m.Confidence = *req.Confidence
	} else {
		m.Confidence = types.DefaultConfidence
	}
	if len(m.Entities) == 0 {
		m.Entities = extract.Entities(req.Content)
	}
	if m.Summary == "" {
		m.Summary = m.DeriveSummary()
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

type dedupDecision struct {
	skip       bool
	supersede  bool
	existingID string
	similarity float64
}

// resolveDuplicate asks the nearest layer whether this content already
// exists. Candidates are scoped to the same project and type — content
// repeated across projects is legitimate, not a duplicate. Vector
// similarity is authoritative when reachable; BM25 is the fallback; when
// neither layer answers the record is accepted (fail-open — never block
// a write on an availability failure of a non-authoritative layer).
func (e *Engine) resolveDuplicate(ctx context.Context, m *types.Memory) dedupDecision {
	if e.index != nil && e.index.Available(ctx) {
		where := map[string]string{"type": string(m.Type)}
		if m.Project != "" {
			where["project"] = m.Project
		}
		nearest, err := e.index.Nearest(ctx, m.Content, where)
		if err == nil {
			if nearest == nil {
				return dedupDecision{}
			}
			return e.judgeSimilarity(ctx, nearest.ID, nearest.Score, m.Type,
				duplicateThreshold, supersedeThreshold)
		}
		e.logger.Debug("vector dedup probe failed, falling back to fulltext", zap.Error(err))
	}

	hits, err := e.graph.Search(ctx, m.Content, storage.Filters{Project: m.Project, Type: m.Type}, 1)
	if err != nil || len(hits) == 0 {
		return dedupDecision{}
	}
	return e.judgeSimilarity(ctx, hits[0].Memory.ID, hits[0].Score, m.Type,
		duplicateThresholdFTS, supersedeThresholdFTS)
}

// judgeSimilarity applies the threshold bands to the best match. Only an
// active matched record can block or supersede: a forgotten or decayed
// one is no longer authoritative for its content.
func (e *Engine) judgeSimilarity(ctx context.Context, matchID string, score float64, newType types.MemoryType, dupThreshold, superThreshold float64) dedupDecision {
	if score <= superThreshold {
		return dedupDecision{}
	}

	match, err := e.graph.Get(ctx, matchID, false)
	if err != nil {
		// Matched record is gone: nothing to dedup against.
		return dedupDecision{}
	}
	if !match.IsActive(time.Now().UTC()) {
		return dedupDecision{}
	}

	if score > dupThreshold {
		return dedupDecision{skip: true, existingID: match.ID, similarity: score}
	}
	if match.Type == newType {
		return dedupDecision{supersede: true, existingID: match.ID, similarity: score}
	}
	return dedupDecision{}
}

// replayWAL re-applies pending entries in append order. Layer writes are
// upserts keyed by record id, so replaying an entry that partially landed
// is safe.
func (e *Engine) replayWAL(ctx context.Context) (int, error) {
	pending := e.state.Pending()
	if len(pending) == 0 {
		return 0, nil
	}

	recovered := 0
	for _, entry := range pending {
		if err := e.applyEntry(ctx, entry); err != nil {
			return recovered, fmt.Errorf("replaying seq %d: %w", entry.Seq, err)
		}
		if err := e.state.MarkFlushed(entry.Seq); err != nil {
			return recovered, err
		}
		recovered++
	}
	e.logger.Info("write-ahead log replayed", zap.Int("entries", recovered))
	return recovered, nil
}

// applyEntry applies one WAL entry to the required layers.
func (e *Engine) applyEntry(ctx context.Context, entry state.WALEntry) error {
	m := entry.Record
	switch entry.Op {
	case state.OpStore, state.OpUpdate:
		if err := e.graph.Upsert(ctx, &m); err != nil {
			return err
		}
		if entry.Op == state.OpStore {
			if err := e.text.Append(&m); err != nil {
				return err
			}
		} else {
			if err := e.text.AppendNote(m.ID, "[UPDATED] replayed from write-ahead log"); err != nil {
				return err
			}
		}
		if e.index != nil && e.index.Enabled() {
			if _, _, err := e.index.StoreOrQueue(ctx, m.ID, m.Content, vectorMetadata(&m)); err != nil {
				e.logger.Warn("vector layer bookkeeping failed during replay", zap.Error(err))
			}
		}
	case state.OpForget:
		at := time.Now().UTC()
		if m.ForgottenAt != nil {
			at = *m.ForgottenAt
		}
		if err := e.graph.Forget(ctx, m.ID, m.DeleteReason, at); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := e.text.AppendNote(m.ID, "[FORGOTTEN] reason: "+m.DeleteReason); err != nil {
			return err
		}
	default:
		e.logger.Warn("skipping unknown WAL op", zap.String("op", string(entry.Op)))
	}
	return nil
}

func updateFields(req types.UpdateRequest) (storage.UpdateFields, error) {
	fields := storage.UpdateFields{
		Content:    req.Content,
		Summary:    req.Summary,
		Importance: req.Importance,
		Confidence: req.Confidence,
		DecayDays:  req.DecayDays,
		Project:    req.Project,
	}
	if req.Type != nil {
		mt := types.MemoryType(*req.Type)
		if !mt.Valid() {
			return fields, fmt.Errorf("unknown memory type %q", *req.Type)
		}
		fields.Type = &mt
	}
	if len(fields.Names()) == 0 {
		return fields, fmt.Errorf("no fields to update")
	}
	return fields, nil
}

func vectorMetadata(m *types.Memory) map[string]any {
	return map[string]any{
		"type":    string(m.Type),
		"project": m.Project,
	}
}
