package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/backup"
	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

// snapshotsToKeep bounds how many pre-suspend snapshots are retained.
const snapshotsToKeep = 10

// OpenSession starts (or resumes) a session: replay any pending WAL
// entries from a previous crash, attempt a queue drain, and return a
// lightweight overview of the store.
func (e *Engine) OpenSession(ctx context.Context, req types.OpenSessionRequest) (*types.OpenSessionResult, error) {
	e.writeMu.Lock()
	recovered, err := e.replayWAL(ctx)
	e.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("recovering write-ahead log: %w", err)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := e.state.StartSession(sessionID, req.Project); err != nil {
		return nil, fmt.Errorf("recording session: %w", err)
	}
	if err := e.graph.UpsertSession(ctx, &types.Session{
		ID:        sessionID,
		Project:   req.Project,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		e.logger.Warn("recording session in graph failed", zap.Error(err))
	}

	drain, err := e.DrainQueue(ctx)
	if err != nil {
		e.logger.Debug("session-open drain failed", zap.Error(err))
	}

	overview, err := e.graph.Overview(ctx, req.Project)
	if err != nil {
		return nil, fmt.Errorf("computing overview: %w", err)
	}
	if e.index != nil {
		overview.PendingEmbeddings = e.index.PendingCount()
	}

	e.logger.Info("session opened",
		zap.String("session", sessionID),
		zap.Int("walRecovered", recovered),
		zap.Int("totalMemories", overview.TotalMemories))
	return &types.OpenSessionResult{
		SessionID:    sessionID,
		WALRecovered: recovered,
		QueueDrain:   *drain,
		Overview:     *overview,
	}, nil
}

// CloseSession marks the session closed. No data is deleted.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) (*types.CloseSessionResult, error) {
	closed, err := e.state.CloseSession()
	if err != nil {
		return nil, fmt.Errorf("closing session: %w", err)
	}
	if sessionID == "" {
		sessionID = closed.ID
	}
	if sessionID == "" {
		return &types.CloseSessionResult{Closed: false}, nil
	}

	now := time.Now().UTC()
	started := now
	if closed.StartedAt != nil {
		started = *closed.StartedAt
	}
	if err := e.graph.UpsertSession(ctx, &types.Session{
		ID:        sessionID,
		Project:   closed.Project,
		StartedAt: started,
		EndedAt:   &now,
		Mutations: closed.Mutations,
	}); err != nil {
		e.logger.Warn("recording session close in graph failed", zap.Error(err))
	}

	e.logger.Info("session closed",
		zap.String("session", sessionID),
		zap.Int("mutations", closed.Mutations))
	return &types.CloseSessionResult{SessionID: sessionID, Closed: true}, nil
}

// PreSuspendFlush forces a WAL flush and snapshots the consolidated
// files — the text layer summary, the state file, and the graph database —
// into a timestamped backup directory.
func (e *Engine) PreSuspendFlush(ctx context.Context) (*types.FlushResult, error) {
	e.writeMu.Lock()
	flushed, err := e.replayWAL(ctx)
	e.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("flushing write-ahead log: %w", err)
	}

	mgr, err := backup.NewManager(filepath.Join(e.cfg.Store.Path, "backups"), e.logger)
	if err != nil {
		return nil, err
	}
	dir, err := mgr.NewSnapshotDir()
	if err != nil {
		return nil, err
	}

	files, err := e.text.Snapshot(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshotting text layer: %w", err)
	}
	if name, err := mgr.CopyFile(e.state.Path(), dir); err != nil {
		return nil, err
	} else if name != "" {
		files = append(files, name)
	}
	if name, err := mgr.SnapshotSQLite(e.cfg.Graph.Path, dir); err != nil {
		e.logger.Warn("graph database snapshot failed", zap.Error(err))
	} else if name != "" {
		files = append(files, name)
	}

	if _, err := mgr.Prune(snapshotsToKeep); err != nil {
		e.logger.Warn("snapshot retention failed", zap.Error(err))
	}

	e.logger.Info("pre-suspend flush complete",
		zap.String("dir", dir),
		zap.Int("files", len(files)),
		zap.Int("walFlushed", flushed))
	return &types.FlushResult{BackupDir: dir, FilesBacked: files, WALFlushed: flushed}, nil
}

// Maintain runs the sweeper: soft-delete decayed and low-value records,
// then repair the graph by removing orphaned entities. The consolidated
// text summary is regenerated from what remains.
func (e *Engine) Maintain(ctx context.Context, req types.MaintainRequest) (*types.MaintainResult, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	pruned, err := e.graph.Prune(ctx, storage.PruneCriteria{
		Now:           time.Now().UTC(),
		MaxAgeDays:    req.MaxAgeDays,
		MinImportance: req.MinImportance,
	})
	if err != nil {
		return nil, fmt.Errorf("pruning records: %w", err)
	}

	orphans, err := e.graph.RemoveOrphanEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("removing orphan entities: %w", err)
	}

	if active, err := e.graph.Recall(ctx, storage.Filters{}, 1000); err == nil {
		if err := e.text.RewriteSummary(active); err != nil {
			e.logger.Warn("rewriting consolidated summary failed", zap.Error(err))
		}
	}

	e.logger.Info("maintenance sweep complete",
		zap.Int("pruned", pruned),
		zap.Int("orphansRemoved", orphans))
	return &types.MaintainResult{Pruned: pruned, OrphansRemoved: orphans}, nil
}

// DrainQueue attempts one drain of the pending-embedding queue and
// records the outcome in queue health. Always returns a result, even on
// failure, so callers can report status.
func (e *Engine) DrainQueue(ctx context.Context) (*types.DrainResult, error) {
	if e.index == nil || !e.index.Enabled() {
		return &types.DrainResult{Status: "disabled"}, nil
	}
	pendingBefore := e.index.PendingCount()
	if pendingBefore == 0 {
		return &types.DrainResult{Status: "empty"}, nil
	}

	processed, remaining, err := e.index.Drain(ctx)
	if serr := e.state.RecordDrain(err == nil, remaining); serr != nil {
		e.logger.Warn("recording drain outcome failed", zap.Error(serr))
	}

	result := &types.DrainResult{Processed: processed, Remaining: remaining, Status: "ok"}
	if err != nil {
		result.Status = "failed"
		if e.state.Queue().ConsecutiveFailures >= e.cfg.Engine.MaxQueueFailures {
			result.Status = "gave-up"
			e.logger.Warn("queue drain giving up until next explicit attempt",
				zap.Int("consecutiveFailures", e.state.Queue().ConsecutiveFailures))
		}
		return result, err
	}
	return result, nil
}
