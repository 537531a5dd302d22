// Package state persists the engine's runtime state file: the write-ahead
// log of unflushed mutations, the current session, pending-embedding queue
// counters, and lifetime stats.
//
// Every mutation is appended to the WAL and made durable before any storage
// layer sees it; entries are removed only after the text and graph layers
// have both confirmed the write. On startup the pending entries are
// replayed in append order, which is safe because layer writes are
// upserts keyed by record id.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/engramdb/engram/pkg/types"
)

// Op identifies the kind of mutation captured in a WAL entry.
type Op string

const (
	OpStore  Op = "store"
	OpUpdate Op = "update"
	OpForget Op = "forget"
)

// WALEntry is one staged mutation: the operation kind plus a full record
// snapshot, so replay needs no other context.
type WALEntry struct {
	Seq        uint64       `json:"seq"`
	Op         Op           `json:"op"`
	Record     types.Memory `json:"record"`
	AppendedAt time.Time    `json:"appendedAt"`
}

// SessionState tracks the currently open session, if any.
type SessionState struct {
	ID        string     `json:"id,omitempty"`
	Project   string     `json:"project,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Mutations int        `json:"mutations"`
}

// QueueState tracks pending-embedding drain health.
type QueueState struct {
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastDrainAttempt    *time.Time `json:"lastDrainAttempt,omitempty"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	PendingCount        int        `json:"pendingCount"`
}

// Stats holds lifetime counters, maintained for the session overview.
type Stats struct {
	TotalMemories int        `json:"totalMemories"`
	TotalSearches int        `json:"totalSearches"`
	TotalRecalls  int        `json:"totalRecalls"`
	LastMemoryAt  *time.Time `json:"lastMemoryAt,omitempty"`
}

type fileState struct {
	WAL struct {
		NextSeq   uint64     `json:"nextSeq"`
		Pending   []WALEntry `json:"pending"`
		LastFlush *time.Time `json:"lastFlush,omitempty"`
	} `json:"wal"`
	Session SessionState `json:"session"`
	Queue   QueueState   `json:"queue"`
	Stats   Stats        `json:"stats"`
}

// Store is the on-disk state file. All methods are safe for concurrent use;
// every mutating method persists before returning.
type Store struct {
	path string

	mu sync.Mutex
	st fileState
}

// Open loads the state file at path, creating an empty one (and its parent
// directory) when missing. A corrupt file is treated as empty rather than
// blocking startup; the WAL's durable text layer remains the audit trail.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state: creating directory: %w", err)
	}

	s := &Store{path: path}
	s.st.WAL.NextSeq = 1

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("state: reading %s: %w", path, err)
	}

	var loaded fileState
	if err := json.Unmarshal(data, &loaded); err == nil {
		s.st = loaded
		if s.st.WAL.NextSeq == 0 {
			s.st.WAL.NextSeq = 1
		}
	}
	return s, nil
}

// Path returns the location of the state file, for backup snapshots.
func (s *Store) Path() string { return s.path }

// Append stages a mutation in the WAL and persists it durably before
// returning. The returned sequence number identifies the entry for
// MarkFlushed.
func (s *Store) Append(op Op, record types.Memory) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.st.WAL.NextSeq
	s.st.WAL.NextSeq++
	s.st.WAL.Pending = append(s.st.WAL.Pending, WALEntry{
		Seq:        seq,
		Op:         op,
		Record:     record,
		AppendedAt: time.Now().UTC(),
	})
	if err := s.save(); err != nil {
		return 0, err
	}
	return seq, nil
}

// Pending returns the unflushed WAL entries in append order.
func (s *Store) Pending() []WALEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WALEntry, len(s.st.WAL.Pending))
	copy(out, s.st.WAL.Pending)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// MarkFlushed removes a WAL entry after its mutation has been confirmed by
// the text and graph layers. Unknown sequence numbers are ignored so replay
// is idempotent.
func (s *Store) MarkFlushed(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.st.WAL.Pending[:0]
	for _, e := range s.st.WAL.Pending {
		if e.Seq != seq {
			kept = append(kept, e)
		}
	}
	s.st.WAL.Pending = kept
	now := time.Now().UTC()
	s.st.WAL.LastFlush = &now
	return s.save()
}

// PendingCount returns the number of unflushed WAL entries.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.WAL.Pending)
}

// StartSession records a new open session.
func (s *Store) StartSession(id, project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.st.Session = SessionState{ID: id, Project: project, StartedAt: &now}
	return s.save()
}

// CloseSession clears the open session and returns its final state.
func (s *Store) CloseSession() (SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	closed := s.st.Session
	s.st.Session = SessionState{}
	return closed, s.save()
}

// Session returns the current session state.
func (s *Store) Session() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Session
}

// BumpMutations increments the open session's mutation count.
func (s *Store) BumpMutations() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Session.Mutations++
	return s.save()
}

// RecordDrain updates queue health after a drain attempt. A success resets
// the consecutive failure count.
func (s *Store) RecordDrain(success bool, remaining int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.st.Queue.LastDrainAttempt = &now
	s.st.Queue.PendingCount = remaining
	if success {
		s.st.Queue.ConsecutiveFailures = 0
		s.st.Queue.LastSuccess = &now
	} else {
		s.st.Queue.ConsecutiveFailures++
	}
	return s.save()
}

// Queue returns the current queue health counters.
func (s *Store) Queue() QueueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Queue
}

// MarkMemoryStored bumps the lifetime memory counter.
func (s *Store) MarkMemoryStored() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.st.Stats.TotalMemories++
	s.st.Stats.LastMemoryAt = &now
	return s.save()
}

// MarkSearch bumps the lifetime search counter.
func (s *Store) MarkSearch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Stats.TotalSearches++
	return s.save()
}

// MarkRecall bumps the lifetime recall counter.
func (s *Store) MarkRecall() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.Stats.TotalRecalls++
	return s.save()
}

// Stats returns the lifetime counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.Stats
}

// save writes the state file atomically: marshal to a temp file in the same
// directory, fsync, then rename over the old file. Callers hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("state: creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: replacing state file: %w", err)
	}
	return nil
}
