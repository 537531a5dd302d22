package vector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PendingDoc is one record awaiting embedding, persisted as a JSONL line so
// the queue survives restarts.
type PendingDoc struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	QueuedAt time.Time      `json:"queuedAt"`
}

// Queue is the durable pending-embedding queue, one JSON object per line.
// Enqueue appends; Remove rewrites the file without the drained entries.
type Queue struct {
	path string

	mu sync.Mutex
}

// NewQueue opens the queue file at path, creating the parent directory as
// needed.
func NewQueue(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("vector: creating queue directory: %w", err)
	}
	return &Queue{path: path}, nil
}

// Enqueue appends a record to the queue. An id already present is replaced
// so re-queueing after a content update never leaves a stale entry.
func (q *Queue) Enqueue(doc PendingDoc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	docs, err := q.readAll()
	if err != nil {
		return err
	}

	replaced := false
	for i := range docs {
		if docs[i].ID == doc.ID {
			docs[i] = doc
			replaced = true
			break
		}
	}
	if !replaced {
		docs = append(docs, doc)
	}
	return q.writeAll(docs)
}

// Pending returns the queued records in enqueue order.
func (q *Queue) Pending() ([]PendingDoc, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readAll()
}

// Len returns the number of queued records.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	docs, err := q.readAll()
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Remove drops the given ids from the queue.
func (q *Queue) Remove(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	docs, err := q.readAll()
	if err != nil {
		return err
	}
	kept := docs[:0]
	for _, d := range docs {
		if !drop[d.ID] {
			kept = append(kept, d)
		}
	}
	return q.writeAll(kept)
}

// readAll loads the queue file. Corrupt lines are skipped rather than
// poisoning the whole queue. Callers hold q.mu.
func (q *Queue) readAll() ([]PendingDoc, error) {
	f, err := os.Open(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("vector: opening queue: %w", err)
	}
	defer f.Close()

	var docs []PendingDoc
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var d PendingDoc
		if err := json.Unmarshal(line, &d); err != nil {
			continue
		}
		docs = append(docs, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("vector: reading queue: %w", err)
	}
	return docs, nil
}

// writeAll atomically replaces the queue file. Callers hold q.mu.
func (q *Queue) writeAll(docs []PendingDoc) error {
	tmp, err := os.CreateTemp(filepath.Dir(q.path), ".queue-*.tmp")
	if err != nil {
		return fmt.Errorf("vector: creating temp queue: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("vector: encoding queue entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("vector: flushing queue: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("vector: syncing queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vector: closing queue: %w", err)
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("vector: replacing queue: %w", err)
	}
	return nil
}
