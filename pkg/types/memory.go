// Package types defines the core entities of the engram memory system:
// memory records, entities, sessions, and the request/response payloads
// exchanged with the engine.
package types

import (
	"fmt"
	"strings"
	"time"
)

// MemoryType classifies a memory record. The set is closed: unknown values
// are rejected at validation time and auto-classification falls back to
// TypeInfo.
type MemoryType string

const (
	TypeInstruction MemoryType = "instruction"
	TypeDecision    MemoryType = "decision"
	TypePreference  MemoryType = "preference"
	TypeLearning    MemoryType = "learning"
	TypeTask        MemoryType = "task"
	TypeProgress    MemoryType = "progress"
	TypeQuestion    MemoryType = "question"
	TypeNote        MemoryType = "note"
	TypeInfo        MemoryType = "info"
)

// MemoryTypes lists every valid memory type.
var MemoryTypes = []MemoryType{
	TypeInstruction, TypeDecision, TypePreference, TypeLearning,
	TypeTask, TypeProgress, TypeQuestion, TypeNote, TypeInfo,
}

// Valid reports whether t is one of the closed set of memory types.
func (t MemoryType) Valid() bool {
	for _, known := range MemoryTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Default scoring values applied when the caller leaves them unset.
const (
	DefaultImportance = 5
	DefaultConfidence = 0.8
)

// SummaryMaxLen caps auto-derived summaries (first N bytes of content).
const SummaryMaxLen = 200

// Memory is a single typed memory record. It is the unit replicated across
// the text, graph, and vector layers; the ID is assigned once at creation
// and is identical in every layer.
type Memory struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Summary string     `json:"summary,omitempty"`
	Type    MemoryType `json:"type"`

	// Importance is author-assigned salience, 1-10.
	Importance int `json:"importance"`

	// Confidence is certainty of the fact, 0.0-1.0. 1.0 means explicitly
	// stated; below 0.5 is speculative.
	Confidence float64 `json:"confidence"`

	// DecayDays is an optional time-to-live in days from Created.
	// nil means the record is permanent.
	DecayDays *int `json:"decayDays,omitempty"`

	// Soft-delete marker. Forgotten records are excluded from every read
	// path unless explicitly requested, but are never physically erased.
	Forgotten    bool       `json:"forgotten,omitempty"`
	DeleteReason string     `json:"deleteReason,omitempty"`
	ForgottenAt  *time.Time `json:"forgottenAt,omitempty"`

	// Supersedes back-references the record this one replaces.
	Supersedes string `json:"supersedes,omitempty"`

	Project  string   `json:"project,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Entities []string `json:"entities,omitempty"`

	SessionID       string `json:"sessionId,omitempty"`
	SourceChannel   string `json:"sourceChannel,omitempty"`
	SourceMessageID string `json:"sourceMessageId,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// IsActive is the single liveness predicate applied on every read path:
// a record is active when it is not forgotten and its decay horizon (if
// any) has not passed. Liveness is recomputed from (now, created,
// decayDays, forgotten) on every call and never cached.
func (m *Memory) IsActive(now time.Time) bool {
	if m.Forgotten {
		return false
	}
	if m.DecayDays == nil {
		return true
	}
	return !now.After(m.Created.AddDate(0, 0, *m.DecayDays))
}

// ExpiresAt returns the decay deadline, or false when the record is
// permanent.
func (m *Memory) ExpiresAt() (time.Time, bool) {
	if m.DecayDays == nil {
		return time.Time{}, false
	}
	return m.Created.AddDate(0, 0, *m.DecayDays), true
}

// Validate checks the invariants a record must satisfy before it is
// admitted to the write-ahead log.
func (m *Memory) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("content is required")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("unknown memory type %q", m.Type)
	}
	if m.Importance < 1 || m.Importance > 10 {
		return fmt.Errorf("importance must be between 1 and 10, got %d", m.Importance)
	}
	if m.Confidence < 0.0 || m.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %g", m.Confidence)
	}
	if m.DecayDays != nil && *m.DecayDays <= 0 {
		return fmt.Errorf("decayDays must be positive, got %d", *m.DecayDays)
	}
	return nil
}

// DeriveSummary returns the stored summary, or the first SummaryMaxLen
// bytes of content when no summary was supplied.
func (m *Memory) DeriveSummary() string {
	if m.Summary != "" {
		return m.Summary
	}
	if len(m.Content) <= SummaryMaxLen {
		return m.Content
	}
	return m.Content[:SummaryMaxLen]
}

// Entity is a named topic, person, or tool extracted from record content.
// Identity is the normalized name; MemoryCount is derived at query time.
type Entity struct {
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	MemoryCount int      `json:"memoryCount"`
	Types       []string `json:"types,omitempty"`
}

// Session represents one lifetime of the calling agent. It scopes WAL
// recovery and audit, not record ownership.
type Session struct {
	ID        string     `json:"id"`
	Project   string     `json:"project,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Mutations int        `json:"mutations"`
}
