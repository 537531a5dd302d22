// Package storage defines the contracts shared by the engram storage
// layers: the required graph layer, the always-available text log, and the
// optional vector index. Each layer is swappable behind its interface, and
// the engine applies a uniform fail-open/fail-closed policy per layer
// rather than per call site.
package storage

import (
	"errors"
	"time"

	"github.com/engramdb/engram/pkg/types"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates malformed or missing request fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLayerUnavailable indicates a storage layer is unreachable. For
	// the graph layer this is fatal to writes; for the vector layer it
	// triggers fail-open queueing instead.
	ErrLayerUnavailable = errors.New("storage layer unavailable")
)

// ScoredMemory is a search hit from one layer, with its normalized score
// (0-1) and a provenance tag naming the layer and match kind.
type ScoredMemory struct {
	Memory types.Memory
	Score  float64
	Source string
}

// Filters narrows reads. Zero values mean no constraint.
type Filters struct {
	Project          string
	Type             types.MemoryType
	MinImportance    int
	IncludeForgotten bool
}

// ListOptions provides pagination and sorting for list operations.
type ListOptions struct {
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
	Project   string
	Type      types.MemoryType
}

// Normalize applies defaults and whitelists the sort field so caller input
// can never reach SQL unchecked.
func (o *ListOptions) Normalize() {
	allowedSortFields := map[string]bool{
		"created":    true,
		"updated":    true,
		"importance": true,
		"confidence": true,
	}
	if !allowedSortFields[o.SortBy] {
		o.SortBy = "created"
	}
	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		o.SortOrder = "desc"
	}
	if o.Page < 1 {
		o.Page = 1
	}
	if o.PageSize < 1 {
		o.PageSize = 20
	}
	if o.PageSize > 100 {
		o.PageSize = 100
	}
}

// Offset calculates the row offset for the current page.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.PageSize
}

// Page is one page of results with pagination metadata.
type Page[T any] struct {
	Items      []T
	Total      int
	PageNum    int
	PageSize   int
	TotalPages int
}

// UpdateFields carries a partial update; nil fields are left unchanged.
type UpdateFields struct {
	Content    *string
	Summary    *string
	Type       *types.MemoryType
	Importance *int
	Confidence *float64
	DecayDays  *int
	Project    *string
}

// Names lists the non-nil fields, for the update result payload.
func (u *UpdateFields) Names() []string {
	var names []string
	if u.Content != nil {
		names = append(names, "content")
	}
	if u.Summary != nil {
		names = append(names, "summary")
	}
	if u.Type != nil {
		names = append(names, "type")
	}
	if u.Importance != nil {
		names = append(names, "importance")
	}
	if u.Confidence != nil {
		names = append(names, "confidence")
	}
	if u.DecayDays != nil {
		names = append(names, "decayDays")
	}
	if u.Project != nil {
		names = append(names, "project")
	}
	return names
}

// PruneCriteria configures a maintenance sweep in the graph layer.
type PruneCriteria struct {
	// Now is the reference time for decay evaluation.
	Now time.Time

	// MaxAgeDays, when non-nil, prunes active decaying records older than
	// this many days even if their own decay horizon has not passed.
	// Permanent records (decayDays null) are never touched by this rule.
	MaxAgeDays *int

	// MinImportance, when non-nil, prunes active records below this
	// importance regardless of decay settings.
	MinImportance *int
}
