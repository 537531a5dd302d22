package types

import "time"

// StoreRequest is the input to the store operation. Zero-valued optional
// fields are filled with defaults or derived from content.
type StoreRequest struct {
	Content         string   `json:"content"`
	Summary         string   `json:"summary,omitempty"`
	Type            string   `json:"type,omitempty"`
	Importance      int      `json:"importance,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	DecayDays       *int     `json:"decayDays,omitempty"`
	Supersedes      string   `json:"supersedes,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Entities        []string `json:"entities,omitempty"`
	Project         string   `json:"project,omitempty"`
	SourceChannel   string   `json:"sourceChannel,omitempty"`
	SourceMessageID string   `json:"sourceMessageId,omitempty"`
}

// LayerStatus reports which layers accepted a write.
type LayerStatus struct {
	Text   bool `json:"text"`
	Graph  bool `json:"graph"`
	Vector bool `json:"vector"`
	Queued bool `json:"queued"`
}

// StoreResult is the outcome of a store. When Skipped is true the content
// was rejected as a near-duplicate of ExistingID and no record was created.
type StoreResult struct {
	ID         string      `json:"id,omitempty"`
	Type       MemoryType  `json:"type,omitempty"`
	Importance int         `json:"importance,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	DecayDays  *int        `json:"decayDays,omitempty"`
	Supersedes string      `json:"supersedes,omitempty"`
	Entities   []string    `json:"entities,omitempty"`
	Layers     LayerStatus `json:"layers"`

	Skipped    bool    `json:"skipped,omitempty"`
	ExistingID string  `json:"existingId,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// SearchRequest queries all reachable layers.
type SearchRequest struct {
	Query         string  `json:"query"`
	Limit         int     `json:"limit,omitempty"`
	Project       string  `json:"project,omitempty"`
	Type          string  `json:"type,omitempty"`
	MinConfidence float64 `json:"minConfidence,omitempty"`
}

// SearchHit is one ranked search result with provenance.
type SearchHit struct {
	ID         string     `json:"id"`
	Score      float64    `json:"score"`
	Sources    []string   `json:"sources"`
	Content    string     `json:"content"`
	Summary    string     `json:"summary,omitempty"`
	Type       MemoryType `json:"type"`
	Importance int        `json:"importance"`
	Confidence float64    `json:"confidence"`
	Project    string     `json:"project,omitempty"`
	Created    time.Time  `json:"created"`
}

// SearchResult holds merged hits plus per-layer contribution counts.
type SearchResult struct {
	Results []SearchHit    `json:"results"`
	Count   int            `json:"count"`
	Sources map[string]int `json:"sources"`
}

// UpdateRequest mutates an existing record. Nil fields are left unchanged.
type UpdateRequest struct {
	ID         string   `json:"id"`
	Content    *string  `json:"content,omitempty"`
	Summary    *string  `json:"summary,omitempty"`
	Type       *string  `json:"type,omitempty"`
	Importance *int     `json:"importance,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	DecayDays  *int     `json:"decayDays,omitempty"`
	Project    *string  `json:"project,omitempty"`
}

// UpdateResult names the fields that were changed.
type UpdateResult struct {
	ID     string   `json:"id"`
	Fields []string `json:"fields"`
}

// ForgetRequest soft-deletes a record by id, or by query (top match).
type ForgetRequest struct {
	ID     string `json:"id,omitempty"`
	Query  string `json:"query,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ForgetResult reports the soft-deleted record.
type ForgetResult struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// ListRequest is a paginated browse over active records.
type ListRequest struct {
	Page      int    `json:"page,omitempty"`
	PageSize  int    `json:"pageSize,omitempty"`
	SortBy    string `json:"sortBy,omitempty"`
	SortOrder string `json:"sortOrder,omitempty"`
	Project   string `json:"project,omitempty"`
	Type      string `json:"type,omitempty"`
}

// ListResult is one page of records.
type ListResult struct {
	Results    []Memory `json:"results"`
	Total      int      `json:"total"`
	Page       int      `json:"page"`
	PageSize   int      `json:"pageSize"`
	TotalPages int      `json:"totalPages"`
}

// RecallRequest retrieves records by id or filter.
type RecallRequest struct {
	ID               string `json:"id,omitempty"`
	Type             string `json:"type,omitempty"`
	Project          string `json:"project,omitempty"`
	Limit            int    `json:"limit,omitempty"`
	IncludeForgotten bool   `json:"includeForgotten,omitempty"`
}

// RecallResult holds the matched records.
type RecallResult struct {
	Results []Memory `json:"results"`
	Count   int      `json:"count"`
}

// AutoRecallRequest builds a bounded context block for per-turn injection.
type AutoRecallRequest struct {
	Project       string `json:"project,omitempty"`
	MinImportance int    `json:"minImportance,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	BudgetBytes   int    `json:"budgetBytes,omitempty"`
}

// AutoRecallResult carries the formatted context plus the records included.
type AutoRecallResult struct {
	Context      string   `json:"context"`
	Instructions []Memory `json:"instructions"`
	Memories     []Memory `json:"memories"`
	Count        int      `json:"count"`
	Truncated    bool     `json:"truncated,omitempty"`
}

// SummarizeRequest groups active records by type, optionally filtered by a
// fulltext topic.
type SummarizeRequest struct {
	Topic   string `json:"topic,omitempty"`
	Project string `json:"project,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// SummarizeResult groups records by their type tag.
type SummarizeResult struct {
	Groups     map[MemoryType][]Memory `json:"groups"`
	TotalCount int                     `json:"totalCount"`
}

// InstructionsResult lists active standing instructions.
type InstructionsResult struct {
	Instructions []Memory `json:"instructions"`
	Count        int      `json:"count"`
}

// EntitiesResult lists known entities with their link counts.
type EntitiesResult struct {
	Entities []Entity `json:"entities"`
	Count    int      `json:"count"`
}

// MaintainRequest configures the maintenance sweep. Nil rules are skipped.
type MaintainRequest struct {
	MaxAgeDays    *int `json:"maxAgeDays,omitempty"`
	MinImportance *int `json:"minImportance,omitempty"`
}

// MaintainResult reports what the sweep removed.
type MaintainResult struct {
	Pruned         int `json:"pruned"`
	OrphansRemoved int `json:"orphansRemoved"`
}

// DrainResult reports one pending-embedding queue drain attempt.
type DrainResult struct {
	Processed int    `json:"processed"`
	Remaining int    `json:"remaining"`
	Status    string `json:"status"`
}

// Overview is the lightweight summary returned when a session opens.
type Overview struct {
	TotalMemories     int            `json:"totalMemories"`
	CountsByType      map[string]int `json:"countsByType,omitempty"`
	TopEntities       []Entity       `json:"topEntities,omitempty"`
	Projects          []string       `json:"projects,omitempty"`
	PendingEmbeddings int            `json:"pendingEmbeddings"`
}

// OpenSessionRequest starts (or resumes) a session.
type OpenSessionRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Project   string `json:"project,omitempty"`
}

// OpenSessionResult reports WAL recovery and the store overview.
type OpenSessionResult struct {
	SessionID    string      `json:"sessionId"`
	WALRecovered int         `json:"walRecovered"`
	QueueDrain   DrainResult `json:"queueDrain"`
	Overview     Overview    `json:"overview"`
}

// CloseSessionResult confirms a session close.
type CloseSessionResult struct {
	SessionID string `json:"sessionId"`
	Closed    bool   `json:"closed"`
}

// FlushResult reports a pre-suspend flush: where the snapshot went and how
// many WAL entries were applied.
type FlushResult struct {
	BackupDir   string   `json:"backupDir"`
	FilesBacked []string `json:"filesBacked"`
	WALFlushed  int      `json:"walFlushed"`
}
