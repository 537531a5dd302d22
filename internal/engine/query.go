package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/engramdb/engram/internal/storage"
	"github.com/engramdb/engram/pkg/types"
)

const (
	defaultSearchLimit     = 10
	defaultRecallLimit     = 20
	defaultSummarizeLimit  = 50
	defaultAutoRecallLimit = 5

	// autoRecallMinImportance is the default salience floor for per-turn
	// context injection.
	autoRecallMinImportance = 3
)

// Search fans the query out to every reachable layer in parallel, merges
// the hits by record id, applies the liveness post-filter, and ranks by
// merged score. A record returned by both layers keeps the higher score
// and both provenance tags.
func (e *Engine) Search(ctx context.Context, req types.SearchRequest) (*types.SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query is required", storage.ErrInvalidInput)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	filters := storage.Filters{
		Project: req.Project,
		Type:    types.MemoryType(req.Type),
	}

	layerCtx, cancel := context.WithTimeout(ctx, e.cfg.Engine.LayerTimeout)
	defer cancel()

	type graphOut struct {
		hits []storage.ScoredMemory
		err  error
	}
	type vectorOut struct {
		hits []vectorHit
		err  error
	}

	graphCh := make(chan graphOut, 1)
	vectorCh := make(chan vectorOut, 1)

	go func() {
		hits, err := e.graph.Search(layerCtx, req.Query, filters, limit)
		graphCh <- graphOut{hits, err}
	}()
	go func() {
		if e.index == nil || !e.index.Available(layerCtx) {
			vectorCh <- vectorOut{}
			return
		}
		hits, err := e.semanticSearch(layerCtx, req.Query, filters, limit)
		vectorCh <- vectorOut{hits, err}
	}()

	gr := <-graphCh
	vr := <-vectorCh
	if gr.err != nil && vr.err != nil {
		return nil, fmt.Errorf("no layer answered the query: graph: %v; vector: %v", gr.err, vr.err)
	}
	if gr.err != nil {
		e.logger.Warn("graph layer search failed, degrading to vector only", zap.Error(gr.err))
	}
	if vr.err != nil {
		e.logger.Debug("vector layer search failed", zap.Error(vr.err))
	}

	now := time.Now().UTC()
	merged := map[string]*types.SearchHit{}
	sources := map[string]int{}

	for _, hit := range gr.hits {
		m := hit.Memory
		if !m.IsActive(now) {
			continue
		}
		sh := &types.SearchHit{
			ID:         m.ID,
			Score:      hit.Score,
			Sources:    strings.Split(hit.Source, ","),
			Content:    m.Content,
			Summary:    m.Summary,
			Type:       m.Type,
			Importance: m.Importance,
			Confidence: m.Confidence,
			Project:    m.Project,
			Created:    m.Created,
		}
		merged[m.ID] = sh
		sources["graph"]++
	}
	for _, hit := range vr.hits {
		m := hit.memory
		if !m.IsActive(now) {
			continue
		}
		sources["vector"]++
		if existing, ok := merged[m.ID]; ok {
			if hit.score > existing.Score {
				existing.Score = hit.score
			}
			existing.Sources = append(existing.Sources, "vector")
			continue
		}
		merged[m.ID] = &types.SearchHit{
			ID:         m.ID,
			Score:      hit.score,
			Sources:    []string{"vector"},
			Content:    m.Content,
			Summary:    m.Summary,
			Type:       m.Type,
			Importance: m.Importance,
			Confidence: m.Confidence,
			Project:    m.Project,
			Created:    m.Created,
		}
	}

	results := make([]types.SearchHit, 0, len(merged))
	for _, sh := range merged {
		if req.MinConfidence > 0 && sh.Confidence < req.MinConfidence {
			continue
		}
		results = append(results, *sh)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Created.After(results[j].Created)
	})
	if len(results) > limit {
		results = results[:limit]
	}

	if err := e.state.MarkSearch(); err != nil {
		e.logger.Warn("bumping search counter failed", zap.Error(err))
	}
	return &types.SearchResult{Results: results, Count: len(results), Sources: sources}, nil
}

type vectorHit struct {
	memory types.Memory
	score  float64
}

// semanticSearch queries the vector index and hydrates the hits from the
// graph layer, which also enforces liveness and the request filters. Hits
// whose record is inactive or filtered out are dropped.
func (e *Engine) semanticSearch(ctx context.Context, query string, f storage.Filters, limit int) ([]vectorHit, error) {
	results, err := e.index.Query(ctx, query, limit*2)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	active, err := e.graph.FilterActiveIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	var hits []vectorHit
	for _, r := range results {
		if !active[r.ID] {
			continue
		}
		m, err := e.graph.Get(ctx, r.ID, false)
		if err != nil {
			continue
		}
		if f.Project != "" && m.Project != f.Project {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		hits = append(hits, vectorHit{memory: *m, score: r.Score})
	}
	return hits, nil
}

// List returns a page of active records.
func (e *Engine) List(ctx context.Context, req types.ListRequest) (*types.ListResult, error) {
	page, err := e.graph.List(ctx, storage.ListOptions{
		Page:      req.Page,
		PageSize:  req.PageSize,
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
		Project:   req.Project,
		Type:      types.MemoryType(req.Type),
	})
	if err != nil {
		return nil, err
	}
	return &types.ListResult{
		Results:    page.Items,
		Total:      page.Total,
		Page:       page.PageNum,
		PageSize:   page.PageSize,
		TotalPages: page.TotalPages,
	}, nil
}

// Recall retrieves records by id or by filter, newest first. Forgotten
// records are excluded unless explicitly included.
func (e *Engine) Recall(ctx context.Context, req types.RecallRequest) (*types.RecallResult, error) {
	defer func() {
		if err := e.state.MarkRecall(); err != nil {
			e.logger.Warn("bumping recall counter failed", zap.Error(err))
		}
	}()

	if req.ID != "" {
		m, err := e.graph.Get(ctx, req.ID, req.IncludeForgotten)
		if err != nil {
			return nil, err
		}
		if !req.IncludeForgotten && !m.IsActive(time.Now().UTC()) {
			return nil, fmt.Errorf("%w: memory %s", storage.ErrNotFound, req.ID)
		}
		return &types.RecallResult{Results: []types.Memory{*m}, Count: 1}, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultRecallLimit
	}
	memories, err := e.graph.Recall(ctx, storage.Filters{
		Project:          req.Project,
		Type:             types.MemoryType(req.Type),
		IncludeForgotten: req.IncludeForgotten,
	}, limit)
	if err != nil {
		return nil, err
	}
	return &types.RecallResult{Results: memories, Count: len(memories)}, nil
}

// AutoRecall builds the bounded context block injected at turn start:
// standing instructions first, then records ranked by importance, greedily
// concatenated until the byte budget would be exceeded. A formatted entry
// is never split.
func (e *Engine) AutoRecall(ctx context.Context, req types.AutoRecallRequest) (*types.AutoRecallResult, error) {
	minImportance := req.MinImportance
	if minImportance <= 0 {
		minImportance = autoRecallMinImportance
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultAutoRecallLimit
	}
	budget := req.BudgetBytes
	if budget <= 0 {
		budget = e.cfg.Engine.RecallBudgetBytes
	}

	instructions, err := e.graph.Instructions(ctx, req.Project)
	if err != nil {
		return nil, err
	}
	memories, err := e.graph.AutoRecall(ctx, req.Project, minImportance, limit)
	if err != nil {
		return nil, err
	}

	result := &types.AutoRecallResult{}
	var b strings.Builder

	appendEntry := func(entry string) bool {
		if b.Len()+len(entry) > budget {
			result.Truncated = true
			return false
		}
		b.WriteString(entry)
		return true
	}

	if len(instructions) > 0 {
		if appendEntry("## Standing instructions\n") {
			for _, m := range instructions {
				if !appendEntry(formatRecallEntry(&m)) {
					break
				}
				result.Instructions = append(result.Instructions, m)
			}
		}
	}
	if len(memories) > 0 && !result.Truncated {
		if appendEntry("## Relevant memories\n") {
			for _, m := range memories {
				if !appendEntry(formatRecallEntry(&m)) {
					break
				}
				result.Memories = append(result.Memories, m)
			}
		}
	}

	result.Context = b.String()
	result.Count = len(result.Instructions) + len(result.Memories)
	return result, nil
}

func formatRecallEntry(m *types.Memory) string {
	return fmt.Sprintf("- [%s] %s (importance %d)\n", m.Type, m.DeriveSummary(), m.Importance)
}

// Summarize groups active records by type, optionally narrowed by a
// fulltext topic.
func (e *Engine) Summarize(ctx context.Context, req types.SummarizeRequest) (*types.SummarizeResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultSummarizeLimit
	}

	var memories []types.Memory
	if strings.TrimSpace(req.Topic) != "" {
		hits, err := e.graph.Search(ctx, req.Topic, storage.Filters{Project: req.Project}, limit)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			memories = append(memories, h.Memory)
		}
	} else {
		var err error
		memories, err = e.graph.Recall(ctx, storage.Filters{Project: req.Project}, limit)
		if err != nil {
			return nil, err
		}
	}

	groups := map[types.MemoryType][]types.Memory{}
	for _, m := range memories {
		groups[m.Type] = append(groups[m.Type], m)
	}
	return &types.SummarizeResult{Groups: groups, TotalCount: len(memories)}, nil
}

// Instructions lists active standing instructions, highest importance
// first.
func (e *Engine) Instructions(ctx context.Context, project string) (*types.InstructionsResult, error) {
	instructions, err := e.graph.Instructions(ctx, project)
	if err != nil {
		return nil, err
	}
	return &types.InstructionsResult{Instructions: instructions, Count: len(instructions)}, nil
}

// Entities lists known entities with their active-record counts.
func (e *Engine) Entities(ctx context.Context, limit int) (*types.EntitiesResult, error) {
	entities, err := e.graph.Entities(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &types.EntitiesResult{Entities: entities, Count: len(entities)}, nil
}
