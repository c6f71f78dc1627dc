package memora

import (
	"context"
	"sort"
	"time"

	"github.com/memora-labs/memora/internal/model"
	"github.com/memora-labs/memora/internal/vector"
)

// SearchOptions narrows a memory search.
type SearchOptions struct {
	TopK      int
	AgentID   string
	AcrossOrg bool
	// Exclude drops specific memory ids from the results, typically ones the
	// caller already holds in context.
	Exclude []string
	// MinScore overrides the dense admission floor; zero keeps the default.
	MinScore float64
}

func (o SearchOptions) query(scope model.Scope, text string) vector.Query {
	searchScope := vector.ScopeUser
	if o.AcrossOrg {
		searchScope = vector.ScopeOrganization
	}
	return vector.Query{
		OrgID:    scope.OrgID,
		UserID:   scope.UserID,
		AgentID:  o.AgentID,
		Scope:    searchScope,
		Text:     text,
		TopK:     o.TopK,
		MinScore: o.MinScore,
		Exclude:  o.Exclude,
	}
}

// SearchMemories resolves one query against the index and maps the hits back
// to live memories. Hits whose memory vanished or was superseded since
// indexing are dropped rather than surfaced stale.
func (c *Client) SearchMemories(ctx context.Context, scope model.Scope, query string, opts SearchOptions) ([]model.Memory, error) {
	hits, err := c.index.Search(ctx, opts.query(scope, query))
	if err != nil {
		return nil, err
	}
	return c.resolveHits(ctx, scope, hits)
}

// SearchMemoriesAsBatch runs each query separately and returns one result
// list per query, parallel to the input.
func (c *Client) SearchMemoriesAsBatch(ctx context.Context, scope model.Scope, queries []string, opts SearchOptions) ([][]model.Memory, error) {
	out := make([][]model.Memory, len(queries))
	for i, q := range queries {
		memories, err := c.SearchMemories(ctx, scope, q, opts)
		if err != nil {
			return nil, err
		}
		out[i] = memories
	}
	return out, nil
}

// SearchMemoriesAsOne pools every query's hits, keeps each memory's best
// score, and returns one ranked list.
func (c *Client) SearchMemoriesAsOne(ctx context.Context, scope model.Scope, queries []string, opts SearchOptions) ([]model.Memory, error) {
	best := make(map[string]vector.Hit)
	for _, q := range queries {
		hits, err := c.index.Search(ctx, opts.query(scope, q))
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if cur, ok := best[h.MemoryID]; !ok || h.Score > cur.Score {
				best[h.MemoryID] = h
			}
		}
	}

	pooled := make([]vector.Hit, 0, len(best))
	for _, h := range best {
		pooled = append(pooled, h)
	}
	sort.Slice(pooled, func(i, j int) bool {
		if pooled[i].Score != pooled[j].Score {
			return pooled[i].Score > pooled[j].Score
		}
		return pooled[i].MemoryID < pooled[j].MemoryID
	})
	if opts.TopK > 0 && len(pooled) > opts.TopK {
		pooled = pooled[:opts.TopK]
	}
	return c.resolveHits(ctx, scope, pooled)
}

// Recall is the memory context retrieved for one message.
type Recall struct {
	Memories  []model.Memory
	MemoryIDs []string
}

// RecallForMessage expands the latest room message into search queries,
// retrieves the memories relevant to answering it, and, when a memory filter
// is configured, runs a final model-based relevance pass over the pooled
// results. A filter failure keeps the unfiltered list.
func (c *Client) RecallForMessage(ctx context.Context, scope model.Scope, latest string, preceding []string, opts SearchOptions) (*Recall, error) {
	now := time.Now()
	queries, err := c.queries.Queries(ctx, preceding, latest, now)
	if err != nil {
		c.logger.Warn("query generation failed, falling back to the message itself", "error", err)
		queries = nil
	}
	if len(queries) == 0 {
		queries = []string{latest}
	}
	c.logger.Debug("recall queries", "count", len(queries))

	memories, err := c.SearchMemoriesAsOne(ctx, scope, queries, opts)
	if err != nil {
		return nil, err
	}
	memories = c.filterRecalled(ctx, latest, queries, memories, now)

	recall := &Recall{Memories: memories}
	for _, m := range memories {
		recall.MemoryIDs = append(recall.MemoryIDs, m.MemoryID)
	}
	return recall, nil
}

// filterRecalled applies the optional relevance filter, keeping the filter's
// selection order. An empty selection means the model judged nothing
// relevant; a filter error keeps everything.
func (c *Client) filterRecalled(ctx context.Context, latest string, queries []string, memories []model.Memory, at time.Time) []model.Memory {
	if c.filter == nil || len(memories) == 0 {
		return memories
	}
	ids, err := c.filter.Filter(ctx, latest, queries, memories, at)
	if err != nil {
		c.logger.Warn("memory filter failed, keeping unfiltered results", "error", err)
		return memories
	}

	byID := make(map[string]model.Memory, len(memories))
	for _, m := range memories {
		byID[m.MemoryID] = m
	}
	selected := make([]model.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			selected = append(selected, m)
		}
	}
	return selected
}

func (c *Client) resolveHits(ctx context.Context, scope model.Scope, hits []vector.Hit) ([]model.Memory, error) {
	// Organization-scope hits span users; each id must resolve against its
	// owning tenant slice, not the caller's.
	grouped := make(map[model.Scope][]string)
	for _, h := range hits {
		owner := model.Scope{OrgID: h.OrgID, UserID: h.UserID}
		if owner.OrgID == "" {
			owner = model.Scope{OrgID: scope.OrgID, UserID: scope.UserID}
		}
		grouped[owner] = append(grouped[owner], h.MemoryID)
	}

	resolved := make(map[string]model.Memory, len(hits))
	for owner, ids := range grouped {
		memories, err := c.graph.ResolveMemories(ctx, owner, ids)
		if err != nil {
			return nil, err
		}
		for _, m := range memories {
			resolved[m.MemoryID] = m
		}
	}

	out := make([]model.Memory, 0, len(hits))
	for _, h := range hits {
		m, ok := resolved[h.MemoryID]
		if !ok {
			continue
		}
		m.Score = h.Score
		out = append(out, m)
	}
	return out, nil
}
