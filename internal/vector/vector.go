// Package vector maintains the similarity index over current memories. The
// index is a derived projection of the graph store: it can always be rebuilt
// and is never consulted as a source of truth.
package vector

import "context"

const (
	// DefaultMinScore is the cosine floor below which a dense candidate is
	// considered noise and dropped before fusion.
	DefaultMinScore = 0.35

	// DefaultRRFK is the standard reciprocal-rank-fusion constant.
	DefaultRRFK = 60
)

// SearchScope selects the tenant slice a query runs over.
type SearchScope int

const (
	// ScopeUser searches only the user's own memories.
	ScopeUser SearchScope = iota
	// ScopeOrganization searches across every user in the organization.
	ScopeOrganization
)

// Entry is one indexed memory. Content carries the raw placeholder form so
// the vector stays stable across display-name changes.
type Entry struct {
	MemoryID string
	OrgID    string
	UserID   string
	AgentID  string
	Content  string
}

// Query describes one similarity search.
type Query struct {
	OrgID   string
	UserID  string
	AgentID string // optional; restricts to one agent's memories
	Scope   SearchScope
	Text    string
	TopK    int
	// MinScore is the dense admission floor. Zero means DefaultMinScore;
	// negative disables the floor.
	MinScore float64
	Exclude  []string
}

// Hit is one scored search result. OrgID/UserID name the owning tenant so
// organization-scope hits can be resolved against the owner's graph slice,
// not the caller's.
type Hit struct {
	MemoryID string
	OrgID    string
	UserID   string
	Score    float64
}

// Fuser merges per-channel rankings into one. Input rankings are ordered
// best first; the output is ordered by fused score descending.
type Fuser interface {
	Fuse(rankings ...[]Hit) []Hit
}

// Index is the similarity side of the dual store.
type Index interface {
	// Upsert inserts or replaces entries. Replacing re-embeds the content.
	Upsert(ctx context.Context, entries []Entry) error
	// Delete removes entries by memory id. Missing ids are not an error.
	Delete(ctx context.Context, memoryIDs []string) error
	// DeleteUser removes every entry belonging to the user.
	DeleteUser(ctx context.Context, orgID, userID string) error
	// ListIDs returns the memory ids currently indexed for the user; the
	// reconciliation pass diffs this against the graph store.
	ListIDs(ctx context.Context, orgID, userID string) ([]string, error)
	// Search runs a hybrid dense+sparse query and returns fused hits.
	Search(ctx context.Context, q Query) ([]Hit, error)
	Close() error
}
