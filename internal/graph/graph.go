// Package graph provides the relationship store: tenants, interactions,
// message chains, and memory version chains. It is the source of truth for
// version state and provenance; the similarity index is a derived projection.
package graph

import (
	"context"
	"time"

	"github.com/memora-labs/memora/internal/diff"
	"github.com/memora-labs/memora/internal/model"
	"github.com/memora-labs/memora/internal/vector"
)

// NewMemory creates a fresh version chain.
type NewMemory struct {
	MemoryID        string
	Content         string
	SourcePositions []int
}

// Supersession links a new memory as the successor of an existing chain head.
type Supersession struct {
	OldMemoryID     string
	NewMemoryID     string
	Content         string
	SourcePositions []int
}

// SourceExtension adds source links to an existing current memory whose fact
// was re-confirmed without semantic change.
type SourceExtension struct {
	MemoryID        string
	SourcePositions []int
}

// MemoryOps is the version-graph plan applied inside an interaction write.
// Memory ids are assigned by the caller so the index mutation set is known
// before the transaction commits.
type MemoryOps struct {
	New       []NewMemory
	Supersede []Supersession
	Extend    []SourceExtension
}

// Empty reports whether the plan mutates no memory state.
func (o MemoryOps) Empty() bool {
	return len(o.New) == 0 && len(o.Supersede) == 0 && len(o.Extend) == 0
}

// SaveResult reports what an interaction write committed.
type SaveResult struct {
	InteractionID string
	At            time.Time
	Class         model.UpdateClass
	// Detached memory ids that lost one or more source links to truncation.
	Detached []string
}

// ListOptions paginates reads; zero Limit falls back to a store default.
type ListOptions struct {
	Skip  int
	Limit int
}

// Removal reports the memory ids a delete removed from the graph, plus any
// older versions promoted back to current when a chain head was removed
// without its history. The coordinator mirrors both into the index: removed
// ids are deleted, promoted memories re-upserted.
type Removal struct {
	Removed  []string
	Promoted []model.Memory
}

// Store is the graph-side contract the core consumes. Implementations must
// apply each write method as one atomic transaction and surface the
// model error kinds, never raw driver errors.
type Store interface {
	// Tenant records.
	CreateOrganization(ctx context.Context, name string) (*model.Organization, error)
	GetOrganization(ctx context.Context, orgID string) (*model.Organization, error)
	DeleteOrganization(ctx context.Context, orgID string) error
	CreateUser(ctx context.Context, orgID, name string) (*model.User, error)
	GetUser(ctx context.Context, orgID, userID string) (*model.User, error)
	ListUsers(ctx context.Context, orgID string, opts ListOptions) ([]model.User, error)
	DeleteUser(ctx context.Context, orgID, userID string) error
	// CreateAgent with empty userID creates an org-global agent.
	CreateAgent(ctx context.Context, orgID, userID, label string) (*model.Agent, error)
	GetAgent(ctx context.Context, orgID, agentID string) (*model.Agent, error)
	ListAgents(ctx context.Context, orgID, userID string, opts ListOptions) ([]model.Agent, error)
	DeleteAgent(ctx context.Context, orgID, agentID string) error

	// Interactions and their message chains.
	SaveInteraction(ctx context.Context, scope model.Scope, messages []model.MessageBlock, ops MemoryOps, at time.Time) (*SaveResult, error)
	UpdateInteraction(ctx context.Context, scope model.Scope, interactionID string, messages []model.MessageBlock, plan diff.Result, ops MemoryOps, at time.Time) (*SaveResult, error)
	GetInteraction(ctx context.Context, scope model.Scope, interactionID string, withMessages bool) (*model.Interaction, error)
	ListInteractions(ctx context.Context, scope model.Scope, withMessages bool, opts ListOptions) ([]model.Interaction, error)
	InteractionMemories(ctx context.Context, scope model.Scope, interactionID string) ([]model.Memory, error)
	// DeleteInteraction removes the interaction, its messages, and the
	// memories sourced from it, reporting the removed memory ids so the
	// caller can mirror the index.
	DeleteInteraction(ctx context.Context, scope model.Scope, interactionID string) (*Removal, error)
	DeleteAllInteractions(ctx context.Context, scope model.Scope) (*Removal, error)

	// Memory version chains.
	GetMemory(ctx context.Context, scope model.Scope, memoryID string) (*model.Memory, error)
	// MemoryHistory returns the full chain containing memoryID, ordered
	// current first down to the oldest version.
	MemoryHistory(ctx context.Context, scope model.Scope, memoryID string) ([]model.Memory, error)
	// ListMemories returns current versions only, newest first; agentID
	// narrows to memories obtained with that agent.
	ListMemories(ctx context.Context, scope model.Scope, agentID string, opts ListOptions) ([]model.Memory, error)
	// ResolveMemories maps index hits to full current memories. Ids that are
	// missing or resolve to a non-current version are dropped, preserving
	// input order of the survivors.
	ResolveMemories(ctx context.Context, scope model.Scope, memoryIDs []string) ([]model.Memory, error)
	// CurrentMemoryIDs returns every current memory with its content for a
	// user; the reconciliation pass rebuilds the index from it.
	CurrentMemories(ctx context.Context, scope model.Scope) ([]model.Memory, error)
	// DeleteMemory removes the chain head (and with history, every version).
	// Without history the predecessor, if any, is promoted back to current.
	DeleteMemory(ctx context.Context, scope model.Scope, memoryID string, history bool) (*Removal, error)
	DeleteAllMemories(ctx context.Context, scope model.Scope) (*Removal, error)

	// Associated reports the similarity index this store is paired with, or
	// nil when the caller manages both stores manually.
	Associated() vector.Index

	Close() error
}
