package memora

import (
	"context"
	"fmt"
	"time"

	"github.com/memora-labs/memora/internal/graph"
	"github.com/memora-labs/memora/internal/model"
	"github.com/memora-labs/memora/internal/vector"
)

// indexMutation is the index-side mirror of one committed graph transaction.
type indexMutation struct {
	upserts  []vector.Entry
	deletes  []string
	dropUser bool
}

func (m indexMutation) empty() bool {
	return len(m.upserts) == 0 && len(m.deletes) == 0 && !m.dropUser
}

// applyIndex replays a mutation against the similarity index with bounded
// retries. The graph transaction has already committed when this runs, so an
// exhausted retry budget reports ErrConsistency instead of rolling anything
// back; Reconcile converges the index later.
func (c *Client) applyIndex(ctx context.Context, scope model.Scope, m indexMutation) error {
	if m.empty() {
		return nil
	}

	var err error
	backoff := c.indexBackoff
	for attempt := 0; attempt <= c.indexRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying index mutation",
				"attempt", attempt, "org_id", scope.OrgID, "user_id", scope.UserID, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if err = c.tryIndex(ctx, scope, m); err == nil {
			return nil
		}
	}

	c.logger.Error("index diverged from graph store",
		"org_id", scope.OrgID, "user_id", scope.UserID, "error", err)
	return fmt.Errorf("index mutation after %d retries: %v: %w",
		c.indexRetries, err, model.ErrConsistency)
}

func (c *Client) tryIndex(ctx context.Context, scope model.Scope, m indexMutation) error {
	if m.dropUser {
		if err := c.index.DeleteUser(ctx, scope.OrgID, scope.UserID); err != nil {
			return err
		}
	}
	if err := c.index.Delete(ctx, m.deletes); err != nil {
		return err
	}
	return c.index.Upsert(ctx, m.upserts)
}

// mutationFor builds the index mirror of a graph removal: deleted ids leave
// the index, promoted predecessors re-enter it.
func (c *Client) mutationFor(scope model.Scope, removal *graph.Removal) indexMutation {
	m := indexMutation{deletes: removal.Removed}
	for _, p := range removal.Promoted {
		m.upserts = append(m.upserts, entryFor(scope, p))
	}
	return m
}

func entryFor(scope model.Scope, mem model.Memory) vector.Entry {
	agentID := mem.AgentID
	if agentID == "" {
		agentID = scope.AgentID
	}
	return vector.Entry{
		MemoryID: mem.MemoryID,
		OrgID:    scope.OrgID,
		UserID:   scope.UserID,
		AgentID:  agentID,
		Content:  mem.Content,
	}
}

// Reconcile replays the graph store's set of current memories onto the index
// for one user: stale entries are dropped and every current memory is
// re-upserted. It is idempotent and safe to run any time.
func (c *Client) Reconcile(ctx context.Context, scope model.Scope) error {
	current, err := c.graph.CurrentMemories(ctx, scope)
	if err != nil {
		return err
	}
	indexed, err := c.index.ListIDs(ctx, scope.OrgID, scope.UserID)
	if err != nil {
		return err
	}

	want := make(map[string]bool, len(current))
	m := indexMutation{}
	for _, mem := range current {
		want[mem.MemoryID] = true
		m.upserts = append(m.upserts, entryFor(scope, mem))
	}
	for _, id := range indexed {
		if !want[id] {
			m.deletes = append(m.deletes, id)
		}
	}

	c.logger.Info("reconciling index",
		"org_id", scope.OrgID, "user_id", scope.UserID,
		"current", len(current), "stale", len(m.deletes))
	return c.applyIndex(ctx, scope, m)
}
