package memora

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/memora-labs/memora/internal/diff"
	"github.com/memora-labs/memora/internal/extract"
	"github.com/memora-labs/memora/internal/graph"
	"github.com/memora-labs/memora/internal/model"
	"github.com/memora-labs/memora/internal/vector"
)

// SaveInteraction persists a new interaction, derives memories from it, and
// mirrors the derived memories into the similarity index. The graph commit
// happens first; if the index cannot be updated the returned result is still
// valid and the error wraps ErrConsistency.
func (c *Client) SaveInteraction(ctx context.Context, scope model.Scope, messages []model.MessageBlock, at time.Time) (*graph.SaveResult, error) {
	messages, err := normalizeMessages(messages)
	if err != nil {
		return nil, err
	}

	ops, mut, err := c.deriveMemories(ctx, scope, messages, 0, at)
	if err != nil {
		return nil, err
	}
	res, err := c.graph.SaveInteraction(ctx, scope, messages, ops, at)
	if err != nil {
		return nil, err
	}
	c.logger.Info("interaction saved",
		"interaction_id", res.InteractionID, "org_id", scope.OrgID, "user_id", scope.UserID,
		"messages", len(messages), "new_memories", len(ops.New), "superseded", len(ops.Supersede))

	if err := c.applyIndex(ctx, scope, mut); err != nil {
		return res, err
	}
	return res, nil
}

// UpdateInteraction diffs the candidate against the stored message chain and
// applies the matching update: identical candidates change nothing, longer
// ones append, diverging ones truncate and rebuild the tail. Memories are
// derived only from the messages past the divergence point.
func (c *Client) UpdateInteraction(ctx context.Context, scope model.Scope, interactionID string, messages []model.MessageBlock, at time.Time) (*graph.SaveResult, error) {
	messages, err := normalizeMessages(messages)
	if err != nil {
		return nil, err
	}
	stored, err := c.graph.GetInteraction(ctx, scope, interactionID, true)
	if err != nil {
		return nil, err
	}

	plan := diff.Compare(stored.Messages, messages)
	if plan.Class == model.UpdateIdentical {
		c.logger.Debug("identical update skipped", "interaction_id", interactionID)
		return &graph.SaveResult{
			InteractionID: interactionID,
			At:            stored.UpdatedAt,
			Class:         model.UpdateIdentical,
		}, nil
	}

	ops, mut, err := c.deriveMemories(ctx, scope, messages[plan.DivergenceIndex:], plan.DivergenceIndex, at)
	if err != nil {
		return nil, err
	}
	res, err := c.graph.UpdateInteraction(ctx, scope, interactionID, messages, plan, ops, at)
	if err != nil {
		return nil, err
	}
	c.logger.Info("interaction updated",
		"interaction_id", interactionID, "class", res.Class.String(),
		"divergence_index", plan.DivergenceIndex, "detached", len(res.Detached))

	if err := c.applyIndex(ctx, scope, mut); err != nil {
		return res, err
	}
	return res, nil
}

// deriveMemories runs extraction over the window and turns the batch into a
// graph plan plus its index mirror. Positions produced by the extractor are
// window-relative; offset rebases them onto the stored chain.
func (c *Client) deriveMemories(ctx context.Context, scope model.Scope, window []model.MessageBlock, offset int, at time.Time) (graph.MemoryOps, indexMutation, error) {
	var ops graph.MemoryOps
	var mut indexMutation
	if c.extractor == nil || len(window) == 0 {
		return ops, mut, nil
	}

	user, err := c.graph.GetUser(ctx, scope.OrgID, scope.UserID)
	if err != nil {
		return ops, mut, err
	}
	agent, err := c.graph.GetAgent(ctx, scope.OrgID, scope.AgentID)
	if err != nil {
		return ops, mut, err
	}
	existing, err := c.graph.CurrentMemories(ctx, scope)
	if err != nil {
		return ops, mut, err
	}

	batch, err := c.extractor.Extract(ctx, extract.Request{
		Messages:     window,
		Existing:     existing,
		UserID:       scope.UserID,
		UserName:     user.Name,
		AgentID:      scope.AgentID,
		AgentLabel:   agent.Label,
		IncludeAgent: agent.UserID != "",
		At:           at,
	})
	if err != nil {
		return ops, mut, err
	}

	known := make(map[string]bool, len(existing))
	for _, m := range existing {
		known[m.MemoryID] = true
	}
	if err := batch.Validate(len(window), known); err != nil {
		return ops, mut, err
	}

	rebase := func(positions []int) []int {
		out := make([]int, len(positions))
		for i, p := range positions {
			out[i] = p + offset
		}
		return out
	}

	for _, cand := range batch.New {
		id := uuid.NewString()
		ops.New = append(ops.New, graph.NewMemory{
			MemoryID:        id,
			Content:         cand.Memory,
			SourcePositions: rebase(cand.SourcePositions),
		})
		mut.upserts = append(mut.upserts, vector.Entry{
			MemoryID: id, OrgID: scope.OrgID, UserID: scope.UserID,
			AgentID: scope.AgentID, Content: cand.Memory,
		})
	}
	for _, contrary := range batch.Contrary {
		id := uuid.NewString()
		ops.Supersede = append(ops.Supersede, graph.Supersession{
			OldMemoryID:     contrary.ContradictsID,
			NewMemoryID:     id,
			Content:         contrary.Memory,
			SourcePositions: rebase(contrary.SourcePositions),
		})
		mut.upserts = append(mut.upserts, vector.Entry{
			MemoryID: id, OrgID: scope.OrgID, UserID: scope.UserID,
			AgentID: scope.AgentID, Content: contrary.Memory,
		})
		// The superseded version is no longer current and leaves the index.
		mut.deletes = append(mut.deletes, contrary.ContradictsID)
	}
	for _, u := range batch.Unchanged {
		// Re-confirmed fact: the memory and its index entry stay; only the
		// newly contributing source links are added.
		ops.Extend = append(ops.Extend, graph.SourceExtension{
			MemoryID:        u.MemoryID,
			SourcePositions: rebase(u.SourcePositions),
		})
	}
	return ops, mut, nil
}

func normalizeMessages(messages []model.MessageBlock) ([]model.MessageBlock, error) {
	out := make([]model.MessageBlock, len(messages))
	for i, m := range messages {
		if m.Role != model.RoleUser && m.Role != model.RoleAgent {
			return nil, model.Validationf("message %d has role %q, want %q or %q",
				i, m.Role, model.RoleUser, model.RoleAgent)
		}
		if m.Content == "" {
			return nil, model.Validationf("message %d has no content", i)
		}
		m.Position = i
		out[i] = m
	}
	return out, nil
}
