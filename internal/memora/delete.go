package memora

import (
	"context"

	"github.com/memora-labs/memora/internal/model"
)

// DeleteInteraction removes an interaction with its messages and every
// memory sourced from it, mirroring the removal into the index.
func (c *Client) DeleteInteraction(ctx context.Context, scope model.Scope, interactionID string) error {
	removal, err := c.graph.DeleteInteraction(ctx, scope, interactionID)
	if err != nil {
		return err
	}
	c.logger.Info("interaction deleted",
		"interaction_id", interactionID, "memories_removed", len(removal.Removed))
	return c.applyIndex(ctx, scope, c.mutationFor(scope, removal))
}

// DeleteAllInteractions wipes the user's interactions and the memories they
// produced.
func (c *Client) DeleteAllInteractions(ctx context.Context, scope model.Scope) error {
	removal, err := c.graph.DeleteAllInteractions(ctx, scope)
	if err != nil {
		return err
	}
	return c.applyIndex(ctx, scope, c.mutationFor(scope, removal))
}

// DeleteMemory removes one memory, or with history its whole version chain.
// A promoted predecessor re-enters the index in the same pass.
func (c *Client) DeleteMemory(ctx context.Context, scope model.Scope, memoryID string, history bool) error {
	removal, err := c.graph.DeleteMemory(ctx, scope, memoryID, history)
	if err != nil {
		return err
	}
	return c.applyIndex(ctx, scope, c.mutationFor(scope, removal))
}

// DeleteAllMemories wipes the user's memories from both stores without
// touching interactions.
func (c *Client) DeleteAllMemories(ctx context.Context, scope model.Scope) error {
	if _, err := c.graph.DeleteAllMemories(ctx, scope); err != nil {
		return err
	}
	return c.applyIndex(ctx, scope, indexMutation{dropUser: true})
}

// DeleteUser removes the user and everything derived from them: interactions,
// memories, and index entries.
func (c *Client) DeleteUser(ctx context.Context, orgID, userID string) error {
	scope := model.Scope{OrgID: orgID, UserID: userID}
	if _, err := c.graph.DeleteAllInteractions(ctx, scope); err != nil {
		return err
	}
	if _, err := c.graph.DeleteAllMemories(ctx, scope); err != nil {
		return err
	}
	if err := c.graph.DeleteUser(ctx, orgID, userID); err != nil {
		return err
	}
	return c.applyIndex(ctx, scope, indexMutation{dropUser: true})
}
