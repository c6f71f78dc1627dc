package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/memora-labs/memora/internal/diff"
	"github.com/memora-labs/memora/internal/model"
)

func (s *SQLite) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrValidation) ||
			errors.Is(err, model.ErrConflict) {
			return err
		}
		return storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

// SaveInteraction creates a new interaction with its message chain and
// applies the memory plan, all in one transaction.
func (s *SQLite) SaveInteraction(ctx context.Context, scope model.Scope, messages []model.MessageBlock, ops MemoryOps, at time.Time) (*SaveResult, error) {
	if scope.AgentID == "" {
		return nil, model.Validationf("agent id required to save an interaction")
	}
	if _, err := s.GetUser(ctx, scope.OrgID, scope.UserID); err != nil {
		return nil, err
	}
	if _, err := s.GetAgent(ctx, scope.OrgID, scope.AgentID); err != nil {
		return nil, err
	}

	at = at.UTC()
	interactionID := s.newID()

	err := s.withTx(ctx, "save interaction", func(tx *sql.Tx) error {
		ts := at.Format(time.RFC3339Nano)
		day := at.Format("2006-01-02")
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO interactions (org_id, user_id, agent_id, interaction_id, created_at, updated_at, occurred_on)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			scope.OrgID, scope.UserID, scope.AgentID, interactionID, ts, ts, day); err != nil {
			return err
		}
		if err := s.touchDay(ctx, tx, scope, interactionID, day); err != nil {
			return err
		}
		if err := s.insertMessages(ctx, tx, scope, interactionID, messages); err != nil {
			return err
		}
		return s.applyMemoryOps(ctx, tx, scope, interactionID, ops, at)
	})
	if err != nil {
		return nil, err
	}
	return &SaveResult{InteractionID: interactionID, At: at, Class: model.UpdateAppend}, nil
}

// UpdateInteraction applies a diff plan to a stored interaction: append new
// positions, or truncate at the divergence index, detach orphaned memory
// sources, and rebuild the tail from the candidate. The memory plan runs in
// the same transaction. Identical updates mutate nothing but still accept an
// (empty) plan.
func (s *SQLite) UpdateInteraction(ctx context.Context, scope model.Scope, interactionID string, messages []model.MessageBlock, plan diff.Result, ops MemoryOps, at time.Time) (*SaveResult, error) {
	if _, err := s.GetInteraction(ctx, scope, interactionID, false); err != nil {
		return nil, err
	}

	at = at.UTC()
	res := &SaveResult{InteractionID: interactionID, At: at, Class: plan.Class}

	err := s.withTx(ctx, "update interaction", func(tx *sql.Tx) error {
		switch plan.Class {
		case model.UpdateIdentical:
			// No message mutation, no updated_at bump.

		case model.UpdateAppend:
			if err := s.insertMessages(ctx, tx, scope, interactionID, messages[plan.DivergenceIndex:]); err != nil {
				return err
			}
			if err := s.bumpInteraction(ctx, tx, scope, interactionID, at); err != nil {
				return err
			}

		case model.UpdateDivergent:
			detached, err := s.truncateMessages(ctx, tx, scope, interactionID, plan.DivergenceIndex)
			if err != nil {
				return err
			}
			res.Detached = detached
			if plan.DivergenceIndex < len(messages) {
				if err := s.insertMessages(ctx, tx, scope, interactionID, messages[plan.DivergenceIndex:]); err != nil {
					return err
				}
			}
			if err := s.bumpInteraction(ctx, tx, scope, interactionID, at); err != nil {
				return err
			}
		}
		return s.applyMemoryOps(ctx, tx, scope, interactionID, ops, at)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SQLite) insertMessages(ctx context.Context, tx *sql.Tx, scope model.Scope, interactionID string, messages []model.MessageBlock) error {
	for _, m := range messages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (org_id, user_id, interaction_id, position, role, content)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			scope.OrgID, scope.UserID, interactionID, m.Position, m.Role, m.Content); err != nil {
			return fmt.Errorf("insert message %d: %w", m.Position, err)
		}
	}
	return nil
}

// truncateMessages removes stored messages at or after from, and clears the
// now-invalid source links. Memories only lose provenance; their rows are
// untouched. Returns the ids of memories that lost at least one source.
func (s *SQLite) truncateMessages(ctx context.Context, tx *sql.Tx, scope model.Scope, interactionID string, from int) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT memory_id FROM memory_sources
		 WHERE org_id = ? AND user_id = ? AND interaction_id = ? AND position >= ?`,
		scope.OrgID, scope.UserID, interactionID, from)
	if err != nil {
		return nil, err
	}
	var detached []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		detached = append(detached, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_sources
		 WHERE org_id = ? AND user_id = ? AND interaction_id = ? AND position >= ?`,
		scope.OrgID, scope.UserID, interactionID, from); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages
		 WHERE org_id = ? AND user_id = ? AND interaction_id = ? AND position >= ?`,
		scope.OrgID, scope.UserID, interactionID, from); err != nil {
		return nil, err
	}
	return detached, nil
}

func (s *SQLite) bumpInteraction(ctx context.Context, tx *sql.Tx, scope model.Scope, interactionID string, at time.Time) error {
	set := `updated_at = ?`
	args := []any{at.Format(time.RFC3339Nano)}
	if scope.AgentID != "" {
		set += `, agent_id = ?`
		args = append(args, scope.AgentID)
	}
	args = append(args, scope.OrgID, scope.UserID, interactionID)
	if _, err := tx.ExecContext(ctx,
		`UPDATE interactions SET `+set+` WHERE org_id = ? AND user_id = ? AND interaction_id = ?`,
		args...); err != nil {
		return err
	}
	return s.touchDay(ctx, tx, scope, interactionID, at.Format("2006-01-02"))
}

func (s *SQLite) touchDay(ctx context.Context, tx *sql.Tx, scope model.Scope, interactionID, day string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO interaction_days (org_id, user_id, day, interaction_id)
		 VALUES (?, ?, ?, ?)`,
		scope.OrgID, scope.UserID, day, interactionID)
	return err
}

// applyMemoryOps executes the version-graph plan: fresh chains, supersessions
// with the currency flip, and source extensions for re-confirmed facts.
// Successor links always point forward in obtained_at by construction, so
// chains cannot cycle.
func (s *SQLite) applyMemoryOps(ctx context.Context, tx *sql.Tx, scope model.Scope, interactionID string, ops MemoryOps, at time.Time) error {
	ts := at.Format(time.RFC3339Nano)

	for _, n := range ops.New {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories (org_id, user_id, agent_id, interaction_id, memory_id, content, obtained_at, current)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
			scope.OrgID, scope.UserID, scope.AgentID, interactionID, n.MemoryID, n.Content, ts); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		if err := s.insertSources(ctx, tx, scope, n.MemoryID, interactionID, n.SourcePositions); err != nil {
			return err
		}
	}

	for _, sup := range ops.Supersede {
		var current int
		err := tx.QueryRowContext(ctx,
			`SELECT current FROM memories WHERE org_id = ? AND user_id = ? AND memory_id = ?`,
			scope.OrgID, scope.UserID, sup.OldMemoryID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return model.NotFoundf("contradicted memory %s", sup.OldMemoryID)
		}
		if err != nil {
			return err
		}
		if current == 0 {
			// The chain head moved underneath this operation.
			return fmt.Errorf("memory %s already superseded: %w", sup.OldMemoryID, model.ErrConflict)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories (org_id, user_id, agent_id, interaction_id, memory_id, content, obtained_at, current, supersedes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
			scope.OrgID, scope.UserID, scope.AgentID, interactionID, sup.NewMemoryID, sup.Content, ts, sup.OldMemoryID); err != nil {
			return fmt.Errorf("insert superseding memory: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET current = 0, superseded_by = ?
			 WHERE org_id = ? AND user_id = ? AND memory_id = ?`,
			sup.NewMemoryID, scope.OrgID, scope.UserID, sup.OldMemoryID); err != nil {
			return err
		}
		if err := s.insertSources(ctx, tx, scope, sup.NewMemoryID, interactionID, sup.SourcePositions); err != nil {
			return err
		}
	}

	for _, ext := range ops.Extend {
		var current int
		err := tx.QueryRowContext(ctx,
			`SELECT current FROM memories WHERE org_id = ? AND user_id = ? AND memory_id = ?`,
			scope.OrgID, scope.UserID, ext.MemoryID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return model.NotFoundf("memory %s", ext.MemoryID)
		}
		if err != nil {
			return err
		}
		if err := s.insertSources(ctx, tx, scope, ext.MemoryID, interactionID, ext.SourcePositions); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) insertSources(ctx context.Context, tx *sql.Tx, scope model.Scope, memoryID, interactionID string, positions []int) error {
	for _, pos := range positions {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_sources (org_id, user_id, memory_id, interaction_id, position)
			 VALUES (?, ?, ?, ?, ?)`,
			scope.OrgID, scope.UserID, memoryID, interactionID, pos); err != nil {
			return fmt.Errorf("insert source link: %w", err)
		}
	}
	return nil
}

// GetInteraction loads an interaction, optionally with its ordered messages.
func (s *SQLite) GetInteraction(ctx context.Context, scope model.Scope, interactionID string, withMessages bool) (*model.Interaction, error) {
	var it model.Interaction
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, user_id, agent_id, interaction_id, created_at, updated_at, occurred_on
		 FROM interactions WHERE org_id = ? AND user_id = ? AND interaction_id = ?`,
		scope.OrgID, scope.UserID, interactionID).
		Scan(&it.OrgID, &it.UserID, &it.AgentID, &it.InteractionID, &createdAt, &updatedAt, &it.OccurredOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("interaction %s", interactionID)
	}
	if err != nil {
		return nil, storeErr("get interaction", err)
	}
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)

	if withMessages {
		it.Messages, err = s.interactionMessages(ctx, scope, interactionID)
		if err != nil {
			return nil, err
		}
	}
	return &it, nil
}

func (s *SQLite) interactionMessages(ctx context.Context, scope model.Scope, interactionID string) ([]model.MessageBlock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, role, content FROM messages
		 WHERE org_id = ? AND user_id = ? AND interaction_id = ?
		 ORDER BY position`,
		scope.OrgID, scope.UserID, interactionID)
	if err != nil {
		return nil, storeErr("get messages", err)
	}
	defer rows.Close()

	var msgs []model.MessageBlock
	for rows.Next() {
		var m model.MessageBlock
		if err := rows.Scan(&m.Position, &m.Role, &m.Content); err != nil {
			return nil, storeErr("get messages", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListInteractions returns the user's interactions most recently updated
// first.
func (s *SQLite) ListInteractions(ctx context.Context, scope model.Scope, withMessages bool, opts ListOptions) ([]model.Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id, user_id, agent_id, interaction_id, created_at, updated_at, occurred_on
		 FROM interactions WHERE org_id = ? AND user_id = ?
		 ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		scope.OrgID, scope.UserID, limitOf(opts, 100), opts.Skip)
	if err != nil {
		return nil, storeErr("list interactions", err)
	}
	defer rows.Close()

	var out []model.Interaction
	for rows.Next() {
		var it model.Interaction
		var createdAt, updatedAt string
		if err := rows.Scan(&it.OrgID, &it.UserID, &it.AgentID, &it.InteractionID, &createdAt, &updatedAt, &it.OccurredOn); err != nil {
			return nil, storeErr("list interactions", err)
		}
		it.CreatedAt = parseTime(createdAt)
		it.UpdatedAt = parseTime(updatedAt)
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list interactions", err)
	}

	if withMessages {
		for i := range out {
			msgs, err := s.interactionMessages(ctx, scope, out[i].InteractionID)
			if err != nil {
				return nil, err
			}
			out[i].Messages = msgs
		}
	}
	return out, nil
}

// InteractionMemories returns every memory sourced from the interaction,
// current or not, with placeholders resolved.
func (s *SQLite) InteractionMemories(ctx context.Context, scope model.Scope, interactionID string) ([]model.Memory, error) {
	if _, err := s.GetInteraction(ctx, scope, interactionID, false); err != nil {
		return nil, err
	}
	return s.queryMemories(ctx, scope,
		`AND m.interaction_id = ? ORDER BY m.obtained_at DESC`, interactionID)
}

// DeleteInteraction removes the interaction, its messages, and every memory
// sourced from it.
func (s *SQLite) DeleteInteraction(ctx context.Context, scope model.Scope, interactionID string) (*Removal, error) {
	if _, err := s.GetInteraction(ctx, scope, interactionID, false); err != nil {
		return nil, err
	}

	removal := &Removal{}
	err := s.withTx(ctx, "delete interaction", func(tx *sql.Tx) error {
		ids, err := s.collectIDs(ctx, tx,
			`SELECT memory_id FROM memories WHERE org_id = ? AND user_id = ? AND interaction_id = ?`,
			scope.OrgID, scope.UserID, interactionID)
		if err != nil {
			return err
		}
		r, err := s.removeMemories(ctx, tx, scope, ids)
		if err != nil {
			return err
		}
		*removal = *r
		return s.dropInteractionRows(ctx, tx, scope, interactionID)
	})
	if err != nil {
		return nil, err
	}
	return removal, nil
}

// DeleteAllInteractions removes every interaction for the user along with the
// memories they produced.
func (s *SQLite) DeleteAllInteractions(ctx context.Context, scope model.Scope) (*Removal, error) {
	removal := &Removal{}
	err := s.withTx(ctx, "delete all interactions", func(tx *sql.Tx) error {
		ids, err := s.collectIDs(ctx, tx,
			`SELECT memory_id FROM memories WHERE org_id = ? AND user_id = ? AND interaction_id IS NOT NULL`,
			scope.OrgID, scope.UserID)
		if err != nil {
			return err
		}
		r, err := s.removeMemories(ctx, tx, scope, ids)
		if err != nil {
			return err
		}
		*removal = *r

		for _, table := range []string{"messages", "interaction_days", "interactions"} {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE org_id = ? AND user_id = ?`,
				scope.OrgID, scope.UserID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removal, nil
}

func (s *SQLite) dropInteractionRows(ctx context.Context, tx *sql.Tx, scope model.Scope, interactionID string) error {
	for _, table := range []string{"messages", "interaction_days", "interactions"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE org_id = ? AND user_id = ? AND interaction_id = ?`,
			scope.OrgID, scope.UserID, interactionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) collectIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
