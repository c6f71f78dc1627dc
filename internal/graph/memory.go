package graph

import (
	"context"
	"database/sql"
	"errors"

	"github.com/memora-labs/memora/internal/model"
)

const memorySelect = `
	SELECT m.org_id, m.user_id, m.agent_id, m.interaction_id, m.memory_id,
	       m.content, m.obtained_at, m.current, m.supersedes, m.superseded_by,
	       u.name, COALESCE(a.label, '')
	FROM memories m
	JOIN users u ON u.org_id = m.org_id AND u.user_id = m.user_id
	LEFT JOIN agents a ON a.org_id = m.org_id AND a.agent_id = m.agent_id
	WHERE m.org_id = ? AND m.user_id = ? `

// queryMemories runs memorySelect with the given suffix and resolves
// placeholders and source links on every row.
func (s *SQLite) queryMemories(ctx context.Context, scope model.Scope, suffix string, args ...any) ([]model.Memory, error) {
	full := append([]any{scope.OrgID, scope.UserID}, args...)
	rows, err := s.db.QueryContext(ctx, memorySelect+suffix, full...)
	if err != nil {
		return nil, storeErr("query memories", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemoryRow(rows)
		if err != nil {
			return nil, storeErr("query memories", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query memories", err)
	}

	for i := range out {
		srcs, err := s.memorySources(ctx, scope, out[i].MemoryID)
		if err != nil {
			return nil, err
		}
		out[i].MessageSources = srcs
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(row rowScanner) (model.Memory, error) {
	var m model.Memory
	var interactionID, supersedes, supersededBy sql.NullString
	var obtainedAt, userName, agentLabel string
	var current int

	err := row.Scan(&m.OrgID, &m.UserID, &m.AgentID, &interactionID, &m.MemoryID,
		&m.Content, &obtainedAt, &current, &supersedes, &supersededBy,
		&userName, &agentLabel)
	if err != nil {
		return m, err
	}
	m.InteractionID = interactionID.String
	m.Supersedes = supersedes.String
	m.SupersededBy = supersededBy.String
	m.ObtainedAt = parseTime(obtainedAt)
	m.Current = current == 1
	m.Content = resolvePlaceholders(m.Content, userName, agentLabel)
	return m, nil
}

func (s *SQLite) memorySources(ctx context.Context, scope model.Scope, memoryID string) ([]model.MessageRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT interaction_id, position FROM memory_sources
		 WHERE org_id = ? AND user_id = ? AND memory_id = ?
		 ORDER BY interaction_id, position`,
		scope.OrgID, scope.UserID, memoryID)
	if err != nil {
		return nil, storeErr("memory sources", err)
	}
	defer rows.Close()

	var refs []model.MessageRef
	for rows.Next() {
		var r model.MessageRef
		if err := rows.Scan(&r.InteractionID, &r.Position); err != nil {
			return nil, storeErr("memory sources", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// GetMemory returns one memory version with placeholders resolved.
func (s *SQLite) GetMemory(ctx context.Context, scope model.Scope, memoryID string) (*model.Memory, error) {
	out, err := s.queryMemories(ctx, scope, `AND m.memory_id = ?`, memoryID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, model.NotFoundf("memory %s", memoryID)
	}
	return &out[0], nil
}

// MemoryHistory returns the full version chain containing memoryID, ordered
// current first down to the oldest version. Cost is O(chain length).
func (s *SQLite) MemoryHistory(ctx context.Context, scope model.Scope, memoryID string) ([]model.Memory, error) {
	m, err := s.GetMemory(ctx, scope, memoryID)
	if err != nil {
		return nil, err
	}

	// Walk forward to the head, then follow supersedes links down.
	head := m
	for head.SupersededBy != "" {
		head, err = s.GetMemory(ctx, scope, head.SupersededBy)
		if err != nil {
			return nil, err
		}
	}

	chain := []model.Memory{*head}
	cur := head
	for cur.Supersedes != "" {
		cur, err = s.GetMemory(ctx, scope, cur.Supersedes)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				break
			}
			return nil, err
		}
		chain = append(chain, *cur)
	}
	return chain, nil
}

// ListMemories returns current versions only, newest first.
func (s *SQLite) ListMemories(ctx context.Context, scope model.Scope, agentID string, opts ListOptions) ([]model.Memory, error) {
	suffix := `AND m.current = 1 `
	var args []any
	if agentID != "" {
		suffix += `AND m.agent_id = ? `
		args = append(args, agentID)
	}
	suffix += `ORDER BY m.obtained_at DESC LIMIT ? OFFSET ?`
	args = append(args, limitOf(opts, 1000), opts.Skip)
	return s.queryMemories(ctx, scope, suffix, args...)
}

// ResolveMemories maps similarity hits back to live memories. Ids that are
// missing or no longer current are dropped: a stale index entry must never
// surface outdated content. Input order of the survivors is preserved.
func (s *SQLite) ResolveMemories(ctx context.Context, scope model.Scope, memoryIDs []string) ([]model.Memory, error) {
	out := make([]model.Memory, 0, len(memoryIDs))
	for _, id := range memoryIDs {
		m, err := s.GetMemory(ctx, scope, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !m.Current {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// CurrentMemories returns every current memory for the user with raw
// (placeholder) content; this is the projection the similarity index must
// converge to, so the reconciliation pass is built on it.
func (s *SQLite) CurrentMemories(ctx context.Context, scope model.Scope) ([]model.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, agent_id, interaction_id, content, obtained_at
		 FROM memories WHERE org_id = ? AND user_id = ? AND current = 1
		 ORDER BY obtained_at DESC`,
		scope.OrgID, scope.UserID)
	if err != nil {
		return nil, storeErr("current memories", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m := model.Memory{OrgID: scope.OrgID, UserID: scope.UserID, Current: true}
		var interactionID sql.NullString
		var obtainedAt string
		if err := rows.Scan(&m.MemoryID, &m.AgentID, &interactionID, &m.Content, &obtainedAt); err != nil {
			return nil, storeErr("current memories", err)
		}
		m.InteractionID = interactionID.String
		m.ObtainedAt = parseTime(obtainedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMemory removes one memory version, or with history the whole chain
// containing it. Removing a chain head without history promotes its
// predecessor back to current so the chain keeps exactly one live version.
func (s *SQLite) DeleteMemory(ctx context.Context, scope model.Scope, memoryID string, history bool) (*Removal, error) {
	m, err := s.GetMemory(ctx, scope, memoryID)
	if err != nil {
		return nil, err
	}

	ids := []string{m.MemoryID}
	if history {
		chain, err := s.MemoryHistory(ctx, scope, memoryID)
		if err != nil {
			return nil, err
		}
		ids = ids[:0]
		for _, v := range chain {
			ids = append(ids, v.MemoryID)
		}
	}

	removal := &Removal{}
	err = s.withTx(ctx, "delete memory", func(tx *sql.Tx) error {
		r, err := s.removeMemories(ctx, tx, scope, ids)
		if err != nil {
			return err
		}
		*removal = *r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removal, nil
}

// DeleteAllMemories removes every memory of the user.
func (s *SQLite) DeleteAllMemories(ctx context.Context, scope model.Scope) (*Removal, error) {
	removal := &Removal{}
	err := s.withTx(ctx, "delete all memories", func(tx *sql.Tx) error {
		ids, err := s.collectIDs(ctx, tx,
			`SELECT memory_id FROM memories WHERE org_id = ? AND user_id = ?`,
			scope.OrgID, scope.UserID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_sources WHERE org_id = ? AND user_id = ?`,
			scope.OrgID, scope.UserID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memories WHERE org_id = ? AND user_id = ?`,
			scope.OrgID, scope.UserID); err != nil {
			return err
		}
		removal.Removed = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removal, nil
}

type chainRow struct {
	supersedes   string
	supersededBy string
}

// removeMemories deletes the given memory rows inside tx, splicing version
// chains around the gap. When a segment removed the chain head and an older
// version survives, that predecessor is promoted back to current.
func (s *SQLite) removeMemories(ctx context.Context, tx *sql.Tx, scope model.Scope, ids []string) (*Removal, error) {
	removal := &Removal{Removed: ids}
	if len(ids) == 0 {
		return removal, nil
	}

	doomed := make(map[string]chainRow, len(ids))
	for _, id := range ids {
		var supersedes, supersededBy sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT supersedes, superseded_by FROM memories
			 WHERE org_id = ? AND user_id = ? AND memory_id = ?`,
			scope.OrgID, scope.UserID, id).Scan(&supersedes, &supersededBy)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		doomed[id] = chainRow{supersedes: supersedes.String, supersededBy: supersededBy.String}
	}

	for id, row := range doomed {
		if _, gone := doomed[row.supersededBy]; row.supersededBy != "" && gone {
			continue // not the topmost removed node of its segment
		}

		// Walk down through the removed segment to the surviving predecessor.
		bottom := id
		for doomed[bottom].supersedes != "" {
			next := doomed[bottom].supersedes
			if _, gone := doomed[next]; !gone {
				break
			}
			bottom = next
		}
		pred := doomed[bottom].supersedes

		if succ := row.supersededBy; succ != "" {
			// A newer version survives: splice it onto the predecessor.
			if _, err := tx.ExecContext(ctx,
				`UPDATE memories SET supersedes = ?
				 WHERE org_id = ? AND user_id = ? AND memory_id = ?`,
				nullable(pred), scope.OrgID, scope.UserID, succ); err != nil {
				return nil, err
			}
			if pred != "" {
				if _, err := tx.ExecContext(ctx,
					`UPDATE memories SET superseded_by = ?
					 WHERE org_id = ? AND user_id = ? AND memory_id = ?`,
					succ, scope.OrgID, scope.UserID, pred); err != nil {
					return nil, err
				}
			}
		} else if pred != "" {
			// The chain head is gone: the predecessor becomes current again.
			if _, err := tx.ExecContext(ctx,
				`UPDATE memories SET current = 1, superseded_by = NULL
				 WHERE org_id = ? AND user_id = ? AND memory_id = ?`,
				scope.OrgID, scope.UserID, pred); err != nil {
				return nil, err
			}
			promoted, err := s.loadMemoryTx(ctx, tx, scope, pred)
			if err != nil {
				return nil, err
			}
			removal.Promoted = append(removal.Promoted, *promoted)
		}
	}

	for id := range doomed {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_sources WHERE org_id = ? AND user_id = ? AND memory_id = ?`,
			scope.OrgID, scope.UserID, id); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memories WHERE org_id = ? AND user_id = ? AND memory_id = ?`,
			scope.OrgID, scope.UserID, id); err != nil {
			return nil, err
		}
	}
	return removal, nil
}

// loadMemoryTx reads a memory with raw content inside an open transaction;
// promoted rows feed index upserts, which embed the placeholder text.
func (s *SQLite) loadMemoryTx(ctx context.Context, tx *sql.Tx, scope model.Scope, memoryID string) (*model.Memory, error) {
	m := model.Memory{OrgID: scope.OrgID, UserID: scope.UserID, MemoryID: memoryID, Current: true}
	var interactionID sql.NullString
	var obtainedAt string
	err := tx.QueryRowContext(ctx,
		`SELECT agent_id, interaction_id, content, obtained_at FROM memories
		 WHERE org_id = ? AND user_id = ? AND memory_id = ?`,
		scope.OrgID, scope.UserID, memoryID).
		Scan(&m.AgentID, &interactionID, &m.Content, &obtainedAt)
	if err != nil {
		return nil, err
	}
	m.InteractionID = interactionID.String
	m.ObtainedAt = parseTime(obtainedAt)
	return &m, nil
}
