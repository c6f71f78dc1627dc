package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/memora-labs/memora/internal/model"
	"github.com/memora-labs/memora/internal/vector"
)

// SQLite implements Store on a local SQLite database.
type SQLite struct {
	db      *sql.DB
	entropy *rand.Rand
	assoc   vector.Index
}

// Option configures a SQLite store.
type Option func(*SQLite)

// WithAssociatedIndex pairs the store with a similarity index. The store
// never writes to it; the consistency coordinator reads the association.
func WithAssociatedIndex(idx vector.Index) Option {
	return func(s *SQLite) { s.assoc = idx }
}

// Open opens or creates the graph database at path.
func Open(path string, opts ...Option) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLite{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) newID() string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String())
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		org_id     TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		org_id     TEXT NOT NULL REFERENCES organizations(org_id),
		user_id    TEXT NOT NULL,
		name       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (org_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS agents (
		org_id     TEXT NOT NULL REFERENCES organizations(org_id),
		agent_id   TEXT NOT NULL,
		user_id    TEXT,
		label      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (org_id, agent_id)
	);
	CREATE INDEX IF NOT EXISTS idx_agents_user ON agents(org_id, user_id);

	CREATE TABLE IF NOT EXISTS interactions (
		org_id         TEXT NOT NULL,
		user_id        TEXT NOT NULL,
		agent_id       TEXT NOT NULL,
		interaction_id TEXT NOT NULL,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		occurred_on    TEXT NOT NULL,
		PRIMARY KEY (org_id, user_id, interaction_id),
		FOREIGN KEY (org_id, user_id) REFERENCES users(org_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_updated
		ON interactions(org_id, user_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS interaction_days (
		org_id         TEXT NOT NULL,
		user_id        TEXT NOT NULL,
		day            TEXT NOT NULL,
		interaction_id TEXT NOT NULL,
		PRIMARY KEY (org_id, user_id, day, interaction_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		org_id         TEXT NOT NULL,
		user_id        TEXT NOT NULL,
		interaction_id TEXT NOT NULL,
		position       INTEGER NOT NULL,
		role           TEXT NOT NULL,
		content        TEXT NOT NULL,
		PRIMARY KEY (org_id, user_id, interaction_id, position),
		FOREIGN KEY (org_id, user_id, interaction_id)
			REFERENCES interactions(org_id, user_id, interaction_id)
	);

	CREATE TABLE IF NOT EXISTS memories (
		org_id         TEXT NOT NULL,
		user_id        TEXT NOT NULL,
		agent_id       TEXT NOT NULL,
		interaction_id TEXT,
		memory_id      TEXT NOT NULL,
		content        TEXT NOT NULL,
		obtained_at    TEXT NOT NULL,
		current        INTEGER NOT NULL DEFAULT 1,
		supersedes     TEXT,
		superseded_by  TEXT,
		PRIMARY KEY (org_id, user_id, memory_id),
		FOREIGN KEY (org_id, user_id) REFERENCES users(org_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_memories_current
		ON memories(org_id, user_id, current, obtained_at DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_interaction
		ON memories(org_id, user_id, interaction_id);

	CREATE TABLE IF NOT EXISTS memory_sources (
		org_id         TEXT NOT NULL,
		user_id        TEXT NOT NULL,
		memory_id      TEXT NOT NULL,
		interaction_id TEXT NOT NULL,
		position       INTEGER NOT NULL,
		PRIMARY KEY (org_id, user_id, memory_id, interaction_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_sources_message
		ON memory_sources(org_id, user_id, interaction_id, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Associated implements Store.
func (s *SQLite) Associated() vector.Index { return s.assoc }

// Close implements Store.
func (s *SQLite) Close() error { return s.db.Close() }

// storeErr maps driver failures onto the error taxonomy. SQLite reports
// write contention as busy/locked; everything else passes through wrapped.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return model.WrapOp(op, model.ErrNotFound)
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return model.WrapOp(op, fmt.Errorf("%v: %w", err, model.ErrConflict))
	}
	return model.WrapOp(op, err)
}

// --- Organizations ---

func (s *SQLite) CreateOrganization(ctx context.Context, name string) (*model.Organization, error) {
	if name == "" {
		return nil, model.Validationf("organization name required")
	}
	now := time.Now().UTC()
	org := &model.Organization{OrgID: s.newID(), Name: name, CreatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (org_id, name, created_at) VALUES (?, ?, ?)`,
		org.OrgID, org.Name, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, storeErr("create organization", err)
	}
	return org, nil
}

func (s *SQLite) GetOrganization(ctx context.Context, orgID string) (*model.Organization, error) {
	var org model.Organization
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, name, created_at FROM organizations WHERE org_id = ?`, orgID).
		Scan(&org.OrgID, &org.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("organization %s", orgID)
	}
	if err != nil {
		return nil, storeErr("get organization", err)
	}
	org.CreatedAt = parseTime(createdAt)
	return &org, nil
}

func (s *SQLite) DeleteOrganization(ctx context.Context, orgID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM organizations WHERE org_id = ?`, orgID)
	if err != nil {
		return storeErr("delete organization", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFoundf("organization %s", orgID)
	}
	return nil
}

// --- Users ---

func (s *SQLite) CreateUser(ctx context.Context, orgID, name string) (*model.User, error) {
	if name == "" {
		return nil, model.Validationf("user name required")
	}
	if _, err := s.GetOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	u := &model.User{OrgID: orgID, UserID: s.newID(), Name: name, CreatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (org_id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		u.OrgID, u.UserID, u.Name, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, storeErr("create user", err)
	}
	return u, nil
}

func (s *SQLite) GetUser(ctx context.Context, orgID, userID string) (*model.User, error) {
	var u model.User
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, user_id, name, created_at FROM users WHERE org_id = ? AND user_id = ?`,
		orgID, userID).Scan(&u.OrgID, &u.UserID, &u.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("user %s/%s", orgID, userID)
	}
	if err != nil {
		return nil, storeErr("get user", err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *SQLite) ListUsers(ctx context.Context, orgID string, opts ListOptions) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id, user_id, name, created_at FROM users
		 WHERE org_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		orgID, limitOf(opts, 100), opts.Skip)
	if err != nil {
		return nil, storeErr("list users", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var createdAt string
		if err := rows.Scan(&u.OrgID, &u.UserID, &u.Name, &createdAt); err != nil {
			return nil, storeErr("list users", err)
		}
		u.CreatedAt = parseTime(createdAt)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLite) DeleteUser(ctx context.Context, orgID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM users WHERE org_id = ? AND user_id = ?`, orgID, userID)
	if err != nil {
		return storeErr("delete user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFoundf("user %s/%s", orgID, userID)
	}
	return nil
}

// --- Agents ---

func (s *SQLite) CreateAgent(ctx context.Context, orgID, userID, label string) (*model.Agent, error) {
	if label == "" {
		return nil, model.Validationf("agent label required")
	}
	if _, err := s.GetOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	if userID != "" {
		if _, err := s.GetUser(ctx, orgID, userID); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	a := &model.Agent{OrgID: orgID, AgentID: s.newID(), UserID: userID, Label: label, CreatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (org_id, agent_id, user_id, label, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.OrgID, a.AgentID, nullable(a.UserID), a.Label, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, storeErr("create agent", err)
	}
	return a, nil
}

func (s *SQLite) GetAgent(ctx context.Context, orgID, agentID string) (*model.Agent, error) {
	var a model.Agent
	var userID sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, agent_id, user_id, label, created_at FROM agents
		 WHERE org_id = ? AND agent_id = ?`, orgID, agentID).
		Scan(&a.OrgID, &a.AgentID, &userID, &a.Label, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NotFoundf("agent %s/%s", orgID, agentID)
	}
	if err != nil {
		return nil, storeErr("get agent", err)
	}
	a.UserID = userID.String
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// ListAgents returns org-global agents, plus the user's private agents when
// userID is set.
func (s *SQLite) ListAgents(ctx context.Context, orgID, userID string, opts ListOptions) ([]model.Agent, error) {
	query := `SELECT org_id, agent_id, user_id, label, created_at FROM agents
		 WHERE org_id = ? AND (user_id IS NULL OR user_id = ?)
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, orgID, userID, limitOf(opts, 100), opts.Skip)
	if err != nil {
		return nil, storeErr("list agents", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		var a model.Agent
		var uid sql.NullString
		var createdAt string
		if err := rows.Scan(&a.OrgID, &a.AgentID, &uid, &a.Label, &createdAt); err != nil {
			return nil, storeErr("list agents", err)
		}
		a.UserID = uid.String
		a.CreatedAt = parseTime(createdAt)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLite) DeleteAgent(ctx context.Context, orgID, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE org_id = ? AND agent_id = ?`, orgID, agentID)
	if err != nil {
		return storeErr("delete agent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFoundf("agent %s/%s", orgID, agentID)
	}
	return nil
}

// --- helpers ---

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func limitOf(opts ListOptions, def int) int {
	if opts.Limit <= 0 {
		return def
	}
	return opts.Limit
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Placeholders keep memory text stable across display-name changes.
var (
	userPlaceholderRe  = regexp.MustCompile(`(?i)user_[a-z0-9\-]+(?:'s)?`)
	agentPlaceholderRe = regexp.MustCompile(`(?i)agent_[a-z0-9\-]+(?:'s)?`)
)

func resolvePlaceholders(content, userName, agentLabel string) string {
	sub := func(name string) func(string) string {
		return func(match string) string {
			if strings.HasSuffix(match, "'s") {
				return name + "'s"
			}
			return name
		}
	}
	content = userPlaceholderRe.ReplaceAllStringFunc(content, sub(userName))
	return agentPlaceholderRe.ReplaceAllStringFunc(content, sub(agentLabel))
}

var _ Store = (*SQLite)(nil)
