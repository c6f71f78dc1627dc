package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/memora-labs/memora/internal/embed"
)

// SQLite is a hybrid similarity index in a single SQLite file: dense vectors
// as blobs scored with a cosine scan, and an FTS5 shadow table scored with
// bm25, fused per query.
type SQLite struct {
	db       *sql.DB
	embedder embed.Embedder
	fuser    Fuser
}

// Option configures a SQLite index.
type Option func(*SQLite)

// WithFuser overrides the default RRF fusion.
func WithFuser(f Fuser) Option {
	return func(s *SQLite) { s.fuser = f }
}

// Open opens or creates the index database at path.
func Open(path string, embedder embed.Embedder, opts ...Option) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	s := &SQLite{db: db, embedder: embedder, fuser: RRF{}}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		memory_id TEXT PRIMARY KEY,
		org_id    TEXT NOT NULL,
		user_id   TEXT NOT NULL,
		agent_id  TEXT NOT NULL,
		content   TEXT NOT NULL,
		vector    BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_user ON entries(org_id, user_id);

	CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
		content,
		content=entries,
		content_rowid=rowid
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 triggers for automatic sync: without them the sparse channel is
	// permanently empty, so their creation must not fail silently.
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS entries_ai AFTER INSERT ON entries BEGIN
			INSERT INTO entries_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS entries_ad AFTER DELETE ON entries BEGIN
			INSERT INTO entries_fts(entries_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS entries_au AFTER UPDATE ON entries BEGIN
			INSERT INTO entries_fts(entries_fts, rowid, content) VALUES('delete', old.rowid, old.content);
			INSERT INTO entries_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
	}
	for _, trigger := range triggers {
		if _, err := s.db.Exec(trigger); err != nil {
			return fmt.Errorf("create fts trigger: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

// Upsert implements Index.
func (s *SQLite) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index upsert: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		vec, err := s.embedder.Embed(ctx, e.Content)
		if err != nil {
			return fmt.Errorf("embed %s: %w", e.MemoryID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entries (memory_id, org_id, user_id, agent_id, content, vector)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(memory_id) DO UPDATE SET
			   org_id = excluded.org_id, user_id = excluded.user_id,
			   agent_id = excluded.agent_id, content = excluded.content,
			   vector = excluded.vector`,
			e.MemoryID, e.OrgID, e.UserID, e.AgentID, e.Content, encodeVector(vec)); err != nil {
			return fmt.Errorf("index upsert %s: %w", e.MemoryID, err)
		}
	}
	return tx.Commit()
}

// Delete implements Index.
func (s *SQLite) Delete(ctx context.Context, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index delete: %w", err)
	}
	defer tx.Rollback()

	for _, id := range memoryIDs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE memory_id = ?`, id); err != nil {
			return fmt.Errorf("index delete %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// DeleteUser implements Index.
func (s *SQLite) DeleteUser(ctx context.Context, orgID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE org_id = ? AND user_id = ?`, orgID, userID)
	if err != nil {
		return fmt.Errorf("index delete user: %w", err)
	}
	return nil
}

// ListIDs implements Index.
func (s *SQLite) ListIDs(ctx context.Context, orgID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id FROM entries WHERE org_id = ? AND user_id = ?`, orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("index list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("index list: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Search implements Index: dense and sparse channels run over the same tenant
// slice and the fuser merges their rankings.
func (s *SQLite) Search(ctx context.Context, q Query) ([]Hit, error) {
	topK := q.TopK
	if topK <= 0 {
		topK = 10
	}
	// Each channel over-fetches so fusion has candidates beyond topK.
	fetch := topK * 2

	dense, err := s.denseSearch(ctx, q, fetch)
	if err != nil {
		return nil, err
	}
	sparse, err := s.sparseSearch(ctx, q, fetch)
	if err != nil {
		return nil, err
	}

	fused := s.fuser.Fuse(dense, sparse)

	excluded := make(map[string]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = true
	}
	out := fused[:0]
	for _, h := range fused {
		if excluded[h.MemoryID] {
			continue
		}
		out = append(out, h)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func (s *SQLite) scopeFilter(q Query) (string, []any) {
	where := `org_id = ?`
	args := []any{q.OrgID}
	if q.Scope == ScopeUser {
		where += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if q.AgentID != "" {
		where += ` AND agent_id = ?`
		args = append(args, q.AgentID)
	}
	return where, args
}

func (s *SQLite) denseSearch(ctx context.Context, q Query, fetch int) ([]Hit, error) {
	qvec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	minScore := q.MinScore
	if minScore == 0 {
		minScore = DefaultMinScore
	}

	where, args := s.scopeFilter(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, org_id, user_id, vector FROM entries WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var blob []byte
		if err := rows.Scan(&h.MemoryID, &h.OrgID, &h.UserID, &blob); err != nil {
			return nil, fmt.Errorf("dense search: %w", err)
		}
		h.Score = embed.CosineSimilarity(qvec, decodeVector(blob))
		if h.Score < minScore {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > fetch {
		hits = hits[:fetch]
	}
	return hits, nil
}

func (s *SQLite) sparseSearch(ctx context.Context, q Query, fetch int) ([]Hit, error) {
	match := ftsQuery(q.Text)
	if match == "" {
		return nil, nil
	}

	where, args := s.scopeFilter(q)
	args = append([]any{match}, append(args, fetch)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.memory_id, e.org_id, e.user_id, bm25(entries_fts) FROM entries_fts
		 JOIN entries e ON e.rowid = entries_fts.rowid
		 WHERE entries_fts MATCH ? AND `+where+`
		 ORDER BY rank LIMIT ?`, args...)
	if err != nil {
		// A term that survives escaping can still trip FTS5 syntax; only
		// that case degrades to an empty channel. Anything else is a real
		// store failure.
		if isFTSSyntaxErr(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sparse search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var score float64
		if err := rows.Scan(&h.MemoryID, &h.OrgID, &h.UserID, &score); err != nil {
			return nil, fmt.Errorf("sparse search: %w", err)
		}
		// bm25() is negative for better matches; flip so higher is better.
		h.Score = -score
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func isFTSSyntaxErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "fts5: syntax error") ||
		strings.Contains(msg, "unknown special query") ||
		strings.Contains(msg, "malformed MATCH")
}

// ftsQuery turns free text into an FTS5 OR-query with every token quoted so
// user input cannot inject match syntax.
func ftsQuery(text string) string {
	var terms []string
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, ".,;:!?'\"()[]")
		tok = strings.ReplaceAll(tok, `"`, ``)
		if tok == "" {
			continue
		}
		terms = append(terms, `"`+tok+`"`)
	}
	return strings.Join(terms, " OR ")
}

func encodeVector(v embed.Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) embed.Vector {
	v := make(embed.Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

var _ Index = (*SQLite)(nil)
