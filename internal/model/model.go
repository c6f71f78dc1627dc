// Package model defines the core memory data types shared by every layer.
package model

import "time"

// Role of a message block sender.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Scope identifies the tenant key space an operation runs under.
// AgentID is optional; when set it narrows writes and search filters.
type Scope struct {
	OrgID   string `json:"org_id"`
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id,omitempty"`
}

// Organization is the top-level tenant record.
type Organization struct {
	OrgID     string    `json:"org_id"`
	Name      string    `json:"org_name"`
	CreatedAt time.Time `json:"created_at"`
}

// User belongs to exactly one organization.
type User struct {
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"user_name"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is either global to an organization (UserID empty) or private
// to one user.
type Agent struct {
	OrgID     string    `json:"org_id"`
	AgentID   string    `json:"agent_id"`
	UserID    string    `json:"user_id,omitempty"`
	Label     string    `json:"agent_label"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageBlock is one message in an interaction. Position is the 0-based
// index within the interaction; positions form a contiguous range.
type MessageBlock struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Position int    `json:"position"`
}

// Equal reports role+content equality. Position is index, not content,
// so it is not compared.
func (m MessageBlock) Equal(o MessageBlock) bool {
	return m.Role == o.Role && m.Content == o.Content
}

// Interaction is a stored, ordered conversation between a user and an agent.
type Interaction struct {
	OrgID         string         `json:"org_id"`
	UserID        string         `json:"user_id"`
	AgentID       string         `json:"agent_id"`
	InteractionID string         `json:"interaction_id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	OccurredOn    string         `json:"occurred_on_date"` // YYYY-MM-DD of CreatedAt
	Messages      []MessageBlock `json:"messages,omitempty"`
}

// MessageRef is a weak reference from a memory to a source message.
// Truncation clears refs; it never deletes the memory they hang off.
type MessageRef struct {
	InteractionID string `json:"interaction_id"`
	Position      int    `json:"position"`
}

// Memory is a durable fact derived from one or more interaction messages.
// Content keeps user_<id>/agent_<id> placeholders; display names are
// substituted on read so renames never rewrite memory text.
type Memory struct {
	OrgID          string       `json:"org_id"`
	UserID         string       `json:"user_id"`
	AgentID        string       `json:"agent_id"`
	InteractionID  string       `json:"interaction_id,omitempty"`
	MemoryID       string       `json:"memory_id"`
	Content        string       `json:"memory"`
	ObtainedAt     time.Time    `json:"obtained_at"`
	Current        bool         `json:"current"`
	Supersedes     string       `json:"supersedes,omitempty"`      // older version this one replaced
	SupersededBy   string       `json:"superseded_by,omitempty"`   // newer version that replaced this one
	MessageSources []MessageRef `json:"message_sources,omitempty"` // empty after source detachment
	Score          float64      `json:"score,omitempty"`           // set on retrieval results only
}

// UpdateClass classifies how a candidate transcript relates to the stored one.
type UpdateClass int

const (
	// UpdateAppend: the stored sequence is a strict prefix of the candidate.
	UpdateAppend UpdateClass = iota
	// UpdateIdentical: same length, same role+content at every position.
	UpdateIdentical
	// UpdateDivergent: the sequences differ at some position; the stored
	// interaction is truncated there and rebuilt from the candidate.
	UpdateDivergent
)

func (c UpdateClass) String() string {
	switch c {
	case UpdateAppend:
		return "append"
	case UpdateIdentical:
		return "identical"
	case UpdateDivergent:
		return "divergent"
	}
	return "unknown"
}
