// Package extract derives memory candidates from conversation messages using
// an LLM, and compares them against existing memories to classify each fact
// as new, contradictory, or already known.
package extract

import (
	"context"
	"strings"
	"time"

	"github.com/memora-labs/memora/internal/model"
)

// Candidate is a fact extracted from the conversation that opens a new
// memory chain.
type Candidate struct {
	Memory          string
	SourcePositions []int
}

// Contrary is a fact that directly contradicts an existing memory; applying
// it supersedes that memory.
type Contrary struct {
	Memory          string
	SourcePositions []int
	ContradictsID   string
}

// Unchanged is a fact re-confirmed without semantic change; the existing
// memory stays as is and only gains the newly contributing source positions.
type Unchanged struct {
	MemoryID        string
	SourcePositions []int
}

// Batch is the classified outcome of one extraction over a message window.
// Memory text is in storage form: display names already replaced with
// user_<id> / agent_<id> placeholders.
type Batch struct {
	New       []Candidate
	Contrary  []Contrary
	Unchanged []Unchanged
}

func (b *Batch) Empty() bool {
	return len(b.New) == 0 && len(b.Contrary) == 0 && len(b.Unchanged) == 0
}

// Validate rejects a batch that references message positions outside the
// extraction window or contradicts memories that are not in the known set.
// LLM output crosses a trust boundary here; nothing unvalidated reaches the
// stores.
func (b *Batch) Validate(messageCount int, known map[string]bool) error {
	positionsInRange := func(positions []int) error {
		for _, p := range positions {
			if p < 0 || p >= messageCount {
				return model.Validationf("source position %d outside message window of %d", p, messageCount)
			}
		}
		return nil
	}
	check := func(memory string, positions []int) error {
		if strings.TrimSpace(memory) == "" {
			return model.Validationf("extracted memory text is empty")
		}
		return positionsInRange(positions)
	}

	for _, c := range b.New {
		if err := check(c.Memory, c.SourcePositions); err != nil {
			return err
		}
	}
	// Each existing memory may be targeted at most once per batch; a double
	// supersession would break the one-current-per-chain invariant.
	targeted := make(map[string]bool, len(b.Contrary)+len(b.Unchanged))
	target := func(id string) error {
		if targeted[id] {
			return model.Validationf("memory %s referenced more than once in one batch", id)
		}
		targeted[id] = true
		return nil
	}

	for _, c := range b.Contrary {
		if err := check(c.Memory, c.SourcePositions); err != nil {
			return err
		}
		if !known[c.ContradictsID] {
			return model.Validationf("contradicted memory %s is not a known current memory", c.ContradictsID)
		}
		if err := target(c.ContradictsID); err != nil {
			return err
		}
	}
	for _, u := range b.Unchanged {
		if !known[u.MemoryID] {
			return model.Validationf("unchanged memory %s is not a known current memory", u.MemoryID)
		}
		if err := positionsInRange(u.SourcePositions); err != nil {
			return err
		}
		if err := target(u.MemoryID); err != nil {
			return err
		}
	}
	return nil
}

// Request is one extraction job over a window of messages.
type Request struct {
	// Messages is the window to extract from; SourcePositions in the result
	// index into this slice.
	Messages []model.MessageBlock
	// Existing holds the user's current memories in placeholder form, for
	// the comparison phase.
	Existing []model.Memory
	// Identity for placeholder substitution.
	UserID     string
	UserName   string
	AgentID    string
	AgentLabel string
	// IncludeAgent extracts facts about the agent as well as the user.
	IncludeAgent bool
	At           time.Time
}

// Extractor turns a message window into a validated-ready Batch.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Batch, error)
}

// QueryGenerator expands the latest room message into the search queries
// needed to recall relevant memories for it.
type QueryGenerator interface {
	Queries(ctx context.Context, preceding []string, latest string, at time.Time) ([]string, error)
}

// StaticQueries is the no-LLM fallback: search with the message itself.
type StaticQueries struct{}

func (StaticQueries) Queries(_ context.Context, _ []string, latest string, _ time.Time) ([]string, error) {
	return []string{latest}, nil
}

// MemoryFilter is the final relevance pass over recalled memories: given the
// latest message, the search queries used, and the pooled results, it returns
// the ids worth surfacing. An empty list with a nil error means the model
// judged none relevant; an error means it could not decide, and callers fall
// back to the unfiltered list.
type MemoryFilter interface {
	Filter(ctx context.Context, latest string, queries []string, memories []model.Memory, at time.Time) ([]string, error)
}

// Prompts instruct the model to write #user_#id# and #agent_#id# instead of
// display names; storage uses the id-bound placeholder form.
const (
	userToken  = "#user_#id#"
	agentToken = "#agent_#id#"
)

func resolveTokens(text, userID, agentID string) string {
	text = strings.ReplaceAll(text, userToken, "user_"+userID)
	return strings.ReplaceAll(text, agentToken, "agent_"+agentID)
}
