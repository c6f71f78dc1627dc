package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/memora-labs/memora/internal/model"
)

func TestBatchValidate(t *testing.T) {
	known := map[string]bool{"mem-1": true}

	tests := []struct {
		name    string
		batch   Batch
		wantErr bool
	}{
		{
			name:  "valid new and contrary",
			batch: Batch{
				New:      []Candidate{{Memory: "user_u1 lives in Lisbon", SourcePositions: []int{0, 1}}},
				Contrary: []Contrary{{Memory: "user_u1 works at Acme", SourcePositions: []int{2}, ContradictsID: "mem-1"}},
			},
		},
		{
			name:    "empty memory text",
			batch:   Batch{New: []Candidate{{Memory: "   ", SourcePositions: []int{0}}}},
			wantErr: true,
		},
		{
			name:    "position out of window",
			batch:   Batch{New: []Candidate{{Memory: "fact", SourcePositions: []int{3}}}},
			wantErr: true,
		},
		{
			name:    "negative position",
			batch:   Batch{New: []Candidate{{Memory: "fact", SourcePositions: []int{-1}}}},
			wantErr: true,
		},
		{
			name:    "unknown contradicted id",
			batch:   Batch{Contrary: []Contrary{{Memory: "fact", SourcePositions: []int{0}, ContradictsID: "ghost"}}},
			wantErr: true,
		},
		{
			name:  "valid unchanged",
			batch: Batch{Unchanged: []Unchanged{{MemoryID: "mem-1", SourcePositions: []int{1}}}},
		},
		{
			name:    "unknown unchanged id",
			batch:   Batch{Unchanged: []Unchanged{{MemoryID: "ghost", SourcePositions: []int{0}}}},
			wantErr: true,
		},
		{
			name:    "unchanged position out of window",
			batch:   Batch{Unchanged: []Unchanged{{MemoryID: "mem-1", SourcePositions: []int{9}}}},
			wantErr: true,
		},
		{
			name: "same memory contradicted and unchanged",
			batch: Batch{
				Contrary:  []Contrary{{Memory: "fact", SourcePositions: []int{0}, ContradictsID: "mem-1"}},
				Unchanged: []Unchanged{{MemoryID: "mem-1", SourcePositions: []int{1}}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.batch.Validate(3, known)
			if tt.wantErr {
				if !errors.Is(err, model.ErrValidation) {
					t.Errorf("err = %v, want ErrValidation", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestResolveTokens(t *testing.T) {
	got := resolveTokens("#user_#id# told #agent_#id# about #user_#id#'s cat", "u1", "a1")
	want := "user_u1 told agent_a1 about user_u1's cat"
	if got != want {
		t.Errorf("resolveTokens = %q, want %q", got, want)
	}
}

func TestJSONBlock(t *testing.T) {
	raw := "Here you go:\n```json\n{\"queries\": [\"a\"]}\n```\nDone."
	if got := string(jsonBlock(raw)); got != `{"queries": ["a"]}` {
		t.Errorf("jsonBlock = %q", got)
	}
}

func testRequest(existing []model.Memory) Request {
	return Request{
		Messages: []model.MessageBlock{
			{Role: "user", Content: "I moved to Lisbon last month", Position: 0},
			{Role: "agent", Content: "How are you liking it?", Position: 1},
		},
		Existing:   existing,
		UserID:     "u1",
		UserName:   "Jane",
		AgentID:    "a1",
		AgentLabel: "Assistant",
		At:         time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestRunExtractionNoExistingSkipsComparison(t *testing.T) {
	calls := 0
	chat := func(_ context.Context, system, _ string) (string, error) {
		calls++
		return `{"memories_first_pass": [{"memory": "#user_#id# moved to Lisbon", "msg_source_ids": [0]}]}`, nil
	}

	batch, err := runExtraction(context.Background(), testRequest(nil), chat)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no comparison without existing memories)", calls)
	}
	if len(batch.New) != 1 || batch.New[0].Memory != "user_u1 moved to Lisbon" {
		t.Fatalf("batch = %+v", batch)
	}
	if len(batch.New[0].SourcePositions) != 1 || batch.New[0].SourcePositions[0] != 0 {
		t.Errorf("source positions = %v", batch.New[0].SourcePositions)
	}
}

func TestRunExtractionComparisonPhase(t *testing.T) {
	existing := []model.Memory{{MemoryID: "mem-1", Content: "user_u1 lives in Porto"}}
	calls := 0
	chat := func(_ context.Context, system, user string) (string, error) {
		calls++
		if calls == 1 {
			return `{"memories_first_pass": [
				{"memory": "#user_#id# moved to Lisbon", "msg_source_ids": [0]},
				{"memory": "#user_#id# enjoys city life", "msg_source_ids": [0, 1]}]}`, nil
		}
		return `{"new_memories": [{"memory": "#user_#id# enjoys city life", "source_candidate_pos_id": 1}],
			"contrary_memories": [{"memory": "#user_#id# lives in Lisbon", "source_candidate_pos_id": 0, "contradicted_memory_id": "mem-1"}],
			"unchanged_memories": [{"memory_id": "mem-2", "source_candidate_pos_id": 1}]}`, nil
	}

	batch, err := runExtraction(context.Background(), testRequest(existing), chat)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if len(batch.New) != 1 || batch.New[0].Memory != "user_u1 enjoys city life" {
		t.Fatalf("new = %+v", batch.New)
	}
	if len(batch.Contrary) != 1 {
		t.Fatalf("contrary = %+v", batch.Contrary)
	}
	c := batch.Contrary[0]
	if c.ContradictsID != "mem-1" || c.Memory != "user_u1 lives in Lisbon" {
		t.Errorf("contrary = %+v", c)
	}
	if len(c.SourcePositions) != 1 || c.SourcePositions[0] != 0 {
		t.Errorf("contrary source positions should come from the cited candidate, got %v", c.SourcePositions)
	}
	if len(batch.Unchanged) != 1 {
		t.Fatalf("unchanged = %+v", batch.Unchanged)
	}
	u := batch.Unchanged[0]
	if u.MemoryID != "mem-2" || len(u.SourcePositions) != 2 || u.SourcePositions[0] != 0 || u.SourcePositions[1] != 1 {
		t.Errorf("unchanged = %+v", u)
	}
}

func TestRunExtractionRejectsBadCandidateRef(t *testing.T) {
	existing := []model.Memory{{MemoryID: "mem-1", Content: "stale"}}
	calls := 0
	chat := func(_ context.Context, _, _ string) (string, error) {
		calls++
		if calls == 1 {
			return `{"memories_first_pass": [{"memory": "fact", "msg_source_ids": [0]}]}`, nil
		}
		return `{"new_memories": [{"memory": "fact", "source_candidate_pos_id": 7}]}`, nil
	}

	_, err := runExtraction(context.Background(), testRequest(existing), chat)
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestRunExtractionEmptyWindow(t *testing.T) {
	chat := func(_ context.Context, _, _ string) (string, error) {
		t.Fatal("chat should not be called for an empty window")
		return "", nil
	}
	batch, err := runExtraction(context.Background(), Request{}, chat)
	if err != nil || !batch.Empty() {
		t.Fatalf("batch = %+v, err = %v", batch, err)
	}
}

func TestParseSelectedIDs(t *testing.T) {
	ids, err := parseSelectedIDs(
		"REASONS AND JUST memory_id enclosed in (<< >>):\n" +
			"- Reason: allergy matters || << mem-1 >>\n" +
			"- Reason: location || <<mem-2>>\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "mem-1" || ids[1] != "mem-2" {
		t.Fatalf("ids = %v", ids)
	}

	ids, err = parseSelectedIDs("- Reason: nothing relevant || << NONE >>")
	if err != nil || len(ids) != 0 {
		t.Fatalf("NONE should select nothing, got %v, %v", ids, err)
	}

	if _, err := parseSelectedIDs("I cannot help with that."); err == nil {
		t.Error("a response without markers must error so callers fall back")
	}
}

func TestStaticQueries(t *testing.T) {
	qs, err := StaticQueries{}.Queries(context.Background(), nil, "what did I say about Lisbon", time.Now())
	if err != nil || len(qs) != 1 || qs[0] != "what did I say about Lisbon" {
		t.Fatalf("qs = %v, err = %v", qs, err)
	}
}
