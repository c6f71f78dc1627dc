package memora

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/memora-labs/memora/internal/embed"
	"github.com/memora-labs/memora/internal/extract"
	"github.com/memora-labs/memora/internal/graph"
	"github.com/memora-labs/memora/internal/model"
	"github.com/memora-labs/memora/internal/vector"
)

var testAt = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

// fakeExtractor replays scripted batches, one per Extract call.
type fakeExtractor struct {
	batches []*extract.Batch
	calls   int
}

func (f *fakeExtractor) Extract(_ context.Context, _ extract.Request) (*extract.Batch, error) {
	f.calls++
	if len(f.batches) == 0 {
		return &extract.Batch{}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

// flakyIndex fails every mutation while broken is set.
type flakyIndex struct {
	vector.Index
	broken bool
}

func (f *flakyIndex) Upsert(ctx context.Context, entries []vector.Entry) error {
	if f.broken {
		return fmt.Errorf("index unavailable")
	}
	return f.Index.Upsert(ctx, entries)
}

func (f *flakyIndex) Delete(ctx context.Context, ids []string) error {
	if f.broken {
		return fmt.Errorf("index unavailable")
	}
	return f.Index.Delete(ctx, ids)
}

type fixture struct {
	client *Client
	flaky  *flakyIndex
	ext    *fakeExtractor
	scope  model.Scope
}

func newFixture(t *testing.T, batches ...*extract.Batch) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := graph.Open(filepath.Join(dir, "graph.db"))
	if err != nil {
		t.Fatal(err)
	}
	idx, err := vector.Open(filepath.Join(dir, "index.db"), embed.NewHashEmbedder(64))
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	org, err := store.CreateOrganization(ctx, "Acme")
	if err != nil {
		t.Fatal(err)
	}
	user, _ := store.CreateUser(ctx, org.OrgID, "Jane")
	agent, _ := store.CreateAgent(ctx, org.OrgID, "", "Jerry")

	flaky := &flakyIndex{Index: idx}
	ext := &fakeExtractor{batches: batches}
	client := New(store, flaky,
		WithExtractor(ext),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIndexRetry(2, time.Millisecond))
	t.Cleanup(func() { client.Close() })

	return &fixture{
		client: client,
		flaky:  flaky,
		ext:    ext,
		scope:  model.Scope{OrgID: org.OrgID, UserID: user.UserID, AgentID: agent.AgentID},
	}
}

func userMsgs(contents ...string) []model.MessageBlock {
	out := make([]model.MessageBlock, len(contents))
	for i, c := range contents {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAgent
		}
		out[i] = model.MessageBlock{Role: role, Content: c}
	}
	return out
}

func TestSaveDerivesMemoriesIntoBothStores(t *testing.T) {
	f := newFixture(t, &extract.Batch{
		New: []extract.Candidate{{Memory: "user lives in Lisbon", SourcePositions: []int{0}}},
	})
	ctx := context.Background()

	res, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("I live in Lisbon", "noted"), testAt)
	if err != nil {
		t.Fatal(err)
	}
	if res.InteractionID == "" {
		t.Fatal("no interaction id")
	}

	memories, err := f.client.Graph().ListMemories(ctx, f.scope, "", graph.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(memories) != 1 {
		t.Fatalf("memories = %d, want 1", len(memories))
	}
	ids, _ := f.client.Index().ListIDs(ctx, f.scope.OrgID, f.scope.UserID)
	if len(ids) != 1 || ids[0] != memories[0].MemoryID {
		t.Fatalf("index ids = %v, want %s", ids, memories[0].MemoryID)
	}
}

func TestContraryExtractionSupersedes(t *testing.T) {
	f := newFixture(t, &extract.Batch{
		New: []extract.Candidate{{Memory: "user lives in Porto", SourcePositions: []int{0}}},
	})
	ctx := context.Background()
	if _, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("I live in Porto", "ok"), testAt); err != nil {
		t.Fatal(err)
	}
	memories, _ := f.client.Graph().ListMemories(ctx, f.scope, "", graph.ListOptions{})
	oldID := memories[0].MemoryID

	f.ext.batches = []*extract.Batch{{
		Contrary: []extract.Contrary{{
			Memory: "user lives in Lisbon", SourcePositions: []int{0}, ContradictsID: oldID,
		}},
	}}
	if _, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("I moved to Lisbon", "ok"), testAt.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	memories, _ = f.client.Graph().ListMemories(ctx, f.scope, "", graph.ListOptions{})
	if len(memories) != 1 {
		t.Fatalf("current memories = %d, want 1", len(memories))
	}
	newID := memories[0].MemoryID
	if newID == oldID {
		t.Fatal("contrary fact should open a new version")
	}
	history, err := f.client.Graph().MemoryHistory(ctx, f.scope, oldID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].MemoryID != newID {
		t.Fatalf("history = %+v", history)
	}

	// Only the current version stays indexed.
	ids, _ := f.client.Index().ListIDs(ctx, f.scope.OrgID, f.scope.UserID)
	if len(ids) != 1 || ids[0] != newID {
		t.Fatalf("index ids = %v, want only %s", ids, newID)
	}
}

func TestUnchangedExtractionExtendsSources(t *testing.T) {
	f := newFixture(t, &extract.Batch{
		New: []extract.Candidate{{Memory: "user lives in Lisbon", SourcePositions: []int{0}}},
	})
	ctx := context.Background()
	if _, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("I live in Lisbon", "ok"), testAt); err != nil {
		t.Fatal(err)
	}
	memories, _ := f.client.Graph().ListMemories(ctx, f.scope, "", graph.ListOptions{})
	memID := memories[0].MemoryID

	f.ext.batches = []*extract.Batch{{
		Unchanged: []extract.Unchanged{{MemoryID: memID, SourcePositions: []int{0}}},
	}}
	second, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("still in Lisbon", "ok"), testAt.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	// No new version; sources now span both interactions.
	memories, _ = f.client.Graph().ListMemories(ctx, f.scope, "", graph.ListOptions{})
	if len(memories) != 1 || memories[0].MemoryID != memID {
		t.Fatalf("memories = %+v, want only %s", memories, memID)
	}
	if len(memories[0].MessageSources) != 2 {
		t.Fatalf("sources = %+v, want 2", memories[0].MessageSources)
	}
	var fromSecond bool
	for _, s := range memories[0].MessageSources {
		if s.InteractionID == second.InteractionID {
			fromSecond = true
		}
	}
	if !fromSecond {
		t.Error("re-confirmation should link the new interaction as a source")
	}
}

func TestUpdateIdenticalSkipsExtraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	messages := userMsgs("hello", "hi")
	res, err := f.client.SaveInteraction(ctx, f.scope, messages, testAt)
	if err != nil {
		t.Fatal(err)
	}
	callsAfterSave := f.ext.calls

	upd, err := f.client.UpdateInteraction(ctx, f.scope, res.InteractionID, messages, testAt.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if upd.Class != model.UpdateIdentical {
		t.Errorf("class = %v", upd.Class)
	}
	if f.ext.calls != callsAfterSave {
		t.Error("identical update must not invoke the extractor")
	}
}

func TestUpdateAppendExtractsOnlyDelta(t *testing.T) {
	f := newFixture(t,
		&extract.Batch{}, // save pass extracts nothing
		&extract.Batch{New: []extract.Candidate{{Memory: "user got a dog", SourcePositions: []int{0}}}},
	)
	ctx := context.Background()
	stored := userMsgs("hello", "hi")
	res, err := f.client.SaveInteraction(ctx, f.scope, stored, testAt)
	if err != nil {
		t.Fatal(err)
	}

	candidate := userMsgs("hello", "hi", "I got a dog", "congrats")
	upd, err := f.client.UpdateInteraction(ctx, f.scope, res.InteractionID, candidate, testAt.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if upd.Class != model.UpdateAppend {
		t.Fatalf("class = %v", upd.Class)
	}

	memories, _ := f.client.Graph().ListMemories(ctx, f.scope, "", graph.ListOptions{})
	if len(memories) != 1 {
		t.Fatalf("memories = %+v", memories)
	}
	// Source position 0 of the delta window is stored position 2.
	srcs := memories[0].MessageSources
	if len(srcs) != 1 || srcs[0].Position != 2 {
		t.Fatalf("sources = %+v, want position 2", srcs)
	}
}

func TestIndexOutageReportsConsistencyAndReconciles(t *testing.T) {
	f := newFixture(t, &extract.Batch{
		New: []extract.Candidate{{Memory: "user lives in Lisbon", SourcePositions: []int{0}}},
	})
	ctx := context.Background()
	f.flaky.broken = true

	res, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("I live in Lisbon", "ok"), testAt)
	if !errors.Is(err, model.ErrConsistency) {
		t.Fatalf("err = %v, want ErrConsistency", err)
	}
	if res == nil || res.InteractionID == "" {
		t.Fatal("graph commit must survive the index outage")
	}

	// Graph has the memory, index does not.
	memories, _ := f.client.Graph().ListMemories(ctx, f.scope, "", graph.ListOptions{})
	if len(memories) != 1 {
		t.Fatalf("memories = %d", len(memories))
	}
	ids, _ := f.client.Index().ListIDs(ctx, f.scope.OrgID, f.scope.UserID)
	if len(ids) != 0 {
		t.Fatalf("index should be empty during outage, got %v", ids)
	}

	f.flaky.broken = false
	if err := f.client.Reconcile(ctx, f.scope); err != nil {
		t.Fatal(err)
	}
	ids, _ = f.client.Index().ListIDs(ctx, f.scope.OrgID, f.scope.UserID)
	if len(ids) != 1 || ids[0] != memories[0].MemoryID {
		t.Fatalf("index after reconcile = %v", ids)
	}
}

func TestRecallForMessage(t *testing.T) {
	f := newFixture(t, &extract.Batch{
		New: []extract.Candidate{
			{Memory: "user lives in Lisbon near the coast", SourcePositions: []int{0}},
			{Memory: "user is allergic to peanuts", SourcePositions: []int{0}},
		},
	})
	ctx := context.Background()
	if _, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("facts about me", "ok"), testAt); err != nil {
		t.Fatal(err)
	}

	recall, err := f.client.RecallForMessage(ctx, f.scope, "is the user allergic to peanuts", nil, SearchOptions{TopK: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(recall.Memories) != 1 {
		t.Fatalf("recall = %+v", recall)
	}
	if recall.Memories[0].Content != "user is allergic to peanuts" {
		t.Errorf("recalled %q", recall.Memories[0].Content)
	}
	if len(recall.MemoryIDs) != 1 || recall.MemoryIDs[0] != recall.Memories[0].MemoryID {
		t.Errorf("id list = %v", recall.MemoryIDs)
	}
}

func TestSearchAcrossOrganizationResolvesOtherUsers(t *testing.T) {
	f := newFixture(t, &extract.Batch{
		New: []extract.Candidate{{Memory: "user lives in Lisbon", SourcePositions: []int{0}}},
	})
	ctx := context.Background()
	if _, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("I live in Lisbon", "ok"), testAt); err != nil {
		t.Fatal(err)
	}

	other, err := f.client.Graph().CreateUser(ctx, f.scope.OrgID, "Sam")
	if err != nil {
		t.Fatal(err)
	}
	otherScope := model.Scope{OrgID: f.scope.OrgID, UserID: other.UserID, AgentID: f.scope.AgentID}
	f.ext.batches = []*extract.Batch{{
		New: []extract.Candidate{{Memory: "user keeps bees in Porto", SourcePositions: []int{0}}},
	}}
	if _, err := f.client.SaveInteraction(ctx, otherScope, userMsgs("I keep bees in Porto", "ok"), testAt); err != nil {
		t.Fatal(err)
	}

	got, err := f.client.SearchMemories(ctx, f.scope, "user keeps bees in Porto",
		SearchOptions{TopK: 5, AcrossOrg: true})
	if err != nil {
		t.Fatal(err)
	}
	var crossUser bool
	for _, m := range got {
		if m.UserID == other.UserID {
			crossUser = true
		}
	}
	if !crossUser {
		t.Fatalf("org-scope search dropped the other user's memory: %+v", got)
	}

	// User scope still stays within the caller's own slice.
	own, err := f.client.SearchMemories(ctx, f.scope, "user keeps bees in Porto", SearchOptions{TopK: 5})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range own {
		if m.UserID != f.scope.UserID {
			t.Errorf("user-scope search leaked %s owned by %s", m.MemoryID, m.UserID)
		}
	}
}

func TestSearchMemoriesAsOnePoolsAcrossQueries(t *testing.T) {
	f := newFixture(t, &extract.Batch{
		New: []extract.Candidate{
			{Memory: "user lives in Lisbon", SourcePositions: []int{0}},
			{Memory: "user works as a marine biologist", SourcePositions: []int{0}},
		},
	})
	ctx := context.Background()
	if _, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("facts", "ok"), testAt); err != nil {
		t.Fatal(err)
	}

	got, err := f.client.SearchMemoriesAsOne(ctx, f.scope,
		[]string{"user lives in Lisbon", "user works as marine biologist"}, SearchOptions{TopK: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("pooled results = %+v, want both memories", got)
	}
	seen := map[string]bool{}
	for _, m := range got {
		if seen[m.MemoryID] {
			t.Error("pooling must dedup memory ids")
		}
		seen[m.MemoryID] = true
	}
}

// fakeFilter replays one scripted relevance selection.
type fakeFilter struct {
	ids   []string
	err   error
	calls int
}

func (f *fakeFilter) Filter(_ context.Context, _ string, _ []string, _ []model.Memory, _ time.Time) ([]string, error) {
	f.calls++
	return f.ids, f.err
}

func TestRecallAppliesMemoryFilter(t *testing.T) {
	f := newFixture(t, &extract.Batch{
		New: []extract.Candidate{
			{Memory: "user lives in Lisbon", SourcePositions: []int{0}},
			{Memory: "user is allergic to peanuts", SourcePositions: []int{0}},
		},
	})
	ctx := context.Background()
	if _, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("facts about me", "ok"), testAt); err != nil {
		t.Fatal(err)
	}

	var keepID string
	memories, _ := f.client.Graph().ListMemories(ctx, f.scope, "", graph.ListOptions{})
	for _, m := range memories {
		if m.Content == "user is allergic to peanuts" {
			keepID = m.MemoryID
		}
	}
	filter := &fakeFilter{ids: []string{keepID}}
	f.client.filter = filter

	recall, err := f.client.RecallForMessage(ctx, f.scope, "allergic to peanuts Lisbon", nil, SearchOptions{TopK: 10})
	if err != nil {
		t.Fatal(err)
	}
	if filter.calls != 1 {
		t.Fatalf("filter calls = %d, want 1", filter.calls)
	}
	if len(recall.Memories) != 1 || recall.Memories[0].MemoryID != keepID {
		t.Fatalf("filtered recall = %+v, want only %s", recall.Memories, keepID)
	}

	// An empty selection means nothing was judged relevant.
	f.client.filter = &fakeFilter{}
	recall, err = f.client.RecallForMessage(ctx, f.scope, "allergic to peanuts Lisbon", nil, SearchOptions{TopK: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(recall.Memories) != 0 {
		t.Fatalf("recall = %+v, want none after empty selection", recall.Memories)
	}
}

func TestRecallFilterFailureKeepsResults(t *testing.T) {
	f := newFixture(t, &extract.Batch{
		New: []extract.Candidate{{Memory: "user is allergic to peanuts", SourcePositions: []int{0}}},
	})
	ctx := context.Background()
	if _, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("facts", "ok"), testAt); err != nil {
		t.Fatal(err)
	}
	f.client.filter = &fakeFilter{err: fmt.Errorf("model unavailable")}

	recall, err := f.client.RecallForMessage(ctx, f.scope, "user is allergic to peanuts", nil, SearchOptions{TopK: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(recall.Memories) != 1 {
		t.Fatalf("recall = %+v, want the unfiltered result after a filter failure", recall.Memories)
	}
}

func TestDeleteMemoryMirrorsPromotion(t *testing.T) {
	f := newFixture(t, &extract.Batch{
		New: []extract.Candidate{{Memory: "user lives in Porto", SourcePositions: []int{0}}},
	})
	ctx := context.Background()
	if _, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("I live in Porto", "ok"), testAt); err != nil {
		t.Fatal(err)
	}
	memories, _ := f.client.Graph().ListMemories(ctx, f.scope, "", graph.ListOptions{})
	oldID := memories[0].MemoryID

	f.ext.batches = []*extract.Batch{{
		Contrary: []extract.Contrary{{Memory: "user lives in Lisbon", SourcePositions: []int{0}, ContradictsID: oldID}},
	}}
	if _, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("moved", "ok"), testAt.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	memories, _ = f.client.Graph().ListMemories(ctx, f.scope, "", graph.ListOptions{})
	headID := memories[0].MemoryID

	if err := f.client.DeleteMemory(ctx, f.scope, headID, false); err != nil {
		t.Fatal(err)
	}

	// The predecessor is current again, in both stores.
	memories, _ = f.client.Graph().ListMemories(ctx, f.scope, "", graph.ListOptions{})
	if len(memories) != 1 || memories[0].MemoryID != oldID {
		t.Fatalf("memories after delete = %+v, want %s", memories, oldID)
	}
	ids, _ := f.client.Index().ListIDs(ctx, f.scope.OrgID, f.scope.UserID)
	if len(ids) != 1 || ids[0] != oldID {
		t.Fatalf("index after delete = %v, want %s", ids, oldID)
	}
}

func TestDeleteUserDropsEverything(t *testing.T) {
	f := newFixture(t, &extract.Batch{
		New: []extract.Candidate{{Memory: "user lives in Lisbon", SourcePositions: []int{0}}},
	})
	ctx := context.Background()
	if _, err := f.client.SaveInteraction(ctx, f.scope, userMsgs("hi", "hello"), testAt); err != nil {
		t.Fatal(err)
	}

	if err := f.client.DeleteUser(ctx, f.scope.OrgID, f.scope.UserID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.client.Graph().GetUser(ctx, f.scope.OrgID, f.scope.UserID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("user should be gone, err = %v", err)
	}
	ids, _ := f.client.Index().ListIDs(ctx, f.scope.OrgID, f.scope.UserID)
	if len(ids) != 0 {
		t.Errorf("index entries remain: %v", ids)
	}
}

func TestSaveRejectsBadMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.SaveInteraction(ctx, f.scope,
		[]model.MessageBlock{{Role: "system", Content: "x"}}, testAt)
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("bad role err = %v", err)
	}
	_, err = f.client.SaveInteraction(ctx, f.scope,
		[]model.MessageBlock{{Role: model.RoleUser, Content: ""}}, testAt)
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("empty content err = %v", err)
	}
}
