package vector

import "testing"

func TestRRFBothChannelsBeatsSingle(t *testing.T) {
	dense := []Hit{{MemoryID: "a", Score: 0.9}, {MemoryID: "b", Score: 0.8}}
	sparse := []Hit{{MemoryID: "b", Score: 5.0}, {MemoryID: "c", Score: 4.0}}

	fused := RRF{}.Fuse(dense, sparse)
	if len(fused) != 3 {
		t.Fatalf("fused %d hits, want 3", len(fused))
	}
	if fused[0].MemoryID != "b" {
		t.Errorf("top = %s, want b (present in both rankings)", fused[0].MemoryID)
	}
}

func TestRRFKeepsHitOwner(t *testing.T) {
	dense := []Hit{{MemoryID: "a", OrgID: "o1", UserID: "u2", Score: 0.9}}
	sparse := []Hit{{MemoryID: "a", OrgID: "o1", UserID: "u2", Score: 3.0}}

	fused := RRF{}.Fuse(dense, sparse)
	if len(fused) != 1 || fused[0].OrgID != "o1" || fused[0].UserID != "u2" {
		t.Fatalf("fused = %+v, want owner tenant preserved", fused)
	}
}

func TestRRFScoreFormula(t *testing.T) {
	fused := RRF{K: 60}.Fuse([]Hit{{MemoryID: "a"}}, []Hit{{MemoryID: "a"}})
	want := 2.0 / 61.0
	if len(fused) != 1 || fused[0].Score != want {
		t.Fatalf("score = %v, want %v", fused, want)
	}
}

func TestRRFTieBreaksDeterministically(t *testing.T) {
	fused := RRF{}.Fuse([]Hit{{MemoryID: "z"}}, []Hit{{MemoryID: "a"}})
	if fused[0].MemoryID != "a" || fused[1].MemoryID != "z" {
		t.Errorf("equal scores should order by id, got %v", fused)
	}
}

func TestRRFEmptyRankings(t *testing.T) {
	if got := (RRF{}).Fuse(nil, nil); len(got) != 0 {
		t.Errorf("fusing empty rankings = %v, want none", got)
	}
}
