// Package diff classifies how a candidate transcript relates to the stored
// one and locates the divergence point. It is a pure comparison; all storage
// consequences (truncate, detach, append) are computed by the graph store
// from the Result.
package diff

import "github.com/memora-labs/memora/internal/model"

// Result of comparing a candidate message sequence against the stored one.
type Result struct {
	Class model.UpdateClass

	// DivergenceIndex is the first position whose stored content must not be
	// trusted. For Append it equals len(stored): everything from there on is
	// new. For Identical it equals len(stored) and nothing changes. For
	// Divergent it is the first differing position; stored messages at or
	// after it are truncated.
	DivergenceIndex int
}

// Compare determines the update class for candidate against stored.
//
// Equality of two blocks is role+content; position is not compared. A shorter
// candidate that is a strict prefix of stored diverges at len(candidate).
// An empty candidate against a non-empty stored sequence is a full truncation:
// Divergent at 0.
func Compare(stored, candidate []model.MessageBlock) Result {
	n := len(stored)
	if len(candidate) < n {
		n = len(candidate)
	}
	for i := 0; i < n; i++ {
		if !stored[i].Equal(candidate[i]) {
			return Result{Class: model.UpdateDivergent, DivergenceIndex: i}
		}
	}
	if len(candidate) < len(stored) {
		return Result{Class: model.UpdateDivergent, DivergenceIndex: len(candidate)}
	}
	if len(candidate) == len(stored) {
		return Result{Class: model.UpdateIdentical, DivergenceIndex: len(stored)}
	}
	return Result{Class: model.UpdateAppend, DivergenceIndex: len(stored)}
}

// NewPositions returns the candidate positions that are new relative to the
// diff result, i.e. everything from the divergence index on. For Identical
// updates the delta is empty.
func NewPositions(r Result, candidate []model.MessageBlock) []model.MessageBlock {
	if r.DivergenceIndex >= len(candidate) {
		return nil
	}
	return candidate[r.DivergenceIndex:]
}
