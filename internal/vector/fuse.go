package vector

import "sort"

// RRF implements reciprocal rank fusion: each candidate scores
// sum(1 / (K + rank)) over the rankings it appears in. Rank is 1-based, so a
// memory found by both channels always beats one found by a single channel at
// the same ranks.
type RRF struct {
	K float64
}

func (r RRF) Fuse(rankings ...[]Hit) []Hit {
	k := r.K
	if k == 0 {
		k = DefaultRRFK
	}

	scores := make(map[string]float64)
	owners := make(map[string]Hit)
	for _, ranking := range rankings {
		for i, h := range ranking {
			scores[h.MemoryID] += 1.0 / (k + float64(i+1))
			if _, ok := owners[h.MemoryID]; !ok {
				owners[h.MemoryID] = h
			}
		}
	}

	fused := make([]Hit, 0, len(scores))
	for id, score := range scores {
		h := owners[id]
		h.Score = score
		fused = append(fused, h)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].MemoryID < fused[j].MemoryID
	})
	return fused
}
