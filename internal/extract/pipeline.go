package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/memora-labs/memora/internal/model"
)

// chatFn is one JSON-mode completion: system prompt plus user content in,
// raw model text out. Providers supply this; the two-phase pipeline below is
// shared.
type chatFn func(ctx context.Context, system, user string) (string, error)

type extractedMemory struct {
	Memory       string `json:"memory"`
	MsgSourceIDs []int  `json:"msg_source_ids"`
}

type extractionResponse struct {
	FirstPass  []extractedMemory `json:"memories_first_pass"`
	SecondPass []extractedMemory `json:"memories_second_pass"`
	ThirdPass  []extractedMemory `json:"memories_third_pass"`
}

type gleanedMemory struct {
	Memory    string `json:"memory"`
	SourcePos int    `json:"source_candidate_pos_id"`
}

type contraryMemory struct {
	Memory         string `json:"memory"`
	SourcePos      int    `json:"source_candidate_pos_id"`
	ContradictedID string `json:"contradicted_memory_id"`
}

type unchangedMemory struct {
	MemoryID  string `json:"memory_id"`
	SourcePos int    `json:"source_candidate_pos_id"`
}

type comparisonResponse struct {
	NewMemories       []gleanedMemory   `json:"new_memories"`
	ContraryMemories  []contraryMemory  `json:"contrary_memories"`
	UnchangedMemories []unchangedMemory `json:"unchanged_memories"`
}

// runExtraction is the two-phase flow: extract candidates from the window,
// then compare them against existing memories. With no existing memories the
// comparison call is skipped and every candidate is new.
func runExtraction(ctx context.Context, req Request, chat chatFn) (*Batch, error) {
	if len(req.Messages) == 0 {
		return &Batch{}, nil
	}

	raw, err := chat(ctx, extractionSystem(req), transcript(req))
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}
	var extracted extractionResponse
	if err := json.Unmarshal(jsonBlock(raw), &extracted); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}

	var candidates []Candidate
	for _, pass := range [][]extractedMemory{extracted.FirstPass, extracted.SecondPass, extracted.ThirdPass} {
		for _, m := range pass {
			if strings.TrimSpace(m.Memory) == "" {
				continue
			}
			candidates = append(candidates, Candidate{
				Memory:          resolveTokens(m.Memory, req.UserID, req.AgentID),
				SourcePositions: m.MsgSourceIDs,
			})
		}
	}
	if len(candidates) == 0 {
		return &Batch{}, nil
	}
	if len(req.Existing) == 0 {
		return &Batch{New: candidates}, nil
	}

	raw, err = chat(ctx, comparisonSystem(req), comparisonInput(req, candidates))
	if err != nil {
		return nil, fmt.Errorf("comparison call: %w", err)
	}
	var compared comparisonResponse
	if err := json.Unmarshal(jsonBlock(raw), &compared); err != nil {
		return nil, fmt.Errorf("parse comparison response: %w", err)
	}

	batch := &Batch{}
	for _, g := range compared.NewMemories {
		src, err := candidateAt(candidates, g.SourcePos)
		if err != nil {
			return nil, err
		}
		batch.New = append(batch.New, Candidate{
			Memory:          resolveTokens(g.Memory, req.UserID, req.AgentID),
			SourcePositions: src.SourcePositions,
		})
	}
	for _, c := range compared.ContraryMemories {
		src, err := candidateAt(candidates, c.SourcePos)
		if err != nil {
			return nil, err
		}
		batch.Contrary = append(batch.Contrary, Contrary{
			Memory:          resolveTokens(c.Memory, req.UserID, req.AgentID),
			SourcePositions: src.SourcePositions,
			ContradictsID:   c.ContradictedID,
		})
	}
	for _, u := range compared.UnchangedMemories {
		src, err := candidateAt(candidates, u.SourcePos)
		if err != nil {
			return nil, err
		}
		batch.Unchanged = append(batch.Unchanged, Unchanged{
			MemoryID:        u.MemoryID,
			SourcePositions: src.SourcePositions,
		})
	}
	return batch, nil
}

func candidateAt(candidates []Candidate, pos int) (Candidate, error) {
	if pos < 0 || pos >= len(candidates) {
		return Candidate{}, model.Validationf("comparison cited candidate %d of %d", pos, len(candidates))
	}
	return candidates[pos], nil
}

var selectedIDRe = regexp.MustCompile(`(?s)<<(.*?)>>`)

// parseSelectedIDs reads the << memory_id >> markers from a relevance-filter
// response. A response with no markers means the model did not follow the
// format and the caller should keep the unfiltered list; << NONE >> means it
// judged no memory relevant.
func parseSelectedIDs(response string) ([]string, error) {
	matches := selectedIDRe.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no memory ids marked in filter response")
	}
	var ids []string
	for _, m := range matches {
		id := strings.TrimSpace(m[1])
		if id == "" || strings.EqualFold(id, "none") {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// jsonBlock trims markdown fences and any prose around the outermost JSON
// object.
func jsonBlock(s string) []byte {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}
