package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/memora-labs/memora/internal/model"
)

const extractionSystemPrompt = `The Current Date & Time is %s, %s.
Given an interaction between (%s) and (%s).

# OBJECTIVE:
- Extract details about %s%s from the interaction to be stored in memory used to personalize future interactions.
- Ignore insignificant details that you are very certain will be unhelpful in future personalized responses.
- Never fabricate any detail not present or strongly implied in the interaction.

# MEMORY GUIDELINES:
- Keep each memory descriptive, self-contained, not exceed 25 words.
- Use proper tense (past, present, continuous) as appropriate.
- Always use #user_#id# instead of (%s) and #agent_#id# instead of (%s) in the memories.
- Message blocks are numbered; every memory must list the numbers it was extracted from.
- Output must be a JSON object using the schema:
{"memories_first_pass": [{"memory": "...", "msg_source_ids": [0]}],
 "memories_second_pass": [{"memory": "...", "msg_source_ids": [2, 3]}],
 "memories_third_pass": []}
- memories_second_pass and memories_third_pass hold info missed in the earlier passes, if any.`

const comparisonSystemPrompt = `The Current Date & Time is %s, %s.

You manage memories for %s / %s.
You are given existing stored memories and candidate new memories.

# Objective:
1. Identify New Memories:
   - Information gleaned from candidate memories that are not updates to any existing memory.

2. Identify Contradictory Memories:
   - Candidate memories that directly contradict existing stored memories.

3. Identify Unchanged Memories:
   - Candidate memories that restate an existing stored memory with no semantic change.

# IMPORTANT GUIDELINES
- DO NOT GIVE ANY EXPLANATIONS.
- The output must be a JSON object using the schema:
{"new_memories": [{"memory": "...", "source_candidate_pos_id": 0}],
 "contrary_memories": [{"memory": "...", "source_candidate_pos_id": 1, "contradicted_memory_id": "..."}],
 "unchanged_memories": [{"memory_id": "...", "source_candidate_pos_id": 2}]}`

const filterSystemPrompt = `The Current Date & Time is %s, %s.

This is the latest message sent to the room where an Agent and User are interacting:
Latest Message to Room:
%s

These are the memory search queries based on the latest message:
Memory Search Queries:
- %s

You will receive the results of these memory search queries. Based on both the latest message and the results of the memory search queries, output the relevant memory_id (UUIDs) in the following format:

REASONS AND JUST memory_id enclosed in (<< >>):
- Reason: ... || << ... (just memory_id of a relevant memory here)>>
- Reason: ... || << ... >>

# If no relevant memory_id are found, output:
REASONS AND JUST memory_id enclosed in (<< >>):
- Reason: ... || << NONE >>`

const queryGenSystemPrompt = `You are a memory agent. Your task is to generate memory search queries based on the latest message to the room.

Input:
- Latest message to the room
- Previous conversation messages (if provided, and is useful for context)

Instructions:
1. Generate as many search queries needed to retrieve all relevant memories for the message (entities, their relationships, patterns, other info etc.)
2. Focus only on memory needs for the latest message
3. No explanations or responses - just search queries

Output must be a JSON object: {"queries": ["...", "..."]}`

func extractionSystem(req Request) string {
	scope := ""
	if req.IncludeAgent {
		scope = fmt.Sprintf(" and (%s)", req.AgentLabel)
	}
	day, ts := promptClock(req.At)
	return fmt.Sprintf(extractionSystemPrompt,
		day, ts, req.AgentLabel, req.UserName,
		req.UserName, scope,
		req.UserName, req.AgentLabel)
}

func comparisonSystem(req Request) string {
	day, ts := promptClock(req.At)
	return fmt.Sprintf(comparisonSystemPrompt,
		day, ts, "user_"+req.UserID, "agent_"+req.AgentID)
}

func promptClock(at time.Time) (string, string) {
	if at.IsZero() {
		at = time.Now()
	}
	return at.Weekday().String(), at.Format("2006-01-02 15:04")
}

// transcript renders the message window with explicit block numbers so the
// model can cite msg_source_ids.
func transcript(req Request) string {
	var b strings.Builder
	b.WriteString(">>>>>>> ENTIRE INTERACTION IS BELOW <<<<<<<\n")
	for i, m := range req.Messages {
		name := req.UserName
		if m.Role != "user" {
			name = req.AgentLabel
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", i, name, m.Content)
	}
	return b.String()
}

// comparisonInput renders existing memories with their ids and candidates
// with positional ids.
func comparisonInput(req Request, candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("====\nEXISTING MEMORIES\n====\n\n")
	if len(req.Existing) == 0 {
		b.WriteString("(none)\n")
	}
	for _, m := range req.Existing {
		fmt.Fprintf(&b, "- [ID: %s] %s\n", m.MemoryID, m.Content)
	}
	b.WriteString("\n====\nNEW CANDIDATE MEMORIES\n====\n\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "- [POS_ID: %d] %s\n", i, c.Memory)
	}
	return b.String()
}

func filterSystem(latest string, queries []string, at time.Time) string {
	day, ts := promptClock(at)
	return fmt.Sprintf(filterSystemPrompt, day, ts, latest, strings.Join(queries, "\n- "))
}

// filterInput renders the retrieved memories with their ids for the
// relevance pass.
func filterInput(memories []model.Memory) string {
	var b strings.Builder
	for _, m := range memories {
		fmt.Fprintf(&b, "- [ID: %s] %s (obtained %s)\n",
			m.MemoryID, m.Content, m.ObtainedAt.Format("2006-01-02 15:04"))
	}
	return b.String()
}

func queryGenInput(preceding []string, latest string, at time.Time) string {
	var b strings.Builder
	b.WriteString("# Preceding Messages\n---\n")
	if len(preceding) == 0 {
		b.WriteString("(none)\n")
	}
	for _, m := range preceding {
		b.WriteString(m)
		b.WriteString("\n")
	}
	day, ts := promptClock(at)
	fmt.Fprintf(&b, "---\n\n# Latest Message For Retrieval Decision (DateTime: %s, %s)\n---\n%s\n---\n", day, ts, latest)
	return b.String()
}
