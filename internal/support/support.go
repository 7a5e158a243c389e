// Package support implements C6's two-stage per-scene support
// selection: a stage-1 KNN retrieval followed by a stage-2 LLM rerank
// whose prompt template and strict-JSON-with-fallback parsing follow
// internal/eval/judge.go's JudgeMemory (prompt constant, call the LLM,
// parse strictly, and on failure fall back rather than propagate).
package support

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tropeminer/judge/internal/embedding"
	"github.com/tropeminer/judge/internal/llm"
	"github.com/tropeminer/judge/internal/vectorstore"
)

// Row is one support_selection row as spec.md §4.6 requires it
// persisted: all k stage-1 candidates, picked or not.
type Row struct {
	ChunkID     string
	Stage1Score float64
	Stage2Score float64
	Picked      bool
	Rank        int // 0 if not picked
	Text        string
}

const rerankPrompt = `You are selecting the snippets that most directly support judging a scene for narrative tropes.

Scene:
%s

Candidate snippets (id, stage-1 similarity, text):
%s

Pick at most %d snippets that most directly entail a trope in this scene. Penalize snippets that are generic background description rather than specific supporting evidence.

Respond with ONLY a JSON object: {"picked": ["<id>", ...], "notes": "<short rationale>"}`

type rerankResponse struct {
	Picked []string `json:"picked"`
	Notes  string   `json:"notes"`
}

// Candidate is a stage-1 retrieved chunk before reranking.
type Candidate struct {
	ChunkID string
	Score   float64
	Text    string
}

// Select runs C6 for one scene: stage-1 KNN via the chunk collection,
// then a stage-2 LLM rerank that keeps at most keepM picks. On
// malformed LLM output it falls back to top-keepM by stage-1 score,
// per spec.md §4.6 and the orchestrator's C6 failure policy (§4.12:
// "falls back to top-M by σ₁").
func Select(
	ctx context.Context,
	embedder *embedding.Client,
	store *vectorstore.Store,
	llmClient *llm.Client,
	embModel, reasonerModel string,
	sceneText string,
	workID string,
	rerankTopK, rerankKeepM int,
	chunkText func(chunkID string) string,
) ([]Row, error) {
	vec, err := embedder.Embed(ctx, embModel, sceneText)
	if err != nil {
		return nil, fmt.Errorf("embed scene: %w", err)
	}

	matches, err := store.Query(ctx, "chunk", vec, rerankTopK, workID)
	if err != nil {
		return nil, fmt.Errorf("query chunk collection: %w", err)
	}

	cands := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		cands = append(cands, Candidate{ChunkID: m.ID, Score: m.Similarity, Text: chunkText(m.ID)})
	}

	picked, notes := rerank(ctx, llmClient, reasonerModel, sceneText, cands, rerankKeepM)
	_ = notes

	rows := make([]Row, 0, len(cands))
	pickedSet := map[string]bool{}
	for _, id := range picked {
		pickedSet[id] = true
	}
	// stable rank assignment follows the LLM's (or fallback's) pick order
	rankOf := map[string]int{}
	for i, id := range picked {
		rankOf[id] = i + 1
	}

	for _, c := range cands {
		row := Row{ChunkID: c.ChunkID, Stage1Score: c.Score, Text: c.Text}
		if pickedSet[c.ChunkID] {
			row.Stage2Score = 1
			row.Picked = true
			row.Rank = rankOf[c.ChunkID]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// rerank calls the LLM and strictly parses its response; on any
// failure it falls back to top-keepM by stage-1 score, never
// propagating the parse error to the caller (spec.md §4.6).
func rerank(ctx context.Context, llmClient *llm.Client, model, sceneText string, cands []Candidate, keepM int) ([]string, string) {
	if llmClient == nil {
		return fallback(cands, keepM), ""
	}

	snippetList := ""
	for _, c := range cands {
		snippetList += fmt.Sprintf("- id=%s sim=%.3f: %s\n", c.ChunkID, c.Score, c.Text)
	}
	prompt := fmt.Sprintf(rerankPrompt, sceneText, snippetList, keepM)

	raw, err := llmClient.Complete(ctx, model, prompt)
	if err != nil {
		return fallback(cands, keepM), ""
	}

	var resp rerankResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fallback(cands, keepM), ""
	}

	valid := map[string]bool{}
	for _, c := range cands {
		valid[c.ChunkID] = true
	}
	var picked []string
	for _, id := range resp.Picked {
		if valid[id] {
			picked = append(picked, id)
		}
	}
	if len(picked) == 0 {
		return fallback(cands, keepM), resp.Notes
	}
	if len(picked) > keepM {
		picked = picked[:keepM]
	}
	return picked, resp.Notes
}

func fallback(cands []Candidate, keepM int) []string {
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
	if len(sorted) > keepM {
		sorted = sorted[:keepM]
	}
	out := make([]string, len(sorted))
	for i, c := range sorted {
		out[i] = c.ChunkID
	}
	return out
}
