// Package judge implements C8: builds the scene/supports/candidates
// prompt, calls the LLM, and strictly parses its JSON output into raw
// findings, following internal/eval/judge.go's prompt-template-plus-
// strict-parse shape (judgePrompt, JudgeMemory's regexp-anchored
// parse) generalized from a single numeric rating to a JSON array of
// structured findings.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tropeminer/judge/internal/llm"
)

// CandidateInput is one shortlisted trope candidate passed to the
// prompt, carrying exactly the fields spec.md §4.8 requires the model
// to see.
type CandidateInput struct {
	TropeID string
	Name    string
	Summary string
	LexOK   bool
	SemSim  float64
	Weight  float64
	Score   float64 // gazetteer/semantic seeding score, for shortlist ranking
}

// SupportInput is one picked support chunk.
type SupportInput struct {
	ChunkID string
	Text    string
}

// RawFinding is the model's unverified output for one finding.
type RawFinding struct {
	TropeID        string  `json:"trope_id"`
	Confidence     float64 `json:"confidence"`
	EvidenceStart  int     `json:"evidence_start"`
	EvidenceEnd    int     `json:"evidence_end"`
	Rationale      string  `json:"rationale"`
}

// AdjustedFinding is a RawFinding after the core applies the prior
// weight. adjusted_confidence is never taken from the model — it is
// always raw.Confidence * weight (spec.md §4.8).
type AdjustedFinding struct {
	RawFinding
	Weight             float64
	AdjustedConfidence float64
}

const judgePrompt = `Identify which of the listed tropes fire in this scene, with supporting evidence.

Scene (absolute offsets into the work; evidence spans must fall inside [%d, %d)):
%s

Supporting snippets:
%s

Candidate tropes (name, summary, prior signals):
%s

For each trope that genuinely fires, return an object with trope_id, confidence (0-1, your own assessment of narrative presence, before any prior weighting), evidence_start, evidence_end (absolute code-point offsets inside the scene), and a one-sentence rationale grounded in the supporting text. The prior weight is informational only — do not multiply it into your confidence yourself. Omit tropes that do not fire.

Respond with ONLY a JSON array of such objects.`

// BuildPrompt assembles C8's prompt, shortlisting candidates to
// topK by weight*(score+sem_sim) when oversized, per spec.md §4.8.
func BuildPrompt(sceneStart, sceneEnd int, sceneText string, supports []SupportInput, candidates []CandidateInput, topK int) string {
	shortlisted := shortlist(candidates, topK)

	supportBlock := ""
	for _, s := range supports {
		supportBlock += fmt.Sprintf("- id=%s: %s\n", s.ChunkID, s.Text)
	}

	tropeBlock := ""
	for _, c := range shortlisted {
		tropeBlock += fmt.Sprintf("- id=%s name=%q summary=%q lex_ok=%v sem_sim=%.3f weight=%.3f\n",
			c.TropeID, c.Name, c.Summary, c.LexOK, c.SemSim, c.Weight)
	}

	return fmt.Sprintf(judgePrompt, sceneStart, sceneEnd, sceneText, supportBlock, tropeBlock)
}

func shortlist(candidates []CandidateInput, topK int) []CandidateInput {
	if len(candidates) <= topK {
		return candidates
	}
	sorted := make([]CandidateInput, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Weight*(sorted[i].Score+sorted[i].SemSim) > sorted[j].Weight*(sorted[j].Score+sorted[j].SemSim)
	})
	return sorted[:topK]
}

// ErrMalformed signals the whole-scene skip spec.md §4.8 mandates on
// unparsable model output.
var ErrMalformed = fmt.Errorf("judge: malformed model output")

// Judge calls the LLM with prompt and strictly parses its response
// into raw findings. On any parse failure it returns ErrMalformed —
// the caller (orchestrator) is responsible for recording the single
// judge_parse_error audit row and skipping the scene whole.
func Judge(ctx context.Context, llmClient *llm.Client, model, prompt string) ([]RawFinding, error) {
	raw, err := llmClient.Complete(ctx, model, prompt)
	if err != nil {
		return nil, fmt.Errorf("llm complete: %w", err)
	}

	var findings []RawFinding
	if err := json.Unmarshal(raw, &findings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, f := range findings {
		if f.Confidence < 0 || f.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence %v out of [0,1]", ErrMalformed, f.Confidence)
		}
		if f.EvidenceEnd < f.EvidenceStart {
			return nil, fmt.Errorf("%w: evidence_end < evidence_start", ErrMalformed)
		}
	}
	return findings, nil
}

// Adjust multiplies each raw finding's confidence by its prior weight,
// never trusting the model's own incorporation of the prior.
func Adjust(findings []RawFinding, weights map[string]float64) []AdjustedFinding {
	out := make([]AdjustedFinding, 0, len(findings))
	for _, f := range findings {
		w := weights[f.TropeID]
		out = append(out, AdjustedFinding{
			RawFinding:         f,
			Weight:             w,
			AdjustedConfidence: f.Confidence * w,
		})
	}
	return out
}

// Accept reports whether an adjusted finding clears thresholdUsed. The
// orchestrator always passes the global THRESHOLD; no per-trope
// thresholds are loaded.
func Accept(f AdjustedFinding, thresholdUsed float64) bool {
	return f.AdjustedConfidence >= thresholdUsed
}
