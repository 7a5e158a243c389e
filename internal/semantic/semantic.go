// Package semantic implements per-trope nearest-chunk retrieval (C5),
// the same embed-then-fuzzy-match call shape as
// internal/extract/resolve.go's Resolve ("embed the query, query the
// graph for a similarity match"), generalized from single-entity
// matching to a per-trope top-N chunk query.
package semantic

import (
	"context"
	"fmt"
	"sort"

	"github.com/tropeminer/judge/internal/catalog"
	"github.com/tropeminer/judge/internal/embedding"
	"github.com/tropeminer/judge/internal/gazetteer"
	"github.com/tropeminer/judge/internal/vectorstore"
)

// Candidate mirrors gazetteer.Candidate but always carries
// source='semantic' and the originating chunk id (spec.md §4.5's
// "span equal to the chunk's span").
type Candidate struct {
	TropeID string
	ChunkID string
	SceneID string
	Start   int
	End     int
	Score   float64
}

// ChunkLookup resolves a chunk's owning scene and span, the only
// metadata Seed needs beyond what vectorstore.Match already returns.
type ChunkLookup func(chunkID string) (sceneID string, start, end int, ok bool)

// Seed runs C5 for one work: for each trope, embed name+summary, query
// the chunk collection for its k=SemTopN nearest neighbors filtered to
// workID, keep matches at or above semTau, then cap per (trope, scene)
// at semPerSceneCap keeping the highest scores (ties broken by lower
// chunk.idx via the caller-supplied ordering in chunkIdx).
func Seed(
	ctx context.Context,
	embedder *embedding.Client,
	store *vectorstore.Store,
	model string,
	tropes []catalog.Trope,
	workID string,
	semTopN int,
	semTau float64,
	semPerSceneCap int,
	lookup ChunkLookup,
	chunkIdx func(chunkID string) int,
) ([]Candidate, error) {
	var out []Candidate

	for _, t := range tropes {
		query := t.Name + ". " + t.Summary
		vec, err := embedder.Embed(ctx, model, query)
		if err != nil {
			return nil, fmt.Errorf("embed trope %s: %w", t.Name, err)
		}

		matches, err := store.Query(ctx, "chunk", vec, semTopN, workID)
		if err != nil {
			return nil, fmt.Errorf("query chunk collection for trope %s: %w", t.Name, err)
		}

		bySceneCandidates := map[string][]Candidate{}
		for _, m := range matches {
			if m.Similarity < semTau {
				continue
			}
			sceneID, start, end, ok := lookup(m.ID)
			if !ok {
				continue
			}
			c := Candidate{
				TropeID: t.ID,
				ChunkID: m.ID,
				SceneID: sceneID,
				Start:   start,
				End:     end,
				Score:   m.Similarity,
			}
			bySceneCandidates[sceneID] = append(bySceneCandidates[sceneID], c)
		}

		for sceneID, cands := range bySceneCandidates {
			sort.Slice(cands, func(i, j int) bool {
				if cands[i].Score != cands[j].Score {
					return cands[i].Score > cands[j].Score
				}
				return chunkIdx(cands[i].ChunkID) < chunkIdx(cands[j].ChunkID)
			})
			if len(cands) > semPerSceneCap {
				cands = cands[:semPerSceneCap]
			}
			out = append(out, cands...)
			_ = sceneID
		}
	}

	return out, nil
}

// ToGazetteerCandidates adapts semantic Candidates into
// gazetteer.Candidate shape for components (C7 sanity, C8 judge) that
// want a uniform view of trope_candidate rows regardless of source.
func ToGazetteerCandidates(cands []Candidate) []gazetteer.Candidate {
	out := make([]gazetteer.Candidate, len(cands))
	for i, c := range cands {
		out[i] = gazetteer.Candidate{TropeID: c.TropeID, Start: c.Start, End: c.End, Score: c.Score}
	}
	return out
}
