// Package sanity implements C7's per-(scene, trope) prior: a lexical
// gate reusing gazetteer's read-only matcher, and a semantic gate over
// embedding.CosineSimilarity, the same pairwise-similarity style
// internal/graph/db.go's cosineSim/populateTraceRelations use.
package sanity

import (
	"context"
	"fmt"

	"github.com/tropeminer/judge/internal/catalog"
	"github.com/tropeminer/judge/internal/embedding"
	"github.com/tropeminer/judge/internal/gazetteer"
)

// Prior is one trope_sanity row.
type Prior struct {
	TropeID string
	LexOK   bool
	SemSim  float64
	Weight  float64
}

// Compute runs C7 for one scene against its candidate trope set.
// supportTexts are the picked C6 support chunks' text; sceneText is
// the scene's own text. Both feed lex_ok and sem_sim per spec.md §4.7.
func Compute(
	ctx context.Context,
	embedder *embedding.Client,
	model string,
	matchers []*gazetteer.Matcher,
	tropes map[string]catalog.Trope,
	tropeIDs []string,
	sceneText string,
	supportTexts []string,
	antiWindow int,
	downweightNoMention, semSimThreshold float64,
) ([]Prior, error) {
	sceneVec, err := embedder.Embed(ctx, model, sceneText)
	if err != nil {
		return nil, fmt.Errorf("embed scene text: %w", err)
	}
	supportVecs := make([][]float32, 0, len(supportTexts))
	for _, txt := range supportTexts {
		v, err := embedder.Embed(ctx, model, txt)
		if err != nil {
			return nil, fmt.Errorf("embed support chunk: %w", err)
		}
		supportVecs = append(supportVecs, v)
	}

	var out []Prior
	for _, tid := range tropeIDs {
		t, ok := tropes[tid]
		if !ok {
			continue
		}

		lexOK := lexicalMention(matchers, tid, sceneText, antiWindow) ||
			anySupportMention(matchers, tid, supportTexts, antiWindow)

		defVec, err := embedder.Embed(ctx, model, t.Name+". "+t.Summary)
		if err != nil {
			return nil, fmt.Errorf("embed trope definition %s: %w", t.Name, err)
		}

		semSim := embedding.CosineSimilarity(defVec, sceneVec)
		for _, sv := range supportVecs {
			if s := embedding.CosineSimilarity(defVec, sv); s > semSim {
				semSim = s
			}
		}

		weight := 1.0
		if !lexOK && semSim < semSimThreshold {
			weight = downweightNoMention
		}

		out = append(out, Prior{TropeID: tid, LexOK: lexOK, SemSim: semSim, Weight: weight})
	}
	return out, nil
}

func lexicalMention(matchers []*gazetteer.Matcher, tropeID, text string, antiWindow int) bool {
	for _, c := range gazetteer.Scan(matchers, text, 0, antiWindow) {
		if c.TropeID == tropeID {
			return true
		}
	}
	return false
}

func anySupportMention(matchers []*gazetteer.Matcher, tropeID string, texts []string, antiWindow int) bool {
	for _, txt := range texts {
		if lexicalMention(matchers, tropeID, txt, antiWindow) {
			return true
		}
	}
	return false
}
