// Package verifier implements C9: embedding-based span tightening via
// sentence snapping. The regex sentence-boundary rule is the spec's
// own exact predicate; memory-service/pkg/extract/prose.go's prose.v3
// document is wired in as a secondary boundary source the way that
// file uses prose for structure-aware extraction, unioned with the
// regex boundaries to widen recall without weakening the primary
// definition the spec tests against.
package verifier

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tsawler/prose/v3"

	"github.com/tropeminer/judge/internal/embedding"
)

// Result is the outcome of verifying one finding's span.
type Result struct {
	Start         int
	End           int
	VerifierScore float64
	Replaced      bool
}

const maxWindowRunes = 280

// Verify implements spec.md §4.9 for one finding. norm_text is the
// full work text as []rune (code points); sceneStart/sceneEnd bound
// the scene the finding belongs to — the verifier never crosses them.
func Verify(
	ctx context.Context,
	embedder *embedding.Client,
	model string,
	normText []rune,
	sceneStart, sceneEnd int,
	evidenceStart, evidenceEnd int,
	tropeDef string,
	sceneText string,
	threshold float64,
	maxSent int,
) (Result, error) {
	span := string(normText[clamp(evidenceStart, 0, len(normText)):clamp(evidenceEnd, 0, len(normText))])

	spanVec, err := embedder.Embed(ctx, model, span)
	if err != nil {
		return Result{}, fmt.Errorf("embed span: %w", err)
	}
	defVec, err := embedder.Embed(ctx, model, tropeDef)
	if err != nil {
		return Result{}, fmt.Errorf("embed trope definition: %w", err)
	}
	sceneVec, err := embedder.Embed(ctx, model, sceneText)
	if err != nil {
		return Result{}, fmt.Errorf("embed scene text: %w", err)
	}

	simDef := embedding.CosineSimilarity(spanVec, defVec)
	simScene := embedding.CosineSimilarity(spanVec, sceneVec)
	originalScore := 0.7*simDef + 0.3*simScene

	if min(simDef, simScene) >= threshold {
		return Result{Start: evidenceStart, End: evidenceEnd, VerifierScore: originalScore}, nil
	}

	boundaries := sentenceBoundaries(normText, sceneStart, sceneEnd)

	// Locate the boundary positions bracketing the original span so we
	// can expand/shrink by ±maxSent sentences, per spec.md §4.9.
	startIdx := bisectLeft(boundaries, evidenceStart)
	endIdx := bisectLeft(boundaries, evidenceEnd)

	bestStart, bestEnd, bestScore := evidenceStart, evidenceEnd, originalScore
	for dStart := -maxSent; dStart <= maxSent; dStart++ {
		si := clampIdx(startIdx+dStart, 0, len(boundaries)-1)
		for dEnd := -maxSent; dEnd <= maxSent; dEnd++ {
			ei := clampIdx(endIdx+dEnd, 0, len(boundaries)-1)
			ws, we := boundaries[si], boundaries[ei]
			if we <= ws {
				continue
			}
			if we-ws > maxWindowRunes {
				continue
			}
			if ws < sceneStart || we > sceneEnd {
				continue
			}

			windowText := string(normText[ws:we])
			windowVec, err := embedder.Embed(ctx, model, windowText)
			if err != nil {
				continue
			}
			wSimDef := embedding.CosineSimilarity(windowVec, defVec)
			wSimScene := embedding.CosineSimilarity(windowVec, sceneVec)
			score := 0.7*wSimDef + 0.3*wSimScene
			if score > bestScore {
				bestScore = score
				bestStart, bestEnd = ws, we
			}
		}
	}

	if bestScore-originalScore >= 0.05 {
		return Result{Start: bestStart, End: bestEnd, VerifierScore: bestScore, Replaced: true}, nil
	}
	return Result{Start: evidenceStart, End: evidenceEnd, VerifierScore: originalScore}, nil
}

// sentenceBoundaries returns every code-point position i within
// [sceneStart, sceneEnd] such that normText[i-1] is one of . ! ? and
// normText[i] is whitespace or end-of-text, plus scene start/end,
// unioned with prose/v3's sentence boundaries as a secondary source
// (spec.md §4.9's exact predicate stays primary).
func sentenceBoundaries(normText []rune, sceneStart, sceneEnd int) []int {
	set := map[int]bool{sceneStart: true, sceneEnd: true}

	for i := sceneStart + 1; i < sceneEnd && i <= len(normText); i++ {
		prev := normText[i-1]
		if prev == '.' || prev == '!' || prev == '?' {
			if i == len(normText) {
				set[i] = true
				continue
			}
			if i < len(normText) && isSpace(normText[i]) {
				set[i] = true
			}
		}
	}

	sceneText := string(normText[sceneStart:sceneEnd])
	if doc, err := prose.NewDocument(sceneText); err == nil {
		cursor := 0 // byte offset into sceneText, advances monotonically
		for _, s := range doc.Sentences() {
			idx := indexFrom(sceneText, s.Text, cursor)
			if idx < 0 {
				continue
			}
			endByte := idx + len(s.Text)
			startRune := sceneStart + runeCount(sceneText[:idx])
			endRune := sceneStart + runeCount(sceneText[:endByte])
			if startRune >= sceneStart && startRune <= sceneEnd {
				set[startRune] = true
			}
			if endRune >= sceneStart && endRune <= sceneEnd {
				set[endRune] = true
			}
			cursor = endByte
		}
	}

	out := make([]int, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func indexFrom(haystack, needle string, from int) int {
	if from > len(haystack) {
		return -1
	}
	i := strings.Index(haystack[from:], needle)
	if i < 0 {
		return -1
	}
	return from + i
}

func runeCount(s string) int { return len([]rune(s)) }

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}

func bisectLeft(sorted []int, v int) int {
	lo, hi := 0, len(sorted)
	for lo < hi {
		mid := (lo + hi) / 2
		if sorted[mid] < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo >= len(sorted) {
		lo = len(sorted) - 1
	}
	return lo
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampIdx(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
