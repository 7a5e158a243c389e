package gazetteer

import (
	"reflect"
	"testing"

	"github.com/tropeminer/judge/internal/catalog"
)

func tropeDarkAndStormy() catalog.Trope {
	return catalog.Trope{
		ID:      "t-das",
		Name:    "Dark And Stormy Night",
		Aliases: []string{"dark and stormy"},
	}
}

func tropeDreamSequence() catalog.Trope {
	return catalog.Trope{
		ID:          "t-dream",
		Name:        "Dream Sequence",
		AntiAliases: []string{"dream-like prose"},
	}
}

// Scenario 1: a bare literal phrase match with no surrounding negation
// cues yields exactly one candidate at the phrase's absolute offsets.
func TestScanLiteralMatch(t *testing.T) {
	text := "It was a dark and stormy night."
	matchers := Build([]catalog.Trope{tropeDarkAndStormy()})

	cands := Scan(matchers, text, 0, 60)
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(cands), cands)
	}
	got := text[cands[0].Start:cands[0].End]
	if got != "dark and stormy night" {
		t.Errorf("matched span = %q, want %q", got, "dark and stormy night")
	}
}

// Scenario 2: a preceding meta/negation cue ("isn't a") within 3 tokens
// suppresses the candidate entirely.
func TestScanSuppressedByPrecedingNegationCue(t *testing.T) {
	text := "This isn't a dark and stormy night."
	matchers := Build([]catalog.Trope{tropeDarkAndStormy()})

	cands := Scan(matchers, text, 0, 60)
	if len(cands) != 0 {
		t.Fatalf("got %d candidates, want 0 (suppressed): %+v", len(cands), cands)
	}
}

// Scenario 3: an anti-alias phrase near the match suppresses the
// candidate, even though the anti-alias itself is not a surface of the
// trope being matched.
func TestScanSuppressedByAntiAlias(t *testing.T) {
	matchers := Build([]catalog.Trope{tropeDreamSequence()})

	text := "the dream sequence was dream-like prose, or so it felt"
	cands := Scan(matchers, text, 0, 60)
	if len(cands) != 0 {
		t.Fatalf("got %d candidates, want 0 (anti-alias suppressed): %+v", len(cands), cands)
	}
}

// Scenario: "anti-" immediately preceding the matched alias suppresses
// the candidate (spec.md §4.4 rule 2).
func TestScanSuppressedByAntiPrefixImmediatelyBeforeAlias(t *testing.T) {
	matchers := Build([]catalog.Trope{tropeDarkAndStormy()})

	text := "this was an anti-dark and stormy opening, deliberately subverted"
	cands := Scan(matchers, text, 0, 60)
	if len(cands) != 0 {
		t.Fatalf("got %d candidates, want 0 (anti- prefix suppressed): %+v", len(cands), cands)
	}
}

// An unrelated "anti-"/"non-" word elsewhere in the anti-window must
// not suppress a candidate it has nothing to do with.
func TestScanUnrelatedAntiWordDoesNotSuppress(t *testing.T) {
	matchers := Build([]catalog.Trope{tropeDarkAndStormy()})

	text := "he was antisocial, but it was a dark and stormy night nonetheless"
	cands := Scan(matchers, text, 0, 60)
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1 (unrelated anti-/non- word must not suppress): %+v", len(cands), cands)
	}
}

func TestScanAntiWindowOutsideRangeDoesNotSuppress(t *testing.T) {
	trope := tropeDarkAndStormy()
	trope.AntiAliases = []string{"parody"}
	matchers := Build([]catalog.Trope{trope})

	text := "parody review: ................................................ it was a dark and stormy night"
	cands := Scan(matchers, text, 0, 5) // tiny window, far from "parody"
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1 (anti-alias outside window): %+v", len(cands), cands)
	}
}

func TestBuildAllowsPluralAndHyphenSpaceEquivalence(t *testing.T) {
	trope := catalog.Trope{ID: "t-x", Name: "Chosen One", Aliases: []string{"chosen-ones"}}
	matchers := Build([]catalog.Trope{trope})

	for _, text := range []string{
		"she was the chosen one of the prophecy",
		"they were the chosen ones",
		"the chosen-one arrives",
	} {
		cands := Scan(matchers, text, 0, 10)
		if len(cands) != 1 {
			t.Errorf("text %q: got %d candidates, want 1", text, len(cands))
		}
	}
}

func TestScanIdempotent(t *testing.T) {
	tropes := []catalog.Trope{tropeDarkAndStormy(), tropeDreamSequence()}
	matchers := Build(tropes)
	text := "It was a dark and stormy night, and she had a dream sequence about it."

	first := Scan(matchers, text, 100, 60)
	second := Scan(matchers, text, 100, 60)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Scan is not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestCollapseOverlapsKeepsLongestSpan(t *testing.T) {
	hits := []Candidate{
		{TropeID: "t1", Start: 0, End: 5},
		{TropeID: "t1", Start: 0, End: 10},
		{TropeID: "t1", Start: 20, End: 25},
	}
	out := collapseOverlaps(hits)
	if len(out) != 2 {
		t.Fatalf("got %d spans, want 2: %+v", len(out), out)
	}
	if out[0].End != 10 {
		t.Errorf("expected the longest overlapping span to survive, got %+v", out[0])
	}
}

func TestScanAbsoluteOffsetsUseTextStart(t *testing.T) {
	matchers := Build([]catalog.Trope{tropeDarkAndStormy()})
	text := "dark and stormy night"
	cands := Scan(matchers, text, 1000, 60)
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	if cands[0].Start != 1000 || cands[0].End != 1000+len("dark and stormy night") {
		t.Errorf("absolute offsets = [%d,%d), want start 1000", cands[0].Start, cands[0].End)
	}
}
