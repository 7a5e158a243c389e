package negation

import (
	"strings"
	"testing"

	"github.com/tropeminer/judge/internal/config"
)

func TestScanDetectsNegationCue(t *testing.T) {
	text := []rune("this is not a dark and stormy night at all")
	kind := Scan(text, 14, nil) // position of "dark"
	if kind != CueNegation {
		t.Errorf("Scan = %v, want CueNegation", kind)
	}
}

func TestScanDetectsMetaCue(t *testing.T) {
	text := []rune("this story subverts the chosen one trope entirely")
	kind := Scan(text, 25, nil)
	if kind != CueMeta {
		t.Errorf("Scan = %v, want CueMeta", kind)
	}
}

func TestScanDetectsAntiAlias(t *testing.T) {
	text := []rune("her dream-like prose felt unreal")
	kind := Scan(text, 0, []string{"dream-like prose"})
	if kind != CueAntiAlias {
		t.Errorf("Scan = %v, want CueAntiAlias", kind)
	}
}

func TestScanNoneWhenNothingFires(t *testing.T) {
	text := []rune("a perfectly ordinary sentence about the weather")
	if kind := Scan(text, 10, nil); kind != CueNone {
		t.Errorf("Scan = %v, want CueNone", kind)
	}
}

// spec.md §4.10 requires the negation cue to immediately precede the
// mention; a cue earlier in the same window, with other words between
// it and the mention, must not fire.
func TestScanNegationCueFarFromMentionDoesNotFire(t *testing.T) {
	text := []rune("it was not raining today, but it was a dark and stormy night")
	mentionPos := strings.Index(string(text), "dark")
	kind := Scan(text, mentionPos, nil)
	if kind == CueNegation {
		t.Error("a negation cue several tokens before the mention should not fire")
	}
}

func TestScanWindowIsBounded(t *testing.T) {
	// "not" sits far outside the +/-40 rune window around the mention.
	text := []rune("not " + strings.Repeat(" ", 80) + "trope fires here")
	mentionPos := 84
	kind := Scan(text, mentionPos, nil)
	if kind == CueNegation {
		t.Error("cue outside the scan window should not be detected")
	}
}

func TestApplyFlagOnlyNeverChangesConfidence(t *testing.T) {
	out := Apply(config.NegationFlagOnly, []CueKind{CueNegation}, 0.8, 0.6, 0.75, 0.5)
	if out.Confidence != 0.8 {
		t.Errorf("flag-only changed confidence: got %v, want 0.8", out.Confidence)
	}
	if !out.Flagged || out.Deleted {
		t.Errorf("unexpected outcome flags: %+v", out)
	}
}

func TestApplyDeleteIsUnconditional(t *testing.T) {
	out := Apply(config.NegationDelete, []CueKind{CueMeta}, 0.99, 0.6, 0.75, 0.5)
	if !out.Deleted {
		t.Error("expected unconditional delete")
	}
}

func TestApplyDownweightTakesMinimumAcrossMultipleCues(t *testing.T) {
	out := Apply(config.NegationDownweight, []CueKind{CueNegation, CueAntiAlias}, 1.0, 0.6, 0.75, 0.5)
	// min(1.0*0.6, 1.0*0.5) = 0.5
	if out.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5 (min across firing cues)", out.Confidence)
	}
	if out.Deleted {
		t.Error("downweight mode must never delete")
	}
	if !out.Flagged {
		t.Error("downweight mode must still flag the finding")
	}
}

func TestApplyNoCuesLeavesConfidenceUnchanged(t *testing.T) {
	out := Apply(config.NegationDownweight, nil, 0.7, 0.6, 0.75, 0.5)
	if out.Confidence != 0.7 || out.Flagged || out.Deleted {
		t.Errorf("unexpected outcome with no cues: %+v", out)
	}
}
