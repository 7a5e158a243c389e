// Package negation implements C10: negation/meta/anti-alias cue
// scanning within a fixed code-point window, the same
// regexp.Compile("(?i)"+pattern) idiom extract/fast.go's
// compilePatterns uses for its fixed cue tables.
package negation

import (
	"regexp"
	"strings"

	"github.com/tropeminer/judge/internal/config"
)

// CueKind is the closed set of cue flavors spec.md §4.10 defines.
type CueKind string

const (
	CueNone      CueKind = ""
	CueNegation  CueKind = "negation"
	CueMeta      CueKind = "meta"
	CueAntiAlias CueKind = "anti_alias"
)

var metaRe = regexp.MustCompile(`(?i)\b(deconstructs|subverts|parody of|isn't a)\b`)

// negationCueWords are the tokens spec.md §4.10 requires to sit
// immediately preceding a trope mention, unlike the meta cue which
// only needs to be near it.
var negationCueWords = []string{"no", "not", "never", "without", "isn't", "wasn't"}

// negationCueLookback bounds how many of the tokens immediately
// before the mention count as "immediately preceding".
const negationCueLookback = 3

const windowRunes = 40

// ScanAll inspects normText within ±windowRunes of evidenceStart and
// returns every cue kind that fires, in the fixed precedence
// negation, meta, anti-alias (spec.md lists them in that order; "the
// first cue kind" for flag-only mode uses this order as its tie-break).
func ScanAll(normText []rune, evidenceStart int, antiAliases []string) []CueKind {
	lo := evidenceStart - windowRunes
	if lo < 0 {
		lo = 0
	}
	hi := evidenceStart + windowRunes
	if hi > len(normText) {
		hi = len(normText)
	}
	window := string(normText[lo:hi])

	var found []CueKind
	if negationImmediatelyPrecedes(normText, lo, evidenceStart) {
		found = append(found, CueNegation)
	}
	if metaRe.MatchString(window) {
		found = append(found, CueMeta)
	}
	for _, aa := range antiAliases {
		if aa == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(aa) + `\b`)
		if err == nil && re.MatchString(window) {
			found = append(found, CueAntiAlias)
			break
		}
	}
	return found
}

// negationImmediatelyPrecedes reports whether one of negationCueWords
// appears among the last negationCueLookback tokens before
// evidenceStart, per spec.md §4.10's "immediately preceding" rule —
// stricter than a bare window-wide substring match.
func negationImmediatelyPrecedes(normText []rune, lo, evidenceStart int) bool {
	before := strings.ToLower(string(normText[lo:evidenceStart]))
	tokens := strings.Fields(before)
	if len(tokens) > negationCueLookback {
		tokens = tokens[len(tokens)-negationCueLookback:]
	}
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?;:'\"")
		for _, cue := range negationCueWords {
			if tok == cue {
				return true
			}
		}
	}
	return false
}

// Scan is ScanAll's single-result convenience wrapper: the first cue
// kind by precedence, or CueNone.
func Scan(normText []rune, evidenceStart int, antiAliases []string) CueKind {
	found := ScanAll(normText, evidenceStart, antiAliases)
	if len(found) == 0 {
		return CueNone
	}
	return found[0]
}

// Outcome is the effect of applying NEGATION_MODE to one finding.
type Outcome struct {
	Kind       CueKind
	Confidence float64 // unchanged unless mode is downweight
	Deleted    bool
	Flagged    bool
}

// Apply implements the NEGATION_MODE branch of spec.md §4.10 given
// every cue kind ScanAll found. In downweight mode, when multiple cues
// fire the minimum resulting confidence wins. Deleted findings are
// unconditional in delete mode — no per-trope threshold resurrects
// them (spec.md §9 open question #2).
func Apply(mode config.NegationMode, kinds []CueKind, confidence, negDownweight, metaDownweight, aaDownweight float64) Outcome {
	if len(kinds) == 0 {
		return Outcome{Kind: CueNone, Confidence: confidence}
	}
	first := kinds[0]

	switch mode {
	case config.NegationFlagOnly:
		return Outcome{Kind: first, Confidence: confidence, Flagged: true}

	case config.NegationDelete:
		return Outcome{Kind: first, Confidence: confidence, Deleted: true}

	case config.NegationDownweight:
		newConf := confidence
		for _, k := range kinds {
			factor := downweightFactor(k, negDownweight, metaDownweight, aaDownweight)
			if c := confidence * factor; c < newConf {
				newConf = c
			}
		}
		// Never silently deleted: falling below threshold keeps the
		// finding, flagged, per spec.md §4.10.
		return Outcome{Kind: first, Confidence: newConf, Flagged: true}

	default:
		return Outcome{Kind: first, Confidence: confidence, Flagged: true}
	}
}

func downweightFactor(kind CueKind, negDownweight, metaDownweight, aaDownweight float64) float64 {
	switch kind {
	case CueNegation:
		return negDownweight
	case CueMeta:
		return metaDownweight
	case CueAntiAlias:
		return aaDownweight
	default:
		return 1.0
	}
}
