// Package gazetteer builds one boundary-aware regex matcher per trope
// and emits candidate spans with anti-phrase suppression, generalizing
// internal/extract/fast.go's per-entity-type regex-table approach
// (compilePatterns, case-insensitive word-boundary patterns) from a
// handful of fixed patterns to one compiled matcher per catalog trope.
package gazetteer

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tropeminer/judge/internal/catalog"
)

// Candidate is a gazetteer hit: absolute code-point span into the
// owning work's norm_text.
type Candidate struct {
	TropeID string
	Start   int
	End     int
	Score   float64
}

var negationCues = []string{"no", "not", "never", "without", "isn't", "wasn't", "anti"}

// antiPrefixRe matches "anti-" or "non-" (hyphen or space separated)
// immediately preceding a matched alias, per spec.md §4.4 rule 2 — not
// just anywhere in the anti-window.
var antiPrefixRe = regexp.MustCompile(`(?i)\b(?:anti|non)[-\s]$`)

// antiPrefixLookback bounds how far back suppressed looks for an
// "anti-"/"non-" prefix; long enough for either word plus a separator.
const antiPrefixLookback = 6

// Matcher holds one compiled regex per trope plus its anti-alias set,
// built once and reused across chunks the way FastExtractor compiles
// its pattern tables once in NewFastExtractor.
type Matcher struct {
	tropeID     string
	re          *regexp.Regexp
	antiAliases []string
}

// Build compiles one Matcher per trope from name ∪ aliases.
func Build(tropes []catalog.Trope) []*Matcher {
	out := make([]*Matcher, 0, len(tropes))
	for _, t := range tropes {
		surfaces := append([]string{t.Name}, t.Aliases...)
		alts := make([]string, 0, len(surfaces))
		seen := map[string]bool{}
		for _, s := range surfaces {
			norm := normalizeSurface(s)
			if norm == "" || seen[norm] {
				continue
			}
			seen[norm] = true
			alts = append(alts, norm)
		}
		// Longer alternatives first so Go's leftmost-first alternation
		// prefers the longest surface at a given position (spec.md §4.4
		// "greedy longest").
		sort.Slice(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })

		pattern := make([]string, len(alts))
		for i, a := range alts {
			pattern[i] = surfaceToPattern(a)
		}
		full := `\b(?:` + strings.Join(pattern, "|") + `)\b`
		re, err := regexp.Compile("(?i)" + full)
		if err != nil {
			continue
		}
		out = append(out, &Matcher{tropeID: t.ID, re: re, antiAliases: t.AntiAliases})
	}
	return out
}

// normalizeSurface lowercases, collapses internal whitespace, and
// folds "-" to space, per spec.md §4.4. Pluralization is handled at
// pattern-generation time, not here.
func normalizeSurface(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", " ")
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// surfaceToPattern turns a normalized surface into a regex alternative
// that treats "-" and space as equivalent and allows an optional
// trailing "s" unless the surface already ends in "s".
func surfaceToPattern(surface string) string {
	words := strings.Split(surface, " ")
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	joined := strings.Join(words, `[- ]`)
	if !strings.HasSuffix(surface, "s") {
		joined += "s?"
	}
	return joined
}

// Scan applies every trope matcher to text (a chunk's text, or any
// text the caller wants to check read-only, as C7's lex_ok gate does)
// and emits candidates with spans absolute into the owning work,
// given the text's own starting code-point offset (textStart).
func Scan(matchers []*Matcher, text string, textStart, antiWindow int) []Candidate {
	runeOffsets := byteToRuneOffsets(text)

	var out []Candidate
	for _, m := range matchers {
		idxs := m.re.FindAllStringIndex(text, -1)
		if idxs == nil {
			continue
		}
		var hits []Candidate
		for _, idx := range idxs {
			startRune := runeOffsets[idx[0]]
			endRune := runeOffsets[idx[1]]
			if suppressed(m, text, runeOffsets, idx[0], idx[1], antiWindow) {
				continue
			}
			hits = append(hits, Candidate{
				TropeID: m.tropeID,
				Start:   textStart + startRune,
				End:     textStart + endRune,
				Score:   1.0,
			})
		}
		out = append(out, collapseOverlaps(hits)...)
	}
	return out
}

// collapseOverlaps keeps the longest span when two matches of the
// same trope overlap, per spec.md §4.4 "ties collapse to the longest
// span".
func collapseOverlaps(hits []Candidate) []Candidate {
	if len(hits) <= 1 {
		return hits
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Start != hits[j].Start {
			return hits[i].Start < hits[j].Start
		}
		return hits[i].End > hits[j].End
	})
	var out []Candidate
	for _, h := range hits {
		if len(out) > 0 {
			last := out[len(out)-1]
			if h.Start < last.End {
				if h.End-h.Start > last.End-last.Start {
					out[len(out)-1] = h
				}
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

// suppressed applies the three anti-suppression rules of spec.md §4.4
// within ±antiWindow code points of the match.
func suppressed(m *Matcher, text string, runeOffsets map[int]int, byteStart, byteEnd, antiWindow int) bool {
	runes := []rune(text)
	startRune := runeOffsets[byteStart]
	endRune := runeOffsets[byteEnd]

	winStart := startRune - antiWindow
	if winStart < 0 {
		winStart = 0
	}
	winEnd := endRune + antiWindow
	if winEnd > len(runes) {
		winEnd = len(runes)
	}
	window := strings.ToLower(string(runes[winStart:winEnd]))

	for _, aa := range m.antiAliases {
		norm := normalizeSurface(aa)
		if norm == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + surfaceToPattern(norm) + `\b`)
		if err == nil && re.MatchString(window) {
			return true
		}
	}

	immediatelyBefore := startRune - antiPrefixLookback
	if immediatelyBefore < 0 {
		immediatelyBefore = 0
	}
	before := strings.ToLower(string(runes[immediatelyBefore:startRune]))
	if antiPrefixRe.MatchString(before) {
		return true
	}

	precedingWindow := strings.ToLower(string(runes[winStart:startRune]))
	tokens := strings.Fields(precedingWindow)
	if len(tokens) > 3 {
		tokens = tokens[len(tokens)-3:]
	}
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?;:'\"")
		for _, cue := range negationCues {
			if tok == cue {
				return true
			}
		}
	}

	return false
}

// byteToRuneOffsets maps every rune-boundary byte offset in text to
// its code-point offset. regexp match indices always fall on rune
// boundaries, so this map is total over the offsets Scan looks up.
func byteToRuneOffsets(text string) map[int]int {
	offsets := make(map[int]int, utf8.RuneCountInString(text)+1)
	runeIdx := 0
	for byteIdx := range text {
		offsets[byteIdx] = runeIdx
		runeIdx++
	}
	offsets[len(text)] = runeIdx
	return offsets
}
