package matcher

import (
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*|\p{N}+`)

// SequenceRatio is the Ratcliff/Obershelp similarity of a and b over runes,
// in [0,1].
func SequenceRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	m := difflib.NewMatcher(splitRunes(a), splitRunes(b))
	return m.Ratio()
}

// TokenOverlap is the Jaccard similarity of the word sets of a and b:
// |A ∩ B| / |A ∪ B|.
func TokenOverlap(a, b string) float64 {
	ta, tb := tokenize(a), tokenize(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	over := overlap(ta, tb)
	union := len(ta) + len(tb) - over
	if union <= 0 {
		return 0
	}
	return float64(over) / float64(union)
}

// Similarity is the fuzzy score used by the matcher:
// 0.7 × sequence similarity + 0.3 × token overlap.
func Similarity(a, b string) float64 {
	return 0.7*SequenceRatio(a, b) + 0.3*TokenOverlap(a, b)
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func tokenize(s string) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := 0
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}
