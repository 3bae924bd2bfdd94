package matcher

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-receipt-pipeline/internal/keywords"
)

var (
	// 1l, 500g, 0,5kg, 2.5l, 10szt, 3opak
	measureRE = regexp.MustCompile(`^\d+(?:[.,]\d+)?(?:kg|g|dag|mg|l|ml|cl|szt|opak)\.?$`)
	// 2x, x2, 2*, 6x1.5
	multiplierRE = regexp.MustCompile(`^(?:\d+x|x\d+|\d+\*|\d+x\d+(?:[.,]\d+)?)$`)
	numberRE     = regexp.MustCompile(`^\d+(?:[.,]\d+)?$`)
	unitRE       = regexp.MustCompile(`^(?:kg|g|dag|mg|l|ml|cl|szt|opak)\.?$`)
)

var lowerPL = cases.Lower(language.Polish)

// Normalize returns the comparison form of a product name using the default
// keyword tables.
func Normalize(name string) string {
	return NormalizeWith(keywords.Default(), name)
}

// NormalizeWith lowercases name, drops weight, volume and multiplier tokens,
// strips leading retailer or brand qualifiers and collapses whitespace.
func NormalizeWith(kw *keywords.Tables, name string) string {
	s := lowerPL.String(strings.TrimSpace(name))
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case r == '%', r == ',', r == '.', r == '*':
			return r
		default:
			return ' '
		}
	}, s)

	fields := strings.Fields(s)
	kept := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		f := strings.Trim(fields[i], ".,")
		if f == "" {
			continue
		}
		if measureRE.MatchString(f) || multiplierRE.MatchString(f) || f == "x" {
			continue
		}
		// "0,5 l": number followed by a unit token
		if numberRE.MatchString(f) && i+1 < len(fields) && unitRE.MatchString(fields[i+1]) {
			i++
			continue
		}
		kept = append(kept, f)
	}
	out := strings.Join(kept, " ")
	if kw != nil {
		out = kw.StripQualifiers(out)
	}
	return out
}
