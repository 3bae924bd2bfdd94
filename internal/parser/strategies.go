package parser

import (
	"regexp"
	"strings"
)

const amount = `-?\d{1,6}[.,]\d{2}`

var (
	// Biedronka: "Mleko UHT 3,2% 1L  C  1 x3,49  3,49C"
	biedronkaRE = regexp.MustCompile(`^(?P<name>.*\p{L}.*?)\s+(?P<tax>[A-G])\s+(?P<qty>\d+(?:[.,]\d{1,3})?)\s*[x×*]\s*(?P<price>` + amount + `)\s+(?P<total>` + amount + `)\s*[A-G]?$`)

	// Lidl: "Banany luz  0,872 kg x 5,99  5,22 C"
	lidlRE = regexp.MustCompile(`^(?P<name>.*\p{L}.*?)\s+(?P<qty>\d+(?:[.,]\d{1,3})?)\s*(?P<unit>kg|szt\.?|l)?\s*[x×*]\s*(?P<price>` + amount + `)\s+(?P<total>` + amount + `)\s*(?P<tax>[A-G])?$`)

	// generic "name qty x price total [tax]"
	genericQtyRE = regexp.MustCompile(`^(?P<name>.*\p{L}.*?)\s+(?P<qty>\d+(?:[.,]\d{1,3})?)\s*(?P<unit>kg|szt\.?|l)?\s*[x×*]\s*(?P<price>` + amount + `)\s*(?:=\s*)?(?P<total>` + amount + `)?\s*(?P<tax>[A-G])?$`)

	// generic "name total [tax]", quantity defaults to 1
	genericTotalRE = regexp.MustCompile(`^(?P<name>.*\p{L}.*?)\s+(?P<total>` + amount + `)\s*(?:pln|zł)?\s*(?P<tax>[A-G])?$`)
)

type biedronka struct{}

func (biedronka) Name() string { return "biedronka" }
func (biedronka) Match(store string) bool { return store == "Biedronka" }
func (biedronka) ParseLine(l string) (Item, bool) { return fromMatch(biedronkaRE, l) }

type lidl struct{}

func (lidl) Name() string { return "lidl" }
func (lidl) Match(store string) bool { return store == "Lidl" }
func (lidl) ParseLine(l string) (Item, bool) { return fromMatch(lidlRE, l) }

type generic struct{}

func (generic) Name() string { return "generic" }
func (generic) Match(string) bool { return true }
func (generic) ParseLine(l string) (Item, bool) {
	if it, ok := fromMatch(genericQtyRE, l); ok {
		return it, true
	}
	return fromMatch(genericTotalRE, l)
}

// fromMatch fills an Item from the named groups of re. Missing groups are
// left zero and derived later.
func fromMatch(re *regexp.Regexp, line string) (Item, bool) {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return Item{}, false
	}
	var it Item
	for i, name := range re.SubexpNames() {
		v := strings.TrimSpace(m[i])
		if v == "" {
			continue
		}
		switch name {
		case "name":
			it.Name = v
		case "qty":
			it.Quantity, _ = ParseQuantity(v)
		case "unit":
			it.Unit = strings.TrimSuffix(strings.ToLower(v), ".")
		case "price":
			it.UnitPrice, _ = ParseAmount(v)
		case "total":
			it.TotalPrice, _ = ParseAmount(v)
		case "tax":
			it.TaxCode = v
		}
	}
	if it.Name == "" || (it.UnitPrice.IsZero() && it.TotalPrice.IsZero()) {
		return Item{}, false
	}
	// negative lines are discounts, not purchases
	if it.TotalPrice.IsNegative() || it.UnitPrice.IsNegative() {
		return Item{}, false
	}
	return it, true
}
