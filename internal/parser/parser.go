// Package parser turns OCR text (or a vision model's JSON) into a structured
// receipt: store, date, total and purchased items.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
)

var (
	// ErrNoItems is returned when no purchased item could be extracted.
	ErrNoItems = errors.New("parser: no items found")
	// ErrInvalid wraps validation failures of the parsed structure.
	ErrInvalid = errors.New("parser: invalid receipt")
)

// Item is one purchased line.
type Item struct {
	Name       string          `json:"name"        validate:"required,max=255"`
	Quantity   float64         `json:"quantity"    validate:"gt=0"`
	Unit       string          `json:"unit"        validate:"omitempty,max=16"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
	RawLine    string          `json:"raw_line"`
	TaxCode    string          `json:"tax_code"    validate:"omitempty,max=8"`
}

// Parsed is a structured receipt.
type Parsed struct {
	StoreName       string          `json:"store_name"       validate:"max=255"`
	TransactionDate *time.Time      `json:"transaction_date"`
	Total           decimal.Decimal `json:"total_amount"`
	Items           []Item          `json:"products"         validate:"required,min=1,dive"`
	Source          string          `json:"source"           validate:"required"`
	// Warnings are non-fatal findings, e.g. line totals that do not add up.
	Warnings []string `json:"-"`
}

// Payload converts the result into its persisted form.
func (p Parsed) Payload() domain.ParsedPayload {
	out := domain.ParsedPayload{
		StoreName:       p.StoreName,
		TotalAmount:     p.Total,
		TransactionDate: p.TransactionDate,
		Source:          p.Source,
		Products:        make([]domain.ParsedProduct, 0, len(p.Items)),
	}
	for _, it := range p.Items {
		out.Products = append(out.Products, domain.ParsedProduct{
			Name:       it.Name,
			Quantity:   it.Quantity,
			Unit:       it.Unit,
			UnitPrice:  it.UnitPrice,
			TotalPrice: it.TotalPrice,
			RawLine:    it.RawLine,
			TaxCode:    it.TaxCode,
		})
	}
	return out
}

// FromPayload rebuilds a Parsed from its persisted form.
func FromPayload(p domain.ParsedPayload) Parsed {
	out := Parsed{StoreName: p.StoreName, Total: p.TotalAmount, TransactionDate: p.TransactionDate, Source: p.Source}
	for _, pr := range p.Products {
		out.Items = append(out.Items, Item{
			Name: pr.Name, Quantity: pr.Quantity, Unit: pr.Unit,
			UnitPrice: pr.UnitPrice, TotalPrice: pr.TotalPrice, RawLine: pr.RawLine, TaxCode: pr.TaxCode,
		})
	}
	return out
}

// Strategy parses the item lines of one receipt layout.
type Strategy interface {
	Name() string
	// Match reports whether the strategy handles receipts of store.
	Match(store string) bool
	// ParseLine extracts an item from one line, or reports false.
	ParseLine(line string) (Item, bool)
}

// Adaptive picks a store-specific strategy from the header and falls back to
// the generic one.
type Adaptive struct {
	strategies []Strategy
	generic    Strategy
	validate   *validator.Validate
	tolerance  decimal.Decimal
}

// NewAdaptive builds the parser with the built-in layouts. tolerance bounds
// |total − qty×unit_price| before a line is flagged.
func NewAdaptive(tolerance float64) *Adaptive {
	if tolerance <= 0 {
		tolerance = 0.05
	}
	return &Adaptive{
		strategies: []Strategy{biedronka{}, lidl{}},
		generic:    generic{},
		validate:   validator.New(),
		tolerance:  decimal.NewFromFloat(tolerance),
	}
}

var (
	dateISO   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dateEU    = regexp.MustCompile(`\b(\d{2})[./-](\d{2})[./-](\d{4})\b`)
	totalLine = regexp.MustCompile(`(?i)^\s*(?:suma|razem|total|do zap[łl]aty)\b(?:\s+pln)?[\s:]*(-?\d[\d\s.,]*\d)\s*(?:pln|zł|zl)?\s*$`)
	// lines that are never items
	skipLine = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(suma|razem|total|ptu|vat|sprzeda[żz]|nip|reszta|got[óo]wk\p{L}*|karta|paragon|fiskaln\p{L}*|kasjer|kasa|rabat|upust|wydano|zap[łl]aty|rozliczeni\p{L}*)(?:[^\p{L}]|$)`)
)

// knownStores maps header keywords to store names.
var knownStores = []struct{ key, name string }{
	{"biedronka", "Biedronka"},
	{"jeronimo martins", "Biedronka"},
	{"lidl", "Lidl"},
	{"kaufland", "Kaufland"},
	{"żabka", "Żabka"},
	{"zabka", "Żabka"},
	{"auchan", "Auchan"},
	{"carrefour", "Carrefour"},
	{"netto", "Netto"},
	{"dino", "Dino"},
}

// DetectStore looks for a known store name in the first lines of text.
func DetectStore(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) > 8 {
		lines = lines[:8]
	}
	head := strings.ToLower(strings.Join(lines, " "))
	for _, s := range knownStores {
		if strings.Contains(head, s.key) {
			return s.name
		}
	}
	return ""
}

// Parse extracts a receipt from OCR text.
func (a *Adaptive) Parse(text string) (Parsed, error) {
	store := DetectStore(text)
	strat := a.generic
	for _, s := range a.strategies {
		if s.Match(store) {
			strat = s
			break
		}
	}

	out := Parsed{StoreName: store, Source: "parser:" + strat.Name()}
	if out.StoreName == "" {
		out.StoreName = firstTextLine(text)
	}

	lines := strings.Split(strings.ReplaceAll(text, "\r", ""), "\n")
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if out.TransactionDate == nil {
			out.TransactionDate = findDate(line)
		}
		if m := totalLine.FindStringSubmatch(line); m != nil {
			if d, ok := ParseAmount(m[1]); ok {
				out.Total = d
			}
			continue
		}
		if skipLine.MatchString(line) {
			continue
		}
		it, ok := strat.ParseLine(line)
		if !ok && strat != a.generic {
			it, ok = a.generic.ParseLine(line)
		}
		if !ok {
			continue
		}
		it.RawLine = line
		out.Items = append(out.Items, it)
	}
	return a.finish(out)
}

// finish fills derived fields, flags inconsistent lines and validates.
func (a *Adaptive) finish(p Parsed) (Parsed, error) {
	if len(p.Items) == 0 {
		return p, ErrNoItems
	}
	sum := decimal.Zero
	for i := range p.Items {
		it := &p.Items[i]
		it.Name = strings.TrimSpace(it.Name)
		if it.Quantity <= 0 {
			it.Quantity = 1
		}
		q := decimal.NewFromFloat(it.Quantity)
		switch {
		case it.UnitPrice.IsZero() && !it.TotalPrice.IsZero():
			it.UnitPrice = it.TotalPrice.Div(q).Round(2)
		case it.TotalPrice.IsZero() && !it.UnitPrice.IsZero():
			it.TotalPrice = it.UnitPrice.Mul(q).Round(2)
		}
		if it.TotalPrice.Sub(it.UnitPrice.Mul(q)).Abs().GreaterThan(a.tolerance) {
			p.Warnings = append(p.Warnings, fmt.Sprintf("line %q: total %s != %v x %s", it.Name, it.TotalPrice.StringFixed(2), it.Quantity, it.UnitPrice.StringFixed(2)))
		}
		sum = sum.Add(it.TotalPrice)
	}
	if p.Total.IsZero() {
		p.Total = sum
	} else if p.Total.Sub(sum).Abs().GreaterThan(decimal.NewFromFloat(0.05)) {
		p.Warnings = append(p.Warnings, fmt.Sprintf("items sum %s != receipt total %s", sum.StringFixed(2), p.Total.StringFixed(2)))
	}
	if err := a.validate.Struct(p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return p, nil
}

func findDate(line string) *time.Time {
	if m := dateISO.FindStringSubmatch(line); m != nil {
		if t, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3]); err == nil {
			return &t
		}
	}
	if m := dateEU.FindStringSubmatch(line); m != nil {
		if t, err := time.Parse("2006-01-02", m[3]+"-"+m[2]+"-"+m[1]); err == nil {
			return &t
		}
	}
	return nil
}

func firstTextLine(text string) string {
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			if r := []rune(l); len(r) > 255 {
				l = string(r[:255])
			}
			return l
		}
	}
	return ""
}
