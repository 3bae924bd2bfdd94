package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseVisionJSON extracts a receipt from a vision model's reply. The reply
// may wrap the JSON in prose or code fences and use several key spellings.
func (a *Adaptive) ParseVisionJSON(reply []byte) (Parsed, error) {
	obj, err := outerObject(string(reply))
	if err != nil {
		return Parsed{}, err
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		return Parsed{}, fmt.Errorf("%w: vision json: %v", ErrInvalid, err)
	}

	p := Parsed{Source: "vision"}
	p.StoreName = str(pick(doc, "store_name", "store", "merchant", "shop"))
	p.Total, _ = amountOf(pick(doc, "total_amount", "total", "sum"))
	if s := str(pick(doc, "transaction_date", "date", "purchase_date")); s != "" {
		p.TransactionDate = findDate(s)
	}

	rawItems, _ := pick(doc, "products", "items", "lines").([]any)
	for _, ri := range rawItems {
		m, ok := ri.(map[string]any)
		if !ok {
			continue
		}
		it := Item{
			Name:    strings.TrimSpace(str(pick(m, "name", "product", "description"))),
			Unit:    str(pick(m, "unit")),
			TaxCode: str(pick(m, "tax_code", "tax", "ptu")),
		}
		if it.Name == "" {
			continue
		}
		if q, ok := floatOf(pick(m, "quantity", "qty", "amount")); ok {
			it.Quantity = q
		}
		it.UnitPrice, _ = amountOf(pick(m, "unit_price", "price"))
		it.TotalPrice, _ = amountOf(pick(m, "total_price", "total", "line_total"))
		it.RawLine = it.Name
		p.Items = append(p.Items, it)
	}
	return a.finish(p)
}

// outerObject returns the outermost {...} of s, ignoring code fences and any
// text around it.
func outerObject(s string) (string, error) {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in vision reply", ErrInvalid)
	}
	return s[start : end+1], nil
}

func pick(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func amountOf(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t).Round(2), true
	case string:
		return ParseAmount(t)
	default:
		return decimal.Zero, false
	}
}

func floatOf(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		return ParseQuantity(t)
	default:
		return 0, false
	}
}
