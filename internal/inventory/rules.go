package inventory

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/keywords"
	"github.com/tbourn/go-receipt-pipeline/internal/matcher"
)

// DefaultUnit is used for countable goods.
const DefaultUnit = "szt"

// 0,5kg | 1 l | 500 g | 2 opak.
var unitRE = regexp.MustCompile(`(?i)(?:^|[\s\d*x])(kg|g|ml|l|opak)\.?(?:$|[\s,;*x])`)

var unitAliases = map[string]string{
	"kg":   "kg",
	"g":    "g",
	"l":    "l",
	"ml":   "ml",
	"opak": "opak",
	"op":   "opak",
	"szt":  "szt",
	"sz":   "szt",
	"pcs":  "szt",
}

// BatchID derives the deterministic batch id of a receipt line:
// the first 16 hex chars of sha256("<receiptID>:<lineNo>").
func BatchID(receiptID string, lineNo int) string {
	sum := sha256.Sum256([]byte(receiptID + ":" + strconv.Itoa(lineNo)))
	return hex.EncodeToString(sum[:])[:16]
}

// UnitFor picks the stock unit of a line. An explicit unit wins; otherwise
// the raw line is scanned for weight/volume/pack tokens.
func UnitFor(unit, rawLine string) string {
	if u, ok := unitAliases[strings.ToLower(strings.TrimSuffix(strings.TrimSpace(unit), "."))]; ok {
		return u
	}
	if m := unitRE.FindStringSubmatch(rawLine); m != nil {
		return unitAliases[strings.ToLower(m[1])]
	}
	return DefaultUnit
}

// Rules infers shelf life and storage for a product.
type Rules struct {
	Keywords          *keywords.Tables
	DefaultExpiryDays int
}

// ExpiryDays resolves shelf life: category setting, then keyword table,
// then the default.
func (r Rules) ExpiryDays(cat *domain.Category, name string) int {
	if cat != nil && cat.ExpiryDays != nil && *cat.ExpiryDays > 0 {
		return *cat.ExpiryDays
	}
	if rule, ok := r.classify(cat, name); ok && rule.ExpiryDays != nil && *rule.ExpiryDays > 0 {
		return *rule.ExpiryDays
	}
	if r.DefaultExpiryDays > 0 {
		return r.DefaultExpiryDays
	}
	return 30
}

// Storage resolves where a product is kept. Unknown goods go to the pantry.
func (r Rules) Storage(cat *domain.Category, name string) string {
	if cat != nil && cat.StorageHint != "" {
		return cat.StorageHint
	}
	if rule, ok := r.classify(cat, name); ok && rule.Storage != "" {
		return rule.Storage
	}
	return domain.StoragePantry
}

// ExpiryDate returns purchase + ExpiryDays, at day granularity.
func (r Rules) ExpiryDate(cat *domain.Category, name string, purchase time.Time) time.Time {
	return purchase.AddDate(0, 0, r.ExpiryDays(cat, name))
}

func (r Rules) classify(cat *domain.Category, name string) (keywords.Rule, bool) {
	kw := r.Keywords
	if kw == nil {
		kw = keywords.Default()
	}
	// a known category name maps straight to its rule
	if cat != nil {
		if rule, ok := kw.Rule(cat.Name); ok {
			return rule, true
		}
	}
	return kw.Classify(matcher.NormalizeWith(kw, name))
}
