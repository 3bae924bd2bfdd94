package matcher

import (
	"sort"
	"strings"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
)

// candidate is one comparable string of the catalog: an active product's
// name or one of its aliases, already normalized.
type candidate struct {
	productID string
	text      string // matched string as stored (product name or alias)
	norm      string
	alias     bool
	order     int // catalog order, used to break ties deterministically
}

// Hit is a scored fuzzy candidate.
type Hit struct {
	ProductID string
	Text      string
	Alias     bool
	Score     float64
}

// index is an immutable, read-only view of the catalog built once per
// receipt. It is safe for concurrent use after construction.
type index struct {
	cands []candidate
}

// buildIndex collects candidates from active products and their aliases.
// Ghost products are left out: they only match exactly or through an alias.
func buildIndex(products []domain.Product, normalize func(string) string) *index {
	cands := make([]candidate, 0, len(products)*2)
	seen := make(map[string]struct{})
	n := 0
	add := func(pid, text string, alias bool) {
		norm := normalize(text)
		if norm == "" {
			return
		}
		key := pid + "\x00" + norm
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		cands = append(cands, candidate{productID: pid, text: text, norm: norm, alias: alias, order: n})
		n++
	}
	for _, p := range products {
		if !p.IsActive {
			continue
		}
		add(p.ID, p.Name, false)
		for _, a := range p.Aliases {
			add(p.ID, a.Name, true)
		}
	}
	return &index{cands: cands}
}

// TopK returns up to k candidates scoring at least floor, best first.
// Ties prefer product names over aliases, then catalog order.
func (i *index) TopK(norm string, k int, floor float64) []Hit {
	if len(i.cands) == 0 || strings.TrimSpace(norm) == "" {
		return nil
	}
	if k <= 0 {
		k = 3
	}

	type scored struct {
		c     candidate
		score float64
	}
	buf := make([]scored, 0, len(i.cands))
	for _, c := range i.cands {
		s := Similarity(norm, c.norm)
		if s < floor {
			continue
		}
		buf = append(buf, scored{c: c, score: s})
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].score != buf[b].score {
			return buf[a].score > buf[b].score
		}
		if buf[a].c.alias != buf[b].c.alias {
			return !buf[a].c.alias
		}
		return buf[a].c.order < buf[b].c.order
	})

	if k > len(buf) {
		k = len(buf)
	}
	out := make([]Hit, k)
	for j := 0; j < k; j++ {
		out[j] = Hit{ProductID: buf[j].c.productID, Text: buf[j].c.text, Alias: buf[j].c.alias, Score: buf[j].score}
	}
	return out
}
