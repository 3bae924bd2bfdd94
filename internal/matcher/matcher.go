// Package matcher resolves receipt line names against the product catalog.
//
// Resolution order for one name:
//  1. exact:   case-insensitive equality with a product name
//  2. alias:   a recorded alias with the same text or normalized form,
//     confirmed by sequence similarity
//  3. fuzzy:   best active product or alias by 0.7·sequence + 0.3·token score
//  4. created: a new inactive ("ghost") product carrying the text as its
//     first alias
//
// Matches that are confident enough and did not come from an identical
// string teach the catalog a new alias. Promotion and pruning of aliases is
// left to Sweeper and never happens on the matching path.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/keywords"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
)

// ErrEmptyName is returned for blank line names.
var ErrEmptyName = errors.New("matcher: empty item name")

var matchResults = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "receipt_match_results_total",
		Help: "Product matcher outcomes by match type.",
	},
	[]string{"type"},
)

func init() {
	prometheus.MustRegister(matchResults)
}

// Result is the outcome of matching one name.
type Result struct {
	ProductID  string
	Type       string // domain.MatchExact | MatchAlias | MatchFuzzy | MatchCreated
	Confidence float64
	Normalized string
	Matched    string // catalog string the name was matched against
	AliasAdded bool
}

// Meta converts the result into the metadata stored on the line item.
func (r Result) Meta() domain.MatchMeta {
	return domain.MatchMeta{Confidence: r.Confidence, MatchType: r.Type, Normalized: r.Normalized}
}

// Matcher holds the thresholds and keyword tables. It is safe for concurrent use.
type Matcher struct {
	DB       *gorm.DB
	Keywords *keywords.Tables

	FuzzyThreshold    float64 // accept best fuzzy candidate at or above
	AliasSimilarity   float64 // alias lookups must be at least this similar
	AliasAddThreshold float64 // confidence needed to learn a new alias

	now func() time.Time
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithThresholds overrides the fuzzy, alias-confirmation and alias-add thresholds.
// Values outside (0,1] are ignored.
func WithThresholds(fuzzy, aliasSim, aliasAdd float64) Option {
	return func(m *Matcher) {
		if fuzzy > 0 && fuzzy <= 1 {
			m.FuzzyThreshold = fuzzy
		}
		if aliasSim > 0 && aliasSim <= 1 {
			m.AliasSimilarity = aliasSim
		}
		if aliasAdd > 0 && aliasAdd <= 1 {
			m.AliasAddThreshold = aliasAdd
		}
	}
}

// WithKeywords replaces the default keyword tables.
func WithKeywords(t *keywords.Tables) Option {
	return func(m *Matcher) {
		if t != nil {
			m.Keywords = t
		}
	}
}

// WithClock sets the time source used for alias timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds a Matcher with default thresholds 0.7 / 0.95 / 0.8.
func New(db *gorm.DB, opts ...Option) *Matcher {
	m := &Matcher{
		DB:                db,
		Keywords:          keywords.Default(),
		FuzzyThreshold:    0.7,
		AliasSimilarity:   0.95,
		AliasAddThreshold: 0.8,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Normalize returns the comparison form of name under the matcher's tables.
func (m *Matcher) Normalize(name string) string {
	return NormalizeWith(m.Keywords, name)
}

// Session matches the lines of one receipt against a catalog snapshot taken
// when the session starts.
type Session struct {
	m   *Matcher
	db  *gorm.DB
	idx *index
}

// NewSession loads the catalog once. db may be a transaction handle.
func (m *Matcher) NewSession(ctx context.Context, db *gorm.DB) (*Session, error) {
	if db == nil {
		db = m.DB
	}
	products, err := repo.ListMatchCandidates(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("matcher: load catalog: %w", err)
	}
	return &Session{m: m, db: db, idx: buildIndex(products, m.Normalize)}, nil
}

// Match resolves a single name. Errors are per item; callers record them and
// move on to the next line.
func (s *Session) Match(ctx context.Context, name string) (Result, error) {
	tr := otel.Tracer("matcher/Session")
	ctx, span := tr.Start(ctx, "Match", trace.WithAttributes(attribute.String("item.name", name)))
	defer span.End()

	raw := strings.TrimSpace(name)
	if raw == "" {
		return Result{}, ErrEmptyName
	}
	norm := s.m.Normalize(raw)
	if norm == "" {
		norm = lowerPL.String(raw)
	}

	res, err := s.resolve(ctx, raw, norm)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(attribute.String("match.type", res.Type), attribute.Float64("match.confidence", res.Confidence))
	matchResults.WithLabelValues(res.Type).Inc()
	return res, nil
}

func (s *Session) resolve(ctx context.Context, raw, norm string) (Result, error) {
	m := s.m

	// 1. exact
	p, err := repo.FindProductByName(ctx, s.db, raw)
	switch {
	case err == nil:
		res := Result{ProductID: p.ID, Type: domain.MatchExact, Confidence: 1, Normalized: norm, Matched: p.Name}
		return s.reinforce(ctx, res, raw)
	case !errors.Is(err, repo.ErrNotFound):
		return Result{}, fmt.Errorf("matcher: exact lookup: %w", err)
	}

	// 2. alias
	aliases, err := repo.FindAliasCandidates(ctx, s.db, raw, norm)
	if err != nil {
		return Result{}, fmt.Errorf("matcher: alias lookup: %w", err)
	}
	if best, sim, ok := bestAlias(aliases, raw, m.AliasSimilarity); ok {
		res := Result{ProductID: best.ProductID, Type: domain.MatchAlias, Confidence: sim, Normalized: norm, Matched: best.Name}
		// an alias hit is a usage: bump the counter (or learn the variant)
		if err := repo.RecordAlias(ctx, s.db, best.ProductID, raw, norm, m.now()); err != nil {
			return Result{}, fmt.Errorf("matcher: record alias: %w", err)
		}
		res.AliasAdded = raw != best.Name
		return res, nil
	}

	// 3. fuzzy
	if hits := s.idx.TopK(norm, 1, m.FuzzyThreshold); len(hits) > 0 {
		h := hits[0]
		res := Result{ProductID: h.ProductID, Type: domain.MatchFuzzy, Confidence: round4(h.Score), Normalized: norm, Matched: h.Text}
		return s.reinforce(ctx, res, raw)
	}

	// 4. created
	return s.createGhost(ctx, raw, norm)
}

// reinforce learns raw as an alias when the match is confident and raw is
// not the very string that matched.
func (s *Session) reinforce(ctx context.Context, res Result, raw string) (Result, error) {
	if res.Confidence < s.m.AliasAddThreshold || raw == res.Matched {
		return res, nil
	}
	if err := repo.RecordAlias(ctx, s.db, res.ProductID, raw, res.Normalized, s.m.now()); err != nil {
		return Result{}, fmt.Errorf("matcher: record alias: %w", err)
	}
	res.AliasAdded = true
	return res, nil
}

// createGhost adds an inactive product for raw. When another receipt created
// the ghost for the same text first, that product is reused as an exact
// match.
func (s *Session) createGhost(ctx context.Context, raw, norm string) (Result, error) {
	m := s.m
	if p, err := repo.FindProductByName(ctx, s.db, raw); err == nil {
		return Result{ProductID: p.ID, Type: domain.MatchExact, Confidence: 1, Normalized: norm, Matched: p.Name}, nil
	}

	key := lowerPL.String(strings.TrimSpace(raw))
	proto := &domain.Product{ID: uuid.NewString(), Name: raw, IsActive: false, GhostKey: &key}
	var (
		p       *domain.Product
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rule, ok := m.Keywords.Classify(norm); ok {
			cat, err := repo.EnsureCategory(ctx, tx, domain.Category{Name: rule.Name, ExpiryDays: rule.ExpiryDays, StorageHint: rule.Storage})
			if err != nil {
				return err
			}
			proto.CategoryID = &cat.ID
		}
		var err error
		if p, created, err = repo.CreateGhostProduct(ctx, tx, proto); err != nil {
			return err
		}
		if !created {
			return nil
		}
		return repo.RecordAlias(ctx, tx, p.ID, raw, norm, m.now())
	})
	if err != nil {
		return Result{}, fmt.Errorf("matcher: create ghost: %w", err)
	}
	if !created {
		return Result{ProductID: p.ID, Type: domain.MatchExact, Confidence: 1, Normalized: norm, Matched: p.Name}, nil
	}
	return Result{ProductID: p.ID, Type: domain.MatchCreated, Confidence: 0, Normalized: norm, Matched: raw, AliasAdded: true}, nil
}

// bestAlias picks the alias most similar to raw. Ties keep repository order
// (highest count first).
func bestAlias(aliases []domain.ProductAlias, raw string, floor float64) (domain.ProductAlias, float64, bool) {
	var (
		best  domain.ProductAlias
		score = -1.0
	)
	lraw := lowerPL.String(raw)
	for _, a := range aliases {
		sim := SequenceRatio(lraw, lowerPL.String(a.Name))
		if sim > score {
			best, score = a, sim
		}
	}
	if score < floor {
		return domain.ProductAlias{}, 0, false
	}
	return best, round4(score), true
}

func round4(f float64) float64 {
	return float64(int64(f*10000+0.5)) / 10000
}
