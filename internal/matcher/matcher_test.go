package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
)

func newMatcherDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedProduct(t *testing.T, db *gorm.DB, name string, active bool) *domain.Product {
	t.Helper()
	p := &domain.Product{Name: name, IsActive: active}
	if err := repo.CreateProduct(context.Background(), db, p); err != nil {
		t.Fatalf("create product: %v", err)
	}
	return p
}

func session(t *testing.T, m *Matcher) *Session {
	t.Helper()
	s, err := m.NewSession(context.Background(), nil)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestMatch_FuzzyIgnoresPackSize(t *testing.T) {
	db := newMatcherDB(t)
	milk := seedProduct(t, db, "Mleko 3,2%", true)
	seedProduct(t, db, "Masło extra", true)

	m := New(db)
	res, err := session(t, m).Match(context.Background(), "Mleko 3,2% 1L")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Type != domain.MatchFuzzy || res.ProductID != milk.ID {
		t.Fatalf("want fuzzy match on milk, got %+v", res)
	}
	if res.Confidence < 0.7 {
		t.Fatalf("confidence %.3f below threshold", res.Confidence)
	}
	if !res.AliasAdded {
		t.Fatalf("confident fuzzy match should teach an alias")
	}

	// the learned alias now resolves the same text directly
	res2, err := session(t, m).Match(context.Background(), "Mleko 3,2% 1L")
	if err != nil {
		t.Fatalf("Match#2: %v", err)
	}
	if res2.Type != domain.MatchAlias || res2.ProductID != milk.ID {
		t.Fatalf("want alias match on second sighting, got %+v", res2)
	}
	aliases, _ := repo.FindAliasCandidates(context.Background(), db, "Mleko 3,2% 1L", "mleko 3,2%")
	if len(aliases) != 1 || aliases[0].Count != 2 {
		t.Fatalf("alias count not bumped: %+v", aliases)
	}
}

func TestMatch_UnknownCreatesGhost(t *testing.T) {
	db := newMatcherDB(t)
	seedProduct(t, db, "Chleb żytni", true)

	res, err := session(t, New(db)).Match(context.Background(), "Zupa Instant XYZ")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Type != domain.MatchCreated || res.Confidence != 0 {
		t.Fatalf("want created, got %+v", res)
	}

	p, err := repo.GetProduct(context.Background(), db, res.ProductID)
	if err != nil {
		t.Fatalf("GetProduct: %v", err)
	}
	if p.IsActive {
		t.Fatalf("ghost product must be inactive")
	}
	if p.Category == nil || p.Category.Name != "dry goods" {
		t.Fatalf("category guess missing: %+v", p.Category)
	}

	var aliases []domain.ProductAlias
	if err := db.Where("product_id = ?", p.ID).Find(&aliases).Error; err != nil {
		t.Fatalf("aliases: %v", err)
	}
	if len(aliases) != 1 || aliases[0].Name != "Zupa Instant XYZ" || aliases[0].Status != domain.AliasUnverified {
		t.Fatalf("want verbatim first alias, got %+v", aliases)
	}
}

func TestMatch_GhostKeySharedAcrossReceipts(t *testing.T) {
	db := newMatcherDB(t)
	ctx := context.Background()

	// a ghost committed by another receipt whose name does not compare equal
	key := "sos pomidorowy"
	other := &domain.Product{Name: "Sos  pomidorowy", GhostKey: &key}
	if err := repo.CreateProduct(ctx, db, other); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	res, err := session(t, New(db)).Match(ctx, "Sos pomidorowy")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.ProductID != other.ID || res.Type == domain.MatchCreated {
		t.Fatalf("want the existing ghost, got %+v", res)
	}
	var n int64
	db.Model(&domain.Product{}).Count(&n)
	if n != 1 {
		t.Fatalf("products = %d; want 1", n)
	}
}

func TestMatch_GhostReusedNotDuplicated(t *testing.T) {
	db := newMatcherDB(t)
	m := New(db)

	first, err := session(t, m).Match(context.Background(), "Zupa Instant XYZ")
	if err != nil || first.Type != domain.MatchCreated {
		t.Fatalf("first: %+v %v", first, err)
	}
	// ghosts are out of the fuzzy index but still match exactly
	second, err := session(t, m).Match(context.Background(), "zupa instant xyz")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ProductID != first.ProductID || second.Type != domain.MatchExact {
		t.Fatalf("want exact hit on ghost, got %+v", second)
	}
	var n int64
	db.Model(&domain.Product{}).Count(&n)
	if n != 1 {
		t.Fatalf("want one product, got %d", n)
	}
}

func TestMatch_ExactCaseInsensitive(t *testing.T) {
	db := newMatcherDB(t)
	p := seedProduct(t, db, "Banany", true)

	res, err := session(t, New(db)).Match(context.Background(), "  BANANY ")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Type != domain.MatchExact || res.ProductID != p.ID || res.Confidence != 1 {
		t.Fatalf("unexpected %+v", res)
	}
	if !res.AliasAdded {
		t.Fatalf("case variant should be recorded as alias")
	}
	if n, _ := repo.CountAliases(context.Background(), db, p.ID); n != 1 {
		t.Fatalf("want 1 alias, got %d", n)
	}

	// identical text: nothing to learn
	res, _ = session(t, New(db)).Match(context.Background(), "Banany")
	if res.AliasAdded {
		t.Fatalf("identical text must not add an alias")
	}
}

func TestMatch_BelowThresholdCreates(t *testing.T) {
	db := newMatcherDB(t)
	seedProduct(t, db, "Pomidory malinowe", true)

	res, err := session(t, New(db)).Match(context.Background(), "Płyn do naczyń")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if res.Type != domain.MatchCreated {
		t.Fatalf("want created, got %+v", res)
	}
}

func TestMatch_EmptyName(t *testing.T) {
	db := newMatcherDB(t)
	if _, err := session(t, New(db)).Match(context.Background(), "   "); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("want ErrEmptyName, got %v", err)
	}
}

func TestMatch_RepoErrorSurfaces(t *testing.T) {
	db := newMatcherDB(t)
	s := session(t, New(db))
	if err := db.Migrator().DropTable(&domain.ProductAlias{}, &domain.Product{}); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := s.Match(context.Background(), "Cokolwiek"); err == nil {
		t.Fatalf("expected error with catalog tables gone")
	}
}

func TestOptions(t *testing.T) {
	clock := func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	m := New(nil, WithThresholds(0.6, 0.9, 0.85), WithClock(clock), WithKeywords(nil))
	if m.FuzzyThreshold != 0.6 || m.AliasSimilarity != 0.9 || m.AliasAddThreshold != 0.85 {
		t.Fatalf("thresholds not applied: %+v", m)
	}
	if !m.now().Equal(clock()) {
		t.Fatalf("clock not applied")
	}
	if m.Keywords == nil {
		t.Fatalf("nil keywords must keep the default tables")
	}

	m = New(nil, WithThresholds(0, 2, -1))
	if m.FuzzyThreshold != 0.7 || m.AliasSimilarity != 0.95 || m.AliasAddThreshold != 0.8 {
		t.Fatalf("out-of-range thresholds should be ignored: %+v", m)
	}
}

func TestSweeper_PromoteAndPrune(t *testing.T) {
	db := newMatcherDB(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	active := seedProduct(t, db, "Jogurt naturalny", true)
	ghost := seedProduct(t, db, "Dziwna rzecz", false)

	old := now.Add(-200 * 24 * time.Hour)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(repo.RecordAlias(ctx, db, active.ID, "JOGURT NAT", "jogurt nat", old))
	must(repo.RecordAlias(ctx, db, ghost.ID, "Dziwna rzecz", "dziwna rzecz", old))
	for i := 0; i < 3; i++ {
		must(repo.RecordAlias(ctx, db, active.ID, "Jogurt nat.", "jogurt nat", now))
	}

	sw := &Sweeper{DB: db, PromoteCount: 3, PruneAfter: 90 * 24 * time.Hour, Now: func() time.Time { return now }}
	res, err := sw.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Promoted != 1 || res.Pruned != 1 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	if n, _ := repo.CountAliases(ctx, db, ghost.ID); n != 1 {
		t.Fatalf("ghost must keep its last alias, has %d", n)
	}
	if n, _ := repo.CountAliases(ctx, db, active.ID); n != 1 {
		t.Fatalf("stale alias of active product should be pruned, has %d", n)
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	db := newMatcherDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		(&Sweeper{DB: db, Interval: time.Millisecond}).Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
