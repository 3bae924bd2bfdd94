package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
)

func TestCreateInventoryItem_DuplicateBatchIsConstraint(t *testing.T) {
	db := newFullDB(t)
	ctx := context.Background()
	p := &domain.Product{Name: "Mleko", IsActive: true}
	_ = CreateProduct(ctx, db, p)

	now := time.Now().UTC()
	it := &domain.InventoryItem{ProductID: p.ID, BatchID: "abc", PurchaseDate: now, QuantityRemaining: 1, Unit: "l", StorageLocation: domain.StorageFridge}
	if err := CreateInventoryItem(ctx, db, it); err != nil {
		t.Fatalf("CreateInventoryItem: %v", err)
	}
	dup := &domain.InventoryItem{ProductID: p.ID, BatchID: "abc", PurchaseDate: now, QuantityRemaining: 1, Unit: "l", StorageLocation: domain.StorageFridge}
	if err := CreateInventoryItem(ctx, db, dup); !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}

	got, err := GetBatch(ctx, db, "abc")
	if err != nil || got.ID != it.ID {
		t.Fatalf("GetBatch = (%+v, %v)", got, err)
	}
}

func TestFindMergeCandidates_WindowAndOrder(t *testing.T) {
	db := newFullDB(t)
	ctx := context.Background()
	p := &domain.Product{Name: "Chleb", IsActive: true}
	_ = CreateProduct(ctx, db, p)

	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	for i, d := range []int{-5, -2, 0, 4} {
		it := &domain.InventoryItem{ProductID: p.ID, BatchID: string(rune('a' + i)), PurchaseDate: base.AddDate(0, 0, d), QuantityRemaining: 1, Unit: "szt", StorageLocation: domain.StoragePantry}
		if err := CreateInventoryItem(ctx, db, it); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	var got []domain.InventoryItem
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		got, err = FindMergeCandidates(ctx, tx, p.ID, base.Add(-72*time.Hour), base.Add(72*time.Hour))
		return err
	})
	if err != nil {
		t.Fatalf("FindMergeCandidates: %v", err)
	}
	if len(got) != 2 || got[0].BatchID != "b" || got[1].BatchID != "c" {
		t.Fatalf("unexpected candidates: %+v", got)
	}

	if err := AddQuantity(ctx, db, got[0].ID, 2.5); err != nil {
		t.Fatalf("AddQuantity: %v", err)
	}
	b, _ := GetBatch(ctx, db, "b")
	if b.QuantityRemaining != 3.5 {
		t.Fatalf("remaining = %v; want 3.5", b.QuantityRemaining)
	}
	if err := AddQuantity(ctx, db, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveConsumption_AndList(t *testing.T) {
	db := newFullDB(t)
	ctx := context.Background()
	p := &domain.Product{Name: "Ser", IsActive: true}
	_ = CreateProduct(ctx, db, p)
	it := &domain.InventoryItem{ProductID: p.ID, BatchID: "s1", PurchaseDate: time.Now().UTC(), QuantityRemaining: 1, Unit: "szt", StorageLocation: domain.StorageFridge}
	_ = CreateInventoryItem(ctx, db, it)

	err := db.Transaction(func(tx *gorm.DB) error {
		locked, err := LockInventoryItem(ctx, tx, it.ID)
		if err != nil {
			return err
		}
		applied := locked.Withdraw(3)
		return SaveConsumption(ctx, tx, locked, &domain.ConsumptionEvent{Requested: 3, Applied: applied, Reason: "eaten"})
	})
	if err != nil {
		t.Fatalf("consume tx: %v", err)
	}
	b, _ := GetBatch(ctx, db, "s1")
	if b.QuantityRemaining != 0 {
		t.Fatalf("remaining = %v; want 0", b.QuantityRemaining)
	}
	evs, err := ListConsumption(ctx, db, it.ID)
	if err != nil || len(evs) != 1 || evs[0].Applied != 1 || evs[0].Requested != 3 {
		t.Fatalf("ListConsumption = (%+v, %v)", evs, err)
	}
}

func TestListBelowReorder(t *testing.T) {
	db := newFullDB(t)
	ctx := context.Background()
	low := &domain.Product{Name: "Jajka", IsActive: true, ReorderThreshold: 10}
	okp := &domain.Product{Name: "Mleko", IsActive: true, ReorderThreshold: 1}
	none := &domain.Product{Name: "Sol", IsActive: true, ReorderThreshold: 2}
	for _, p := range []*domain.Product{low, okp, none} {
		_ = CreateProduct(ctx, db, p)
	}
	now := time.Now().UTC()
	_ = CreateInventoryItem(ctx, db, &domain.InventoryItem{ProductID: low.ID, BatchID: "j", PurchaseDate: now, QuantityRemaining: 6, Unit: "szt", StorageLocation: domain.StorageFridge})
	_ = CreateInventoryItem(ctx, db, &domain.InventoryItem{ProductID: okp.ID, BatchID: "m", PurchaseDate: now, QuantityRemaining: 2, Unit: "l", StorageLocation: domain.StorageFridge})

	got, err := ListBelowReorder(ctx, db)
	if err != nil {
		t.Fatalf("ListBelowReorder: %v", err)
	}
	if len(got) != 2 || got[0].Name != "Jajka" || got[0].Remaining != 6 || got[1].Name != "Sol" || got[1].Remaining != 0 {
		t.Fatalf("unexpected result: %+v", got)
	}
}
