// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for inventory
// batches and consumption events.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
)

// ErrConstraint wraps database constraint violations (unique, check, foreign key).
var ErrConstraint = errors.New("constraint violation")

// FindMergeCandidates returns stock-holding batches of productID purchased
// within [from, to], oldest first, locked for update on drivers that support row locks.
func FindMergeCandidates(ctx context.Context, tx *gorm.DB, productID string, from, to time.Time) ([]domain.InventoryItem, error) {
	var out []domain.InventoryItem
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("product_id = ? AND merged_into IS NULL AND purchase_date BETWEEN ? AND ?", productID, from, to).
		Order("purchase_date ASC, created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// GetBatch returns the inventory item with the given batch id.
func GetBatch(ctx context.Context, db *gorm.DB, batchID string) (*domain.InventoryItem, error) {
	var it domain.InventoryItem
	if err := db.WithContext(ctx).Where("batch_id = ?", batchID).First(&it).Error; err != nil {
		return nil, err
	}
	return &it, nil
}

// CreateInventoryItem inserts a new batch. Constraint violations come back
// wrapped in ErrConstraint.
func CreateInventoryItem(ctx context.Context, db *gorm.DB, it *domain.InventoryItem) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	return mapConstraint(db.WithContext(ctx).Create(it).Error)
}

// AddQuantity increments a batch's remaining quantity.
func AddQuantity(ctx context.Context, db *gorm.DB, itemID string, qty float64) error {
	res := db.WithContext(ctx).Model(&domain.InventoryItem{}).Where("id = ?", itemID).
		Updates(map[string]any{
			"quantity_remaining": gorm.Expr("quantity_remaining + ?", qty),
			"updated_at":         time.Now().UTC(),
		})
	if res.Error != nil {
		return mapConstraint(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// LockInventoryItem reads a batch for update.
func LockInventoryItem(ctx context.Context, tx *gorm.DB, id string) (*domain.InventoryItem, error) {
	var it domain.InventoryItem
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("id = ?", id).First(&it).Error; err != nil {
		return nil, err
	}
	return &it, nil
}

// SaveConsumption persists the new remaining quantity of a batch together
// with its consumption event.
func SaveConsumption(ctx context.Context, tx *gorm.DB, it *domain.InventoryItem, ev *domain.ConsumptionEvent) error {
	if err := tx.WithContext(ctx).Model(&domain.InventoryItem{}).Where("id = ?", it.ID).
		Updates(map[string]any{"quantity_remaining": it.QuantityRemaining, "updated_at": time.Now().UTC()}).Error; err != nil {
		return mapConstraint(err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.InventoryItemID = it.ID
	return mapConstraint(tx.WithContext(ctx).Create(ev).Error)
}

// ListConsumption returns the consumption events of a batch, oldest first.
func ListConsumption(ctx context.Context, db *gorm.DB, itemID string) ([]domain.ConsumptionEvent, error) {
	var out []domain.ConsumptionEvent
	err := db.WithContext(ctx).Where("inventory_item_id = ?", itemID).Order("created_at ASC, id ASC").Find(&out).Error
	return out, err
}

// ListInventoryByReceipt returns the batches created from a receipt.
func ListInventoryByReceipt(ctx context.Context, db *gorm.DB, receiptID string) ([]domain.InventoryItem, error) {
	var out []domain.InventoryItem
	err := db.WithContext(ctx).Where("receipt_id = ?", receiptID).Order("purchase_date ASC, id ASC").Find(&out).Error
	return out, err
}

// ProductStock is the aggregated remaining quantity of one product.
type ProductStock struct {
	ProductID string
	Name      string
	Remaining float64
	Threshold float64
}

// ListBelowReorder returns active products with a reorder threshold whose
// total remaining quantity is below it, ordered by name.
func ListBelowReorder(ctx context.Context, db *gorm.DB) ([]ProductStock, error) {
	var out []ProductStock
	err := db.WithContext(ctx).
		Table("products AS p").
		Select("p.id AS product_id, p.name AS name, COALESCE(SUM(i.quantity_remaining), 0) AS remaining, p.reorder_threshold AS threshold").
		Joins("LEFT JOIN inventory_items AS i ON i.product_id = p.id").
		Where("p.deleted_at IS NULL AND p.is_active = ? AND p.reorder_threshold > 0", true).
		Group("p.id, p.name, p.reorder_threshold").
		Having("COALESCE(SUM(i.quantity_remaining), 0) < p.reorder_threshold").
		Order("p.name ASC, p.id ASC").
		Scan(&out).Error
	return out, err
}

// isUniqueViolation reports whether err is a unique-key violation. glebarez/sqlite
// often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	low := strings.ToLower(err.Error())
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value")
}

func mapConstraint(err error) error {
	if err == nil {
		return nil
	}
	low := strings.ToLower(err.Error())
	if isUniqueViolation(err) ||
		errors.Is(err, gorm.ErrForeignKeyViolated) ||
		errors.Is(err, gorm.ErrCheckConstraintViolated) ||
		strings.Contains(low, "constraint failed") ||
		strings.Contains(low, "violates") {
		return errors.Join(ErrConstraint, err)
	}
	return err
}
