// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for receipts and
// their line items.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only persistence and query composition.
//
// Error semantics:
//   - When a receipt is not found, functions return ErrNotFound.
//   - DeleteReceipt returns ErrReceiptActive while processing is under way.
//   - On other DB errors, the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrReceiptActive is returned when deleting a receipt whose status is not terminal.
var ErrReceiptActive = errors.New("receipt is still being processed")

// CreateReceipt inserts a receipt in the uploaded step. ID is generated when empty.
func CreateReceipt(ctx context.Context, db *gorm.DB, r *domain.Receipt) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ProcessingStep == "" {
		r.ProcessingStep = domain.StepUploaded
	}
	if r.Status == "" {
		r.Status = domain.StatusForStep(r.ProcessingStep)
	}
	return db.WithContext(ctx).Create(r).Error
}

// GetReceipt fetches a receipt by id without its line items.
func GetReceipt(ctx context.Context, db *gorm.DB, id string) (*domain.Receipt, error) {
	var r domain.Receipt
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// GetReceiptWithItems fetches a receipt and its line items ordered by line number.
func GetReceiptWithItems(ctx context.Context, db *gorm.DB, id string) (*domain.Receipt, error) {
	var r domain.Receipt
	err := db.WithContext(ctx).
		Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("line_no ASC, id ASC") }).
		Where("id = ?", id).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// LockReceipt re-reads the receipt row with SELECT ... FOR UPDATE. It must
// run inside a transaction; on SQLite the locking clause is not emitted and
// the database-level write lock serializes writers instead.
func LockReceipt(ctx context.Context, tx *gorm.DB, id string) (*domain.Receipt, error) {
	var r domain.Receipt
	q := tx.WithContext(ctx)
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateReceipt applies the given column updates to a receipt.
// It returns ErrNotFound when no row matched.
func UpdateReceipt(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.Receipt{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendReceiptNote appends one line to the receipt's free-text notes.
func AppendReceiptNote(ctx context.Context, db *gorm.DB, id, note string) error {
	if note == "" {
		return nil
	}
	res := db.WithContext(ctx).Model(&domain.Receipt{}).Where("id = ?", id).
		Update("notes", gorm.Expr("CASE WHEN COALESCE(notes, '') = '' THEN ? ELSE notes || ? END", note, "\n"+note))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetReceiptBlob stores one of the JSON payload columns (raw_ocr, parsed, preprocess).
func SetReceiptBlob(ctx context.Context, db *gorm.DB, id, column string, blob datatypes.JSON) error {
	switch column {
	case "raw_ocr", "parsed", "preprocess":
	default:
		return errors.New("repo: unknown receipt blob column " + column)
	}
	return UpdateReceipt(ctx, db, id, map[string]any{column: blob})
}

// ListReceiptsInSteps returns receipts currently in one of the given steps,
// oldest first. Used to resume work after a restart.
func ListReceiptsInSteps(ctx context.Context, db *gorm.DB, steps []string, limit int) ([]domain.Receipt, error) {
	var out []domain.Receipt
	q := db.WithContext(ctx).Where("processing_step IN ?", steps).Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// CountReceipts counts receipts, optionally restricted to one status.
func CountReceipts(ctx context.Context, db *gorm.DB, status string) (int64, error) {
	var n int64
	q := db.WithContext(ctx).Model(&domain.Receipt{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Count(&n).Error
	return n, err
}

// ListReceiptsPage returns one page of receipts, newest first, without items.
func ListReceiptsPage(ctx context.Context, db *gorm.DB, status string, offset, limit int) ([]domain.Receipt, error) {
	var out []domain.Receipt
	q := db.WithContext(ctx).Order("created_at DESC, id DESC").Offset(offset).Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&out).Error
	return out, err
}

// DeleteReceipt removes a receipt and (by cascade) its line items. Receipts
// still being processed are refused with ErrReceiptActive.
func DeleteReceipt(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := LockReceipt(ctx, tx, id)
		if err != nil {
			return err
		}
		if !domain.IsTerminalStatus(r.Status) {
			return ErrReceiptActive
		}
		if err := tx.Where("receipt_id = ?", id).Delete(&domain.ReceiptLineItem{}).Error; err != nil {
			return err
		}
		return tx.Delete(&domain.Receipt{}, "id = ?", id).Error
	})
}

// ReplaceLineItems deletes the receipt's line items and inserts items in
// their place, so re-parsing a receipt never duplicates lines.
func ReplaceLineItems(ctx context.Context, db *gorm.DB, receiptID string, items []domain.ReceiptLineItem) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("receipt_id = ?", receiptID).Delete(&domain.ReceiptLineItem{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		for i := range items {
			if items[i].ID == "" {
				items[i].ID = uuid.NewString()
			}
			items[i].ReceiptID = receiptID
		}
		return tx.Create(&items).Error
	})
}

// ListLineItems returns a receipt's line items ordered by line number.
func ListLineItems(ctx context.Context, db *gorm.DB, receiptID string) ([]domain.ReceiptLineItem, error) {
	var out []domain.ReceiptLineItem
	err := db.WithContext(ctx).
		Where("receipt_id = ?", receiptID).
		Order("line_no ASC, id ASC").
		Find(&out).Error
	return out, err
}

// SetLineItemMatch links a line item to a product and stores the match metadata.
func SetLineItemMatch(ctx context.Context, db *gorm.DB, itemID, productID string, match datatypes.JSON) error {
	res := db.WithContext(ctx).Model(&domain.ReceiptLineItem{}).Where("id = ?", itemID).
		Updates(map[string]any{"product_id": productID, "match_meta": match, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
