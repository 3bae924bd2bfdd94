// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// for conditional responses (ETag generation) in the HTTP layer and for the
// pipeline backlog gauge.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
)

// ReceiptStats returns ETag material for a single receipt: the number of its
// line items and the greatest UpdatedAt among the receipt and its lines.
//
// Return values:
//   - count:        line items of the receipt
//   - maxUpdatedAt: pointer to the latest change, or nil if the receipt is missing
//   - err:          database error, if any
func ReceiptStats(ctx context.Context, db *gorm.DB, receiptID string) (count int64, maxUpdatedAt *time.Time, err error) {
	var head struct {
		UpdatedAt time.Time
	}
	res := db.WithContext(ctx).Model(&domain.Receipt{}).Select("updated_at").Where("id = ?", receiptID).Limit(1).Scan(&head)
	if res.Error != nil {
		return 0, nil, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, nil, nil
	}
	latest := head.UpdatedAt

	q := db.WithContext(ctx).Model(&domain.ReceiptLineItem{}).Where("receipt_id = ?", receiptID)
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count > 0 {
		// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
		var row struct {
			UpdatedAt time.Time
		}
		if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
			return 0, nil, err
		}
		if row.UpdatedAt.After(latest) {
			latest = row.UpdatedAt
		}
	}
	return count, &latest, nil
}

// CountReceiptsByStatus returns the number of receipts per coarse status.
func CountReceiptsByStatus(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := db.WithContext(ctx).Model(&domain.Receipt{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
