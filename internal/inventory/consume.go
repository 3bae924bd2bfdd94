package inventory

import (
	"context"
	"math"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
)

// Consume withdraws qty from a batch. Over-consumption is clamped: the batch
// ends at zero and the event records both the requested and applied amounts.
func Consume(ctx context.Context, db *gorm.DB, itemID string, qty float64, reason string) (*domain.ConsumptionEvent, error) {
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return nil, ErrInvalidQuantity
	}
	var ev *domain.ConsumptionEvent
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		it, err := repo.LockInventoryItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		applied := it.Withdraw(qty)
		ev = &domain.ConsumptionEvent{Requested: qty, Applied: applied, Reason: strings.TrimSpace(reason)}
		return repo.SaveConsumption(ctx, tx, it, ev)
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// BelowReorder lists active products whose total remaining stock is below
// their reorder threshold.
func BelowReorder(ctx context.Context, db *gorm.DB) ([]repo.ProductStock, error) {
	return repo.ListBelowReorder(ctx, db)
}
