// Package services – InventoryService
//
// This file implements InventoryService: withdrawing stock from a batch and
// listing products that fell below their reorder threshold.
package services

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/inventory"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
)

// InventoryService exposes stock operations.
type InventoryService struct {
	DB *gorm.DB
}

// NewInventoryService constructs an InventoryService.
func NewInventoryService(db *gorm.DB) *InventoryService {
	return &InventoryService{DB: db}
}

// Consume withdraws qty from a batch. Requests above the remaining quantity
// are clamped; the returned event carries both amounts.
func (s *InventoryService) Consume(ctx context.Context, itemID string, qty float64, reason string) (*domain.ConsumptionEvent, error) {
	tr := otel.Tracer("services/InventoryService")
	ctx, span := tr.Start(ctx, "Consume",
		trace.WithAttributes(
			attribute.String("inventory.item_id", itemID),
			attribute.Float64("inventory.requested", qty),
		),
	)
	defer span.End()

	ev, err := inventory.Consume(ctx, s.DB, itemID, qty, reason)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Float64("inventory.applied", ev.Applied))
		return ev, nil
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return nil, ErrInvalidQuantity
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrItemNotFound
	}
	return nil, err
}

// LowStock lists products whose remaining stock is below their reorder threshold.
func (s *InventoryService) LowStock(ctx context.Context) ([]repo.ProductStock, error) {
	tr := otel.Tracer("services/InventoryService")
	ctx, span := tr.Start(ctx, "LowStock")
	defer span.End()

	return inventory.BelowReorder(ctx, s.DB)
}
