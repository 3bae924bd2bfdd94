// Inventory HTTP handlers.
//
//   - POST /inventory/{id}/consume  (withdraw from a batch)
//   - GET  /inventory/low-stock     (products below their reorder threshold)
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
)

// InventoryService defines stock operations consumed by HTTP handlers.
type InventoryService interface {
	Consume(ctx context.Context, itemID string, qty float64, reason string) (*domain.ConsumptionEvent, error)
	LowStock(ctx context.Context) ([]repo.ProductStock, error)
}

// ConsumeRequest is the JSON payload for withdrawing stock.
type ConsumeRequest struct {
	// Quantity to withdraw, in the batch's unit. Larger amounts are clamped.
	Quantity float64 `json:"quantity" binding:"required,gt=0" example:"0.5"`
	Reason   string  `json:"reason"   binding:"max=255"       example:"breakfast"`
}

// LowStockItem is one product below its reorder threshold.
type LowStockItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"       example:"Mleko 2%"`
	Remaining float64 `json:"remaining"  example:"0.5"`
	Threshold float64 `json:"threshold"  example:"2"`
}

// LowStockResponse lists products that need restocking.
type LowStockResponse struct {
	Items []LowStockItem `json:"items"`
}

// ConsumeInventory godoc
// @ID          consumeInventory
// @Summary     Consume stock from a batch
// @Description Withdraws a quantity from an inventory batch. Over-consumption is clamped at zero; the event reports requested and applied amounts.
// @Tags        Inventory
// @Accept      json
// @Produce     json
// @Param       id    path  string                   true  "Inventory item ID (UUID)"  format(uuid)
// @Param       body  body  handlers.ConsumeRequest  true  "Consumption"
// @Success     200  {object} domain.ConsumptionEvent
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Failure     422  {object} handlers.ErrorResponse
// @Router      /inventory/{id}/consume [post]
func (h *Handlers) ConsumeInventory(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "inventory item id must be a UUID")
		return
	}
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "quantity must be a positive number")
		return
	}
	ev, err := h.inventory.Consume(c.Request.Context(), id, req.Quantity, strings.TrimSpace(req.Reason))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, ev)
}

// LowStock godoc
// @ID          lowStock
// @Summary     Products below reorder threshold
// @Tags        Inventory
// @Produce     json
// @Success     200  {object} handlers.LowStockResponse
// @Failure     500  {object} handlers.ErrorResponse
// @Router      /inventory/low-stock [get]
func (h *Handlers) LowStock(c *gin.Context) {
	rows, err := h.inventory.LowStock(c.Request.Context())
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	out := LowStockResponse{Items: make([]LowStockItem, len(rows))}
	for i, r := range rows {
		out.Items[i] = LowStockItem(r)
	}
	ok(c, http.StatusOK, out)
}
