// Receipt HTTP handlers.
//
// This file exposes REST endpoints for receipt resources:
//   - POST   /receipts               (upload, Idempotency-Key aware)
//   - GET    /receipts               (list, paginated)
//   - GET    /receipts/{id}          (status, notes and line items, ETag support)
//   - POST   /receipts/{id}/retry    (restart a failed receipt)
//   - POST   /receipts/{id}/confirm  (approve a receipt waiting for review)
//   - DELETE /receipts/{id}
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/http/middleware"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
	"github.com/tbourn/go-receipt-pipeline/internal/services"
	"github.com/tbourn/go-receipt-pipeline/internal/utils"
)

//
// Service contracts (context-aware)
//

// ReceiptService defines the receipt operations consumed by HTTP handlers.
type ReceiptService interface {
	Upload(ctx context.Context, clientID, idemKey, name string, data []byte) (*domain.Receipt, bool, error)
	Get(ctx context.Context, id string) (*domain.Receipt, error)
	ListPage(ctx context.Context, status string, page, pageSize int) ([]domain.Receipt, int64, error)
	Confirm(ctx context.Context, id string) (*domain.Receipt, error)
	Retry(ctx context.Context, id string) (*domain.Receipt, error)
	Delete(ctx context.Context, id string) error
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for receipts and inventory.
type Handlers struct {
	receipts  ReceiptService
	inventory InventoryService

	// maxUpload caps the bytes read from an uploaded file.
	maxUpload int64
}

// New constructs Handlers. maxUpload <= 0 means 20 MiB.
func New(receipts ReceiptService, inventory InventoryService, maxUpload int64) *Handlers {
	if maxUpload <= 0 {
		maxUpload = 20 << 20
	}
	return &Handlers{receipts: receipts, inventory: inventory, maxUpload: maxUpload}
}

//
// DTOs
//

// ReceiptResponse is a receipt plus its pipeline progress.
type ReceiptResponse struct {
	*domain.Receipt
	ProgressPercent int `json:"progress_percent" example:"40"`
}

func toResponse(r *domain.Receipt) ReceiptResponse {
	return ReceiptResponse{Receipt: r, ProgressPercent: domain.ProgressPercent(r.ProcessingStep)}
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListReceiptsResponse wraps a page of receipts and pagination information.
type ListReceiptsResponse struct {
	Receipts   []ReceiptResponse `json:"receipts"`
	Pagination Pagination        `json:"pagination"`
}

//
// Helpers
//

func receiptID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "receipt id must be a UUID")
		return "", false
	}
	return id, true
}

// readUpload returns the "file" form part, reading at most maxUpload+1 bytes
// so that oversize files still reach intake and get its size error.
func (h *Handlers) readUpload(c *gin.Context) (name string, data []byte, ok bool) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, `multipart field "file" is required`)
		return "", nil, false
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "cannot read uploaded file")
		return "", nil, false
	}
	defer f.Close()
	data, err = io.ReadAll(io.LimitReader(f, h.maxUpload+1))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "cannot read uploaded file")
		return "", nil, false
	}
	return fh.Filename, data, true
}

//
// Handlers
//

// UploadReceipt godoc
// @ID          uploadReceipt
// @Summary     Upload a receipt
// @Description Validates and stores a receipt image or PDF and schedules it for processing. Repeating the request with the same Idempotency-Key returns the original receipt.
// @Tags        Receipts
// @Accept      multipart/form-data
// @Produce     json
//
// @Param       X-Client-ID      header    string  false "Client ID"        example(kitchen-tablet)
// @Param       Idempotency-Key  header    string  false "Idempotency key"  example(upload-2024-05-01-1)
// @Param       file             formData  file    true  "Receipt image (jpeg, png, webp, heic) or PDF"
//
// @Success     202  {object}  handlers.ReceiptResponse  "Accepted for processing"
// @Success     200  {object}  handlers.ReceiptResponse  "Replay of an earlier upload"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     413  {object}  handlers.ErrorResponse
// @Failure     415  {object}  handlers.ErrorResponse
// @Failure     422  {object}  handlers.ErrorResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /receipts [post]
func (h *Handlers) UploadReceipt(c *gin.Context) {
	name, data, good := h.readUpload(c)
	if !good {
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	rec, replayed, err := h.receipts.Upload(c.Request.Context(), middleware.ClientIDFrom(c), key, name, data)
	switch {
	case err == nil:
	case rec != nil:
		// stored but not scheduled; the resume sweep picks it up
		middleware.LoggerFrom(c).Warn().Err(err).Str("receipt_id", rec.ID).Msg("upload accepted without scheduling")
	default:
		failErr(c, err, ErrCodeUploadFailed)
		return
	}

	c.Header("Location", strings.TrimSuffix(c.FullPath(), "/")+"/"+rec.ID)
	if replayed {
		c.Header("Idempotent-Replayed", "true")
		ok(c, http.StatusOK, toResponse(rec))
		return
	}
	ok(c, http.StatusAccepted, toResponse(rec))
}

// ListReceipts godoc
// @ID          listReceipts
// @Summary     List receipts (paginated)
// @Description Returns receipts newest first, optionally filtered by status.
// @Tags        Receipts
// @Produce     json
//
// @Param       status     query  string  false "Status filter"  Enums(pending, processing, review, completed, completed_with_errors, failed)
// @Param       page       query  int     false "Page number"    minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page" minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListReceiptsResponse
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     500  {object} handlers.ErrorResponse
// @Router      /receipts [get]
func (h *Handlers) ListReceipts(c *gin.Context) {
	status := strings.TrimSpace(c.Query("status"))
	if status != "" && !domain.IsKnownStatus(status) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown status "+status)
		return
	}
	page, pageSize, _ := utils.Page(c.Query("page"), c.Query("page_size"), 20, 100)

	items, total, err := h.receipts.ListPage(c.Request.Context(), status, page, pageSize)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}

	out := make([]ReceiptResponse, len(items))
	for i := range items {
		out[i] = toResponse(&items[i])
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListReceiptsResponse{
		Receipts: out,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetReceipt godoc
// @ID          getReceipt
// @Summary     Get a receipt
// @Description Returns processing step, status, error, notes and line items. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Receipts
// @Produce     json
//
// @Param       id             path    string  true  "Receipt ID (UUID)"           format(uuid)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
//
// @Success     200  {object} handlers.ReceiptResponse
// @Header      200  {string} ETag "Weak ETag for the receipt and its lines"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /receipts/{id} [get]
func (h *Handlers) GetReceipt(c *gin.Context) {
	id, good := receiptID(c)
	if !good {
		return
	}
	ctx := c.Request.Context()

	// ETag pre-check (best effort)
	if svc, isSvc := h.receipts.(*services.ReceiptService); isSvc && svc.DB != nil {
		if count, maxTS, err := repo.ReceiptStats(ctx, svc.DB, id); err == nil && maxTS != nil {
			etag := fmt.Sprintf(`W/"receipt:%s:%d:%d"`, id, count, maxTS.UnixNano())
			c.Header("ETag", etag)
			if c.GetHeader("If-None-Match") == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	rec, err := h.receipts.Get(ctx, id)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, toResponse(rec))
}

// RetryReceipt godoc
// @ID          retryReceipt
// @Summary     Retry a failed receipt
// @Description Resets a failed receipt to the first stage whose output is missing and schedules it.
// @Tags        Receipts
// @Produce     json
// @Param       id  path  string  true  "Receipt ID (UUID)"  format(uuid)
// @Success     202  {object} handlers.ReceiptResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Failure     409  {object} handlers.ErrorResponse "Receipt is not failed or is busy"
// @Router      /receipts/{id}/retry [post]
func (h *Handlers) RetryReceipt(c *gin.Context) {
	id, good := receiptID(c)
	if !good {
		return
	}
	rec, err := h.receipts.Retry(c.Request.Context(), id)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusAccepted, toResponse(rec))
}

// ConfirmReceipt godoc
// @ID          confirmReceipt
// @Summary     Confirm a reviewed receipt
// @Description Approves the product matches of a receipt waiting for review and applies it to the inventory.
// @Tags        Receipts
// @Produce     json
// @Param       id  path  string  true  "Receipt ID (UUID)"  format(uuid)
// @Success     200  {object} handlers.ReceiptResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Failure     409  {object} handlers.ErrorResponse "Receipt is not waiting for review or is busy"
// @Router      /receipts/{id}/confirm [post]
func (h *Handlers) ConfirmReceipt(c *gin.Context) {
	id, good := receiptID(c)
	if !good {
		return
	}
	rec, err := h.receipts.Confirm(c.Request.Context(), id)
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, toResponse(rec))
}

// DeleteReceipt godoc
// @ID          deleteReceipt
// @Summary     Delete a receipt
// @Description Deletes a finished receipt, its line items and its stored file. Inventory batches keep their quantities.
// @Tags        Receipts
// @Param       id  path  string  true  "Receipt ID (UUID)"  format(uuid)
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse
// @Failure     409  {object} handlers.ErrorResponse "Receipt is still being processed"
// @Router      /receipts/{id} [delete]
func (h *Handlers) DeleteReceipt(c *gin.Context) {
	id, good := receiptID(c)
	if !good {
		return
	}
	if err := h.receipts.Delete(c.Request.Context(), id); err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	noContent(c)
}
