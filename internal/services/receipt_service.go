// Package services – ReceiptService
//
// This file implements ReceiptService, which owns the lifecycle of uploaded
// receipts as seen by API clients: intake validation, storing the source
// file, registering the receipt, handing it to the pipeline and the manual
// review/retry operations.
//
// Uploads honor an Idempotency-Key: a retried upload with the same key
// returns the receipt created the first time instead of ingesting the file
// again.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include the receipt identifier where applicable.
package services

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/intake"
	"github.com/tbourn/go-receipt-pipeline/internal/pipeline"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
	"github.com/tbourn/go-receipt-pipeline/internal/storage"
)

// Scheduler queues receipts for background processing.
type Scheduler interface {
	Enqueue(id string) error
}

// Lifecycle is the manual part of the pipeline state machine.
type Lifecycle interface {
	Confirm(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) (string, error)
}

// ReceiptService coordinates uploads and receipt state changes.
type ReceiptService struct {
	DB        *gorm.DB
	Intake    *intake.Validator
	Store     storage.Store
	Scheduler Scheduler
	Lifecycle Lifecycle

	// IdempotencyTTL is how long an Idempotency-Key keeps answering with the
	// receipt it created.
	IdempotencyTTL time.Duration
}

// NewReceiptService constructs a ReceiptService with a 24h idempotency window.
func NewReceiptService(db *gorm.DB, v *intake.Validator, store storage.Store, sched Scheduler, lc Lifecycle) *ReceiptService {
	return &ReceiptService{
		DB:             db,
		Intake:         v,
		Store:          store,
		Scheduler:      sched,
		Lifecycle:      lc,
		IdempotencyTTL: 24 * time.Hour,
	}
}

// Upload validates and stores a receipt file and schedules it for
// processing. replayed is true when idemKey matched an earlier upload.
// Intake rejections are returned as *intake.ValidationError.
func (s *ReceiptService) Upload(ctx context.Context, clientID, idemKey, name string, data []byte) (rec *domain.Receipt, replayed bool, err error) {
	tr := otel.Tracer("services/ReceiptService")
	ctx, span := tr.Start(ctx, "Upload",
		trace.WithAttributes(
			attribute.String("client.id", clientID),
			attribute.Int("upload.bytes", len(data)),
		),
	)
	defer span.End()

	if prev, ok := s.replay(ctx, clientID, idemKey); ok {
		span.SetAttributes(attribute.Bool("idempotency.replay", true))
		return prev, true, nil
	}

	f, err := s.Intake.Validate(name, data)
	if err != nil {
		return nil, false, err
	}

	name = cleanName(name, f.Extension)
	ref, err := s.Store.Put(ctx, name, bytes.NewReader(data))
	if err != nil {
		return nil, false, err
	}

	rec = &domain.Receipt{SourceRef: ref, OriginalName: name, MimeType: f.MIME}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateReceipt(ctx, tx, rec); err != nil {
			return err
		}
		if idemKey == "" {
			return nil
		}
		_, err := repo.CreateIdempotency(ctx, tx, clientID, idemKey, rec.ID, http.StatusCreated, s.IdempotencyTTL)
		return err
	})
	if err != nil {
		s.discard(ctx, ref)
		// a concurrent upload with the same key won the race
		if errors.Is(err, repo.ErrDuplicate) {
			if prev, ok := s.replay(ctx, clientID, idemKey); ok {
				return prev, true, nil
			}
		}
		return nil, false, err
	}
	span.SetAttributes(attribute.String("receipt.id", rec.ID))

	if err := s.Scheduler.Enqueue(rec.ID); err != nil {
		log.Warn().Err(err).Str("receipt_id", rec.ID).Msg("receipt stored but not scheduled")
		if errors.Is(err, pipeline.ErrQueueFull) {
			return rec, false, ErrQueueFull
		}
		return rec, false, err
	}
	return rec, false, nil
}

// replay looks up an unexpired idempotency record and its receipt.
func (s *ReceiptService) replay(ctx context.Context, clientID, key string) (*domain.Receipt, bool) {
	if key == "" {
		return nil, false
	}
	idem, err := repo.GetIdempotency(ctx, s.DB, clientID, key, time.Now().UTC())
	if err != nil {
		return nil, false
	}
	rec, err := repo.GetReceipt(ctx, s.DB, idem.ReceiptID)
	if err != nil {
		return nil, false
	}
	return rec, true
}

func (s *ReceiptService) discard(ctx context.Context, ref string) {
	if err := s.Store.Delete(ctx, ref); err != nil {
		log.Warn().Err(err).Str("ref", ref).Msg("could not remove orphaned upload")
	}
}

// Get returns a receipt with its line items.
func (s *ReceiptService) Get(ctx context.Context, id string) (*domain.Receipt, error) {
	tr := otel.Tracer("services/ReceiptService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("receipt.id", id)))
	defer span.End()

	rec, err := repo.GetReceiptWithItems(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrReceiptNotFound
	}
	return rec, err
}

// ListPage returns a page of receipts, newest first, optionally filtered by
// status, and the total count.
func (s *ReceiptService) ListPage(ctx context.Context, status string, page, pageSize int) ([]domain.Receipt, int64, error) {
	tr := otel.Tracer("services/ReceiptService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("status", status),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := repo.CountReceipts(ctx, s.DB, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Receipt{}, 0, nil
	}
	items, err := repo.ListReceiptsPage(ctx, s.DB, status, (page-1)*pageSize, pageSize)
	return items, total, err
}

// Confirm approves a receipt waiting for review; its inventory is applied
// before Confirm returns.
func (s *ReceiptService) Confirm(ctx context.Context, id string) (*domain.Receipt, error) {
	tr := otel.Tracer("services/ReceiptService")
	ctx, span := tr.Start(ctx, "Confirm", trace.WithAttributes(attribute.String("receipt.id", id)))
	defer span.End()

	if err := s.Lifecycle.Confirm(ctx, id); err != nil {
		return nil, mapPipelineErr(err)
	}
	return s.Get(ctx, id)
}

// Retry restarts a failed receipt from its first missing output and
// schedules it.
func (s *ReceiptService) Retry(ctx context.Context, id string) (*domain.Receipt, error) {
	tr := otel.Tracer("services/ReceiptService")
	ctx, span := tr.Start(ctx, "Retry", trace.WithAttributes(attribute.String("receipt.id", id)))
	defer span.End()

	step, err := s.Lifecycle.Retry(ctx, id)
	if err != nil {
		return nil, mapPipelineErr(err)
	}
	span.SetAttributes(attribute.String("receipt.step", step))
	if err := s.Scheduler.Enqueue(id); err != nil {
		log.Warn().Err(err).Str("receipt_id", id).Msg("retried receipt not scheduled")
	}
	return s.Get(ctx, id)
}

// Delete removes a finished receipt and its stored source file.
func (s *ReceiptService) Delete(ctx context.Context, id string) error {
	tr := otel.Tracer("services/ReceiptService")
	ctx, span := tr.Start(ctx, "Delete", trace.WithAttributes(attribute.String("receipt.id", id)))
	defer span.End()

	rec, err := repo.GetReceipt(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrReceiptNotFound
		}
		return err
	}
	if err := repo.DeleteReceipt(ctx, s.DB, id); err != nil {
		switch {
		case errors.Is(err, repo.ErrReceiptActive):
			return ErrReceiptActive
		case errors.Is(err, repo.ErrNotFound):
			return ErrReceiptNotFound
		}
		return err
	}
	s.discard(ctx, rec.SourceRef)
	return nil
}

func mapPipelineErr(err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrReceiptNotFound
	case errors.Is(err, pipeline.ErrInvalidTransition):
		return ErrInvalidState
	case errors.Is(err, pipeline.ErrBusy):
		return ErrReceiptBusy
	}
	return err
}

// cleanName keeps the base name of an upload and makes sure it carries the
// extension intake settled on.
func cleanName(name, ext string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "." || name == "/" || name == "" {
		name = "receipt"
	}
	if !strings.EqualFold(filepath.Ext(name), ext) {
		name += ext
	}
	return name
}
