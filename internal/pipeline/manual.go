package pipeline

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/ocr"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
)

// resumableSteps are the steps a worker picks up after a restart.
var resumableSteps = []string{
	domain.StepUploaded,
	domain.StepPreprocessing,
	domain.StepOCRInProgress,
	domain.StepOCRCompleted,
	domain.StepParsingInProgress,
	domain.StepParsingCompleted,
	domain.StepMatchingInProgress,
	domain.StepMatchingCompleted,
	domain.StepFinalizingInventory,
}

// Resumable lists receipts left mid-pipeline, oldest first.
func (o *Orchestrator) Resumable(ctx context.Context, limit int) ([]string, error) {
	recs, err := repo.ListReceiptsInSteps(ctx, o.db, resumableSteps, limit)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids, nil
}

// Confirm approves a receipt waiting for review and finalizes its inventory.
func (o *Orchestrator) Confirm(ctx context.Context, id string) error {
	unlock, ok := o.locks.TryLock(id)
	if !ok {
		return ErrBusy
	}
	defer unlock()

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := repo.LockReceipt(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.ProcessingStep != domain.StepReviewPending {
			return fmt.Errorf("%w: receipt is %s, not waiting for review", ErrInvalidTransition, cur.ProcessingStep)
		}
		return repo.UpdateReceipt(ctx, tx, id, map[string]any{
			"processing_step": domain.StepFinalizingInventory,
			"status":          domain.StatusProcessing,
		})
	})
	if err != nil {
		return err
	}
	o.notify(ctx, id, domain.StepFinalizingInventory, "review confirmed")
	return o.process(ctx, id)
}

// Retry resets a failed receipt to the earliest step whose output is
// missing and returns that step. The caller schedules the receipt again.
func (o *Orchestrator) Retry(ctx context.Context, id string) (string, error) {
	unlock, ok := o.locks.TryLock(id)
	if !ok {
		return "", ErrBusy
	}
	defer unlock()

	var target string
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := repo.LockReceipt(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.ProcessingStep != domain.StepFailed {
			return fmt.Errorf("%w: receipt is %s, only failed receipts are retried", ErrInvalidTransition, cur.ProcessingStep)
		}
		if target, err = o.resumeStep(ctx, tx, cur); err != nil {
			return err
		}
		if !domain.CanReset(cur.ProcessingStep, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.ProcessingStep, target)
		}
		fields := map[string]any{
			"processing_step": target,
			"status":          domain.StatusForStep(target),
			"error_message":   "",
			"attempts":        0,
		}
		if target == domain.StepParsingInProgress {
			// parsed data without lines is stale
			fields["parsed"] = nil
		}
		return repo.UpdateReceipt(ctx, tx, id, fields)
	})
	if err != nil {
		return "", err
	}
	o.notify(ctx, id, target, "retry requested")
	return target, nil
}

// resumeStep finds the earliest step whose output is not stored yet.
// Matched receipts go back through the review check.
func (o *Orchestrator) resumeStep(ctx context.Context, tx *gorm.DB, r *domain.Receipt) (string, error) {
	var pre domain.PreprocessPayload
	var raw domain.OCRPayload
	var parsed domain.ParsedPayload
	if ok, _ := domain.DecodeJSON(r.Preprocess, &pre); !ok {
		return domain.StepPreprocessing, nil
	}
	if ok, _ := domain.DecodeJSON(r.RawOCR, &raw); !ok || raw.Backend == ocr.BackendNone {
		return domain.StepOCRInProgress, nil
	}
	if ok, _ := domain.DecodeJSON(r.Parsed, &parsed); !ok {
		return domain.StepParsingInProgress, nil
	}
	lines, err := repo.ListLineItems(ctx, tx, r.ID)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return domain.StepParsingInProgress, nil
	}
	for _, li := range lines {
		if li.ProductID == nil || len(li.Match) == 0 {
			return domain.StepMatchingInProgress, nil
		}
	}
	return domain.StepMatchingCompleted, nil
}
