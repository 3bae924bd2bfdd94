// Package pipeline drives receipts through preprocessing, OCR, parsing,
// product matching and inventory reconciliation.
//
// The Orchestrator is an explicit state machine over domain.Step* values.
// Each stage does its slow work (image processing, OCR, vision calls)
// outside of any transaction, then commits its output and the step change
// in one transaction that holds the receipt row lock. Stages are idempotent:
// a stage whose output is already stored is skipped, so a receipt can be
// resumed from any step after a crash or a manual retry.
//
// The Dispatcher feeds receipt ids to a bounded pool of workers and makes
// sure a receipt is never processed by two workers at once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/config"
	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/inventory"
	"github.com/tbourn/go-receipt-pipeline/internal/matcher"
	"github.com/tbourn/go-receipt-pipeline/internal/notify"
	"github.com/tbourn/go-receipt-pipeline/internal/ocr"
	"github.com/tbourn/go-receipt-pipeline/internal/parser"
	"github.com/tbourn/go-receipt-pipeline/internal/preprocess"
	"github.com/tbourn/go-receipt-pipeline/internal/quality"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
	"github.com/tbourn/go-receipt-pipeline/internal/storage"
	"github.com/tbourn/go-receipt-pipeline/internal/vision"
)

var (
	// ErrInvalidTransition is returned when a receipt is not in a step that
	// allows the requested move.
	ErrInvalidTransition = errors.New("pipeline: invalid transition")
	// ErrBusy is returned when another worker holds the receipt or moved it
	// on while a stage was running.
	ErrBusy = errors.New("pipeline: receipt is busy")
	// ErrMissingInput is returned when a stage finds the output of an
	// earlier stage missing.
	ErrMissingInput = errors.New("pipeline: stage input missing")
)

// Preprocessor cleans up a receipt image before OCR.
type Preprocessor interface {
	Process(ctx context.Context, srcPath string) (preprocess.Result, error)
}

// TextExtractor runs OCR on an image.
type TextExtractor interface {
	Extract(ctx context.Context, imagePath string) (ocr.Result, error)
}

// ReceiptParser structures OCR text or a vision reply.
type ReceiptParser interface {
	Parse(text string) (parser.Parsed, error)
	ParseVisionJSON(reply []byte) (parser.Parsed, error)
}

// Options tune retries and review routing.
type Options struct {
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	ReviewThreshold float64 // non-created matches below this go to review
	LineTolerance   float64 // |line_total - qty*unit_price| before a line is noted
}

// DefaultOptions returns 3 attempts, 1s..30s backoff and a 0.75 review threshold.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		RetryBaseDelay:  time.Second,
		RetryMaxDelay:   30 * time.Second,
		ReviewThreshold: 0.75,
		LineTolerance:   0.05,
	}
}

// OptionsFromConfig maps the pipeline and inventory settings.
func OptionsFromConfig(p config.PipelineConfig, inv config.InventoryConfig) Options {
	o := DefaultOptions()
	if p.MaxAttempts > 0 {
		o.MaxAttempts = p.MaxAttempts
	}
	if p.RetryBaseDelay > 0 {
		o.RetryBaseDelay = p.RetryBaseDelay
	}
	if p.RetryMaxDelay > 0 {
		o.RetryMaxDelay = p.RetryMaxDelay
	}
	if p.ReviewThreshold > 0 {
		o.ReviewThreshold = p.ReviewThreshold
	}
	if inv.LineTolerance > 0 {
		o.LineTolerance = inv.LineTolerance
	}
	return o
}

// Deps are the stage implementations. Preprocess and Vision may be nil.
type Deps struct {
	Store      storage.Store
	Preprocess Preprocessor
	OCR        TextExtractor
	Gate       quality.Gate
	Parser     ReceiptParser
	Vision     vision.Describer
	Matcher    *matcher.Matcher
	Reconciler *inventory.Reconciler
	Notifier   notify.Notifier
}

// StageOutcome is what a stage hands back. Payload holds receipt columns
// that are persisted together with the step change.
type StageOutcome struct {
	Success      bool
	Payload      map[string]any
	ErrorMessage string

	Next    string // step to move to; the stage default when empty
	Status  string // overrides domain.StatusForStep(Next)
	Items   []domain.ReceiptLineItem
	Notes   []string
	Message string
	Skipped bool
}

func (o StageOutcome) merge(x StageOutcome) StageOutcome {
	if len(x.Payload) > 0 {
		if o.Payload == nil {
			o.Payload = make(map[string]any, len(x.Payload))
		}
		maps.Copy(o.Payload, x.Payload)
	}
	if x.Next != "" {
		o.Next = x.Next
	}
	if x.Status != "" {
		o.Status = x.Status
	}
	if x.Items != nil {
		o.Items = x.Items
	}
	if x.Message != "" {
		o.Message = x.Message
	}
	o.Notes = append(o.Notes, x.Notes...)
	o.Skipped = o.Skipped || x.Skipped
	return o
}

// stage is one edge of the state machine. work runs before the receipt
// transaction, inTx inside it.
type stage struct {
	name string
	from string
	to   string
	work func(ctx context.Context, rec *domain.Receipt) (StageOutcome, error)
	inTx func(ctx context.Context, tx *gorm.DB, rec *domain.Receipt) (StageOutcome, error)
}

// Orchestrator runs receipts through the pipeline.
type Orchestrator struct {
	db     *gorm.DB
	deps   Deps
	opts   Options
	stages map[string]stage
	locks  *keyedMutex
	now    func() time.Time
}

// New wires an Orchestrator.
func New(db *gorm.DB, deps Deps, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Multi{}
	}
	o := &Orchestrator{
		db:    db,
		deps:  deps,
		opts:  opts,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	o.stages = o.buildStages()
	return o
}

func (o *Orchestrator) buildStages() map[string]stage {
	list := []stage{
		{name: "start", from: domain.StepUploaded, to: domain.StepPreprocessing},
		{name: "preprocess", from: domain.StepPreprocessing, to: domain.StepOCRInProgress, work: o.preprocessStage},
		{name: "ocr", from: domain.StepOCRInProgress, to: domain.StepOCRCompleted, work: o.ocrStage},
		{name: "ocr_done", from: domain.StepOCRCompleted, to: domain.StepParsingInProgress},
		{name: "parse", from: domain.StepParsingInProgress, to: domain.StepParsingCompleted, work: o.parseStage},
		{name: "parse_done", from: domain.StepParsingCompleted, to: domain.StepMatchingInProgress},
		{name: "match", from: domain.StepMatchingInProgress, to: domain.StepMatchingCompleted, inTx: o.matchStage},
		{name: "review", from: domain.StepMatchingCompleted, to: domain.StepFinalizingInventory, inTx: o.reviewStage},
		{name: "inventory", from: domain.StepFinalizingInventory, to: domain.StepDone, inTx: o.inventoryStage},
	}
	m := make(map[string]stage, len(list))
	for _, s := range list {
		m[s.from] = s
	}
	return m
}

// Process advances a receipt until it is done, failed, waiting for review or
// ctx ends. It returns ErrBusy when the receipt is already being processed
// in this process. A cancelled ctx leaves the receipt in its current step.
func (o *Orchestrator) Process(ctx context.Context, id string) error {
	unlock, ok := o.locks.TryLock(id)
	if !ok {
		return ErrBusy
	}
	defer unlock()
	return o.process(ctx, id)
}

func (o *Orchestrator) process(ctx context.Context, id string) error {
	tr := otel.Tracer("pipeline/Orchestrator")
	ctx, span := tr.Start(ctx, "Process", trace.WithAttributes(attribute.String("receipt.id", id)))
	defer span.End()

	for {
		rec, err := repo.GetReceipt(ctx, o.db, id)
		if err != nil {
			span.RecordError(err)
			return err
		}
		step := rec.ProcessingStep
		if domain.IsTerminalStep(step) || step == domain.StepReviewPending {
			span.SetAttributes(attribute.String("receipt.step", step))
			return nil
		}
		st, ok := o.stages[step]
		if !ok {
			return fmt.Errorf("%w: no stage leaves %q", ErrInvalidTransition, step)
		}
		if err := o.runStage(ctx, rec, st); err != nil {
			if errors.Is(err, ErrBusy) || ctx.Err() != nil {
				return err
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.fail(ctx, id, st, err)
			return err
		}
	}
}

// runStage runs one stage with bounded exponential backoff.
func (o *Orchestrator) runStage(ctx context.Context, rec *domain.Receipt, st stage) error {
	tr := otel.Tracer("pipeline/Orchestrator")
	ctx, span := tr.Start(ctx, "Stage "+st.name, trace.WithAttributes(
		attribute.String("receipt.id", rec.ID),
		attribute.String("receipt.step", st.from),
	))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.RetryBaseDelay
	b.MaxInterval = o.opts.RetryMaxDelay

	start := time.Now()
	out, err := backoff.Retry(ctx, func() (StageOutcome, error) {
		out, err := o.attempt(ctx, rec, st)
		if err != nil && isPermanent(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			stageRuns.WithLabelValues(st.name, "retry").Inc()
			o.recordAttempt(ctx, rec.ID, err)
			log.Warn().Err(err).
				Str("receipt_id", rec.ID).
				Str("step", st.from).
				Dur("retry_in", next).
				Msg("stage failed, retrying")
		}),
	)
	if err != nil {
		stageRuns.WithLabelValues(st.name, "error").Inc()
		span.RecordError(err)
		return err
	}

	outcome := "ok"
	if out.Skipped {
		outcome = "skipped"
	}
	stageRuns.WithLabelValues(st.name, outcome).Inc()
	stageDuration.WithLabelValues(st.name).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("receipt.next_step", out.Next), attribute.Bool("stage.skipped", out.Skipped))

	log.Debug().
		Str("receipt_id", rec.ID).
		Str("step", st.from).
		Str("next", out.Next).
		Bool("skipped", out.Skipped).
		Msg(out.Message)

	switch out.Next {
	case domain.StepDone, domain.StepReviewPending:
		status := out.Status
		if status == "" {
			status = domain.StatusForStep(out.Next)
		}
		receiptsFinished.WithLabelValues(status).Inc()
	}
	o.notify(ctx, rec.ID, out.Next, out.Message)
	return nil
}

// attempt runs a stage once: work, then the locked commit.
func (o *Orchestrator) attempt(ctx context.Context, rec *domain.Receipt, st stage) (StageOutcome, error) {
	out := StageOutcome{Next: st.to}
	if st.work != nil {
		w, err := st.work(ctx, rec)
		if err != nil {
			return StageOutcome{ErrorMessage: err.Error()}, err
		}
		out = out.merge(w)
	}

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := repo.LockReceipt(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		if cur.ProcessingStep != st.from {
			return fmt.Errorf("%w: moved from %s to %s", ErrBusy, st.from, cur.ProcessingStep)
		}
		if st.inTx != nil {
			x, err := st.inTx(ctx, tx, cur)
			if err != nil {
				return err
			}
			out = out.merge(x)
		}
		return o.commit(ctx, tx, cur, &out)
	})
	if err != nil {
		return StageOutcome{ErrorMessage: err.Error()}, err
	}
	return out, nil
}

// commit persists a stage's outcome and moves the receipt on.
func (o *Orchestrator) commit(ctx context.Context, tx *gorm.DB, cur *domain.Receipt, out *StageOutcome) error {
	if !domain.CanAdvance(cur.ProcessingStep, out.Next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.ProcessingStep, out.Next)
	}
	if out.Items != nil {
		if err := repo.ReplaceLineItems(ctx, tx, cur.ID, out.Items); err != nil {
			return fmt.Errorf("store line items: %w", err)
		}
	}
	status := out.Status
	if status == "" {
		status = domain.StatusForStep(out.Next)
	}
	fields := map[string]any{
		"processing_step": out.Next,
		"status":          status,
		"error_message":   "",
	}
	maps.Copy(fields, out.Payload)
	if err := repo.UpdateReceipt(ctx, tx, cur.ID, fields); err != nil {
		return err
	}
	for _, n := range out.Notes {
		if err := repo.AppendReceiptNote(ctx, tx, cur.ID, n); err != nil {
			return err
		}
	}
	out.Success = true
	return nil
}

// recordAttempt counts a failed try without moving the receipt.
func (o *Orchestrator) recordAttempt(ctx context.Context, id string, cause error) {
	err := repo.UpdateReceipt(ctx, o.db, id, map[string]any{
		"attempts":      gorm.Expr("attempts + 1"),
		"error_message": cause.Error(),
	})
	if err != nil {
		log.Warn().Err(err).Str("receipt_id", id).Msg("record attempt")
	}
}

// fail moves a receipt to failed and stores the cause.
func (o *Orchestrator) fail(ctx context.Context, id string, st stage, cause error) {
	msg := fmt.Sprintf("%s: %v", st.name, cause)
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := repo.LockReceipt(ctx, tx, id)
		if err != nil {
			return err
		}
		if !domain.CanAdvance(cur.ProcessingStep, domain.StepFailed) {
			return nil
		}
		return repo.UpdateReceipt(ctx, tx, id, map[string]any{
			"processing_step": domain.StepFailed,
			"status":          domain.StatusFailed,
			"error_message":   msg,
			"attempts":        gorm.Expr("attempts + 1"),
		})
	})
	if err != nil {
		log.Error().Err(err).Str("receipt_id", id).Msg("could not mark receipt failed")
		return
	}
	log.Error().Err(cause).Str("receipt_id", id).Str("step", st.from).Msg("receipt failed")
	receiptsFinished.WithLabelValues(domain.StatusFailed).Inc()
	o.notify(ctx, id, domain.StepFailed, msg)
}

func (o *Orchestrator) notify(ctx context.Context, id, step, msg string) {
	o.deps.Notifier.Notify(ctx, notify.Event{
		ReceiptID: id,
		Status:    step,
		Progress:  domain.ProgressPercent(step),
		Message:   msg,
		At:        o.now(),
	})
}

// isPermanent reports errors that another attempt cannot fix.
func isPermanent(err error) bool {
	for _, target := range []error{
		ErrInvalidTransition,
		ErrBusy,
		ErrMissingInput,
		repo.ErrNotFound,
		inventory.ErrConstraint,
		storage.ErrNotFound,
		storage.ErrBadRef,
		vision.ErrRejected,
		vision.ErrDisabled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
