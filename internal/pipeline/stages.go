package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/ocr"
	"github.com/tbourn/go-receipt-pipeline/internal/parser"
	"github.com/tbourn/go-receipt-pipeline/internal/quality"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
	"github.com/tbourn/go-receipt-pipeline/internal/vision"
)

func noop() {}

// imagePath returns the preprocessed image when it is still on disk, the
// source image otherwise.
func (o *Orchestrator) imagePath(ctx context.Context, rec *domain.Receipt) (string, func(), error) {
	if rec.PreprocessedRef != "" {
		if _, err := os.Stat(rec.PreprocessedRef); err == nil {
			return rec.PreprocessedRef, noop, nil
		}
	}
	path, release, err := o.deps.Store.Fetch(ctx, rec.SourceRef)
	if err != nil {
		return "", noop, fmt.Errorf("fetch source: %w", err)
	}
	return path, release, nil
}

func (o *Orchestrator) preprocessStage(ctx context.Context, rec *domain.Receipt) (StageOutcome, error) {
	var prev domain.PreprocessPayload
	if ok, _ := domain.DecodeJSON(rec.Preprocess, &prev); ok {
		return StageOutcome{Skipped: true, Message: "preprocessing already done"}, nil
	}

	if o.deps.Preprocess == nil {
		blob, err := domain.EncodeJSON(domain.PreprocessPayload{Operations: []string{}})
		if err != nil {
			return StageOutcome{}, err
		}
		return StageOutcome{Payload: map[string]any{"preprocess": blob}, Message: "preprocessing disabled"}, nil
	}

	src, release, err := o.deps.Store.Fetch(ctx, rec.SourceRef)
	if err != nil {
		return StageOutcome{}, fmt.Errorf("fetch source: %w", err)
	}
	defer release()

	res, err := o.deps.Preprocess.Process(ctx, src)
	if err != nil {
		return StageOutcome{}, err
	}
	blob, err := domain.EncodeJSON(domain.PreprocessPayload{
		Path:       res.Path,
		Operations: res.Operations,
		Confidence: res.Confidence,
	})
	if err != nil {
		return StageOutcome{}, err
	}

	// the fallback result points at the fetched source, which may be a temp file
	ref := ""
	if res.Path != src {
		ref = res.Path
	}
	msg := "image left as uploaded"
	if len(res.Operations) > 0 {
		msg = fmt.Sprintf("image preprocessed: %s", strings.Join(res.Operations, ", "))
	}
	return StageOutcome{
		Payload: map[string]any{"preprocess": blob, "preprocessed_ref": ref},
		Message: msg,
	}, nil
}

// ocrStage stores the engine's pick. When every backend fails it stores an
// empty result instead, so the quality gate routes the receipt to vision.
// A stored empty result is not reused: the stage runs again on retry.
func (o *Orchestrator) ocrStage(ctx context.Context, rec *domain.Receipt) (StageOutcome, error) {
	var prev domain.OCRPayload
	if ok, _ := domain.DecodeJSON(rec.RawOCR, &prev); ok && prev.Backend != ocr.BackendNone {
		return StageOutcome{Skipped: true, Message: "text already extracted"}, nil
	}

	path, release, err := o.imagePath(ctx, rec)
	if err != nil {
		return StageOutcome{}, err
	}
	defer release()

	res, err := o.deps.OCR.Extract(ctx, path)
	if errors.Is(err, ocr.ErrAllBackendsExhausted) {
		log.Warn().Err(err).Str("receipt_id", rec.ID).Msg("no ocr text, routing to vision")
		blob, eerr := domain.EncodeJSON(ocr.Exhausted(err).Payload())
		if eerr != nil {
			return StageOutcome{}, eerr
		}
		return StageOutcome{
			Payload: map[string]any{"raw_ocr": blob},
			Notes:   []string{"ocr: " + err.Error()},
			Message: "no text extracted, falling back to vision",
		}, nil
	}
	if err != nil {
		return StageOutcome{}, err
	}
	blob, err := domain.EncodeJSON(res.Payload())
	if err != nil {
		return StageOutcome{}, err
	}
	return StageOutcome{
		Payload: map[string]any{"raw_ocr": blob},
		Message: fmt.Sprintf("text extracted by %s (confidence %.2f)", res.Backend, res.Confidence),
	}, nil
}

func (o *Orchestrator) parseStage(ctx context.Context, rec *domain.Receipt) (StageOutcome, error) {
	var prev domain.ParsedPayload
	if ok, _ := domain.DecodeJSON(rec.Parsed, &prev); ok {
		return StageOutcome{Skipped: true, Message: "receipt already parsed"}, nil
	}

	var raw domain.OCRPayload
	ok, err := domain.DecodeJSON(rec.RawOCR, &raw)
	if err != nil {
		return StageOutcome{}, fmt.Errorf("%w: raw_ocr: %v", ErrMissingInput, err)
	}
	if !ok {
		return StageOutcome{}, fmt.Errorf("%w: no OCR result", ErrMissingInput)
	}

	rep := o.deps.Gate.Evaluate(ocr.Result{Text: raw.Text, Confidence: raw.Confidence, Backend: raw.Backend})
	parsed, notes, err := o.extract(ctx, rec, raw.Text, rep)
	if err != nil {
		return StageOutcome{}, err
	}

	payload := parsed.Payload()
	payload.Quality = rep.Payload()
	blob, err := domain.EncodeJSON(payload)
	if err != nil {
		return StageOutcome{}, err
	}

	items := make([]domain.ReceiptLineItem, 0, len(parsed.Items))
	inconsistent := 0
	for i, it := range parsed.Items {
		li := domain.ReceiptLineItem{
			LineNo:    i + 1,
			Name:      it.Name,
			RawLine:   it.RawLine,
			Quantity:  it.Quantity,
			Unit:      it.Unit,
			UnitPrice: it.UnitPrice,
			LineTotal: it.TotalPrice,
			TaxCode:   it.TaxCode,
		}
		if !li.TotalsConsistent(o.opts.LineTolerance) {
			inconsistent++
		}
		items = append(items, li)
	}

	for _, r := range rep.Reasons {
		notes = append(notes, "quality: "+r)
	}
	for _, w := range parsed.Warnings {
		notes = append(notes, "parser: "+w)
	}

	fields := map[string]any{
		"parsed":     blob,
		"store_name": parsed.StoreName,
		"total":      parsed.Total,
	}
	if parsed.TransactionDate != nil {
		fields["purchased_at"] = *parsed.TransactionDate
	}

	msg := fmt.Sprintf("parsed %d items via %s", len(items), parsed.Source)
	if inconsistent > 0 {
		msg += fmt.Sprintf(", %d with inconsistent totals", inconsistent)
	}
	return StageOutcome{Payload: fields, Items: items, Notes: notes, Message: msg}, nil
}

// extract follows the quality gate's route. A parser failure falls through
// to vision; with vision disabled, low-quality text is still given to the
// parser. When neither yields items the stage fails with vision.ErrDisabled,
// which is not retried.
func (o *Orchestrator) extract(ctx context.Context, rec *domain.Receipt, text string, rep quality.Report) (parser.Parsed, []string, error) {
	var notes []string
	var perr error
	if rep.Route == quality.RouteParser {
		p, err := o.deps.Parser.Parse(text)
		if err == nil {
			return p, nil, nil
		}
		perr = err
		notes = append(notes, fmt.Sprintf("parser failed (%v), used vision", err))
	}

	p, err := o.describe(ctx, rec)
	if err == nil {
		return p, notes, nil
	}
	if !errors.Is(err, vision.ErrDisabled) {
		return parser.Parsed{}, notes, err
	}
	if rep.Route == quality.RouteVision {
		if p, perr = o.deps.Parser.Parse(text); perr == nil {
			return p, append(notes, "vision disabled, parsed low-quality text"), nil
		}
	}
	return parser.Parsed{}, notes, fmt.Errorf("%w: parser: %v", vision.ErrDisabled, perr)
}

func (o *Orchestrator) describe(ctx context.Context, rec *domain.Receipt) (parser.Parsed, error) {
	if o.deps.Vision == nil {
		return parser.Parsed{}, vision.ErrDisabled
	}
	path, release, err := o.imagePath(ctx, rec)
	if err != nil {
		return parser.Parsed{}, err
	}
	defer release()

	reply, err := o.deps.Vision.Describe(ctx, path)
	if err != nil {
		return parser.Parsed{}, err
	}
	return o.deps.Parser.ParseVisionJSON(reply)
}

// matchStage resolves every unmatched line. A line that fails is rolled back
// to its savepoint, noted and left unmatched.
func (o *Orchestrator) matchStage(ctx context.Context, tx *gorm.DB, rec *domain.Receipt) (StageOutcome, error) {
	lines, err := repo.ListLineItems(ctx, tx, rec.ID)
	if err != nil {
		return StageOutcome{}, err
	}
	if len(lines) == 0 {
		return StageOutcome{}, fmt.Errorf("%w: no line items", ErrMissingInput)
	}
	sess, err := o.deps.Matcher.NewSession(ctx, tx)
	if err != nil {
		return StageOutcome{}, err
	}

	var notes []string
	matched, ghosts := 0, 0
	for _, li := range lines {
		if li.ProductID != nil && len(li.Match) > 0 {
			matched++
			continue
		}
		var typ string
		err := tx.Transaction(func(sp *gorm.DB) error {
			res, err := sess.Match(ctx, li.Name)
			if err != nil {
				return err
			}
			meta, err := domain.EncodeJSON(res.Meta())
			if err != nil {
				return err
			}
			typ = res.Type
			return repo.SetLineItemMatch(ctx, sp, li.ID, res.ProductID, meta)
		})
		if err != nil {
			if ctx.Err() != nil {
				return StageOutcome{}, ctx.Err()
			}
			log.Warn().Err(err).Str("receipt_id", rec.ID).Int("line_no", li.LineNo).Msg("line not matched")
			notes = append(notes, fmt.Sprintf("match: line %d (%s): %v", li.LineNo, li.Name, err))
			continue
		}
		matched++
		if typ == domain.MatchCreated {
			ghosts++
		}
	}

	return StageOutcome{
		Notes:   notes,
		Message: fmt.Sprintf("matched %d of %d lines, %d new products", matched, len(lines), ghosts),
	}, nil
}

// reviewStage sends receipts with weak matches to human review. Created
// products are not weak: they match their own line exactly.
func (o *Orchestrator) reviewStage(ctx context.Context, tx *gorm.DB, rec *domain.Receipt) (StageOutcome, error) {
	lines, err := repo.ListLineItems(ctx, tx, rec.ID)
	if err != nil {
		return StageOutcome{}, err
	}
	weak := 0
	for _, li := range lines {
		var meta domain.MatchMeta
		ok, err := domain.DecodeJSON(li.Match, &meta)
		if err != nil || !ok {
			continue
		}
		if meta.MatchType != domain.MatchCreated && meta.Confidence < o.opts.ReviewThreshold {
			weak++
		}
	}
	if weak > 0 {
		return StageOutcome{
			Next:    domain.StepReviewPending,
			Message: fmt.Sprintf("%d low-confidence matches need review", weak),
		}, nil
	}
	return StageOutcome{Message: "matches accepted"}, nil
}

// inventoryStage applies the receipt to stock in the same transaction that
// marks it done.
func (o *Orchestrator) inventoryStage(ctx context.Context, tx *gorm.DB, rec *domain.Receipt) (StageOutcome, error) {
	sum, err := o.deps.Reconciler.ReconcileTx(ctx, tx, rec.ID)
	if err != nil {
		return StageOutcome{}, err
	}
	out := StageOutcome{
		Status:  domain.StatusCompleted,
		Message: fmt.Sprintf("inventory updated: %d created, %d merged, %d failed", sum.Created, sum.Merged, sum.Failed),
	}
	if sum.Failed > 0 {
		out.Status = domain.StatusCompletedWithErrors
		for _, e := range sum.Errors {
			out.Notes = append(out.Notes, fmt.Sprintf("inventory: line %d (%s): %s", e.LineNo, e.Name, e.Error))
		}
	}
	return out, nil
}
