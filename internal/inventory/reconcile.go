// Package inventory turns matched receipt lines into stock batches and
// records consumption against them.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/keywords"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
)

// ErrConstraint is a database constraint violation. It aborts the whole
// reconciliation instead of being skipped per item.
var ErrConstraint = repo.ErrConstraint

var (
	ErrUnmatched       = errors.New("inventory: line has no product")
	ErrInvalidQuantity = errors.New("inventory: quantity must be > 0")
)

var reconciledLines = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "inventory_reconciled_lines_total",
		Help: "Receipt lines applied to inventory by outcome.",
	},
	[]string{"outcome"}, // created|merged|skipped|failed
)

func init() {
	prometheus.MustRegister(reconciledLines)
}

// ItemError describes one line that could not be applied.
type ItemError struct {
	LineNo int    `json:"line_no"`
	Name   string `json:"name"`
	Error  string `json:"error"`
}

// Summary is the result of reconciling one receipt.
type Summary struct {
	Created int         `json:"created"`
	Merged  int         `json:"merged"`
	Skipped int         `json:"skipped"` // already applied earlier
	Failed  int         `json:"failed"`
	Errors  []ItemError `json:"errors,omitempty"`
}

// Reconciler applies receipts to inventory.
type Reconciler struct {
	DB    *gorm.DB
	Rules Rules
	// MergeWindow is the ± distance of purchase (and expiry) dates within
	// which a line is added to an existing batch.
	MergeWindow time.Duration
	Now         func() time.Time
}

// NewReconciler builds a Reconciler with the ±3 day merge window.
func NewReconciler(db *gorm.DB, kw *keywords.Tables, defaultExpiryDays int) *Reconciler {
	return &Reconciler{
		DB:          db,
		Rules:       Rules{Keywords: kw, DefaultExpiryDays: defaultExpiryDays},
		MergeWindow: 72 * time.Hour,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile applies all matched lines of a receipt in its own transaction.
func (r *Reconciler) Reconcile(ctx context.Context, receiptID string) (Summary, error) {
	var sum Summary
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		sum, err = r.ReconcileTx(ctx, tx, receiptID)
		return err
	})
	return sum, err
}

// ReconcileTx applies the lines of a receipt inside tx. Each line runs in a
// savepoint: a failing line is rolled back and recorded while the rest
// proceed. A constraint violation aborts the whole transaction.
func (r *Reconciler) ReconcileTx(ctx context.Context, tx *gorm.DB, receiptID string) (Summary, error) {
	tr := otel.Tracer("inventory/Reconciler")
	ctx, span := tr.Start(ctx, "Reconcile", trace.WithAttributes(attribute.String("receipt.id", receiptID)))
	defer span.End()

	var sum Summary
	rec, err := repo.GetReceipt(ctx, tx, receiptID)
	if err != nil {
		return sum, err
	}
	lines, err := repo.ListLineItems(ctx, tx, receiptID)
	if err != nil {
		return sum, err
	}

	purchase := rec.CreatedAt
	if rec.PurchasedAt != nil {
		purchase = *rec.PurchasedAt
	}
	purchase = purchase.UTC()

	for _, li := range lines {
		var outcome string
		err := tx.Transaction(func(sp *gorm.DB) error {
			var err error
			outcome, err = r.applyLine(ctx, sp, rec.ID, purchase, li)
			return err
		})
		switch {
		case err == nil:
			reconciledLines.WithLabelValues(outcome).Inc()
			switch outcome {
			case "created":
				sum.Created++
			case "merged":
				sum.Merged++
			default:
				sum.Skipped++
			}
		case errors.Is(err, ErrConstraint):
			reconciledLines.WithLabelValues("failed").Inc()
			return sum, fmt.Errorf("line %d: %w", li.LineNo, err)
		default:
			reconciledLines.WithLabelValues("failed").Inc()
			sum.Failed++
			sum.Errors = append(sum.Errors, ItemError{LineNo: li.LineNo, Name: li.Name, Error: err.Error()})
			log.Warn().Err(err).Str("receipt_id", rec.ID).Int("line_no", li.LineNo).Msg("inventory line skipped")
		}
	}

	span.SetAttributes(
		attribute.Int("inventory.created", sum.Created),
		attribute.Int("inventory.merged", sum.Merged),
		attribute.Int("inventory.failed", sum.Failed),
	)
	return sum, nil
}

func (r *Reconciler) applyLine(ctx context.Context, tx *gorm.DB, receiptID string, purchase time.Time, li domain.ReceiptLineItem) (string, error) {
	if li.ProductID == nil || *li.ProductID == "" {
		return "", ErrUnmatched
	}
	if li.Quantity <= 0 || math.IsNaN(li.Quantity) || math.IsInf(li.Quantity, 0) {
		return "", ErrInvalidQuantity
	}

	batchID := BatchID(receiptID, li.LineNo)
	if _, err := repo.GetBatch(ctx, tx, batchID); err == nil {
		return "skipped", nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}

	p, err := repo.GetProduct(ctx, tx, *li.ProductID)
	if err != nil {
		return "", fmt.Errorf("load product: %w", err)
	}

	unit := UnitFor(li.Unit, li.RawLine)
	expiry := r.Rules.ExpiryDate(p.Category, p.Name, purchase)

	window := r.MergeWindow
	cands, err := repo.FindMergeCandidates(ctx, tx, p.ID, purchase.Add(-window), purchase.Add(window))
	if err != nil {
		return "", err
	}
	for _, c := range cands {
		if !mergeable(c, unit, expiry, window) {
			continue
		}
		if err := repo.AddQuantity(ctx, tx, c.ID, li.Quantity); err != nil {
			return "", err
		}
		// remember the line so a rerun sees it as applied
		return "merged", repo.CreateInventoryItem(ctx, tx, &domain.InventoryItem{
			ProductID:         p.ID,
			ReceiptID:         &receiptID,
			BatchID:           batchID,
			PurchaseDate:      purchase,
			ExpiryDate:        &expiry,
			QuantityRemaining: 0,
			Unit:              unit,
			StorageLocation:   c.StorageLocation,
			MergedInto:        &c.ID,
		})
	}

	it := &domain.InventoryItem{
		ProductID:         p.ID,
		ReceiptID:         &receiptID,
		BatchID:           batchID,
		PurchaseDate:      purchase,
		ExpiryDate:        &expiry,
		QuantityRemaining: li.Quantity,
		Unit:              unit,
		StorageLocation:   r.Rules.Storage(p.Category, p.Name),
	}
	return "created", repo.CreateInventoryItem(ctx, tx, it)
}

// mergeable reports whether a line may be added to batch c: same unit, not a
// merge marker, and expiry dates within the window when both are known.
func mergeable(c domain.InventoryItem, unit string, expiry time.Time, window time.Duration) bool {
	if c.MergedInto != nil || c.Unit != unit {
		return false
	}
	if c.ExpiryDate == nil {
		return true
	}
	d := c.ExpiryDate.Sub(expiry)
	if d < 0 {
		d = -d
	}
	return d <= window
}
