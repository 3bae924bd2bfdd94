// Package domain defines the persistence models of the receipt pipeline:
// receipts and their line items, the product catalog (products, learned
// aliases, categories) and the stock ledger (inventory batches and
// consumption events). These types are mapped with GORM and form the core
// data layer shared by the repository, pipeline and service layers.
package domain

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Receipt is one uploaded purchase receipt travelling through the pipeline.
//
// Fields:
//   - Status / ProcessingStep: coarse and fine-grained progress (see steps.go).
//   - RawOCR: OCRPayload blob (keys text, confidence, backend, ...).
//   - Parsed: ParsedPayload blob (keys store_name, total_amount, products, ...).
//   - PreprocessedRef / Preprocess: cleaned image path and the PreprocessPayload blob.
//   - Notes: append-only free text (quality reasons, partial failures).
//   - ErrorMessage: last failure; cleared when a stage succeeds.
//   - Attempts: number of failed processing attempts since the last reset.
type Receipt struct {
	ID              string          `json:"id"              gorm:"type:char(36);primaryKey"`
	SourceRef       string          `json:"source_ref"      gorm:"type:varchar(512);not null"`
	OriginalName    string          `json:"original_name"   gorm:"type:varchar(255)"`
	MimeType        string          `json:"mime_type"       gorm:"type:varchar(64)"`
	StoreName       string          `json:"store_name"      gorm:"type:varchar(255)"`
	PurchasedAt     *time.Time      `json:"purchased_at,omitempty"`
	Currency        string          `json:"currency"        gorm:"type:varchar(8);not null;default:'PLN'"`
	Total           decimal.Decimal `json:"total"           gorm:"type:decimal(12,2);not null;default:0"`
	Status          string          `json:"status"          gorm:"type:varchar(32);not null;index"`
	ProcessingStep  string          `json:"processing_step" gorm:"type:varchar(32);not null;index"`
	RawOCR          datatypes.JSON  `json:"raw_ocr,omitempty"`
	Parsed          datatypes.JSON  `json:"parsed,omitempty"`
	PreprocessedRef string          `json:"preprocessed_ref" gorm:"type:varchar(512)"`
	Preprocess      datatypes.JSON  `json:"preprocess,omitempty"`
	Notes           string          `json:"notes"           gorm:"type:text"`
	ErrorMessage    string          `json:"error_message"   gorm:"type:text"`
	Attempts        int             `json:"attempts"        gorm:"not null;default:0"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	Items []ReceiptLineItem `json:"items,omitempty" gorm:"foreignKey:ReceiptID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Receipt.
func (Receipt) TableName() string { return "receipts" }

// ReceiptLineItem is one purchased line of a receipt. ProductID is a weak
// reference: deleting a product nulls it, deleting the receipt deletes the line.
type ReceiptLineItem struct {
	ID        string          `json:"id"         gorm:"type:char(36);primaryKey"`
	ReceiptID string          `json:"receipt_id" gorm:"type:char(36);not null;index:idx_receipt_lines,priority:1"`
	LineNo    int             `json:"line_no"    gorm:"not null;index:idx_receipt_lines,priority:2"`
	Name      string          `json:"name"       gorm:"type:varchar(255);not null"`
	RawLine   string          `json:"raw_line"   gorm:"type:text"`
	Quantity  float64         `json:"quantity"   gorm:"not null"`
	Unit      string          `json:"unit"       gorm:"type:varchar(16)"`
	UnitPrice decimal.Decimal `json:"unit_price" gorm:"type:decimal(12,2);not null;default:0"`
	LineTotal decimal.Decimal `json:"line_total" gorm:"type:decimal(12,2);not null;default:0"`
	TaxCode   string          `json:"tax_code"   gorm:"type:varchar(8)"`
	Match     datatypes.JSON  `json:"match,omitempty"  gorm:"column:match_meta"`
	ProductID *string         `json:"product_id,omitempty" gorm:"type:char(36);index"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	Product *Product `json:"-" gorm:"foreignKey:ProductID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

// TableName returns the database table name for ReceiptLineItem.
func (ReceiptLineItem) TableName() string { return "receipt_line_items" }

// TotalsConsistent reports whether |line_total - quantity*unit_price| <= tol.
// The property is validated, not enforced: callers record violations.
func (li ReceiptLineItem) TotalsConsistent(tol float64) bool {
	expected := li.UnitPrice.Mul(decimal.NewFromFloat(li.Quantity))
	diff := li.LineTotal.Sub(expected).Abs()
	return diff.LessThanOrEqual(decimal.NewFromFloat(tol))
}

// Category is a hierarchical product category. ExpiryDays, when set, is the
// default shelf life used by reconciliation.
type Category struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	Name        string    `json:"name"         gorm:"type:varchar(128);not null;uniqueIndex"`
	ParentID    *string   `json:"parent_id,omitempty" gorm:"type:char(36);index"`
	ExpiryDays  *int      `json:"expiry_days,omitempty"`
	StorageHint string    `json:"storage_hint" gorm:"type:varchar(16)"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Parent *Category `json:"-" gorm:"foreignKey:ParentID;references:ID;constraint:OnDelete:SET NULL"`
}

// TableName returns the database table name for Category.
func (Category) TableName() string { return "categories" }

// Product is a catalog entry. IsActive=false marks a ghost product created
// automatically for an unmatched receipt line. GhostKey is the lowercased
// line text a ghost was created for; it is unique so concurrent receipts
// naming the same unknown item share one ghost. It is nil for catalog
// products.
type Product struct {
	ID               string         `json:"id"         gorm:"type:char(36);primaryKey"`
	Name             string         `json:"name"       gorm:"type:varchar(255);not null;index"`
	Brand            string         `json:"brand"      gorm:"type:varchar(128)"`
	Barcode          string         `json:"barcode"    gorm:"type:varchar(64);index"`
	CategoryID       *string        `json:"category_id,omitempty" gorm:"type:char(36);index"`
	IsActive         bool           `json:"is_active"  gorm:"not null;index"`
	ReorderThreshold float64        `json:"reorder_threshold" gorm:"not null;default:0"`
	GhostKey         *string        `json:"-"          gorm:"type:varchar(255);uniqueIndex"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `json:"-"          gorm:"index"`

	Category *Category     `json:"category,omitempty" gorm:"foreignKey:CategoryID;references:ID;constraint:OnDelete:SET NULL"`
	Aliases  []ProductAlias `json:"aliases,omitempty"  gorm:"foreignKey:ProductID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Product.
func (Product) TableName() string { return "products" }

// Alias statuses.
const (
	AliasUnverified = "unverified"
	AliasConfirmed  = "confirmed"
)

// ProductAlias is one learned spelling of a product as seen on receipts.
// Rows are appended by the matcher and only promoted or pruned by the sweep.
type ProductAlias struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	ProductID  string    `json:"product_id"  gorm:"type:char(36);not null;uniqueIndex:ux_alias_product_name,priority:1"`
	Name       string    `json:"name"        gorm:"type:varchar(255);not null;uniqueIndex:ux_alias_product_name,priority:2"`
	Normalized string    `json:"normalized"  gorm:"type:varchar(255);not null;index"`
	Count      int       `json:"count"       gorm:"not null;default:1"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"   gorm:"index"`
	Status     string    `json:"status"      gorm:"type:varchar(16);not null;default:'unverified';check:status IN ('unverified','confirmed')"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for ProductAlias.
func (ProductAlias) TableName() string { return "product_aliases" }

// Storage locations.
const (
	StorageFridge  = "fridge"
	StorageFreezer = "freezer"
	StorageCabinet = "cabinet"
	StoragePantry  = "pantry"
)

// InventoryItem is one stock batch of a product.
// QuantityRemaining never drops below zero (see Withdraw). A row with
// MergedInto set holds no stock: it records that a receipt line was added
// to the referenced batch, so the line's BatchID stays claimed.
type InventoryItem struct {
	ID                string     `json:"id"                 gorm:"type:char(36);primaryKey"`
	ProductID         string     `json:"product_id"         gorm:"type:char(36);not null;index:idx_inventory_product_date,priority:1"`
	ReceiptID         *string    `json:"receipt_id,omitempty" gorm:"type:char(36);index"`
	BatchID           string     `json:"batch_id"           gorm:"type:varchar(64);not null;uniqueIndex"`
	PurchaseDate      time.Time  `json:"purchase_date"      gorm:"not null;index:idx_inventory_product_date,priority:2"`
	ExpiryDate        *time.Time `json:"expiry_date,omitempty"`
	QuantityRemaining float64    `json:"quantity_remaining" gorm:"not null;default:0;check:quantity_remaining >= 0"`
	Unit              string     `json:"unit"               gorm:"type:varchar(16);not null"`
	StorageLocation   string     `json:"storage_location"   gorm:"type:varchar(16);not null"`
	MergedInto        *string    `json:"merged_into,omitempty" gorm:"type:char(36);index"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	Product Product `json:"-" gorm:"foreignKey:ProductID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for InventoryItem.
func (InventoryItem) TableName() string { return "inventory_items" }

// Withdraw removes up to qty from the batch and returns the amount actually
// applied. Negative requests are ignored.
func (it *InventoryItem) Withdraw(qty float64) float64 {
	if qty <= 0 || math.IsNaN(qty) {
		return 0
	}
	applied := math.Min(qty, it.QuantityRemaining)
	it.QuantityRemaining = math.Max(0, it.QuantityRemaining-applied)
	return applied
}

// ConsumptionEvent is the immutable audit record of a withdrawal.
type ConsumptionEvent struct {
	ID              string    `json:"id"                gorm:"type:char(36);primaryKey"`
	InventoryItemID string    `json:"inventory_item_id" gorm:"type:char(36);not null;index"`
	Requested       float64   `json:"requested"         gorm:"not null"`
	Applied         float64   `json:"applied"           gorm:"not null"`
	Reason          string    `json:"reason"            gorm:"type:varchar(255)"`
	CreatedAt       time.Time `json:"created_at"`

	InventoryItem InventoryItem `json:"-" gorm:"foreignKey:InventoryItemID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ConsumptionEvent.
func (ConsumptionEvent) TableName() string { return "consumption_events" }
