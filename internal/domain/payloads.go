package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Stage payloads. Stages exchange these typed structs; they are serialized to
// JSON only when stored on a Receipt. The JSON keys are part of the persisted
// format and must stay stable.

// OCRPayload is stored in Receipt.RawOCR.
type OCRPayload struct {
	Text           string            `json:"text"`
	Confidence     float64           `json:"confidence"`
	Backend        string            `json:"backend"`
	ProcessingTime float64           `json:"processing_time"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// PreprocessPayload is stored in Receipt.Preprocess.
type PreprocessPayload struct {
	Path       string   `json:"path"`
	Operations []string `json:"operations"`
	Confidence float64  `json:"confidence"`
}

// QualityPayload records the quality gate verdict alongside parsed data.
type QualityPayload struct {
	Score   int      `json:"score"`
	Passed  bool     `json:"passed"`
	Route   string   `json:"route"`
	Reasons []string `json:"reasons,omitempty"`
}

// ParsedProduct is one parsed receipt line.
type ParsedProduct struct {
	Name       string          `json:"name"`
	Quantity   float64         `json:"quantity"`
	Unit       string          `json:"unit,omitempty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
	RawLine    string          `json:"raw_line,omitempty"`
	TaxCode    string          `json:"tax_code,omitempty"`
}

// ParsedPayload is stored in Receipt.Parsed.
type ParsedPayload struct {
	StoreName       string          `json:"store_name"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	TransactionDate *time.Time      `json:"transaction_date,omitempty"`
	Products        []ParsedProduct `json:"products"`
	Source          string          `json:"source"`
	Quality         *QualityPayload `json:"quality,omitempty"`
}

// Match types recorded on line items.
const (
	MatchExact   = "exact"
	MatchAlias   = "alias"
	MatchFuzzy   = "fuzzy"
	MatchCreated = "created"
)

// MatchMeta is stored in ReceiptLineItem.Match.
type MatchMeta struct {
	Confidence float64 `json:"confidence"`
	MatchType  string  `json:"match_type"`
	Normalized string  `json:"normalized"`
}

// EncodeJSON marshals v into a JSON column value.
func EncodeJSON(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// DecodeJSON unmarshals a JSON column into v. Empty columns leave v untouched
// and report false.
func DecodeJSON(col datatypes.JSON, v any) (bool, error) {
	if len(col) == 0 || string(col) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(col, v); err != nil {
		return false, err
	}
	return true, nil
}
