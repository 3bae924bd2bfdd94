// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on messages. Generic codes mirror HTTP status semantics, the rest name
// a receipt or inventory condition that the status alone does not convey.
// Intake rejections reuse the intake package codes (e.g. "unsupported_type",
// "file_too_large") verbatim.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "invalid_state",
//	  "message": "operation not allowed in the receipt's current state"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Receipts
	ErrCodeUploadFailed  = "upload_failed"
	ErrCodeListFailed    = "list_failed"
	ErrCodeInvalidState  = "invalid_state"
	ErrCodeReceiptBusy   = "receipt_busy"
	ErrCodeReceiptActive = "receipt_active"

	// Inventory
	ErrCodeInvalidQuantity = "invalid_quantity"
)
