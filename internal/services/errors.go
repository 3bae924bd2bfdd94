// Package services defines the business logic behind the HTTP API: receipt
// uploads and their lifecycle, and inventory consumption. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Receipt-related errors.
var (
	// ErrReceiptNotFound indicates that the requested receipt does not exist.
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrInvalidState is returned when an operation does not apply to the
	// receipt's current processing step (e.g. confirming a receipt that is
	// not waiting for review).
	ErrInvalidState = errors.New("operation not allowed in the receipt's current state")

	// ErrReceiptBusy is returned when the receipt is being processed right now.
	ErrReceiptBusy = errors.New("receipt is being processed")

	// ErrReceiptActive is returned when deleting a receipt that has not
	// reached a terminal status.
	ErrReceiptActive = errors.New("receipt is still being processed")

	// ErrQueueFull is returned when an accepted receipt could not be scheduled.
	// The receipt is stored and will be picked up by the next resume sweep.
	ErrQueueFull = errors.New("processing queue is full")
)

// Inventory-related errors.
var (
	// ErrItemNotFound indicates that the inventory batch does not exist.
	ErrItemNotFound = errors.New("inventory item not found")

	// ErrInvalidQuantity is returned when a consumption quantity is not a
	// positive number.
	ErrInvalidQuantity = errors.New("quantity must be a positive number")
)
