// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response helpers shared by all endpoints: a single
// error envelope, JSON success responses and the translation of service
// errors into status codes.
//
// Example error response:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "receipt not found"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-receipt-pipeline/internal/http/middleware"
	"github.com/tbourn/go-receipt-pipeline/internal/intake"
	"github.com/tbourn/go-receipt-pipeline/internal/services"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"receipt not found"`
}

// fail aborts the request with the error envelope. 5xx responses are logged
// with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr maps a service error to its status and code. Unknown errors become
// 500 with fallbackCode and a generic message; the cause is only logged.
func failErr(c *gin.Context, err error, fallbackCode string) {
	var ve *intake.ValidationError
	switch {
	case errors.As(err, &ve):
		fail(c, intakeStatus(ve.Code), ve.Code, ve.Message)
	case errors.Is(err, services.ErrReceiptNotFound), errors.Is(err, services.ErrItemNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrInvalidState):
		fail(c, http.StatusConflict, ErrCodeInvalidState, err.Error())
	case errors.Is(err, services.ErrReceiptBusy):
		fail(c, http.StatusConflict, ErrCodeReceiptBusy, err.Error())
	case errors.Is(err, services.ErrReceiptActive):
		fail(c, http.StatusConflict, ErrCodeReceiptActive, err.Error())
	case errors.Is(err, services.ErrInvalidQuantity):
		fail(c, http.StatusUnprocessableEntity, ErrCodeInvalidQuantity, err.Error())
	default:
		middleware.LoggerFrom(c).Error().Err(err).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, fallbackCode, "internal error")
	}
}

func intakeStatus(code string) int {
	switch code {
	case intake.CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case intake.CodeUnsupportedType, intake.CodeExtensionMismatch:
		return http.StatusUnsupportedMediaType
	}
	return http.StatusUnprocessableEntity
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
