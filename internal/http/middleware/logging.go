// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides request correlation, caller identification, structured
// access logging and a panic-safe recovery handler:
//
//   - RequestID() ensures every request carries a correlation ID
//     (propagated via X-Request-ID and stored in the Gin context).
//   - ClientID() records which API client made the request (X-Client-ID);
//     uploads are deduplicated per client and rate limits are keyed by it.
//   - Logger() emits one structured access log per request and attaches a
//     request-scoped zerolog.Logger for handlers.
//   - Recovery() converts panics into JSON 500 responses.
//
// Recommended order: RequestID, ClientID, Logger, Recovery.
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"

	clientIDKey = "clientID"
	// HeaderClientID identifies the calling application or device.
	HeaderClientID = "X-Client-ID"
	// AnonymousClient is used when a request carries no usable X-Client-ID.
	AnonymousClient = "anonymous"

	loggerKey         = "logger"
	maxQueryLogLength = 2048
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9._\-:]{1,64}$`)

// RequestID reuses an incoming X-Request-ID or generates a UUIDv4, stores it
// in the context and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// ClientID stores the caller's X-Client-ID in the context. Missing or
// malformed values fall back to AnonymousClient so that one bad header cannot
// spawn unbounded idempotency or rate-limit namespaces.
func ClientID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderClientID)
		if !clientIDPattern.MatchString(id) {
			id = AnonymousClient
		}
		c.Set(clientIDKey, id)
		c.Next()
	}
}

// ClientIDFrom returns the client id set by ClientID, or AnonymousClient.
func ClientIDFrom(c *gin.Context) string {
	if s := asString(c.Value(clientIDKey)); s != "" {
		return s
	}
	return AnonymousClient
}

// Logger writes a structured access log for each request. The level follows
// the outcome: error for 5xx or recorded gin errors, warn for 4xx, info
// otherwise.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		l := log.With().
			Str("request_id", asString(c.Value(requestIDKey))).
			Str("client_id", asString(c.Value(clientIDKey))).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", truncate(c.Request.URL.RawQuery, maxQueryLogLength)).
			Int64("bytes_in", c.Request.ContentLength).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		ev := l.With().
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Int("bytes_out", c.Writer.Size()).
			Logger()

		status := c.Writer.Status()
		switch {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case status >= 500:
			ev.Error().Msg("request")
		case status >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// Recovery logs a panic with its stack and answers with the standard JSON
// error envelope when nothing was written yet.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := asString(c.Value(requestIDKey))
			log.Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, rid)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": rid,
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global one when Logger
// is not installed.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if lg, ok := c.Value(loggerKey).(*zerolog.Logger); ok {
		return lg
	}
	l := log.With().Logger()
	return &l
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// truncate caps s at max bytes; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
