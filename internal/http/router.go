// Package httpapi wires the HTTP transport (Gin) to the receipt and inventory
// handlers. It centralizes cross-cutting concerns such as tracing,
// correlation IDs, client identity, logging, panic recovery, compression,
// metrics, CORS, security headers, idempotency and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-receipt-pipeline/docs"
	"github.com/tbourn/go-receipt-pipeline/internal/config"
	"github.com/tbourn/go-receipt-pipeline/internal/http/handlers"
	"github.com/tbourn/go-receipt-pipeline/internal/http/middleware"
	"github.com/tbourn/go-receipt-pipeline/internal/repo"
)

// multipartSlack is added to the largest accepted file size so the multipart
// envelope itself does not trip the body limit.
const multipartSlack = 64 << 10

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine and mounts the public API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. ClientID: resolve the calling client (X-Client-ID)
//  4. Logger: structured access logs
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Gzip for JSON responses
//  8. Metrics
//  9. Idempotency validator (before rate limiter to allow bypass on replay)
//  10. Rate limiter (per client/IP, bypass on replay)
//  11. CORS
//  12. Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, cfg config.Config, h *handlers.Handlers) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Client identity for idempotency scoping and rate limiting
	r.Use(middleware.ClientID())

	// 4) Structured logging
	r.Use(middleware.Logger())

	// 5) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 6) Body size limit sized for the largest accepted receipt file
	r.Use(limitBody(maxUploadBytes(cfg) + multipartSlack))

	// 7) Compress responses; scrape output is left to promhttp
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	// 8) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 9) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, clientID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, clientID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 10) Token-bucket rate limiter per client/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByClientOrIP())
	r.Use(rl.Handler())

	// 11) CORS posture (allow all if none configured)
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))

	// 12) Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		CacheControl: cfg.Security.CacheControl,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Receipts
		api.POST("/receipts", h.UploadReceipt)
		api.GET("/receipts", h.ListReceipts)
		api.GET("/receipts/:id", h.GetReceipt)
		api.DELETE("/receipts/:id", h.DeleteReceipt)
		api.POST("/receipts/:id/retry", h.RetryReceipt)
		api.POST("/receipts/:id/confirm", h.ConfirmReceipt)

		// Inventory
		api.POST("/inventory/:id/consume", h.ConsumeInventory)
		api.GET("/inventory/low-stock", h.LowStock)
	}
}

// corsMiddleware builds the CORS handler. With no allowlist every origin is
// accepted without credentials.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			middleware.HeaderClientID, middleware.HeaderIdempotencyKey,
		},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Location", "ETag", "Idempotent-Replayed", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// maxUploadBytes is the larger of the image and PDF caps.
func maxUploadBytes(cfg config.Config) int64 {
	n := cfg.Intake.MaxImageBytes
	if cfg.Intake.MaxPDFBytes > n {
		n = cfg.Intake.MaxPDFBytes
	}
	if n <= 0 {
		n = 20 << 20
	}
	return n
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
