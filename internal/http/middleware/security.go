// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, which attaches a conservative set of
// response headers for a JSON API running behind a reverse proxy.
//
// Notes:
//   - No CSP here; the API serves no HTML (swagger UI sets its own)
//   - HSTS is opt-in and only sent when the request is actually HTTPS
//   - Receipts carry ETags, so the default cache policy revalidates
//     instead of forbidding storage
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// SecurityOptions configures SecurityHeaders.
//
// EnableHSTS emits Strict-Transport-Security for HTTPS requests only. Enable
// it when traffic is HTTPS end-to-end, proxy to app included.
//
// HSTSMaxAge defaults to 180 days when not positive.
//
// CacheControl, when set, is sent as Cache-Control unless the handler set
// its own. "no-store" additionally sends the legacy Pragma and Expires.
type SecurityOptions struct {
	EnableHSTS   bool
	HSTSMaxAge   time.Duration
	CacheControl string
}

// SecurityHeaders returns a Gin middleware that always sets
// X-Content-Type-Options, X-Frame-Options, Referrer-Policy and a
// Permissions-Policy denying camera and location access, plus the optional
// cache and HSTS headers described on SecurityOptions. When X-Request-ID is
// already set it is added to Access-Control-Expose-Headers.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")

		if opt.CacheControl != "" && h.Get("Cache-Control") == "" {
			h.Set("Cache-Control", opt.CacheControl)
			if opt.CacheControl == "no-store" {
				h.Set("Pragma", "no-cache")
				h.Set("Expires", "0")
			}
		}

		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if rid := h.Get(requestIDHeader); rid != "" {
			const hdr = "Access-Control-Expose-Headers"
			cur := h.Get(hdr)
			if cur == "" {
				h.Set(hdr, requestIDHeader)
			} else if !strings.Contains(cur, requestIDHeader) {
				h.Set(hdr, cur+", "+requestIDHeader)
			}
		}

		c.Next()
	}
}

// isHTTPS reports whether the request used HTTPS directly or via a proxy
// that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
