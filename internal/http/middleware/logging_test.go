package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

func TestRequestID_GenerateAndPropagate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/rid", func(c *gin.Context) {
		if v, ok := c.Get(requestIDKey); !ok || v == "" {
			t.Fatalf("requestID not set in context")
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rid", nil))
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated %s header", requestIDHeader)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rid", nil)
	req.Header.Set(strings.ToLower(requestIDHeader), "abc-123")
	r.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected propagated request id, got %q", got)
	}
}

func TestClientID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ClientID())
	var seen string
	r.GET("/", func(c *gin.Context) { seen = ClientIDFrom(c) })

	cases := []struct {
		header, want string
	}{
		{"", AnonymousClient},
		{"kitchen-tablet", "kitchen-tablet"},
		{"bad id with spaces", AnonymousClient},
		{strings.Repeat("x", 65), AnonymousClient},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set(HeaderClientID, tc.header)
		}
		r.ServeHTTP(httptest.NewRecorder(), req)
		if seen != tc.want {
			t.Fatalf("client id for %q = %q; want %q", tc.header, seen, tc.want)
		}
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if got := ClientIDFrom(c); got != AnonymousClient {
		t.Fatalf("ClientIDFrom without middleware = %q", got)
	}
}

type errSentinel struct{}

func (errSentinel) Error() string { return "boom" }

func TestLogger_LevelsAndFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), ClientID(), Logger())
	r.GET("/receipts/:id", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("inside")
		c.String(http.StatusOK, "hello")
	})
	r.GET("/err", func(c *gin.Context) {
		_ = c.Error(errSentinel{})
		c.Status(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodGet, "/receipts/abc", nil)
	req.Header.Set(HeaderClientID, "tablet-1")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/err", nil))

	logs := buf.String()
	for _, want := range []string{
		`"path":"/receipts/:id"`,
		`"client_id":"tablet-1"`,
		`"message":"inside"`,
		`"level":"warn"`,
		`"path":"/missing"`,
		`"level":"error"`,
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("logs missing %s:\n%s", want, logs)
		}
	}
}

func TestRecovery_PanicsToJSON500AndLogs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), Logger(), Recovery())
	r.GET("/panic", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["code"] != "internal_error" || body["request_id"] == "" {
		t.Fatalf("unexpected body: %v", body)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("panic not logged:\n%s", buf.String())
	}
}

func TestRecovery_AfterWrite(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_ = captureLogger(t)

	r := gin.New()
	r.Use(Recovery())
	r.GET("/late", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("late")
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/late", nil))
	if w.Body.String() != "partial" {
		t.Fatalf("body rewritten after panic: %q", w.Body.String())
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc…" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("abc", 0); got != "abc" {
		t.Fatalf("truncate disabled = %q", got)
	}
}
