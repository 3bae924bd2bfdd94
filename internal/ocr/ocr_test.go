package ocr

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type countingReady struct {
	StaticBackend
	checks atomic.Int64
}

func (c *countingReady) Ready(ctx context.Context) bool {
	c.checks.Add(1)
	return c.StaticBackend.Ready(ctx)
}

func opts() Options {
	o := DefaultOptions()
	o.BackendTimeout = time.Second
	return o
}

func TestExtract_EarlyExitSkipsLowerPriority(t *testing.T) {
	a := &StaticBackend{ID: "a", Text: "PARAGON FISKALNY", Confidence: 0.9}
	b := &StaticBackend{ID: "b", Text: "something else", Confidence: 0.99}

	res, err := NewEngine([]Backend{a, b}, opts()).Extract(context.Background(), "r.jpg")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Backend != "a" || res.Confidence != 0.9 {
		t.Fatalf("want backend a, got %+v", res)
	}
	if b.Calls() != 0 {
		t.Fatalf("backend b must not be invoked after early exit, calls=%d", b.Calls())
	}
	if res.Metadata["selection"] != "early_exit" {
		t.Fatalf("metadata: %+v", res.Metadata)
	}
}

func TestExtract_CompositeBeatsRawConfidence(t *testing.T) {
	// a: higher confidence but a short fragment (penalized)
	a := &StaticBackend{ID: "a", Text: "SUMA PLN 12,99", Confidence: 0.69}
	// b: lower confidence, full receipt text
	b := &StaticBackend{ID: "b", Text: strings.Repeat("Chleb zytni 1 x 5,99 5,99 C\n", 25), Confidence: 0.5}

	res, err := NewEngine([]Backend{a, b}, opts()).Extract(context.Background(), "r.jpg")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Backend != "b" {
		t.Fatalf("want composite winner b, got %s", res.Backend)
	}
	if a.Calls() != 1 || b.Calls() != 1 {
		t.Fatalf("both backends should run")
	}
	if res.Metadata["selection"] != "composite" || res.Metadata["score"] == "" {
		t.Fatalf("metadata: %+v", res.Metadata)
	}
}

func TestExtract_TieKeepsPriority(t *testing.T) {
	text := strings.Repeat("x", 200)
	a := &StaticBackend{ID: "a", Text: text, Confidence: 0.5, Took: time.Second}
	b := &StaticBackend{ID: "b", Text: text, Confidence: 0.5, Took: time.Second}
	res, err := NewEngine([]Backend{a, b}, opts()).Extract(context.Background(), "r.jpg")
	if err != nil || res.Backend != "a" {
		t.Fatalf("want a on tie, got %+v %v", res, err)
	}
}

func TestExtract_BonusBreaksTie(t *testing.T) {
	text := strings.Repeat("x", 200)
	a := &StaticBackend{ID: "a", Text: text, Confidence: 0.5, Took: time.Second}
	b := &StaticBackend{ID: "b", Text: text, Confidence: 0.5, Took: time.Second}
	o := opts()
	o.Bonuses = map[string]float64{"b": 0.05}
	res, err := NewEngine([]Backend{a, b}, o).Extract(context.Background(), "r.jpg")
	if err != nil || res.Backend != "b" {
		t.Fatalf("want b with bonus, got %+v %v", res, err)
	}
}

func TestExtract_FailuresAndTimeoutsSkipped(t *testing.T) {
	slow := &StaticBackend{ID: "slow", Text: "late", Confidence: 1, Delay: time.Second}
	broken := &StaticBackend{ID: "broken", Err: errors.New("boom")}
	ok := &StaticBackend{ID: "ok", Text: "fine", Confidence: 0.8}

	o := opts()
	o.BackendTimeout = 20 * time.Millisecond
	res, err := NewEngine([]Backend{slow, broken, ok}, o).Extract(context.Background(), "r.jpg")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Backend != "ok" {
		t.Fatalf("want ok, got %+v", res)
	}
}

func TestExtract_AllExhausted(t *testing.T) {
	down := &StaticBackend{ID: "down", Down: true}
	broken := &StaticBackend{ID: "broken", Err: errors.New("boom")}
	_, err := NewEngine([]Backend{down, broken}, opts()).Extract(context.Background(), "r.jpg")
	if !errors.Is(err, ErrAllBackendsExhausted) {
		t.Fatalf("want ErrAllBackendsExhausted, got %v", err)
	}
	if down.Calls() != 0 {
		t.Fatalf("unavailable backend must not be called")
	}

	if _, err := NewEngine(nil, opts()).Extract(context.Background(), "r.jpg"); !errors.Is(err, ErrAllBackendsExhausted) {
		t.Fatalf("empty engine: %v", err)
	}
}

func TestExtract_MaxBackends(t *testing.T) {
	a := &StaticBackend{ID: "a", Text: "short", Confidence: 0.1}
	b := &StaticBackend{ID: "b", Text: "short", Confidence: 0.1}
	o := opts()
	o.MaxBackends = 1
	if _, err := NewEngine([]Backend{a, b}, o).Extract(context.Background(), "r.jpg"); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if b.Calls() != 0 {
		t.Fatalf("second backend over the limit was called")
	}
}

func TestAvailable_ChecksReadyOnce(t *testing.T) {
	p := &countingReady{StaticBackend: StaticBackend{ID: "p", Text: "t", Confidence: 0.9}}
	e := NewEngine([]Backend{p}, opts())
	for i := 0; i < 3; i++ {
		if _, err := e.Extract(context.Background(), "r.jpg"); err != nil {
			t.Fatalf("Extract: %v", err)
		}
	}
	if n := p.checks.Load(); n != 1 {
		t.Fatalf("want 1 readiness check, got %d", n)
	}
}

func TestExtract_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &StaticBackend{ID: "a", Text: "t", Confidence: 0.9}
	if _, err := NewEngine([]Backend{a}, opts()).Extract(ctx, "r.jpg"); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestScore(t *testing.T) {
	long := Result{Text: strings.Repeat("a", 2000), Confidence: 1, ProcessingTime: 0}
	if got := Score(long, 10*time.Second, 0.1); got < 0.999 || got > 1.001 {
		t.Fatalf("max score = %v; want 1.0", got)
	}
	short := Result{Text: "abc", Confidence: 0.5, ProcessingTime: 20 * time.Second}
	// 0.3 + 0.0006 + 0 - 0.2
	if got := Score(short, 10*time.Second, 0); got < 0.1 || got > 0.101 {
		t.Fatalf("short score = %v", got)
	}
}

func TestResultPayload(t *testing.T) {
	r := Result{Text: "x", Confidence: 0.5, Backend: "a", ProcessingTime: 1500 * time.Millisecond}
	p := r.Payload()
	if p.ProcessingTime != 1.5 || p.Backend != "a" || p.Text != "x" {
		t.Fatalf("payload: %+v", p)
	}
}

func TestStaticBackend_TextDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "r1.txt"), []byte("LIDL"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := &StaticBackend{TextDir: dir, Text: "fallback", Confidence: 0.9}
	res, _ := s.Extract(context.Background(), "/tmp/x/r1.jpg")
	if res.Text != "LIDL" || res.Backend != "static" {
		t.Fatalf("fixture not used: %+v", res)
	}
	res, _ = s.Extract(context.Background(), "/tmp/x/other.png")
	if res.Text != "fallback" {
		t.Fatalf("want fallback text, got %q", res.Text)
	}
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/ocr":
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, "no file", http.StatusBadRequest)
				return
			}
			b, _ := io.ReadAll(f)
			if string(b) != "IMG" {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"text":" BIEDRONKA \n","confidence":87,"metadata":{"model":"x"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	img := filepath.Join(t.TempDir(), "r.jpg")
	if err := os.WriteFile(img, []byte("IMG"), 0o600); err != nil {
		t.Fatal(err)
	}

	h := NewHTTP(srv.URL+"/", nil)
	if !h.Ready(context.Background()) {
		t.Fatalf("backend should be ready")
	}
	res, err := h.Extract(context.Background(), img)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Text != "BIEDRONKA" || res.Confidence != 0.87 || res.Metadata["model"] != "x" {
		t.Fatalf("unexpected %+v", res)
	}

	if _, err := h.Extract(context.Background(), filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if NewHTTP("", nil).Ready(context.Background()) {
		t.Fatalf("empty base URL must not be ready")
	}
}

func TestHTTPBackend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	img := filepath.Join(t.TempDir(), "r.jpg")
	_ = os.WriteFile(img, []byte("IMG"), 0o600)

	h := NewHTTP(srv.URL, srv.Client())
	if h.Ready(context.Background()) {
		t.Fatalf("backend should not be ready on 503")
	}
	if _, err := h.Extract(context.Background(), img); err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("want status error, got %v", err)
	}
}
