package vision

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func writeImage(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "r.png")
	if err := os.WriteFile(p, pngMagic, 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDescribe_Disabled(t *testing.T) {
	c := New("", "", 0, 0)
	if c.Enabled() {
		t.Fatal("empty url should disable the client")
	}
	if _, err := c.Describe(context.Background(), "x.png"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("want ErrDisabled, got %v", err)
	}
}

func TestDescribe_OK(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "k" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"store\":"},{"text":"\"Lidl\"}"}]}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", time.Second, 100)
	reply, err := c.Describe(context.Background(), writeImage(t))
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if string(reply) != `{"store":"Lidl"}` {
		t.Fatalf("reply = %q", reply)
	}
	if len(got.Contents) != 1 || len(got.Contents[0].Parts) != 2 {
		t.Fatalf("unexpected request: %+v", got)
	}
	inline := got.Contents[0].Parts[1].InlineData
	if inline == nil || inline.MimeType != "image/png" || inline.Data == "" {
		t.Fatalf("inline data: %+v", inline)
	}
	if !strings.Contains(got.Contents[0].Parts[0].Text, "products") {
		t.Fatalf("prompt not sent")
	}
}

func TestDescribe_Errors(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		rejected bool
	}{
		{"bad request", http.StatusBadRequest, `{"error":"bad"}`, true},
		{"throttled", http.StatusTooManyRequests, `slow down`, false},
		{"server", http.StatusBadGateway, ``, false},
		{"empty", http.StatusOK, `{"candidates":[]}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "", time.Second, 100).Describe(context.Background(), writeImage(t))
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrRejected) != tc.rejected {
				t.Fatalf("rejected=%v, err=%v", tc.rejected, err)
			}
			if tc.status == http.StatusOK && !errors.Is(err, ErrEmptyReply) {
				t.Fatalf("want ErrEmptyReply, got %v", err)
			}
		})
	}
}

func TestDescribe_MissingImage(t *testing.T) {
	c := New("http://127.0.0.1:1", "", time.Second, 1)
	if _, err := c.Describe(context.Background(), filepath.Join(t.TempDir(), "nope.png")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestDescribe_CancelledWhileLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{}"}]}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second, 0.001)
	img := writeImage(t)
	if _, err := c.Describe(context.Background(), img); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Describe(ctx, img); err == nil {
		t.Fatal("second call should wait on the limiter and fail")
	}
}
