package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTTPBackend calls a remote OCR service.
//
//	GET  {base}/health        200 when ready
//	POST {base}/ocr           multipart "file" -> {"text", "confidence", "metadata"}
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTP builds an HTTP backend. A nil client gets a 60s timeout client.
func NewHTTP(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPBackend{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

func (h *HTTPBackend) Name() string { return "http" }

func (h *HTTPBackend) Ready(ctx context.Context) bool {
	if h.BaseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

type httpOCRResponse struct {
	Text       string            `json:"text"`
	Confidence float64           `json:"confidence"`
	Metadata   map[string]string `json:"metadata"`
}

func (h *HTTPBackend) Extract(ctx context.Context, path string) (Result, error) {
	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("http ocr: open image: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return Result{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return Result{}, fmt.Errorf("http ocr: read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/ocr", &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("http ocr: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("http ocr: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out httpOCRResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("http ocr: decode: %w", err)
	}
	conf := out.Confidence
	// some services report percent
	if conf > 1 {
		conf /= 100
	}
	return Result{
		Text:           strings.TrimSpace(out.Text),
		Confidence:     conf,
		Backend:        h.Name(),
		ProcessingTime: time.Since(start),
		Metadata:       out.Metadata,
	}, nil
}
