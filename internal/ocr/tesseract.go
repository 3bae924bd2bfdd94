package ocr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"
)

// TesseractBackend runs the local Tesseract engine through gosseract.
// Confidence is the mean word confidence.
type TesseractBackend struct {
	Languages []string

	clientFactory func() *gosseract.Client
}

// NewTesseract builds a Tesseract backend for the given languages (e.g. pol, eng).
func NewTesseract(langs ...string) *TesseractBackend {
	return &TesseractBackend{Languages: langs, clientFactory: gosseract.NewClient}
}

func (t *TesseractBackend) Name() string { return "tesseract" }

// Ready checks that the library answers with a version string.
func (t *TesseractBackend) Ready(_ context.Context) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	c := t.clientFactory()
	defer c.Close()
	return strings.TrimSpace(c.Version()) != ""
}

// Extract recognizes the image at path. gosseract does not take a context;
// the engine enforces the deadline.
func (t *TesseractBackend) Extract(ctx context.Context, path string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := time.Now()
	c := t.clientFactory()
	defer c.Close()

	if len(t.Languages) > 0 {
		if err := c.SetLanguage(t.Languages...); err != nil {
			return Result{}, fmt.Errorf("tesseract: set languages: %w", err)
		}
	}
	// receipts are a single column of text
	if err := c.SetPageSegMode(gosseract.PSM_SINGLE_COLUMN); err != nil {
		return Result{}, fmt.Errorf("tesseract: set psm: %w", err)
	}
	if err := c.SetImage(path); err != nil {
		return Result{}, fmt.Errorf("tesseract: set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return Result{}, fmt.Errorf("tesseract: recognize: %w", err)
	}

	conf, words := meanWordConfidence(c)
	return Result{
		Text:           strings.TrimSpace(text),
		Confidence:     conf,
		Backend:        t.Name(),
		ProcessingTime: time.Since(start),
		Metadata: map[string]string{
			"languages": strings.Join(t.Languages, "+"),
			"words":     fmt.Sprint(words),
		},
	}, nil
}

func meanWordConfidence(c *gosseract.Client) (float64, int) {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0, 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return sum / float64(len(boxes)), len(boxes)
}
