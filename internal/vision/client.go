// Package vision calls a multimodal model to read a receipt image when OCR
// text is too poor for the structured parser. The reply is raw text that is
// expected to contain a JSON receipt; parsing is left to package parser.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var (
	// ErrDisabled is returned when no vision endpoint is configured.
	ErrDisabled = errors.New("vision: fallback disabled")
	// ErrRejected marks replies that will not succeed on retry (4xx other
	// than 429).
	ErrRejected = errors.New("vision: request rejected")
	// ErrEmptyReply is returned when the model answered without any text.
	ErrEmptyReply = errors.New("vision: empty reply")
)

// Prompt asks the model for the receipt as one JSON object.
const Prompt = `Read this shopping receipt and respond ONLY with a JSON object with the fields ` +
	`"store_name" (string), "transaction_date" (YYYY-MM-DD), "total_amount" (number) and ` +
	`"products" (array of objects with "name", "quantity", "unit_price", "total_price", "tax_code"). ` +
	`Keep product names exactly as printed. Do not add explanations or markdown.`

// Describer reads a receipt image and returns the model's raw reply.
type Describer interface {
	Describe(ctx context.Context, imagePath string) ([]byte, error)
}

// Client talks to a generateContent-style endpoint.
type Client struct {
	URL    string
	APIKey string
	HTTP   *http.Client
	lim    *rate.Limiter
}

// New returns a client limited to rps requests per second. An empty url
// yields a client whose Describe always fails with ErrDisabled.
func New(url, apiKey string, timeout time.Duration, rps float64) *Client {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		URL:    strings.TrimSpace(url),
		APIKey: apiKey,
		HTTP:   &http.Client{Timeout: timeout},
		lim:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool { return c != nil && c.URL != "" }

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type request struct {
	Contents         []content      `json:"contents"`
	GenerationConfig map[string]any `json:"generationConfig,omitempty"`
}

type response struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Describe sends the image with Prompt and returns the text of the first
// candidate.
func (c *Client) Describe(ctx context.Context, imagePath string) ([]byte, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	tr := otel.Tracer("vision/Client")
	ctx, span := tr.Start(ctx, "Describe", trace.WithAttributes(attribute.String("image", filepath.Base(imagePath))))
	defer span.End()

	img, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("vision: read image: %w", err)
	}
	body := request{
		Contents: []content{{Parts: []part{
			{Text: Prompt},
			{InlineData: &inlineData{
				MimeType: mimetype.Detect(img).String(),
				Data:     base64.StdEncoding.EncodeToString(img),
			}},
		}}},
		GenerationConfig: map[string]any{"temperature": 0.1},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	if err := c.lim.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-goog-api-key", c.APIKey)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("vision: status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			err = fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return nil, err
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("vision: decode: %w", err)
	}
	var sb strings.Builder
	if len(out.Candidates) > 0 {
		for _, p := range out.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return nil, ErrEmptyReply
	}
	log.Debug().
		Str("image", filepath.Base(imagePath)).
		Dur("took", time.Since(start)).
		Int("reply_len", sb.Len()).
		Msg("vision reply")
	return []byte(sb.String()), nil
}
