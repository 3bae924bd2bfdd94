package ocr

import (
	"fmt"
	"net/http"

	"github.com/tbourn/go-receipt-pipeline/internal/config"
)

// FromConfig builds the backend list and engine options from configuration.
// Backend order follows OCR_BACKENDS.
func FromConfig(cfg config.OCRConfig) ([]Backend, Options, error) {
	backends := make([]Backend, 0, len(cfg.Backends))
	for _, name := range cfg.Backends {
		switch name {
		case "tesseract":
			backends = append(backends, NewTesseract(cfg.TesseractLangs...))
		case "http":
			backends = append(backends, NewHTTP(cfg.HTTPURL, &http.Client{Timeout: cfg.BackendTimeout}))
		case "static":
			backends = append(backends, &StaticBackend{TextDir: cfg.StaticDir, Confidence: 0.9})
		default:
			return nil, Options{}, fmt.Errorf("ocr: unknown backend %q", name)
		}
	}
	opts := Options{
		MaxBackends:         cfg.MaxBackends,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		BackendTimeout:      cfg.BackendTimeout,
		MaxTime:             cfg.MaxTime,
		Bonuses:             cfg.Bonuses,
	}
	return backends, opts, nil
}
