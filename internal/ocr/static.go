package ocr

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// StaticBackend returns canned text. It backs offline mode: when TextDir is
// set, the text is read from "<TextDir>/<image base name>.txt" if present.
type StaticBackend struct {
	ID         string
	Text       string
	TextDir    string
	Confidence float64
	Err        error
	Delay      time.Duration
	Took       time.Duration // reported processing time; defaults to Delay
	Down       bool

	calls atomic.Int64
}

func (s *StaticBackend) Name() string {
	if s.ID == "" {
		return "static"
	}
	return s.ID
}

func (s *StaticBackend) Ready(context.Context) bool { return !s.Down }

// Calls reports how many times Extract ran.
func (s *StaticBackend) Calls() int64 { return s.calls.Load() }

func (s *StaticBackend) Extract(ctx context.Context, path string) (Result, error) {
	s.calls.Add(1)
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if s.Err != nil {
		return Result{}, s.Err
	}
	text := s.Text
	if s.TextDir != "" {
		base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if b, err := os.ReadFile(filepath.Join(s.TextDir, base+".txt")); err == nil {
			text = string(b)
		}
	}
	took := s.Took
	if took <= 0 {
		took = s.Delay
	}
	return Result{Text: text, Confidence: s.Confidence, Backend: s.Name(), ProcessingTime: took}, nil
}
