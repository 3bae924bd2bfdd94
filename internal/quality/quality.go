// Package quality decides whether OCR output is good enough for the
// structured parser or must go to the vision fallback.
package quality

import (
	"fmt"
	"strings"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
	"github.com/tbourn/go-receipt-pipeline/internal/ocr"
)

// Routes.
const (
	RouteParser = "parser"
	RouteVision = "vision"
)

// Gate holds the two thresholds. Each passed check is worth 50 points.
type Gate struct {
	MinLines      int
	MinConfidence float64
}

// Default returns the gate with 5 lines / 0.6 confidence.
func Default() Gate { return Gate{MinLines: 5, MinConfidence: 0.6} }

// Report is the gate's verdict.
type Report struct {
	Score   int
	Passed  bool
	Route   string
	Reasons []string
}

// Payload converts the report into its persisted form.
func (r Report) Payload() *domain.QualityPayload {
	return &domain.QualityPayload{Score: r.Score, Passed: r.Passed, Route: r.Route, Reasons: r.Reasons}
}

// Evaluate scores an OCR result. It has no side effects.
func (g Gate) Evaluate(res ocr.Result) Report {
	var rep Report

	lines := CountLines(res.Text)
	if lines >= g.MinLines {
		rep.Score += 50
	} else {
		rep.Reasons = append(rep.Reasons, fmt.Sprintf("too few text lines: %d < %d", lines, g.MinLines))
	}
	if res.Confidence >= g.MinConfidence {
		rep.Score += 50
	} else {
		rep.Reasons = append(rep.Reasons, fmt.Sprintf("low OCR confidence: %.2f < %.2f", res.Confidence, g.MinConfidence))
	}

	rep.Passed = rep.Score == 100
	rep.Route = RouteVision
	if rep.Passed {
		rep.Route = RouteParser
	}
	return rep
}

// CountLines counts non-blank lines.
func CountLines(text string) int {
	n := 0
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}
