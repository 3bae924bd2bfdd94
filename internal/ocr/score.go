package ocr

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// Score ranks a result when no backend reached the confidence threshold:
//
//	0.6·confidence + 0.2·min(len/1000, 1) + 0.1·max(0, 1 − t/maxTime) + bonus
//
// minus 0.2 when the text is shorter than 50 characters.
func Score(r Result, maxTime time.Duration, bonus float64) float64 {
	n := utf8.RuneCountInString(strings.TrimSpace(r.Text))
	s := 0.6 * r.Confidence
	s += 0.2 * math.Min(float64(n)/1000, 1)
	if maxTime > 0 {
		s += 0.1 * math.Max(0, 1-r.ProcessingTime.Seconds()/maxTime.Seconds())
	}
	s += bonus
	if n < 50 {
		s -= 0.2
	}
	return s
}
