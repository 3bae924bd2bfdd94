// Package ocr extracts text from receipt images through a prioritized set of
// interchangeable backends.
//
// The Engine tries available backends in priority order. The first result at
// or above the confidence threshold is returned immediately; otherwise the
// result with the best composite score wins (see Score).
package ocr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
)

// ErrAllBackendsExhausted is returned when no backend produced a result.
var ErrAllBackendsExhausted = errors.New("ocr: all backends exhausted")

// BackendNone names the empty result recorded when every backend failed.
const BackendNone = "none"

// Exhausted is the empty result that stands in for a failed extraction. It
// scores zero at the quality gate, which sends the receipt to vision.
func Exhausted(cause error) Result {
	return Result{
		Backend:  BackendNone,
		Metadata: map[string]string{"selection": "exhausted", "error": cause.Error()},
	}
}

// Result is the text extracted by one backend.
type Result struct {
	Text           string
	Confidence     float64 // 0..1
	Backend        string
	ProcessingTime time.Duration
	Metadata       map[string]string
}

// Payload converts the result into its persisted form.
func (r Result) Payload() domain.OCRPayload {
	return domain.OCRPayload{
		Text:           r.Text,
		Confidence:     r.Confidence,
		Backend:        r.Backend,
		ProcessingTime: r.ProcessingTime.Seconds(),
		Metadata:       r.Metadata,
	}
}

// Backend is a text-detection engine.
type Backend interface {
	Name() string
	// Ready reports whether the backend can be used at all. The engine calls
	// it once per backend and caches the answer.
	Ready(ctx context.Context) bool
	Extract(ctx context.Context, imagePath string) (Result, error)
}

// Options tune the engine.
type Options struct {
	MaxBackends         int                // 0 = all
	ConfidenceThreshold float64            // early exit at or above
	BackendTimeout      time.Duration      // per backend call
	MaxTime             time.Duration      // normalizes the speed term of Score
	Bonuses             map[string]float64 // per backend name
}

// DefaultOptions mirrors the service defaults.
func DefaultOptions() Options {
	return Options{
		ConfidenceThreshold: 0.7,
		BackendTimeout:      30 * time.Second,
		MaxTime:             30 * time.Second,
		Bonuses:             map[string]float64{},
	}
}

type readiness struct {
	once sync.Once
	ok   bool
}

// Engine runs backends in priority order. It is safe for concurrent use.
type Engine struct {
	backends []Backend
	opts     Options
	ready    []*readiness
}

// NewEngine builds an engine over backends, highest priority first.
func NewEngine(backends []Backend, opts Options) *Engine {
	if opts.MaxTime <= 0 {
		opts.MaxTime = 30 * time.Second
	}
	if opts.Bonuses == nil {
		opts.Bonuses = map[string]float64{}
	}
	rs := make([]*readiness, len(backends))
	for i := range rs {
		rs[i] = &readiness{}
	}
	return &Engine{backends: backends, opts: opts, ready: rs}
}

// Available lists backends that reported ready, in priority order.
func (e *Engine) Available(ctx context.Context) []Backend {
	out := make([]Backend, 0, len(e.backends))
	for i, b := range e.backends {
		p := e.ready[i]
		p.once.Do(func() {
			p.ok = b.Ready(ctx)
			if !p.ok {
				log.Warn().Str("backend", b.Name()).Msg("ocr backend unavailable")
			}
		})
		if p.ok {
			out = append(out, b)
		}
	}
	return out
}

// Extract runs the backends against imagePath and returns the chosen result.
func (e *Engine) Extract(ctx context.Context, imagePath string) (Result, error) {
	tr := otel.Tracer("ocr/Engine")
	ctx, span := tr.Start(ctx, "Extract", trace.WithAttributes(attribute.String("image.path", imagePath)))
	defer span.End()

	avail := e.Available(ctx)
	if n := e.opts.MaxBackends; n > 0 && n < len(avail) {
		avail = avail[:n]
	}

	var (
		best      Result
		bestScore float64
		found     bool
		tried     int
	)
	for _, b := range avail {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		tried++
		res, err := e.run(ctx, b, imagePath)
		if err != nil {
			log.Warn().Err(err).Str("backend", b.Name()).Str("image", imagePath).Msg("ocr backend failed")
			continue
		}
		if res.Confidence >= e.opts.ConfidenceThreshold {
			span.SetAttributes(attribute.String("ocr.backend", res.Backend), attribute.Bool("ocr.early_exit", true))
			res.Metadata = withMeta(res.Metadata, "selection", "early_exit", "attempted", strconv.Itoa(tried))
			return res, nil
		}
		s := Score(res, e.opts.MaxTime, e.opts.Bonuses[res.Backend])
		// strict comparison keeps the higher-priority backend on ties
		if !found || s > bestScore {
			best, bestScore, found = res, s, true
		}
	}
	if !found {
		return Result{}, fmt.Errorf("%w (%d tried)", ErrAllBackendsExhausted, tried)
	}
	span.SetAttributes(attribute.String("ocr.backend", best.Backend), attribute.Float64("ocr.score", bestScore))
	best.Metadata = withMeta(best.Metadata,
		"selection", "composite",
		"score", strconv.FormatFloat(bestScore, 'f', 4, 64),
		"attempted", strconv.Itoa(tried))
	return best, nil
}

// run calls one backend under the per-backend timeout. Backends that ignore
// ctx are abandoned when the deadline passes.
func (e *Engine) run(ctx context.Context, b Backend, imagePath string) (Result, error) {
	if e.opts.BackendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.BackendTimeout)
		defer cancel()
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		r, err := b.Extract(ctx, imagePath)
		done <- outcome{r, err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		o.err = ctx.Err()
	}
	elapsed := time.Since(start)
	observe(b.Name(), elapsed, o.err)
	if o.err != nil {
		return Result{}, o.err
	}
	if o.res.Backend == "" {
		o.res.Backend = b.Name()
	}
	if o.res.ProcessingTime <= 0 {
		o.res.ProcessingTime = elapsed
	}
	return o.res, nil
}

func withMeta(m map[string]string, kv ...string) map[string]string {
	out := make(map[string]string, len(m)+len(kv)/2)
	for k, v := range m {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}
