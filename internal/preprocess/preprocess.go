// Package preprocess prepares a receipt photo for OCR: it finds the paper,
// straightens it, boosts contrast, removes noise and places the result on a
// fixed canvas. Every step is optional and scored; a failing step never
// fails the whole run.
package preprocess

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	// extra input formats for imaging.Open
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tbourn/go-receipt-pipeline/internal/config"
)

// Step names, also recorded in Result.Operations.
const (
	StepDetect      = "detect"
	StepPerspective = "perspective"
	StepEnhance     = "enhance"
	StepDenoise     = "denoise"
	StepCanvas      = "canvas"
)

var stepRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "preprocess_steps_total",
		Help: "Preprocessing step runs by outcome.",
	},
	[]string{"step", "outcome"},
)

func init() { prometheus.MustRegister(stepRuns) }

// Options configures the preprocessor.
type Options struct {
	Steps          []string // enabled steps; empty means all
	WorkDir        string   // output directory; empty writes next to the source
	TargetWidth    int
	TargetHeight   int
	ExpectedAspect float64 // width/height of a typical receipt
	AreaMin        float64 // receipt outline bounds as a fraction of the image
	AreaMax        float64
	CropPadding    float64 // fraction of the outline added on each side
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		TargetWidth:    1200,
		TargetHeight:   3600,
		ExpectedAspect: 0.33,
		AreaMin:        0.10,
		AreaMax:        0.95,
		CropPadding:    0.02,
	}
}

// FromConfig maps the preprocess settings onto Options.
func FromConfig(cfg config.PreprocessConfig) Options {
	o := DefaultOptions()
	o.Steps = cfg.Steps
	o.WorkDir = cfg.WorkDir
	if cfg.TargetWidth > 0 && cfg.TargetHeight > 0 {
		o.TargetWidth, o.TargetHeight = cfg.TargetWidth, cfg.TargetHeight
	}
	if cfg.ExpectedAspect > 0 {
		o.ExpectedAspect = cfg.ExpectedAspect
	}
	return o
}

// Result describes one preprocessing run.
type Result struct {
	Path       string   // processed image, or the source on total failure
	Operations []string // steps that succeeded, in order
	Confidence float64  // weighted step confidences, capped at 1
}

type stepFunc func(image.Image, Options) (image.Image, float64, error)

type step struct {
	name   string
	weight float64
	run    stepFunc
}

var pipeline = []step{
	{StepDetect, 0.25, detectReceipt},
	{StepPerspective, 0.25, correctPerspective},
	{StepEnhance, 0.20, enhance},
	{StepDenoise, 0.15, denoise},
	{StepCanvas, 0.15, toCanvas},
}

// Preprocessor runs the enabled steps over an image file.
type Preprocessor struct {
	opts    Options
	enabled map[string]bool
}

// New builds a Preprocessor. Unknown step names are ignored.
func New(o Options) *Preprocessor {
	def := DefaultOptions()
	if o.TargetWidth <= 0 || o.TargetHeight <= 0 {
		o.TargetWidth, o.TargetHeight = def.TargetWidth, def.TargetHeight
	}
	if o.ExpectedAspect <= 0 {
		o.ExpectedAspect = def.ExpectedAspect
	}
	if o.AreaMax <= 0 || o.AreaMax > 1 || o.AreaMin >= o.AreaMax {
		o.AreaMin, o.AreaMax = def.AreaMin, def.AreaMax
	}
	p := &Preprocessor{opts: o, enabled: make(map[string]bool)}
	for _, s := range pipeline {
		p.enabled[s.name] = len(o.Steps) == 0
	}
	for _, s := range o.Steps {
		p.enabled[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return p
}

// Process runs the pipeline over srcPath and writes a PNG into WorkDir.
// Failures are logged and degrade the result; the only error returned is
// ctx's.
func (p *Preprocessor) Process(ctx context.Context, srcPath string) (Result, error) {
	tr := otel.Tracer("preprocess/Preprocessor")
	ctx, span := tr.Start(ctx, "Process", trace.WithAttributes(attribute.String("src", filepath.Base(srcPath))))
	defer span.End()

	fallback := Result{Path: srcPath}
	img, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		log.Warn().Err(err).Str("src", srcPath).Msg("preprocess: decode failed, using original")
		return fallback, nil
	}

	var res Result
	for _, s := range pipeline {
		if !p.enabled[s.name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fallback, err
		}
		out, conf, err := safeRun(s, img, p.opts)
		if err != nil {
			stepRuns.WithLabelValues(s.name, "error").Inc()
			log.Warn().Err(err).Str("step", s.name).Str("src", srcPath).Msg("preprocess step failed")
			continue
		}
		if conf <= 0 {
			stepRuns.WithLabelValues(s.name, "skipped").Inc()
			continue
		}
		stepRuns.WithLabelValues(s.name, "ok").Inc()
		img = out
		res.Operations = append(res.Operations, s.name)
		res.Confidence += s.weight * conf
	}
	if len(res.Operations) == 0 {
		return fallback, nil
	}
	res.Confidence = min(res.Confidence, 1)

	dst, err := p.outputPath(srcPath)
	if err == nil {
		err = imaging.Save(img, dst)
	}
	if err != nil {
		log.Warn().Err(err).Str("src", srcPath).Msg("preprocess: save failed, using original")
		return fallback, nil
	}
	res.Path = dst
	span.SetAttributes(attribute.Float64("confidence", res.Confidence))
	return res, nil
}

func (p *Preprocessor) outputPath(src string) (string, error) {
	dir := p.opts.WorkDir
	if dir == "" {
		dir = filepath.Dir(src)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return filepath.Join(dir, base+"_processed.png"), nil
}

// safeRun turns a panic inside a step into an error.
func safeRun(s step, img image.Image, o Options) (out image.Image, conf float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("preprocess: %s panicked: %v", s.name, r)
		}
	}()
	return s.run(img, o)
}
