// Package intake validates uploaded receipt files before they enter the
// pipeline: the type is sniffed from content, not trusted from the client.
package intake

import (
	"bytes"
	"fmt"
	"image"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	// decoders for image.DecodeConfig
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/tbourn/go-receipt-pipeline/internal/config"
)

// Validation error codes.
const (
	CodeEmpty             = "empty_file"
	CodeUnsupportedType   = "unsupported_type"
	CodeTooLarge          = "file_too_large"
	CodeExtensionMismatch = "extension_mismatch"
	CodeDimensions        = "bad_dimensions"
	CodePages             = "bad_page_count"
	CodeCorrupt           = "corrupt_file"
)

// ValidationError reports why a file was refused.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return "intake: " + e.Code + ": " + e.Message }

func reject(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

type kind int

const (
	kindImage kind = iota
	kindPDF
)

type allowed struct {
	mime string
	exts []string
	kind kind
	// false when no Go decoder can read the header
	decodable bool
}

var allowList = []allowed{
	{"image/jpeg", []string{".jpg", ".jpeg"}, kindImage, true},
	{"image/png", []string{".png"}, kindImage, true},
	{"image/webp", []string{".webp"}, kindImage, true},
	{"image/heic", []string{".heic", ".heif"}, kindImage, false},
	{"image/heif", []string{".heif", ".heic"}, kindImage, false},
	{"application/pdf", []string{".pdf"}, kindPDF, false},
}

// File is what intake learned about an accepted upload.
type File struct {
	MIME          string
	Extension     string
	Size          int64
	Width, Height int // images with a decodable header
	Pages         int // PDFs
}

// Validator checks uploads against configured limits.
type Validator struct {
	limits config.IntakeConfig
}

// New returns a Validator for limits.
func New(limits config.IntakeConfig) *Validator { return &Validator{limits: limits} }

// MaxBytes is the largest size any accepted type may have.
func (v *Validator) MaxBytes() int64 { return max(v.limits.MaxImageBytes, v.limits.MaxPDFBytes) }

// Validate inspects name and data. Errors are always *ValidationError.
func (v *Validator) Validate(name string, data []byte) (File, error) {
	if len(data) == 0 {
		return File{}, reject(CodeEmpty, "file is empty")
	}
	mt := mimetype.Detect(data)
	var a *allowed
	for i := range allowList {
		if mt.Is(allowList[i].mime) {
			a = &allowList[i]
			break
		}
	}
	if a == nil {
		return File{}, reject(CodeUnsupportedType, "type %s is not accepted", mt.String())
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		ext = a.exts[0]
	} else if !slices.Contains(a.exts, ext) {
		return File{}, reject(CodeExtensionMismatch, "extension %s does not match content type %s", ext, a.mime)
	}

	f := File{MIME: a.mime, Extension: ext, Size: int64(len(data))}
	limit := v.limits.MaxImageBytes
	if a.kind == kindPDF {
		limit = v.limits.MaxPDFBytes
	}
	if limit > 0 && f.Size > limit {
		return File{}, reject(CodeTooLarge, "%d bytes exceeds the %d byte limit for %s", f.Size, limit, a.mime)
	}

	switch {
	case a.kind == kindPDF:
		n, err := countPages(data)
		if err != nil {
			return File{}, reject(CodeCorrupt, "cannot read pdf: %v", err)
		}
		f.Pages = n
		if f.Pages < 1 || (v.limits.MaxPDFPages > 0 && f.Pages > v.limits.MaxPDFPages) {
			return File{}, reject(CodePages, "pdf has %d pages, allowed 1..%d", f.Pages, v.limits.MaxPDFPages)
		}
	case a.decodable:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return File{}, reject(CodeCorrupt, "cannot read image header: %v", err)
		}
		f.Width, f.Height = cfg.Width, cfg.Height
		short, long := min(cfg.Width, cfg.Height), max(cfg.Width, cfg.Height)
		if short < v.limits.MinDimension || (v.limits.MaxDimension > 0 && long > v.limits.MaxDimension) {
			return File{}, reject(CodeDimensions, "%dx%d is outside %d..%d px", cfg.Width, cfg.Height, v.limits.MinDimension, v.limits.MaxDimension)
		}
	}
	return f, nil
}

func init() {
	// pdfcpu would otherwise create a config dir under the user's home
	api.DisableConfigDir()
}

// countPages reads the page tree. Cross-reference and object streams are
// resolved, so compressed PDF 1.5+ exports count correctly.
func countPages(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), conf)
}
