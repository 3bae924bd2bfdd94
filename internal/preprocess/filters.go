package preprocess

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Fixed enhancement multipliers.
const (
	contrastPct   = 30
	brightnessPct = 5
	sharpenSigma  = 1.0
	// gradients above this keep their original pixels during smoothing
	edgeKeep = 60
)

func enhance(img image.Image, _ Options) (image.Image, float64, error) {
	out := imaging.AdjustContrast(img, contrastPct)
	out = imaging.AdjustBrightness(out, brightnessPct)
	return imaging.Sharpen(out, sharpenSigma), 1, nil
}

// denoise smooths flat areas while keeping strokes, then applies a 3×3
// median.
func denoise(img image.Image, _ Options) (image.Image, float64, error) {
	src := imaging.Clone(img)
	smooth := imaging.Blur(src, 1.0)
	edges := sobel(luminance(src))
	w, h := edges.w, edges.h
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if edges.pix[y*w+x] >= edgeKeep {
				continue
			}
			o := y*src.Stride + x*4
			copy(src.Pix[o:o+4], smooth.Pix[o:o+4])
		}
	}
	return median3(src), 1, nil
}

func median3(src *image.NRGBA) *image.NRGBA {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := imaging.Clone(src)
	var win [9]uint8
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := y*dst.Stride + x*4
			for c := 0; c < 3; c++ {
				n := 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := min(max(x+dx, 0), w-1), min(max(y+dy, 0), h-1)
						win[n] = src.Pix[ny*src.Stride+nx*4+c]
						n++
					}
				}
				dst.Pix[o+c] = median9(win)
			}
		}
	}
	return dst
}

func median9(v [9]uint8) uint8 {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
	return v[4]
}

// toCanvas scales img into the target box and centers it on white.
func toCanvas(img image.Image, o Options) (image.Image, float64, error) {
	b := img.Bounds()
	ratio := min(float64(o.TargetWidth)/float64(b.Dx()), float64(o.TargetHeight)/float64(b.Dy()))
	w := max(int(math.Round(float64(b.Dx())*ratio)), 1)
	h := max(int(math.Round(float64(b.Dy())*ratio)), 1)
	fitted := imaging.Resize(img, w, h, imaging.Lanczos)
	bg := imaging.New(o.TargetWidth, o.TargetHeight, color.White)
	return imaging.PasteCenter(bg, fitted), 1, nil
}
