package preprocess

import (
	"image"

	"github.com/disintegration/imaging"
)

// analysisSize bounds the side of the copy used for edge and contour work.
const analysisSize = 800

// detectReceipt crops img to the receipt outline found on the edge map.
// The confidence is the outline's area over the image area; 0 when no
// outline falls inside the area band.
func detectReceipt(img image.Image, o Options) (image.Image, float64, error) {
	small, scale := downscale(img, analysisSize)
	g := luminance(imaging.Blur(small, 1.5))
	edges := sobel(g).normalized()
	mask := dilate(edges.above(max(otsu(edges), 16)), g.w, g.h)

	total := float64(g.w * g.h)
	var (
		best  component
		found bool
	)
	for _, c := range components(mask, g.w, g.h) {
		frac := float64(c.boxArea()) / total
		if frac < o.AreaMin || frac > o.AreaMax {
			continue
		}
		if !found || c.boxArea() > best.boxArea() {
			best, found = c, true
		}
	}
	if !found {
		return img, 0, nil
	}
	contour := quadArea(best.corners)
	if contour == 0 {
		return img, 0, nil
	}

	padX := int(float64(best.maxX-best.minX) * o.CropPadding)
	padY := int(float64(best.maxY-best.minY) * o.CropPadding)
	b := img.Bounds()
	r := image.Rect(
		int(float64(best.minX-padX)*scale),
		int(float64(best.minY-padY)*scale),
		int(float64(best.maxX+padX+1)*scale),
		int(float64(best.maxY+padY+1)*scale),
	).Add(b.Min).Intersect(b)
	if r.Empty() {
		return img, 0, nil
	}
	return imaging.Crop(img, r), min(contour/total, 1), nil
}
