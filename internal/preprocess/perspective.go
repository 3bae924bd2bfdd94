package preprocess

import (
	"errors"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
)

var errSingular = errors.New("preprocess: singular homography")

type point struct{ x, y float64 }

// correctPerspective finds the paper as the largest bright region, orders
// its corners and warps it onto an upright rectangle sized by the longest
// edges. Confidence measures how close the result is to ExpectedAspect.
func correctPerspective(img image.Image, o Options) (image.Image, float64, error) {
	small, scale := downscale(img, analysisSize)
	g := luminance(small)
	comps := components(g.above(otsu(g)), g.w, g.h)
	if len(comps) == 0 {
		return img, 0, nil
	}
	largest := comps[0]
	for _, c := range comps[1:] {
		if c.area > largest.area {
			largest = c
		}
	}
	if float64(largest.area) < 0.05*float64(g.w*g.h) {
		return img, 0, nil
	}

	var quad [4]point
	for i, c := range largest.corners {
		quad[i] = point{float64(c.X) * scale, float64(c.Y) * scale}
	}
	quad = orderCorners(quad)
	tl, tr, br, bl := quad[0], quad[1], quad[2], quad[3]
	w := math.Round(max(dist(tl, tr), dist(bl, br))) + 1
	h := math.Round(max(dist(tl, bl), dist(tr, br))) + 1
	if w < 8 || h < 8 {
		return img, 0, nil
	}

	dst := [4]point{{0, 0}, {w - 1, 0}, {w - 1, h - 1}, {0, h - 1}}
	hm, err := homography(dst, quad)
	if err != nil {
		return img, 0, err
	}
	out := warp(imaging.Clone(img), hm, int(w), int(h))

	aspect := w / h
	conf := 1 - math.Abs(aspect-o.ExpectedAspect)/o.ExpectedAspect
	return out, min(max(conf, 0), 1), nil
}

// orderCorners returns pts as top-left, top-right, bottom-right,
// bottom-left by angle around their centroid (y grows downwards).
func orderCorners(pts [4]point) [4]point {
	var cx, cy float64
	for _, p := range pts {
		cx += p.x / 4
		cy += p.y / 4
	}
	s := pts[:]
	sort.SliceStable(s, func(i, j int) bool {
		return math.Atan2(s[i].y-cy, s[i].x-cx) < math.Atan2(s[j].y-cy, s[j].x-cx)
	})
	return [4]point(s)
}

func dist(a, b point) float64 { return math.Hypot(a.x-b.x, a.y-b.y) }

// homography solves the 8 unknowns of the projective map from[i] -> to[i]
// with h[8] fixed to 1.
func homography(from, to [4]point) ([9]float64, error) {
	var a [8][9]float64
	for i := 0; i < 4; i++ {
		x, y, u, v := from[i].x, from[i].y, to[i].x, to[i].y
		a[2*i] = [9]float64{x, y, 1, 0, 0, 0, -x * u, -y * u, u}
		a[2*i+1] = [9]float64{0, 0, 0, x, y, 1, -x * v, -y * v, v}
	}
	for col := 0; col < 8; col++ {
		piv := col
		for r := col + 1; r < 8; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[piv][col]) {
				piv = r
			}
		}
		if math.Abs(a[piv][col]) < 1e-12 {
			return [9]float64{}, errSingular
		}
		a[col], a[piv] = a[piv], a[col]
		for r := 0; r < 8; r++ {
			if r == col {
				continue
			}
			f := a[r][col] / a[col][col]
			for k := col; k < 9; k++ {
				a[r][k] -= f * a[col][k]
			}
		}
	}
	var hm [9]float64
	for i := 0; i < 8; i++ {
		hm[i] = a[i][8] / a[i][i]
	}
	hm[8] = 1
	return hm, nil
}

func project(hm [9]float64, x, y float64) (float64, float64, bool) {
	den := hm[6]*x + hm[7]*y + hm[8]
	if den == 0 {
		return 0, 0, false
	}
	return (hm[0]*x + hm[1]*y + hm[2]) / den, (hm[3]*x + hm[4]*y + hm[5]) / den, true
}

// warp renders a w×h image whose pixel (x,y) samples src at hm(x,y).
func warp(src *image.NRGBA, hm [9]float64, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	sw, sh := src.Bounds().Dx(), src.Bounds().Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			u, v, ok := project(hm, float64(x), float64(y))
			if !ok {
				continue
			}
			bilinear(src, sw, sh, u, v, dst.Pix[y*dst.Stride+x*4:y*dst.Stride+x*4+4])
		}
	}
	return dst
}

func bilinear(src *image.NRGBA, w, h int, u, v float64, out []uint8) {
	u = min(max(u, 0), float64(w-1))
	v = min(max(v, 0), float64(h-1))
	x0, y0 := int(u), int(v)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	ax, ay := u-float64(x0), v-float64(y0)
	for c := 0; c < 4; c++ {
		p00 := float64(src.Pix[y0*src.Stride+x0*4+c])
		p10 := float64(src.Pix[y0*src.Stride+x1*4+c])
		p01 := float64(src.Pix[y1*src.Stride+x0*4+c])
		p11 := float64(src.Pix[y1*src.Stride+x1*4+c])
		top := p00*(1-ax) + p10*ax
		bot := p01*(1-ax) + p11*ax
		out[c] = uint8(top*(1-ay) + bot*ay + 0.5)
	}
}
