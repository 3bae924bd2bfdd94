package preprocess

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// plane is a single-channel float image, row-major, origin at 0,0.
type plane struct {
	w, h int
	pix  []float64
}

func newPlane(w, h int) plane { return plane{w: w, h: h, pix: make([]float64, w*h)} }

func luminance(img image.Image) plane {
	g := imaging.Grayscale(img)
	p := newPlane(g.Bounds().Dx(), g.Bounds().Dy())
	for y := 0; y < p.h; y++ {
		off := y * g.Stride
		for x := 0; x < p.w; x++ {
			p.pix[y*p.w+x] = float64(g.Pix[off+x*4])
		}
	}
	return p
}

// at clamps coordinates to the border.
func (p plane) at(x, y int) float64 {
	x = min(max(x, 0), p.w-1)
	y = min(max(y, 0), p.h-1)
	return p.pix[y*p.w+x]
}

// normalized rescales values into 0..255.
func (p plane) normalized() plane {
	hi := 0.0
	for _, v := range p.pix {
		hi = max(hi, v)
	}
	out := newPlane(p.w, p.h)
	if hi == 0 {
		return out
	}
	for i, v := range p.pix {
		out.pix[i] = v * 255 / hi
	}
	return out
}

func (p plane) above(t float64) []bool {
	m := make([]bool, len(p.pix))
	for i, v := range p.pix {
		m[i] = v > t
	}
	return m
}

func sobel(p plane) plane {
	out := newPlane(p.w, p.h)
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			gx := -p.at(x-1, y-1) - 2*p.at(x-1, y) - p.at(x-1, y+1) +
				p.at(x+1, y-1) + 2*p.at(x+1, y) + p.at(x+1, y+1)
			gy := -p.at(x-1, y-1) - 2*p.at(x, y-1) - p.at(x+1, y-1) +
				p.at(x-1, y+1) + 2*p.at(x, y+1) + p.at(x+1, y+1)
			out.pix[y*p.w+x] = math.Hypot(gx, gy)
		}
	}
	return out
}

// otsu picks the threshold that maximizes between-class variance.
func otsu(p plane) float64 {
	var hist [256]int
	for _, v := range p.pix {
		hist[min(max(int(v), 0), 255)]++
	}
	total := len(p.pix)
	sum := 0.0
	for i, c := range hist {
		sum += float64(i * c)
	}
	var (
		sumB, best float64
		wB, thr    int
	)
	for i := 0; i < 256; i++ {
		wB += hist[i]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(i * hist[i])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best, thr = between, i
		}
	}
	return float64(thr)
}

func dilate(mask []bool, w, h int) []bool {
	out := make([]bool, len(mask))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !mask[y*w+x] {
				continue
			}
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx >= 0 && ny >= 0 && nx < w && ny < h {
						out[ny*w+nx] = true
					}
				}
			}
		}
	}
	return out
}

// component is a 4-connected region of a mask. corners holds its extreme
// points: min x+y, max x-y, max x+y, min x-y.
type component struct {
	area                   int
	minX, minY, maxX, maxY int
	corners                [4]image.Point
}

func (c component) boxArea() int { return (c.maxX - c.minX + 1) * (c.maxY - c.minY + 1) }

func components(mask []bool, w, h int) []component {
	seen := make([]bool, len(mask))
	stack := make([]int, 0, 256)
	var out []component
	for i, on := range mask {
		if !on || seen[i] {
			continue
		}
		c := component{minX: w, minY: h, maxX: -1, maxY: -1}
		sMin, sMax := math.MaxInt, math.MinInt
		dMin, dMax := math.MaxInt, math.MinInt
		seen[i] = true
		stack = append(stack[:0], i)
		for len(stack) > 0 {
			j := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := j%w, j/w
			c.area++
			c.minX, c.maxX = min(c.minX, x), max(c.maxX, x)
			c.minY, c.maxY = min(c.minY, y), max(c.maxY, y)
			pt := image.Pt(x, y)
			if s := x + y; s < sMin {
				sMin, c.corners[0] = s, pt
			}
			if d := x - y; d > dMax {
				dMax, c.corners[1] = d, pt
			}
			if s := x + y; s > sMax {
				sMax, c.corners[2] = s, pt
			}
			if d := x - y; d < dMin {
				dMin, c.corners[3] = d, pt
			}
			for _, n := range [4]int{j - 1, j + 1, j - w, j + w} {
				switch {
				case n < 0 || n >= len(mask):
					continue
				case (n == j-1 && x == 0) || (n == j+1 && x == w-1):
					continue
				}
				if mask[n] && !seen[n] {
					seen[n] = true
					stack = append(stack, n)
				}
			}
		}
		out = append(out, c)
	}
	return out
}

// quadArea is the shoelace area of the polygon through pts in order.
func quadArea(pts [4]image.Point) float64 {
	a := 0
	for i := range pts {
		j := (i + 1) % len(pts)
		a += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return math.Abs(float64(a)) / 2
}

// downscale fits img into a box of side limit and returns the factor that
// maps small coordinates back to img.
func downscale(img image.Image, limit int) (image.Image, float64) {
	b := img.Bounds()
	if b.Dx() <= limit && b.Dy() <= limit {
		return img, 1
	}
	small := imaging.Fit(img, limit, limit, imaging.Box)
	return small, float64(b.Dx()) / float64(small.Bounds().Dx())
}
