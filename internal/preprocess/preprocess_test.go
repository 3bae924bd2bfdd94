package preprocess

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/disintegration/imaging"
)

// receiptPhoto draws a white 180x300 "receipt" with a few text bars on a
// dark 300x400 table.
func receiptPhoto(t *testing.T) string {
	t.Helper()
	paper := imaging.New(180, 300, color.White)
	for i := 0; i < 8; i++ {
		paper = imaging.Paste(paper, imaging.New(100, 6, color.Black), image.Pt(40, 30+i*30))
	}
	bg := imaging.Paste(imaging.New(300, 400, color.Gray{Y: 40}), paper, image.Pt(60, 50))
	p := filepath.Join(t.TempDir(), "receipt.png")
	if err := imaging.Save(bg, p); err != nil {
		t.Fatal(err)
	}
	return p
}

func testOptions(t *testing.T) Options {
	o := DefaultOptions()
	o.WorkDir = filepath.Join(t.TempDir(), "out")
	o.TargetWidth, o.TargetHeight = 120, 360
	o.ExpectedAspect = 0.6
	return o
}

func TestProcess_AllSteps(t *testing.T) {
	src := receiptPhoto(t)
	res, err := New(testOptions(t)).Process(context.Background(), src)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Path == src {
		t.Fatalf("expected a processed copy, got the source")
	}
	for _, s := range []string{StepPerspective, StepEnhance, StepDenoise, StepCanvas} {
		if !slices.Contains(res.Operations, s) {
			t.Fatalf("missing %s in %v", s, res.Operations)
		}
	}
	if res.Confidence < 0.5 || res.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", res.Confidence)
	}
	out, err := imaging.Open(res.Path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	if b := out.Bounds(); b.Dx() != 120 || b.Dy() != 360 {
		t.Fatalf("canvas size = %v", b)
	}
}

func TestProcess_StepSelection(t *testing.T) {
	o := testOptions(t)
	o.Steps = []string{"Canvas", "bogus"}
	res, err := New(o).Process(context.Background(), receiptPhoto(t))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Operations, []string{StepCanvas}) {
		t.Fatalf("operations = %v", res.Operations)
	}
	if math.Abs(res.Confidence-0.15) > 1e-9 {
		t.Fatalf("confidence = %v", res.Confidence)
	}
}

func TestProcess_UndecodableReturnsOriginal(t *testing.T) {
	src := filepath.Join(t.TempDir(), "broken.jpg")
	if err := os.WriteFile(src, []byte("not an image"), 0o600); err != nil {
		t.Fatal(err)
	}
	res, err := New(testOptions(t)).Process(context.Background(), src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Path != src || res.Confidence != 0 || len(res.Operations) != 0 {
		t.Fatalf("want original fallback, got %+v", res)
	}
}

func TestProcess_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := receiptPhoto(t)
	res, err := New(testOptions(t)).Process(ctx, src)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if res.Path != src {
		t.Fatalf("path = %q", res.Path)
	}
}

func TestDetectReceipt_CropsToPaper(t *testing.T) {
	img, err := imaging.Open(receiptPhoto(t))
	if err != nil {
		t.Fatal(err)
	}
	out, conf, err := detectReceipt(img, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if conf < 0.3 || conf > 0.7 {
		t.Fatalf("conf = %v", conf)
	}
	b := out.Bounds()
	if b.Dx() >= 300 || b.Dy() >= 400 || b.Dx() < 170 || b.Dy() < 290 {
		t.Fatalf("crop = %v", b)
	}
}

func TestDetectReceipt_NothingFound(t *testing.T) {
	flat := imaging.New(200, 200, color.Gray{Y: 128})
	out, conf, err := detectReceipt(flat, DefaultOptions())
	if err != nil || conf != 0 || out != image.Image(flat) {
		t.Fatalf("flat image: conf=%v err=%v", conf, err)
	}
}

func TestCorrectPerspective_Upright(t *testing.T) {
	img := imaging.Paste(imaging.New(300, 400, color.Gray{Y: 40}), imaging.New(180, 300, color.White), image.Pt(60, 50))
	o := DefaultOptions()
	o.ExpectedAspect = 0.6
	out, conf, err := correctPerspective(img, o)
	if err != nil {
		t.Fatal(err)
	}
	if b := out.Bounds(); b.Dx() != 180 || b.Dy() != 300 {
		t.Fatalf("warped size = %v", b)
	}
	if conf < 0.95 {
		t.Fatalf("conf = %v", conf)
	}
	// the warped image is all paper
	r, g, b, _ := out.At(90, 150).RGBA()
	if r>>8 < 250 || g>>8 < 250 || b>>8 < 250 {
		t.Fatalf("center pixel not white")
	}
}

func TestOrderCorners(t *testing.T) {
	in := [4]point{{10, 90}, {90, 10}, {12, 8}, {95, 92}}
	got := orderCorners(in)
	want := [4]point{{12, 8}, {90, 10}, {95, 92}, {10, 90}}
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestHomography(t *testing.T) {
	from := [4]point{{0, 0}, {99, 0}, {99, 199}, {0, 199}}
	to := [4]point{{10, 5}, {120, 12}, {115, 230}, {3, 220}}
	hm, err := homography(from, to)
	if err != nil {
		t.Fatal(err)
	}
	for i := range from {
		u, v, ok := project(hm, from[i].x, from[i].y)
		if !ok || math.Abs(u-to[i].x) > 1e-6 || math.Abs(v-to[i].y) > 1e-6 {
			t.Fatalf("corner %d -> (%v,%v), want %v", i, u, v, to[i])
		}
	}
	if _, err := homography([4]point{}, to); !errors.Is(err, errSingular) {
		t.Fatalf("want errSingular, got %v", err)
	}
}

func TestOtsu(t *testing.T) {
	p := newPlane(10, 10)
	for i := range p.pix {
		if i%2 == 0 {
			p.pix[i] = 30
		} else {
			p.pix[i] = 220
		}
	}
	if th := otsu(p); th < 30 || th >= 220 {
		t.Fatalf("threshold = %v", th)
	}
}

func TestMedian9(t *testing.T) {
	if m := median9([9]uint8{9, 1, 8, 2, 7, 3, 6, 4, 255}); m != 6 {
		t.Fatalf("median = %d", m)
	}
}

func TestFromConfigDefaults(t *testing.T) {
	o := New(Options{}).opts
	if o.TargetWidth != 1200 || o.AreaMin != 0.10 || o.AreaMax != 0.95 {
		t.Fatalf("defaults not applied: %+v", o)
	}
}
