package quality

import (
	"strings"
	"testing"

	"github.com/tbourn/go-receipt-pipeline/internal/ocr"
)

func TestEvaluate(t *testing.T) {
	g := Default()
	cases := []struct {
		name   string
		text   string
		conf   float64
		score  int
		passed bool
		route  string
		nWhy   int
	}{
		{"two lines high conf", "LIDL\nSUMA 12,99", 0.9, 50, false, RouteVision, 1},
		{"enough lines low conf", strings.Repeat("line\n", 6), 0.3, 50, false, RouteVision, 1},
		{"both pass", "a\nb\nc\n\n  \nd\ne", 0.6, 100, true, RouteParser, 0},
		{"nothing", "", 0, 0, false, RouteVision, 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rep := g.Evaluate(ocr.Result{Text: c.text, Confidence: c.conf})
			if rep.Score != c.score || rep.Passed != c.passed || rep.Route != c.route || len(rep.Reasons) != c.nWhy {
				t.Fatalf("got %+v", rep)
			}
		})
	}
}

func TestCountLines(t *testing.T) {
	if n := CountLines("a\r\n\n b \n\t\n"); n != 2 {
		t.Fatalf("CountLines = %d", n)
	}
}

func TestPayload(t *testing.T) {
	p := Gate{MinLines: 1, MinConfidence: 0}.Evaluate(ocr.Result{Text: "x"}).Payload()
	if p.Score != 100 || !p.Passed || p.Route != RouteParser {
		t.Fatalf("payload %+v", p)
	}
}
