package keywords

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_ParsesEmbeddedTables(t *testing.T) {
	tb := Default()
	if len(tb.Categories) == 0 || len(tb.Qualifiers) == 0 {
		t.Fatalf("embedded tables empty: %+v", tb)
	}
	dairy, ok := tb.Rule("dairy")
	if !ok || dairy.ExpiryDays == nil || *dairy.ExpiryDays != 7 || dairy.Storage != "fridge" {
		t.Fatalf("dairy rule unexpected: %+v", dairy)
	}
	if r, ok := tb.Rule("frozen"); !ok || *r.ExpiryDays != 90 || r.Storage != "freezer" {
		t.Fatalf("frozen rule unexpected: %+v", r)
	}
}

func TestClassify(t *testing.T) {
	tb := Default()
	cases := map[string]string{
		"mleko 3,2%":        "dairy",
		"kurczak filet":     "meat",
		"chleb żytni":       "bread",
		"warzywa mrożone":   "frozen",
		"pomidory malinowe": "vegetables",
		"banany":            "fruit",
		"płyn do naczyń":    "cleaning",
		"zupa instant xyz":  "dry goods",
	}
	for name, want := range cases {
		got, ok := tb.Classify(name)
		if !ok || got.Name != want {
			t.Fatalf("Classify(%q) = (%q, %v); want %q", name, got.Name, ok, want)
		}
	}
	if _, ok := tb.Classify("xyz 123"); ok {
		t.Fatalf("expected no category for unknown name")
	}
}

func TestStripQualifiers(t *testing.T) {
	tb := Default()
	if got := tb.StripQualifiers("biedronka dobre bo polskie jabłka"); got != "jabłka" {
		t.Fatalf("StripQualifiers = %q", got)
	}
	if got := tb.StripQualifiers("lidl"); got != "lidl" {
		t.Fatalf("a bare qualifier must be kept, got %q", got)
	}
}

func TestLoad_FileAndErrors(t *testing.T) {
	if tb, err := Load(""); err != nil || tb != Default() {
		t.Fatalf("Load(\"\") should return Default: %v", err)
	}

	dir := t.TempDir()
	p := filepath.Join(dir, "kw.yaml")
	doc := "qualifiers: [Sklep]\ncategories:\n  - name: snacks\n    storage: pantry\n    terms: [Chips]\n"
	if err := os.WriteFile(p, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	tb, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tb.Qualifiers[0] != "sklep" || tb.Categories[0].Terms[0] != "chips" {
		t.Fatalf("terms not lowercased: %+v", tb)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected read error")
	}
	if _, err := Parse([]byte("qualifiers: [a]\n")); err == nil || !strings.Contains(err.Error(), "no categories") {
		t.Fatalf("expected no categories error, got %v", err)
	}
	if _, err := Parse([]byte("categories: [{terms: [x]}]\n")); err == nil {
		t.Fatalf("expected missing name error")
	}
}
