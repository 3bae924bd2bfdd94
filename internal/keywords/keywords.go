// Package keywords loads the term tables used to guess a product's category,
// shelf life and storage location from its name. The default tables are
// embedded in the binary; a YAML file with the same layout can replace them.
package keywords

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v2"
)

//go:embed keywords.yaml
var defaultYAML []byte

// Rule is one category of the table.
type Rule struct {
	Name       string   `yaml:"name"`
	ExpiryDays *int     `yaml:"expiry_days"`
	Storage    string   `yaml:"storage"`
	Terms      []string `yaml:"terms"`
}

// Tables is the parsed keyword document.
type Tables struct {
	Qualifiers []string `yaml:"qualifiers"`
	Categories []Rule   `yaml:"categories"`
}

var (
	defaultOnce   sync.Once
	defaultTables *Tables
)

// Default returns the embedded tables. It panics if the embedded document is
// malformed, which can only happen with a broken build.
func Default() *Tables {
	defaultOnce.Do(func() {
		t, err := Parse(defaultYAML)
		if err != nil {
			panic(fmt.Sprintf("keywords: embedded tables: %v", err))
		}
		defaultTables = t
	})
	return defaultTables
}

// Load reads tables from path, or returns Default when path is empty.
func Load(path string) (*Tables, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keywords: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes a YAML document and lowercases every term.
func Parse(b []byte) (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("keywords: parse: %w", err)
	}
	if len(t.Categories) == 0 {
		return nil, fmt.Errorf("keywords: no categories defined")
	}
	lower := cases.Lower(language.Polish)
	for i := range t.Qualifiers {
		t.Qualifiers[i] = strings.TrimSpace(lower.String(t.Qualifiers[i]))
	}
	for i := range t.Categories {
		c := &t.Categories[i]
		if c.Name == "" {
			return nil, fmt.Errorf("keywords: category #%d has no name", i)
		}
		for j := range c.Terms {
			c.Terms[j] = strings.TrimSpace(lower.String(c.Terms[j]))
		}
	}
	return &t, nil
}

// Classify returns the first category whose term prefixes one of the words
// of name. name should already be lowercased.
func (t *Tables) Classify(name string) (Rule, bool) {
	words := strings.Fields(name)
	for _, c := range t.Categories {
		for _, term := range c.Terms {
			if term == "" {
				continue
			}
			if strings.Contains(term, " ") {
				if strings.Contains(name, term) {
					return c, true
				}
				continue
			}
			for _, w := range words {
				if strings.HasPrefix(w, term) {
					return c, true
				}
			}
		}
	}
	return Rule{}, false
}

// Rule returns the category rule named name.
func (t *Tables) Rule(name string) (Rule, bool) {
	for _, c := range t.Categories {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Rule{}, false
}

// StripQualifiers removes leading retailer or brand qualifiers from a
// lowercased, space-collapsed name. Multi-word qualifiers are supported.
func (t *Tables) StripQualifiers(name string) string {
	for changed := true; changed; {
		changed = false
		for _, q := range t.Qualifiers {
			if q == "" {
				continue
			}
			if name == q {
				return name
			}
			if strings.HasPrefix(name, q+" ") {
				name = strings.TrimSpace(name[len(q)+1:])
				changed = true
			}
		}
	}
	return name
}
