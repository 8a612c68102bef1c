package agent

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed glossary.yaml
var defaultGlossary []byte

// Term is one glossary entry.
type Term struct {
	Term      string   `yaml:"term" json:"term"`
	Expansion string   `yaml:"expansion" json:"expansion"`
	Tags      []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Glossary maps internal jargon to plain-language expansions and semantic
// tags. Lookups are case-insensitive. In free text a term matches when it is
// written in capitals ("GH", "SHADOWMODE") or, for terms longer than three
// letters, capitalized ("ShadowMode", "Jellybean"); plain lowercase words
// such as "us" or "glow" never match.
type Glossary struct {
	terms map[string]Term
	re    *regexp.Regexp
}

// DefaultGlossary returns the built-in glossary.
func DefaultGlossary() *Glossary {
	g, err := ParseGlossary(strings.NewReader(string(defaultGlossary)))
	if err != nil {
		panic(fmt.Sprintf("agent: invalid embedded glossary: %v", err))
	}
	return g
}

// ParseGlossary decodes a YAML glossary.
func ParseGlossary(r io.Reader) (*Glossary, error) {
	var doc struct {
		Terms []Term `yaml:"terms"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode glossary: %w", err)
	}
	return NewGlossary(doc.Terms...)
}

// LoadGlossaryFile reads a YAML glossary from path and layers it over the
// built-in one.
func LoadGlossaryFile(path string) (*Glossary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open glossary: %w", err)
	}
	defer f.Close()
	extra, err := ParseGlossary(f)
	if err != nil {
		return nil, err
	}
	return DefaultGlossary().Merge(extra.Terms()...)
}

// NewGlossary builds a glossary from terms. Later entries win.
func NewGlossary(terms ...Term) (*Glossary, error) {
	g := &Glossary{terms: make(map[string]Term, len(terms))}
	for _, t := range terms {
		key := strings.ToUpper(strings.TrimSpace(t.Term))
		if key == "" || strings.TrimSpace(t.Expansion) == "" {
			return nil, fmt.Errorf("glossary term %q: term and expansion are required", t.Term)
		}
		t.Term = key
		g.terms[key] = t
	}
	g.compile()
	return g, nil
}

// Merge returns a new glossary with terms layered over g.
func (g *Glossary) Merge(terms ...Term) (*Glossary, error) {
	return NewGlossary(append(g.Terms(), terms...)...)
}

func (g *Glossary) compile() {
	if len(g.terms) == 0 {
		g.re = nil
		return
	}
	keys := make([]string, 0, len(g.terms))
	for k := range g.terms {
		keys = append(keys, regexp.QuoteMeta(k))
	}
	// Longest first so USA wins over US.
	slices.SortFunc(keys, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	g.re = regexp.MustCompile(`(?i)\b(` + strings.Join(keys, "|") + `)\b`)
}

// Terms returns all entries sorted by term.
func (g *Glossary) Terms() []Term {
	out := make([]Term, 0, len(g.terms))
	for _, t := range g.terms {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b Term) int { return strings.Compare(a.Term, b.Term) })
	return out
}

// Lookup finds a term case-insensitively.
func (g *Glossary) Lookup(term string) (Term, bool) {
	t, ok := g.terms[strings.ToUpper(term)]
	return t, ok
}

// Detect returns the glossary terms present in text, in order of first
// appearance.
func (g *Glossary) Detect(text string) []Term {
	if g.re == nil {
		return nil
	}
	var out []Term
	seen := map[string]bool{}
	for _, m := range g.re.FindAllString(text, -1) {
		if !termCased(m) {
			continue
		}
		key := strings.ToUpper(m)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, g.terms[key])
	}
	return out
}

// Expand replaces every glossary term in text with its expansion, plus any
// extra expansions keyed by upper-case term.
func (g *Glossary) Expand(text string, extra map[string]string) string {
	out := text
	if g.re != nil {
		out = g.re.ReplaceAllStringFunc(out, func(m string) string {
			if !termCased(m) {
				return m
			}
			return g.terms[strings.ToUpper(m)].Expansion
		})
	}
	for term, exp := range extra {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(term) + `\b`)
		out = re.ReplaceAllLiteralString(out, exp)
	}
	return out
}

func termCased(m string) bool {
	if m == strings.ToUpper(m) {
		return true
	}
	return len(m) > 3 && unicode.IsUpper([]rune(m)[0])
}

var acronymPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]{1,9}\b`)

// notJargon lists capitalized tokens that are ordinary text.
var notJargon = map[string]bool{"AM": true, "PM": true, "OK": true, "ID": true}

// Acronyms returns the distinct all-caps tokens in text that the glossary
// does not know.
func (g *Glossary) Acronyms(text string) []string {
	var out []string
	for _, m := range acronymPattern.FindAllString(text, -1) {
		if _, known := g.terms[m]; known || notJargon[m] || slices.Contains(out, m) {
			continue
		}
		if strings.IndexFunc(m, func(r rune) bool { return r >= 'A' && r <= 'Z' }) < 0 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// hasAcronym reports whether text contains an all-caps token.
func hasAcronym(text string) bool {
	return acronymPattern.MatchString(text)
}
