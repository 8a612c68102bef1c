package evidence

import (
	"cmp"
	"context"
	_ "embed"
	"fmt"
	"io"
	"iter"
	"os"
	"slices"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/geocomply/core"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// Document is one searchable catalog entry.
type Document struct {
	ID        string   `yaml:"id"`
	Kind      string   `yaml:"kind"` // kb or web
	Title     string   `yaml:"title"`
	Reference string   `yaml:"reference"`
	Content   string   `yaml:"content"`
	Tags      []string `yaml:"tags"`
}

type catalogFile struct {
	Documents []Document `yaml:"documents"`
}

// CatalogOptions configures a Catalog.
type CatalogOptions struct {
	// MaxResults caps the items returned per intent.
	MaxResults int
	// Now stamps RetrievedAt; overridable in tests.
	Now func() time.Time
}

// Catalog is an in-memory provider over knowledge base documents and curated
// web sources.
//
// Scoring per document: +3 for every query term found in the title, +2 for
// every query term found in the content and +1 for every soft tag the
// document carries. Documents scoring zero are skipped; ties keep catalog
// order.
type Catalog struct {
	docs []Document
	opts CatalogOptions
}

var _ core.EvidenceProvider = (*Catalog)(nil)

// NewCatalog builds a catalog over docs.
func NewCatalog(docs []Document, optFns ...func(o *CatalogOptions)) *Catalog {
	opts := CatalogOptions{
		MaxResults: 3,
		Now:        func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Catalog{docs: slices.Clone(docs), opts: opts}
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog(optFns ...func(o *CatalogOptions)) *Catalog {
	docs, err := ParseCatalog(strings.NewReader(string(defaultCatalog)))
	if err != nil {
		panic(fmt.Sprintf("evidence: invalid embedded catalog: %v", err))
	}
	return NewCatalog(docs, optFns...)
}

// LoadCatalogFile reads a YAML catalog from path.
func LoadCatalogFile(path string, optFns ...func(o *CatalogOptions)) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	docs, err := ParseCatalog(f)
	if err != nil {
		return nil, err
	}
	return NewCatalog(docs, optFns...), nil
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(r io.Reader) ([]Document, error) {
	var cf catalogFile
	if err := yaml.NewDecoder(r).Decode(&cf); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for i, d := range cf.Documents {
		if d.ID == "" || d.Content == "" {
			return nil, fmt.Errorf("catalog document %d: id and content are required", i)
		}
		if d.Reference == "" {
			cf.Documents[i].Reference = "kb://" + d.ID
		}
	}
	return cf.Documents, nil
}

// Documents returns a copy of the catalog entries.
func (c *Catalog) Documents() []Document { return slices.Clone(c.docs) }

// Hit is a scored catalog match.
type Hit struct {
	Document Document
	Score    int
	// Tag is the first soft tag the document matched.
	Tag string
}

// Retrieve implements core.EvidenceProvider.
func (c *Catalog) Retrieve(ctx context.Context, intent core.Intent) iter.Seq2[core.Evidence, error] {
	return func(yield func(core.Evidence, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(core.Evidence{}, err)
			return
		}
		hits := c.Search(intent.Query, intent.SoftTags)
		now := c.opts.Now()
		for _, h := range hits {
			ev := core.Evidence{
				SourceID:     h.Document.Kind + ":" + h.Document.ID,
				Excerpt:      h.Document.Content,
				Reference:    h.Document.Reference,
				RetrievedAt:  now,
				RelevanceTag: h.Tag,
				IntentID:     intent.ID,
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Search ranks documents for query and tags and returns at most MaxResults.
func (c *Catalog) Search(query string, tags []string) []Hit {
	terms := Terms(query)
	var hits []Hit
	for _, d := range c.docs {
		title := strings.ToLower(d.Title)
		content := strings.ToLower(d.Content)
		s := Hit{Document: d}
		for _, t := range terms {
			if strings.Contains(title, t) {
				s.Score += 3
			}
			if strings.Contains(content, t) {
				s.Score += 2
			}
		}
		for _, tag := range tags {
			if slices.Contains(d.Tags, tag) {
				s.Score++
				if s.Tag == "" {
					s.Tag = tag
				}
			}
		}
		if s.Score > 0 {
			hits = append(hits, s)
		}
	}
	slices.SortStableFunc(hits, func(a, b Hit) int { return cmp.Compare(b.Score, a.Score) })
	if c.opts.MaxResults > 0 && len(hits) > c.opts.MaxResults {
		hits = hits[:c.opts.MaxResults]
	}
	return hits
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {}, "this": {},
	"are": {}, "into": {}, "its": {}, "our": {}, "your": {}, "all": {}, "any": {},
}

// Terms splits a query into lowercase search terms, dropping stopwords and
// tokens shorter than three characters.
func Terms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}
