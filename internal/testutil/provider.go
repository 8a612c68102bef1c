package testutil

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/hupe1980/geocomply/core"
)

// StaticProvider returns fixed evidence per intent query. Queries without an
// entry yield Default.
type StaticProvider struct {
	mu      sync.Mutex
	byQuery map[string][]core.Evidence
	errs    map[string]error
	delay   map[string]time.Duration
	Default []core.Evidence
	calls   int
}

var _ core.EvidenceProvider = (*StaticProvider)(nil)

// NewStaticProvider creates a provider that yields def for every query.
func NewStaticProvider(def ...core.Evidence) *StaticProvider {
	return &StaticProvider{
		byQuery: make(map[string][]core.Evidence),
		errs:    make(map[string]error),
		delay:   make(map[string]time.Duration),
		Default: def,
	}
}

// For sets the evidence for one query (chainable).
func (p *StaticProvider) For(query string, items ...core.Evidence) *StaticProvider {
	p.byQuery[query] = items
	return p
}

// Fail makes query yield one item and then err (chainable).
func (p *StaticProvider) Fail(query string, err error) *StaticProvider {
	p.errs[query] = err
	return p
}

// Hang makes query block for d, ignoring ctx (chainable).
func (p *StaticProvider) Hang(query string, d time.Duration) *StaticProvider {
	p.delay[query] = d
	return p
}

// Calls returns the number of Retrieve calls.
func (p *StaticProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Retrieve implements core.EvidenceProvider.
func (p *StaticProvider) Retrieve(_ context.Context, intent core.Intent) iter.Seq2[core.Evidence, error] {
	p.mu.Lock()
	p.calls++
	items, ok := p.byQuery[intent.Query]
	if !ok {
		items = p.Default
	}
	err := p.errs[intent.Query]
	d := p.delay[intent.Query]
	p.mu.Unlock()

	return func(yield func(core.Evidence, error) bool) {
		if d > 0 {
			time.Sleep(d)
		}
		for i, ev := range items {
			if err != nil && i == 1 {
				break
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err != nil {
			yield(core.Evidence{}, err)
		}
	}
}

// KB returns a knowledge-base evidence item.
func KB(docID, excerpt string) core.Evidence {
	return core.Evidence{SourceID: "kb:" + docID, Excerpt: excerpt, Reference: "kb://" + docID}
}
