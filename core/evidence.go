package core

import (
	"context"
	"iter"
	"slices"
	"strings"
	"time"
)

// Evidence is a retrieved fact with provenance.
type Evidence struct {
	// ID is assigned by the envelope on append ("ev-1", "ev-2", ...).
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	Excerpt      string    `json:"excerpt"`
	Reference    string    `json:"reference"`
	RetrievedAt  time.Time `json:"retrieved_at"`
	RelevanceTag string    `json:"relevance_tag,omitempty"`
	IntentID     string    `json:"intent_id,omitempty"`
}

// Trust scores the source of e by its reference: government and EU sources
// rank highest, internal documents next, then education, news and the open web.
func (e Evidence) Trust() float64 {
	ref := strings.ToLower(e.Reference)
	switch {
	case strings.Contains(ref, ".gov") || strings.Contains(ref, "europa.eu"):
		return 0.85
	case strings.HasPrefix(ref, "kb://") || strings.HasPrefix(ref, "doc://"):
		return 0.70
	case strings.Contains(ref, ".edu"):
		return 0.65
	case strings.Contains(ref, "news") || strings.Contains(ref, "reuters") || strings.Contains(ref, "bbc"):
		return 0.55
	default:
		return 0.45
	}
}

// Intent is a planner-issued retrieval request. SoftTags rank results and
// never filter them.
type Intent struct {
	ID       string   `json:"id"`
	Query    string   `json:"query"`
	SoftTags []string `json:"soft_tags,omitempty"`
	// Critical intents raise a blocking question when they return nothing.
	Critical bool `json:"critical,omitempty"`
	// Hits is the number of items the provider returned for the intent,
	// duplicates of earlier evidence included. Set by retrieval.
	Hits int `json:"hits,omitempty"`
}

// SameIntents reports whether a and b request the same retrievals,
// ignoring IDs, tag order and query case.
func SameIntents(a, b []Intent) bool {
	if len(a) != len(b) {
		return false
	}
	key := func(in Intent) string {
		tags := slices.Clone(in.SoftTags)
		slices.Sort(tags)
		return strings.ToLower(strings.TrimSpace(in.Query)) + "|" + strings.Join(tags, ",")
	}
	ak := make([]string, len(a))
	bk := make([]string, len(b))
	for i := range a {
		ak[i] = key(a[i])
		bk[i] = key(b[i])
	}
	slices.Sort(ak)
	slices.Sort(bk)
	return slices.Equal(ak, bk)
}

// EvidenceProvider retrieves evidence for an intent as a lazy, finite
// sequence. A non-nil error ends the sequence for that intent.
type EvidenceProvider interface {
	Retrieve(ctx context.Context, intent Intent) iter.Seq2[Evidence, error]
}
