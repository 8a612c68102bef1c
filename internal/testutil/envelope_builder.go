package testutil

import (
	"strconv"
	"time"

	"github.com/hupe1980/geocomply/core"
)

// EnvelopeBuilder helps construct envelopes in arbitrary workflow positions
// for tests. Fields are set directly; Apply is not involved.
// Example:
//
//	env := NewEnvelopeBuilder("Curfew login", "Blocks login for minors").
//		Stage(core.StageSynthesized).KB("utah_curfew", "Utah curfew text").Build()
type EnvelopeBuilder struct {
	env *core.Envelope
}

// NewEnvelopeBuilder creates a builder for a received envelope.
func NewEnvelopeBuilder(name, description string) *EnvelopeBuilder {
	return &EnvelopeBuilder{env: core.NewEnvelope(core.FeatureInput{Name: name, Description: description})}
}

// ID overrides the generated feature id (chainable).
func (b *EnvelopeBuilder) ID(id string) *EnvelopeBuilder { b.env.FeatureID = id; return b }

// Stage sets the workflow stage (chainable).
func (b *EnvelopeBuilder) Stage(s core.Stage) *EnvelopeBuilder { b.env.Stage = s; return b }

// Pass sets the pass counter (chainable).
func (b *EnvelopeBuilder) Pass(p int) *EnvelopeBuilder { b.env.Pass = p; return b }

// Standardized sets the normalized name and description (chainable).
func (b *EnvelopeBuilder) Standardized(name, description string) *EnvelopeBuilder {
	b.env.StandardizedName = name
	b.env.StandardizedDescription = description
	return b
}

// Evidence appends evidence, assigning ev-<n> ids where missing (chainable).
func (b *EnvelopeBuilder) Evidence(items ...core.Evidence) *EnvelopeBuilder {
	for _, ev := range items {
		if ev.ID == "" {
			ev.ID = "ev-" + strconv.Itoa(len(b.env.Evidence)+1)
		}
		if ev.RetrievedAt.IsZero() {
			ev.RetrievedAt = time.Now().UTC()
		}
		b.env.Evidence = append(b.env.Evidence, ev)
	}
	return b
}

// KB appends a knowledge-base evidence item (chainable).
func (b *EnvelopeBuilder) KB(docID, excerpt string) *EnvelopeBuilder {
	return b.Evidence(core.Evidence{SourceID: "kb:" + docID, Excerpt: excerpt, Reference: "kb://" + docID})
}

// Intents replaces the retrieval plan (chainable).
func (b *EnvelopeBuilder) Intents(intents ...core.Intent) *EnvelopeBuilder {
	b.env.Intents = intents
	return b
}

// Findings appends findings stamped with the current pass (chainable).
func (b *EnvelopeBuilder) Findings(findings ...core.Finding) *EnvelopeBuilder {
	for _, f := range findings {
		if f.Pass == 0 {
			f.Pass = b.env.Pass
		}
		b.env.Findings = append(b.env.Findings, f)
	}
	return b
}

// Questions appends open questions stamped with the current pass (chainable).
func (b *EnvelopeBuilder) Questions(qs ...core.Question) *EnvelopeBuilder {
	for _, q := range qs {
		if q.Pass == 0 {
			q.Pass = b.env.Pass
		}
		b.env.OpenQuestions = append(b.env.OpenQuestions, q)
	}
	return b
}

// Tags sets the semantic tags (chainable).
func (b *EnvelopeBuilder) Tags(tags ...string) *EnvelopeBuilder { b.env.Tags = tags; return b }

// Decision sets the decision fields (chainable).
func (b *EnvelopeBuilder) Decision(rec core.DecisionRecord) *EnvelopeBuilder {
	b.env.Decision = rec.Decision
	b.env.Confidence = rec.Confidence
	b.env.Justification = rec.Justification
	b.env.Conditions = rec.Conditions
	b.env.Citations = rec.Citations
	return b
}

// Gate sets the gate record (chainable).
func (b *EnvelopeBuilder) Gate(g core.GateRecord) *EnvelopeBuilder { b.env.Gate = g; return b }

// Clarifications appends human clarifications (chainable).
func (b *EnvelopeBuilder) Clarifications(cs ...string) *EnvelopeBuilder {
	b.env.Clarifications = append(b.env.Clarifications, cs...)
	return b
}

// Build returns the envelope.
func (b *EnvelopeBuilder) Build() *core.Envelope { return b.env }
