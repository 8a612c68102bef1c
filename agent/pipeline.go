package agent

import (
	"context"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/reasoner"
)

// StageProcessor computes the delta for one stage from a read-only envelope.
type StageProcessor interface {
	Processor
	Stage() core.Stage
	Process(ctx context.Context, env *core.Envelope) (core.Delta, error)
}

var (
	_ StageProcessor = (*PreScreener)(nil)
	_ StageProcessor = (*JargonNormalizer)(nil)
	_ StageProcessor = (*Planner)(nil)
	_ StageProcessor = (*RetrievalCoordinator)(nil)
	_ StageProcessor = (*Synthesizer)(nil)
	_ StageProcessor = (*Reviewer)(nil)
	_ StageProcessor = (*Summarizer)(nil)
)

// Process implements StageProcessor.
func (p *PreScreener) Process(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	s, err := p.Screen(ctx, env)
	if err != nil {
		return core.Delta{}, err
	}
	return p.Delta(s), nil
}

// Process implements StageProcessor.
func (n *JargonNormalizer) Process(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	return n.Normalize(ctx, env)
}

// Process implements StageProcessor.
func (p *Planner) Process(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	return p.Plan(ctx, env)
}

// Process implements StageProcessor.
func (rc *RetrievalCoordinator) Process(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	return rc.Retrieve(ctx, env)
}

// Process implements StageProcessor.
func (s *Synthesizer) Process(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	return s.Synthesize(ctx, env)
}

// Process implements StageProcessor.
func (rv *Reviewer) Process(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	v, err := rv.Review(ctx, env)
	if err != nil {
		return core.Delta{}, err
	}
	return rv.Delta(v), nil
}

// Process implements StageProcessor.
func (s *Summarizer) Process(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	return s.Summarize(ctx, env)
}

// PipelineOptions configures the processors built by NewPipeline.
type PipelineOptions struct {
	PreScreener []func(o *PreScreenerOptions)
	Normalizer  []func(o *JargonNormalizerOptions)
	Planner     []func(o *PlannerOptions)
	Retrieval   []func(o *RetrievalOptions)
	Synthesizer []func(o *SynthesizerOptions)
	Reviewer    []func(o *ReviewerOptions)
	Summarizer  []func(o *SummarizerOptions)
}

// Pipeline holds the seven stage processors in workflow order.
type Pipeline struct {
	PreScreener *PreScreener
	Normalizer  *JargonNormalizer
	Planner     *Planner
	Retrieval   *RetrievalCoordinator
	Synthesizer *Synthesizer
	Reviewer    *Reviewer
	Summarizer  *Summarizer
}

// NewPipeline builds all processors around one reasoner and one evidence
// provider.
func NewPipeline(r reasoner.Reasoner, provider core.EvidenceProvider, optFns ...func(o *PipelineOptions)) *Pipeline {
	var opts PipelineOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Pipeline{
		PreScreener: NewPreScreener(r, opts.PreScreener...),
		Normalizer:  NewJargonNormalizer(r, provider, opts.Normalizer...),
		Planner:     NewPlanner(r, opts.Planner...),
		Retrieval:   NewRetrievalCoordinator(provider, opts.Retrieval...),
		Synthesizer: NewSynthesizer(r, opts.Synthesizer...),
		Reviewer:    NewReviewer(r, opts.Reviewer...),
		Summarizer:  NewSummarizer(r, opts.Summarizer...),
	}
}

// Processors returns the processors in workflow order.
func (p *Pipeline) Processors() []StageProcessor {
	return []StageProcessor{
		p.PreScreener, p.Normalizer, p.Planner, p.Retrieval,
		p.Synthesizer, p.Reviewer, p.Summarizer,
	}
}

// Roster returns the status of every processor in workflow order.
func (p *Pipeline) Roster() []Status {
	procs := p.Processors()
	out := make([]Status, 0, len(procs))
	for _, proc := range procs {
		out = append(out, proc.Status())
	}
	return out
}
