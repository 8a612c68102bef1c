package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
	"github.com/hupe1980/geocomply/reasoner"
)

// JargonNormalizerOptions configures a JargonNormalizer.
type JargonNormalizerOptions struct {
	Instruction Instruction
	Glossary    *Glossary
	// MaxLookups bounds evidence lookups for unknown terms per run.
	MaxLookups int
	// LookupTimeout bounds each evidence lookup.
	LookupTimeout time.Duration
	Logger        logging.Logger
}

// JargonNormalizer expands internal acronyms and codenames into plain
// language. Unknown all-caps terms are looked up through the evidence
// provider and expanded by the reasoner; terms that stay unresolved pass
// through verbatim and are reported.
type JargonNormalizer struct {
	Base
	glossary      *Glossary
	provider      core.EvidenceProvider
	maxLookups    int
	lookupTimeout time.Duration
}

// NewJargonNormalizer creates the normalization processor. provider may be nil,
// in which case unknown terms are never looked up.
func NewJargonNormalizer(r reasoner.Reasoner, provider core.EvidenceProvider, optFns ...func(o *JargonNormalizerOptions)) *JargonNormalizer {
	opts := JargonNormalizerOptions{
		Instruction:   NewInstructionFromText(jargonPrompt),
		MaxLookups:    3,
		LookupTimeout: 5 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Glossary == nil {
		opts.Glossary = DefaultGlossary()
	}
	return &JargonNormalizer{
		Base: newBase("JargonNormalizer", "Expands internal acronyms and codenames into standardized feature text",
			core.StageNormalized, false, r, opts.Instruction, opts.Logger),
		glossary:      opts.Glossary,
		provider:      provider,
		maxLookups:    opts.MaxLookups,
		lookupTimeout: opts.LookupTimeout,
	}
}

// Glossary returns the glossary in use.
func (n *JargonNormalizer) Glossary() *Glossary { return n.glossary }

// UnresolvedTerm is a term passed through verbatim.
type UnresolvedTerm struct {
	Term   string `json:"term"`
	Reason string `json:"reason"`
}

// NormalizationReport is the payload of the normalized stage record.
type NormalizationReport struct {
	Detected   []Term           `json:"detected"`
	Resolved   []Term           `json:"resolved,omitempty"`
	Unresolved []UnresolvedTerm `json:"unresolved,omitempty"`
}

type jargonInput struct {
	Terms []jargonLookup `json:"terms"`
}

type jargonLookup struct {
	Term     string   `json:"term"`
	Excerpts []string `json:"excerpts"`
}

type jargonOutput struct {
	Expansions []struct {
		Term      string `json:"term"`
		Expansion string `json:"expansion"`
	} `json:"expansions"`
}

// Normalize standardizes the original name and description. It only fails
// when ctx is done.
func (n *JargonNormalizer) Normalize(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	name, desc := env.OriginalName, env.OriginalDescription
	text := name + "\n" + desc

	report := NormalizationReport{Detected: n.glossary.Detect(text)}
	var tags []string
	for _, t := range report.Detected {
		tags = append(tags, t.Tags...)
	}

	extra, unresolved, err := n.resolveUnknown(ctx, env, n.glossary.Acronyms(text))
	if err != nil {
		return core.Delta{}, err
	}
	for term, exp := range extra {
		report.Resolved = append(report.Resolved, Term{Term: term, Expansion: exp})
	}
	slices.SortFunc(report.Resolved, func(a, b Term) int { return strings.Compare(a.Term, b.Term) })
	report.Unresolved = unresolved

	d := core.Delta{
		Stage:                   core.StageNormalized,
		StandardizedName:        n.glossary.Expand(name, extra),
		StandardizedDescription: n.glossary.Expand(desc, extra),
		Tags:                    tags,
		Message:                 fmt.Sprintf("expanded %d terms", len(report.Detected)+len(report.Resolved)),
		Payload:                 report,
	}
	if len(unresolved) > 0 {
		d.Notices = append(d.Notices, core.Notice{
			Kind:    core.NoticeUnresolved,
			Message: fmt.Sprintf("%d terms passed through verbatim", len(unresolved)),
			Payload: unresolved,
		})
	}
	return d, nil
}

func (n *JargonNormalizer) resolveUnknown(ctx context.Context, env *core.Envelope, unknown []string) (map[string]string, []UnresolvedTerm, error) {
	if len(unknown) == 0 {
		return nil, nil, nil
	}
	var (
		unresolved []UnresolvedTerm
		lookups    []jargonLookup
		limiter    = core.NewCallLimiter(n.maxLookups)
	)
	for _, term := range unknown {
		if n.provider == nil {
			unresolved = append(unresolved, UnresolvedTerm{Term: term, Reason: "no evidence provider"})
			continue
		}
		if !limiter.Acquire() {
			unresolved = append(unresolved, UnresolvedTerm{Term: term, Reason: "lookup budget exhausted"})
			continue
		}
		excerpts, err := n.lookup(ctx, term)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			n.logger.Warn("jargon lookup failed", "term", term, "error", err)
			unresolved = append(unresolved, UnresolvedTerm{Term: term, Reason: "lookup failed"})
			continue
		}
		if len(excerpts) == 0 {
			unresolved = append(unresolved, UnresolvedTerm{Term: term, Reason: "no evidence found"})
			continue
		}
		lookups = append(lookups, jargonLookup{Term: term, Excerpts: excerpts})
	}
	if len(lookups) == 0 {
		return nil, unresolved, nil
	}

	var out jargonOutput
	if err := n.reason(ctx, "jargon", env, jargonInput{Terms: lookups}, &out); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		for _, l := range lookups {
			unresolved = append(unresolved, UnresolvedTerm{Term: l.Term, Reason: "expansion unavailable"})
		}
		return nil, unresolved, nil
	}

	proposed := make(map[string]string, len(out.Expansions))
	for _, e := range out.Expansions {
		proposed[strings.ToUpper(strings.TrimSpace(e.Term))] = strings.TrimSpace(e.Expansion)
	}
	extra := make(map[string]string)
	for _, l := range lookups {
		exp, ok := proposed[l.Term]
		switch {
		case !ok || exp == "":
			unresolved = append(unresolved, UnresolvedTerm{Term: l.Term, Reason: "no expansion proposed"})
		case hasAcronym(exp):
			unresolved = append(unresolved, UnresolvedTerm{Term: l.Term, Reason: "expansion contains acronyms"})
		default:
			extra[l.Term] = exp
		}
	}
	return extra, unresolved, nil
}

func (n *JargonNormalizer) lookup(ctx context.Context, term string) ([]string, error) {
	lctx, cancel := context.WithTimeout(ctx, n.lookupTimeout)
	defer cancel()
	var excerpts []string
	for ev, err := range n.provider.Retrieve(lctx, core.Intent{ID: "jargon-" + strings.ToLower(term), Query: term}) {
		if err != nil {
			return nil, err
		}
		excerpts = append(excerpts, ev.Excerpt)
		if len(excerpts) == 3 {
			break
		}
	}
	return excerpts, nil
}
