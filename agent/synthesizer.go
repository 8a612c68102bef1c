package agent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
	"github.com/hupe1980/geocomply/reasoner"
)

// SynthesizerOptions configures a Synthesizer.
type SynthesizerOptions struct {
	Instruction Instruction
	// MaxExcerpt truncates evidence excerpts sent to the reasoner.
	MaxExcerpt int
	Logger     logging.Logger
}

// Synthesizer turns evidence into findings and open questions. It never sets
// a decision.
type Synthesizer struct {
	Base
	maxExcerpt int
}

// NewSynthesizer creates the synthesis processor.
func NewSynthesizer(r reasoner.Reasoner, optFns ...func(o *SynthesizerOptions)) *Synthesizer {
	opts := SynthesizerOptions{
		Instruction: NewInstructionFromText(synthesizePrompt),
		MaxExcerpt:  600,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Synthesizer{
		Base: newBase("Synthesizer", "Synthesizes cited findings and open questions from evidence",
			core.StageSynthesized, false, r, opts.Instruction, opts.Logger),
		maxExcerpt: opts.MaxExcerpt,
	}
}

type evidenceView struct {
	ID        string  `json:"id"`
	Source    string  `json:"source"`
	Excerpt   string  `json:"excerpt"`
	Reference string  `json:"reference"`
	Trust     float64 `json:"trust"`
}

type synthesizeInput struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Tags           []string       `json:"tags,omitempty"`
	Clarifications []string       `json:"clarifications,omitempty"`
	Evidence       []evidenceView `json:"evidence"`
}

type synthesizeOutput struct {
	Findings []struct {
		Statement             string   `json:"statement"`
		SupportingEvidenceIDs []string `json:"supporting_evidence_ids"`
		RiskLevel             string   `json:"risk_level" enum:"low,medium,high"`
		Stance                string   `json:"stance" enum:"supports,refutes,uncertain"`
	} `json:"findings"`
	OpenQuestions []struct {
		Text     string `json:"text"`
		Blocking bool   `json:"blocking"`
		Category string `json:"category,omitempty" enum:"policy,data,eng,product"`
	} `json:"open_questions"`
	Tags []string `json:"tags,omitempty"`
}

// Synthesize produces the findings of the current pass. Reasoner failures
// degrade to a blocking question; only a done ctx is returned as an error.
func (s *Synthesizer) Synthesize(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	d := core.Delta{Stage: core.StageSynthesized}
	questions := s.missingEvidenceQuestions(env)

	var out synthesizeOutput
	err := s.reason(ctx, "synthesize", env, s.input(env), &out)
	if err != nil {
		if ctx.Err() != nil {
			return core.Delta{}, ctx.Err()
		}
		s.logger.Warn("synthesis unavailable", "feature_id", env.FeatureID, "error", err)
		reason := "reasoner unavailable"
		if errors.Is(err, reasoner.ErrMalformedOutput) {
			reason = "reasoner output was malformed"
		}
		d.Questions = append(questions, core.Question{
			Text:     "Synthesis unavailable (" + reason + "); the evidence needs manual assessment.",
			Blocking: true,
			Category: "policy",
		})
		d.Message = "synthesis unavailable"
		d.Payload = map[string]any{"findings": 0, "open_questions": len(d.Questions)}
		return d, nil
	}

	ids := env.EvidenceIDs()
	var stripped int
	for _, f := range out.Findings {
		stmt := strings.TrimSpace(f.Statement)
		if stmt == "" {
			continue
		}
		var cites []string
		for _, id := range f.SupportingEvidenceIDs {
			if _, ok := ids[id]; ok && !slices.Contains(cites, id) {
				cites = append(cites, id)
			}
		}
		if len(cites) == 0 {
			questions = append(questions, core.Question{
				Text:     "Unsupported claim needs evidence: " + stmt,
				Category: "data",
			})
			continue
		}
		if len(cites) < len(f.SupportingEvidenceIDs) {
			stripped += len(f.SupportingEvidenceIDs) - len(cites)
		}
		d.Findings = append(d.Findings, core.Finding{
			Statement:             stmt,
			SupportingEvidenceIDs: cites,
			RiskLevel:             core.RiskLevel(f.RiskLevel),
			Stance:                core.Stance(f.Stance),
		})
	}
	for _, q := range out.OpenQuestions {
		text := strings.TrimSpace(q.Text)
		if text == "" {
			continue
		}
		questions = append(questions, core.Question{Text: text, Blocking: q.Blocking, Category: q.Category})
	}
	if conflictingHighRisk(d.Findings) {
		questions = append(questions, core.Question{
			Text:     "High-risk findings disagree on whether a regulation applies.",
			Blocking: true,
			Category: "policy",
		})
	}
	d.Questions = questions
	d.Tags = MergeTags(out.Tags)
	if stripped > 0 {
		d.Notices = append(d.Notices, core.Notice{
			Kind:    core.NoticeDataQuality,
			Message: fmt.Sprintf("removed %d unresolved citations from findings", stripped),
		})
	}
	d.Message = fmt.Sprintf("synthesized %d findings and %d questions", len(d.Findings), len(d.Questions))
	d.Payload = map[string]any{"findings": len(d.Findings), "open_questions": len(d.Questions)}
	return d, nil
}

func (s *Synthesizer) input(env *core.Envelope) synthesizeInput {
	in := synthesizeInput{
		Name:           env.Name(),
		Description:    env.Description(),
		Tags:           env.Tags,
		Clarifications: env.Clarifications,
		Evidence:       make([]evidenceView, 0, len(env.Evidence)),
	}
	for _, ev := range env.Evidence {
		excerpt := ev.Excerpt
		if s.maxExcerpt > 0 && len(excerpt) > s.maxExcerpt {
			excerpt = excerpt[:s.maxExcerpt] + "..."
		}
		in.Evidence = append(in.Evidence, evidenceView{
			ID:        ev.ID,
			Source:    ev.SourceID,
			Excerpt:   excerpt,
			Reference: ev.Reference,
			Trust:     ev.Trust(),
		})
	}
	return in
}

// missingEvidenceQuestions raises a blocking question for every critical
// intent that produced no evidence in this pass.
func (s *Synthesizer) missingEvidenceQuestions(env *core.Envelope) []core.Question {
	found := make(map[string]bool)
	for _, ev := range env.Evidence {
		found[ev.IntentID] = true
	}
	var qs []core.Question
	for _, in := range env.Intents {
		if in.Critical && in.Hits == 0 && !found[in.ID] {
			qs = append(qs, core.Question{
				Text:     fmt.Sprintf("No evidence found for critical query %q.", in.Query),
				Blocking: true,
				Category: "data",
			})
		}
	}
	return qs
}

func conflictingHighRisk(findings []core.Finding) bool {
	var supports, refutes bool
	for _, f := range findings {
		if f.RiskLevel != core.RiskHigh {
			continue
		}
		switch f.Stance {
		case core.StanceSupports:
			supports = true
		case core.StanceRefutes:
			refutes = true
		}
	}
	return supports && refutes
}
