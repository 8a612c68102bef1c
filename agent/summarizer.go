package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
	"github.com/hupe1980/geocomply/reasoner"
)

// SummarizerOptions configures a Summarizer.
type SummarizerOptions struct {
	Instruction Instruction
	Logger      logging.Logger
}

// Summarizer writes the final justification and closes the run.
type Summarizer struct {
	Base
}

// NewSummarizer creates the summarization processor.
func NewSummarizer(r reasoner.Reasoner, optFns ...func(o *SummarizerOptions)) *Summarizer {
	opts := SummarizerOptions{Instruction: NewInstructionFromText(summarizePrompt)}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Summarizer{
		Base: newBase("Summarizer", "Writes the final justification and projection",
			core.StageSummarized, false, r, opts.Instruction, opts.Logger),
	}
}

type summarizeInput struct {
	Name          string   `json:"name"`
	Decision      string   `json:"decision"`
	Confidence    float64  `json:"confidence"`
	Justification string   `json:"justification"`
	Conditions    []string `json:"conditions,omitempty"`
	Citations     []string `json:"citations,omitempty"`
	Clarification []string `json:"clarifications,omitempty"`
	HumanAction   string   `json:"human_action,omitempty"`
}

type summarizeOutput struct {
	Justification string `json:"justification"`
}

// Summarize produces the terminating delta. Decision, confidence and
// citations are left untouched.
func (s *Summarizer) Summarize(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	in := summarizeInput{
		Name:          env.Name(),
		Decision:      string(env.Decision),
		Confidence:    env.Confidence,
		Justification: env.Justification,
		Conditions:    env.Conditions,
		Citations:     env.Citations,
		Clarification: env.Clarifications,
		HumanAction:   string(env.Gate.Action),
	}

	var out summarizeOutput
	justification := ""
	if err := s.reason(ctx, "summarize", env, in, &out); err != nil {
		if ctx.Err() != nil {
			return core.Delta{}, ctx.Err()
		}
		s.logger.Warn("summary fell back to template", "feature_id", env.FeatureID, "error", err)
	} else {
		justification = strings.TrimSpace(out.Justification)
	}
	if justification == "" {
		justification = TemplateJustification(env)
	}

	return core.Delta{
		Stage:         core.StageSummarized,
		Justification: justification,
		Terminating:   true,
		Message:       "analysis complete",
	}, nil
}

// TemplateJustification renders a deterministic justification from the
// decision fields.
func TemplateJustification(env *core.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (confidence %.2f).", env.Name(), decisionPhrase(env.Decision), env.Confidence)
	if env.Justification != "" {
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(env.Justification))
		if !strings.HasSuffix(b.String(), ".") {
			b.WriteString(".")
		}
	}
	if len(env.Conditions) > 0 {
		fmt.Fprintf(&b, " Conditions: %s", strings.Join(env.Conditions, " "))
	}
	if len(env.Citations) > 0 {
		fmt.Fprintf(&b, " Evidence: %s.", strings.Join(env.Citations, ", "))
	}
	if env.Gate.Action != "" {
		fmt.Fprintf(&b, " Human review: %s.", env.Gate.Action)
	}
	return b.String()
}

func decisionPhrase(d core.Decision) string {
	switch d {
	case core.DecisionAutoApprove:
		return "no geo-specific compliance logic required"
	case core.DecisionApproveWithConditions:
		return "approved with conditions"
	case core.DecisionRequiresRegulation:
		return "geo-specific compliance logic required"
	default:
		return "insufficient information for a decision"
	}
}
