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

// Rule names a deterministic review rule.
type Rule string

const (
	// RuleBlockingQuestion fires when an unresolved blocking question exists.
	RuleBlockingQuestion Rule = "blocking_question"
	// RuleNoEvidence fires when the envelope holds no evidence at all.
	RuleNoEvidence Rule = "no_evidence"
	// RuleReasonerUnavailable fires when the review call failed without
	// exhausting its deadline.
	RuleReasonerUnavailable Rule = "reasoner_unavailable"
)

// Verdict is the closed set of review outcomes: RuleFired or Judged.
type Verdict interface {
	Record() core.DecisionRecord
	verdict()
}

// RuleFired is a verdict reached by a deterministic rule without a
// judgment call.
type RuleFired struct {
	Rule     Rule                `json:"rule"`
	Decision core.DecisionRecord `json:"decision"`
}

// Judged is a verdict reached by the reasoner and blended with the
// evidence score.
type Judged struct {
	Decision core.DecisionRecord `json:"decision"`
	Score    Score               `json:"score"`
	// Contradiction is set when a decisive score disagrees with the reasoner.
	Contradiction bool `json:"contradiction"`
	// Stripped lists citations that did not resolve to evidence.
	Stripped []string `json:"stripped,omitempty"`
}

func (v RuleFired) Record() core.DecisionRecord { return v.Decision }
func (v Judged) Record() core.DecisionRecord    { return v.Decision }

func (RuleFired) verdict() {}
func (Judged) verdict()    {}

// Contradicted reports whether v is a Judged verdict with a contradiction.
func Contradicted(v Verdict) bool {
	j, ok := v.(Judged)
	return ok && j.Contradiction
}

// ReviewerOptions configures a Reviewer.
type ReviewerOptions struct {
	Instruction Instruction
	Logger      logging.Logger
}

// Reviewer proposes the compliance decision.
type Reviewer struct {
	Base
}

// NewReviewer creates the review processor.
func NewReviewer(r reasoner.Reasoner, optFns ...func(o *ReviewerOptions)) *Reviewer {
	opts := ReviewerOptions{Instruction: NewInstructionFromText(reviewPrompt)}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Reviewer{
		Base: newBase("Reviewer", "Proposes a cited compliance decision with calibrated confidence",
			core.StageReviewed, true, r, opts.Instruction, opts.Logger),
	}
}

type reviewFinding struct {
	Statement string   `json:"statement"`
	Evidence  []string `json:"evidence_ids"`
	Risk      string   `json:"risk_level"`
	Stance    string   `json:"stance,omitempty"`
}

type reviewInput struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Tags          []string        `json:"tags,omitempty"`
	Findings      []reviewFinding `json:"findings"`
	OpenQuestions []string        `json:"open_questions,omitempty"`
	Evidence      []evidenceView  `json:"evidence"`
}

type reviewOutput struct {
	Decision      string   `json:"decision" enum:"auto_approve,approve_with_conditions,requires_regulation,insufficient_info"`
	Confidence    float64  `json:"confidence"`
	Justification string   `json:"justification"`
	Conditions    []string `json:"conditions,omitempty"`
	Citations     []string `json:"citations,omitempty"`
}

// Review decides the current pass. Rules run first and short-circuit the
// reasoner. A critical timeout or a done ctx is returned as an error.
func (rv *Reviewer) Review(ctx context.Context, env *core.Envelope) (Verdict, error) {
	findings := env.CurrentFindings()

	switch {
	case env.HasBlockingQuestion():
		return RuleFired{Rule: RuleBlockingQuestion, Decision: core.DecisionRecord{
			Decision:      core.DecisionInsufficientInfo,
			Confidence:    0.3,
			Justification: "An unresolved blocking question prevents a decision: " + firstBlocking(env),
			Citations:     fallbackCitations(findings),
		}}, nil
	case len(env.Evidence) == 0:
		return RuleFired{Rule: RuleNoEvidence, Decision: core.DecisionRecord{
			Decision:      core.DecisionInsufficientInfo,
			Confidence:    0.3,
			Justification: "No evidence was retrieved for this feature.",
		}}, nil
	}

	var out reviewOutput
	if err := rv.reason(ctx, "review", env, rv.input(env, findings), &out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, core.ErrCriticalTimeout) {
			return nil, err
		}
		rv.logger.Warn("review failed closed", "feature_id", env.FeatureID, "error", err)
		return RuleFired{Rule: RuleReasonerUnavailable, Decision: core.DecisionRecord{
			Decision:      core.DecisionInsufficientInfo,
			Justification: fmt.Sprintf("Review unavailable: %v", err),
			Citations:     fallbackCitations(findings),
		}}, nil
	}

	decision, err := core.ParseDecision(out.Decision)
	if err != nil {
		decision = core.DecisionInsufficientInfo
	}

	ids := env.EvidenceIDs()
	var citations, stripped []string
	for _, c := range out.Citations {
		if _, ok := ids[c]; !ok {
			stripped = append(stripped, c)
			continue
		}
		if !slices.Contains(citations, c) {
			citations = append(citations, c)
		}
	}
	if len(citations) == 0 {
		citations = fallbackCitations(findings)
	}

	score := ScoreFindings(env, findings)
	rec := core.DecisionRecord{
		Decision:      decision,
		Confidence:    blendConfidence(out.Confidence, score, decision),
		Justification: strings.TrimSpace(out.Justification),
		Citations:     citations,
	}
	switch decision {
	case core.DecisionApproveWithConditions:
		rec.Conditions = deriveConditions(out.Conditions, env.OpenQuestions)
		if len(rec.Conditions) == 0 {
			rec.Conditions = []string{defaultCondition}
		}
	case core.DecisionRequiresRegulation:
		rec.Conditions = deriveConditions(out.Conditions, nil)
	case core.DecisionInsufficientInfo:
		rec.Confidence = min(rec.Confidence, clamp01(out.Confidence))
	}
	if rec.Justification == "" {
		rec.Justification = fmt.Sprintf("Reviewer decided %s based on %d findings.", decision, len(findings))
	}

	return Judged{
		Decision:      rec,
		Score:         score,
		Contradiction: score.Decisive() && !score.Agrees(decision),
		Stripped:      stripped,
	}, nil
}

// Delta converts a verdict into the reviewed stage delta.
func (rv *Reviewer) Delta(v Verdict) core.Delta {
	rec := v.Record()
	d := core.Delta{
		Stage:    core.StageReviewed,
		Decision: &rec,
		Message:  fmt.Sprintf("decision %s (confidence %.2f)", rec.Decision, rec.Confidence),
	}
	switch v := v.(type) {
	case RuleFired:
		d.Payload = map[string]any{"rule": v.Rule, "decision": rec}
	case Judged:
		d.Payload = map[string]any{"decision": rec, "score": v.Score, "contradiction": v.Contradiction}
		if len(v.Stripped) > 0 {
			d.Notices = append(d.Notices, core.Notice{
				Kind:    core.NoticeDataQuality,
				Message: fmt.Sprintf("removed %d citations that do not resolve to evidence", len(v.Stripped)),
				Payload: map[string]any{"stripped": v.Stripped},
			})
		}
	}
	return d
}

func (rv *Reviewer) input(env *core.Envelope, findings []core.Finding) reviewInput {
	in := reviewInput{
		Name:        env.Name(),
		Description: env.Description(),
		Tags:        env.Tags,
		Findings:    make([]reviewFinding, 0, len(findings)),
		Evidence:    make([]evidenceView, 0, len(env.Evidence)),
	}
	for _, f := range findings {
		in.Findings = append(in.Findings, reviewFinding{
			Statement: f.Statement,
			Evidence:  f.SupportingEvidenceIDs,
			Risk:      string(f.RiskLevel),
			Stance:    string(f.Stance),
		})
	}
	for _, q := range env.OpenQuestions {
		if !q.Resolved {
			in.OpenQuestions = append(in.OpenQuestions, q.Text)
		}
	}
	for _, ev := range env.Evidence {
		in.Evidence = append(in.Evidence, evidenceView{
			ID: ev.ID, Source: ev.SourceID, Excerpt: ev.Excerpt, Reference: ev.Reference, Trust: ev.Trust(),
		})
	}
	return in
}

func firstBlocking(env *core.Envelope) string {
	for _, q := range env.OpenQuestions {
		if q.Blocking && !q.Resolved {
			return q.Text
		}
	}
	return ""
}
