package hitl

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/geocomply/core"
)

// Policy configures gate escalation.
type Policy struct {
	// Threshold is the confidence below which a decision escalates.
	Threshold float64
	// HighRiskTags escalate whenever present on the envelope.
	HighRiskTags []string
	// MaxReplans bounds request_changes cycles per feature.
	MaxReplans int
}

// DefaultPolicy returns τ=0.6, jurisdiction_ut as the only high-risk tag and
// two replans.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:    0.6,
		HighRiskTags: []string{"jurisdiction_ut"},
		MaxReplans:   2,
	}
}

// Signals carries the stage outcomes the envelope does not record.
type Signals struct {
	// Contradiction is set when the reviewer's score disagreed with its verdict.
	Contradiction bool
	// PrescreenEscalation is set when the pre-screen did not accept the feature.
	PrescreenEscalation bool
}

// Outcome is the result of evaluating the gate.
type Outcome struct {
	State   core.GateState    `json:"state"`
	Reasons []core.GateReason `json:"reasons,omitempty"`
}

// Escalated reports whether the envelope must wait for a human.
func (o Outcome) Escalated() bool { return o.State == core.GateAwaitingHuman }

// Evaluate applies the policy to env. The result is deterministic for a given
// envelope, policy and signals.
func Evaluate(env *core.Envelope, p Policy, s Signals) Outcome {
	var reasons []core.GateReason
	if s.PrescreenEscalation {
		reasons = append(reasons, core.ReasonPrescreen)
	}
	if env.Decision != core.DecisionNone && env.Confidence < p.Threshold {
		reasons = append(reasons, core.ReasonLowConfidence)
	}
	if env.HasBlockingQuestion() {
		reasons = append(reasons, core.ReasonBlockingQuestion)
	}
	for _, tag := range env.Tags {
		if slices.Contains(p.HighRiskTags, tag) {
			reasons = append(reasons, core.ReasonHighRiskTag)
			break
		}
	}
	if s.Contradiction {
		reasons = append(reasons, core.ReasonContradiction)
	}
	if len(reasons) > 0 {
		return Outcome{State: core.GateAwaitingHuman, Reasons: reasons}
	}
	return Outcome{State: core.GateAutoApproved}
}

// Delta converts the outcome into an envelope change. An escalation parks
// the envelope at awaiting_human; an auto-approval only records the gate.
func (o Outcome) Delta() core.Delta {
	d := core.Delta{Gate: &core.GateRecord{State: o.State, Reasons: o.Reasons}}
	if o.Escalated() {
		d.Stage = core.StageAwaitingHuman
		d.Message = "awaiting human review: " + joinReasons(o.Reasons)
		d.Payload = o
	}
	return d
}

// Transition reports whether the gate may move from one state to another.
func Transition(from, to core.GateState) error {
	ok := false
	switch from {
	case core.GateNone, core.GateResumed:
		ok = to == core.GateEvaluating || to == core.GateAutoApproved || to == core.GateAwaitingHuman
	case core.GateEvaluating:
		ok = to == core.GateAutoApproved || to == core.GateAwaitingHuman
	case core.GateAwaitingHuman:
		ok = to == core.GateResumed || to == core.GateAwaitingHuman
	}
	if !ok {
		return fmt.Errorf("%w: gate %q -> %q", core.ErrContract, from, to)
	}
	return nil
}

// Route is where a resumed run continues.
type Route int

const (
	// RouteSummarize continues with the summarizer.
	RouteSummarize Route = iota
	// RouteReplan re-enters the planner with the clarification.
	RouteReplan
)

func (r Route) String() string {
	if r == RouteReplan {
		return "replan"
	}
	return "summarize"
}

// Apply applies a human decision to a parked envelope and returns where the
// run continues. approve and reject override the decision with confidence
// 1.0; request_changes prepares a replan unless the budget is spent, in
// which case insufficient_info is forced.
func Apply(env *core.Envelope, h core.HumanDecision, p Policy) (Route, error) {
	if err := h.Validate(); err != nil {
		return RouteSummarize, err
	}
	h.Action, _ = core.ParseHumanAction(string(h.Action))
	if env.Stage != core.StageAwaitingHuman {
		return RouteSummarize, core.ErrNotAwaitingHuman
	}
	if err := Transition(env.Gate.State, core.GateResumed); err != nil {
		return RouteSummarize, err
	}

	switch h.Action {
	case core.ActionApprove, core.ActionReject:
		return RouteSummarize, env.OverrideDecision(overrideRecord(env, h), h)
	default:
		if env.Replans >= p.MaxReplans {
			rec := core.DecisionRecord{
				Decision:      core.DecisionInsufficientInfo,
				Confidence:    env.Confidence,
				Justification: "Replan budget exhausted: " + h.Reason,
				Citations:     env.Citations,
			}
			return RouteSummarize, env.OverrideDecision(rec, h)
		}
		return RouteReplan, env.BeginReplan(h)
	}
}

func overrideRecord(env *core.Envelope, h core.HumanDecision) core.DecisionRecord {
	d := h.Decision
	if d == core.DecisionNone {
		switch {
		case h.Action == core.ActionReject:
			d = core.DecisionRequiresRegulation
		case env.Decision.Substantive():
			d = env.Decision
		default:
			d = core.DecisionAutoApprove
		}
	}
	rec := core.DecisionRecord{
		Decision:      d,
		Confidence:    1.0,
		Justification: fmt.Sprintf("Human %s: %s", pastTense(h.Action), h.Reason),
		Citations:     env.Citations,
	}
	if d == env.Decision {
		rec.Conditions = env.Conditions
	}
	if d == core.DecisionApproveWithConditions && len(rec.Conditions) == 0 {
		rec.Conditions = []string{h.Reason}
	}
	return rec
}

// NewReviewRecord builds the audit entry for h.
func NewReviewRecord(h core.HumanDecision, decided core.Decision) core.ReviewRecord {
	return core.ReviewRecord{
		ID:        uuid.NewString(),
		FeatureID: h.FeatureID,
		Action:    h.Action,
		Reason:    h.Reason,
		Reviewer:  h.Reviewer,
		Decision:  decided,
		CreatedAt: time.Now().UTC(),
	}
}

func pastTense(a core.HumanAction) string {
	switch a {
	case core.ActionApprove:
		return "approved"
	case core.ActionReject:
		return "rejected"
	default:
		return "requested changes"
	}
}

func joinReasons(rs []core.GateReason) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}
