package hitl

import (
	"testing"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reviewed(conf float64, tags ...string) *testutil.EnvelopeBuilder {
	return testutil.NewEnvelopeBuilder("Curfew login blocker", "Blocks login for minors").
		Stage(core.StageReviewed).
		KB("utah_social_media_act", "Act text.").
		Tags(tags...).
		Decision(core.DecisionRecord{Decision: core.DecisionRequiresRegulation, Confidence: conf, Citations: []string{"ev-1"}})
}

func TestEvaluate(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name    string
		env     *core.Envelope
		signals Signals
		want    []core.GateReason
	}{
		{"confident and clean", reviewed(0.8, "jurisdiction_eu").Build(), Signals{}, nil},
		{"exactly at threshold", reviewed(0.6).Build(), Signals{}, nil},
		{"low confidence", reviewed(0.59).Build(), Signals{}, []core.GateReason{core.ReasonLowConfidence}},
		{"blocking question", reviewed(0.9).Questions(core.Question{Text: "?", Blocking: true}).Build(), Signals{}, []core.GateReason{core.ReasonBlockingQuestion}},
		{"resolved blocking question", reviewed(0.9).Questions(core.Question{Text: "?", Blocking: true, Resolved: true}).Build(), Signals{}, nil},
		{"high-risk tag", reviewed(0.9, "curfew", "jurisdiction_ut").Build(), Signals{}, []core.GateReason{core.ReasonHighRiskTag}},
		{"contradiction", reviewed(0.9).Build(), Signals{Contradiction: true}, []core.GateReason{core.ReasonContradiction}},
		{
			"prescreen escalation without decision",
			testutil.NewEnvelopeBuilder("a", "b").Stage(core.StagePrescreened).Build(),
			Signals{PrescreenEscalation: true},
			[]core.GateReason{core.ReasonPrescreen},
		},
		{
			"everything at once",
			reviewed(0.1, "jurisdiction_ut").Questions(core.Question{Text: "?", Blocking: true}).Build(),
			Signals{Contradiction: true},
			[]core.GateReason{core.ReasonLowConfidence, core.ReasonBlockingQuestion, core.ReasonHighRiskTag, core.ReasonContradiction},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Evaluate(tt.env, p, tt.signals)
			assert.Equal(t, tt.want, out.Reasons)
			assert.Equal(t, len(tt.want) > 0, out.Escalated())
			// Evaluation is a pure function of its inputs.
			assert.Equal(t, out, Evaluate(tt.env, p, tt.signals))
		})
	}
}

func TestOutcome_Delta(t *testing.T) {
	env := reviewed(0.4).Build()
	out := Evaluate(env, DefaultPolicy(), Signals{})
	require.NoError(t, env.Apply(out.Delta()))
	assert.Equal(t, core.StageAwaitingHuman, env.Stage)
	assert.Equal(t, core.GateAwaitingHuman, env.Gate.State)

	env = reviewed(0.9).Build()
	require.NoError(t, env.Apply(Evaluate(env, DefaultPolicy(), Signals{}).Delta()))
	assert.Equal(t, core.StageReviewed, env.Stage)
	assert.Equal(t, core.GateAutoApproved, env.Gate.State)
}

func parked(conf float64, d core.Decision) *testutil.EnvelopeBuilder {
	return testutil.NewEnvelopeBuilder("Curfew login blocker", "Blocks login for minors").
		Stage(core.StageAwaitingHuman).
		KB("utah_social_media_act", "Act text.").
		Questions(core.Question{Text: "Is it statutory?", Blocking: true}).
		Gate(core.GateRecord{State: core.GateAwaitingHuman, Reasons: []core.GateReason{core.ReasonBlockingQuestion}}).
		Decision(core.DecisionRecord{Decision: d, Confidence: conf, Citations: []string{"ev-1"}})
}

func TestApply_ApproveAndReject(t *testing.T) {
	tests := []struct {
		name     string
		env      *core.Envelope
		h        core.HumanDecision
		decision core.Decision
	}{
		{"approve keeps substantive decision", parked(0.4, core.DecisionRequiresRegulation).Build(),
			core.HumanDecision{Action: core.ActionApprove, Reason: "legal confirmed"}, core.DecisionRequiresRegulation},
		{"approve of insufficient info auto-approves", parked(0.3, core.DecisionInsufficientInfo).Build(),
			core.HumanDecision{Action: core.ActionApprove, Reason: "not in scope"}, core.DecisionAutoApprove},
		{"reject requires regulation", parked(0.9, core.DecisionAutoApprove).Build(),
			core.HumanDecision{Action: core.ActionReject, Reason: "Utah law applies"}, core.DecisionRequiresRegulation},
		{"explicit decision wins", parked(0.4, core.DecisionRequiresRegulation).Build(),
			core.HumanDecision{Action: core.ActionApprove, Reason: "needs consent flow", Decision: core.DecisionApproveWithConditions}, core.DecisionApproveWithConditions},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.h.FeatureID = tt.env.FeatureID
			tt.h.Reviewer = "legal@example.com"

			route, err := Apply(tt.env, tt.h, DefaultPolicy())
			require.NoError(t, err)
			assert.Equal(t, RouteSummarize, route)
			assert.Equal(t, tt.decision, tt.env.Decision)
			assert.Equal(t, 1.0, tt.env.Confidence)
			assert.Equal(t, core.GateResumed, tt.env.Gate.State)
			assert.Equal(t, "legal@example.com", tt.env.Gate.Reviewer)
			assert.False(t, tt.env.HasBlockingQuestion())
			if tt.decision == core.DecisionApproveWithConditions {
				assert.NotEmpty(t, tt.env.Conditions)
			}

			// A summarized delta is now legal.
			require.NoError(t, tt.env.Apply(core.Delta{Stage: core.StageSummarized, Justification: "done", Terminating: true}))
			assert.Equal(t, "human-reviewed", tt.env.Projection().UI.ReviewedStatus)
		})
	}
}

func TestApply_RequestChanges(t *testing.T) {
	env := parked(0.4, core.DecisionRequiresRegulation).Build()
	h := core.HumanDecision{FeatureID: env.FeatureID, Action: "request-changes", Reason: "only EU users"}

	route, err := Apply(env, h, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, RouteReplan, route)
	assert.Equal(t, core.DecisionNone, env.Decision)
	assert.Equal(t, 2, env.Pass)
	assert.Equal(t, 1, env.Replans)
	assert.Equal(t, []string{"only EU users"}, env.Clarifications)
	assert.Equal(t, core.ActionRequestChanges, env.Gate.Action)

	// The backward edge is now legal.
	require.NoError(t, env.Apply(core.Delta{Stage: core.StagePlanned, Intents: []core.Intent{{ID: "p2-i1", Query: "q"}}}))
}

func TestApply_ReplanBudgetExhausted(t *testing.T) {
	env := parked(0.45, core.DecisionRequiresRegulation).Build()
	env.Replans = 2
	h := core.HumanDecision{FeatureID: env.FeatureID, Action: core.ActionRequestChanges, Reason: "still unclear"}

	route, err := Apply(env, h, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, RouteSummarize, route)
	assert.Equal(t, core.DecisionInsufficientInfo, env.Decision)
	assert.Equal(t, 0.45, env.Confidence)
	assert.Equal(t, "Replan budget exhausted: still unclear", env.Justification)
	assert.Equal(t, []string{"ev-1"}, env.Citations)
}

func TestApply_Errors(t *testing.T) {
	env := reviewed(0.9).Build()
	_, err := Apply(env, core.HumanDecision{FeatureID: env.FeatureID, Action: core.ActionApprove, Reason: "ok"}, DefaultPolicy())
	assert.ErrorIs(t, err, core.ErrNotAwaitingHuman)

	env = parked(0.4, core.DecisionRequiresRegulation).Build()
	_, err = Apply(env, core.HumanDecision{FeatureID: env.FeatureID, Action: "escalate", Reason: "?"}, DefaultPolicy())
	assert.ErrorIs(t, err, core.ErrInvalidAction)

	_, err = Apply(env, core.HumanDecision{FeatureID: env.FeatureID, Action: core.ActionApprove}, DefaultPolicy())
	assert.ErrorIs(t, err, core.ErrContract)
}

func TestTransition(t *testing.T) {
	assert.NoError(t, Transition(core.GateNone, core.GateAwaitingHuman))
	assert.NoError(t, Transition(core.GateEvaluating, core.GateAutoApproved))
	assert.NoError(t, Transition(core.GateAwaitingHuman, core.GateResumed))
	assert.NoError(t, Transition(core.GateResumed, core.GateAwaitingHuman))
	assert.ErrorIs(t, Transition(core.GateAutoApproved, core.GateResumed), core.ErrContract)
	assert.ErrorIs(t, Transition(core.GateNone, core.GateResumed), core.ErrContract)
}

func TestNewReviewRecord(t *testing.T) {
	rec := NewReviewRecord(core.HumanDecision{FeatureID: "f-1", Action: core.ActionReject, Reason: "law", Reviewer: "r"}, core.DecisionRequiresRegulation)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "f-1", rec.FeatureID)
	assert.Equal(t, core.DecisionRequiresRegulation, rec.Decision)
	assert.False(t, rec.CreatedAt.IsZero())
}
