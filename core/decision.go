package core

import (
	"fmt"
	"time"
)

// Decision is the compliance verdict for a feature.
type Decision string

const (
	DecisionNone                  Decision = ""
	DecisionAutoApprove           Decision = "auto_approve"
	DecisionApproveWithConditions Decision = "approve_with_conditions"
	DecisionRequiresRegulation    Decision = "requires_regulation"
	DecisionInsufficientInfo      Decision = "insufficient_info"
)

// ParseDecision converts a wire value into a Decision.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case DecisionAutoApprove, DecisionApproveWithConditions, DecisionRequiresRegulation, DecisionInsufficientInfo:
		return d, nil
	default:
		return DecisionNone, fmt.Errorf("%w: unknown decision %q", ErrContract, s)
	}
}

// Substantive reports whether d is a definitive answer rather than a request
// for more information.
func (d Decision) Substantive() bool {
	return d == DecisionAutoApprove || d == DecisionApproveWithConditions || d == DecisionRequiresRegulation
}

// DecisionRecord groups the fields that are always written together.
type DecisionRecord struct {
	Decision      Decision `json:"decision"`
	Confidence    float64  `json:"confidence"`
	Justification string   `json:"justification"`
	Conditions    []string `json:"conditions,omitempty"`
	Citations     []string `json:"citations,omitempty"`
}

// HumanAction is the action a reviewer takes on a parked run.
type HumanAction string

const (
	ActionApprove        HumanAction = "approve"
	ActionReject         HumanAction = "reject"
	ActionRequestChanges HumanAction = "request_changes"
)

// ParseHumanAction accepts both request_changes and request-changes.
func ParseHumanAction(s string) (HumanAction, error) {
	switch s {
	case string(ActionApprove):
		return ActionApprove, nil
	case string(ActionReject):
		return ActionReject, nil
	case string(ActionRequestChanges), "request-changes":
		return ActionRequestChanges, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// HumanDecision is the out-of-band event that resumes a parked run.
type HumanDecision struct {
	FeatureID string      `json:"feature_id"`
	Action    HumanAction `json:"action"`
	Reason    string      `json:"reason"`
	Reviewer  string      `json:"reviewer,omitempty"`
	// Decision optionally pins the resulting decision for approve/reject.
	Decision Decision `json:"decision,omitempty"`
}

// Validate checks the required fields of a human decision.
func (h HumanDecision) Validate() error {
	if h.FeatureID == "" {
		return fmt.Errorf("%w: feature_id is required", ErrContract)
	}
	if _, err := ParseHumanAction(string(h.Action)); err != nil {
		return err
	}
	if h.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrContract)
	}
	if h.Decision != DecisionNone {
		if _, err := ParseDecision(string(h.Decision)); err != nil {
			return err
		}
	}
	return nil
}

// ReviewRecord is the persisted audit entry for a human decision.
type ReviewRecord struct {
	ID        string      `json:"id"`
	FeatureID string      `json:"feature_id"`
	Action    HumanAction `json:"action"`
	Reason    string      `json:"reason"`
	Reviewer  string      `json:"reviewer,omitempty"`
	Decision  Decision    `json:"decision,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// GateState is the HITL gate state machine position.
type GateState string

const (
	GateNone          GateState = ""
	GateEvaluating    GateState = "evaluating"
	GateAutoApproved  GateState = "auto_approved"
	GateAwaitingHuman GateState = "awaiting_human"
	GateResumed       GateState = "resumed"
)

// GateReason explains why the gate escalated.
type GateReason string

const (
	ReasonLowConfidence    GateReason = "low_confidence"
	ReasonBlockingQuestion GateReason = "blocking_question"
	ReasonHighRiskTag      GateReason = "high_risk_jurisdiction"
	ReasonContradiction    GateReason = "contradiction"
	ReasonPrescreen        GateReason = "prescreen_escalation"
	ReasonReplanRejected   GateReason = "replan_rejected"
)

// GateRecord is the persisted gate state for an envelope.
type GateRecord struct {
	State    GateState    `json:"state,omitempty"`
	Reasons  []GateReason `json:"reasons,omitempty"`
	Action   HumanAction  `json:"action,omitempty"`
	Reviewer string       `json:"reviewer,omitempty"`
}
