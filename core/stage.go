package core

import "fmt"

// Stage is the position of an envelope inside the analysis workflow.
type Stage string

const (
	StageReceived      Stage = "received"
	StagePrescreened   Stage = "prescreened"
	StageNormalized    Stage = "normalized"
	StagePlanned       Stage = "planned"
	StageRetrieved     Stage = "retrieved"
	StageSynthesized   Stage = "synthesized"
	StageReviewed      Stage = "reviewed"
	StageAwaitingHuman Stage = "awaiting_human"
	StageSummarized    Stage = "summarized"
	StageFailed        Stage = "failed"
)

var stageRank = map[Stage]int{
	StageReceived:      0,
	StagePrescreened:   1,
	StageNormalized:    2,
	StagePlanned:       3,
	StageRetrieved:     4,
	StageSynthesized:   5,
	StageReviewed:      6,
	StageAwaitingHuman: 7,
	StageSummarized:    8,
}

// Rank returns the position of s in the fixed stage order. Failed and unknown
// stages report -1.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok || s == StageFailed
}

// Terminal reports whether no further transition can leave s.
func (s Stage) Terminal() bool {
	return s == StageSummarized || s == StageFailed
}

// CanTransition reports whether the workflow may move from s to next.
//
// Stages only move forward (skipping is allowed, e.g. the pre-screen fast
// exit), any non-terminal stage may fail, and the single backward edge is
// awaiting_human -> planned for a human-requested re-analysis.
func (s Stage) CanTransition(next Stage) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == StageFailed {
		return true
	}
	if s == StageAwaitingHuman && next == StagePlanned {
		return true
	}
	return next.Rank() > s.Rank()
}

// TransitionError describes a rejected stage change.
type TransitionError struct {
	From Stage
	To   Stage
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid stage transition %s -> %s", e.From, e.To)
}

// Unwrap lets callers match transition failures with errors.Is(err, ErrContract).
func (e *TransitionError) Unwrap() error { return ErrContract }
