package core

import "errors"

var (
	// ErrNotFound is returned by stores when no envelope exists for a feature id.
	ErrNotFound = errors.New("envelope not found")

	// ErrNotAwaitingHuman is returned when a human decision targets a run
	// that is not parked at the HITL gate.
	ErrNotAwaitingHuman = errors.New("envelope is not awaiting a human decision")

	// ErrRunActive is returned when a feature already has an active run segment.
	ErrRunActive = errors.New("run already active for feature")

	// ErrRunNotActive is returned when stopping a feature without an active
	// run segment.
	ErrRunNotActive = errors.New("no active run for feature")

	// ErrContract marks a violated data contract (invalid citation, illegal
	// transition, write-once field written twice).
	ErrContract = errors.New("contract violation")

	// ErrNonProductiveReplan is returned by the planner when a replan
	// yields exactly the intents of the previous pass.
	ErrNonProductiveReplan = errors.New("replan produced no new intents")

	// ErrCriticalTimeout marks a critical stage whose reasoner call ran out
	// of time on every attempt.
	ErrCriticalTimeout = errors.New("critical reasoner call timed out")

	// ErrInvalidAction is returned for an unknown human action.
	ErrInvalidAction = errors.New("invalid human action")
)
