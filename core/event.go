package core

import "time"

// EventKind is the record type on the progress stream.
type EventKind string

const (
	EventStage  EventKind = "stage"
	EventStatus EventKind = "status"
	EventFinal  EventKind = "final"
	EventError  EventKind = "error"
)

// StreamEvent is one record on a run's progress stream.
//
// Contract:
//   - stage and status records are never terminating
//   - exactly one final or error record closes a run and is terminating
//   - records of one run are delivered in emission order
type StreamEvent struct {
	Event       EventKind `json:"event"`
	Stage       Stage     `json:"stage,omitempty"`
	Message     string    `json:"message,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Terminating bool      `json:"terminating"`
	FeatureID   string    `json:"feature_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewStageEvent creates a progress record for a stage transition.
func NewStageEvent(featureID string, stage Stage, msg string, payload any) StreamEvent {
	return StreamEvent{Event: EventStage, Stage: stage, Message: msg, Payload: payload, FeatureID: featureID, Timestamp: time.Now().UTC()}
}

// NewStatusEvent creates a non-transition status record.
func NewStatusEvent(featureID string, stage Stage, msg string, payload any) StreamEvent {
	return StreamEvent{Event: EventStatus, Stage: stage, Message: msg, Payload: payload, FeatureID: featureID, Timestamp: time.Now().UTC()}
}

// NewFinalEvent creates the terminating success record.
func NewFinalEvent(env *Envelope) StreamEvent {
	return StreamEvent{Event: EventFinal, Stage: StageSummarized, Payload: env.Projection(), Terminating: true, FeatureID: env.FeatureID, Timestamp: time.Now().UTC()}
}

// NewErrorEvent creates the terminating failure record.
func NewErrorEvent(featureID string, msg string) StreamEvent {
	return StreamEvent{Event: EventError, Stage: StageFailed, Message: msg, Terminating: true, FeatureID: featureID, Timestamp: time.Now().UTC()}
}

// IsTerminal reports whether ev closes its run.
func (ev StreamEvent) IsTerminal() bool { return ev.Terminating }

// Notice is a non-transition observation made while producing a delta, such
// as a degraded retrieval intent or a stripped citation.
type Notice struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Payload any    `json:"payload,omitempty"`
}

// Notice kinds.
const (
	NoticeDataQuality = "data_quality"
	NoticeDegraded    = "degraded"
	NoticeUnresolved  = "unresolved_terms"
)
