package core

import "context"

// EnvelopeStore persists envelopes. Implementations return copies so that
// readers never observe a writer's in-progress state.
type EnvelopeStore interface {
	Create(ctx context.Context, env *Envelope) error
	Get(ctx context.Context, featureID string) (*Envelope, error)
	Save(ctx context.Context, env *Envelope) error
	List(ctx context.Context) ([]*Envelope, error)
}

// ReviewStore keeps the audit trail of human decisions.
type ReviewStore interface {
	AddReview(ctx context.Context, rec ReviewRecord) error
	ListReviews(ctx context.Context, featureID string) ([]ReviewRecord, error)
}
