package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/geocomply/core"
)

var (
	_ core.EnvelopeStore = (*InMemoryStore)(nil)
	_ core.ReviewStore   = (*InMemoryStore)(nil)
)

// InMemoryStore is a volatile envelope and review store keeping everything
// in process local maps. It is safe for concurrent access and best suited for
// tests, the CLI and ephemeral demo servers. Every envelope crossing its
// boundary is cloned to prevent external mutation of internal state.
type InMemoryStore struct {
	mu        sync.RWMutex
	envelopes map[string]*core.Envelope
	order     []string
	reviews   map[string][]core.ReviewRecord
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		envelopes: make(map[string]*core.Envelope),
		reviews:   make(map[string][]core.ReviewRecord),
	}
}

// Create stores a new envelope. Creating an existing feature id is an error.
func (s *InMemoryStore) Create(_ context.Context, env *core.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.envelopes[env.FeatureID]; ok {
		return fmt.Errorf("envelope %s already exists", env.FeatureID)
	}
	s.envelopes[env.FeatureID] = env.Clone()
	s.order = append(s.order, env.FeatureID)
	return nil
}

// Get returns a clone of the stored envelope.
func (s *InMemoryStore) Get(_ context.Context, featureID string) (*core.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envelopes[featureID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, featureID)
	}
	return env.Clone(), nil
}

// Save replaces the stored snapshot of an existing envelope.
func (s *InMemoryStore) Save(_ context.Context, env *core.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.envelopes[env.FeatureID]; !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, env.FeatureID)
	}
	s.envelopes[env.FeatureID] = env.Clone()
	return nil
}

// List returns clones of all envelopes in creation order.
func (s *InMemoryStore) List(_ context.Context) ([]*core.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Envelope, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.envelopes[id].Clone())
	}
	return out, nil
}

// AddReview appends a review record to the feature's audit trail.
func (s *InMemoryStore) AddReview(_ context.Context, rec core.ReviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[rec.FeatureID] = append(s.reviews[rec.FeatureID], rec)
	return nil
}

// ListReviews returns the feature's reviews oldest first.
func (s *InMemoryStore) ListReviews(_ context.Context, featureID string) ([]core.ReviewRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.reviews[featureID]), nil
}
