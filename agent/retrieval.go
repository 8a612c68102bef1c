package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
)

// RetrievalOptions configures a RetrievalCoordinator.
type RetrievalOptions struct {
	// IntentTimeout bounds each provider call.
	IntentTimeout time.Duration
	// MaxEvidence caps the evidence gathered per pass.
	MaxEvidence int
	Logger      logging.Logger
}

// RetrievalCoordinator executes the plan's intents against the evidence
// provider. It never calls the reasoner.
type RetrievalCoordinator struct {
	Base
	provider      core.EvidenceProvider
	intentTimeout time.Duration
	maxEvidence   int
}

// NewRetrievalCoordinator creates the retrieval processor.
func NewRetrievalCoordinator(provider core.EvidenceProvider, optFns ...func(o *RetrievalOptions)) *RetrievalCoordinator {
	opts := RetrievalOptions{
		IntentTimeout: 10 * time.Second,
		MaxEvidence:   20,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RetrievalCoordinator{
		Base: newBase("RetrievalCoordinator", "Collects evidence for each planned intent",
			core.StageRetrieved, false, nil, Instruction{}, opts.Logger),
		provider:      provider,
		intentTimeout: opts.IntentTimeout,
		maxEvidence:   opts.MaxEvidence,
	}
}

// Status reports the coordinator as ready; it has no reasoner.
func (rc *RetrievalCoordinator) Status() Status {
	st := rc.Base.Status()
	st.Model = ""
	st.Operability = Ready
	if st.LastError != "" || rc.provider == nil {
		st.Operability = Degraded
	}
	return st
}

// IntentResult is the per-intent outcome in the retrieved stage payload.
type IntentResult struct {
	IntentID string `json:"intent_id"`
	Query    string `json:"query"`
	Count    int    `json:"count"`
	Degraded bool   `json:"degraded,omitempty"`
	Error    string `json:"error,omitempty"`
}

type retrieved struct {
	items []core.Evidence
	err   error
}

// Retrieve runs every intent in plan order. A failing or slow intent is
// degraded to zero evidence; only a done ctx is returned as an error.
func (rc *RetrievalCoordinator) Retrieve(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	type key struct{ source, excerpt string }
	seen := make(map[key]struct{}, len(env.Evidence))
	for _, ev := range env.Evidence {
		seen[key{ev.SourceID, ev.Excerpt}] = struct{}{}
	}

	var (
		gathered []core.Evidence
		results  []IntentResult
		notices  []core.Notice
		intents  = make([]core.Intent, len(env.Intents))
	)
	copy(intents, env.Intents)
	for i, intent := range env.Intents {
		if err := ctx.Err(); err != nil {
			return core.Delta{}, err
		}
		res := IntentResult{IntentID: intent.ID, Query: intent.Query}
		if rc.maxEvidence > 0 && len(gathered) >= rc.maxEvidence {
			results = append(results, res)
			continue
		}

		started := time.Now()
		items, err := rc.fetch(ctx, intent)
		if wl, ok := rc.logger.(*logging.WorkflowLogger); ok {
			wl.WithFeature(env.FeatureID).LogRetrieval(intent.ID, len(items), time.Since(started), err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return core.Delta{}, ctx.Err()
			}
			_ = rc.record(err)
			rc.logger.Warn("intent degraded", "feature_id", env.FeatureID, "intent", intent.ID, "error", err)
			res.Degraded, res.Error = true, err.Error()
			results = append(results, res)
			notices = append(notices, core.Notice{
				Kind:    core.NoticeDegraded,
				Message: fmt.Sprintf("intent %s degraded to zero evidence", intent.ID),
				Payload: res,
			})
			continue
		}
		_ = rc.record(nil)
		intents[i].Hits = len(items)

		for _, ev := range items {
			if rc.maxEvidence > 0 && len(gathered) >= rc.maxEvidence {
				break
			}
			k := key{ev.SourceID, ev.Excerpt}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			ev.IntentID = intent.ID
			if ev.RetrievedAt.IsZero() {
				ev.RetrievedAt = time.Now().UTC()
			}
			gathered = append(gathered, ev)
			res.Count++
		}
		results = append(results, res)
	}

	return core.Delta{
		Stage:    core.StageRetrieved,
		Evidence: gathered,
		Intents:  intents,
		Message:  fmt.Sprintf("retrieved %d evidence items for %d intents", len(gathered), len(env.Intents)),
		Payload:  map[string]any{"intents": results},
		Notices:  notices,
	}, nil
}

// fetch drains the provider sequence for one intent under its timeout. The
// sequence is consumed on its own goroutine so that a provider ignoring ctx
// still cannot hold the pipeline past the deadline. Partial items are
// discarded on error.
func (rc *RetrievalCoordinator) fetch(ctx context.Context, intent core.Intent) ([]core.Evidence, error) {
	if rc.provider == nil {
		return nil, errors.New("no evidence provider configured")
	}
	ictx, cancel := context.WithTimeout(ctx, rc.intentTimeout)
	defer cancel()

	done := make(chan retrieved, 1)
	go func() {
		var items []core.Evidence
		for ev, err := range rc.provider.Retrieve(ictx, intent) {
			if err != nil {
				done <- retrieved{err: err}
				return
			}
			items = append(items, ev)
			if ictx.Err() != nil {
				break
			}
		}
		if err := ictx.Err(); err != nil {
			done <- retrieved{err: err}
			return
		}
		done <- retrieved{items: items}
	}()

	select {
	case r := <-done:
		return r.items, r.err
	case <-ictx.Done():
		return nil, fmt.Errorf("intent %s: %w", intent.ID, ictx.Err())
	}
}
