package evidence

import (
	"context"
	"iter"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
)

// Multi queries providers in order. A provider that fails is skipped with a
// warning and its partial items are dropped; the sequence only errors when
// every provider failed.
type Multi struct {
	providers []core.EvidenceProvider
	logger    logging.Logger
}

var _ core.EvidenceProvider = (*Multi)(nil)

// NewMulti combines providers.
func NewMulti(logger logging.Logger, providers ...core.EvidenceProvider) *Multi {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Multi{providers: providers, logger: logger}
}

// Retrieve implements core.EvidenceProvider.
func (m *Multi) Retrieve(ctx context.Context, intent core.Intent) iter.Seq2[core.Evidence, error] {
	return func(yield func(core.Evidence, error) bool) {
		var lastErr error
		failed := 0
		for i, p := range m.providers {
			items, err := drain(p.Retrieve(ctx, intent))
			if err != nil {
				if ctx.Err() != nil {
					yield(core.Evidence{}, ctx.Err())
					return
				}
				failed++
				lastErr = err
				m.logger.Warn("evidence provider failed", "provider", i, "intent", intent.ID, "error", err)
				continue
			}
			for _, ev := range items {
				if !yield(ev, nil) {
					return
				}
			}
		}
		if failed > 0 && failed == len(m.providers) {
			yield(core.Evidence{}, lastErr)
		}
	}
}

func drain(seq iter.Seq2[core.Evidence, error]) ([]core.Evidence, error) {
	var items []core.Evidence
	for ev, err := range seq {
		if err != nil {
			return nil, err
		}
		items = append(items, ev)
	}
	return items, nil
}
