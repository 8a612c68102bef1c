package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/geocomply/core"
)

// DefaultDrain bounds how long Merge keeps forwarding after ctx is done.
const DefaultDrain = time.Second

// Merge is MergeDrain with DefaultDrain.
func Merge(ctx context.Context, sources ...<-chan core.StreamEvent) <-chan core.StreamEvent {
	return MergeDrain(ctx, DefaultDrain, sources...)
}

// MergeDrain fans several segment channels into one. Records of one source
// keep their relative order; records of different sources interleave. The
// output closes when every source has closed.
//
// Once ctx is done, sources are still forwarded until they close so that the
// terminating record each run emits on cancellation reaches the consumer.
// That drain is bounded by drain; sources still open afterwards are dropped.
func MergeDrain(ctx context.Context, drain time.Duration, sources ...<-chan core.StreamEvent) <-chan core.StreamEvent {
	out := make(chan core.StreamEvent)

	deadline := make(chan struct{})
	var once sync.Once
	expire := func() { once.Do(func() { close(deadline) }) }
	stop := context.AfterFunc(ctx, func() { time.AfterFunc(drain, expire) })

	var g errgroup.Group
	for _, src := range sources {
		g.Go(func() error {
			for {
				select {
				case ev, ok := <-src:
					if !ok {
						return nil
					}
					select {
					case out <- ev:
					case <-deadline:
						return context.DeadlineExceeded
					}
				case <-deadline:
					return context.DeadlineExceeded
				}
			}
		})
	}
	go func() {
		_ = g.Wait()
		stop()
		close(out)
	}()
	return out
}

// CheckSegment verifies the termination contract of one collected segment:
// only the last record may be terminating, and the segment ends either with
// exactly one final/error record or with the awaiting_human status record.
func CheckSegment(events []core.StreamEvent) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: empty segment", core.ErrContract)
	}
	for i, ev := range events[:len(events)-1] {
		if ev.Terminating || ev.Event == core.EventFinal || ev.Event == core.EventError {
			return fmt.Errorf("%w: record %d (%s) terminates before the end", core.ErrContract, i, ev.Event)
		}
	}
	last := events[len(events)-1]
	switch {
	case last.Event == core.EventFinal || last.Event == core.EventError:
		if !last.Terminating {
			return fmt.Errorf("%w: %s record is not terminating", core.ErrContract, last.Event)
		}
		return nil
	case Suspended(events):
		return nil
	default:
		return fmt.Errorf("%w: segment ends with %s/%s", core.ErrContract, last.Event, last.Stage)
	}
}
