package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/hupe1980/geocomply/core"
)

// ErrClosed is returned when emitting to a closed emitter.
var ErrClosed = errors.New("stream: emitter closed")

// Emitter receives the records of one run segment in order.
type Emitter interface {
	Emit(ctx context.Context, ev core.StreamEvent) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, ev core.StreamEvent) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, ev core.StreamEvent) error { return f(ctx, ev) }

// ChannelEmitter delivers records over a one-directional channel. The single
// producer calls Emit and finally Close; consumers range over Events.
type ChannelEmitter struct {
	mu     sync.Mutex
	ch     chan core.StreamEvent
	closed bool
}

// NewChannelEmitter creates an emitter with the given channel buffer.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelEmitter{ch: make(chan core.StreamEvent, buffer)}
}

// Events returns the receive side of the emitter.
func (e *ChannelEmitter) Events() <-chan core.StreamEvent { return e.ch }

// Emit sends ev, blocking until the consumer takes it or ctx is done.
func (e *ChannelEmitter) Emit(ctx context.Context, ev core.StreamEvent) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case e.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel. It is safe to call more than once but must not
// race with Emit; the producer owns both.
func (e *ChannelEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// Collect drains ch until it is closed and returns the records in order.
func Collect(ch <-chan core.StreamEvent) []core.StreamEvent {
	var out []core.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

// Last returns the final record of a collected segment.
func Last(events []core.StreamEvent) (core.StreamEvent, bool) {
	if len(events) == 0 {
		return core.StreamEvent{}, false
	}
	return events[len(events)-1], true
}

// Suspended reports whether a segment ended by parking at the HITL gate.
func Suspended(events []core.StreamEvent) bool {
	last, ok := Last(events)
	return ok && last.Event == core.EventStatus && last.Stage == core.StageAwaitingHuman && !last.Terminating
}
