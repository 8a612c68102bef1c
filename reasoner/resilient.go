package reasoner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
)

// ResilientOptions configures retry and timeout behavior.
type ResilientOptions struct {
	// Attempts is the maximum number of calls, including the first.
	Attempts int
	// Timeout bounds each attempt. Zero leaves attempts unbounded.
	Timeout time.Duration
	// Backoff is the pause between attempts; it doubles after each failure.
	Backoff time.Duration
	Logger  logging.Logger
}

// Resilient retries a Reasoner with a per-attempt timeout.
type Resilient struct {
	next Reasoner
	opts ResilientOptions
}

var _ Reasoner = (*Resilient)(nil)
var _ Describer = (*Resilient)(nil)

// NewResilient wraps next. Defaults: 2 attempts, 30s per attempt, 200ms backoff.
func NewResilient(next Reasoner, optFns ...func(o *ResilientOptions)) *Resilient {
	opts := ResilientOptions{
		Attempts: 2,
		Timeout:  30 * time.Second,
		Backoff:  200 * time.Millisecond,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Resilient{next: next, opts: opts}
}

// ModelName implements Describer.
func (r *Resilient) ModelName() string { return ModelName(r.next) }

// Reason implements Reasoner. When every attempt ends in a deadline the
// returned error matches core.ErrCriticalTimeout.
func (r *Resilient) Reason(ctx context.Context, req Request, out any) (err error) {
	var (
		lastErr    error
		allTimeout = true
		backoff    = r.opts.Backoff
		attempt    int
		start      = time.Now()
	)
	if wl, ok := r.opts.Logger.(*logging.WorkflowLogger); ok {
		defer func() { wl.LogReasonerCall(req.Task, ModelName(r.next), min(attempt, r.opts.Attempts), time.Since(start), err) }()
	}
	for attempt = 1; attempt <= r.opts.Attempts; attempt++ {
		err := r.attempt(ctx, req, out)
		if err == nil {
			return nil
		}
		lastErr = err
		r.opts.Logger.Warn("reasoner attempt failed", "task", req.Task, "attempt", attempt, "error", err)

		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s: %w", core.ErrCriticalTimeout, req.Task, ctx.Err())
			}
			return ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			allTimeout = false
		}
		if attempt < r.opts.Attempts && backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	if allTimeout {
		return fmt.Errorf("%w: %s after %d attempts", core.ErrCriticalTimeout, req.Task, r.opts.Attempts)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", req.Task, r.opts.Attempts, lastErr)
}

func (r *Resilient) attempt(ctx context.Context, req Request, out any) error {
	if r.opts.Timeout <= 0 {
		return r.next.Reason(ctx, req, out)
	}
	actx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	err := r.next.Reason(actx, req, out)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", err, context.DeadlineExceeded)
	}
	return err
}
