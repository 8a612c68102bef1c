package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
	"github.com/hupe1980/geocomply/reasoner"
)

// Processor is the common surface of every stage processor. The engine calls
// the stage-specific method (Screen, Normalize, Plan, ...) and uses this
// interface for the roster.
type Processor interface {
	Name() string
	Description() string
	Critical() bool
	Status() Status
}

// Operability is the roster health of a processor.
type Operability string

const (
	Ready    Operability = "ready"
	Degraded Operability = "degraded"
)

// Status is the roster entry for one processor.
type Status struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Stage       core.Stage  `json:"stage"`
	Model       string      `json:"model,omitempty"`
	Critical    bool        `json:"critical"`
	Operability Operability `json:"operability"`
	Calls       int         `json:"calls"`
	Failures    int         `json:"failures"`
	LastError   string      `json:"last_error,omitempty"`
	LastRun     time.Time   `json:"last_run,omitzero"`
}

// Base bundles identity, the reasoner and call bookkeeping shared by all
// processors. Embed it in concrete processors. All exported methods are
// goroutine-safe.
type Base struct {
	name        string
	description string
	stage       core.Stage
	critical    bool
	instruction Instruction
	reasoner    reasoner.Reasoner
	logger      logging.Logger

	mu        sync.Mutex
	calls     int
	failures  int
	lastError string
	lastRun   time.Time
}

func newBase(name, description string, stage core.Stage, critical bool, r reasoner.Reasoner, inst Instruction, logger logging.Logger) Base {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return Base{
		name:        name,
		description: description,
		stage:       stage,
		critical:    critical,
		instruction: inst,
		reasoner:    r,
		logger:      logger,
	}
}

// Name returns the processor name.
func (b *Base) Name() string { return b.name }

// Description returns what the processor does.
func (b *Base) Description() string { return b.description }

// Critical reports whether a reasoner timeout in this processor fails the run.
func (b *Base) Critical() bool { return b.critical }

// Stage returns the stage the processor moves an envelope to.
func (b *Base) Stage() core.Stage { return b.stage }

// SetInstruction replaces the prompt used for reasoner calls.
func (b *Base) SetInstruction(inst Instruction) { b.instruction = inst }

// Status returns the processor's roster entry. A processor is degraded when
// its most recent call failed.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		Name:        b.name,
		Description: b.description,
		Stage:       b.stage,
		Model:       reasoner.ModelName(b.reasoner),
		Critical:    b.critical,
		Operability: Ready,
		Calls:       b.calls,
		Failures:    b.failures,
		LastError:   b.lastError,
		LastRun:     b.lastRun,
	}
	if b.lastError != "" || b.reasoner == nil {
		st.Operability = Degraded
	}
	return st
}

// reason renders the instruction against env and calls the reasoner,
// recording the outcome for the roster.
func (b *Base) reason(ctx context.Context, task string, env *core.Envelope, input any, out any) error {
	if b.reasoner == nil {
		return b.record(errors.New("no reasoner configured"))
	}
	prompt, err := b.instruction.Resolve(env)
	if err != nil {
		return b.record(err)
	}
	start := time.Now()
	err = b.reasoner.Reason(ctx, reasoner.Request{Task: task, Instruction: prompt, Input: input}, out)
	b.logger.Debug("reasoner call finished", "stage", b.name, "task", task,
		"duration_ms", time.Since(start).Milliseconds(), "error", err)
	return b.record(err)
}

func (b *Base) record(err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.lastRun = time.Now().UTC()
	if err != nil {
		b.failures++
		b.lastError = err.Error()
	} else {
		b.lastError = ""
	}
	return err
}
