package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/geocomply/agent"
	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/hitl"
	"github.com/hupe1980/geocomply/logging"
	"github.com/hupe1980/geocomply/reasoner"
	"github.com/hupe1980/geocomply/store"
	"github.com/hupe1980/geocomply/stream"
)

// Config defines tuning parameters for the Engine's operational behavior.
//
// This configuration focuses on core performance and behavioral aspects:
//   - Concurrency: How many run segments execute simultaneously
//   - Buffering: Channel buffer size of each segment's progress stream
//   - Resilience: Attempts and per-attempt timeout of reasoner calls
//
// Policy inputs (confidence threshold, high-risk tags, replan budget) live in
// hitl.Policy and are configured through Options.
//
// Example:
//
//	cfg := engine.DefaultConfig
//	cfg.MaxConcurrentRuns = 32
//	cfg.ReasonerTimeout = 45 * time.Second
type Config struct {
	// MaxConcurrentRuns limits the number of run segments executing at the
	// same time. Further segments wait for a free slot. Set to 0 for
	// unlimited (not recommended).
	MaxConcurrentRuns int

	// EventBufferSize sets the channel buffer size of a segment's progress
	// stream. Larger buffers let a run progress ahead of a slow consumer.
	EventBufferSize int

	// ReasonerAttempts bounds the calls per reasoner request, including the
	// first. Values below 1 mean a single attempt.
	ReasonerAttempts int

	// ReasonerTimeout bounds each reasoner attempt. Values <= 0 fall back to
	// DefaultConfig.ReasonerTimeout; a stage call is never unbounded.
	ReasonerTimeout time.Duration

	// ReasonerBackoff is the pause before the first retry; it doubles after
	// each failed attempt.
	ReasonerBackoff time.Duration

	// DrainTimeout bounds how long the terminal record of a cancelled run
	// waits for the consumer.
	DrainTimeout time.Duration
}

// DefaultConfig provides production-ready default configuration values.
//
// Configuration values:
//   - MaxConcurrentRuns: 10 (safe for rate-limited model backends)
//   - EventBufferSize: 100 (a full pass emits fewer records)
//   - ReasonerAttempts: 2 (one retry for idempotent reasoner calls)
//   - ReasonerTimeout: 30s
//   - ReasonerBackoff: 200ms
//   - DrainTimeout: 1s
var DefaultConfig = Config{
	MaxConcurrentRuns: 10,
	EventBufferSize:   100,
	ReasonerAttempts:  2,
	ReasonerTimeout:   30 * time.Second,
	ReasonerBackoff:   200 * time.Millisecond,
	DrainTimeout:      time.Second,
}

// Options configures an Engine instance using the functional options pattern.
//
// All collaborators have in-memory or no-op defaults so that an engine can be
// built for development and tests with nothing but a reasoner and an evidence
// provider.
//
// Example:
//
//	eng := engine.New(r, provider, func(o *engine.Options) {
//	    o.Store = sqliteStore
//	    o.Reviews = sqliteStore
//	    o.Policy.Threshold = 0.7
//	    o.Logger = logger
//	})
type Options struct {
	// Config contains operational parameters for the engine behavior.
	// Defaults to DefaultConfig.
	Config Config

	// Store persists envelopes. Defaults to an in-memory store.
	Store core.EnvelopeStore

	// Reviews keeps the human decision audit trail. Defaults to Store when
	// it also implements core.ReviewStore, else to an in-memory store.
	Reviews core.ReviewStore

	// Policy configures the HITL gate. Defaults to hitl.DefaultPolicy().
	Policy hitl.Policy

	// Logger provides structured logging. Defaults to a no-op logger.
	Logger logging.Logger

	// Tracer creates one span per stage and gate evaluation. Defaults to the
	// global OpenTelemetry tracer, which is a no-op unless a provider is
	// installed.
	Tracer trace.Tracer

	// Callbacks receives run lifecycle hooks. Defaults to an empty manager.
	Callbacks *CallbackManager

	// Pipeline customizes the stage processors.
	Pipeline []func(o *agent.PipelineOptions)
}

// Engine orchestrates compliance analysis runs and manages the complete
// lifecycle of each feature from intake to the final decision.
//
// Core Responsibilities:
//   - Run Registry: One active segment per feature id, guarded by a mutex
//   - Stage Sequencing: Single-writer execution of the seven processors
//   - HITL Gate: Policy evaluation, suspension and resumption
//   - Event Streaming: Strictly ordered progress records per segment
//   - Persistence: The envelope is saved after every applied delta
//
// Concurrency Model:
//   - One goroutine per run segment; stages within a segment run in sequence
//   - Processors read a clone of the envelope and return a delta; only the
//     segment goroutine applies deltas
//   - Bounded concurrent segments via a slot semaphore
//   - Snapshot reads go to the store and never block a run
//
// Segment Lifecycle:
//  1. Submit creates the envelope and starts the first segment
//  2. The segment runs until the final record, a failure, or the gate parks
//     the envelope at awaiting_human
//  3. A parked run holds no memory in the engine; Resume reloads the
//     envelope from the store and starts the next segment
//
// Error Handling:
//   - Critical reasoner timeouts, contract violations and cancellation fail
//     the run with a single terminating error record
//   - Degraded retrieval and unavailable non-critical reasoning are recorded
//     as status records and never fail the run
//
// Example Usage:
//
//	eng := engine.New(r, provider)
//
//	featureID, events, err := eng.Submit(ctx, core.FeatureInput{
//	    Name:        "Curfew login blocker",
//	    Description: "Blocks login for Utah minors at night",
//	})
//	if err != nil {
//	    return err
//	}
//
//	for ev := range events {
//	    // stage and status records, then final, error or awaiting_human
//	}
//
//	// later, once a reviewer decided
//	events, err = eng.Resume(ctx, core.HumanDecision{
//	    FeatureID: featureID, Action: core.ActionApprove, Reason: "legal confirmed",
//	})
type Engine struct {
	// Collaborators - immutable after construction
	pipeline  *agent.Pipeline    // The seven stage processors
	store     core.EnvelopeStore // Envelope persistence
	reviews   core.ReviewStore   // Human decision audit trail
	policy    hitl.Policy        // Gate policy
	logger    logging.Logger     // Structured logging interface
	tracer    trace.Tracer       // Stage spans
	callbacks *CallbackManager   // Lifecycle hooks

	// Configuration - immutable after construction
	config Config

	// Concurrency limit - nil when unlimited
	slots chan struct{}

	// Active segment tracking - protected by its own mutex
	activeRuns map[string]context.CancelFunc // Cancellation functions by feature id
	runsMu     sync.Mutex                    // Protects activeRuns
}

// New creates an Engine around one reasoner and one evidence provider.
//
// The reasoner is wrapped in a reasoner.Resilient decorator according to
// Config.ReasonerAttempts and Config.ReasonerTimeout, so that every stage
// gets bounded retries and per-call timeouts. The processors share that
// reasoner and the provider.
//
// Example:
//
//	eng := engine.New(
//	    reasoner.NewModelReasoner(anthropicModel),
//	    evidence.DefaultCatalog(),
//	    func(o *engine.Options) { o.Logger = logger },
//	)
func New(r reasoner.Reasoner, provider core.EvidenceProvider, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Policy: hitl.DefaultPolicy(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Store == nil {
		opts.Store = store.NewInMemoryStore()
	}
	if opts.Reviews == nil {
		if rs, ok := opts.Store.(core.ReviewStore); ok {
			opts.Reviews = rs
		} else {
			opts.Reviews = store.NewInMemoryStore()
		}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/geocomply/engine")
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}

	if opts.Config.ReasonerAttempts < 1 {
		opts.Config.ReasonerAttempts = 1
	}
	if opts.Config.ReasonerTimeout <= 0 {
		opts.Config.ReasonerTimeout = DefaultConfig.ReasonerTimeout
	}
	if r != nil {
		r = reasoner.NewResilient(r, func(o *reasoner.ResilientOptions) {
			o.Attempts = opts.Config.ReasonerAttempts
			o.Timeout = opts.Config.ReasonerTimeout
			o.Backoff = opts.Config.ReasonerBackoff
			o.Logger = opts.Logger
		})
	}

	pipelineOpts := append([]func(o *agent.PipelineOptions){withProcessorLogger(opts.Logger)}, opts.Pipeline...)

	e := &Engine{
		pipeline:   agent.NewPipeline(r, provider, pipelineOpts...),
		store:      opts.Store,
		reviews:    opts.Reviews,
		policy:     opts.Policy,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		callbacks:  opts.Callbacks,
		config:     opts.Config,
		activeRuns: make(map[string]context.CancelFunc),
	}
	if opts.Config.MaxConcurrentRuns > 0 {
		e.slots = make(chan struct{}, opts.Config.MaxConcurrentRuns)
	}
	return e
}

// Submit starts the analysis of one feature and returns its fresh feature id
// together with the progress stream of the first segment.
//
// The returned channel is closed after the segment's last record, which is
// either the terminating final or error record or, when the run needs a
// human decision, a non-terminating status record for awaiting_human.
//
// The segment runs under a context derived from ctx; cancelling ctx fails
// the run.
//
// Example:
//
//	featureID, events, err := eng.Submit(ctx, in)
//	if err != nil {
//	    return err
//	}
//	last := stream.Collect(events)
func (e *Engine) Submit(ctx context.Context, in core.FeatureInput) (string, <-chan core.StreamEvent, error) {
	if err := validateInput(in); err != nil {
		return "", nil, err
	}
	env := core.NewEnvelope(in)
	events, err := e.start(ctx, env)
	if err != nil {
		return "", nil, err
	}
	return env.FeatureID, events, nil
}

// SubmitBatch starts one independent run per input and returns the feature
// ids in input order together with a merged progress stream.
//
// Records of one feature keep their order; records of different features
// interleave. A feature that cannot be started, for example because its
// name is blank, still gets an id and contributes a single error record; no
// envelope is stored for it and its siblings run unaffected.
//
// Cancelling ctx fails every open run. The merged stream keeps forwarding
// for up to Config.DrainTimeout so each run's terminating error record is
// delivered before the channel closes.
func (e *Engine) SubmitBatch(ctx context.Context, inputs []core.FeatureInput) ([]string, <-chan core.StreamEvent, error) {
	ids := make([]string, 0, len(inputs))
	sources := make([]<-chan core.StreamEvent, 0, len(inputs))
	for i, in := range inputs {
		env := core.NewEnvelope(in)
		events, err := e.startValid(ctx, env, in)
		if err != nil {
			e.logger.Error("batch item not started", "item", i, "feature_id", env.FeatureID, "error", err)
			events = failedSegment(env.FeatureID, err)
		}
		ids = append(ids, env.FeatureID)
		sources = append(sources, events)
	}
	return ids, stream.MergeDrain(ctx, e.config.DrainTimeout, sources...), nil
}

// Result is the outcome of one synchronous analysis segment.
type Result struct {
	FeatureID string             `json:"feature_id"`
	Input     core.FeatureInput  `json:"input"`
	Envelope  *core.Envelope     `json:"envelope,omitempty"`
	Events    []core.StreamEvent `json:"events"`
	Err       error              `json:"-"`
}

// Suspended reports whether the run is waiting for a human decision.
func (r Result) Suspended() bool { return stream.Suspended(r.Events) }

// Analyze runs one feature until its first segment ends and returns the
// collected records and a snapshot of the envelope.
//
// Err is set when the run could not start or ended with an error record.
// A run parked at the HITL gate is not an error; check Suspended.
func (e *Engine) Analyze(ctx context.Context, in core.FeatureInput) Result {
	res := Result{Input: in}
	id, events, err := e.Submit(ctx, in)
	if err != nil {
		res.Err = err
		return res
	}
	res.FeatureID = id
	res.Events = stream.Collect(events)
	res.Envelope, res.Err = e.Snapshot(context.WithoutCancel(ctx), id)
	if res.Err == nil && res.Envelope.Stage == core.StageFailed {
		res.Err = fmt.Errorf("analysis of %s failed: %s", id, res.Envelope.Error)
	}
	return res
}

// AnalyzeBatch runs every input to the end of its first segment with at
// most Config.MaxConcurrentRuns in flight and returns the results in input
// order. Failures are isolated per feature.
func (e *Engine) AnalyzeBatch(ctx context.Context, inputs []core.FeatureInput) []Result {
	if wl, ok := e.logger.(*logging.WorkflowLogger); ok {
		defer wl.StartTimer("analyze_batch")()
	}
	results := make([]Result, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	if e.config.MaxConcurrentRuns > 0 {
		g.SetLimit(e.config.MaxConcurrentRuns)
	}
	for i, in := range inputs {
		g.Go(func() error {
			results[i] = e.Analyze(gctx, in)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Resume applies a human decision to a run parked at awaiting_human and
// returns the progress stream of the resumed segment.
//
// The envelope is reloaded from the store, so a run can be resumed by a
// different process than the one that suspended it. approve and reject
// continue with the summarizer; request_changes re-enters the planner with
// the reason as clarification, unless the replan budget is spent.
//
// Errors:
//   - core.ErrRunActive: the feature has a running segment
//   - core.ErrNotFound: unknown feature id
//   - core.ErrNotAwaitingHuman: the run is not parked at the gate
//   - core.ErrContract or core.ErrInvalidAction: invalid decision
func (e *Engine) Resume(ctx context.Context, h core.HumanDecision) (<-chan core.StreamEvent, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	h.Action, _ = core.ParseHumanAction(string(h.Action))
	runCtx, cancel, err := e.register(ctx, h.FeatureID)
	if err != nil {
		return nil, err
	}
	abort := func(err error) (<-chan core.StreamEvent, error) {
		cancel()
		e.unregister(h.FeatureID)
		return nil, err
	}

	env, err := e.store.Get(ctx, h.FeatureID)
	if err != nil {
		return abort(err)
	}
	if env.Stage != core.StageAwaitingHuman {
		return abort(fmt.Errorf("%w: %s is %s", core.ErrNotAwaitingHuman, env.FeatureID, env.Stage))
	}

	route, err := hitl.Apply(env, h, e.policy)
	if err != nil {
		return abort(err)
	}
	if err := e.store.Save(ctx, env); err != nil {
		return abort(fmt.Errorf("persist envelope: %w", err))
	}
	if err := e.reviews.AddReview(ctx, hitl.NewReviewRecord(h, env.Decision)); err != nil {
		e.logger.Error("review not recorded", "feature_id", env.FeatureID, "error", err)
	}
	e.logger.Info("run resumed", "feature_id", env.FeatureID, "action", string(h.Action), "route", route.String())
	e.notify(runCtx, CallbackOnResume, env, nil, nil)

	from := entrySummarize
	if route == hitl.RouteReplan {
		from = entryReplan
	}
	em := stream.NewChannelEmitter(e.config.EventBufferSize)
	r := &run{env: env, em: em, cancel: cancel}
	opening := core.NewStatusEvent(env.FeatureID, core.StageAwaitingHuman,
		fmt.Sprintf("resumed by human: %s", h.Action),
		map[string]any{"action": h.Action, "reason": h.Reason, "reviewer": h.Reviewer, "route": route.String()})
	go e.runSegment(runCtx, r, from, opening)
	return em.Events(), nil
}

// Stop cancels the active segment of a feature. The run fails with a single
// error record.
func (e *Engine) Stop(featureID string) error {
	e.runsMu.Lock()
	cancel, ok := e.activeRuns[featureID]
	e.runsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrRunNotActive, featureID)
	}
	cancel()
	return nil
}

// Snapshot returns a copy of the stored envelope. It never blocks a run.
func (e *Engine) Snapshot(ctx context.Context, featureID string) (*core.Envelope, error) {
	return e.store.Get(ctx, featureID)
}

// List returns copies of all stored envelopes.
func (e *Engine) List(ctx context.Context) ([]*core.Envelope, error) {
	return e.store.List(ctx)
}

// Reviews returns the human decisions recorded for a feature.
func (e *Engine) Reviews(ctx context.Context, featureID string) ([]core.ReviewRecord, error) {
	return e.reviews.ListReviews(ctx, featureID)
}

// Roster returns the status of every stage processor in workflow order.
func (e *Engine) Roster() []agent.Status {
	return e.pipeline.Roster()
}

// JargonTerms returns the normalizer's glossary sorted by term.
func (e *Engine) JargonTerms() []agent.Term {
	return e.pipeline.Normalizer.Glossary().Terms()
}

// JargonTerm looks up one glossary entry case-insensitively.
func (e *Engine) JargonTerm(term string) (agent.Term, error) {
	t, ok := e.pipeline.Normalizer.Glossary().Lookup(strings.TrimSpace(term))
	if !ok {
		return agent.Term{}, fmt.Errorf("%w: jargon term %q", core.ErrNotFound, term)
	}
	return t, nil
}

// ActiveRuns returns the number of segments currently registered.
func (e *Engine) ActiveRuns() int {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	return len(e.activeRuns)
}

// Policy returns the gate policy.
func (e *Engine) Policy() hitl.Policy { return e.policy }

// entry is where a segment enters the stage sequence.
type entry int

const (
	entryStart entry = iota
	entryReplan
	entrySummarize
)

// run is the state of one segment. It is owned by the segment goroutine.
type run struct {
	env    *core.Envelope
	em     *stream.ChannelEmitter
	cancel context.CancelFunc
}

func (e *Engine) startValid(ctx context.Context, env *core.Envelope, in core.FeatureInput) (<-chan core.StreamEvent, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	return e.start(ctx, env)
}

func (e *Engine) start(ctx context.Context, env *core.Envelope) (<-chan core.StreamEvent, error) {
	if err := e.store.Create(ctx, env); err != nil {
		return nil, fmt.Errorf("create envelope: %w", err)
	}
	runCtx, cancel, err := e.register(ctx, env.FeatureID)
	if err != nil {
		return nil, err
	}
	em := stream.NewChannelEmitter(e.config.EventBufferSize)
	r := &run{env: env, em: em, cancel: cancel}
	opening := core.NewStageEvent(env.FeatureID, core.StageReceived, "feature received",
		map[string]any{"name": env.OriginalName})
	e.logger.Info("run submitted", "feature_id", env.FeatureID, "name", env.OriginalName)
	go e.runSegment(runCtx, r, entryStart, opening)
	return em.Events(), nil
}

// register claims the single active segment of a feature.
func (e *Engine) register(ctx context.Context, featureID string) (context.Context, context.CancelFunc, error) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	if _, busy := e.activeRuns[featureID]; busy {
		return nil, nil, fmt.Errorf("%w: %s", core.ErrRunActive, featureID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.activeRuns[featureID] = cancel
	return runCtx, cancel, nil
}

func (e *Engine) unregister(featureID string) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	delete(e.activeRuns, featureID)
}

// runSegment drives one segment and always ends the stream with exactly one
// last record. The feature is released from the registry before that record
// is emitted, so a consumer reacting to it can resume immediately.
func (e *Engine) runSegment(ctx context.Context, r *run, from entry, opening core.StreamEvent) {
	defer r.em.Close()
	defer r.cancel()

	last, err := func() (core.StreamEvent, error) {
		if err := r.em.Emit(ctx, opening); err != nil {
			return core.StreamEvent{}, err
		}
		if err := e.acquire(ctx); err != nil {
			return core.StreamEvent{}, err
		}
		defer e.releaseSlot()
		return e.drive(ctx, r, from)
	}()
	if err != nil {
		last = e.fail(ctx, r, err)
	}
	e.unregister(r.env.FeatureID)

	emitCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		emitCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), e.config.DrainTimeout)
		defer cancel()
	}
	if err := r.em.Emit(emitCtx, last); err != nil {
		e.logger.Warn("last record not delivered", "feature_id", r.env.FeatureID, "event", string(last.Event), "error", err)
	}

	switch {
	case last.Event == core.EventFinal:
		e.logger.Info("run completed", "feature_id", r.env.FeatureID, "decision", string(r.env.Decision))
		e.notify(emitCtx, CallbackOnComplete, r.env, nil, nil)
	case last.Event == core.EventStatus:
		e.logger.Info("run suspended", "feature_id", r.env.FeatureID, "reasons", r.env.Gate.Reasons)
		e.notify(emitCtx, CallbackOnSuspend, r.env, nil, nil)
	}
}

func (e *Engine) acquire(ctx context.Context) error {
	if e.slots == nil {
		return nil
	}
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) releaseSlot() {
	if e.slots != nil {
		<-e.slots
	}
}

// drive runs the stage sequence from the given entry point and returns the
// record that ends the segment.
func (e *Engine) drive(ctx context.Context, r *run, from entry) (core.StreamEvent, error) {
	p := e.pipeline

	if from == entryStart {
		screening, err := e.prescreen(ctx, r)
		if err != nil {
			return core.StreamEvent{}, err
		}
		switch screening.(type) {
		case agent.Acceptable:
		case agent.NeedsReview, agent.Problematic:
			last, _, err := e.gate(ctx, r, hitl.Signals{PrescreenEscalation: true})
			return last, err
		default:
			return core.StreamEvent{}, fmt.Errorf("%w: unknown screening %T", core.ErrContract, screening)
		}
		if err := e.step(ctx, r, p.Normalizer, p.Normalizer.Process); err != nil {
			return core.StreamEvent{}, err
		}
	}

	if from != entrySummarize {
		if err := e.step(ctx, r, p.Planner, p.Planner.Process); err != nil {
			if errors.Is(err, core.ErrNonProductiveReplan) {
				return e.rejectReplan(ctx, r)
			}
			return core.StreamEvent{}, err
		}
		if err := e.step(ctx, r, p.Retrieval, p.Retrieval.Process); err != nil {
			return core.StreamEvent{}, err
		}
		if err := e.step(ctx, r, p.Synthesizer, p.Synthesizer.Process); err != nil {
			return core.StreamEvent{}, err
		}
		verdict, err := e.review(ctx, r)
		if err != nil {
			return core.StreamEvent{}, err
		}
		last, parked, err := e.gate(ctx, r, hitl.Signals{Contradiction: agent.Contradicted(verdict)})
		if err != nil || parked {
			return last, err
		}
	}

	if err := e.step(ctx, r, p.Summarizer, p.Summarizer.Process); err != nil {
		return core.StreamEvent{}, err
	}
	return core.NewFinalEvent(r.env), nil
}

func (e *Engine) prescreen(ctx context.Context, r *run) (agent.Screening, error) {
	p := e.pipeline.PreScreener
	var screening agent.Screening
	err := e.step(ctx, r, p, func(ctx context.Context, env *core.Envelope) (core.Delta, error) {
		s, err := p.Screen(ctx, env)
		if err != nil {
			return core.Delta{}, err
		}
		screening = s
		return p.Delta(s), nil
	})
	return screening, err
}

func (e *Engine) review(ctx context.Context, r *run) (agent.Verdict, error) {
	rv := e.pipeline.Reviewer
	var verdict agent.Verdict
	err := e.step(ctx, r, rv, func(ctx context.Context, env *core.Envelope) (core.Delta, error) {
		v, err := rv.Review(ctx, env)
		if err != nil {
			return core.Delta{}, err
		}
		verdict = v
		return rv.Delta(v), nil
	})
	return verdict, err
}

// step runs one processor against a clone of the envelope and commits the
// resulting delta.
func (e *Engine) step(
	ctx context.Context,
	r *run,
	proc agent.StageProcessor,
	produce func(ctx context.Context, env *core.Envelope) (core.Delta, error),
) (err error) {
	stage := proc.Stage()
	ctx, span := e.tracer.Start(ctx, "stage."+string(stage), trace.WithAttributes(
		attribute.String("feature.id", r.env.FeatureID),
		attribute.String("stage.processor", proc.Name()),
		attribute.Int("envelope.pass", r.env.Pass),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if wl, ok := e.logger.(*logging.WorkflowLogger); ok {
			wl.WithFeature(r.env.FeatureID).LogStage(string(stage), time.Since(start), err)
			return
		}
		e.logger.Debug("stage finished", "feature_id", r.env.FeatureID, "stage", string(stage),
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeStage, e.callbackContext(r.env, stage, nil, nil)); err != nil {
		return err
	}

	d, err := produce(ctx, r.env.Clone())
	if err != nil {
		return fmt.Errorf("%s: %w", proc.Name(), err)
	}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnDelta, e.callbackContext(r.env, stage, &d, nil)); err != nil {
		return err
	}
	if err := e.commit(ctx, r, d); err != nil {
		return fmt.Errorf("%s: %w", proc.Name(), err)
	}

	e.notify(ctx, CallbackAfterStage, r.env, &d, nil)
	return nil
}

// commit applies d to a copy, persists it and only then adopts it as the
// run's envelope, so a failed save leaves r.env at the last stored state.
// It finally emits the delta's notices followed by its stage record.
func (e *Engine) commit(ctx context.Context, r *run, d core.Delta) error {
	next := r.env.Clone()
	if err := next.Apply(d); err != nil {
		return err
	}
	if err := e.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persist envelope: %w", err)
	}
	*r.env = *next
	for _, n := range d.Notices {
		if err := r.em.Emit(ctx, core.NewStatusEvent(r.env.FeatureID, d.Stage, n.Message, n)); err != nil {
			return err
		}
	}
	return r.em.Emit(ctx, core.NewStageEvent(r.env.FeatureID, d.Stage, d.Message, d.Payload))
}

// gate evaluates the HITL policy. It returns the suspension record and true
// when the envelope was parked at awaiting_human.
func (e *Engine) gate(ctx context.Context, r *run, s hitl.Signals) (core.StreamEvent, bool, error) {
	env := r.env
	ctx, span := e.tracer.Start(ctx, "gate", trace.WithAttributes(attribute.String("feature.id", env.FeatureID)))
	defer span.End()

	if err := hitl.Transition(env.Gate.State, core.GateEvaluating); err != nil {
		return core.StreamEvent{}, false, err
	}
	evaluating := e.carryReviewer(core.GateRecord{State: core.GateEvaluating}, env.Gate)
	if err := env.Apply(core.Delta{Gate: &evaluating}); err != nil {
		return core.StreamEvent{}, false, err
	}

	out := hitl.Evaluate(env, e.policy, s)
	if err := hitl.Transition(core.GateEvaluating, out.State); err != nil {
		return core.StreamEvent{}, false, err
	}
	d := out.Delta()
	*d.Gate = e.carryReviewer(*d.Gate, env.Gate)
	if err := env.Apply(d); err != nil {
		return core.StreamEvent{}, false, err
	}
	if err := e.store.Save(ctx, env); err != nil {
		return core.StreamEvent{}, false, fmt.Errorf("persist envelope: %w", err)
	}
	span.SetAttributes(attribute.String("gate.state", string(out.State)))

	if out.Escalated() {
		return core.NewStatusEvent(env.FeatureID, core.StageAwaitingHuman, d.Message, out), true, nil
	}
	ev := core.NewStatusEvent(env.FeatureID, env.Stage, "gate auto_approved", out)
	return core.StreamEvent{}, false, r.em.Emit(ctx, ev)
}

// carryReviewer keeps the last human action on the gate record across
// re-evaluation so that the projection still reports a human review.
func (e *Engine) carryReviewer(rec, prev core.GateRecord) core.GateRecord {
	rec.Action = prev.Action
	rec.Reviewer = prev.Reviewer
	return rec
}

// rejectReplan parks the envelope again when a replan would repeat the
// previous intents. The replan still counts against the budget.
func (e *Engine) rejectReplan(ctx context.Context, r *run) (core.StreamEvent, error) {
	env := r.env
	if err := hitl.Transition(env.Gate.State, core.GateAwaitingHuman); err != nil {
		return core.StreamEvent{}, err
	}
	rec := e.carryReviewer(core.GateRecord{
		State:   core.GateAwaitingHuman,
		Reasons: []core.GateReason{core.ReasonReplanRejected},
	}, env.Gate)
	if err := env.Apply(core.Delta{Gate: &rec}); err != nil {
		return core.StreamEvent{}, err
	}
	if err := e.store.Save(ctx, env); err != nil {
		return core.StreamEvent{}, fmt.Errorf("persist envelope: %w", err)
	}
	e.logger.Warn("replan rejected", "feature_id", env.FeatureID, "replans", env.Replans)
	return core.NewStatusEvent(env.FeatureID, core.StageAwaitingHuman,
		"replan produced no new intents; a different clarification is needed", rec), nil
}

// fail freezes the envelope at failed and returns the error record.
func (e *Engine) fail(ctx context.Context, r *run, cause error) core.StreamEvent {
	msg := cause.Error()
	if ctx.Err() != nil && errors.Is(cause, ctx.Err()) {
		msg = "run stopped: " + msg
	}
	e.logger.Error("run failed", "feature_id", r.env.FeatureID, "stage", string(r.env.Stage), "error", cause)
	if !r.env.Terminating {
		r.env.Fail(msg)
		if err := e.store.Save(context.WithoutCancel(ctx), r.env); err != nil {
			e.logger.Error("failed envelope not persisted", "feature_id", r.env.FeatureID, "error", err)
		}
	}
	e.notify(context.WithoutCancel(ctx), CallbackOnError, r.env, nil, cause)
	return core.NewErrorEvent(r.env.FeatureID, msg)
}

func (e *Engine) callbackContext(env *core.Envelope, stage core.Stage, d *core.Delta, err error) *CallbackContext {
	return &CallbackContext{
		FeatureID: env.FeatureID,
		Stage:     stage,
		Envelope:  env.Clone(),
		Delta:     d,
		Err:       err,
	}
}

// notify runs callbacks whose errors cannot change the run.
func (e *Engine) notify(ctx context.Context, t CallbackType, env *core.Envelope, d *core.Delta, cause error) {
	if err := e.callbacks.ExecuteCallbacks(ctx, t, e.callbackContext(env, env.Stage, d, cause)); err != nil {
		e.logger.Warn("callback failed", "feature_id", env.FeatureID, "callback", string(t), "error", err)
	}
}

func validateInput(in core.FeatureInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: feature name is required", core.ErrContract)
	}
	return nil
}

func failedSegment(featureID string, err error) <-chan core.StreamEvent {
	ch := make(chan core.StreamEvent, 1)
	ch <- core.NewErrorEvent(featureID, err.Error())
	close(ch)
	return ch
}

func withProcessorLogger(logger logging.Logger) func(o *agent.PipelineOptions) {
	return func(o *agent.PipelineOptions) {
		o.PreScreener = append(o.PreScreener, func(po *agent.PreScreenerOptions) { po.Logger = logger })
		o.Normalizer = append(o.Normalizer, func(no *agent.JargonNormalizerOptions) { no.Logger = logger })
		o.Planner = append(o.Planner, func(po *agent.PlannerOptions) { po.Logger = logger })
		o.Retrieval = append(o.Retrieval, func(ro *agent.RetrievalOptions) { ro.Logger = logger })
		o.Synthesizer = append(o.Synthesizer, func(so *agent.SynthesizerOptions) { so.Logger = logger })
		o.Reviewer = append(o.Reviewer, func(ro *agent.ReviewerOptions) { ro.Logger = logger })
		o.Summarizer = append(o.Summarizer, func(so *agent.SummarizerOptions) { so.Logger = logger })
	}
}
