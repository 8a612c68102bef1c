package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
)

// CallbackType defines the lifecycle points of a run where callbacks execute.
//
// Callbacks provide a flexible mechanism for hooking into the engine's
// workflow without modifying core logic. Each type represents a specific point
// in a run segment where custom logic can be injected.
//
// Available callback types:
//   - BeforeStage/AfterStage: Around each stage processor
//   - OnDelta: After a processor produced its delta, before it is applied
//   - OnSuspend/OnResume: When a run parks at or leaves the HITL gate
//   - OnComplete: When a run has been summarized
//   - OnError: When a run fails
//
// Callbacks are executed synchronously on the run's goroutine. BeforeStage
// and OnDelta callbacks can abort the run by returning an error; errors from
// the other types are logged and ignored.
type CallbackType string

const (
	// CallbackBeforeStage is triggered before a stage processor runs.
	// Use for instrumentation, quotas or feature flags.
	CallbackBeforeStage CallbackType = "before_stage"

	// CallbackAfterStage is triggered after a stage delta was applied and
	// persisted. Use for metrics collection or external notifications.
	CallbackAfterStage CallbackType = "after_stage"

	// CallbackOnDelta is triggered with the proposed delta before it is
	// applied. Use for additional validation of processor output.
	CallbackOnDelta CallbackType = "on_delta"

	// CallbackOnSuspend is triggered when a run parks at awaiting_human.
	// Use for reviewer notifications.
	CallbackOnSuspend CallbackType = "on_suspend"

	// CallbackOnResume is triggered after a human decision was applied.
	CallbackOnResume CallbackType = "on_resume"

	// CallbackOnComplete is triggered after the final record was emitted.
	CallbackOnComplete CallbackType = "on_complete"

	// CallbackOnError is triggered when a run fails.
	// Use for alerting or recovery bookkeeping.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext provides the context information for callback execution.
//
// The context is populated by the engine and passed to each callback. The
// Envelope is a snapshot clone; mutating it has no effect on the run.
type CallbackContext struct {
	// FeatureID identifies the run.
	FeatureID string

	// Stage is the stage being produced, or the stage the envelope is in for
	// callbacks that are not tied to a processor.
	Stage core.Stage

	// Envelope is a snapshot of the envelope at the time of the callback.
	Envelope *core.Envelope

	// Delta is the proposed change for OnDelta and the applied change for
	// AfterStage. Nil for other callback types.
	Delta *core.Delta

	// Err is the failure for OnError callbacks.
	Err error

	// CallbackType indicates which callback type triggered this execution.
	CallbackType CallbackType

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback defines the interface for run lifecycle hooks.
//
// Implementations should be fast: callbacks run on the run's goroutine and
// block stage progress while they execute.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	notify := NewFunctionCallback(
//	    CallbackOnSuspend,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        return pager.Notify(cc.FeatureID)
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager orchestrates callback execution throughout the run
// lifecycle.
//
// Callbacks are executed in registration order, and any callback returning
// an error stops execution of the remaining callbacks of that type.
//
// Thread Safety:
// Registration and execution may happen concurrently; many runs share one
// manager.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
//
// Example:
//
//	manager := NewCallbackManager()
//	manager.RegisterCallback(NewLoggingCallback(CallbackAfterStage, logger))
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks executes all registered callbacks for the specified type
// and returns the first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return fmt.Errorf("%s callback: %w", callbackType, err)
		}
	}
	return nil
}

// LoggingCallback writes one structured log line per lifecycle event.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the lifecycle event.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	args := []any{"callback", string(c.callbackType), "feature_id", callbackCtx.FeatureID, "stage", string(callbackCtx.Stage)}
	if callbackCtx.Err != nil {
		c.logger.Error("run lifecycle", append(args, "error", callbackCtx.Err)...)
		return nil
	}
	c.logger.Info("run lifecycle", args...)
	return nil
}

// DeltaValidationCallback rejects processor output before it reaches the
// envelope.
//
// Example:
//
//	maxEvidence := NewDeltaValidationCallback(func(d core.Delta) error {
//	    if len(d.Evidence) > 50 {
//	        return errors.New("too much evidence for one pass")
//	    }
//	    return nil
//	})
type DeltaValidationCallback struct {
	validator func(d core.Delta) error
}

// NewDeltaValidationCallback creates a new delta validation callback.
func NewDeltaValidationCallback(validator func(d core.Delta) error) *DeltaValidationCallback {
	return &DeltaValidationCallback{
		validator: validator,
	}
}

// Type returns the callback type (always CallbackOnDelta).
func (c *DeltaValidationCallback) Type() CallbackType {
	return CallbackOnDelta
}

// Execute validates the proposed delta. Validation failures are contract
// violations.
func (c *DeltaValidationCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.validator == nil || callbackCtx.Delta == nil {
		return nil
	}
	if err := c.validator(*callbackCtx.Delta); err != nil {
		return fmt.Errorf("%w: %w", core.ErrContract, err)
	}
	return nil
}
