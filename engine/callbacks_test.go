package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/internal/testutil"
)

func TestCallbackManager_ExecutionOrder(t *testing.T) {
	cm := NewCallbackManager()
	var calls []string
	cm.RegisterCallback(NewFunctionCallback(CallbackAfterStage, func(_ context.Context, cc *CallbackContext) error {
		calls = append(calls, "first:"+string(cc.CallbackType))
		return nil
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackAfterStage, func(context.Context, *CallbackContext) error {
		calls = append(calls, "second")
		return errors.New("boom")
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackAfterStage, func(context.Context, *CallbackContext) error {
		calls = append(calls, "third")
		return nil
	}))

	err := cm.ExecuteCallbacks(context.Background(), CallbackAfterStage, &CallbackContext{FeatureID: "f1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after_stage callback: boom")
	assert.Equal(t, []string{"first:after_stage", "second"}, calls)

	require.NoError(t, cm.ExecuteCallbacks(context.Background(), CallbackOnError, &CallbackContext{}))
}

func TestDeltaValidationCallback(t *testing.T) {
	cb := NewDeltaValidationCallback(func(d core.Delta) error {
		if len(d.Evidence) > 1 {
			return errors.New("too much evidence")
		}
		return nil
	})
	assert.Equal(t, CallbackOnDelta, cb.Type())

	err := cb.Execute(context.Background(), &CallbackContext{Delta: &core.Delta{Evidence: make([]core.Evidence, 2)}})
	assert.ErrorIs(t, err, core.ErrContract)
	assert.NoError(t, cb.Execute(context.Background(), &CallbackContext{Delta: &core.Delta{}}))
	assert.NoError(t, cb.Execute(context.Background(), &CallbackContext{}))
}

func TestEngine_CallbackLifecycle(t *testing.T) {
	var (
		mu     sync.Mutex
		before []core.Stage
		fired  = make(map[CallbackType]int)
	)
	cm := NewCallbackManager()
	cm.RegisterCallback(NewFunctionCallback(CallbackBeforeStage, func(_ context.Context, cc *CallbackContext) error {
		mu.Lock()
		defer mu.Unlock()
		before = append(before, cc.Stage)
		return nil
	}))
	for _, ct := range []CallbackType{CallbackAfterStage, CallbackOnDelta, CallbackOnSuspend, CallbackOnResume, CallbackOnComplete, CallbackOnError} {
		cm.RegisterCallback(NewFunctionCallback(ct, func(_ context.Context, cc *CallbackContext) error {
			mu.Lock()
			defer mu.Unlock()
			fired[cc.CallbackType]++
			return nil
		}))
	}
	cm.RegisterCallback(NewLoggingCallback(CallbackOnSuspend, nil))

	eng := newTestEngine(reminderReasoner(), testutil.NewStaticProvider(texasEvidence()), func(o *Options) {
		o.Callbacks = cm
	})
	ctx := context.Background()

	res := eng.Analyze(ctx, reminderInput)
	require.NoError(t, res.Err)
	require.True(t, res.Suspended())

	mu.Lock()
	assert.Equal(t, []core.Stage{
		core.StagePrescreened, core.StageNormalized, core.StagePlanned,
		core.StageRetrieved, core.StageSynthesized, core.StageReviewed,
	}, before)
	assert.Equal(t, 6, fired[CallbackOnDelta])
	assert.Equal(t, 6, fired[CallbackAfterStage])
	assert.Equal(t, 1, fired[CallbackOnSuspend])
	assert.Zero(t, fired[CallbackOnComplete])
	mu.Unlock()

	events, err := eng.Resume(ctx, core.HumanDecision{FeatureID: res.FeatureID, Action: core.ActionApprove, Reason: "manual check done"})
	require.NoError(t, err)
	collect(t, events)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fired[CallbackOnResume])
	assert.Equal(t, 1, fired[CallbackOnComplete])
	assert.Zero(t, fired[CallbackOnError])
	assert.Equal(t, core.StageSummarized, before[len(before)-1])
}

func TestEngine_CallbackAbortsRun(t *testing.T) {
	t.Run("before stage", func(t *testing.T) {
		var onError error
		cm := NewCallbackManager()
		cm.RegisterCallback(NewFunctionCallback(CallbackBeforeStage, func(_ context.Context, cc *CallbackContext) error {
			if cc.Stage == core.StagePlanned {
				return errors.New("planning disabled")
			}
			return nil
		}))
		cm.RegisterCallback(NewFunctionCallback(CallbackOnError, func(_ context.Context, cc *CallbackContext) error {
			onError = cc.Err
			return nil
		}))
		r := bannerReasoner()
		eng := newTestEngine(r, testutil.NewStaticProvider(dsaEvidence()), func(o *Options) { o.Callbacks = cm })

		res := eng.Analyze(context.Background(), bannerInput)
		require.Error(t, res.Err)
		last := lastEvent(t, res.Events)
		assert.Equal(t, core.EventError, last.Event)
		assert.Contains(t, last.Message, "planning disabled")
		assert.Zero(t, r.Calls("plan"))
		assert.Equal(t, core.StageFailed, res.Envelope.Stage)
		require.Error(t, onError)
	})

	t.Run("delta validation", func(t *testing.T) {
		cm := NewCallbackManager()
		cm.RegisterCallback(NewDeltaValidationCallback(func(d core.Delta) error {
			if d.Stage == core.StageRetrieved && len(d.Evidence) > 0 {
				return errors.New("retrieval is frozen")
			}
			return nil
		}))
		eng := newTestEngine(bannerReasoner(), testutil.NewStaticProvider(dsaEvidence()), func(o *Options) { o.Callbacks = cm })

		res := eng.Analyze(context.Background(), bannerInput)
		require.Error(t, res.Err)
		last := lastEvent(t, res.Events)
		assert.Contains(t, last.Message, core.ErrContract.Error())
		assert.Empty(t, res.Envelope.Evidence, "a rejected delta is never applied")
	})
}
