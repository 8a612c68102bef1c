// Package engine provides the workflow engine that orchestrates geo-regulatory
// compliance analysis runs.
//
// The engine is the single writer of every envelope. It sequences the seven
// stage processors of package agent, applies the delta each processor
// returns, persists the envelope after every applied delta and publishes a
// strictly ordered progress stream per run. Between review and summary it
// evaluates the human-in-the-loop gate of package hitl and, when the policy
// escalates, parks the run until a human decision arrives.
//
// # Architecture Overview
//
// The engine follows a registry-and-segment design:
//
//   - Registry: at most one active segment per feature id
//   - Segment: one goroutine running a contiguous part of the stage sequence
//   - Pipeline: the processors, which never mutate the envelope themselves
//   - Store: the durable envelope record, read back on resume
//   - Callbacks: lifecycle hooks around stages, deltas and run outcomes
//
// # Stage Sequence
//
// A fresh run moves through:
//
//	received -> prescreened -> normalized -> planned -> retrieved
//	         -> synthesized -> reviewed -> [gate] -> summarized
//
// The pre-screen may route a feature straight to the gate. The gate either
// auto-approves and the summarizer closes the run, or it parks the envelope at
// awaiting_human. A human approve or reject continues with the summarizer; a
// request_changes re-enters the planner with the reason as clarification and
// starts another pass, bounded by the policy's replan budget.
//
// # Progress Stream Contract
//
// Each segment delivers its records on its own channel:
//
//   - stage and status records are never terminating
//   - a completed or failed run ends with exactly one final or error record
//   - a parked run ends its segment with a non-terminating status record for
//     awaiting_human and the channel is closed
//   - records of one run keep their emission order
//
// Degraded retrieval, unresolved jargon and stripped citations are reported
// as status records and never fail a run.
//
// # Usage Patterns
//
// Streaming Execution:
//
//	eng := engine.New(r, provider)
//
//	featureID, events, err := eng.Submit(ctx, core.FeatureInput{
//	    Name:        "Curfew login blocker",
//	    Description: "Blocks login for minors in Utah between 10:30pm and 6:30am",
//	})
//	if err != nil {
//	    return err
//	}
//	for ev := range events {
//	    handleEvent(ev)
//	}
//
// Synchronous Execution:
//
//	res := eng.Analyze(ctx, in)
//	if res.Suspended() {
//	    // wait for a reviewer
//	}
//
// Resuming A Parked Run:
//
//	events, err := eng.Resume(ctx, core.HumanDecision{
//	    FeatureID: featureID,
//	    Action:    core.ActionRequestChanges,
//	    Reason:    "the curfew only applies to accounts verified as minors",
//	})
//
// # Concurrency Model
//
// Runs of different features are independent and execute concurrently up to
// Config.MaxConcurrentRuns. Within a run, stages execute in sequence on one
// goroutine. Processors receive a clone of the envelope, so concurrent
// Snapshot reads never observe a half-applied delta. A second Submit or
// Resume for a feature with an active segment fails with core.ErrRunActive.
//
// # Error Handling
//
//   - Startup errors (invalid input, duplicate feature, store failure) are
//     returned directly by Submit and Resume
//   - Critical reasoner timeouts, contract violations and cancellation fail
//     the run and are reported as its single error record
//   - Callback errors before a stage or on a delta fail the run; callback
//     errors on lifecycle notifications are logged
package engine
