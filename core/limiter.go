package core

import "sync"

// CallLimiter caps the number of calls a stage may make to an external
// collaborator within one run, e.g. evidence lookups for unknown jargon.
// A zero max means unlimited.
type CallLimiter struct {
	mu    sync.Mutex
	max   int
	count int
}

// NewCallLimiter returns a limiter allowing max calls.
func NewCallLimiter(max int) *CallLimiter {
	return &CallLimiter{max: max}
}

// Acquire reserves one call and reports whether it was within budget.
func (cl *CallLimiter) Acquire() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.max > 0 && cl.count >= cl.max {
		return false
	}
	cl.count++
	return true
}

// Used returns the number of reserved calls.
func (cl *CallLimiter) Used() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.count
}

// Remaining returns how many calls are left, or -1 when unlimited.
func (cl *CallLimiter) Remaining() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.max == 0 {
		return -1
	}
	return cl.max - cl.count
}
