package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/geocomply/internal/util"
	"github.com/hupe1980/geocomply/reasoner"
)

// Response is one scripted reasoner reply.
type Response struct {
	JSON  string
	Err   error
	Delay time.Duration
}

// ScriptedReasoner replies per task from a queue of scripted responses. The
// last response of a task repeats once the queue is drained. Replies are
// decoded against the output schema like a real model reply.
type ScriptedReasoner struct {
	mu        sync.Mutex
	name      string
	responses map[string][]Response
	calls     []reasoner.Request
}

var _ reasoner.Reasoner = (*ScriptedReasoner)(nil)
var _ reasoner.Describer = (*ScriptedReasoner)(nil)

// NewScriptedReasoner creates a reasoner with no scripted tasks.
func NewScriptedReasoner() *ScriptedReasoner {
	return &ScriptedReasoner{name: "scripted", responses: make(map[string][]Response)}
}

// On queues a JSON reply for task (chainable).
func (s *ScriptedReasoner) On(task, json string) *ScriptedReasoner {
	return s.Push(task, Response{JSON: json})
}

// OnError queues a failure for task (chainable).
func (s *ScriptedReasoner) OnError(task string, err error) *ScriptedReasoner {
	return s.Push(task, Response{Err: err})
}

// Push queues an arbitrary response for task (chainable).
func (s *ScriptedReasoner) Push(task string, r Response) *ScriptedReasoner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[task] = append(s.responses[task], r)
	return s
}

// ModelName implements reasoner.Describer.
func (s *ScriptedReasoner) ModelName() string { return s.name }

// Reason implements reasoner.Reasoner.
func (s *ScriptedReasoner) Reason(ctx context.Context, req reasoner.Request, out any) error {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	queue := s.responses[req.Task]
	var (
		r  Response
		ok bool
	)
	if len(queue) > 0 {
		r, ok = queue[0], true
		if len(queue) > 1 {
			s.responses[req.Task] = queue[1:]
		}
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("no scripted response for task %q", req.Task)
	}
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.Err != nil {
		return r.Err
	}
	return reasoner.Decode(r.JSON, util.CreateSchema(out), out)
}

// Calls returns how often task was requested. An empty task counts all calls.
func (s *ScriptedReasoner) Calls(task string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if task == "" || c.Task == task {
			n++
		}
	}
	return n
}

// LastRequest returns the most recent request for task.
func (s *ScriptedReasoner) LastRequest(task string) (reasoner.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].Task == task {
			return s.calls[i], true
		}
	}
	return reasoner.Request{}, false
}
