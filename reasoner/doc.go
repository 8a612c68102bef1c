// Package reasoner turns a generative model into a structured decision
// function.
//
// A Reasoner receives a task name, an instruction and an arbitrary JSON
// serialisable input and decodes the model's answer into a caller supplied
// struct. ModelReasoner derives a JSON schema from that struct, sends it with
// the prompt and validates the answer before decoding, so a stage processor
// only ever sees well-formed output or ErrMalformedOutput.
//
// Resilient decorates any Reasoner with bounded retries and a per-attempt
// timeout. When every attempt runs out of time the error matches
// core.ErrCriticalTimeout, which critical stages treat as a run failure.
//
//	m, _ := anthropic.NewModel()
//	r := reasoner.NewResilient(reasoner.NewModelReasoner(m), func(o *reasoner.ResilientOptions) {
//		o.Attempts = 3
//		o.Timeout = 20 * time.Second
//	})
//
//	var out struct {
//		Classification string  `json:"classification"`
//		Confidence     float64 `json:"confidence"`
//	}
//	err := r.Reason(ctx, reasoner.Request{Task: "prescreen", Instruction: prompt, Input: feature}, &out)
package reasoner
