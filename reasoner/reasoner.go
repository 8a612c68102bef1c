package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/geocomply/internal/util"
	"github.com/hupe1980/geocomply/logging"
	"github.com/hupe1980/geocomply/model"
)

// ErrMalformedOutput is returned when the model answer is not valid JSON or
// does not match the requested output schema.
var ErrMalformedOutput = errors.New("malformed reasoner output")

// Request is one structured reasoning call.
type Request struct {
	// Task names the call ("prescreen", "plan", "review", ...). It selects
	// scripted answers in tests and labels logs and spans.
	Task string
	// Instruction is the rendered system prompt.
	Instruction string
	// Input is serialised as JSON and sent as the user message.
	Input any
}

// Reasoner produces structured output for a task. Implementations must decode
// their answer into out, which is a pointer to a struct.
type Reasoner interface {
	Reason(ctx context.Context, req Request, out any) error
}

// Describer is implemented by reasoners that can name their backing model.
type Describer interface {
	ModelName() string
}

// Func adapts a plain function to the Reasoner interface.
type Func func(ctx context.Context, req Request, out any) error

// Reason calls f.
func (f Func) Reason(ctx context.Context, req Request, out any) error { return f(ctx, req, out) }

// ModelName returns the name of the backing model, or "" when r does not
// expose one.
func ModelName(r Reasoner) string {
	if d, ok := r.(Describer); ok {
		return d.ModelName()
	}
	return ""
}

// ModelOptions configures a ModelReasoner.
type ModelOptions struct {
	Logger logging.Logger
	Tracer trace.Tracer
}

// ModelReasoner asks a model.Model for JSON and decodes it into the caller's
// output struct after validating it against a schema derived from that struct.
type ModelReasoner struct {
	model  model.Model
	logger logging.Logger
	tracer trace.Tracer
}

var _ Reasoner = (*ModelReasoner)(nil)
var _ Describer = (*ModelReasoner)(nil)

// NewModelReasoner wraps m.
func NewModelReasoner(m model.Model, optFns ...func(o *ModelOptions)) *ModelReasoner {
	opts := ModelOptions{
		Logger: logging.NoOpLogger{},
		Tracer: otel.Tracer("github.com/hupe1980/geocomply/reasoner"),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ModelReasoner{model: m, logger: opts.Logger, tracer: opts.Tracer}
}

// ModelName implements Describer.
func (r *ModelReasoner) ModelName() string { return r.model.Info().Name }

// Reason implements Reasoner.
func (r *ModelReasoner) Reason(ctx context.Context, req Request, out any) (err error) {
	ctx, span := r.tracer.Start(ctx, "reasoner."+req.Task, trace.WithAttributes(
		attribute.String("reasoner.task", req.Task),
		attribute.String("reasoner.model", r.model.Info().Name),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.logger.Debug("reasoner call", "task", req.Task, "model", r.model.Info().Name,
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
	}()

	schema := util.CreateSchema(out)
	prompt, err := buildPrompt(req.Instruction, schema)
	if err != nil {
		return err
	}
	input, err := json.Marshal(req.Input)
	if err != nil {
		return fmt.Errorf("encode %s input: %w", req.Task, err)
	}

	respCh, errCh := r.model.Generate(ctx, model.Request{
		Instructions: prompt,
		Messages:     []model.Message{{Role: model.RoleUser, Text: string(input)}},
		JSON:         true,
	})
	text, usage, err := model.Collect(ctx, respCh, errCh)
	if err != nil {
		return fmt.Errorf("%s: %w", req.Task, err)
	}
	if usage != nil {
		span.SetAttributes(
			attribute.Int("reasoner.input_tokens", usage.PromptTokens),
			attribute.Int("reasoner.output_tokens", usage.CompletionTokens),
		)
	}

	return Decode(text, schema, out)
}

func buildPrompt(instruction string, schema map[string]any) (string, error) {
	b, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode output schema: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(instruction))
	sb.WriteString("\n\nRespond with a single JSON object matching this schema and nothing else:\n")
	sb.Write(b)
	return sb.String(), nil
}

// Decode extracts the JSON object from text, validates it against schema and
// unmarshals it into out.
func Decode(text string, schema map[string]any, out any) error {
	raw, ok := ExtractJSON(text)
	if !ok {
		return fmt.Errorf("%w: no JSON object in answer", ErrMalformedOutput)
	}
	var generic map[string]any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := util.ValidateParameters(generic, schema); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

// ExtractJSON returns the outermost JSON object in text, tolerating markdown
// code fences and surrounding prose.
func ExtractJSON(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
