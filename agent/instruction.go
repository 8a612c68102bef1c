package agent

import (
	"strings"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/internal/util"
)

// Provider supplies dynamic instruction text at runtime.
type Provider interface {
	Instruction(env *core.Envelope) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(env *core.Envelope) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(env *core.Envelope) (string, error) { return f(env) }

// Instruction represents either a template string or a dynamic provider.
// Templates are rendered with text/template against the envelope state
// (name, description, tags, clarifications, pass).
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a template string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(env *core.Envelope) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a template string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text, invoking the provider if needed.
func (i Instruction) Resolve(env *core.Envelope) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(env)
	}
	return util.RenderTemplate(i.text, templateState(env))
}

func templateState(env *core.Envelope) map[string]any {
	if env == nil {
		return map[string]any{}
	}
	return map[string]any{
		"feature_id":     env.FeatureID,
		"name":           env.Name(),
		"description":    env.Description(),
		"tags":           env.Tags,
		"clarifications": strings.Join(env.Clarifications, "\n"),
		"pass":           env.Pass,
	}
}
