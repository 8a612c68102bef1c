package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/internal/testutil"
)

type mockProvider struct {
	text string
	err  error
}

func (m mockProvider) Instruction(*core.Envelope) (string, error) { return m.text, m.err }

func newTestEnvelope() *core.Envelope {
	return testutil.NewEnvelopeBuilder("Curfew login blocker", "Blocks login for minors in Utah").
		Clarifications("Applies to under-18 accounts only").
		Build()
}

func TestInstruction_Static(t *testing.T) {
	inst := NewInstructionFromText("static instruction")
	if !inst.IsStatic() {
		t.Fatalf("expected static instruction")
	}
	got, err := inst.Resolve(newTestEnvelope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "static instruction" {
		t.Fatalf("expected 'static instruction', got %q", got)
	}
}

func TestInstruction_RendersEnvelopeState(t *testing.T) {
	got, err := NewInstructionFromText(planPrompt).Resolve(newTestEnvelope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Feature: Curfew login blocker", "Blocks login for minors in Utah", "Applies to under-18 accounts only"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in rendered prompt:\n%s", want, got)
		}
	}
}

func TestInstruction_OmitsEmptyClarifications(t *testing.T) {
	env := testutil.NewEnvelopeBuilder("Feed", "Personalized feed").Build()
	got, err := NewInstructionFromText(planPrompt).Resolve(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(got, "Reviewer clarifications") {
		t.Fatalf("did not expect clarifications block:\n%s", got)
	}
}

func TestInstruction_NewInstructionFromFunc(t *testing.T) {
	inst := NewInstructionFromFunc(func(env *core.Envelope) (string, error) { return "dynamic for " + env.OriginalName, nil })
	if inst.IsStatic() {
		t.Fatalf("expected dynamic instruction")
	}
	got, err := inst.Resolve(newTestEnvelope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "dynamic for Curfew login blocker" {
		t.Fatalf("unexpected instruction %q", got)
	}
}

func TestInstruction_NewInstructionFromProvider(t *testing.T) {
	inst := NewInstructionFromProvider(mockProvider{text: "provider text"})
	if inst.IsStatic() {
		t.Fatalf("expected dynamic instruction")
	}
	got, err := inst.Resolve(newTestEnvelope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "provider text" {
		t.Fatalf("expected 'provider text', got %q", got)
	}
}

func TestInstruction_ErrorPropagation(t *testing.T) {
	expectedErr := errors.New("boom")
	inst := NewInstructionFromProvider(mockProvider{err: expectedErr})
	_, err := inst.Resolve(newTestEnvelope())
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}
}
