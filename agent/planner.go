package agent

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
	"github.com/hupe1980/geocomply/reasoner"
)

// PlannerOptions configures a Planner.
type PlannerOptions struct {
	Instruction Instruction
	// MaxIntents caps the intents kept from the reasoner.
	MaxIntents int
	Logger     logging.Logger
}

// Planner turns the standardized feature into retrieval intents.
type Planner struct {
	Base
	maxIntents int
}

// NewPlanner creates the planning processor.
func NewPlanner(r reasoner.Reasoner, optFns ...func(o *PlannerOptions)) *Planner {
	opts := PlannerOptions{
		Instruction: NewInstructionFromText(planPrompt),
		MaxIntents:  6,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Planner{
		Base: newBase("Planner", "Derives retrieval intents and semantic tags from the standardized feature",
			core.StagePlanned, false, r, opts.Instruction, opts.Logger),
		maxIntents: opts.MaxIntents,
	}
}

type planInput struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Tags            []string `json:"tags,omitempty"`
	Clarifications  []string `json:"clarifications,omitempty"`
	PreviousQueries []string `json:"previous_queries,omitempty"`
}

type planOutput struct {
	Intents []struct {
		Query    string   `json:"query" description:"focused search query"`
		SoftTags []string `json:"soft_tags,omitempty"`
		Critical bool     `json:"critical,omitempty"`
	} `json:"intents"`
	Tags []string `json:"tags,omitempty"`
}

// Plan produces the retrieval plan for the current pass. At least one intent
// is always returned; a reasoner failure falls back to a deterministic plan.
// On a replan whose intents equal the previous pass it returns
// core.ErrNonProductiveReplan.
func (p *Planner) Plan(ctx context.Context, env *core.Envelope) (core.Delta, error) {
	replan := env.Pass > 1 && len(env.Intents) > 0
	derived := MergeTags(env.Tags, DeriveTextTags(env.Name()+"\n"+env.Description()))

	in := planInput{
		Name:           env.Name(),
		Description:    env.Description(),
		Tags:           derived,
		Clarifications: env.Clarifications,
	}
	if replan {
		for _, it := range env.Intents {
			in.PreviousQueries = append(in.PreviousQueries, it.Query)
		}
	}

	var (
		out      planOutput
		fallback bool
	)
	if err := p.reason(ctx, "plan", env, in, &out); err != nil {
		if ctx.Err() != nil {
			return core.Delta{}, ctx.Err()
		}
		p.logger.Warn("planner fell back to deterministic plan", "feature_id", env.FeatureID, "error", err)
		fallback = true
	}

	tags := MergeTags(derived, out.Tags)
	var intents []core.Intent
	for _, it := range out.Intents {
		q := strings.TrimSpace(it.Query)
		if q == "" || len(intents) == p.maxIntents {
			continue
		}
		soft := MergeTags(it.SoftTags, derived)
		intents = append(intents, core.Intent{
			Query:    q,
			SoftTags: soft,
			Critical: it.Critical || hasCriticalTag(it.SoftTags),
		})
	}
	if len(intents) == 0 {
		fallback = true
		intents = fallbackIntents(env.Name(), derived)
	}
	if replan && len(env.Clarifications) > 0 {
		latest := env.Clarifications[len(env.Clarifications)-1]
		intents = appendIntent(intents, core.Intent{
			Query:    strings.TrimSpace(env.Name() + " " + latest),
			SoftTags: MergeTags(derived, DeriveTextTags(latest)),
		})
	}
	for i := range intents {
		intents[i].ID = "p" + strconv.Itoa(env.Pass) + "-i" + strconv.Itoa(i+1)
	}

	if replan && core.SameIntents(env.Intents, intents) {
		return core.Delta{}, core.ErrNonProductiveReplan
	}

	msg := fmt.Sprintf("planned %d intents", len(intents))
	if fallback {
		msg += " (deterministic fallback)"
	}
	return core.Delta{
		Stage:   core.StagePlanned,
		Intents: intents,
		Tags:    tags,
		Message: msg,
		Payload: map[string]any{"intents": intents, "tags": tags, "fallback": fallback},
	}, nil
}

// fallbackIntents builds a plan from tags alone: one intent for the feature
// plus one per jurisdiction.
func fallbackIntents(name string, tags []string) []core.Intent {
	intents := []core.Intent{{
		Query:    strings.TrimSpace(name + " geo-specific legal compliance requirements"),
		SoftTags: tags,
		Critical: hasCriticalTag(tags),
	}}
	for _, j := range jurisdictionTags(tags) {
		region, ok := jurisdictionNames[j]
		if !ok {
			continue
		}
		intents = append(intents, core.Intent{
			Query:    region + " regulation " + name,
			SoftTags: MergeTags([]string{j}, tags),
			Critical: criticalTags[j],
		})
	}
	if slices.Contains(tags, "minor_protection") || slices.Contains(tags, "age_gating") {
		intents = append(intents, core.Intent{
			Query:    "minor protection age verification requirements",
			SoftTags: tags,
		})
	}
	return intents
}

func appendIntent(intents []core.Intent, in core.Intent) []core.Intent {
	for _, it := range intents {
		if strings.EqualFold(it.Query, in.Query) {
			return intents
		}
	}
	return append(intents, in)
}
