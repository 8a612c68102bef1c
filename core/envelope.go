package core

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// RiskLevel grades a finding.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Stance says whether a finding's evidence supports the need for
// geo-specific compliance work.
type Stance string

const (
	StanceSupports  Stance = "supports"
	StanceRefutes   Stance = "refutes"
	StanceUncertain Stance = "uncertain"
)

// Finding is a synthesized claim backed by evidence.
type Finding struct {
	Statement             string    `json:"statement"`
	SupportingEvidenceIDs []string  `json:"supporting_evidence_ids"`
	RiskLevel             RiskLevel `json:"risk_level"`
	Stance                Stance    `json:"stance,omitempty"`
	Pass                  int       `json:"pass"`
}

// Question is an open question raised during analysis.
type Question struct {
	Text     string `json:"text"`
	Blocking bool   `json:"blocking"`
	Resolved bool   `json:"resolved"`
	// Category is one of policy, data, eng or product.
	Category string `json:"category,omitempty"`
	Pass     int    `json:"pass"`
}

// FeatureInput is a single intake item.
type FeatureInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Envelope is the per-feature record of one analysis run. All mutation goes
// through Apply and the explicit transition helpers below; the workflow
// engine is the single writer.
type Envelope struct {
	FeatureID               string     `json:"feature_id"`
	OriginalName            string     `json:"original_name"`
	OriginalDescription     string     `json:"original_description"`
	StandardizedName        string     `json:"standardized_name,omitempty"`
	StandardizedDescription string     `json:"standardized_description,omitempty"`
	Stage                   Stage      `json:"stage"`
	Pass                    int        `json:"pass"`
	Evidence                []Evidence `json:"evidence"`
	Intents                 []Intent   `json:"intents,omitempty"`
	Findings                []Finding  `json:"findings"`
	OpenQuestions           []Question `json:"open_questions"`
	Tags                    []string   `json:"tags,omitempty"`

	Decision      Decision `json:"decision,omitempty"`
	Confidence    float64  `json:"confidence"`
	Justification string   `json:"justification,omitempty"`
	Conditions    []string `json:"conditions,omitempty"`
	Citations     []string `json:"citations,omitempty"`

	Gate           GateRecord `json:"gate"`
	Clarifications []string   `json:"clarifications,omitempty"`
	Replans        int        `json:"replans"`
	Terminating    bool       `json:"terminating"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewEnvelope creates a received envelope with a fresh feature id.
func NewEnvelope(in FeatureInput) *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		FeatureID:           uuid.NewString(),
		OriginalName:        in.Name,
		OriginalDescription: in.Description,
		Stage:               StageReceived,
		Pass:                1,
		Evidence:            []Evidence{},
		Findings:            []Finding{},
		OpenQuestions:       []Question{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Delta is the change a stage processor asks the engine to apply.
type Delta struct {
	Stage Stage

	StandardizedName        string
	StandardizedDescription string

	Evidence  []Evidence
	Intents   []Intent
	Findings  []Finding
	Questions []Question
	Tags      []string

	Decision      *DecisionRecord
	Justification string
	Terminating   bool
	Gate          *GateRecord

	// Message and Payload describe the delta on the progress stream.
	Message string
	Payload any
	// Notices become status records emitted ahead of the stage record.
	Notices []Notice
}

// Apply validates d against the envelope invariants and applies it. A
// violation leaves the envelope untouched and returns an error matching
// ErrContract. Applying to a terminated envelope panics.
func (e *Envelope) Apply(d Delta) error {
	e.mustBeMutable()

	if err := e.validate(d); err != nil {
		return err
	}

	if d.Stage == StageNormalized {
		e.StandardizedName = d.StandardizedName
		e.StandardizedDescription = d.StandardizedDescription
	}
	e.appendEvidence(d.Evidence)
	if d.Intents != nil {
		e.Intents = slices.Clone(d.Intents)
	}
	for _, f := range d.Findings {
		f.Pass = e.Pass
		f.SupportingEvidenceIDs = slices.Clone(f.SupportingEvidenceIDs)
		e.Findings = append(e.Findings, f)
	}
	for _, q := range d.Questions {
		q.Pass = e.Pass
		e.OpenQuestions = append(e.OpenQuestions, q)
	}
	e.mergeTags(d.Tags)
	if d.Decision != nil {
		e.setDecision(*d.Decision)
	}
	if d.Justification != "" {
		e.Justification = d.Justification
	}
	if d.Gate != nil {
		e.Gate = *d.Gate
		e.Gate.Reasons = slices.Clone(d.Gate.Reasons)
	}
	if d.Stage != "" {
		e.Stage = d.Stage
	}
	if d.Terminating {
		e.Terminating = true
	}
	e.touch()
	return nil
}

func (e *Envelope) validate(d Delta) error {
	if d.Stage != "" && d.Stage != e.Stage && !e.Stage.CanTransition(d.Stage) {
		return &TransitionError{From: e.Stage, To: d.Stage}
	}
	if d.Stage == StagePlanned && e.Stage == StageAwaitingHuman && e.Decision != DecisionNone {
		return fmt.Errorf("%w: replan requires a cleared decision", ErrContract)
	}
	if (d.StandardizedName != "" || d.StandardizedDescription != "") && d.Stage != StageNormalized {
		return fmt.Errorf("%w: standardized fields are set only on normalization", ErrContract)
	}
	if d.Stage == StageNormalized && (e.StandardizedName != "" || e.StandardizedDescription != "") {
		return fmt.Errorf("%w: standardized fields already set", ErrContract)
	}
	if (len(d.Findings) > 0 || len(d.Questions) > 0) && d.Stage != StageSynthesized {
		return fmt.Errorf("%w: findings are written only by synthesis", ErrContract)
	}
	if d.Decision != nil {
		if d.Stage != StageReviewed {
			return fmt.Errorf("%w: decision is set only by review", ErrContract)
		}
		if e.Decision != DecisionNone {
			return fmt.Errorf("%w: decision already set for pass %d", ErrContract, e.Pass)
		}
		if err := e.checkDecision(*d.Decision); err != nil {
			return err
		}
	}
	if d.Justification != "" && d.Stage != StageSummarized {
		return fmt.Errorf("%w: justification is rephrased only on summarization", ErrContract)
	}
	if d.Stage == StageSummarized && e.Gate.State != GateResumed && e.HasBlockingQuestion() {
		return fmt.Errorf("%w: unresolved blocking question must pass the HITL gate", ErrContract)
	}
	return nil
}

func (e *Envelope) checkDecision(rec DecisionRecord) error {
	if _, err := ParseDecision(string(rec.Decision)); err != nil {
		return err
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f outside [0,1]", ErrContract, rec.Confidence)
	}
	ids := e.EvidenceIDs()
	for _, c := range rec.Citations {
		if _, ok := ids[c]; !ok {
			return fmt.Errorf("%w: citation %q not in evidence", ErrContract, c)
		}
	}
	return nil
}

func (e *Envelope) setDecision(rec DecisionRecord) {
	e.Decision = rec.Decision
	e.Confidence = rec.Confidence
	e.Justification = rec.Justification
	e.Conditions = slices.Clone(rec.Conditions)
	e.Citations = slices.Clone(rec.Citations)
}

func (e *Envelope) appendEvidence(items []Evidence) {
	if len(items) == 0 {
		return
	}
	type key struct{ source, excerpt string }
	seen := make(map[key]struct{}, len(e.Evidence))
	for _, ev := range e.Evidence {
		seen[key{ev.SourceID, ev.Excerpt}] = struct{}{}
	}
	for _, ev := range items {
		k := key{ev.SourceID, ev.Excerpt}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ev.ID = "ev-" + strconv.Itoa(len(e.Evidence)+1)
		e.Evidence = append(e.Evidence, ev)
	}
}

func (e *Envelope) mergeTags(tags []string) {
	for _, t := range tags {
		if t == "" || slices.Contains(e.Tags, t) {
			continue
		}
		e.Tags = append(e.Tags, t)
	}
	slices.Sort(e.Tags)
}

// OverrideDecision replaces the decision fields with a human verdict and
// resolves every open question. It is only valid while awaiting a human.
func (e *Envelope) OverrideDecision(rec DecisionRecord, h HumanDecision) error {
	e.mustBeMutable()
	if e.Stage != StageAwaitingHuman {
		return ErrNotAwaitingHuman
	}
	if err := e.checkDecision(rec); err != nil {
		return err
	}
	e.setDecision(rec)
	e.resolveQuestions()
	e.Gate.State = GateResumed
	e.Gate.Action = h.Action
	e.Gate.Reviewer = h.Reviewer
	e.touch()
	return nil
}

// BeginReplan prepares a parked envelope for another pass: it records the
// clarification, resolves the questions it answers and clears the decision.
func (e *Envelope) BeginReplan(h HumanDecision) error {
	e.mustBeMutable()
	if e.Stage != StageAwaitingHuman {
		return ErrNotAwaitingHuman
	}
	e.Clarifications = append(e.Clarifications, h.Reason)
	e.resolveQuestions()
	e.setDecision(DecisionRecord{})
	e.Replans++
	e.Pass++
	e.Gate = GateRecord{State: GateResumed, Action: h.Action, Reviewer: h.Reviewer}
	e.touch()
	return nil
}

// Fail moves the envelope to the failed terminal stage.
func (e *Envelope) Fail(reason string) {
	e.mustBeMutable()
	e.Stage = StageFailed
	e.Error = reason
	e.Terminating = true
	e.touch()
}

func (e *Envelope) resolveQuestions() {
	for i := range e.OpenQuestions {
		e.OpenQuestions[i].Resolved = true
	}
}

// HasBlockingQuestion reports whether an unresolved blocking question exists.
func (e *Envelope) HasBlockingQuestion() bool {
	for _, q := range e.OpenQuestions {
		if q.Blocking && !q.Resolved {
			return true
		}
	}
	return false
}

// EvidenceIDs returns the set of evidence ids on the envelope.
func (e *Envelope) EvidenceIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(e.Evidence))
	for _, ev := range e.Evidence {
		ids[ev.ID] = struct{}{}
	}
	return ids
}

// EvidenceByID looks up a single evidence item.
func (e *Envelope) EvidenceByID(id string) (Evidence, bool) {
	for _, ev := range e.Evidence {
		if ev.ID == id {
			return ev, true
		}
	}
	return Evidence{}, false
}

// CurrentFindings returns the findings produced in the current pass.
func (e *Envelope) CurrentFindings() []Finding {
	var out []Finding
	for _, f := range e.Findings {
		if f.Pass == e.Pass {
			out = append(out, f)
		}
	}
	return out
}

// Name returns the standardized name, falling back to the original.
func (e *Envelope) Name() string {
	if e.StandardizedName != "" {
		return e.StandardizedName
	}
	return e.OriginalName
}

// Description returns the standardized description, falling back to the original.
func (e *Envelope) Description() string {
	if e.StandardizedDescription != "" {
		return e.StandardizedDescription
	}
	return e.OriginalDescription
}

// Clone returns a deep copy safe for independent reads.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Evidence = slices.Clone(e.Evidence)
	c.Intents = make([]Intent, len(e.Intents))
	for i, in := range e.Intents {
		in.SoftTags = slices.Clone(in.SoftTags)
		c.Intents[i] = in
	}
	c.Findings = make([]Finding, len(e.Findings))
	for i, f := range e.Findings {
		f.SupportingEvidenceIDs = slices.Clone(f.SupportingEvidenceIDs)
		c.Findings[i] = f
	}
	c.OpenQuestions = slices.Clone(e.OpenQuestions)
	c.Tags = slices.Clone(e.Tags)
	c.Conditions = slices.Clone(e.Conditions)
	c.Citations = slices.Clone(e.Citations)
	c.Clarifications = slices.Clone(e.Clarifications)
	c.Gate.Reasons = slices.Clone(e.Gate.Reasons)
	return &c
}

func (e *Envelope) mustBeMutable() {
	if e.Terminating {
		panic(fmt.Sprintf("geocomply: mutation of terminated envelope %s", e.FeatureID))
	}
}

func (e *Envelope) touch() { e.UpdatedAt = time.Now().UTC() }
