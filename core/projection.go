package core

import (
	"regexp"
	"strings"
)

// UI is the caller-facing status projection of an envelope.
type UI struct {
	ComplianceFlag string `json:"complianceFlag"`
	ReviewedStatus string `json:"reviewedStatus"`
	RegulationTag  string `json:"regulationTag,omitempty"`
}

// Projection is the payload of the final stream record.
type Projection struct {
	FeatureID               string     `json:"feature_id"`
	StandardizedName        string     `json:"standardized_name"`
	StandardizedDescription string     `json:"standardized_description"`
	Stage                   Stage      `json:"stage"`
	Decision                Decision   `json:"decision"`
	Confidence              float64    `json:"confidence"`
	Justification           string     `json:"justification"`
	Conditions              []string   `json:"conditions"`
	Citations               []string   `json:"citations"`
	OpenQuestions           []Question `json:"open_questions"`
	Terminating             bool       `json:"terminating"`
	UI                      UI         `json:"ui"`
}

// Projection derives the caller-facing view of the envelope. The UI block is
// recomputed on every call from decision, stage and gate state.
func (e *Envelope) Projection() Projection {
	c := e.Clone()
	p := Projection{
		FeatureID:               c.FeatureID,
		StandardizedName:        c.Name(),
		StandardizedDescription: c.Description(),
		Stage:                   c.Stage,
		Decision:                c.Decision,
		Confidence:              c.Confidence,
		Justification:           c.Justification,
		Conditions:              c.Conditions,
		Citations:               c.Citations,
		OpenQuestions:           c.OpenQuestions,
		Terminating:             c.Terminating,
		UI:                      c.UI(),
	}
	if p.Conditions == nil {
		p.Conditions = []string{}
	}
	if p.Citations == nil {
		p.Citations = []string{}
	}
	return p
}

// UI computes the status projection.
func (e *Envelope) UI() UI {
	ui := UI{RegulationTag: e.RegulationTag()}
	switch e.Decision {
	case DecisionRequiresRegulation, DecisionApproveWithConditions:
		ui.ComplianceFlag = "compliant"
	case DecisionAutoApprove:
		ui.ComplianceFlag = "no-compliance"
	default:
		ui.ComplianceFlag = "needs-review"
	}
	switch {
	case e.Gate.Action != "":
		ui.ReviewedStatus = "human-reviewed"
	case e.Stage == StageAwaitingHuman, e.Decision == DecisionInsufficientInfo, e.Decision == DecisionNone:
		ui.ReviewedStatus = "pending"
	default:
		ui.ReviewedStatus = "auto"
	}
	return ui
}

var billPattern = regexp.MustCompile(`\b(SB|HB|AB)[\s-]?(\d{2,4})\b`)

// RegulationTag guesses the primary regulation from cited evidence, falling
// back to all evidence when nothing is cited.
func (e *Envelope) RegulationTag() string {
	var pool []Evidence
	for _, id := range e.Citations {
		if ev, ok := e.EvidenceByID(id); ok {
			pool = append(pool, ev)
		}
	}
	if len(pool) == 0 {
		pool = e.Evidence
	}
	for _, ev := range pool {
		if tag := regulationTagFor(ev); tag != "" {
			return tag
		}
	}
	return ""
}

func regulationTagFor(ev Evidence) string {
	ref := strings.ToLower(ev.Reference)
	text := strings.ToLower(ev.Excerpt + " " + ev.SourceID)
	switch {
	case strings.Contains(ref, "ftc.gov") || strings.Contains(text, "coppa") || strings.Contains(text, "children's online privacy"):
		return "COPPA / FTC"
	case strings.Contains(ref, "europa.eu") || strings.Contains(text, "digital services act") || containsWord(text, "dsa"):
		return "EU DSA"
	case strings.Contains(text, "gdpr") || strings.Contains(text, "general data protection"):
		return "GDPR"
	case strings.Contains(ref, "oag.utah.gov") || strings.Contains(text, "utah"):
		return "Utah Social Media Regulation Act"
	}
	if m := billPattern.FindStringSubmatch(ev.Excerpt); m != nil {
		return m[1] + m[2]
	}
	return ""
}

func containsWord(text, word string) bool {
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if f == word {
			return true
		}
	}
	return false
}
