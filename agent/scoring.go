package agent

import (
	"math"
	"slices"
	"strings"

	"github.com/hupe1980/geocomply/core"
)

// decisiveMargin is the score margin from which the evidence alone points to
// a verdict.
const decisiveMargin = 0.25

// Score is the deterministic evidence-weighted assessment of the findings.
type Score struct {
	// Regulation sums the weight of findings that support a regulation.
	Regulation float64 `json:"regulation"`
	// Clearance sums the weight of findings that refute one.
	Clearance float64 `json:"clearance"`
	// Margin is (Regulation - Clearance) normalized by the number of findings.
	Margin float64 `json:"margin"`
}

// Decisive reports whether the margin points to a verdict.
func (s Score) Decisive() bool { return math.Abs(s.Margin) >= decisiveMargin }

// Leaning returns the verdict the score points to, or DecisionNone when the
// score is not decisive.
func (s Score) Leaning() core.Decision {
	switch {
	case s.Margin >= decisiveMargin:
		return core.DecisionRequiresRegulation
	case s.Margin <= -decisiveMargin:
		return core.DecisionAutoApprove
	default:
		return core.DecisionNone
	}
}

// Agrees reports whether d is consistent with the score. Non-decisive scores
// agree with everything; conditional approval counts as a regulation finding.
func (s Score) Agrees(d core.Decision) bool {
	switch s.Leaning() {
	case core.DecisionRequiresRegulation:
		return d == core.DecisionRequiresRegulation || d == core.DecisionApproveWithConditions
	case core.DecisionAutoApprove:
		return d == core.DecisionAutoApprove
	default:
		return true
	}
}

var riskWeight = map[core.RiskLevel]float64{
	core.RiskHigh:   1.0,
	core.RiskMedium: 0.6,
	core.RiskLow:    0.3,
}

// ScoreFindings weighs every finding by its risk and the average trust of the
// evidence it cites.
func ScoreFindings(env *core.Envelope, findings []core.Finding) Score {
	var s Score
	if len(findings) == 0 {
		return s
	}
	for _, f := range findings {
		w := riskWeight[f.RiskLevel] * averageTrust(env, f.SupportingEvidenceIDs)
		switch f.Stance {
		case core.StanceSupports:
			s.Regulation += w
		case core.StanceRefutes:
			s.Clearance += w
		}
	}
	s.Margin = (s.Regulation - s.Clearance) / float64(len(findings))
	return s
}

func averageTrust(env *core.Envelope, ids []string) float64 {
	var sum float64
	var n int
	for _, id := range ids {
		if ev, ok := env.EvidenceByID(id); ok {
			sum += ev.Trust()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// blendConfidence mixes the reasoner's confidence with the score's support
// for decision d.
func blendConfidence(llm float64, s Score, d core.Decision) float64 {
	var m float64
	switch d {
	case core.DecisionRequiresRegulation, core.DecisionApproveWithConditions:
		m = s.Margin
	case core.DecisionAutoApprove:
		m = -s.Margin
	}
	return clamp01(0.5*clamp01(llm) + 0.5*sigmoid(3*m))
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

var conditionRules = []struct {
	keywords  []string
	condition string
}{
	{[]string{"consent", "parental"}, "Obtain verifiable parental consent before enabling the feature for minors."},
	{[]string{"age ", "age-", "minor", "under 18"}, "Apply age assurance before exposing the feature to minors."},
	{[]string{"retention", "retain", "delete"}, "Define and enforce a data retention and deletion schedule."},
	{[]string{"access", "login", "restrict"}, "Document the access restrictions and how they are enforced per region."},
	{[]string{"audit", "logging", "record"}, "Keep audit logs of enforcement decisions for regulator review."},
	{[]string{"jurisdiction", "region", "state law", "country"}, "Confirm the jurisdictional scope and geo-enforcement boundaries."},
}

const (
	maxConditions    = 6
	maxCitations     = 8
	defaultCondition = "Review the applicable regulations with legal before launch."
)

// deriveConditions maps open question text to conditions by keyword and
// merges them with proposed ones, preserving order without duplicates.
func deriveConditions(proposed []string, questions []core.Question) []string {
	var out []string
	add := func(c string) {
		c = strings.TrimSpace(c)
		if c == "" || len(out) == maxConditions {
			return
		}
		for _, existing := range out {
			if strings.EqualFold(existing, c) {
				return
			}
		}
		out = append(out, c)
	}
	for _, c := range proposed {
		add(c)
	}
	for _, q := range questions {
		text := strings.ToLower(q.Text)
		for _, rule := range conditionRules {
			if containsAny(text, rule.keywords...) {
				add(rule.condition)
			}
		}
	}
	return out
}

// fallbackCitations collects the evidence cited by findings, in order.
func fallbackCitations(findings []core.Finding) []string {
	var out []string
	for _, f := range findings {
		for _, id := range f.SupportingEvidenceIDs {
			if len(out) == maxCitations {
				return out
			}
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}
