package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/logging"
	"github.com/hupe1980/geocomply/reasoner"
)

// Classification is the pre-screen label.
type Classification string

const (
	ClassAcceptable  Classification = "acceptable"
	ClassNeedsReview Classification = "needs_review"
	ClassProblematic Classification = "problematic"
)

// ParseClassification maps a reasoner label to a Classification. The
// long-form "needs_human_review" is accepted as needs_review.
func ParseClassification(s string) (Classification, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "acceptable":
		return ClassAcceptable, true
	case "needs_review", "needs_human_review", "needs-review":
		return ClassNeedsReview, true
	case "problematic":
		return ClassProblematic, true
	default:
		return "", false
	}
}

// Screening is the closed set of pre-screen outcomes: Acceptable,
// NeedsReview or Problematic.
type Screening interface {
	Class() Classification
	Assessment() ScreenAssessment
	screening()
}

// ScreenAssessment is the data carried by every screening outcome.
type ScreenAssessment struct {
	Confidence         float64  `json:"confidence"`
	Reasoning          string   `json:"reasoning"`
	LegalReferences    []string `json:"legal_references,omitempty"`
	UserProtection     string   `json:"user_protection,omitempty"`
	DiscriminationRisk string   `json:"discrimination_risk"`
	// FailedClosed is set when the outcome was forced by a reasoner failure
	// or an unrecognized label.
	FailedClosed bool `json:"failed_closed,omitempty"`
}

// Acceptable advances the feature to full analysis.
type Acceptable struct{ ScreenAssessment }

// NeedsReview routes the feature straight to a human.
type NeedsReview struct{ ScreenAssessment }

// Problematic routes the feature straight to a human with an ethics flag.
type Problematic struct{ ScreenAssessment }

func (Acceptable) Class() Classification  { return ClassAcceptable }
func (NeedsReview) Class() Classification { return ClassNeedsReview }
func (Problematic) Class() Classification { return ClassProblematic }

func (s Acceptable) Assessment() ScreenAssessment  { return s.ScreenAssessment }
func (s NeedsReview) Assessment() ScreenAssessment { return s.ScreenAssessment }
func (s Problematic) Assessment() ScreenAssessment { return s.ScreenAssessment }

func (Acceptable) screening()  {}
func (NeedsReview) screening() {}
func (Problematic) screening() {}

func newScreening(c Classification, a ScreenAssessment) Screening {
	switch c {
	case ClassAcceptable:
		return Acceptable{a}
	case ClassProblematic:
		return Problematic{a}
	default:
		return NeedsReview{a}
	}
}

// overrideThreshold is the deterministic confidence at which rule-based
// analysis overrides the reasoner's label.
const overrideThreshold = 0.75

// PreScreenerOptions configures a PreScreener.
type PreScreenerOptions struct {
	Instruction Instruction
	Logger      logging.Logger
}

// PreScreener classifies a feature before any analysis runs.
type PreScreener struct {
	Base
}

// NewPreScreener creates the pre-screen processor.
func NewPreScreener(r reasoner.Reasoner, optFns ...func(o *PreScreenerOptions)) *PreScreener {
	opts := PreScreenerOptions{Instruction: NewInstructionFromText(prescreenPrompt)}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &PreScreener{
		Base: newBase("PreScreener", "Classifies a feature as acceptable, needs_review or problematic before analysis",
			core.StagePrescreened, true, r, opts.Instruction, opts.Logger),
	}
}

type prescreenInput struct {
	Name        string `json:"feature_name"`
	Description string `json:"feature_description"`
}

type prescreenOutput struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning,omitempty"`
}

// Screen classifies the original input. Reasoner failures and unknown
// labels fail closed to NeedsReview; only an exhausted deadline is returned
// as an error.
func (p *PreScreener) Screen(ctx context.Context, env *core.Envelope) (Screening, error) {
	text := env.OriginalName + " " + env.OriginalDescription
	det := analyzeScreening(text)

	var out prescreenOutput
	err := p.reason(ctx, "prescreen", env, prescreenInput{Name: env.OriginalName, Description: env.OriginalDescription}, &out)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, core.ErrCriticalTimeout) {
			return nil, err
		}
		p.logger.Warn("prescreen failed closed", "feature_id", env.FeatureID, "error", err)
		a := det.assessment(det.confidence, fmt.Sprintf("Reasoner unavailable (%v); held for human review.", err))
		a.FailedClosed = true
		return NeedsReview{a}, nil
	}

	class, ok := ParseClassification(out.Classification)
	if !ok {
		a := det.assessment(det.confidence, fmt.Sprintf("Unrecognized classification %q; held for human review.", out.Classification))
		a.FailedClosed = true
		return NeedsReview{a}, nil
	}

	reasoning := out.Reasoning
	if det.confidence >= overrideThreshold && det.class != class {
		class = det.class
		reasoning = strings.TrimSpace(reasoning + " [Adjusted by deterministic analysis of legal basis and discrimination risk.]")
	}
	weight := 0.4
	if det.confidence >= overrideThreshold {
		weight = 0.7
	}
	conf := clamp01(weight*det.confidence + (1-weight)*clamp01(out.Confidence))
	return newScreening(class, det.assessment(conf, reasoning)), nil
}

// Delta converts a screening outcome into the prescreened stage delta.
func (p *PreScreener) Delta(s Screening) core.Delta {
	return core.Delta{
		Stage:   core.StagePrescreened,
		Message: fmt.Sprintf("pre-screen: %s", s.Class()),
		Payload: map[string]any{
			"classification": s.Class(),
			"assessment":     s.Assessment(),
		},
	}
}

var (
	strongLegal = []string{
		"mandated by", "required by law", "compliance with", "pursuant to",
		"in accordance with", "to comply with", "legal requirement", "statutory obligation",
		"court order", "regulatory requirement", "legal mandate", "enforced by law",
		"gdpr", "coppa", "ccpa", "cpra", "dsa", "dma", "privacy act", "data protection act",
		"accessibility act", "ada compliance", "child protection law", "social media act",
		"digital services act", "consumer protection", "anti-discrimination law",
		"user rights protection", "legally mandated safety", "required safeguards",
		"regulatory compliance", "consumer protection law", "minor protection law",
	}
	problematicSignals = []string{
		"competitive advantage", "market advantage", "business strategy", "market positioning",
		"revenue optimization", "profit maximization", "cost reduction", "efficiency gains",
		"restrict access", "limit availability", "exclude users", "preferential treatment",
		"selective access", "tiered service", "premium features", "market segmentation",
		"business decision", "corporate policy", "internal guidelines", "company preference",
		"operational efficiency", "resource allocation", "market testing", "pilot program",
	}
	protectionSignals = []string{
		"user safety", "child protection", "minor safety", "privacy protection",
		"data protection", "user rights", "consumer protection", "safety measures",
		"harm prevention", "abuse prevention", "content moderation", "age verification",
	}
	lawPatterns = []*regexp.Regexp{
		regexp.MustCompile(`gdpr|general data protection regulation`),
		regexp.MustCompile(`coppa|children.{0,20}online privacy`),
		regexp.MustCompile(`ccpa|california consumer privacy`),
		regexp.MustCompile(`\bada\b|americans with disabilities`),
		regexp.MustCompile(`section \d+`),
		regexp.MustCompile(`article \d+`),
		regexp.MustCompile(`regulation \d+`),
		regexp.MustCompile(`france.{0,30}copyright`),
		regexp.MustCompile(`eu.{0,20}digital services`),
		regexp.MustCompile(`utah.{0,20}social media`),
		regexp.MustCompile(`florida.{0,30}protections for minors`),
		regexp.MustCompile(`indonesia.{0,30}child protection`),
		regexp.MustCompile(`\b(sb|hb|ab)[\s-]?\d{2,4}\b`),
	}
	harmPatterns = []*regexp.Regexp{
		regexp.MustCompile(`block.{0,20}harmful`),
		regexp.MustCompile(`prevent.{0,20}abuse`),
		regexp.MustCompile(`protect.{0,20}minor`),
	}
)

type screenAnalysis struct {
	legalRefs         []string
	userProtection    string
	businessSecondary bool
	risk              float64
	class             Classification
	confidence        float64
}

func (a screenAnalysis) assessment(conf float64, reasoning string) ScreenAssessment {
	return ScreenAssessment{
		Confidence:         conf,
		Reasoning:          reasoning,
		LegalReferences:    a.legalRefs,
		UserProtection:     a.userProtection,
		DiscriminationRisk: riskBucket(a.risk),
	}
}

// analyzeScreening runs the keyword and citation rules over text.
func analyzeScreening(text string) screenAnalysis {
	t := strings.ToLower(text)
	var a screenAnalysis

	for _, s := range strongLegal {
		if strings.Contains(t, s) {
			a.legalRefs = appendUnique(a.legalRefs, s)
		}
	}
	for _, re := range lawPatterns {
		for _, m := range re.FindAllString(t, -1) {
			a.legalRefs = appendUnique(a.legalRefs, m)
		}
	}
	hasLegal := len(a.legalRefs) > 0
	mentionsLaw := containsAny(t, "law", "regulation", "mandate", "require")

	for _, s := range protectionSignals {
		if strings.Contains(t, s) {
			if mentionsLaw {
				a.userProtection = "User protection via " + s + " with legal basis"
			} else {
				a.userProtection = "User protection via " + s + " (legal basis unclear)"
			}
			break
		}
	}
	if a.userProtection == "" {
		for _, re := range harmPatterns {
			if re.MatchString(t) {
				a.userProtection = "Harm prevention measures"
				break
			}
		}
	}

	business := countContains(t, problematicSignals)
	legal := countContains(t, strongLegal)
	a.businessSecondary = legal > business && legal >= 2
	if containsAny(t, "restrict", "exclude", "limit") {
		a.risk += 0.3
	}
	if business > legal {
		a.risk += 0.4
	}
	if containsAny(t, "competitive", "advantage") {
		a.risk += 0.3
	}
	if !containsAny(t, "law", "regulation", "compliance") {
		a.risk += 0.2
	}
	a.risk = min(1.0, a.risk)

	switch {
	case hasLegal && len(a.legalRefs) >= 2 && a.userProtection != "" && a.businessSecondary:
		a.class, a.confidence = ClassAcceptable, 0.9
	case hasLegal && a.risk <= 0.3:
		a.class, a.confidence = ClassAcceptable, 0.8
	case a.risk >= 0.6 && !hasLegal:
		a.class, a.confidence = ClassProblematic, 0.85
	case !a.businessSecondary && a.risk >= 0.4:
		a.class, a.confidence = ClassProblematic, 0.75
	case hasLegal && (a.userProtection == "" || a.risk > 0.4):
		a.class, a.confidence = ClassNeedsReview, 0.7
	case !hasLegal && a.risk <= 0.4:
		a.class, a.confidence = ClassNeedsReview, 0.6
	default:
		a.class, a.confidence = ClassNeedsReview, 0.5
	}
	return a
}

func riskBucket(r float64) string {
	switch {
	case r >= 0.7:
		return "high"
	case r >= 0.4:
		return "medium"
	case r >= 0.2:
		return "low"
	default:
		return "none"
	}
}

func containsAny(text string, subs ...string) bool {
	for _, s := range subs {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

func countContains(text string, subs []string) int {
	n := 0
	for _, s := range subs {
		if strings.Contains(text, s) {
			n++
		}
	}
	return n
}

func appendUnique(xs []string, s string) []string {
	for _, x := range xs {
		if x == s {
			return xs
		}
	}
	return append(xs, s)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
