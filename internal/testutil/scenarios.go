package testutil

import "github.com/hupe1980/geocomply/core"

// Ready-made runs shared by the facade, server and CLI tests. The engine
// package keeps its own finer-grained scripts.
var (
	// BannerInput auto-approves with ApprovingReasoner and BannerEvidence.
	BannerInput = core.FeatureInput{
		Name:        "Curfew Notice Banner",
		Description: "Shows a banner to minors after 10pm in the EU",
	}

	// ReminderInput parks for review with EscalatingReasoner because the
	// synthesis raises a blocking question.
	ReminderInput = core.FeatureInput{
		Name:        "Night Login Reminder",
		Description: "Reminds minors in Texas to log off at night",
	}
)

// BannerEvidence is the single item the approving run cites as ev-1.
func BannerEvidence() core.Evidence {
	return KB("eu_dsa_minors", "The Digital Services Act sets no curfew duties for notice banners.")
}

// ReminderEvidence is the single item the escalating run cites as ev-1.
func ReminderEvidence() core.Evidence {
	return KB("texas_hb18", "Texas HB 18 regulates late-night access for minors.")
}

const acceptableScreen = `{"classification":"acceptable","confidence":0.9,"reasoning":"Informational change."}`

// ApprovingReasoner scripts a clean auto-approval.
func ApprovingReasoner() *ScriptedReasoner {
	return NewScriptedReasoner().
		On("prescreen", acceptableScreen).
		On("plan", `{"intents":[{"query":"eu curfew notice obligations","soft_tags":["jurisdiction_eu"]}],"tags":["curfew"]}`).
		On("synthesize", `{
			"findings":[{"statement":"No EU rule requires curfew notices for minors.","supporting_evidence_ids":["ev-1"],"risk_level":"low","stance":"refutes"}],
			"open_questions":[]
		}`).
		On("review", `{"decision":"auto_approve","confidence":0.9,"justification":"Informational banner only.","citations":["ev-1"]}`).
		On("summarize", `{"justification":"The banner is informational and no EU rule applies (ev-1)."}`)
}

// EscalatingReasoner scripts a synthesis with a blocking open question so
// the gate parks the run.
func EscalatingReasoner() *ScriptedReasoner {
	return NewScriptedReasoner().
		On("prescreen", acceptableScreen).
		On("plan", `{"intents":[{"query":"texas minor curfew law"}]}`).
		On("synthesize", `{
			"findings":[{"statement":"Texas regulates late-night access for minors.","supporting_evidence_ids":["ev-1"],"risk_level":"medium","stance":"supports"}],
			"open_questions":[{"text":"Does the Texas rule cover reminders?","blocking":true,"category":"policy"}]
		}`).
		On("review", `{"decision":"requires_regulation","confidence":0.8,"justification":"Texas law applies.","citations":["ev-1"]}`).
		On("summarize", `{"justification":"Texas law applies to late-night access for minors (ev-1)."}`)
}
