package agent

// Default prompt templates. Placeholders are rendered from the envelope; the
// JSON output schema is appended by the reasoner.
const (
	prescreenPrompt = `You evaluate product feature descriptions to decide whether they are
legitimate legal compliance measures or business decisions that could raise
legal or ethical concerns.

acceptable: direct responses to named laws or regulations, or protections of
user rights or safety mandated by law, with a clear jurisdictional reference.
problematic: the motivation is clear but unrelated to user protection or any
legal requirement, or the geographic differentiation serves business goals.
needs_review: the motivation is ambiguous or the legal reason is missing.

For the feature, consider whether a specific legal requirement is mentioned,
whether the geographic restriction serves user protection and whether the
business rationale is secondary to compliance. Explain in 2-3 sentences.`

	jargonPrompt = `You expand internal acronyms and codenames found in product feature
descriptions. For each term, use the search excerpts provided to give a short
expansion (a few words, no acronyms). Omit terms you cannot expand with
confidence.`

	planPrompt = `You are a compliance analysis planner. Given the feature below, produce
retrieval intents: focused search queries for laws, regulations and guidance
that could require geo-specific compliance logic. Mark an intent critical when
the decision cannot be made without it. Add semantic tags such as
jurisdiction_ut, minor_protection, curfew or personalization.

Feature: {{.name}}
Description: {{.description}}
{{- if .clarifications}}
Reviewer clarifications:
{{.clarifications}}
{{- end}}`

	synthesizePrompt = `You synthesize compliance findings from evidence. Every finding must cite
evidence ids from the list provided. For each finding state whether the
evidence supports the need for geo-specific compliance logic (supports),
refutes it (refutes) or is inconclusive (uncertain), and grade its risk.
Raise open questions for missing information; mark a question blocking when
the evidence is contradictory or a decision cannot be made without it.

Feature: {{.name}}
Description: {{.description}}`

	reviewPrompt = `You are a compliance reviewer. Decide whether the feature requires
geo-specific compliance logic:
auto_approve: no geo-specific regulation applies.
approve_with_conditions: it can ship once the listed conditions are met.
requires_regulation: a regulation applies and compliance logic is required.
insufficient_info: the evidence is not enough to decide.
Cite only evidence ids from the list provided. Confidence is between 0 and 1.

Feature: {{.name}}
Description: {{.description}}`

	summarizePrompt = `Write the final justification for a compliance decision in 2-4 sentences
for a product audience. Do not change the decision, the confidence or the
cited evidence; reference citations by id.

Feature: {{.name}}`
)
