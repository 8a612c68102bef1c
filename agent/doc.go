// Package agent contains the seven stage processors of the compliance
// workflow and the plumbing they share.
//
//  1. PreScreener classifies the raw input (closed Screening variant)
//  2. JargonNormalizer expands internal terms through a glossary
//  3. Planner derives retrieval intents and semantic tags
//  4. RetrievalCoordinator runs the intents against an EvidenceProvider
//  5. Synthesizer turns evidence into cited findings and open questions
//  6. Reviewer proposes a decision (closed Verdict variant)
//  7. Summarizer writes the final justification
//
// Every processor embeds Base, reads a cloned envelope and returns a
// core.Delta; only the engine applies deltas. Reasoner failures degrade to
// safe defaults except in the critical processors (PreScreener, Reviewer),
// where an exhausted deadline surfaces as core.ErrCriticalTimeout.
package agent
