// Package core provides the foundational domain types and interfaces of the
// compliance workflow:
//
//   - Envelope (the per-feature run record and its invariants)
//   - Stage (the fixed workflow order and legal transitions)
//   - Evidence, Intent and the EvidenceProvider contract
//   - Decisions, human decisions and the HITL gate record
//   - StreamEvent (progress records) and the store interfaces
//
// Implementation concerns (persistence, orchestration, concrete stages) live
// in other packages; core keeps small interfaces so backends can be swapped.
package core
