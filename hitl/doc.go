// Package hitl implements the human-in-the-loop gate: a deterministic policy
// that decides whether a reviewed envelope may proceed automatically, and the
// application of a human decision to a parked envelope.
//
// Gate states move evaluating -> auto_approved | awaiting_human, then
// awaiting_human -> resumed once a human acts. A replan re-enters evaluating
// on the next pass.
package hitl
