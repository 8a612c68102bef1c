// Package evidence provides core.EvidenceProvider implementations.
//
//   - Catalog: in-memory knowledge base and curated web sources, loaded from
//     YAML (a built-in catalog is embedded)
//   - Search: web search over a Serper-compatible HTTP API
//   - Multi: queries several providers in order and skips failing ones
//   - Cache: Redis read-through cache in front of any provider
//
// Every provider returns a lazy, finite iter.Seq2. Soft tags only influence
// ranking, never membership.
package evidence
