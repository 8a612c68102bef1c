// Package store provides the in-memory implementations of core.EnvelopeStore
// and core.ReviewStore. The durable SQLite implementation lives in
// store/sqlite.
//
// Both stores hand out clones, so snapshot readers never share memory with the
// engine goroutine that owns a run.
package store
