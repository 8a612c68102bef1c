// Package model defines the provider-agnostic abstraction over text
// generation backends used by the reasoner.
//
// Core goals:
//   - A single Generate call returning response and error channels
//   - Minimal, transport independent request/response shapes
//   - Lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic) implement Model in their own sub-packages so
// the stages stay decoupled from vendor SDKs.
package model
