// Package testutil contains helper builders and scripted fakes used across
// tests to reduce boilerplate when constructing envelopes, reasoner responses
// and evidence providers. They are not intended for production usage.
package testutil
