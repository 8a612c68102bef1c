package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Model = (*MockModel)(nil)

func TestMockModel_CannedResponse(t *testing.T) {
	m := NewMockModel("mock-1", "mock")
	m.AddResponse("classify this", `{"classification":"acceptable"}`)

	respCh, errCh := m.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Text: "classify this"}}})
	text, _, err := Collect(context.Background(), respCh, errCh)

	require.NoError(t, err)
	assert.Equal(t, `{"classification":"acceptable"}`, text)
	assert.Equal(t, Info{Name: "mock-1", Provider: "mock"}, m.Info())
}

func TestMockModel_FallbackAndEcho(t *testing.T) {
	m := NewMockModel("mock", "mock")
	req := Request{Messages: []Message{{Role: RoleUser, Text: "hi"}}}
	respCh, errCh := m.Generate(context.Background(), req)
	text, _, err := Collect(context.Background(), respCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: hi", text)

	m.SetFallback("{}")
	respCh, errCh = m.Generate(context.Background(), req)
	text, _, err = Collect(context.Background(), respCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, "{}", text)
}

func TestMockModel_NoMessages(t *testing.T) {
	m := NewMockModel("mock", "mock")
	respCh, errCh := m.Generate(context.Background(), Request{})
	_, _, err := Collect(context.Background(), respCh, errCh)
	assert.EqualError(t, err, "no messages provided")
}

func TestRequest_LastUserText(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: RoleUser, Text: "first"},
		{Role: RoleAssistant, Text: "reply"},
		{Role: RoleUser, Text: "second"},
		{Role: RoleAssistant, Text: "tail"},
	}}
	assert.Equal(t, "second", req.LastUserText())
}
