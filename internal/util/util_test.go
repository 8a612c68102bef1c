package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type intentOut struct {
	Query    string   `json:"query" description:"search query"`
	SoftTags []string `json:"soft_tags,omitempty"`
	Critical bool     `json:"critical,omitempty"`
}

type planOut struct {
	Intents []intentOut `json:"intents"`
	Risk    string      `json:"risk" enum:"low,medium,high"`
}

func TestCreateSchemaNested(t *testing.T) {
	s := CreateSchema(&planOut{})
	assert.Equal(t, "object", s["type"])
	assert.ElementsMatch(t, []string{"intents", "risk"}, s["required"])

	props := s["properties"].(map[string]any)
	intents := props["intents"].(map[string]any)
	assert.Equal(t, "array", intents["type"])
	items := intents["items"].(map[string]any)
	assert.Equal(t, []string{"query"}, items["required"])
	assert.Equal(t, []string{"low", "medium", "high"}, props["risk"].(map[string]any)["enum"])
}

func TestValidateParameters(t *testing.T) {
	s := CreateSchema(&planOut{})

	ok := map[string]any{"risk": "low", "intents": []any{map[string]any{"query": "utah minors"}}}
	require.NoError(t, ValidateParameters(ok, s))

	missing := map[string]any{"risk": "low", "intents": []any{map[string]any{"soft_tags": []any{}}}}
	err := ValidateParameters(missing, s)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "intents[0].query", verr.Field)

	badEnum := map[string]any{"risk": "extreme", "intents": []any{}}
	require.Error(t, ValidateParameters(badEnum, s))
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("Feature: {{.name}} <{{upper .tag}}>", map[string]any{"name": "Curfew & login", "tag": "ut"})
	require.NoError(t, err)
	assert.Equal(t, "Feature: Curfew & login <UT>", out)

	plain, err := RenderTemplate("no markers", nil)
	require.NoError(t, err)
	assert.Equal(t, "no markers", plain)
}
