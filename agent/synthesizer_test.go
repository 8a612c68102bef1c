package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func retrievedEnvelope() *testutil.EnvelopeBuilder {
	return testutil.NewEnvelopeBuilder("Curfew login blocker", "Blocks login for minors in Utah").
		Stage(core.StageRetrieved).
		Intents(core.Intent{ID: "p1-i1", Query: "utah curfew", Critical: true, Hits: 2}).
		Evidence(
			core.Evidence{SourceID: "kb:utah_curfew_guidance", Excerpt: "Curfew guidance.", Reference: "kb://utah_curfew_guidance", IntentID: "p1-i1"},
			core.Evidence{SourceID: "web:le.utah.gov", Excerpt: "Statute text.", Reference: "https://le.utah.gov/sb152", IntentID: "p1-i1"},
		)
}

func TestSynthesizer_CitationIntegrity(t *testing.T) {
	r := testutil.NewScriptedReasoner().On("synthesize", `{
		"findings": [
			{"statement": "Utah requires a curfew for minors.", "supporting_evidence_ids": ["ev-1", "ev-9", "ev-1"], "risk_level": "high", "stance": "supports"},
			{"statement": "No federal rule applies.", "supporting_evidence_ids": ["ev-7"], "risk_level": "low", "stance": "refutes"}
		],
		"open_questions": [{"text": "Which accounts are verified minors?", "blocking": false, "category": "data"}],
		"tags": ["Curfew", "jurisdiction_ut"]
	}`)
	env := retrievedEnvelope().Build()

	d, err := NewSynthesizer(r).Synthesize(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, d.Findings, 1)
	assert.Equal(t, []string{"ev-1"}, d.Findings[0].SupportingEvidenceIDs)
	require.Len(t, d.Questions, 2)
	assert.Equal(t, "Unsupported claim needs evidence: No federal rule applies.", d.Questions[0].Text)
	assert.False(t, d.Questions[0].Blocking)
	assert.Equal(t, []string{"curfew", "jurisdiction_ut"}, d.Tags)
	require.Len(t, d.Notices, 1)
	assert.Equal(t, core.NoticeDataQuality, d.Notices[0].Kind)

	require.NoError(t, env.Apply(d))
	ids := env.EvidenceIDs()
	for _, f := range env.Findings {
		for _, id := range f.SupportingEvidenceIDs {
			assert.Contains(t, ids, id)
		}
	}
	assert.Equal(t, core.DecisionNone, env.Decision, "synthesis never sets a decision")
}

func TestSynthesizer_BlockingQuestions(t *testing.T) {
	t.Run("critical intent without evidence", func(t *testing.T) {
		r := testutil.NewScriptedReasoner().On("synthesize", `{"findings": [], "open_questions": []}`)
		env := retrievedEnvelope().
			Intents(core.Intent{ID: "p1-i1", Query: "utah curfew", Critical: true, Hits: 2}, core.Intent{ID: "p1-i2", Query: "age verification law", Critical: true}).
			Build()

		d, err := NewSynthesizer(r).Synthesize(context.Background(), env)
		require.NoError(t, err)
		require.Len(t, d.Questions, 1)
		assert.True(t, d.Questions[0].Blocking)
		assert.Contains(t, d.Questions[0].Text, "age verification law")
	})

	t.Run("contradicting high-risk findings", func(t *testing.T) {
		r := testutil.NewScriptedReasoner().On("synthesize", `{
			"findings": [
				{"statement": "Applies.", "supporting_evidence_ids": ["ev-1"], "risk_level": "high", "stance": "supports"},
				{"statement": "Does not apply.", "supporting_evidence_ids": ["ev-2"], "risk_level": "high", "stance": "refutes"}
			],
			"open_questions": []
		}`)

		d, err := NewSynthesizer(r).Synthesize(context.Background(), retrievedEnvelope().Build())
		require.NoError(t, err)
		require.Len(t, d.Questions, 1)
		assert.True(t, d.Questions[0].Blocking)
	})

	t.Run("reasoner unavailable", func(t *testing.T) {
		r := testutil.NewScriptedReasoner().OnError("synthesize", errors.New("503"))

		d, err := NewSynthesizer(r).Synthesize(context.Background(), retrievedEnvelope().Build())
		require.NoError(t, err)
		assert.Empty(t, d.Findings)
		require.Len(t, d.Questions, 1)
		assert.True(t, d.Questions[0].Blocking)
		assert.Contains(t, d.Questions[0].Text, "Synthesis unavailable")
	})

	t.Run("malformed output", func(t *testing.T) {
		r := testutil.NewScriptedReasoner().On("synthesize", `{"findings": [{"statement": "x"}]}`)

		d, err := NewSynthesizer(r).Synthesize(context.Background(), retrievedEnvelope().Build())
		require.NoError(t, err)
		require.Len(t, d.Questions, 1)
		assert.Contains(t, d.Questions[0].Text, "malformed")
	})
}
