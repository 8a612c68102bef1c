package geocomply

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geocomply/config"
	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/evidence"
	"github.com/hupe1980/geocomply/internal/testutil"
	"github.com/hupe1980/geocomply/stream"
)

func TestNew_AnalyzeAndResume(t *testing.T) {
	g := New(testutil.EscalatingReasoner(), testutil.NewStaticProvider(testutil.ReminderEvidence()))
	ctx := context.Background()

	res := g.Analyze(ctx, testutil.ReminderInput)
	require.NoError(t, res.Err)
	require.True(t, res.Suspended())

	env, err := g.Snapshot(ctx, res.FeatureID)
	require.NoError(t, err)
	assert.Equal(t, core.StageAwaitingHuman, env.Stage)

	events, err := g.Resume(ctx, core.HumanDecision{
		FeatureID: res.FeatureID,
		Action:    core.ActionApprove,
		Reason:    "legal confirmed reminders are out of scope",
		Reviewer:  "alice",
	})
	require.NoError(t, err)
	last, ok := stream.Last(stream.Collect(events))
	require.True(t, ok)
	assert.Equal(t, core.EventFinal, last.Event)

	reviews, err := g.Reviews(ctx, res.FeatureID)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "alice", reviews[0].Reviewer)
	assert.NoError(t, g.Close())
}

func TestNew_Defaults(t *testing.T) {
	g := New(testutil.ApprovingReasoner(), nil)
	assert.Len(t, g.Roster(), 7)
	assert.Equal(t, 0.6, g.Engine().Policy().Threshold)
}

func TestNew_OptionsReachPipeline(t *testing.T) {
	provider := testutil.NewStaticProvider(testutil.BannerEvidence(), testutil.ReminderEvidence(), testutil.KB("extra", "A third excerpt."))
	g := New(testutil.ApprovingReasoner(), provider, func(o *Options) {
		o.MaxEvidence = 1
	})

	res := g.Analyze(context.Background(), testutil.BannerInput)
	require.NoError(t, res.Err)
	assert.Len(t, res.Envelope.Evidence, 1)
}

func TestAnalyzeBatch(t *testing.T) {
	g := New(testutil.ApprovingReasoner(), testutil.NewStaticProvider(testutil.BannerEvidence()))

	results := g.AnalyzeBatch(context.Background(), []core.FeatureInput{testutil.BannerInput, {Name: ""}, testutil.BannerInput})
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, core.ErrContract)
	assert.NoError(t, results[2].Err)
	assert.NotEqual(t, results[0].FeatureID, results[2].FeatureID)
}

func TestNewFromConfig(t *testing.T) {
	dir := t.TempDir()
	glossary := filepath.Join(dir, "glossary.yaml")
	require.NoError(t, os.WriteFile(glossary, []byte("terms:\n  - term: QZR\n    expansion: quiet zone rollout\n"), 0o600))

	cfg := config.Default()
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = filepath.Join(dir, "runs.db")
	cfg.Evidence.GlossaryFile = glossary
	cfg.Reasoner.APIKey = "test-key"
	cfg.Logging.Level = "error"

	g, err := NewFromConfig(cfg, func(o *Options) {
		o.Policy.MaxReplans = 7
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })

	assert.Equal(t, 7, g.Engine().Policy().MaxReplans, "options override the configuration")
	assert.Equal(t, cfg.Policy.HighRiskTags, g.Engine().Policy().HighRiskTags)

	roster := g.Roster()
	require.Len(t, roster, 7)
	assert.Equal(t, "claude-3-5-sonnet-20241022", roster[0].Model)

	_, err = g.Snapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestNewFromConfig_Errors(t *testing.T) {
	t.Run("bad glossary", func(t *testing.T) {
		cfg := config.Default()
		cfg.Evidence.GlossaryFile = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := NewFromConfig(cfg)
		assert.ErrorContains(t, err, "open glossary")
	})
	t.Run("bad catalog", func(t *testing.T) {
		cfg := config.Default()
		cfg.Evidence.CatalogFile = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := NewFromConfig(cfg)
		assert.ErrorContains(t, err, "open catalog")
	})
	t.Run("unknown provider", func(t *testing.T) {
		cfg := config.Default()
		cfg.Reasoner.Provider = "llama"
		_, err := NewFromConfig(cfg)
		assert.ErrorContains(t, err, "unknown reasoner provider")
	})
}

func TestNewReasoner_OpenAI(t *testing.T) {
	r, err := NewReasoner(config.ReasonerConfig{Provider: "openai", Model: "gpt-4.1-mini", APIKey: "k", MaxTokens: 128}, nil)
	require.NoError(t, err)
	g := New(r, nil)
	assert.Equal(t, "gpt-4.1-mini", g.Roster()[0].Model)
}

func TestNewProvider(t *testing.T) {
	cfg := config.Default().Evidence

	p, closers, err := NewProvider(cfg, nil)
	require.NoError(t, err)
	assert.Empty(t, closers)
	assert.IsType(t, &evidence.Catalog{}, p)

	cfg.Search.APIKey = "serper-key"
	p, _, err = NewProvider(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &evidence.Multi{}, p)

	cfg.Cache.RedisAddr = "127.0.0.1:0"
	p, closers, err = NewProvider(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &evidence.Cache{}, p)
	require.Len(t, closers, 1)
	assert.NoError(t, closers[0].Close())
}
