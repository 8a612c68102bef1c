package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geocomply/core"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "geocomply.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_EnvelopeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	env := core.NewEnvelope(core.FeatureInput{Name: "Curfew login blocker", Description: "ASL based curfew for Utah minors"})
	require.NoError(t, s.Create(ctx, env))

	require.NoError(t, env.Apply(core.Delta{Stage: core.StagePrescreened}))
	require.NoError(t, env.Apply(core.Delta{
		Stage:                   core.StageNormalized,
		StandardizedName:        "Curfew login blocker",
		StandardizedDescription: "Age-sensitive logic based curfew for Utah minors",
	}))
	require.NoError(t, env.Apply(core.Delta{
		Stage:   core.StagePlanned,
		Intents: []core.Intent{{ID: "p1-i1", Query: "utah curfew", SoftTags: []string{"jurisdiction_ut"}, Critical: true}},
		Tags:    []string{"jurisdiction_ut", "minor_protection"},
	}))
	require.NoError(t, env.Apply(core.Delta{
		Stage:    core.StageRetrieved,
		Evidence: []core.Evidence{{SourceID: "kb", Excerpt: "Utah Social Media Regulation Act", Reference: "kb://utah"}},
	}))
	require.NoError(t, s.Save(ctx, env))

	got, err := s.Get(ctx, env.FeatureID)
	require.NoError(t, err)
	assert.Equal(t, core.StageRetrieved, got.Stage)
	assert.Equal(t, env.StandardizedDescription, got.StandardizedDescription)
	assert.Equal(t, []string{"jurisdiction_ut", "minor_protection"}, got.Tags)
	require.Len(t, got.Evidence, 1)
	assert.Equal(t, "ev-1", got.Evidence[0].ID)
	require.Len(t, got.Intents, 1)
	assert.True(t, got.Intents[0].Critical)
	assert.True(t, env.CreatedAt.Equal(got.CreatedAt))
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = s.Save(ctx, core.NewEnvelope(core.FeatureInput{Name: "ghost"}))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStore_DuplicateCreate(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	env := core.NewEnvelope(core.FeatureInput{Name: "dup"})
	require.NoError(t, s.Create(ctx, env))
	assert.Error(t, s.Create(ctx, env))
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	for _, name := range []string{"first", "second"} {
		require.NoError(t, s.Create(ctx, core.NewEnvelope(core.FeatureInput{Name: name})))
	}
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].OriginalName)
	assert.Equal(t, "second", list[1].OriginalName)
}

func TestStore_Reviews(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	env := core.NewEnvelope(core.FeatureInput{Name: "reviewed"})
	require.NoError(t, s.Create(ctx, env))

	now := time.Now().UTC()
	require.NoError(t, s.AddReview(ctx, core.ReviewRecord{
		ID: "r1", FeatureID: env.FeatureID, Action: core.ActionRequestChanges, Reason: "which states?", CreatedAt: now,
	}))
	require.NoError(t, s.AddReview(ctx, core.ReviewRecord{
		ID: "r2", FeatureID: env.FeatureID, Action: core.ActionApprove, Reason: "utah only",
		Reviewer: "legal@example.com", Decision: core.DecisionRequiresRegulation, CreatedAt: now.Add(time.Second),
	}))

	got, err := s.ListReviews(ctx, env.FeatureID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Empty(t, got[0].Reviewer)
	assert.Equal(t, core.DecisionNone, got[0].Decision)
	assert.Equal(t, "legal@example.com", got[1].Reviewer)
	assert.Equal(t, core.DecisionRequiresRegulation, got[1].Decision)

	none, err := s.ListReviews(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_MigratesV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
CREATE TABLE schema_version (version INTEGER NOT NULL);
CREATE TABLE envelopes (
	feature_id TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	stage      TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	var v int
	require.NoError(t, s.db.QueryRow("SELECT version FROM schema_version").Scan(&v))
	assert.Equal(t, currentSchemaVersion, v)

	ctx := context.Background()
	env := core.NewEnvelope(core.FeatureInput{Name: "after migration"})
	require.NoError(t, s.Create(ctx, env))
	require.NoError(t, s.AddReview(ctx, core.ReviewRecord{ID: "r", FeatureID: env.FeatureID, Action: core.ActionReject, Reason: "no", CreatedAt: time.Now()}))
}

func TestStore_InMemoryPath(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	env := core.NewEnvelope(core.FeatureInput{Name: "volatile"})
	require.NoError(t, s.Create(ctx, env))
	_, err = s.Get(ctx, env.FeatureID)
	require.NoError(t, err)
}
