package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geocomply"
	"github.com/hupe1980/geocomply/agent"
	"github.com/hupe1980/geocomply/config"
	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/internal/testutil"
	"github.com/hupe1980/geocomply/reasoner"
	"github.com/hupe1980/geocomply/stream"
)

// executeCommand runs the root command with args and returns captured stdout
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	t.Cleanup(resetFlags)

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlags restores every subcommand flag so runs do not leak into each other.
func resetFlags() {
	for _, c := range rootCmd.Commands() {
		c.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
}

// useService makes every command in the test share one in-process instance.
func useService(t *testing.T, r reasoner.Reasoner, provider core.EvidenceProvider) *geocomply.Geocomply {
	t.Helper()
	g := geocomply.New(r, provider)
	prev := newService
	newService = func(*config.Config) (service, error) { return g, nil }
	t.Cleanup(func() { newService = prev })
	return g
}

func decodeEvents(t *testing.T, out string) []core.StreamEvent {
	t.Helper()
	events, err := stream.Decode(strings.NewReader(out))
	require.NoError(t, err)
	return events
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "geocomply", rootCmd.Use)

	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range []string{"serve", "analyze", "review", "roster", "jargon"} {
		assert.True(t, cmdMap[expected], "expected subcommand %q", expected)
	}
}

func TestAnalyze_Single(t *testing.T) {
	useService(t, testutil.ApprovingReasoner(), testutil.NewStaticProvider(testutil.BannerEvidence()))

	out, err := executeCommand(t, "analyze",
		"--name", testutil.BannerInput.Name,
		"--description", testutil.BannerInput.Description)
	require.NoError(t, err)

	events := decodeEvents(t, out)
	require.NoError(t, stream.CheckSegment(events))
	last, ok := stream.Last(events)
	require.True(t, ok)
	assert.Equal(t, core.EventFinal, last.Event)
	assert.NotEmpty(t, last.FeatureID)
}

func TestAnalyze_FileBatch(t *testing.T) {
	useService(t, testutil.ApprovingReasoner(), testutil.NewStaticProvider(testutil.BannerEvidence()))

	raw, err := json.Marshal([]core.FeatureInput{testutil.BannerInput, testutil.BannerInput})
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "features.json")
	require.NoError(t, os.WriteFile(file, raw, 0o600))

	out, err := executeCommand(t, "analyze", "--file", file)
	require.NoError(t, err)

	finals := map[string]bool{}
	for _, ev := range decodeEvents(t, out) {
		if ev.Event == core.EventFinal {
			finals[ev.FeatureID] = true
		}
	}
	assert.Len(t, finals, 2)
}

func TestAnalyze_Stdin(t *testing.T) {
	useService(t, testutil.ApprovingReasoner(), testutil.NewStaticProvider(testutil.BannerEvidence()))

	rootCmd.SetIn(strings.NewReader(`{"name":"Curfew Notice Banner","description":"Shows a banner to minors after 10pm in the EU"}`))
	t.Cleanup(func() { rootCmd.SetIn(nil) })

	out, err := executeCommand(t, "analyze", "--file", "-")
	require.NoError(t, err)
	last, ok := stream.Last(decodeEvents(t, out))
	require.True(t, ok)
	assert.Equal(t, core.EventFinal, last.Event)
}

func TestAnalyze_Errors(t *testing.T) {
	useService(t, testutil.ApprovingReasoner(), nil)

	t.Run("no input", func(t *testing.T) {
		_, err := executeCommand(t, "analyze")
		assert.ErrorContains(t, err, "--name or --file")
	})
	t.Run("name and file", func(t *testing.T) {
		_, err := executeCommand(t, "analyze", "--name", "x", "--file", "y.json")
		assert.Error(t, err)
	})
	t.Run("bad file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "features.json")
		require.NoError(t, os.WriteFile(file, []byte("not json"), 0o600))
		_, err := executeCommand(t, "analyze", "--file", file)
		assert.ErrorContains(t, err, "decode features")
	})
	t.Run("empty batch", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "features.json")
		require.NoError(t, os.WriteFile(file, []byte("[]"), 0o600))
		_, err := executeCommand(t, "analyze", "--file", file)
		assert.ErrorContains(t, err, "no features")
	})
	t.Run("blank name", func(t *testing.T) {
		_, err := executeCommand(t, "analyze", "--name", " ", "--description", "blank name")
		assert.ErrorIs(t, err, core.ErrContract)
	})
}

func TestReview_ApproveParkedRun(t *testing.T) {
	useService(t, testutil.EscalatingReasoner(), testutil.NewStaticProvider(testutil.ReminderEvidence()))

	out, err := executeCommand(t, "analyze",
		"--name", testutil.ReminderInput.Name,
		"--description", testutil.ReminderInput.Description)
	require.NoError(t, err)
	events := decodeEvents(t, out)
	require.True(t, stream.Suspended(events))
	last, _ := stream.Last(events)
	featureID := last.FeatureID

	out, err = executeCommand(t, "review",
		"--feature-id", featureID,
		"--action", "approve",
		"--reason", "legal confirmed reminders are out of scope",
		"--reviewer", "alice")
	require.NoError(t, err)
	last, ok := stream.Last(decodeEvents(t, out))
	require.True(t, ok)
	assert.Equal(t, core.EventFinal, last.Event)

	out, err = executeCommand(t, "review", "--feature-id", featureID, "--history")
	require.NoError(t, err)
	var records []core.ReviewRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Reviewer)

	_, err = executeCommand(t, "review", "--feature-id", featureID, "--action", "approve", "--reason", "again")
	assert.ErrorIs(t, err, core.ErrNotAwaitingHuman)
}

func TestExecuteCommand_FlagsDoNotLeak(t *testing.T) {
	useService(t, testutil.ApprovingReasoner(), nil)

	_, err := executeCommand(t, "roster", "--json")
	require.NoError(t, err)

	out, err := executeCommand(t, "roster")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "NAME"), "--json from the previous run must not carry over")
}

func TestReview_Errors(t *testing.T) {
	useService(t, testutil.ApprovingReasoner(), nil)

	t.Run("missing feature id", func(t *testing.T) {
		_, err := executeCommand(t, "review", "--action", "approve")
		assert.ErrorContains(t, err, "feature-id")
	})
	t.Run("missing action", func(t *testing.T) {
		_, err := executeCommand(t, "review", "--feature-id", "f-1")
		assert.ErrorContains(t, err, "--action")
	})
	t.Run("invalid action", func(t *testing.T) {
		_, err := executeCommand(t, "review", "--feature-id", "f-1", "--action", "escalate", "--reason", "x")
		assert.ErrorIs(t, err, core.ErrInvalidAction)
	})
	t.Run("unknown feature", func(t *testing.T) {
		_, err := executeCommand(t, "review", "--feature-id", "missing", "--action", "reject", "--reason", "x")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestRoster(t *testing.T) {
	useService(t, testutil.ApprovingReasoner(), nil)

	out, err := executeCommand(t, "roster")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 8)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, out, string(agent.Ready))

	out, err = executeCommand(t, "roster", "--json")
	require.NoError(t, err)
	var roster []agent.Status
	require.NoError(t, json.Unmarshal([]byte(out), &roster))
	assert.Len(t, roster, 7)
}

func TestJargon(t *testing.T) {
	useService(t, testutil.ApprovingReasoner(), nil)

	out, err := executeCommand(t, "jargon")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "TERM"))
	assert.Contains(t, out, "geo-handler routing module")

	out, err = executeCommand(t, "jargon", "gh", "--json")
	require.NoError(t, err)
	var terms []agent.Term
	require.NoError(t, json.Unmarshal([]byte(out), &terms))
	require.Len(t, terms, 1)
	assert.Equal(t, "GH", terms[0].Term)

	_, err = executeCommand(t, "jargon", "unknown-term")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestInvalidConfiguration(t *testing.T) {
	useService(t, testutil.ApprovingReasoner(), nil)
	t.Setenv("GEOCOMPLY_STORE_DRIVER", "postgres")

	_, err := executeCommand(t, "roster")
	require.Error(t, err)
	assert.ErrorContains(t, err, "store.driver")
}

func TestServe_StopsWithContext(t *testing.T) {
	useService(t, testutil.ApprovingReasoner(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	serveCmd.SetContext(ctx)
	t.Cleanup(func() { serveCmd.SetContext(context.Background()) })

	_, err := executeCommand(t, "serve", "--addr", "127.0.0.1:0")
	assert.NoError(t, err)
}

func TestServe_BadAddress(t *testing.T) {
	useService(t, testutil.ApprovingReasoner(), nil)

	_, err := executeCommand(t, "serve", "--addr", "127.0.0.1:99999")
	assert.ErrorContains(t, err, "listen")
}
