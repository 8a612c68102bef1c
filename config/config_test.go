package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/geocomply/hitl"
	"github.com/hupe1980/geocomply/logging"
)

// resetViper isolates tests that share the global viper instance.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "anthropic", cfg.Reasoner.Provider)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 0.6, cfg.Policy.ConfidenceThreshold)
	assert.Equal(t, []string{"jurisdiction_ut"}, cfg.Policy.HighRiskTags)
	assert.Equal(t, 2, cfg.Policy.MaxReplans)
	assert.Empty(t, cfg.Evidence.Search.APIKey, "web search is opt-in")
	assert.Empty(t, cfg.Evidence.Cache.RedisAddr, "the redis cache is opt-in")
}

func TestConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "geocomply"), ConfigDir())
	assert.Equal(t, filepath.Join("/tmp/xdg", "geocomply", "config.yaml"), ConfigFile())
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)
	SetDefaults()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Engine, cfg.Engine)
	assert.Equal(t, Default().Policy, cfg.Policy)
	assert.Equal(t, Default().Reasoner, cfg.Reasoner)
}

func TestLoad_EnvOverrides(t *testing.T) {
	resetViper(t)
	t.Setenv("GEOCOMPLY_STORE_DRIVER", "sqlite")
	t.Setenv("GEOCOMPLY_STORE_PATH", "/var/lib/geocomply/runs.db")
	t.Setenv("GEOCOMPLY_REASONER_PROVIDER", "openai")
	t.Setenv("GEOCOMPLY_POLICY_MAX_REPLANS", "5")
	t.Setenv("GEOCOMPLY_EVIDENCE_CACHE_REDIS_ADDR", "localhost:6379")
	SetDefaults()
	BindEnv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/var/lib/geocomply/runs.db", cfg.Store.Path)
	assert.Equal(t, "openai", cfg.Reasoner.Provider)
	assert.Equal(t, 5, cfg.Policy.MaxReplans)
	assert.Equal(t, "localhost:6379", cfg.Evidence.Cache.RedisAddr)
}

func TestLoad_YAMLFile(t *testing.T) {
	resetViper(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  max_concurrent_runs: 4
  intent_timeout_ms: 2500
policy:
  confidence_threshold: 0.75
  high_risk_tags: [jurisdiction_ut, minors]
reasoner:
  model: claude-sonnet-4-0
  timeout_seconds: 45
logging:
  level: debug
  format: text
`), 0o600))

	SetDefaults()
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentRuns)
	assert.Equal(t, 2500*time.Millisecond, cfg.Engine.IntentTimeout())
	assert.Equal(t, Default().Engine.EventBufferSize, cfg.Engine.EventBufferSize, "unset keys keep their defaults")
	assert.Equal(t, hitl.Policy{
		Threshold:    0.75,
		HighRiskTags: []string{"jurisdiction_ut", "minors"},
		MaxReplans:   2,
	}, cfg.Policy.GatePolicy())
	assert.Equal(t, "claude-sonnet-4-0", cfg.Reasoner.Model)
	assert.Equal(t, 45*time.Second, cfg.Reasoner.Timeout())
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_ValidationFailure(t *testing.T) {
	resetViper(t)
	SetDefaults()
	viper.Set("store.driver", "postgres")
	viper.Set("policy.confidence_threshold", 1.5)

	cfg, err := Load()
	require.Error(t, err)
	assert.Nil(t, cfg)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 2)
	assert.Equal(t, "policy.confidence_threshold", verrs[0].Field)
	assert.Equal(t, "store.driver", verrs[1].Field)
}

func TestConfig_EngineSettings(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxConcurrentRuns = 3
	cfg.Engine.DrainTimeoutMs = 250
	cfg.Reasoner.Attempts = 4
	cfg.Reasoner.TimeoutSeconds = 5
	cfg.Reasoner.BackoffMs = 50

	got := cfg.EngineSettings()
	assert.Equal(t, 3, got.MaxConcurrentRuns)
	assert.Equal(t, cfg.Engine.EventBufferSize, got.EventBufferSize)
	assert.Equal(t, 4, got.ReasonerAttempts)
	assert.Equal(t, 5*time.Second, got.ReasonerTimeout)
	assert.Equal(t, 50*time.Millisecond, got.ReasonerBackoff)
	assert.Equal(t, 250*time.Millisecond, got.DrainTimeout)
}

func TestPolicyConfig_GatePolicyCopiesTags(t *testing.T) {
	pc := PolicyConfig{ConfidenceThreshold: 0.5, HighRiskTags: []string{"jurisdiction_ut"}}
	p := pc.GatePolicy()
	p.HighRiskTags[0] = "changed"
	assert.Equal(t, "jurisdiction_ut", pc.HighRiskTags[0])
}

func TestDurations(t *testing.T) {
	assert.Equal(t, 90*time.Minute, (&CacheConfig{TTLMinutes: 90}).TTL())
	assert.Equal(t, 3*time.Second, (&ServerConfig{ReadHeaderTimeoutSeconds: 3}).ReadHeaderTimeout())
	assert.Equal(t, 20*time.Second, (&ServerConfig{ShutdownTimeoutSeconds: 20}).ShutdownTimeout())
	assert.Equal(t, 150*time.Millisecond, (&ReasonerConfig{BackoffMs: 150}).Backoff())
}

func TestLoggingConfig_LoggerConfig(t *testing.T) {
	lc := LoggingConfig{Level: "warn", Format: "text", AddSource: true}
	got, err := lc.LoggerConfig(os.Stdout)
	require.NoError(t, err)
	assert.Equal(t, logging.LogLevelWarn, got.Level)
	assert.Equal(t, "text", got.Format)
	assert.True(t, got.AddSource)
	assert.Equal(t, os.Stdout, got.Output)

	_, err = (&LoggingConfig{Level: "verbose"}).LoggerConfig(os.Stdout)
	assert.Error(t, err)
}
