package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrors_Error(t *testing.T) {
	assert.Empty(t, ValidationErrors{}.Error())

	one := ValidationErrors{{Field: "store.driver", Value: "pg", Message: "must be one of: memory, sqlite"}}
	assert.Equal(t, "store.driver: must be one of: memory, sqlite (got: pg)", one.Error())

	two := append(one, ValidationError{Field: "logging.format", Value: "xml", Message: "must be one of: json, text"})
	assert.Contains(t, two.Error(), "2 validation errors:")
	assert.Contains(t, two.Error(), "  2. logging.format")
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	assert.Empty(t, Default().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = " " }, "server.addr"},
		{"negative runs", func(c *Config) { c.Engine.MaxConcurrentRuns = -1 }, "engine.max_concurrent_runs"},
		{"unbuffered stream", func(c *Config) { c.Engine.EventBufferSize = 0 }, "engine.event_buffer_size"},
		{"zero intent timeout", func(c *Config) { c.Engine.IntentTimeoutMs = 0 }, "engine.intent_timeout_ms"},
		{"negative evidence cap", func(c *Config) { c.Engine.MaxEvidence = -3 }, "engine.max_evidence"},
		{"threshold above one", func(c *Config) { c.Policy.ConfidenceThreshold = 1.2 }, "policy.confidence_threshold"},
		{"negative replans", func(c *Config) { c.Policy.MaxReplans = -1 }, "policy.max_replans"},
		{"malformed tag", func(c *Config) { c.Policy.HighRiskTags = []string{"Jurisdiction-UT"} }, "policy.high_risk_tags"},
		{"unknown provider", func(c *Config) { c.Reasoner.Provider = "llama" }, "reasoner.provider"},
		{"hot temperature", func(c *Config) { c.Reasoner.Temperature = 3 }, "reasoner.temperature"},
		{"no tokens", func(c *Config) { c.Reasoner.MaxTokens = 0 }, "reasoner.max_tokens"},
		{"negative attempts", func(c *Config) { c.Reasoner.Attempts = -1 }, "reasoner.attempts"},
		{"zero attempts", func(c *Config) { c.Reasoner.Attempts = 0 }, "reasoner.attempts"},
		{"zero reasoner timeout", func(c *Config) { c.Reasoner.TimeoutSeconds = 0 }, "reasoner.timeout_seconds"},
		{"no catalog results", func(c *Config) { c.Evidence.MaxResults = 0 }, "evidence.max_results"},
		{"search without url", func(c *Config) {
			c.Evidence.Search.APIKey = "k"
			c.Evidence.Search.Endpoint = "google.serper.dev"
		}, "evidence.search.endpoint"},
		{"cache without ttl", func(c *Config) {
			c.Evidence.Cache.RedisAddr = "localhost:6379"
			c.Evidence.Cache.TTLMinutes = 0
		}, "evidence.cache.ttl_minutes"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"sqlite without path", func(c *Config) {
			c.Store.Driver = "sqlite"
			c.Store.Path = ""
		}, "store.path"},
		{"unknown level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"unknown format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			require.Len(t, errs, 1)
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}
}

func TestConfig_Validate_DisabledOptionalSections(t *testing.T) {
	cfg := Default()
	cfg.Evidence.Search.Endpoint = ""
	cfg.Evidence.Search.NumResults = 0
	cfg.Evidence.Cache.TTLMinutes = 0
	cfg.Store.Path = ""
	assert.Empty(t, cfg.Validate(), "search, cache and sqlite settings only matter once enabled")
}
