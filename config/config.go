// Package config holds the viper-backed configuration of the geocomply
// service and maps it onto the engine, gate, evidence and logging settings.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hupe1980/geocomply/engine"
	"github.com/hupe1980/geocomply/hitl"
	"github.com/hupe1980/geocomply/logging"
)

// EnvPrefix prefixes every environment override, e.g.
// GEOCOMPLY_REASONER_API_KEY for reasoner.api_key.
const EnvPrefix = "GEOCOMPLY"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Reasoner ReasonerConfig `mapstructure:"reasoner"`
	Evidence EvidenceConfig `mapstructure:"evidence"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP boundary
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080"
	Addr string `mapstructure:"addr"`
	// ReadHeaderTimeoutSeconds bounds reading request headers
	ReadHeaderTimeoutSeconds int `mapstructure:"read_header_timeout_seconds"`
	// ShutdownTimeoutSeconds bounds the graceful shutdown of open streams
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// EngineConfig controls run concurrency and stage bounds
type EngineConfig struct {
	// MaxConcurrentRuns limits the run segments executing at once (0 = unlimited)
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs"`
	// EventBufferSize is the buffer of each segment's progress stream
	EventBufferSize int `mapstructure:"event_buffer_size"`
	// DrainTimeoutMs bounds delivery of the last record of a cancelled run
	DrainTimeoutMs int `mapstructure:"drain_timeout_ms"`
	// IntentTimeoutMs bounds each evidence provider call
	IntentTimeoutMs int `mapstructure:"intent_timeout_ms"`
	// MaxEvidence caps the evidence gathered per pass (0 = unlimited)
	MaxEvidence int `mapstructure:"max_evidence"`
}

// PolicyConfig controls the human-in-the-loop gate
type PolicyConfig struct {
	// ConfidenceThreshold is the confidence below which a decision escalates
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
	// HighRiskTags always escalate when present on the envelope
	HighRiskTags []string `mapstructure:"high_risk_tags"`
	// MaxReplans bounds request_changes cycles per feature
	MaxReplans int `mapstructure:"max_replans"`
}

// ReasonerConfig selects and tunes the reasoning backend
type ReasonerConfig struct {
	// Provider is "anthropic" or "openai"
	Provider string `mapstructure:"provider"`
	// Model overrides the provider's default model id
	Model string `mapstructure:"model"`
	// APIKey overrides the SDK's own environment variable
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int64   `mapstructure:"max_tokens"`
	// Attempts bounds calls per request including the first
	Attempts int `mapstructure:"attempts"`
	// TimeoutSeconds bounds each attempt
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// BackoffMs is the pause before the first retry; it doubles afterwards
	BackoffMs int `mapstructure:"backoff_ms"`
}

// EvidenceConfig controls the evidence provider stack
type EvidenceConfig struct {
	// CatalogFile replaces the built-in catalog with a YAML file
	CatalogFile string `mapstructure:"catalog_file"`
	// GlossaryFile merges YAML terms over the built-in glossary
	GlossaryFile string `mapstructure:"glossary_file"`
	// MaxResults caps catalog items per intent
	MaxResults int          `mapstructure:"max_results"`
	Search     SearchConfig `mapstructure:"search"`
	Cache      CacheConfig  `mapstructure:"cache"`
}

// SearchConfig enables the web search provider
type SearchConfig struct {
	// APIKey enables the search provider when set
	APIKey     string `mapstructure:"api_key"`
	Endpoint   string `mapstructure:"endpoint"`
	NumResults int    `mapstructure:"num_results"`
}

// CacheConfig enables the Redis evidence cache
type CacheConfig struct {
	// RedisAddr enables the cache when set, e.g. "localhost:6379"
	RedisAddr  string `mapstructure:"redis_addr"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
	Prefix     string `mapstructure:"prefix"`
}

// StoreConfig selects the envelope store
type StoreConfig struct {
	// Driver is "memory" or "sqlite"
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file
	Path string `mapstructure:"path"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format is json or text
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	policy := hitl.DefaultPolicy()
	return &Config{
		Server: ServerConfig{
			Addr:                     ":8080",
			ReadHeaderTimeoutSeconds: 10,
			ShutdownTimeoutSeconds:   15,
		},
		Engine: EngineConfig{
			MaxConcurrentRuns: engine.DefaultConfig.MaxConcurrentRuns,
			EventBufferSize:   engine.DefaultConfig.EventBufferSize,
			DrainTimeoutMs:    int(engine.DefaultConfig.DrainTimeout / time.Millisecond),
			IntentTimeoutMs:   10000,
			MaxEvidence:       12,
		},
		Policy: PolicyConfig{
			ConfidenceThreshold: policy.Threshold,
			HighRiskTags:        policy.HighRiskTags,
			MaxReplans:          policy.MaxReplans,
		},
		Reasoner: ReasonerConfig{
			Provider:       "anthropic",
			Temperature:    0.2,
			MaxTokens:      4096,
			Attempts:       engine.DefaultConfig.ReasonerAttempts,
			TimeoutSeconds: int(engine.DefaultConfig.ReasonerTimeout / time.Second),
			BackoffMs:      int(engine.DefaultConfig.ReasonerBackoff / time.Millisecond),
		},
		Evidence: EvidenceConfig{
			MaxResults: 3,
			Search: SearchConfig{
				Endpoint:   "https://google.serper.dev/search",
				NumResults: 3,
			},
			Cache: CacheConfig{
				TTLMinutes: 60,
				Prefix:     "geocomply:evidence:",
			},
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   filepath.Join(ConfigDir(), "geocomply.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Server defaults
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.read_header_timeout_seconds", defaults.Server.ReadHeaderTimeoutSeconds)
	viper.SetDefault("server.shutdown_timeout_seconds", defaults.Server.ShutdownTimeoutSeconds)

	// Engine defaults
	viper.SetDefault("engine.max_concurrent_runs", defaults.Engine.MaxConcurrentRuns)
	viper.SetDefault("engine.event_buffer_size", defaults.Engine.EventBufferSize)
	viper.SetDefault("engine.drain_timeout_ms", defaults.Engine.DrainTimeoutMs)
	viper.SetDefault("engine.intent_timeout_ms", defaults.Engine.IntentTimeoutMs)
	viper.SetDefault("engine.max_evidence", defaults.Engine.MaxEvidence)

	// Policy defaults
	viper.SetDefault("policy.confidence_threshold", defaults.Policy.ConfidenceThreshold)
	viper.SetDefault("policy.high_risk_tags", defaults.Policy.HighRiskTags)
	viper.SetDefault("policy.max_replans", defaults.Policy.MaxReplans)

	// Reasoner defaults
	viper.SetDefault("reasoner.provider", defaults.Reasoner.Provider)
	viper.SetDefault("reasoner.model", defaults.Reasoner.Model)
	viper.SetDefault("reasoner.api_key", defaults.Reasoner.APIKey)
	viper.SetDefault("reasoner.temperature", defaults.Reasoner.Temperature)
	viper.SetDefault("reasoner.max_tokens", defaults.Reasoner.MaxTokens)
	viper.SetDefault("reasoner.attempts", defaults.Reasoner.Attempts)
	viper.SetDefault("reasoner.timeout_seconds", defaults.Reasoner.TimeoutSeconds)
	viper.SetDefault("reasoner.backoff_ms", defaults.Reasoner.BackoffMs)

	// Evidence defaults
	viper.SetDefault("evidence.catalog_file", defaults.Evidence.CatalogFile)
	viper.SetDefault("evidence.glossary_file", defaults.Evidence.GlossaryFile)
	viper.SetDefault("evidence.max_results", defaults.Evidence.MaxResults)
	viper.SetDefault("evidence.search.api_key", defaults.Evidence.Search.APIKey)
	viper.SetDefault("evidence.search.endpoint", defaults.Evidence.Search.Endpoint)
	viper.SetDefault("evidence.search.num_results", defaults.Evidence.Search.NumResults)
	viper.SetDefault("evidence.cache.redis_addr", defaults.Evidence.Cache.RedisAddr)
	viper.SetDefault("evidence.cache.ttl_minutes", defaults.Evidence.Cache.TTLMinutes)
	viper.SetDefault("evidence.cache.prefix", defaults.Evidence.Cache.Prefix)

	// Store defaults
	viper.SetDefault("store.driver", defaults.Store.Driver)
	viper.SetDefault("store.path", defaults.Store.Path)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.format", defaults.Logging.Format)
	viper.SetDefault("logging.add_source", defaults.Logging.AddSource)
}

// BindEnv enables GEOCOMPLY_* environment overrides for every key.
// Dots in nested keys become underscores, e.g. GEOCOMPLY_STORE_DRIVER.
func BindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "geocomply")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".geocomply"
	}
	return filepath.Join(home, ".config", "geocomply")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// EngineSettings maps the configuration onto engine.Config.
func (c *Config) EngineSettings() engine.Config {
	return engine.Config{
		MaxConcurrentRuns: c.Engine.MaxConcurrentRuns,
		EventBufferSize:   c.Engine.EventBufferSize,
		ReasonerAttempts:  c.Reasoner.Attempts,
		ReasonerTimeout:   c.Reasoner.Timeout(),
		ReasonerBackoff:   c.Reasoner.Backoff(),
		DrainTimeout:      c.Engine.DrainTimeout(),
	}
}

// GatePolicy returns the HITL policy.
func (c *PolicyConfig) GatePolicy() hitl.Policy {
	return hitl.Policy{
		Threshold:    c.ConfidenceThreshold,
		HighRiskTags: append([]string(nil), c.HighRiskTags...),
		MaxReplans:   c.MaxReplans,
	}
}

// DrainTimeout returns the drain timeout as a time.Duration
func (c *EngineConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMs) * time.Millisecond
}

// IntentTimeout returns the per-intent retrieval timeout as a time.Duration
func (c *EngineConfig) IntentTimeout() time.Duration {
	return time.Duration(c.IntentTimeoutMs) * time.Millisecond
}

// Timeout returns the per-attempt reasoner timeout as a time.Duration
func (c *ReasonerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Backoff returns the first retry pause as a time.Duration
func (c *ReasonerConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMs) * time.Millisecond
}

// TTL returns the cache entry lifetime as a time.Duration
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// ReadHeaderTimeout returns the header read timeout as a time.Duration
func (c *ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown bound as a time.Duration
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// LoggerConfig maps the logging section onto a logging.Config writing to w.
func (c *LoggingConfig) LoggerConfig(w io.Writer) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	return &logging.Config{
		Level:     level,
		Format:    c.Format,
		Output:    w,
		AddSource: c.AddSource,
	}, nil
}
