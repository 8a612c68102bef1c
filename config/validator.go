package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/hupe1980/geocomply/logging"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "policy.confidence_threshold")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// tagRegex matches semantic tags such as jurisdiction_ut or minors
var tagRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidReasonerProviders returns the supported reasoning backends
func ValidReasonerProviders() []string {
	return []string{"anthropic", "openai"}
}

// ValidStoreDrivers returns the supported envelope stores
func ValidStoreDrivers() []string {
	return []string{"memory", "sqlite"}
}

// ValidLogFormats returns the supported log encodings
func ValidLogFormats() []string {
	return []string{"json", "text"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validatePolicy()...)
	errors = append(errors, c.validateReasoner()...)
	errors = append(errors, c.validateEvidence()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Server.Addr) == "" {
		errors = append(errors, ValidationError{
			Field:   "server.addr",
			Value:   c.Server.Addr,
			Message: "must not be empty",
		})
	}
	if c.Server.ReadHeaderTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.read_header_timeout_seconds",
			Value:   c.Server.ReadHeaderTimeoutSeconds,
			Message: "must be non-negative",
		})
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.shutdown_timeout_seconds",
			Value:   c.Server.ShutdownTimeoutSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateEngine() []ValidationError {
	var errors []ValidationError

	if c.Engine.MaxConcurrentRuns < 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.max_concurrent_runs",
			Value:   c.Engine.MaxConcurrentRuns,
			Message: "must be non-negative (0 = unlimited)",
		})
	}

	// An unbuffered stream stalls a run on every record
	if c.Engine.EventBufferSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "engine.event_buffer_size",
			Value:   c.Engine.EventBufferSize,
			Message: "must be at least 1",
		})
	}
	if c.Engine.DrainTimeoutMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.drain_timeout_ms",
			Value:   c.Engine.DrainTimeoutMs,
			Message: "must be non-negative",
		})
	}
	if c.Engine.IntentTimeoutMs < 1 {
		errors = append(errors, ValidationError{
			Field:   "engine.intent_timeout_ms",
			Value:   c.Engine.IntentTimeoutMs,
			Message: "must be positive",
		})
	}
	if c.Engine.MaxEvidence < 0 {
		errors = append(errors, ValidationError{
			Field:   "engine.max_evidence",
			Value:   c.Engine.MaxEvidence,
			Message: "must be non-negative (0 = unlimited)",
		})
	}

	return errors
}

func (c *Config) validatePolicy() []ValidationError {
	var errors []ValidationError

	if c.Policy.ConfidenceThreshold < 0 || c.Policy.ConfidenceThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "policy.confidence_threshold",
			Value:   c.Policy.ConfidenceThreshold,
			Message: "must be between 0 and 1",
		})
	}
	if c.Policy.MaxReplans < 0 {
		errors = append(errors, ValidationError{
			Field:   "policy.max_replans",
			Value:   c.Policy.MaxReplans,
			Message: "must be non-negative",
		})
	}
	for _, tag := range c.Policy.HighRiskTags {
		if !tagRegex.MatchString(tag) {
			errors = append(errors, ValidationError{
				Field:   "policy.high_risk_tags",
				Value:   tag,
				Message: "must be lowercase letters, digits and underscores, starting with a letter",
			})
		}
	}

	return errors
}

func (c *Config) validateReasoner() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidReasonerProviders(), c.Reasoner.Provider) {
		errors = append(errors, ValidationError{
			Field:   "reasoner.provider",
			Value:   c.Reasoner.Provider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidReasonerProviders(), ", ")),
		})
	}
	if c.Reasoner.Temperature < 0 || c.Reasoner.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "reasoner.temperature",
			Value:   c.Reasoner.Temperature,
			Message: "must be between 0 and 2",
		})
	}
	if c.Reasoner.MaxTokens < 1 {
		errors = append(errors, ValidationError{
			Field:   "reasoner.max_tokens",
			Value:   c.Reasoner.MaxTokens,
			Message: "must be positive",
		})
	}
	if c.Reasoner.Attempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "reasoner.attempts",
			Value:   c.Reasoner.Attempts,
			Message: "must be at least 1",
		})
	}
	if c.Reasoner.TimeoutSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "reasoner.timeout_seconds",
			Value:   c.Reasoner.TimeoutSeconds,
			Message: "must be at least 1",
		})
	}
	if c.Reasoner.BackoffMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "reasoner.backoff_ms",
			Value:   c.Reasoner.BackoffMs,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateEvidence() []ValidationError {
	var errors []ValidationError

	if c.Evidence.MaxResults < 1 {
		errors = append(errors, ValidationError{
			Field:   "evidence.max_results",
			Value:   c.Evidence.MaxResults,
			Message: "must be at least 1",
		})
	}
	if c.Evidence.Search.APIKey != "" {
		if !strings.HasPrefix(c.Evidence.Search.Endpoint, "http://") && !strings.HasPrefix(c.Evidence.Search.Endpoint, "https://") {
			errors = append(errors, ValidationError{
				Field:   "evidence.search.endpoint",
				Value:   c.Evidence.Search.Endpoint,
				Message: "must be an http or https URL",
			})
		}
		if c.Evidence.Search.NumResults < 1 {
			errors = append(errors, ValidationError{
				Field:   "evidence.search.num_results",
				Value:   c.Evidence.Search.NumResults,
				Message: "must be at least 1",
			})
		}
	}
	if c.Evidence.Cache.RedisAddr != "" && c.Evidence.Cache.TTLMinutes < 1 {
		errors = append(errors, ValidationError{
			Field:   "evidence.cache.ttl_minutes",
			Value:   c.Evidence.Cache.TTLMinutes,
			Message: "must be at least 1 when the cache is enabled",
		})
	}

	return errors
}

func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidStoreDrivers(), c.Store.Driver) {
		errors = append(errors, ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStoreDrivers(), ", ")),
		})
	}
	if c.Store.Driver == "sqlite" && strings.TrimSpace(c.Store.Path) == "" {
		errors = append(errors, ValidationError{
			Field:   "store.path",
			Value:   c.Store.Path,
			Message: "must be set for the sqlite driver",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: "must be one of: debug, info, warn, error",
		})
	}
	if !slices.Contains(ValidLogFormats(), c.Logging.Format) {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}

	return errors
}
