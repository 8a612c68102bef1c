// Package geocomply provides a high-level facade over the workflow engine and
// its collaborators (envelope store, evidence providers, reasoner and
// logging) for geo-regulatory compliance analysis of product features.
// Most applications interact with this package by:
//  1. Creating a Geocomply via New() or NewFromConfig()
//  2. Submitting features (Submit, Analyze or AnalyzeBatch)
//  3. Resuming runs parked for human review (Resume)
//
// The facade delegates orchestration to engine.Engine while keeping setup
// concise. All defaults are safe for local development and testing;
// production deployments typically configure a SQLite store, a real model
// backend and a structured logger through package config.
package geocomply

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/geocomply/agent"
	"github.com/hupe1980/geocomply/config"
	"github.com/hupe1980/geocomply/core"
	"github.com/hupe1980/geocomply/engine"
	"github.com/hupe1980/geocomply/evidence"
	"github.com/hupe1980/geocomply/hitl"
	"github.com/hupe1980/geocomply/logging"
	"github.com/hupe1980/geocomply/model"
	"github.com/hupe1980/geocomply/model/anthropic"
	"github.com/hupe1980/geocomply/model/openai"
	"github.com/hupe1980/geocomply/reasoner"
	"github.com/hupe1980/geocomply/store"
	"github.com/hupe1980/geocomply/store/sqlite"
)

// Options configures the Geocomply instance.
type Options struct {
	// Engine configuration (concurrency, buffers, reasoner retries)
	EngineConfig engine.Config

	// Policy configures the human-in-the-loop gate.
	Policy hitl.Policy

	// Store persists envelopes and, when it implements core.ReviewStore,
	// the review audit trail. Defaults to an in-memory store.
	Store core.EnvelopeStore

	// Glossary replaces the built-in jargon glossary when set.
	Glossary *agent.Glossary

	// IntentTimeout bounds each evidence provider call. Zero keeps the
	// retrieval default.
	IntentTimeout time.Duration

	// MaxEvidence caps the evidence gathered per pass. Zero keeps the
	// retrieval default.
	MaxEvidence int

	// Callbacks receives run lifecycle hooks.
	Callbacks *engine.CallbackManager

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Geocomply is the high-level facade aggregating the engine and the
// resources it owns.
type Geocomply struct {
	opts    Options
	engine  *engine.Engine
	closers []io.Closer
}

// New creates a Geocomply around a reasoner and an evidence provider. A nil
// provider selects the built-in evidence catalog; any unset option keeps its
// default.
func New(r reasoner.Reasoner, provider core.EvidenceProvider, optFns ...func(o *Options)) *Geocomply {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Policy:       hitl.DefaultPolicy(),
		Store:        store.NewInMemoryStore(),
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if provider == nil {
		provider = evidence.DefaultCatalog()
	}

	eng := engine.New(r, provider, func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Policy = opts.Policy
		o.Store = opts.Store
		o.Logger = opts.Logger
		o.Callbacks = opts.Callbacks
		o.Pipeline = append(o.Pipeline, func(po *agent.PipelineOptions) {
			po.Normalizer = append(po.Normalizer, func(no *agent.JargonNormalizerOptions) {
				if opts.Glossary != nil {
					no.Glossary = opts.Glossary
				}
			})
			po.Retrieval = append(po.Retrieval, func(ro *agent.RetrievalOptions) {
				if opts.IntentTimeout > 0 {
					ro.IntentTimeout = opts.IntentTimeout
				}
				if opts.MaxEvidence > 0 {
					ro.MaxEvidence = opts.MaxEvidence
				}
			})
		})
	})

	return &Geocomply{opts: opts, engine: eng}
}

// NewFromConfig builds the reasoner, evidence stack, store and logger that
// cfg describes. Options applied after the configuration may override any of
// them. The caller must Close the returned instance.
func NewFromConfig(cfg *config.Config, optFns ...func(o *Options)) (*Geocomply, error) {
	logCfg, err := cfg.Logging.LoggerConfig(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logCfg.Component = "geocomply"
	logger := logging.New(logCfg)

	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	var envStore core.EnvelopeStore
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		closers = append(closers, s)
		envStore = s
	default:
		envStore = store.NewInMemoryStore()
	}

	provider, providerClosers, err := NewProvider(cfg.Evidence, logger.WithComponent("evidence"))
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, providerClosers...)

	var glossary *agent.Glossary
	if cfg.Evidence.GlossaryFile != "" {
		if glossary, err = agent.LoadGlossaryFile(cfg.Evidence.GlossaryFile); err != nil {
			closeAll()
			return nil, err
		}
	}

	r, err := NewReasoner(cfg.Reasoner, logger.WithComponent("reasoner"))
	if err != nil {
		closeAll()
		return nil, err
	}

	opts := []func(o *Options){func(o *Options) {
		o.EngineConfig = cfg.EngineSettings()
		o.Policy = cfg.Policy.GatePolicy()
		o.Store = envStore
		o.Glossary = glossary
		o.IntentTimeout = cfg.Engine.IntentTimeout()
		o.MaxEvidence = cfg.Engine.MaxEvidence
		o.Logger = logger.WithComponent("engine")
	}}
	g := New(r, provider, append(opts, optFns...)...)
	g.closers = closers
	return g, nil
}

// NewReasoner builds the model-backed reasoner selected by cfg.Provider.
func NewReasoner(cfg config.ReasonerConfig, logger logging.Logger) (reasoner.Reasoner, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	var m model.Model
	switch cfg.Provider {
	case "anthropic":
		m = anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.Temperature = cfg.Temperature
			o.MaxTokens = cfg.MaxTokens
			o.APIKey = cfg.APIKey
		})
	case "openai":
		m = openai.NewModel(func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = cfg.MaxTokens
			o.APIKey = cfg.APIKey
		})
	default:
		return nil, fmt.Errorf("unknown reasoner provider %q", cfg.Provider)
	}
	return reasoner.NewModelReasoner(m, func(o *reasoner.ModelOptions) {
		o.Logger = logger
	}), nil
}

// NewProvider builds the evidence stack: the catalog (built-in or from
// file), optionally fanned out with web search, optionally behind a Redis
// read-through cache. The returned closers release the Redis client.
func NewProvider(cfg config.EvidenceConfig, logger logging.Logger) (core.EvidenceProvider, []io.Closer, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	catalogOpts := func(o *evidence.CatalogOptions) { o.MaxResults = cfg.MaxResults }

	var (
		catalog *evidence.Catalog
		err     error
	)
	if cfg.CatalogFile != "" {
		if catalog, err = evidence.LoadCatalogFile(cfg.CatalogFile, catalogOpts); err != nil {
			return nil, nil, err
		}
	} else {
		catalog = evidence.DefaultCatalog(catalogOpts)
	}

	var provider core.EvidenceProvider = catalog
	if cfg.Search.APIKey != "" {
		search := evidence.NewSearch(cfg.Search.APIKey, func(o *evidence.SearchOptions) {
			o.Endpoint = cfg.Search.Endpoint
			o.NumResults = cfg.Search.NumResults
		})
		provider = evidence.NewMulti(logger, catalog, search)
	}

	if cfg.Cache.RedisAddr == "" {
		return provider, nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
	cached := evidence.NewCache(provider, client, func(o *evidence.CacheOptions) {
		o.TTL = cfg.Cache.TTL()
		o.Prefix = cfg.Cache.Prefix
		o.Logger = logger
	})
	return cached, []io.Closer{client}, nil
}

// Engine returns the underlying workflow engine.
func (g *Geocomply) Engine() *engine.Engine { return g.engine }

// Submit starts one run and returns its feature id and first segment stream.
func (g *Geocomply) Submit(ctx context.Context, in core.FeatureInput) (string, <-chan core.StreamEvent, error) {
	return g.engine.Submit(ctx, in)
}

// SubmitBatch starts one run per input and merges their streams.
func (g *Geocomply) SubmitBatch(ctx context.Context, inputs []core.FeatureInput) ([]string, <-chan core.StreamEvent, error) {
	return g.engine.SubmitBatch(ctx, inputs)
}

// Analyze is a synchronous helper that drains the first segment of one run.
func (g *Geocomply) Analyze(ctx context.Context, in core.FeatureInput) engine.Result {
	return g.engine.Analyze(ctx, in)
}

// AnalyzeBatch runs every input to the end of its first segment.
func (g *Geocomply) AnalyzeBatch(ctx context.Context, inputs []core.FeatureInput) []engine.Result {
	return g.engine.AnalyzeBatch(ctx, inputs)
}

// Resume applies a human decision to a parked run.
func (g *Geocomply) Resume(ctx context.Context, h core.HumanDecision) (<-chan core.StreamEvent, error) {
	return g.engine.Resume(ctx, h)
}

// Snapshot returns the stored envelope of a feature.
func (g *Geocomply) Snapshot(ctx context.Context, featureID string) (*core.Envelope, error) {
	return g.engine.Snapshot(ctx, featureID)
}

// Reviews lists the human decisions recorded for a feature.
func (g *Geocomply) Reviews(ctx context.Context, featureID string) ([]core.ReviewRecord, error) {
	return g.engine.Reviews(ctx, featureID)
}

// Roster reports the operability of every stage processor.
func (g *Geocomply) Roster() []agent.Status { return g.engine.Roster() }

// JargonTerms lists the glossary used for normalization.
func (g *Geocomply) JargonTerms() []agent.Term { return g.engine.JargonTerms() }

// JargonTerm looks up one glossary entry.
func (g *Geocomply) JargonTerm(term string) (agent.Term, error) { return g.engine.JargonTerm(term) }

// Close releases the store and cache connections opened by NewFromConfig.
func (g *Geocomply) Close() error {
	var errs []error
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.closers = nil
	return errors.Join(errs...)
}
