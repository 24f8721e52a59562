package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Config holds engine-level settings
type Config struct {
	// EvaluatorTimeout bounds custom evaluators unless a call overrides it
	EvaluatorTimeout time.Duration
	ResultCache      ResultCacheConfig
	DefinitionCache  CacheConfig
	// BatchConcurrency caps how many batches EvaluateBatches runs at once
	BatchConcurrency int
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		EvaluatorTimeout: DefaultEvaluatorTimeout,
		ResultCache:      DefaultResultCacheConfig(),
		DefinitionCache:  DefaultCacheConfig(),
		BatchConcurrency: 4,
	}
}

// Recorder receives evaluation telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveEvaluation(rule string, result *RuleResult, err error)
	ObserveCache(rule string, hit bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveEvaluation(string, *RuleResult, error) {}
func (nopRecorder) ObserveCache(string, bool)                    {}

// EvaluateOptions tunes a single evaluation
type EvaluateOptions struct {
	// Timeout overrides the engine's custom evaluator timeout when positive
	Timeout time.Duration
	// SkipCache bypasses both the cache lookup and the cache write
	SkipCache bool
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *slog.Logger) EngineOption {
	return func(en *Engine) {
		en.logger = logger
	}
}

// WithRecorder installs a telemetry recorder
func WithRecorder(recorder Recorder) EngineOption {
	return func(en *Engine) {
		en.recorder = recorder
	}
}

// Engine is the authoritative evaluation path. Each engine owns its custom
// evaluator registry, script engine, store and caches; nothing is shared
// between engines.
type Engine struct {
	config    Config
	store     *Store
	custom    *CustomRegistry
	scripts   *ScriptEngine
	evaluator *Evaluator
	logger    *slog.Logger
	recorder  Recorder
}

// NewEngine creates an engine whose definitions live in registry
func NewEngine(registry Registry, config Config, opts ...EngineOption) (*Engine, error) {
	scripts, err := NewScriptEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to create script engine: %w", err)
	}

	if config.EvaluatorTimeout <= 0 {
		config.EvaluatorTimeout = DefaultEvaluatorTimeout
	}
	if config.BatchConcurrency <= 0 {
		config.BatchConcurrency = DefaultConfig().BatchConcurrency
	}

	en := &Engine{
		config:   config,
		custom:   NewCustomRegistry(),
		scripts:  scripts,
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(en)
	}

	en.store = NewStore(registry, NewValidator(en.custom, en.scripts),
		WithDefinitionCache(NewInMemoryDefinitionCache(config.DefinitionCache)),
		WithResultCache(NewResultCache(config.ResultCache)),
		WithStoreLogger(en.logger),
	)
	en.evaluator = NewEvaluator(en.custom, en.scripts, config.EvaluatorTimeout, en.logger)

	return en, nil
}

// Store returns the rule store backing the engine
func (en *Engine) Store() *Store {
	return en.store
}

// Evaluators returns the engine's custom evaluator registry
func (en *Engine) Evaluators() *CustomRegistry {
	return en.custom
}

// RegisterEvaluator registers a custom evaluator on this engine only
func (en *Engine) RegisterEvaluator(name string, fn EvaluatorFunc) error {
	return en.custom.Register(name, fn)
}

// Validate checks a rule definition against this engine's evaluators and
// script environment
func (en *Engine) Validate(rule *Rule) ValidationReport {
	return en.store.Validate(rule)
}

// EvaluateRule evaluates the stored rule name against rc.
//
// Unknown names fail with *NotFoundError. A top-level custom rule without a
// registered evaluator fails with *EvaluationError and one that exceeds its
// timeout with *TimeoutError; in both cases the partial result is returned
// too. All other failures are reported inside the result.
func (en *Engine) EvaluateRule(ctx context.Context, name string, rc RuleContext, opts EvaluateOptions) (*RuleResult, error) {
	rule, err := en.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	if !opts.SkipCache {
		if cached, ok := en.store.Results().Get(name, rc); ok {
			en.recorder.ObserveCache(name, true)
			cached.Cached = true
			en.store.RecordEvaluation(name, cached)
			en.recorder.ObserveEvaluation(name, cached, nil)
			return cached, nil
		}
		en.recorder.ObserveCache(name, false)
	}

	result, err := en.evaluator.Evaluate(ctx, rule, rc, opts.Timeout)

	if err == nil && len(result.Errors) == 0 && !opts.SkipCache {
		en.store.Results().Set(name, rc, result)
	}

	en.store.RecordEvaluation(name, result)
	en.recorder.ObserveEvaluation(name, result, err)
	en.logger.Debug("rule evaluated",
		"rule", name,
		"passed", result.Passed,
		"errors", len(result.Errors),
		"duration_ms", result.ExecutionTimeMs,
	)

	return result, err
}

// EvaluateDefinition validates and evaluates a rule that has not been stored.
// Results are never cached.
func (en *Engine) EvaluateDefinition(ctx context.Context, rule *Rule, rc RuleContext, opts EvaluateOptions) (*RuleResult, error) {
	report := en.store.Validate(rule)
	if err := report.Err(ruleName(rule)); err != nil {
		return nil, err
	}
	return en.evaluator.Evaluate(ctx, rule, rc, opts.Timeout)
}
