package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// RuleStats accumulates evaluation statistics for one rule
type RuleStats struct {
	Evaluations        uint64    `json:"evaluations"`
	Passed             uint64    `json:"passed"`
	Failed             uint64    `json:"failed"`
	Errors             uint64    `json:"errors"`
	CacheHits          uint64    `json:"cacheHits"`
	TotalExecutionTime float64   `json:"totalExecutionTimeMs"`
	AverageExecutionMs float64   `json:"averageExecutionTimeMs"`
	LastEvaluatedAt    time.Time `json:"lastEvaluatedAt"`
}

// DeleteOptions controls Store.Delete
type DeleteOptions struct {
	// Force deletes even when composite rules still embed the target
	Force bool
}

// ListOptions filters and paginates Store.List
type ListOptions struct {
	Type         RuleType
	Category     string
	Enabled      *bool
	MinPriority  *int
	MaxPriority  *int
	Query        string // case-insensitive substring of name or description
	Offset       int
	Limit        int
	IncludeStats bool
}

// ListItem is one listed rule, optionally with its statistics
type ListItem struct {
	*Rule
	Stats *RuleStats `json:"stats,omitempty"`
}

// ListResult is a page of rules
type ListResult struct {
	Items  []ListItem `json:"items"`
	Total  int        `json:"total"`
	Offset int        `json:"offset"`
	Limit  int        `json:"limit"`
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithDefinitionCache replaces the default in-memory definition cache
func WithDefinitionCache(cache DefinitionCache) StoreOption {
	return func(s *Store) {
		s.definitions = cache
	}
}

// WithResultCache replaces the default result cache
func WithResultCache(cache *ResultCache) StoreOption {
	return func(s *Store) {
		s.results = cache
	}
}

// WithStoreLogger sets the logger used for non-fatal store events
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is the authoritative CRUD surface over a Registry. It validates
// definitions, guards deletes against dependent composites and owns both the
// definition cache and the result cache, invalidating them on every mutation.
type Store struct {
	registry    Registry
	validator   *Validator
	definitions DefinitionCache
	results     *ResultCache
	logger      *slog.Logger

	stats   map[string]*RuleStats
	statsMu sync.Mutex
}

// NewStore creates a store over registry
func NewStore(registry Registry, validator *Validator, opts ...StoreOption) *Store {
	s := &Store{
		registry:    registry,
		validator:   validator,
		definitions: NewInMemoryDefinitionCache(DefaultCacheConfig()),
		results:     NewResultCache(DefaultResultCacheConfig()),
		logger:      slog.Default(),
		stats:       make(map[string]*RuleStats),
	}
	if s.validator == nil {
		s.validator = NewValidator(nil, nil)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Results exposes the result cache owned by the store
func (s *Store) Results() *ResultCache {
	return s.results
}

// Validate checks a definition without persisting it
func (s *Store) Validate(rule *Rule) ValidationReport {
	return s.validator.Validate(rule)
}

// Create validates and persists a new rule. Warnings are returned alongside
// the stored rule; structural errors block the write.
func (s *Store) Create(ctx context.Context, rule *Rule) (*Rule, ValidationReport, error) {
	report := s.validator.Validate(rule)
	if err := report.Err(ruleName(rule)); err != nil {
		return nil, report, err
	}

	if _, err := s.registry.Fetch(ctx, rule.Name); err == nil {
		return nil, report, fmt.Errorf("rule %s: %w", rule.Name, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, report, err
	}

	created, err := s.registry.Create(ctx, rule)
	if err != nil {
		return nil, report, err
	}

	s.definitions.Set(created)
	// A composite may already embed this name; drop any stale results for it
	s.results.Invalidate(created.Name)

	s.logger.Debug("rule created", "rule", created.Name, "type", created.Type, "warnings", len(report.Warnings))
	return created.Clone(), report, nil
}

// Get returns a rule by name, consulting the definition cache first
func (s *Store) Get(ctx context.Context, name string) (*Rule, error) {
	if rule, ok := s.definitions.Get(name); ok {
		return rule, nil
	}

	rule, err := s.registry.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}

	s.definitions.Set(rule)
	return rule.Clone(), nil
}

// Update validates and replaces the rule stored under name. A changed
// rule.Name renames it and re-keys caches and statistics.
func (s *Store) Update(ctx context.Context, name string, rule *Rule) (*Rule, ValidationReport, error) {
	report := s.validator.Validate(rule)
	if err := report.Err(ruleName(rule)); err != nil {
		return nil, report, err
	}

	updated, err := s.registry.Update(ctx, name, rule)
	if err != nil {
		return nil, report, err
	}

	s.invalidate(ctx, name)
	if updated.Name != name {
		s.invalidate(ctx, updated.Name)
		s.renameStats(name, updated.Name)
	}
	s.definitions.Set(updated)

	s.logger.Debug("rule updated", "rule", name, "new_name", updated.Name)
	return updated.Clone(), report, nil
}

// Delete removes a rule. Without Force it fails with a *DependencyError
// listing the composite rules that still embed it.
func (s *Store) Delete(ctx context.Context, name string, opts DeleteOptions) error {
	if _, err := s.registry.Fetch(ctx, name); err != nil {
		return err
	}

	if !opts.Force {
		deps, err := s.registry.ListDependents(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check dependents of %s: %w", name, err)
		}
		if len(deps) > 0 {
			return &DependencyError{Name: name, Dependents: deps}
		}
	}

	ok, err := s.registry.Delete(ctx, name, opts.Force)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("registry refused to delete rule %s", name)
	}

	s.invalidate(ctx, name)
	s.statsMu.Lock()
	delete(s.stats, name)
	s.statsMu.Unlock()

	s.logger.Debug("rule deleted", "rule", name, "force", opts.Force)
	return nil
}

// Dependents lists the composite rules embedding name
func (s *Store) Dependents(ctx context.Context, name string) ([]string, error) {
	if _, err := s.Get(ctx, name); err != nil {
		return nil, err
	}
	return s.registry.ListDependents(ctx, name)
}

// List filters, sorts (priority descending, then name) and paginates rules
func (s *Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	all, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	query := strings.ToLower(strings.TrimSpace(opts.Query))
	matched := make([]*Rule, 0, len(all))
	for _, rule := range all {
		if opts.Type != "" && rule.Type != opts.Type {
			continue
		}
		if opts.Category != "" && rule.Category != opts.Category {
			continue
		}
		if opts.Enabled != nil && rule.Enabled != *opts.Enabled {
			continue
		}
		if opts.MinPriority != nil && rule.Priority < *opts.MinPriority {
			continue
		}
		if opts.MaxPriority != nil && rule.Priority > *opts.MaxPriority {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(rule.Name), query) &&
			!strings.Contains(strings.ToLower(rule.Description), query) {
			continue
		}
		matched = append(matched, rule)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].Name < matched[j].Name
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	result := &ListResult{Total: len(matched), Offset: offset, Limit: limit, Items: []ListItem{}}
	if offset >= len(matched) {
		return result, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	for _, rule := range matched[offset:end] {
		item := ListItem{Rule: rule}
		if opts.IncludeStats {
			item.Stats = s.Stats(rule.Name)
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

// Search is List with a name/description query
func (s *Store) Search(ctx context.Context, query string, opts ListOptions) (*ListResult, error) {
	opts.Query = query
	return s.List(ctx, opts)
}

// Stats returns a copy of the statistics of a rule, zero valued if it has not
// been evaluated
func (s *Store) Stats(name string) *RuleStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	if st, ok := s.stats[name]; ok {
		c := *st
		return &c
	}
	return &RuleStats{}
}

// RecordEvaluation folds one top-level evaluation into the rule's statistics
func (s *Store) RecordEvaluation(name string, result *RuleResult) {
	if result == nil {
		return
	}

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	st, ok := s.stats[name]
	if !ok {
		st = &RuleStats{}
		s.stats[name] = st
	}
	st.Evaluations++
	switch {
	case len(result.Errors) > 0:
		st.Errors++
		st.Failed++
	case result.Passed:
		st.Passed++
	default:
		st.Failed++
	}
	if result.Cached {
		st.CacheHits++
	}
	st.TotalExecutionTime += result.ExecutionTimeMs
	st.AverageExecutionMs = st.TotalExecutionTime / float64(st.Evaluations)
	st.LastEvaluatedAt = time.Now().UTC()
}

// invalidate drops cached definitions and results for name and the results
// of every composite that embeds it
func (s *Store) invalidate(ctx context.Context, name string) {
	s.definitions.Invalidate(name)
	s.results.Invalidate(name)

	deps, err := s.registry.ListDependents(ctx, name)
	if err != nil {
		s.logger.Warn("failed to list dependents for cache invalidation", "rule", name, "error", err)
		return
	}
	for _, dep := range deps {
		s.results.Invalidate(dep)
	}
}

func (s *Store) renameStats(from, to string) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	if st, ok := s.stats[from]; ok {
		s.stats[to] = st
		delete(s.stats, from)
	}
}

func ruleName(rule *Rule) string {
	if rule == nil {
		return ""
	}
	return rule.Name
}
