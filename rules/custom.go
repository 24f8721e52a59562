package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultEvaluatorTimeout bounds a custom evaluator when neither the engine nor
// the call sets a timeout
const DefaultEvaluatorTimeout = 5 * time.Second

// EvaluatorFunc implements rule logic outside the built-in predicates.
//
// Cancellation is advisory: when the timeout wins, ctx is cancelled and the
// eventual return value is discarded, but the function is not stopped.
// Evaluators with side effects must be idempotent and should return promptly
// once ctx is done.
type EvaluatorFunc func(ctx context.Context, rc RuleContext) (bool, error)

// CustomRegistry holds the named evaluators of one engine. There is no
// package-level registry, so tenants never see each other's evaluators.
type CustomRegistry struct {
	evaluators map[string]EvaluatorFunc
	mu         sync.RWMutex
}

// NewCustomRegistry creates an empty registry
func NewCustomRegistry() *CustomRegistry {
	return &CustomRegistry{
		evaluators: make(map[string]EvaluatorFunc),
	}
}

// Register adds or replaces the evaluator stored under name
func (r *CustomRegistry) Register(name string, fn EvaluatorFunc) error {
	if name == "" {
		return fmt.Errorf("evaluator name is required")
	}
	if fn == nil {
		return fmt.Errorf("evaluator %q: function is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[name] = fn
	return nil
}

// Unregister removes an evaluator. It reports whether one was registered.
func (r *CustomRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.evaluators[name]; !ok {
		return false
	}
	delete(r.evaluators, name)
	return true
}

// Get returns the evaluator registered under name
func (r *CustomRegistry) Get(name string) (EvaluatorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.evaluators[name]
	return fn, ok
}

// Names lists registered evaluator names in sorted order
func (r *CustomRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.evaluators))
	for name := range r.evaluators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type evaluatorOutcome struct {
	passed bool
	err    error
}

// Run executes the named evaluator, racing it against timeout and ctx.
// A timeout yields *TimeoutError; an unknown name or a panicking evaluator
// yields *EvaluationError.
func (r *CustomRegistry) Run(ctx context.Context, name string, rc RuleContext, timeout time.Duration) (bool, error) {
	fn, ok := r.Get(name)
	if !ok {
		return false, &EvaluationError{Rule: name, Err: fmt.Errorf("no custom evaluator registered under %q", name)}
	}
	if timeout <= 0 {
		timeout = DefaultEvaluatorTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so a late evaluator can always deliver and exit
	done := make(chan evaluatorOutcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- evaluatorOutcome{err: &EvaluationError{Rule: name, Err: fmt.Errorf("evaluator panicked: %v", p)}}
			}
		}()
		passed, err := fn(runCtx, rc)
		done <- evaluatorOutcome{passed: passed, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.passed, out.err
	case <-timer.C:
		return false, &TimeoutError{Evaluator: name, Timeout: timeout}
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
