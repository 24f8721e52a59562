package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for errors.Is matching. The typed errors below unwrap to them.
var (
	ErrValidation    = errors.New("rule validation failed")
	ErrEvaluation    = errors.New("rule evaluation failed")
	ErrTimeout       = errors.New("custom evaluator timed out")
	ErrNotFound      = errors.New("rule not found")
	ErrAlreadyExists = errors.New("rule already exists")
	ErrDependency    = errors.New("rule is referenced by other rules")
)

// ValidationError reports structural defects in a rule definition. It blocks
// the operation that triggered validation.
type ValidationError struct {
	Rule   string
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.String())
	}
	return fmt.Sprintf("rule %q is invalid: %s", e.Rule, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// EvaluationError is a runtime failure of a leaf or custom evaluator
type EvaluationError struct {
	Rule string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating rule %q: %v", e.Rule, e.Err)
}

func (e *EvaluationError) Unwrap() []error { return []error{ErrEvaluation, e.Err} }

// TimeoutError is returned when a custom evaluator does not settle within its
// bound. It is distinct from EvaluationError so callers can retry with backoff.
type TimeoutError struct {
	Rule      string
	Evaluator string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("custom evaluator %q for rule %q timed out after %s", e.Evaluator, e.Rule, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// NotFoundError is returned for unknown rule names
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("rule %s not found", e.Name)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DependencyError blocks deleting a rule still embedded in composite rules
type DependencyError struct {
	Name       string
	Dependents []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("rule %s is referenced by %s", e.Name, strings.Join(e.Dependents, ", "))
}

func (e *DependencyError) Unwrap() error { return ErrDependency }

// IsTimeout reports whether err is, or wraps, a custom evaluator timeout
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
