package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

const (
	// scriptCostLimit stops runaway expressions
	scriptCostLimit = 1_000_000

	// scriptInterruptFrequency is how often comprehensions check for cancellation
	scriptInterruptFrequency = 100

	maxScriptLength = 4096
)

// ScriptEngine evaluates javascript-typed rule conditions. The condition is a
// CEL expression: side-effect free, restricted to boolean, arithmetic and
// comparison operators over the context fields. No host code is executed.
type ScriptEngine struct {
	env      *cel.Env
	programs map[string]cel.Program // expression -> compiled program
	mu       sync.RWMutex
}

// NewScriptEngine creates a CEL environment declaring the rule context fields
func NewScriptEngine() (*ScriptEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("resource", cel.DynType),
		cel.Variable("data", cel.DynType),
		cel.Variable("state", cel.StringType),
		cel.Variable("workflow", cel.DynType),
		cel.Variable("activity", cel.DynType),
		cel.Variable("metadata", cel.DynType),
		cel.Variable("timestamp", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ScriptEngine{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile parses and type-checks an expression, caching the program
func (s *ScriptEngine) Compile(expression string) (cel.Program, error) {
	s.mu.RLock()
	prog, ok := s.programs[expression]
	s.mu.RUnlock()
	if ok {
		return prog, nil
	}

	if expression == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	if len(expression) > maxScriptLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expression), maxScriptLength)
	}

	ast, issues := s.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", out)
	}

	prog, err := s.env.Program(ast,
		cel.CostLimit(scriptCostLimit),
		cel.InterruptCheckFrequency(scriptInterruptFrequency),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	s.mu.Lock()
	s.programs[expression] = prog
	s.mu.Unlock()

	return prog, nil
}

// Evaluate runs an expression against rc. Non-boolean output fails closed.
func (s *ScriptEngine) Evaluate(ctx context.Context, expression string, rc RuleContext) (bool, error) {
	prog, err := s.Compile(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prog.ContextEval(ctx, scriptActivation(rc))
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	passed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", out.Value())
	}
	return passed, nil
}

// scriptActivation fills absent sections with empty maps so has() checks work
func scriptActivation(rc RuleContext) map[string]any {
	orEmpty := func(m map[string]any) map[string]any {
		if m == nil {
			return map[string]any{}
		}
		return m
	}
	data := orEmpty(rc.Resource.Data)
	return map[string]any{
		"resource": map[string]any{
			"id":    rc.Resource.ID,
			"state": rc.Resource.State,
			"data":  data,
		},
		"data":      data,
		"state":     rc.Resource.State,
		"workflow":  orEmpty(rc.Workflow),
		"activity":  orEmpty(rc.Activity),
		"metadata":  orEmpty(rc.Metadata),
		"timestamp": rc.Timestamp,
	}
}
