package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

// Evaluator walks a rule tree against a context. Per-node failures never
// escape as errors; they are recorded on the node's result and folded into
// the parent by the AND/OR/NOT semantics.
type Evaluator struct {
	custom  *CustomRegistry
	scripts *ScriptEngine
	timeout time.Duration
	logger  *slog.Logger
}

// NewEvaluator creates an evaluator bound to a custom registry and script
// engine. timeout is the default bound for custom evaluators.
func NewEvaluator(custom *CustomRegistry, scripts *ScriptEngine, timeout time.Duration, logger *slog.Logger) *Evaluator {
	if timeout <= 0 {
		timeout = DefaultEvaluatorTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		custom:  custom,
		scripts: scripts,
		timeout: timeout,
		logger:  logger,
	}
}

// Evaluate evaluates rule against rc. timeout overrides the default custom
// evaluator bound when positive.
//
// The returned error is non-nil only when rule itself is a custom rule whose
// evaluator is missing (*EvaluationError) or timed out (*TimeoutError); the
// result is still returned in that case. Failures below the root are reported
// only through the result tree.
func (ev *Evaluator) Evaluate(ctx context.Context, rule *Rule, rc RuleContext, timeout time.Duration) (*RuleResult, error) {
	if timeout <= 0 {
		timeout = ev.timeout
	}
	run := &evaluation{
		ev:      ev,
		ctx:     ctx,
		rc:      rc,
		root:    rc.Map(),
		timeout: timeout,
	}

	result, nodeErr := run.node(rule)
	result.Errors = result.CollectErrors()

	if rule != nil && rule.Type == TypeCustom && rule.Enabled && nodeErr != nil {
		var te *TimeoutError
		var ee *EvaluationError
		if errors.As(nodeErr, &te) || errors.As(nodeErr, &ee) {
			return result, nodeErr
		}
	}
	return result, nil
}

// evaluation carries the per-call state of one tree walk
type evaluation struct {
	ev      *Evaluator
	ctx     context.Context
	rc      RuleContext
	root    map[string]any
	timeout time.Duration
}

func (e *evaluation) node(rule *Rule) (*RuleResult, error) {
	start := time.Now()

	var (
		result *RuleResult
		err    error
	)
	switch {
	case rule == nil:
		result = failed("", "", "rule is nil", errors.New("rule is nil"))
	case !rule.Enabled:
		// Disabled rules fail open
		result = &RuleResult{Rule: rule.Name, Type: rule.Type, Passed: true, Reason: "rule is disabled"}
	case e.ctx.Err() != nil:
		err = e.ctx.Err()
		result = failed(rule.Name, rule.Type, "evaluation cancelled", err)
	default:
		switch rule.Type {
		case TypeSimple:
			result = e.simple(rule)
		case TypeComposite:
			result = e.composite(rule)
		case TypeCustom:
			result, err = e.customRule(rule)
		case TypeJavaScript:
			result = e.script(rule)
		default:
			err = fmt.Errorf("unknown rule type %q", rule.Type)
			result = failed(rule.Name, rule.Type, "unknown rule type", err)
		}
	}

	result.ExecutionTime = time.Since(start)
	result.ExecutionTimeMs = float64(result.ExecutionTime.Microseconds()) / 1000
	return result, err
}

func (e *evaluation) simple(rule *Rule) *RuleResult {
	pred, err := ParsePredicate(rule.Condition)
	if err != nil {
		return failed(rule.Name, rule.Type, "invalid condition: "+err.Error(), err)
	}

	result := &RuleResult{
		Rule: rule.Name,
		Type: rule.Type,
		Details: map[string]any{
			"condition": pred.String(),
			"field":     pred.Field,
		},
	}
	if pred.Field == "" {
		err := fmt.Errorf("condition %q is missing a field name", rule.Condition)
		result.Reason = err.Error()
		result.Error = err.Error()
		return result
	}

	value, found := Resolve(e.root, pred.Field)
	if !found {
		result.Reason = fmt.Sprintf("field %s is undefined", pred.Field)
		return result
	}
	result.Details["actual"] = value

	switch pred.Op {
	case PredExists:
		if value == nil {
			result.Reason = fmt.Sprintf("field %s is null", pred.Field)
			return result
		}
		result.Passed = true
		result.Reason = fmt.Sprintf("field %s exists", pred.Field)

	case PredEquals:
		result.Details["expected"] = pred.Value
		result.Passed = StrictEqual(value, pred.Value)
		if result.Passed {
			result.Reason = fmt.Sprintf("field %s equals %s", pred.Field, literal(pred.Value))
		} else {
			result.Reason = fmt.Sprintf("field %s is %s, expected %s", pred.Field, literal(value), literal(pred.Value))
		}

	case PredGreaterThan, PredLessThan:
		threshold := ToNumber(pred.Value)
		result.Details["threshold"] = threshold
		n := ToNumber(value)
		if math.IsNaN(n) {
			result.Reason = fmt.Sprintf("field %s value %s is not a number", pred.Field, literal(value))
			return result
		}
		if pred.Op == PredGreaterThan {
			result.Passed = n > threshold
		} else {
			result.Passed = n < threshold
		}
		verdict := "is not"
		if result.Passed {
			verdict = "is"
		}
		result.Reason = fmt.Sprintf("field %s (%v) %s %s %v", pred.Field, n, verdict, pred.Op, threshold)

	case PredContains:
		needle, _ := pred.Value.(string)
		result.Details["substring"] = needle
		result.Passed = strings.Contains(ToString(value), needle)
		if result.Passed {
			result.Reason = fmt.Sprintf("field %s contains %q", pred.Field, needle)
		} else {
			result.Reason = fmt.Sprintf("field %s does not contain %q", pred.Field, needle)
		}
	}
	return result
}

func (e *evaluation) composite(rule *Rule) *RuleResult {
	result := &RuleResult{Rule: rule.Name, Type: rule.Type}
	if len(rule.Rules) == 0 {
		err := fmt.Errorf("composite rule %s has no children", rule.Name)
		result.Reason = err.Error()
		result.Error = err.Error()
		return result
	}

	switch rule.Operator {
	case OpAnd:
		for _, child := range rule.Rules {
			sub, _ := e.node(child)
			result.SubResults = append(result.SubResults, sub)
			if !sub.Passed {
				result.Reason = fmt.Sprintf("AND failed at rule %s: %s", sub.Rule, sub.Reason)
				return result
			}
		}
		result.Passed = true
		result.Reason = fmt.Sprintf("all %d rules passed", len(rule.Rules))

	case OpOr:
		for _, child := range rule.Rules {
			sub, _ := e.node(child)
			result.SubResults = append(result.SubResults, sub)
			if sub.Passed {
				result.Passed = true
				result.Reason = fmt.Sprintf("OR satisfied by rule %s: %s", sub.Rule, sub.Reason)
				return result
			}
		}
		names := make([]string, 0, len(result.SubResults))
		for _, sub := range result.SubResults {
			names = append(names, sub.Rule)
		}
		result.Reason = fmt.Sprintf("OR failed: none of %s passed", strings.Join(names, ", "))

	case OpNot:
		// Only the first child participates
		sub, _ := e.node(rule.Rules[0])
		result.SubResults = []*RuleResult{sub}
		result.Passed = !sub.Passed
		if result.Passed {
			result.Reason = fmt.Sprintf("NOT satisfied: rule %s did not pass", sub.Rule)
		} else {
			result.Reason = fmt.Sprintf("NOT failed: rule %s passed", sub.Rule)
		}

	default:
		err := fmt.Errorf("unknown operator %q", rule.Operator)
		result.Reason = err.Error()
		result.Error = err.Error()
	}
	return result
}

func (e *evaluation) customRule(rule *Rule) (*RuleResult, error) {
	name := rule.EvaluatorName()
	if e.ev.custom == nil {
		err := &EvaluationError{Rule: rule.Name, Err: fmt.Errorf("no custom evaluator registered under %q", name)}
		return failed(rule.Name, rule.Type, "no evaluator registered", err), err
	}

	passed, err := e.ev.custom.Run(e.ctx, name, e.rc, e.timeout)
	if err != nil {
		var te *TimeoutError
		var ee *EvaluationError
		switch {
		case errors.As(err, &te):
			te.Rule = rule.Name
			e.ev.logger.Warn("custom evaluator timed out", "rule", rule.Name, "evaluator", name, "timeout", te.Timeout)
			return failed(rule.Name, rule.Type, "evaluator timed out", te), te
		case errors.As(err, &ee):
			ee.Rule = rule.Name
			return failed(rule.Name, rule.Type, "evaluator failed", ee), ee
		default:
			return failed(rule.Name, rule.Type, "evaluator returned an error", err), err
		}
	}

	result := &RuleResult{
		Rule:    rule.Name,
		Type:    rule.Type,
		Passed:  passed,
		Details: map[string]any{"evaluator": name},
	}
	if passed {
		result.Reason = fmt.Sprintf("custom evaluator %s passed", name)
	} else {
		result.Reason = fmt.Sprintf("custom evaluator %s did not pass", name)
	}
	return result, nil
}

func (e *evaluation) script(rule *Rule) *RuleResult {
	if e.ev.scripts == nil {
		err := errors.New("script conditions are not enabled")
		return failed(rule.Name, rule.Type, err.Error(), err)
	}

	passed, err := e.ev.scripts.Evaluate(e.ctx, rule.Condition, e.rc)
	if err != nil {
		return failed(rule.Name, rule.Type, "script condition failed", err)
	}

	result := &RuleResult{
		Rule:    rule.Name,
		Type:    rule.Type,
		Passed:  passed,
		Details: map[string]any{"condition": rule.Condition},
	}
	if passed {
		result.Reason = "script condition is true"
	} else {
		result.Reason = "script condition is false"
	}
	return result
}

func failed(name string, typ RuleType, reason string, err error) *RuleResult {
	r := &RuleResult{Rule: name, Type: typ, Reason: reason}
	if err != nil {
		r.Error = err.Error()
		if reason != err.Error() {
			r.Reason = reason + ": " + err.Error()
		}
	}
	return r
}
