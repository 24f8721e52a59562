// Package mirror is a local, advisory-only evaluator for immediate feedback.
//
// It understands the leaf predicates and AND/OR/NOT composition but never
// runs custom evaluators or script conditions, never reads the registry and
// never touches a cache. Its results may diverge from the authoritative
// rules.Engine and must not gate an irreversible action.
package mirror

import (
	"fmt"
	"math"
	"strings"

	"github.com/liamcoop/rulegate/rules"
)

// Result is a best-effort evaluation. Authoritative is always false.
// Indeterminate marks results that depend on a node the mirror cannot
// evaluate locally; such nodes count as not passed.
type Result struct {
	Rule          string    `json:"rule"`
	Passed        bool      `json:"passed"`
	Reason        string    `json:"reason"`
	Indeterminate bool      `json:"indeterminate,omitempty"`
	Authoritative bool      `json:"authoritative"`
	SubResults    []*Result `json:"subResults,omitempty"`
}

// Evaluate runs the supported subset of the semantics against rc
func Evaluate(rule *rules.Rule, rc rules.RuleContext) *Result {
	return evaluate(rule, rc.Map())
}

// Diverges reports whether the mirror disagreed with the authoritative result.
// Indeterminate local results never count as a divergence.
func Diverges(local *Result, authoritative *rules.RuleResult) bool {
	if local == nil || authoritative == nil || local.Indeterminate {
		return false
	}
	return local.Passed != authoritative.Passed
}

func evaluate(rule *rules.Rule, root map[string]any) *Result {
	if rule == nil {
		return &Result{Reason: "rule is nil"}
	}
	if !rule.Enabled {
		return &Result{Rule: rule.Name, Passed: true, Reason: "rule is disabled"}
	}

	switch rule.Type {
	case rules.TypeSimple:
		return leaf(rule, root)
	case rules.TypeComposite:
		return composite(rule, root)
	case rules.TypeCustom, rules.TypeJavaScript:
		return &Result{
			Rule:          rule.Name,
			Indeterminate: true,
			Reason:        fmt.Sprintf("%s rules require authoritative evaluation", rule.Type),
		}
	default:
		return &Result{Rule: rule.Name, Reason: fmt.Sprintf("unknown rule type %q", rule.Type)}
	}
}

func leaf(rule *rules.Rule, root map[string]any) *Result {
	res := &Result{Rule: rule.Name}

	pred, err := rules.ParsePredicate(rule.Condition)
	if err != nil {
		res.Reason = "invalid condition: " + err.Error()
		return res
	}
	if pred.Field == "" {
		res.Reason = "condition is missing a field name"
		return res
	}

	value, found := rules.Resolve(root, pred.Field)
	if !found {
		res.Reason = pred.Field + " is undefined"
		return res
	}

	switch pred.Op {
	case rules.PredExists:
		res.Passed = value != nil
	case rules.PredEquals:
		res.Passed = rules.StrictEqual(value, pred.Value)
	case rules.PredGreaterThan:
		n := rules.ToNumber(value)
		res.Passed = !math.IsNaN(n) && n > rules.ToNumber(pred.Value)
	case rules.PredLessThan:
		n := rules.ToNumber(value)
		res.Passed = !math.IsNaN(n) && n < rules.ToNumber(pred.Value)
	case rules.PredContains:
		needle, _ := pred.Value.(string)
		res.Passed = strings.Contains(rules.ToString(value), needle)
	}

	if res.Passed {
		res.Reason = pred.String() + " holds"
	} else {
		res.Reason = pred.String() + " does not hold"
	}
	return res
}

func composite(rule *rules.Rule, root map[string]any) *Result {
	res := &Result{Rule: rule.Name}
	if len(rule.Rules) == 0 {
		res.Reason = "composite rule has no children"
		return res
	}

	switch rule.Operator {
	case rules.OpAnd:
		for _, child := range rule.Rules {
			sub := evaluate(child, root)
			res.SubResults = append(res.SubResults, sub)
			if !sub.Passed {
				res.Indeterminate = sub.Indeterminate
				res.Reason = "AND failed at " + sub.Rule
				return res
			}
		}
		res.Passed = true
		res.Reason = "all rules passed"

	case rules.OpOr:
		for _, child := range rule.Rules {
			sub := evaluate(child, root)
			res.SubResults = append(res.SubResults, sub)
			if sub.Passed {
				// One pass settles OR regardless of earlier unknowns
				res.Passed = true
				res.Indeterminate = false
				res.Reason = "OR satisfied by " + sub.Rule
				return res
			}
			if sub.Indeterminate {
				res.Indeterminate = true
			}
		}
		res.Reason = "no rule passed"

	case rules.OpNot:
		sub := evaluate(rule.Rules[0], root)
		res.SubResults = []*Result{sub}
		if sub.Indeterminate {
			// Negating an unknown stays unknown and fails closed
			res.Indeterminate = true
			res.Reason = "NOT of an indeterminate rule"
			return res
		}
		res.Passed = !sub.Passed
		res.Reason = "NOT of " + sub.Rule

	default:
		res.Reason = fmt.Sprintf("unknown operator %q", rule.Operator)
	}
	return res
}
