package rules

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

const (
	// MinRecommendedPriority and MaxRecommendedPriority bound the priority band;
	// values outside it are accepted with a warning
	MinRecommendedPriority = 0
	MaxRecommendedPriority = 1000

	maxNameLength = 100
	maxTreeDepth  = 32
)

var validName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]*$`)

// ValidationIssue is one finding about a rule definition. Path locates the node
// inside the tree, e.g. "rules[1].rules[0]".
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationReport splits findings into blocking errors and advisory warnings
type ValidationReport struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Err returns a *ValidationError when the report holds errors
func (r ValidationReport) Err(name string) error {
	if len(r.Errors) == 0 {
		return nil
	}
	return &ValidationError{Rule: name, Issues: r.Errors}
}

// Validator checks rule definitions before they are persisted or evaluated
type Validator struct {
	validate *validator.Validate
	custom   *CustomRegistry
	scripts  *ScriptEngine
}

// NewValidator creates a validator. custom and scripts may be nil, in which
// case evaluator registration and script compilation are not checked.
func NewValidator(custom *CustomRegistry, scripts *ScriptEngine) *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		custom:   custom,
		scripts:  scripts,
	}
}

// Validate inspects the whole rule tree
func (v *Validator) Validate(rule *Rule) ValidationReport {
	report := ValidationReport{}
	if rule == nil {
		report.Errors = append(report.Errors, ValidationIssue{Message: "rule is required"})
		return report
	}
	v.node(rule, "", 0, &report)
	report.Valid = len(report.Errors) == 0
	return report
}

func (v *Validator) node(rule *Rule, path string, depth int, report *ValidationReport) {
	fail := func(format string, args ...any) {
		report.Errors = append(report.Errors, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}
	warn := func(format string, args ...any) {
		report.Warnings = append(report.Warnings, ValidationIssue{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if depth > maxTreeDepth {
		fail("rule tree exceeds maximum depth of %d", maxTreeDepth)
		return
	}

	if err := v.validate.Struct(rule); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fail("field %s failed %q validation", fe.Field(), fe.Tag())
			}
		} else {
			fail("%v", err)
		}
	}
	if rule.Name != "" {
		if err := validateName(rule.Name); err != nil {
			fail("invalid name %q: %v", rule.Name, err)
		}
	}

	if rule.Priority < MinRecommendedPriority || rule.Priority > MaxRecommendedPriority {
		warn("priority %d is outside the recommended range %d-%d", rule.Priority, MinRecommendedPriority, MaxRecommendedPriority)
	}

	switch rule.Type {
	case TypeSimple:
		if len(rule.Rules) > 0 {
			fail("simple rule cannot have child rules")
		}
		if rule.Condition == "" {
			warn("simple rule has no condition and will always fail")
			break
		}
		pred, err := ParsePredicate(rule.Condition)
		if err != nil {
			warn("condition will fail at evaluation: %v", err)
		} else if pred.Field == "" {
			warn("condition %q is missing a field name and will always fail", rule.Condition)
		}

	case TypeJavaScript:
		if len(rule.Rules) > 0 {
			fail("javascript rule cannot have child rules")
		}
		if rule.Condition == "" {
			fail("javascript rule requires a condition expression")
		} else if v.scripts != nil {
			if _, err := v.scripts.Compile(rule.Condition); err != nil {
				fail("invalid script condition: %v", err)
			}
		}

	case TypeCustom:
		if len(rule.Rules) > 0 {
			fail("custom rule cannot have child rules")
		}
		if v.custom != nil {
			if _, ok := v.custom.Get(rule.EvaluatorName()); !ok {
				warn("no custom evaluator is registered under %q", rule.EvaluatorName())
			}
		}

	case TypeComposite:
		if rule.Operator == "" {
			fail("composite rule requires an operator")
		} else if !rule.Operator.Valid() {
			fail("unknown operator %q (must be AND, OR or NOT)", rule.Operator)
		}
		if len(rule.Rules) == 0 {
			if rule.Operator == OpNot {
				fail("NOT rule requires at least one child rule; only the first is evaluated")
			} else {
				fail("composite rule requires at least one child rule")
			}
		}
		if rule.Operator == OpNot && len(rule.Rules) > 1 {
			warn("NOT rule only evaluates its first child; %d additional children are ignored", len(rule.Rules)-1)
		}
		if rule.Condition != "" {
			warn("composite rule condition is ignored")
		}
		for i, child := range rule.Rules {
			childPath := fmt.Sprintf("rules[%d]", i)
			if path != "" {
				childPath = path + "." + childPath
			}
			if child == nil {
				report.Errors = append(report.Errors, ValidationIssue{Path: childPath, Message: "child rule is nil"})
				continue
			}
			v.node(child, childPath, depth+1, report)
		}

	case "":
		// reported by the struct tags

	default:
		fail("unknown rule type %q", rule.Type)
	}
}

// validateName checks a rule name against the identifier rules:
// 1-100 characters, starting with a letter or underscore, followed by
// letters, digits, underscores, dots or dashes
func validateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("name length %d exceeds maximum of %d characters", len(name), maxNameLength)
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("must match pattern %s", validName.String())
	}
	return nil
}
