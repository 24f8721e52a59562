package rules

import "time"

// RuleType identifies how a rule's condition is evaluated
type RuleType string

const (
	TypeSimple     RuleType = "simple"
	TypeComposite  RuleType = "composite"
	TypeCustom     RuleType = "custom"
	TypeJavaScript RuleType = "javascript"
)

// Valid reports whether t is one of the known rule types
func (t RuleType) Valid() bool {
	switch t {
	case TypeSimple, TypeComposite, TypeCustom, TypeJavaScript:
		return true
	}
	return false
}

// Operator combines the children of a composite rule
type Operator string

const (
	OpAnd Operator = "AND"
	OpOr  Operator = "OR"
	OpNot Operator = "NOT"
)

// Valid reports whether op is AND, OR or NOT
func (op Operator) Valid() bool {
	return op == OpAnd || op == OpOr || op == OpNot
}

// Rule is a named decision unit. Simple and javascript rules carry a textual
// Condition, composite rules embed their children by value, custom rules name
// an evaluator held by the engine's CustomRegistry.
type Rule struct {
	ID          string         `json:"id"`
	Name        string         `json:"name" validate:"required,max=100"`
	Type        RuleType       `json:"type" validate:"required"`
	Description string         `json:"description,omitempty" validate:"max=2000"`
	Category    string         `json:"category,omitempty" validate:"max=100"`
	Condition   string         `json:"condition,omitempty"`
	Operator    Operator       `json:"operator,omitempty"`
	Rules       []*Rule        `json:"rules,omitempty"`
	Evaluator   string         `json:"evaluator,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Priority    int            `json:"priority"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Simple builds an enabled simple rule
func Simple(name, condition string) *Rule {
	return &Rule{Name: name, Type: TypeSimple, Condition: condition, Enabled: true}
}

// Composite builds an enabled composite rule embedding children
func Composite(name string, op Operator, children ...*Rule) *Rule {
	return &Rule{Name: name, Type: TypeComposite, Operator: op, Rules: children, Enabled: true}
}

// Custom builds an enabled custom rule bound to the named evaluator.
// An empty evaluator binds the rule to its own name.
func Custom(name, evaluator string) *Rule {
	return &Rule{Name: name, Type: TypeCustom, Evaluator: evaluator, Enabled: true}
}

// Script builds an enabled javascript rule from a CEL expression
func Script(name, expression string) *Rule {
	return &Rule{Name: name, Type: TypeJavaScript, Condition: expression, Enabled: true}
}

// EvaluatorName returns the custom evaluator a custom rule is bound to.
// The rule name is used when no explicit evaluator is set.
func (r *Rule) EvaluatorName() string {
	if r.Evaluator != "" {
		return r.Evaluator
	}
	return r.Name
}

// Clone returns a deep copy of the rule tree so callers never share children
// or metadata maps with the store.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.Metadata = cloneMap(r.Metadata)
	if r.Rules != nil {
		c.Rules = make([]*Rule, len(r.Rules))
		for i, child := range r.Rules {
			c.Rules[i] = child.Clone()
		}
	}
	return &c
}

// Walk visits r and every embedded descendant depth first. Returning false
// from fn stops the walk.
func (r *Rule) Walk(fn func(*Rule) bool) bool {
	if r == nil {
		return true
	}
	if !fn(r) {
		return false
	}
	for _, child := range r.Rules {
		if !child.Walk(fn) {
			return false
		}
	}
	return true
}

// References reports whether any embedded descendant (not r itself) is named name
func (r *Rule) References(name string) bool {
	found := false
	for _, child := range r.Rules {
		child.Walk(func(n *Rule) bool {
			if n.Name == name {
				found = true
				return false
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

// Resource is the workflow resource a decision is made about
type Resource struct {
	ID    string         `json:"id"`
	State string         `json:"state"`
	Data  map[string]any `json:"data,omitempty"`
}

// RuleContext is the immutable snapshot a rule is evaluated against
type RuleContext struct {
	Resource  Resource       `json:"resource"`
	Workflow  map[string]any `json:"workflow,omitempty"`
	Activity  map[string]any `json:"activity,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Map renders the context as the nested map field paths resolve against.
// Resource members are also exposed at the top level; absent sections are
// left out so they resolve as undefined rather than null.
func (rc RuleContext) Map() map[string]any {
	resource := map[string]any{
		"id":    rc.Resource.ID,
		"state": rc.Resource.State,
	}
	m := map[string]any{
		"resource":  resource,
		"id":        rc.Resource.ID,
		"state":     rc.Resource.State,
		"timestamp": rc.Timestamp,
	}
	if rc.Resource.Data != nil {
		resource["data"] = rc.Resource.Data
		m["data"] = rc.Resource.Data
	}
	if rc.Workflow != nil {
		m["workflow"] = rc.Workflow
	}
	if rc.Activity != nil {
		m["activity"] = rc.Activity
	}
	if rc.Metadata != nil {
		m["metadata"] = rc.Metadata
	}
	return m
}

// RuleResult mirrors the shape of the rule it evaluated. SubResults only holds
// the children that were actually evaluated before a short circuit.
type RuleResult struct {
	Rule            string         `json:"rule"`
	Type            RuleType       `json:"type"`
	Passed          bool           `json:"passed"`
	Reason          string         `json:"reason"`
	Details         map[string]any `json:"details,omitempty"`
	SubResults      []*RuleResult  `json:"subResults,omitempty"`
	ExecutionTime   time.Duration  `json:"-"`
	ExecutionTimeMs float64        `json:"executionTimeMs"`
	Error           string         `json:"error,omitempty"`
	Errors          []string       `json:"errors,omitempty"`
	Cached          bool           `json:"cached,omitempty"`
}

// CollectErrors returns every node-level error in the tree, prefixed with the
// name of the rule that produced it
func (r *RuleResult) CollectErrors() []string {
	var errs []string
	var walk func(*RuleResult)
	walk = func(n *RuleResult) {
		if n == nil {
			return
		}
		if n.Error != "" {
			errs = append(errs, n.Rule+": "+n.Error)
		}
		for _, sub := range n.SubResults {
			walk(sub)
		}
	}
	walk(r)
	return errs
}

func (r *RuleResult) clone() *RuleResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Details = cloneMap(r.Details)
	c.Errors = append([]string(nil), r.Errors...)
	if r.SubResults != nil {
		c.SubResults = make([]*RuleResult, len(r.SubResults))
		for i, sub := range r.SubResults {
			c.SubResults[i] = sub.clone()
		}
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		c := make([]any, len(t))
		for i, item := range t {
			c[i] = cloneValue(item)
		}
		return c
	default:
		return v
	}
}
