package main

import (
	"time"

	"github.com/liamcoop/rulegate/rules"
	"github.com/liamcoop/rulegate/rules/mirror"
)

// CreateTenantRequest is the body of POST /api/v1/tenants. ID is optional.
type CreateTenantRequest struct {
	ID   string `json:"id,omitempty" example:"acme"`
	Name string `json:"name" example:"Acme Corp"`
}

type TenantsListResponse struct {
	Tenants any `json:"tenants"`
}

// RuleRequest is the wire form of a rule definition. Enabled defaults to true
// when omitted.
type RuleRequest struct {
	Name        string         `json:"name" example:"has-content"`
	Type        rules.RuleType `json:"type" example:"simple"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Condition   string         `json:"condition,omitempty" example:"exists(data.content)"`
	Operator    rules.Operator `json:"operator,omitempty"`
	Rules       []RuleRequest  `json:"rules,omitempty"`
	Evaluator   string         `json:"evaluator,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Priority    int            `json:"priority"`
	Enabled     *bool          `json:"enabled,omitempty"`
}

func (r *RuleRequest) toRule() *rules.Rule {
	if r == nil {
		return nil
	}
	rule := &rules.Rule{
		Name:        r.Name,
		Type:        r.Type,
		Description: r.Description,
		Category:    r.Category,
		Condition:   r.Condition,
		Operator:    r.Operator,
		Evaluator:   r.Evaluator,
		Metadata:    r.Metadata,
		Priority:    r.Priority,
		Enabled:     r.Enabled == nil || *r.Enabled,
	}
	for i := range r.Rules {
		rule.Rules = append(rule.Rules, r.Rules[i].toRule())
	}
	return rule
}

// RuleResponse wraps a stored rule with its validation warnings
type RuleResponse struct {
	Rule     *rules.Rule             `json:"rule"`
	Warnings []rules.ValidationIssue `json:"warnings,omitempty"`
	Stats    *rules.RuleStats        `json:"stats,omitempty"`
}

type DependentsResponse struct {
	Rule       string   `json:"rule"`
	Dependents []string `json:"dependents"`
}

// EvaluateOptionsRequest tunes evaluation. TimeoutMs overrides the custom
// evaluator timeout when positive.
type EvaluateOptionsRequest struct {
	TimeoutMs     int  `json:"timeoutMs,omitempty"`
	SkipCache     bool `json:"skipCache,omitempty"`
	StopOnFailure bool `json:"stopOnFailure,omitempty"`
}

func (o EvaluateOptionsRequest) timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

func (o EvaluateOptionsRequest) evaluate() rules.EvaluateOptions {
	return rules.EvaluateOptions{Timeout: o.timeout(), SkipCache: o.SkipCache}
}

func (o EvaluateOptionsRequest) batch() rules.BatchOptions {
	return rules.BatchOptions{StopOnFailure: o.StopOnFailure, Timeout: o.timeout(), SkipCache: o.SkipCache}
}

// EvaluateRequest names a stored rule or carries an inline definition
type EvaluateRequest struct {
	Rule       string                 `json:"rule,omitempty" example:"can-publish"`
	Definition *RuleRequest           `json:"definition,omitempty"`
	Context    rules.RuleContext      `json:"context"`
	Options    EvaluateOptionsRequest `json:"options"`
}

type BatchEvaluateRequest struct {
	Rules   []string               `json:"rules"`
	Context rules.RuleContext      `json:"context"`
	Options EvaluateOptionsRequest `json:"options"`
}

type BatchesEvaluateRequest struct {
	Batches []BatchEvaluateRequest `json:"batches"`
}

type BatchesEvaluateResponse struct {
	Results []*rules.BatchResult `json:"results"`
}

// PreviewRequest asks for an advisory local evaluation. With Compare the
// authoritative engine runs too and the response reports divergence.
type PreviewRequest struct {
	Rule       string            `json:"rule,omitempty"`
	Definition *RuleRequest      `json:"definition,omitempty"`
	Context    rules.RuleContext `json:"context"`
	Compare    bool              `json:"compare,omitempty"`
}

type PreviewResponse struct {
	Preview       *mirror.Result    `json:"preview"`
	Authoritative *rules.RuleResult `json:"authoritative,omitempty"`
	Diverges      bool              `json:"diverges"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

type HealthResponse struct {
	Status        string           `json:"status"`
	TenantsLoaded int              `json:"tenantsLoaded"`
	LogLevel      string           `json:"logLevel"`
	Counters      map[string]int64 `json:"counters,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// withTimestamp fills a missing context timestamp with the current time
func withTimestamp(rc rules.RuleContext) rules.RuleContext {
	if rc.Timestamp.IsZero() {
		rc.Timestamp = time.Now().UTC()
	}
	return rc
}
