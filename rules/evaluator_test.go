package rules

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *CustomRegistry) {
	t.Helper()
	scripts, err := NewScriptEngine()
	if err != nil {
		t.Fatalf("NewScriptEngine() failed: %v", err)
	}
	custom := NewCustomRegistry()
	return NewEvaluator(custom, scripts, 100*time.Millisecond, nil), custom
}

func testContext() RuleContext {
	return RuleContext{
		Resource: Resource{
			ID:    "doc-1",
			State: "draft",
			Data: map[string]any{
				"content": "hello world",
				"size":    12.0,
				"zero":    0.0,
				"owner":   nil,
				"title":   "Quarterly report",
				"notnum":  "abc",
			},
		},
		Workflow:  map[string]any{"id": "publishing"},
		Activity:  map[string]any{"assignee": "alice"},
		Timestamp: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
	}
}

// countingEvaluator registers an evaluator that returns result and counts calls
func countingEvaluator(t *testing.T, reg *CustomRegistry, name string, result bool) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	err := reg.Register(name, func(context.Context, RuleContext) (bool, error) {
		calls.Add(1)
		return result, nil
	})
	if err != nil {
		t.Fatalf("Register(%q) failed: %v", name, err)
	}
	return &calls
}

func TestEvaluateSimple(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	testCases := []struct {
		name      string
		condition string
		want      bool
	}{
		{"exists present", "exists(data.content)", true},
		{"exists zero", "exists(data.zero)", true},
		{"exists null", "exists(data.owner)", false},
		{"exists undefined", "exists(data.missing)", false},
		{"equals", `state == "draft"`, true},
		{"equals resource path", `resource.state == "draft"`, true},
		{"equals mismatch", `state == "published"`, false},
		{"equals number", "data.size == 12", true},
		{"equals type mismatch", `data.size == "12"`, false},
		{"greater than", "data.size > 10", true},
		{"greater than equal boundary", "data.size > 12", false},
		{"less than", "data.size < 20", true},
		{"NaN comparison", "data.notnum > 0", false},
		{"NaN less than", "data.notnum < 0", false},
		{"undefined greater than", "data.missing > 0", false},
		{"contains", `data.title contains "report"`, true},
		{"contains case sensitive", `data.title contains "REPORT"`, false},
		{"workflow section", `workflow.id == "publishing"`, true},
		{"activity section", `activity.assignee == "alice"`, true},
		{"absent section", "exists(metadata.x)", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := ev.Evaluate(context.Background(), Simple("r", tc.condition), testContext(), 0)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if result.Passed != tc.want {
				t.Errorf("Passed = %v, want %v (reason: %s)", result.Passed, tc.want, result.Reason)
			}
			if result.Reason == "" {
				t.Error("Reason should not be empty")
			}
			if result.Type != TypeSimple || result.Rule != "r" {
				t.Errorf("result identifies %s/%s, want r/simple", result.Rule, result.Type)
			}
		})
	}
}

func TestEvaluateExistsReasons(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	testCases := []struct {
		field      string
		wantReason string
	}{
		{"data.owner", "is null"},
		{"data.missing", "is undefined"},
	}

	for _, tc := range testCases {
		t.Run(tc.field, func(t *testing.T) {
			result, err := ev.Evaluate(context.Background(), Simple("r", FieldExists(tc.field)), testContext(), 0)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if result.Passed {
				t.Fatal("exists() should fail")
			}
			if !strings.Contains(result.Reason, tc.wantReason) {
				t.Errorf("Reason = %q, want it to contain %q", result.Reason, tc.wantReason)
			}
		})
	}
}

func TestEvaluateSimpleMissingFieldIsNodeError(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	result, err := ev.Evaluate(context.Background(), Simple("r", "== 5"), testContext(), 0)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Passed {
		t.Error("condition without a field should fail")
	}
	if result.Error == "" || len(result.Errors) != 1 {
		t.Errorf("expected one node error, got Error=%q Errors=%v", result.Error, result.Errors)
	}
}

func TestEvaluateAndShortCircuits(t *testing.T) {
	ev, reg := newTestEvaluator(t)
	first := countingEvaluator(t, reg, "first", false)
	second := countingEvaluator(t, reg, "second", true)

	rule := Composite("all", OpAnd, Custom("first", ""), Custom("second", ""))
	result, err := ev.Evaluate(context.Background(), rule, testContext(), 0)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if result.Passed {
		t.Error("AND with a failing child should fail")
	}
	if first.Load() != 1 || second.Load() != 0 {
		t.Errorf("calls = %d/%d, want 1/0", first.Load(), second.Load())
	}
	if len(result.SubResults) != 1 {
		t.Errorf("SubResults = %d, want only evaluated children", len(result.SubResults))
	}
	if !strings.Contains(result.Reason, "first") {
		t.Errorf("Reason %q should name the failing child", result.Reason)
	}
}

func TestEvaluateOrShortCircuits(t *testing.T) {
	ev, reg := newTestEvaluator(t)
	first := countingEvaluator(t, reg, "first", true)
	second := countingEvaluator(t, reg, "second", false)

	rule := Composite("any", OpOr, Custom("first", ""), Custom("second", ""))
	result, err := ev.Evaluate(context.Background(), rule, testContext(), 0)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if !result.Passed {
		t.Error("OR with a passing child should pass")
	}
	if first.Load() != 1 || second.Load() != 0 {
		t.Errorf("calls = %d/%d, want 1/0", first.Load(), second.Load())
	}
	if len(result.SubResults) != 1 {
		t.Errorf("SubResults = %d, want 1", len(result.SubResults))
	}
}

func TestEvaluateOrAllFail(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	rule := Composite("any", OpOr, Simple("a", `state == "x"`), Simple("b", `state == "y"`))
	result, _ := ev.Evaluate(context.Background(), rule, testContext(), 0)

	if result.Passed {
		t.Error("OR with only failing children should fail")
	}
	if len(result.SubResults) != 2 {
		t.Errorf("SubResults = %d, want 2", len(result.SubResults))
	}
}

func TestEvaluateNot(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	testCases := []struct {
		name     string
		children []*Rule
		want     bool
	}{
		{"negates pass", []*Rule{Simple("a", "exists(data.content)")}, false},
		{"negates fail", []*Rule{Simple("a", "exists(data.missing)")}, true},
		{"only first child", []*Rule{Simple("a", "exists(data.missing)"), Simple("b", "exists(data.content)")}, true},
		{"only first child, second flipped", []*Rule{Simple("a", "exists(data.missing)"), Simple("b", "exists(data.missing)")}, true},
		{"only first child, first passes", []*Rule{Simple("a", "exists(data.content)"), Simple("b", "exists(data.missing)")}, false},
		{"negates node error", []*Rule{Simple("a", "== 1")}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := ev.Evaluate(context.Background(), Composite("not", OpNot, tc.children...), testContext(), 0)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if result.Passed != tc.want {
				t.Errorf("Passed = %v, want %v", result.Passed, tc.want)
			}
			if len(result.SubResults) != 1 {
				t.Errorf("SubResults = %d, want 1", len(result.SubResults))
			}
		})
	}
}

func TestEvaluateCompositeWithoutChildren(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	for _, op := range []Operator{OpAnd, OpOr, OpNot} {
		result, _ := ev.Evaluate(context.Background(), Composite("empty", op), testContext(), 0)
		if result.Passed {
			t.Errorf("%s without children should fail", op)
		}
		if result.Error == "" {
			t.Errorf("%s without children should record an error", op)
		}
	}
}

func TestEvaluateDisabledRulePasses(t *testing.T) {
	ev, reg := newTestEvaluator(t)
	calls := countingEvaluator(t, reg, "never", false)

	disabled := Custom("never", "")
	disabled.Enabled = false

	result, err := ev.Evaluate(context.Background(), Composite("all", OpAnd, disabled, Simple("a", "exists(data.content)")), testContext(), 0)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Passed {
		t.Errorf("disabled child should not block AND: %s", result.Reason)
	}
	if calls.Load() != 0 {
		t.Error("disabled custom rule should not run its evaluator")
	}

	// Under NOT a disabled child becomes a failure
	result, _ = ev.Evaluate(context.Background(), Composite("not", OpNot, disabled), testContext(), 0)
	if result.Passed {
		t.Error("NOT of a disabled rule should fail")
	}
}

func TestEvaluateCustomMissingEvaluator(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	result, err := ev.Evaluate(context.Background(), Custom("unknown", ""), testContext(), 0)
	var ee *EvaluationError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EvaluationError, got %v", err)
	}
	if result == nil || result.Passed {
		t.Error("a partial failing result should accompany the error")
	}

	// Nested, the failure stays inside the result tree
	result, err = ev.Evaluate(context.Background(), Composite("any", OpOr, Custom("unknown", ""), Simple("a", "exists(data.content)")), testContext(), 0)
	if err != nil {
		t.Fatalf("nested failure should not escape, got %v", err)
	}
	if !result.Passed {
		t.Error("OR should still be satisfied by the second child")
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %v, want the nested evaluator failure", result.Errors)
	}
}

func TestEvaluateCustomTimeout(t *testing.T) {
	ev, reg := newTestEvaluator(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	_ = reg.Register("slow", func(ctx context.Context, _ RuleContext) (bool, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return true, nil
	})

	start := time.Now()
	result, err := ev.Evaluate(context.Background(), Custom("slow", ""), testContext(), 20*time.Millisecond)
	elapsed := time.Since(start)

	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var te *TimeoutError
	if errors.As(err, &te) && te.Rule != "slow" {
		t.Errorf("TimeoutError.Rule = %q, want slow", te.Rule)
	}
	if result.Passed {
		t.Error("timed out rule must not pass")
	}
	if elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestEvaluateCustomEvaluatorError(t *testing.T) {
	ev, reg := newTestEvaluator(t)
	_ = reg.Register("broken", func(context.Context, RuleContext) (bool, error) {
		return true, errors.New("backend unavailable")
	})

	result, _ := ev.Evaluate(context.Background(), Composite("all", OpAnd, Custom("broken", "")), testContext(), 0)
	if result.Passed {
		t.Error("an erroring evaluator must fail closed")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "backend unavailable") {
		t.Errorf("Errors = %v", result.Errors)
	}
}

func TestEvaluateScript(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	rule := Script("js", `data.size > 10.0 && state == "draft"`)
	result, err := ev.Evaluate(context.Background(), rule, testContext(), 0)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Passed {
		t.Errorf("script should pass: %s", result.Reason)
	}
}

func TestEvaluateCancelledContext(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, _ := ev.Evaluate(ctx, Simple("a", "exists(data.content)"), testContext(), 0)
	if result.Passed {
		t.Error("cancelled evaluation must not pass")
	}
}

func TestEvaluateExecutionTime(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	result, _ := ev.Evaluate(context.Background(), Composite("all", OpAnd, Simple("a", "exists(data.content)")), testContext(), 0)
	if result.ExecutionTime < 0 || math.IsNaN(result.ExecutionTimeMs) || result.ExecutionTimeMs < 0 {
		t.Errorf("ExecutionTime = %v / %vms", result.ExecutionTime, result.ExecutionTimeMs)
	}
}

// TestPublishingScenario walks a draft through a typical publishing gate
func TestPublishingScenario(t *testing.T) {
	ev, reg := newTestEvaluator(t)
	_ = reg.Register("has_assignee", func(_ context.Context, rc RuleContext) (bool, error) {
		v, ok := rc.Activity["assignee"]
		return ok && v != "", nil
	})

	hasContent := Simple("has-content", "exists(data.content)")
	notArchived := Composite("not-archived", OpNot, Simple("is-archived", `state == "archived"`))
	assigned := Custom("assigned", "has_assignee")
	canPublish := Composite("can-publish", OpAnd, hasContent, notArchived, assigned)

	rc := testContext()
	result, err := ev.Evaluate(context.Background(), canPublish, rc, 0)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Passed || len(result.SubResults) != 3 {
		t.Fatalf("draft with content and assignee should pass: %s", result.Reason)
	}

	rc.Resource.State = "archived"
	result, _ = ev.Evaluate(context.Background(), canPublish, rc, 0)
	if result.Passed {
		t.Error("archived resource should be blocked")
	}
	if len(result.SubResults) != 2 {
		t.Errorf("SubResults = %d, want AND to stop at not-archived", len(result.SubResults))
	}
}
