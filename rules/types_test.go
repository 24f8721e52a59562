package rules

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRuleTypeValid(t *testing.T) {
	for _, typ := range []RuleType{TypeSimple, TypeComposite, TypeCustom, TypeJavaScript} {
		if !typ.Valid() {
			t.Errorf("%s should be valid", typ)
		}
	}
	if RuleType("regex").Valid() {
		t.Error("regex should not be a valid type")
	}
	if !OpNot.Valid() || Operator("XOR").Valid() {
		t.Error("Operator.Valid() mismatch")
	}
}

func TestRuleClone(t *testing.T) {
	original := Composite("parent", OpAnd, Simple("child", "exists(a)"))
	original.Metadata = map[string]any{"tags": []any{"x"}, "nested": map[string]any{"k": "v"}}

	c := original.Clone()
	c.Rules[0].Condition = "exists(b)"
	c.Metadata["nested"].(map[string]any)["k"] = "changed"
	c.Metadata["tags"].([]any)[0] = "y"

	if original.Rules[0].Condition != "exists(a)" {
		t.Error("Clone() shares children")
	}
	if original.Metadata["nested"].(map[string]any)["k"] != "v" {
		t.Error("Clone() shares nested metadata maps")
	}
	if original.Metadata["tags"].([]any)[0] != "x" {
		t.Error("Clone() shares metadata slices")
	}

	var nilRule *Rule
	if nilRule.Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

func TestRuleWalkAndReferences(t *testing.T) {
	rule := Composite("root", OpOr,
		Simple("a", "exists(a)"),
		Composite("inner", OpNot, Simple("b", "exists(b)")),
	)

	var visited []string
	rule.Walk(func(r *Rule) bool {
		visited = append(visited, r.Name)
		return true
	})
	want := []string{"root", "a", "inner", "b"}
	if len(visited) != len(want) {
		t.Fatalf("Walk() visited %v, want %v", visited, want)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Errorf("Walk() visited %v, want %v", visited, want)
			break
		}
	}

	if !rule.References("b") || !rule.References("inner") {
		t.Error("References() should find nested descendants")
	}
	if rule.References("root") {
		t.Error("References() should not match the rule itself")
	}
	if rule.References("missing") {
		t.Error("References() matched an unknown name")
	}
}

func TestRuleContextMap(t *testing.T) {
	rc := RuleContext{
		Resource:  Resource{ID: "r1", State: "draft", Data: map[string]any{"x": 1.0}},
		Timestamp: time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
	}
	m := rc.Map()

	if v, ok := Resolve(m, "resource.data.x"); !ok || v != 1.0 {
		t.Errorf("resource.data.x = %v, %v", v, ok)
	}
	if v, ok := Resolve(m, "data.x"); !ok || v != 1.0 {
		t.Errorf("data.x = %v, %v", v, ok)
	}
	if v, ok := Resolve(m, "state"); !ok || v != "draft" {
		t.Errorf("state = %v, %v", v, ok)
	}
	if _, ok := m["workflow"]; ok {
		t.Error("absent sections should be undefined, not null")
	}
}

func TestRuleResultJSON(t *testing.T) {
	result := &RuleResult{
		Rule:            "a",
		Type:            TypeSimple,
		Passed:          true,
		Reason:          "ok",
		ExecutionTime:   1500 * time.Microsecond,
		ExecutionTimeMs: 1.5,
	}

	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if decoded["executionTimeMs"] != 1.5 {
		t.Errorf("executionTimeMs = %v", decoded["executionTimeMs"])
	}
	if _, ok := decoded["ExecutionTime"]; ok {
		t.Error("the raw duration should not be serialized")
	}
	if _, ok := decoded["subResults"]; ok {
		t.Error("empty subResults should be omitted")
	}
}

func TestCollectErrors(t *testing.T) {
	result := &RuleResult{
		Rule: "root",
		SubResults: []*RuleResult{
			{Rule: "a", Error: "boom"},
			{Rule: "b", SubResults: []*RuleResult{{Rule: "c", Error: "bang"}}},
		},
	}

	errs := result.CollectErrors()
	if len(errs) != 2 || errs[0] != "a: boom" || errs[1] != "c: bang" {
		t.Errorf("CollectErrors() = %v", errs)
	}
}
