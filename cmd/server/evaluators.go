package main

import (
	"context"
	"fmt"
	"time"

	"github.com/liamcoop/rulegate/rules"
)

// builtinEvaluators are registered on every tenant engine
var builtinEvaluators = map[string]rules.EvaluatorFunc{
	"resource_has_data": resourceHasData,
	"has_assignee":      hasAssignee,
	"business_hours":    businessHours,
}

func installBuiltins(_ string, engine *rules.Engine) error {
	for name, fn := range builtinEvaluators {
		if err := engine.RegisterEvaluator(name, fn); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}

func resourceHasData(_ context.Context, rc rules.RuleContext) (bool, error) {
	return len(rc.Resource.Data) > 0, nil
}

// hasAssignee looks for a non-empty assignee on the activity, then the resource data
func hasAssignee(_ context.Context, rc rules.RuleContext) (bool, error) {
	for _, section := range []map[string]any{rc.Activity, rc.Resource.Data} {
		if v, ok := section["assignee"]; ok && v != nil && v != "" {
			return true, nil
		}
	}
	return false, nil
}

// businessHours passes Monday to Friday, 09:00 to 17:00 UTC, at the context timestamp
func businessHours(_ context.Context, rc rules.RuleContext) (bool, error) {
	if rc.Timestamp.IsZero() {
		return false, fmt.Errorf("context has no timestamp")
	}
	ts := rc.Timestamp.UTC()
	if ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
		return false, nil
	}
	return ts.Hour() >= 9 && ts.Hour() < 17, nil
}
