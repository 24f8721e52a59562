package rules

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// BatchOptions controls EvaluateMany
type BatchOptions struct {
	// StopOnFailure halts at the first failing or erroring rule
	StopOnFailure bool
	Timeout       time.Duration
	SkipCache     bool
}

// BatchError records one failure inside a batch
type BatchError struct {
	Rule    string `json:"rule"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// BatchResult aggregates the sequential evaluation of several rules
type BatchResult struct {
	Results    []*RuleResult `json:"results"`
	Errors     []BatchError  `json:"errors,omitempty"`
	Evaluated  int           `json:"evaluated"`
	Passed     int           `json:"passed"`
	Failed     int           `json:"failed"`
	AllPassed  bool          `json:"allPassed"`
	Stopped    bool          `json:"stopped"`
	DurationMs float64       `json:"durationMs"`
}

// BatchRequest is one batch submitted to EvaluateBatches
type BatchRequest struct {
	Rules   []string     `json:"rules"`
	Context RuleContext  `json:"context"`
	Options BatchOptions `json:"options"`
}

// EvaluateMany evaluates names one after another against a single context.
// Order is preserved so StopOnFailure short circuits deterministically.
func (en *Engine) EvaluateMany(ctx context.Context, names []string, rc RuleContext, opts BatchOptions) *BatchResult {
	start := time.Now()
	batch := &BatchResult{Results: make([]*RuleResult, 0, len(names))}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			batch.Errors = append(batch.Errors, BatchError{Rule: name, Kind: errorKind(err), Message: err.Error()})
			batch.Stopped = true
			break
		}

		result, err := en.EvaluateRule(ctx, name, rc, EvaluateOptions{Timeout: opts.Timeout, SkipCache: opts.SkipCache})
		batch.Evaluated++
		if result != nil {
			batch.Results = append(batch.Results, result)
		}

		ok := err == nil && result != nil && result.Passed
		switch {
		case err != nil:
			// the root failure is already in result.Errors; report it once
			batch.Errors = append(batch.Errors, BatchError{Rule: name, Kind: errorKind(err), Message: err.Error()})
		case result != nil:
			for _, nodeErr := range result.Errors {
				batch.Errors = append(batch.Errors, BatchError{Rule: name, Kind: "node", Message: nodeErr})
			}
		}
		if ok {
			batch.Passed++
		} else {
			batch.Failed++
			if opts.StopOnFailure {
				batch.Stopped = batch.Evaluated < len(names)
				break
			}
		}
	}

	batch.AllPassed = len(names) > 0 && batch.Passed == len(names)
	batch.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	return batch
}

// EvaluateBatches runs independent batches concurrently. A short circuit or
// failure inside one batch never affects its siblings; results keep the
// order of requests.
func (en *Engine) EvaluateBatches(ctx context.Context, requests []BatchRequest) []*BatchResult {
	results := make([]*BatchResult, len(requests))

	var g errgroup.Group
	g.SetLimit(en.config.BatchConcurrency)
	for i, req := range requests {
		g.Go(func() error {
			results[i] = en.EvaluateMany(ctx, req.Rules, req.Context, req.Options)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrEvaluation):
		return "evaluation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
