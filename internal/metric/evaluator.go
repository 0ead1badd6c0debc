// Package metric evaluates computed daily-metric formulas. It reuses the
// sandbox's runtime and marshalling primitives but runs single synchronous
// expressions under a tighter budget: no data bridge, no promises, inputs
// precomputed before evaluation.
package metric

import (
	"time"

	"github.com/rs/zerolog/log"

	"okr-query-sandbox/internal/sandbox"
)

// Definition is one metric in a daily template. A metric with an empty
// Expression is raw user input; a non-empty Expression computes the value
// from other metrics. Template order matters: later expressions may reference
// earlier metrics' already-computed values.
type Definition struct {
	Name       string
	Expression string
}

// Result is the outcome of evaluating one template.
type Result struct {
	Values map[string]any
	// Errors maps metric name to a user-visible message for each expression
	// that failed. Failed metrics evaluate to nil; the rest of the template
	// still runs.
	Errors map[string]string
}

// Evaluator runs metric templates. Safe for concurrent use; each expression
// gets its own throwaway runtime.
type Evaluator struct {
	limits sandbox.ResourceLimits
}

func NewEvaluator() *Evaluator {
	return &Evaluator{limits: sandbox.MetricLimits()}
}

// EvaluateTemplate computes the template's expression metrics in definition
// order. raw holds the manually-entered values for the day; date is the day
// being evaluated, in the user's timezone. Each expression sees two read-only
// globals, "metrics" (raw values plus everything computed so far) and "date"
// (ISO "YYYY-MM-DD"), plus the pure helper functions.
func (e *Evaluator) EvaluateTemplate(defs []Definition, raw map[string]any, date time.Time, settings sandbox.UserSettings) Result {
	values := make(map[string]any, len(defs)+len(raw))
	for k, v := range raw {
		values[k] = v
	}
	errs := make(map[string]string)

	day := date.In(settings.Location()).Format("2006-01-02")
	helpers := sandbox.MetricHelperSet()

	for _, def := range defs {
		if def.Expression == "" {
			continue
		}

		globals := map[string]any{
			"metrics": values,
			"date":    day,
		}
		value, err := sandbox.EvaluateExpression(def.Expression, globals, helpers, e.limits)
		if err != nil {
			log.Debug().Err(err).Str("metric", def.Name).Str("date", day).Msg("metric expression failed")
			errs[def.Name] = sandbox.UserMessage(err)
			values[def.Name] = nil
			continue
		}
		values[def.Name] = value
	}

	return Result{Values: values, Errors: errs}
}
