package sandbox

import (
	"regexp"

	"github.com/dop251/goja"
)

var returnStmt = regexp.MustCompile(`\breturn\b`)

// EvaluateExpression runs a single synchronous expression in a throwaway
// runtime with the given read-only globals and helper functions installed.
// No data bridge and no job pump: expression inputs are precomputed before
// evaluation, so nothing asynchronous can happen. Used for computed-metric
// formulas, which carry a tighter budget than full queries.
func EvaluateExpression(expr string, globals map[string]any, helpers map[string]any, limits ResourceLimits) (any, error) {
	if expr == "" {
		return nil, nil
	}
	if len(expr) > limits.MaxCodeBytes {
		return nil, ErrCodeTooLarge
	}

	sess := newSession(limits)
	defer sess.Close()

	vm := sess.vm
	for name, v := range globals {
		if err := vm.Set(name, toGuest(vm, v)); err != nil {
			return nil, &ExecutionError{Op: "install_global", Err: ErrInternal}
		}
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return nil, &ExecutionError{Op: "install_helper", Err: ErrInternal}
		}
	}

	value, err := sess.run(wrapExpression(expr))
	if err != nil {
		return nil, err
	}
	if _, ok := value.Export().(*goja.Promise); ok {
		return nil, &ScriptError{Kind: ErrRuntime, Message: "expressions cannot be asynchronous"}
	}
	return toHost(value), nil
}

// wrapExpression supports both a bare expression and a body with an explicit
// return. Bare expressions are parenthesized so object literals parse as
// expressions rather than blocks.
func wrapExpression(expr string) string {
	if returnStmt.MatchString(expr) {
		return "(function() {\n" + expr + "\n})()"
	}
	return "(\n" + expr + "\n)"
}
