package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. These are the only failure kinds
// that cross the sandbox boundary; guest-runtime internals never escape.
var (
	ErrCodeTooLarge = errors.New("code exceeds size limit")
	ErrSyntax       = errors.New("script failed to parse")
	ErrRuntime      = errors.New("script error")
	ErrTimeout      = errors.New("execution timed out")
	ErrCanceled     = errors.New("execution canceled")
	ErrMemoryLimit  = errors.New("memory limit exceeded")
	ErrDataFetch    = errors.New("data fetch failed")
	ErrInternal     = errors.New("internal execution failure")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// ScriptError carries the user-visible message extracted from a guest throw,
// parse failure, or promise rejection. Kind is one of the sentinels above.
type ScriptError struct {
	Kind    error
	Message string
}

func (e *ScriptError) Error() string {
	return e.Message
}

func (e *ScriptError) Unwrap() error {
	return e.Kind
}

// IsTimeout returns true if the error is a wall-clock budget violation.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsMemoryLimit returns true if the error is a guest heap ceiling violation.
func IsMemoryLimit(err error) bool {
	return errors.Is(err, ErrMemoryLimit)
}

// IsResourceExceeded returns true for either hard-limit violation.
func IsResourceExceeded(err error) bool {
	return IsTimeout(err) || IsMemoryLimit(err)
}

// IsScriptError returns true for failures originating in the user's own code
// (parse errors, thrown values, rejected promises).
func IsScriptError(err error) bool {
	return errors.Is(err, ErrSyntax) || errors.Is(err, ErrRuntime)
}

// UserMessage flattens an execution error into the string shown to the user
// who authored the script. Host paths and stack frames never appear here.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var scriptErr *ScriptError
	if errors.As(err, &scriptErr) {
		return scriptErr.Message
	}
	switch {
	case errors.Is(err, ErrCodeTooLarge):
		return "query code is too large"
	case errors.Is(err, ErrTimeout):
		return "execution timed out"
	case errors.Is(err, ErrCanceled):
		return "execution canceled"
	case errors.Is(err, ErrMemoryLimit):
		return "memory limit exceeded"
	case errors.Is(err, ErrSyntax):
		return "script failed to parse"
	default:
		return "execution failed"
	}
}
