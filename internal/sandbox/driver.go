package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ExecutionRequest carries one piece of untrusted user code plus the identity
// and calendar settings of the user it runs for. The caller is responsible
// for having authenticated UserID; the engine trusts it as given.
type ExecutionRequest struct {
	Code     string
	UserID   string
	Params   map[string]any
	Limits   ResourceLimits
	Settings UserSettings
}

// ExecutionResult is the successful outcome of one execution. Value is plain
// host data; no guest handle ever appears here.
type ExecutionResult struct {
	ID       string
	Value    any
	Duration time.Duration
	CodeHash string
}

// Engine drives sandboxed executions end to end: one fresh runtime per
// request, hard resource ceilings, typed outcome classification. It holds no
// per-user state; quota policy lives in the governor.
type Engine struct {
	source   DataSource
	sem      chan struct{}
	active   atomic.Int64
	sessions atomic.Int64
}

// NewEngine creates an execution engine backed by the given data source.
func NewEngine(source DataSource, maxConcurrent int) *Engine {
	if maxConcurrent < 1 {
		maxConcurrent = 100
	}
	return &Engine{
		source: source,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Execute runs user code in an isolated guest runtime and returns either a
// marshalled result or a classified error. It never retries, never leaks a
// guest object, and never lets a failure escape unclassified: catastrophic
// host-side problems come back as ErrInternal.
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest) (result *ExecutionResult, err error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("user_id", req.UserID).
		Str("code_hash", codeHash[:16]).
		Logger()

	limits := req.Limits
	if limits == (ResourceLimits{}) {
		limits = DefaultLimits()
	}

	// Size precondition runs before any runtime exists: rejecting a 100KB+
	// blob must cost nothing.
	if strings.TrimSpace(req.Code) == "" {
		return nil, &ScriptError{Kind: ErrSyntax, Message: "script is empty"}
	}
	if len(req.Code) > limits.MaxCodeBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrCodeTooLarge, len(req.Code), limits.MaxCodeBytes)
	}
	if req.UserID == "" {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: missing user id", ErrInternal)}
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ErrCanceled}
	}

	e.active.Add(1)
	defer e.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("execution panicked")
			result, err = nil, &ExecutionError{ExecID: execID, Op: "execute", Err: ErrInternal}
		}
	}()

	start := time.Now()

	sess := newSession(limits)
	e.sessions.Add(1)
	defer sess.Close()

	bridge := newBridge(ctx, sess, e.source, req.UserID, req.Settings)
	if err := bridge.install(req.Params); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "install_bridge", Err: ErrInternal}
	}

	// The async wrapper makes top-level await and plain synchronous returns
	// behave uniformly: evaluation always yields a promise.
	value, err := sess.run(wrapAsync(req.Code))
	if err != nil {
		logger.Debug().Err(err).Msg("evaluation failed")
		return nil, err
	}

	settled := value
	if promise, ok := value.Export().(*goja.Promise); ok {
		settled, err = sess.await(ctx, promise)
		if err != nil {
			logger.Debug().Err(err).Dur("duration", time.Since(start)).Msg("execution failed")
			return nil, err
		}
	}

	hostValue := toHost(settled)
	if err := checkResultSize(hostValue, limits.MaxResultBytes); err != nil {
		return nil, err
	}

	duration := time.Since(start)
	logger.Info().Dur("duration", duration).Msg("execution completed")

	return &ExecutionResult{
		ID:       execID,
		Value:    hostValue,
		Duration: duration,
		CodeHash: codeHash,
	}, nil
}

// ActiveCount returns the number of currently running executions.
func (e *Engine) ActiveCount() int64 {
	return e.active.Load()
}

// SessionsStarted returns the total number of guest runtimes ever created.
// Oversized code must never move this counter.
func (e *Engine) SessionsStarted() int64 {
	return e.sessions.Load()
}

func wrapAsync(code string) string {
	return "(async () => {\n" + code + "\n})()"
}

func checkResultSize(v any, maxBytes int) error {
	if v == nil || maxBytes <= 0 {
		return nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return &ScriptError{Kind: ErrRuntime, Message: "result is not serializable"}
	}
	if len(encoded) > maxBytes {
		return &ScriptError{Kind: ErrRuntime, Message: fmt.Sprintf("result too large: %d bytes (limit %d)", len(encoded), maxBytes)}
	}
	return nil
}
