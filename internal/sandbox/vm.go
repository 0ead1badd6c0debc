package sandbox

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"
)

const (
	scriptName = "query.js"

	// How often the memory watchdog samples heap growth. Enforcement is
	// cooperative either way: goja only observes an interrupt at bytecode
	// boundaries.
	memCheckInterval = 20 * time.Millisecond
)

// session owns one throwaway guest runtime for the duration of a single
// execution. Nothing inside it is shared with any other session, past or
// future. Close must run on every exit path.
type session struct {
	vm     *goja.Runtime
	limits ResourceLimits

	// jobs carries settle closures from host fetch goroutines back onto the
	// single goroutine allowed to touch the vm. inflight covers each fetch
	// from launch until its settle closure has run, so a slow fetch is never
	// mistaken for a stalled promise.
	jobs     chan func()
	inflight atomic.Int64

	timer    *time.Timer
	memStop  chan struct{}
	exceeded chan error
	done     chan struct{}
	closed   sync.Once
}

// newSession allocates a fresh isolated runtime with both hard ceilings armed:
// a wall-clock timer driving the interrupt flag, and a heap watchdog sampling
// memory growth. Either trips the same interrupt mechanism with a distinct
// cause.
func newSession(limits ResourceLimits) *session {
	vm := goja.New()
	vm.SetMaxCallStackSize(limits.MaxCallStack)

	s := &session{
		vm:       vm,
		limits:   limits,
		jobs:     make(chan func(), 128),
		memStop:  make(chan struct{}),
		exceeded: make(chan error, 2),
		done:     make(chan struct{}),
	}

	s.timer = time.AfterFunc(limits.Timeout, func() {
		s.trip(ErrTimeout)
	})
	go s.watchMemory()

	return s
}

func (s *session) trip(cause error) {
	s.vm.Interrupt(cause)
	select {
	case s.exceeded <- cause:
	default:
	}
}

// watchMemory samples process heap growth since session start and trips the
// memory interrupt once growth exceeds the ceiling. goja has no per-runtime
// heap accounting, so this bounds the damage a hostile allocation loop can do
// rather than metering the guest heap exactly.
func (s *session) watchMemory() {
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	ticker := time.NewTicker(memCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.memStop:
			return
		case <-ticker.C:
			var now runtime.MemStats
			runtime.ReadMemStats(&now)
			if now.HeapAlloc > base.HeapAlloc && int64(now.HeapAlloc-base.HeapAlloc) > s.limits.MemoryBytes {
				s.trip(ErrMemoryLimit)
				return
			}
		}
	}
}

// Close releases every session resource: the timeout timer, the memory
// watchdog and the job pump. Safe to call more than once; the driver defers
// it unconditionally.
func (s *session) Close() {
	s.closed.Do(func() {
		s.timer.Stop()
		close(s.memStop)
		close(s.done)
		s.vm.ClearInterrupt()
	})
}

// beginFetch marks one host fetch as in flight. Must be called before the
// fetch goroutine is launched; the matching decrement happens when the settle
// closure runs (or is dropped).
func (s *session) beginFetch() {
	s.inflight.Add(1)
}

// enqueue hands a settle closure to the pump. If the execution already
// finished the settlement is dropped; the runtime it would have touched is
// gone. Every path releases the inflight slot taken by beginFetch.
func (s *session) enqueue(settle func()) {
	job := func() {
		defer s.inflight.Add(-1)
		settle()
	}
	select {
	case s.jobs <- job:
	case <-s.done:
		s.inflight.Add(-1)
	}
}

// run evaluates the wrapped user code once and classifies synchronous
// failures (parse errors, immediate throws, interrupts during the first
// synchronous stretch).
func (s *session) run(code string) (goja.Value, error) {
	value, err := s.vm.RunScript(scriptName, code)
	if err != nil {
		return nil, s.classify(err)
	}
	return value, nil
}

// await pumps the guest job queue until the top-level promise settles. While
// a host-side fetch is in flight the guest interpreter is idle; applying a
// settle closure here is what resumes it. The loop also watches both hard
// limits and detects a stalled promise that nothing can ever settle.
func (s *session) await(ctx context.Context, p *goja.Promise) (goja.Value, error) {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	for {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result(), nil
		case goja.PromiseStateRejected:
			return nil, &ScriptError{Kind: ErrRuntime, Message: s.rejectionMessage(p.Result())}
		}

		select {
		case job := <-s.jobs:
			if err := s.runJob(job); err != nil {
				return nil, err
			}
		case cause := <-s.exceeded:
			return nil, cause
		case <-ctx.Done():
			// An upstream cancel is not the guest's wall-clock budget; keep
			// the two distinguishable downstream.
			s.vm.Interrupt(ErrCanceled)
			return nil, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		case <-tick.C:
			if s.inflight.Load() == 0 && len(s.jobs) == 0 && p.State() == goja.PromiseStatePending {
				return nil, &ScriptError{Kind: ErrRuntime, Message: "script finished without producing a result"}
			}
		}
	}
}

// runJob applies one settle closure on the vm goroutine. Resolving a promise
// drains the guest job queue, which may execute more user code; interrupts
// fired during that stretch surface here as panics.
func (s *session) runJob(job func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch v := r.(type) {
		case *goja.InterruptedError:
			err = s.interruptCause(v)
		case *goja.StackOverflowError:
			err = &ScriptError{Kind: ErrRuntime, Message: "maximum call stack size exceeded"}
		case *goja.Exception:
			err = &ScriptError{Kind: ErrRuntime, Message: s.rejectionMessage(v.Value())}
		default:
			log.Error().Interface("panic", r).Msg("guest job panicked")
			err = ErrInternal
		}
	}()
	job()
	return nil
}

// classify converts a goja evaluation error into the sandbox taxonomy.
func (s *session) classify(err error) error {
	switch e := err.(type) {
	case *goja.CompilerSyntaxError:
		return &ScriptError{Kind: ErrSyntax, Message: firstLine(e.Error())}
	case *goja.InterruptedError:
		return s.interruptCause(e)
	case *goja.StackOverflowError:
		return &ScriptError{Kind: ErrRuntime, Message: "maximum call stack size exceeded"}
	case *goja.Exception:
		return &ScriptError{Kind: ErrRuntime, Message: s.rejectionMessage(e.Value())}
	default:
		return &ScriptError{Kind: ErrRuntime, Message: firstLine(err.Error())}
	}
}

func (s *session) interruptCause(e *goja.InterruptedError) error {
	if cause, ok := e.Value().(error); ok {
		if cause == ErrTimeout || cause == ErrMemoryLimit || cause == ErrCanceled {
			return cause
		}
	}
	return ErrTimeout
}

// rejectionMessage flattens a rejection value to a user-visible string.
// Error-like objects contribute their message; everything else stringifies
// with the guest's own ToString semantics. The conversion is
// deterministic for plain-object rejections as well as Errors.
func (s *session) rejectionMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "script error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
