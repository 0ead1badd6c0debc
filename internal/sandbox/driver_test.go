package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSource is an in-memory DataSource that records how it was called.
type fakeSource struct {
	mu sync.Mutex

	daily      []DailyRecord
	tasks      []TaskRecord
	objectives []ObjectiveRecord

	fetchErr   error
	fetchDelay time.Duration

	lastUser    string
	lastFilters QueryFilters
}

func (f *fakeSource) FetchDaily(ctx context.Context, userID string, filters QueryFilters) ([]DailyRecord, error) {
	f.record(userID, filters)
	if f.fetchDelay > 0 {
		select {
		case <-time.After(f.fetchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.daily, nil
}

func (f *fakeSource) FetchTasks(ctx context.Context, userID string, filters QueryFilters) ([]TaskRecord, error) {
	f.record(userID, filters)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.tasks, nil
}

func (f *fakeSource) FetchObjectives(ctx context.Context, userID string, filters QueryFilters) ([]ObjectiveRecord, error) {
	f.record(userID, filters)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.objectives, nil
}

func (f *fakeSource) record(userID string, filters QueryFilters) {
	f.mu.Lock()
	f.lastUser = userID
	f.lastFilters = filters
	f.mu.Unlock()
}

// sleepSource blocks every fetch for a fixed duration regardless of
// cancellation.
type sleepSource struct {
	fakeSource
	delay time.Duration
}

func (s *sleepSource) FetchDaily(_ context.Context, _ string, _ QueryFilters) ([]DailyRecord, error) {
	time.Sleep(s.delay)
	return s.daily, nil
}

// asFloat accepts both numeric forms the marshaller can produce.
func asFloat(t *testing.T, v any) float64 {
	t.Helper()
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		t.Fatalf("value = %v (%T), want a number", v, v)
		return 0
	}
}

func execute(t *testing.T, source DataSource, code string) (*ExecutionResult, error) {
	t.Helper()
	engine := NewEngine(source, 4)
	return engine.Execute(context.Background(), ExecutionRequest{
		Code:   code,
		UserID: "user-1",
	})
}

func TestExecute_SyncReturn(t *testing.T) {
	result, err := execute(t, &fakeSource{}, "return 1 + 2")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got, ok := result.Value.(int64); !ok || got != 3 {
		t.Errorf("Value = %v (%T), want 3", result.Value, result.Value)
	}
	if result.ID == "" || result.CodeHash == "" {
		t.Error("expected execution ID and code hash to be set")
	}
}

func TestExecute_AwaitedAccessorSum(t *testing.T) {
	source := &fakeSource{
		daily: []DailyRecord{
			{Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Minutes: 1},
			{Date: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), Minutes: 2},
			{Date: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), Minutes: 3},
		},
	}

	result, err := execute(t, source, `
		const entries = await q.daily({year: 2025});
		return q.sum(entries, 'minutes');
	`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := asFloat(t, result.Value); got != 6 {
		t.Errorf("Value = %v, want 6", got)
	}
	if source.lastUser != "user-1" {
		t.Errorf("fetch ran for user %q, want user-1", source.lastUser)
	}
	if source.lastFilters.Year == nil || *source.lastFilters.Year != 2025 {
		t.Errorf("year filter = %v, want 2025", source.lastFilters.Year)
	}
}

func TestExecute_UserScopedFetches(t *testing.T) {
	source := &fakeSource{}
	engine := NewEngine(source, 4)

	for _, user := range []string{"alice", "bob"} {
		_, err := engine.Execute(context.Background(), ExecutionRequest{
			Code:   "return (await q.tasks()).length",
			UserID: user,
		})
		if err != nil {
			t.Fatalf("Execute() for %s error = %v", user, err)
		}
		if source.lastUser != user {
			t.Errorf("fetch ran for user %q, want %q", source.lastUser, user)
		}
	}
}

func TestExecute_FreshRuntimePerExecution(t *testing.T) {
	engine := NewEngine(&fakeSource{}, 4)

	_, err := engine.Execute(context.Background(), ExecutionRequest{
		Code:   "globalThis.leak = 42; return 1",
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}

	result, err := engine.Execute(context.Background(), ExecutionRequest{
		Code:   "return typeof leak",
		UserID: "user-1",
	})
	if err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if result.Value != "undefined" {
		t.Errorf("second runtime saw leaked global: %v", result.Value)
	}
}

func TestExecute_Timeout(t *testing.T) {
	engine := NewEngine(&fakeSource{}, 4)
	limits := DefaultLimits()
	limits.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := engine.Execute(context.Background(), ExecutionRequest{
		Code:   "while (true) {}",
		UserID: "user-1",
		Limits: limits,
	})
	if !IsTimeout(err) {
		t.Fatalf("Execute() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s, want well under 2s", elapsed)
	}
}

func TestExecute_MemoryLimit(t *testing.T) {
	engine := NewEngine(&fakeSource{}, 4)
	limits := DefaultLimits()
	limits.MemoryBytes = 4 << 20
	limits.Timeout = 10 * time.Second

	_, err := engine.Execute(context.Background(), ExecutionRequest{
		Code: `
			const chunks = [];
			while (true) { chunks.push('x'.repeat(4096)); }
		`,
		UserID: "user-1",
		Limits: limits,
	})
	if !IsResourceExceeded(err) {
		t.Fatalf("Execute() error = %v, want resource exceeded", err)
	}
}

func TestExecute_ScriptThrow(t *testing.T) {
	_, err := execute(t, &fakeSource{}, `throw new Error("boom")`)
	if !IsScriptError(err) {
		t.Fatalf("Execute() error = %v, want script error", err)
	}
	if !errors.Is(err, ErrRuntime) {
		t.Errorf("error kind = %v, want ErrRuntime", err)
	}
	if msg := UserMessage(err); !strings.Contains(msg, "boom") {
		t.Errorf("UserMessage = %q, want it to contain the thrown message", msg)
	}
}

func TestExecute_SyntaxError(t *testing.T) {
	_, err := execute(t, &fakeSource{}, "return ((")
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("Execute() error = %v, want syntax error", err)
	}
}

func TestExecute_EmptyCode(t *testing.T) {
	_, err := execute(t, &fakeSource{}, "   \n\t")
	if !errors.Is(err, ErrSyntax) {
		t.Fatalf("Execute() error = %v, want syntax error", err)
	}
}

func TestExecute_OversizedCodeStartsNoRuntime(t *testing.T) {
	engine := NewEngine(&fakeSource{}, 4)
	limits := DefaultLimits()

	code := "return 1 // " + strings.Repeat("x", limits.MaxCodeBytes)
	_, err := engine.Execute(context.Background(), ExecutionRequest{
		Code:   code,
		UserID: "user-1",
		Limits: limits,
	})
	if !errors.Is(err, ErrCodeTooLarge) {
		t.Fatalf("Execute() error = %v, want code too large", err)
	}
	if n := engine.SessionsStarted(); n != 0 {
		t.Errorf("SessionsStarted() = %d, want 0 for oversized code", n)
	}
}

func TestExecute_MissingUserID(t *testing.T) {
	engine := NewEngine(&fakeSource{}, 4)
	_, err := engine.Execute(context.Background(), ExecutionRequest{Code: "return 1"})
	if !errors.Is(err, ErrInternal) {
		t.Fatalf("Execute() error = %v, want internal", err)
	}
}

func TestExecute_FetchFailureIsCatchable(t *testing.T) {
	source := &fakeSource{fetchErr: errors.New("connection refused: 10.0.0.5:5432")}

	result, err := execute(t, source, `
		try {
			await q.daily();
			return 'unreachable';
		} catch (e) {
			return String(e);
		}
	`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	msg, ok := result.Value.(string)
	if !ok {
		t.Fatalf("Value = %v (%T), want string", result.Value, result.Value)
	}
	if !strings.Contains(msg, "daily") || !strings.Contains(msg, ErrDataFetch.Error()) {
		t.Errorf("rejection = %q, want accessor name with generic fetch message", msg)
	}
	// Backend details must never reach the guest.
	if strings.Contains(msg, "10.0.0.5") || strings.Contains(msg, "connection refused") {
		t.Errorf("rejection leaked backend detail: %q", msg)
	}
}

func TestExecute_SlowFetchResolves(t *testing.T) {
	// A fetch that takes many pump ticks is still an in-flight fetch, not a
	// dead script.
	source := &fakeSource{
		fetchDelay: 50 * time.Millisecond,
		daily: []DailyRecord{
			{Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), Minutes: 30},
			{Date: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), Minutes: 60},
		},
	}

	result, err := execute(t, source, "const d = await q.daily(); return d.length;")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := asFloat(t, result.Value); got != 2 {
		t.Errorf("Value = %v, want 2", result.Value)
	}
}

func TestExecute_CallerCancellation(t *testing.T) {
	// The fetch ignores cancellation, like a driver blocked in a syscall, so
	// the caller's deadline is the only thing that can end the wait.
	source := &sleepSource{delay: 500 * time.Millisecond}
	engine := NewEngine(source, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := engine.Execute(ctx, ExecutionRequest{
		Code:   "return await q.daily()",
		UserID: "user-1",
	})
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("Execute() error = %v, want canceled", err)
	}
	if IsTimeout(err) {
		t.Error("an upstream cancel must not be reported as the guest timeout")
	}
}

func TestExecute_UncaughtFetchFailure(t *testing.T) {
	source := &fakeSource{fetchErr: errors.New("boom")}

	_, err := execute(t, source, "return await q.daily()")
	if !IsScriptError(err) {
		t.Fatalf("Execute() error = %v, want script error", err)
	}
	if msg := UserMessage(err); !strings.Contains(msg, ErrDataFetch.Error()) {
		t.Errorf("UserMessage = %q, want generic fetch message", msg)
	}
}

func TestExecute_FormatHelpers(t *testing.T) {
	tests := []struct {
		name string
		code string
		want any
	}{
		{"formatDuration", "return q.formatDuration(125)", "2h 5m"},
		{"formatPercent", "return q.formatPercent(3, 4)", "75%"},
		{"formatPercent zero total", "return q.formatPercent(3, 0)", "0%"},
		{"parseTime", "return q.parseTime('06:30')", int64(390)},
		{"count", "return q.count([1, 2, 3])", int64(3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := execute(t, &fakeSource{}, tt.code)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if result.Value != tt.want {
				t.Errorf("Value = %v (%T), want %v", result.Value, result.Value, tt.want)
			}
		})
	}
}

func TestExecute_ParamsGlobal(t *testing.T) {
	engine := NewEngine(&fakeSource{}, 4)
	result, err := engine.Execute(context.Background(), ExecutionRequest{
		Code:   "return params.year * 10",
		UserID: "user-1",
		Params: map[string]any{"year": 2025},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got, ok := result.Value.(int64); !ok || got != 20250 {
		t.Errorf("Value = %v (%T), want 20250", result.Value, result.Value)
	}
}

func TestExecute_ResultTooLarge(t *testing.T) {
	engine := NewEngine(&fakeSource{}, 4)
	limits := DefaultLimits()
	limits.MaxResultBytes = 64

	_, err := engine.Execute(context.Background(), ExecutionRequest{
		Code:   "return 'y'.repeat(1000)",
		UserID: "user-1",
		Limits: limits,
	})
	if !IsScriptError(err) {
		t.Fatalf("Execute() error = %v, want script error", err)
	}
	if msg := UserMessage(err); !strings.Contains(msg, "result too large") {
		t.Errorf("UserMessage = %q, want result size message", msg)
	}
}

func TestExecute_StackOverflow(t *testing.T) {
	_, err := execute(t, &fakeSource{}, "function f() { return f(); }\nreturn f()")
	if !IsScriptError(err) {
		t.Fatalf("Execute() error = %v, want script error", err)
	}
	if msg := UserMessage(err); !strings.Contains(msg, "call stack") {
		t.Errorf("UserMessage = %q, want call stack message", msg)
	}
}

func TestExecute_ObjectResult(t *testing.T) {
	result, err := execute(t, &fakeSource{}, `
		return {title: 'Reading', done: 4, total: 12, percent: q.formatPercent(4, 12)};
	`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	obj, ok := result.Value.(map[string]any)
	if !ok {
		t.Fatalf("Value = %T, want map", result.Value)
	}
	if obj["title"] != "Reading" || obj["percent"] != "33%" {
		t.Errorf("object = %#v", obj)
	}
}

func TestExecute_ConcurrentIsolation(t *testing.T) {
	engine := NewEngine(&fakeSource{}, 8)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := engine.Execute(context.Background(), ExecutionRequest{
				Code:   "const x = params.n; return x * x",
				UserID: "user-1",
				Params: map[string]any{"n": n},
			})
			if err != nil {
				errs <- err
				return
			}
			if got, ok := result.Value.(int64); !ok || got != int64(n*n) {
				errs <- errors.New("cross-execution interference detected")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if n := engine.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount() = %d after all executions finished", n)
	}
}
