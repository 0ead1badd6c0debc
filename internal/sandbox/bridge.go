package sandbox

import (
	"context"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog/log"

	"okr-query-sandbox/pkg/guestapi"
)

// Bridge installs the guest-visible data API (the q namespace) into one
// session's global scope. Every accessor is scoped to the user the execution
// was started for; guest code has no way to widen that scope.
type Bridge struct {
	sess     *session
	source   DataSource
	userID   string
	settings UserSettings
	ctx      context.Context
	now      func() time.Time
}

func newBridge(ctx context.Context, sess *session, source DataSource, userID string, settings UserSettings) *Bridge {
	return &Bridge{
		sess:     sess,
		source:   source,
		userID:   userID,
		settings: settings,
		ctx:      ctx,
		now:      time.Now,
	}
}

// install binds the q namespace and the params global. Runs before any user
// code is evaluated.
func (b *Bridge) install(params map[string]any) error {
	vm := b.sess.vm
	q := vm.NewObject()

	type accessorFn func(context.Context, QueryFilters) (any, error)
	accessors := map[string]accessorFn{
		"daily": func(ctx context.Context, f QueryFilters) (any, error) {
			recs, err := b.source.FetchDaily(ctx, b.userID, f)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(recs))
			for i, r := range recs {
				out[i] = r.toMap()
			}
			return out, nil
		},
		"tasks": func(ctx context.Context, f QueryFilters) (any, error) {
			recs, err := b.source.FetchTasks(ctx, b.userID, f)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(recs))
			for i, r := range recs {
				out[i] = r.toMap()
			}
			return out, nil
		},
		"objectives": func(ctx context.Context, f QueryFilters) (any, error) {
			recs, err := b.source.FetchObjectives(ctx, b.userID, f)
			if err != nil {
				return nil, err
			}
			out := make([]any, len(recs))
			for i, r := range recs {
				out[i] = r.toMap()
			}
			return out, nil
		},
	}
	for name, fetch := range accessors {
		if err := q.Set(name, b.asyncAccessor(name, fetch)); err != nil {
			return &ExecutionError{Op: "install_accessor", Err: err}
		}
	}

	helpers := map[string]any{
		"today":          func() map[string]any { return todayValue(b.now(), b.settings) },
		"sum":            sumField,
		"avg":            avgField,
		"count":          countItems,
		"parseTime":      parseClock,
		"formatDuration": formatDuration,
		"formatPercent":  formatPercent,
	}
	for name, fn := range helpers {
		if err := q.Set(name, fn); err != nil {
			return &ExecutionError{Op: "install_helper", Err: err}
		}
	}

	if err := vm.Set(guestapi.Namespace, q); err != nil {
		return &ExecutionError{Op: "install_namespace", Err: err}
	}
	if err := vm.Set(guestapi.ParamsGlobal, toGuest(vm, params)); err != nil {
		return &ExecutionError{Op: "install_params", Err: err}
	}
	return nil
}

// asyncAccessor wraps one host fetch as a guest-callable function returning a
// guest promise. The promise handle is returned to the guest immediately; the
// fetch runs on its own goroutine and its settlement is applied by the pump
// on the vm goroutine. A fetch failure becomes a rejection the guest can
// catch, never a host-level abort.
func (b *Bridge) asyncAccessor(name string, fetch func(context.Context, QueryFilters) (any, error)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		vm := b.sess.vm
		filters := decodeFilters(call.Argument(0))

		promise, resolve, reject := vm.NewPromise()

		b.sess.beginFetch()
		go func() {
			result, err := fetch(b.ctx, filters)
			b.sess.enqueue(func() {
				if err != nil {
					log.Warn().Err(err).Str("accessor", name).Str("user_id", b.userID).Msg("data fetch failed")
					reject(vm.ToValue(name + ": " + ErrDataFetch.Error()))
					return
				}
				resolve(toGuest(vm, result))
			})
		}()

		return vm.ToValue(promise)
	}
}

// decodeFilters converts the guest filter argument into the host filter
// record. Unknown keys are ignored; a missing or non-object argument means no
// filtering at all.
func decodeFilters(v goja.Value) QueryFilters {
	var f QueryFilters
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return f
	}
	raw, ok := v.Export().(map[string]any)
	if !ok {
		return f
	}

	if n, ok := filterInt(raw["year"]); ok {
		f.Year = &n
	}
	if n, ok := filterInt(raw["month"]); ok {
		f.Month = &n
	}
	if n, ok := filterInt(raw["week"]); ok {
		f.Week = &n
	}
	if n, ok := filterInt(raw["level"]); ok {
		f.Level = &n
	}
	if t, ok := filterDate(raw["from"]); ok {
		f.From = &t
	}
	if t, ok := filterDate(raw["to"]); ok {
		f.To = &t
	}
	if s, ok := raw["tag"].(string); ok && s != "" {
		f.Tag = &s
	}
	if c, ok := raw["completed"].(bool); ok {
		f.Completed = &c
	}
	return f
}

func filterInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func filterDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case string:
		if t, err := time.Parse("2006-01-02", d); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, d); err == nil {
			return t, true
		}
	case time.Time:
		return d, true
	}
	return time.Time{}, false
}
