package metric

import (
	"testing"
	"time"

	"okr-query-sandbox/internal/sandbox"
)

var midMarch = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func TestEvaluateTemplate_Order(t *testing.T) {
	e := NewEvaluator()

	defs := []Definition{
		{Name: "sleep_start"}, // raw input
		{Name: "sleep_end"},   // raw input
		{Name: "sleep_hours", Expression: "(metrics.sleep_end - metrics.sleep_start) / 60"},
		{Name: "sleep_ok", Expression: "metrics.sleep_hours >= 7"},
	}
	raw := map[string]any{
		"sleep_start": 1380.0, // 23:00
		"sleep_end":   1830.0, // 06:30 next day
	}

	result := e.EvaluateTemplate(defs, raw, midMarch, sandbox.UserSettings{})
	if len(result.Errors) != 0 {
		t.Fatalf("Errors = %v, want none", result.Errors)
	}

	hours, ok := result.Values["sleep_hours"]
	if !ok {
		t.Fatal("sleep_hours missing from values")
	}
	if got := numeric(t, hours); got != 7.5 {
		t.Errorf("sleep_hours = %v, want 7.5", got)
	}
	if result.Values["sleep_ok"] != true {
		t.Errorf("sleep_ok = %v, want true (computed from the earlier metric)", result.Values["sleep_ok"])
	}
	// Raw inputs pass through untouched.
	if result.Values["sleep_start"] != 1380.0 {
		t.Errorf("sleep_start = %v", result.Values["sleep_start"])
	}
}

func TestEvaluateTemplate_FailureIsolation(t *testing.T) {
	e := NewEvaluator()

	defs := []Definition{
		{Name: "broken", Expression: "this is not javascript ("},
		{Name: "fine", Expression: "1 + 1"},
	}

	result := e.EvaluateTemplate(defs, nil, midMarch, sandbox.UserSettings{})

	if _, ok := result.Errors["broken"]; !ok {
		t.Error("expected an error entry for the broken metric")
	}
	if v, ok := result.Values["broken"]; !ok || v != nil {
		t.Errorf("broken value = %v, want present and nil", v)
	}
	if got := numeric(t, result.Values["fine"]); got != 2 {
		t.Errorf("fine = %v, want 2 despite the earlier failure", got)
	}
}

func TestEvaluateTemplate_DateGlobal(t *testing.T) {
	e := NewEvaluator()

	defs := []Definition{{Name: "day", Expression: "date"}}
	// Just before midnight UTC is already the next day in Tokyo.
	date := time.Date(2025, 3, 14, 23, 30, 0, 0, time.UTC)

	result := e.EvaluateTemplate(defs, nil, date, sandbox.UserSettings{Timezone: "Asia/Tokyo"})
	if result.Values["day"] != "2025-03-15" {
		t.Errorf("day = %v, want the user's local date", result.Values["day"])
	}
}

func TestEvaluateTemplate_RawOnly(t *testing.T) {
	e := NewEvaluator()

	result := e.EvaluateTemplate(
		[]Definition{{Name: "mood"}},
		map[string]any{"mood": 4.0},
		midMarch,
		sandbox.UserSettings{},
	)
	if result.Values["mood"] != 4.0 {
		t.Errorf("mood = %v, want raw value", result.Values["mood"])
	}
	if len(result.Errors) != 0 {
		t.Errorf("Errors = %v", result.Errors)
	}
}

func numeric(t *testing.T, v any) float64 {
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
