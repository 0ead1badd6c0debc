package sandbox

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Synchronous guest helpers. Pure functions of their arguments; no I/O and
// nothing user-scoped except the calendar settings injected at install time.

// sumField adds the numeric field across a list of records. Missing or
// non-numeric fields count as zero, so scripts degrade gracefully on partial
// data.
func sumField(items []any, field string) float64 {
	var total float64
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		total += numericValue(m[field])
	}
	return total
}

func avgField(items []any, field string) float64 {
	if len(items) == 0 {
		return 0
	}
	return sumField(items, field) / float64(len(items))
}

func countItems(items []any) int {
	return len(items)
}

func numericValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	case bool:
		if n {
			return 1
		}
	}
	return 0
}

// parseClock converts "HH:MM" to minutes since midnight. Malformed input
// yields -1 rather than an error so expressions can test for it.
func parseClock(s string) int {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return -1
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return -1
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return -1
	}
	return h*60 + m
}

// formatDuration renders minutes as "Xh Ym", dropping zero components.
func formatDuration(minutes float64) string {
	total := int(math.Round(minutes))
	if total < 0 {
		total = 0
	}
	h := total / 60
	m := total % 60
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dm", m)
	}
}

// formatClock renders minutes since midnight as "HH:MM".
func formatClock(minutes float64) string {
	total := int(math.Round(minutes))
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%02d:%02d", (total/60)%24, total%60)
}

// formatPercent renders value/total as a whole percentage. A zero total is a
// zero percentage, not a division error.
func formatPercent(value, total float64) string {
	if total == 0 {
		return "0%"
	}
	return fmt.Sprintf("%d%%", int(math.Round(value/total*100)))
}

// weekNumber computes the week-of-year for t with weeks beginning on start.
// Week 1 contains January 1st of the week-start date's year.
func weekNumber(t time.Time, start time.Weekday) int {
	offset := (int(t.Weekday()) - int(start) + 7) % 7
	weekStart := t.AddDate(0, 0, -offset)
	return (weekStart.YearDay()-1)/7 + 1
}

// isWeekday reports whether an ISO "YYYY-MM-DD" date falls on Monday-Friday.
// Unparseable input is not a weekday.
func isWeekday(date string) bool {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return false
	}
	return t.Weekday() != time.Saturday && t.Weekday() != time.Sunday
}

// roundTo rounds to the given number of decimal digits (default 0).
func roundTo(v float64, digits ...int) float64 {
	d := 0
	if len(digits) > 0 {
		d = digits[0]
	}
	if d <= 0 {
		return math.Round(v)
	}
	scale := math.Pow(10, float64(d))
	return math.Round(v*scale) / scale
}

// MetricHelperSet returns the pure helpers available to computed-metric
// expressions. Installed as top-level globals, not under the q namespace.
func MetricHelperSet() map[string]any {
	return map[string]any{
		"parseTime":      parseClock,
		"formatDuration": formatDuration,
		"formatTime":     formatClock,
		"isWeekday":      isWeekday,
		"round":          roundTo,
	}
}

// todayValue builds the {year, month, day, date, week} object for the user's
// timezone and week-start day.
func todayValue(now time.Time, settings UserSettings) map[string]any {
	local := now.In(settings.Location())
	return map[string]any{
		"year":  local.Year(),
		"month": int(local.Month()),
		"day":   local.Day(),
		"date":  local.Format("2006-01-02"),
		"week":  weekNumber(local, settings.WeekStart),
	}
}
