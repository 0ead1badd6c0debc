package sandbox

import (
	"testing"
	"time"
)

func TestSumField(t *testing.T) {
	items := []any{
		map[string]any{"minutes": 30.0},
		map[string]any{"minutes": int64(15)},
		map[string]any{"minutes": "not a number"},
		map[string]any{"other": 99.0},
		"not a record",
	}
	if got := sumField(items, "minutes"); got != 45 {
		t.Errorf("sumField = %v, want 45", got)
	}
	if got := sumField(nil, "minutes"); got != 0 {
		t.Errorf("sumField(nil) = %v, want 0", got)
	}
}

func TestAvgField(t *testing.T) {
	items := []any{
		map[string]any{"v": 10.0},
		map[string]any{"v": 20.0},
	}
	if got := avgField(items, "v"); got != 15 {
		t.Errorf("avgField = %v, want 15", got)
	}
	if got := avgField(nil, "v"); got != 0 {
		t.Errorf("avgField(nil) = %v, want 0", got)
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"06:30", 390},
		{"00:00", 0},
		{"23:59", 1439},
		{" 08:05 ", 485},
		{"24:00", -1},
		{"12:60", -1},
		{"noon", -1},
		{"", -1},
	}
	for _, tt := range tests {
		if got := parseClock(tt.in); got != tt.want {
			t.Errorf("parseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		minutes float64
		want    string
	}{
		{125, "2h 5m"},
		{120, "2h"},
		{45, "45m"},
		{0, "0m"},
		{-10, "0m"},
		{59.6, "1h"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.minutes); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.minutes, got, tt.want)
		}
	}
}

func TestFormatClock(t *testing.T) {
	tests := []struct {
		minutes float64
		want    string
	}{
		{390, "06:30"},
		{0, "00:00"},
		{1439, "23:59"},
	}
	for _, tt := range tests {
		if got := formatClock(tt.minutes); got != tt.want {
			t.Errorf("formatClock(%v) = %q, want %q", tt.minutes, got, tt.want)
		}
	}
}

func TestFormatPercent(t *testing.T) {
	tests := []struct {
		value, total float64
		want         string
	}{
		{3, 4, "75%"},
		{4, 12, "33%"},
		{0, 0, "0%"},
		{5, 0, "0%"},
		{12, 12, "100%"},
	}
	for _, tt := range tests {
		if got := formatPercent(tt.value, tt.total); got != tt.want {
			t.Errorf("formatPercent(%v, %v) = %q, want %q", tt.value, tt.total, got, tt.want)
		}
	}
}

func TestWeekNumber(t *testing.T) {
	tests := []struct {
		date  string
		start time.Weekday
		want  int
	}{
		// 2025-01-01 is a Wednesday; its Monday-start week began in 2024.
		{"2025-01-01", time.Monday, 53},
		{"2025-01-06", time.Monday, 1},  // first full week of 2025
		{"2025-01-12", time.Monday, 1},  // Sunday closing that week
		{"2025-01-05", time.Sunday, 1},  // Sunday start puts Jan 5 in week 1
		{"2025-03-15", time.Monday, 10}, // mid-year Saturday
	}
	for _, tt := range tests {
		d, err := time.Parse("2006-01-02", tt.date)
		if err != nil {
			t.Fatal(err)
		}
		if got := weekNumber(d, tt.start); got != tt.want {
			t.Errorf("weekNumber(%s, %s) = %d, want %d", tt.date, tt.start, got, tt.want)
		}
	}
}

func TestIsWeekday(t *testing.T) {
	tests := []struct {
		date string
		want bool
	}{
		{"2025-03-14", true},  // Friday
		{"2025-03-15", false}, // Saturday
		{"2025-03-16", false}, // Sunday
		{"2025-03-17", true},  // Monday
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := isWeekday(tt.date); got != tt.want {
			t.Errorf("isWeekday(%q) = %v, want %v", tt.date, got, tt.want)
		}
	}
}

func TestRoundTo(t *testing.T) {
	if got := roundTo(2.5); got != 3 {
		t.Errorf("roundTo(2.5) = %v, want 3", got)
	}
	if got := roundTo(2.345, 2); got != 2.35 {
		t.Errorf("roundTo(2.345, 2) = %v, want 2.35", got)
	}
	if got := roundTo(2.7, 0); got != 3 {
		t.Errorf("roundTo(2.7, 0) = %v, want 3", got)
	}
}

func TestTodayValue(t *testing.T) {
	// 23:30 UTC on March 14th is already March 15th in Tokyo.
	now := time.Date(2025, 3, 14, 23, 30, 0, 0, time.UTC)

	tokyo := todayValue(now, UserSettings{Timezone: "Asia/Tokyo", WeekStart: time.Monday})
	if tokyo["date"] != "2025-03-15" {
		t.Errorf("Tokyo date = %v, want 2025-03-15", tokyo["date"])
	}
	if tokyo["day"] != 15 {
		t.Errorf("Tokyo day = %v, want 15", tokyo["day"])
	}

	utc := todayValue(now, UserSettings{WeekStart: time.Monday})
	if utc["date"] != "2025-03-14" {
		t.Errorf("UTC date = %v, want 2025-03-14", utc["date"])
	}
}
