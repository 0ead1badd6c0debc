package sandbox

import (
	"context"
	"time"
)

// QueryFilters is the loosely-typed filter object guest code passes to the
// data accessors. Nil fields mean "no filter". The persistence layer applies
// these on top of the mandatory user scoping; there is no guest-reachable way
// to widen the scope.
type QueryFilters struct {
	Year      *int
	Month     *int
	Week      *int
	From      *time.Time
	To        *time.Time
	Completed *bool
	Tag       *string
	Level     *int
}

// DailyRecord is a read-only projection of one day's habit entries.
type DailyRecord struct {
	Date      time.Time
	Year      int
	Month     int
	Week      int
	Tag       string
	Minutes   float64
	Completed bool
	Note      string
	Metrics   map[string]any
}

// TaskRecord is a read-only projection of a task row.
type TaskRecord struct {
	ID          string
	Title       string
	Tag         string
	Completed   bool
	CompletedAt *time.Time
	DueDate     *time.Time
	CreatedAt   time.Time
}

// ObjectiveRecord is a read-only projection of an objective with its key
// results.
type ObjectiveRecord struct {
	ID         string
	Title      string
	Level      string
	Year       int
	Quarter    int
	Progress   float64
	KeyResults []KeyResultRecord
}

// KeyResultRecord is one key result under an objective.
type KeyResultRecord struct {
	ID       string
	Title    string
	Target   float64
	Current  float64
	Progress float64
}

// DataSource is the persistence collaborator the bridge fetches through.
// Every method is implicitly scoped to userID; implementations must never
// return another user's rows regardless of filters.
type DataSource interface {
	FetchDaily(ctx context.Context, userID string, filters QueryFilters) ([]DailyRecord, error)
	FetchTasks(ctx context.Context, userID string, filters QueryFilters) ([]TaskRecord, error)
	FetchObjectives(ctx context.Context, userID string, filters QueryFilters) ([]ObjectiveRecord, error)
}

// UserSettings carries the calling user's calendar configuration. Week
// numbering and "today" respect these rather than the host's locale.
type UserSettings struct {
	Timezone  string       // IANA name; empty means UTC
	WeekStart time.Weekday // first day of the user's week
}

// Location resolves the user's timezone, falling back to UTC on any error.
func (s UserSettings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (r DailyRecord) toMap() map[string]any {
	return map[string]any{
		"date":      r.Date,
		"year":      r.Year,
		"month":     r.Month,
		"week":      r.Week,
		"tag":       r.Tag,
		"minutes":   r.Minutes,
		"completed": r.Completed,
		"note":      r.Note,
		"metrics":   r.Metrics,
	}
}

func (r TaskRecord) toMap() map[string]any {
	m := map[string]any{
		"id":        r.ID,
		"title":     r.Title,
		"tag":       r.Tag,
		"completed": r.Completed,
		"createdAt": r.CreatedAt,
	}
	if r.CompletedAt != nil {
		m["completedAt"] = *r.CompletedAt
	}
	if r.DueDate != nil {
		m["dueDate"] = *r.DueDate
	}
	return m
}

func (r ObjectiveRecord) toMap() map[string]any {
	krs := make([]any, 0, len(r.KeyResults))
	for _, kr := range r.KeyResults {
		krs = append(krs, map[string]any{
			"id":       kr.ID,
			"title":    kr.Title,
			"target":   kr.Target,
			"current":  kr.Current,
			"progress": kr.Progress,
		})
	}
	return map[string]any{
		"id":         r.ID,
		"title":      r.Title,
		"level":      r.Level,
		"year":       r.Year,
		"quarter":    r.Quarter,
		"progress":   r.Progress,
		"keyResults": krs,
	}
}
