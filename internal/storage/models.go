package storage

import "time"

// QueryExecution is a stored audit record for one sandboxed execution.
// Append-only: written once, never updated.
type QueryExecution struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Kind         string    `json:"kind" db:"kind"`
	Code         string    `json:"code" db:"code"` // truncated before insert
	Success      bool      `json:"success" db:"success"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	DurationMS   int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for listing audit records. UserID is
// mandatory: audit listings are as user-scoped as the data accessors.
type ExecutionFilter struct {
	UserID string
	Kind   string
	Since  *time.Time
	Limit  int
	Offset int
}
