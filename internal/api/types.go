package api

// QueryRequest is the API-level request to run a user script in the sandbox.
type QueryRequest struct {
	Code     string           `json:"code"`
	Kind     string           `json:"kind"` // query, progress, widget, metric
	Params   map[string]any   `json:"params,omitempty"`
	Settings CalendarSettings `json:"settings,omitempty"`
}

// CalendarSettings carries the calling user's calendar preferences; the
// owning application stores these per user and passes them through.
type CalendarSettings struct {
	Timezone  string `json:"timezone,omitempty"`
	WeekStart string `json:"week_start,omitempty"` // monday, sunday, saturday
}

// QueryResponse is the execution outcome. Exactly one of Value/Error is
// meaningful: Error is nil on success, Value is nil on failure.
type QueryResponse struct {
	ID       string  `json:"id,omitempty"`
	Value    any     `json:"value"`
	Error    *string `json:"error"`
	Duration string  `json:"duration,omitempty"`
}

// MetricDefinition is one metric in a template, in definition order.
type MetricDefinition struct {
	Name       string `json:"name"`
	Expression string `json:"expression,omitempty"`
}

// MetricEvalRequest evaluates a daily metrics template.
type MetricEvalRequest struct {
	Metrics  []MetricDefinition `json:"metrics"`
	Values   map[string]any     `json:"values,omitempty"` // raw entries for the day
	Date     string             `json:"date"`             // YYYY-MM-DD
	Settings CalendarSettings   `json:"settings,omitempty"`
}

// MetricEvalResponse carries the computed values plus per-metric error
// messages for expressions that failed.
type MetricEvalResponse struct {
	Values map[string]any    `json:"values"`
	Errors map[string]string `json:"errors,omitempty"`
}

// ErrorResponse is returned for transport-level API errors.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RequestID  string `json:"request_id"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"` // up, down; empty when no database is configured
	Uptime   string `json:"uptime"`
}
