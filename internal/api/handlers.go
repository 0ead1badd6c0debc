package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"okr-query-sandbox/internal/governor"
	"okr-query-sandbox/internal/metric"
	"okr-query-sandbox/internal/monitor"
	"okr-query-sandbox/internal/profile"
	"okr-query-sandbox/internal/sandbox"
	"okr-query-sandbox/internal/storage"
)

type Handlers struct {
	engine    *sandbox.Engine
	profiles  *profile.Registry
	evaluator *metric.Evaluator
	governor  *governor.Governor
	db        *storage.DB
	metrics   *monitor.Metrics
	detector  *monitor.AbuseDetector
	tracer    *monitor.Tracer
	defaults  sandbox.UserSettings
	startTime time.Time
}

// NewHandlers wires the execution pipeline. db may be nil when the
// service runs without persistence.
func NewHandlers(engine *sandbox.Engine, profiles *profile.Registry, evaluator *metric.Evaluator, gov *governor.Governor, db *storage.DB, metrics *monitor.Metrics, defaults sandbox.UserSettings) *Handlers {
	return &Handlers{
		engine:    engine,
		profiles:  profiles,
		evaluator: evaluator,
		governor:  gov,
		db:        db,
		metrics:   metrics,
		detector:  monitor.NewAbuseDetector(),
		tracer:    monitor.NewTracer(),
		defaults:  defaults,
		startTime: time.Now(),
	}
}

func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Kind == "" {
		req.Kind = string(profile.KindQuery)
	}

	prof, err := h.profiles.Get(req.Kind)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	userID := UserIDFromContext(r.Context())

	// Quota gate runs before any runtime exists.
	decision := h.governor.CheckQuota(userID)
	if !decision.Allowed {
		h.metrics.RateLimited.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
		writeRateLimited(w, decision.RetryAfterSeconds, r)
		return
	}

	h.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
	for _, d := range h.detector.AnalyzeCode(req.Code) {
		h.metrics.RecordAbusePattern(d.Pattern)
	}

	ctx, span := h.tracer.StartSpan(r.Context(), "execute",
		monitor.AttrKind.String(req.Kind),
	)
	defer span.End()

	h.metrics.ActiveExecutions.Inc()
	defer h.metrics.ActiveExecutions.Dec()

	start := time.Now()
	var result *sandbox.ExecutionResult
	if req.Kind == string(profile.KindMetric) {
		// Metric formulas run without the data bridge, same as template
		// evaluation: their inputs arrive precomputed in params.
		result, err = h.evalMetricExpression(req, prof.Limits)
	} else {
		result, err = h.engine.Execute(ctx, sandbox.ExecutionRequest{
			Code:     req.Code,
			UserID:   userID,
			Params:   req.Params,
			Limits:   prof.Limits,
			Settings: h.resolveSettings(req.Settings),
		})
	}
	duration := time.Since(start)

	status := executionStatus(err)
	h.metrics.RecordExecution(req.Kind, status, duration.Seconds())
	if err != nil {
		h.metrics.RecordError(status)
	}
	span.SetAttributes(monitor.AttrStatus.String(status), monitor.AttrDurationMS.Int64(duration.Milliseconds()))

	h.governor.Record(governor.ExecutionLogEntry{
		UserID:       userID,
		Kind:         req.Kind,
		Code:         req.Code,
		Success:      err == nil,
		ErrorMessage: sandbox.UserMessage(err),
		Duration:     duration,
	})

	if err != nil {
		if errors.Is(err, sandbox.ErrInternal) {
			log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
			writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
			return
		}
		if errors.Is(err, sandbox.ErrCodeTooLarge) {
			writeError(w, sandbox.UserMessage(err), "CODE_TOO_LARGE", http.StatusBadRequest, r)
			return
		}
		// Script-level failures are a normal outcome for the script's own
		// author: the two-field result carries the message.
		msg := sandbox.UserMessage(err)
		writeJSON(w, http.StatusOK, QueryResponse{Value: nil, Error: &msg, Duration: duration.String()})
		return
	}

	span.SetAttributes(monitor.AttrExecID.String(result.ID), monitor.AttrCodeHash.String(result.CodeHash))
	h.observeResultSize(result.Value)

	writeJSON(w, http.StatusOK, QueryResponse{
		ID:       result.ID,
		Value:    result.Value,
		Error:    nil,
		Duration: result.Duration.String(),
	})
}

func (h *Handlers) HandleEvalMetrics(w http.ResponseWriter, r *http.Request) {
	var req MetricEvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if len(req.Metrics) == 0 {
		writeError(w, "metrics template is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	date := time.Now()
	if req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			writeError(w, "date must be YYYY-MM-DD", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		date = parsed
	}

	defs := make([]metric.Definition, len(req.Metrics))
	for i, m := range req.Metrics {
		defs[i] = metric.Definition{Name: m.Name, Expression: m.Expression}
	}

	result := h.evaluator.EvaluateTemplate(defs, req.Values, date, h.resolveSettings(req.Settings))

	writeJSON(w, http.StatusOK, MetricEvalResponse{
		Values: result.Values,
		Errors: result.Errors,
	})
}

// evalMetricExpression runs a computed-metric formula the way template
// evaluation does: one synchronous expression with "metrics" and "date"
// globals and the pure helpers, no data bridge.
func (h *Handlers) evalMetricExpression(req QueryRequest, limits sandbox.ResourceLimits) (*sandbox.ExecutionResult, error) {
	settings := h.resolveSettings(req.Settings)
	globals := map[string]any{
		"metrics": req.Params,
		"date":    time.Now().In(settings.Location()).Format("2006-01-02"),
	}

	start := time.Now()
	value, err := sandbox.EvaluateExpression(req.Code, globals, sandbox.MetricHelperSet(), limits)
	if err != nil {
		return nil, err
	}
	return &sandbox.ExecutionResult{Value: value, Duration: time.Since(start)}, nil
}

func (h *Handlers) resolveSettings(s CalendarSettings) sandbox.UserSettings {
	settings := h.defaults
	if s.Timezone != "" {
		settings.Timezone = s.Timezone
	}
	switch s.WeekStart {
	case "sunday":
		settings.WeekStart = time.Sunday
	case "saturday":
		settings.WeekStart = time.Saturday
	case "monday":
		settings.WeekStart = time.Monday
	}
	return settings
}

func (h *Handlers) observeResultSize(v any) {
	if v == nil {
		return
	}
	if encoded, err := json.Marshal(v); err == nil {
		h.metrics.ResultSizeBytes.Observe(float64(len(encoded)))
	}
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, "execution history is not available", "NOT_AVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter := storage.ExecutionFilter{
		UserID: UserIDFromContext(r.Context()),
		Kind:   r.URL.Query().Get("kind"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be an RFC 3339 timestamp", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = &since
	}

	executions, err := h.db.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("listing executions failed")
		writeError(w, "failed to list executions", "STORAGE_ERROR", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"executions": executions,
		"count":      len(executions),
	})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "healthy",
		Uptime: time.Since(h.startTime).String(),
	}
	if h.db != nil {
		if h.db.Healthy(r.Context()) {
			resp.Database = "up"
		} else {
			resp.Database = "down"
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// executionStatus maps a classified execution error to a metric label.
func executionStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, sandbox.ErrTimeout):
		return "timeout"
	case errors.Is(err, sandbox.ErrCanceled):
		return "canceled"
	case errors.Is(err, sandbox.ErrMemoryLimit):
		return "memory"
	case errors.Is(err, sandbox.ErrSyntax):
		return "syntax"
	case errors.Is(err, sandbox.ErrCodeTooLarge):
		return "code_too_large"
	case errors.Is(err, sandbox.ErrRuntime):
		return "runtime"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

func writeRateLimited(w http.ResponseWriter, retryAfter int, r *http.Request) {
	resp := ErrorResponse{
		Error:      "rate limit exceeded",
		Code:       "RATE_LIMITED",
		RequestID:  RequestIDFromContext(r.Context()),
		RetryAfter: retryAfter,
	}
	writeJSON(w, http.StatusTooManyRequests, resp)
}

