package log

import (
	"errors"

	"finsights/internal/core"
)

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldClientIP    = "client_ip"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldQuery       = "query"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldUserAgent   = "user_agent"
	FieldSuccess     = "success"
	FieldError       = "error"
	FieldErrorType   = "error_type"
	FieldOperation   = "operation"
	FieldUserID      = "user_id"
	FieldMonth       = "month"
	FieldAgeBracket  = "age_bracket"
	FieldBusinessID  = "business_id"
	FieldTrendWindow = "trend_window"
	FieldTraceID     = "trace_id"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentBudget    = "budget"
	ComponentRanking   = "ranking"
	ComponentQuota     = "quota"
	ComponentSettings  = "settings"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentCache     = "cache"
	ComponentRateLimit = "rate_limit"
)

// Operations defines standard operation names
const (
	OpBudgetSummary  = "budget_summary"
	OpRankUser       = "rank_user"
	OpDistribution   = "distribution"
	OpProgress       = "progress"
	OpOptIn          = "opt_in"
	OpOptOut         = "opt_out"
	OpUpdateHidden   = "update_hidden_categories"
	OpRecommendQuota = "recommend_quota"
	OpReadiness      = "readiness"
	OpShutdown       = "shutdown"
	OpStartup        = "startup"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeValidation  = "validation_error"
	ErrorTypeUnavailable = "unavailable_error"
	ErrorTypeRecord      = "invalid_record_error"
	ErrorTypeTimeout     = "timeout_error"
	ErrorTypeNotFound    = "not_found_error"
	ErrorTypeConflict    = "conflict_error"
	ErrorTypeInternal    = "internal_error"
)

// ErrorType classifies err by the core error taxonomy.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrInvalidRange):
		return ErrorTypeValidation
	case errors.Is(err, core.ErrTimeout):
		return ErrorTypeTimeout
	case errors.Is(err, core.ErrDataUnavailable):
		return ErrorTypeUnavailable
	case errors.Is(err, core.ErrInvalidRecord):
		return ErrorTypeRecord
	case errors.Is(err, core.ErrInvalidTransition):
		return ErrorTypeConflict
	case core.IsExpected(err):
		return ErrorTypeNotFound
	}
	return ErrorTypeInternal
}

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

// WithTraceID adds the active trace id, skipping empty values.
func (f LogFields) WithTraceID(traceID string) LogFields {
	if traceID != "" {
		f[FieldTraceID] = traceID
	}
	return f
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

// WithError adds the error message and its taxonomy class.
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
		f[FieldErrorType] = ErrorType(err)
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithUser adds the user id, skipping empty values.
func (f LogFields) WithUser(userID string) LogFields {
	if userID != "" {
		f[FieldUserID] = userID
	}
	return f
}

func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	if userAgent != "" {
		f[FieldUserAgent] = userAgent
	}
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
