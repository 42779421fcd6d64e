package logging

import (
	"context"
	"log/slog"

	"conductor/internal/services"
)

// Standard structured field keys.
const (
	FieldComponent     = "component"
	FieldJobID         = "job_id"
	FieldStage         = "stage"
	FieldTarget        = "target"
	FieldCorrelationID = "correlation_id"
	// FieldEventType names what happened (breaker_opened, stage_completed).
	FieldEventType = "event_type"
	FieldErrorKind = "error_kind"
	FieldErrorHint = "error_hint"
	FieldAlert     = "alert"
)

// WithContext adds the job, stage, target and correlation ids carried by ctx
// to logger. A nil logger yields a no-op logger.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	if ctx == nil {
		return logger
	}
	var fields []any
	if id, ok := services.JobIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldJobID, id))
	}
	if st, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, st))
	}
	if target, ok := services.TargetFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldTarget, target))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// NewComponentLogger tags logger with a component name; nil falls back to a
// no-op logger.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}
