package services

import "context"

type contextKey int

const (
	jobIDKey contextKey = iota
	stageKey
	targetKey
	requestIDKey
)

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(key).(string)
	return v, ok && v != ""
}

// WithJobID tags ctx with the pipeline job id. Empty values leave ctx as is,
// as do the other With helpers.
func WithJobID(ctx context.Context, id string) context.Context { return withString(ctx, jobIDKey, id) }

// WithStage tags ctx with the stage being driven.
func WithStage(ctx context.Context, stage string) context.Context {
	return withString(ctx, stageKey, stage)
}

// WithTarget tags ctx with the downstream service being called.
func WithTarget(ctx context.Context, target string) context.Context {
	return withString(ctx, targetKey, target)
}

// WithRequestID tags ctx with a correlation id, usually the control API
// request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

func JobIDFromContext(ctx context.Context) (string, bool)     { return stringFrom(ctx, jobIDKey) }
func StageFromContext(ctx context.Context) (string, bool)     { return stringFrom(ctx, stageKey) }
func TargetFromContext(ctx context.Context) (string, bool)    { return stringFrom(ctx, targetKey) }
func RequestIDFromContext(ctx context.Context) (string, bool) { return stringFrom(ctx, requestIDKey) }
