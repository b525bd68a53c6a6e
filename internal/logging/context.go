package logging

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey struct{}

// WithFields returns a context carrying zap fields that every log call made
// with this context will include. Fields accumulate across calls.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	existing := ContextFields(ctx)
	merged := make([]zap.Field, 0, len(existing)+len(fields))
	merged = append(merged, existing...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

// WithRun tags the context with a run id.
func WithRun(ctx context.Context, runID string) context.Context {
	return WithFields(ctx, zap.String("run_id", runID))
}

// WithSchedule tags the context with a schedule id.
func WithSchedule(ctx context.Context, scheduleID string) context.Context {
	return WithFields(ctx, zap.String("schedule_id", scheduleID))
}

// ContextFields extracts fields previously attached with WithFields.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields, _ := ctx.Value(ctxKey{}).([]zap.Field)
	return fields
}
