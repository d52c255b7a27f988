package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	processIDKey ctxKey = iota
	stepKey
)

// WithProcessID returns a context with the process instance ID set.
func WithProcessID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, processIDKey, id)
}

// WithStep returns a context with the step name set.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// ProcessID extracts the process instance ID from the context, or "" if absent.
func ProcessID(ctx context.Context) string {
	v, _ := ctx.Value(processIDKey).(string)
	return v
}

// Step extracts the step name from the context, or "" if absent.
func Step(ctx context.Context) string {
	v, _ := ctx.Value(stepKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if pID := ProcessID(ctx); pID != "" {
		logger = logger.With(slog.String("process_id", pID))
	}
	if s := Step(ctx); s != "" {
		logger = logger.With(slog.String("step", s))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting the
// process instance ID and step name from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := ProcessID(ctx); v != "" {
		r.AddAttrs(slog.String("process_id", v))
	}
	if v := Step(ctx); v != "" {
		r.AddAttrs(slog.String("step", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
