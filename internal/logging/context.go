package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	stepKey
	ownerIDKey
)

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStep returns a context with the step name set.
func WithStep(ctx context.Context, step string) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// WithOwnerID returns a context with the owner ID set.
func WithOwnerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerIDKey, id)
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// Step extracts the step name from the context, or "" if absent.
func Step(ctx context.Context) string {
	v, _ := ctx.Value(stepKey).(string)
	return v
}

// OwnerID extracts the owner ID from the context, or "" if absent.
func OwnerID(ctx context.Context) string {
	v, _ := ctx.Value(ownerIDKey).(string)
	return v
}

// WithIDs sets all three correlation values on the context at once.
// Empty values are skipped so an outer value is never shadowed by "".
func WithIDs(ctx context.Context, executionID, step, ownerID string) context.Context {
	if executionID != "" {
		ctx = WithExecutionID(ctx, executionID)
	}
	if step != "" {
		ctx = WithStep(ctx, step)
	}
	if ownerID != "" {
		ctx = WithOwnerID(ctx, ownerID)
	}
	return ctx
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := ExecutionID(ctx); v != "" {
		attrs = append(attrs, slog.String("execution_id", v))
	}
	if v := Step(ctx); v != "" {
		attrs = append(attrs, slog.String("step", v))
	}
	if v := OwnerID(ctx); v != "" {
		attrs = append(attrs, slog.String("owner_id", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
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
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// Default returns the fallback logger used when a component is given nil.
func Default() *slog.Logger {
	return slog.Default()
}

// Discard returns a logger that drops every record. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
