package logger

import (
	"context"
)

// Logger is the structured logger used by the queue runtime and the lock strategies.
// Log methods take a message followed by key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds the key-value pairs to every entry.
	With(args ...any) Logger

	// WithContext returns a child logger carrying the job fields stored in ctx.
	WithContext(ctx context.Context) Logger
}

type contextKey string

const (
	jobIDKey      contextKey = "job_id"
	lockDigestKey contextKey = "lock_digest"
)

// ContextWithJob stores the job id and lock digest so that WithContext can attach them.
func ContextWithJob(ctx context.Context, jobID, digest string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if jobID != "" {
		ctx = context.WithValue(ctx, jobIDKey, jobID)
	}
	if digest != "" {
		ctx = context.WithValue(ctx, lockDigestKey, digest)
	}
	return ctx
}

func jobFieldsFromContext(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var fields []any
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, "job_id", jobID)
	}
	if digest, ok := ctx.Value(lockDigestKey).(string); ok && digest != "" {
		fields = append(fields, "lock_digest", digest)
	}
	return fields
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (n nopLogger) With(...any) Logger                 { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
