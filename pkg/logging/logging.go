// Package logging defines a small backend-agnostic logging interface:
// callers depend on this interface, never on a concrete logging library.
// The default implementation wraps log/slog with a JSON handler.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the interface every package in this module logs through.
type Logger interface {
	Debug(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Error(msg string, keyvals ...any)
	With(keyvals ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// NewSlog builds a Logger backed by log/slog, writing structured JSON to
// stderr.
func NewSlog(service string) Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &slogLogger{l: slog.New(h).With("service", service)}
}

func (s *slogLogger) Debug(msg string, keyvals ...any) { s.l.Debug(msg, keyvals...) }
func (s *slogLogger) Info(msg string, keyvals ...any)  { s.l.Info(msg, keyvals...) }
func (s *slogLogger) Warn(msg string, keyvals ...any)  { s.l.Warn(msg, keyvals...) }
func (s *slogLogger) Error(msg string, keyvals ...any) { s.l.Error(msg, keyvals...) }
func (s *slogLogger) With(keyvals ...any) Logger {
	return &slogLogger{l: s.l.With(keyvals...)}
}

type noop struct{}

// Noop is used by tests that don't care about log output.
func Noop() Logger { return noop{} }

func (noop) Debug(string, ...any) {}
func (noop) Info(string, ...any)  {}
func (noop) Warn(string, ...any)  {}
func (noop) Error(string, ...any) {}
func (noop) With(...any) Logger   { return noop{} }

// ctxKey is used to carry a correlation-scoped Logger through request/
// message context, matching the way spans flow via context.Context.
type ctxKey struct{}

// Into attaches logger to ctx.
func Into(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// From extracts a Logger from ctx, falling back to a noop logger.
func From(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return Noop()
}
