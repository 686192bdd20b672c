package hmon

import "go.uber.org/zap"

// Logger abstracts the structured logger used throughout this package, kept
// as a narrow interface (rather than a concrete *zap.Logger) so callers can
// inject a no-op implementation in tests and assert on log-free execution.
//
// This package uses three log levels in practice:
//   - Info for session connect and disconnect
//   - Debug for per-frame detail (ignored unrecognized commands)
//   - Warn for recoverable failures (decode errors, failed dials and
//     handshakes, accept errors)
//
// Error is part of the interface but no call site in this package uses it.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

// DiscardLogger returns a Logger that drops every message. This is the
// package default, matching the convention of not writing to stdout/stderr
// unless a logger is explicitly configured via WithLogger.
func DiscardLogger() Logger { return discardLogger{} }

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps z as a Logger. Pass a configured *zap.Logger (e.g.
// zap.NewProduction()) from the embedding application.
func NewZapLogger(z *zap.Logger) Logger {
	return zapLogger{s: z.Sugar()}
}

func (l zapLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l zapLogger) Info(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l zapLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l zapLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
