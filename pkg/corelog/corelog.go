// Package corelog wraps zap the way the teacher's server/pkg/logger does:
// a small constructor plus a handful of named helpers, rather than a
// direct zap import scattered across every package.
package corelog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logger threaded through a process handle.
type Logger struct {
	z *zap.Logger
}

// New builds a production-shaped logger: JSON encoding, ISO8601
// timestamps, level gated by the level argument.
func New(level string) (*Logger, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	z, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// Nop returns a logger that discards everything, used by components that
// accept an optional *Logger and default to silence.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// Sync flushes buffered log entries; callers defer this at process exit.
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}

// Warn logs at warning level with structured fields.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Warn(msg, fields...)
}

// Info logs at info level with structured fields.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Info(msg, fields...)
}

// Error logs at error level with structured fields.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	if l == nil || l.z == nil {
		return
	}
	l.z.Error(msg, fields...)
}

// Truncate caps a message length before it's logged, mirroring the
// teacher's SafeHeaders redaction habit of never dumping raw unbounded
// state into a log line.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
