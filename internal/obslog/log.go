// Package obslog provides the engine's ambient structured logging, a thin
// component-scoped wrapper around zap mirroring the leveled, field-accumulating
// shape of the teacher's internal/p2p logger.
package obslog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a component-scoped structured logger.
type Logger struct {
	component string
	zl        *zap.Logger
}

// New creates a component logger backed by a production zap.Logger.
func New(component string) *Logger {
	return Wrap(component, defaultCore())
}

// Wrap adapts an existing *zap.Logger to a component-scoped Logger.
func Wrap(component string, zl *zap.Logger) *Logger {
	return &Logger{component: component, zl: zl.With(zap.String("component", component))}
}

func defaultCore() *zap.Logger {
	zl, err := zap.NewProduction()
	if err != nil {
		zl = zap.NewNop()
	}
	return zl
}

// With returns a derived logger carrying the given fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{component: l.component, zl: l.zl.With(fields...)}
}

// WithExchange scopes the logger to a single exchange id.
func (l *Logger) WithExchange(workflowID, exchangeID string) *Logger {
	return l.With(zap.String("workflow_id", workflowID), zap.String("exchange_id", exchangeID))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zl.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zl.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zl.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zl.Error(msg, fields...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.zl.Sync() }

// Core returns the zapcore.Core underlying zl.
func Core(zl *zap.Logger) zapcore.Core { return zl.Core() }
