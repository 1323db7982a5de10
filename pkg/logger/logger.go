// Package logger provides component-tagged structured logging for ctxforge.
package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var base atomic.Pointer[slog.Logger]

func init() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("CTXFORGE_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	base.Store(slog.New(h))
}

// SetLogger replaces the process-wide logger. Intended for tests and for
// embedding hosts that already own a slog configuration.
func SetLogger(l *slog.Logger) {
	if l != nil {
		base.Store(l)
	}
}

func fieldsToAttrs(component string, fields map[string]interface{}) []any {
	attrs := make([]any, 0, 2+len(fields)*2)
	attrs = append(attrs, "component", component)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	return attrs
}

// DebugC logs a debug message tagged with a component.
func DebugC(component, msg string) {
	base.Load().Debug(msg, "component", component)
}

// InfoC logs an info message tagged with a component.
func InfoC(component, msg string) {
	base.Load().Info(msg, "component", component)
}

// InfoCF logs an info message with a component tag and structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	base.Load().Info(msg, fieldsToAttrs(component, fields)...)
}

// WarnC logs a warning tagged with a component.
func WarnC(component, msg string) {
	base.Load().Warn(msg, "component", component)
}

// WarnCF logs a warning with a component tag and structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	base.Load().Warn(msg, fieldsToAttrs(component, fields)...)
}

// ErrorCF logs an error with a component tag and structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	base.Load().Error(msg, fieldsToAttrs(component, fields)...)
}
