package forward

import (
	"log/slog"
	"strconv"
)

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// Decode failures are reported at Error level; per-frame tracing uses Debug.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// quoteBytes renders raw bytes as a Go-quoted string so binary payloads stay
// on one log line and can be replayed with strconv.Unquote.
func quoteBytes(b []byte) string {
	return strconv.Quote(string(b))
}
