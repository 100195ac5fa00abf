package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog logger at the given level. Source locations are
// attached for error-level and above so dead-letter and crypto failures are
// traceable in aggregated logs.
func New(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelError,
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// FromDebugFlag maps the DEBUG config flag onto a level.
func FromDebugFlag(debug bool) *slog.Logger {
	if debug {
		return New(slog.LevelDebug)
	}
	return New(slog.LevelInfo)
}
