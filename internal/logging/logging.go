// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps debug|info|warn|error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup creates a text logger on stdout. When logFile is set, records are also
// written as JSON to that file. The returned cleanup closes the file.
func Setup(level slog.Level, logFile string) (*slog.Logger, func() error) {
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if logFile == "" {
		return slog.New(stdoutHandler), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) // #nosec G304 - operator supplied path
	if err != nil {
		logger := slog.New(stdoutHandler)
		logger.Error("open log file, using stdout only", "file", logFile, "err", err)
		return logger, func() error { return nil }
	}
	return WithWriters(os.Stdout, file, level), file.Close
}

// WithWriters fans out text records to console and JSON records to file.
func WithWriters(console, file io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: level}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
