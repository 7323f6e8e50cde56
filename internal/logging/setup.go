// Package logging installs the process-wide slog logger for the bridge.
// Output goes to stderr as JSON lines; set LOG_FORMAT=text for local runs
// where JSON is hard on the eyes.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level backs every handler the package installs, so the threshold can
// be raised or lowered while the bridge is running.
var Level slog.LevelVar

// Setup reads LOG_LEVEL (debug, info, warn, error) and LOG_FORMAT (json,
// text) from the environment and installs the default logger. Call it
// once at process start, before anything logs.
func Setup() {
	Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// Configure installs a logger with explicit settings. Tests pass a
// buffer as the writer.
func Configure(level, format string, w io.Writer) {
	Level.Set(ParseLevel(level))

	opts := &slog.HandlerOptions{Level: &Level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	// A few dependencies still write through the stdlib logger; route
	// those lines into slog so nothing bypasses the structured stream.
	log.SetFlags(0)
	log.SetOutput(stdlibRedirect{logger})
}

// ParseLevel maps a level name to its slog.Level. Unknown or empty names
// fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// stdlibRedirect feeds stdlib log output into slog at info level, one
// record per Write call.
type stdlibRedirect struct {
	logger *slog.Logger
}

func (r stdlibRedirect) Write(p []byte) (int, error) {
	r.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}
