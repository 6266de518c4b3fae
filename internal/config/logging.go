package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// SetupLogger builds the logger for one voxtail binary. Records go to stderr
// as text and, when logFile is set, to logFile as JSON; each carries a
// component attribute naming the binary. The returned cleanup closes the file.
func SetupLogger(component, logFile string, level slog.Level) (*slog.Logger, func() error) {
	if logFile == "" {
		return newLogger(component, level, os.Stderr, nil), func() error { return nil }
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := newLogger(component, level, os.Stderr, nil)
		logger.Warn("log file unavailable, logging to stderr only", "file", logFile, "error", err)
		return logger, func() error { return nil }
	}
	return newLogger(component, level, os.Stderr, file), file.Close
}

func newLogger(component string, level slog.Level, console, file io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: millisecondDurations}
	handlers := []slog.Handler{slog.NewTextHandler(console, opts)}
	if file != nil {
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...)).With("component", component)
}

// millisecondDurations logs time.Duration values as integer <key>_ms, the unit
// every other timing field in this service uses.
func millisecondDurations(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.Int64(a.Key+"_ms", a.Value.Duration().Milliseconds())
	}
	return a
}
