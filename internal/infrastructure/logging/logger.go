package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/canbridge/internal/infrastructure/config"
)

// serviceName is attached to every log entry.
const serviceName = "canbridge"

// logFileMode keeps the log readable by the service group only.
const logFileMode = 0o640

// Logger is a slog.Logger carrying the service and version fields, plus the
// log file it writes to, if any.
//
// Safe for concurrent use.
type Logger struct {
	*slog.Logger
	file *os.File
}

// New builds the process logger from the logging section of canbridge.yaml.
//
// Format "text" selects slog's text handler; anything else is JSON. Output
// is stdout, stderr or an append-only file. When the file cannot be opened
// the logger writes to stderr instead and says so in its first entry.
//
// Parameters:
//   - cfg: Logging configuration
//   - version: Build version, added to every entry
//
// Returns:
//   - *Logger: Ready for use; Close it on shutdown
func New(cfg config.LoggingConfig, version string) *Logger {
	out, file, openErr := openOutput(cfg)

	l := newWithWriter(out, cfg, version)
	l.file = file

	if openErr != nil {
		l.Warn("log file unavailable, logging to stderr", "path", cfg.File, "error", openErr)
	}
	return l
}

func newWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(h).With("service", serviceName, "version", version),
	}
}

func openOutput(cfg config.LoggingConfig) (io.Writer, *os.File, error) {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr, nil, nil
	case "file":
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFileMode) //nolint:gosec // operator-supplied log path
		if err != nil {
			return os.Stderr, nil, err
		}
		return f, f, nil
	default:
		return os.Stdout, nil, nil
	}
}

// parseLevel maps debug, info, warn (or warning) and error to slog levels,
// ignoring case. Anything else is info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// With returns a child logger with extra attributes. The child shares the
// parent's output; only the root logger should be closed.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), file: l.file}
}

// Component returns a child logger tagged with component=name.
//
//	busLog := log.Component("socketcan")
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// Close closes the log file, if any. Entries logged afterwards are lost.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Default is the logger used before the configuration is loaded: JSON at
// info level on stdout.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}
