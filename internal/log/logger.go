// Package log provides the process-wide structured logger for chagpt.
// Output goes to the console or to a size-rotated file, and the most recent
// lines are optionally kept in memory for the debug endpoint.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds all logging configuration.
type Config struct {
	Mode   string // "console" or "file"
	Level  string // "debug", "info", "warn", "error"
	Format string // "text" or "json"

	FilePath   string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int

	// BufferLines is the size of the in-memory tail. Zero disables it.
	BufferLines int
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:        "console",
		Level:       "info",
		Format:      "text",
		FilePath:    "chagpt.log",
		MaxSizeMB:   100,
		MaxAgeDays:  7,
		MaxBackups:  3,
		BufferLines: 500,
	}
}

// ParseLevel converts a string level to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	logBuffer     *RingBuffer
	closer        io.Closer
)

// Init installs the global logger. Calling it again replaces the previous
// logger and closes its file, if any.
func Init(cfg *Config) error {
	level := ParseLevel(cfg.Level)

	var (
		handler slog.Handler
		c       io.Closer
	)
	switch cfg.Mode {
	case "file":
		w, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxAgeDays, cfg.MaxBackups)
		if err != nil {
			return err
		}
		handler = newFormatHandler(w, cfg.Format, level)
		c = w
	default:
		handler = newFormatHandler(os.Stdout, cfg.Format, level)
	}

	var rb *RingBuffer
	if cfg.BufferLines > 0 {
		rb = NewRingBuffer(cfg.BufferLines)
		handler = NewBufferHandler(handler, rb, level)
	}

	mu.Lock()
	prev := closer
	defaultLogger = slog.New(handler)
	logBuffer = rb
	closer = c
	slog.SetDefault(defaultLogger)
	mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// Close flushes and closes the log file in file mode.
func Close() error {
	mu.Lock()
	c := closer
	closer = nil
	mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func newFormatHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Logger returns the current default logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }

func Info(msg string, args ...any) { Logger().Info(msg, args...) }

func Warn(msg string, args ...any) { Logger().Warn(msg, args...) }

func Error(msg string, args ...any) { Logger().Error(msg, args...) }

// With returns a logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Log logs at the given level.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	Logger().Log(ctx, level, msg, args...)
}

// GetBufferedLogs returns the last n buffered lines, or nil when the buffer
// is disabled.
func GetBufferedLogs(n int) []string {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return nil
	}
	return logBuffer.Lines(n)
}

// GetBufferStats reports the buffer fill and size. ok is false when the
// buffer is disabled.
func GetBufferStats() (total int, capacity int, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return 0, 0, false
	}
	return logBuffer.Total(), logBuffer.Capacity(), true
}
