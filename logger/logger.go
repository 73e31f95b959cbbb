// Package logger provides a thread-safe, levelled logger backed by zerolog.
// Process logs come out as line-delimited JSON, matching the per-request
// event encoding in package events, so one collector handles both streams.
package logger

import (
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Level represents a logging verbosity level.
type Level int

const (
	// LevelDebug emits all messages.
	LevelDebug Level = iota
	// LevelInfo emits INFO and ERROR messages.
	LevelInfo
	// LevelError emits only ERROR messages.
	LevelError
)

// ParseLevel maps a config string to a Level. Unknown strings fall back to
// LevelInfo rather than failing startup.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a structured, levelled logger.
//
// Thread-safety: zerolog serialises writes to the underlying io.Writer. The
// wrapper adds a mutex only for the level field so that SetLevel may be
// called concurrently with logging methods.
type Logger struct {
	zl    zerolog.Logger
	mu    sync.RWMutex
	level Level
}

// New creates a Logger that writes JSON lines to w at the given minimum
// level. The "logger" key identifies the process component in shared log
// pipelines.
func New(w io.Writer, name string, level Level) *Logger {
	zl := zerolog.New(w).With().Timestamp().Str("logger", name).Logger()
	return &Logger{zl: zl, level: level}
}

// SetLevel changes the minimum log level at runtime. Safe for concurrent use.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

func (l *Logger) enabled(min Level) bool {
	l.mu.RLock()
	lvl := l.level
	l.mu.RUnlock()
	return lvl <= min
}

// Info logs a message at INFO level.
func (l *Logger) Info(msg string) {
	if l.enabled(LevelInfo) {
		l.zl.Info().Msg(msg)
	}
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) {
	if l.enabled(LevelInfo) {
		l.zl.Info().Msgf(format, args...)
	}
}

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string) {
	if l.enabled(LevelError) {
		l.zl.Error().Msg(msg)
	}
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	if l.enabled(LevelError) {
		l.zl.Error().Msgf(format, args...)
	}
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string) {
	if l.enabled(LevelDebug) {
		l.zl.Debug().Msg(msg)
	}
}

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.enabled(LevelDebug) {
		l.zl.Debug().Msgf(format, args...)
	}
}
