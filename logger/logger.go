// Package logger provides the leveled, prefixed logger used by every
// component of the plotter.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a config string such as "debug" to a Level.
// Unknown strings map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// sink is shared between a logger and all of its sub-loggers so that
// lines from different components never interleave.
type sink struct {
	mu  sync.Mutex
	out io.Writer
}

// Logger writes timestamped lines of the form
// "15:04:05.000 INFO [prefix] message".
type Logger struct {
	sink     *sink
	minLevel Level
	prefix   string
}

// New creates a new logger. A nil out writes to stderr.
func New(out io.Writer, minLevel Level, prefix string) *Logger {
	if out == nil {
		out = os.Stderr
	}
	return &Logger{
		sink:     &sink{out: out},
		minLevel: minLevel,
		prefix:   prefix,
	}
}

// Default returns an info level logger on stderr.
func Default() *Logger {
	return New(os.Stderr, LevelInfo, "")
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *Logger {
	return New(io.Discard, LevelError+1, "")
}

// WithPrefix creates a sub-logger with an additional prefix. A nil
// logger stays nil.
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l == nil {
		return nil
	}
	newPrefix := prefix
	if l.prefix != "" {
		newPrefix = l.prefix + "/" + prefix
	}
	return &Logger{
		sink:     l.sink,
		minLevel: l.minLevel,
		prefix:   newPrefix,
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if l == nil || level < l.minLevel {
		return
	}

	timestamp := time.Now().Format("15:04:05.000")
	prefix := ""
	if l.prefix != "" {
		prefix = fmt.Sprintf("[%s] ", l.prefix)
	}
	msg := fmt.Sprintf(format, args...)

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	fmt.Fprintf(l.sink.out, "%s %s %s%s\n", timestamp, level.String(), prefix, msg)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

// Info logs an info message.
func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Step logs the start of a named step and returns a func that logs its
// completion along with the elapsed time.
func (l *Logger) Step(name string) func() {
	start := time.Now()
	l.Info("starting: %s", name)
	return func() {
		l.Info("completed: %s (took %v)", name, time.Since(start).Round(time.Millisecond))
	}
}
