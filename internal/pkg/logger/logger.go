// Package logger is the pipeline's structured logger. Every entry is a zerolog
// event; key/value fields are redacted for PII before they are written.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var zerologLevels = map[Level]zerolog.Level{
	DEBUG: zerolog.DebugLevel,
	INFO:  zerolog.InfoLevel,
	WARN:  zerolog.WarnLevel,
	ERROR: zerolog.ErrorLevel,
}

// ParseLevel maps "debug", "info", "warn" and "error" to a Level. Unknown
// values fall back to INFO.
func ParseLevel(s string) Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return INFO
	}
	for l, z := range zerologLevels {
		if z == lvl {
			return l
		}
	}
	return INFO
}

// Logger writes structured entries with optional PII redaction.
type Logger struct {
	mu        sync.RWMutex
	zl        zerolog.Logger
	redactPII bool
}

var defaultLogger = newLogger(os.Stderr, "json")

func newLogger(w io.Writer, format string) *Logger {
	if format == "text" || format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return &Logger{
		zl:        zerolog.New(w).Level(zerolog.InfoLevel).With().Timestamp().Logger(),
		redactPII: true,
	}
}

// Configure replaces the default logger's output format ("json" or "text") and level.
func Configure(level, format string) {
	l := newLogger(os.Stderr, format)
	l.zl = l.zl.Level(zerologLevels[ParseLevel(level)])
	swap(l)
}

// SetOutput redirects the default logger, keeping its level. Used by tests.
func SetOutput(w io.Writer) {
	defaultLogger.mu.RLock()
	lvl := defaultLogger.zl.GetLevel()
	defaultLogger.mu.RUnlock()
	l := newLogger(w, "json")
	l.zl = l.zl.Level(lvl)
	swap(l)
}

func swap(l *Logger) {
	defaultLogger.mu.Lock()
	defaultLogger.zl = l.zl
	defaultLogger.mu.Unlock()
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) {
	defaultLogger.mu.Lock()
	defaultLogger.zl = defaultLogger.zl.Level(zerologLevels[l])
	defaultLogger.mu.Unlock()
}

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.mu.Lock()
	defaultLogger.redactPII = r
	defaultLogger.mu.Unlock()
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, "", msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(INFO, "", msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(WARN, "", msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, "", msg, fields...) }

// Component is a named view of the default logger. Entries carry a
// "component" field so lines from one worker can be filtered together.
type Component string

func (c Component) Debug(msg string, fields ...interface{}) {
	defaultLogger.log(DEBUG, string(c), msg, fields...)
}

func (c Component) Info(msg string, fields ...interface{}) {
	defaultLogger.log(INFO, string(c), msg, fields...)
}

func (c Component) Warn(msg string, fields ...interface{}) {
	defaultLogger.log(WARN, string(c), msg, fields...)
}

func (c Component) Error(msg string, fields ...interface{}) {
	defaultLogger.log(ERROR, string(c), msg, fields...)
}

func (l *Logger) log(level Level, component, msg string, fields ...interface{}) {
	l.mu.RLock()
	zl := l.zl
	redact := l.redactPII
	l.mu.RUnlock()

	ev := zl.WithLevel(zerologLevels[level])
	if ev == nil {
		return
	}
	if component != "" {
		ev = ev.Str("component", component)
	}

	// Parse key-value pairs from fields
	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		switch v := fields[i+1].(type) {
		case error:
			val := v.Error()
			if redact {
				val = redactPIIValue(key, val)
			}
			ev = ev.Str(key, val)
		case int:
			ev = ev.Int(key, v)
		case int64:
			ev = ev.Int64(key, v)
		case bool:
			ev = ev.Bool(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			val := fmt.Sprintf("%v", v)
			if redact {
				val = redactPIIValue(key, val)
			}
			ev = ev.Str(key, val)
		}
	}
	ev.Msg(msg)
}
