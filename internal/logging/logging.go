package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents logging verbosity level
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything including debug messages
	LevelDebug
)

const timeLayout = "2006-01-02 15:04:05"

// Logger provides leveled logging in text or JSON form
type Logger struct {
	mu     sync.Mutex
	level  Level
	output io.Writer
	json   bool
}

var defaultLogger = &Logger{
	level:  LevelInfo,
	output: os.Stdout,
}

// ParseLevel converts a string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
	}
}

// String returns the string representation of a level
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level = level
}

// SetOutput sets the output destination for logging. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	defaultLogger.output = w
}

// SetFormat switches between "text" (default) and "json" line output.
func SetFormat(format string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.json = strings.EqualFold(format, "json")
}

// GetLevel returns the current log level
func GetLevel() Level {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	return defaultLogger.level
}

// Debug logs a debug message
func Debug(format string, args ...interface{}) {
	defaultLogger.log(LevelDebug, nil, format, args...)
}

// Info logs an info message
func Info(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, nil, format, args...)
}

// Warn logs a warning message
func Warn(format string, args ...interface{}) {
	defaultLogger.log(LevelWarn, nil, format, args...)
}

// Error logs an error message
func Error(format string, args ...interface{}) {
	defaultLogger.log(LevelError, nil, format, args...)
}

// Print always prints regardless of level (for progress bars, summaries)
func Print(format string, args ...interface{}) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	fmt.Fprintf(defaultLogger.output, format, args...)
}

// Println always prints with newline regardless of level
func Println(args ...interface{}) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	fmt.Fprintln(defaultLogger.output, args...)
}

// Entry is a logger scoped with structured fields such as run_id or entity.
type Entry struct {
	fields map[string]any
}

// With returns an Entry carrying key=value on every line it logs.
func With(key string, value any) *Entry {
	return &Entry{fields: map[string]any{key: value}}
}

// With returns a copy of the entry with one more field.
func (e *Entry) With(key string, value any) *Entry {
	fields := make(map[string]any, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Entry{fields: fields}
}

func (e *Entry) Debug(format string, args ...interface{}) {
	defaultLogger.log(LevelDebug, e.fields, format, args...)
}

func (e *Entry) Info(format string, args ...interface{}) {
	defaultLogger.log(LevelInfo, e.fields, format, args...)
}

func (e *Entry) Warn(format string, args ...interface{}) {
	defaultLogger.log(LevelWarn, e.fields, format, args...)
}

func (e *Entry) Error(format string, args ...interface{}) {
	defaultLogger.log(LevelError, e.fields, format, args...)
}

func (l *Logger) log(level Level, fields map[string]any, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level > l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	now := time.Now()

	if l.json {
		line := make(map[string]any, len(fields)+3)
		for k, v := range fields {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			line[k] = v
		}
		line["ts"] = now.UTC().Format(time.RFC3339Nano)
		line["level"] = strings.ToLower(level.String())
		line["msg"] = strings.TrimSpace(msg)
		data, err := json.Marshal(line)
		if err != nil {
			fmt.Fprintf(l.output, `{"level":"error","msg":"log marshal failed: %v"}`+"\n", err)
			return
		}
		l.output.Write(append(data, '\n'))
		return
	}

	if strings.HasPrefix(msg, "\n") {
		// Handle leading newlines (preserve blank line formatting)
		msg = strings.TrimPrefix(msg, "\n")
		fmt.Fprint(l.output, "\n")
	}
	msg = strings.TrimSuffix(msg, "\n") + formatFields(fields) + "\n"
	fmt.Fprintf(l.output, "%s [%s] %s", now.Format(timeLayout), level.String(), msg)
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, fields[k])
	}
	return sb.String()
}

// IsDebug returns true if debug level is enabled
func IsDebug() bool {
	return GetLevel() >= LevelDebug
}

// IsInfo returns true if info level is enabled
func IsInfo() bool {
	return GetLevel() >= LevelInfo
}
