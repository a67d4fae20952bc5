// Package logging provides the small leveled console logger used by both
// endpoint binaries, matching the teacher's cmd/phantom-client/main.go
// banner style ("[LEVEL] message") rather than pulling in a structured
// logging library the teacher itself never imports for this purpose.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is the logger's minimum-severity gate (spec.md §6, LOG_LEVEL).
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// ParseLevel maps the spec's four level names to a Level, defaulting to
// LevelInfo for anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "error":
		return LevelError
	case "warn":
		return LevelWarn
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

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
		return "INFO"
	}
}

// Logger writes "[LEVEL] message" lines to an io.Writer (stderr by
// default), gated by a minimum Level.
type Logger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
	tag   string
}

// New creates a Logger writing to os.Stderr at the given level. tag is an
// optional short prefix (e.g. "entry", "exit") inserted after the level.
func New(level Level, tag string) *Logger {
	return &Logger{out: os.Stderr, level: level, tag: tag}
}

// SetOutput redirects the logger, mainly for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level > l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("15:04:05.000")
	if l.tag != "" {
		fmt.Fprintf(l.out, "%s [%s] (%s) %s\n", ts, level, l.tag, msg)
	} else {
		fmt.Fprintf(l.out, "%s [%s] %s\n", ts, level, msg)
	}
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(LevelWarn, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, format, args...) }
