// Package-level configuration for structured logging.
//
// Pool instances do not carry a hard dependency on any one logging
// backend: Logger is a small interface, and the package ships an
// implementation backed by zerolog (NewZerologLogger), installed globally
// via SetGlobalLogger or per-Pool via WithLogger. With neither installed,
// log entries are discarded.

package threadpool

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel is the severity of a log entry.
type LogLevel int32

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", l)
	}
}

// LogEntry is a structured log record emitted by the scheduler's internal
// subsystems.
type LogEntry struct {
	Level     LogLevel
	Category  string // "pool", "gate", "hillclimbing", "wait", "timer", "iocp", "callback"
	Message   string
	Fields    map[string]any
	Err       error
	Timestamp time.Time
}

// Logger is the structured logging interface consumed throughout the
// package, narrowed to the fields the scheduler actually populates.
type Logger interface {
	Log(entry LogEntry)
	Enabled(level LogLevel) bool
}

var globalLogger struct {
	sync.RWMutex
	logger Logger
}

// SetGlobalLogger installs the process-wide default Logger, used by any
// Pool constructed without an explicit WithLogger option.
func SetGlobalLogger(logger Logger) {
	globalLogger.Lock()
	defer globalLogger.Unlock()
	globalLogger.logger = logger
}

func getGlobalLogger() Logger {
	globalLogger.RLock()
	defer globalLogger.RUnlock()
	if globalLogger.logger != nil {
		return globalLogger.logger
	}
	return noopLogger{}
}

func logGlobal(level LogLevel, category, message string, fields map[string]any) {
	l := getGlobalLogger()
	if !l.Enabled(level) {
		return
	}
	l.Log(LogEntry{Level: level, Category: category, Message: message, Fields: fields, Timestamp: time.Now()})
}

// noopLogger discards everything; it is the default when no Logger has
// been configured.
type noopLogger struct{}

func (noopLogger) Log(LogEntry)          {}
func (noopLogger) Enabled(LogLevel) bool { return false }

// zerologLogger adapts Logger to github.com/rs/zerolog. It is used only
// when the caller installs it via WithLogger/SetGlobalLogger; the
// default is noopLogger.
type zerologLogger struct {
	level  LogLevel
	logger zerolog.Logger
}

// NewZerologLogger builds a Logger backed by zerolog, writing to w
// (os.Stderr if nil) at the given minimum level.
func NewZerologLogger(level LogLevel, w *os.File) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &zerologLogger{
		level:  level,
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

func (z *zerologLogger) Enabled(level LogLevel) bool {
	return level >= z.level
}

func (z *zerologLogger) Log(entry LogEntry) {
	if !z.Enabled(entry.Level) {
		return
	}
	var ev *zerolog.Event
	switch entry.Level {
	case LogLevelDebug:
		ev = z.logger.Debug()
	case LogLevelWarn:
		ev = z.logger.Warn()
	case LogLevelError:
		ev = z.logger.Error()
	default:
		ev = z.logger.Info()
	}
	ev = ev.Str("category", entry.Category)
	for k, v := range entry.Fields {
		ev = ev.Interface(k, v)
	}
	if entry.Err != nil {
		ev = ev.Err(entry.Err)
	}
	ev.Msg(entry.Message)
}
