package app

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/thread-commissioner/pkg/commissioner"
)

// LogLevel orders the configured verbosity.
type LogLevel int

// Log levels, least to most verbose.
const (
	LogLevelOff LogLevel = iota
	LogLevelCritical
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// ParseLogLevel parses the LogLevel config key. Empty selects info.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "":
		return LogLevelInfo, nil
	case "off":
		return LogLevelOff, nil
	case "critical":
		return LogLevelCritical, nil
	case "error":
		return LogLevelError, nil
	case "warn":
		return LogLevelWarn, nil
	case "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	default:
		return 0, &commissioner.Error{Kind: commissioner.KindInvalidArgs,
			Message: "unknown log level " + s}
	}
}

func (l LogLevel) String() string {
	switch l {
	case LogLevelOff:
		return "off"
	case LogLevelCritical:
		return "critical"
	case LogLevelError:
		return "error"
	case LogLevelWarn:
		return "warn"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// FileLoggerFactory writes scoped, leveled log lines to one file. It
// implements logging.LoggerFactory for injection into every component.
type FileLoggerFactory struct {
	level LogLevel

	mu sync.Mutex
	w  io.WriteCloser
}

// NewFileLoggerFactory opens (appending) the log file at path. An empty
// path logs to stderr.
func NewFileLoggerFactory(path string, level LogLevel) (*FileLoggerFactory, error) {
	var w io.WriteCloser = os.Stderr
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, &commissioner.Error{Kind: commissioner.KindNotFound,
				Message: "cannot open log file " + path}
		}
		w = f
	}
	return &FileLoggerFactory{level: level, w: w}, nil
}

// NewLogger implements logging.LoggerFactory.
func (f *FileLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &fileLogger{factory: f, scope: scope}
}

// Close closes the underlying file.
func (f *FileLoggerFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.w == os.Stderr {
		return nil
	}
	return f.w.Close()
}

func (f *FileLoggerFactory) write(level LogLevel, scope, msg string) {
	if level > f.level {
		return
	}
	line := fmt.Sprintf("[ %s ] [ %s ] [ %s ] %s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, scope, msg)

	f.mu.Lock()
	defer f.mu.Unlock()
	io.WriteString(f.w, line)
}

// fileLogger is one scope's logging.LeveledLogger.
type fileLogger struct {
	factory *FileLoggerFactory
	scope   string
}

func (l *fileLogger) Trace(msg string) { l.factory.write(LogLevelDebug, l.scope, msg) }
func (l *fileLogger) Tracef(format string, args ...interface{}) {
	l.factory.write(LogLevelDebug, l.scope, fmt.Sprintf(format, args...))
}

func (l *fileLogger) Debug(msg string) { l.factory.write(LogLevelDebug, l.scope, msg) }
func (l *fileLogger) Debugf(format string, args ...interface{}) {
	l.factory.write(LogLevelDebug, l.scope, fmt.Sprintf(format, args...))
}

func (l *fileLogger) Info(msg string) { l.factory.write(LogLevelInfo, l.scope, msg) }
func (l *fileLogger) Infof(format string, args ...interface{}) {
	l.factory.write(LogLevelInfo, l.scope, fmt.Sprintf(format, args...))
}

func (l *fileLogger) Warn(msg string) { l.factory.write(LogLevelWarn, l.scope, msg) }
func (l *fileLogger) Warnf(format string, args ...interface{}) {
	l.factory.write(LogLevelWarn, l.scope, fmt.Sprintf(format, args...))
}

func (l *fileLogger) Error(msg string) { l.factory.write(LogLevelError, l.scope, msg) }
func (l *fileLogger) Errorf(format string, args ...interface{}) {
	l.factory.write(LogLevelError, l.scope, fmt.Sprintf(format, args...))
}
