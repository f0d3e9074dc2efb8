package utils

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Error   LogLevel = 40
	Warning LogLevel = 30
	Info    LogLevel = 20
	Debug   LogLevel = 10
)

// Logger provides leveled logging with a component prefix and key-value pairs.
type Logger struct {
	prefix string
	logger *log.Logger

	mu       sync.Mutex
	logLevel LogLevel
}

// NewLogger creates a new logger with a given prefix. The default level is
// Info; pass a level to override.
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	level := Info
	if len(logLevel) > 0 {
		level = logLevel[0]
	}
	return &Logger{
		prefix:   prefix,
		logger:   log.New(os.Stdout, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
		logLevel: level,
	}
}

// SetLogLevel sets the logging level.
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logLevel = logLevel
}

// Info logs an informational message.
func (l *Logger) Info(msg string, keyvals ...interface{}) { l.emit(Info, "INFO", msg, keyvals...) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, keyvals ...interface{}) { l.emit(Warning, "WARN", msg, keyvals...) }

// Error logs an error message.
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.emit(Error, "ERROR", msg, keyvals...) }

// Debug logs a debug message.
func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.emit(Debug, "DEBUG", msg, keyvals...) }

func (l *Logger) emit(level LogLevel, tag, msg string, keyvals ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logLevel > level {
		return
	}
	formatted := fmt.Sprintf("[%s] %s", tag, msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		formatted += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
	}
	l.logger.Println(formatted)
}
