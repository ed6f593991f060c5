package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger is the logging abstraction used across connector and archiver
// components. Implementations can be swapped for structured loggers.
type Logger interface {
	// Error logs an error message
	Error(args ...interface{})

	// Errorf logs a formatted error message
	Errorf(format string, args ...interface{})

	// Warn logs a warning message
	Warn(args ...interface{})

	// Warnf logs a formatted warning message
	Warnf(format string, args ...interface{})

	// Info logs an informational message
	Info(args ...interface{})

	// Infof logs a formatted informational message
	Infof(format string, args ...interface{})

	// Debug logs a debug message
	Debug(args ...interface{})

	// Debugf logs a formatted debug message
	Debugf(format string, args ...interface{})
}

// defaultLogger implements Logger using Go's standard log package.
type defaultLogger struct {
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
	debug       bool
}

// New creates the default logger. Debug lines are suppressed unless
// verbose is true.
func New(verbose bool) Logger {
	return &defaultLogger{
		errorLogger: log.New(os.Stderr, "[ERROR] ", log.LstdFlags|log.Lshortfile),
		warnLogger:  log.New(os.Stderr, "[WARN] ", log.LstdFlags|log.Lshortfile),
		infoLogger:  log.New(os.Stdout, "[INFO] ", log.LstdFlags|log.Lshortfile),
		debugLogger: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags|log.Lshortfile),
		debug:       verbose,
	}
}

// NewWithWriter creates a logger that sends every level to w. Used by tests
// to capture output.
func NewWithWriter(w io.Writer, verbose bool) Logger {
	return &defaultLogger{
		errorLogger: log.New(w, "[ERROR] ", log.LstdFlags),
		warnLogger:  log.New(w, "[WARN] ", log.LstdFlags),
		infoLogger:  log.New(w, "[INFO] ", log.LstdFlags),
		debugLogger: log.New(w, "[DEBUG] ", log.LstdFlags),
		debug:       verbose,
	}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return NewWithWriter(io.Discard, false)
}

func (l *defaultLogger) Error(args ...interface{}) {
	l.errorLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.errorLogger.Output(3, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Warn(args ...interface{}) {
	l.warnLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.warnLogger.Output(3, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Info(args ...interface{}) {
	l.infoLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.infoLogger.Output(3, fmt.Sprintf(format, args...))
}

func (l *defaultLogger) Debug(args ...interface{}) {
	if !l.debug {
		return
	}
	l.debugLogger.Output(3, fmt.Sprint(args...))
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.debugLogger.Output(3, fmt.Sprintf(format, args...))
}
