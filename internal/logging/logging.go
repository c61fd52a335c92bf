// Package logging is a small leveled wrapper around the standard library
// log package. The pack carries no third-party logging library (the
// teacher logs with plain log.Printf at the call site; antibyte-retroterm's
// pkg/logger independently confirms the choice by building its own
// level/area filter on top of log.Logger rather than importing one) so
// this follows the same shape, scaled down to this module's needs.
package logging

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

// Level is a logging severity, ordered DEBUG < INFO < WARNING < ERROR.
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps the CLI's --log-level values onto a Level, defaulting to
// INFO for anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARNING":
		return WARNING
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

var minLevel atomic.Int32

func init() { minLevel.Store(int32(INFO)) }

// SetLevel sets the process-wide minimum level; messages below it are
// dropped before formatting.
func SetLevel(l Level) { minLevel.Store(int32(l)) }

// Logger tags every line with a component name, the way retroterm tags
// lines with a LogArea.
type Logger struct {
	component string
	out       *log.Logger
}

// New returns a Logger for the named component, writing to w (os.Stderr
// when w is nil).
func New(component string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		component: component,
		out:       log.New(w, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if int32(level) < minLevel.Load() {
		return
	}
	l.out.Printf("[%s] [%s] "+format, append([]any{level.String(), l.component}, args...)...)
}

func (l *Logger) Debugf(format string, args ...any)   { l.logf(DEBUG, format, args...) }
func (l *Logger) Infof(format string, args ...any)    { l.logf(INFO, format, args...) }
func (l *Logger) Warningf(format string, args ...any) { l.logf(WARNING, format, args...) }
func (l *Logger) Errorf(format string, args ...any)   { l.logf(ERROR, format, args...) }
