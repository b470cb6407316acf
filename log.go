package nsq

import (
	"fmt"
	"log"

	colorable "github.com/mattn/go-colorable"
)

// LogLevel specifies the severity of a given log message
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarning
	LogLevelError
)

// String returns the (short, log-line-friendly) name of a LogLevel
func (lvl LogLevel) String() string {
	switch lvl {
	case LogLevelDebug:
		return "DBG"
	case LogLevelInfo:
		return "INF"
	case LogLevelWarning:
		return "WRN"
	case LogLevelError:
		return "ERR"
	}
	return "???"
}

// Logger is the interface that a caller-supplied logging destination
// must satisfy. The standard library's *log.Logger satisfies it, which
// is the default used by Consumer and Producer when none is set.
type Logger interface {
	Output(calldepth int, s string) error
}

func newDefaultLogger() Logger {
	return log.New(colorable.NewColorableStderr(), "", log.LstdFlags)
}

// logger pairs a Logger with a minimum LogLevel filter, shared by
// Consumer and Producer.
type logger struct {
	l     Logger
	level LogLevel
}

func newLogger() *logger {
	return &logger{l: newDefaultLogger(), level: LogLevelInfo}
}

func (lg *logger) setLogger(l Logger, lvl LogLevel) {
	lg.l = l
	lg.level = lvl
}

func (lg *logger) log(lvl LogLevel, f string, args ...interface{}) {
	if lg.l == nil || lvl < lg.level {
		return
	}
	lg.l.Output(3, fmt.Sprintf("%-4s %s", lvl, fmt.Sprintf(f, args...)))
}

// discardLogger is a Logger that drops every line. Nothing in the
// package installs it by default: a bare Conn, like a Consumer or
// Producer, logs through newLogger's default writer.
type discardLogger struct{}

func (discardLogger) Output(int, string) error { return nil }

var _ Logger = (*log.Logger)(nil)
