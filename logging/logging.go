// Package logging wraps the standard logger with verbosity levels. Every
// component gets a *Logger from the backend and checks its own level before
// writing anything.
package logging

import (
	"fmt"
	"io"
	"log"
	"path"
	"runtime"
)

const (
	LogLevelNormal        = iota // operational stuff
	LogLevelInfo                 // more detail
	LogLevelDebug                // a lot of detail
	LogLevelDeveloper            // meaningless to all but devs
	LogLevelDeveloperPlus        // even more
	LogLevelAll                  // everything
)

type Logger struct {
	Level int
	out   *log.Logger
}

// New creates a logger writing to w at the given verbosity. A nil writer
// means the process-wide standard logger.
func New(w io.Writer, level int) *Logger {
	l := &Logger{Level: level}
	if w != nil {
		l.out = log.New(w, "", log.LstdFlags)
	}
	return l
}

// Discard is used by tests and anything that doesn't care about output.
func Discard() *Logger {
	return New(io.Discard, LogLevelNormal)
}

func (l *Logger) output(s string) {
	if l.out != nil {
		l.out.Output(3, s)
		return
	}
	log.Output(3, s)
}

// Logf will output the date/time, source file name and line number, and a
// formatted string. Logging is dependant on verbosity level from the config.
// File and line are only included when running above normal verbosity.
func (l *Logger) Logf(level int, format string, args ...any) {
	if l == nil || format == "" {
		return
	}
	if l.Level < level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	_, src, line, ok := runtime.Caller(1) // from parent, not here
	if ok && l.Level > LogLevelNormal {
		l.output(fmt.Sprintf("%s:%d] %s", path.Base(src), line, msg))
		return
	}
	l.output(msg)
}

// Logln is the Println version of Logf. Newline is included.
func (l *Logger) Logln(level int, args ...any) {
	if l == nil || l.Level < level {
		return
	}
	_, src, line, ok := runtime.Caller(1)
	if ok && l.Level > LogLevelNormal {
		preamble := fmt.Sprintf("%s:%d]", path.Base(src), line)
		l.output(fmt.Sprintln(append([]any{preamble}, args...)...))
		return
	}
	l.output(fmt.Sprintln(args...))
}

// Warnf is for non-fatal problems the operator should still see, like a
// failed database write.
func (l *Logger) Warnf(format string, args ...any) {
	if l == nil || format == "" {
		return
	}
	l.output("warning: " + fmt.Sprintf(format, args...))
}
