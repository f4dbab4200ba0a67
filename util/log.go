// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
//
// A nil *Logger is valid: warnings and errors go to stderr and debug and
// verbose output is dropped. Library packages rely on this so that they
// can be used before SetLogger has been called.
type Logger struct {
	NErrors   int
	NWarnings int
	mu        sync.Mutex
	out       io.Writer
	debug     io.Writer
	verbose   io.Writer
	warning   io.Writer
	err       io.Writer
}

func NewLogger(verbose, debug bool) *Logger {
	return NewLoggerTo(os.Stdout, os.Stderr, verbose, debug)
}

// NewLoggerTo returns a Logger that sends regular output to out and
// everything else to diag.
func NewLoggerTo(out, diag io.Writer, verbose, debug bool) *Logger {
	l := &Logger{out: out, warning: diag, err: diag}
	if verbose {
		l.verbose = diag
	}
	if debug {
		l.debug = diag
	}
	return l
}

func (l *Logger) Print(f string, args ...interface{}) {
	if l == nil {
		fmt.Printf("%s", format(f, args...))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.out, format(f, args...))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	if l == nil || l.debug == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.debug, format(f, args...))
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	if l == nil || l.verbose == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.verbose, format(f, args...))
}

// IsVerbose reports whether Verbose output is being displayed.
func (l *Logger) IsVerbose() bool {
	return l != nil && l.verbose != nil
}

func (l *Logger) Warning(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.NWarnings++
	fmt.Fprint(l.warning, format(f, args...))
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l == nil {
		fmt.Fprint(os.Stderr, format(f, args...))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.NErrors++
	fmt.Fprint(l.err, format(f, args...))
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	l.fail(format(f, args...))
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	if len(msg) == 0 {
		l.fail(format("Check failed\n"))
	} else {
		f := msg[0].(string)
		l.fail(format(f, msg[1:]...))
	}
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	if len(msg) == 0 {
		l.fail(format("Error: %+v\n", err))
	} else {
		f := msg[0].(string)
		l.fail(format(f, msg[1:]...))
	}
}

func (l *Logger) fail(s string) {
	w := io.Writer(os.Stderr)
	if l != nil {
		l.mu.Lock()
		l.NErrors++
		w = l.err
		l.mu.Unlock()
	}
	fmt.Fprint(w, s)
	os.Exit(1)
}

func format(f string, args ...interface{}) string {
	// Two levels up the call stack
	_, fn, line, _ := runtime.Caller(2)
	// Last two components of the path
	fnline := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	s := fmt.Sprintf("%-25s: ", fnline)
	s += fmt.Sprintf(f, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
