// Copyright (c) 2026 Wiresmith Authors
// SPDX-License-Identifier: MIT

// Package logging provides the small leveled wrapper around the standard
// library logger that the rest of wiresmith logs through.
package logging

import (
	"log"
	"os"

	"golang.org/x/term"
)

// Logger is a leveled logger backed by the standard library's log.Logger.
// Debug lines are only emitted when verbose is enabled; warn and error
// lines are always emitted. The warn and error tags are colorized when
// stderr is a terminal, and left plain when it is redirected to a file or
// journal; the debug and info tags are always plain.
type Logger struct {
	verbose bool
	color   bool
	std     *log.Logger
}

// New returns a Logger writing to stderr with no prefix and the standard
// date/time flags. verbose gates Debug output.
func New(verbose bool) *Logger {
	return &Logger{
		verbose: verbose,
		color:   term.IsTerminal(int(os.Stderr.Fd())),
		std:     log.New(os.Stderr, "", log.LstdFlags),
	}
}

const (
	colorReset  = "\x1b[0m"
	colorYellow = "\x1b[33m"
	colorRed    = "\x1b[31m"
)

func (l *Logger) tag(label, color string) string {
	if !l.color {
		return "[" + label + "] "
	}
	return color + "[" + label + "]" + colorReset + " "
}

// Debugf logs a debug-level message when verbose logging is enabled.
func (l *Logger) Debugf(format string, args ...any) {
	if l == nil || !l.verbose {
		return
	}
	l.std.Printf("[debug] "+format, args...)
}

// Infof logs an info-level message.
func (l *Logger) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.std.Printf("[info] "+format, args...)
}

// Warnf logs a warn-level message. Transient backend errors and skipped
// unparseable peer records are logged at this level.
func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.std.Printf(l.tag("warn", colorYellow)+format, args...)
}

// Errorf logs an error-level message. The reconciler logs address-in-use,
// address-allocation and other fatal tick errors at this level.
func (l *Logger) Errorf(format string, args ...any) {
	if l == nil {
		return
	}
	l.std.Printf(l.tag("error", colorRed)+format, args...)
}
