// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package logging defines the leveled logger used by the archive engine.
package logging

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// L accepts logging data.
//
// L is designed to automatically conform to zap's zap.SugaredLogger, but is
// generic enough that any logger should be able to match it.
type L interface {
	// Error emits an error-level log.
	Error(args ...interface{})
	// Warn emits a warning-level log.
	Warn(args ...interface{})
	// Info emits an info-level log.
	Info(args ...interface{})
	// Debug emits a debug-level log.
	Debug(args ...interface{})

	// Errorf emits a formatted error-level log.
	Errorf(fmt string, args ...interface{})
	// Warnf emits a formatted warning-level log.
	Warnf(fmt string, args ...interface{})
	// Infof emits a formatted info-level log.
	Infof(fmt string, args ...interface{})
	// Debugf emits a formatted debug-level log.
	Debugf(fmt string, args ...interface{})
}

// Nop is a L instance that does nothing.
var Nop L = nopLogger{}

// Must ensures that a valid L is available. If l is not nil, it will be
// returned; otherwise, Must will return Nop.
func Must(l L) L {
	if l != nil {
		return l
	}
	return Nop
}

type nopLogger struct{}

func (nopLogger) Error(args ...interface{}) {}
func (nopLogger) Warn(args ...interface{})  {}
func (nopLogger) Info(args ...interface{})  {}
func (nopLogger) Debug(args ...interface{}) {}

func (nopLogger) Errorf(fmt string, args ...interface{}) {}
func (nopLogger) Warnf(fmt string, args ...interface{})  {}
func (nopLogger) Infof(fmt string, args ...interface{})  {}
func (nopLogger) Debugf(fmt string, args ...interface{}) {}

// Level is a log severity.
type Level int

const (
	// LevelDebug is the debug severity.
	LevelDebug Level = iota
	// LevelInfo is the info severity.
	LevelInfo
	// LevelWarn is the warning severity.
	LevelWarn
	// LevelError is the error severity.
	LevelError
)

var levelNames = [...]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel parses a level name, as returned by Level.String, in any case.
func ParseLevel(v string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(name, v) {
			return Level(i), nil
		}
	}
	return LevelInfo, errors.Errorf("unknown log level %q", v)
}

// Func is a L that forwards every message to a leveled callback.
//
// Formatting happens before the callback is invoked, so the callback only
// ever sees finished messages.
type Func func(level Level, msg string)

var _ L = Func(nil)

func (f Func) Error(args ...interface{}) { f(LevelError, fmt.Sprint(args...)) }
func (f Func) Warn(args ...interface{})  { f(LevelWarn, fmt.Sprint(args...)) }
func (f Func) Info(args ...interface{})  { f(LevelInfo, fmt.Sprint(args...)) }
func (f Func) Debug(args ...interface{}) { f(LevelDebug, fmt.Sprint(args...)) }

func (f Func) Errorf(format string, args ...interface{}) { f(LevelError, fmt.Sprintf(format, args...)) }
func (f Func) Warnf(format string, args ...interface{})  { f(LevelWarn, fmt.Sprintf(format, args...)) }
func (f Func) Infof(format string, args ...interface{})  { f(LevelInfo, fmt.Sprintf(format, args...)) }
func (f Func) Debugf(format string, args ...interface{}) { f(LevelDebug, fmt.Sprintf(format, args...)) }

// Filter returns a Func that forwards messages at or above min to f.
func (f Func) Filter(min Level) Func {
	return func(level Level, msg string) {
		if level >= min {
			f(level, msg)
		}
	}
}
