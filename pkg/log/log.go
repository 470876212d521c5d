// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log implements a leveled logging package, used throughout this
// module in place of the standard library's log package.
package log

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the log level.
type Level int32

const (
	// Warning indicates that the message is a warning.
	Warning Level = iota

	// Info indicates that the message is informative.
	Info

	// Debug indicates that the message is a debugging message.
	Debug
)

// String returns a human-readable string for the level.
func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("invalid(%d)", l)
	}
}

// Emitter is a destination for log messages. Implementations may format
// the message however they see fit; depth is the number of stack frames to
// skip to find the logical caller, for implementations that report a
// file:line.
type Emitter interface {
	// Emit writes the given log message.
	Emit(depth int, level Level, timestamp time.Time, format string, v ...any)
}

// Writer writes log lines to Next, dropping (and counting) any lines that
// fail, and reporting the drop count the next time a write succeeds.
type Writer struct {
	// Next is the underlying writer.
	Next interface {
		Write([]byte) (int, error)
	}

	mu      sync.Mutex
	dropped int
}

// Write implements io.Writer.Write.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dropped > 0 {
		if _, err := w.Next.Write([]byte(fmt.Sprintf("\n*** Dropped %d log messages ***\n", w.dropped))); err == nil {
			w.dropped = 0
		}
	}

	n, err := w.Next.Write(p)
	if err != nil {
		w.dropped++
		return 0, err
	}
	return n, nil
}

// Logger is the interface to a levelled logger used throughout this module.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)
	IsLogging(level Level) bool
}

// BasicLogger is the standard implementation of Logger: an Emitter plus a
// threshold Level below which messages are dropped without formatting.
type BasicLogger struct {
	Level
	Emitter
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return atomic.LoadInt32((*int32)(&l.Level)) >= int32(level)
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	if l.IsLogging(Debug) {
		l.Emit(2, Debug, time.Now(), format, v...)
	}
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	if l.IsLogging(Info) {
		l.Emit(2, Info, time.Now(), format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	if l.IsLogging(Warning) {
		l.Emit(2, Warning, time.Now(), format, v...)
	}
}

var (
	logMu  sync.Mutex
	target Logger = &BasicLogger{Level: Info, Emitter: GoogleEmitter{Emitter: writerEmitter{}}}
)

// writerEmitter emits plain lines to stdout; used only as the zero-value
// default before SetTarget is called.
type writerEmitter struct{}

func (writerEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	fmt.Printf(format, v...)
}

// SetTarget sets the global logger target.
func SetTarget(logger Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	target = logger
}

// Log returns the global logger target.
func Log() Logger {
	logMu.Lock()
	defer logMu.Unlock()
	return target
}

// Debugf logs to the global logger at Debug level.
func Debugf(format string, v ...any) { Log().Debugf(format, v...) }

// Infof logs to the global logger at Info level.
func Infof(format string, v ...any) { Log().Infof(format, v...) }

// Warningf logs to the global logger at Warning level.
func Warningf(format string, v ...any) { Log().Warningf(format, v...) }

// IsLogging returns whether the global logger is logging at the given level.
func IsLogging(level Level) bool { return Log().IsLogging(level) }
