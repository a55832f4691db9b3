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

package log

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger passes at most one statement per interval to the logger
// returned by target. Statements it drops are counted and reported with the
// next one that gets through.
type rateLimitedLogger struct {
	target func() Logger
	limit  *rate.Limiter

	// suppressed counts statements dropped since the last one logged.
	suppressed atomic.Uint64
}

// allow reports whether a statement may be logged, and returns the format
// suffix that accounts for the statements dropped before it.
func (rl *rateLimitedLogger) allow(format string) (string, bool) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return "", false
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		format += fmt.Sprintf(" (%d similar messages suppressed)", n)
	}
	return format, true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	l := rl.target()
	if !l.IsLogging(Debug) {
		return
	}
	if format, ok := rl.allow(format); ok {
		l.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	l := rl.target()
	if !l.IsLogging(Info) {
		return
	}
	if format, ok := rl.allow(format); ok {
		l.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	l := rl.target()
	if format, ok := rl.allow(format); ok {
		l.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.target().IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration. The global logger is looked up
// on every statement, so the result may be created before SetTarget.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return newRateLimitedLogger(func() Logger { return Log() }, every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return newRateLimitedLogger(func() Logger { return logger }, every)
}

func newRateLimitedLogger(target func() Logger, every time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		target: target,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
