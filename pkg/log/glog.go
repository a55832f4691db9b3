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
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// where L is the level (D, I or W). The header is prepended to the format
// string, so the underlying emitter formats the whole line at once.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// glogTime is the timestamp layout of the header.
const glogTime = "0102 15:04:05.000000"

var levelChars = [...]byte{
	Warning: 'W',
	Info:    'I',
	Debug:   'D',
}

// pid is padded to seven columns like glog's thread IDs.
var pid = fmt.Sprintf("%7d", os.Getpid())

var headers = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 256)
		return &b
	},
}

// Emit emits the message, google-style.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	bp := headers.Get().(*[]byte)
	b := (*bp)[:0]

	c := byte('?')
	if int(level) < len(levelChars) {
		c = levelChars[level]
	}
	b = append(b, c)
	b = timestamp.AppendFormat(b, glogTime)
	b = append(b, ' ')
	b = append(b, pid...)
	b = append(b, ' ')
	b = appendCaller(b, depth+1)
	b = append(b, "] "...)
	b = append(b, format...)
	b = append(b, '\n')

	// Emitters format synchronously, so b may be reused once this returns.
	g.Emitter.Emit(depth+1, level, timestamp, unsafeString(b), args...)

	*bp = b
	headers.Put(bp)
}

// appendCaller appends the base name and line of the function depth frames
// above the caller of appendCaller.
func appendCaller(b []byte, depth int) []byte {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return append(b, "???:0"...)
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	b = append(b, file...)
	b = append(b, ':')
	return strconv.AppendInt(b, int64(line), 10)
}
