/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging renders the project's leveled, colored log lines behind a
// logr.Logger. Info is V(0), debug is V(1) and trace is V(2) or higher.
// Error with a nil error is printed at warn level.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// EnvLogLevel overrides the default level. It accepts a number (0 trace to
// 5 silent) or a level name.
const EnvLogLevel = "SHMREGION_LOG_LEVEL"

// Level is a log level. Lower levels are more verbose.
type Level int32

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNoPrint
)

var (
	level atomic.Int32

	magenta = string([]byte{27, 91, 57, 53, 109}) // Trace
	green   = string([]byte{27, 91, 57, 50, 109}) // Debug
	blue    = string([]byte{27, 91, 57, 52, 109}) // Info
	yellow  = string([]byte{27, 91, 57, 51, 109}) // Warn
	red     = string([]byte{27, 91, 57, 49, 109}) // Error
	reset   = string([]byte{27, 91, 48, 109})

	colors = []string{
		magenta,
		green,
		blue,
		yellow,
		red,
	}

	levelName = []string{
		"Trace",
		"Debug",
		"Info",
		"Warn",
		"Error",
	}
)

func init() {
	level.Store(int32(LevelWarn))
	if v := os.Getenv(EnvLogLevel); v != "" {
		if l, err := ParseLevel(v); err == nil {
			SetLevel(l)
		}
	}
}

// ParseLevel parses a numeric or named level.
func ParseLevel(s string) (Level, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < int(LevelTrace) || n > int(LevelNoPrint) {
			return 0, fmt.Errorf("log level %d out of range", n)
		}
		return Level(n), nil
	}
	for i, name := range levelName {
		if strings.EqualFold(name, s) {
			return Level(i), nil
		}
	}
	if strings.EqualFold(s, "none") || strings.EqualFold(s, "silent") {
		return LevelNoPrint, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// SetLevel changes the process-wide level. The default is warn.
func SetLevel(l Level) {
	if l >= LevelTrace && l <= LevelNoPrint {
		level.Store(int32(l))
	}
}

// CurrentLevel returns the process-wide level.
func CurrentLevel() Level {
	return Level(level.Load())
}

func (l Level) String() string {
	if l >= LevelTrace && l < LevelNoPrint {
		return levelName[l]
	}
	return "NoPrint"
}

type sink struct {
	name      string
	out       io.Writer
	mu        *sync.Mutex
	callDepth int
	values    []any
}

// New returns a logger named name that writes to out, stdout when nil.
func New(name string, out io.Writer) logr.Logger {
	if out == nil {
		out = os.Stdout
	}
	return logr.New(&sink{name: name, out: out, mu: &sync.Mutex{}})
}

// Default returns the process logger writing to stdout.
func Default() logr.Logger {
	return defaultLogger
}

var defaultLogger = New("shmregion", os.Stdout)

// OrDefault returns l, or the process logger when l is the zero Logger.
func OrDefault(l logr.Logger) logr.Logger {
	if l.GetSink() == nil {
		return defaultLogger
	}
	return l
}

func (s *sink) Init(info logr.RuntimeInfo) {
	s.callDepth = info.CallDepth
}

func vLevel(v int) Level {
	switch {
	case v <= 0:
		return LevelInfo
	case v == 1:
		return LevelDebug
	default:
		return LevelTrace
	}
}

func (s *sink) Enabled(v int) bool {
	return CurrentLevel() <= vLevel(v)
}

func (s *sink) Info(v int, msg string, kv ...any) {
	s.output(vLevel(v), msg, nil, kv)
}

func (s *sink) Error(err error, msg string, kv ...any) {
	if err == nil {
		if CurrentLevel() > LevelWarn {
			return
		}
		s.output(LevelWarn, msg, nil, kv)
		return
	}
	if CurrentLevel() > LevelError {
		return
	}
	s.output(LevelError, msg, err, kv)
}

func (s *sink) WithValues(kv ...any) logr.LogSink {
	c := *s
	c.values = append(append([]any(nil), s.values...), kv...)
	return &c
}

func (s *sink) WithName(name string) logr.LogSink {
	c := *s
	if c.name == "" {
		c.name = name
	} else {
		c.name = c.name + "/" + name
	}
	return &c
}

func (s *sink) WithCallDepth(depth int) logr.LogSink {
	c := *s
	c.callDepth += depth
	return &c
}

func (s *sink) output(l Level, msg string, err error, kv []any) {
	var buf bytes.Buffer
	buf.WriteString(s.prefix(l))
	buf.WriteString(msg)
	writeValues(&buf, s.values)
	writeValues(&buf, kv)
	if err != nil {
		buf.WriteString(" error=")
		buf.WriteString(strconv.Quote(err.Error()))
	}
	buf.WriteString(reset)
	buf.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, werr := s.out.Write(buf.Bytes()); werr != nil {
		fmt.Fprintf(os.Stderr, "logger write failed: %v\n", werr)
	}
}

func writeValues(buf *bytes.Buffer, kv []any) {
	for i := 0; i < len(kv); i += 2 {
		buf.WriteByte(' ')
		fmt.Fprint(buf, kv[i])
		buf.WriteByte('=')
		if i+1 < len(kv) {
			switch v := kv[i+1].(type) {
			case string:
				buf.WriteString(strconv.Quote(v))
			case error:
				buf.WriteString(strconv.Quote(v.Error()))
			default:
				fmt.Fprint(buf, v)
			}
		} else {
			buf.WriteString("<missing>")
		}
	}
}

func (s *sink) prefix(l Level) string {
	var buffer [64]byte
	buf := bytes.NewBuffer(buffer[:0])
	_, _ = buf.WriteString(colors[l])
	_, _ = buf.WriteString(levelName[l])
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(time.Now().Format("2006-01-02 15:04:05.999999"))
	_ = buf.WriteByte(' ')
	_, _ = buf.WriteString(s.location())
	_ = buf.WriteByte(' ')
	if s.name != "" {
		_, _ = buf.WriteString(s.name)
		_ = buf.WriteByte(' ')
	}
	return buf.String()
}

// location skips prefix, output, the sink method and the logr frames.
func (s *sink) location() string {
	_, file, line, ok := runtime.Caller(s.callDepth + 4)
	if !ok {
		file = "???"
		line = 0
	}
	file = filepath.Base(file)
	return file + ":" + strconv.Itoa(line)
}
