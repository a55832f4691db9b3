// Copyright 2025 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for spindle. Each setting has a flag, and may also be set from a TOML file.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mohae/deepcopy"

	"spindle.dev/spindle/pkg/hostarch"
	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/refs"
	kipc "spindle.dev/spindle/pkg/sentry/kernel/ipc"
)

// Config holds configuration that is not part of a command's own flags.
type Config struct {
	// ConfigFile is a TOML file whose settings apply to every flag that is
	// not given on the command line.
	ConfigFile string `flag:"config" toml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFormat is the log format: text (glog style), json or logrus (logrus
	// JSON and text formatters).
	LogFormat string `flag:"log-format" toml:"log_format"`

	// DebugLog is the path to log debug information to, if not empty. The
	// variables %TIMESTAMP%, %COMMAND% and %PID% are replaced. A path ending
	// in a separator names a directory.
	DebugLog string `flag:"debug-log" toml:"debug_log"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode" toml:"ref_leak_mode"`

	// BufferSize is the size of the buffers commands create. It is rounded
	// up to the page size.
	BufferSize uint64 `flag:"buffer-size" toml:"buffer_size"`

	// MaxMessageLen is the largest amount of data a message may carry.
	MaxMessageLen uint64 `flag:"max-message-len" toml:"max_message_len"`

	// HandleLimit is the number of handles a task may hold. Zero selects the
	// kernel default.
	HandleLimit int `flag:"handle-limit" toml:"handle_limit"`

	// Senders is the number of concurrent senders in workloads.
	Senders int `flag:"senders" toml:"senders"`

	// Messages is the number of messages each sender sends.
	Messages int `flag:"messages" toml:"messages"`

	// Reserve is the per-endpoint reservation in bytes for reserved
	// senders. Zero makes every sender unreserved.
	Reserve uint64 `flag:"reserve" toml:"reserve"`

	// Timeout bounds the run time of a command.
	Timeout time.Duration `flag:"timeout" toml:"timeout"`

	// MetricsOutput is the file metrics are written to. Empty means stdout.
	MetricsOutput string `flag:"metrics-output" toml:"metrics_output"`
}

// Copy returns a deep copy of the config.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// MessageRecordLen returns the size a message of MaxMessageLen bytes takes
// up in a buffer.
func (c *Config) MessageRecordLen() uint64 {
	return c.MaxMessageLen + kipc.HeaderSize
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	if c.ReferenceLeak > refs.LeaksPanic {
		return fmt.Errorf("invalid ref-leak-mode %d", c.ReferenceLeak)
	}
	if c.BufferSize == 0 {
		return fmt.Errorf("buffer-size must be positive")
	}
	if c.MaxMessageLen == 0 {
		return fmt.Errorf("max-message-len must be positive")
	}
	size, ok := hostarch.PageRoundUp(c.BufferSize)
	if !ok {
		return fmt.Errorf("buffer-size %d is too large", c.BufferSize)
	}
	if c.MessageRecordLen() > size/2 {
		return fmt.Errorf("max-message-len %d does not fit twice in a buffer of %d bytes", c.MaxMessageLen, size)
	}
	if c.Reserve > size-c.MessageRecordLen() {
		return fmt.Errorf("reserve %d exceeds what a buffer of %d bytes can grant", c.Reserve, size)
	}
	if c.HandleLimit < 0 {
		return fmt.Errorf("handle-limit must not be negative, got %d", c.HandleLimit)
	}
	if c.Senders <= 0 || c.Messages <= 0 {
		return fmt.Errorf("senders and messages must be positive, got %d and %d", c.Senders, c.Messages)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", c.Timeout)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
