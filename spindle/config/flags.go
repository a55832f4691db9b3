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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"spindle.dev/spindle/pkg/refs"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with settings for every flag not given on the command line.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %TIMESTAMP%, %COMMAND%, %PID%.")
	leakMode := refs.NoLeakChecking
	flagSet.Var(&leakMode, "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Flags that control the kernel objects commands create.
	flagSet.Uint64("buffer-size", 16*4096, "size of IPC buffers in bytes, rounded up to the page size.")
	flagSet.Uint64("max-message-len", 1024, "largest amount of data in bytes a message may carry.")
	flagSet.Int("handle-limit", 0, "number of handles a task may hold, 0 for the kernel default.")

	// Flags that control workloads.
	flagSet.Int("senders", 8, "number of concurrent senders.")
	flagSet.Int("messages", 1000, "number of messages each sender sends.")
	flagSet.Uint64("reserve", 0, "per-endpoint reservation in bytes for reserved senders, 0 for none.")
	flagSet.Duration("timeout", 30*time.Second, "time limit of a command.")
	flagSet.String("metrics-output", "", "file metrics are written to, default is stdout.")
}

// flagFields returns the index of the Config field of every flag.
func flagFields() map[string]int {
	st := reflect.TypeOf(Config{})
	fields := make(map[string]int)
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			fields[name] = i
		}
	}
	return fields
}

func setFromFlag(obj reflect.Value, i int, fl *flag.Flag) {
	getter, ok := fl.Value.(flag.Getter)
	if !ok {
		panic(fmt.Sprintf("Flag %q does not implement flag.Getter", fl.Name))
	}
	obj.Field(i).Set(reflect.ValueOf(getter.Get()))
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, if --config is given, the TOML file it names. Flags given on the command
// line take precedence over the file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	fields := flagFields()
	for name, i := range fields {
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		setFromFlag(obj, i, fl)
	}

	if conf.ConfigFile != "" {
		md, err := toml.DecodeFile(conf.ConfigFile, conf)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.ConfigFile, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown settings in config file %q: %v", conf.ConfigFile, undecoded)
		}
		flagSet.Visit(func(fl *flag.Flag) {
			if i, ok := fields[fl.Name]; ok {
				setFromFlag(obj, i, fl)
			}
		})
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
