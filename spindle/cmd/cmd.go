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

// Package cmd holds implementations of the spindle commands.
package cmd

import (
	"fmt"
	"os"

	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/sentry/kernel"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/spindle/config"
)

// Fatalf logs the same message to the log and to stderr, then exits with a
// failure status.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// Infof logs to the log and prints the message to stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// newKernel returns an initialized kernel configured by conf.
func newKernel(conf *config.Config) (*kernel.Kernel, error) {
	k := &kernel.Kernel{}
	if err := k.Init(kernel.InitKernelArgs{HandleLimit: conf.HandleLimit}); err != nil {
		return nil, fmt.Errorf("initializing kernel: %w", err)
	}
	return k, nil
}

// newTasks creates one task per name.
func newTasks(k *kernel.Kernel, names ...string) ([]*kernel.Task, error) {
	tasks := make([]*kernel.Task, 0, len(names))
	for _, name := range names {
		t, err := k.NewTask(name)
		if err != nil {
			return nil, fmt.Errorf("creating task %q: %w", name, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// grant gives to its own handle to the object that from holds at h.
func grant(from, to *kernel.Task, h kobj.Handle) (kobj.Handle, error) {
	obj, err := from.Table().ShallowLookup(h)
	if err != nil {
		return 0, fmt.Errorf("looking up handle %d of %v: %w", h, from, err)
	}
	nh, err := to.Table().Insert(obj)
	if err != nil {
		obj.DecRef()
		return 0, fmt.Errorf("granting handle %d of %v to %v: %w", h, from, to, err)
	}
	return nh, nil
}
