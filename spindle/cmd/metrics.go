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

package cmd

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"

	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/metric"
	kipc "spindle.dev/spindle/pkg/sentry/kernel/ipc"
	"spindle.dev/spindle/spindle/config"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	skipWorkload bool
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run a short workload and export kernel metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-skip-workload] - prints kernel metrics in Prometheus text format to --metrics-output or stdout
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.skipWorkload, "skip-workload", false, "export metrics without running the workload first.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	if !m.skipWorkload {
		for _, s := range scenarios {
			if err := runScenario(ctx, conf, s); err != nil {
				log.Warningf("Scenario %q failed: %v", s.name, err)
			}
		}
		if _, err := runBench(ctx, conf, conf.MaxMessageLen/2); err != nil {
			log.Warningf("Bench failed: %v", err)
		}
	}
	log.Infof("%d IPC buffers alive", kipc.LiveBuffers())

	var w io.Writer = os.Stdout
	if conf.MetricsOutput != "" {
		out, err := os.Create(conf.MetricsOutput)
		if err != nil {
			Fatalf("creating metrics output: %v", err)
		}
		defer out.Close()
		w = out
	}
	if err := metric.WriteText(w); err != nil {
		Fatalf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
