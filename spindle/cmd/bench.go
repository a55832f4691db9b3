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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/ipcb"
	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/sentry/kernel"
	kipc "spindle.dev/spindle/pkg/sentry/kernel/ipc"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/spindle/config"
)

// Bench implements subcommands.Command for the "bench" command.
type Bench struct {
	dataLen uint64
}

// Name implements subcommands.Command.Name.
func (*Bench) Name() string {
	return "bench"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Bench) Synopsis() string {
	return "measure message throughput into a single buffer"
}

// Usage implements subcommands.Command.Usage.
func (*Bench) Usage() string {
	return `bench [-data-len=<bytes>] - runs --senders tasks that each send --messages messages to one receiver

Every other sender gets an endpoint with a reservation of --reserve bytes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Bench) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&b.dataLen, "data-len", 0, "bytes of data per message, defaults to half of --max-message-len.")
}

// benchSender is one sending task and its view of the receiver.
type benchSender struct {
	task     *kernel.Task
	ep       kobj.Handle
	reserved bool

	// received counts messages the receiver got from this sender.
	received atomic.Uint64
}

// OnMessage implements ipcb.Handler.OnMessage.
func (s *benchSender) OnMessage(rec *kipc.Record) {
	if rec.Message.IsAutomatic() {
		// Reservation grants.
		return
	}
	s.received.Add(1)
}

// OnDestroy implements ipcb.Handler.OnDestroy.
func (s *benchSender) OnDestroy() {}

// Execute implements subcommands.Command.Execute.
func (b *Bench) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if b.dataLen == 0 {
		b.dataLen = conf.MaxMessageLen / 2
	}
	if b.dataLen > conf.MaxMessageLen {
		Fatalf("-data-len %d exceeds --max-message-len %d", b.dataLen, conf.MaxMessageLen)
	}

	res, err := runBench(ctx, conf, b.dataLen)
	if err != nil {
		Fatalf("bench: %v", err)
	}
	Infof("%d of %d messages received in %v (%.0f msg/s)", res.received, res.sent+res.hangups, res.elapsed, float64(res.received)/res.elapsed.Seconds())
	Infof("reserved senders: %d messages, unreserved senders: %d messages, hangups: %d", res.reserved, res.unreserved, res.hangups)
	return subcommands.ExitSuccess
}

type benchResult struct {
	sent       uint64
	received   uint64
	reserved   uint64
	unreserved uint64
	hangups    uint64
	elapsed    time.Duration
}

// runBench sends conf.Messages messages from each of conf.Senders tasks to a
// single receiving queue and waits until all of them are received.
func runBench(ctx context.Context, conf *config.Config, dataLen uint64) (*benchResult, error) {
	k, err := newKernel(conf)
	if err != nil {
		return nil, err
	}
	defer k.Destroy()

	ts, err := newTasks(k, "receiver")
	if err != nil {
		return nil, err
	}
	q, err := ipcb.NewQueue(ts[0], conf.BufferSize, conf.MaxMessageLen)
	if err != nil {
		return nil, fmt.Errorf("creating receive queue: %w", err)
	}
	defer q.Destroy()

	senders := make([]*benchSender, conf.Senders)
	for i := range senders {
		s := &benchSender{reserved: conf.Reserve > 0 && i%2 == 0}
		if s.task, err = k.NewTask(fmt.Sprintf("sender-%d", i)); err != nil {
			return nil, fmt.Errorf("creating sender: %w", err)
		}
		var reserve uint64
		if s.reserved {
			reserve = conf.Reserve
		}
		ep, _, err := q.NewEndpoint(s, reserve, kipc.EndpointOptions{AllowPending: true})
		if err != nil && err != ipcerr.ErrReservePending {
			return nil, fmt.Errorf("creating endpoint for sender %d: %w", i, err)
		}
		if s.ep, err = grant(q.Task(), s.task, ep); err != nil {
			return nil, err
		}
		if err := q.Task().Drop(ep); err != nil {
			return nil, fmt.Errorf("dropping receiver handle %d: %w", ep, err)
		}
		senders[i] = s
	}

	total := uint64(conf.Senders * conf.Messages)
	res := &benchResult{}
	var sent, hangups atomic.Uint64
	received := func() uint64 {
		var n uint64
		for _, s := range senders {
			n += s.received.Load()
		}
		return n
	}

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	var serving errgroup.Group
	serving.Go(func() error { return q.Serve(serveCtx) })

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	data := make([]byte, dataLen)
	for _, s := range senders {
		g.Go(func() error {
			for i := 0; i < conf.Messages; i++ {
				var msg ipc.Message
				msg.SetArg(0, uint64(i), ipc.ArgVal)
				switch err := ipcb.SendWithBackoff(gctx, s.task, s.ep, msg, data); err {
				case nil:
					sent.Add(1)
				case ipcerr.ErrHangup:
					hangups.Add(1)
				default:
					return fmt.Errorf("%v: send %d: %w", s.task, i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Wait for the receiver to catch up.
	for received() < sent.Load() {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%d of %d messages received: %w", received(), sent.Load(), ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
	res.elapsed = time.Since(start)
	stopServing()
	if err := serving.Wait(); err != nil {
		return nil, fmt.Errorf("serving: %w", err)
	}

	res.sent = sent.Load()
	res.hangups = hangups.Load()
	res.received = received()
	for _, s := range senders {
		if s.reserved {
			res.reserved += s.received.Load()
		} else {
			res.unreserved += s.received.Load()
		}
	}
	if res.sent+res.hangups != total {
		log.Warningf("Accounted for %d of %d messages", res.sent+res.hangups, total)
	}
	return res, nil
}
