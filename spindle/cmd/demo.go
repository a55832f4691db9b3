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
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/hostarch"
	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/sentry/kernel"
	kipc "spindle.dev/spindle/pkg/sentry/kernel/ipc"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/pkg/waiter"
	"spindle.dev/spindle/spindle/config"
)

const (
	// demoMaxData is the message data limit of buffers the demo creates.
	demoMaxData = 64

	// demoBufferSize is the size of buffers the demo creates.
	demoBufferSize = 2 * hostarch.PageSize

	// hangupBound is how long a writer may take to notice that its buffer
	// is gone.
	hangupBound = time.Second
)

// scenario is one self-checking walk through the IPC system calls.
type scenario struct {
	name string
	run  func(ctx context.Context, k *kernel.Kernel) error
}

var scenarios = []scenario{
	{"send-receive", demoSendReceive},
	{"reserved-send", demoReservedSend},
	{"destroy-wakes-writer", demoDestroyWakesWriter},
	{"receive-timeout", demoReceiveTimeout},
	{"delivery-rollback", demoDeliveryRollback},
	{"concurrent-revoke", demoConcurrentRevoke},
}

// Demo implements subcommands.Command for the "demo" command.
type Demo struct {
	only string
}

// Name implements subcommands.Command.Name.
func (*Demo) Name() string {
	return "demo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Demo) Synopsis() string {
	return "run self-checking IPC scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Demo) Usage() string {
	return `demo [-only=<scenario>] - runs each IPC scenario on a fresh kernel and reports the outcome
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Demo) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.only, "only", "", "run only the named scenario.")
}

// Execute implements subcommands.Command.Execute.
func (d *Demo) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	failed := 0
	ran := 0
	for _, s := range scenarios {
		if d.only != "" && d.only != s.name {
			continue
		}
		ran++
		if err := runScenario(ctx, conf, s); err != nil {
			failed++
			Infof("FAIL %s: %v", s.name, err)
			continue
		}
		Infof("ok   %s", s.name)
	}
	if ran == 0 {
		Fatalf("no scenario named %q", d.only)
	}
	if failed > 0 {
		log.Warningf("%d of %d scenarios failed", failed, ran)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func runScenario(ctx context.Context, conf *config.Config, s scenario) error {
	k, err := newKernel(conf)
	if err != nil {
		return err
	}
	defer k.Destroy()
	log.Debugf("Running scenario %q", s.name)
	return s.run(ctx, k)
}

// newBuffer creates a demo buffer and an endpoint to it in t's table.
func newBuffer(t *kernel.Task, tag, reserve uint64) (buf, ep kobj.Handle, err error) {
	if buf, err = t.CreateBuffer(demoBufferSize, demoMaxData); err != nil {
		return 0, 0, fmt.Errorf("CreateBuffer: %w", err)
	}
	if ep, err = t.CreateEndpoint(buf, tag, reserve, 0, kipc.EndpointOptions{}); err != nil {
		return 0, 0, fmt.Errorf("CreateEndpoint: %w", err)
	}
	return buf, ep, nil
}

// fill sends empty messages through ep until the buffer has no room left.
func fill(ctx context.Context, t *kernel.Task, ep kobj.Handle) (int, error) {
	for n := 0; ; n++ {
		switch err := t.Send(ctx, ep, ipc.Message{}, nil, waiter.NonBlocking); err {
		case nil:
		case ipcerr.ErrTimedOut:
			return n, nil
		default:
			return n, fmt.Errorf("Send while filling: %w", err)
		}
	}
}

func demoSendReceive(ctx context.Context, k *kernel.Kernel) error {
	ts, err := newTasks(k, "task")
	if err != nil {
		return err
	}
	t := ts[0]
	const tag = 0x5eed
	buf, ep, err := newBuffer(t, tag, 0)
	if err != nil {
		return err
	}

	var msg ipc.Message
	msg.SetArg(0, 42, ipc.ArgVal)
	if err := t.Send(ctx, ep, msg, nil, waiter.NonBlocking); err != nil {
		return fmt.Errorf("Send: %w", err)
	}
	rec, err := t.Receive(ctx, buf, waiter.NonBlocking)
	if err != nil {
		return fmt.Errorf("Receive: %w", err)
	}
	if rec.Message.EndpointTag != tag || rec.Message.ArgType(0) != ipc.ArgVal || rec.Message.Arg(0) != 42 {
		return fmt.Errorf("got tag %#x arg0 %v=%d, wanted tag %#x arg0 %v=42",
			rec.Message.EndpointTag, rec.Message.ArgType(0), rec.Message.Arg(0), uint64(tag), ipc.ArgVal)
	}
	return nil
}

func demoReservedSend(ctx context.Context, k *kernel.Kernel) error {
	ts, err := newTasks(k, "task")
	if err != nil {
		return err
	}
	t := ts[0]
	buf, general, err := newBuffer(t, 1, 0)
	if err != nil {
		return err
	}
	reserved, err := t.CreateEndpoint(buf, 2, 128, 0, kipc.EndpointOptions{})
	if err != nil {
		return fmt.Errorf("CreateEndpoint with a reservation: %w", err)
	}
	n, err := fill(ctx, t, general)
	if err != nil {
		return err
	}
	log.Debugf("Buffer full after %d messages", n)

	var msg ipc.Message
	msg.SetArg(0, 1, ipc.ArgVal)
	if err := t.Send(ctx, reserved, msg, nil, waiter.NonBlocking); err != nil {
		return fmt.Errorf("reserved Send on a full buffer: %w", err)
	}
	return nil
}

func demoDestroyWakesWriter(ctx context.Context, k *kernel.Kernel) error {
	ts, err := newTasks(k, "owner", "writer")
	if err != nil {
		return err
	}
	owner, writer := ts[0], ts[1]
	buf, ep, err := newBuffer(owner, 1, 0)
	if err != nil {
		return err
	}
	if _, err := fill(ctx, owner, ep); err != nil {
		return err
	}
	h, err := grant(owner, writer, ep)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- writer.Send(ctx, h, ipc.Message{}, nil, waiter.NoTimeout)
	}()
	// Give the writer time to block.
	time.Sleep(10 * time.Millisecond)
	if err := owner.Drop(buf); err != nil {
		return fmt.Errorf("Drop: %w", err)
	}

	select {
	case err := <-done:
		if err != ipcerr.ErrHangup {
			return fmt.Errorf("blocked Send got %v, wanted %v", err, ipcerr.ErrHangup)
		}
		return nil
	case <-time.After(hangupBound):
		return fmt.Errorf("blocked Send did not return within %v of the buffer being destroyed", hangupBound)
	}
}

func demoReceiveTimeout(ctx context.Context, k *kernel.Kernel) error {
	ts, err := newTasks(k, "task")
	if err != nil {
		return err
	}
	t := ts[0]
	buf, ep, err := newBuffer(t, 1, 0)
	if err != nil {
		return err
	}

	const timeout = 50 * time.Millisecond
	start := time.Now()
	if _, err := t.Receive(ctx, buf, waiter.After(timeout)); err != ipcerr.ErrTimedOut {
		return fmt.Errorf("Receive on an empty buffer got %v, wanted %v", err, ipcerr.ErrTimedOut)
	}
	if elapsed := time.Since(start); elapsed < timeout {
		return fmt.Errorf("Receive timed out after %v, before the %v deadline", elapsed, timeout)
	}

	if err := t.Send(ctx, ep, ipc.Message{}, nil, waiter.NonBlocking); err != nil {
		return fmt.Errorf("Send: %w", err)
	}
	if _, err := t.Receive(ctx, buf, waiter.NonBlocking); err != nil {
		return fmt.Errorf("Receive after a timeout: %w", err)
	}
	return nil
}

func demoDeliveryRollback(ctx context.Context, k *kernel.Kernel) error {
	ts, err := newTasks(k, "receiver", "sender")
	if err != nil {
		return err
	}
	receiver, sender := ts[0], ts[1]
	buf, ep, err := newBuffer(receiver, 1, 0)
	if err != nil {
		return err
	}
	if err := receiver.NsSet(ep); err != nil {
		return fmt.Errorf("NsSet: %w", err)
	}
	sep, err := sender.NsGet()
	if err != nil {
		return fmt.Errorf("NsGet: %w", err)
	}

	var msg ipc.Message
	var blobs [2]kobj.Handle
	for i := range blobs {
		if blobs[i], err = sender.CreateBlob([]byte{byte(i)}); err != nil {
			return fmt.Errorf("CreateBlob: %w", err)
		}
		msg.SetArg(i, uint64(blobs[i]), ipc.ArgObject)
	}
	if err := sender.Send(ctx, sep, msg, nil, waiter.NonBlocking); err != nil {
		return fmt.Errorf("Send: %w", err)
	}

	before := receiver.Table().Count()
	receiver.Table().SetLimit(before + 1)
	if _, err := receiver.Receive(ctx, buf, waiter.NonBlocking); err != ipcerr.ErrNoMemory {
		return fmt.Errorf("Receive into a full table got %v, wanted %v", err, ipcerr.ErrNoMemory)
	}
	if after := receiver.Table().Count(); after != before {
		return fmt.Errorf("receiver holds %d handles after a failed delivery, wanted %d", after, before)
	}
	for _, h := range blobs {
		if _, err := sender.ReadBlob(h, 0, 1); err != nil {
			return fmt.Errorf("sender handle %d after a failed delivery: %w", h, err)
		}
	}
	return nil
}

// demoConcurrentRevoke sends from many goroutines through endpoints while
// the buffer is destroyed under them.
func demoConcurrentRevoke(ctx context.Context, k *kernel.Kernel) error {
	const (
		senders    = 8
		iterations = 20
	)
	for i := 0; i < iterations; i++ {
		ts, err := newTasks(k, fmt.Sprintf("owner-%d", i))
		if err != nil {
			return err
		}
		owner := ts[0]
		buf, ep, err := newBuffer(owner, 1, 0)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		start := make(chan struct{})
		for s := 0; s < senders; s++ {
			g.Go(func() error {
				<-start
				for {
					switch err := owner.Send(gctx, ep, ipc.Message{}, nil, waiter.NonBlocking); err {
					case nil, ipcerr.ErrTimedOut:
						// Keep going until the buffer is gone.
					case ipcerr.ErrHangup:
						return nil
					default:
						return fmt.Errorf("Send during revoke: %w", err)
					}
				}
			})
		}
		close(start)
		time.Sleep(time.Millisecond)
		if err := owner.Drop(buf); err != nil {
			return fmt.Errorf("Drop: %w", err)
		}
		if err := g.Wait(); err != nil {
			return err
		}
		owner.Exit()
	}
	return nil
}
