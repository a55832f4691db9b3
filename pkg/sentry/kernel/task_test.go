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

package kernel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	kipc "spindle.dev/spindle/pkg/sentry/kernel/ipc"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/pkg/waiter"
)

const (
	testBufferSize = 2 * 4096
	testMaxData    = 256
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k := &Kernel{}
	if err := k.Init(InitKernelArgs{}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(k.Destroy)
	return k
}

func newTestTask(t *testing.T, k *Kernel, name string) *Task {
	t.Helper()
	task, err := k.NewTask(name)
	if err != nil {
		t.Fatalf("NewTask(%q) failed: %v", name, err)
	}
	return task
}

// server is a task with a buffer and an endpoint to it published as the
// name service.
type server struct {
	*Task
	buf kobj.Handle
	ep  kobj.Handle
}

func newServer(t *testing.T, k *Kernel, tag uint64) *server {
	t.Helper()
	s := &server{Task: newTestTask(t, k, "server")}
	var err error
	if s.buf, err = s.CreateBuffer(testBufferSize, testMaxData); err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	if s.ep, err = s.CreateEndpoint(s.buf, tag, 0, 0, kipc.EndpointOptions{}); err != nil {
		t.Fatalf("CreateEndpoint failed: %v", err)
	}
	if err := s.NsSet(s.ep); err != nil {
		t.Fatalf("NsSet failed: %v", err)
	}
	return s
}

func connect(t *testing.T, task *Task) kobj.Handle {
	t.Helper()
	h, err := task.NsGet()
	if err != nil {
		t.Fatalf("NsGet failed: %v", err)
	}
	return h
}

func TestInit(t *testing.T) {
	var k Kernel
	if _, err := k.NewTask("early"); err == nil {
		t.Errorf("NewTask before Init succeeded")
	}
	if err := k.Init(InitKernelArgs{HandleLimit: -1}); err == nil {
		t.Errorf("Init with a negative limit succeeded")
	}
	if err := k.Init(InitKernelArgs{HandleLimit: 10}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := k.Init(InitKernelArgs{}); err == nil {
		t.Errorf("second Init succeeded")
	}
	task := newTestTask(t, &k, "task")
	if got := task.Table().Limit(); got != 10 {
		t.Errorf("table limit got %d, wanted 10", got)
	}
	k.Destroy()
	if n := k.Tasks(); n != 0 {
		t.Errorf("Tasks after Destroy got %d, wanted 0", n)
	}
}

func TestSendReceive(t *testing.T) {
	k := newTestKernel(t)
	const tag = 0x5a
	s := newServer(t, k, tag)
	c := newTestTask(t, k, "client")
	ep := connect(t, c)

	var msg ipc.Message
	msg.SetArg(0, 42, ipc.ArgVal)
	if err := c.Send(context.Background(), ep, msg, []byte("hello"), waiter.NoTimeout); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	rec, err := s.Receive(context.Background(), s.buf, waiter.NonBlocking)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	var want ipc.Message
	want.EndpointTag = tag
	want.SetArg(0, 42, ipc.ArgVal)
	if diff := cmp.Diff(want, rec.Message); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(rec.Data, []byte("hello")) {
		t.Errorf("data got %q, wanted %q", rec.Data, "hello")
	}
}

func TestSendOptional(t *testing.T) {
	k := newTestKernel(t)
	s := newServer(t, k, 1)
	c := newTestTask(t, k, "client")
	ep := connect(t, c)

	optional := bytes.Repeat([]byte{'x'}, 2*testMaxData)
	n, err := c.SendOptional(context.Background(), ep, ipc.Message{}, []byte("data"), optional, waiter.NoTimeout)
	if err != nil {
		t.Fatalf("SendOptional failed: %v", err)
	}
	if n == 0 || n > testMaxData-4 {
		t.Errorf("SendOptional wrote %d optional bytes, wanted between 1 and %d", n, testMaxData-4)
	}
	rec, err := s.Receive(context.Background(), s.buf, waiter.NonBlocking)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if got := uint64(len(rec.Optional)); got != n {
		t.Errorf("received %d optional bytes, wanted %d", got, n)
	}
}

func TestSendInvalid(t *testing.T) {
	k := newTestKernel(t)
	s := newServer(t, k, 1)
	c := newTestTask(t, k, "client")
	ep := connect(t, c)

	if err := c.Send(context.Background(), 99, ipc.Message{}, nil, waiter.NonBlocking); err != ipcerr.ErrNotFound {
		t.Errorf("Send on a missing handle got %v, wanted %v", err, ipcerr.ErrNotFound)
	}
	blob, err := c.CreateBlob([]byte("x"))
	if err != nil {
		t.Fatalf("CreateBlob failed: %v", err)
	}
	if err := c.Send(context.Background(), blob, ipc.Message{}, nil, waiter.NonBlocking); err != ipcerr.ErrNotFound {
		t.Errorf("Send on a blob got %v, wanted %v", err, ipcerr.ErrNotFound)
	}
	if err := c.Send(context.Background(), ep, ipc.Message{EndpointTag: 3}, nil, waiter.NonBlocking); err != ipcerr.ErrInvalidArgument {
		t.Errorf("Send with a tag got %v, wanted %v", err, ipcerr.ErrInvalidArgument)
	}
	big := make([]byte, testMaxData+1)
	if err := c.Send(context.Background(), ep, ipc.Message{}, big, waiter.NonBlocking); err != ipcerr.ErrInvalidArgument {
		t.Errorf("oversized Send got %v, wanted %v", err, ipcerr.ErrInvalidArgument)
	}
	if err := c.Send(context.Background(), ep, ipc.Message{}, big[:testMaxData], waiter.NonBlocking); err != nil {
		t.Errorf("Send at the size limit failed: %v", err)
	}
	if _, err := s.Receive(context.Background(), s.buf, waiter.NonBlocking); err != nil {
		t.Errorf("Receive failed: %v", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	k := newTestKernel(t)
	s := newServer(t, k, 1)

	start := time.Now()
	if _, err := s.Receive(context.Background(), s.buf, waiter.After(20*time.Millisecond)); err != ipcerr.ErrTimedOut {
		t.Fatalf("Receive on an empty buffer got %v, wanted %v", err, ipcerr.ErrTimedOut)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Receive timed out after %v, wanted at least 20ms", elapsed)
	}

	// The timed out read must not keep the buffer's read token.
	if err := s.Send(context.Background(), s.ep, ipc.Message{}, []byte("late"), waiter.NonBlocking); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	rec, err := s.Receive(context.Background(), s.buf, waiter.After(time.Second))
	if err != nil {
		t.Fatalf("Receive after timeout failed: %v", err)
	}
	if !bytes.Equal(rec.Data, []byte("late")) {
		t.Errorf("data got %q, wanted %q", rec.Data, "late")
	}
}

func TestTransferObjects(t *testing.T) {
	k := newTestKernel(t)
	s := newServer(t, k, 1)
	c := newTestTask(t, k, "client")
	ep := connect(t, c)

	keep, _ := c.CreateBlob([]byte("keep"))
	give, _ := c.CreateBlob([]byte("give"))
	var msg ipc.Message
	msg.SetArg(0, uint64(keep), ipc.ArgObject)
	msg.SetArg(1, uint64(give), ipc.ArgObjectAutodrop)
	if err := c.Send(context.Background(), ep, msg, nil, waiter.NonBlocking); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := c.ReadBlob(give, 0, 4); err != ipcerr.ErrNotFound {
		t.Errorf("autodrop handle still readable: got %v, wanted %v", err, ipcerr.ErrNotFound)
	}

	rec, err := s.Receive(context.Background(), s.buf, waiter.NonBlocking)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	for i, want := range []string{"keep", "give"} {
		if typ := rec.Message.ArgType(i); typ != ipc.ArgObject {
			t.Errorf("arg %d type got %v, wanted %v", i, typ, ipc.ArgObject)
			continue
		}
		got, err := s.ReadBlob(kobj.Handle(rec.Message.Arg(i)), 0, 4)
		if err != nil {
			t.Errorf("ReadBlob of arg %d failed: %v", i, err)
			continue
		}
		if string(got) != want {
			t.Errorf("arg %d blob got %q, wanted %q", i, got, want)
		}
	}
	if _, err := c.ReadBlob(keep, 0, 4); err != nil {
		t.Errorf("sender lost its handle: %v", err)
	}
}

func TestDeliveryRollback(t *testing.T) {
	k := newTestKernel(t)
	s := newServer(t, k, 1)
	c := newTestTask(t, k, "client")
	ep := connect(t, c)

	a, _ := c.CreateBlob([]byte("aaaa"))
	b, _ := c.CreateBlob([]byte("bbbb"))
	var msg ipc.Message
	msg.SetArg(0, uint64(a), ipc.ArgObject)
	msg.SetArg(1, uint64(b), ipc.ArgObject)
	if err := c.Send(context.Background(), ep, msg, nil, waiter.NonBlocking); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Room for one more entry only.
	before := s.Table().Handles()
	s.Table().SetLimit(len(before) + 1)
	if _, err := s.Receive(context.Background(), s.buf, waiter.NonBlocking); err != ipcerr.ErrNoMemory {
		t.Fatalf("Receive into a full table got %v, wanted %v", err, ipcerr.ErrNoMemory)
	}
	if diff := cmp.Diff(before, s.Table().Handles()); diff != "" {
		t.Errorf("receiver table changed (-want +got):\n%s", diff)
	}
	for _, h := range []kobj.Handle{a, b} {
		if _, err := c.ReadBlob(h, 0, 4); err != nil {
			t.Errorf("sender handle %d broken after failed delivery: %v", h, err)
		}
	}

	// The message stays queued until it can be delivered.
	s.Table().SetLimit(len(before) + 2)
	rec, err := s.Receive(context.Background(), s.buf, waiter.NonBlocking)
	if err != nil {
		t.Fatalf("Receive after raising the limit failed: %v", err)
	}
	for i, want := range []string{"aaaa", "bbbb"} {
		got, err := s.ReadBlob(kobj.Handle(rec.Message.Arg(i)), 0, 4)
		if err != nil || string(got) != want {
			t.Errorf("arg %d: ReadBlob got (%q, %v), wanted %q", i, got, err, want)
		}
	}
}

func TestReplyEndpoint(t *testing.T) {
	k := newTestKernel(t)
	s := newServer(t, k, 1)
	c := newTestTask(t, k, "client")
	ep := connect(t, c)

	var msg ipc.Message
	msg.SetArg(0, 77, ipc.ArgEndpoint1)
	if err := c.Send(context.Background(), ep, msg, nil, waiter.NonBlocking); err != ipcerr.ErrInvalidArgument {
		t.Errorf("Send without a reply buffer got %v, wanted %v", err, ipcerr.ErrInvalidArgument)
	}

	replies, err := c.CreateBuffer(testBufferSize, testMaxData)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	if err := c.SetReplyBuffer(replies); err != nil {
		t.Fatalf("SetReplyBuffer failed: %v", err)
	}
	if err := c.Send(context.Background(), ep, msg, nil, waiter.NonBlocking); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	req, err := s.Receive(context.Background(), s.buf, waiter.NonBlocking)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if typ := req.Message.ArgType(0); typ != ipc.ArgObject {
		t.Fatalf("reply argument type got %v, wanted %v", typ, ipc.ArgObject)
	}
	reply := kobj.Handle(req.Message.Arg(0))
	if err := s.Send(context.Background(), reply, ipc.Message{}, []byte("pong"), waiter.NonBlocking); err != nil {
		t.Fatalf("reply Send failed: %v", err)
	}
	if err := s.Drop(reply); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}

	rec, err := c.Receive(context.Background(), replies, waiter.NonBlocking)
	if err != nil {
		t.Fatalf("Receive of reply failed: %v", err)
	}
	if rec.Message.EndpointTag != 77 || !bytes.Equal(rec.Data, []byte("pong")) {
		t.Errorf("reply got tag %d data %q, wanted tag 77 data %q", rec.Message.EndpointTag, rec.Data, "pong")
	}
	rec, err = c.Receive(context.Background(), replies, waiter.NonBlocking)
	if err != nil {
		t.Fatalf("Receive of drop notice failed: %v", err)
	}
	if want := ipc.FlagObjectDropped | ipc.FlagAutomaticMessage; rec.Message.Flags != want || rec.Message.EndpointTag != 77 {
		t.Errorf("drop notice got flags %v tag %d, wanted flags %v tag 77", rec.Message.Flags, rec.Message.EndpointTag, want)
	}
}

func TestPendingEndpoint(t *testing.T) {
	k := newTestKernel(t)
	s := newServer(t, k, 1)

	big, err := s.CreateEndpoint(s.buf, 2, testBufferSize/2, 0, kipc.EndpointOptions{})
	if err != nil {
		t.Fatalf("CreateEndpoint failed: %v", err)
	}
	if _, err := s.CreateEndpoint(s.buf, 3, testBufferSize/2, 0, kipc.EndpointOptions{}); err != ipcerr.ErrReserveFailed {
		t.Errorf("CreateEndpoint over capacity got %v, wanted %v", err, ipcerr.ErrReserveFailed)
	}
	h, err := s.CreateEndpoint(s.buf, 3, testBufferSize/2, 0, kipc.EndpointOptions{AllowPending: true})
	if err != ipcerr.ErrReservePending {
		t.Fatalf("pending CreateEndpoint got %v, wanted %v", err, ipcerr.ErrReservePending)
	}
	if h == 0 {
		t.Fatalf("pending CreateEndpoint returned no handle")
	}

	if err := s.Drop(big); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	rec, err := s.Receive(context.Background(), s.buf, waiter.NonBlocking)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if want := ipc.FlagReservationReleased | ipc.FlagAutomaticMessage; rec.Message.Flags != want || rec.Message.EndpointTag != 3 {
		t.Errorf("grant notice got flags %v tag %d, wanted flags %v tag 3", rec.Message.Flags, rec.Message.EndpointTag, want)
	}
}

func TestHangup(t *testing.T) {
	k := newTestKernel(t)
	s := newServer(t, k, 1)
	c := newTestTask(t, k, "client")
	ep := connect(t, c)

	if err := s.Drop(s.buf); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if err := c.Send(context.Background(), ep, ipc.Message{}, nil, waiter.NoTimeout); err != ipcerr.ErrHangup {
		t.Errorf("Send to a destroyed buffer got %v, wanted %v", err, ipcerr.ErrHangup)
	}
}

func TestBlobs(t *testing.T) {
	k := newTestKernel(t)
	a := newTestTask(t, k, "a")
	if _, err := a.CreateBlob(make([]byte, ipc.BlobSizeLimit+1)); err != ipcerr.ErrLimitExceeded {
		t.Errorf("oversized CreateBlob got %v, wanted %v", err, ipcerr.ErrLimitExceeded)
	}
	h, err := a.CreateBlob([]byte("hello world"))
	if err != nil {
		t.Fatalf("CreateBlob failed: %v", err)
	}
	got, err := a.ReadBlob(h, 6, 5)
	if err != nil || string(got) != "world" {
		t.Errorf("ReadBlob got (%q, %v), wanted %q", got, err, "world")
	}
	if _, err := a.ReadBlob(h, 6, 6); err != ipcerr.ErrInvalidArgument {
		t.Errorf("ReadBlob past the end got %v, wanted %v", err, ipcerr.ErrInvalidArgument)
	}

	// Another holder loses access when the blob is destroyed.
	_, inner, err := a.CreateProxy(h)
	if err != nil {
		t.Fatalf("CreateProxy failed: %v", err)
	}
	if err := a.DestroyBlob(h); err != nil {
		t.Fatalf("DestroyBlob failed: %v", err)
	}
	if _, err := a.ReadBlob(inner, 0, 1); err != ipcerr.ErrInvalidArgument {
		t.Errorf("ReadBlob of a destroyed blob got %v, wanted %v", err, ipcerr.ErrInvalidArgument)
	}
	if err := a.DestroyBlob(h); err != ipcerr.ErrNotFound {
		t.Errorf("second DestroyBlob got %v, wanted %v", err, ipcerr.ErrNotFound)
	}
}

func TestProxy(t *testing.T) {
	k := newTestKernel(t)
	a := newTestTask(t, k, "a")
	h, _ := a.CreateBlob([]byte("secret"))
	outer, inner, err := a.CreateProxy(h)
	if err != nil {
		t.Fatalf("CreateProxy failed: %v", err)
	}
	if got, err := a.ReadBlob(inner, 0, 6); err != nil || string(got) != "secret" {
		t.Errorf("ReadBlob through proxy got (%q, %v), wanted %q", got, err, "secret")
	}
	if _, err := a.ReadBlob(outer, 0, 6); err != ipcerr.ErrNotFound {
		t.Errorf("ReadBlob of the outer handle got %v, wanted %v", err, ipcerr.ErrNotFound)
	}
	if err := a.InvalidateProxy(inner); err != ipcerr.ErrNotFound {
		t.Errorf("InvalidateProxy of the inner handle got %v, wanted %v", err, ipcerr.ErrNotFound)
	}
	if err := a.InvalidateProxy(outer); err != nil {
		t.Fatalf("InvalidateProxy failed: %v", err)
	}
	if _, err := a.ReadBlob(inner, 0, 6); err != ipcerr.ErrNotFound {
		t.Errorf("ReadBlob through invalidated proxy got %v, wanted %v", err, ipcerr.ErrNotFound)
	}
	if got, err := a.ReadBlob(h, 0, 6); err != nil || string(got) != "secret" {
		t.Errorf("ReadBlob of the original got (%q, %v), wanted %q", got, err, "secret")
	}
}

func TestProxyTableFull(t *testing.T) {
	k := &Kernel{}
	if err := k.Init(InitKernelArgs{HandleLimit: 2}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer k.Destroy()
	a := newTestTask(t, k, "a")
	h, _ := a.CreateBlob([]byte("x"))
	if _, _, err := a.CreateProxy(h); err != ipcerr.ErrLimitExceeded {
		t.Errorf("CreateProxy into a full table got %v, wanted %v", err, ipcerr.ErrLimitExceeded)
	}
	if n := a.Table().Count(); n != 1 {
		t.Errorf("table holds %d entries, wanted 1", n)
	}
}

func TestNameService(t *testing.T) {
	k := newTestKernel(t)
	a := newTestTask(t, k, "a")
	if _, err := a.NsGet(); err != ipcerr.ErrNotFound {
		t.Errorf("NsGet with no name service got %v, wanted %v", err, ipcerr.ErrNotFound)
	}
	if err := a.NsSet(5); err != ipcerr.ErrNotFound {
		t.Errorf("NsSet of a missing handle got %v, wanted %v", err, ipcerr.ErrNotFound)
	}
	h, _ := a.CreateBlob([]byte("ns"))
	if err := a.NsSet(h); err != nil {
		t.Fatalf("NsSet failed: %v", err)
	}
	a.Exit()

	b := newTestTask(t, k, "b")
	got, err := b.NsGet()
	if err != nil {
		t.Fatalf("NsGet failed: %v", err)
	}
	if data, err := b.ReadBlob(got, 0, 2); err != nil || string(data) != "ns" {
		t.Errorf("ReadBlob of name service got (%q, %v), wanted %q", data, err, "ns")
	}
}

func TestExitReleasesBuffers(t *testing.T) {
	k := newTestKernel(t)
	before := kipc.LiveBuffers()
	a := newTestTask(t, k, "a")
	h, err := a.CreateBuffer(testBufferSize, testMaxData)
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	if err := a.SetReplyBuffer(h); err != nil {
		t.Fatalf("SetReplyBuffer failed: %v", err)
	}
	if got := kipc.LiveBuffers(); got != before+1 {
		t.Errorf("LiveBuffers got %d, wanted %d", got, before+1)
	}
	a.Exit()
	a.Exit()
	if got := kipc.LiveBuffers(); got != before {
		t.Errorf("LiveBuffers after Exit got %d, wanted %d", got, before)
	}
	if n := k.Tasks(); n != 0 {
		t.Errorf("Tasks after Exit got %d, wanted 0", n)
	}
}
