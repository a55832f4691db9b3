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
	"context"
	"fmt"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/cleanup"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/log"
	kipc "spindle.dev/spindle/pkg/sentry/kernel/ipc"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/pkg/sync"
	"spindle.dev/spindle/pkg/waiter"
)

// Task is a thread of execution. It owns a capability table, and its methods
// are the system calls that operate on it.
//
// Task methods may be called from any goroutine, but not concurrently with
// Exit.
type Task struct {
	k    *Kernel
	tid  ThreadID
	name string

	// table holds the task's capabilities. Immutable.
	table *kobj.Table

	mu sync.Mutex

	// reply is the buffer on which reply endpoints for the task's messages
	// are created, or nil. The task holds a reference. Protected by mu.
	reply *kipc.Buffer

	// exited is set by Exit. Protected by mu.
	exited bool
}

// String implements fmt.Stringer.String.
func (t *Task) String() string {
	return fmt.Sprintf("[%d:%s]", t.tid, t.name)
}

// Kernel returns the kernel the task belongs to.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// ThreadID returns the task's ID.
func (t *Task) ThreadID() ThreadID {
	return t.tid
}

// Name returns the name the task was created with.
func (t *Task) Name() string {
	return t.name
}

// Table returns the task's capability table.
func (t *Task) Table() *kobj.Table {
	return t.table
}

// Debugf logs a debug message prefixed with the task's identity.
func (t *Task) Debugf(format string, v ...any) {
	if log.IsLogging(log.Debug) {
		log.DebugfAtDepth(1, t.String()+" "+format, v...)
	}
}

// SetReplyBuffer makes the buffer at h the task's reply buffer. Passing
// handle 0 clears it.
func (t *Task) SetReplyBuffer(h kobj.Handle) error {
	syscalls.Increment("set_reply_buffer")
	var b *kipc.Buffer
	if h != 0 {
		obj, err := t.table.Lookup(h, kobj.TypeBuffer)
		if err != nil {
			return err
		}
		b = obj.(*kipc.Buffer)
	}

	t.mu.Lock()
	old := t.reply
	t.reply = b
	t.mu.Unlock()
	if old != nil {
		old.DecRef()
	}
	return nil
}

// replyBuffer returns a new reference to the reply buffer, or nil.
func (t *Task) replyBuffer() *kipc.Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reply == nil {
		return nil
	}
	t.reply.IncRef()
	return t.reply
}

// install inserts obj into the table, consuming the caller's reference
// whether or not it succeeds.
func (t *Task) install(obj kobj.Object) (kobj.Handle, error) {
	h, err := t.table.Insert(obj)
	if err != nil {
		obj.DecRef()
		return 0, err
	}
	return h, nil
}

// CreateBuffer creates a buffer of at least size bytes that accepts messages
// carrying up to maxMessageLen bytes of data.
func (t *Task) CreateBuffer(size, maxMessageLen uint64) (kobj.Handle, error) {
	syscalls.Increment("create_buffer")
	b, err := kipc.NewBuffer(size, maxMessageLen)
	if err != nil {
		return 0, err
	}
	h, err := t.install(b)
	if err != nil {
		return 0, err
	}
	t.Debugf("Created buffer %d: size %d, max message %d", h, b.Size(), b.MaxMessageLen())
	return h, nil
}

// CreateEndpoint creates an endpoint on the buffer at bufH. If the reservation
// could not be granted immediately and opts.AllowPending is set, the handle is
// returned together with ipcerr.ErrReservePending, and the buffer receives a
// reservation released message once it is granted.
func (t *Task) CreateEndpoint(bufH kobj.Handle, tag, reserve, maxLen uint64, opts kipc.EndpointOptions) (kobj.Handle, error) {
	syscalls.Increment("create_endpoint")
	obj, err := t.table.Lookup(bufH, kobj.TypeBuffer)
	if err != nil {
		return 0, err
	}
	defer obj.DecRef()

	ep, pending, err := kipc.NewEndpoint(obj.(*kipc.Buffer), tag, reserve, maxLen, opts)
	if err != nil {
		return 0, err
	}
	h, err := t.install(ep)
	if err != nil {
		return 0, err
	}
	if pending {
		return h, ipcerr.ErrReservePending
	}
	return h, nil
}

// Send sends msg with data through the endpoint at h.
func (t *Task) Send(ctx context.Context, h kobj.Handle, msg ipc.Message, data []byte, d waiter.Deadline) error {
	_, err := t.SendOptional(ctx, h, msg, data, nil, d)
	return err
}

// SendOptional sends msg with data and as much of optional as fits through
// the endpoint at h. It returns the number of optional bytes written.
//
// Capability arguments are resolved against the task's table. If the send
// fails, any reply endpoints it created are dropped silently and objects it
// took a reference to are released. Autodrop handles stay removed.
func (t *Task) SendOptional(ctx context.Context, h kobj.Handle, msg ipc.Message, data, optional []byte, d waiter.Deadline) (uint64, error) {
	syscalls.Increment("send")
	obj, err := t.table.Lookup(h, kobj.TypeEndpoint)
	if err != nil {
		return 0, err
	}
	defer obj.DecRef()
	ep := obj.(*kipc.Endpoint)

	reply := t.replyBuffer()
	if reply != nil {
		defer reply.DecRef()
	}

	wd := kipc.WriteData{
		Message:  msg,
		Data:     data,
		Optional: optional,
	}
	if err := kipc.ProcessSend(t.table, reply, &wd); err != nil {
		return 0, err
	}
	written, err := ep.Write(ctx, &wd, d)
	if err != nil {
		kipc.UnprocessSend(&wd)
		return 0, err
	}
	return written, nil
}

// Receive waits for a message on the buffer at h and consumes it. Kernel
// objects carried by the message are installed in the task's table, and
// their handles replace the arguments that carried them.
//
// If the objects cannot all be installed, Receive returns ipcerr.ErrNoMemory
// and the message stays at the head of the buffer.
func (t *Task) Receive(ctx context.Context, h kobj.Handle, d waiter.Deadline) (kipc.Record, error) {
	syscalls.Increment("receive")
	obj, err := t.table.Lookup(h, kobj.TypeBuffer)
	if err != nil {
		return kipc.Record{}, err
	}
	defer obj.DecRef()
	b := obj.(*kipc.Buffer)

	op := receiveLatency.Start()
	off, err := b.Read(ctx, d)
	if err != nil {
		op.Finish(retvalField(err))
		return kipc.Record{}, err
	}
	rec, err := b.Deliver(off, t.table)
	if err != nil {
		b.AbortRead()
		op.Finish(retvalField(err))
		return kipc.Record{}, err
	}
	b.EndRead()
	op.Finish(retvalField(nil))
	return rec, nil
}

// Drop removes the handle h and drops its reference.
func (t *Task) Drop(h kobj.Handle) error {
	syscalls.Increment("drop")
	return t.table.Put(h)
}

// CreateBlob creates an immutable blob holding a copy of data.
func (t *Task) CreateBlob(data []byte) (kobj.Handle, error) {
	syscalls.Increment("create_blob")
	b, err := kipc.NewBlob(data)
	if err != nil {
		return 0, err
	}
	return t.install(b)
}

// ReadBlob returns a copy of n bytes of the blob at h starting at off.
func (t *Task) ReadBlob(h kobj.Handle, off, n uint64) ([]byte, error) {
	syscalls.Increment("read_blob")
	obj, err := t.table.Lookup(h, kobj.TypeBlob)
	if err != nil {
		return nil, err
	}
	defer obj.DecRef()
	return obj.(*kipc.Blob).Read(off, n)
}

// DestroyBlob removes the handle h and releases the blob's contents, even if
// other tasks still hold it.
func (t *Task) DestroyBlob(h kobj.Handle) error {
	syscalls.Increment("destroy_blob")
	obj, err := t.table.Lookup(h, kobj.TypeBlob)
	if err != nil {
		return err
	}
	defer obj.DecRef()
	if err := t.table.Put(h); err != nil {
		return err
	}
	obj.(*kipc.Blob).Destroy()
	return nil
}

// CreateProxy wraps the object at h in a proxy. The inner handle stands in
// for the object and may be passed on. The outer handle controls the proxy:
// once it is invalidated, the inner handle no longer names anything.
func (t *Task) CreateProxy(h kobj.Handle) (outer, inner kobj.Handle, err error) {
	syscalls.Increment("create_proxy")
	obj, err := t.table.ShallowLookup(h)
	if err != nil {
		return 0, 0, err
	}
	p := kobj.NewProxy(obj)
	cu := cleanup.Make(p.DecRef)
	defer cu.Clean()
	ref := p.Inner()
	cu.Add(ref.DecRef)

	hs, err := t.table.InsertAll([]kobj.Object{p, ref})
	if err != nil {
		return 0, 0, err
	}
	cu.Release()
	return hs[0], hs[1], nil
}

// InvalidateProxy revokes the proxy whose outer handle is h.
func (t *Task) InvalidateProxy(h kobj.Handle) error {
	syscalls.Increment("invalidate_proxy")
	obj, err := t.table.Lookup(h, kobj.TypeProxyOuter)
	if err != nil {
		return err
	}
	defer obj.DecRef()
	obj.(*kobj.Proxy).Invalidate()
	return nil
}

// NsSet makes the object at h the kernel's root name service.
func (t *Task) NsSet(h kobj.Handle) error {
	syscalls.Increment("ns_set")
	obj, err := t.table.ShallowLookup(h)
	if err != nil {
		return err
	}
	t.k.setNameService(obj)
	t.Debugf("Set name service to handle %d", h)
	return nil
}

// NsGet installs a handle to the kernel's root name service. It returns
// ipcerr.ErrNotFound if none has been set.
func (t *Task) NsGet() (kobj.Handle, error) {
	syscalls.Increment("ns_get")
	obj := t.k.getNameService()
	if obj == nil {
		return 0, ipcerr.ErrNotFound
	}
	return t.install(obj)
}

// Exit releases the task's capabilities and removes it from the kernel. It
// is safe to call more than once.
func (t *Task) Exit() {
	t.mu.Lock()
	if t.exited {
		t.mu.Unlock()
		return
	}
	t.exited = true
	reply := t.reply
	t.reply = nil
	t.mu.Unlock()

	t.table.Release()
	if reply != nil {
		reply.DecRef()
	}
	t.k.removeTask(t)
	t.Debugf("Exited")
}
