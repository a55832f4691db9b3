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

// Package ipcb is the call layer built on top of IPC buffers and endpoints.
//
// A Queue owns a buffer and dispatches the messages arriving on it to
// Handlers by endpoint tag. Calls send a request carrying a return endpoint
// and wait for the reply to come back through the caller's queue.
package ipcb

import (
	"context"
	"fmt"
	"sync/atomic"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/sentry/kernel"
	kipc "spindle.dev/spindle/pkg/sentry/kernel/ipc"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/pkg/sync"
	"spindle.dev/spindle/pkg/waiter"
)

// Handler receives the messages sent through the endpoints of one tag.
type Handler interface {
	// OnMessage is called for every message. The handler owns the handles
	// in rec and must drop the ones it does not keep, see DropMessage.
	OnMessage(rec *kipc.Record)

	// OnDestroy is called once when no more messages will arrive for the
	// tag, after which the handler is unregistered.
	OnDestroy()
}

// HandlerFuncs adapts a pair of functions to Handler. Either may be nil.
type HandlerFuncs struct {
	Message func(rec *kipc.Record)
	Destroy func()
}

// OnMessage implements Handler.OnMessage.
func (h HandlerFuncs) OnMessage(rec *kipc.Record) {
	if h.Message != nil {
		h.Message(rec)
	}
}

// OnDestroy implements Handler.OnDestroy.
func (h HandlerFuncs) OnDestroy() {
	if h.Destroy != nil {
		h.Destroy()
	}
}

// Queue is a buffer owned by a task, with handlers for the tags of its
// endpoints.
type Queue struct {
	task *kernel.Task
	buf  kobj.Handle

	// gate is held by operations that send on behalf of the queue, and is
	// closed by Destroy.
	gate sync.Gate

	mu sync.Mutex

	// handlers maps endpoint tags to their handlers. Protected by mu.
	handlers map[uint64]Handler

	// lastTag is the last tag handed out. Tags are never reused.
	lastTag atomic.Uint64
}

// NewQueue creates a buffer for t and wraps it in a queue.
func NewQueue(t *kernel.Task, size, maxMessageLen uint64) (*Queue, error) {
	h, err := t.CreateBuffer(size, maxMessageLen)
	if err != nil {
		return nil, err
	}
	return &Queue{
		task:     t,
		buf:      h,
		handlers: make(map[uint64]Handler),
	}, nil
}

// Task returns the task that owns the queue.
func (q *Queue) Task() *kernel.Task {
	return q.task
}

// Handle returns the task's handle to the queue's buffer.
func (q *Queue) Handle() kobj.Handle {
	return q.buf
}

// UseForReplies makes the queue the buffer on which return endpoints of the
// task's calls are created. Calls through the queue require it.
func (q *Queue) UseForReplies() error {
	return q.task.SetReplyBuffer(q.buf)
}

// Register adds h under a new tag and returns the tag.
func (q *Queue) Register(h Handler) uint64 {
	tag := q.lastTag.Add(1)
	q.mu.Lock()
	q.handlers[tag] = h
	q.mu.Unlock()
	return tag
}

// Unregister removes the handler of tag. Messages still queued for it are
// dropped.
func (q *Queue) Unregister(tag uint64) {
	q.mu.Lock()
	delete(q.handlers, tag)
	q.mu.Unlock()
}

func (q *Queue) handler(tag uint64) Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[tag]
}

// NewEndpoint registers h and creates an endpoint with its tag. The endpoint
// reserves room for reserve bytes of data, see Task.CreateEndpoint.
func (q *Queue) NewEndpoint(h Handler, reserve uint64, opts kipc.EndpointOptions) (kobj.Handle, uint64, error) {
	tag := q.Register(h)
	ep, err := q.task.CreateEndpoint(q.buf, tag, reserve, 0, opts)
	if err != nil && err != ipcerr.ErrReservePending {
		q.Unregister(tag)
		return 0, 0, err
	}
	return ep, tag, err
}

// HandleMessage receives one message and passes it to the handler of its
// tag. Messages for unknown tags are dropped.
func (q *Queue) HandleMessage(ctx context.Context, d waiter.Deadline) error {
	rec, err := q.task.Receive(ctx, q.buf, d)
	if err != nil {
		return err
	}
	q.dispatch(&rec)
	return nil
}

func (q *Queue) dispatch(rec *kipc.Record) {
	tag := rec.Message.EndpointTag
	h := q.handler(tag)
	if h == nil {
		log.Debugf("Dropping message %v for unknown tag %#x", rec.Message.Flags, tag)
		DropMessage(q.task, rec)
		return
	}

	if rec.Message.IsAutomatic() && rec.Message.Flags&ipc.FlagObjectDropped != 0 {
		q.Unregister(tag)
		h.OnDestroy()
		return
	}

	// A sender may mark its last message as dropping the endpoint.
	dropped := rec.Message.Flags&ipc.FlagObjectDropped != 0
	rec.Message.Flags &^= ipc.FlagObjectDropped
	h.OnMessage(rec)
	if dropped {
		q.Unregister(tag)
		h.OnDestroy()
	}
}

// Serve handles messages until ctx is done or the buffer goes away. It
// returns nil once ctx is done.
func (q *Queue) Serve(ctx context.Context) error {
	for {
		err := q.HandleMessage(ctx, waiter.NoTimeout)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case ipcerr.IsResourceExhaustion(err):
			// The message stays queued, and nothing will change until the
			// task frees some handles.
			return fmt.Errorf("delivering message to %v: %w", q.task, err)
		default:
			return err
		}
	}
}

// Destroy waits for pending sends, makes every registered handler see its
// destruction and drops the queue's buffer.
func (q *Queue) Destroy() {
	q.gate.Close()

	q.mu.Lock()
	handlers := q.handlers
	q.handlers = make(map[uint64]Handler)
	q.mu.Unlock()
	for _, h := range handlers {
		h.OnDestroy()
	}

	if err := q.task.Drop(q.buf); err != nil {
		log.Warningf("Dropping queue buffer %d of %v: %v", q.buf, q.task, err)
	}
}

// DropMessage drops every handle carried by rec.
func DropMessage(t *kernel.Task, rec *kipc.Record) {
	for i := 0; i < ipc.MessageArgs; i++ {
		if rec.Message.ArgType(i) != ipc.ArgObject {
			continue
		}
		if h := kobj.Handle(rec.Message.Arg(i)); h != 0 {
			t.Drop(h)
		}
		rec.Message.ClearArg(i)
	}
}
