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

package ipcb

import (
	"context"
	"fmt"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/sentry/kernel"
	kipc "spindle.dev/spindle/pkg/sentry/kernel/ipc"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/pkg/sync"
	"spindle.dev/spindle/pkg/waiter"
)

// CallResult is the outcome of a call.
type CallResult int

const (
	// CallSuccess means the server answered.
	CallSuccess CallResult = iota

	// CallProtocolError means the server did not understand the request.
	CallProtocolError

	// CallHungup means the server dropped the return endpoint or died
	// before answering.
	CallHungup
)

// String implements fmt.Stringer.String.
func (r CallResult) String() string {
	switch r {
	case CallSuccess:
		return "success"
	case CallProtocolError:
		return "protocol error"
	case CallHungup:
		return "hung up"
	default:
		return fmt.Sprintf("CallResult(%d)", int(r))
	}
}

// PendingCall is a call whose request has been sent. It is the handler of
// the call's return endpoint.
type PendingCall struct {
	q           *Queue
	tag         uint64
	cancellable bool

	// done is closed when the return endpoint is gone.
	done     chan struct{}
	doneOnce sync.Once

	mu sync.Mutex

	// response is the reply, if one has arrived. Protected by mu.
	response *kipc.Record

	// status is the handle to the status capability of a cancellable call,
	// or 0. Protected by mu.
	status kobj.Handle

	// cancelled is set by Cancel. Protected by mu.
	cancelled bool
}

// OnMessage implements Handler.OnMessage.
func (c *PendingCall) OnMessage(rec *kipc.Record) {
	if c.cancellable && rec.Message.Flags&ipc.FlagStatus != 0 {
		c.setStatus(rec)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.response != nil {
		log.Debugf("Unexpected extra reply on %v tag %#x", c.q.task, c.tag)
		DropMessage(c.q.task, rec)
		return
	}
	c.response = rec
}

func (c *PendingCall) setStatus(rec *kipc.Record) {
	if rec.Message.ArgType(1) != ipc.ArgObject {
		log.Debugf("Invalid status message on %v tag %#x", c.q.task, c.tag)
		DropMessage(c.q.task, rec)
		return
	}
	h := kobj.Handle(rec.Message.Arg(1))
	rec.Message.ClearArg(1)
	DropMessage(c.q.task, rec)

	c.mu.Lock()
	assigned := c.status == 0 && !c.cancelled && c.response == nil
	if assigned {
		c.status = h
	}
	c.mu.Unlock()
	if !assigned {
		// Either a duplicate or the call is already over.
		c.q.task.Drop(h)
	}
}

// OnDestroy implements Handler.OnDestroy.
func (c *PendingCall) OnDestroy() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done returns a channel that is closed once the call is over.
func (c *PendingCall) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call is over and returns its result. On
// CallSuccess the reply's endpoint tag is cleared. If ctx is done first,
// Wait returns ctx.Err() and the call may be waited for again.
func (c *PendingCall) Wait(ctx context.Context) (kipc.Record, CallResult, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return kipc.Record{}, CallHungup, ctx.Err()
	}

	c.mu.Lock()
	rec := c.response
	status := c.status
	c.status = 0
	c.mu.Unlock()
	if status != 0 {
		c.q.task.Drop(status)
	}

	switch {
	case rec == nil:
		return kipc.Record{}, CallHungup, nil
	case rec.Message.Flags&ipc.FlagProtocolError != 0:
		return kipc.Record{}, CallProtocolError, nil
	}
	reply := *rec
	reply.Message.EndpointTag = 0
	return reply, CallSuccess, nil
}

// Cancel tells the server that the caller is no longer interested in the
// answer by dropping the status capability. If the status capability has
// not arrived yet, it is dropped on arrival. Cancel does not end the call:
// the server still answers or drops the return endpoint.
func (c *PendingCall) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	status := c.status
	c.status = 0
	c.mu.Unlock()
	if status != 0 {
		c.q.task.Drop(status)
	}
}

// StartCall sends msg with data through ep, with a return endpoint back to
// q in argument 0, which must be unused. q must be the task's reply queue,
// see UseForReplies, and someone must be serving it for the call to
// complete.
func (q *Queue) StartCall(ctx context.Context, ep kobj.Handle, msg ipc.Message, data []byte) (*PendingCall, error) {
	if msg.Flags&(ipc.FlagStatus|ipc.FlagProtocolError) != 0 {
		return nil, ipcerr.ErrInvalidArgument
	}
	return q.startCall(ctx, ep, msg, data, false)
}

// StartCallCancellable is like StartCall, but the server may send a status
// capability ahead of the answer, through which the call can be cancelled.
func (q *Queue) StartCallCancellable(ctx context.Context, ep kobj.Handle, msg ipc.Message, data []byte) (*PendingCall, error) {
	if msg.Flags&ipc.FlagProtocolError != 0 {
		return nil, ipcerr.ErrInvalidArgument
	}
	msg.Flags |= ipc.FlagStatus
	return q.startCall(ctx, ep, msg, data, true)
}

func (q *Queue) startCall(ctx context.Context, ep kobj.Handle, msg ipc.Message, data []byte, cancellable bool) (*PendingCall, error) {
	if msg.ArgType(0) != ipc.ArgNone && (msg.ArgType(0) != ipc.ArgVal || msg.Arg(0) != 0) {
		return nil, ipcerr.ErrInvalidArgument
	}
	if !q.gate.Enter() {
		return nil, ipcerr.ErrHangup
	}
	defer q.gate.Leave()

	c := &PendingCall{
		q:           q,
		cancellable: cancellable,
		done:        make(chan struct{}),
	}
	c.tag = q.Register(c)
	typ := ipc.ArgEndpoint1
	if cancellable {
		typ = ipc.ArgEndpoint2
	}
	msg.SetArg(0, c.tag, typ)
	if err := SendWithBackoff(ctx, q.task, ep, msg, data); err != nil {
		q.Unregister(c.tag)
		return nil, err
	}
	return c, nil
}

// Call makes a call and waits for its result.
func (q *Queue) Call(ctx context.Context, ep kobj.Handle, msg ipc.Message, data []byte) (kipc.Record, CallResult, error) {
	c, err := q.StartCall(ctx, ep, msg, data)
	if err != nil {
		return kipc.Record{}, CallHungup, err
	}
	return c.Wait(ctx)
}

// returnEndpoint returns the handle to the return endpoint of call.
func returnEndpoint(call *kipc.Record) (kobj.Handle, error) {
	if call.Message.ArgType(0) != ipc.ArgObject {
		return 0, ipcerr.ErrInvalidArgument
	}
	return kobj.Handle(call.Message.Arg(0)), nil
}

// Answer sends reply with data back to the caller of call, and drops the
// return endpoint.
func Answer(ctx context.Context, t *kernel.Task, call *kipc.Record, reply ipc.Message, data []byte) error {
	ret, err := returnEndpoint(call)
	if err != nil {
		return err
	}
	call.Message.ClearArg(0)
	defer t.Drop(ret)
	return t.Send(ctx, ret, reply, data, waiter.NoTimeout)
}

// AnswerProtocolError tells the caller of call that the request was not
// understood.
func AnswerProtocolError(ctx context.Context, t *kernel.Task, call *kipc.Record) error {
	return Answer(ctx, t, call, ipc.Message{Flags: ipc.FlagProtocolError}, nil)
}

// SendStatus passes the status capability status to the caller of a
// cancellable call. The caller drops it to cancel. status is removed from
// t's table.
func SendStatus(ctx context.Context, t *kernel.Task, call *kipc.Record, status kobj.Handle) error {
	if call.Message.Flags&ipc.FlagStatus == 0 {
		return ipcerr.ErrInvalidArgument
	}
	ret, err := returnEndpoint(call)
	if err != nil {
		return err
	}
	var msg ipc.Message
	msg.Flags = ipc.FlagStatus
	msg.SetArg(1, uint64(status), ipc.ArgObjectAutodrop)
	return t.Send(ctx, ret, msg, nil, waiter.NoTimeout)
}
