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

package ipc

import (
	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
)

// ValidateMessage checks a message a task wants to send. It returns
// ipcerr.ErrInvalidArgument if the endpoint tag is set, if an argument type
// is unknown or kernel-only, or if a protocol error carries any other flag.
func ValidateMessage(msg *ipc.Message) error {
	if msg.EndpointTag != 0 {
		return ipcerr.ErrInvalidArgument
	}
	if msg.Flags&ipc.FlagProtocolError != 0 && msg.Flags != ipc.FlagProtocolError {
		return ipcerr.ErrInvalidArgument
	}
	if msg.Flags&^(ipc.ArgTypesMask|ipc.ControlMask) != 0 {
		return ipcerr.ErrInvalidArgument
	}
	for i := 0; i < ipc.MessageArgs; i++ {
		if !msg.ArgType(i).Valid() {
			return ipcerr.ErrInvalidArgument
		}
	}
	return nil
}

// ProcessSend replaces the capability arguments of wd.Message with the kernel
// objects they name, so that wd can be written to a buffer:
//
//   - ipc.ArgEndpoint1 and ipc.ArgEndpoint2 create a new endpoint on reply,
//     tagged with the argument value and reserving room for one or two
//     replies. Its owner is notified when the endpoint is dropped.
//   - ipc.ArgObject takes a new reference to the object at the handle.
//   - ipc.ArgObjectAutodrop removes the handle from t and takes over its
//     reference.
//
// A handle that names nothing is ipcerr.ErrInvalidArgument. On failure every
// object gathered so far is dropped. Autodrop handles are only removed once
// nothing else can fail, except for invalid input, which leaves them in an
// unspecified state.
func ProcessSend(t *kobj.Table, reply *Buffer, wd *WriteData) error {
	if err := ValidateMessage(&wd.Message); err != nil {
		return err
	}

	msg := &wd.Message
	autodrop := false
	for i := 0; i < ipc.MessageArgs; i++ {
		var (
			obj kobj.Object
			err error
		)
		switch typ := msg.ArgType(i); typ {
		case ipc.ArgEndpoint1, ipc.ArgEndpoint2:
			obj, err = replyEndpoint(reply, msg.Arg(i), typ)
		case ipc.ArgObject:
			if obj, err = t.ShallowLookup(kobj.Handle(msg.Arg(i))); err != nil {
				err = ipcerr.ErrInvalidArgument
			}
		case ipc.ArgObjectAutodrop:
			// All allocations must be done before these are touched.
			autodrop = true
			continue
		default:
			continue
		}
		if err != nil {
			UnprocessSend(wd)
			return err
		}
		wd.Objects[i] = obj
		wd.replies[i] = msg.ArgType(i) != ipc.ArgObject
		msg.SetArg(i, 0, ipc.ArgKObject)
	}

	if !autodrop {
		return nil
	}
	for i := 0; i < ipc.MessageArgs; i++ {
		if msg.ArgType(i) != ipc.ArgObjectAutodrop {
			continue
		}
		obj, err := t.Remove(kobj.Handle(msg.Arg(i)))
		if err != nil {
			UnprocessSend(wd)
			return ipcerr.ErrInvalidArgument
		}
		wd.Objects[i] = obj
		msg.SetArg(i, 0, ipc.ArgKObject)
	}
	return nil
}

// replyEndpoint creates the endpoint through which the receiver of a message
// answers its sender.
func replyEndpoint(reply *Buffer, tag uint64, typ ipc.ArgType) (kobj.Object, error) {
	if reply == nil {
		return nil, ipcerr.ErrInvalidArgument
	}
	degree := uint64(1)
	if typ == ipc.ArgEndpoint2 {
		degree = 2
	}
	// NewEndpoint adds the header back.
	reserve := degree*reply.MaxMessageLen() - HeaderSize
	ep, _, err := NewEndpoint(reply, tag, reserve, 0, EndpointOptions{NotifyDropped: true})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// UnprocessSend drops the kernel objects that ProcessSend gathered into wd.
// Reply endpoints it created vanish without notifying their owner, as they
// were never seen by anyone.
func UnprocessSend(wd *WriteData) {
	for i, obj := range wd.Objects {
		if obj == nil {
			continue
		}
		if wd.replies[i] {
			obj.(*Endpoint).notifyDropped = false
			wd.replies[i] = false
		}
		wd.Objects[i] = nil
		wd.Message.ClearArg(i)
		obj.DecRef()
	}
}
