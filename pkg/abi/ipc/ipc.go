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

// Package ipc contains the message ABI shared by the kernel and its users:
// argument type tags, message flags and result codes.
package ipc

import (
	"fmt"
	"strings"
)

const (
	// MessageArgs is the number of argument slots in every message.
	MessageArgs = 6

	// BlobSizeLimit is the largest blob that may be created.
	BlobSizeLimit = 65536
)

// ArgType is the type tag of a single message argument.
type ArgType uint8

// Argument types.
const (
	// ArgNone marks an unused slot.
	ArgNone ArgType = iota

	// ArgVal is a plain integer, copied verbatim.
	ArgVal

	// ArgEndpoint1 carries an endpoint tag. A new endpoint with this tag and
	// a reservation for one message is created on the sender's reply buffer
	// and sent in its place. The sender never gets a handle to it.
	ArgEndpoint1

	// ArgEndpoint2 is like ArgEndpoint1 with a reservation for two messages.
	ArgEndpoint2

	// ArgObject is a capability handle. The receiver gets its own handle to
	// the same object.
	ArgObject

	// ArgObjectAutodrop is a capability handle that is removed from the
	// sender's table as part of the send.
	ArgObjectAutodrop

	// ArgKObject is a kernel object in flight. It never appears in messages
	// exchanged with tasks.
	ArgKObject
)

var argTypeNames = [...]string{
	ArgNone:           "None",
	ArgVal:            "Val",
	ArgEndpoint1:      "Endpoint1",
	ArgEndpoint2:      "Endpoint2",
	ArgObject:         "Object",
	ArgObjectAutodrop: "ObjectAutodrop",
	ArgKObject:        "KObject",
}

// String implements fmt.Stringer.String.
func (t ArgType) String() string {
	if int(t) < len(argTypeNames) {
		return argTypeNames[t]
	}
	return fmt.Sprintf("ArgType(%d)", uint8(t))
}

// Valid returns true if t may appear in a message sent by a task.
func (t ArgType) Valid() bool {
	return t <= ArgObjectAutodrop
}

// MessageFlags is the flags word of a message.
//
//	|  0 |  1 |  2 |  3 |  4 |  5 |  6 |  7 |  8 |  9 | 10 | 11 |
//	|  ARG0_TYPE        |  ARG1_TYPE        |  ARG2_TYPE        |
//
//	| 12 | 13 | 14 | 15 | 16 | 17 | 18 | 19 | 20 | 21 | 22 | 23 |
//	|  ARG3_TYPE        |  ARG4_TYPE        |  ARG5_TYPE        |
//
//	| 24 | 25 | 26 | 27 | 28 | 29 | 30 | 31 |
//	| PE | RR | OD | ST | AM |
type MessageFlags uint64

// Control flags.
const (
	// FlagProtocolError is set in a reply if the server did not recognize
	// the request.
	FlagProtocolError MessageFlags = 1 << 24

	// FlagReservationReleased marks the automatic message a buffer sends to
	// itself when a pending reservation has been granted.
	FlagReservationReleased MessageFlags = 1 << 25

	// FlagObjectDropped marks the automatic message sent to an endpoint's
	// owner when the last reference to the endpoint is gone.
	FlagObjectDropped MessageFlags = 1 << 26

	// FlagStatus is set in a request if the caller wants a status endpoint,
	// and in a reply that carries one instead of the final result.
	FlagStatus MessageFlags = 1 << 27

	// FlagAutomaticMessage is set on every message synthesized by the kernel.
	FlagAutomaticMessage MessageFlags = 1 << 28

	// ArgTypesMask covers the argument type tags.
	ArgTypesMask MessageFlags = 1<<(4*MessageArgs) - 1

	// ControlMask covers the control flags.
	ControlMask = FlagProtocolError | FlagReservationReleased | FlagObjectDropped | FlagStatus | FlagAutomaticMessage
)

var flagNames = []struct {
	flag MessageFlags
	name string
}{
	{FlagProtocolError, "ProtocolError"},
	{FlagReservationReleased, "ReservationReleased"},
	{FlagObjectDropped, "ObjectDropped"},
	{FlagStatus, "Status"},
	{FlagAutomaticMessage, "AutomaticMessage"},
}

// String implements fmt.Stringer.String.
func (f MessageFlags) String() string {
	var parts []string
	for i := 0; i < MessageArgs; i++ {
		if t := ArgType((f >> (4 * i)) & 0xf); t != ArgNone {
			parts = append(parts, fmt.Sprintf("arg%d=%s", i, t))
		}
	}
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	if rest := f &^ (ArgTypesMask | ControlMask); rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint64(rest)))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// Message is one IPC datagram.
//
// +stateify savable
type Message struct {
	// EndpointTag is zero when sending. On receipt it holds the tag of the
	// endpoint the message was sent through.
	EndpointTag uint64

	// Flags holds the argument types and control flags.
	Flags MessageFlags

	// Args are the argument values. Their meaning depends on the type tag.
	Args [MessageArgs]uint64
}

func checkArg(i int) {
	if i < 0 || i >= MessageArgs {
		panic(fmt.Sprintf("message argument index %d out of range", i))
	}
}

// ArgType returns the type of argument i.
func (m *Message) ArgType(i int) ArgType {
	checkArg(i)
	return ArgType((m.Flags >> (uint(i) << 2)) & 0xf)
}

// Arg returns the value of argument i.
func (m *Message) Arg(i int) uint64 {
	checkArg(i)
	return m.Args[i]
}

// SetArg sets argument i to val with the given type.
func (m *Message) SetArg(i int, val uint64, t ArgType) {
	checkArg(i)
	if t&0xf != t {
		panic(fmt.Sprintf("argument type %d does not fit in the type field", t))
	}
	shift := uint(i) << 2
	m.Flags &^= 0xf << shift
	m.Flags |= MessageFlags(t) << shift
	m.Args[i] = val
}

// ClearArg resets argument i to ArgNone.
func (m *Message) ClearArg(i int) {
	m.SetArg(i, 0, ArgNone)
}

// Control returns the control flags of the message.
func (m *Message) Control() MessageFlags {
	return m.Flags & ControlMask
}

// IsAutomatic returns true if the message was synthesized by the kernel.
func (m *Message) IsAutomatic() bool {
	return m.Flags&FlagAutomaticMessage != 0
}

// MessageFlags2 builds a flags word with the types of the first two
// arguments filled in.
func MessageFlags2(flags MessageFlags, t0, t1 ArgType) MessageFlags {
	return flags | MessageFlags(t0) | MessageFlags(t1)<<4
}

// Retval is the closed set of results of an IPC operation.
type Retval int

// Result codes.
const (
	Success Retval = iota
	ReservePending
	ETimedOut
	ENoMemory
	ELimitExceeded
	EInterrupted
	EInvalidArgument
	EMemoryFault
	EReserveFailed
	EHangup
	ENotFound
)

var retvalNames = [...]string{
	Success:          "success",
	ReservePending:   "reserve pending",
	ETimedOut:        "timed out",
	ENoMemory:        "no memory",
	ELimitExceeded:   "limit exceeded",
	EInterrupted:     "interrupted",
	EInvalidArgument: "invalid argument",
	EMemoryFault:     "memory fault",
	EReserveFailed:   "reserve failed",
	EHangup:          "hangup",
	ENotFound:        "not found",
}

// String implements fmt.Stringer.String.
func (r Retval) String() string {
	if r >= 0 && int(r) < len(retvalNames) {
		return retvalNames[r]
	}
	return fmt.Sprintf("Retval(%d)", int(r))
}
