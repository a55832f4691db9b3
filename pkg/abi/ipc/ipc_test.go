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
	"testing"
)

func TestArgTypeEncoding(t *testing.T) {
	types := []ArgType{ArgNone, ArgVal, ArgEndpoint1, ArgEndpoint2, ArgObject, ArgObjectAutodrop, ArgKObject}
	for slot := 0; slot < MessageArgs; slot++ {
		for _, typ := range types {
			m := Message{Flags: FlagStatus | FlagProtocolError}
			// Fill every other slot so neighbours would be clobbered by a
			// wrong shift.
			for other := 0; other < MessageArgs; other++ {
				if other != slot {
					m.SetArg(other, uint64(100+other), ArgVal)
				}
			}
			m.SetArg(slot, 42, typ)

			if got := m.ArgType(slot); got != typ {
				t.Errorf("slot %d: ArgType got %v, wanted %v", slot, got, typ)
			}
			if got := m.Arg(slot); got != 42 {
				t.Errorf("slot %d: Arg got %d, wanted 42", slot, got)
			}
			for other := 0; other < MessageArgs; other++ {
				if other == slot {
					continue
				}
				if got := m.ArgType(other); got != ArgVal {
					t.Errorf("slot %d: neighbour %d type got %v, wanted %v", slot, other, got, ArgVal)
				}
			}
			if got, want := m.Control(), FlagStatus|FlagProtocolError; got != want {
				t.Errorf("slot %d: control flags got %v, wanted %v", slot, got, want)
			}
		}
	}
}

func TestArgTypeBitPositions(t *testing.T) {
	var m Message
	m.SetArg(0, 0, ArgVal)
	m.SetArg(5, 0, ArgObjectAutodrop)
	if want := MessageFlags(ArgVal) | MessageFlags(ArgObjectAutodrop)<<20; m.Flags != want {
		t.Errorf("flags got %#x, wanted %#x", uint64(m.Flags), uint64(want))
	}
	if m.Flags&^ArgTypesMask != 0 {
		t.Errorf("argument types leaked into control bits: %v", m.Flags)
	}
	m.ClearArg(5)
	if got := m.ArgType(5); got != ArgNone {
		t.Errorf("ArgType after ClearArg got %v, wanted %v", got, ArgNone)
	}
}

func TestMessageFlags2(t *testing.T) {
	f := MessageFlags2(FlagStatus, ArgEndpoint2, ArgVal)
	m := Message{Flags: f}
	if m.ArgType(0) != ArgEndpoint2 || m.ArgType(1) != ArgVal || m.Control() != FlagStatus {
		t.Errorf("MessageFlags2 got %v", f)
	}
}

func TestArgIndexOutOfRange(t *testing.T) {
	for _, i := range []int{-1, MessageArgs} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("ArgType(%d) did not panic", i)
				}
			}()
			var m Message
			m.ArgType(i)
		}()
	}
}

func TestValid(t *testing.T) {
	for _, tc := range []struct {
		typ  ArgType
		want bool
	}{
		{ArgNone, true},
		{ArgObjectAutodrop, true},
		{ArgKObject, false},
		{ArgType(9), false},
	} {
		if got := tc.typ.Valid(); got != tc.want {
			t.Errorf("%v.Valid() got %v, wanted %v", tc.typ, got, tc.want)
		}
	}
}

func TestFlagsString(t *testing.T) {
	m := Message{Flags: FlagAutomaticMessage | FlagObjectDropped}
	m.SetArg(1, 7, ArgVal)
	if got, want := m.Flags.String(), "arg1=Val|ObjectDropped|AutomaticMessage"; got != want {
		t.Errorf("String got %q, wanted %q", got, want)
	}
	if got, want := Retval(EHangup).String(), "hangup"; got != want {
		t.Errorf("String got %q, wanted %q", got, want)
	}
}
