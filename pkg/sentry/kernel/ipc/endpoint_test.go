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
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/waiter"
)

// fillExact fills the empty buffer to the last byte.
func fillExact(t *testing.T, ep *Endpoint) {
	t.Helper()
	n := fill(t, ep)
	rest := testSize - n*testRecord - HeaderSize
	if err := write(t, ep, make([]byte, rest), waiter.NonBlocking); err != nil {
		t.Fatalf("Write of last %d bytes failed: %v", rest, err)
	}
	b := ep.buf.Get()
	if b == nil {
		t.Fatalf("endpoint lost its buffer")
	}
	defer ep.buf.Release(b)
	if l := checkLayout(t, b); l.TailTop != testSize {
		t.Fatalf("buffer not full: %+v", l)
	}
}

func TestEndpointLimits(t *testing.T) {
	b := newTestBuffer(t)
	defer b.DecRef()

	for _, tc := range []struct {
		name    string
		reserve uint64
		maxLen  uint64
		opts    EndpointOptions
		wantErr error
	}{
		{"defaults", 0, 0, EndpointOptions{}, nil},
		{"buffer max", testMaxData, testMaxData, EndpointOptions{}, nil},
		{"over buffer max", 0, testMaxData + 1, EndpointOptions{}, ipcerr.ErrInvalidArgument},
		{"huge reservation", 4000, 0, EndpointOptions{}, ipcerr.ErrReserveFailed},
		{"huge pending reservation", 4000, 0, EndpointOptions{AllowPending: true}, ipcerr.ErrReserveFailed},
		{"overflow", 1 << 63, 0, EndpointOptions{}, ipcerr.ErrInvalidArgument},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ep, pending, err := NewEndpoint(b, 1, tc.reserve, tc.maxLen, tc.opts)
			if err != tc.wantErr || pending {
				t.Fatalf("NewEndpoint got pending %v, err %v, wanted %v", pending, err, tc.wantErr)
			}
			if ep != nil {
				ep.DecRef()
			}
			if l := checkLayout(t, b); l.TailRes != 0 || l.PrefixRes != 0 {
				t.Errorf("reservation left behind: %+v", l)
			}
		})
	}
}

func TestEndpointLimitUnaligned(t *testing.T) {
	const maxData = 60
	b, err := NewBuffer(testSize, maxData)
	if err != nil {
		t.Fatalf("NewBuffer(%d, %d) failed: %v", testSize, maxData, err)
	}
	defer b.DecRef()

	for _, maxLen := range []uint64{maxData + 1, maxData + 4} {
		if _, _, err := NewEndpoint(b, 1, 0, maxLen, EndpointOptions{}); err != ipcerr.ErrInvalidArgument {
			t.Errorf("NewEndpoint with limit %d got %v, wanted %v", maxLen, err, ipcerr.ErrInvalidArgument)
		}
	}

	for _, maxLen := range []uint64{0, maxData} {
		ep, _, err := NewEndpoint(b, 1, 0, maxLen, EndpointOptions{})
		if err != nil {
			t.Fatalf("NewEndpoint with limit %d failed: %v", maxLen, err)
		}
		if err := write(t, ep, make([]byte, maxData+1), waiter.NonBlocking); err != ipcerr.ErrInvalidArgument {
			t.Errorf("limit %d: Write of %d bytes got %v, wanted %v", maxLen, maxData+1, err, ipcerr.ErrInvalidArgument)
		}
		if err := write(t, ep, make([]byte, maxData), waiter.NonBlocking); err != nil {
			t.Errorf("limit %d: Write of %d bytes failed: %v", maxLen, maxData, err)
		}
		if rec := readOne(t, b, waiter.NonBlocking); len(rec.Data) != maxData {
			t.Errorf("limit %d: read %d bytes, wanted %d", maxLen, len(rec.Data), maxData)
		}
		ep.DecRef()
	}
}

func TestZeroReservation(t *testing.T) {
	b := newTestBuffer(t)
	defer b.DecRef()
	ep := newTestEndpoint(t, b, 1, 0)
	defer ep.DecRef()
	if l := b.Layout(); l.GenCounter != 0 || l.TailRes != 0 || ep.Reservation() != 0 {
		t.Errorf("zero reservation changed layout %+v, reservation %d", l, ep.Reservation())
	}
}

func TestReservedWriteNeverBlocks(t *testing.T) {
	b := newTestBuffer(t)
	defer b.DecRef()
	reserved := newTestEndpoint(t, b, 1, testMaxData)
	defer reserved.DecRef()
	if got := reserved.Reservation(); got != testRecord {
		t.Errorf("Reservation got %d, wanted %d", got, testRecord)
	}
	other := newTestEndpoint(t, b, 2, 0)
	defer other.DecRef()

	if got, want := fill(t, other), (testSize-testRecord)/testRecord; got != want {
		t.Errorf("filled with %d messages, wanted %d", got, want)
	}

	done := make(chan error, 1)
	go func() {
		done <- write(t, reserved, make([]byte, testMaxData), waiter.NoTimeout)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("reserved Write got %v, wanted nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("reserved Write blocked")
	}

	// The reservation was one-shot.
	if got := reserved.Reservation(); got != 0 {
		t.Errorf("Reservation after use got %d, wanted 0", got)
	}
	if err := write(t, reserved, make([]byte, testMaxData), waiter.NonBlocking); err != ipcerr.ErrTimedOut {
		t.Errorf("second Write got %v, wanted %v", err, ipcerr.ErrTimedOut)
	}
	if l := checkLayout(t, b); l.TailRes != 0 {
		t.Errorf("TailRes got %d, wanted 0", l.TailRes)
	}
}

func TestReservationTooSmallIsReturned(t *testing.T) {
	b := newTestBuffer(t)
	defer b.DecRef()
	ep := newTestEndpoint(t, b, 1, 8)
	defer ep.DecRef()
	if l := b.Layout(); l.TailRes != HeaderSize+8 {
		t.Fatalf("TailRes got %d, wanted %d", l.TailRes, HeaderSize+8)
	}

	if err := write(t, ep, make([]byte, 100), waiter.NoTimeout); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if l := checkLayout(t, b); l.TailRes != 0 || ep.Reservation() != 0 {
		t.Errorf("unused reservation not returned: %+v", l)
	}
}

func TestPrefixReservationMovesToTail(t *testing.T) {
	b := newTestBuffer(t)
	defer b.DecRef()
	filler := newTestEndpoint(t, b, 1, 0)
	defer filler.DecRef()

	n := fill(t, filler)
	for i := 0; i < 3; i++ {
		readOne(t, b, waiter.NonBlocking)
	}

	ep := newTestEndpoint(t, b, 2, 100)
	defer ep.DecRef()
	const reserve = 192
	l := checkLayout(t, b)
	if l.PrefixRes != reserve || l.GenCounter != 1 || ep.gen != 1 {
		t.Fatalf("got layout %+v, generation %d, wanted a prefix reservation of %d", l, ep.gen, reserve)
	}

	for i := 3; i < n; i++ {
		readOne(t, b, waiter.NonBlocking)
	}
	l = checkLayout(t, b)
	if l.PrefixRes != 0 || l.TailRes != reserve || l.PrefixGen != 1 {
		t.Fatalf("got layout %+v after draining the tail, wanted a tail reservation of %d", l, reserve)
	}

	if err := write(t, ep, make([]byte, reserve-HeaderSize), waiter.NonBlocking); err != nil {
		t.Fatalf("reserved Write failed: %v", err)
	}
	if l := checkLayout(t, b); l.TailRes != 0 {
		t.Errorf("TailRes got %d, wanted 0", l.TailRes)
	}
}

func TestPendingReservation(t *testing.T) {
	b := newTestBuffer(t)
	defer b.DecRef()
	filler := newTestEndpoint(t, b, 1, 0)
	defer filler.DecRef()
	fillExact(t, filler)

	if _, _, err := NewEndpoint(b, 0x77, 100, 0, EndpointOptions{}); err != ipcerr.ErrReserveFailed {
		t.Fatalf("NewEndpoint on full buffer got %v, wanted %v", err, ipcerr.ErrReserveFailed)
	}
	ep, pending, err := NewEndpoint(b, 0x77, 100, 0, EndpointOptions{AllowPending: true})
	if err != nil || !pending {
		t.Fatalf("NewEndpoint got pending %v, err %v, wanted a pending endpoint", pending, err)
	}
	defer ep.DecRef()
	if !ep.Pending() || b.Layout().Pending != 1 {
		t.Fatalf("endpoint not queued")
	}

	// One free record is not enough, as a full message must still fit.
	readOne(t, b, waiter.NonBlocking)
	if !ep.Pending() {
		t.Fatalf("reservation granted with too little space: %+v", b.Layout())
	}
	readOne(t, b, waiter.NonBlocking)
	if ep.Pending() {
		t.Fatalf("reservation not granted: %+v", b.Layout())
	}
	const reserve = 192
	if got := ep.Reservation(); got != reserve {
		t.Errorf("Reservation got %d, wanted %d", got, reserve)
	}
	if l := checkLayout(t, b); l.PrefixRes != reserve || l.PrefixTop != HeaderSize {
		t.Errorf("got layout %+v, wanted the grant and its notice in the prefix", l)
	}

	// The notice is queued behind everything that was already there.
	var rec Record
	for {
		rec = readOne(t, b, waiter.NonBlocking)
		if rec.Message.IsAutomatic() {
			break
		}
	}
	if want := ipc.FlagReservationReleased | ipc.FlagAutomaticMessage; rec.Message.Flags != want || rec.Message.EndpointTag != 0x77 {
		t.Errorf("got notice %+v, wanted flags %v and tag 0x77", rec.Message, want)
	}

	if err := write(t, ep, make([]byte, reserve-HeaderSize), waiter.NonBlocking); err != nil {
		t.Fatalf("reserved Write failed: %v", err)
	}
	readOne(t, b, waiter.NonBlocking)
	if l := checkLayout(t, b); l.TailRes != 0 || l.PrefixRes != 0 || l.TailTop != 0 {
		t.Errorf("got layout %+v, wanted empty", l)
	}
}

func TestZeroReservationWhilePending(t *testing.T) {
	b := newTestBuffer(t)
	defer b.DecRef()
	filler := newTestEndpoint(t, b, 1, 0)
	defer filler.DecRef()
	fillExact(t, filler)

	queued, pending, err := NewEndpoint(b, 0x77, 128, 0, EndpointOptions{AllowPending: true})
	if err != nil || !pending {
		t.Fatalf("NewEndpoint got pending %v, err %v, wanted a pending endpoint", pending, err)
	}
	defer queued.DecRef()

	// Endpoints without a reservation never wait behind queued requests.
	for _, opts := range []EndpointOptions{{}, {AllowPending: true}} {
		ep, pending, err := NewEndpoint(b, 0x88, 0, 0, opts)
		if err != nil || pending {
			t.Fatalf("NewEndpoint(%+v) without reservation got pending %v, err %v", opts, pending, err)
		}
		defer ep.DecRef()
	}
	if l := checkLayout(t, b); l.Pending != 1 {
		t.Fatalf("got %d pending requests, wanted 1", l.Pending)
	}

	var notices []uint64
	for {
		rec := readOne(t, b, waiter.NonBlocking)
		if rec.Message.IsAutomatic() {
			notices = append(notices, rec.Message.EndpointTag)
		}
		if l := b.Layout(); l.TailTop == 0 {
			break
		}
	}
	if want := []uint64{0x77}; !cmp.Equal(notices, want) {
		t.Errorf("got notices for tags %#x, wanted %#x", notices, want)
	}
}

func TestPendingEndpointDropped(t *testing.T) {
	b := newTestBuffer(t)
	defer b.DecRef()
	filler := newTestEndpoint(t, b, 1, 0)
	defer filler.DecRef()
	fillExact(t, filler)

	ep, pending, err := NewEndpoint(b, 0x77, 100, 0, EndpointOptions{AllowPending: true})
	if err != nil || !pending {
		t.Fatalf("NewEndpoint got pending %v, err %v, wanted a pending endpoint", pending, err)
	}
	ep.DecRef()
	if l := b.Layout(); l.Pending != 0 {
		t.Fatalf("dropped endpoint still pending")
	}
	for {
		rec := readOne(t, b, waiter.NonBlocking)
		if rec.Message.IsAutomatic() {
			t.Fatalf("got notice %+v for a dropped endpoint", rec.Message)
		}
		if l := b.Layout(); l.TailTop == 0 {
			break
		}
	}
	if l := checkLayout(t, b); l.TailRes != 0 || l.PrefixRes != 0 {
		t.Errorf("reservation left behind: %+v", l)
	}
}

func TestNotifyDropped(t *testing.T) {
	for _, reserve := range []uint64{0, 100} {
		b := newTestBuffer(t)
		ep, _, err := NewEndpoint(b, 9, reserve, 0, EndpointOptions{NotifyDropped: true})
		if err != nil {
			t.Fatalf("NewEndpoint failed: %v", err)
		}
		ep.DecRef()

		rec := readOne(t, b, waiter.NonBlocking)
		if want := ipc.FlagObjectDropped | ipc.FlagAutomaticMessage; rec.Message.Flags != want || rec.Message.EndpointTag != 9 {
			t.Errorf("reserve %d: got %+v, wanted flags %v and tag 9", reserve, rec.Message, want)
		}
		if l := checkLayout(t, b); l.TailRes != 0 || l.TailTop != 0 {
			t.Errorf("reserve %d: got layout %+v, wanted empty", reserve, l)
		}
		b.DecRef()
	}
}

func TestNotifyDroppedFullBuffer(t *testing.T) {
	b := newTestBuffer(t)
	defer b.DecRef()
	filler := newTestEndpoint(t, b, 1, 0)
	defer filler.DecRef()

	ep, _, err := NewEndpoint(b, 9, 0, 0, EndpointOptions{NotifyDropped: true})
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	fillExact(t, filler)
	before := b.Layout()
	// The notice is lost, but nothing else may break.
	ep.DecRef()
	if after := checkLayout(t, b); after != before {
		t.Errorf("layout changed from %+v to %+v", before, after)
	}
}

func TestEndpointOutlivesBuffer(t *testing.T) {
	b := newTestBuffer(t)
	ep, _, err := NewEndpoint(b, 9, 100, 0, EndpointOptions{NotifyDropped: true})
	if err != nil {
		t.Fatalf("NewEndpoint failed: %v", err)
	}
	b.DecRef()
	if ep.Pending() {
		t.Errorf("endpoint of destroyed buffer pending")
	}
	if err := write(t, ep, nil, waiter.NoTimeout); err != ipcerr.ErrHangup {
		t.Errorf("Write got %v, wanted %v", err, ipcerr.ErrHangup)
	}
	ep.DecRef()
	if got := ep.buf.ReadRefs(); got != 0 {
		t.Errorf("weak reference has %d references left, wanted 0", got)
	}
}

func TestWriteInterrupted(t *testing.T) {
	b := newTestBuffer(t)
	defer b.DecRef()
	ep := newTestEndpoint(t, b, 1, 0)
	defer ep.DecRef()
	fill(t, ep)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := ep.Write(ctx, &WriteData{Data: make([]byte, testMaxData)}, waiter.NoTimeout)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; err != ipcerr.ErrInterrupted {
		t.Errorf("Write got %v, wanted %v", err, ipcerr.ErrInterrupted)
	}
	// The write token was returned.
	readOne(t, b, waiter.NonBlocking)
	if err := write(t, ep, make([]byte, testMaxData), waiter.After(time.Second)); err != nil {
		t.Errorf("Write after interrupted write got %v, wanted nil", err)
	}
}
