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
	"math"
	"sync/atomic"
	"time"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/pkg/waiter"
	"spindle.dev/spindle/pkg/weakref"
)

// droppedLog reports automatic messages that could not be delivered.
var droppedLog = log.BasicRateLimitedLogger(time.Minute)

// EndpointOptions modify how an endpoint is created.
type EndpointOptions struct {
	// AllowPending queues the reservation when the buffer cannot grant it
	// right away, instead of failing. The grant is announced by an automatic
	// ipc.FlagReservationReleased message with the endpoint's tag.
	AllowPending bool

	// NotifyDropped makes the endpoint post an automatic
	// ipc.FlagObjectDropped message with its tag when its last reference is
	// dropped.
	NotifyDropped bool
}

// Endpoint writes messages into a buffer on behalf of any task holding it.
// Every message it writes carries its tag.
type Endpoint struct {
	kobj.Base

	// The fields below are immutable after creation.
	buf           *weakref.WeakRef[Buffer]
	tag           uint64
	notifyDropped bool

	// maxLen is the aligned size of the largest record the endpoint writes.
	maxLen uint64

	// limit is the unaligned limit on header and data.
	limit uint64

	// gen is the generation of the reservation. Protected by the buffer's
	// mu.
	gen uint64

	// pendingReserve is the size of the queued reservation request, or zero
	// if the endpoint is not queued. Protected by the buffer's mu.
	pendingReserve uint64

	// reservation is the space set aside for the next write. The first
	// writer takes all of it.
	reservation atomic.Uint64
}

// NewEndpoint creates an endpoint that writes to b with the given tag.
//
// reserve is the amount of data the first message through the endpoint may
// carry without waiting for space. maxLen limits the data of every message,
// zero meaning the buffer's own limit.
//
// If opts.AllowPending is set and the reservation cannot be granted yet,
// the endpoint is returned along with pending set to true.
func NewEndpoint(b *Buffer, tag, reserve, maxLen uint64, opts EndpointOptions) (ep *Endpoint, pending bool, err error) {
	if reserve > math.MaxUint64/2 || maxLen > math.MaxUint64/2 {
		return nil, false, ipcerr.ErrInvalidArgument
	}

	// Add header data to reserve and maxLen.
	if reserve > 0 {
		reserve, _ = alignRecord(reserve + HeaderSize)
	}
	limit := b.messageLimit
	if maxLen > 0 {
		limit = maxLen + HeaderSize
	}
	if limit > b.messageLimit {
		// An endpoint cannot allow more than its buffer does.
		return nil, false, ipcerr.ErrInvalidArgument
	}
	alignedMax, _ := alignRecord(limit)

	ep = &Endpoint{
		tag:           tag,
		notifyDropped: opts.NotifyDropped,
		maxLen:        alignedMax,
		limit:         limit,
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil, false, ipcerr.ErrHangup
	}
	gen, ok := uint64(0), reserve == 0
	if !ok && len(b.pending) == 0 {
		// Queued requests are served first.
		gen, ok = b.reserveLocked(reserve)
	}
	if !ok {
		if !opts.AllowPending || reserve+HeaderSize > b.maxReservation() {
			b.mu.Unlock()
			reservationsFailed.Increment()
			return nil, false, ipcerr.ErrReserveFailed
		}
		b.queuePendingLocked(ep, reserve)
		pending = true
	}
	ep.gen = gen
	if ok {
		ep.reservation.Store(reserve)
	}
	b.weakref.IncRef()
	ep.buf = b.weakref
	b.mu.Unlock()

	ep.Init(kobj.TypeEndpoint, ep.destroy)
	endpointsCreated.Increment()
	if ok && reserve > 0 {
		log.Debugf("Endpoint %#x of buffer %p reserved %d bytes, generation %d", tag, b, reserve, gen)
	}
	return ep, pending, nil
}

// Tag returns the endpoint's tag.
func (ep *Endpoint) Tag() uint64 {
	return ep.tag
}

// Reservation returns the unclaimed reservation. The result is inherently
// racy.
func (ep *Endpoint) Reservation() uint64 {
	return ep.reservation.Load()
}

// Pending returns true while the endpoint waits for its reservation.
func (ep *Endpoint) Pending() bool {
	b := ep.buf.Get()
	if b == nil {
		return false
	}
	defer ep.buf.Release(b)
	b.mu.Lock()
	defer b.mu.Unlock()
	return ep.pendingReserve != 0
}

// Write writes wd to the endpoint's buffer and returns the number of
// optional bytes that fit. The data must fit into the endpoint's limit, or
// ipcerr.ErrInvalidArgument is returned.
//
// If the endpoint holds a reservation large enough for the mandatory part
// of wd, Write consumes it and never blocks. Otherwise it waits for space
// until d, returning ipcerr.ErrTimedOut if none frees up. Once the buffer is
// gone Write returns ipcerr.ErrHangup.
//
// On success the references of wd.Objects belong to the buffer. On failure
// they remain with the caller.
func (ep *Endpoint) Write(ctx context.Context, wd *WriteData, d waiter.Deadline) (uint64, error) {
	if wd.minSize() > ep.limit {
		// Endpoint doesn't allow a message this big.
		return 0, ipcerr.ErrInvalidArgument
	}

	b := ep.buf.Get()
	if b == nil {
		// The buffer has been destroyed.
		hangups.Increment()
		return 0, ipcerr.ErrHangup
	}
	defer ep.buf.Release(b)

	var reservation uint64
	if ep.reservation.Load() > 0 {
		// First come takes all of it.
		reservation = ep.reservation.Swap(0)
	}

	minSize, _ := alignRecord(wd.minSize())
	reserved := reservation > 0 && minSize <= reservation
	// Skip the queue if we have reserved capacity or can't wait.
	bypass := reserved || d.IsNonBlocking()

	if !bypass {
		if err := b.writeQueue.Sleep(ctx, d); err != nil {
			b.returnReservation(ep, reservation)
			return 0, err
		}
		// Let the next writer in.
		defer b.writeQueue.Wake()
	}

	written, err := b.write(ctx, ep, wd, reservation, reserved, d)
	switch {
	case err == nil:
		messagesWritten.Increment(writeKind(reserved))
	case err == ipcerr.ErrHangup:
		hangups.Increment()
	}
	return written, err
}

func writeKind(reserved bool) string {
	if reserved {
		return "reserved"
	}
	return "unreserved"
}

// destroy runs when the last reference to the endpoint is dropped.
func (ep *Endpoint) destroy() {
	defer ep.buf.DecRef()

	b := ep.buf.Get()
	if b == nil {
		return
	}
	defer ep.buf.Release(b)

	b.mu.Lock()
	b.removePendingLocked(ep)
	b.mu.Unlock()

	// Nobody else can claim the reservation any more.
	reservation := ep.reservation.Swap(0)
	if !ep.notifyDropped {
		b.returnReservation(ep, reservation)
		return
	}

	wd := WriteData{Message: ipc.Message{Flags: ipc.FlagObjectDropped | ipc.FlagAutomaticMessage}}
	if _, err := b.write(context.Background(), ep, &wd, reservation, HeaderSize <= reservation, waiter.NonBlocking); err != nil {
		droppedLog.Warningf("Lost drop notice for endpoint %#x of buffer %p: %v", ep.tag, b, err)
		return
	}
	automaticMessages.Increment("object_dropped")
	b.returnReservation(ep, 0)
}
