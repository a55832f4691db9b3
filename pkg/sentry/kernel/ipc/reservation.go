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
	"fmt"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/waiter"
)

// Reservations are carved out of two pools. The prefix pool sits just below
// tailBottom and is only usable once the reader has moved past the start of
// the buffer. The tail pool sits at the end of the buffer. When the tail is
// drained and the prefix becomes the new tail, every prefix reservation
// moves to the tail pool. Generations tell the two apart: a reservation with
// a generation above prefixGen is still in the prefix pool.

// prefixReservableLocked returns how much may be reserved from the prefix
// pool. A full unreserved message must still fit below the reservations.
//
// Preconditions: b.mu must be locked.
func (b *Buffer) prefixReservableLocked() uint64 {
	reserveBottom := b.tailBottom - b.prefixRes
	if reserveBottom < b.maxMessageLen {
		return 0
	}
	return min(reserveBottom-b.prefixTop, reserveBottom-b.maxMessageLen)
}

// tailReservableLocked returns how much may be reserved from the tail pool.
//
// Preconditions: b.mu must be locked.
func (b *Buffer) tailReservableLocked() uint64 {
	reserveBottom := b.size - b.tailRes
	if reserveBottom < b.maxMessageLen {
		return 0
	}
	return min(reserveBottom-b.tailTop, reserveBottom-b.maxMessageLen)
}

// reserveLocked reserves n bytes and returns the generation of the
// reservation. It returns false if neither pool has room.
//
// Preconditions: b.mu must be locked. n is aligned.
func (b *Buffer) reserveLocked(n uint64) (uint64, bool) {
	switch {
	case n == 0:
		return 0, true
	case n <= b.prefixReservableLocked():
		b.genCounter++
		b.prefixRes += n
		return b.genCounter, true
	case n <= b.tailReservableLocked():
		b.tailRes += n
		return 0, true
	default:
		return 0, false
	}
}

// returnReservationLocked gives n reserved bytes of generation gen back to
// their pool.
//
// Preconditions: b.mu must be locked.
func (b *Buffer) returnReservationLocked(gen, n uint64) {
	if n == 0 {
		return
	}
	if gen > b.prefixGen {
		if n > b.prefixRes {
			panic(fmt.Sprintf("returning %d bytes to prefix pool of %d", n, b.prefixRes))
		}
		b.prefixRes -= n
		return
	}
	if n > b.tailRes {
		panic(fmt.Sprintf("returning %d bytes to tail pool of %d", n, b.tailRes))
	}
	b.tailRes -= n
}

// maxReservation returns the largest reservation an empty buffer could
// grant.
func (b *Buffer) maxReservation() uint64 {
	return b.size - b.maxMessageLen
}

// queuePendingLocked adds ep to the pending list with a request for n
// bytes, plus room for the message announcing the grant.
//
// Preconditions: b.mu must be locked.
func (b *Buffer) queuePendingLocked(ep *Endpoint, n uint64) {
	ep.pendingReserve = n + HeaderSize
	b.pending = append(b.pending, ep)
	reservationsPending.Increment()
}

// removePendingLocked drops ep from the pending list, if it is there.
//
// Preconditions: b.mu must be locked.
func (b *Buffer) removePendingLocked(ep *Endpoint) {
	if ep.pendingReserve == 0 {
		return
	}
	ep.pendingReserve = 0
	for i, p := range b.pending {
		if p == ep {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("pending endpoint %p missing from buffer %p", ep, b))
}

// grantPendingLocked grants pending reservations in order for as long as
// there is room, announcing each grant with an automatic message to the
// endpoint's tag. It returns true if any message was written.
//
// Preconditions: b.mu must be locked.
func (b *Buffer) grantPendingLocked() bool {
	granted := false
	for len(b.pending) > 0 && !b.destroyed {
		ep := b.pending[0]
		gen, ok := b.reserveLocked(ep.pendingReserve)
		if !ok {
			break
		}
		n := ep.pendingReserve
		b.pending = b.pending[1:]
		ep.pendingReserve = 0

		// The announcement is paid for by the grant itself.
		b.returnReservationLocked(gen, HeaderSize)
		wd := WriteData{Message: ipc.Message{Flags: ipc.FlagReservationReleased | ipc.FlagAutomaticMessage}}
		if _, ok := b.tryWriteLocked(ep.tag, &wd, b.maxMessageLen); !ok {
			panic(fmt.Sprintf("no room for reservation notice after granting %d bytes", n))
		}
		automaticMessages.Increment("reservation_released")

		ep.gen = gen
		ep.reservation.Store(n - HeaderSize)
		granted = true
		log.Debugf("Granted pending reservation of %d bytes to endpoint %#x of buffer %p", n-HeaderSize, ep.tag, b)
	}
	return granted
}

// takeWaitersLocked detaches the waiters that a change in the buffer
// concerns. A write concerns the reader and freed space concerns the writer.
//
// Preconditions: b.mu must be locked.
func (b *Buffer) takeWaitersLocked(wrote, freed bool) (reader, writer *waiter.Waiter) {
	if wrote {
		reader, b.readWaiter = b.readWaiter, nil
	}
	if freed {
		writer, b.writeWaiter = b.writeWaiter, nil
	}
	return reader, writer
}

func wake(ws ...*waiter.Waiter) {
	for _, w := range ws {
		if w != nil {
			w.Wake()
		}
	}
}

// returnReservation gives n bytes of ep's reservation back to the buffer and
// hands the space on to pending endpoints and waiting writers.
func (b *Buffer) returnReservation(ep *Endpoint, n uint64) {
	b.mu.Lock()
	b.returnReservationLocked(ep.gen, n)
	wrote := b.grantPendingLocked()
	reader, writer := b.takeWaitersLocked(wrote, n > 0)
	b.mu.Unlock()
	wake(reader, writer)
}
