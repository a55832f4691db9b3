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

// Package ipc implements message buffers and the endpoints that write into
// them.
//
// A Buffer is a bounded mailbox owned by the receiving task. Its memory is
// split into a prefix region growing from offset zero and a tail region in
// the middle of the buffer. Messages are read from the bottom of the tail.
// Writers fill the prefix while the tail is being drained, and once the tail
// is empty the prefix becomes the new tail. No message ever wraps around.
//
// An Endpoint names one logical destination inside a Buffer. It reaches the
// buffer through a weak reference, so a receiver may destroy its buffer at
// any time and senders observe ipcerr.ErrHangup instead of touching freed
// memory. An endpoint may carry a one-shot reservation of buffer space that
// lets its first write complete without blocking.
//
// Lock order:
//
//	kobj.Table.mu
//	  Buffer.mu
package ipc

import (
	"context"
	"fmt"
	"sync/atomic"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/hostarch"
	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/mem"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/pkg/sync"
	"spindle.dev/spindle/pkg/waiter"
	"spindle.dev/spindle/pkg/weakref"
)

// Buffer is the receiving end of IPC.
//
// Only one reader and one writer may work on the buffer at a time. They are
// admitted by readQueue and writeQueue. Writers that hold a reservation, and
// nonblocking writers, bypass writeQueue and rely on mu alone.
type Buffer struct {
	kobj.Base

	// The fields below are immutable after creation.
	mem     *mem.Mem
	weakref *weakref.WeakRef[Buffer]

	// size is the size of the buffer memory.
	size uint64

	// maxMessageLen is the largest record any endpoint may write, including
	// the header.
	maxMessageLen uint64

	// messageLimit is the unaligned limit on header and data that the
	// buffer's own maximum allows.
	messageLimit uint64

	readQueue  *waiter.Queue
	writeQueue *waiter.Queue

	mu sync.Mutex

	// All reservations whose generation is at most prefixGen belong to the
	// tail reservation pool. Protected by mu.
	prefixGen uint64

	// genCounter is the last generation assigned to a prefix reservation.
	// Protected by mu.
	genCounter uint64

	// prefixTop is the end of the data that starts at offset zero. Protected
	// by mu.
	prefixTop uint64

	// prefixRes is the number of bytes reserved below tailBottom. Protected
	// by mu.
	prefixRes uint64

	// tailBottom is the start of the data in the middle of the buffer, and
	// the offset of the next read. Protected by mu.
	tailBottom uint64

	// tailTop is the end of the data in the middle of the buffer. When a
	// read leaves tailBottom equal to tailTop, the tail is reset to the
	// prefix. Protected by mu.
	tailTop uint64

	// tailRes is the number of bytes reserved at the end of the buffer.
	// Protected by mu.
	tailRes uint64

	// currentReadSize is the size of the record returned by the last Read,
	// or zero if no read is in progress. Protected by mu.
	currentReadSize uint64

	// readWaiter is the reader waiting for a message and writeWaiter is the
	// writer waiting for space. The queues admit at most one of each.
	// Protected by mu.
	readWaiter  *waiter.Waiter
	writeWaiter *waiter.Waiter

	// pending holds endpoints whose reservation is granted once space frees
	// up, oldest first. Protected by mu.
	pending []*Endpoint

	// inflight holds the kernel objects of written but undelivered messages,
	// keyed by the slot number stored in their argument. Each entry owns one
	// reference. Protected by mu.
	inflight map[uint64]kobj.Object

	// nextSlot is the last slot number handed out. Protected by mu.
	nextSlot uint64

	// destroyed is set once the last reference to the buffer is gone.
	// Protected by mu.
	destroyed bool
}

// liveBuffers counts buffers that have not been destroyed.
var liveBuffers atomic.Int64

// NewBuffer creates a buffer of at least size bytes that accepts messages of
// up to maxMessageLen bytes of data. size is rounded up to the page size. A
// maxMessageLen larger than half the buffer is rejected, as the buffer must
// always be able to hold a reservation and an unreserved message at once.
func NewBuffer(size, maxMessageLen uint64) (*Buffer, error) {
	if size == 0 || maxMessageLen == 0 {
		return nil, ipcerr.ErrInvalidArgument
	}
	size, ok := hostarch.PageRoundUp(size)
	if !ok {
		return nil, ipcerr.ErrNoMemory
	}
	limit := HeaderSize + maxMessageLen
	if limit < maxMessageLen {
		return nil, ipcerr.ErrInvalidArgument
	}
	maxLen, ok := alignRecord(limit)
	if !ok || maxLen > size/2 {
		return nil, ipcerr.ErrInvalidArgument
	}

	m, err := mem.New(size)
	if err != nil {
		return nil, err
	}

	b := &Buffer{
		mem:           m,
		size:          size,
		maxMessageLen: maxLen,
		messageLimit:  limit,
		readQueue:     waiter.NewQueue(1),
		writeQueue:    waiter.NewQueue(1),
		inflight:      make(map[uint64]kobj.Object),
	}
	b.weakref = weakref.New(b)
	b.Init(kobj.TypeBuffer, b.destroy)
	liveBuffers.Add(1)
	buffersCreated.Increment()
	log.Debugf("Created IPC buffer %p: size %d, max message %d", b, size, maxLen)
	return b, nil
}

// Size returns the size of the buffer memory.
func (b *Buffer) Size() uint64 {
	return b.size
}

// MaxMessageLen returns the largest record the buffer accepts, including the
// header.
func (b *Buffer) MaxMessageLen() uint64 {
	return b.maxMessageLen
}

// MaxDataLen returns the largest amount of data a message may carry.
func (b *Buffer) MaxDataLen() uint64 {
	return b.messageLimit - HeaderSize
}

// Layout is a snapshot of the buffer's bookkeeping.
type Layout struct {
	Size            uint64
	MaxMessageLen   uint64
	PrefixGen       uint64
	GenCounter      uint64
	PrefixTop       uint64
	PrefixRes       uint64
	TailBottom      uint64
	TailTop         uint64
	TailRes         uint64
	CurrentReadSize uint64
	Pending         int
	Inflight        int
	Destroyed       bool
}

// Check returns an error if the layout breaks an invariant.
func (l Layout) Check() error {
	switch {
	case l.PrefixRes > l.TailBottom:
		return fmt.Errorf("prefix reservation %d above tail bottom %d", l.PrefixRes, l.TailBottom)
	case l.PrefixTop > l.TailBottom-l.PrefixRes:
		return fmt.Errorf("prefix top %d overlaps %d reserved bytes below tail bottom %d", l.PrefixTop, l.PrefixRes, l.TailBottom)
	case l.TailBottom > l.TailTop:
		return fmt.Errorf("tail bottom %d above tail top %d", l.TailBottom, l.TailTop)
	case l.TailRes > l.Size:
		return fmt.Errorf("tail reservation %d larger than buffer %d", l.TailRes, l.Size)
	case l.TailTop > l.Size-l.TailRes:
		return fmt.Errorf("tail top %d overlaps %d reserved bytes at end of %d byte buffer", l.TailTop, l.TailRes, l.Size)
	case l.TailBottom == l.TailTop && l.PrefixTop != 0:
		return fmt.Errorf("empty tail at %d with %d bytes of prefix data", l.TailBottom, l.PrefixTop)
	}
	return nil
}

// Layout returns a snapshot of the buffer's bookkeeping.
func (b *Buffer) Layout() Layout {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.layoutLocked()
}

func (b *Buffer) layoutLocked() Layout {
	return Layout{
		Size:            b.size,
		MaxMessageLen:   b.maxMessageLen,
		PrefixGen:       b.prefixGen,
		GenCounter:      b.genCounter,
		PrefixTop:       b.prefixTop,
		PrefixRes:       b.prefixRes,
		TailBottom:      b.tailBottom,
		TailTop:         b.tailTop,
		TailRes:         b.tailRes,
		CurrentReadSize: b.currentReadSize,
		Pending:         len(b.pending),
		Inflight:        len(b.inflight),
		Destroyed:       b.destroyed,
	}
}

// checkLocked panics if the bookkeeping is inconsistent. Only kernel bugs
// can make it fail.
func (b *Buffer) checkLocked() {
	if err := b.layoutLocked().Check(); err != nil {
		panic(fmt.Sprintf("IPC buffer %p: %v", b, err))
	}
}

// tryWriteLocked places wd in whichever region fits it best, returning the
// number of optional bytes stored. It returns false if neither region can
// hold the mandatory part.
//
// Preconditions: b.mu must be locked. wd.minSize() <= maxLen.
func (b *Buffer) tryWriteLocked(tag uint64, wd *WriteData, maxLen uint64) (uint64, bool) {
	b.checkLocked()

	minSize, _ := alignRecord(wd.minSize())
	wanted, ok := alignRecord(wd.fullSize())
	if !ok || wanted > maxLen {
		wanted = maxLen
	}

	availablePrefix := b.tailBottom - b.prefixTop - b.prefixRes
	availableTail := b.size - b.tailTop - b.tailRes

	// Prefer writing to the beginning of the buffer, but if the tail would
	// allow more data to be written, write there instead.
	switch {
	case availablePrefix >= wanted || (availablePrefix >= minSize && availablePrefix >= availableTail):
		size := min(wanted, availablePrefix)
		written := b.writeRecordLocked(b.prefixTop, size, tag, wd)
		b.prefixTop += size
		return written, true
	case availableTail >= minSize:
		size := min(wanted, availableTail)
		written := b.writeRecordLocked(b.tailTop, size, tag, wd)
		b.tailTop += size
		return written, true
	default:
		return 0, false
	}
}

// writeRecordLocked encodes wd as a size byte record at off and takes over
// its kernel objects.
//
// Preconditions: b.mu must be locked.
func (b *Buffer) writeRecordLocked(off, size, tag uint64, wd *WriteData) uint64 {
	optLen := min(uint64(len(wd.Optional)), size-wd.minSize())
	args := wd.Message.Args
	for i := range args {
		if wd.Message.ArgType(i) != ipc.ArgKObject {
			continue
		}
		obj := wd.Objects[i]
		if obj == nil {
			panic(fmt.Sprintf("kernel object argument %d without an object", i))
		}
		b.nextSlot++
		b.inflight[b.nextSlot] = obj
		args[i] = b.nextSlot
	}
	encodeRecord(b.mem, off, size, tag, wd, &args, optLen)
	return optLen
}

// write places wd into the buffer, waiting for space if necessary.
// reservation is the space the writer claimed from ep, which is returned to
// the buffer's pools before the placement is attempted. If reserved is set
// the reservation covers the mandatory part of wd, so the write cannot fail.
//
// Preconditions: the caller holds a weak reference access to b, and the
// write token unless reserved or d is nonblocking.
func (b *Buffer) write(ctx context.Context, ep *Endpoint, wd *WriteData, reservation uint64, reserved bool, d waiter.Deadline) (uint64, error) {
	b.mu.Lock()

	// Eat our reservation if we have one.
	b.returnReservationLocked(ep.gen, reservation)

	var (
		written  uint64
		err      error
		timedOut bool
	)
	for {
		var ok bool
		if written, ok = b.tryWriteLocked(ep.tag, wd, ep.maxLen); ok {
			break
		}
		if reserved {
			panic(fmt.Sprintf("reserved write of %d bytes did not fit after returning %d reserved bytes", wd.minSize(), reservation))
		}
		if d.IsNonBlocking() || timedOut {
			err = ipcerr.ErrTimedOut
			break
		}
		if b.destroyed {
			// The buffer was destroyed after we got the reference. The
			// destructor is waiting for us to leave.
			err = ipcerr.ErrHangup
			break
		}
		if b.writeWaiter != nil {
			panic("second writer waiting on IPC buffer")
		}
		w := waiter.NewWaiter()
		b.writeWaiter = w
		b.mu.Unlock()
		werr := w.Wait(ctx, d)
		b.mu.Lock()
		if b.writeWaiter == w {
			// In case of timeout or interrupt.
			b.writeWaiter = nil
		}
		if werr == ipcerr.ErrInterrupted {
			err = werr
			break
		}
		timedOut = werr == ipcerr.ErrTimedOut
	}

	wrote := err == nil
	freed := err != nil && reservation > 0
	if freed && b.grantPendingLocked() {
		wrote = true
	}
	reader, writer := b.takeWaitersLocked(wrote, freed)
	b.mu.Unlock()

	wake(reader, writer)
	return written, err
}

// destroy is called when the last reference to the buffer is dropped. The
// buffer may still be reached through endpoints.
func (b *Buffer) destroy() {
	b.mu.Lock()
	// Mark buffer as undergoing destruction.
	b.destroyed = true
	reader, writer := b.readWaiter, b.writeWaiter
	b.readWaiter, b.writeWaiter = nil, nil
	for _, ep := range b.pending {
		ep.pendingReserve = 0
	}
	b.pending = nil
	b.mu.Unlock()

	// Wake up everyone.
	if reader != nil {
		reader.Wake()
	}
	if writer != nil {
		writer.Wake()
	}
	b.readQueue.Close()
	b.writeQueue.Close()

	// Wait for everyone currently accessing the buffer to finish.
	b.weakref.Revoke()

	b.mu.Lock()
	inflight := b.inflight
	b.inflight = nil
	b.mu.Unlock()
	for _, obj := range inflight {
		obj.DecRef()
	}

	b.mem.DecRef()
	liveBuffers.Add(-1)
	log.Debugf("Destroyed IPC buffer %p, dropped %d undelivered objects", b, len(inflight))
}

// LiveBuffers returns the number of buffers that have not been destroyed.
func LiveBuffers() int64 {
	return liveBuffers.Load()
}
