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
	"fmt"

	"spindle.dev/spindle/pkg/abi/ipc"
	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/hostarch"
	"spindle.dev/spindle/pkg/sentry/kernel/kobj"
	"spindle.dev/spindle/pkg/waiter"
)

// Read waits until a message is available and returns its offset. The
// caller owns the read until it calls EndRead or AbortRead, and no other
// reader is admitted meanwhile.
//
// Read returns ipcerr.ErrTimedOut if no message arrives before d,
// ipcerr.ErrInterrupted if ctx is done first, and ipcerr.ErrHangup if the
// buffer has been destroyed.
func (b *Buffer) Read(ctx context.Context, d waiter.Deadline) (uint64, error) {
	if err := b.readQueue.Sleep(ctx, d); err != nil {
		return 0, err
	}

	b.mu.Lock()
	var (
		err      error
		timedOut bool
	)
	for {
		if b.destroyed {
			err = ipcerr.ErrHangup
			break
		}
		if b.tailBottom != b.tailTop {
			break
		}
		if d.IsNonBlocking() || timedOut {
			err = ipcerr.ErrTimedOut
			break
		}
		if b.readWaiter != nil {
			panic("second reader waiting on IPC buffer")
		}
		w := waiter.NewWaiter()
		b.readWaiter = w
		b.mu.Unlock()
		werr := w.Wait(ctx, d)
		b.mu.Lock()
		if b.readWaiter == w {
			b.readWaiter = nil
		}
		if werr == ipcerr.ErrInterrupted {
			err = werr
			break
		}
		timedOut = werr == ipcerr.ErrTimedOut
	}
	if err != nil {
		b.mu.Unlock()
		b.readQueue.Wake()
		return 0, err
	}

	off := b.tailBottom
	total := b.mem.ReadWord(off + wordTotal*hostarch.WordSize)
	if total < HeaderSize || total%RecordAlign != 0 || total > b.tailTop-off {
		panic(fmt.Sprintf("IPC buffer %p: corrupt record of %d bytes at %#x, tail top %#x", b, total, off, b.tailTop))
	}
	b.currentReadSize = total
	b.mu.Unlock()
	return off, nil
}

// checkReadLocked panics unless off is the record of the read in progress.
//
// Preconditions: b.mu must be locked.
func (b *Buffer) checkReadLocked(off uint64) {
	if b.currentReadSize == 0 || off != b.tailBottom {
		panic(fmt.Sprintf("IPC buffer %p: record %#x is not being read", b, off))
	}
}

// Record copies out the record at off, which must have been returned by the
// read in progress. Kernel object arguments hold internal slot numbers until
// the record is delivered.
func (b *Buffer) Record(off uint64) Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkReadLocked(off)
	return decodeRecord(b.mem, off, b.currentReadSize)
}

// Deliver copies out the record at off and publishes its kernel objects in
// t. Each ipc.ArgKObject argument becomes an ipc.ArgObject holding the new
// handle.
//
// Publishing is all or none. If t cannot take every object, Deliver returns
// ipcerr.ErrNoMemory and the objects stay with the buffer, so the read may
// be aborted and retried. Deliver panics if the record was already
// delivered.
func (b *Buffer) Deliver(off uint64, t *kobj.Table) (Record, error) {
	rec, slots, objs := b.undelivered(off)
	if len(objs) == 0 {
		return rec, nil
	}

	// The reader holds a reference to b, so the objects stay put while the
	// lock is dropped.
	hs, err := t.InsertAll(objs)
	if err != nil {
		deliveryFailures.Increment()
		return Record{}, ipcerr.ErrNoMemory
	}

	b.mu.Lock()
	for j, h := range hs {
		i := slots[j]
		delete(b.inflight, rec.Message.Args[i])
		rec.Message.SetArg(i, uint64(h), ipc.ArgObject)
	}
	b.mu.Unlock()
	return rec, nil
}

// undelivered copies out the record at off along with the kernel objects it
// carries and the argument slots they belong to.
func (b *Buffer) undelivered(off uint64) (Record, []int, []kobj.Object) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkReadLocked(off)
	rec := decodeRecord(b.mem, off, b.currentReadSize)
	var (
		slots []int
		objs  []kobj.Object
	)
	for i := range rec.Message.Args {
		if rec.Message.ArgType(i) != ipc.ArgKObject {
			continue
		}
		obj, ok := b.inflight[rec.Message.Args[i]]
		if !ok {
			panic(fmt.Sprintf("IPC buffer %p: record %#x argument %d already delivered", b, off, i))
		}
		slots = append(slots, i)
		objs = append(objs, obj)
	}
	return rec, slots, objs
}

// takeInflightLocked removes the undelivered kernel objects of the record at
// off from the side table and returns them.
//
// Preconditions: b.mu must be locked.
func (b *Buffer) takeInflightLocked(off uint64) []kobj.Object {
	msg, _, _ := decodeMessage(b.mem, off)
	var objs []kobj.Object
	for i := range msg.Args {
		if msg.ArgType(i) != ipc.ArgKObject {
			continue
		}
		if obj, ok := b.inflight[msg.Args[i]]; ok {
			delete(b.inflight, msg.Args[i])
			objs = append(objs, obj)
		}
	}
	return objs
}

// EndRead consumes the record returned by the read in progress and admits
// the next reader. Kernel objects that were never delivered are dropped.
// EndRead does nothing if no read is in progress.
func (b *Buffer) EndRead() {
	b.mu.Lock()
	if b.currentReadSize == 0 {
		b.mu.Unlock()
		return
	}
	drop := b.takeInflightLocked(b.tailBottom)
	b.tailBottom += b.currentReadSize
	b.currentReadSize = 0

	if b.tailBottom == b.tailTop {
		// The tail is empty, so the prefix becomes the new tail and every
		// prefix reservation moves to the tail pool.
		b.tailBottom = 0
		b.tailTop = b.prefixTop
		b.prefixTop = 0
		b.tailRes += b.prefixRes
		b.prefixRes = 0
		b.prefixGen = b.genCounter
	}
	b.checkLocked()

	wrote := b.grantPendingLocked()
	reader, writer := b.takeWaitersLocked(wrote, true)
	b.mu.Unlock()

	messagesRead.Increment()
	wake(reader, writer)
	for _, obj := range drop {
		obj.DecRef()
	}
	b.readQueue.Wake()
}

// AbortRead ends the read in progress without consuming the record, which
// will be returned again by the next Read.
func (b *Buffer) AbortRead() {
	b.mu.Lock()
	if b.currentReadSize == 0 {
		b.mu.Unlock()
		return
	}
	b.currentReadSize = 0
	b.mu.Unlock()
	b.readQueue.Wake()
}
