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

// Package weakref provides a revocable, reference-counted weak pointer.
//
// A WeakRef lets many holders reach an object that may be destroyed at any
// time. Holders bracket each access with Get and Release. The owner calls
// Revoke before tearing the object down. Revoke clears the pointer so that
// no new access can begin, then waits for the accesses in progress to end.
//
// Accessors must not block between Get and Release unless the owner wakes
// them before calling Revoke. Revoke first spins for a short while and then
// parks until the last accessor signals it, so a slow accessor delays
// revocation without burning a CPU.
package weakref

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"spindle.dev/spindle/pkg/refs"
)

// revokeSpins is the number of times Revoke yields before it parks.
const revokeSpins = 64

// WeakRef is a revocable pointer to a T.
//
// The zero value is not usable; use New.
type WeakRef[T any] struct {
	refs.AtomicRefCount

	ptr atomic.Pointer[T]

	// access counts accessors between Get and Release.
	access atomic.Int32

	// done is signalled by the accessor that brings access to zero after the
	// pointer has been cleared.
	done chan struct{}
}

// New returns a WeakRef to obj with one reference, which belongs to the
// caller and is dropped by Revoke.
func New[T any](obj *T) *WeakRef[T] {
	w := &WeakRef[T]{done: make(chan struct{}, 1)}
	w.ptr.Store(obj)
	return w
}

// Get returns the object and begins an access, or returns nil if the
// object has been revoked. A non-nil result must be paired with Release.
func (w *WeakRef[T]) Get() *T {
	// Don't delay a revocation in progress.
	if w.ptr.Load() == nil {
		return nil
	}
	w.access.Add(1)
	obj := w.ptr.Load()
	if obj == nil {
		w.leave()
	}
	return obj
}

// Release ends an access begun by a successful Get.
func (w *WeakRef[T]) Release(obj *T) {
	if p := w.ptr.Load(); p != nil && p != obj {
		panic(fmt.Sprintf("WeakRef.Release of %p, but reference points to %p", obj, p))
	}
	w.leave()
}

func (w *WeakRef[T]) leave() {
	v := w.access.Add(-1)
	if v < 0 {
		panic("WeakRef access count went negative")
	}
	if v == 0 && w.ptr.Load() == nil {
		select {
		case w.done <- struct{}{}:
		default:
		}
	}
}

// Revoke clears the pointer and waits until every access in progress has
// been released. It then drops the reference that New returned. Revoke may
// be called at most once.
func (w *WeakRef[T]) Revoke() {
	w.ptr.Store(nil)
	for i := 0; w.access.Load() != 0; i++ {
		if i < revokeSpins {
			runtime.Gosched()
			continue
		}
		// The accessor that reaches zero after the store above always
		// signals, and a stale signal only causes one more check.
		<-w.done
	}
	w.DecRef()
}

// Revoked returns true once Revoke has begun.
func (w *WeakRef[T]) Revoked() bool {
	return w.ptr.Load() == nil
}

// Accessors returns the number of accesses in progress. The result is
// inherently racy.
func (w *WeakRef[T]) Accessors() int32 {
	return w.access.Load()
}
