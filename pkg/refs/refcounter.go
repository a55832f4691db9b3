// Copyright 2018 The gVisor Authors.
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

// Package refs provides reference counting for kernel objects and an
// optional registry that reports objects still referenced at exit.
package refs

import (
	"sync/atomic"
)

// RefCounter is implemented by reference counted objects.
type RefCounter interface {
	// IncRef takes an additional reference. The caller must already hold
	// one.
	IncRef()

	// DecRef drops a reference. Types with a destructor implement DecRef
	// themselves on top of AtomicRefCount.DecRefWithDestructor.
	DecRef()

	// TryIncRef takes a reference unless the last one is already gone. It
	// is meant for lookups that race with the final DecRef.
	TryIncRef() bool
}

// AtomicRefCount is a reference count that runs a destructor when the last
// reference is dropped.
//
// The zero value holds one reference: the stored count is the number of
// references minus one, and -1 means destroyed.
//
// +stateify savable
type AtomicRefCount struct {
	count atomic.Int64
}

// ReadRefs returns the number of references held. The value may be stale by
// the time it is returned.
func (r *AtomicRefCount) ReadRefs() int64 {
	return r.count.Load() + 1
}

// IncRef implements RefCounter.IncRef.
func (r *AtomicRefCount) IncRef() {
	if r.count.Add(1) <= 0 {
		panic("IncRef on an object without references")
	}
}

// TryIncRef implements RefCounter.TryIncRef.
func (r *AtomicRefCount) TryIncRef() bool {
	for {
		v := r.count.Load()
		if v < 0 {
			return false
		}
		if r.count.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// DecRefWithDestructor drops a reference and calls destroy, if not nil, when
// it was the last one.
func (r *AtomicRefCount) DecRefWithDestructor(destroy func()) {
	v := r.count.Add(-1)
	if v < -1 {
		panic("DecRef on an object without references")
	}
	if v == -1 && destroy != nil {
		destroy()
	}
}

// DecRef implements RefCounter.DecRef.
func (r *AtomicRefCount) DecRef() {
	r.DecRefWithDestructor(nil)
}
