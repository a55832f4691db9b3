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

package kobj

import (
	"fmt"
	"math"
	"strings"

	"github.com/google/btree"

	"spindle.dev/spindle/pkg/errors/ipcerr"
	"spindle.dev/spindle/pkg/log"
	"spindle.dev/spindle/pkg/sync"
)

// Handle is a per-task integer naming a kernel object. Zero is never a valid
// handle.
type Handle int32

const (
	// MaxHandle is the largest handle a table hands out.
	MaxHandle Handle = math.MaxInt32 - 1

	// DefaultLimit is the default number of entries a table may hold.
	DefaultLimit = 1 << 16

	// freeDegree is the degree of the free handle tree.
	freeDegree = 16
)

// Table maps handles to objects. Each entry owns one reference to its object.
//
// Handles are allocated lowest first: released handles are kept in a tree
// and reused before the high-water mark is advanced.
type Table struct {
	mu sync.Mutex

	// objects holds the entries. Protected by mu.
	objects map[Handle]Object

	// free holds released handles below next. Protected by mu.
	free *btree.BTreeG[Handle]

	// next is the lowest handle that has never been allocated. Protected by
	// mu.
	next Handle

	// limit is the most entries the table may hold. Protected by mu.
	limit int
}

// NewTable returns an empty table that holds at most limit entries. A
// non-positive limit selects DefaultLimit.
func NewTable(limit int) *Table {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Table{
		objects: make(map[Handle]Object),
		free:    btree.NewG[Handle](freeDegree, func(a, b Handle) bool { return a < b }),
		next:    1,
		limit:   limit,
	}
}

// String returns a description of every entry.
func (t *Table) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var b strings.Builder
	for h := Handle(1); h < t.next; h++ {
		if obj, ok := t.objects[h]; ok {
			fmt.Fprintf(&b, "\thandle:%d => %s\n", h, obj.Type())
		}
	}
	return b.String()
}

// Limit returns the most entries the table may hold.
func (t *Table) Limit() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limit
}

// SetLimit changes the most entries the table may hold. Existing entries are
// kept even if they exceed the new limit.
func (t *Table) SetLimit(limit int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limit = limit
}

// Count returns the number of entries.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

// allocLocked returns the lowest unused handle.
//
// Preconditions: t.mu must be locked.
func (t *Table) allocLocked() (Handle, bool) {
	if h, ok := t.free.DeleteMin(); ok {
		return h, true
	}
	if t.next > MaxHandle {
		log.Warningf("handles exhausted, they may be leaking")
		return 0, false
	}
	h := t.next
	t.next++
	return h, true
}

// releaseLocked makes h available for reuse.
//
// Preconditions: t.mu must be locked.
func (t *Table) releaseLocked(h Handle) {
	if h == t.next-1 {
		t.next--
		// Fold trailing free handles back into the high-water mark.
		for t.next > 1 {
			if _, ok := t.free.Delete(t.next - 1); !ok {
				break
			}
			t.next--
		}
		return
	}
	t.free.ReplaceOrInsert(h)
}

// Insert adds obj to the table and returns its handle. On success the
// caller's reference to obj is transferred to the table. Insert returns
// ipcerr.ErrLimitExceeded if the table is full.
func (t *Table) Insert(obj Object) (Handle, error) {
	hs, err := t.InsertAll([]Object{obj})
	if err != nil {
		return 0, err
	}
	return hs[0], nil
}

// InsertAll adds every object in objs to the table. Success is guaranteed to
// be all or none: on failure the table is unchanged and the caller keeps its
// references.
func (t *Table) InsertAll(objs []Object) ([]Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.objects)+len(objs) > t.limit {
		return nil, ipcerr.ErrLimitExceeded
	}

	hs := make([]Handle, 0, len(objs))
	for _, obj := range objs {
		h, ok := t.allocLocked()
		if !ok {
			break
		}
		t.objects[h] = obj
		hs = append(hs, h)
	}

	// Failure? Unwind existing handles.
	if len(hs) < len(objs) {
		for i := len(hs) - 1; i >= 0; i-- {
			delete(t.objects, hs[i])
			t.releaseLocked(hs[i])
		}
		return nil, ipcerr.ErrLimitExceeded
	}
	return hs, nil
}

// Lookup returns a new reference to the object at h if it is of type typ,
// unwrapping proxies. It returns ipcerr.ErrNotFound if there is no such
// object.
func (t *Table) Lookup(h Handle, typ Type) (Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj := Get(t.objects[h], typ)
	if obj == nil {
		return nil, ipcerr.ErrNotFound
	}
	return obj, nil
}

// ShallowLookup returns a new reference to the object at h without
// unwrapping proxies or checking its type.
func (t *Table) ShallowLookup(h Handle) (Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[h]
	if !ok {
		return nil, ipcerr.ErrNotFound
	}
	obj.IncRef()
	return obj, nil
}

// Remove removes the entry at h and returns its object. The table's
// reference is transferred to the caller.
func (t *Table) Remove(h Handle) (Object, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objects[h]
	if !ok {
		return nil, ipcerr.ErrNotFound
	}
	delete(t.objects, h)
	t.releaseLocked(h)
	return obj, nil
}

// Put removes the entry at h and drops its reference.
func (t *Table) Put(h Handle) error {
	obj, err := t.Remove(h)
	if err != nil {
		return err
	}
	obj.DecRef()
	return nil
}

// Handles returns the handles in use, in ascending order.
func (t *Table) Handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := make([]Handle, 0, len(t.objects))
	for h := Handle(1); h < t.next; h++ {
		if _, ok := t.objects[h]; ok {
			hs = append(hs, h)
		}
	}
	return hs
}

// Release removes every entry and drops its reference.
func (t *Table) Release() {
	t.mu.Lock()
	objects := t.objects
	t.objects = make(map[Handle]Object)
	t.free.Clear(false)
	t.next = 1
	t.mu.Unlock()

	// Destructors may take locks of their own, so run them unlocked.
	for _, obj := range objects {
		obj.DecRef()
	}
}
