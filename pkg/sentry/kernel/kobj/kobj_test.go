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
	"testing"

	"github.com/google/go-cmp/cmp"

	"spindle.dev/spindle/pkg/errors/ipcerr"
)

// testObject is an object that records its destruction.
type testObject struct {
	Base
	destroyed bool
}

func newTestObject() *testObject {
	o := &testObject{}
	o.Init(TypeTest, func() { o.destroyed = true })
	return o
}

func TestInsertLookupRemove(t *testing.T) {
	tbl := NewTable(0)
	o := newTestObject()
	h, err := tbl.Insert(o)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if h != 1 {
		t.Errorf("first handle got %d, wanted 1", h)
	}

	got, err := tbl.Lookup(h, TypeTest)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != Object(o) {
		t.Errorf("Lookup got %v, wanted %v", got, o)
	}
	if refs := o.ReadRefs(); refs != 2 {
		t.Errorf("ReadRefs after Lookup got %d, wanted 2", refs)
	}
	got.DecRef()

	if _, err := tbl.Lookup(h, TypeBuffer); err != ipcerr.ErrNotFound {
		t.Errorf("Lookup with wrong type got %v, wanted %v", err, ipcerr.ErrNotFound)
	}
	if refs := o.ReadRefs(); refs != 1 {
		t.Errorf("ReadRefs after failed Lookup got %d, wanted 1", refs)
	}

	if err := tbl.Put(h); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !o.destroyed {
		t.Errorf("object not destroyed after Put")
	}
	if err := tbl.Put(h); err != ipcerr.ErrNotFound {
		t.Errorf("second Put got %v, wanted %v", err, ipcerr.ErrNotFound)
	}
	if _, err := tbl.Lookup(0, TypeTest); err != ipcerr.ErrNotFound {
		t.Errorf("Lookup(0) got %v, wanted %v", err, ipcerr.ErrNotFound)
	}
}

// TestLowestHandleReused fills a table, frees handles out of order and checks
// that the lowest one is reused first.
func TestLowestHandleReused(t *testing.T) {
	const n = 64
	tbl := NewTable(n)
	for i := 0; i < n; i++ {
		if _, err := tbl.Insert(newTestObject()); err != nil {
			t.Fatalf("Allocated %v handles but wanted to allocate %v: %v", i, n, err)
		}
	}
	if _, err := tbl.Insert(newTestObject()); err != ipcerr.ErrLimitExceeded {
		t.Fatalf("Insert into full table got %v, wanted %v", err, ipcerr.ErrLimitExceeded)
	}

	for _, h := range []Handle{40, 7, 23} {
		if err := tbl.Put(h); err != nil {
			t.Fatalf("Put(%d) failed: %v", h, err)
		}
	}
	for _, want := range []Handle{7, 23, 40} {
		h, err := tbl.Insert(newTestObject())
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if h != want {
			t.Errorf("Insert got handle %d, wanted %d", h, want)
		}
	}
}

func TestHighWaterMarkShrinks(t *testing.T) {
	tbl := NewTable(0)
	for i := 0; i < 4; i++ {
		if _, err := tbl.Insert(newTestObject()); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	for _, h := range []Handle{3, 4} {
		if err := tbl.Put(h); err != nil {
			t.Fatalf("Put(%d) failed: %v", h, err)
		}
	}
	if got := tbl.free.Len(); got != 0 {
		t.Errorf("free handles got %d, wanted 0", got)
	}
	if tbl.next != 3 {
		t.Errorf("next got %d, wanted 3", tbl.next)
	}
	if diff := cmp.Diff([]Handle{1, 2}, tbl.Handles()); diff != "" {
		t.Errorf("Handles mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertAllIsAllOrNone(t *testing.T) {
	tbl := NewTable(3)
	if _, err := tbl.Insert(newTestObject()); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	a, b, c := newTestObject(), newTestObject(), newTestObject()
	if _, err := tbl.InsertAll([]Object{a, b, c}); err != ipcerr.ErrLimitExceeded {
		t.Fatalf("InsertAll got %v, wanted %v", err, ipcerr.ErrLimitExceeded)
	}
	if got := tbl.Count(); got != 1 {
		t.Errorf("Count after failed InsertAll got %d, wanted 1", got)
	}
	for _, o := range []*testObject{a, b, c} {
		if o.destroyed || o.ReadRefs() != 1 {
			t.Errorf("caller reference not preserved: destroyed=%v refs=%d", o.destroyed, o.ReadRefs())
		}
	}

	hs, err := tbl.InsertAll([]Object{a, b})
	if err != nil {
		t.Fatalf("InsertAll failed: %v", err)
	}
	if diff := cmp.Diff([]Handle{2, 3}, hs); diff != "" {
		t.Errorf("InsertAll handles mismatch (-want +got):\n%s", diff)
	}
	c.DecRef()
}

func TestRemoveTransfersReference(t *testing.T) {
	tbl := NewTable(0)
	o := newTestObject()
	h, err := tbl.Insert(o)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	got, err := tbl.Remove(h)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if o.destroyed {
		t.Fatalf("Remove destroyed the object")
	}
	got.DecRef()
	if !o.destroyed {
		t.Errorf("object not destroyed after last DecRef")
	}
}

func TestRelease(t *testing.T) {
	tbl := NewTable(0)
	objs := []*testObject{newTestObject(), newTestObject()}
	for _, o := range objs {
		if _, err := tbl.Insert(o); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	tbl.Release()
	for i, o := range objs {
		if !o.destroyed {
			t.Errorf("object %d not destroyed by Release", i)
		}
	}
	if got := tbl.Count(); got != 0 {
		t.Errorf("Count after Release got %d, wanted 0", got)
	}
}

func TestProxy(t *testing.T) {
	tbl := NewTable(0)
	o := newTestObject()
	p := NewProxy(o)

	h, err := tbl.Insert(p.Inner())
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := tbl.Lookup(h, TypeTest)
	if err != nil {
		t.Fatalf("Lookup through proxy failed: %v", err)
	}
	if got != Object(o) {
		t.Errorf("Lookup through proxy got %v, wanted %v", got, o)
	}
	got.DecRef()

	shallow, err := tbl.ShallowLookup(h)
	if err != nil {
		t.Fatalf("ShallowLookup failed: %v", err)
	}
	if typ := shallow.Type(); typ != TypeProxyInner {
		t.Errorf("ShallowLookup type got %v, wanted %v", typ, TypeProxyInner)
	}
	shallow.DecRef()

	p.Invalidate()
	if !o.destroyed {
		t.Errorf("wrapped object not destroyed by Invalidate")
	}
	if p.Valid() {
		t.Errorf("Valid got true after Invalidate")
	}
	if _, err := tbl.Lookup(h, TypeTest); err != ipcerr.ErrNotFound {
		t.Errorf("Lookup through invalidated proxy got %v, wanted %v", err, ipcerr.ErrNotFound)
	}

	// The stand-in survives the invalidation and goes away with its handle.
	if err := tbl.Put(h); err != nil {
		t.Errorf("Put failed: %v", err)
	}
	p.DecRef()
}

func TestProxyDropReleasesWrapped(t *testing.T) {
	o := newTestObject()
	p := NewProxy(o)
	inner := p.Inner()
	p.DecRef()
	if o.destroyed {
		t.Fatalf("wrapped object destroyed while a stand-in is alive")
	}
	inner.DecRef()
	if !o.destroyed {
		t.Errorf("wrapped object not destroyed after the last stand-in went away")
	}
}

func TestNestedProxy(t *testing.T) {
	o := newTestObject()
	outer := NewProxy(o)
	nested := NewProxy(outer.Inner())
	ref := nested.Inner()

	got := Get(ref, TypeTest)
	if got != Object(o) {
		t.Fatalf("Get through nested proxies got %v, wanted %v", got, o)
	}
	got.DecRef()

	outer.Invalidate()
	if got := Get(ref, TypeTest); got != nil {
		t.Errorf("Get through invalidated inner proxy got %v, wanted nil", got)
	}

	ref.DecRef()
	nested.DecRef()
	outer.DecRef()
	if !o.destroyed {
		t.Errorf("wrapped object not destroyed")
	}
}
