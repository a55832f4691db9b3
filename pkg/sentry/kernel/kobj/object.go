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

// Package kobj implements reference-counted kernel objects and the per-task
// capability tables that map small integer handles to them.
package kobj

import (
	"fmt"

	"spindle.dev/spindle/pkg/refs"
)

// Type identifies the kind of a kernel object.
type Type int

// Object types.
const (
	TypeNone Type = iota
	TypeBuffer
	TypeEndpoint
	TypeBlob
	TypeProxyOuter
	TypeProxyInner

	// TypeTest is used by tests for objects with no behavior of their own.
	TypeTest
)

var typeNames = [...]string{
	TypeNone:       "none",
	TypeBuffer:     "buffer",
	TypeEndpoint:   "endpoint",
	TypeBlob:       "blob",
	TypeProxyOuter: "proxy",
	TypeProxyInner: "proxy reference",
	TypeTest:       "test",
}

// String implements fmt.Stringer.String.
func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Object is a reference-counted kernel object.
type Object interface {
	refs.RefCounter

	// Type returns the kind of the object. It never changes.
	Type() Type
}

// Base implements Object. It is embedded by every kernel object, which must
// call Init before the object is shared.
type Base struct {
	refs.AtomicRefCount

	typ Type

	// destroy is called when the last reference is dropped.
	destroy func()

	// registered is true if the object takes part in leak checking.
	registered bool
}

// Init sets the type and destructor. The object starts with one reference,
// which belongs to the caller.
func (b *Base) Init(typ Type, destroy func()) {
	b.typ = typ
	b.destroy = destroy
	b.registered = refs.Register(b)
}

// Type implements Object.Type.
func (b *Base) Type() Type {
	return b.typ
}

// IncRef implements refs.RefCounter.IncRef.
func (b *Base) IncRef() {
	b.AtomicRefCount.IncRef()
	refs.LogIncRef(b, b.ReadRefs())
}

// DecRef implements refs.RefCounter.DecRef.
func (b *Base) DecRef() {
	b.DecRefWithDestructor(b.release)
	refs.LogDecRef(b, b.ReadRefs())
}

func (b *Base) release() {
	if b.registered {
		refs.Unregister(b)
	}
	if b.destroy != nil {
		b.destroy()
	}
}

// RefType implements refs.CheckedObject.RefType.
func (b *Base) RefType() string {
	return b.typ.String()
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (b *Base) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", b.typ, b, b.ReadRefs())
}

// LogRefs implements refs.CheckedObject.LogRefs.
func (b *Base) LogRefs() bool {
	return false
}

// Get returns obj with a new reference if it is of type typ. Proxy references
// are unwrapped on the way, so an invalidated proxy yields nil. Get does not
// consume the caller's reference to obj.
func Get(obj Object, typ Type) Object {
	if obj == nil {
		return nil
	}
	obj.IncRef()
	for obj != nil && obj.Type() == TypeProxyInner {
		inner := obj.(*ProxyRef)
		wrapped := inner.Wrapped()
		inner.DecRef()
		obj = wrapped
	}
	if obj == nil || obj.Type() == typ {
		return obj
	}
	// Incorrect type, act like we found nothing.
	obj.DecRef()
	return nil
}
