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
	"spindle.dev/spindle/pkg/sync"
)

// Proxy is a revocable stand-in for another object.
//
// The holder of the Proxy hands out ProxyRefs obtained from Inner. A
// ProxyRef behaves like the wrapped object in every typed lookup until the
// Proxy is invalidated, after which it behaves like an invalid handle
// without affecting the wrapped object.
type Proxy struct {
	Base

	inner *ProxyRef
}

// ProxyRef is the object given out in place of the wrapped one.
type ProxyRef struct {
	Base

	mu sync.Mutex

	// wrapped is nil once the proxy has been invalidated. Protected by mu.
	wrapped Object
}

// NewProxy returns a proxy for wrapped. The caller's reference to wrapped is
// consumed.
func NewProxy(wrapped Object) *Proxy {
	p := &Proxy{inner: &ProxyRef{wrapped: wrapped}}
	p.Init(TypeProxyOuter, p.inner.DecRef)
	p.inner.Init(TypeProxyInner, p.inner.invalidate)
	return p
}

// Inner returns a new reference to the proxy's stand-in object.
func (p *Proxy) Inner() *ProxyRef {
	p.inner.IncRef()
	return p.inner
}

// Invalidate drops the wrapped reference. Lookups through the proxy's
// stand-in fail from now on.
func (p *Proxy) Invalidate() {
	p.inner.invalidate()
}

// Valid returns true if the proxy has not been invalidated.
func (p *Proxy) Valid() bool {
	p.inner.mu.Lock()
	defer p.inner.mu.Unlock()
	return p.inner.wrapped != nil
}

// Wrapped returns a new reference to the wrapped object, or nil if the proxy
// has been invalidated.
func (r *ProxyRef) Wrapped() Object {
	// The reference must be taken under the lock to avoid racing with
	// invalidate.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.wrapped == nil {
		return nil
	}
	r.wrapped.IncRef()
	return r.wrapped
}

func (r *ProxyRef) invalidate() {
	r.mu.Lock()
	wrapped := r.wrapped
	r.wrapped = nil
	r.mu.Unlock()
	if wrapped != nil {
		wrapped.DecRef()
	}
}
