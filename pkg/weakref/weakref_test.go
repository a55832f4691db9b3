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

package weakref

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type object struct {
	// freed is set once the owner has finished revoking.
	freed atomic.Bool
}

func TestGetRelease(t *testing.T) {
	obj := &object{}
	w := New(obj)
	if got := w.Get(); got != obj {
		t.Fatalf("Get got %p, wanted %p", got, obj)
	}
	if got := w.Accessors(); got != 1 {
		t.Errorf("Accessors got %d, wanted 1", got)
	}
	w.Release(obj)
	if got := w.Accessors(); got != 0 {
		t.Errorf("Accessors got %d, wanted 0", got)
	}
}

func TestGetAfterRevoke(t *testing.T) {
	w := New(&object{})
	w.IncRef()
	w.Revoke()
	if !w.Revoked() {
		t.Errorf("Revoked got false after Revoke")
	}
	if got := w.Get(); got != nil {
		t.Errorf("Get after Revoke got %p, wanted nil", got)
	}
	if got := w.Accessors(); got != 0 {
		t.Errorf("Accessors got %d, wanted 0", got)
	}
	if got := w.ReadRefs(); got != 1 {
		t.Errorf("ReadRefs got %d, wanted 1", got)
	}
	w.DecRef()
}

func TestRevokeWaitsForRelease(t *testing.T) {
	obj := &object{}
	w := New(obj)
	if w.Get() == nil {
		t.Fatalf("Get failed on a live reference")
	}

	revoked := make(chan struct{})
	go func() {
		w.Revoke()
		close(revoked)
	}()

	select {
	case <-revoked:
		t.Fatalf("Revoke returned while an access was held")
	case <-time.After(50 * time.Millisecond):
	}

	// New accesses must fail while the revocation is pending.
	for !w.Revoked() {
		time.Sleep(time.Millisecond)
	}
	if got := w.Get(); got != nil {
		t.Errorf("Get during revocation got %p, wanted nil", got)
	}

	w.Release(obj)
	select {
	case <-revoked:
	case <-time.After(10 * time.Second):
		t.Fatalf("Revoke did not return after the last Release")
	}
}

func TestReleaseUnderflowPanics(t *testing.T) {
	obj := &object{}
	w := New(obj)
	defer func() {
		if recover() == nil {
			t.Errorf("Release without Get did not panic")
		}
	}()
	w.Release(obj)
}

// TestRevokeStress races many accessors against a single revocation and
// checks that no accessor ever touches the object after Revoke returns.
func TestRevokeStress(t *testing.T) {
	const (
		iterations = 200
		accessors  = 8
	)
	for i := 0; i < iterations; i++ {
		obj := &object{}
		w := New(obj)
		var violations atomic.Int32

		var g errgroup.Group
		start := make(chan struct{})
		for j := 0; j < accessors; j++ {
			g.Go(func() error {
				<-start
				for k := 0; k < 100; k++ {
					o := w.Get()
					if o == nil {
						return nil
					}
					if o.freed.Load() {
						violations.Add(1)
					}
					w.Release(o)
				}
				return nil
			})
		}
		g.Go(func() error {
			<-start
			w.Revoke()
			obj.freed.Store(true)
			return nil
		})
		close(start)
		if err := g.Wait(); err != nil {
			t.Fatalf("errgroup: %v", err)
		}
		if n := violations.Load(); n != 0 {
			t.Fatalf("iteration %d: %d accesses observed a revoked object", i, n)
		}
		if got := w.Accessors(); got != 0 {
			t.Fatalf("iteration %d: Accessors got %d, wanted 0", i, got)
		}
	}
}
