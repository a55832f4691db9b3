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

package sync

import (
	"sync/atomic"
)

// gateClosed is set in Gate.users once the gate is closed. The remaining
// bits count the goroutines inside.
const gateClosed = 1 << 31

// Gate admits goroutines until it is closed. Entering never blocks: it
// either succeeds or fails because the gate is closed. Close blocks until
// every goroutine that entered has left.
//
// A Gate guards an object that is torn down while other goroutines may
// still be using it:
//
//	if !g.Enter() {
//		return errClosed
//	}
//	defer g.Leave()
//	// Use the object.
//
// and the owner does:
//
//	g.Close()
//	// Tear the object down.
//
// The zero value is an open gate. Only one goroutine may call Close; later
// calls return at once.
type Gate struct {
	users atomic.Uint32

	// done is created by Close if it has to wait, and closed by the last
	// goroutine to leave.
	done chan struct{}
}

// Enter enters the gate unless it is closed. On success the caller must
// call Leave.
func (g *Gate) Enter() bool {
	if g == nil {
		return false
	}
	for {
		v := g.users.Load()
		if v&gateClosed != 0 {
			return false
		}
		if g.users.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// Leave leaves the gate after a successful Enter. The last goroutine to
// leave a closed gate releases the closer.
func (g *Gate) Leave() {
	v := g.users.Add(^uint32(0))
	if (v+1)&^gateClosed == 0 {
		panic("leaving a gate with zero usage count")
	}
	if v == gateClosed {
		close(g.done)
	}
}

// Close stops new goroutines from entering and waits until all goroutines
// inside have left.
func (g *Gate) Close() {
	for {
		v := g.users.Load()
		if v&gateClosed != 0 {
			return
		}
		if v != 0 && g.done == nil {
			g.done = make(chan struct{})
		}
		if g.users.CompareAndSwap(v, v|gateClosed) {
			if v != 0 {
				<-g.done
			}
			return
		}
	}
}

// Closed returns true once Close has been called.
func (g *Gate) Closed() bool {
	return g.users.Load()&gateClosed != 0
}
