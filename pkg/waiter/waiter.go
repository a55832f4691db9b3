// Copyright 2016 The Netstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package waiter provides the blocking primitives used by IPC objects:
// deadlines, single-slot waiters and token queues.
//
// Objects that make a blocking function out of a non-blocking one use a
// pattern similar to this:
//
//	func (o *object) blockingWrite(ctx context.Context, d waiter.Deadline) error {
//		o.mu.Lock()
//		timedOut := false
//		for !o.tryWrite() {
//			if d.IsNonBlocking() || timedOut {
//				o.mu.Unlock()
//				return ipcerr.ErrTimedOut
//			}
//			w := waiter.NewWaiter()
//			o.waiting = w
//			o.mu.Unlock()
//			err := w.Wait(ctx, d)
//			o.mu.Lock()
//			if o.waiting == w {
//				o.waiting = nil
//			}
//			if err == ipcerr.ErrInterrupted {
//				o.mu.Unlock()
//				return err
//			}
//			timedOut = err == ipcerr.ErrTimedOut
//		}
//		o.mu.Unlock()
//		return nil
//	}
//
// Another goroutine wakes the registered waiter when the state changes:
//
//	func (o *object) Read(...) ... {
//		o.mu.Lock()
//		// Do read work.
//		[...]
//		w := o.waiting
//		o.waiting = nil
//		o.mu.Unlock()
//		if w != nil {
//			w.Wake()
//		}
//	}
package waiter

import (
	"context"
	"time"

	"spindle.dev/spindle/pkg/errors/ipcerr"
)

// Deadline bounds a blocking operation. The zero value never times out.
type Deadline struct {
	t           time.Time
	nonblocking bool
}

var (
	// NoTimeout blocks until the operation completes or is interrupted.
	NoTimeout = Deadline{}

	// NonBlocking fails immediately instead of blocking.
	NonBlocking = Deadline{nonblocking: true}
)

// At returns a deadline that expires at t.
func At(t time.Time) Deadline {
	return Deadline{t: t}
}

// After returns a deadline that expires d from now.
func After(d time.Duration) Deadline {
	return At(time.Now().Add(d))
}

// IsNonBlocking returns true if d is NonBlocking.
func (d Deadline) IsNonBlocking() bool {
	return d.nonblocking
}

// HasTimeout returns true if d expires at some point in time.
func (d Deadline) HasTimeout() bool {
	return !d.nonblocking && !d.t.IsZero()
}

// Time returns the expiry time of d, or the zero time.
func (d Deadline) Time() time.Time {
	return d.t
}

// Expired returns true if waiting with d would time out immediately.
func (d Deadline) Expired() bool {
	if d.nonblocking {
		return true
	}
	return d.HasTimeout() && !time.Now().Before(d.t)
}

// String implements fmt.Stringer.String.
func (d Deadline) String() string {
	switch {
	case d.nonblocking:
		return "nonblocking"
	case d.t.IsZero():
		return "none"
	default:
		return d.t.Format(time.RFC3339Nano)
	}
}

// timer returns a channel that fires when d expires, and a function that
// stops it. The channel is nil if d never expires.
func (d Deadline) timer() (<-chan time.Time, func()) {
	if !d.HasTimeout() {
		return nil, func() {}
	}
	t := time.NewTimer(time.Until(d.t))
	return t.C, func() { t.Stop() }
}

// Waiter is a single-use wakeup slot for one blocked goroutine.
//
// Wakeups are not counted: any number of Wake calls made before or during
// Wait cause exactly one return.
type Waiter struct {
	ch chan struct{}
}

// NewWaiter returns a Waiter ready for one Wait.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan struct{}, 1)}
}

// Wake makes a pending or future Wait return nil.
func (w *Waiter) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Wake is called. It returns ipcerr.ErrTimedOut if the
// deadline passes first and ipcerr.ErrInterrupted if ctx is done first.
func (w *Waiter) Wait(ctx context.Context, d Deadline) error {
	select {
	case <-w.ch:
		return nil
	default:
	}
	if d.Expired() {
		return ipcerr.ErrTimedOut
	}
	expired, stop := d.timer()
	defer stop()
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ipcerr.ErrInterrupted
	case <-expired:
		return ipcerr.ErrTimedOut
	}
}

// Queue is a closeable token queue. Sleep takes a token and Wake returns one,
// so a Queue created with one token admits one goroutine at a time.
//
// Once closed, Sleep returns immediately without taking a token. Callers are
// expected to notice the owning object's destruction afterwards.
type Queue struct {
	tokens chan struct{}
	closed chan struct{}
}

// NewQueue returns a queue holding n tokens, which is also the most it will
// ever hold.
func NewQueue(n int) *Queue {
	q := &Queue{
		tokens: make(chan struct{}, n),
		closed: make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		q.tokens <- struct{}{}
	}
	return q
}

// Sleep takes a token, blocking until one is available. It returns
// ipcerr.ErrTimedOut if the deadline passes first and ipcerr.ErrInterrupted
// if ctx is done first.
func (q *Queue) Sleep(ctx context.Context, d Deadline) error {
	select {
	case <-q.tokens:
		return nil
	case <-q.closed:
		return nil
	default:
	}
	if d.Expired() {
		return ipcerr.ErrTimedOut
	}
	expired, stop := d.timer()
	defer stop()
	select {
	case <-q.tokens:
		return nil
	case <-q.closed:
		return nil
	case <-ctx.Done():
		return ipcerr.ErrInterrupted
	case <-expired:
		return ipcerr.ErrTimedOut
	}
}

// Wake returns a token to the queue, admitting one sleeper.
func (q *Queue) Wake() {
	select {
	case q.tokens <- struct{}{}:
	default:
		// A closed queue admits everyone, and an open one never holds more
		// tokens than it started with.
	}
}

// Close wakes every sleeper and makes all later Sleep calls return
// immediately. Close must be called at most once.
func (q *Queue) Close() {
	close(q.closed)
}

// IsClosed returns true if Close has been called.
func (q *Queue) IsClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Available returns the number of tokens in the queue. The result is
// inherently racy.
func (q *Queue) Available() int {
	return len(q.tokens)
}
