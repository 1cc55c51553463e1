// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package avec provides Vec, a contiguous growable sequence that any number
// of goroutines may append to and read from concurrently.
//
// All operations take a shared hold on one syncs.UpgradableLock. Pushes
// reserve a slot with an atomic counter and write it under that shared
// hold, so they do not exclude each other. Only growing the backing array
// takes the lock exclusively.
package avec

import (
	"fmt"
	"iter"
	"log"
	"sync/atomic"

	"avec.dev/envknob"
	"avec.dev/syncs"
	"avec.dev/types/logger"
)

var debugGrow = envknob.RegisterBool("AVEC_DEBUG_GROW")

// slot is one element of the backing array. ready is set once v has been
// written and never cleared while the array is live.
type slot[T any] struct {
	v     T
	ready atomic.Bool
}

// state is everything guarded by a Vec's lock.
//
// reserved counts slots handed out to pushers. published is the watermark:
// every slot below it is ready. Slots in [published, reserved) are being
// written, or are ready but wait on an earlier slot that is not.
type state[T any] struct {
	buf       []slot[T]
	reserved  atomic.Int64
	published atomic.Int64
	grows     int  // exclusive hold only
	closed    bool // exclusive hold only
}

// publish advances the watermark over every contiguous ready slot. Any
// writer may carry it past slots that other writers finished, so nobody
// waits for a slower writer.
func (s *state[T]) publish() {
	for {
		w := s.published.Load()
		if w >= int64(len(s.buf)) || !s.buf[w].ready.Load() {
			return
		}
		s.published.CompareAndSwap(w, w+1)
	}
}

// Options configures a Vec.
type Options[T any] struct {
	// Logf, if non-nil, receives a line each time the backing array grows.
	// If nil, growth is logged with log.Printf when AVEC_DEBUG_GROW is set
	// and discarded otherwise.
	Logf logger.Logf

	// Release, if non-nil, is called by Close exactly once for each element
	// in the Vec, in index order, with the Vec locked exclusively. It must
	// not call back into the Vec.
	Release func(T)
}

// Vec is a concurrent append-only vector.
//
// Elements are pushed with Push and read with Get or At. Elements in
// [0, Len()) are always fully written: a slot that has been reserved by a
// Push still in flight is not visible until that Push (and every earlier
// one) has stored its value.
//
// T must be safe to read from several goroutines at once. The zero value
// is an empty Vec ready to use. A Vec must not be copied after first use.
type Vec[T any] struct {
	lock    syncs.UpgradableLock[state[T]]
	logf    logger.Logf
	release func(T)
}

// New returns an empty Vec with room for capacity elements before its
// first growth. Capacities below 1 are treated as 1.
func New[T any](capacity int) *Vec[T] {
	return NewWithOptions(capacity, Options[T]{})
}

// NewWithOptions is like New but with options.
func NewWithOptions[T any](capacity int, opts Options[T]) *Vec[T] {
	capacity = max(capacity, 1)
	logf := opts.Logf
	if logf == nil {
		if debugGrow() {
			logf = log.Printf
		} else {
			logf = logger.Discard
		}
	}
	v := &Vec[T]{
		logf:    logger.WithPrefix(logf, "avec: "),
		release: opts.Release,
	}
	x := v.lock.LockExclusive()
	x.Value().buf = make([]slot[T], capacity)
	x.Release()
	return v
}

func (v *Vec[T]) logfOrDiscard() logger.Logf {
	if v.logf == nil {
		return logger.Discard
	}
	return v.logf
}

// Push appends x.
//
// The value is copied into the Vec; the Vec then owns that copy. Push panics
// if the Vec has been closed.
func (v *Vec[T]) Push(x T) {
	g, i := v.reserve()
	v.fill(g, i, x)
}

// reserve claims the next index and returns it along with a shared guard
// under which the backing array is known to cover it.
func (v *Vec[T]) reserve() (syncs.SharedGuard[state[T]], int) {
	g := v.lock.LockShared()
	s := g.Value()
	if s.closed {
		g.Release()
		panic("avec: Push on closed Vec")
	}
	i := int(s.reserved.Add(1) - 1)
	return v.ensureCapacity(g, i+1), i
}

// fill writes x into the reserved slot i, publishes it, and releases g.
func (v *Vec[T]) fill(g syncs.SharedGuard[state[T]], i int, x T) {
	s := g.Value()
	sl := &s.buf[i]
	sl.v = x
	sl.ready.Store(true)
	s.publish()
	g.Release()
}

// ensureCapacity consumes g and returns a shared guard under which the
// backing array holds at least need elements.
func (v *Vec[T]) ensureCapacity(g syncs.SharedGuard[state[T]], need int) syncs.SharedGuard[state[T]] {
	if need <= len(g.Value().buf) {
		return g
	}
	x := g.Upgrade()
	s := x.Value()
	if s.closed {
		x.Release()
		panic("avec: Push on closed Vec")
	}
	// The upgrade let others in; one of them may have grown it already.
	if old := len(s.buf); need > old {
		newCap := max(old*2, 1)
		for newCap < need {
			newCap *= 2
		}
		buf := make([]slot[T], newCap)
		copy(buf, s.buf)
		s.buf = buf
		s.grows++
		v.logfOrDiscard()("grew %d -> %d (need %d)", old, newCap, need)
	}
	return x.Downgrade()
}

// Ref is a borrowed element of a Vec. It holds the Vec's lock shared, so
// the backing array cannot move while it is live; an outstanding Ref
// therefore stalls any Push that needs to grow the Vec. Release it promptly.
type Ref[T any] struct {
	g syncs.MappedGuard[state[T], T]
}

// Value returns the element. It must not be modified, and must not be used
// after Release.
func (r *Ref[T]) Value() *T {
	return r.g.Value()
}

// Release ends the borrow.
func (r *Ref[T]) Release() {
	r.g.Release()
}

// Get borrows element i. It reports false if i is not in [0, Len()).
func (v *Vec[T]) Get(i int) (Ref[T], bool) {
	g := v.lock.LockShared()
	s := g.Value()
	if i < 0 || int64(i) >= s.published.Load() {
		g.Release()
		return Ref[T]{}, false
	}
	return Ref[T]{g: syncs.MapShared(&g, func(s *state[T]) *T { return &s.buf[i].v })}, true
}

// At returns a copy of element i. It reports false if i is not in
// [0, Len()).
func (v *Vec[T]) At(i int) (T, bool) {
	r, ok := v.Get(i)
	if !ok {
		var zero T
		return zero, false
	}
	defer r.Release()
	return *r.Value(), true
}

// All returns an iterator over the elements published so far, in index
// order. Elements pushed while iterating may or may not be seen.
func (v *Vec[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := 0; ; i++ {
			x, ok := v.At(i)
			if !ok || !yield(i, x) {
				return
			}
		}
	}
}

// Len returns the number of elements published so far. It never counts a
// Push that has not finished writing its element.
func (v *Vec[T]) Len() int {
	g := v.lock.LockShared()
	defer g.Release()
	return int(g.Value().published.Load())
}

// Cap returns the current capacity of the backing array.
func (v *Vec[T]) Cap() int {
	g := v.lock.LockShared()
	defer g.Release()
	return len(g.Value().buf)
}

// Close tears the Vec down. It waits for every outstanding Ref and
// in-flight Push, calls Options.Release for each element, and drops the
// backing array. Calling Close again does nothing. Push panics after Close;
// Len reports 0 and Get reports false.
func (v *Vec[T]) Close() {
	x := v.lock.LockExclusive()
	defer x.Release()
	s := x.Value()
	if s.closed {
		return
	}
	s.closed = true
	if v.release != nil {
		for i := range s.buf {
			if s.buf[i].ready.Load() {
				v.release(s.buf[i].v)
			}
		}
	}
	clear(s.buf)
	s.buf = nil
	s.reserved.Store(0)
	s.published.Store(0)
}

// Stats returns a snapshot of the Vec's counters.
func (v *Vec[T]) Stats() Stats {
	g := v.lock.LockShared()
	defer g.Release()
	s := g.Value()
	return Stats{
		Len:      int(s.published.Load()),
		Reserved: int(s.reserved.Load()),
		Cap:      len(s.buf),
		Grows:    s.grows,
	}
}

// Stats contains statistics about a Vec.
type Stats struct {
	Len      int // published elements
	Reserved int // slots handed out to pushers, finished or not
	Cap      int // capacity of the backing array
	Grows    int // number of times the backing array was reallocated
}

func (s Stats) String() string {
	return fmt.Sprintf("Vec{len=%d, reserved=%d, cap=%d, grows=%d}", s.Len, s.Reserved, s.Cap, s.Grows)
}
