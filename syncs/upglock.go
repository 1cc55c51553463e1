// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Lock word encoding. The word is always exactly one of:
//
//	lockFree            no holders
//	1 .. maxShared      that many shared holders
//	lockExclusive       one exclusive holder (top bit alone)
const (
	lockFree      uint64 = 0
	lockExclusive uint64 = 1 << 63
	maxShared            = lockExclusive - 1
)

// UpgradableLock is a spinning shared/exclusive lock over a value of type T,
// built from a single atomic word.
//
// The lock owns its value: it is only reachable through a live guard
// returned by LockShared or LockExclusive. Shared holders may run
// concurrently and must treat the value as read-only, except for fields that
// are themselves atomics. An exclusive holder excludes everyone else.
//
// An exclusive hold can be downgraded to a shared one without ever
// releasing the lock. A shared hold can be upgraded to an exclusive one, but
// only by releasing it first: other goroutines may acquire the lock in
// between, so whatever condition motivated the upgrade must be re-checked
// afterwards.
//
// Waiters spin (see spinWait) and are served in no particular order. A
// steady stream of shared holders can starve an exclusive waiter.
//
// T must be safe to share between goroutines under the rules above. The
// zero value is an unlocked lock holding the zero T. An UpgradableLock
// must not be copied after first use.
type UpgradableLock[T any] struct {
	state atomic.Uint64
	_     cpu.CacheLinePad // keep waiters polling state off the value's cache line
	val   T
}

// NewUpgradableLock returns a new unlocked lock owning v.
func NewUpgradableLock[T any](v T) *UpgradableLock[T] {
	return &UpgradableLock[T]{val: v}
}

// LockShared blocks until no exclusive holder exists and returns a shared
// guard.
func (l *UpgradableLock[T]) LockShared() SharedGuard[T] {
	var w spinWait
	for {
		s := l.state.Load()
		if s < maxShared {
			if l.state.CompareAndSwap(s, s+1) {
				return SharedGuard[T]{l: l}
			}
			// Another shared holder moved the count; retry at once.
			continue
		}
		w.wait()
	}
}

// TryLockShared is like LockShared but reports false instead of waiting
// for an exclusive holder to leave.
func (l *UpgradableLock[T]) TryLockShared() (SharedGuard[T], bool) {
	for {
		s := l.state.Load()
		if s >= maxShared {
			return SharedGuard[T]{}, false
		}
		if l.state.CompareAndSwap(s, s+1) {
			return SharedGuard[T]{l: l}, true
		}
	}
}

// LockExclusive blocks until the lock is free and returns an exclusive
// guard.
func (l *UpgradableLock[T]) LockExclusive() ExclusiveGuard[T] {
	var w spinWait
	for {
		if l.state.Load() == lockFree && l.state.CompareAndSwap(lockFree, lockExclusive) {
			return ExclusiveGuard[T]{l: l}
		}
		w.wait()
	}
}

// TryLockExclusive makes a single attempt to take the lock exclusively.
func (l *UpgradableLock[T]) TryLockExclusive() (ExclusiveGuard[T], bool) {
	if l.state.CompareAndSwap(lockFree, lockExclusive) {
		return ExclusiveGuard[T]{l: l}, true
	}
	return ExclusiveGuard[T]{}, false
}

// State returns a snapshot of the lock word. It is meant for diagnostics and
// tests; the answer may be stale by the time it is examined.
func (l *UpgradableLock[T]) State() LockState {
	return LockState(l.state.Load())
}

func (l *UpgradableLock[T]) releaseShared() {
	l.state.Add(^uint64(0))
}

// SharedGuard is a shared hold on an UpgradableLock.
//
// Exactly one of Release, Upgrade, or MapShared must be called on it. Guards
// are handles, not values: copying one and releasing both copies corrupts
// the lock.
type SharedGuard[T any] struct {
	l *UpgradableLock[T]
}

func (g *SharedGuard[T]) lock() *UpgradableLock[T] {
	if g.l == nil {
		panic("syncs: use of released guard")
	}
	return g.l
}

// Value returns the guarded value. It must not be modified except through
// atomic fields, and must not be used after the guard is released.
func (g *SharedGuard[T]) Value() *T {
	return &g.lock().val
}

// Release gives up the shared hold.
func (g *SharedGuard[T]) Release() {
	l := g.lock()
	g.l = nil
	l.releaseShared()
}

// Upgrade releases the shared hold and then acquires the lock exclusively.
//
// This is not atomic. Between the release and the new acquisition other
// goroutines may take the lock, including exclusively, and change the value.
// Callers must re-validate anything they read under the shared hold.
func (g *SharedGuard[T]) Upgrade() ExclusiveGuard[T] {
	l := g.lock()
	g.Release()
	return l.LockExclusive()
}

// ExclusiveGuard is the exclusive hold on an UpgradableLock.
//
// Exactly one of Release or Downgrade must be called on it.
type ExclusiveGuard[T any] struct {
	l *UpgradableLock[T]
}

func (g *ExclusiveGuard[T]) lock() *UpgradableLock[T] {
	if g.l == nil {
		panic("syncs: use of released guard")
	}
	return g.l
}

// Value returns the guarded value, which may be freely modified until the
// guard is released or downgraded.
func (g *ExclusiveGuard[T]) Value() *T {
	return &g.lock().val
}

// Release gives up the exclusive hold.
func (g *ExclusiveGuard[T]) Release() {
	l := g.lock()
	g.l = nil
	l.state.Store(lockFree)
}

// Downgrade converts the exclusive hold into a shared hold in one atomic
// store. The lock is never observable as free in between, so anything
// established under the exclusive hold still holds for the returned guard.
func (g *ExclusiveGuard[T]) Downgrade() SharedGuard[T] {
	l := g.lock()
	g.l = nil
	l.state.Store(1)
	return SharedGuard[T]{l: l}
}

// MappedGuard is a shared hold on an UpgradableLock[T] that only exposes a
// part F of the guarded value. It lets a borrow of one element of a
// container keep the whole container locked without exposing its layout.
type MappedGuard[T, F any] struct {
	l *UpgradableLock[T]
	v *F
}

// MapShared consumes g and returns a guard exposing fn(g.Value()) under the
// same shared hold. g must not be used afterwards.
func MapShared[T, F any](g *SharedGuard[T], fn func(*T) *F) MappedGuard[T, F] {
	l := g.lock()
	g.l = nil
	return MappedGuard[T, F]{l: l, v: fn(&l.val)}
}

// MapMapped narrows a mapped guard further. g must not be used afterwards.
func MapMapped[T, F, U any](g *MappedGuard[T, F], fn func(*F) *U) MappedGuard[T, U] {
	l := g.lock()
	v := g.v
	g.l, g.v = nil, nil
	return MappedGuard[T, U]{l: l, v: fn(v)}
}

func (g *MappedGuard[T, F]) lock() *UpgradableLock[T] {
	if g.l == nil {
		panic("syncs: use of released guard")
	}
	return g.l
}

// Value returns the narrowed view. The same read-only rules as
// SharedGuard.Value apply.
func (g *MappedGuard[T, F]) Value() *F {
	g.lock()
	return g.v
}

// Release gives up the shared hold.
func (g *MappedGuard[T, F]) Release() {
	l := g.lock()
	g.l, g.v = nil, nil
	l.releaseShared()
}

// Upgrade widens back to the whole value and acquires it exclusively, with
// the same gap as SharedGuard.Upgrade.
func (g *MappedGuard[T, F]) Upgrade() ExclusiveGuard[T] {
	l := g.lock()
	g.Release()
	return l.LockExclusive()
}

// LockState is a decoded snapshot of an UpgradableLock's state word.
type LockState uint64

// IsFree reports whether the lock had no holders.
func (s LockState) IsFree() bool { return uint64(s) == lockFree }

// IsExclusive reports whether the lock was held exclusively.
func (s LockState) IsExclusive() bool { return uint64(s) == lockExclusive }

// Shared returns the number of shared holders, or 0 if the lock was free or
// held exclusively.
func (s LockState) Shared() int {
	if uint64(s) >= lockExclusive {
		return 0
	}
	return int(s)
}

func (s LockState) String() string {
	switch {
	case s.IsFree():
		return "free"
	case s.IsExclusive():
		return "exclusive"
	case uint64(s) > lockExclusive:
		return fmt.Sprintf("invalid(%#x)", uint64(s))
	default:
		return fmt.Sprintf("shared(%d)", s.Shared())
	}
}
