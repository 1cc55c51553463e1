// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// SpinMutex is a test-and-set spin lock over a value of type T.
//
// It exists as a baseline to compare UpgradableLock against; it has no
// shared mode. The zero value is an unlocked mutex holding the zero T.
type SpinMutex[T any] struct {
	locked atomic.Bool
	_      cpu.CacheLinePad
	val    T
}

// NewSpinMutex returns an unlocked SpinMutex owning v.
func NewSpinMutex[T any](v T) *SpinMutex[T] {
	return &SpinMutex[T]{val: v}
}

// Lock spins until the mutex is acquired.
func (m *SpinMutex[T]) Lock() SpinGuard[T] {
	var w spinWait
	for {
		if !m.locked.Load() && m.locked.CompareAndSwap(false, true) {
			return SpinGuard[T]{m: m}
		}
		w.wait()
	}
}

// TryLock makes a single attempt to acquire the mutex.
func (m *SpinMutex[T]) TryLock() (SpinGuard[T], bool) {
	if m.locked.CompareAndSwap(false, true) {
		return SpinGuard[T]{m: m}, true
	}
	return SpinGuard[T]{}, false
}

// WithLock calls f with the mutex held.
func (m *SpinMutex[T]) WithLock(f func(p *T)) {
	g := m.Lock()
	defer g.Release()
	f(g.Value())
}

// SpinGuard is a held SpinMutex.
type SpinGuard[T any] struct {
	m *SpinMutex[T]
}

// Value returns the guarded value.
func (g *SpinGuard[T]) Value() *T {
	if g.m == nil {
		panic("syncs: use of released guard")
	}
	return &g.m.val
}

// Release unlocks the mutex.
func (g *SpinGuard[T]) Release() {
	m := g.m
	if m == nil {
		panic("syncs: use of released guard")
	}
	g.m = nil
	m.locked.Store(false)
}
