// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package avecbench

import (
	"errors"
	"fmt"
	"slices"

	"avec.dev/syncs"
	"avec.dev/util/avec"
)

// Container is the surface the workloads drive. *avec.Vec satisfies it, as
// do the lock-around-a-slice baselines in this package.
type Container[T any] interface {
	Push(T)
	At(int) (T, bool)
	Len() int
}

var (
	_ Container[int] = (*avec.Vec[int])(nil)
	_ Container[int] = (*MutexVec[int])(nil)
	_ Container[int] = (*SpinVec[int])(nil)
)

// Impls lists the container names accepted by NewContainer, in the order
// reports print them.
var Impls = []string{"avec", "mutex", "spin"}

// ErrUnknownImpl is returned by NewContainer for a name not in Impls.
var ErrUnknownImpl = errors.New("unknown container implementation")

// NewContainer returns an empty container of the named implementation with
// room for capacity elements.
func NewContainer(impl string, capacity int) (Container[int], error) {
	switch impl {
	case "avec":
		return avec.New[int](capacity), nil
	case "mutex":
		return NewMutexVec[int](capacity), nil
	case "spin":
		return NewSpinVec[int](capacity), nil
	}
	return nil, fmt.Errorf("%q (want one of %v): %w", impl, Impls, ErrUnknownImpl)
}

// MutexVec is a slice behind a syncs.Mutex. Every operation, reads
// included, takes the mutex.
type MutexVec[T any] struct {
	mu syncs.Mutex
	s  []T
}

// NewMutexVec returns an empty MutexVec with room for capacity elements.
func NewMutexVec[T any](capacity int) *MutexVec[T] {
	return &MutexVec[T]{s: make([]T, 0, max(capacity, 0))}
}

func (v *MutexVec[T]) Push(x T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.s = append(v.s, x)
}

func (v *MutexVec[T]) At(i int) (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i < 0 || i >= len(v.s) {
		var zero T
		return zero, false
	}
	return v.s[i], true
}

func (v *MutexVec[T]) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.s)
}

// SpinVec is a slice behind a syncs.SpinMutex.
type SpinVec[T any] struct {
	mu syncs.SpinMutex[[]T]
}

// NewSpinVec returns an empty SpinVec with room for capacity elements.
func NewSpinVec[T any](capacity int) *SpinVec[T] {
	v := new(SpinVec[T])
	v.mu.WithLock(func(s *[]T) {
		*s = slices.Grow(*s, max(capacity, 0))
	})
	return v
}

func (v *SpinVec[T]) Push(x T) {
	v.mu.WithLock(func(s *[]T) {
		*s = append(*s, x)
	})
}

func (v *SpinVec[T]) At(i int) (x T, ok bool) {
	g := v.mu.Lock()
	defer g.Release()
	s := *g.Value()
	if i < 0 || i >= len(s) {
		return x, false
	}
	return s[i], true
}

func (v *SpinVec[T]) Len() int {
	g := v.mu.Lock()
	defer g.Release()
	return len(*g.Value())
}
