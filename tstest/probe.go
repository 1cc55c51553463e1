// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"testing"
	"time"
)

// Probe runs a function that is expected to block, typically a lock
// acquisition, and lets a test check whether it has returned yet.
type Probe struct {
	done chan struct{}
}

// StartProbe runs fn in a new goroutine.
func StartProbe(fn func()) *Probe {
	p := &Probe{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		fn()
	}()
	return p
}

// Finished reports whether fn has returned.
func (p *Probe) Finished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// AssertBlocked fails the test if fn returns within d.
func (p *Probe) AssertBlocked(tb testing.TB, d time.Duration) {
	tb.Helper()
	select {
	case <-p.done:
		tb.Fatalf("probe finished within %v, want still blocked", d)
	case <-time.After(d):
	}
}

// AssertDone fails the test if fn has not returned within d.
func (p *Probe) AssertDone(tb testing.TB, d time.Duration) {
	tb.Helper()
	select {
	case <-p.done:
	case <-time.After(d):
		tb.Fatalf("probe still blocked after %v, want finished", d)
	}
}

// Wait blocks until fn returns.
func (p *Probe) Wait() { <-p.done }
