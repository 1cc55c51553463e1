// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"runtime"

	"avec.dev/envknob"
)

// spinsBeforeYield is how many times a waiter re-polls a lock word before
// handing its P to another goroutine with runtime.Gosched.
var spinsBeforeYield = envknob.RegisterInt("AVEC_SPINS_BEFORE_YIELD", 64)

// spinWait is the back-off state of one acquisition attempt. The zero
// value is ready to use.
//
// Waiting never parks the goroutine on a semaphore or channel. The only
// concession to the scheduler is runtime.Gosched, Go's closest analogue to
// a CPU pause hint: without it a spinner can occupy the P that the lock
// holder needs in order to release.
type spinWait struct {
	spins int
}

func (w *spinWait) wait() {
	w.spins++
	if w.spins < spinsBeforeYield() {
		return
	}
	w.spins = 0
	runtime.Gosched()
}
