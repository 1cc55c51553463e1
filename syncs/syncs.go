// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package syncs contains spinning lock types built on sync/atomic: an
// upgradable shared/exclusive lock and a plain spin mutex.
//
// Nothing here parks a goroutine. Waiters poll the lock word and yield the
// processor now and then, which keeps hand-off latency low for the very
// short critical sections these locks are meant for.
package syncs
