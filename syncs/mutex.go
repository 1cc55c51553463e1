// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import "sync"

// Mutex is an alias for sync.Mutex.
//
// It is the parking, scheduler-aware lock that the spinning types in this
// package are benchmarked against.
type Mutex = sync.Mutex
