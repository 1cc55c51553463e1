// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"sync"
	"testing"

	"avec.dev/types/logger"
)

// WhileTestRunningLogger returns a logger.Logf that logs to tb.Logf until
// the test finishes and drops messages afterwards. testing.T panics when
// logged to after completion, which goroutines outliving a lock test can
// otherwise trigger.
func WhileTestRunningLogger(tb testing.TB) logger.Logf {
	var (
		mu   sync.Mutex
		done bool
	)
	tb.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		done = true
	})
	return func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		tb.Helper()
		tb.Logf(format, args...)
	}
}
