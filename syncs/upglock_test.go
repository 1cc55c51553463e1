// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package syncs

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"avec.dev/envknob"
	"avec.dev/tstest"
)

const (
	// stillBlocked is how long a probe must stay blocked to count as
	// excluded by a held lock.
	stillBlocked = 20 * time.Millisecond
	// promptly bounds how long a probe may take once its lock is released.
	promptly = 5 * time.Second
)

func wantPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		recover()
	}()
	fn()
	t.Fatal("failed to panic")
}

func exclusiveProbe[T any](l *UpgradableLock[T]) *tstest.Probe {
	return tstest.StartProbe(func() {
		g := l.LockExclusive()
		g.Release()
	})
}

func sharedProbe[T any](l *UpgradableLock[T]) *tstest.Probe {
	return tstest.StartProbe(func() {
		g := l.LockShared()
		g.Release()
	})
}

func TestSharedBlocksExclusive(t *testing.T) {
	tstest.ResourceCheck(t)
	l := NewUpgradableLock(5)
	g := l.LockShared()
	p := exclusiveProbe(l)
	p.AssertBlocked(t, stillBlocked)
	g.Release()
	p.AssertDone(t, promptly)
}

func TestExclusiveBlocksShared(t *testing.T) {
	tstest.ResourceCheck(t)
	l := NewUpgradableLock(5)
	g := l.LockExclusive()
	p := sharedProbe(l)
	p.AssertBlocked(t, stillBlocked)
	g.Release()
	p.AssertDone(t, promptly)
}

func TestExclusiveBlocksExclusive(t *testing.T) {
	tstest.ResourceCheck(t)
	l := NewUpgradableLock(5)
	g := l.LockExclusive()
	p := exclusiveProbe(l)
	p.AssertBlocked(t, stillBlocked)
	g.Release()
	p.AssertDone(t, promptly)
}

func TestSharedShared(t *testing.T) {
	tstest.ResourceCheck(t)
	l := NewUpgradableLock(5)
	g1 := l.LockShared()
	g2 := l.LockShared()
	if got := l.State().Shared(); got != 2 {
		t.Fatalf("Shared() = %d, want 2", got)
	}
	// A third holder from another goroutine is not blocked either.
	sharedProbe(l).AssertDone(t, promptly)
	g1.Release()
	g2.Release()
	if s := l.State(); !s.IsFree() {
		t.Fatalf("State = %v, want free", s)
	}
}

func TestSharedReleaseThenExclusive(t *testing.T) {
	tstest.ResourceCheck(t)
	l := NewUpgradableLock(5)
	g := l.LockShared()
	g.Release()
	exclusiveProbe(l).AssertDone(t, promptly)
}

func TestPartialSharedReleaseStillBlocks(t *testing.T) {
	tstest.ResourceCheck(t)
	l := NewUpgradableLock(5)
	g1 := l.LockShared()
	g2 := l.LockShared()
	g1.Release()
	p := exclusiveProbe(l)
	p.AssertBlocked(t, stillBlocked)
	g2.Release()
	p.AssertDone(t, promptly)
}

func TestExclusiveReleaseThenShared(t *testing.T) {
	tstest.ResourceCheck(t)
	l := NewUpgradableLock(5)
	g := l.LockExclusive()
	g.Release()
	g1 := l.LockShared()
	g2 := l.LockShared()
	if got := l.State(); got.Shared() != 2 {
		t.Fatalf("State = %v, want shared(2)", got)
	}
	g1.Release()
	g2.Release()
}

func TestDowngradeKeepsLockHeld(t *testing.T) {
	tstest.ResourceCheck(t)
	l := NewUpgradableLock(0)
	x := l.LockExclusive()
	*x.Value() = 7
	p := exclusiveProbe(l)
	p.AssertBlocked(t, stillBlocked)

	s := x.Downgrade()
	if got := l.State(); got.Shared() != 1 {
		t.Fatalf("State after Downgrade = %v, want shared(1)", got)
	}
	if got := *s.Value(); got != 7 {
		t.Fatalf("Value after Downgrade = %d, want 7", got)
	}
	p.AssertBlocked(t, stillBlocked)

	// Shared holders that join after the downgrade keep the writer out too.
	s2 := l.LockShared()
	s.Release()
	p.AssertBlocked(t, stillBlocked)
	s2.Release()
	p.AssertDone(t, promptly)
}

// TestDowngradeIsGapFree hammers a lock with goroutines that try to grab it
// exclusively and stamp the value with their id. The main goroutine writes
// its own stamp under an exclusive hold and downgrades; if the lock were
// ever free during the downgrade a contender could overwrite the stamp
// before the shared hold is in place.
func TestDowngradeIsGapFree(t *testing.T) {
	tstest.ResourceCheck(t)
	const (
		contenders = 4
		rounds     = 2000
		mainID     = -1
	)
	l := NewUpgradableLock(0)
	var stop atomic.Bool
	var wg sync.WaitGroup
	for id := range contenders {
		wg.Go(func() {
			for !stop.Load() {
				if g, ok := l.TryLockExclusive(); ok {
					*g.Value() = id
					g.Release()
				}
			}
		})
	}
	defer func() {
		stop.Store(true)
		wg.Wait()
	}()

	for i := range rounds {
		x := l.LockExclusive()
		*x.Value() = mainID
		s := x.Downgrade()
		got := *s.Value()
		s.Release()
		if got != mainID {
			t.Fatalf("round %d: value = %d after Downgrade, want %d", i, got, mainID)
		}
	}
}

func TestUpgradeReleasesFirst(t *testing.T) {
	tstest.ResourceCheck(t)
	l := NewUpgradableLock(0)
	held := l.LockShared()
	releaseHeld := sync.OnceFunc(held.Release)
	defer releaseHeld()

	up := l.LockShared()
	upgraded := make(chan ExclusiveGuard[int], 1)
	go func() {
		upgraded <- up.Upgrade()
	}()
	defer func() {
		releaseHeld()
		if x, ok := <-upgraded; ok {
			x.Release()
		}
	}()

	// The upgrader drops its shared hold before it spins for the
	// exclusive one, so only held remains.
	deadline := time.Now().Add(promptly)
	for l.State().Shared() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("State = %v, want shared(1) while upgrade waits", l.State())
		}
		time.Sleep(time.Millisecond)
	}
	// Someone else can slip into the gap. An atomic upgrade would refuse
	// new shared holders here.
	intruder, ok := l.TryLockShared()
	if !ok {
		t.Fatal("TryLockShared failed during upgrade gap")
	}
	intruder.Release()

	select {
	case x := <-upgraded:
		upgraded <- x
		t.Fatal("Upgrade finished while another shared holder exists")
	case <-time.After(stillBlocked):
	}
	releaseHeld()
	select {
	case x := <-upgraded:
		if !l.State().IsExclusive() {
			t.Errorf("State = %v, want exclusive", l.State())
		}
		close(upgraded)
		x.Release()
	case <-time.After(promptly):
		t.Fatal("Upgrade still blocked after all shared holders left")
	}
}

// TestUpgradeObservesLatestValue checks that whatever happens in the
// upgrade gap is visible to the upgrader afterwards.
func TestUpgradeObservesLatestValue(t *testing.T) {
	tstest.ResourceCheck(t)
	const rounds = 2000
	l := NewUpgradableLock(0)
	var latest atomic.Int64 // mirror of the value, written under the exclusive hold
	var stop atomic.Bool
	var wg sync.WaitGroup
	for range 3 {
		wg.Go(func() {
			for !stop.Load() {
				x := l.LockExclusive()
				*x.Value()++
				latest.Store(int64(*x.Value()))
				x.Release()
			}
		})
	}
	defer func() {
		stop.Store(true)
		wg.Wait()
	}()

	changed := 0
	for i := range rounds {
		s := l.LockShared()
		before := *s.Value()
		x := s.Upgrade()
		after := *x.Value()
		if int64(after) != latest.Load() {
			x.Release()
			t.Fatalf("round %d: value after Upgrade = %d, want latest %d", i, after, latest.Load())
		}
		if after < before {
			x.Release()
			t.Fatalf("round %d: value went backwards across Upgrade: %d -> %d", i, before, after)
		}
		if after != before {
			changed++
		}
		x.Release()
	}
	t.Logf("value changed inside the upgrade gap in %d/%d rounds", changed, rounds)
}

func TestMappedGuard(t *testing.T) {
	tstest.ResourceCheck(t)
	type pair struct {
		n    int
		name string
	}
	l := NewUpgradableLock(pair{n: 1, name: "one"})

	g := l.LockShared()
	name := MapShared(&g, func(p *pair) *string { return &p.name })
	wantPanic(t, func() { g.Release() })
	if got := *name.Value(); got != "one" {
		t.Fatalf("mapped Value = %q, want %q", got, "one")
	}
	first := MapMapped(&name, func(s *string) *byte { b := (*s)[0]; return &b })
	if got := *first.Value(); got != 'o' {
		t.Fatalf("remapped Value = %q, want 'o'", got)
	}
	if got := l.State().Shared(); got != 1 {
		t.Fatalf("Shared() = %d while mapped, want 1", got)
	}

	p := exclusiveProbe(l)
	p.AssertBlocked(t, stillBlocked)
	first.Release()
	p.AssertDone(t, promptly)

	g = l.LockShared()
	n := MapShared(&g, func(p *pair) *int { return &p.n })
	x := n.Upgrade()
	x.Value().n = 2
	x.Release()
	if s := l.State(); !s.IsFree() {
		t.Fatalf("State = %v, want free", s)
	}
	s := l.LockShared()
	defer s.Release()
	if got := s.Value().n; got != 2 {
		t.Fatalf("n = %d, want 2", got)
	}
}

func TestTryLock(t *testing.T) {
	l := NewUpgradableLock("v")
	x, ok := l.TryLockExclusive()
	if !ok {
		t.Fatal("TryLockExclusive on free lock failed")
	}
	if _, ok := l.TryLockShared(); ok {
		t.Fatal("TryLockShared succeeded under exclusive hold")
	}
	if _, ok := l.TryLockExclusive(); ok {
		t.Fatal("TryLockExclusive succeeded under exclusive hold")
	}
	s := x.Downgrade()
	s2, ok := l.TryLockShared()
	if !ok {
		t.Fatal("TryLockShared under shared hold failed")
	}
	if _, ok := l.TryLockExclusive(); ok {
		t.Fatal("TryLockExclusive succeeded under shared hold")
	}
	s.Release()
	s2.Release()
}

func TestDoubleReleasePanics(t *testing.T) {
	l := NewUpgradableLock(0)

	s := l.LockShared()
	s.Release()
	wantPanic(t, func() { s.Release() })
	wantPanic(t, func() { s.Value() })

	x := l.LockExclusive()
	s = x.Downgrade()
	wantPanic(t, func() { x.Release() })
	s.Release()

	if st := l.State(); !st.IsFree() {
		t.Fatalf("State = %v, want free", st)
	}
}

func TestLockStateString(t *testing.T) {
	tests := []struct {
		s    LockState
		want string
	}{
		{LockState(lockFree), "free"},
		{LockState(1), "shared(1)"},
		{LockState(12), "shared(12)"},
		{LockState(lockExclusive), "exclusive"},
		{LockState(lockExclusive | 1), "invalid(0x8000000000000001)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("LockState(%#x).String() = %q, want %q", uint64(tt.s), got, tt.want)
		}
	}
}

func TestZeroValueLock(t *testing.T) {
	var l UpgradableLock[[]int]
	x := l.LockExclusive()
	*x.Value() = append(*x.Value(), 1)
	x.Release()
	s := l.LockShared()
	defer s.Release()
	if got := len(*s.Value()); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
}

// TestStress mixes readers, writers and upgraders and checks that readers
// never see a half-applied write.
func TestStress(t *testing.T) {
	tstest.ResourceCheck(t)
	type twin struct{ a, b int }
	l := NewUpgradableLock(twin{})

	iters := 5000
	if testing.Short() {
		iters = 500
	}
	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range iters {
				x := l.LockExclusive()
				v := x.Value()
				v.a++
				v.b++
				x.Release()
			}
		})
		wg.Go(func() {
			for range iters {
				s := l.LockShared()
				if v := s.Value(); v.a != v.b {
					t.Errorf("torn read: %+v", *v)
				}
				s.Release()
			}
		})
		wg.Go(func() {
			for range iters / 10 {
				s := l.LockShared()
				x := s.Upgrade()
				v := x.Value()
				v.a++
				v.b++
				s = x.Downgrade()
				if v := s.Value(); v.a != v.b {
					t.Errorf("torn read after downgrade: %+v", *v)
				}
				s.Release()
			}
		})
	}
	wg.Wait()

	s := l.LockShared()
	defer s.Release()
	want := 4*iters + 4*(iters/10)
	if got := s.Value().a; got != want {
		t.Fatalf("a = %d, want %d", got, want)
	}
}

func TestSpinsBeforeYieldKnob(t *testing.T) {
	tstest.ResourceCheck(t)
	envknob.Setenv("AVEC_SPINS_BEFORE_YIELD", "1")
	defer envknob.Setenv("AVEC_SPINS_BEFORE_YIELD", "")
	if got := spinsBeforeYield(); got != 1 {
		t.Fatalf("spinsBeforeYield = %d, want 1", got)
	}

	l := NewUpgradableLock(0)
	g := l.LockShared()
	p := exclusiveProbe(l)
	p.AssertBlocked(t, stillBlocked)
	g.Release()
	p.AssertDone(t, promptly)
}
