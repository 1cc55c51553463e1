// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package envknob provides access to environment-variable tweakable
// debug and tuning settings.
//
// These are knobs for developers chasing contention or growth behavior
// in the lock and vector packages. They are not a stable interface and
// may be removed at any time.
package envknob

import (
	"log"
	"os"
	"sort"
	"strconv"
	"sync"

	"avec.dev/types/logger"
)

var (
	mu      sync.Mutex
	set     = map[string]string{}
	regBool = map[string]*bool{}
	regInt  = map[string]*intKnob{}
)

func noteEnvLocked(k, v string) {
	if v != "" {
		set[k] = v
	} else {
		delete(set, k)
	}
}

// LogCurrent logs the currently set environment knobs.
func LogCurrent(logf logger.Logf) {
	mu.Lock()
	defer mu.Unlock()

	list := make([]string, 0, len(set))
	for k := range set {
		list = append(list, k)
	}
	sort.Strings(list)
	for _, k := range list {
		logf("envknob: %s=%q", k, set[k])
	}
}

// Setenv changes an environment variable and updates any registered
// knob reading it.
//
// It is not safe for concurrent reading of environment variables via the
// Register functions. All Setenv calls are meant to happen early in main
// (or at the top of a test) before any goroutines are started.
func Setenv(envVar, val string) {
	mu.Lock()
	defer mu.Unlock()
	os.Setenv(envVar, val)
	noteEnvLocked(envVar, val)

	if p := regBool[envVar]; p != nil {
		setBoolLocked(p, envVar, val)
	}
	if p := regInt[envVar]; p != nil {
		setIntLocked(p, envVar, val)
	}
}

// RegisterBool returns a func that gets the named environment variable,
// without a map lookup per call. It assumes that mutations happen via
// envknob.Setenv.
func RegisterBool(envVar string) func() bool {
	mu.Lock()
	defer mu.Unlock()
	p, ok := regBool[envVar]
	if !ok {
		var b bool
		p = &b
		setBoolLocked(p, envVar, os.Getenv(envVar))
		regBool[envVar] = p
	}
	return func() bool { return *p }
}

// RegisterInt returns a func that gets the named environment variable as
// an integer, or def if it is unset. There is no map lookup per call, so
// it is suitable for hot paths. It assumes that mutations happen via
// envknob.Setenv.
func RegisterInt(envVar string, def int) func() int {
	mu.Lock()
	defer mu.Unlock()
	p, ok := regInt[envVar]
	if !ok {
		p = &intKnob{def: def}
		setIntLocked(p, envVar, os.Getenv(envVar))
		regInt[envVar] = p
	}
	return func() int { return p.v }
}

type intKnob struct {
	v   int
	def int // used while the variable is unset
}

func setBoolLocked(p *bool, envVar, val string) {
	noteEnvLocked(envVar, val)
	if val == "" {
		*p = false
		return
	}
	var err error
	*p, err = strconv.ParseBool(val)
	if err != nil {
		log.Fatalf("invalid boolean environment variable %s value %q", envVar, val)
	}
}

func setIntLocked(p *intKnob, envVar, val string) {
	noteEnvLocked(envVar, val)
	if val == "" {
		p.v = p.def
		return
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid integer environment variable %s: %v", envVar, val)
	}
	p.v = v
}
