// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package avecbench measures avec.Vec against lock-around-a-slice baselines
// under concurrent push and get workloads.
//
// The workloads are shared by the package benchmarks and by cmd/avecperf.
// Each run verifies what the container holds afterwards, so a run that
// loses or duplicates an element fails instead of reporting a throughput.
package avecbench

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/creachadair/taskgroup"
)

// ErrVerify is wrapped by errors reporting that a container did not hold
// what a workload put in it.
var ErrVerify = errors.New("verification failed")

// Ops reported in Result.Op.
const (
	OpPush = "push"
	OpGet  = "get"
)

// batch is how many operations a worker runs between context checks.
const batch = 1024

// Latencies are tracked from 1ns to 10s at 3 significant figures.
const (
	minLatency = 1
	maxLatency = int64(10 * time.Second)
)

// Config describes one workload run.
type Config struct {
	Impl     string // one of Impls
	Threads  int    // concurrent workers, at least 1
	Elements int    // pushes per worker for RunPush; prefilled elements for RunGet
	Capacity int    // initial container capacity

	// SampleEvery, if positive, times every SampleEvery'th operation of each
	// worker into the latency histogram. Timing every operation perturbs
	// the lock-free paths noticeably.
	SampleEvery int
}

func (c Config) validate() error {
	if c.Threads < 1 {
		return fmt.Errorf("threads = %d, want at least 1", c.Threads)
	}
	if c.Elements < 0 {
		return fmt.Errorf("elements = %d, want non-negative", c.Elements)
	}
	return nil
}

// Result is the outcome of a verified run.
type Result struct {
	Config  Config
	Op      string
	Elapsed time.Duration
	Ops     int64 // operations completed across all workers
	Sum     int64 // sum of the values pushed or read

	// Sampled per-operation latencies. Zero if Config.SampleEvery is 0.
	P50, P99, Max time.Duration
}

// OpsPerSec returns the throughput of the run.
func (r Result) OpsPerSec() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Elapsed.Seconds()
}

func (r Result) String() string {
	s := fmt.Sprintf("%s %s threads=%d cap=%d: %d ops in %v (%.0f ops/s)",
		r.Op, r.Config.Impl, r.Config.Threads, r.Config.Capacity,
		r.Ops, r.Elapsed.Round(time.Microsecond), r.OpsPerSec())
	if r.Max > 0 {
		s += fmt.Sprintf(" p50=%v p99=%v max=%v", r.P50, r.P99, r.Max)
	}
	return s
}

// RunPush has each of cfg.Threads workers push 0..cfg.Elements-1 into a new
// container, then checks the container's length and element sum.
func RunPush(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	c, err := NewContainer(cfg.Impl, cfg.Capacity)
	if err != nil {
		return Result{}, err
	}
	res, err := run(ctx, cfg, OpPush, func(w *worker) error {
		for i := range cfg.Elements {
			if i%batch == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			w.do(func() { c.Push(i) })
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	sum, err := verifyPush(c, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("push %s: %w", cfg.Impl, err)
	}
	res.Sum = sum
	return res, nil
}

// verifyPush checks that c holds exactly what RunPush's workers pushed and
// returns the sum of its elements.
func verifyPush(c Container[int], cfg Config) (int64, error) {
	wantLen := cfg.Threads * cfg.Elements
	if got := c.Len(); got != wantLen {
		return 0, fmt.Errorf("len = %d, want %d: %w", got, wantLen, ErrVerify)
	}
	var sum int64
	for i := range wantLen {
		x, ok := c.At(i)
		if !ok {
			return 0, fmt.Errorf("At(%d) missing below len %d: %w", i, wantLen, ErrVerify)
		}
		sum += int64(x)
	}
	if want := int64(cfg.Threads) * triangle(cfg.Elements); sum != want {
		return 0, fmt.Errorf("sum = %d, want %d: %w", sum, want, ErrVerify)
	}
	return sum, nil
}

// RunGet fills a container with 0..cfg.Elements-1, then has each of
// cfg.Threads workers read every element once, and checks the sum read.
func RunGet(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.validate(); err != nil {
		return Result{}, err
	}
	c, err := NewContainer(cfg.Impl, cfg.Capacity)
	if err != nil {
		return Result{}, err
	}
	for i := range cfg.Elements {
		c.Push(i)
	}

	var sum atomic.Int64
	res, err := run(ctx, cfg, OpGet, func(w *worker) error {
		for i := range cfg.Elements {
			if i%batch == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			var (
				x  int
				ok bool
			)
			w.do(func() { x, ok = c.At(i) })
			if !ok {
				return fmt.Errorf("At(%d) missing below len %d: %w", i, cfg.Elements, ErrVerify)
			}
			sum.Add(int64(x))
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if want := int64(cfg.Threads) * triangle(cfg.Elements); sum.Load() != want {
		return Result{}, fmt.Errorf("get %s: sum = %d, want %d: %w", cfg.Impl, sum.Load(), want, ErrVerify)
	}
	res.Sum = sum.Load()
	return res, nil
}

// triangle returns 0 + 1 + ... + n-1.
func triangle(n int) int64 {
	return int64(n) * int64(n-1) / 2
}

// worker is the per-goroutine state of a run.
type worker struct {
	every int
	ops   int64
	hist  *hdrhistogram.Histogram
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency, maxLatency, 3)
}

// do runs one operation, timing it if it falls on the sampling interval.
func (w *worker) do(op func()) {
	w.ops++
	if w.every <= 0 || w.ops%int64(w.every) != 0 {
		op()
		return
	}
	start := time.Now()
	op()
	d := min(max(int64(time.Since(start)), minLatency), maxLatency)
	// d is within the trackable range, so RecordValue cannot fail.
	w.hist.RecordValue(d)
}

// run starts cfg.Threads workers running body and waits for all of them.
// The returned Result has every field but Sum filled in.
func run(ctx context.Context, cfg Config, op string, body func(*worker) error) (Result, error) {
	workers := make([]*worker, cfg.Threads)
	for i := range workers {
		workers[i] = &worker{every: cfg.SampleEvery, hist: newHistogram()}
	}

	var g taskgroup.Group
	start := time.Now()
	for _, w := range workers {
		g.Go(func() error { return body(w) })
	}
	err := g.Wait()
	elapsed := time.Since(start)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", op, cfg.Impl, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", op, cfg.Impl, err)
	}

	res := Result{Config: cfg, Op: op, Elapsed: elapsed}
	hist := newHistogram()
	for _, w := range workers {
		res.Ops += w.ops
		hist.Merge(w.hist)
	}
	if hist.TotalCount() > 0 {
		res.P50 = time.Duration(hist.ValueAtQuantile(50))
		res.P99 = time.Duration(hist.ValueAtQuantile(99))
		res.Max = time.Duration(hist.Max())
	}
	return res, nil
}
