// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The avecperf command demonstrates avec.Vec and compares its throughput
// with lock-around-a-slice baselines.
//
// Run "avecperf demo" to push a few elements and print them back, or
// "avecperf push" and "avecperf get" to run the benchmark workloads. Every
// flag can also be set through an AVECPERF_-prefixed environment variable,
// e.g. AVECPERF_THREADS=1,2,4.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"avec.dev/envknob"
	"avec.dev/types/logger"
	"avec.dev/util/avec"
	"avec.dev/util/avec/avecbench"
	"github.com/creachadair/taskgroup"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	a := &app{stdout: os.Stdout, baseLogf: log.Printf}
	if err := a.command().ParseAndRun(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the parsed flags and outputs of one invocation.
type app struct {
	stdout   io.Writer
	baseLogf logger.Logf

	verbose bool
	logf    logger.Logf // set by setup

	demo struct {
		threads int
		count   int
	}
	push benchFlags
	get  benchFlags
}

type benchFlags struct {
	impls    stringList
	threads  intList
	caps     intList // per-thread capacity; push only
	elements int
	sample   int
	textfile string
}

func (a *app) command() *ffcli.Command {
	rootfs := flag.NewFlagSet("avecperf", flag.ContinueOnError)
	rootfs.BoolVar(&a.verbose, "v", false, "log vector growth and benchmark progress (rate limited)")

	envOpts := []ff.Option{ff.WithEnvVarPrefix("AVECPERF")}
	return &ffcli.Command{
		Name:       "avecperf",
		ShortUsage: "avecperf [-v] <demo|push|get> [flags]",
		ShortHelp:  "avec.Vec demo and benchmark tool",
		FlagSet:    rootfs,
		Options:    envOpts,
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			{
				Name:       "demo",
				ShortUsage: "avecperf demo [-threads N] [-count N]",
				ShortHelp:  "Push 1..count from each goroutine and print the vector",
				FlagSet:    a.demoFlags(),
				Options:    envOpts,
				Exec:       a.runDemo,
			},
			{
				Name:       "push",
				ShortUsage: "avecperf push [-impl list] [-threads list] [-elements N] [-caps list] [-textfile path]",
				ShortHelp:  "Benchmark concurrent pushes",
				FlagSet:    a.push.flagSet("push", 10000, true),
				Options:    envOpts,
				Exec: func(ctx context.Context, args []string) error {
					return a.runBench(ctx, avecbench.OpPush, &a.push, args)
				},
			},
			{
				Name:       "get",
				ShortUsage: "avecperf get [-impl list] [-threads list] [-elements N] [-textfile path]",
				ShortHelp:  "Benchmark concurrent reads of a filled container",
				FlagSet:    a.get.flagSet("get", 30000, false),
				Options:    envOpts,
				Exec: func(ctx context.Context, args []string) error {
					return a.runBench(ctx, avecbench.OpGet, &a.get, args)
				},
			},
		},
	}
}

func (a *app) demoFlags() *flag.FlagSet {
	fs := flag.NewFlagSet("demo", flag.ContinueOnError)
	fs.IntVar(&a.demo.threads, "threads", 1, "number of goroutines pushing")
	fs.IntVar(&a.demo.count, "count", 4, "elements pushed by each goroutine")
	return fs
}

func (f *benchFlags) flagSet(name string, elements int, withCaps bool) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	f.impls = stringList(avecbench.Impls)
	f.threads = intList{1, 4, 12}
	fs.Var(&f.impls, "impl", "comma-separated containers to run: "+strings.Join(avecbench.Impls, ", "))
	fs.Var(&f.threads, "threads", "comma-separated goroutine counts")
	fs.IntVar(&f.elements, "elements", elements, "elements per goroutine (push) or in the container (get)")
	fs.IntVar(&f.sample, "sample", 16, "time every Nth operation for latency percentiles; 0 disables")
	fs.StringVar(&f.textfile, "textfile", "", "if non-empty, write results to this file in Prometheus text format")
	if withCaps {
		f.caps = intList{1, elements}
		fs.Var(&f.caps, "caps", "comma-separated initial capacities per goroutine")
	}
	return fs
}

// setup finishes configuration that depends on root flags, which are only
// parsed by the time a subcommand runs.
func (a *app) setup() {
	if a.verbose {
		a.logf = logger.RateLimitedFn(a.baseLogf, time.Second, 5, 100)
		envknob.LogCurrent(a.logf)
	} else {
		a.logf = logger.Discard
	}
}

func (a *app) runDemo(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return flag.ErrHelp
	}
	if a.demo.threads < 1 || a.demo.count < 0 {
		return fmt.Errorf("invalid demo size: threads=%d count=%d", a.demo.threads, a.demo.count)
	}
	a.setup()

	v := avec.NewWithOptions(1, avec.Options[int]{Logf: a.logf})
	defer v.Close()

	var g taskgroup.Group
	for range a.demo.threads {
		g.Go(func() error {
			for i := 1; i <= a.demo.count; i++ {
				v.Push(i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, x := range v.All() {
		fmt.Fprintf(a.stdout, "#%d element: %d\n", i, x)
	}
	a.logf("%v", v.Stats())
	return nil
}

func (a *app) runBench(ctx context.Context, op string, f *benchFlags, args []string) error {
	if len(args) > 0 {
		return flag.ErrHelp
	}
	a.setup()

	run := avecbench.RunPush
	caps := f.caps
	if op == avecbench.OpGet {
		run = avecbench.RunGet
		caps = intList{0} // sized to fit below
	}

	m := newResultMetrics()
	for _, threads := range f.threads {
		for _, perThread := range caps {
			for _, impl := range f.impls {
				cfg := avecbench.Config{
					Impl:        impl,
					Threads:     threads,
					Elements:    f.elements,
					Capacity:    perThread * threads,
					SampleEvery: f.sample,
				}
				if op == avecbench.OpGet {
					cfg.Capacity = f.elements
				}
				a.logf("running %s %s threads=%d cap=%d", op, impl, threads, cfg.Capacity)
				res, err := run(ctx, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.stdout, res)
				m.observe(res)
			}
		}
	}
	if f.textfile != "" {
		if err := m.writeTextfile(f.textfile); err != nil {
			return fmt.Errorf("writing %s: %w", f.textfile, err)
		}
	}
	return nil
}

// stringList is a flag.Value holding a comma-separated list.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(s string) error {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return errors.New("empty list")
	}
	*l = out
	return nil
}

// intList is a flag.Value holding a comma-separated list of positive ints.
type intList []int

func (l *intList) String() string {
	parts := make([]string, len(*l))
	for i, n := range *l {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func (l *intList) Set(s string) error {
	var out []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid positive integer %q", f)
		}
		out = append(out, n)
	}
	*l = out
	return nil
}
