// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"maps"
	"strconv"

	"avec.dev/util/avec/avecbench"
	"github.com/prometheus/client_golang/prometheus"
)

// resultMetrics exports benchmark results as Prometheus gauges, for the
// node_exporter textfile collector or for diffing between runs.
type resultMetrics struct {
	registry  *prometheus.Registry
	opsPerSec *prometheus.GaugeVec
	elapsed   *prometheus.GaugeVec
	latency   *prometheus.GaugeVec
}

var runLabels = []string{"op", "impl", "threads", "capacity"}

func newResultMetrics() *resultMetrics {
	m := &resultMetrics{
		registry: prometheus.NewRegistry(),
		opsPerSec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "avecperf",
			Name:      "ops_per_second",
			Help:      "Operations per second across all goroutines of a run.",
		}, runLabels),
		elapsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "avecperf",
			Name:      "elapsed_seconds",
			Help:      "Wall time of a run.",
		}, runLabels),
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "avecperf",
			Name:      "op_latency_seconds",
			Help:      "Sampled per-operation latency of a run.",
		}, append(runLabels[:len(runLabels):len(runLabels)], "percentile")),
	}
	m.registry.MustRegister(m.opsPerSec, m.elapsed, m.latency)
	return m
}

func (m *resultMetrics) observe(r avecbench.Result) {
	labels := prometheus.Labels{
		"op":       r.Op,
		"impl":     r.Config.Impl,
		"threads":  strconv.Itoa(r.Config.Threads),
		"capacity": strconv.Itoa(r.Config.Capacity),
	}
	m.opsPerSec.With(labels).Set(r.OpsPerSec())
	m.elapsed.With(labels).Set(r.Elapsed.Seconds())
	if r.Max == 0 {
		return
	}
	for p, d := range map[string]float64{
		"50":  r.P50.Seconds(),
		"99":  r.P99.Seconds(),
		"100": r.Max.Seconds(),
	} {
		pl := prometheus.Labels{"percentile": p}
		maps.Copy(pl, labels)
		m.latency.With(pl).Set(d)
	}
}

func (m *resultMetrics) writeTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
