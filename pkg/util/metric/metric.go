// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package metric is a thin convenience layer over
// github.com/prometheus/client_golang, giving ddqueue's counters and
// gauges the same Metadata-driven construction idiom the teacher's
// pkg/util/metric package uses (see its doc.go), without pulling in
// the teacher's full registry/aggregation machinery.
package metric

import "github.com/prometheus/client_golang/prometheus"

// Metadata names and documents a metric, mirroring the teacher's
// metric.Metadata literal-construction convention
// (metric.NewCounter(metric.Metadata{Name: ...})).
type Metadata struct {
	Name string
	Help string
}

// Counter wraps a prometheus.Counter.
type Counter struct {
	prometheus.Counter
}

// NewCounter constructs a Counter from Metadata.
func NewCounter(meta Metadata) *Counter {
	return &Counter{Counter: prometheus.NewCounter(prometheus.CounterOpts{
		Name: meta.Name,
		Help: meta.Help,
	})}
}

// Gauge wraps a prometheus.Gauge.
type Gauge struct {
	prometheus.Gauge
}

// NewGauge constructs a Gauge from Metadata.
func NewGauge(meta Metadata) *Gauge {
	return &Gauge{Gauge: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: meta.Name,
		Help: meta.Help,
	})}
}

// GaugeVec wraps a prometheus.GaugeVec, used for the per-priority
// priorityRelocations counters (§3's priorityRelocations: priority →
// count).
type GaugeVec struct {
	*prometheus.GaugeVec
}

// NewGaugeVec constructs a GaugeVec from Metadata and label names.
func NewGaugeVec(meta Metadata, labels ...string) *GaugeVec {
	return &GaugeVec{GaugeVec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: meta.Name,
		Help: meta.Help,
	}, labels)}
}

// Registry collects the metrics belonging to one DDQueue instance,
// mirroring the teacher's per-subsystem metric.Registry convention.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// AddMetric registers a prometheus.Collector-compatible metric.
func (r *Registry) AddMetric(c prometheus.Collector) {
	_ = r.reg.Register(c)
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP
// /metrics handler to consume.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
