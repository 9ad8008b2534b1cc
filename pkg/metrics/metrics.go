// Copyright © 2018 One Concern

// Package metrics exposes prometheus collectors for the storage engine.
//
// Components embed Enable and receive an *M through their options.
// When metrics are not enabled, recording methods are no-ops.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dedupstore"

// GC pass outcomes
const (
	OutcomeOK     = "ok"
	OutcomeLocked = "locked"
	OutcomeFailed = "failed"
)

// Enable is embedded by instrumented components
type Enable struct {
	metricsEnabled bool
	m              *M
}

// MetricsEnabled tells whether metrics are enabled or not
func (e Enable) MetricsEnabled() bool {
	return e.metricsEnabled && e.m != nil
}

// EnableMetrics sets the collectors to record into. A nil *M disables collection.
func (e *Enable) EnableMetrics(m *M) {
	e.m = m
	e.metricsEnabled = m != nil
}

// Metrics returns the collectors in use, or nil
func (e Enable) Metrics() *M {
	if !e.MetricsEnabled() {
		return nil
	}
	return e.m
}

// M describes metrics for the chunk store and garbage collection
type M struct {
	ChunkInserts *prometheus.CounterVec
	ChunkBytes   *prometheus.CounterVec

	GCRuns          *prometheus.CounterVec
	GCRemovedChunks *prometheus.CounterVec
	GCRemovedBytes  *prometheus.CounterVec
	GCDiskBytes     *prometheus.GaugeVec
	GCUsedBytes     *prometheus.GaugeVec
	GCDuration      *prometheus.HistogramVec
}

// New builds a set of collectors and registers them. A nil registerer skips registration.
func New(reg prometheus.Registerer) (*M, error) {
	m := &M{
		ChunkInserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "inserts_total",
			Help:      "number of chunk inserts, by result (new or duplicate)",
		}, []string{"store", "result"}),
		ChunkBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chunks",
			Name:      "stored_bytes_total",
			Help:      "bytes written to disk for new chunks",
		}, []string{"store"}),
		GCRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "runs_total",
			Help:      "number of garbage collection attempts, by outcome",
		}, []string{"store", "outcome"}),
		GCRemovedChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "removed_chunks_total",
			Help:      "number of chunk files removed by garbage collection",
		}, []string{"store"}),
		GCRemovedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "removed_bytes_total",
			Help:      "bytes reclaimed by garbage collection",
		}, []string{"store"}),
		GCDiskBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "disk_bytes",
			Help:      "bytes on disk after the last garbage collection",
		}, []string{"store"}),
		GCUsedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "used_bytes",
			Help:      "logical bytes referenced by retained snapshots at the last garbage collection",
		}, []string{"store"}),
		GCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "duration_seconds",
			Help:      "duration of completed garbage collection passes",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"store"}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.ChunkInserts, m.ChunkBytes,
		m.GCRuns, m.GCRemovedChunks, m.GCRemovedBytes, m.GCDiskBytes, m.GCUsedBytes, m.GCDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

var (
	defaultOnce sync.Once
	defaultM    *M
)

// Default returns collectors registered once on the prometheus default registerer
func Default() *M {
	defaultOnce.Do(func() {
		m, err := New(prometheus.DefaultRegisterer)
		if err != nil {
			// registration only fails on duplicate collectors
			panic(err)
		}
		defaultM = m
	})
	return defaultM
}

// ChunkInserted records the outcome of a chunk insert
func (m *M) ChunkInserted(store string, duplicate bool, stored uint64) {
	if m == nil {
		return
	}
	if duplicate {
		m.ChunkInserts.WithLabelValues(store, "duplicate").Inc()
		return
	}
	m.ChunkInserts.WithLabelValues(store, "new").Inc()
	m.ChunkBytes.WithLabelValues(store).Add(float64(stored))
}

// GCAttempt records a garbage collection attempt which did not complete
func (m *M) GCAttempt(store, outcome string) {
	if m == nil {
		return
	}
	m.GCRuns.WithLabelValues(store, outcome).Inc()
}

// GCCompleted records a completed garbage collection pass
func (m *M) GCCompleted(store string, removedChunks, removedBytes, diskBytes, usedBytes uint64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GCRuns.WithLabelValues(store, OutcomeOK).Inc()
	m.GCRemovedChunks.WithLabelValues(store).Add(float64(removedChunks))
	m.GCRemovedBytes.WithLabelValues(store).Add(float64(removedBytes))
	m.GCDiskBytes.WithLabelValues(store).Set(float64(diskBytes))
	m.GCUsedBytes.WithLabelValues(store).Set(float64(usedBytes))
	m.GCDuration.WithLabelValues(store).Observe(elapsed.Seconds())
}
