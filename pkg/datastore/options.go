// Copyright © 2018 One Concern

package datastore

import (
	"time"

	"github.com/oneconcern/dedupstore/pkg/chunkstore"
	"github.com/oneconcern/dedupstore/pkg/config"
	"github.com/oneconcern/dedupstore/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultGCGraceWindow preserves unreferenced chunks touched during the last day and some minutes
const DefaultGCGraceWindow = 24*time.Hour + 5*time.Minute

// Option for a datastore
type Option func(*DataStore)

// WithLogger sets the logger of the datastore and its chunk store
func WithLogger(l *zap.Logger) Option {
	return func(d *DataStore) {
		if l != nil {
			d.l = l
		}
	}
}

// WithGCGraceWindow sets how long unreferenced chunks are preserved after their last insert.
//
// The window must exceed the duration of the longest backup, since chunks inserted by a
// backup in flight are not referenced until its index is published. A zero window removes
// every unreferenced chunk. Negative windows are ignored.
func WithGCGraceWindow(window time.Duration) Option {
	return func(d *DataStore) {
		if window >= 0 {
			d.graceWindow = window
		}
	}
}

// WithClock overrides the clock used to date garbage collection passes
func WithClock(now func() time.Time) Option {
	return func(d *DataStore) {
		if now != nil {
			d.now = now
		}
	}
}

// WithMarkSet selects the structure tracking used chunks during garbage collection.
// An empty dir uses a temporary directory for on-disk backends.
func WithMarkSet(backend, dir string) Option {
	return func(d *DataStore) {
		d.markSetBackend = backend
		d.markSetDir = dir
	}
}

// WithMetrics enables metrics collection
func WithMetrics(m *metrics.M) Option {
	return func(d *DataStore) {
		d.EnableMetrics(m)
	}
}

// WithChunkStoreOptions passes options to the chunk store
func WithChunkStoreOptions(opts ...chunkstore.Option) Option {
	return func(d *DataStore) {
		d.chunkOpts = append(d.chunkOpts, opts...)
	}
}

// FromConfig translates the configuration of a datastore into options
func FromConfig(ds config.Datastore) []Option {
	opts := []Option{
		WithMarkSet(ds.MarkSet, ds.MarkSetPath),
		WithChunkStoreOptions(chunkstore.Compression(!ds.NoCompression)),
	}
	if ds.GCGraceWindow != nil {
		opts = append(opts, WithGCGraceWindow(*ds.GCGraceWindow))
	}
	if ds.SweepParallel > 0 {
		opts = append(opts, WithChunkStoreOptions(chunkstore.SweepParallel(ds.SweepParallel)))
	}
	return opts
}
