// Copyright © 2018 One Concern

package chunkstore

import (
	"github.com/oneconcern/dedupstore/pkg/metrics"
	"go.uber.org/zap"
)

// Option to configure a chunk store
type Option func(*ChunkStore)

// Logger sets a logger for this store
func Logger(l *zap.Logger) Option {
	return func(s *ChunkStore) {
		if l != nil {
			s.l = l
		}
	}
}

// Compression enables zstd compression of chunk payloads (enabled by default)
func Compression(enabled bool) Option {
	return func(s *ChunkStore) {
		s.compress = enabled
	}
}

// SweepParallel sets the number of buckets scanned concurrently by a sweep
func SweepParallel(parallel int) Option {
	return func(s *ChunkStore) {
		if parallel > 0 {
			s.sweepParallel = parallel
		}
	}
}

// Metrics enables metrics collection on this store
func Metrics(m *metrics.M) Option {
	return func(s *ChunkStore) {
		s.EnableMetrics(m)
	}
}
