// Copyright © 2018 One Concern

// Package gc holds the accounting and the tracking structures of the
// mark-and-sweep garbage collection of chunks.
package gc

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"
)

// Status accumulates counters during a garbage collection pass.
//
// Used* counters are fed by the mark phase: UsedChunks counts distinct digests,
// UsedBytes counts the logical length of every reference.
// Disk* counters are fed by the sweep phase and describe chunks left on disk.
type Status struct {
	// ID identifies a pass in logs. IDs sort by start time.
	ID        string
	StartTime time.Time
	Duration  time.Duration

	IndexFiles uint64

	UsedBytes  uint64
	UsedChunks uint64

	DiskBytes  uint64
	DiskChunks uint64

	RemovedBytes  uint64
	RemovedChunks uint64

	// unreferenced chunks younger than the grace window
	PendingBytes  uint64
	PendingChunks uint64

	RemovedTempFiles uint64
}

// DedupFactor is the ratio of logical bytes over bytes on disk
func (s Status) DedupFactor() float64 {
	if s.DiskBytes == 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.DiskBytes)
}

// Fields renders the status as structured log fields
func (s Status) Fields() []zap.Field {
	return []zap.Field{
		zap.String("gc_id", s.ID),
		zap.Time("gc_start", s.StartTime),
		zap.Duration("gc_duration", s.Duration),
		zap.Uint64("index_files", s.IndexFiles),
		zap.Uint64("used_bytes", s.UsedBytes),
		zap.Uint64("used_chunks", s.UsedChunks),
		zap.Uint64("disk_bytes", s.DiskBytes),
		zap.Uint64("disk_chunks", s.DiskChunks),
		zap.Uint64("removed_bytes", s.RemovedBytes),
		zap.Uint64("removed_chunks", s.RemovedChunks),
		zap.Uint64("pending_bytes", s.PendingBytes),
		zap.Uint64("pending_chunks", s.PendingChunks),
		zap.Uint64("removed_temp_files", s.RemovedTempFiles),
	}
}

func (s Status) String() string {
	return fmt.Sprintf(
		"Index files: %d\n"+
			"Used bytes: %s (%d)\n"+
			"Used chunks: %d\n"+
			"Disk bytes: %s (%d)\n"+
			"Disk chunks: %d\n"+
			"Removed bytes: %s (%d)\n"+
			"Removed chunks: %d\n"+
			"Pending bytes: %s (%d)\n"+
			"Pending chunks: %d\n"+
			"Deduplication factor: %.2f\n"+
			"Duration: %v\n",
		s.IndexFiles,
		units.BytesSize(float64(s.UsedBytes)), s.UsedBytes,
		s.UsedChunks,
		units.BytesSize(float64(s.DiskBytes)), s.DiskBytes,
		s.DiskChunks,
		units.BytesSize(float64(s.RemovedBytes)), s.RemovedBytes,
		s.RemovedChunks,
		units.BytesSize(float64(s.PendingBytes)), s.PendingBytes,
		s.PendingChunks,
		s.DedupFactor(),
		s.Duration,
	)
}
