// Copyright © 2018 One Concern

package chunkstore

import (
	"fmt"

	"github.com/docker/go-units"
)

// ChunkStat accumulates statistics while writing an index
type ChunkStat struct {
	Size            uint64 // logical bytes added
	ChunkCount      uint64
	DuplicateChunks uint64
	CompressedSize  uint64 // stored size of all chunks, including duplicates
	DiskSize        uint64 // stored size of chunks new to the store
}

// Add accounts for one inserted chunk
func (s *ChunkStat) Add(length uint64, duplicate bool, stored uint64) {
	s.Size += length
	s.ChunkCount++
	s.CompressedSize += stored
	if duplicate {
		s.DuplicateChunks++
		return
	}
	s.DiskSize += stored
}

func (s ChunkStat) String() string {
	return fmt.Sprintf("size: %s, chunks: %d, duplicates: %d, compressed: %s, written to disk: %s",
		units.BytesSize(float64(s.Size)),
		s.ChunkCount,
		s.DuplicateChunks,
		units.BytesSize(float64(s.CompressedSize)),
		units.BytesSize(float64(s.DiskSize)),
	)
}
