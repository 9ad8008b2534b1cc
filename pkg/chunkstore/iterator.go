// Copyright © 2018 One Concern

package chunkstore

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ChunkEntry describes a chunk file found on disk
type ChunkEntry struct {
	Digest  digest.Digest
	Bucket  string
	Size    int64
	ModTime time.Time
}

// bucketEntry is a raw directory entry from a bucket
type bucketEntry struct {
	name string
	info os.FileInfo
}

func (e bucketEntry) isTemp() bool {
	return strings.Contains(e.name, tempMarker)
}

// readBucket lists the regular files of a bucket.
//
// A bucket that vanished is reported as empty.
func (s *ChunkStore) readBucket(bucket string) ([]bucketEntry, error) {
	infos, err := afero.ReadDir(s.fs, bucket)
	if err != nil {
		if os.IsNotExist(err) {
			s.l.Warn("chunk bucket vanished during scan", zap.Error(status.ErrVanished.Wrapf("%q", filepath.Join(s.chunkDir, bucket))))
			return nil, nil
		}
		return nil, status.ErrIO.Wrapf("read bucket %q: %v", filepath.Join(s.chunkDir, bucket), err)
	}

	entries := make([]bucketEntry, 0, len(infos))
	for _, info := range infos {
		if !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, bucketEntry{name: info.Name(), info: info})
	}

	return entries, nil
}

// parseEntry checks that a chunk file is correctly named and sharded.
// Names must be the lowercase hex digest.
func (s *ChunkStore) parseEntry(bucket string, e bucketEntry) (ChunkEntry, bool) {
	d, err := digest.FromHex(e.name)
	if err != nil || e.name != d.String() || d.Prefix() != bucket {
		s.l.Warn("unexpected file in chunk store", zap.String("bucket", bucket), zap.String("file", e.name))
		return ChunkEntry{}, false
	}

	return ChunkEntry{
		Digest:  d,
		Bucket:  bucket,
		Size:    e.info.Size(),
		ModTime: e.info.ModTime(),
	}, true
}

// ChunkIterator walks over all chunk files, one bucket at a time.
//
// The iterator is lazy, finite and cannot be restarted.
type ChunkIterator struct {
	s        *ChunkStore
	bucket   int
	entries  []bucketEntry
	pos      int
	current  ChunkEntry
	err      error
	done     bool
	progress bool
	percent  int
}

// ChunkIterator returns an iterator over all chunks on disk.
//
// With progress enabled, the iterator logs the percentage of buckets visited.
func (s *ChunkStore) ChunkIterator(progress bool) *ChunkIterator {
	return &ChunkIterator{
		s:        s,
		bucket:   -1,
		progress: progress,
	}
}

// Next advances to the next chunk. It returns false when done or on error.
func (it *ChunkIterator) Next() bool {
	if it.done {
		return false
	}

	for {
		for it.pos < len(it.entries) {
			e := it.entries[it.pos]
			it.pos++

			if e.isTemp() {
				continue
			}

			entry, ok := it.s.parseEntry(bucketName(it.bucket), e)
			if !ok {
				continue
			}
			it.current = entry

			return true
		}

		it.bucket++
		if it.bucket >= Buckets {
			it.done = true
			return false
		}

		it.reportProgress()

		entries, err := it.s.readBucket(bucketName(it.bucket))
		if err != nil {
			it.err = err
			it.done = true
			return false
		}
		it.entries = entries
		it.pos = 0
	}
}

func (it *ChunkIterator) reportProgress() {
	if !it.progress {
		return
	}
	percent := it.bucket * 100 / Buckets
	if percent != it.percent {
		it.percent = percent
		it.s.l.Info("iterating chunks", zap.Int("percent", percent))
	}
}

// Entry returns the current chunk entry
func (it *ChunkIterator) Entry() ChunkEntry {
	return it.current
}

// Err returns the error which stopped the iteration, if any
func (it *ChunkIterator) Err() error {
	return it.err
}
