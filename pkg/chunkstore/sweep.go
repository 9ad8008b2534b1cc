// Copyright © 2018 One Concern

package chunkstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oneconcern/dedupstore/pkg/gc"
	"github.com/oneconcern/dedupstore/pkg/status"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepUnusedChunks removes every chunk file which is not marked and was last modified before cutoff.
//
// Unmarked chunks modified after cutoff are presumed to belong to a backup in flight
// which has not yet published its index: they are kept and counted as pending.
// Leftover temporary files older than cutoff are removed as well.
//
// The caller is expected to hold the exclusive lock of the store.
func (s *ChunkStore) SweepUnusedChunks(ctx context.Context, st *gc.Status, marks gc.MarkSet, cutoff time.Time) error {
	var (
		mx      sync.Mutex
		visited int
		percent int
	)

	logger := s.l.With(zap.Time("cutoff", cutoff))
	logger.Info("sweeping unused chunks", zap.Int("parallel", s.sweepParallel))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.sweepParallel)

	for i := 0; i < Buckets; i++ {
		bucket := bucketName(i)

		if gctx.Err() != nil {
			break
		}

		group.Go(func() error {
			var local gc.Status
			if err := s.sweepBucket(gctx, bucket, &local, marks, cutoff, logger); err != nil {
				return err
			}

			mx.Lock()
			defer mx.Unlock()

			mergeSweep(st, &local)
			visited++
			if p := visited * 100 / Buckets; p != percent {
				percent = p
				logger.Debug("sweep progress", zap.Int("percent", percent))
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		logger.Error("sweep interrupted", zap.Error(err))
		return err
	}

	return ctx.Err()
}

func (s *ChunkStore) sweepBucket(ctx context.Context, bucket string, st *gc.Status, marks gc.MarkSet, cutoff time.Time, logger *zap.Logger) error {
	entries, err := s.readBucket(bucket)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err = ctx.Err(); err != nil {
			return err
		}

		if e.isTemp() {
			if e.info.ModTime().Before(cutoff) {
				removed, erm := s.remove(filepath.Join(bucket, e.name), logger)
				if erm != nil {
					return erm
				}
				if removed {
					st.RemovedTempFiles++
				}
			}
			continue
		}

		entry, ok := s.parseEntry(bucket, e)
		if !ok {
			continue
		}
		size := uint64(entry.Size)

		used, erm := marks.Has(entry.Digest)
		if erm != nil {
			return erm
		}

		switch {
		case used:
			st.DiskChunks++
			st.DiskBytes += size

		case entry.ModTime.Before(cutoff):
			removed, erm := s.remove(chunkKey(entry.Digest), logger)
			if erm != nil {
				return erm
			}
			if !removed {
				continue
			}
			logger.Debug("removed unused chunk", zap.Stringer("digest", entry.Digest), zap.Uint64("size", size))
			st.RemovedChunks++
			st.RemovedBytes += size

		default:
			st.PendingChunks++
			st.PendingBytes += size
			st.DiskChunks++
			st.DiskBytes += size
		}
	}

	return nil
}

// remove unlinks a file from the chunk directory. Vanished files are logged and skipped.
func (s *ChunkStore) remove(key string, logger *zap.Logger) (bool, error) {
	err := s.fs.Remove(key)
	if err == nil {
		return true, nil
	}

	pth := filepath.Join(s.chunkDir, key)
	if os.IsNotExist(err) {
		logger.Warn("file vanished during sweep", zap.Error(status.ErrVanished.Wrapf("%q", pth)))
		return false, nil
	}

	return false, status.ErrIO.Wrapf("remove %q: %v", pth, err)
}

func mergeSweep(st, local *gc.Status) {
	st.DiskBytes += local.DiskBytes
	st.DiskChunks += local.DiskChunks
	st.RemovedBytes += local.RemovedBytes
	st.RemovedChunks += local.RemovedChunks
	st.PendingBytes += local.PendingBytes
	st.PendingChunks += local.PendingChunks
	st.RemovedTempFiles += local.RemovedTempFiles
}
