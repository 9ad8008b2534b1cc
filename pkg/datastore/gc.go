// Copyright © 2018 One Concern

package datastore

import (
	"context"

	"github.com/oneconcern/dedupstore/pkg/errors"
	"github.com/oneconcern/dedupstore/pkg/gc"
	"github.com/oneconcern/dedupstore/pkg/metrics"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// GarbageCollection removes the chunks which are not referenced by any index of any snapshot.
//
// Phase 1 marks the chunks referenced by every published index file.
// Phase 2 sweeps the chunk store: unmarked chunks last touched before the start of the pass
// minus the grace window are removed.
//
// Only one collection may run at a time on a datastore, and no writer may hold the chunk store.
// When the store is busy, status.ErrGCRunning is returned immediately and nothing is done.
func (d *DataStore) GarbageCollection(ctx context.Context) (gc.Status, error) {
	if !d.gcMutex.TryLock() {
		d.Metrics().GCAttempt(d.name, metrics.OutcomeLocked)
		d.l.Warn("start GC failed: already running")
		return gc.Status{}, status.ErrGCRunning.Wrap(status.ErrLocked.Wrapf("datastore %q", d.name))
	}
	defer d.gcMutex.Unlock()

	lock, err := d.chunks.TryExclusiveLock()
	if err != nil {
		if errors.Is(err, status.ErrLocked) {
			d.Metrics().GCAttempt(d.name, metrics.OutcomeLocked)
			d.l.Warn("start GC failed: store is locked", zap.Error(err))
			return gc.Status{}, status.ErrGCRunning.Wrap(err)
		}
		d.Metrics().GCAttempt(d.name, metrics.OutcomeFailed)
		return gc.Status{}, err
	}
	defer func() {
		_ = lock.Close()
	}()

	st, err := d.collect(ctx)
	if err != nil {
		d.Metrics().GCAttempt(d.name, metrics.OutcomeFailed)
		d.l.Error("garbage collection failed", append(st.Fields(), zap.Error(err))...)
		return st, err
	}

	d.Metrics().GCCompleted(d.name, st.RemovedChunks, st.RemovedBytes, st.DiskBytes, st.UsedBytes, st.Duration)
	d.l.Info("garbage collection completed", st.Fields()...)

	d.statusMx.Lock()
	d.lastGC = st
	d.statusMx.Unlock()

	return st, nil
}

func (d *DataStore) collect(ctx context.Context) (gc.Status, error) {
	start := d.now()
	st := gc.Status{StartTime: start}
	if id, err := ksuid.NewRandomWithTime(start); err == nil {
		st.ID = id.String()
	}
	cutoff := start.Add(-d.graceWindow)
	l := d.l.With(zap.String("gc_id", st.ID))

	marks, err := gc.Open(d.markSetBackend, gc.WithDir(d.markSetDir), gc.WithLogger(l))
	if err != nil {
		return st, err
	}
	defer func() {
		_ = marks.Close()
	}()

	l.Info("start GC phase1 (mark used chunks)", zap.String("markset", d.markSetBackend))
	if err = d.markUsedChunks(ctx, &st, marks); err != nil {
		return st, err
	}

	l.Info("start GC phase2 (sweep unused chunks)", zap.Duration("grace_window", d.graceWindow))
	if err = d.chunks.SweepUnusedChunks(ctx, &st, marks, cutoff); err != nil {
		return st, err
	}

	st.Duration = d.now().Sub(st.StartTime)

	return st, nil
}

func (d *DataStore) markUsedChunks(ctx context.Context, st *gc.Status, marks gc.MarkSet) error {
	images, err := d.ListImages()
	if err != nil {
		return err
	}

	for _, pth := range images {
		if err = ctx.Err(); err != nil {
			return err
		}

		if err = d.markIndex(pth, st, marks); err != nil {
			return err
		}
	}

	d.l.Info("marked used chunks",
		zap.Uint64("index_files", st.IndexFiles),
		zap.Uint64("used_chunks", st.UsedChunks),
		zap.Uint64("used_bytes", st.UsedBytes),
	)

	return nil
}

func (d *DataStore) markIndex(pth string, st *gc.Status, marks gc.MarkSet) error {
	idx, err := d.OpenIndex(pth)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			// snapshot removed during the pass
			d.l.Warn("index vanished during mark phase", zap.Error(status.ErrVanished.Wrapf("%q", pth)))
			return nil
		}
		return err
	}
	defer func() {
		_ = idx.Close()
	}()

	return idx.MarkUsedChunks(st, marks)
}
