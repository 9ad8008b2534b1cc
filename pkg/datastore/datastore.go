// Copyright © 2018 One Concern

// Package datastore manages a backup datastore: the chunk store, the hierarchy of
// snapshot directories holding index files, and garbage collection.
//
// Snapshots live under the base path of the datastore:
//
//	<base>/<type>/<id>/<timestamp>/*.fidx|*.didx
//
// Hidden entries (such as the .chunks directory) are never considered part of a snapshot.
package datastore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oneconcern/dedupstore/pkg/chunkstore"
	"github.com/oneconcern/dedupstore/pkg/dlogger"
	"github.com/oneconcern/dedupstore/pkg/gc"
	"github.com/oneconcern/dedupstore/pkg/index"
	"github.com/oneconcern/dedupstore/pkg/metrics"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DataStore is a named chunk store with its snapshots.
//
// A DataStore is safe for concurrent use.
type DataStore struct {
	name   string
	chunks *chunkstore.ChunkStore
	fs     afero.Fs

	graceWindow    time.Duration
	now            func() time.Time
	markSetBackend string
	markSetDir     string
	chunkOpts      []chunkstore.Option

	gcMutex  sync.Mutex
	statusMx sync.RWMutex
	lastGC   gc.Status

	l *zap.Logger
	metrics.Enable
}

func defaultDataStore(name string) *DataStore {
	return &DataStore{
		name:           name,
		fs:             afero.NewOsFs(),
		graceWindow:    DefaultGCGraceWindow,
		now:            time.Now,
		markSetBackend: gc.BackendMemory,
		l:              dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
}

// Open a datastore at an absolute base path, creating its chunk store if needed
func Open(name, basePath string, opts ...Option) (*DataStore, error) {
	d := defaultDataStore(name)
	for _, apply := range opts {
		apply(d)
	}

	chunkOpts := append([]chunkstore.Option{
		chunkstore.Logger(d.l),
		chunkstore.Metrics(d.Metrics()),
	}, d.chunkOpts...)

	chunks, err := chunkstore.Open(name, basePath, chunkOpts...)
	if err != nil {
		return nil, err
	}
	d.chunks = chunks
	d.l = chunks.Logger()

	return d, nil
}

// Name of the datastore
func (d *DataStore) Name() string {
	return d.name
}

// BasePath of the datastore
func (d *DataStore) BasePath() string {
	return d.chunks.BasePath()
}

// ChunkStore of the datastore
func (d *DataStore) ChunkStore() *chunkstore.ChunkStore {
	return d.chunks
}

// ChunkIterator iterates over all chunks on disk
func (d *DataStore) ChunkIterator(progress bool) *chunkstore.ChunkIterator {
	return d.chunks.ChunkIterator(progress)
}

// CreateFixedWriter creates a fixed index. A relative path is resolved against the base path.
func (d *DataStore) CreateFixedWriter(pth string, size, chunkSize uint64) (*index.FixedWriter, error) {
	return index.CreateFixedWriter(d.chunks, pth, size, chunkSize)
}

// OpenFixedReader opens a fixed index
func (d *DataStore) OpenFixedReader(pth string) (*index.FixedReader, error) {
	return index.OpenFixedReader(d.chunks, pth)
}

// CreateDynamicWriter creates a dynamic index
func (d *DataStore) CreateDynamicWriter(pth string, chunkSize uint64) (*index.DynamicWriter, error) {
	return index.CreateDynamicWriter(d.chunks, pth, chunkSize)
}

// OpenDynamicReader opens a dynamic index
func (d *DataStore) OpenDynamicReader(pth string) (*index.DynamicReader, error) {
	return index.OpenDynamicReader(d.chunks, pth)
}

// OpenIndex opens an index of either format, according to its extension
func (d *DataStore) OpenIndex(pth string) (index.File, error) {
	return index.Open(d.chunks, pth)
}

// Restore writes the stream described by an index
func (d *DataStore) Restore(ctx context.Context, pth string, w io.Writer) (uint64, error) {
	idx, err := d.OpenIndex(pth)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = idx.Close()
	}()

	return index.Restore(ctx, d.chunks, idx, w)
}

// CreateBackupDir creates the directory of a snapshot.
//
// It returns the path of the snapshot relative to the base path, and whether it was created.
// An existing snapshot directory is not an error.
func (d *DataStore) CreateBackupDir(typ, id string, t time.Time) (string, bool, error) {
	dir, err := NewBackupDir(typ, id, t)
	if err != nil {
		return "", false, err
	}

	groupPath := filepath.Join(d.BasePath(), filepath.FromSlash(dir.Group.Path()))
	if err = d.fs.MkdirAll(groupPath, 0755); err != nil {
		return "", false, status.ErrIO.Wrap(fmt.Errorf("create backup group %q: %w", groupPath, err))
	}

	rel := dir.Path()
	full := filepath.Join(groupPath, dir.TimeString())
	if err = d.fs.Mkdir(full, 0755); err != nil {
		if os.IsExist(err) {
			return rel, false, nil
		}
		return "", false, status.ErrIO.Wrap(fmt.Errorf("create backup dir %q: %w", full, err))
	}

	d.l.Debug("backup dir created", zap.String("snapshot", rel))

	return rel, true, nil
}

// RemoveBackupDir deletes a snapshot with all its content
func (d *DataStore) RemoveBackupDir(dir BackupDir) error {
	full := filepath.Join(d.BasePath(), filepath.FromSlash(dir.Path()))

	if _, err := d.fs.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return status.ErrNotFound.Wrapf("snapshot %q", dir.Path())
		}
		return status.ErrIO.Wrap(fmt.Errorf("stat %q: %w", full, err))
	}

	d.l.Info("removing backup", zap.String("path", full))

	if err := d.fs.RemoveAll(full); err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("remove backup dir %q: %w", full, err))
	}

	return nil
}

// readDir lists the entries of a directory matching a pattern.
// A directory which vanished is reported as empty.
func (d *DataStore) readDir(dir string, keep func(os.FileInfo) bool) ([]os.FileInfo, error) {
	infos, err := afero.ReadDir(d.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			d.l.Warn("directory vanished during scan", zap.Error(status.ErrVanished.Wrapf("%q", dir)))
			return nil, nil
		}
		return nil, status.ErrIO.Wrap(fmt.Errorf("read dir %q: %w", dir, err))
	}

	kept := infos[:0]
	for _, info := range infos {
		if keep(info) {
			kept = append(kept, info)
		}
	}

	return kept, nil
}

func dirMatching(rex interface{ MatchString(string) bool }) func(os.FileInfo) bool {
	return func(info os.FileInfo) bool {
		return info.IsDir() && rex.MatchString(info.Name())
	}
}

// snapshotFile keeps regular files, except hidden files and staged indexes
func snapshotFile(info os.FileInfo) bool {
	name := info.Name()
	return info.Mode().IsRegular() && !strings.HasPrefix(name, ".") && !strings.Contains(name, ".tmp_")
}

// ListBackups enumerates the snapshots of the datastore, with the files they contain.
//
// Directories not matching the snapshot naming grammar are ignored.
// Snapshots are sorted by group then time.
func (d *DataStore) ListBackups() ([]BackupInfo, error) {
	base := d.BasePath()

	types, err := d.readDir(base, dirMatching(typeRegexp))
	if err != nil {
		return nil, err
	}

	var list []BackupInfo
	for _, typ := range types {
		typPath := filepath.Join(base, typ.Name())
		ids, err := d.readDir(typPath, dirMatching(idRegexp))
		if err != nil {
			return nil, err
		}

		for _, id := range ids {
			idPath := filepath.Join(typPath, id.Name())
			times, err := d.readDir(idPath, dirMatching(timeRegexp))
			if err != nil {
				return nil, err
			}

			for _, ts := range times {
				t, err := parseTime(ts.Name())
				if err != nil {
					d.l.Warn("skipping snapshot with invalid time", zap.String("path", filepath.Join(idPath, ts.Name())), zap.Error(err))
					continue
				}

				files, err := d.readDir(filepath.Join(idPath, ts.Name()), snapshotFile)
				if err != nil {
					return nil, err
				}

				info := BackupInfo{
					Dir: BackupDir{
						Group: BackupGroup{Type: typ.Name(), ID: id.Name()},
						Time:  t,
					},
					Files: make([]string, 0, len(files)),
				}
				for _, f := range files {
					info.Files = append(info.Files, f.Name())
				}
				list = append(list, info)
			}
		}
	}

	sort.SliceStable(list, func(i, j int) bool {
		gi, gj := list[i].Dir.Group, list[j].Dir.Group
		if gi != gj {
			return gi.Path() < gj.Path()
		}
		return list[i].Dir.Time.Before(list[j].Dir.Time)
	})

	return list, nil
}

// ListImages returns the absolute path of every published index file in the datastore.
//
// Hidden directories, including the chunk store, are skipped. Symbolic links are not followed.
// Entries vanishing during the walk are logged and skipped.
func (d *DataStore) ListImages() ([]string, error) {
	base := d.BasePath()
	var list []string

	err := afero.Walk(d.fs, base, func(pth string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				d.l.Warn("file vanished during scan", zap.Error(status.ErrVanished.Wrapf("%q", pth)))
				return nil
			}
			return status.ErrIO.Wrap(fmt.Errorf("walk %q: %w", pth, err))
		}

		if pth != base && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.Mode().IsRegular() && index.IsIndex(info.Name()) {
			list = append(list, pth)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return list, nil
}

// LastGCStatus returns the status of the last completed garbage collection
func (d *DataStore) LastGCStatus() gc.Status {
	d.statusMx.RLock()
	defer d.statusMx.RUnlock()

	return d.lastGC
}
