// Copyright © 2018 One Concern

// Package chunkstore implements a content-addressed repository of chunks on a local file system.
//
// Chunk files are named by the hex digest of their content and sharded into 256 buckets
// by the first two hex characters of the digest:
//
//	<base>/.chunks/<2-hex-prefix>/<64-hex-digest>
//
// Writes are staged in the bucket then renamed into place, so a partially written chunk
// is never observed.
package chunkstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/dlogger"
	"github.com/oneconcern/dedupstore/pkg/metrics"
	"github.com/oneconcern/dedupstore/pkg/status"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	// ChunkDir is the name of the chunk directory under the base path
	ChunkDir = ".chunks"

	// LockFile is the name of the process lock file under the base path
	LockFile = ".lock"

	// Buckets is the fan-out of the chunk directory
	Buckets = 256

	tempMarker = ".tmp_"
)

// ChunkStore owns the chunk directory of a datastore and its lock
type ChunkStore struct {
	name     string
	base     string
	chunkDir string
	lockPath string

	fs afero.Fs // rooted at the chunk directory

	compress      bool
	sweepParallel int
	l             *zap.Logger

	metrics.Enable
}

func defaultsForStore(name, base string) *ChunkStore {
	return &ChunkStore{
		name:          name,
		base:          base,
		chunkDir:      filepath.Join(base, ChunkDir),
		lockPath:      filepath.Join(base, LockFile),
		compress:      true,
		sweepParallel: 4,
		l:             dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
}

// Open a chunk store, creating the sharded layout if needed.
//
// The base path must be an absolute path to an accessible directory (it is created if missing).
func Open(name, basePath string, opts ...Option) (*ChunkStore, error) {
	if basePath == "" {
		return nil, status.ErrConfiguration.Wrapf("datastore %q: empty base path", name)
	}
	if !filepath.IsAbs(basePath) {
		return nil, status.ErrConfiguration.Wrapf("datastore %q: base path %q is not absolute", name, basePath)
	}

	s := defaultsForStore(name, filepath.Clean(basePath))
	for _, apply := range opts {
		apply(s)
	}

	if err := os.MkdirAll(s.base, 0700); err != nil {
		return nil, status.ErrConfiguration.Wrap(fmt.Errorf("datastore %q: %w", name, err))
	}
	fi, err := os.Stat(s.base)
	if err != nil {
		return nil, status.ErrConfiguration.Wrap(fmt.Errorf("datastore %q: %w", name, err))
	}
	if !fi.IsDir() {
		return nil, status.ErrConfiguration.Wrapf("datastore %q: base path %q is not a directory", name, s.base)
	}

	if err = os.MkdirAll(s.chunkDir, 0700); err != nil {
		return nil, status.ErrConfiguration.Wrap(fmt.Errorf("datastore %q: chunk directory: %w", name, err))
	}
	s.fs = afero.NewBasePathFs(afero.NewOsFs(), s.chunkDir)

	for i := 0; i < Buckets; i++ {
		if err = s.fs.MkdirAll(bucketName(i), 0700); err != nil {
			return nil, status.ErrConfiguration.Wrap(fmt.Errorf("datastore %q: bucket %s: %w", name, bucketName(i), err))
		}
	}

	lock, err := os.OpenFile(s.lockPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, status.ErrConfiguration.Wrap(fmt.Errorf("datastore %q: lock file: %w", name, err))
	}
	_ = lock.Close()

	s.l = s.l.With(zap.String("datastore", name))
	s.l.Debug("chunk store opened", zap.String("path", s.base))

	return s, nil
}

func bucketName(i int) string {
	return fmt.Sprintf("%02x", i)
}

func chunkKey(d digest.Digest) string {
	return filepath.Join(d.Prefix(), d.String())
}

// Name of the datastore owning this chunk store
func (s *ChunkStore) Name() string {
	return s.name
}

// BasePath of the datastore
func (s *ChunkStore) BasePath() string {
	return s.base
}

// RelativePath resolves a path relative to the base path. Absolute paths are returned unchanged.
func (s *ChunkStore) RelativePath(pth string) string {
	if filepath.IsAbs(pth) {
		return pth
	}
	return filepath.Join(s.base, pth)
}

// ChunkPath is the full path to the file of a chunk
func (s *ChunkStore) ChunkPath(d digest.Digest) string {
	return filepath.Join(s.chunkDir, chunkKey(d))
}

func (s *ChunkStore) String() string {
	return "chunkstore@" + s.base
}

// Logger used by this store
func (s *ChunkStore) Logger() *zap.Logger {
	return s.l
}

// Has tells if a chunk is present
func (s *ChunkStore) Has(d digest.Digest) (bool, error) {
	_, err := s.fs.Stat(chunkKey(d))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, status.ErrIO.Wrap(fmt.Errorf("stat %q: %w", s.ChunkPath(d), err))
}

// InsertChunk stores a chunk unless a chunk with the same digest already exists.
//
// It returns whether the chunk was a duplicate and its size on disk.
// Concurrent inserts of the same digest are benign: the content is identical and the final rename is atomic.
func (s *ChunkStore) InsertChunk(chunk *Chunk) (bool, uint64, error) {
	d := chunk.Digest()
	key := chunkKey(d)

	duplicate, size, err := s.touchExisting(key)
	if err != nil {
		return false, 0, err
	}
	if duplicate {
		s.Metrics().ChunkInserted(s.name, true, size)
		return true, size, nil
	}

	blob, err := encodeChunk(chunk.Data(), s.compress)
	if err != nil {
		return false, 0, err
	}

	if err = s.writeAtomic(key, blob); err != nil {
		return false, 0, err
	}

	size = uint64(len(blob))
	s.Metrics().ChunkInserted(s.name, false, size)

	return false, size, nil
}

// touchExisting refreshes the modification time of an existing chunk, so an
// unreferenced chunk reused by a backup in flight is not collected.
func (s *ChunkStore) touchExisting(key string) (bool, uint64, error) {
	fi, err := s.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, status.ErrIO.Wrap(fmt.Errorf("stat %q: %w", filepath.Join(s.chunkDir, key), err))
	}

	now := time.Now()
	if err = s.fs.Chtimes(key, now, now); err != nil {
		if os.IsNotExist(err) {
			// removed in between: write it again
			return false, 0, nil
		}
		return false, 0, status.ErrIO.Wrap(fmt.Errorf("touch %q: %w", filepath.Join(s.chunkDir, key), err))
	}

	return true, uint64(fi.Size()), nil
}

func (s *ChunkStore) writeAtomic(key string, blob []byte) error {
	tmp, err := afero.TempFile(s.fs, filepath.Dir(key), filepath.Base(key)+tempMarker)
	if err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("create temp chunk for %q: %w", key, err))
	}
	tmpName := tmp.Name()

	cleanup := func(e error) error {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return status.ErrIO.Wrap(fmt.Errorf("write chunk %q: %w", filepath.Join(s.chunkDir, key), e))
	}

	if _, err = tmp.Write(blob); err != nil {
		return cleanup(err)
	}
	if err = tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err = tmp.Close(); err != nil {
		return cleanup(err)
	}

	if err = s.fs.Rename(tmpName, key); err != nil {
		_ = s.fs.Remove(tmpName)
		return status.ErrIO.Wrap(fmt.Errorf("atomic rename of chunk %q: %w", filepath.Join(s.chunkDir, key), err))
	}

	return nil
}

// ReadChunk loads the payload of a chunk and verifies its digest
func (s *ChunkStore) ReadChunk(d digest.Digest) ([]byte, error) {
	blob, err := afero.ReadFile(s.fs, chunkKey(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.ErrNotFound.Wrapf("chunk %v", d)
		}
		return nil, status.ErrIO.Wrap(fmt.Errorf("read chunk %q: %w", s.ChunkPath(d), err))
	}

	return decodeChunk(d, blob)
}
