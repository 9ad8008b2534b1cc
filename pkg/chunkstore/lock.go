// Copyright © 2018 One Concern

package chunkstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/oneconcern/dedupstore/pkg/errors"
	"github.com/oneconcern/dedupstore/pkg/status"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// LockGuard holds an advisory lock on the store's lock file until closed.
//
// Each guard owns its own open file description, so guards conflict with each other
// within a single process as well as across processes.
type LockGuard struct {
	f         *os.File
	exclusive bool
	once      sync.Once
	l         *zap.Logger
}

// TrySharedLock acquires the lock held by writers actively inserting chunks.
// It does not block: if garbage collection holds the store, status.ErrLocked is returned.
func (s *ChunkStore) TrySharedLock() (*LockGuard, error) {
	return s.tryLock(false)
}

// TryExclusiveLock acquires the lock requested by garbage collection.
// It does not block: if any writer or another collector holds the store, status.ErrLocked is returned.
func (s *ChunkStore) TryExclusiveLock() (*LockGuard, error) {
	return s.tryLock(true)
}

func (s *ChunkStore) tryLock(exclusive bool) (*LockGuard, error) {
	f, err := os.OpenFile(s.lockPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, status.ErrIO.Wrap(fmt.Errorf("open lock file %q: %w", s.lockPath, err))
	}

	how, kind := unix.LOCK_SH, "shared"
	if exclusive {
		how, kind = unix.LOCK_EX, "exclusive"
	}

	for {
		err = unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}

	if err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, status.ErrLocked.Wrapf("unable to get %s lock on %q", kind, s.lockPath)
		}
		return nil, status.ErrIO.Wrap(fmt.Errorf("flock %q: %w", s.lockPath, err))
	}

	s.l.Debug("lock acquired", zap.String("lock", kind))

	return &LockGuard{
		f:         f,
		exclusive: exclusive,
		l:         s.l,
	}, nil
}

// Exclusive tells if this guard holds the exclusive lock
func (g *LockGuard) Exclusive() bool {
	return g.exclusive
}

// Close releases the lock. It may be called several times.
func (g *LockGuard) Close() error {
	var err error
	g.once.Do(func() {
		err = unix.Flock(int(g.f.Fd()), unix.LOCK_UN)
		if erc := g.f.Close(); erc != nil && err == nil {
			err = erc
		}
		g.l.Debug("lock released", zap.Bool("exclusive", g.exclusive))
	})

	return err
}
