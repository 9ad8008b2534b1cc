// Copyright © 2018 One Concern

package gc

import (
	"fmt"
	"os"
	"sync"

	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/dlogger"
	"github.com/oneconcern/dedupstore/pkg/status"
	"go.uber.org/zap"
)

// Mark set backends
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendPebble = "pebble"
)

type (
	// MarkSet tracks the digests referenced by retained index files during the mark phase.
	//
	// Implementations are safe for concurrent use.
	MarkSet interface {
		// Mark records a digest and reports whether it was not marked before
		Mark(digest.Digest) (bool, error)
		// Has tells if a digest was marked
		Has(digest.Digest) (bool, error)
		// Len is the number of distinct digests marked
		Len() uint64
		// Close releases the resources held by the mark set
		Close() error
	}

	// Option modifies the behavior of a mark set
	Option func(*markSetOptions)

	markSetOptions struct {
		dir string
		l   *zap.Logger
	}
)

// WithDir sets the working directory of a persistent mark set.
// By default, a temporary directory is used and removed on Close.
func WithDir(pth string) Option {
	return func(o *markSetOptions) {
		if pth != "" {
			o.dir = pth
		}
	}
}

// WithLogger sets a logger for the mark set
func WithLogger(zlg *zap.Logger) Option {
	return func(o *markSetOptions) {
		if zlg != nil {
			o.l = zlg
		}
	}
}

func defaultMarkSetOptions(opts []Option) *markSetOptions {
	o := &markSetOptions{
		l: dlogger.MustGetLogger(dlogger.LogLevelInfo),
	}
	for _, apply := range opts {
		apply(o)
	}
	return o
}

// IsBackend tells if a mark set backend is supported
func IsBackend(backend string) bool {
	switch backend {
	case "", BackendMemory, BackendBadger, BackendPebble:
		return true
	default:
		return false
	}
}

// Open a mark set with the given backend.
//
// The memory backend is adequate for stores with up to some tens of millions of chunks.
// Larger stores should use an on-disk KV backend (badger or pebble).
func Open(backend string, opts ...Option) (MarkSet, error) {
	options := defaultMarkSetOptions(opts)

	switch backend {
	case "", BackendMemory:
		return newMemoryMarkSet(), nil
	case BackendBadger, BackendPebble:
	default:
		return nil, status.ErrConfiguration.Wrapf("unknown mark set backend %q", backend)
	}

	pth, cleanup, err := workDir(options.dir)
	if err != nil {
		return nil, err
	}

	options.l.Debug("opening on-disk mark set", zap.String("backend", backend), zap.String("path", pth))

	var m MarkSet
	if backend == BackendBadger {
		m, err = makeBadgerMarkSet(pth, cleanup)
	} else {
		m, err = makePebbleMarkSet(pth, cleanup)
	}
	if err != nil {
		_ = cleanup()
		return nil, err
	}

	return m, nil
}

func workDir(dir string) (string, func() error, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", nil, fmt.Errorf("mark set: mkdir: %w", err)
		}
		return dir, func() error { return nil }, nil
	}

	tmp, err := os.MkdirTemp("", "dedupstore-marks-")
	if err != nil {
		return "", nil, fmt.Errorf("mark set: temp dir: %w", err)
	}
	return tmp, func() error { return os.RemoveAll(tmp) }, nil
}

type memoryMarkSet struct {
	mx    sync.RWMutex
	marks map[digest.Digest]struct{}
}

func newMemoryMarkSet() *memoryMarkSet {
	return &memoryMarkSet{marks: make(map[digest.Digest]struct{}, 1024)}
}

func (m *memoryMarkSet) Mark(d digest.Digest) (bool, error) {
	m.mx.Lock()
	defer m.mx.Unlock()

	if _, found := m.marks[d]; found {
		return false, nil
	}
	m.marks[d] = struct{}{}

	return true, nil
}

func (m *memoryMarkSet) Has(d digest.Digest) (bool, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()

	_, found := m.marks[d]

	return found, nil
}

func (m *memoryMarkSet) Len() uint64 {
	m.mx.RLock()
	defer m.mx.RUnlock()

	return uint64(len(m.marks))
}

func (m *memoryMarkSet) Close() error {
	m.mx.Lock()
	m.marks = nil
	m.mx.Unlock()

	return nil
}
