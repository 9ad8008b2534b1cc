// Copyright © 2018 One Concern

package index

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/oneconcern/dedupstore/pkg/chunkstore"
	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/gc"
	"github.com/oneconcern/dedupstore/pkg/status"
	"go.uber.org/zap"
)

// maxSlots is the largest slot count whose file length fits an int
const maxSlots = (math.MaxInt - HeaderSize) / digest.Size

func slotCount(size, chunkSize uint64) uint64 {
	count := size / chunkSize
	if size%chunkSize != 0 {
		count++
	}
	return count
}

// FixedWriter builds a fixed index.
//
// Slots are mapped in memory and may be filled in any order. A FixedWriter is not safe for concurrent use.
// It holds a shared lock on the chunk store until closed or aborted, so garbage collection
// cannot run while chunks are being inserted.
type FixedWriter struct {
	store   *chunkstore.ChunkStore
	lock    *chunkstore.LockGuard
	f       *os.File
	m       *mapping
	slots   slots
	header  Header
	pth     string
	tmpPath string
	closed  bool
	l       *zap.Logger
}

// CreateFixedWriter prepares a new fixed index of size bytes split in chunks of chunkSize bytes.
//
// A relative path is resolved against the base path of the store.
func CreateFixedWriter(store *chunkstore.ChunkStore, pth string, size, chunkSize uint64) (*FixedWriter, error) {
	if ext := filepath.Ext(pth); ext != FixedExt {
		return nil, status.ErrConfiguration.Wrapf("fixed index %q: extension must be %s, got %q", pth, FixedExt, ext)
	}
	if chunkSize == 0 {
		return nil, status.ErrConfiguration.Wrapf("fixed index %q: chunk size must be positive", pth)
	}
	if count := slotCount(size, chunkSize); count > maxSlots {
		return nil, status.ErrConfiguration.Wrapf("fixed index %q: too many slots (%d) for size %d and chunk size %d", pth, count, size, chunkSize)
	}

	lock, err := store.TrySharedLock()
	if err != nil {
		return nil, err
	}

	full := store.RelativePath(pth)
	w := &FixedWriter{
		store:   store,
		lock:    lock,
		header:  newHeader(FixedMagic, size, chunkSize),
		pth:     full,
		tmpPath: tempPath(full, fixedTempExt),
		l:       store.Logger().With(zap.String("index", full)),
	}

	if err = w.create(); err != nil {
		_ = w.Abort()
		return nil, err
	}

	w.l.Debug("fixed index created",
		zap.Uint64("size", size),
		zap.Uint64("chunk_size", chunkSize),
		zap.Int("slots", w.slots.count()),
	)

	return w, nil
}

func (w *FixedWriter) create() error {
	var err error

	w.f, err = os.OpenFile(w.tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("create fixed index: %w", err))
	}

	page, _ := w.header.MarshalBinary()
	if _, err = w.f.Write(page); err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("write header of %q: %w", w.tmpPath, err))
	}

	length := HeaderSize + int64(slotCount(w.header.Size, w.header.ChunkSize))*digest.Size
	if err = w.f.Truncate(length); err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("truncate %q: %w", w.tmpPath, err))
	}

	w.m, err = mapFile(w.f, int(length), true)
	if err != nil {
		return err
	}
	w.slots = newSlots(w.m.body())

	return nil
}

// Path of the index, once published
func (w *FixedWriter) Path() string {
	return w.pth
}

// Header of the index being written. The checksum is only known after Close.
func (w *FixedWriter) Header() Header {
	return w.header
}

// IndexCount is the number of slots
func (w *FixedWriter) IndexCount() int {
	return w.slots.count()
}

// AddChunk inserts a chunk into the store and records it in its slot.
//
// info.Offset is the end offset of the chunk in the stream. The chunk must start on a
// chunk size boundary and be exactly chunk size long, except the last chunk which may be shorter.
// Violations return status.ErrConsistency: the index being written should then be aborted.
func (w *FixedWriter) AddChunk(info chunkstore.ChunkInfo, stat *chunkstore.ChunkStat) error {
	if w.closed {
		return status.ErrClosed.Wrapf("cannot write to closed index %q", w.pth)
	}

	end, length := info.Offset, info.Length
	size, chunkSize := w.header.Size, w.header.ChunkSize

	switch {
	case info.Chunk == nil:
		return status.ErrConsistency.Wrapf("index %q: missing chunk at offset %d", w.pth, end)
	case length != info.Chunk.Len():
		return status.ErrConsistency.Wrapf("index %q: chunk length %d does not match its payload (%d bytes)", w.pth, length, info.Chunk.Len())
	case end < length:
		return status.ErrConsistency.Wrapf("index %q: got chunk with small offset (%d < %d)", w.pth, end, length)
	case end > size:
		return status.ErrConsistency.Wrapf("index %q: write chunk data exceeds size (%d > %d)", w.pth, end, size)
	case length == 0 || length > chunkSize || (end != size && length != chunkSize):
		return status.ErrConsistency.Wrapf("index %q: got chunk with wrong length (%d != %d)", w.pth, length, chunkSize)
	}

	start := end - length
	if start%chunkSize != 0 {
		return status.ErrConsistency.Wrapf("index %q: add unaligned chunk (pos = %d)", w.pth, start)
	}

	duplicate, stored, err := w.store.InsertChunk(info.Chunk)
	if err != nil {
		return err
	}
	stat.Add(length, duplicate, stored)

	if ce := w.l.Check(zap.DebugLevel, "add chunk"); ce != nil {
		ce.Write(
			zap.Uint64("pos", start),
			zap.Uint64("length", length),
			zap.Uint64("stored", stored),
			zap.Bool("duplicate", duplicate),
			zap.Stringer("digest", info.Chunk.Digest()),
		)
	}

	return w.AddDigest(int(start/chunkSize), info.Chunk.Digest())
}

// AddDigest records the digest of a chunk already present in the store
func (w *FixedWriter) AddDigest(slot int, d digest.Digest) error {
	if w.closed {
		return status.ErrClosed.Wrapf("cannot write to closed index %q", w.pth)
	}
	if err := w.slots.set(slot, d); err != nil {
		return status.ErrConsistency.Wrap(fmt.Errorf("index %q: add digest: %w", w.pth, err))
	}
	return nil
}

// Close computes the checksum of the slots, patches the header and publishes the index.
//
// Every slot must have been written. A second call returns status.ErrClosed.
func (w *FixedWriter) Close() (digest.Digest, error) {
	if w.closed {
		return digest.Zero, status.ErrClosed.Wrapf("cannot close already closed index %q", w.pth)
	}

	for i := 0; i < w.slots.count(); i++ {
		d, _ := w.slots.get(i)
		if d.IsZero() {
			_ = w.Abort()
			return digest.Zero, status.ErrConsistency.Wrapf("index %q: slot %d was never written", w.pth, i)
		}
	}

	csum := digest.Sum(w.m.body())

	if err := w.publish(csum); err != nil {
		_ = w.Abort()
		return digest.Zero, err
	}

	w.header.Checksum = csum
	w.closed = true
	w.l.Debug("fixed index published", zap.Stringer("checksum", csum))

	return csum, w.lock.Close()
}

func (w *FixedWriter) publish(csum digest.Digest) error {
	if err := w.m.sync(); err != nil {
		return err
	}
	if err := w.m.unmap(); err != nil {
		return err
	}
	w.slots = slots{}

	return finalize(w.f, w.tmpPath, w.pth, func(f *os.File) error {
		_, err := f.WriteAt(csum[:], offChecksum)
		return err
	})
}

// Abort discards the index being written and releases the store lock.
// It does nothing on a closed writer.
func (w *FixedWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.slots = slots{}

	err := w.m.unmap()
	discard(w.f, w.tmpPath)
	if erl := w.lock.Close(); erl != nil && err == nil {
		err = erl
	}
	w.l.Debug("fixed index aborted")

	return err
}

// finalize patches the header of a staged index, syncs it and renames it into place
func finalize(f *os.File, tmpPath, pth string, patch func(*os.File) error) error {
	if err := patch(f); err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("patch header of %q: %w", tmpPath, err))
	}
	if err := f.Sync(); err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("fsync %q: %w", tmpPath, err))
	}
	if err := f.Close(); err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("close %q: %w", tmpPath, err))
	}
	if err := os.Rename(tmpPath, pth); err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("atomic rename of index %q: %w", pth, err))
	}
	return nil
}

func discard(f *os.File, tmpPath string) {
	if f != nil {
		_ = f.Close()
	}
	_ = os.Remove(tmpPath)
}

// FixedReader gives read-only access to a published fixed index
type FixedReader struct {
	pth    string
	f      *os.File
	m      *mapping
	slots  slots
	header Header
}

// OpenFixedReader opens and validates a fixed index.
//
// The file size must match exactly the number of slots declared by the header, or status.ErrFormat is returned.
func OpenFixedReader(store *chunkstore.ChunkStore, pth string) (*FixedReader, error) {
	full := store.RelativePath(pth)

	f, header, fileSize, err := openIndexFile(full)
	if err != nil {
		return nil, err
	}

	r, err := newFixedReader(f, full, header, fileSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return r, nil
}

func newFixedReader(f *os.File, pth string, header Header, fileSize int64) (*FixedReader, error) {
	if err := header.checkMagic(FixedMagic, pth); err != nil {
		return nil, err
	}
	if header.ChunkSize == 0 {
		return nil, status.ErrFormat.Wrapf("fixed index %q: zero chunk size", pth)
	}

	count := slotCount(header.Size, header.ChunkSize)
	body := uint64(fileSize - HeaderSize)
	if count > maxSlots || count > body/digest.Size || count*digest.Size != body {
		return nil, status.ErrFormat.Wrapf("got unexpected file size for %q (%d slots declared, %d bytes of index)", pth, count, body)
	}

	m, err := mapFile(f, int(fileSize), false)
	if err != nil {
		return nil, err
	}

	return &FixedReader{
		pth:    pth,
		f:      f,
		m:      m,
		slots:  newSlots(m.body()),
		header: header,
	}, nil
}

// openIndexFile opens an index and decodes its header
func openIndexFile(pth string) (*os.File, Header, int64, error) {
	var header Header

	f, err := os.Open(pth)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, header, 0, status.ErrNotFound.Wrapf("index %q", pth)
		}
		return nil, header, 0, status.ErrIO.Wrap(fmt.Errorf("unable to open index %q: %w", pth, err))
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, header, 0, status.ErrIO.Wrap(fmt.Errorf("fstat %q: %w", pth, err))
	}

	page := make([]byte, HeaderSize)
	if _, err = io.ReadFull(f, page); err != nil {
		_ = f.Close()
		return nil, header, 0, status.ErrFormat.Wrapf("index %q is too short: %v", pth, err)
	}
	_ = header.UnmarshalBinary(page)

	return f, header, fi.Size(), nil
}

// Path of the index file
func (r *FixedReader) Path() string {
	return r.pth
}

// Header of the index
func (r *FixedReader) Header() Header {
	return r.header
}

// ChunkSize of the index
func (r *FixedReader) ChunkSize() uint64 {
	return r.header.ChunkSize
}

// IndexCount is the number of slots
func (r *FixedReader) IndexCount() int {
	return r.slots.count()
}

// IndexDigest returns the digest in a slot
func (r *FixedReader) IndexDigest(i int) (digest.Digest, error) {
	return r.slots.get(i)
}

// IndexBytes is the logical size of the stream
func (r *FixedReader) IndexBytes() uint64 {
	return r.header.Size
}

// ChunkInfo locates the chunk in a slot. Only the last chunk may be shorter than the chunk size.
func (r *FixedReader) ChunkInfo(i int) (ChunkRef, error) {
	d, err := r.slots.get(i)
	if err != nil {
		return ChunkRef{}, err
	}

	start := uint64(i) * r.header.ChunkSize
	end := start + r.header.ChunkSize
	if end > r.header.Size {
		end = r.header.Size
	}

	return ChunkRef{Digest: d, Offset: end, Length: end - start}, nil
}

// ComputeChecksum computes the digest of the slot array
func (r *FixedReader) ComputeChecksum() digest.Digest {
	return digest.Sum(r.slots.buf)
}

// Verify compares the stored checksum with the slots
func (r *FixedReader) Verify() error {
	return verify(r)
}

// MarkUsedChunks marks all chunks referenced by this index
func (r *FixedReader) MarkUsedChunks(st *gc.Status, marks gc.MarkSet) error {
	return markUsedChunks(r, st, marks)
}

// Info describes the index
func (r *FixedReader) Info() Info {
	return Info{
		Path:      r.pth,
		Kind:      "fixed",
		UUID:      r.header.UUID,
		CTime:     r.header.CTime,
		Checksum:  r.header.Checksum,
		Size:      r.header.Size,
		ChunkSize: r.header.ChunkSize,
		Count:     r.IndexCount(),
	}
}

// Close releases the mapping and the file. It may be called several times.
func (r *FixedReader) Close() error {
	r.slots = slots{}
	return closeReader(r.m, &r.f)
}

func closeReader(m *mapping, f **os.File) error {
	err := m.unmap()
	if *f != nil {
		if erc := (*f).Close(); erc != nil && err == nil {
			err = status.ErrIO.Wrap(erc)
		}
		*f = nil
	}
	return err
}
