// Copyright © 2018 One Concern

package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash"
	"os"
	"path/filepath"

	"github.com/oneconcern/dedupstore/pkg/chunkstore"
	"github.com/oneconcern/dedupstore/pkg/digest"
	"github.com/oneconcern/dedupstore/pkg/gc"
	"github.com/oneconcern/dedupstore/pkg/status"
	"go.uber.org/zap"
)

// RecordSize is the size of a dynamic index record: a little endian end offset followed by a digest
const RecordSize = 8 + digest.Size

// records is a bounds-checked view over the record array of a dynamic index
type records struct {
	buf []byte
}

func (r records) count() int {
	return len(r.buf) / RecordSize
}

func (r records) get(i int) (uint64, digest.Digest, error) {
	var d digest.Digest
	if i < 0 || i >= r.count() {
		return 0, d, status.ErrConsistency.Wrapf("record %d out of range [0, %d)", i, r.count())
	}
	rec := r.buf[i*RecordSize : (i+1)*RecordSize]
	copy(d[:], rec[8:])
	return binary.LittleEndian.Uint64(rec), d, nil
}

// DynamicWriter builds a dynamic index.
//
// Records are appended in stream order. A DynamicWriter is not safe for concurrent use.
// It holds a shared lock on the chunk store until closed or aborted.
type DynamicWriter struct {
	store   *chunkstore.ChunkStore
	lock    *chunkstore.LockGuard
	f       *os.File
	w       *bufio.Writer
	csum    hash.Hash
	header  Header
	pth     string
	tmpPath string
	last    uint64
	count   int
	closed  bool
	l       *zap.Logger
}

// CreateDynamicWriter prepares a new dynamic index. The chunk size is the nominal
// size targeted by the chunker, recorded in the header for information.
func CreateDynamicWriter(store *chunkstore.ChunkStore, pth string, chunkSize uint64) (*DynamicWriter, error) {
	if ext := filepath.Ext(pth); ext != DynamicExt {
		return nil, status.ErrConfiguration.Wrapf("dynamic index %q: extension must be %s, got %q", pth, DynamicExt, ext)
	}

	lock, err := store.TrySharedLock()
	if err != nil {
		return nil, err
	}

	full := store.RelativePath(pth)
	w := &DynamicWriter{
		store:   store,
		lock:    lock,
		csum:    digest.NewHasher(),
		header:  newHeader(DynamicMagic, 0, chunkSize),
		pth:     full,
		tmpPath: tempPath(full, dynamicTempExt),
		l:       store.Logger().With(zap.String("index", full)),
	}

	w.f, err = os.OpenFile(w.tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		_ = w.Abort()
		return nil, status.ErrIO.Wrap(fmt.Errorf("create dynamic index: %w", err))
	}
	w.w = bufio.NewWriterSize(w.f, 1024*RecordSize)

	page, _ := w.header.MarshalBinary()
	if _, err = w.w.Write(page); err != nil {
		_ = w.Abort()
		return nil, status.ErrIO.Wrap(fmt.Errorf("write header of %q: %w", w.tmpPath, err))
	}

	w.l.Debug("dynamic index created", zap.Uint64("chunk_size", chunkSize))

	return w, nil
}

// Path of the index, once published
func (w *DynamicWriter) Path() string {
	return w.pth
}

// IndexCount is the number of records written so far
func (w *DynamicWriter) IndexCount() int {
	return w.count
}

// Offset is the end offset of the last chunk written
func (w *DynamicWriter) Offset() uint64 {
	return w.last
}

// AddChunk inserts a chunk into the store and appends its record.
//
// The chunk must immediately follow the previous one: info.Offset is its end offset
// and must equal the previous end offset plus info.Length. Violations return status.ErrConsistency.
func (w *DynamicWriter) AddChunk(info chunkstore.ChunkInfo, stat *chunkstore.ChunkStat) error {
	if w.closed {
		return status.ErrClosed.Wrapf("cannot write to closed index %q", w.pth)
	}

	switch {
	case info.Chunk == nil:
		return status.ErrConsistency.Wrapf("index %q: missing chunk at offset %d", w.pth, info.Offset)
	case info.Length != info.Chunk.Len():
		return status.ErrConsistency.Wrapf("index %q: chunk length %d does not match its payload (%d bytes)", w.pth, info.Length, info.Chunk.Len())
	case info.Length == 0:
		return status.ErrConsistency.Wrapf("index %q: got empty chunk at offset %d", w.pth, info.Offset)
	case info.Offset != w.last+info.Length:
		return status.ErrConsistency.Wrapf("index %q: got chunk with unexpected offset (%d != %d + %d)", w.pth, info.Offset, w.last, info.Length)
	}

	duplicate, stored, err := w.store.InsertChunk(info.Chunk)
	if err != nil {
		return err
	}
	stat.Add(info.Length, duplicate, stored)

	if ce := w.l.Check(zap.DebugLevel, "add chunk"); ce != nil {
		ce.Write(
			zap.Uint64("pos", w.last),
			zap.Uint64("length", info.Length),
			zap.Uint64("stored", stored),
			zap.Bool("duplicate", duplicate),
			zap.Stringer("digest", info.Chunk.Digest()),
		)
	}

	return w.AppendDigest(info.Offset, info.Chunk.Digest())
}

// AppendDigest appends the record of a chunk already present in the store.
// Offsets must be strictly increasing.
func (w *DynamicWriter) AppendDigest(end uint64, d digest.Digest) error {
	if w.closed {
		return status.ErrClosed.Wrapf("cannot write to closed index %q", w.pth)
	}
	if end <= w.last {
		return status.ErrConsistency.Wrapf("index %q: offsets must be strictly increasing (%d <= %d)", w.pth, end, w.last)
	}

	var rec [RecordSize]byte
	binary.LittleEndian.PutUint64(rec[:8], end)
	copy(rec[8:], d[:])

	_, _ = w.csum.Write(rec[:])
	if _, err := w.w.Write(rec[:]); err != nil {
		return status.ErrIO.Wrap(fmt.Errorf("write record to %q: %w", w.tmpPath, err))
	}

	w.last = end
	w.count++

	return nil
}

// Close patches the header with the final size and the checksum of the records, then publishes the index.
// A second call returns status.ErrClosed.
func (w *DynamicWriter) Close() (digest.Digest, error) {
	if w.closed {
		return digest.Zero, status.ErrClosed.Wrapf("cannot close already closed index %q", w.pth)
	}

	var csum digest.Digest
	copy(csum[:], w.csum.Sum(nil))

	if err := w.w.Flush(); err != nil {
		_ = w.Abort()
		return digest.Zero, status.ErrIO.Wrap(fmt.Errorf("flush %q: %w", w.tmpPath, err))
	}

	err := finalize(w.f, w.tmpPath, w.pth, func(f *os.File) error {
		var size [8]byte
		binary.LittleEndian.PutUint64(size[:], w.last)
		if _, err := f.WriteAt(csum[:], offChecksum); err != nil {
			return err
		}
		_, err := f.WriteAt(size[:], offSize)
		return err
	})
	if err != nil {
		_ = w.Abort()
		return digest.Zero, err
	}

	w.header.Checksum = csum
	w.header.Size = w.last
	w.closed = true
	w.l.Debug("dynamic index published", zap.Stringer("checksum", csum), zap.Int("chunks", w.count))

	return csum, w.lock.Close()
}

// Abort discards the index being written and releases the store lock.
// It does nothing on a closed writer.
func (w *DynamicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true

	discard(w.f, w.tmpPath)
	w.l.Debug("dynamic index aborted")

	return w.lock.Close()
}

// DynamicReader gives read-only access to a published dynamic index
type DynamicReader struct {
	pth     string
	f       *os.File
	m       *mapping
	records records
	header  Header
}

// OpenDynamicReader opens and validates a dynamic index.
//
// The record array must be a whole number of records, with strictly increasing offsets
// ending at the size declared by the header, or status.ErrFormat is returned.
func OpenDynamicReader(store *chunkstore.ChunkStore, pth string) (*DynamicReader, error) {
	full := store.RelativePath(pth)

	f, header, fileSize, err := openIndexFile(full)
	if err != nil {
		return nil, err
	}

	r, err := newDynamicReader(f, full, header, fileSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return r, nil
}

func newDynamicReader(f *os.File, pth string, header Header, fileSize int64) (*DynamicReader, error) {
	if err := header.checkMagic(DynamicMagic, pth); err != nil {
		return nil, err
	}

	if body := fileSize - HeaderSize; body%RecordSize != 0 {
		return nil, status.ErrFormat.Wrapf("got unexpected file size for %q (%d bytes of index is not a multiple of %d)", pth, body, RecordSize)
	}

	m, err := mapFile(f, int(fileSize), false)
	if err != nil {
		return nil, err
	}

	r := &DynamicReader{
		pth:     pth,
		f:       f,
		m:       m,
		records: records{buf: m.body()},
		header:  header,
	}

	if err = r.validate(); err != nil {
		_ = m.unmap()
		return nil, err
	}

	return r, nil
}

func (r *DynamicReader) validate() error {
	var last uint64
	for i := 0; i < r.records.count(); i++ {
		end, _, _ := r.records.get(i)
		if end <= last {
			return status.ErrFormat.Wrapf("dynamic index %q: offset of record %d is not increasing (%d <= %d)", r.pth, i, end, last)
		}
		last = end
	}

	if last != r.header.Size {
		return status.ErrFormat.Wrapf("dynamic index %q: records end at %d, header declares %d", r.pth, last, r.header.Size)
	}

	return nil
}

// Path of the index file
func (r *DynamicReader) Path() string {
	return r.pth
}

// Header of the index
func (r *DynamicReader) Header() Header {
	return r.header
}

// IndexCount is the number of records
func (r *DynamicReader) IndexCount() int {
	return r.records.count()
}

// IndexDigest returns the digest of a record
func (r *DynamicReader) IndexDigest(i int) (digest.Digest, error) {
	_, d, err := r.records.get(i)
	return d, err
}

// IndexBytes is the logical size of the stream
func (r *DynamicReader) IndexBytes() uint64 {
	return r.header.Size
}

// ChunkInfo locates the chunk of a record. Its length is the difference with the previous end offset.
func (r *DynamicReader) ChunkInfo(i int) (ChunkRef, error) {
	end, d, err := r.records.get(i)
	if err != nil {
		return ChunkRef{}, err
	}

	var start uint64
	if i > 0 {
		start, _, _ = r.records.get(i - 1)
	}

	return ChunkRef{Digest: d, Offset: end, Length: end - start}, nil
}

// ComputeChecksum computes the digest of the record array
func (r *DynamicReader) ComputeChecksum() digest.Digest {
	return digest.Sum(r.records.buf)
}

// Verify compares the stored checksum with the records
func (r *DynamicReader) Verify() error {
	return verify(r)
}

// MarkUsedChunks marks all chunks referenced by this index
func (r *DynamicReader) MarkUsedChunks(st *gc.Status, marks gc.MarkSet) error {
	return markUsedChunks(r, st, marks)
}

// Info describes the index
func (r *DynamicReader) Info() Info {
	return Info{
		Path:      r.pth,
		Kind:      "dynamic",
		UUID:      r.header.UUID,
		CTime:     r.header.CTime,
		Checksum:  r.header.Checksum,
		Size:      r.header.Size,
		ChunkSize: r.header.ChunkSize,
		Count:     r.IndexCount(),
	}
}

// Close releases the mapping and the file. It may be called several times.
func (r *DynamicReader) Close() error {
	r.records = records{}
	return closeReader(r.m, &r.f)
}
